package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"airdrop-farmer/internal/adapter"
	"airdrop-farmer/pkg/types"
)

// attemptArgs is the immutable snapshot a worker needs for one attempt.
// Workers never touch loop state.
type attemptArgs struct {
	inst      types.TaskInstance
	def       types.TaskDefinition
	proposal  types.ActionProposal // pre-sized plan move, zero for DAG tasks
	rebalance bool
}

// runAttempt executes one attempt off-loop and reports a single completion.
// Panics are converted into completions so a broken adapter cannot take the
// scheduler down with it.
func (e *Engine) runAttempt(ctx context.Context, a attemptArgs) {
	c := completion{id: a.inst.ID, attempt: a.inst.Attempt, class: attemptAborted}
	defer func() {
		if r := recover(); r != nil {
			e.risk.Release(a.inst.ID)
			c = completion{
				id:       a.inst.ID,
				attempt:  a.inst.Attempt,
				class:    attemptAborted,
				err:      fmt.Errorf("attempt panicked: %v", r),
				panicked: true,
			}
		}
		select {
		case e.completions <- c:
		case <-e.done:
		}
	}()
	c = e.attempt(ctx, a)
}

// attempt runs the gauntlet: build the proposal, size it against the
// allocation, refine costs with the adapter's estimate, ask risk for
// permission, then execute. Each gate maps to its own completion class so
// the loop can tell environmental refusals from real failures.
func (e *Engine) attempt(ctx context.Context, a attemptArgs) completion {
	c := completion{id: a.inst.ID, attempt: a.inst.Attempt}

	p := a.proposal
	if !a.rebalance {
		proto, ok := e.protos[a.def.Protocol]
		if !ok {
			c.class = attemptAborted
			c.errKind = types.ErrKindPermanentConfig
			c.err = fmt.Errorf("protocol %q not configured", a.def.Protocol)
			return c
		}
		p = types.ActionProposal{
			InstanceID:    a.inst.ID,
			TaskID:        a.def.ID,
			CorrelationID: a.inst.CorrelationID,
			Wallet:        a.def.Wallet,
			Protocol:      a.def.Protocol,
			Kind:          a.def.Kind,
			Chain:         proto.Chain,
			Asset:         a.def.Params["asset"],
			NotionalUSD:   a.def.NotionalUSD,
			Params:        a.def.Params,
		}
		if tol, err := strconv.ParseFloat(a.def.Params["slippage_tol"], 64); err == nil {
			p.SlippageTol = tol
		}

		// Allocation gate: the allocator may shrink the request to the
		// protocol's remaining headroom. Plan moves skip this, they were
		// sized by the planner against the same book.
		sized, err := e.alloc.SizeFor(ctx, p.Protocol, p.NotionalUSD)
		if err != nil {
			c.class = attemptNoCapital
			c.err = err
			return c
		}
		if p.NotionalUSD.IsPositive() && !sized.IsPositive() {
			c.class = attemptNoCapital
			return c
		}
		p.NotionalUSD = sized
	}
	requested := p.NotionalUSD

	wallet, ok := e.wallets[p.Wallet]
	if !ok {
		c.class = attemptAborted
		c.errKind = types.ErrKindPermanentConfig
		c.err = fmt.Errorf("wallet %q not configured", p.Wallet)
		return c
	}

	ad, err := e.adapters.For(p)
	if err != nil {
		c.class = attemptAborted
		c.errKind = adapter.KindOf(err)
		c.err = err
		return c
	}

	// Pre-flight estimate refines gas and slippage on the proposal. Failures
	// are advisory: risk evaluates market data either way.
	req := adapter.Request{Proposal: p, Wallet: wallet}
	if est, err := ad.Estimate(ctx, req); err == nil {
		if est.GasGwei.IsPositive() {
			p.GasEstimate = est.GasGwei
		}
		if est.Slippage > 0 {
			p.SlippageTol = est.Slippage
		}
	} else if ctx.Err() != nil {
		c.class = attemptAborted
		c.errKind = types.ErrKindTimeout
		c.err = ctx.Err()
		return c
	}

	decision := e.risk.Evaluate(ctx, p)
	if decision.Verdict == types.VerdictDeny {
		c.class = attemptDenied
		c.reason = decision.Reason
		return c
	}
	if requested.IsPositive() && decision.Notional.LessThan(requested) &&
		decision.Notional.LessThan(e.minNotional) {
		// An action this small is not worth its gas. The reservation taken
		// by the evaluation is dropped, nothing executes.
		e.risk.Release(p.InstanceID)
		c.class = attemptBelowFloor
		c.reason = decision.Reason
		return c
	}
	p.NotionalUSD = decision.Notional

	req.Proposal = p
	out, execErr := ad.Execute(ctx, req)
	if out.InstanceID == "" {
		// Adapter broke contract: an error with no outcome. Nothing reached
		// the chain as far as we can tell.
		e.risk.Release(p.InstanceID)
		c.class = attemptAborted
		c.errKind = adapter.KindOf(execErr)
		c.err = execErr
		if c.err == nil {
			c.err = errors.New("adapter returned an empty outcome")
		}
		return c
	}
	c.class = attemptExecuted
	c.outcome = out
	return c
}
