// Package alloc decides how capital should be spread across protocols and
// plans the moves that close the gap between the book and the targets.
//
// Target weights come from one of three algorithms (equal, risk_adjusted,
// momentum); every result passes through an iterative projection onto the
// feasible set (per-protocol [w_min, w_max], weights summing to one). Drift
// is the signed difference between the current book weights and the targets.
// PlanRebalance turns drift into an ordered list of rebalance proposals:
// largest overweight pays the largest underweight first, each move capped by
// the per-transaction limit.
//
// One plan may be outstanding at a time. While a plan is pending the
// allocator refuses to plan again, so replanning with unchanged inputs is a
// no-op; once the plan settles (or the circuit halts) the latch clears.
package alloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/pkg/types"
)

// ErrNoProtocols is returned by New when no enabled protocol is configured.
var ErrNoProtocols = errors.New("no enabled protocols to allocate across")

// weightTol is the tolerance on the sum-to-one constraint.
const weightTol = 1e-9

// momentumClamp bounds the trailing-ROI bias so one hot protocol cannot
// starve the rest of the book.
const momentumClamp = 0.5

// rebalanceTaskID marks instances that came from a rebalance plan rather
// than a registered task definition.
const rebalanceTaskID = "rebalance"

// PortfolioSource serves the current portfolio snapshot.
type PortfolioSource interface {
	Current(ctx context.Context) (types.PortfolioSnapshot, error)
}

// StateSource reports the current circuit state.
type StateSource interface {
	State() types.RiskState
}

// Allocator computes target weights, measures drift, and plans rebalances.
type Allocator struct {
	cfg    config.AllocatorConfig
	view   PortfolioSource
	risk   StateSource
	jrnl   *journal.Journal
	bus    *bus.Bus
	clk    clock.Clock
	logger *slog.Logger

	ids     []string // enabled protocol ids, lexicographic
	protos  map[string]types.Protocol
	perTx   decimal.Decimal // per-transaction notional ceiling fraction
	minMove decimal.Decimal // moves below this are dust, stop planning

	mu          sync.RWMutex
	target      types.AllocationTarget
	haveTarget  bool
	pendingPlan string // correlation id of the outstanding plan, "" if none
}

// New builds an allocator over the enabled protocols. The last journaled
// target, if any, is restored so a restart does not reset allocation policy.
func New(cfg config.AllocatorConfig, riskCfg config.RiskConfig,
	protocols []types.Protocol, view PortfolioSource, state StateSource,
	jrnl *journal.Journal, eventBus *bus.Bus, clk clock.Clock,
	logger *slog.Logger) (*Allocator, error) {

	a := &Allocator{
		cfg:     cfg,
		view:    view,
		risk:    state,
		jrnl:    jrnl,
		bus:     eventBus,
		clk:     clk,
		logger:  logger.With("component", "alloc"),
		protos:  make(map[string]types.Protocol),
		perTx:   decimal.NewFromFloat(riskCfg.TxCapPct),
		minMove: decimal.NewFromFloat(riskCfg.MinNotionalUSD),
	}
	for _, p := range protocols {
		if !p.Enabled {
			continue
		}
		a.ids = append(a.ids, p.ID)
		a.protos[p.ID] = p
	}
	if len(a.ids) == 0 {
		return nil, ErrNoProtocols
	}
	sort.Strings(a.ids)

	target, ok, err := jrnl.LatestAllocation()
	if err != nil {
		return nil, err
	}
	if ok {
		a.target = target
		a.haveTarget = true
		a.logger.Info("restored allocation target",
			"algorithm", target.Algorithm, "computed_at", target.ComputedAt)
	}
	return a, nil
}

// Run reacts to circuit transitions until ctx is cancelled: DEGRADED and
// NORMAL recompute the targets (tightened bounds while degraded), HALTED
// cancels any pending plan. Drift- and cron-triggered planning is driven by
// the scheduler engine, which owns time.
func (a *Allocator) Run(ctx context.Context) {
	sub := a.bus.Subscribe(bus.TopicRisk, 16)
	defer sub.Close()

	a.logger.Info("allocator started",
		"algorithm", a.cfg.Algorithm,
		"drift_threshold", a.cfg.DriftThreshold,
		"protocols", len(a.ids))
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("allocator stopped")
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if evt.Type != types.EventRiskStateChanged {
				continue
			}
			a.onRiskTransition()
		}
	}
}

func (a *Allocator) onRiskTransition() {
	st := a.risk.State()
	switch st.Kind {
	case types.StateHalted:
		a.CancelPending()
	default:
		if _, err := a.ComputeTargets(); err != nil {
			a.logger.Warn("recompute after risk transition failed",
				"state", st.Kind, "error", err)
		}
	}
}

// ComputeTargets recomputes the target weights with the configured
// algorithm, journals them, and announces the change on the bus. While the
// circuit is DEGRADED the per-protocol upper bounds are tightened by the
// configured factor. If the projection cannot reach a feasible point the
// allocator falls back to plain equal weights and flags the event.
func (a *Allocator) ComputeTargets() (types.AllocationTarget, error) {
	now := a.clk.Now()
	degraded := a.risk.State().Kind == types.StateDegraded

	raw, err := a.rawWeights(now)
	if err != nil {
		return types.AllocationTarget{}, err
	}

	algorithm := a.cfg.Algorithm
	weights, converged := a.project(raw, degraded)
	if !converged {
		// Feasible or not, the book needs a target. Plain equal weights
		// keep the sum-to-one law; bounds are reported as violated.
		algorithm = "equal"
		for i := range weights {
			weights[i] = 1.0 / float64(len(a.ids))
		}
		a.logger.Warn("weight projection did not converge, using equal weights",
			"algorithm", a.cfg.Algorithm,
			"max_iterations", a.cfg.MaxIterations,
			"degraded", degraded)
	}

	target := types.AllocationTarget{
		Weights:    make(map[string]float64, len(a.ids)),
		Algorithm:  algorithm,
		ComputedAt: now,
	}
	for i, id := range a.ids {
		target.Weights[id] = weights[i]
	}

	a.mu.Lock()
	a.target = target
	a.haveTarget = true
	a.mu.Unlock()

	if err := a.jrnl.AppendAllocation(target); err != nil {
		a.logger.Error("journal allocation target", "error", err)
	}

	sev := types.SeverityInfo
	reason := "recompute"
	if !converged {
		sev = types.SeverityWarn
		reason = "projection_fallback"
	}
	a.bus.Publish(bus.TopicAlloc, types.Event{
		Timestamp: now,
		Type:      types.EventAllocationChanged,
		Severity:  sev,
		Fields: map[string]any{
			"algorithm": algorithm,
			"reason":    reason,
			"degraded":  degraded,
			"weights":   target.Weights,
		},
	})
	a.logger.Info("allocation targets recomputed",
		"algorithm", algorithm, "degraded", degraded)
	return target, nil
}

// Target returns the current target and whether one has been computed.
func (a *Allocator) Target() (types.AllocationTarget, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.target, a.haveTarget
}

// Pending reports whether a rebalance plan is outstanding.
func (a *Allocator) Pending() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingPlan != ""
}

// Drift returns the signed deviation of the book from the targets, one
// entry per enabled protocol. Positive means overweight. Targets are
// computed first if none exist yet.
func (a *Allocator) Drift(ctx context.Context) (map[string]float64, error) {
	target, err := a.ensureTarget()
	if err != nil {
		return nil, err
	}
	snap, err := a.view.Current(ctx)
	if err != nil {
		return nil, err
	}
	drift := a.driftFrom(snap, target)
	out := make(map[string]float64, len(a.ids))
	for i, id := range a.ids {
		out[id] = drift[i]
	}
	return out, nil
}

// SizeFor bounds a requested notional by the protocol's remaining
// allocation headroom: target weight times book value minus what the
// protocol already holds. A zero result means the allocation leaves no
// capital for the protocol right now. Non-positive requests pass through
// untouched so zero-notional actions such as claims are never blocked here.
func (a *Allocator) SizeFor(ctx context.Context, protocolID string, requested decimal.Decimal) (decimal.Decimal, error) {
	if !requested.IsPositive() {
		return requested, nil
	}
	target, err := a.ensureTarget()
	if err != nil {
		return decimal.Zero, err
	}
	weight, ok := target.Weights[protocolID]
	if !ok {
		return decimal.Zero, fmt.Errorf("protocol %q has no allocation target", protocolID)
	}
	snap, err := a.view.Current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	if !snap.TotalUSD.IsPositive() {
		// Empty book: weights bound nothing yet, the risk caps decide.
		return requested, nil
	}
	headroom := snap.TotalUSD.Mul(decimal.NewFromFloat(weight)).Sub(snap.ExposureByProtocol()[protocolID])
	if !headroom.IsPositive() {
		return decimal.Zero, nil
	}
	return decimal.Min(requested, headroom), nil
}

// PlanRebalance produces an ordered list of rebalance proposals, or nothing
// when the max drift is below the threshold, a previous plan is still
// outstanding, or the circuit is HALTED. All proposals in one plan share a
// correlation id; the caller reports settlement via PlanDone.
func (a *Allocator) PlanRebalance(ctx context.Context) ([]types.ActionProposal, error) {
	return a.plan(ctx, a.cfg.DriftThreshold)
}

// PlanScheduled is the cron-driven variant of PlanRebalance: the drift
// threshold is waived so even small deviations are trimmed, bounded only by
// the dust floor and the per-plan move budget.
func (a *Allocator) PlanScheduled(ctx context.Context) ([]types.ActionProposal, error) {
	return a.plan(ctx, 0)
}

func (a *Allocator) plan(ctx context.Context, stopBelow float64) ([]types.ActionProposal, error) {
	if a.risk.State().Kind == types.StateHalted {
		a.logger.Debug("rebalance skipped, circuit halted")
		return nil, nil
	}
	a.mu.RLock()
	outstanding := a.pendingPlan
	a.mu.RUnlock()
	if outstanding != "" {
		a.logger.Debug("rebalance skipped, plan outstanding", "correlation_id", outstanding)
		return nil, nil
	}

	target, err := a.ensureTarget()
	if err != nil {
		return nil, err
	}
	snap, err := a.view.Current(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.TotalUSD.IsPositive() {
		return nil, nil
	}

	drift := a.driftFrom(snap, target)
	if floats.Norm(drift, math.Inf(1)) < stopBelow {
		return nil, nil
	}

	moves := a.buildMoves(snap, drift, stopBelow)
	if len(moves) == 0 {
		return nil, nil
	}

	a.mu.Lock()
	if a.pendingPlan != "" {
		a.mu.Unlock()
		return nil, nil
	}
	a.pendingPlan = moves[0].CorrelationID
	a.mu.Unlock()

	a.logger.Info("rebalance planned",
		"moves", len(moves),
		"correlation_id", moves[0].CorrelationID,
		"max_drift", floats.Norm(drift, math.Inf(1)))
	return moves, nil
}

// PlanDone clears the plan latch once every proposal of the plan reached a
// terminal state. Stale correlation ids are ignored.
func (a *Allocator) PlanDone(correlationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingPlan != correlationID {
		return
	}
	a.pendingPlan = ""
	a.logger.Debug("rebalance plan settled", "correlation_id", correlationID)
}

// CancelPending drops the outstanding plan latch, if any. Called when the
// circuit trips; the engine cancels the plan's instances separately.
func (a *Allocator) CancelPending() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingPlan == "" {
		return
	}
	a.logger.Info("pending rebalance plan cancelled", "correlation_id", a.pendingPlan)
	a.pendingPlan = ""
}

func (a *Allocator) ensureTarget() (types.AllocationTarget, error) {
	a.mu.RLock()
	target, ok := a.target, a.haveTarget
	a.mu.RUnlock()
	if ok {
		return target, nil
	}
	return a.ComputeTargets()
}

// rawWeights produces the unprojected weight scores for the configured
// algorithm, ordered like a.ids.
func (a *Allocator) rawWeights(now time.Time) ([]float64, error) {
	raw := make([]float64, len(a.ids))
	switch a.cfg.Algorithm {
	case "risk_adjusted":
		for i, id := range a.ids {
			raw[i] = 1.0 / a.protos[id].RiskMultiplier
		}
	case "momentum":
		outcomes, err := a.jrnl.OutcomesSince(now.Add(-a.cfg.MomentumWindow))
		if err != nil {
			return nil, err
		}
		roi := trailingROI(outcomes)
		for i, id := range a.ids {
			raw[i] = 1.0
			if r, ok := roi[id]; ok {
				raw[i] = 1.0 + math.Max(-momentumClamp, math.Min(momentumClamp, r))
			}
		}
	default: // equal
		for i := range raw {
			raw[i] = 1.0
		}
	}
	return raw, nil
}

// trailingROI nets realized P&L against gas per protocol and divides by the
// traded notional. Failed attempts still burn gas, so they drag the score.
func trailingROI(outcomes []types.ActionOutcome) map[string]float64 {
	type tally struct{ net, notional decimal.Decimal }
	sums := make(map[string]*tally)
	for _, o := range outcomes {
		t := sums[o.Protocol]
		if t == nil {
			t = &tally{}
			sums[o.Protocol] = t
		}
		t.net = t.net.Add(o.RealizedPnLUSD).Sub(o.GasUSD)
		t.notional = t.notional.Add(o.NotionalUSD)
	}
	roi := make(map[string]float64, len(sums))
	for id, t := range sums {
		if t.notional.IsPositive() {
			roi[id] = t.net.Div(t.notional).InexactFloat64()
		}
	}
	return roi
}

// project normalizes raw scores and projects them onto the feasible set:
// clamp to bounds, redistribute the residual proportionally to the free
// capacity on the binding side, repeat. Reports false when max_iterations
// passes without the sum-to-one constraint holding, which with validated
// static bounds only happens once degraded tightening makes them infeasible.
func (a *Allocator) project(raw []float64, degraded bool) ([]float64, bool) {
	n := len(a.ids)
	lo := make([]float64, n)
	hi := make([]float64, n)
	for i, id := range a.ids {
		p := a.protos[id]
		lo[i] = p.WeightMin
		hi[i] = p.WeightMax
		if degraded {
			hi[i] = math.Max(lo[i], hi[i]*a.cfg.DegradedTighten)
		}
	}

	w := make([]float64, n)
	copy(w, raw)
	if s := floats.Sum(w); s > 0 {
		floats.Scale(1/s, w)
	} else {
		for i := range w {
			w[i] = 1.0 / float64(n)
		}
	}

	for iter := 0; iter <= a.cfg.MaxIterations; iter++ {
		for i := range w {
			w[i] = math.Min(hi[i], math.Max(lo[i], w[i]))
		}
		residual := 1 - floats.Sum(w)
		if math.Abs(residual) <= weightTol {
			return w, true
		}
		if iter == a.cfg.MaxIterations {
			break
		}

		capacity := make([]float64, n)
		if residual > 0 {
			for i := range w {
				capacity[i] = hi[i] - w[i]
			}
		} else {
			for i := range w {
				capacity[i] = w[i] - lo[i]
			}
		}
		capSum := floats.Sum(capacity)
		if capSum <= weightTol {
			// No room on the binding side: the bounds are infeasible.
			return w, false
		}
		for i := range w {
			w[i] += residual * capacity[i] / capSum
		}
	}
	return w, false
}

// driftFrom returns signed drift per protocol, ordered like a.ids.
func (a *Allocator) driftFrom(snap types.PortfolioSnapshot, target types.AllocationTarget) []float64 {
	drift := make([]float64, len(a.ids))
	if !snap.TotalUSD.IsPositive() {
		return drift
	}
	exposure := snap.ExposureByProtocol()
	for i, id := range a.ids {
		current := 0.0
		if exp, ok := exposure[id]; ok {
			current = exp.Div(snap.TotalUSD).InexactFloat64()
		}
		drift[i] = current - target.Weights[id]
	}
	return drift
}

// buildMoves simulates moves against a copy of the drift vector: the
// largest overweight protocol pays the largest underweight one, ties broken
// by id order, each move capped by min(surplus, deficit, per-tx cap). The
// loop stops when max drift falls under stopBelow, the move budget is
// spent, or the next move would be dust.
func (a *Allocator) buildMoves(snap types.PortfolioSnapshot, drift []float64, stopBelow float64) []types.ActionProposal {
	totalV := snap.TotalUSD
	correlationID := uuid.NewString()
	perTxUSD := totalV.Mul(a.perTx)

	work := make([]float64, len(drift))
	copy(work, drift)

	var moves []types.ActionProposal
	for len(moves) < a.cfg.MaxMovesPerPlan {
		if floats.Norm(work, math.Inf(1)) < stopBelow {
			break
		}
		src, dst := -1, -1
		for i := range work {
			if work[i] > 0 && (src == -1 || work[i] > work[src]) {
				src = i
			}
			if work[i] < 0 && (dst == -1 || work[i] < work[dst]) {
				dst = i
			}
		}
		if src == -1 || dst == -1 {
			break
		}

		surplus := totalV.Mul(decimal.NewFromFloat(work[src]))
		deficit := totalV.Mul(decimal.NewFromFloat(-work[dst]))
		size := decimal.Min(surplus, deficit, perTxUSD)
		if size.LessThan(a.minMove) {
			a.logger.Debug("stopping plan at dust-sized move",
				"from", a.ids[src], "to", a.ids[dst], "size", size)
			break
		}

		wallet, asset, ok := largestPosition(snap, a.ids[src])
		if !ok {
			// Drift says overweight but the book shows nothing to move.
			break
		}

		moves = append(moves, types.ActionProposal{
			InstanceID:    uuid.NewString(),
			TaskID:        rebalanceTaskID,
			CorrelationID: correlationID,
			Wallet:        wallet,
			Protocol:      a.ids[dst],
			FromProtocol:  a.ids[src],
			Kind:          types.ActionRebalance,
			Chain:         a.protos[a.ids[dst]].Chain,
			Asset:         asset,
			NotionalUSD:   size,
		})

		step := size.Div(totalV).InexactFloat64()
		work[src] -= step
		work[dst] += step
	}
	return moves
}

// largestPosition picks the wallet and asset holding the most value in the
// given protocol. Equal values fall back to wallet id order so planning
// stays deterministic.
func largestPosition(snap types.PortfolioSnapshot, protocolID string) (wallet, asset string, ok bool) {
	var best types.Position
	for _, pos := range snap.Positions {
		if pos.Protocol != protocolID || !pos.ValueUSD.IsPositive() {
			continue
		}
		if !ok ||
			pos.ValueUSD.GreaterThan(best.ValueUSD) ||
			(pos.ValueUSD.Equal(best.ValueUSD) && pos.Wallet < best.Wallet) {
			best = pos
			ok = true
		}
	}
	return best.Wallet, best.Asset, ok
}
