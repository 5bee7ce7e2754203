package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/clock"
	"airdrop-farmer/pkg/types"
)

// SimConfig tunes the simulated adapter. Zero values mean instant success
// with no P&L movement.
type SimConfig struct {
	Latency      time.Duration // time per Execute, waited on the injected clock
	FailRate     float64       // probability in [0,1] of a transient_rpc failure
	PnLSpreadPct float64       // realized P&L per action drawn from ±spread·notional
	GasGwei      float64       // gas price quoted by Estimate
	GasUSD       float64       // gas cost attached to outcomes
	Seed         int64         // rng seed; runs with the same seed are identical
}

// Simulator is an Adapter that fabricates plausible outcomes without
// touching a chain. Dry-run mode registers one per protocol; tests inject it
// to script failures and latency. Safe for concurrent use.
type Simulator struct {
	cfg   SimConfig
	clk   clock.Clock
	kinds []types.ActionKind

	mu  sync.Mutex
	rng *rand.Rand

	failNext []types.ErrorKind // scripted failures consumed in order, tests only
}

// NewSimulator builds a simulator supporting the given action kinds.
func NewSimulator(cfg SimConfig, clk clock.Clock, kinds []types.ActionKind) *Simulator {
	return &Simulator{
		cfg:   cfg,
		clk:   clk,
		kinds: kinds,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// FailNext scripts the error kinds of upcoming Execute calls, consumed in
// order before any random failure is considered.
func (s *Simulator) FailNext(kinds ...types.ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, kinds...)
}

func (s *Simulator) Capabilities() []types.ActionKind {
	return append([]types.ActionKind(nil), s.kinds...)
}

func (s *Simulator) Estimate(_ context.Context, req Request) (Estimate, error) {
	return Estimate{
		NotionalUSD: req.Proposal.NotionalUSD,
		GasGwei:     decimal.NewFromFloat(s.cfg.GasGwei),
		Slippage:    req.Proposal.SlippageTol,
	}, nil
}

// Execute waits the configured latency on the injected clock, honoring ctx
// cancellation, then returns a scripted or randomized outcome.
func (s *Simulator) Execute(ctx context.Context, req Request) (types.ActionOutcome, error) {
	if s.cfg.Latency > 0 {
		select {
		case <-ctx.Done():
			return s.failure(req, types.ErrKindTimeout, ctx.Err())
		case <-s.clk.After(s.cfg.Latency):
		}
	} else if ctx.Err() != nil {
		return s.failure(req, types.ErrKindTimeout, ctx.Err())
	}

	s.mu.Lock()
	var scripted types.ErrorKind
	if len(s.failNext) > 0 {
		scripted = s.failNext[0]
		s.failNext = s.failNext[1:]
	}
	roll := s.rng.Float64()
	jitter := s.rng.Float64()*2 - 1 // in [-1, 1)
	var hashBytes [32]byte
	s.rng.Read(hashBytes[:])
	s.mu.Unlock()

	if scripted != "" {
		return s.failure(req, scripted, errors.New("scripted failure"))
	}
	if s.cfg.FailRate > 0 && roll < s.cfg.FailRate {
		return s.failure(req, types.ErrKindTransientRPC, errors.New("simulated rpc failure"))
	}

	p := req.Proposal
	pnl := p.NotionalUSD.Mul(decimal.NewFromFloat(jitter * s.cfg.PnLSpreadPct))
	return types.ActionOutcome{
		InstanceID:     p.InstanceID,
		CorrelationID:  p.CorrelationID,
		Wallet:         p.Wallet,
		Protocol:       p.Protocol,
		FromProtocol:   p.FromProtocol,
		Kind:           p.Kind,
		Success:        true,
		TxHashes:       []string{"0x" + hex.EncodeToString(hashBytes[:])},
		NotionalUSD:    p.NotionalUSD,
		RealizedPnLUSD: pnl,
		GasUSD:         decimal.NewFromFloat(s.cfg.GasUSD),
		Timestamp:      s.clk.Now(),
	}, nil
}

func (s *Simulator) failure(req Request, kind types.ErrorKind, cause error) (types.ActionOutcome, error) {
	p := req.Proposal
	return types.ActionOutcome{
		InstanceID:    p.InstanceID,
		CorrelationID: p.CorrelationID,
		Wallet:        p.Wallet,
		Protocol:      p.Protocol,
		FromProtocol:  p.FromProtocol,
		Kind:          p.Kind,
		Success:       false,
		ErrKind:       kind,
		Err:           cause.Error(),
		NotionalUSD:   p.NotionalUSD,
		GasUSD:        decimal.NewFromFloat(s.cfg.GasUSD),
		Timestamp:     s.clk.Now(),
	}, NewErr(kind, cause)
}
