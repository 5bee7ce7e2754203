package alloc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/pkg/types"
)

type portfolioStub struct {
	snap types.PortfolioSnapshot
	err  error
}

func (s *portfolioStub) Current(context.Context) (types.PortfolioSnapshot, error) {
	return s.snap, s.err
}

type stateStub struct {
	mu sync.Mutex
	st types.RiskState
}

func (s *stateStub) State() types.RiskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *stateStub) set(kind types.RiskStateKind) {
	s.mu.Lock()
	s.st = types.RiskState{Kind: kind}
	s.mu.Unlock()
}

func testAllocConfig() config.AllocatorConfig {
	return config.AllocatorConfig{
		Algorithm:       "equal",
		DriftThreshold:  0.06,
		RebalanceCron:   "0 */6 * * *",
		MomentumWindow:  24 * time.Hour,
		MaxIterations:   10,
		DegradedTighten: 0.5,
		MaxMovesPerPlan: 10,
	}
}

func testRiskCaps() config.RiskConfig {
	return config.RiskConfig{TxCapPct: 0.05, MinNotionalUSD: 100}
}

// wideProtocols leaves every weight unconstrained.
func wideProtocols() []types.Protocol {
	return []types.Protocol{
		{ID: "aave", Chain: "zksync", WeightMin: 0, WeightMax: 1, RiskMultiplier: 1.0, Enabled: true},
		{ID: "blast", Chain: "blast", WeightMin: 0, WeightMax: 1, RiskMultiplier: 2.0, Enabled: true},
		{ID: "curve", Chain: "scroll", WeightMin: 0, WeightMax: 1, RiskMultiplier: 4.0, Enabled: true},
	}
}

// clampProtocols pins equal-weight targets to exactly {0.3, 0.3, 0.4}.
func clampProtocols() []types.Protocol {
	return []types.Protocol{
		{ID: "aave", Chain: "zksync", WeightMin: 0, WeightMax: 0.3, RiskMultiplier: 1.0, Enabled: true},
		{ID: "blast", Chain: "blast", WeightMin: 0.3, WeightMax: 0.3, RiskMultiplier: 1.0, Enabled: true},
		{ID: "curve", Chain: "scroll", WeightMin: 0.4, WeightMax: 1, RiskMultiplier: 1.0, Enabled: true},
	}
}

// book returns a 100k snapshot with the given USD per protocol. aave and
// blast sit in wallet w1, curve in w2.
func book(taken time.Time, aave, blast, curve int64) types.PortfolioSnapshot {
	positions := []types.Position{
		{Wallet: "w1", Protocol: "aave", Asset: "USDC", ValueUSD: decimal.NewFromInt(aave)},
		{Wallet: "w1", Protocol: "blast", Asset: "USDC", ValueUSD: decimal.NewFromInt(blast)},
		{Wallet: "w2", Protocol: "curve", Asset: "USDC", ValueUSD: decimal.NewFromInt(curve)},
	}
	return types.PortfolioSnapshot{
		Taken:     taken,
		Positions: positions,
		TotalUSD:  decimal.NewFromInt(aave + blast + curve),
	}
}

type env struct {
	alloc *Allocator
	port  *portfolioStub
	state *stateStub
	clk   *clock.Simulated
	jrnl  *journal.Journal
	bus   *bus.Bus
}

func newTestEnv(t *testing.T, cfg config.AllocatorConfig, protos []types.Protocol) *env {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	jrnl, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	e := &env{
		port:  &portfolioStub{snap: book(clk.Now(), 40000, 10000, 50000)},
		state: &stateStub{st: types.RiskState{Kind: types.StateNormal}},
		clk:   clk,
		jrnl:  jrnl,
		bus:   bus.New(logger),
	}
	e.alloc, err = New(cfg, testRiskCaps(), protos, e.port, e.state, jrnl, e.bus, clk, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func sumWeights(t *testing.T, weights map[string]float64) float64 {
	t.Helper()
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("sum of weights = %v, want 1 within 1e-9", sum)
	}
	return sum
}

func TestEqualWeightTargets(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), wideProtocols())
	sub := e.bus.Subscribe(bus.TopicAlloc, 8)
	defer sub.Close()

	target, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	sumWeights(t, target.Weights)
	for id, w := range target.Weights {
		if math.Abs(w-1.0/3.0) > 1e-9 {
			t.Errorf("weight[%s] = %v, want 1/3", id, w)
		}
	}
	if target.Algorithm != "equal" {
		t.Errorf("Algorithm = %q, want equal", target.Algorithm)
	}
	if !target.ComputedAt.Equal(e.clk.Now()) {
		t.Errorf("ComputedAt = %v, want %v", target.ComputedAt, e.clk.Now())
	}

	stored, ok, err := e.jrnl.LatestAllocation()
	if err != nil || !ok {
		t.Fatalf("LatestAllocation() = %v, %v, %v, want stored target", stored, ok, err)
	}
	select {
	case evt := <-sub.C:
		if evt.Type != types.EventAllocationChanged || evt.Severity != types.SeverityInfo {
			t.Errorf("event = %s/%s, want AllocationChanged/info", evt.Type, evt.Severity)
		}
	default:
		t.Error("no allocation event published")
	}
}

func TestEqualWeightRespectsBounds(t *testing.T) {
	t.Parallel()

	protos := wideProtocols()
	protos[0].WeightMax = 0.2 // aave capped below the equal share
	e := newTestEnv(t, testAllocConfig(), protos)

	target, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	sumWeights(t, target.Weights)
	if w := target.Weights["aave"]; math.Abs(w-0.2) > 1e-9 {
		t.Errorf("weight[aave] = %v, want the 0.2 bound", w)
	}
	for _, id := range []string{"blast", "curve"} {
		if w := target.Weights[id]; math.Abs(w-0.4) > 1e-9 {
			t.Errorf("weight[%s] = %v, want 0.4 after redistribution", id, w)
		}
	}
}

func TestRiskAdjustedWeights(t *testing.T) {
	t.Parallel()

	cfg := testAllocConfig()
	cfg.Algorithm = "risk_adjusted"
	e := newTestEnv(t, cfg, wideProtocols())

	// Multipliers 1/2/4 invert to scores 1, 0.5, 0.25.
	target, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	sumWeights(t, target.Weights)
	if w := target.Weights["aave"]; math.Abs(w-4.0/7.0) > 1e-9 {
		t.Errorf("weight[aave] = %v, want 4/7", w)
	}
	if w := target.Weights["blast"]; math.Abs(w-2.0/7.0) > 1e-9 {
		t.Errorf("weight[blast] = %v, want 2/7", w)
	}
	if w := target.Weights["curve"]; math.Abs(w-1.0/7.0) > 1e-9 {
		t.Errorf("weight[curve] = %v, want 1/7", w)
	}
}

func TestMomentumFavorsWinners(t *testing.T) {
	t.Parallel()

	cfg := testAllocConfig()
	cfg.Algorithm = "momentum"
	e := newTestEnv(t, cfg, wideProtocols())

	recent := e.clk.Now().Add(-time.Hour)
	outcomes := []types.ActionOutcome{
		{InstanceID: "i1", Protocol: "aave", Success: true, Timestamp: recent,
			NotionalUSD:    decimal.NewFromInt(10000),
			RealizedPnLUSD: decimal.NewFromInt(500),
			GasUSD:         decimal.NewFromInt(20)},
		{InstanceID: "i2", Protocol: "blast", Success: true, Timestamp: recent,
			NotionalUSD:    decimal.NewFromInt(10000),
			RealizedPnLUSD: decimal.NewFromInt(-300),
			GasUSD:         decimal.NewFromInt(20)},
		// Far outside the 24h window: must not drag aave down.
		{InstanceID: "i0", Protocol: "aave", Success: false, Timestamp: e.clk.Now().Add(-48 * time.Hour),
			NotionalUSD:    decimal.NewFromInt(10000),
			RealizedPnLUSD: decimal.NewFromInt(-10000)},
	}
	for _, o := range outcomes {
		if err := e.jrnl.AppendOutcome(o); err != nil {
			t.Fatalf("AppendOutcome(%s) error = %v", o.InstanceID, err)
		}
	}

	target, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	sumWeights(t, target.Weights)
	aave, blast, curve := target.Weights["aave"], target.Weights["blast"], target.Weights["curve"]
	if !(aave > curve && curve > blast) {
		t.Errorf("weights = aave %v, curve %v, blast %v; want aave > curve > blast", aave, curve, blast)
	}
}

func TestDegradedTightensBounds(t *testing.T) {
	t.Parallel()

	cfg := testAllocConfig()
	cfg.Algorithm = "risk_adjusted"
	cfg.DegradedTighten = 0.6
	protos := wideProtocols()
	for i := range protos {
		protos[i].WeightMax = 0.6
	}
	protos[0].RiskMultiplier = 1.0
	protos[1].RiskMultiplier = 1.0
	protos[2].RiskMultiplier = 4.0
	e := newTestEnv(t, cfg, protos)

	normal, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	if w := normal.Weights["aave"]; math.Abs(w-4.0/9.0) > 1e-9 {
		t.Errorf("normal weight[aave] = %v, want 4/9", w)
	}

	e.state.set(types.StateDegraded)
	tightened, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() degraded error = %v", err)
	}
	sumWeights(t, tightened.Weights)
	for id, w := range tightened.Weights {
		if w > 0.36+1e-9 {
			t.Errorf("degraded weight[%s] = %v, want <= tightened bound 0.36", id, w)
		}
	}
	if tightened.Weights["curve"] <= normal.Weights["curve"] {
		t.Errorf("degraded weight[curve] = %v, want above normal %v after redistribution",
			tightened.Weights["curve"], normal.Weights["curve"])
	}
}

func TestProjectionFallbackEqualWeights(t *testing.T) {
	t.Parallel()

	cfg := testAllocConfig()
	cfg.Algorithm = "risk_adjusted"
	cfg.DegradedTighten = 0.5
	protos := []types.Protocol{
		{ID: "aave", Chain: "zksync", WeightMin: 0, WeightMax: 0.5, RiskMultiplier: 1.0, Enabled: true},
		{ID: "blast", Chain: "blast", WeightMin: 0, WeightMax: 0.5, RiskMultiplier: 2.0, Enabled: true},
	}
	e := newTestEnv(t, cfg, protos)
	sub := e.bus.Subscribe(bus.TopicAlloc, 8)
	defer sub.Close()

	// Tightening halves both caps to 0.25: no feasible point sums to one.
	e.state.set(types.StateDegraded)
	target, err := e.alloc.ComputeTargets()
	if err != nil {
		t.Fatalf("ComputeTargets() error = %v", err)
	}
	sumWeights(t, target.Weights)
	if target.Algorithm != "equal" {
		t.Errorf("Algorithm = %q, want the equal fallback", target.Algorithm)
	}
	for id, w := range target.Weights {
		if math.Abs(w-0.5) > 1e-9 {
			t.Errorf("weight[%s] = %v, want 0.5", id, w)
		}
	}

	select {
	case evt := <-sub.C:
		if evt.Severity != types.SeverityWarn {
			t.Errorf("Severity = %s, want warn on fallback", evt.Severity)
		}
		if reason, _ := evt.Fields["reason"].(string); reason != "projection_fallback" {
			t.Errorf("reason = %q, want projection_fallback", reason)
		}
	default:
		t.Error("no allocation event published")
	}
}

func TestDriftMeasuresBookDeviation(t *testing.T) {
	t.Parallel()

	// Targets land on {0.3, 0.3, 0.4} via the bound clamps; the book sits
	// at {0.4, 0.1, 0.5}. Drift never needs an explicit ComputeTargets.
	e := newTestEnv(t, testAllocConfig(), clampProtocols())

	drift, err := e.alloc.Drift(context.Background())
	if err != nil {
		t.Fatalf("Drift() error = %v", err)
	}
	want := map[string]float64{"aave": 0.1, "blast": -0.2, "curve": 0.1}
	for id, w := range want {
		if math.Abs(drift[id]-w) > 1e-9 {
			t.Errorf("drift[%s] = %v, want %v", id, drift[id], w)
		}
	}
}

func TestRebalancePlanOrdering(t *testing.T) {
	t.Parallel()

	// Drifts {+0.1, -0.2, +0.1} on a 100k book with a 5% per-tx cap: the
	// overweight protocols pay blast 5k at a time, aave before curve on the
	// (near) tie, until every drift is inside the 0.06 threshold.
	e := newTestEnv(t, testAllocConfig(), clampProtocols())

	moves, err := e.alloc.PlanRebalance(context.Background())
	if err != nil {
		t.Fatalf("PlanRebalance() error = %v", err)
	}
	if len(moves) != 3 {
		t.Fatalf("len(moves) = %d, want 3", len(moves))
	}

	wantFrom := []string{"aave", "curve", "aave"}
	wantWallet := []string{"w1", "w2", "w1"}
	for i, m := range moves {
		if m.FromProtocol != wantFrom[i] {
			t.Errorf("moves[%d].FromProtocol = %s, want %s", i, m.FromProtocol, wantFrom[i])
		}
		if m.Protocol != "blast" {
			t.Errorf("moves[%d].Protocol = %s, want blast", i, m.Protocol)
		}
		if !m.NotionalUSD.Equal(decimal.NewFromInt(5000)) {
			t.Errorf("moves[%d].NotionalUSD = %s, want exactly 5000", i, m.NotionalUSD)
		}
		if m.Wallet != wantWallet[i] {
			t.Errorf("moves[%d].Wallet = %s, want %s", i, m.Wallet, wantWallet[i])
		}
		if m.Kind != types.ActionRebalance {
			t.Errorf("moves[%d].Kind = %s, want rebalance", i, m.Kind)
		}
		if m.Chain != "blast" {
			t.Errorf("moves[%d].Chain = %s, want the destination chain", i, m.Chain)
		}
		if m.TaskID != rebalanceTaskID {
			t.Errorf("moves[%d].TaskID = %s, want %s", i, m.TaskID, rebalanceTaskID)
		}
		if m.CorrelationID != moves[0].CorrelationID {
			t.Errorf("moves[%d].CorrelationID = %s, want shared %s", i, m.CorrelationID, moves[0].CorrelationID)
		}
	}
	if moves[0].CorrelationID == "" {
		t.Error("CorrelationID is empty")
	}
	if moves[0].InstanceID == moves[1].InstanceID || moves[1].InstanceID == moves[2].InstanceID {
		t.Error("instance ids are not unique across moves")
	}
}

func TestPlanTieBreakLexicographic(t *testing.T) {
	t.Parallel()

	// aave and curve carry bit-identical +0.05 drifts; the id order must
	// decide who pays first.
	cfg := testAllocConfig()
	cfg.DriftThreshold = 0.04
	protos := []types.Protocol{
		{ID: "aave", Chain: "zksync", WeightMin: 0.4, WeightMax: 0.4, RiskMultiplier: 1.0, Enabled: true},
		{ID: "blast", Chain: "blast", WeightMin: 0.2, WeightMax: 0.2, RiskMultiplier: 1.0, Enabled: true},
		{ID: "curve", Chain: "scroll", WeightMin: 0.4, WeightMax: 0.4, RiskMultiplier: 1.0, Enabled: true},
	}
	e := newTestEnv(t, cfg, protos)
	e.port.snap = book(e.clk.Now(), 45000, 10000, 45000)

	moves, err := e.alloc.PlanRebalance(context.Background())
	if err != nil {
		t.Fatalf("PlanRebalance() error = %v", err)
	}
	if len(moves) != 2 {
		t.Fatalf("len(moves) = %d, want 2", len(moves))
	}
	if moves[0].FromProtocol != "aave" || moves[1].FromProtocol != "curve" {
		t.Errorf("move order = %s, %s; want aave first on the tie, then curve",
			moves[0].FromProtocol, moves[1].FromProtocol)
	}
}

func TestPendingPlanLatch(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), clampProtocols())
	ctx := context.Background()

	moves, err := e.alloc.PlanRebalance(ctx)
	if err != nil || len(moves) == 0 {
		t.Fatalf("PlanRebalance() = %d moves, %v; want a plan", len(moves), err)
	}
	if !e.alloc.Pending() {
		t.Fatal("Pending() = false right after planning")
	}

	again, err := e.alloc.PlanRebalance(ctx)
	if err != nil {
		t.Fatalf("PlanRebalance() while outstanding error = %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("len(moves) = %d while a plan is outstanding, want 0", len(again))
	}

	// A stale correlation id must not release the latch.
	e.alloc.PlanDone("not-this-plan")
	if !e.alloc.Pending() {
		t.Fatal("Pending() = false after PlanDone with a stale id")
	}

	// Once the plan settles the book reflects the moves, so replanning
	// with unchanged inputs produces nothing.
	e.alloc.PlanDone(moves[0].CorrelationID)
	e.port.snap = book(e.clk.Now(), 30000, 30000, 40000)
	after, err := e.alloc.PlanRebalance(ctx)
	if err != nil {
		t.Fatalf("PlanRebalance() after settle error = %v", err)
	}
	if len(after) != 0 {
		t.Errorf("len(moves) = %d on a balanced book, want 0", len(after))
	}
}

func TestSizeForBoundsByHeadroom(t *testing.T) {
	t.Parallel()

	// Equal targets give each protocol a third of the 100k book. blast holds
	// 10k against a ~33.3k allowance, aave 40k against the same allowance.
	e := newTestEnv(t, testAllocConfig(), wideProtocols())
	ctx := context.Background()

	sized, err := e.alloc.SizeFor(ctx, "blast", decimal.NewFromInt(30000))
	if err != nil {
		t.Fatalf("SizeFor(blast) error = %v", err)
	}
	headroom := decimal.NewFromFloat(100000.0/3.0 - 10000.0)
	if sized.Sub(headroom).Abs().GreaterThan(decimal.NewFromFloat(0.01)) {
		t.Errorf("SizeFor(blast, 30000) = %s, want trimmed to headroom %s", sized, headroom)
	}

	small, err := e.alloc.SizeFor(ctx, "blast", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("SizeFor(blast, 1000) error = %v", err)
	}
	if !small.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("SizeFor(blast, 1000) = %s, want the request untouched", small)
	}

	over, err := e.alloc.SizeFor(ctx, "aave", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("SizeFor(aave) error = %v", err)
	}
	if !over.IsZero() {
		t.Errorf("SizeFor(aave, 1000) = %s, want 0 for an overweight protocol", over)
	}

	zero, err := e.alloc.SizeFor(ctx, "aave", decimal.Zero)
	if err != nil {
		t.Fatalf("SizeFor(aave, 0) error = %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("SizeFor(aave, 0) = %s, want pass-through 0", zero)
	}

	if _, err := e.alloc.SizeFor(ctx, "nosuch", decimal.NewFromInt(1)); err == nil {
		t.Error("SizeFor(nosuch) error = nil, want unknown-protocol error")
	}
}

func TestScheduledPlanIgnoresThreshold(t *testing.T) {
	t.Parallel()

	// Drift {+0.04, -0.04, 0} sits under the 0.06 threshold: drift-triggered
	// planning declines, the scheduled variant still trims the book.
	e := newTestEnv(t, testAllocConfig(), clampProtocols())
	e.port.snap = book(e.clk.Now(), 34000, 26000, 40000)
	ctx := context.Background()

	if moves, err := e.alloc.PlanRebalance(ctx); err != nil || len(moves) != 0 {
		t.Fatalf("PlanRebalance() = %d moves, %v; want none below threshold", len(moves), err)
	}

	moves, err := e.alloc.PlanScheduled(ctx)
	if err != nil {
		t.Fatalf("PlanScheduled() error = %v", err)
	}
	if len(moves) != 1 {
		t.Fatalf("len(moves) = %d, want 1", len(moves))
	}
	if moves[0].FromProtocol != "aave" || moves[0].Protocol != "blast" {
		t.Errorf("move = %s -> %s, want aave -> blast", moves[0].FromProtocol, moves[0].Protocol)
	}
	if !moves[0].NotionalUSD.Equal(decimal.NewFromInt(4000)) {
		t.Errorf("NotionalUSD = %s, want 4000", moves[0].NotionalUSD)
	}

	// Dust still stops a scheduled plan.
	e.alloc.PlanDone(moves[0].CorrelationID)
	e.port.snap = book(e.clk.Now(), 30050, 29950, 40000)
	dust, err := e.alloc.PlanScheduled(ctx)
	if err != nil {
		t.Fatalf("PlanScheduled() on near-balanced book error = %v", err)
	}
	if len(dust) != 0 {
		t.Errorf("len(moves) = %d for a dust-sized deviation, want 0", len(dust))
	}
}

func TestPlanSkippedWhileHalted(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), clampProtocols())
	e.state.set(types.StateHalted)

	moves, err := e.alloc.PlanRebalance(context.Background())
	if err != nil {
		t.Fatalf("PlanRebalance() error = %v", err)
	}
	if len(moves) != 0 {
		t.Errorf("len(moves) = %d while halted, want 0", len(moves))
	}
}

func TestCancelPendingClearsLatch(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), clampProtocols())
	ctx := context.Background()

	if moves, err := e.alloc.PlanRebalance(ctx); err != nil || len(moves) == 0 {
		t.Fatalf("PlanRebalance() = %d moves, %v; want a plan", len(moves), err)
	}
	e.alloc.CancelPending()
	if e.alloc.Pending() {
		t.Fatal("Pending() = true after CancelPending")
	}

	moves, err := e.alloc.PlanRebalance(ctx)
	if err != nil {
		t.Fatalf("PlanRebalance() after cancel error = %v", err)
	}
	if len(moves) == 0 {
		t.Error("no plan after cancel on a still-drifted book")
	}
}

func TestRunClearsLatchOnHalt(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), clampProtocols())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.alloc.Run(ctx)

	if moves, err := e.alloc.PlanRebalance(ctx); err != nil || len(moves) == 0 {
		t.Fatalf("PlanRebalance() = %d moves, %v; want a plan", len(moves), err)
	}
	e.state.set(types.StateHalted)

	// Run subscribes asynchronously, so keep announcing the transition
	// until the loop reacts.
	deadline := time.Now().Add(2 * time.Second)
	for e.alloc.Pending() {
		if time.Now().After(deadline) {
			t.Fatal("pending plan never cancelled after HALTED transition")
		}
		e.bus.Publish(bus.TopicRisk, types.Event{
			Timestamp: e.clk.Now(),
			Type:      types.EventRiskStateChanged,
			Severity:  types.SeverityError,
			Fields:    map[string]any{"to": string(types.StateHalted)},
		})
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRestoredTargetSurvivesRestart(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, testAllocConfig(), wideProtocols())
	stored := types.AllocationTarget{
		Weights:    map[string]float64{"aave": 0.5, "blast": 0.25, "curve": 0.25},
		Algorithm:  "momentum",
		ComputedAt: e.clk.Now(),
	}
	if err := e.jrnl.AppendAllocation(stored); err != nil {
		t.Fatalf("AppendAllocation() error = %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	restarted, err := New(testAllocConfig(), testRiskCaps(), wideProtocols(),
		e.port, e.state, e.jrnl, e.bus, e.clk, logger)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}

	target, ok := restarted.Target()
	if !ok {
		t.Fatal("Target() has no restored target")
	}
	if target.Algorithm != "momentum" {
		t.Errorf("Algorithm = %q, want the stored momentum", target.Algorithm)
	}
	for id, w := range stored.Weights {
		if math.Abs(target.Weights[id]-w) > 1e-9 {
			t.Errorf("weight[%s] = %v, want restored %v", id, target.Weights[id], w)
		}
	}
}

func TestNoEnabledProtocols(t *testing.T) {
	t.Parallel()

	protos := wideProtocols()
	for i := range protos {
		protos[i].Enabled = false
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	jrnl, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })

	_, err = New(testAllocConfig(), testRiskCaps(), protos,
		&portfolioStub{}, &stateStub{}, jrnl, bus.New(logger), clk, logger)
	if !errors.Is(err, ErrNoProtocols) {
		t.Fatalf("New() error = %v, want ErrNoProtocols", err)
	}
}
