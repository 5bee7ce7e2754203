package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/pkg/types"
)

type marketStub struct {
	snap types.MarketSnapshot
	err  error
}

func (s *marketStub) Snapshot() (types.MarketSnapshot, error) { return s.snap, s.err }

type portfolioStub struct {
	snap types.PortfolioSnapshot
	err  error
}

func (s *portfolioStub) Current(context.Context) (types.PortfolioSnapshot, error) {
	return s.snap, s.err
}

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		TxCapPct:             0.10,
		MinNotionalUSD:       500,
		DailyLossLimitUSD:    1000,
		DegradedScale:        0.5,
		ReservationTTL:       10 * time.Minute,
		GasCeilingGwei:       map[string]float64{"swap": 30},
		GasHysteresis:        0.2,
		VolMed:               0.3,
		VolHigh:              0.6,
		VolExtreme:           0.9,
		VolMultipliers:       map[string]float64{"low": 1.0, "med": 0.75, "high": 0.5},
		MinGasReserve:        0.05,
		FailureWindow:        10 * time.Minute,
		FailureRateThreshold: 0.5,
		FailureMinSamples:    5,
		CriticalErrorLimit:   3,
		DegradedRecovery:     15 * time.Minute,
		OperatorToken:        "test-token",
	}
}

func testProtocols() []types.Protocol {
	return []types.Protocol{
		{
			ID: "scroll-swap", Chain: "scroll",
			Kinds:          []types.ActionKind{types.ActionSwap, types.ActionBridge},
			Assets:         []string{"ETH", "USDC"},
			ExposureCapPct: 0.20, RiskMultiplier: 1.0, Enabled: true,
		},
		{
			ID: "zk-lend", Chain: "zksync",
			Kinds:          []types.ActionKind{types.ActionLend, types.ActionClaim},
			Assets:         []string{"ETH", "USDC"},
			ExposureCapPct: 0.30, RiskMultiplier: 1.5, Enabled: true,
		},
	}
}

func testJournal(t *testing.T) *journal.Journal {
	t.Helper()
	jrnl, err := journal.Open(":memory:")
	if err != nil {
		t.Fatalf("journal.Open() error = %v", err)
	}
	t.Cleanup(func() { jrnl.Close() })
	return jrnl
}

// newTestManager builds a manager over a 100k USD book with 18k already in
// scroll-swap (cap 20%), calm markets, and a healthy wallet w1.
func newTestManager(t *testing.T, cfg config.RiskConfig) (*Manager, *marketStub, *portfolioStub, *clock.Simulated) {
	t.Helper()

	clk := clock.NewSimulated(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	market := &marketStub{snap: types.MarketSnapshot{
		Taken: clk.Now(),
		GasPriceGwei: map[types.Chain]decimal.Decimal{
			"scroll": decimal.NewFromInt(15),
		},
		Prices:          map[string]decimal.Decimal{"ETH": decimal.NewFromInt(2000)},
		VolatilityIndex: 0.2,
	}}
	port := &portfolioStub{snap: types.PortfolioSnapshot{
		Taken:    clk.Now(),
		TotalUSD: decimal.NewFromInt(100000),
		Positions: []types.Position{
			{Wallet: "w1", Protocol: "scroll-swap", Asset: "ETH", ValueUSD: decimal.NewFromInt(18000)},
		},
		NativeBalances: map[string]decimal.Decimal{"w1": decimal.NewFromFloat(0.5)},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := New(cfg, testProtocols(), market, port, testJournal(t), bus.New(logger), clk, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return m, market, port, clk
}

func swapProposal(instance string, notional int64) types.ActionProposal {
	return types.ActionProposal{
		InstanceID:  instance,
		TaskID:      "scroll-daily-swap",
		Wallet:      "w1",
		Protocol:    "scroll-swap",
		Kind:        types.ActionSwap,
		Chain:       "scroll",
		Asset:       "ETH",
		NotionalUSD: decimal.NewFromInt(notional),
	}
}

func TestAllowWithinLimits(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	d := m.Evaluate(context.Background(), swapProposal("inst-1", 1500))

	if d.Verdict != types.VerdictAllow {
		t.Fatalf("Verdict = %s (reason %s), want ALLOW", d.Verdict, d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("Notional = %s, want the proposed 1500", d.Notional)
	}
	if d.Reason != "" {
		t.Errorf("Reason = %q, want empty for ALLOW", d.Reason)
	}
}

func TestDownsizeToProtocolCap(t *testing.T) {
	t.Parallel()

	// 20% cap on a 100k book is 20k; 18k is already deployed, so a 5k
	// proposal must come back downsized to exactly 2k.
	m, _, _, _ := newTestManager(t, testRiskConfig())
	d := m.Evaluate(context.Background(), swapProposal("inst-1", 5000))

	if d.Verdict != types.VerdictDownsize {
		t.Fatalf("Verdict = %s (reason %s), want DOWNSIZE", d.Verdict, d.Reason)
	}
	if d.Reason != types.ReasonProtocolCap {
		t.Errorf("Reason = %s, want protocol_cap", d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("Notional = %s, want exactly 2000", d.Notional)
	}
}

func TestDenyWhenCapHeadroomBelowMinNotional(t *testing.T) {
	t.Parallel()

	m, _, port, _ := newTestManager(t, testRiskConfig())
	// 19.8k of 20k used: 200 of headroom is under the 500 floor.
	port.snap.Positions[0].ValueUSD = decimal.NewFromInt(19800)

	d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonProtocolCap {
		t.Errorf("decision = %s/%s, want DENY/protocol_cap", d.Verdict, d.Reason)
	}
}

func TestTransactionCapBinds(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	d := m.Evaluate(context.Background(), types.ActionProposal{
		InstanceID:  "inst-1",
		TaskID:      "zk-deposit",
		Wallet:      "w1",
		Protocol:    "zk-lend",
		Kind:        types.ActionLend,
		Chain:       "zksync",
		Asset:       "USDC",
		NotionalUSD: decimal.NewFromInt(12000),
	})

	// zk-lend has 30k of headroom; the 10% per-tx cap binds first at 10k.
	if d.Verdict != types.VerdictDownsize || d.Reason != types.ReasonTxCap {
		t.Fatalf("decision = %s/%s, want DOWNSIZE/tx_cap", d.Verdict, d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("Notional = %s, want 10000", d.Notional)
	}
}

func TestAssetConcentrationCap(t *testing.T) {
	t.Parallel()

	cfg := testRiskConfig()
	cfg.AssetCaps = map[string]float64{"ETH": 0.25}
	m, _, _, _ := newTestManager(t, cfg)

	// 18k ETH held against a 25k asset cap leaves 7k; the 8k lend proposal
	// passes the protocol cap (30k) and is cut by the asset rule.
	d := m.Evaluate(context.Background(), types.ActionProposal{
		InstanceID:  "inst-1",
		TaskID:      "zk-eth-lend",
		Wallet:      "w1",
		Protocol:    "zk-lend",
		Kind:        types.ActionLend,
		Chain:       "zksync",
		Asset:       "ETH",
		NotionalUSD: decimal.NewFromInt(8000),
	})
	if d.Verdict != types.VerdictDownsize || d.Reason != types.ReasonAssetCap {
		t.Fatalf("decision = %s/%s, want DOWNSIZE/asset_cap", d.Verdict, d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(7000)) {
		t.Errorf("Notional = %s, want 7000", d.Notional)
	}
}

func TestGasGateHysteresis(t *testing.T) {
	t.Parallel()

	m, market, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	market.snap.GasPriceGwei["scroll"] = decimal.NewFromInt(40)
	if d := m.Evaluate(ctx, swapProposal("inst-1", 1000)); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonGasHigh {
		t.Fatalf("at 40 gwei decision = %s/%s, want DENY/gas_high", d.Verdict, d.Reason)
	}

	// Back under the 30 ceiling but not under the re-open bound 30*0.8=24:
	// the latch holds.
	market.snap.GasPriceGwei["scroll"] = decimal.NewFromInt(25)
	if d := m.Evaluate(ctx, swapProposal("inst-1", 1000)); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonGasHigh {
		t.Fatalf("at 25 gwei decision = %s/%s, want DENY/gas_high (latched)", d.Verdict, d.Reason)
	}

	market.snap.GasPriceGwei["scroll"] = decimal.NewFromInt(20)
	if d := m.Evaluate(ctx, swapProposal("inst-1", 1000)); d.Verdict != types.VerdictAllow {
		t.Fatalf("at 20 gwei decision = %s/%s, want ALLOW (re-opened)", d.Verdict, d.Reason)
	}
}

func TestRuleOrderGasBeforeVolatility(t *testing.T) {
	t.Parallel()

	m, market, _, _ := newTestManager(t, testRiskConfig())
	market.snap.GasPriceGwei["scroll"] = decimal.NewFromInt(40)
	market.snap.VolatilityIndex = 0.95

	// Both the gas gate and the extreme-volatility rule would deny; the gas
	// gate sits earlier in the chain and wins, so evaluation never reaches
	// the volatility transition.
	d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonGasHigh {
		t.Fatalf("decision = %s/%s, want DENY/gas_high", d.Verdict, d.Reason)
	}
	if got := m.State().Kind; got != types.StateNormal {
		t.Errorf("state = %s, want NORMAL (volatility rule not reached)", got)
	}
}

func TestStaleDataDenies(t *testing.T) {
	t.Parallel()

	t.Run("market", func(t *testing.T) {
		t.Parallel()
		m, market, _, _ := newTestManager(t, testRiskConfig())
		market.err = errors.New("no market data sampled yet")
		d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
		if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonStaleData {
			t.Errorf("decision = %s/%s, want DENY/stale_data", d.Verdict, d.Reason)
		}
	})
	t.Run("portfolio", func(t *testing.T) {
		t.Parallel()
		m, _, port, _ := newTestManager(t, testRiskConfig())
		port.err = errors.New("portfolio unavailable")
		d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
		if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonStaleData {
			t.Errorf("decision = %s/%s, want DENY/stale_data", d.Verdict, d.Reason)
		}
	})
}

func TestTripDeniesEverything(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	m.Trip(types.ReasonOperator)

	if st := m.State(); st.Kind != types.StateHalted || st.Reason != types.ReasonOperator {
		t.Fatalf("state = %s/%s, want HALTED/operator", st.Kind, st.Reason)
	}
	select {
	case st := <-m.TripCh():
		if st.Kind != types.StateHalted {
			t.Errorf("TripCh delivered %s, want HALTED", st.Kind)
		}
	default:
		t.Error("TripCh delivered nothing after trip")
	}

	d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonCircuitOpen {
		t.Errorf("decision = %s/%s, want DENY/circuit_open", d.Verdict, d.Reason)
	}
}

func TestDailyLossTripsCircuit(t *testing.T) {
	t.Parallel()

	m, _, _, clk := newTestManager(t, testRiskConfig())

	m.RecordOutcome(types.ActionOutcome{
		InstanceID: "o-1", Protocol: "scroll-swap", Kind: types.ActionSwap,
		Success:        true,
		RealizedPnLUSD: decimal.NewFromInt(-600),
		Timestamp:      clk.Now(),
	})
	if st := m.State(); st.Kind != types.StateNormal {
		t.Fatalf("state after -600 = %s, want NORMAL (limit is 1000)", st.Kind)
	}

	m.RecordOutcome(types.ActionOutcome{
		InstanceID: "o-2", Protocol: "scroll-swap", Kind: types.ActionSwap,
		Success:        true,
		RealizedPnLUSD: decimal.NewFromInt(-450),
		Timestamp:      clk.Now(),
	})
	st := m.State()
	if st.Kind != types.StateHalted || st.Reason != types.ReasonDailyLoss {
		t.Fatalf("state after -1050 = %s/%s, want HALTED/daily_loss", st.Kind, st.Reason)
	}

	d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonCircuitOpen {
		t.Errorf("decision = %s/%s, want DENY/circuit_open", d.Verdict, d.Reason)
	}
}

func TestResetRestoresPreTripState(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	before := m.State()

	m.Trip(types.ReasonOperator)
	if err := m.Reset("wrong-token"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Reset(wrong token) error = %v, want ErrUnauthorized", err)
	}
	if st := m.State(); st.Kind != types.StateHalted {
		t.Fatalf("state after failed reset = %s, want still HALTED", st.Kind)
	}

	if err := m.Reset("test-token"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := m.State(); got != before {
		t.Errorf("state after reset = %+v, want pre-trip %+v", got, before)
	}

	if err := m.Reset("test-token"); !errors.Is(err, ErrNotTripped) {
		t.Errorf("Reset() while NORMAL error = %v, want ErrNotTripped", err)
	}
}

func TestResetRestoresDegradedPreTrip(t *testing.T) {
	t.Parallel()

	m, market, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	// Degrade via high volatility, then trip on top of it.
	market.snap.VolatilityIndex = 0.7
	m.Evaluate(ctx, swapProposal("inst-1", 1000))
	degraded := m.State()
	if degraded.Kind != types.StateDegraded {
		t.Fatalf("state = %s, want DEGRADED before trip", degraded.Kind)
	}

	m.Trip(types.ReasonCriticalErrors)
	if err := m.Reset("test-token"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := m.State(); got != degraded {
		t.Errorf("state after reset = %+v, want the degraded pre-trip state %+v", got, degraded)
	}
}

func TestReservationsHoldExposure(t *testing.T) {
	t.Parallel()

	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	// inst-a takes the whole 2k of remaining protocol headroom.
	if d := m.Evaluate(ctx, swapProposal("inst-a", 2000)); d.Verdict != types.VerdictAllow {
		t.Fatalf("inst-a decision = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
	if d := m.Evaluate(ctx, swapProposal("inst-b", 1000)); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonProtocolCap {
		t.Fatalf("inst-b decision = %s/%s, want DENY/protocol_cap while inst-a is reserved", d.Verdict, d.Reason)
	}

	// inst-a fails: its reservation releases without settling exposure.
	m.RecordOutcome(types.ActionOutcome{
		InstanceID: "inst-a", Protocol: "scroll-swap", Kind: types.ActionSwap,
		Success: false, ErrKind: types.ErrKindReverted,
		NotionalUSD: decimal.NewFromInt(2000),
		Timestamp:   clk.Now(),
	})
	if d := m.Evaluate(ctx, swapProposal("inst-b", 1000)); d.Verdict != types.VerdictAllow {
		t.Errorf("inst-b decision after release = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
}

func TestSuccessfulOutcomeSettlesExposure(t *testing.T) {
	t.Parallel()

	m, _, port, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	if d := m.Evaluate(ctx, swapProposal("inst-a", 2000)); d.Verdict != types.VerdictAllow {
		t.Fatalf("inst-a decision = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
	m.RecordOutcome(types.ActionOutcome{
		InstanceID: "inst-a", Protocol: "scroll-swap", Kind: types.ActionSwap,
		Success:     true,
		NotionalUSD: decimal.NewFromInt(2000),
		Timestamp:   clk.Now(),
	})

	// The settled 2k keeps counting until a newer portfolio snapshot lands.
	if d := m.Evaluate(ctx, swapProposal("inst-b", 1000)); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonProtocolCap {
		t.Fatalf("inst-b decision = %s/%s, want DENY/protocol_cap after settle", d.Verdict, d.Reason)
	}

	// A newer snapshot absorbs the settled delta; with 19k now on-book the
	// headroom is exactly 1k again.
	port.snap.Taken = port.snap.Taken.Add(time.Minute)
	port.snap.Positions[0].ValueUSD = decimal.NewFromInt(19000)
	d := m.Evaluate(ctx, swapProposal("inst-b", 1000))
	if d.Verdict != types.VerdictAllow {
		t.Fatalf("inst-b decision after new snapshot = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("Notional = %s, want 1000", d.Notional)
	}
}

func TestReevaluationIsDeterministic(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()
	p := swapProposal("inst-a", 5000)

	first := m.Evaluate(ctx, p)
	second := m.Evaluate(ctx, p)
	if first.Verdict != second.Verdict || first.Reason != second.Reason || !first.Notional.Equal(second.Notional) {
		t.Errorf("re-evaluation differs: first %s/%s/%s, second %s/%s/%s",
			first.Verdict, first.Reason, first.Notional,
			second.Verdict, second.Reason, second.Notional)
	}

	// The replaced reservation must not double-count against the cap: after
	// the 2k downsize above there is no headroom left at all.
	d := m.Evaluate(ctx, swapProposal("inst-b", 1000))
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonProtocolCap {
		t.Errorf("inst-b decision = %s/%s, want DENY/protocol_cap", d.Verdict, d.Reason)
	}
}

func TestReservationTTLExpires(t *testing.T) {
	t.Parallel()

	m, _, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	if d := m.Evaluate(ctx, swapProposal("inst-a", 2000)); d.Verdict != types.VerdictAllow {
		t.Fatalf("inst-a decision = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
	if d := m.Evaluate(ctx, swapProposal("inst-b", 1000)); d.Verdict != types.VerdictDeny {
		t.Fatalf("inst-b decision = %s, want DENY while reservation is live", d.Verdict)
	}

	// No outcome ever arrives; past the TTL the sweep releases the phantom.
	clk.Run(11 * time.Minute)
	m.sweepExpired()
	if d := m.Evaluate(ctx, swapProposal("inst-b", 1000)); d.Verdict != types.VerdictAllow {
		t.Errorf("inst-b decision after TTL sweep = %s/%s, want ALLOW", d.Verdict, d.Reason)
	}
}

func TestVolatilityBands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		index       float64
		wantVerdict types.Verdict
		wantReason  types.ReasonCode
		wantSize    int64
		wantState   types.RiskStateKind
	}{
		{"low passes untouched", 0.2, types.VerdictAllow, "", 1000, types.StateNormal},
		{"med scales to 75 percent", 0.4, types.VerdictDownsize, types.ReasonVolScale, 750, types.StateNormal},
		{"high scales and degrades", 0.7, types.VerdictDownsize, types.ReasonVolScale, 500, types.StateDegraded},
		{"extreme denies and degrades", 0.95, types.VerdictDeny, types.ReasonVolExtreme, 0, types.StateDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m, market, _, _ := newTestManager(t, testRiskConfig())
			market.snap.VolatilityIndex = tt.index

			d := m.Evaluate(context.Background(), swapProposal("inst-1", 1000))
			if d.Verdict != tt.wantVerdict || d.Reason != tt.wantReason {
				t.Fatalf("decision = %s/%s, want %s/%s", d.Verdict, d.Reason, tt.wantVerdict, tt.wantReason)
			}
			if tt.wantVerdict != types.VerdictDeny && !d.Notional.Equal(decimal.NewFromInt(tt.wantSize)) {
				t.Errorf("Notional = %s, want %d", d.Notional, tt.wantSize)
			}
			if got := m.State().Kind; got != tt.wantState {
				t.Errorf("state = %s, want %s", got, tt.wantState)
			}
		})
	}
}

func TestDegradedScalesProposals(t *testing.T) {
	t.Parallel()

	m, market, _, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	// Degrade once on high volatility, then let the market calm down; the
	// circuit stays DEGRADED until the recovery window passes.
	market.snap.VolatilityIndex = 0.7
	m.Evaluate(ctx, swapProposal("inst-1", 1000))
	market.snap.VolatilityIndex = 0.2

	d := m.Evaluate(ctx, swapProposal("inst-2", 1000))
	if d.Verdict != types.VerdictDownsize || d.Reason != types.ReasonDegradedScale {
		t.Fatalf("decision = %s/%s, want DOWNSIZE/degraded_scale", d.Verdict, d.Reason)
	}
	if !d.Notional.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Notional = %s, want 500 at half scale", d.Notional)
	}
}

func TestFailureRateDegrades(t *testing.T) {
	t.Parallel()

	m, _, _, clk := newTestManager(t, testRiskConfig())
	record := func(id string, success bool) {
		m.RecordOutcome(types.ActionOutcome{
			InstanceID: id, Protocol: "scroll-swap", Kind: types.ActionSwap,
			Success: success, Timestamp: clk.Now(),
		})
	}

	record("o-1", false)
	record("o-2", false)
	record("o-3", false)
	record("o-4", true)
	if st := m.State(); st.Kind != types.StateNormal {
		t.Fatalf("state at 4 samples = %s, want NORMAL (below min samples)", st.Kind)
	}

	record("o-5", true)
	st := m.State()
	if st.Kind != types.StateDegraded || st.Reason != types.ReasonFailureRate {
		t.Errorf("state at 3/5 failures = %s/%s, want DEGRADED/elevated_failures", st.Kind, st.Reason)
	}
}

func TestCriticalErrorsTripCircuit(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	boom := errors.New("instance state transition out of order")

	m.ReportCritical("engine", boom)
	m.ReportCritical("engine", boom)
	if st := m.State(); st.Kind != types.StateNormal {
		t.Fatalf("state at 2 criticals = %s, want NORMAL (limit 3)", st.Kind)
	}

	m.ReportCritical("journal", boom)
	st := m.State()
	if st.Kind != types.StateHalted || st.Reason != types.ReasonCriticalErrors {
		t.Errorf("state at 3 criticals = %s/%s, want HALTED/critical_errors", st.Kind, st.Reason)
	}
	if got := m.CriticalCount(); got != 3 {
		t.Errorf("CriticalCount() = %d, want 3", got)
	}
}

func TestDegradedAutoRecovers(t *testing.T) {
	t.Parallel()

	m, market, _, clk := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	market.snap.VolatilityIndex = 0.7
	m.Evaluate(ctx, swapProposal("inst-1", 1000))
	market.snap.VolatilityIndex = 0.2

	clk.Run(5 * time.Minute)
	m.maybeRecover()
	if st := m.State(); st.Kind != types.StateDegraded {
		t.Fatalf("state after 5m = %s, want still DEGRADED (recovery is 15m)", st.Kind)
	}

	clk.Run(10 * time.Minute)
	m.maybeRecover()
	st := m.State()
	if st.Kind != types.StateNormal || st.Reason != types.ReasonRecovered {
		t.Errorf("state after 15m quiet = %s/%s, want NORMAL/recovered", st.Kind, st.Reason)
	}
}

func TestWalletGasReserveGate(t *testing.T) {
	t.Parallel()

	m, _, port, _ := newTestManager(t, testRiskConfig())
	ctx := context.Background()

	port.snap.NativeBalances["w1"] = decimal.NewFromFloat(0.01)
	if d := m.Evaluate(ctx, swapProposal("inst-1", 1000)); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonWalletUnhealthy {
		t.Errorf("decision with drained wallet = %s/%s, want DENY/wallet_unhealthy", d.Verdict, d.Reason)
	}

	// A wallet absent from the snapshot entirely is treated the same way.
	p := swapProposal("inst-2", 1000)
	p.Wallet = "w-ghost"
	if d := m.Evaluate(ctx, p); d.Verdict != types.VerdictDeny || d.Reason != types.ReasonWalletUnhealthy {
		t.Errorf("decision with unknown wallet = %s/%s, want DENY/wallet_unhealthy", d.Verdict, d.Reason)
	}
}

func TestUnknownProtocolFailsClosed(t *testing.T) {
	t.Parallel()

	m, _, _, _ := newTestManager(t, testRiskConfig())
	p := swapProposal("inst-1", 1000)
	p.Protocol = "ghost"

	d := m.Evaluate(context.Background(), p)
	if d.Verdict != types.VerdictDeny || d.Reason != types.ReasonInternalError {
		t.Errorf("decision = %s/%s, want DENY/internal_error", d.Verdict, d.Reason)
	}
}

func TestHaltedStateSurvivesRestart(t *testing.T) {
	t.Parallel()

	jrnl := testJournal(t)
	clk := clock.NewSimulated(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	market := &marketStub{}
	port := &portfolioStub{}

	first, err := New(testRiskConfig(), testProtocols(), market, port, jrnl, bus.New(logger), clk, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	first.Trip(types.ReasonDailyLoss)

	second, err := New(testRiskConfig(), testProtocols(), market, port, jrnl, bus.New(logger), clk, logger)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	st := second.State()
	if st.Kind != types.StateHalted || st.Reason != types.ReasonDailyLoss {
		t.Fatalf("restarted state = %s/%s, want HALTED/daily_loss", st.Kind, st.Reason)
	}

	// The pre-trip state did not survive, so reset lands on NORMAL.
	if err := second.Reset("test-token"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := second.State().Kind; got != types.StateNormal {
		t.Errorf("state after reset = %s, want NORMAL", got)
	}
}
