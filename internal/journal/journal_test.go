package journal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/pkg/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestDefinitionRoundTrip(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	def := types.TaskDefinition{
		ID: "daily-swap", Version: 1, Kind: types.ActionSwap,
		Protocol: "scroll", Wallet: "w1",
		Trigger:     types.TriggerSpec{Cron: "0 9 * * *"},
		MaxRetries:  3,
		Timeout:     2 * time.Minute,
		NotionalUSD: decimal.NewFromInt(200),
		Enabled:     true,
	}
	if err := j.SaveDefinition(def); err != nil {
		t.Fatalf("SaveDefinition() error = %v", err)
	}
	// Same id+version is immutable; duplicate save is a no-op.
	if err := j.SaveDefinition(def); err != nil {
		t.Fatalf("duplicate SaveDefinition() error = %v", err)
	}

	def2 := def
	def2.Version = 2
	def2.MaxRetries = 5
	if err := j.SaveDefinition(def2); err != nil {
		t.Fatalf("SaveDefinition(v2) error = %v", err)
	}

	defs, err := j.Definitions()
	if err != nil {
		t.Fatalf("Definitions() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("Definitions() len = %d, want 1 (latest version only)", len(defs))
	}
	if defs[0].Version != 2 || defs[0].MaxRetries != 5 {
		t.Errorf("latest definition = v%d retries=%d, want v2 retries=5", defs[0].Version, defs[0].MaxRetries)
	}
	if !defs[0].NotionalUSD.Equal(decimal.NewFromInt(200)) {
		t.Errorf("NotionalUSD = %s, want 200", defs[0].NotionalUSD)
	}
}

func TestTransitionsAndRecovery(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	inst := types.TaskInstance{
		ID: "inst-1", DefID: "daily-swap", DefVersion: 1, CorrelationID: "corr-1",
		ScheduledAt: base, Attempt: 0, State: types.TaskPending, UpdatedAt: base,
	}
	if err := j.RecordTransition(inst, "created"); err != nil {
		t.Fatalf("RecordTransition(PENDING) error = %v", err)
	}

	inst.State = types.TaskRunning
	inst.Attempt = 1
	inst.UpdatedAt = base.Add(time.Second)
	if err := j.RecordTransition(inst, ""); err != nil {
		t.Fatalf("RecordTransition(RUNNING) error = %v", err)
	}

	done := types.TaskInstance{
		ID: "inst-2", DefID: "daily-swap", DefVersion: 1, CorrelationID: "corr-2",
		ScheduledAt: base, Attempt: 1, State: types.TaskSucceeded, UpdatedAt: base.Add(time.Minute),
	}
	if err := j.RecordTransition(done, ""); err != nil {
		t.Fatalf("RecordTransition(SUCCEEDED) error = %v", err)
	}

	open, err := j.OpenInstances()
	if err != nil {
		t.Fatalf("OpenInstances() error = %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("OpenInstances() len = %d, want 1", len(open))
	}
	if open[0].ID != "inst-1" || open[0].State != types.TaskRunning {
		t.Errorf("open instance = %s in %s, want inst-1 RUNNING", open[0].ID, open[0].State)
	}
	if !open[0].ScheduledAt.Equal(base) {
		t.Errorf("ScheduledAt = %v, want %v", open[0].ScheduledAt, base)
	}

	got, ok, err := j.Instance("inst-2")
	if err != nil || !ok {
		t.Fatalf("Instance(inst-2) = %v, %v, %v", got, ok, err)
	}
	if got.State != types.TaskSucceeded {
		t.Errorf("inst-2 state = %s, want SUCCEEDED", got.State)
	}

	counts, err := j.CountsByState()
	if err != nil {
		t.Fatalf("CountsByState() error = %v", err)
	}
	if counts[types.TaskRunning] != 1 || counts[types.TaskSucceeded] != 1 {
		t.Errorf("counts = %v, want 1 RUNNING and 1 SUCCEEDED", counts)
	}
}

func TestRiskHistoryNewestFirst(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	states := []types.RiskState{
		{Kind: types.StateNormal, Since: base},
		{Kind: types.StateDegraded, Reason: types.ReasonVolExtreme, Since: base.Add(time.Hour)},
		{Kind: types.StateHalted, Reason: types.ReasonDailyLoss, Since: base.Add(2 * time.Hour)},
	}
	for _, st := range states {
		if err := j.AppendRiskState(st); err != nil {
			t.Fatalf("AppendRiskState() error = %v", err)
		}
	}

	hist, err := j.RiskHistory(2)
	if err != nil {
		t.Fatalf("RiskHistory() error = %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("RiskHistory() len = %d, want 2", len(hist))
	}
	if hist[0].Kind != types.StateHalted || hist[1].Kind != types.StateDegraded {
		t.Errorf("history order = %s, %s; want HALTED, DEGRADED", hist[0].Kind, hist[1].Kind)
	}
}

func TestAllocationHistory(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)

	if _, ok, err := j.LatestAllocation(); err != nil || ok {
		t.Fatalf("LatestAllocation() on empty = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	first := types.AllocationTarget{
		Weights:    map[string]float64{"scroll": 0.5, "zksync": 0.5},
		Algorithm:  "equal",
		ComputedAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	second := types.AllocationTarget{
		Weights:    map[string]float64{"scroll": 0.3, "zksync": 0.7},
		Algorithm:  "risk_adjusted",
		ComputedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := j.AppendAllocation(first); err != nil {
		t.Fatalf("AppendAllocation() error = %v", err)
	}
	if err := j.AppendAllocation(second); err != nil {
		t.Fatalf("AppendAllocation() error = %v", err)
	}

	latest, ok, err := j.LatestAllocation()
	if err != nil || !ok {
		t.Fatalf("LatestAllocation() = ok=%v err=%v", ok, err)
	}
	if latest.Algorithm != "risk_adjusted" || latest.Weights["zksync"] != 0.7 {
		t.Errorf("latest = %+v, want risk_adjusted with zksync 0.7", latest)
	}
}

func TestOutcomesSinceRange(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	for i, pnl := range []int64{-100, 250, -50} {
		o := types.ActionOutcome{
			InstanceID:     "inst",
			Protocol:       "scroll",
			Kind:           types.ActionSwap,
			Success:        true,
			TxHashes:       []string{"0xabc"},
			NotionalUSD:    decimal.NewFromInt(1000),
			RealizedPnLUSD: decimal.NewFromInt(pnl),
			GasUSD:         decimal.NewFromFloat(1.5),
			Timestamp:      base.Add(time.Duration(i) * time.Hour),
		}
		if err := j.AppendOutcome(o); err != nil {
			t.Fatalf("AppendOutcome() error = %v", err)
		}
	}

	got, err := j.OutcomesSince(base.Add(30 * time.Minute))
	if err != nil {
		t.Fatalf("OutcomesSince() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("OutcomesSince() len = %d, want 2", len(got))
	}
	if !got[0].RealizedPnLUSD.Equal(decimal.NewFromInt(250)) {
		t.Errorf("first in range pnl = %s, want 250", got[0].RealizedPnLUSD)
	}
	if got[0].TxHashes[0] != "0xabc" {
		t.Errorf("tx hash = %q, want 0xabc", got[0].TxHashes[0])
	}
	if !got[1].GasUSD.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("gas = %s, want 1.5", got[1].GasUSD)
	}
}
