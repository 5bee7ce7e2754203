// Package risk guards every on-chain action the farmer proposes.
//
// The manager holds the circuit breaker (NORMAL / DEGRADED / HALTED) and
// evaluates each ActionProposal against a fixed rule order; the first
// blocking rule decides:
//
//  1. Circuit gate:     HALTED denies everything, DEGRADED scales notional
//  2. Data freshness:   stale market or portfolio data denies
//  3. Protocol cap:     per-protocol exposure, downsized to fit
//  4. Asset cap:        per-asset concentration, downsized to fit
//  5. Transaction cap:  single-action notional ceiling
//  6. Daily loss:       rolling 24h realized loss denies and trips HALTED
//  7. Gas gate:         ceiling per action kind, hysteresis per (chain, kind)
//  8. Volatility bands: LOW/MED/HIGH scale notional, EXTREME denies
//  9. Wallet health:    native balance must cover the gas reserve
//
// Scaling rules (1 and 8) apply before the cap rules so caps see the size
// that would actually execute. ALLOW and DOWNSIZE hold the approved notional
// as a reservation against the caps until the outcome arrives or the
// reservation TTL expires. Exposure counters move only when outcomes are
// recorded, never at execution time.
//
// Evaluation is deterministic: identical inputs produce identical decisions.
// Anything unexpected inside a rule fails closed with DENY(internal_error).
package risk

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/pkg/types"
)

// ErrUnauthorized is returned by Reset when the operator token is wrong.
var ErrUnauthorized = errors.New("invalid operator token")

// ErrNotTripped is returned by Reset when the circuit is already NORMAL.
var ErrNotTripped = errors.New("circuit is not tripped")

// dailyLossWindow is the span of the rolling realized-loss window.
const dailyLossWindow = 24 * time.Hour

// MarketSource serves the latest consistent market snapshot.
type MarketSource interface {
	Snapshot() (types.MarketSnapshot, error)
}

// PortfolioSource serves the current portfolio snapshot, refreshing if the
// cached one is older than its freshness bound.
type PortfolioSource interface {
	Current(ctx context.Context) (types.PortfolioSnapshot, error)
}

// reservation holds an approved but unsettled notional against the caps.
type reservation struct {
	instanceID string
	protocol   string
	asset      string
	notional   decimal.Decimal
	expiresAt  time.Time
}

// pnlPoint is one settled outcome in the rolling loss window.
type pnlPoint struct {
	at  time.Time
	net decimal.Decimal // realized PnL minus gas
}

// resultPoint is one settled outcome in the rolling failure-rate window.
type resultPoint struct {
	at     time.Time
	failed bool
}

// Manager owns the circuit breaker and all risk accounting. All methods are
// safe for concurrent use.
type Manager struct {
	cfg       config.RiskConfig
	protocols map[string]types.Protocol
	market    MarketSource
	view      PortfolioSource
	jrnl      *journal.Journal
	bus       *bus.Bus
	clk       clock.Clock
	logger    *slog.Logger

	// Decimal forms of the float thresholds, converted once at construction.
	txCapPct      decimal.Decimal
	minNotional   decimal.Decimal
	lossLimit     decimal.Decimal
	gasReserve    decimal.Decimal
	degradedScale decimal.Decimal
	protoCaps     map[string]decimal.Decimal
	assetCaps     map[string]decimal.Decimal
	gasCeiling    map[string]decimal.Decimal
	volMult       map[types.VolBand]decimal.Decimal

	mu            sync.RWMutex
	state         types.RiskState
	preTrip       types.RiskState // state to restore on reset, set when entering HALTED
	reservations  map[string]reservation
	settledProto  map[string]decimal.Decimal // exposure deltas settled since the last snapshot
	settledAsset  map[string]decimal.Decimal
	settledAsOf   time.Time
	gasLatched    map[string]bool // "chain/kind" → gate latched shut
	pnlWindow     []pnlPoint
	results       []resultPoint
	criticals     []time.Time
	totalCritical int
	decided       map[types.Verdict]map[types.ReasonCode]uint64

	tripCh chan types.RiskState
}

// New builds a manager and reloads circuit state and rolling windows from
// the journal, so a restart does not forget an open circuit or the day's
// losses.
func New(cfg config.RiskConfig, protocols []types.Protocol, market MarketSource,
	view PortfolioSource, jrnl *journal.Journal, eventBus *bus.Bus,
	clk clock.Clock, logger *slog.Logger) (*Manager, error) {

	m := &Manager{
		cfg:       cfg,
		protocols: make(map[string]types.Protocol, len(protocols)),
		market:    market,
		view:      view,
		jrnl:      jrnl,
		bus:       eventBus,
		clk:       clk,
		logger:    logger.With("component", "risk"),

		txCapPct:      decimal.NewFromFloat(cfg.TxCapPct),
		minNotional:   decimal.NewFromFloat(cfg.MinNotionalUSD),
		lossLimit:     decimal.NewFromFloat(cfg.DailyLossLimitUSD),
		gasReserve:    decimal.NewFromFloat(cfg.MinGasReserve),
		degradedScale: decimal.NewFromFloat(cfg.DegradedScale),
		protoCaps:     make(map[string]decimal.Decimal, len(protocols)),
		assetCaps:     make(map[string]decimal.Decimal, len(cfg.AssetCaps)),
		gasCeiling:    make(map[string]decimal.Decimal, len(cfg.GasCeilingGwei)),
		volMult:       make(map[types.VolBand]decimal.Decimal, 3),

		state:        types.RiskState{Kind: types.StateNormal, Since: clk.Now()},
		reservations: make(map[string]reservation),
		settledProto: make(map[string]decimal.Decimal),
		settledAsset: make(map[string]decimal.Decimal),
		gasLatched:   make(map[string]bool),
		decided:      make(map[types.Verdict]map[types.ReasonCode]uint64),

		tripCh: make(chan types.RiskState, 1),
	}
	for _, p := range protocols {
		m.protocols[p.ID] = p
		m.protoCaps[p.ID] = decimal.NewFromFloat(p.ExposureCapPct)
	}
	for asset, pct := range cfg.AssetCaps {
		m.assetCaps[asset] = decimal.NewFromFloat(pct)
	}
	for kind, gwei := range cfg.GasCeilingGwei {
		m.gasCeiling[kind] = decimal.NewFromFloat(gwei)
	}
	for band, mult := range cfg.VolMultipliers {
		switch band {
		case "low":
			m.volMult[types.VolLow] = decimal.NewFromFloat(mult)
		case "med":
			m.volMult[types.VolMed] = decimal.NewFromFloat(mult)
		case "high":
			m.volMult[types.VolHigh] = decimal.NewFromFloat(mult)
		}
	}

	if err := m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore reloads the last journaled circuit state and replays recent
// outcomes into the rolling windows.
func (m *Manager) restore() error {
	hist, err := m.jrnl.RiskHistory(1)
	if err != nil {
		return fmt.Errorf("load risk history: %w", err)
	}
	if len(hist) > 0 {
		m.state = hist[0]
	}

	now := m.clk.Now()
	outcomes, err := m.jrnl.OutcomesSince(now.Add(-dailyLossWindow))
	if err != nil {
		return fmt.Errorf("load outcomes: %w", err)
	}
	failCutoff := now.Add(-m.cfg.FailureWindow)
	for _, o := range outcomes {
		m.pnlWindow = append(m.pnlWindow, pnlPoint{at: o.Timestamp, net: o.RealizedPnLUSD.Sub(o.GasUSD)})
		if !o.Timestamp.Before(failCutoff) {
			m.results = append(m.results, resultPoint{at: o.Timestamp, failed: !o.Success})
		}
	}
	if len(outcomes) > 0 || m.state.Kind != types.StateNormal {
		m.logger.Info("restored risk state from journal",
			"state", m.state.Kind, "reason", m.state.Reason, "outcomes", len(outcomes))
	}
	return nil
}

// Run sweeps expired reservations and checks DEGRADED recovery until ctx is
// cancelled. Evaluation itself is synchronous and does not depend on Run,
// but without it phantom reservations would pin exposure forever.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("risk manager started", "state", m.State().Kind)

	sweep := m.cfg.ReservationTTL / 4
	if sweep <= 0 || sweep > 30*time.Second {
		sweep = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("risk manager stopped")
			return
		case <-m.clk.After(sweep):
			m.sweepExpired()
			m.maybeRecover()
		}
	}
}

// Evaluate runs the rule chain over one proposal. ALLOW and DOWNSIZE
// reserve the approved notional under the instance id; re-evaluating the
// same instance replaces its reservation, and a DENY clears it.
func (m *Manager) Evaluate(ctx context.Context, p types.ActionProposal) (d types.Decision) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("risk evaluation panicked, failing closed",
				"instance", p.InstanceID, "panic", r)
			d = types.Decision{Verdict: types.VerdictDeny, Reason: types.ReasonInternalError}
		}
		// Registered before the lock, so this runs after the unlock defer.
		m.countDecision(d)
	}()

	// Snapshot reads happen before taking the risk lock; Current may hit
	// the network to refresh. Fetch errors are consulted at rule 2 so the
	// circuit gate still decides first.
	market, merr := m.market.Snapshot()
	port, perr := m.view.Current(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()

	// Rule 1: circuit gate.
	if m.state.Kind == types.StateHalted {
		return m.denyLocked(p, types.ReasonCircuitOpen)
	}

	// Rule 2: data freshness.
	if merr != nil || perr != nil {
		m.logger.Debug("denying on stale data",
			"instance", p.InstanceID, "market_err", merr, "portfolio_err", perr)
		return m.denyLocked(p, types.ReasonStaleData)
	}

	protoCap, ok := m.protoCaps[p.Protocol]
	if !ok {
		m.logger.Error("proposal names unknown protocol",
			"instance", p.InstanceID, "protocol", p.Protocol)
		return m.denyLocked(p, types.ReasonInternalError)
	}

	// A newer portfolio snapshot already reflects everything that settled
	// before it was taken, so the interim deltas reset here.
	if port.Taken.After(m.settledAsOf) {
		m.settledProto = make(map[string]decimal.Decimal)
		m.settledAsset = make(map[string]decimal.Decimal)
		m.settledAsOf = port.Taken
	}

	notional := p.NotionalUSD
	reason := types.ReasonCode("") // rule that last reduced the size

	// Scaling before caps: DEGRADED scale, then the volatility multiplier.
	if m.state.Kind == types.StateDegraded {
		notional = notional.Mul(m.degradedScale)
		reason = types.ReasonDegradedScale
	}
	band := m.band(market.VolatilityIndex)
	if band != types.VolExtreme {
		if mult, ok := m.volMult[band]; ok && mult.LessThan(decimal.NewFromInt(1)) {
			notional = notional.Mul(mult)
			reason = types.ReasonVolScale
		}
	}

	// Rule 3: per-protocol exposure cap.
	exposure := m.protocolExposureLocked(port, p.Protocol, p.InstanceID)
	if headroom := protoCap.Mul(port.TotalUSD).Sub(exposure); notional.GreaterThan(headroom) {
		if headroom.LessThan(m.minNotional) {
			return m.denyLocked(p, types.ReasonProtocolCap)
		}
		notional = headroom
		reason = types.ReasonProtocolCap
	}

	// Rule 4: per-asset concentration cap.
	if capPct, ok := m.assetCaps[p.Asset]; ok && p.Asset != "" {
		held := m.assetExposureLocked(port, p.Asset, p.InstanceID)
		if headroom := capPct.Mul(port.TotalUSD).Sub(held); notional.GreaterThan(headroom) {
			if headroom.LessThan(m.minNotional) {
				return m.denyLocked(p, types.ReasonAssetCap)
			}
			notional = headroom
			reason = types.ReasonAssetCap
		}
	}

	// Rule 5: single-transaction cap.
	if txCap := m.txCapPct.Mul(port.TotalUSD); notional.GreaterThan(txCap) {
		if txCap.LessThan(m.minNotional) {
			return m.denyLocked(p, types.ReasonTxCap)
		}
		notional = txCap
		reason = types.ReasonTxCap
	}

	// Rule 6: rolling daily loss. Normally the trip happens when the
	// outcome is recorded; checking here too covers windows reloaded from
	// the journal after a restart.
	if m.lossSumLocked(now).LessThanOrEqual(m.lossLimit.Neg()) {
		m.transitionLocked(now, types.StateHalted, types.ReasonDailyLoss)
		return m.denyLocked(p, types.ReasonDailyLoss)
	}

	// Rule 7: gas gate with hysteresis, latched per (chain, kind). Once
	// latched, gas must fall below ceiling*(1-hysteresis) to re-open.
	if ceiling, ok := m.gasCeiling[string(p.Kind)]; ok {
		gas, ok := market.GasPriceGwei[p.Chain]
		if !ok {
			m.logger.Error("no gas sample for chain",
				"instance", p.InstanceID, "chain", p.Chain)
			return m.denyLocked(p, types.ReasonInternalError)
		}
		key := string(p.Chain) + "/" + string(p.Kind)
		switch {
		case m.gasLatched[key]:
			reopen := ceiling.Mul(decimal.NewFromFloat(1 - m.cfg.GasHysteresis))
			if gas.GreaterThanOrEqual(reopen) {
				return m.denyLocked(p, types.ReasonGasHigh)
			}
			delete(m.gasLatched, key)
		case gas.GreaterThan(ceiling):
			m.gasLatched[key] = true
			m.logger.Warn("gas gate latched",
				"chain", p.Chain, "kind", p.Kind, "gas_gwei", gas, "ceiling_gwei", ceiling)
			return m.denyLocked(p, types.ReasonGasHigh)
		}
	}

	// Rule 8: volatility bands. HIGH degrades the circuit, EXTREME also
	// denies. The band multiplier was already applied above.
	if band == types.VolHigh || band == types.VolExtreme {
		if m.state.Kind == types.StateNormal {
			r := types.ReasonVolHigh
			if band == types.VolExtreme {
				r = types.ReasonVolExtreme
			}
			m.transitionLocked(now, types.StateDegraded, r)
		}
		if band == types.VolExtreme {
			return m.denyLocked(p, types.ReasonVolExtreme)
		}
	}

	// Rule 9: wallet gas reserve. A wallet missing from the snapshot is
	// treated as unhealthy.
	native, ok := port.NativeBalances[p.Wallet]
	if !ok || native.LessThan(m.gasReserve) {
		return m.denyLocked(p, types.ReasonWalletUnhealthy)
	}

	d = types.Decision{Verdict: types.VerdictAllow, Notional: notional}
	if notional.LessThan(p.NotionalUSD) {
		d = types.Decision{Verdict: types.VerdictDownsize, Reason: reason, Notional: notional}
	}

	m.reservations[p.InstanceID] = reservation{
		instanceID: p.InstanceID,
		protocol:   p.Protocol,
		asset:      p.Asset,
		notional:   notional,
		expiresAt:  now.Add(m.cfg.ReservationTTL),
	}

	m.logger.Debug("proposal evaluated",
		"instance", p.InstanceID, "task", p.TaskID,
		"verdict", d.Verdict, "reason", d.Reason, "notional", d.Notional)
	return d
}

// denyLocked clears any reservation held by the instance and returns the
// denial. Caller holds m.mu.
func (m *Manager) denyLocked(p types.ActionProposal, reason types.ReasonCode) types.Decision {
	delete(m.reservations, p.InstanceID)
	m.logger.Debug("proposal denied",
		"instance", p.InstanceID, "task", p.TaskID, "reason", reason)
	return types.Decision{Verdict: types.VerdictDeny, Reason: reason}
}

// protocolExposureLocked sums committed exposure for one protocol: snapshot
// positions, outcomes settled since the snapshot, and live reservations.
// The instance being evaluated is excluded so re-evaluation is idempotent.
func (m *Manager) protocolExposureLocked(port types.PortfolioSnapshot, protocol, exclude string) decimal.Decimal {
	total := m.settledProto[protocol]
	for _, pos := range port.Positions {
		if pos.Protocol == protocol {
			total = total.Add(pos.ValueUSD)
		}
	}
	for id, r := range m.reservations {
		if id != exclude && r.protocol == protocol {
			total = total.Add(r.notional)
		}
	}
	return total
}

func (m *Manager) assetExposureLocked(port types.PortfolioSnapshot, asset, exclude string) decimal.Decimal {
	total := m.settledAsset[asset]
	for _, pos := range port.Positions {
		if pos.Asset == asset {
			total = total.Add(pos.ValueUSD)
		}
	}
	for id, r := range m.reservations {
		if id != exclude && r.asset == asset {
			total = total.Add(r.notional)
		}
	}
	return total
}

// band buckets the volatility index against the configured thresholds.
func (m *Manager) band(index float64) types.VolBand {
	switch {
	case index >= m.cfg.VolExtreme:
		return types.VolExtreme
	case index >= m.cfg.VolHigh:
		return types.VolHigh
	case index >= m.cfg.VolMed:
		return types.VolMed
	default:
		return types.VolLow
	}
}

// lossSumLocked prunes the loss window to the last 24h and returns its sum.
func (m *Manager) lossSumLocked(now time.Time) decimal.Decimal {
	cutoff := now.Add(-dailyLossWindow)
	sum := decimal.Zero
	kept := m.pnlWindow[:0]
	for _, pt := range m.pnlWindow {
		if pt.at.Before(cutoff) {
			continue
		}
		kept = append(kept, pt)
		sum = sum.Add(pt.net)
	}
	m.pnlWindow = kept
	return sum
}

// failureCountsLocked prunes the failure window and returns its counts.
func (m *Manager) failureCountsLocked(now time.Time) (failed, total int) {
	cutoff := now.Add(-m.cfg.FailureWindow)
	kept := m.results[:0]
	for _, r := range m.results {
		if r.at.Before(cutoff) {
			continue
		}
		kept = append(kept, r)
		total++
		if r.failed {
			failed++
		}
	}
	m.results = kept
	return failed, total
}

// RecordOutcome settles the reservation for the instance and feeds the loss
// and failure windows. Exposure deltas move only here: a successful outcome
// raises the target protocol and, for rebalance moves, lowers the source.
func (m *Manager) RecordOutcome(o types.ActionOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	at := o.Timestamp
	if at.IsZero() {
		at = now
	}

	res, held := m.reservations[o.InstanceID]
	delete(m.reservations, o.InstanceID)

	if o.Success && o.Kind != types.ActionClaim {
		m.settledProto[o.Protocol] = m.settledProto[o.Protocol].Add(o.NotionalUSD)
		if o.FromProtocol != "" {
			m.settledProto[o.FromProtocol] = m.settledProto[o.FromProtocol].Sub(o.NotionalUSD)
		}
		if held && res.asset != "" {
			m.settledAsset[res.asset] = m.settledAsset[res.asset].Add(o.NotionalUSD)
		}
	}

	m.pnlWindow = append(m.pnlWindow, pnlPoint{at: at, net: o.RealizedPnLUSD.Sub(o.GasUSD)})
	m.results = append(m.results, resultPoint{at: at, failed: !o.Success})

	if m.state.Kind != types.StateHalted && m.lossSumLocked(now).LessThanOrEqual(m.lossLimit.Neg()) {
		m.transitionLocked(now, types.StateHalted, types.ReasonDailyLoss)
	}
	if m.state.Kind == types.StateNormal {
		if failed, total := m.failureCountsLocked(now); total >= m.cfg.FailureMinSamples &&
			float64(failed)/float64(total) >= m.cfg.FailureRateThreshold {
			m.transitionLocked(now, types.StateDegraded, types.ReasonFailureRate)
		}
	}
}

// Release drops the reservation of an instance whose approved action never
// executed, e.g. a scheduler-side floor check or shutdown before launch.
func (m *Manager) Release(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, instanceID)
}

// ReportCritical records an internal invariant violation. Enough of them
// inside the failure window trips the circuit.
func (m *Manager) ReportCritical(component string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	m.totalCritical++
	m.criticals = append(m.criticals, now)

	cutoff := now.Add(-m.cfg.FailureWindow)
	kept := m.criticals[:0]
	for _, at := range m.criticals {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	m.criticals = kept

	m.logger.Error("critical error reported",
		"source", component, "error", err, "recent", len(m.criticals), "total", m.totalCritical)

	if len(m.criticals) >= m.cfg.CriticalErrorLimit && m.state.Kind != types.StateHalted {
		m.transitionLocked(now, types.StateHalted, types.ReasonCriticalErrors)
	}
}

// CriticalCount returns how many criticals were reported over the process
// lifetime. A non-zero count turns the shutdown exit code non-zero.
func (m *Manager) CriticalCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalCritical
}

// Trip forces the circuit to HALTED. Used by the operator API and by
// components that detect unrecoverable conditions.
func (m *Manager) Trip(reason types.ReasonCode) {
	if reason == "" {
		reason = types.ReasonOperator
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitionLocked(m.clk.Now(), types.StateHalted, reason)
}

// Reset re-opens the circuit. From HALTED it restores the state that was
// current when the circuit tripped; from DEGRADED it forces NORMAL.
func (m *Manager) Reset(token string) error {
	if subtle.ConstantTimeCompare([]byte(token), []byte(m.cfg.OperatorToken)) != 1 {
		return ErrUnauthorized
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	switch m.state.Kind {
	case types.StateHalted:
		restored := m.preTrip
		if restored.Kind == "" {
			// Tripped state survived a restart; the pre-trip state did not.
			restored = types.RiskState{Kind: types.StateNormal, Reason: types.ReasonOperator, Since: now}
		}
		m.setStateLocked(now, restored)
	case types.StateDegraded:
		m.transitionLocked(now, types.StateNormal, types.ReasonOperator)
	default:
		return ErrNotTripped
	}
	return nil
}

// transitionLocked moves the circuit to a new state entered now. Entering
// HALTED records the prior state so Reset can restore it. Caller holds m.mu.
func (m *Manager) transitionLocked(now time.Time, kind types.RiskStateKind, reason types.ReasonCode) {
	if m.state.Kind == kind {
		return
	}
	if kind == types.StateHalted {
		m.preTrip = m.state
	}
	m.setStateLocked(now, types.RiskState{Kind: kind, Reason: reason, Since: now})
}

// setStateLocked installs the state, journals it, and announces it on the
// bus. Caller holds m.mu.
func (m *Manager) setStateLocked(now time.Time, st types.RiskState) {
	old := m.state
	m.state = st

	if err := m.jrnl.AppendRiskState(st); err != nil {
		m.logger.Error("journal risk state", "error", err)
	}

	sev := types.SeverityInfo
	switch st.Kind {
	case types.StateDegraded:
		sev = types.SeverityWarn
	case types.StateHalted:
		sev = types.SeverityError
	}
	m.bus.Publish(bus.TopicRisk, types.Event{
		Timestamp: now,
		Type:      types.EventRiskStateChanged,
		Severity:  sev,
		Fields: map[string]any{
			"from":   string(old.Kind),
			"to":     string(st.Kind),
			"reason": string(st.Reason),
		},
	})

	if st.Kind == types.StateHalted {
		m.bus.Publish(bus.TopicRisk, types.Event{
			Timestamp: now,
			Type:      types.EventCircuitTripped,
			Severity:  types.SeverityCritical,
			Fields:    map[string]any{"reason": string(st.Reason)},
		})
		m.emitTrip(st)
		m.logger.Error("circuit tripped", "reason", st.Reason, "from", old.Kind)
		return
	}
	m.logger.Warn("risk state changed", "from", old.Kind, "to", st.Kind, "reason", st.Reason)
}

// emitTrip delivers the HALTED state without blocking. If a previous signal
// was never consumed, drain it and send the fresh one.
func (m *Manager) emitTrip(st types.RiskState) {
	select {
	case m.tripCh <- st:
	default:
		select {
		case <-m.tripCh:
		default:
		}
		select {
		case m.tripCh <- st:
		default:
		}
	}
}

// sweepExpired drops reservations whose outcome never arrived within the
// TTL. The exposure they pinned becomes available again.
func (m *Manager) sweepExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	for id, r := range m.reservations {
		if now.After(r.expiresAt) {
			delete(m.reservations, id)
			m.logger.Warn("reservation expired without outcome",
				"instance", id, "protocol", r.protocol, "notional", r.notional)
		}
	}
}

// maybeRecover lifts DEGRADED back to NORMAL once the recovery period has
// elapsed with volatility back under the HIGH band and the failure rate
// below threshold. HALTED never auto-recovers.
func (m *Manager) maybeRecover() {
	snap, err := m.market.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Kind != types.StateDegraded {
		return
	}
	now := m.clk.Now()
	if now.Sub(m.state.Since) < m.cfg.DegradedRecovery {
		return
	}
	if err != nil {
		return // cannot verify market conditions, stay degraded
	}
	if b := m.band(snap.VolatilityIndex); b == types.VolHigh || b == types.VolExtreme {
		return
	}
	if failed, total := m.failureCountsLocked(now); total >= m.cfg.FailureMinSamples &&
		float64(failed)/float64(total) >= m.cfg.FailureRateThreshold {
		return
	}
	m.transitionLocked(now, types.StateNormal, types.ReasonRecovered)
}

// State returns the current circuit position.
func (m *Manager) State() types.RiskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TripCh delivers the HALTED state when the circuit trips. Buffered with
// capacity one; a newer trip replaces an unconsumed signal.
func (m *Manager) TripCh() <-chan types.RiskState {
	return m.tripCh
}

// Snapshot is a point-in-time view of the manager's accounting for the
// operator API and metrics.
type Snapshot struct {
	State            types.RiskState            `json:"state"`
	ReservedUSD      map[string]decimal.Decimal `json:"reservedUsd"` // protocol → reserved notional
	OpenReservations int                        `json:"openReservations"`
	Loss24hUSD       decimal.Decimal            `json:"loss24hUsd"`
	FailureRate      float64                    `json:"failureRate"`
	WindowSamples    int                        `json:"windowSamples"`
	CriticalTotal    int                        `json:"criticalTotal"`
	GasLatched       []string                   `json:"gasLatched,omitempty"`
}

// Snapshot reports the current internal accounting.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	reserved := make(map[string]decimal.Decimal, len(m.protocols))
	for _, r := range m.reservations {
		reserved[r.protocol] = reserved[r.protocol].Add(r.notional)
	}
	var latched []string
	for key, on := range m.gasLatched {
		if on {
			latched = append(latched, key)
		}
	}
	failed, total := m.failureCountsLocked(now)
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total)
	}
	return Snapshot{
		State:            m.state,
		ReservedUSD:      reserved,
		OpenReservations: len(m.reservations),
		Loss24hUSD:       m.lossSumLocked(now),
		FailureRate:      rate,
		WindowSamples:    total,
		CriticalTotal:    m.totalCritical,
		GasLatched:       latched,
	}
}

func (m *Manager) countDecision(d types.Decision) {
	m.mu.Lock()
	byReason := m.decided[d.Verdict]
	if byReason == nil {
		byReason = make(map[types.ReasonCode]uint64)
		m.decided[d.Verdict] = byReason
	}
	byReason[d.Reason]++
	m.mu.Unlock()
}

// Decisions returns cumulative Evaluate outcomes keyed by verdict and reason.
// ALLOW decisions carry an empty reason. The metrics exporter samples this.
func (m *Manager) Decisions() map[types.Verdict]map[types.ReasonCode]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.Verdict]map[types.ReasonCode]uint64, len(m.decided))
	for verdict, byReason := range m.decided {
		inner := make(map[types.ReasonCode]uint64, len(byReason))
		for reason, n := range byReason {
			inner[reason] = n
		}
		out[verdict] = inner
	}
	return out
}
