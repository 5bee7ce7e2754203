// Package metrics exports the farmer's operational state as Prometheus
// collectors on a private registry. Event-shaped signals come straight off
// the bus; cumulative counters owned by other components (risk decisions,
// per-topic drop counts) are sampled on an interval and replayed as deltas.
// The operator API mounts Handler at /metrics.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/risk"
	"airdrop-farmer/pkg/types"
)

const namespace = "farmer"

// sampleInterval paces the pull side: risk accounting and bus drop counters.
const sampleInterval = 15 * time.Second

// RiskView is the slice of the risk manager the exporter samples.
type RiskView interface {
	Snapshot() risk.Snapshot
	Decisions() map[types.Verdict]map[types.ReasonCode]uint64
}

type decisionKey struct {
	verdict types.Verdict
	reason  types.ReasonCode
}

// Metrics owns the registry and every collector. Run is the only writer of
// the delta-tracking maps; the collectors themselves are safe to scrape
// concurrently.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	riskState   prometheus.Gauge
	pnl24h      prometheus.Gauge
	failureRate prometheus.Gauge
	trips       *prometheus.CounterVec
	reserved    *prometheus.GaugeVec
	weight      *prometheus.GaugeVec
	gasPrice    *prometheus.GaugeVec
	price       *prometheus.GaugeVec
	volatility  prometheus.Gauge
	consumed    *prometheus.CounterVec
	dropped     *prometheus.CounterVec

	bus    *bus.Bus
	risk   RiskView
	clk    clock.Clock
	logger *slog.Logger

	lastDecided map[decisionKey]uint64
	lastDropped map[string]uint64
}

// New builds the collector set on a fresh private registry. Nothing is
// registered globally, so two instances (or tests) never collide.
func New(b *bus.Bus, riskView RiskView, clk clock.Clock, logger *slog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task lifecycle transitions observed on the event bus.",
		}, []string{"task", "state"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "decisions_total",
			Help:      "Risk evaluations by verdict and reason.",
		}, []string{"verdict", "reason"}),
		riskState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "state",
			Help:      "Current risk state: 0 NORMAL, 1 DEGRADED, 2 HALTED.",
		}),
		pnl24h: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "realized_pnl_24h_usd",
			Help:      "Net realized PnL over the trailing 24h window; negative is loss.",
		}),
		failureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "failure_rate",
			Help:      "Failed share of settled attempts in the rolling window.",
		}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "circuit_trips_total",
			Help:      "Circuit breaker trips by reason.",
		}, []string{"reason"}),
		reserved: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "reserved_usd",
			Help:      "Notional held by open reservations, per protocol.",
		}, []string{"protocol"}),
		weight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "alloc",
			Name:      "target_weight",
			Help:      "Current allocation target weight per protocol.",
		}, []string{"protocol"}),
		gasPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "gas_price_gwei",
			Help:      "Last sampled gas price per chain.",
		}, []string{"chain"}),
		price: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "price_usd",
			Help:      "Last sampled asset price.",
		}, []string{"asset"}),
		volatility: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "volatility_index",
			Help:      "Last sampled volatility index.",
		}),
		consumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_total",
			Help:      "Events consumed by the exporter, per topic.",
		}, []string{"topic"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped on full subscriber buffers, per topic.",
		}, []string{"topic"}),

		bus:    b,
		risk:   riskView,
		clk:    clk,
		logger: logger.With("component", "metrics"),

		lastDecided: make(map[decisionKey]uint64),
		lastDropped: make(map[string]uint64),
	}
	m.registry.MustRegister(
		m.transitions, m.decisions, m.riskState, m.pnl24h, m.failureRate,
		m.trips, m.reserved, m.weight, m.gasPrice, m.price, m.volatility,
		m.consumed, m.dropped,
	)
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Run consumes the bus until ctx is cancelled. The first sample happens
// immediately so a scrape right after startup already sees the risk state.
func (m *Metrics) Run(ctx context.Context) {
	tasks := m.bus.Subscribe(bus.TopicTasks, 256)
	riskEvts := m.bus.Subscribe(bus.TopicRisk, 64)
	alloc := m.bus.Subscribe(bus.TopicAlloc, 64)
	market := m.bus.Subscribe(bus.TopicMarket, 64)
	defer tasks.Close()
	defer riskEvts.Close()
	defer alloc.Close()
	defer market.Close()

	m.logger.Info("metrics exporter started", "sample_interval", sampleInterval)
	m.sample()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("metrics exporter stopped")
			return
		case evt, ok := <-tasks.C:
			if !ok {
				return
			}
			m.consumed.WithLabelValues(bus.TopicTasks).Inc()
			m.onTaskEvent(evt)
		case evt, ok := <-riskEvts.C:
			if !ok {
				return
			}
			m.consumed.WithLabelValues(bus.TopicRisk).Inc()
			m.onRiskEvent(evt)
		case evt, ok := <-alloc.C:
			if !ok {
				return
			}
			m.consumed.WithLabelValues(bus.TopicAlloc).Inc()
			m.onAllocEvent(evt)
		case evt, ok := <-market.C:
			if !ok {
				return
			}
			m.consumed.WithLabelValues(bus.TopicMarket).Inc()
			m.onMarketEvent(evt)
		case <-m.clk.After(sampleInterval):
			m.sample()
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Event handlers
// ————————————————————————————————————————————————————————————————————————

// onTaskEvent counts one lifecycle transition. Every task event carries the
// instance state the engine stamped at emit time.
func (m *Metrics) onTaskEvent(evt types.Event) {
	task, _ := evt.Fields["task"].(string)
	state, _ := evt.Fields["state"].(string)
	if task == "" || state == "" {
		return
	}
	m.transitions.WithLabelValues(task, state).Inc()
}

func (m *Metrics) onRiskEvent(evt types.Event) {
	switch evt.Type {
	case types.EventRiskStateChanged:
		if to, ok := evt.Fields["to"].(string); ok {
			m.riskState.Set(stateLevel(types.RiskStateKind(to)))
		}
	case types.EventCircuitTripped:
		reason, _ := evt.Fields["reason"].(string)
		m.trips.WithLabelValues(orNone(reason)).Inc()
	}
}

// onAllocEvent replaces the weight gauges wholesale; a protocol missing from
// the new target must not linger with its old weight.
func (m *Metrics) onAllocEvent(evt types.Event) {
	if evt.Type != types.EventAllocationChanged {
		return
	}
	weights, ok := evt.Fields["weights"].(map[string]float64)
	if !ok {
		return
	}
	m.weight.Reset()
	for protocol, w := range weights {
		m.weight.WithLabelValues(protocol).Set(w)
	}
}

func (m *Metrics) onMarketEvent(evt types.Event) {
	if evt.Type != types.EventMetricSampled {
		return
	}
	if vol, ok := evt.Fields["volatility"].(float64); ok {
		m.volatility.Set(vol)
	}
	if gas, ok := evt.Fields["gasGwei"].(map[string]float64); ok {
		for chain, gwei := range gas {
			m.gasPrice.WithLabelValues(chain).Set(gwei)
		}
	}
	if prices, ok := evt.Fields["prices"].(map[string]float64); ok {
		for asset, usd := range prices {
			m.price.WithLabelValues(asset).Set(usd)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Pull side
// ————————————————————————————————————————————————————————————————————————

// sample refreshes the gauges owned by the risk manager and converts the
// cumulative decision and drop totals into counter increments.
func (m *Metrics) sample() {
	snap := m.risk.Snapshot()
	m.riskState.Set(stateLevel(snap.State.Kind))
	m.pnl24h.Set(snap.Loss24hUSD.InexactFloat64())
	m.failureRate.Set(snap.FailureRate)
	m.reserved.Reset()
	for protocol, usd := range snap.ReservedUSD {
		m.reserved.WithLabelValues(protocol).Set(usd.InexactFloat64())
	}

	for verdict, byReason := range m.risk.Decisions() {
		for reason, n := range byReason {
			key := decisionKey{verdict: verdict, reason: reason}
			if delta := n - m.lastDecided[key]; delta > 0 {
				m.decisions.WithLabelValues(string(verdict), orNone(string(reason))).Add(float64(delta))
				m.lastDecided[key] = n
			}
		}
	}
	for topic, n := range m.bus.DroppedByTopic() {
		if delta := n - m.lastDropped[topic]; delta > 0 {
			m.dropped.WithLabelValues(topic).Add(float64(delta))
			m.lastDropped[topic] = n
		}
	}
}

func stateLevel(kind types.RiskStateKind) float64 {
	switch kind {
	case types.StateDegraded:
		return 1
	case types.StateHalted:
		return 2
	default:
		return 0
	}
}

// orNone keeps empty label values queryable; ALLOW decisions carry no reason.
func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
