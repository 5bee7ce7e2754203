// Package config defines all configuration for the airdrop farmer.
// Config is loaded from a YAML file (default: configs/farmer.yaml) with
// sensitive fields overridable via FARMER_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"airdrop-farmer/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool             `mapstructure:"dry_run"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Journal   JournalConfig    `mapstructure:"journal"`
	Oracle    OracleConfig     `mapstructure:"oracle"`
	Portfolio PortfolioConfig  `mapstructure:"portfolio"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Allocator AllocatorConfig  `mapstructure:"allocator"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Operator  OperatorConfig   `mapstructure:"operator"`
	Wallets   []WalletConfig   `mapstructure:"wallets"`
	Protocols []ProtocolConfig `mapstructure:"protocols"`
	Tasks     []TaskConfig     `mapstructure:"tasks"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// JournalConfig sets where scheduler and risk state is persisted (SQLite).
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// OracleConfig controls market data polling and staleness.
//
//   - PollInterval: how often gas/price/volatility sources are polled.
//   - MaxAge: snapshot older than this fails with a stale-data error.
//   - PriceURL: REST endpoint serving asset prices and the volatility index.
//   - BalanceURL: REST endpoint serving per-wallet asset balances.
//   - FeedURL: optional websocket push feed for prices; overrides PriceURL.
//   - GasRPC: chain id → JSON-RPC endpoint used for gas price and native balance.
//   - RateLimitRPS: outbound request budget shared by HTTP sources.
//   - Static: fixed market data used in dry-run mode instead of live sources.
type OracleConfig struct {
	PollInterval time.Duration     `mapstructure:"poll_interval"`
	MaxAge       time.Duration     `mapstructure:"max_age"`
	PriceURL     string            `mapstructure:"price_url"`
	BalanceURL   string            `mapstructure:"balance_url"`
	FeedURL      string            `mapstructure:"feed_url"`
	GasRPC       map[string]string `mapstructure:"gas_rpc"`
	RateLimitRPS float64           `mapstructure:"rate_limit_rps"`
	Static       StaticMarket      `mapstructure:"static"`
}

// StaticMarket seeds the in-memory source for dry runs and local development.
type StaticMarket struct {
	GasGwei    map[string]float64 `mapstructure:"gas_gwei"`   // chain → gwei
	Prices     map[string]float64 `mapstructure:"prices"`     // asset → USD
	Balances   map[string]float64 `mapstructure:"balances"`   // "wallet/protocol/asset" → quantity
	NativeBal  map[string]float64 `mapstructure:"native_bal"` // wallet → native units
	Volatility float64            `mapstructure:"volatility"`
}

type PortfolioConfig struct {
	Freshness time.Duration `mapstructure:"freshness"`
	Strict    bool          `mapstructure:"strict"`
}

// RiskConfig sets the rule thresholds for the risk manager.
//
//   - TxCapPct: single-action notional cap as a fraction of portfolio value.
//   - MinNotionalUSD: floor below which a downsized action is pointless.
//   - DailyLossLimitUSD: rolling 24h realized loss that trips the circuit.
//   - DegradedScale: notional multiplier applied while DEGRADED.
//   - ReservationTTL: how long an unsettled reservation counts as exposure.
//   - GasCeilingGwei: action kind → max acceptable gas price.
//   - GasHysteresis: fraction below ceiling required to re-open the gas gate.
//   - VolMed/VolHigh/VolExtreme: volatility index band thresholds.
//   - VolMultipliers: band name → notional multiplier (low/med/high).
//   - MinGasReserve: native-token balance a wallet must keep for gas.
//   - FailureWindow/FailureRateThreshold/FailureMinSamples: DEGRADED trigger.
//   - CriticalErrorLimit: internal errors within the window that force HALTED.
//   - DegradedRecovery: quiet period after which DEGRADED auto-recovers.
//   - OperatorToken: shared secret required by reset.
//   - AssetCaps: asset symbol → max fraction of portfolio value.
//   - DenyClasses: reason code → "transient" | "permanent" retry classification.
type RiskConfig struct {
	TxCapPct             float64            `mapstructure:"tx_cap_pct"`
	MinNotionalUSD       float64            `mapstructure:"min_notional_usd"`
	DailyLossLimitUSD    float64            `mapstructure:"daily_loss_limit_usd"`
	DegradedScale        float64            `mapstructure:"degraded_scale"`
	ReservationTTL       time.Duration      `mapstructure:"reservation_ttl"`
	GasCeilingGwei       map[string]float64 `mapstructure:"gas_ceiling_gwei"`
	GasHysteresis        float64            `mapstructure:"gas_hysteresis"`
	VolMed               float64            `mapstructure:"vol_med"`
	VolHigh              float64            `mapstructure:"vol_high"`
	VolExtreme           float64            `mapstructure:"vol_extreme"`
	VolMultipliers       map[string]float64 `mapstructure:"vol_multipliers"`
	MinGasReserve        float64            `mapstructure:"min_gas_reserve"`
	FailureWindow        time.Duration      `mapstructure:"failure_window"`
	FailureRateThreshold float64            `mapstructure:"failure_rate_threshold"`
	FailureMinSamples    int                `mapstructure:"failure_min_samples"`
	CriticalErrorLimit   int                `mapstructure:"critical_error_limit"`
	DegradedRecovery     time.Duration      `mapstructure:"degraded_recovery"`
	OperatorToken        string             `mapstructure:"operator_token"`
	AssetCaps            map[string]float64 `mapstructure:"asset_caps"`
	DenyClasses          map[string]string  `mapstructure:"deny_classes"`
}

// AllocatorConfig tunes target computation and rebalancing.
type AllocatorConfig struct {
	Algorithm          string        `mapstructure:"algorithm"` // equal | risk_adjusted | momentum
	DriftThreshold     float64       `mapstructure:"drift_threshold"`
	DriftCheckInterval time.Duration `mapstructure:"drift_check_interval"`
	RebalanceCron      string        `mapstructure:"rebalance_cron"`
	MomentumWindow     time.Duration `mapstructure:"momentum_window"`
	MaxIterations      int           `mapstructure:"max_iterations"`
	DegradedTighten    float64       `mapstructure:"degraded_tighten"`
	MaxMovesPerPlan    int           `mapstructure:"max_moves_per_plan"`
}

// SchedulerConfig bounds the engine's concurrency and retry behavior.
type SchedulerConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	MaxPerProtocol     int           `mapstructure:"max_per_protocol"`
	MaxPerWallet       int           `mapstructure:"max_per_wallet"`
	RetryBaseBackoff   time.Duration `mapstructure:"retry_base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	TimeoutGrace       time.Duration `mapstructure:"timeout_grace"`
	ShutdownGrace      time.Duration `mapstructure:"shutdown_grace"`
	TickInterval       time.Duration `mapstructure:"tick_interval"`
}

// OperatorConfig controls the HTTP control surface.
type OperatorConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WalletConfig registers one signing identity. Wallets are immutable after
// registration; changing an address means registering a new wallet id.
type WalletConfig struct {
	ID      string `mapstructure:"id"`
	Family  string `mapstructure:"family"`
	Address string `mapstructure:"address"`
}

// ProtocolConfig registers one farmable protocol with its allocation bounds
// and risk envelope.
type ProtocolConfig struct {
	ID             string   `mapstructure:"id"`
	Chain          string   `mapstructure:"chain"`
	Kinds          []string `mapstructure:"kinds"`
	Assets         []string `mapstructure:"assets"`
	WeightMin      float64  `mapstructure:"weight_min"`
	WeightMax      float64  `mapstructure:"weight_max"`
	ExposureCapPct float64  `mapstructure:"exposure_cap_pct"`
	RiskMultiplier float64  `mapstructure:"risk_multiplier"`
	Enabled        bool     `mapstructure:"enabled"`
}

// TaskConfig declares one task definition registered at startup. Exactly one
// of cron/interval/at must be set unless the task has dependencies, in which
// case the trigger may be omitted (the task fires when its upstream run
// reaches it).
type TaskConfig struct {
	ID          string            `mapstructure:"id"`
	Version     int               `mapstructure:"version"`
	Kind        string            `mapstructure:"kind"`
	Protocol    string            `mapstructure:"protocol"`
	Wallet      string            `mapstructure:"wallet"`
	Cron        string            `mapstructure:"cron"`
	Timezone    string            `mapstructure:"timezone"`
	Interval    time.Duration     `mapstructure:"interval"`
	Jitter      time.Duration     `mapstructure:"jitter"`
	At          string            `mapstructure:"at"` // RFC3339
	Priority    int               `mapstructure:"priority"`
	MaxRetries  int               `mapstructure:"max_retries"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	DependsOn   []string          `mapstructure:"depends_on"`
	NotionalUSD float64           `mapstructure:"notional_usd"`
	Params      map[string]string `mapstructure:"params"`
	Disabled    bool              `mapstructure:"disabled"`
}

// Load reads config from a YAML file with env var overrides. Sensitive
// fields use env vars: FARMER_OPERATOR_TOKEN, FARMER_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FARMER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if token := os.Getenv("FARMER_OPERATOR_TOKEN"); token != "" {
		cfg.Risk.OperatorToken = token
	}
	if os.Getenv("FARMER_DRY_RUN") == "true" || os.Getenv("FARMER_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("journal.path", "data/farmer.db")
	v.SetDefault("oracle.poll_interval", "15s")
	v.SetDefault("oracle.max_age", "60s")
	v.SetDefault("oracle.rate_limit_rps", 5.0)
	v.SetDefault("portfolio.freshness", "30s")
	v.SetDefault("risk.degraded_scale", 0.5)
	v.SetDefault("risk.reservation_ttl", "10m")
	v.SetDefault("risk.gas_hysteresis", 0.2)
	v.SetDefault("risk.failure_window", "10m")
	v.SetDefault("risk.failure_rate_threshold", 0.5)
	v.SetDefault("risk.failure_min_samples", 5)
	v.SetDefault("risk.critical_error_limit", 3)
	v.SetDefault("risk.degraded_recovery", "15m")
	v.SetDefault("allocator.algorithm", "risk_adjusted")
	v.SetDefault("allocator.drift_threshold", 0.05)
	v.SetDefault("allocator.drift_check_interval", "1m")
	v.SetDefault("allocator.max_iterations", 50)
	v.SetDefault("allocator.degraded_tighten", 0.5)
	v.SetDefault("allocator.max_moves_per_plan", 20)
	v.SetDefault("allocator.momentum_window", "168h")
	v.SetDefault("scheduler.max_concurrent_tasks", 8)
	v.SetDefault("scheduler.max_per_protocol", 2)
	v.SetDefault("scheduler.max_per_wallet", 1)
	v.SetDefault("scheduler.retry_base_backoff", "30s")
	v.SetDefault("scheduler.max_backoff", "30m")
	v.SetDefault("scheduler.default_timeout", "2m")
	v.SetDefault("scheduler.timeout_grace", "30s")
	v.SetDefault("scheduler.shutdown_grace", "20s")
	v.SetDefault("scheduler.tick_interval", "1s")
	v.SetDefault("operator.port", 8787)
}

// Validate checks all required fields and value ranges. DAG-level task
// validation (cycles, cron syntax) happens at registry registration, which
// also runs before the engine starts.
func (c *Config) Validate() error {
	if len(c.Wallets) == 0 {
		return fmt.Errorf("at least one wallet is required")
	}
	walletIDs := make(map[string]bool, len(c.Wallets))
	for _, w := range c.Wallets {
		if w.ID == "" {
			return fmt.Errorf("wallet id is required")
		}
		if walletIDs[w.ID] {
			return fmt.Errorf("duplicate wallet id %q", w.ID)
		}
		walletIDs[w.ID] = true
		if w.Family != string(types.FamilyEVM) {
			return fmt.Errorf("wallet %q: unsupported family %q", w.ID, w.Family)
		}
		if !common.IsHexAddress(w.Address) {
			return fmt.Errorf("wallet %q: invalid address %q", w.ID, w.Address)
		}
	}

	if len(c.Protocols) == 0 {
		return fmt.Errorf("at least one protocol is required")
	}
	protoIDs := make(map[string]bool, len(c.Protocols))
	var minSum, maxSum float64
	var enabledCount int
	for _, p := range c.Protocols {
		if p.ID == "" {
			return fmt.Errorf("protocol id is required")
		}
		if protoIDs[p.ID] {
			return fmt.Errorf("duplicate protocol id %q", p.ID)
		}
		protoIDs[p.ID] = true
		if p.Chain == "" {
			return fmt.Errorf("protocol %q: chain is required", p.ID)
		}
		if p.WeightMin < 0 || p.WeightMax > 1 || p.WeightMin > p.WeightMax {
			return fmt.Errorf("protocol %q: weight bounds [%v, %v] must satisfy 0 <= min <= max <= 1",
				p.ID, p.WeightMin, p.WeightMax)
		}
		if p.ExposureCapPct <= 0 || p.ExposureCapPct > 1 {
			return fmt.Errorf("protocol %q: exposure_cap_pct must be in (0, 1]", p.ID)
		}
		if p.RiskMultiplier <= 0 {
			return fmt.Errorf("protocol %q: risk_multiplier must be > 0", p.ID)
		}
		if len(p.Assets) == 0 {
			return fmt.Errorf("protocol %q: at least one asset is required", p.ID)
		}
		if p.Enabled {
			minSum += p.WeightMin
			maxSum += p.WeightMax
			enabledCount++
		}
	}
	if minSum > 1 {
		return fmt.Errorf("sum of weight_min across enabled protocols is %.4f, must be <= 1", minSum)
	}
	if enabledCount > 0 && maxSum < 1 {
		return fmt.Errorf("sum of weight_max across enabled protocols is %.4f, must be >= 1 for weights to sum to one", maxSum)
	}

	if c.Risk.TxCapPct <= 0 || c.Risk.TxCapPct > 1 {
		return fmt.Errorf("risk.tx_cap_pct must be in (0, 1]")
	}
	if c.Risk.MinNotionalUSD < 0 {
		return fmt.Errorf("risk.min_notional_usd must be >= 0")
	}
	if c.Risk.DailyLossLimitUSD <= 0 {
		return fmt.Errorf("risk.daily_loss_limit_usd must be > 0")
	}
	if c.Risk.DegradedScale <= 0 || c.Risk.DegradedScale > 1 {
		return fmt.Errorf("risk.degraded_scale must be in (0, 1]")
	}
	if c.Risk.GasHysteresis < 0 || c.Risk.GasHysteresis >= 1 {
		return fmt.Errorf("risk.gas_hysteresis must be in [0, 1)")
	}
	if !(c.Risk.VolMed > 0 && c.Risk.VolMed < c.Risk.VolHigh && c.Risk.VolHigh < c.Risk.VolExtreme) {
		return fmt.Errorf("risk volatility thresholds must satisfy 0 < vol_med < vol_high < vol_extreme")
	}
	for band, mult := range c.Risk.VolMultipliers {
		switch band {
		case "low", "med", "high":
		default:
			return fmt.Errorf("risk.vol_multipliers: unknown band %q", band)
		}
		if mult <= 0 || mult > 1 {
			return fmt.Errorf("risk.vol_multipliers[%s] must be in (0, 1]", band)
		}
	}
	if c.Risk.FailureRateThreshold <= 0 || c.Risk.FailureRateThreshold > 1 {
		return fmt.Errorf("risk.failure_rate_threshold must be in (0, 1]")
	}
	if c.Risk.OperatorToken == "" {
		return fmt.Errorf("risk.operator_token is required (set FARMER_OPERATOR_TOKEN)")
	}
	for asset, limit := range c.Risk.AssetCaps {
		if limit <= 0 || limit > 1 {
			return fmt.Errorf("risk.asset_caps[%s] must be in (0, 1]", asset)
		}
	}
	for reason, class := range c.Risk.DenyClasses {
		if class != "transient" && class != "permanent" {
			return fmt.Errorf("risk.deny_classes[%s] must be transient or permanent, got %q", reason, class)
		}
	}

	switch c.Allocator.Algorithm {
	case "equal", "risk_adjusted", "momentum":
	default:
		return fmt.Errorf("allocator.algorithm must be one of: equal, risk_adjusted, momentum")
	}
	if c.Allocator.DriftThreshold <= 0 || c.Allocator.DriftThreshold >= 1 {
		return fmt.Errorf("allocator.drift_threshold must be in (0, 1)")
	}
	if c.Allocator.DriftCheckInterval <= 0 {
		return fmt.Errorf("allocator.drift_check_interval must be > 0")
	}
	if c.Allocator.MaxIterations <= 0 {
		return fmt.Errorf("allocator.max_iterations must be > 0")
	}
	if c.Allocator.DegradedTighten <= 0 || c.Allocator.DegradedTighten > 1 {
		return fmt.Errorf("allocator.degraded_tighten must be in (0, 1]")
	}

	if c.Scheduler.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_tasks must be > 0")
	}
	if c.Scheduler.MaxPerWallet <= 0 {
		return fmt.Errorf("scheduler.max_per_wallet must be >= 1")
	}
	if c.Scheduler.MaxPerProtocol <= 0 {
		return fmt.Errorf("scheduler.max_per_protocol must be >= 1")
	}
	if c.Scheduler.RetryBaseBackoff <= 0 {
		return fmt.Errorf("scheduler.retry_base_backoff must be > 0")
	}
	if c.Scheduler.MaxBackoff < c.Scheduler.RetryBaseBackoff {
		return fmt.Errorf("scheduler.max_backoff must be >= retry_base_backoff")
	}
	if c.Scheduler.DefaultTimeout <= 0 {
		return fmt.Errorf("scheduler.default_timeout must be > 0")
	}

	if !c.DryRun {
		if c.Oracle.PriceURL == "" && c.Oracle.FeedURL == "" {
			return fmt.Errorf("oracle.price_url or oracle.feed_url is required unless dry_run is on")
		}
		for _, p := range c.Protocols {
			if !p.Enabled {
				continue
			}
			if _, ok := c.Oracle.GasRPC[p.Chain]; !ok {
				return fmt.Errorf("oracle.gas_rpc missing endpoint for chain %q (protocol %q)", p.Chain, p.ID)
			}
		}
	}

	for _, t := range c.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task id is required")
		}
		if t.Version <= 0 {
			return fmt.Errorf("task %q: version must be >= 1", t.ID)
		}
		if !protoIDs[t.Protocol] {
			return fmt.Errorf("task %q: unknown protocol %q", t.ID, t.Protocol)
		}
		if !walletIDs[t.Wallet] {
			return fmt.Errorf("task %q: unknown wallet %q", t.ID, t.Wallet)
		}
		if t.MaxRetries < 0 {
			return fmt.Errorf("task %q: max_retries must be >= 0", t.ID)
		}
		if t.NotionalUSD < 0 {
			return fmt.Errorf("task %q: notional_usd must be >= 0", t.ID)
		}
		triggers := 0
		if t.Cron != "" {
			triggers++
		}
		if t.Interval != 0 {
			if t.Interval < 0 {
				return fmt.Errorf("task %q: interval must be > 0", t.ID)
			}
			if t.Jitter < 0 || t.Jitter > t.Interval {
				return fmt.Errorf("task %q: jitter must be in [0, interval]", t.ID)
			}
			triggers++
		}
		if t.At != "" {
			if _, err := time.Parse(time.RFC3339, t.At); err != nil {
				return fmt.Errorf("task %q: at is not RFC3339: %w", t.ID, err)
			}
			triggers++
		}
		if triggers > 1 {
			return fmt.Errorf("task %q: at most one trigger (cron, interval, at) may be set", t.ID)
		}
		if triggers == 0 && len(t.DependsOn) == 0 {
			return fmt.Errorf("task %q: a trigger is required for tasks without dependencies", t.ID)
		}
	}

	return nil
}

// RuntimeWallets converts wallet configs to their registered form. Call only
// after Validate.
func (c *Config) RuntimeWallets() []types.Wallet {
	out := make([]types.Wallet, 0, len(c.Wallets))
	for _, w := range c.Wallets {
		out = append(out, types.Wallet{
			ID:      w.ID,
			Family:  types.ChainFamily(w.Family),
			Address: common.HexToAddress(w.Address),
		})
	}
	return out
}

// RuntimeProtocols converts protocol configs, sorted by id for deterministic
// iteration everywhere downstream.
func (c *Config) RuntimeProtocols() []types.Protocol {
	out := make([]types.Protocol, 0, len(c.Protocols))
	for _, p := range c.Protocols {
		kinds := make([]types.ActionKind, 0, len(p.Kinds))
		for _, k := range p.Kinds {
			kinds = append(kinds, types.ActionKind(k))
		}
		out = append(out, types.Protocol{
			ID:             p.ID,
			Chain:          types.Chain(p.Chain),
			Kinds:          kinds,
			Assets:         append([]string(nil), p.Assets...),
			WeightMin:      p.WeightMin,
			WeightMax:      p.WeightMax,
			ExposureCapPct: p.ExposureCapPct,
			RiskMultiplier: p.RiskMultiplier,
			Enabled:        p.Enabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuntimeTaskDefs converts task configs to definitions for registration.
func (c *Config) RuntimeTaskDefs() ([]types.TaskDefinition, error) {
	out := make([]types.TaskDefinition, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		trigger := types.TriggerSpec{
			Cron:     t.Cron,
			Timezone: t.Timezone,
			Interval: t.Interval,
			Jitter:   t.Jitter,
		}
		if t.At != "" {
			at, err := time.Parse(time.RFC3339, t.At)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", t.ID, err)
			}
			trigger.At = at
		}
		timeout := t.Timeout
		if timeout == 0 {
			timeout = c.Scheduler.DefaultTimeout
		}
		out = append(out, types.TaskDefinition{
			ID:          t.ID,
			Version:     t.Version,
			Kind:        types.ActionKind(t.Kind),
			Protocol:    t.Protocol,
			Wallet:      t.Wallet,
			Trigger:     trigger,
			Priority:    t.Priority,
			MaxRetries:  t.MaxRetries,
			Timeout:     timeout,
			DependsOn:   append([]string(nil), t.DependsOn...),
			NotionalUSD: decimal.NewFromFloat(t.NotionalUSD),
			Params:      t.Params,
			Enabled:     !t.Disabled,
		})
	}
	return out, nil
}
