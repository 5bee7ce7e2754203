// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the farmer — wallets, protocols,
// portfolio and market snapshots, risk decisions, task definitions, and event
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// ChainFamily groups chains by signing and account model.
type ChainFamily string

const (
	FamilyEVM ChainFamily = "evm"
)

// Chain identifies a specific network, e.g. "ethereum", "scroll", "zksync".
type Chain string

// ActionKind enumerates the on-chain operations the farmer can orchestrate.
type ActionKind string

const (
	ActionBridge           ActionKind = "bridge"
	ActionSwap             ActionKind = "swap"
	ActionStake            ActionKind = "stake"
	ActionRestake          ActionKind = "restake"
	ActionClaim            ActionKind = "claim"
	ActionProvideLiquidity ActionKind = "provide_liquidity"
	ActionLend             ActionKind = "lend"
	ActionBorrow           ActionKind = "borrow"
	ActionRebalance        ActionKind = "rebalance" // capital move between protocols
)

// RiskStateKind is the circuit-breaker position.
type RiskStateKind string

const (
	StateNormal   RiskStateKind = "NORMAL"
	StateDegraded RiskStateKind = "DEGRADED" // notionals scaled down, caps tightened
	StateHalted   RiskStateKind = "HALTED"   // no new actions until operator reset
)

// Verdict is the outcome class of a risk evaluation.
type Verdict string

const (
	VerdictAllow    Verdict = "ALLOW"
	VerdictDeny     Verdict = "DENY"
	VerdictDownsize Verdict = "DOWNSIZE"
)

// ReasonCode explains a DENY or DOWNSIZE decision and risk state changes.
type ReasonCode string

const (
	ReasonCircuitOpen     ReasonCode = "circuit_open"
	ReasonStaleData       ReasonCode = "stale_data"
	ReasonProtocolCap     ReasonCode = "protocol_cap"
	ReasonAssetCap        ReasonCode = "asset_cap"
	ReasonTxCap           ReasonCode = "tx_cap"
	ReasonDailyLoss       ReasonCode = "daily_loss"
	ReasonGasHigh         ReasonCode = "gas_high"
	ReasonVolHigh         ReasonCode = "volatility_high"
	ReasonVolExtreme      ReasonCode = "volatility_extreme"
	ReasonVolScale        ReasonCode = "volatility_scale"
	ReasonDegradedScale   ReasonCode = "degraded_scale"
	ReasonWalletUnhealthy ReasonCode = "wallet_unhealthy"
	ReasonInternalError   ReasonCode = "internal_error"
	ReasonFailureRate     ReasonCode = "elevated_failures"
	ReasonCriticalErrors  ReasonCode = "critical_errors"
	ReasonOperator        ReasonCode = "operator"
	ReasonRecovered       ReasonCode = "recovered"
	ReasonRestart         ReasonCode = "restart"
	ReasonUpstreamFailed  ReasonCode = "upstream_failed"
	ReasonShutdown        ReasonCode = "shutdown"
)

// VolBand buckets the volatility index for risk gating.
type VolBand string

const (
	VolLow     VolBand = "LOW"
	VolMed     VolBand = "MED"
	VolHigh    VolBand = "HIGH"
	VolExtreme VolBand = "EXTREME"
)

// ErrorKind classifies adapter failures. The scheduler maps kinds to task
// transitions: transient kinds are retried within budget, permanent kinds
// move the instance to FAILED_PERMANENT and cancel descendants.
type ErrorKind string

const (
	ErrKindNone                ErrorKind = ""
	ErrKindTransientRPC        ErrorKind = "transient_rpc"
	ErrKindInsufficientBalance ErrorKind = "insufficient_balance"
	ErrKindSlippageExceeded    ErrorKind = "slippage_exceeded"
	ErrKindReverted            ErrorKind = "reverted"
	ErrKindTimeout             ErrorKind = "timeout"
	ErrKindPermanentConfig     ErrorKind = "permanent_config"
)

// Transient reports whether the kind is retryable within the task budget.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrKindTransientRPC, ErrKindTimeout, ErrKindSlippageExceeded:
		return true
	default:
		return false
	}
}

// Known reports whether the kind is one the scheduler recognizes. Unknown
// kinds get one transient retry, then are treated as permanent_config.
func (k ErrorKind) Known() bool {
	switch k {
	case ErrKindNone, ErrKindTransientRPC, ErrKindInsufficientBalance,
		ErrKindSlippageExceeded, ErrKindReverted, ErrKindTimeout,
		ErrKindPermanentConfig:
		return true
	default:
		return false
	}
}

// TaskState is the scheduler-owned lifecycle state of a TaskInstance.
type TaskState string

const (
	TaskPending         TaskState = "PENDING"
	TaskRunning         TaskState = "RUNNING"
	TaskSucceeded       TaskState = "SUCCEEDED"
	TaskFailedTransient TaskState = "FAILED_TRANSIENT"
	TaskFailedPermanent TaskState = "FAILED_PERMANENT"
	TaskTimedOut        TaskState = "TIMED_OUT"
	TaskCancelled       TaskState = "CANCELLED"
)

// Terminal reports whether the state ends the instance lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailedPermanent, TaskCancelled:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Portfolio & market data
// ————————————————————————————————————————————————————————————————————————

// Wallet is a registered signing identity. Immutable after registration.
type Wallet struct {
	ID      string         `json:"id"`
	Family  ChainFamily    `json:"family"`
	Address common.Address `json:"address"`
}

// Protocol describes a farmable protocol and its allocation envelope.
// WeightMin/WeightMax bound the allocator; ExposureCapPct bounds the risk
// manager's per-protocol exposure rule.
type Protocol struct {
	ID             string       `json:"id"`
	Chain          Chain        `json:"chain"`
	Kinds          []ActionKind `json:"kinds"`
	Assets         []string     `json:"assets"`
	WeightMin      float64      `json:"weightMin"`
	WeightMax      float64      `json:"weightMax"`
	ExposureCapPct float64      `json:"exposureCapPct"`
	RiskMultiplier float64      `json:"riskMultiplier"`
	Enabled        bool         `json:"enabled"`
}

// Supports reports whether the protocol lists the action kind.
func (p Protocol) Supports(kind ActionKind) bool {
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Position is a derived holding: (wallet, protocol, asset) at snapshot time.
type Position struct {
	Wallet   string          `json:"wallet"`
	Protocol string          `json:"protocol"`
	Asset    string          `json:"asset"`
	Quantity decimal.Decimal `json:"quantity"`
	ValueUSD decimal.Decimal `json:"valueUsd"`
}

// PortfolioSnapshot aggregates all positions at a single instant. Snapshots
// are append-only; Taken is strictly increasing across snapshots.
type PortfolioSnapshot struct {
	Taken          time.Time                  `json:"taken"`
	Positions      []Position                 `json:"positions"`
	NativeBalances map[string]decimal.Decimal `json:"nativeBalances"` // wallet id → native units
	TotalUSD       decimal.Decimal            `json:"totalUsd"`
	Partial        bool                       `json:"partial"` // some sources were skipped
}

// ExposureByProtocol sums position value per protocol id.
func (s PortfolioSnapshot) ExposureByProtocol() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, 8)
	for _, p := range s.Positions {
		out[p.Protocol] = out[p.Protocol].Add(p.ValueUSD)
	}
	return out
}

// ExposureByAsset sums position value per asset symbol.
func (s PortfolioSnapshot) ExposureByAsset() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, 8)
	for _, p := range s.Positions {
		out[p.Asset] = out[p.Asset].Add(p.ValueUSD)
	}
	return out
}

// MarketSnapshot is a consistent view of market conditions at one instant.
type MarketSnapshot struct {
	Taken           time.Time                  `json:"taken"`
	GasPriceGwei    map[Chain]decimal.Decimal  `json:"gasPriceGwei"`
	Prices          map[string]decimal.Decimal `json:"prices"` // asset → USD
	VolatilityIndex float64                    `json:"volatilityIndex"`
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskState is the current circuit-breaker position with its cause. Exactly
// one RiskState is current; transitions are totally ordered by Since.
type RiskState struct {
	Kind   RiskStateKind `json:"kind"`
	Reason ReasonCode    `json:"reason"`
	Since  time.Time     `json:"since"`
}

// Decision is the risk manager's answer to an ActionProposal. For DOWNSIZE,
// Notional carries the reduced size; for ALLOW it echoes the approved size.
type Decision struct {
	Verdict  Verdict         `json:"verdict"`
	Reason   ReasonCode      `json:"reason,omitempty"`
	Notional decimal.Decimal `json:"notional"`
}

// ActionProposal describes one intended on-chain action for risk evaluation.
// Ephemeral; at most one outstanding per TaskInstance attempt. FromProtocol
// is set on rebalance moves and names the protocol whose exposure shrinks.
type ActionProposal struct {
	InstanceID    string            `json:"instanceId"`
	TaskID        string            `json:"taskId"`
	CorrelationID string            `json:"correlationId"`
	Wallet        string            `json:"wallet"`
	Protocol      string            `json:"protocol"`
	FromProtocol  string            `json:"fromProtocol,omitempty"`
	Kind          ActionKind        `json:"kind"`
	Chain         Chain             `json:"chain"`
	Asset         string            `json:"asset,omitempty"`
	NotionalUSD   decimal.Decimal   `json:"notionalUsd"`
	GasEstimate   decimal.Decimal   `json:"gasEstimateGwei"`
	SlippageTol   float64           `json:"slippageTol"`
	Params        map[string]string `json:"params,omitempty"`
}

// ActionOutcome records the result of one adapter invocation. Append-only.
type ActionOutcome struct {
	InstanceID     string          `json:"instanceId"`
	CorrelationID  string          `json:"correlationId"`
	Wallet         string          `json:"wallet"`
	Protocol       string          `json:"protocol"`
	FromProtocol   string          `json:"fromProtocol,omitempty"`
	Kind           ActionKind      `json:"kind"`
	Success        bool            `json:"success"`
	TxHashes       []string        `json:"txHashes,omitempty"`
	ErrKind        ErrorKind       `json:"errKind,omitempty"`
	Err            string          `json:"err,omitempty"`
	NotionalUSD    decimal.Decimal `json:"notionalUsd"`
	RealizedPnLUSD decimal.Decimal `json:"realizedPnlUsd"`
	GasUSD         decimal.Decimal `json:"gasUsd"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Allocation
// ————————————————————————————————————————————————————————————————————————

// AllocationTarget maps protocol id → target weight. Weights sum to 1 and
// respect each protocol's bounds. Previous targets are retained for audit.
type AllocationTarget struct {
	Weights    map[string]float64 `json:"weights"`
	Algorithm  string             `json:"algorithm"`
	ComputedAt time.Time          `json:"computedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Tasks
// ————————————————————————————————————————————————————————————————————————

// TriggerSpec holds exactly one trigger: a timezone-aware cron expression, a
// fixed interval with optional jitter, or a one-shot timestamp. Definitions
// with dependencies may omit the trigger; they fire when their upstream run
// reaches them.
type TriggerSpec struct {
	Cron     string        `json:"cron,omitempty"`
	Timezone string        `json:"timezone,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Jitter   time.Duration `json:"jitter,omitempty"`
	At       time.Time     `json:"at,omitempty"`
}

// Empty reports whether no trigger is configured.
func (t TriggerSpec) Empty() bool {
	return t.Cron == "" && t.Interval == 0 && t.At.IsZero()
}

// TaskDefinition is an immutable registered task. A given id+version never
// changes; re-registering with a new version supersedes the old one.
type TaskDefinition struct {
	ID          string            `json:"id"`
	Version     int               `json:"version"`
	Kind        ActionKind        `json:"kind"`
	Protocol    string            `json:"protocol"`
	Wallet      string            `json:"wallet"`
	Trigger     TriggerSpec       `json:"trigger"`
	Priority    int               `json:"priority"`
	MaxRetries  int               `json:"maxRetries"`
	Timeout     time.Duration     `json:"timeout"`
	DependsOn   []string          `json:"dependsOn,omitempty"`
	NotionalUSD decimal.Decimal   `json:"notionalUsd"`
	Params      map[string]string `json:"params,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// TaskInstance is one scheduled firing of a definition. The scheduler engine
// exclusively owns its state transitions.
type TaskInstance struct {
	ID            string    `json:"id"`
	DefID         string    `json:"defId"`
	DefVersion    int       `json:"defVersion"`
	CorrelationID string    `json:"correlationId"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	Attempt       int       `json:"attempt"`
	State         TaskState `json:"state"`
	LastError     string    `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// EventType tags the event union published on the bus.
type EventType string

const (
	EventRiskStateChanged  EventType = "RiskStateChanged"
	EventAllocationChanged EventType = "AllocationChanged"
	EventTaskScheduled     EventType = "TaskScheduled"
	EventTaskStarted       EventType = "TaskStarted"
	EventTaskSucceeded     EventType = "TaskSucceeded"
	EventTaskFailed        EventType = "TaskFailed"
	EventTaskRetrying      EventType = "TaskRetrying"
	EventCircuitTripped    EventType = "CircuitTripped"
	EventMetricSampled     EventType = "MetricSampled"
)

// Severity grades events for downstream alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the structured record published on the bus. Seq is assigned by
// the bus at publish time and is strictly increasing per topic.
type Event struct {
	Seq           uint64         `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}
