package api

import (
	"time"

	"airdrop-farmer/internal/engine"
	"airdrop-farmer/internal/risk"
	"airdrop-farmer/pkg/types"
)

// StatusResponse is the operator view returned by GET /api/status. farmerctl
// decodes the same struct, so field changes here are wire changes.
type StatusResponse struct {
	Time   time.Time `json:"time"`
	DryRun bool      `json:"dryRun"`

	Risk      risk.Snapshot   `json:"risk"`
	Scheduler engine.Snapshot `json:"scheduler"`

	// Allocation is nil until the allocator has computed or restored a
	// target. Drift is omitted when the portfolio source is unavailable.
	Allocation  *types.AllocationTarget `json:"allocation,omitempty"`
	Drift       map[string]float64      `json:"drift,omitempty"`
	PlanPending bool                    `json:"planPending"`

	TaskCounts map[types.TaskState]int `json:"taskCounts"`
	BusDropped map[string]uint64       `json:"busDropped,omitempty"`
}

// TripRequest opens the circuit. An empty reason is recorded as a plain
// operator trip.
type TripRequest struct {
	Reason string `json:"reason"`
}

// ResetRequest closes a tripped circuit. The token must match the configured
// operator token.
type ResetRequest struct {
	Token string `json:"token"`
}

// AckResponse acknowledges a control action.
type AckResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ErrorResponse carries a machine-readable failure.
type ErrorResponse struct {
	Error string `json:"error"`
}
