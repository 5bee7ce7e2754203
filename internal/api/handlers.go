package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/engine"
	"airdrop-farmer/internal/registry"
	"airdrop-farmer/internal/risk"
	"airdrop-farmer/pkg/types"
)

// CircuitController is the slice of the risk manager the API drives.
type CircuitController interface {
	Snapshot() risk.Snapshot
	Trip(reason types.ReasonCode)
	Reset(token string) error
}

// SchedulerControl is the slice of the engine the API drives.
type SchedulerControl interface {
	Snapshot() engine.Snapshot
	RebalanceNow() error
}

// AllocationView reads the allocator without mutating it.
type AllocationView interface {
	Target() (types.AllocationTarget, bool)
	Drift(ctx context.Context) (map[string]float64, error)
	Pending() bool
}

// TaskSwitch pauses and resumes registered task definitions.
type TaskSwitch interface {
	Pause(id string) error
	Resume(id string) error
}

// InstanceCounter reports journaled task instances per state.
type InstanceCounter interface {
	CountsByState() (map[types.TaskState]int, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	deps     Deps
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers wires the handler set. The websocket origin policy comes from
// the operator config.
func NewHandlers(cfg config.OperatorConfig, deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		deps: deps,
		hub:  hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
			},
		},
		logger: logger.With("component", "api"),
	}
}

// isOriginAllowed implements the websocket origin policy: non-browser clients
// (no Origin header) pass, an explicit allowlist is exact-match, and without
// one only same-host and local origins are accepted.
func isOriginAllowed(origin string, cfg config.OperatorConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(origin, allowed) {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, AckResponse{Status: "ok"})
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Journal.CountsByState()
	if err != nil {
		h.logger.Error("status query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}

	resp := StatusResponse{
		Time:        h.deps.Clock.Now().UTC(),
		DryRun:      h.deps.DryRun,
		Risk:        h.deps.Circuit.Snapshot(),
		Scheduler:   h.deps.Scheduler.Snapshot(),
		PlanPending: h.deps.Alloc.Pending(),
		TaskCounts:  counts,
	}
	if target, ok := h.deps.Alloc.Target(); ok {
		resp.Allocation = &target
	}
	// Drift is best-effort: a source outage must not take status down.
	if drift, err := h.deps.Alloc.Drift(r.Context()); err == nil {
		resp.Drift = drift
	}
	if h.deps.Bus != nil {
		resp.BusDropped = h.deps.Bus.DroppedByTopic()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) handleTrip(w http.ResponseWriter, r *http.Request) {
	var req TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	h.deps.Circuit.Trip(types.ReasonCode(req.Reason))
	h.logger.Warn("circuit tripped by operator", "reason", req.Reason)
	writeJSON(w, http.StatusOK, AckResponse{Status: "tripped", Detail: req.Reason})
}

func (h *Handlers) handleReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	switch err := h.deps.Circuit.Reset(req.Token); {
	case errors.Is(err, risk.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, risk.ErrNotTripped):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Info("circuit reset by operator")
		writeJSON(w, http.StatusOK, AckResponse{Status: "reset"})
	}
}

func (h *Handlers) handlePause(w http.ResponseWriter, r *http.Request) {
	h.switchTask(w, r, h.deps.Tasks.Pause, "paused")
}

func (h *Handlers) handleResume(w http.ResponseWriter, r *http.Request) {
	h.switchTask(w, r, h.deps.Tasks.Resume, "resumed")
}

func (h *Handlers) switchTask(w http.ResponseWriter, r *http.Request, op func(string) error, verb string) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		if errors.Is(err, registry.ErrUnknownTask) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Status: verb, Detail: id})
}

func (h *Handlers) handleRebalance(w http.ResponseWriter, r *http.Request) {
	switch err := h.deps.Scheduler.RebalanceNow(); {
	case errors.Is(err, engine.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, AckResponse{Status: "accepted", Detail: "rebalance planning queued"})
	}
}

// handleWebSocket upgrades the connection and attaches it to the hub. The
// first frame is the current status; everything after is the live stream.
func (h *Handlers) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(h.hub, conn)

	counts, err := h.deps.Journal.CountsByState()
	if err != nil {
		h.logger.Error("initial status for stream failed", "error", err)
		return
	}
	initial := StatusResponse{
		Time:        h.deps.Clock.Now().UTC(),
		DryRun:      h.deps.DryRun,
		Risk:        h.deps.Circuit.Snapshot(),
		Scheduler:   h.deps.Scheduler.Snapshot(),
		PlanPending: h.deps.Alloc.Pending(),
		TaskCounts:  counts,
	}
	if target, ok := h.deps.Alloc.Target(); ok {
		initial.Allocation = &target
	}
	data, err := json.Marshal(initial)
	if err != nil {
		h.logger.Error("marshal initial status", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
	}
}
