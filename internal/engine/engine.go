// Package engine is the DAG-aware scheduler at the center of the farmer.
//
// A single loop owns time and all task state. It:
//
//  1. Fires triggered root tasks on their cron/interval/one-shot schedules
//     and instantiates the whole dependent run under one correlation id.
//  2. Launches eligible PENDING instances onto worker goroutines, bounded
//     globally, per protocol, and per wallet (same-wallet actions serialize).
//  3. Runs every attempt through the gauntlet: allocator sizing, adapter
//     estimate, risk evaluation, then execution under a soft deadline with a
//     hard detach after the grace period.
//  4. Applies outcomes: journal first, then risk accounting, then state
//     transitions, retry backoff with full jitter, and cascade cancellation
//     of descendants when an instance fails permanently.
//  5. Watches the circuit breaker: a trip cancels in-flight attempts and
//     pending rebalance moves; launches stay refused while HALTED.
//  6. Drives the capital allocator's planning on the drift-check interval
//     and the rebalance cron, enqueueing plan moves as a linear chain.
//
// Workers never touch loop state; they report through a completion channel.
// Every transition is journaled, so New replays the journal and re-queues
// whatever the previous process left open.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"airdrop-farmer/internal/adapter"
	"airdrop-farmer/internal/alloc"
	"airdrop-farmer/internal/bus"
	"airdrop-farmer/internal/clock"
	"airdrop-farmer/internal/config"
	"airdrop-farmer/internal/journal"
	"airdrop-farmer/internal/registry"
	"airdrop-farmer/internal/risk"
	"airdrop-farmer/pkg/types"
)

// ErrBusy is returned by RebalanceNow when the command queue is full.
var ErrBusy = errors.New("scheduler command queue is full")

// rebalanceTaskID marks instances born from an allocator plan rather than a
// registered definition. Plan moves are not reconstructable from the
// journal, so after a restart they are cancelled and the allocator replans
// from the live book.
const rebalanceTaskID = "rebalance"

// rebalancePriority outranks ordinary farm tasks so capital moves drain
// first when slots are contended.
const rebalancePriority = 100

// rebalanceRetries is the per-move retry budget. A move that keeps failing
// ends the plan; the rest of it was computed on assumptions now stale.
const rebalanceRetries = 1

// taskEntry is the loop-side bookkeeping for one live (non-terminal)
// instance. Only the loop mutates it, under the engine mutex.
type taskEntry struct {
	inst      types.TaskInstance
	def       types.TaskDefinition // synthesized for rebalance moves
	proposal  types.ActionProposal // pre-sized plan move; zero for DAG tasks
	rebalance bool
	waitFor   string    // previous move's instance id in a rebalance chain
	dueAt     time.Time // earliest launch: fire time or backoff expiry
	denials   int       // transient risk-denial streak, drives denial backoff
	unknown   int       // unclassified adapter errors seen on this instance
}

// inflight tracks one launched attempt until its completion arrives.
type inflight struct {
	entry        *taskEntry
	attempt      int
	cancel       context.CancelFunc
	timeout      clock.Timer      // soft deadline: cancels the attempt context
	detach       clock.Timer      // hard deadline: abandons the worker
	cancelledFor types.ReasonCode // set when the loop aborted the attempt
}

// runState tracks one correlation id worth of instances. succeeded is keyed
// by definition id for DAG runs and by instance id for rebalance chains.
type runState struct {
	rebalance bool
	succeeded map[string]bool
	open      int // non-terminal instances remaining
}

type outcomeClass int

const (
	attemptExecuted   outcomeClass = iota // adapter returned an outcome
	attemptDenied                         // risk denied, nothing executed
	attemptNoCapital                      // allocator left no headroom
	attemptBelowFloor                     // downsize fell under the notional floor
	attemptAborted                        // failed before the adapter ran
	attemptDetached                       // hard deadline passed, abandon the worker
)

// completion is a worker's (or detach timer's) report back to the loop.
type completion struct {
	id       string
	attempt  int
	class    outcomeClass
	outcome  types.ActionOutcome // valid when class == attemptExecuted
	reason   types.ReasonCode    // deny reason
	errKind  types.ErrorKind     // abort classification
	err      error
	panicked bool
}

type commandKind int

const cmdRebalance commandKind = iota

type command struct {
	kind commandKind
}

// Snapshot is a live view of the scheduler for the operator API.
type Snapshot struct {
	Running   int                  `json:"running"`
	Pending   int                  `json:"pending"`
	Backoff   int                  `json:"backoff"`
	Runs      int                  `json:"runs"`
	Detached  int                  `json:"detached"`
	Draining  bool                 `json:"draining"`
	NextFires map[string]time.Time `json:"next_fires"`
}

// Engine owns the scheduler loop. Construct with New after the registry has
// been populated; Run blocks until ctx is cancelled.
type Engine struct {
	cfg      config.SchedulerConfig
	allocCfg config.AllocatorConfig

	registry *registry.Registry
	risk     *risk.Manager
	alloc    *alloc.Allocator
	adapters *adapter.Registry
	jrnl     *journal.Journal
	bus      *bus.Bus
	clk      clock.Clock
	logger   *slog.Logger

	wallets     map[string]types.Wallet
	protos      map[string]types.Protocol
	denyClass   map[string]string // deny reason → "transient" | "permanent"
	minNotional decimal.Decimal

	mu        sync.RWMutex
	entries   map[string]*taskEntry // live instances by id
	inflight  map[string]*inflight
	runs      map[string]*runState
	detached  map[string]int // instance id → attempt whose worker overstayed the grace
	perProto  map[string]int
	perWallet map[string]int
	nextFire  map[string]time.Time
	draining  bool
	planBusy  bool
	nextDrift time.Time
	nextRebal time.Time

	rebalCron cron.Schedule // nil when no rebalance cron is configured

	completions chan completion
	plans       chan []types.ActionProposal
	commands    chan command
	done        chan struct{}
}

// New wires the engine and replays the journal: RUNNING instances from the
// previous process become FAILED_TRANSIENT (the attempt died with it),
// PENDING and backoff states are re-queued, and instances whose definition
// is gone — rebalance moves included — are cancelled. The registry must be
// populated before New is called.
func New(cfg config.Config, reg *registry.Registry, riskMgr *risk.Manager,
	allocator *alloc.Allocator, adapters *adapter.Registry,
	jrnl *journal.Journal, eventBus *bus.Bus, clk clock.Clock,
	logger *slog.Logger) (*Engine, error) {

	e := &Engine{
		cfg:         cfg.Scheduler,
		allocCfg:    cfg.Allocator,
		registry:    reg,
		risk:        riskMgr,
		alloc:       allocator,
		adapters:    adapters,
		jrnl:        jrnl,
		bus:         eventBus,
		clk:         clk,
		logger:      logger.With("component", "engine"),
		wallets:     make(map[string]types.Wallet),
		protos:      make(map[string]types.Protocol),
		denyClass:   cfg.Risk.DenyClasses,
		minNotional: decimal.NewFromFloat(cfg.Risk.MinNotionalUSD),
		entries:     make(map[string]*taskEntry),
		inflight:    make(map[string]*inflight),
		runs:        make(map[string]*runState),
		detached:    make(map[string]int),
		perProto:    make(map[string]int),
		perWallet:   make(map[string]int),
		nextFire:    make(map[string]time.Time),
		completions: make(chan completion, 4*cfg.Scheduler.MaxConcurrentTasks+16),
		plans:       make(chan []types.ActionProposal, 1),
		commands:    make(chan command, 4),
		done:        make(chan struct{}),
	}
	for _, w := range cfg.RuntimeWallets() {
		e.wallets[w.ID] = w
	}
	for _, p := range cfg.RuntimeProtocols() {
		e.protos[p.ID] = p
	}
	if e.allocCfg.DriftCheckInterval <= 0 {
		e.allocCfg.DriftCheckInterval = time.Minute
	}
	if cfg.Allocator.RebalanceCron != "" {
		sched, err := cron.ParseStandard(cfg.Allocator.RebalanceCron)
		if err != nil {
			return nil, fmt.Errorf("parse allocator.rebalance_cron: %w", err)
		}
		e.rebalCron = sched
	}
	if err := e.recoverJournal(); err != nil {
		return nil, fmt.Errorf("recover journal: %w", err)
	}
	return e, nil
}

// Run executes the scheduler loop until ctx is cancelled, then drains
// in-flight workers up to the shutdown grace and journals whatever is left
// as FAILED_TRANSIENT so the next process retries it.
func (e *Engine) Run(ctx context.Context) error {
	now := e.clk.Now()
	if err := e.scheduleRoots(now); err != nil {
		return err
	}
	e.mu.Lock()
	e.nextDrift = now.Add(e.allocCfg.DriftCheckInterval)
	if e.rebalCron != nil {
		e.nextRebal = e.rebalCron.Next(now)
	}
	recovered := len(e.entries)
	roots := len(e.nextFire)
	e.mu.Unlock()

	e.logger.Info("scheduler started",
		"roots", roots,
		"recovered", recovered,
		"max_concurrent", e.cfg.MaxConcurrentTasks,
		"tick", e.cfg.TickInterval)

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return e.shutdown()
		case <-e.clk.After(e.cfg.TickInterval):
			e.tick(ctx)
		case c := <-e.completions:
			e.onCompletion(ctx, c)
		case moves := <-e.plans:
			e.onPlan(ctx, moves)
		case st := <-e.risk.TripCh():
			e.onTrip(st)
		case cmd := <-e.commands:
			e.onCommand(ctx, cmd)
		}
	}
}

// RebalanceNow asks the loop to plan a rebalance immediately, waiving the
// drift threshold. Returns ErrBusy when the command queue is full.
func (e *Engine) RebalanceNow() error {
	select {
	case e.commands <- command{kind: cmdRebalance}:
		return nil
	default:
		return ErrBusy
	}
}

// Snapshot reports the live scheduler state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := Snapshot{
		Running:   len(e.inflight),
		Runs:      len(e.runs),
		Detached:  len(e.detached),
		Draining:  e.draining,
		NextFires: make(map[string]time.Time, len(e.nextFire)),
	}
	for _, en := range e.entries {
		switch en.inst.State {
		case types.TaskPending:
			s.Pending++
		case types.TaskFailedTransient, types.TaskTimedOut:
			s.Backoff++
		}
	}
	for id, at := range e.nextFire {
		s.NextFires[id] = at
	}
	return s
}

// ————————————————————————————————————————————————————————————————————————
// Loop body
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) tick(ctx context.Context) {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requeueDueLocked(now)
	e.fireDueLocked(now)
	e.checkPlanningLocked(ctx, now)
	e.launchEligibleLocked(ctx, now)
}

// requeueDueLocked flips backoff states whose wait has elapsed to PENDING.
func (e *Engine) requeueDueLocked(now time.Time) {
	for _, en := range e.entries {
		if en.inst.State != types.TaskFailedTransient && en.inst.State != types.TaskTimedOut {
			continue
		}
		if en.dueAt.After(now) {
			continue
		}
		en.inst.State = types.TaskPending
		en.inst.UpdatedAt = now
		e.journalTransition(en.inst, "retry due")
	}
}

// fireDueLocked instantiates runs for root triggers that have come due. A
// paused root holds its slot, so fires missed while paused coalesce into one
// catch-up when it resumes; fires missed while the loop was stalled coalesce
// the same way because the next fire is computed from the instant the
// trigger actually fired.
func (e *Engine) fireDueLocked(now time.Time) {
	var due []string
	for id, at := range e.nextFire {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Strings(due)

	for _, id := range due {
		if !e.registry.Fireable(id) {
			if def, ok := e.registry.Definition(id); !ok || !def.Enabled {
				delete(e.nextFire, id) // disabled roots never fire again
			}
			continue
		}
		def, ok := e.registry.Definition(id)
		if !ok {
			delete(e.nextFire, id)
			continue
		}
		e.instantiateRunLocked(def, now)
		if next, ok := e.registry.NextFire(id, now); ok {
			e.nextFire[id] = next
		} else {
			delete(e.nextFire, id) // one-shot exhausted
		}
	}
}

// instantiateRunLocked creates PENDING instances for the root and every
// enabled descendant reachable through enabled dependencies, all stamped
// with the fire time and one fresh correlation id.
func (e *Engine) instantiateRunLocked(root types.TaskDefinition, now time.Time) {
	members := map[string]bool{root.ID: true}
	desc := e.registry.Descendants(root.ID)
	for changed := true; changed; {
		changed = false
		for _, id := range desc {
			if members[id] {
				continue
			}
			d, ok := e.registry.Definition(id)
			if !ok || !d.Enabled {
				continue
			}
			all := true
			for _, dep := range d.DependsOn {
				if !members[dep] {
					all = false
					break
				}
			}
			if all {
				members[id] = true
				changed = true
			}
		}
	}

	ordered := []string{root.ID}
	for _, id := range desc {
		if members[id] {
			ordered = append(ordered, id)
		}
	}

	corr := uuid.NewString()
	run := &runState{succeeded: make(map[string]bool)}
	for _, id := range ordered {
		def, _ := e.registry.Definition(id)
		inst := types.TaskInstance{
			ID:            uuid.NewString(),
			DefID:         id,
			DefVersion:    def.Version,
			CorrelationID: corr,
			ScheduledAt:   now,
			State:         types.TaskPending,
			UpdatedAt:     now,
		}
		e.journalTransition(inst, "fired")
		e.entries[inst.ID] = &taskEntry{inst: inst, def: def, dueAt: now}
		run.open++
		e.emitTask(types.EventTaskScheduled, types.SeverityInfo, inst, nil)
	}
	e.runs[corr] = run
	e.logger.Debug("run instantiated",
		"root", root.ID, "instances", run.open, "correlation_id", corr)
}

// launchEligibleLocked starts as many due, dependency-satisfied PENDING
// instances as the concurrency budgets allow. Selection order: priority
// descending, then scheduled time, then instance id. The circuit state is
// re-read on every call, so nothing launches while HALTED.
func (e *Engine) launchEligibleLocked(ctx context.Context, now time.Time) {
	if e.draining || e.risk.State().Kind == types.StateHalted {
		return
	}

	var ready []*taskEntry
	for _, en := range e.entries {
		if en.inst.State != types.TaskPending || en.dueAt.After(now) {
			continue
		}
		if !en.rebalance && !e.registry.Fireable(en.def.ID) {
			if def, ok := e.registry.Definition(en.def.ID); !ok || !def.Enabled {
				e.cancelLocked(en, types.ReasonOperator, now)
				continue
			}
			continue // paused: stays PENDING until resumed
		}
		if !e.depsMetLocked(en) {
			continue
		}
		ready = append(ready, en)
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.def.Priority != b.def.Priority {
			return a.def.Priority > b.def.Priority
		}
		if !a.inst.ScheduledAt.Equal(b.inst.ScheduledAt) {
			return a.inst.ScheduledAt.Before(b.inst.ScheduledAt)
		}
		return a.inst.ID < b.inst.ID
	})

	for _, en := range ready {
		if len(e.inflight) >= e.cfg.MaxConcurrentTasks {
			return
		}
		if e.perProto[en.def.Protocol] >= e.cfg.MaxPerProtocol {
			continue
		}
		if e.perWallet[en.def.Wallet] >= e.cfg.MaxPerWallet {
			continue
		}
		e.launchLocked(ctx, en, now)
	}
}

func (e *Engine) depsMetLocked(en *taskEntry) bool {
	run := e.runs[en.inst.CorrelationID]
	if run == nil {
		return true
	}
	if en.rebalance {
		return en.waitFor == "" || run.succeeded[en.waitFor]
	}
	for _, dep := range en.def.DependsOn {
		if !run.succeeded[dep] {
			return false
		}
	}
	return true
}

// launchLocked transitions the instance to RUNNING and hands the attempt to
// a worker goroutine with a soft deadline (cancels the attempt context) and
// a hard detach deadline (abandons the worker).
func (e *Engine) launchLocked(ctx context.Context, en *taskEntry, now time.Time) {
	en.inst.Attempt++
	en.inst.State = types.TaskRunning
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, fmt.Sprintf("attempt %d", en.inst.Attempt))
	e.emitTask(types.EventTaskStarted, types.SeverityInfo, en.inst, map[string]any{
		"protocol": en.def.Protocol,
		"wallet":   en.def.Wallet,
	})

	e.perProto[en.def.Protocol]++
	e.perWallet[en.def.Wallet]++

	timeout := en.def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	actx, cancel := context.WithCancel(ctx)
	fl := &inflight{entry: en, attempt: en.inst.Attempt, cancel: cancel}
	id, attempt := en.inst.ID, en.inst.Attempt
	fl.timeout = e.clk.AfterFunc(timeout, cancel)
	fl.detach = e.clk.AfterFunc(timeout+e.cfg.TimeoutGrace, func() {
		select {
		case e.completions <- completion{id: id, attempt: attempt, class: attemptDetached}:
		case <-e.done:
		}
	})
	e.inflight[id] = fl

	go e.runAttempt(actx, attemptArgs{
		inst:      en.inst,
		def:       en.def,
		proposal:  en.proposal,
		rebalance: en.rebalance,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Completions
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) onCompletion(ctx context.Context, c completion) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clk.Now()

	// A worker we already abandoned. Record the truth if it executed, but
	// its instance has moved on. Matched by attempt: the instance itself may
	// be retrying under a newer attempt whose completions must flow normally.
	if at, ok := e.detached[c.id]; ok && at == c.attempt {
		if c.class == attemptDetached {
			return
		}
		delete(e.detached, c.id)
		if c.class == attemptExecuted {
			e.recordOutcomeLocked(c.outcome)
			e.logger.Warn("detached worker returned, outcome recorded",
				"instance", c.id, "success", c.outcome.Success)
		}
		return
	}

	fl, ok := e.inflight[c.id]
	if !ok || fl.attempt != c.attempt {
		if c.class == attemptExecuted {
			e.recordOutcomeLocked(c.outcome)
			e.logger.Warn("stale attempt outcome recorded",
				"instance", c.id, "attempt", c.attempt)
		}
		return
	}
	en := fl.entry

	if c.class == attemptDetached {
		// Hard deadline: abandon the worker, free the slots, move on. A
		// late outcome from the zombie is still journaled above.
		e.releaseSlotLocked(fl)
		fl.timeout.Stop()
		fl.cancel()
		e.detached[c.id] = c.attempt
		en.inst.LastError = "worker detached after timeout grace"
		e.timeoutLocked(en, now, "worker detached after timeout grace")
		e.launchEligibleLocked(ctx, now)
		return
	}

	e.releaseSlotLocked(fl)
	timedOut := !fl.timeout.Stop()
	fl.detach.Stop()
	fl.cancel()

	switch c.class {
	case attemptExecuted:
		out := c.outcome
		if fl.cancelledFor != "" && !out.Success {
			// The loop aborted this attempt. Keep the outcome for audit but
			// out of the risk windows: a mass cancellation must not read as
			// an elevated failure rate.
			if err := e.jrnl.AppendOutcome(out); err != nil {
				e.logger.Error("journal outcome", "instance", out.InstanceID, "error", err)
			}
			e.risk.Release(c.id)
			e.cancelLocked(en, fl.cancelledFor, now)
			break
		}
		e.recordOutcomeLocked(out)
		switch {
		case out.Success:
			e.succeedLocked(en, out, now)
		case timedOut || out.ErrKind == types.ErrKindTimeout:
			en.inst.LastError = out.Err
			e.timeoutLocked(en, now, "deadline exceeded")
		default:
			e.adapterFailureLocked(en, out, now)
		}

	case attemptDenied, attemptNoCapital, attemptBelowFloor:
		switch {
		case fl.cancelledFor != "":
			e.cancelLocked(en, fl.cancelledFor, now)
		case timedOut:
			en.inst.LastError = "deadline exceeded before execution"
			e.timeoutLocked(en, now, "deadline exceeded before execution")
		default:
			e.gatedLocked(en, c, now)
		}

	case attemptAborted:
		if c.panicked {
			e.risk.ReportCritical("adapter", c.err)
		}
		if fl.cancelledFor != "" {
			e.cancelLocked(en, fl.cancelledFor, now)
			break
		}
		e.abortFailureLocked(en, c, now)
	}

	e.launchEligibleLocked(ctx, now)
}

func (e *Engine) releaseSlotLocked(fl *inflight) {
	delete(e.inflight, fl.entry.inst.ID)
	e.perProto[fl.entry.def.Protocol]--
	e.perWallet[fl.entry.def.Wallet]--
}

// recordOutcomeLocked journals the outcome and settles risk accounting, in
// that order: the outcome is durable before the reservation is released.
func (e *Engine) recordOutcomeLocked(out types.ActionOutcome) {
	if err := e.jrnl.AppendOutcome(out); err != nil {
		e.logger.Error("journal outcome", "instance", out.InstanceID, "error", err)
		e.risk.ReportCritical("engine", err)
	}
	e.risk.RecordOutcome(out)
}

func (e *Engine) succeedLocked(en *taskEntry, out types.ActionOutcome, now time.Time) {
	en.inst.State = types.TaskSucceeded
	en.inst.LastError = ""
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, "ok")
	e.emitTask(types.EventTaskSucceeded, types.SeverityInfo, en.inst, map[string]any{
		"notional_usd": out.NotionalUSD.String(),
		"pnl_usd":      out.RealizedPnLUSD.String(),
		"gas_usd":      out.GasUSD.String(),
	})
	if run := e.runs[en.inst.CorrelationID]; run != nil {
		if en.rebalance {
			run.succeeded[en.inst.ID] = true
		} else {
			run.succeeded[en.def.ID] = true
		}
	}
	e.closeEntryLocked(en)
}

// timeoutLocked journals TIMED_OUT and schedules a retry within budget, or
// promotes to FAILED_PERMANENT when the budget is spent.
func (e *Engine) timeoutLocked(en *taskEntry, now time.Time, detail string) {
	en.inst.State = types.TaskTimedOut
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, detail)
	if en.inst.Attempt > en.def.MaxRetries {
		e.failPermanentLocked(en, now, detail+" with retry budget exhausted")
		return
	}
	en.dueAt = now.Add(e.backoff(en.inst.Attempt))
	e.emitTask(types.EventTaskRetrying, types.SeverityWarn, en.inst, map[string]any{
		"cause":    "timeout",
		"retry_at": en.dueAt,
	})
}

// adapterFailureLocked maps an executed-but-failed outcome onto a retry or
// a permanent failure.
func (e *Engine) adapterFailureLocked(en *taskEntry, out types.ActionOutcome, now time.Time) {
	en.inst.LastError = out.Err
	kind := e.classifyKind(en, out.ErrKind)
	detail := fmt.Sprintf("adapter failure: %s", kind)
	if kind.Transient() {
		e.transientFailLocked(en, now, detail, true)
		return
	}
	e.failPermanentLocked(en, now, detail)
}

// gatedLocked handles attempts stopped before execution by risk or sizing.
// These do not consume the retry budget: the environment said no, the task
// did not fail.
func (e *Engine) gatedLocked(en *taskEntry, c completion, now time.Time) {
	switch c.class {
	case attemptDenied:
		en.inst.LastError = string(c.reason)
		if e.denialClass(c.reason) == "permanent" {
			e.failPermanentLocked(en, now, "risk denied: "+string(c.reason))
			return
		}
		e.transientFailLocked(en, now, "risk denied: "+string(c.reason), false)
	case attemptNoCapital:
		en.inst.LastError = "no allocation headroom"
		e.transientFailLocked(en, now, "no allocation headroom", false)
	case attemptBelowFloor:
		en.inst.LastError = "downsized below notional floor"
		e.transientFailLocked(en, now, "downsized below notional floor", false)
	}
}

func (e *Engine) abortFailureLocked(en *taskEntry, c completion, now time.Time) {
	if c.err != nil {
		en.inst.LastError = c.err.Error()
	}
	if c.panicked {
		e.failPermanentLocked(en, now, "adapter panic")
		return
	}
	kind := e.classifyKind(en, c.errKind)
	detail := fmt.Sprintf("attempt aborted: %s", kind)
	if kind.Transient() {
		e.transientFailLocked(en, now, detail, true)
		return
	}
	e.failPermanentLocked(en, now, detail)
}

// classifyKind applies the unknown-error policy: the first unclassified
// failure on an instance retries as transient_rpc, a repeat is treated as
// permanent_config.
func (e *Engine) classifyKind(en *taskEntry, kind types.ErrorKind) types.ErrorKind {
	if kind.Known() && kind != types.ErrKindNone {
		return kind
	}
	en.unknown++
	if en.unknown > 1 {
		return types.ErrKindPermanentConfig
	}
	return types.ErrKindTransientRPC
}

// transientFailLocked journals FAILED_TRANSIENT and schedules the retry.
// Budgeted failures burn an attempt and promote to FAILED_PERMANENT once
// the budget is spent; unbudgeted ones (risk and sizing gates) refund the
// launch and back off on their own streak.
func (e *Engine) transientFailLocked(en *taskEntry, now time.Time, detail string, budgeted bool) {
	if budgeted && en.inst.Attempt > en.def.MaxRetries {
		e.failPermanentLocked(en, now, detail+" (retry budget exhausted)")
		return
	}
	exp := en.inst.Attempt
	if !budgeted {
		en.inst.Attempt-- // not counted against retries
		en.denials++
		exp = en.denials
		detail += " (not counted against retries)"
	}
	en.inst.State = types.TaskFailedTransient
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, detail)
	en.dueAt = now.Add(e.backoff(exp))
	e.emitTask(types.EventTaskRetrying, types.SeverityWarn, en.inst, map[string]any{
		"cause":    detail,
		"retry_at": en.dueAt,
	})
}

func (e *Engine) failPermanentLocked(en *taskEntry, now time.Time, detail string) {
	en.inst.State = types.TaskFailedPermanent
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, detail)
	e.emitTask(types.EventTaskFailed, types.SeverityError, en.inst, map[string]any{
		"detail": detail,
	})
	e.cascadeLocked(en, now)
	e.closeEntryLocked(en)
}

func (e *Engine) cancelLocked(en *taskEntry, reason types.ReasonCode, now time.Time) {
	en.inst.State = types.TaskCancelled
	en.inst.LastError = string(reason)
	en.inst.UpdatedAt = now
	e.journalTransition(en.inst, string(reason))
	e.emitTask(types.EventTaskFailed, types.SeverityWarn, en.inst, map[string]any{
		"reason": string(reason),
	})
	e.closeEntryLocked(en)
}

// cascadeLocked cancels everything downstream of a permanently failed
// instance: DAG descendants in the same run, or the rest of a rebalance
// chain, whose later moves were computed assuming this one settled.
func (e *Engine) cascadeLocked(en *taskEntry, now time.Time) {
	victims := e.runEntriesLocked(en.inst.CorrelationID)
	var desc map[string]bool
	if !en.rebalance {
		desc = make(map[string]bool)
		for _, id := range e.registry.Descendants(en.def.ID) {
			desc[id] = true
		}
	}
	for _, other := range victims {
		if other == en {
			continue
		}
		if !en.rebalance && !desc[other.inst.DefID] {
			continue
		}
		if _, running := e.inflight[other.inst.ID]; running {
			continue
		}
		e.cancelLocked(other, types.ReasonUpstreamFailed, now)
	}
}

// runEntriesLocked returns the live entries of one run, sorted by instance
// id for deterministic journaling.
func (e *Engine) runEntriesLocked(corr string) []*taskEntry {
	var out []*taskEntry
	for _, en := range e.entries {
		if en.inst.CorrelationID == corr {
			out = append(out, en)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].inst.ID < out[j].inst.ID })
	return out
}

// closeEntryLocked removes a terminal instance and settles its run. When
// the last instance of a rebalance plan closes, the allocator's plan latch
// is released.
func (e *Engine) closeEntryLocked(en *taskEntry) {
	delete(e.entries, en.inst.ID)
	run := e.runs[en.inst.CorrelationID]
	if run == nil {
		return
	}
	run.open--
	if run.open > 0 {
		return
	}
	delete(e.runs, en.inst.CorrelationID)
	if run.rebalance {
		e.alloc.PlanDone(en.inst.CorrelationID)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Circuit, planning, commands
// ————————————————————————————————————————————————————————————————————————

// onTrip cancels in-flight attempts and pending rebalance moves. Ordinary
// PENDING instances stay queued; they launch again after an operator reset.
func (e *Engine) onTrip(st types.RiskState) {
	e.mu.Lock()
	now := e.clk.Now()
	cancelled := 0
	for _, fl := range e.inflight {
		if fl.cancelledFor == "" {
			fl.cancelledFor = types.ReasonCircuitOpen
			fl.cancel()
			cancelled++
		}
	}
	var moves []*taskEntry
	for _, en := range e.entries {
		if !en.rebalance || en.inst.State.Terminal() {
			continue
		}
		if _, running := e.inflight[en.inst.ID]; running {
			continue
		}
		moves = append(moves, en)
	}
	sort.Slice(moves, func(i, j int) bool { return moves[i].inst.ID < moves[j].inst.ID })
	for _, en := range moves {
		e.cancelLocked(en, types.ReasonCircuitOpen, now)
	}
	e.mu.Unlock()

	e.logger.Warn("circuit tripped, in-flight work cancelled",
		"reason", st.Reason, "cancelled", cancelled, "plan_moves_dropped", len(moves))
}

// checkPlanningLocked spawns one planning pass when the drift-check
// interval or the rebalance cron comes due. The timers advance even when
// the pass is skipped, so a HALTED stretch does not queue up stale passes.
func (e *Engine) checkPlanningLocked(ctx context.Context, now time.Time) {
	scheduled := e.rebalCron != nil && !e.nextRebal.After(now)
	drift := !e.nextDrift.After(now)
	if !scheduled && !drift {
		return
	}
	if scheduled {
		e.nextRebal = e.rebalCron.Next(now)
	}
	if drift {
		e.nextDrift = now.Add(e.allocCfg.DriftCheckInterval)
	}
	if e.planBusy || e.draining || e.alloc.Pending() {
		return
	}
	if e.risk.State().Kind == types.StateHalted {
		return
	}
	e.planBusy = true
	go e.planWorker(ctx, scheduled)
}

// planWorker runs off-loop: planning reads the portfolio, which may refresh
// over the network. The result, empty or not, is reported back so the loop
// clears the busy flag.
func (e *Engine) planWorker(ctx context.Context, scheduled bool) {
	var moves []types.ActionProposal
	var err error
	if scheduled {
		moves, err = e.alloc.PlanScheduled(ctx)
	} else {
		moves, err = e.alloc.PlanRebalance(ctx)
	}
	if err != nil {
		e.logger.Warn("rebalance planning failed", "scheduled", scheduled, "error", err)
	}
	select {
	case e.plans <- moves:
	case <-e.done:
	}
}

// onPlan enqueues a rebalance plan as a linear chain of one-shot instances:
// each move waits for the previous one, all under the plan's correlation id.
func (e *Engine) onPlan(ctx context.Context, moves []types.ActionProposal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planBusy = false
	if len(moves) == 0 {
		return
	}
	corr := moves[0].CorrelationID
	if e.draining || e.risk.State().Kind == types.StateHalted {
		e.alloc.PlanDone(corr)
		e.logger.Info("rebalance plan dropped", "correlation_id", corr)
		return
	}

	now := e.clk.Now()
	run := &runState{rebalance: true, succeeded: make(map[string]bool)}
	prev := ""
	for _, mv := range moves {
		def := types.TaskDefinition{
			ID:          rebalanceTaskID,
			Kind:        types.ActionRebalance,
			Protocol:    mv.Protocol,
			Wallet:      mv.Wallet,
			Priority:    rebalancePriority,
			MaxRetries:  rebalanceRetries,
			Timeout:     e.cfg.DefaultTimeout,
			NotionalUSD: mv.NotionalUSD,
		}
		inst := types.TaskInstance{
			ID:            mv.InstanceID,
			DefID:         rebalanceTaskID,
			CorrelationID: corr,
			ScheduledAt:   now,
			State:         types.TaskPending,
			UpdatedAt:     now,
		}
		e.journalTransition(inst, "rebalance planned")
		e.entries[inst.ID] = &taskEntry{
			inst: inst, def: def, proposal: mv,
			rebalance: true, waitFor: prev, dueAt: now,
		}
		run.open++
		prev = inst.ID
		e.emitTask(types.EventTaskScheduled, types.SeverityInfo, inst, map[string]any{
			"from":         mv.FromProtocol,
			"to":           mv.Protocol,
			"notional_usd": mv.NotionalUSD.String(),
		})
	}
	e.runs[corr] = run
	e.logger.Info("rebalance plan enqueued", "moves", len(moves), "correlation_id", corr)
	e.launchEligibleLocked(ctx, now)
}

func (e *Engine) onCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdRebalance:
		e.mu.Lock()
		skip := e.planBusy || e.draining || e.alloc.Pending() ||
			e.risk.State().Kind == types.StateHalted
		if !skip {
			e.planBusy = true
		}
		e.mu.Unlock()
		if skip {
			e.logger.Info("operator rebalance skipped, planner unavailable")
			return
		}
		e.logger.Info("operator rebalance requested")
		go e.planWorker(ctx, true)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Shutdown and recovery
// ————————————————————————————————————————————————————————————————————————

// shutdown cancels all in-flight attempts, drains completions up to the
// grace period, and journals abandoned attempts as FAILED_TRANSIENT so the
// next process retries them. Workers that never return are left behind; the
// process is exiting anyway.
func (e *Engine) shutdown() error {
	e.mu.Lock()
	e.draining = true
	inFlight := len(e.inflight)
	for _, fl := range e.inflight {
		if fl.cancelledFor == "" {
			fl.cancelledFor = types.ReasonShutdown
		}
		fl.cancel()
	}
	e.mu.Unlock()
	e.logger.Info("scheduler draining", "in_flight", inFlight)

	grace := e.clk.After(e.cfg.ShutdownGrace)
drain:
	for {
		e.mu.RLock()
		remaining := len(e.inflight)
		e.mu.RUnlock()
		if remaining == 0 {
			break
		}
		select {
		case c := <-e.completions:
			e.onCompletion(context.Background(), c)
		case <-grace:
			break drain
		}
	}

	e.mu.Lock()
	var abandoned []*inflight
	for _, fl := range e.inflight {
		abandoned = append(abandoned, fl)
	}
	sort.Slice(abandoned, func(i, j int) bool {
		return abandoned[i].entry.inst.ID < abandoned[j].entry.inst.ID
	})
	now := e.clk.Now()
	for _, fl := range abandoned {
		fl.timeout.Stop()
		fl.detach.Stop()
		en := fl.entry
		en.inst.State = types.TaskFailedTransient
		en.inst.LastError = string(types.ReasonShutdown)
		en.inst.UpdatedAt = now
		e.journalTransition(en.inst, "shutdown with worker still running")
	}
	e.inflight = make(map[string]*inflight)
	e.mu.Unlock()

	close(e.done)
	e.logger.Info("scheduler stopped", "abandoned", len(abandoned))
	return nil
}

// scheduleRoots seeds the fire times for every triggered root. Fires missed
// while the process was down coalesce into one catch-up fire stamped now;
// one-shots whose moment passed unfired still execute once.
func (e *Engine) scheduleRoots(now time.Time) error {
	last, err := e.jrnl.LastFireTimes()
	if err != nil {
		return fmt.Errorf("load last fire times: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, def := range e.registry.Roots() {
		if prev, fired := last[def.ID]; fired {
			next, ok := e.registry.NextFire(def.ID, prev)
			if !ok {
				continue // one-shot already ran
			}
			if next.After(now) {
				e.nextFire[def.ID] = next
			} else {
				e.nextFire[def.ID] = now // catch-up, coalesced
			}
			continue
		}
		if first, ok := e.registry.InitialFire(def.ID, now); ok {
			e.nextFire[def.ID] = first
		}
	}
	return nil
}

// recoverJournal rebuilds loop state from open instances: correlation runs
// are reconstructed, dead attempts become retries within budget, and
// instances whose definitions are gone or whose upstream already failed are
// cancelled. No events are emitted for pre-restart history.
func (e *Engine) recoverJournal() error {
	now := e.clk.Now()
	open, err := e.jrnl.OpenInstances()
	if err != nil {
		return err
	}
	if len(open) == 0 {
		return nil
	}

	byCorr := make(map[string][]types.TaskInstance)
	for _, inst := range open {
		byCorr[inst.CorrelationID] = append(byCorr[inst.CorrelationID], inst)
	}
	corrs := make([]string, 0, len(byCorr))
	for corr := range byCorr {
		corrs = append(corrs, corr)
	}
	sort.Strings(corrs)

	requeued, cancelled := 0, 0
	for _, corr := range corrs {
		rows, err := e.jrnl.InstancesByCorrelation(corr)
		if err != nil {
			return err
		}
		succeeded := make(map[string]bool)
		failed := make(map[string]bool)
		for _, r := range rows {
			switch r.State {
			case types.TaskSucceeded:
				succeeded[r.DefID] = true
			case types.TaskFailedPermanent, types.TaskCancelled:
				failed[r.DefID] = true
			}
		}

		// First pass: settle what cannot continue, so the second pass sees
		// the full set of failed definitions.
		var survivors []types.TaskInstance
		for _, inst := range byCorr[corr] {
			def, known := e.registry.Definition(inst.DefID)
			if !known {
				inst.State = types.TaskCancelled
				inst.LastError = string(types.ReasonRestart)
				inst.UpdatedAt = now
				e.journalTransition(inst, "definition not registered after restart")
				failed[inst.DefID] = true
				cancelled++
				continue
			}
			budgetSpent := inst.Attempt > def.MaxRetries
			switch inst.State {
			case types.TaskRunning:
				if budgetSpent {
					inst.State = types.TaskFailedPermanent
					inst.LastError = string(types.ReasonRestart)
					inst.UpdatedAt = now
					e.journalTransition(inst, "restart with retry budget exhausted")
					failed[inst.DefID] = true
					continue
				}
				inst.State = types.TaskFailedTransient
				inst.LastError = string(types.ReasonRestart)
				inst.UpdatedAt = now
				e.journalTransition(inst, "attempt lost to restart")
			case types.TaskFailedTransient, types.TaskTimedOut:
				if budgetSpent {
					inst.State = types.TaskFailedPermanent
					inst.LastError = string(types.ReasonRestart)
					inst.UpdatedAt = now
					e.journalTransition(inst, "restart with retry budget exhausted")
					failed[inst.DefID] = true
					continue
				}
			}
			survivors = append(survivors, inst)
		}

		run := &runState{succeeded: succeeded}
		for _, inst := range survivors {
			def, _ := e.registry.Definition(inst.DefID)
			if e.ancestorFailed(def, failed) {
				inst.State = types.TaskCancelled
				inst.LastError = string(types.ReasonUpstreamFailed)
				inst.UpdatedAt = now
				e.journalTransition(inst, "upstream failed before restart")
				cancelled++
				continue
			}
			en := &taskEntry{inst: inst, def: def, dueAt: now}
			switch inst.State {
			case types.TaskPending:
				if inst.ScheduledAt.After(now) {
					en.dueAt = inst.ScheduledAt
				}
			default:
				exp := inst.Attempt
				if exp < 1 {
					exp = 1
				}
				en.dueAt = now.Add(e.backoff(exp))
			}
			e.entries[inst.ID] = en
			run.open++
			requeued++
		}
		if run.open > 0 {
			e.runs[corr] = run
		}
	}

	e.logger.Info("journal recovered",
		"open", len(open), "requeued", requeued, "cancelled", cancelled)
	return nil
}

// ancestorFailed walks the dependency edges upward looking for a definition
// that failed permanently or was cancelled.
func (e *Engine) ancestorFailed(def types.TaskDefinition, failed map[string]bool) bool {
	for _, dep := range def.DependsOn {
		if failed[dep] {
			return true
		}
		if d, ok := e.registry.Definition(dep); ok && e.ancestorFailed(d, failed) {
			return true
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

// backoff computes base·2^(exp-1) capped at max_backoff, then draws a full
// jitter: any wait up to that bound.
func (e *Engine) backoff(exp int) time.Duration {
	if exp < 1 {
		exp = 1
	}
	d := e.cfg.RetryBaseBackoff
	for i := 1; i < exp; i++ {
		d *= 2
		if d >= e.cfg.MaxBackoff {
			break
		}
	}
	if d > e.cfg.MaxBackoff {
		d = e.cfg.MaxBackoff
	}
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// denialClass maps a deny reason to "transient" or "permanent" per config.
// Unmapped reasons are transient: risk denials are environmental by default.
func (e *Engine) denialClass(reason types.ReasonCode) string {
	if c, ok := e.denyClass[string(reason)]; ok {
		return c
	}
	return "transient"
}

func (e *Engine) journalTransition(inst types.TaskInstance, detail string) {
	if err := e.jrnl.RecordTransition(inst, detail); err != nil {
		e.logger.Error("journal transition",
			"instance", inst.ID, "state", inst.State, "error", err)
		e.risk.ReportCritical("engine", err)
	}
}

func (e *Engine) emitTask(t types.EventType, sev types.Severity, inst types.TaskInstance, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any, 4)
	}
	fields["instance"] = inst.ID
	fields["task"] = inst.DefID
	fields["state"] = string(inst.State)
	fields["attempt"] = inst.Attempt
	e.bus.Publish(bus.TopicTasks, types.Event{
		Timestamp:     e.clk.Now(),
		Type:          t,
		Severity:      sev,
		CorrelationID: inst.CorrelationID,
		Fields:        fields,
	})
}
