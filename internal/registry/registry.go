// Package registry stores task definitions and the dependency graph between
// them. Registration validates trigger shape, cron syntax, dependency
// references, acyclicity, and run roots as one batch; the scheduler then
// queries it for next fire times and DAG topology. Definitions are immutable
// per id+version and soft-deleted rather than removed.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"airdrop-farmer/internal/journal"
	"airdrop-farmer/pkg/types"
)

// Validation errors surfaced at registration. All are configuration errors:
// the process refuses to start when startup registration hits one.
var (
	ErrCycleDetected     = errors.New("dependency cycle detected")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrUnknownTask       = errors.New("unknown task")
)

// Registry is the authoritative store of task definitions. Operational state
// (paused, disabled) lives alongside the immutable definitions and gates
// firing without mutating them. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	jrnl   *journal.Journal

	mu         sync.RWMutex
	defs       map[string]types.TaskDefinition // latest version per id
	schedules  map[string]cron.Schedule        // parsed cron triggers
	successors map[string][]string             // id → direct dependents, sorted
	paused     map[string]bool
}

// New returns an empty registry persisting definitions to jrnl.
func New(jrnl *journal.Journal, logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger.With("component", "registry"),
		jrnl:       jrnl,
		defs:       make(map[string]types.TaskDefinition),
		schedules:  make(map[string]cron.Schedule),
		successors: make(map[string][]string),
		paused:     make(map[string]bool),
	}
}

// RegisterAll validates defs as one batch together with everything already
// registered, then persists and installs them. Any failure rejects the whole
// batch. A definition id already present may only be superseded by a higher
// version.
func (r *Registry) RegisterAll(defs []types.TaskDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := make(map[string]types.TaskDefinition, len(defs))
	schedules := make(map[string]cron.Schedule, len(defs))
	for _, def := range defs {
		if def.ID == "" {
			return fmt.Errorf("task id is required")
		}
		if def.Version <= 0 {
			return fmt.Errorf("task %q: version must be >= 1", def.ID)
		}
		if _, dup := batch[def.ID]; dup {
			return fmt.Errorf("task %q: appears twice in one batch", def.ID)
		}
		if old, ok := r.defs[def.ID]; ok && def.Version <= old.Version {
			return fmt.Errorf("task %q: version %d already registered at version %d; definitions are immutable",
				def.ID, def.Version, old.Version)
		}
		sched, err := parseTrigger(def)
		if err != nil {
			return err
		}
		if sched != nil {
			schedules[def.ID] = sched
		}
		batch[def.ID] = def
	}

	// Graph checks run over the union of existing and new definitions so a
	// later batch cannot invalidate an earlier one.
	union := make(map[string]types.TaskDefinition, len(r.defs)+len(batch))
	for id, def := range r.defs {
		union[id] = def
	}
	for id, def := range batch {
		union[id] = def
	}

	for _, id := range sortedIDs(union) {
		for _, dep := range union[id].DependsOn {
			if _, ok := union[dep]; !ok {
				return fmt.Errorf("task %q: %w: %q", id, ErrUnknownDependency, dep)
			}
		}
	}
	if err := checkAcyclic(union); err != nil {
		return err
	}
	if err := checkRunRoots(union); err != nil {
		return err
	}

	for _, id := range sortedIDs(batch) {
		def := batch[id]
		if err := r.jrnl.SaveDefinition(def); err != nil {
			return err
		}
		r.defs[id] = def
		delete(r.schedules, id)
		if sched, ok := schedules[id]; ok {
			r.schedules[id] = sched
		}
		r.logger.Info("task registered",
			"task", id, "version", def.Version, "protocol", def.Protocol, "deps", len(def.DependsOn))
	}
	r.rebuildSuccessors()
	return nil
}

// parseTrigger validates the trigger shape and returns the parsed cron
// schedule when the trigger is a cron expression. Root tasks carry exactly
// one trigger; dependent tasks carry none and fire from their upstream run.
func parseTrigger(def types.TaskDefinition) (cron.Schedule, error) {
	trig := def.Trigger
	set := 0
	if trig.Cron != "" {
		set++
	}
	if trig.Interval != 0 {
		set++
	}
	if !trig.At.IsZero() {
		set++
	}
	switch {
	case set > 1:
		return nil, fmt.Errorf("task %q: at most one trigger (cron, interval, at) may be set", def.ID)
	case set == 0 && len(def.DependsOn) == 0:
		return nil, fmt.Errorf("task %q: a trigger is required for tasks without dependencies", def.ID)
	case set == 1 && len(def.DependsOn) > 0:
		return nil, fmt.Errorf("task %q: dependent tasks fire from their upstream run and cannot carry a trigger", def.ID)
	}

	if trig.Interval < 0 {
		return nil, fmt.Errorf("task %q: interval must be > 0", def.ID)
	}
	if trig.Jitter < 0 || trig.Jitter > trig.Interval {
		return nil, fmt.Errorf("task %q: jitter must be in [0, interval]", def.ID)
	}
	if trig.Cron == "" {
		if trig.Timezone != "" {
			return nil, fmt.Errorf("task %q: timezone is only meaningful with a cron trigger", def.ID)
		}
		return nil, nil
	}

	expr := trig.Cron
	if trig.Timezone != "" {
		expr = "CRON_TZ=" + trig.Timezone + " " + expr
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("task %q: parse cron %q: %w", def.ID, trig.Cron, err)
	}
	return sched, nil
}

// checkAcyclic rejects dependency cycles, naming the cycle path in the error.
func checkAcyclic(defs map[string]types.TaskDefinition) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(defs))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		stack = append(stack, id)

		deps := append([]string(nil), defs[id].DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			switch color[dep] {
			case gray:
				i := 0
				for stack[i] != dep {
					i++
				}
				path := append(append([]string(nil), stack[i:]...), dep)
				return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(path, " -> "))
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range sortedIDs(defs) {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkRunRoots enforces exactly one triggered definition per weakly
// connected component of the graph. A component with several triggered
// members would make it ambiguous which fire instantiates the shared
// descendants of a run.
func checkRunRoots(defs map[string]types.TaskDefinition) error {
	adj := make(map[string][]string, len(defs))
	for id, def := range defs {
		for _, dep := range def.DependsOn {
			adj[id] = append(adj[id], dep)
			adj[dep] = append(adj[dep], id)
		}
	}

	seen := make(map[string]bool, len(defs))
	for _, start := range sortedIDs(defs) {
		if seen[start] {
			continue
		}
		var component, roots []string
		queue := []string{start}
		seen[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			component = append(component, id)
			if !defs[id].Trigger.Empty() {
				roots = append(roots, id)
			}
			for _, next := range adj[id] {
				if !seen[next] {
					seen[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(roots) != 1 {
			sort.Strings(component)
			sort.Strings(roots)
			return fmt.Errorf("tasks [%s]: a run needs exactly one triggered root, got %d [%s]",
				strings.Join(component, ", "), len(roots), strings.Join(roots, ", "))
		}
	}
	return nil
}

func (r *Registry) rebuildSuccessors() {
	succ := make(map[string][]string, len(r.defs))
	for id, def := range r.defs {
		for _, dep := range def.DependsOn {
			succ[dep] = append(succ[dep], id)
		}
	}
	for dep := range succ {
		sort.Strings(succ[dep])
	}
	r.successors = succ
}

// ————————————————————————————————————————————————————————————————————————
// Fire-time queries
// ————————————————————————————————————————————————————————————————————————

// InitialFire returns the first fire for a definition with no recorded
// fires. One-shots return their At even when it is already past, so a
// moment that elapsed while the process was down still executes once; the
// caller treats any returned time at or before now as immediately due.
func (r *Registry) InitialFire(id string, now time.Time) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok || !def.Enabled {
		return time.Time{}, false
	}
	trig := def.Trigger
	switch {
	case trig.Cron != "":
		return r.cronNext(id, now)
	case trig.Interval > 0:
		return withJitter(now.Add(trig.Interval), trig.Jitter), true
	case !trig.At.IsZero():
		return trig.At, true
	default:
		return time.Time{}, false
	}
}

// NextFire returns the next fire strictly after the given instant, usually
// the previous fire time, or false when the definition never fires again
// (trigger-less, one-shot already fired, disabled, or unknown).
func (r *Registry) NextFire(id string, after time.Time) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[id]
	if !ok || !def.Enabled {
		return time.Time{}, false
	}
	trig := def.Trigger
	switch {
	case trig.Cron != "":
		return r.cronNext(id, after)
	case trig.Interval > 0:
		return withJitter(after.Add(trig.Interval), trig.Jitter), true
	case !trig.At.IsZero():
		if trig.At.After(after) {
			return trig.At, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func (r *Registry) cronNext(id string, after time.Time) (time.Time, bool) {
	next := r.schedules[id].Next(after)
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func withJitter(t time.Time, jitter time.Duration) time.Time {
	if jitter <= 0 {
		return t
	}
	return t.Add(time.Duration(rand.Int63n(int64(jitter) + 1)))
}

// ————————————————————————————————————————————————————————————————————————
// Operational state
// ————————————————————————————————————————————————————————————————————————

// Pause gates the definition's firing without unregistering it.
func (r *Registry) Pause(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("pause: %w: %q", ErrUnknownTask, id)
	}
	r.paused[id] = true
	r.logger.Info("task paused", "task", id)
	return nil
}

// Resume lifts a pause.
func (r *Registry) Resume(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[id]; !ok {
		return fmt.Errorf("resume: %w: %q", ErrUnknownTask, id)
	}
	delete(r.paused, id)
	r.logger.Info("task resumed", "task", id)
	return nil
}

// Disable soft-deletes the definition: it stays for audit and history but
// never fires again. There is no re-enable; register a new version instead.
func (r *Registry) Disable(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.defs[id]
	if !ok {
		return fmt.Errorf("disable: %w: %q", ErrUnknownTask, id)
	}
	if err := r.jrnl.SetDefinitionEnabled(id, false); err != nil {
		return err
	}
	def.Enabled = false
	r.defs[id] = def
	r.logger.Info("task disabled", "task", id)
	return nil
}

// Fireable reports whether the definition may fire now: registered, enabled,
// and not paused. The engine checks this at every fire.
func (r *Registry) Fireable(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return ok && def.Enabled && !r.paused[id]
}

// ————————————————————————————————————————————————————————————————————————
// Topology queries
// ————————————————————————————————————————————————————————————————————————

// Definition returns the latest registered version of id.
func (r *Registry) Definition(id string) (types.TaskDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// Definitions returns every registered definition, disabled included,
// sorted by id.
func (r *Registry) Definitions() []types.TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.TaskDefinition, 0, len(r.defs))
	for _, id := range sortedIDs(r.defs) {
		out = append(out, r.defs[id])
	}
	return out
}

// Roots returns the enabled trigger-bearing definitions sorted by id. The
// engine derives its fire schedule from these; dependents fire when their
// run reaches them.
func (r *Registry) Roots() []types.TaskDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.TaskDefinition
	for _, id := range sortedIDs(r.defs) {
		def := r.defs[id]
		if def.Enabled && !def.Trigger.Empty() {
			out = append(out, def)
		}
	}
	return out
}

// Successors returns the direct dependents of id, sorted.
func (r *Registry) Successors(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.successors[id]...)
}

// Descendants returns every transitive dependent of id, sorted. Cascade
// cancellation walks this set when a predecessor fails permanently.
func (r *Registry) Descendants(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{id: true}
	queue := append([]string(nil), r.successors[id]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, r.successors[next]...)
	}
	sort.Strings(out)
	return out
}

// ReadySuccessors returns the direct dependents of id whose dependencies all
// satisfy done. The engine calls it with a closure over the run's succeeded
// instances when a predecessor completes.
func (r *Registry) ReadySuccessors(id string, done func(string) bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ready []string
	for _, succ := range r.successors[id] {
		met := true
		for _, dep := range r.defs[succ].DependsOn {
			if !done(dep) {
				met = false
				break
			}
		}
		if met {
			ready = append(ready, succ)
		}
	}
	return ready
}

func sortedIDs(defs map[string]types.TaskDefinition) []string {
	ids := make([]string, 0, len(defs))
	for id := range defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
