// Package journal persists scheduler, risk, and allocation state in an
// embedded SQLite database (WAL mode, pure-Go driver). Restart recovery and
// the rolling P&L / momentum windows read back from here. All writes are
// appends or single-row upserts; history tables are never mutated in place.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // pure Go SQLite driver

	"airdrop-farmer/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_definitions (
    id         TEXT    NOT NULL,
    version    INTEGER NOT NULL,
    body       TEXT    NOT NULL,
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS task_instances (
    id             TEXT PRIMARY KEY,
    def_id         TEXT    NOT NULL,
    def_version    INTEGER NOT NULL,
    correlation_id TEXT    NOT NULL,
    scheduled_at   INTEGER NOT NULL,
    attempt        INTEGER NOT NULL,
    state          TEXT    NOT NULL,
    last_error     TEXT,
    updated_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_instances_state ON task_instances(state);

CREATE TABLE IF NOT EXISTS task_transitions (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    state       TEXT NOT NULL,
    detail      TEXT,
    at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_transitions_instance ON task_transitions(instance_id);

CREATE TABLE IF NOT EXISTS risk_state_history (
    seq    INTEGER PRIMARY KEY AUTOINCREMENT,
    kind   TEXT NOT NULL,
    reason TEXT,
    since  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS allocation_history (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    algorithm   TEXT NOT NULL,
    weights     TEXT NOT NULL,
    computed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS action_outcomes (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id      TEXT NOT NULL,
    correlation_id   TEXT,
    wallet           TEXT,
    protocol         TEXT,
    from_protocol    TEXT,
    kind             TEXT,
    success          INTEGER NOT NULL,
    tx_hashes        TEXT,
    err_kind         TEXT,
    err              TEXT,
    notional_usd     TEXT NOT NULL,
    realized_pnl_usd TEXT NOT NULL,
    gas_usd          TEXT NOT NULL,
    at               INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_action_outcomes_at ON action_outcomes(at);
CREATE INDEX IF NOT EXISTS idx_action_outcomes_protocol ON action_outcomes(protocol);
`

// Journal is the embedded store. Safe for concurrent use; writes serialize
// on a single connection.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema exists.
// Pass ":memory:" for an ephemeral store in tests.
func Open(path string) (*Journal, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer connection. SQLite serializes writes anyway; a single
	// connection also keeps ":memory:" databases from fragmenting per conn.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Task definitions
// ————————————————————————————————————————————————————————————————————————

// SaveDefinition persists a definition. id+version rows are immutable; a
// re-save of the same id+version is ignored.
func (j *Journal) SaveDefinition(def types.TaskDefinition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition %s: %w", def.ID, err)
	}
	_, err = j.db.Exec(
		`INSERT INTO task_definitions (id, version, body, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id, version) DO NOTHING`,
		def.ID, def.Version, string(body), boolToInt(def.Enabled), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save definition %s: %w", def.ID, err)
	}
	return nil
}

// SetDefinitionEnabled flips the soft-delete flag for every version of id.
func (j *Journal) SetDefinitionEnabled(id string, enabled bool) error {
	_, err := j.db.Exec(`UPDATE task_definitions SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set definition %s enabled: %w", id, err)
	}
	return nil
}

// Definitions returns the latest version of every stored definition.
func (j *Journal) Definitions() ([]types.TaskDefinition, error) {
	rows, err := j.db.Query(
		`SELECT body FROM task_definitions d
		 WHERE version = (SELECT MAX(version) FROM task_definitions WHERE id = d.id)
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	defer rows.Close()

	var out []types.TaskDefinition
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		var def types.TaskDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Task instances
// ————————————————————————————————————————————————————————————————————————

// RecordTransition upserts the instance's current row and appends to the
// transition log in one transaction.
func (j *Journal) RecordTransition(inst types.TaskInstance, detail string) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO task_instances
		   (id, def_id, def_version, correlation_id, scheduled_at, attempt, state, last_error, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   attempt = excluded.attempt,
		   state = excluded.state,
		   last_error = excluded.last_error,
		   updated_at = excluded.updated_at`,
		inst.ID, inst.DefID, inst.DefVersion, inst.CorrelationID,
		inst.ScheduledAt.UnixNano(), inst.Attempt, string(inst.State),
		inst.LastError, inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert instance %s: %w", inst.ID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO task_transitions (instance_id, state, detail, at) VALUES (?, ?, ?, ?)`,
		inst.ID, string(inst.State), detail, inst.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append transition %s: %w", inst.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition %s: %w", inst.ID, err)
	}
	return nil
}

// Instance looks up one instance by id.
func (j *Journal) Instance(id string) (types.TaskInstance, bool, error) {
	row := j.db.QueryRow(
		`SELECT id, def_id, def_version, correlation_id, scheduled_at, attempt, state, last_error, updated_at
		 FROM task_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return types.TaskInstance{}, false, nil
	}
	if err != nil {
		return types.TaskInstance{}, false, fmt.Errorf("load instance %s: %w", id, err)
	}
	return inst, true, nil
}

// OpenInstances returns every non-terminal instance in one consistent read,
// for restart recovery.
func (j *Journal) OpenInstances() ([]types.TaskInstance, error) {
	rows, err := j.db.Query(
		`SELECT id, def_id, def_version, correlation_id, scheduled_at, attempt, state, last_error, updated_at
		 FROM task_instances
		 WHERE state IN (?, ?, ?, ?)
		 ORDER BY scheduled_at`,
		string(types.TaskPending), string(types.TaskRunning),
		string(types.TaskFailedTransient), string(types.TaskTimedOut),
	)
	if err != nil {
		return nil, fmt.Errorf("load open instances: %w", err)
	}
	defer rows.Close()

	var out []types.TaskInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// InstancesByCorrelation returns every instance of one logical run, oldest
// first. Restart recovery uses it to rebuild DAG gating: terminal
// predecessors must stay visible so open successors know whether to fire.
func (j *Journal) InstancesByCorrelation(corrID string) ([]types.TaskInstance, error) {
	rows, err := j.db.Query(
		`SELECT id, def_id, def_version, correlation_id, scheduled_at, attempt, state, last_error, updated_at
		 FROM task_instances
		 WHERE correlation_id = ?
		 ORDER BY scheduled_at, id`, corrID)
	if err != nil {
		return nil, fmt.Errorf("load instances for %s: %w", corrID, err)
	}
	defer rows.Close()

	var out []types.TaskInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// LastFireTimes returns the newest scheduled time per definition id. The
// scheduler uses it after a restart to coalesce fires missed during downtime
// into a single catch-up fire.
func (j *Journal) LastFireTimes() (map[string]time.Time, error) {
	rows, err := j.db.Query(`SELECT def_id, MAX(scheduled_at) FROM task_instances GROUP BY def_id`)
	if err != nil {
		return nil, fmt.Errorf("load last fire times: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var defID string
		var at int64
		if err := rows.Scan(&defID, &at); err != nil {
			return nil, fmt.Errorf("scan last fire: %w", err)
		}
		out[defID] = time.Unix(0, at).UTC()
	}
	return out, rows.Err()
}

// CountsByState aggregates instances for the operator status surface.
func (j *Journal) CountsByState() (map[types.TaskState]int, error) {
	rows, err := j.db.Query(`SELECT state, COUNT(*) FROM task_instances GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}
	defer rows.Close()

	out := make(map[types.TaskState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[types.TaskState(state)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(r rowScanner) (types.TaskInstance, error) {
	var inst types.TaskInstance
	var scheduledAt, updatedAt int64
	var state string
	err := r.Scan(&inst.ID, &inst.DefID, &inst.DefVersion, &inst.CorrelationID,
		&scheduledAt, &inst.Attempt, &state, &inst.LastError, &updatedAt)
	if err != nil {
		return inst, err
	}
	inst.ScheduledAt = time.Unix(0, scheduledAt).UTC()
	inst.State = types.TaskState(state)
	inst.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return inst, nil
}

// ————————————————————————————————————————————————————————————————————————
// Risk state history
// ————————————————————————————————————————————————————————————————————————

// AppendRiskState records a circuit transition.
func (j *Journal) AppendRiskState(st types.RiskState) error {
	_, err := j.db.Exec(
		`INSERT INTO risk_state_history (kind, reason, since) VALUES (?, ?, ?)`,
		string(st.Kind), string(st.Reason), st.Since.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append risk state: %w", err)
	}
	return nil
}

// RiskHistory returns the most recent transitions, newest first.
func (j *Journal) RiskHistory(limit int) ([]types.RiskState, error) {
	rows, err := j.db.Query(
		`SELECT kind, reason, since FROM risk_state_history ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load risk history: %w", err)
	}
	defer rows.Close()

	var out []types.RiskState
	for rows.Next() {
		var kind, reason string
		var since int64
		if err := rows.Scan(&kind, &reason, &since); err != nil {
			return nil, fmt.Errorf("scan risk state: %w", err)
		}
		out = append(out, types.RiskState{
			Kind:   types.RiskStateKind(kind),
			Reason: types.ReasonCode(reason),
			Since:  time.Unix(0, since).UTC(),
		})
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Allocation history
// ————————————————————————————————————————————————————————————————————————

// AppendAllocation records a recomputed target.
func (j *Journal) AppendAllocation(target types.AllocationTarget) error {
	weights, err := json.Marshal(target.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = j.db.Exec(
		`INSERT INTO allocation_history (algorithm, weights, computed_at) VALUES (?, ?, ?)`,
		target.Algorithm, string(weights), target.ComputedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append allocation: %w", err)
	}
	return nil
}

// LatestAllocation returns the newest stored target, if any.
func (j *Journal) LatestAllocation() (types.AllocationTarget, bool, error) {
	row := j.db.QueryRow(
		`SELECT algorithm, weights, computed_at FROM allocation_history ORDER BY seq DESC LIMIT 1`)

	var algo, weightsJSON string
	var computedAt int64
	err := row.Scan(&algo, &weightsJSON, &computedAt)
	if err == sql.ErrNoRows {
		return types.AllocationTarget{}, false, nil
	}
	if err != nil {
		return types.AllocationTarget{}, false, fmt.Errorf("load latest allocation: %w", err)
	}

	var weights map[string]float64
	if err := json.Unmarshal([]byte(weightsJSON), &weights); err != nil {
		return types.AllocationTarget{}, false, fmt.Errorf("unmarshal weights: %w", err)
	}
	return types.AllocationTarget{
		Weights:    weights,
		Algorithm:  algo,
		ComputedAt: time.Unix(0, computedAt).UTC(),
	}, true, nil
}

// ————————————————————————————————————————————————————————————————————————
// Action outcomes
// ————————————————————————————————————————————————————————————————————————

// AppendOutcome records one adapter result. Append-only.
func (j *Journal) AppendOutcome(o types.ActionOutcome) error {
	hashes, err := json.Marshal(o.TxHashes)
	if err != nil {
		return fmt.Errorf("marshal tx hashes: %w", err)
	}
	_, err = j.db.Exec(
		`INSERT INTO action_outcomes
		   (instance_id, correlation_id, wallet, protocol, from_protocol, kind,
		    success, tx_hashes, err_kind, err, notional_usd, realized_pnl_usd, gas_usd, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.InstanceID, o.CorrelationID, o.Wallet, o.Protocol, o.FromProtocol, string(o.Kind),
		boolToInt(o.Success), string(hashes), string(o.ErrKind), o.Err,
		o.NotionalUSD.String(), o.RealizedPnLUSD.String(), o.GasUSD.String(),
		o.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append outcome %s: %w", o.InstanceID, err)
	}
	return nil
}

// OutcomesSince returns outcomes with timestamp >= t, oldest first. Feeds
// the rolling loss window at startup and the momentum allocator.
func (j *Journal) OutcomesSince(t time.Time) ([]types.ActionOutcome, error) {
	rows, err := j.db.Query(
		`SELECT instance_id, correlation_id, wallet, protocol, from_protocol, kind,
		        success, tx_hashes, err_kind, err, notional_usd, realized_pnl_usd, gas_usd, at
		 FROM action_outcomes WHERE at >= ? ORDER BY at`, t.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("load outcomes: %w", err)
	}
	defer rows.Close()

	var out []types.ActionOutcome
	for rows.Next() {
		var o types.ActionOutcome
		var kind, errKind, hashes, notional, pnl, gas string
		var success int
		var at int64
		err := rows.Scan(&o.InstanceID, &o.CorrelationID, &o.Wallet, &o.Protocol, &o.FromProtocol,
			&kind, &success, &hashes, &errKind, &o.Err, &notional, &pnl, &gas, &at)
		if err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Kind = types.ActionKind(kind)
		o.Success = success == 1
		o.ErrKind = types.ErrorKind(errKind)
		o.Timestamp = time.Unix(0, at).UTC()
		if err := json.Unmarshal([]byte(hashes), &o.TxHashes); err != nil {
			return nil, fmt.Errorf("unmarshal tx hashes: %w", err)
		}
		if o.NotionalUSD, err = decimal.NewFromString(notional); err != nil {
			return nil, fmt.Errorf("parse notional: %w", err)
		}
		if o.RealizedPnLUSD, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("parse pnl: %w", err)
		}
		if o.GasUSD, err = decimal.NewFromString(gas); err != nil {
			return nil, fmt.Errorf("parse gas: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
