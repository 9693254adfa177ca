// Package runindex implements the run index (C12): a thin, driver-portable
// SQL repository of workflow run summaries, kept in sync with the event bus
// but never authoritative over the persistent store (C5).
//
// Grounded on the teacher's internal/workflow/repository package for the
// sqlx.DB-wrapping-repository shape and its initSchema/dialect-aware-column
// pattern (internal/db/dialect), and on internal/persistence/provider.go for
// driver selection by environment variable.
package runindex

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/raymondcli/raymond/internal/workflow/bus"
)

// Outcome classifies how a run summary row ended.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
)

// RunSummary is one row of the workflow_runs table (SPEC_FULL §3).
type RunSummary struct {
	WorkflowID   string     `db:"workflow_id"`
	ScopeDir     string     `db:"scope_dir"`
	StartedAt    time.Time  `db:"started_at"`
	EndedAt      *time.Time `db:"ended_at"`
	Outcome      Outcome    `db:"outcome"`
	TotalCostUSD float64    `db:"total_cost_usd"`
	AgentCount   int        `db:"agent_count"`
}

// Index is a sqlx-backed repository of run summaries.
type Index struct {
	db *sqlx.DB
}

// Open wraps an existing *sql.DB (opened by the caller with sql.Open on the
// sqlite3 or pgx driver) and ensures the workflow_runs table exists.
func Open(conn *sql.DB, driverName string) (*Index, error) {
	db := sqlx.NewDb(conn, driverName)
	idx := &Index{db: db}
	if err := idx.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize run index schema: %w", err)
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		workflow_id TEXT PRIMARY KEY,
		scope_dir TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		outcome TEXT NOT NULL,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		agent_count INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// Upsert inserts or replaces the row for summary.WorkflowID.
func (idx *Index) Upsert(ctx context.Context, s RunSummary) error {
	_, err := idx.db.NamedExecContext(ctx, idx.db.Rebind(`
		INSERT INTO workflow_runs (workflow_id, scope_dir, started_at, ended_at, outcome, total_cost_usd, agent_count)
		VALUES (:workflow_id, :scope_dir, :started_at, :ended_at, :outcome, :total_cost_usd, :agent_count)
		ON CONFLICT (workflow_id) DO UPDATE SET
			ended_at = excluded.ended_at,
			outcome = excluded.outcome,
			total_cost_usd = excluded.total_cost_usd,
			agent_count = excluded.agent_count
	`), s)
	return err
}

// List returns every run summary, most recently started first.
func (idx *Index) List(ctx context.Context) ([]RunSummary, error) {
	var rows []RunSummary
	err := idx.db.SelectContext(ctx, &rows, `SELECT * FROM workflow_runs ORDER BY started_at DESC`)
	return rows, err
}

// Get returns the summary for a single workflow id.
func (idx *Index) Get(ctx context.Context, workflowID string) (RunSummary, error) {
	var s RunSummary
	err := idx.db.GetContext(ctx, &s, idx.db.Rebind(`SELECT * FROM workflow_runs WHERE workflow_id = ?`), workflowID)
	return s, err
}

// Observer is a bus subscriber that keeps the run index in sync with
// workflow lifecycle events. All writes are best-effort: a failure is
// logged by the caller-supplied errFn, never propagated (§4.12, mirroring
// C11's observer isolation).
type Observer struct {
	idx   *Index
	errFn func(error)
}

// NewObserver builds an Observer; errFn may be nil to discard errors.
func NewObserver(idx *Index, errFn func(error)) *Observer {
	if errFn == nil {
		errFn = func(error) {}
	}
	return &Observer{idx: idx, errFn: errFn}
}

// Register subscribes the observer to the lifecycle events it tracks.
func (o *Observer) Register(b *bus.Bus) {
	b.Subscribe(bus.WorkflowStarted, o.onStarted)
	b.Subscribe(bus.WorkflowCompleted, o.onTerminal(OutcomeCompleted))
	b.Subscribe(bus.WorkflowPaused, o.onTerminal(OutcomePaused))
}

func (o *Observer) onStarted(e bus.Event) {
	scopeDir, _ := e.Payload["scopeDir"].(string)
	agentCount, _ := e.Payload["agentCount"].(int)
	err := o.idx.Upsert(context.Background(), RunSummary{
		WorkflowID: e.WorkflowID, ScopeDir: scopeDir, StartedAt: time.Unix(0, e.Timestamp),
		Outcome: OutcomeRunning, AgentCount: agentCount,
	})
	if err != nil {
		o.errFn(err)
	}
}

func (o *Observer) onTerminal(outcome Outcome) bus.Handler {
	return func(e bus.Event) {
		existing, err := o.idx.Get(context.Background(), e.WorkflowID)
		if err != nil {
			existing = RunSummary{WorkflowID: e.WorkflowID, StartedAt: time.Unix(0, e.Timestamp)}
		}
		now := time.Unix(0, e.Timestamp)
		totalCost, _ := e.Payload["totalCostUsd"].(float64)
		existing.EndedAt = &now
		existing.Outcome = outcome
		if totalCost > 0 {
			existing.TotalCostUSD = totalCost
		}
		if err := o.idx.Upsert(context.Background(), existing); err != nil {
			o.errFn(err)
		}
	}
}
