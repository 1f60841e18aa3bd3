// Package eventlog implements the durable event log and run snapshot store
// (spec.md §4.A) over database/sql, against either modernc.org/sqlite
// (the default, embedded, zero-config backend) or Postgres via
// jackc/pgx/v5's stdlib driver. Schema migrations run through
// pressly/goose/v3 against the embedded migration set in ./migrations.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "modernc.org/sqlite"             // registers the "sqlite" driver

	"github.com/flowforge/dagrunner/internal/eventlog/migrations"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("eventlog: not found")

// Store is the durable event log and run snapshot store.
type Store struct {
	db     *sql.DB
	driver string
}

// Open opens (creating if necessary) the store at dsn using driverName
// ("sqlite" or "pgx") and migrates it to the latest schema version.
func Open(ctx context.Context, driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("eventlog: ping %s: %w", driverName, err)
	}

	goose.SetBaseFS(migrations.FS)
	dialect := driverName
	if dialect == "pgx" {
		dialect = "postgres"
	}
	if err := goose.SetDialect(dialect); err != nil {
		return nil, fmt.Errorf("eventlog: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}

	return &Store{db: db, driver: driverName}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying connection pool so other packages (runqueue)
// backed by the same schema can share one pool instead of opening a second.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the driver name the store was opened with ("sqlite" or
// "pgx"), so callers sharing the pool can pick the same placeholder dialect.
func (s *Store) Driver() string { return s.driver }

// rebind rewrites a query written with "?" placeholders into the target
// driver's native placeholder syntax ("?" for sqlite, "$1, $2, ..." for pgx).
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *Store) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(query), args...)
}

func (s *Store) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.rebind(query), args...)
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UpsertRun idempotently writes a run's current snapshot, keyed by run id.
func (s *Store) UpsertRun(ctx context.Context, run *rundata.Run, trace []rundata.Event) error {
	dagJSON, err := toJSON(run.DAGDef)
	if err != nil {
		return fmt.Errorf("eventlog: marshal dag: %w", err)
	}
	runJSON, err := toJSON(run)
	if err != nil {
		return fmt.Errorf("eventlog: marshal run: %w", err)
	}
	traceJSON, err := toJSON(trace)
	if err != nil {
		return fmt.Errorf("eventlog: marshal trace: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO dag_runs (id, dag_name, status, dag_json, run_json, trace_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			run_json = excluded.run_json,
			trace_json = excluded.trace_json,
			updated_at = excluded.updated_at
	`, run.ID, run.DAGName, string(run.Status), dagJSON, runJSON, traceJSON, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		return fmt.Errorf("eventlog: upsert run %s: %w", run.ID, err)
	}
	return nil
}

// AppendEvent assigns the next monotonic sequence number to event and
// persists it. The returned seq must be written back onto the live event
// before fan-out, per spec.md §4.A.
func (s *Store) AppendEvent(ctx context.Context, event rundata.Event) (int64, error) {
	dataJSON, err := toJSON(event.Data)
	if err != nil {
		return 0, fmt.Errorf("eventlog: marshal event data: %w", err)
	}

	res, err := s.exec(ctx, `
		INSERT INTO dag_events (run_id, event_type, block_id, data_json, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, event.RunID, string(event.Type), nullableString(event.BlockID), dataJSON, event.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("eventlog: append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("eventlog: read event seq: %w", err)
	}
	return seq, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// EventsSince returns events for runID with seq > sinceSeq, ascending.
func (s *Store) EventsSince(ctx context.Context, runID string, sinceSeq int64) ([]rundata.Event, error) {
	rows, err := s.query(ctx, `
		SELECT id, run_id, event_type, block_id, data_json, timestamp
		FROM dag_events
		WHERE run_id = ? AND id > ?
		ORDER BY id ASC
	`, runID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("eventlog: events since: %w", err)
	}
	defer rows.Close()

	var events []rundata.Event
	for rows.Next() {
		var (
			ev       rundata.Event
			blockID  sql.NullString
			dataJSON string
		)
		if err := rows.Scan(&ev.Seq, &ev.RunID, &ev.Type, &blockID, &dataJSON, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("eventlog: scan event: %w", err)
		}
		ev.BlockID = blockID.String
		data, err := value.ParseJSON([]byte(dataJSON))
		if err != nil {
			return nil, fmt.Errorf("eventlog: unmarshal event data: %w", err)
		}
		ev.Data = data
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertApproval idempotently writes an approval request row.
func (s *Store) UpsertApproval(ctx context.Context, req rundata.ApprovalRequest) error {
	payloadJSON, err := toJSON(req.ContextPreview)
	if err != nil {
		return fmt.Errorf("eventlog: marshal approval payload: %w", err)
	}

	_, err = s.exec(ctx, `
		INSERT INTO dag_approvals (token, run_id, block_id, status, prompt, requested_at, decided_at, notes, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (token) DO UPDATE SET
			status = excluded.status,
			decided_at = excluded.decided_at,
			notes = excluded.notes,
			payload_json = excluded.payload_json
	`, req.Token, req.RunID, req.BlockID, string(req.Status), req.Prompt, req.RequestedAt, req.DecidedAt, nullableString(req.Notes), payloadJSON)
	if err != nil {
		return fmt.Errorf("eventlog: upsert approval %s: %w", req.Token, err)
	}
	return nil
}

// LatestPendingApproval returns the most recently requested pending
// approval for runID, or ErrNotFound if none.
func (s *Store) LatestPendingApproval(ctx context.Context, runID string) (rundata.ApprovalRequest, error) {
	row := s.queryRow(ctx, `
		SELECT token, run_id, block_id, status, prompt, requested_at, decided_at, notes
		FROM dag_approvals
		WHERE run_id = ? AND status = ?
		ORDER BY requested_at DESC
		LIMIT 1
	`, runID, string(rundata.ApprovalPending))

	var (
		req       rundata.ApprovalRequest
		notes     sql.NullString
		decidedAt sql.NullTime
	)
	if err := row.Scan(&req.Token, &req.RunID, &req.BlockID, &req.Status, &req.Prompt, &req.RequestedAt, &decidedAt, &notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rundata.ApprovalRequest{}, ErrNotFound
		}
		return rundata.ApprovalRequest{}, fmt.Errorf("eventlog: latest pending approval: %w", err)
	}
	req.Notes = notes.String
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

// GetApproval fetches the approval request for token, or ErrNotFound.
func (s *Store) GetApproval(ctx context.Context, token string) (rundata.ApprovalRequest, error) {
	row := s.queryRow(ctx, `
		SELECT token, run_id, block_id, status, prompt, requested_at, decided_at, notes
		FROM dag_approvals
		WHERE token = ?
	`, token)

	var (
		req       rundata.ApprovalRequest
		notes     sql.NullString
		decidedAt sql.NullTime
	)
	if err := row.Scan(&req.Token, &req.RunID, &req.BlockID, &req.Status, &req.Prompt, &req.RequestedAt, &decidedAt, &notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rundata.ApprovalRequest{}, ErrNotFound
		}
		return rundata.ApprovalRequest{}, fmt.Errorf("eventlog: get approval %s: %w", token, err)
	}
	req.Notes = notes.String
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	return req, nil
}

// RunExists reports whether a run with the given id has been persisted.
func (s *Store) RunExists(ctx context.Context, runID string) (bool, error) {
	var n int
	row := s.queryRow(ctx, `SELECT COUNT(1) FROM dag_runs WHERE id = ?`, runID)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("eventlog: run exists: %w", err)
	}
	return n > 0, nil
}

// RunRow is the raw persisted row for a run, prior to any event-fold.
type RunRow struct {
	ID        string
	DAGName   string
	Status    string
	DAGJSON   string
	RunJSON   string
	TraceJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RunRow fetches the raw persisted row for runID.
func (s *Store) RunRow(ctx context.Context, runID string) (RunRow, error) {
	row := s.queryRow(ctx, `
		SELECT id, dag_name, status, dag_json, run_json, trace_json, created_at, updated_at
		FROM dag_runs WHERE id = ?
	`, runID)

	var r RunRow
	if err := row.Scan(&r.ID, &r.DAGName, &r.Status, &r.DAGJSON, &r.RunJSON, &r.TraceJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRow{}, ErrNotFound
		}
		return RunRow{}, fmt.Errorf("eventlog: run row: %w", err)
	}
	return r, nil
}

// ListRuns returns up to limit runs' raw rows, most recently updated first,
// for GET /api/dag/runs (SPEC_FULL.md §6).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, `
		SELECT id, dag_name, status, dag_json, run_json, trace_json, created_at, updated_at
		FROM dag_runs ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.ID, &r.DAGName, &r.Status, &r.DAGJSON, &r.RunJSON, &r.TraceJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrphanCandidates returns ids of runs in a non-terminal status whose
// updated_at is older than threshold — candidates for orphan reconciliation
// (spec.md §4.A).
func (s *Store) OrphanCandidates(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.query(ctx, `
		SELECT id FROM dag_runs
		WHERE status IN (?, ?, ?) AND updated_at < ?
	`, string(rundata.RunPending), string(rundata.RunRunning), string(rundata.RunPausedApproval), olderThan)
	if err != nil {
		return nil, fmt.Errorf("eventlog: orphan candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("eventlog: scan orphan candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
