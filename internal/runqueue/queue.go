// Package runqueue implements the durable run-admission queue: priority +
// manual-rank ordering and lease-based claiming over the same SQL store the
// event log uses (spec.md §4.B).
package runqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/flowforge/dagrunner/internal/rundata"
)

// ErrNoneReady is returned by ClaimNext when no entry is pending.
var ErrNoneReady = errors.New("runqueue: no pending entries")

// ErrNotFound is returned when a lookup finds no matching queue entry.
var ErrNotFound = errors.New("runqueue: not found")

// ErrInvalidState is returned when an operation requiring a pending entry
// is attempted against one that's already claimed/running/terminal.
var ErrInvalidState = errors.New("runqueue: invalid state")

// Queue wraps a *sql.DB already migrated by eventlog.Open (both packages
// share the same database).
type Queue struct {
	db     *sql.DB
	driver string
}

// New wraps an already-open, already-migrated database handle.
func New(db *sql.DB, driverName string) *Queue {
	return &Queue{db: db, driver: driverName}
}

func (q *Queue) rebind(query string) string {
	if q.driver != "pgx" {
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

// Enqueue writes a pending entry for runID.
func (q *Queue) Enqueue(ctx context.Context, runID string, priority int, manualRank *int, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("runqueue: marshal payload: %w", err)
	}
	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO dag_run_queue (run_id, status, priority, manual_rank, attempt, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
	`), runID, string(rundata.QueuePending), priority, manualRank, string(payloadJSON), now, now)
	if err != nil {
		return fmt.Errorf("runqueue: enqueue %s: %w", runID, err)
	}
	return nil
}

// Claim is the result of a successful ClaimNext.
type Claim struct {
	RunID      string
	ClaimToken string
	Payload    json.RawMessage
}

// ClaimNext expires any claimed entry whose lease has elapsed back to
// pending, then claims the head of the ordering — manual_rank ascending
// (nulls last), priority descending, created_at ascending — for owner,
// within one transaction so concurrent pumps never double-admit the same
// run (spec.md §4.B, §5 "Shared-resource policy").
func (q *Queue) ClaimNext(ctx context.Context, owner string, leaseDuration time.Duration) (*Claim, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("runqueue: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, q.rebind(`
		UPDATE dag_run_queue SET status = ?, claim_owner = NULL, claim_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`), string(rundata.QueuePending), now, string(rundata.QueueClaimed), now); err != nil {
		return nil, fmt.Errorf("runqueue: expire stale leases: %w", err)
	}

	row := tx.QueryRowContext(ctx, q.rebind(`
		SELECT run_id, payload_json FROM dag_run_queue
		WHERE status = ?
		ORDER BY (manual_rank IS NULL) ASC, manual_rank ASC, priority DESC, created_at ASC
		LIMIT 1
	`), string(rundata.QueuePending))

	var (
		runID   string
		payload string
	)
	if err := row.Scan(&runID, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoneReady
		}
		return nil, fmt.Errorf("runqueue: select head: %w", err)
	}

	token := claimToken()
	lease := now.Add(leaseDuration)
	res, err := tx.ExecContext(ctx, q.rebind(`
		UPDATE dag_run_queue SET status = ?, claim_owner = ?, claim_token = ?, lease_expires_at = ?, attempt = attempt + 1, updated_at = ?
		WHERE run_id = ? AND status = ?
	`), string(rundata.QueueClaimed), owner, token, lease, now, runID, string(rundata.QueuePending))
	if err != nil {
		return nil, fmt.Errorf("runqueue: claim %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("runqueue: claim rows affected: %w", err)
	}
	if affected == 0 {
		// Another pump claimed it between our SELECT and UPDATE.
		return nil, ErrNoneReady
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("runqueue: commit claim: %w", err)
	}
	return &Claim{RunID: runID, ClaimToken: token, Payload: json.RawMessage(payload)}, nil
}

// MarkRunning transitions a claimed entry to running, renewing its lease.
func (q *Queue) MarkRunning(ctx context.Context, runID, owner, token string, leaseDuration time.Duration) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE dag_run_queue SET status = ?, lease_expires_at = ?, started_at = ?, updated_at = ?
		WHERE run_id = ? AND claim_owner = ? AND claim_token = ?
	`), string(rundata.QueueRunning), now.Add(leaseDuration), now, now, runID, owner, token)
	if err != nil {
		return fmt.Errorf("runqueue: mark running %s: %w", runID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("runqueue: mark running %s: claim mismatch", runID)
	}
	return nil
}

// MarkTerminal transitions an entry to a terminal queue status.
func (q *Queue) MarkTerminal(ctx context.Context, runID string, status rundata.QueueStatus, lastError string) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE dag_run_queue SET status = ?, last_error = ?, finished_at = ?, updated_at = ?
		WHERE run_id = ?
	`), string(status), nullableString(lastError), now, now, runID)
	if err != nil {
		return fmt.Errorf("runqueue: mark terminal %s: %w", runID, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get fetches one queue entry by run id.
func (q *Queue) Get(ctx context.Context, runID string) (rundata.QueueEntry, error) {
	row := q.db.QueryRowContext(ctx, q.rebind(`
		SELECT run_id, status, priority, manual_rank, claim_owner, claim_token, lease_expires_at,
		       attempt, payload_json, last_error, created_at, updated_at, started_at, finished_at
		FROM dag_run_queue WHERE run_id = ?
	`), runID)
	entry, err := scanQueueEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rundata.QueueEntry{}, ErrNotFound
		}
		return rundata.QueueEntry{}, fmt.Errorf("runqueue: get %s: %w", runID, err)
	}
	return entry, nil
}

// List returns every queue entry in the same ordering ClaimNext would
// consume them in (spec.md §6 "GET /api/dag/queue").
func (q *Queue) List(ctx context.Context) ([]rundata.QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(`
		SELECT run_id, status, priority, manual_rank, claim_owner, claim_token, lease_expires_at,
		       attempt, payload_json, last_error, created_at, updated_at, started_at, finished_at
		FROM dag_run_queue
		ORDER BY (manual_rank IS NULL) ASC, manual_rank ASC, priority DESC, created_at ASC
	`))
	if err != nil {
		return nil, fmt.Errorf("runqueue: list: %w", err)
	}
	defer rows.Close()

	var out []rundata.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("runqueue: scan entry: %w", err)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueEntry(row rowScanner) (rundata.QueueEntry, error) {
	var (
		e                      rundata.QueueEntry
		manualRank             sql.NullInt64
		claimOwner, claimToken sql.NullString
		leaseExpiresAt         sql.NullTime
		lastError              sql.NullString
		startedAt, finishedAt  sql.NullTime
		payload                string
	)
	if err := row.Scan(&e.RunID, &e.Status, &e.Priority, &manualRank, &claimOwner, &claimToken, &leaseExpiresAt,
		&e.Attempt, &payload, &lastError, &e.CreatedAt, &e.UpdatedAt, &startedAt, &finishedAt); err != nil {
		return rundata.QueueEntry{}, err
	}
	if manualRank.Valid {
		rank := int(manualRank.Int64)
		e.ManualRank = &rank
	}
	e.ClaimOwner = claimOwner.String
	e.ClaimToken = claimToken.String
	if leaseExpiresAt.Valid {
		e.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	e.LastError = lastError.String
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	e.Payload = []byte(payload)
	return e, nil
}

// UpdateManualRank sets runID's manual rank (spec.md §6 "PATCH /:id"); a nil
// rank clears it back to priority-only ordering. Rejects entries that are no
// longer pending with ErrInvalidState, since re-prioritizing a run already
// claimed or running has no effect.
func (q *Queue) UpdateManualRank(ctx context.Context, runID string, rank *int) error {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE dag_run_queue SET manual_rank = ?, updated_at = ?
		WHERE run_id = ? AND status = ?
	`), rank, now, runID, string(rundata.QueuePending))
	if err != nil {
		return fmt.Errorf("runqueue: update manual rank %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("runqueue: update manual rank rows affected: %w", err)
	}
	if affected == 0 {
		return ErrInvalidState
	}
	return nil
}

// Reorder assigns sequential manual ranks to runIDs in the given order
// (spec.md §6 "POST /reorder"), within one transaction so a concurrent
// claim can't observe a partially-applied order.
func (q *Queue) Reorder(ctx context.Context, runIDs []string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runqueue: begin reorder tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, id := range runIDs {
		res, err := tx.ExecContext(ctx, q.rebind(`
			UPDATE dag_run_queue SET manual_rank = ?, updated_at = ?
			WHERE run_id = ? AND status = ?
		`), i, now, id, string(rundata.QueuePending))
		if err != nil {
			return fmt.Errorf("runqueue: reorder %s: %w", id, err)
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return fmt.Errorf("%w: %s", ErrInvalidState, id)
		}
	}
	return tx.Commit()
}

// Position returns runID's 1-indexed position in the pending ordering, or 0
// if it isn't pending.
func (q *Queue) Position(ctx context.Context, runID string) (int, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(`
		SELECT run_id FROM dag_run_queue
		WHERE status = ?
		ORDER BY (manual_rank IS NULL) ASC, manual_rank ASC, priority DESC, created_at ASC
	`), string(rundata.QueuePending))
	if err != nil {
		return 0, fmt.Errorf("runqueue: position: %w", err)
	}
	defer rows.Close()

	pos := 0
	for rows.Next() {
		pos++
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("runqueue: scan position: %w", err)
		}
		if id == runID {
			return pos, rows.Err()
		}
	}
	return 0, rows.Err()
}
