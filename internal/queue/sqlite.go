package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fixwarden/internal/logging"
	"fixwarden/internal/types"
)

// SQLite is a TaskQueue over the shared sqlite task database. Claims are made
// inside a single write transaction so concurrent orchestrators never claim
// the same task twice.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	violations       TEXT NOT NULL,
	attempt          INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	status           TEXT NOT NULL DEFAULT 'pending',
	enqueued_at      INTEGER NOT NULL,
	lease_expires_at INTEGER NOT NULL DEFAULT 0,
	outcome          TEXT,
	fail_reason      TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_claimable ON tasks(status, lease_expires_at, enqueued_at);
`

// OpenSQLite opens (and if needed initializes) the task database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open task db: %w", err)
	}
	// Single writer; WAL keeps readers unblocked during claims.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure task db: %w", err)
	}
	if _, err := db.Exec(taskSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init task schema: %w", err)
	}
	logging.Queue("task db ready at %s", path)
	return &SQLite{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Enqueue(ctx context.Context, task types.Task) error {
	payload, err := json.Marshal(task.Violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}
	enq := task.EnqueuedAt
	if enq.IsZero() {
		enq = s.now()
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, violations, attempt, max_attempts, status, enqueued_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, string(payload), task.Attempt, maxAttempts, statusPending, enq.UnixMilli())
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}
	return nil
}

func (s *SQLite) ClaimNext(ctx context.Context, maxN int, lease time.Duration) ([]types.Task, error) {
	if maxN <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, violations, attempt, max_attempts, enqueued_at
		 FROM tasks
		 WHERE status = ? OR (status = ? AND lease_expires_at < ?)
		 ORDER BY enqueued_at, id
		 LIMIT ?`,
		statusPending, statusClaimed, now.UnixMilli(), maxN)
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	var tasks []types.Task
	for rows.Next() {
		var t types.Task
		var payload string
		var enqMillis int64
		if err := rows.Scan(&t.ID, &payload, &t.Attempt, &t.MaxAttempts, &enqMillis); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &t.Violations); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode violations for %s: %w", t.ID, err)
		}
		t.EnqueuedAt = time.UnixMilli(enqMillis)
		t.LeaseExpiresAt = now.Add(lease)
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable: %w", err)
	}

	for _, t := range tasks {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, lease_expires_at = ? WHERE id = ?`,
			statusClaimed, t.LeaseExpiresAt.UnixMilli(), t.ID); err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	if len(tasks) > 0 {
		logging.Queue("claimed %d task(s), lease %s", len(tasks), lease)
	}
	return tasks, nil
}

func (s *SQLite) ExtendLease(ctx context.Context, taskID string, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET lease_expires_at = ? WHERE id = ? AND status = ?`,
		s.now().Add(lease).UnixMilli(), taskID, statusClaimed)
	if err != nil {
		return fmt.Errorf("extend lease for %s: %w", taskID, err)
	}
	return s.checkClaimed(ctx, taskID, res)
}

func (s *SQLite) MarkDone(ctx context.Context, taskID string, outcome types.TaskOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	// Done is absorbing; a second MarkDone on the same task matches zero rows
	// in the claimed branch but finds the task already done, so it no-ops.
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, outcome = ? WHERE id = ? AND status != ?`,
		statusDone, string(payload), taskID, statusDone)
	if err != nil {
		return fmt.Errorf("mark done %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requireKnown(ctx, taskID)
	}
	return nil
}

func (s *SQLite) MarkFailed(ctx context.Context, taskID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, fail_reason = ? WHERE id = ? AND status != ?`,
		statusFailed, reason, taskID, statusDone)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", taskID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.requireKnown(ctx, taskID)
	}
	return nil
}

func (s *SQLite) Release(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, lease_expires_at = 0 WHERE id = ? AND status = ?`,
		statusPending, taskID, statusClaimed)
	if err != nil {
		return fmt.Errorf("release %s: %w", taskID, err)
	}
	return s.checkClaimed(ctx, taskID, res)
}

func (s *SQLite) Requeue(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, attempt = attempt + 1, lease_expires_at = 0
		 WHERE id = ? AND status = ? AND attempt + 1 < max_attempts`,
		statusPending, taskID, statusClaimed)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}

	var status string
	row := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID)
	switch err := row.Scan(&status); {
	case err == sql.ErrNoRows:
		return ErrUnknownTask
	case err != nil:
		return fmt.Errorf("inspect %s: %w", taskID, err)
	case status != statusClaimed:
		return ErrNotClaimed
	default:
		return ErrExhausted
	}
}

// checkClaimed maps a zero-row claimed-only update to the right sentinel.
func (s *SQLite) checkClaimed(ctx context.Context, taskID string, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if err := s.requireKnown(ctx, taskID); err != nil {
		return err
	}
	return ErrNotClaimed
}

func (s *SQLite) requireKnown(ctx context.Context, taskID string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, taskID).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrUnknownTask
	}
	if err != nil {
		return fmt.Errorf("inspect %s: %w", taskID, err)
	}
	return nil
}
