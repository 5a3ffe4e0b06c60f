package escalation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fixwarden/internal/types"
)

// SQLiteStore persists cases in the orchestrator's sqlite state database so
// open reviews survive daemon restarts.
type SQLiteStore struct {
	db *sql.DB
}

const caseSchema = `
CREATE TABLE IF NOT EXISTS escalation_cases (
	case_id           TEXT PRIMARY KEY,
	batch_ref         TEXT NOT NULL,
	worker_id         TEXT,
	reason            TEXT NOT NULL,
	state             TEXT NOT NULL,
	opened_at         INTEGER NOT NULL,
	assigned_reviewer TEXT,
	resolved_at       INTEGER,
	resolution_note   TEXT
);
CREATE INDEX IF NOT EXISTS idx_cases_state ON escalation_cases(state, opened_at);
`

// OpenSQLiteStore opens (and if needed initializes) the case table at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open case db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure case db: %w", err)
	}
	if _, err := db.Exec(caseSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init case schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Put(ctx context.Context, c types.EscalationCase) error {
	var resolved sql.NullInt64
	if c.ResolvedAt != nil {
		resolved = sql.NullInt64{Int64: c.ResolvedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO escalation_cases
		   (case_id, batch_ref, worker_id, reason, state, opened_at, assigned_reviewer, resolved_at, resolution_note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(case_id) DO UPDATE SET
		   state = excluded.state,
		   assigned_reviewer = excluded.assigned_reviewer,
		   resolved_at = excluded.resolved_at,
		   resolution_note = excluded.resolution_note`,
		c.CaseID, c.BatchRef, c.WorkerID, string(c.Reason), string(c.State),
		c.OpenedAt.UnixMilli(), c.AssignedReviewer, resolved, c.ResolutionNote)
	if err != nil {
		return fmt.Errorf("put case %s: %w", c.CaseID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, caseID string) (types.EscalationCase, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT case_id, batch_ref, worker_id, reason, state, opened_at, assigned_reviewer, resolved_at, resolution_note
		 FROM escalation_cases WHERE case_id = ?`, caseID)
	c, err := scanCase(row.Scan)
	if err == sql.ErrNoRows {
		return types.EscalationCase{}, ErrUnknownCase
	}
	if err != nil {
		return types.EscalationCase{}, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return c, nil
}

func (s *SQLiteStore) List(ctx context.Context, state types.EscalationState) ([]types.EscalationCase, error) {
	query := `SELECT case_id, batch_ref, worker_id, reason, state, opened_at, assigned_reviewer, resolved_at, resolution_note
		 FROM escalation_cases`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY opened_at, case_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	var out []types.EscalationCase
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan case: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

func scanCase(scan func(dest ...any) error) (types.EscalationCase, error) {
	var c types.EscalationCase
	var reason, state string
	var workerID, reviewer, note sql.NullString
	var openedMillis int64
	var resolvedMillis sql.NullInt64

	err := scan(&c.CaseID, &c.BatchRef, &workerID, &reason, &state,
		&openedMillis, &reviewer, &resolvedMillis, &note)
	if err != nil {
		return types.EscalationCase{}, err
	}
	c.WorkerID = workerID.String
	c.Reason = types.ReasonCode(reason)
	c.State = types.EscalationState(state)
	c.OpenedAt = time.UnixMilli(openedMillis)
	c.AssignedReviewer = reviewer.String
	c.ResolutionNote = note.String
	if resolvedMillis.Valid {
		t := time.UnixMilli(resolvedMillis.Int64)
		c.ResolvedAt = &t
	}
	return c, nil
}
