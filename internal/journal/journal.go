// Package journal records archive runs in SQLite for later audit. It is
// write-only from the run's point of view: nothing in it is consulted to
// resume or skip work.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/actionarchiver/internal/storage"
)

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Open opens the journal database at path, creating it if needed.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return New(db), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Begin records a run as running and returns its id. A new uuid is assigned
// when run.ID is empty.
func (j *Journal) Begin(ctx context.Context, run Run) (string, error) {
	if run.Server == "" {
		return "", fmt.Errorf("server is empty")
	}
	if run.Destination == "" {
		return "", fmt.Errorf("destination is empty")
	}

	id := run.ID
	if id == "" {
		id = uuid.NewString()
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO archive_run(
  id, status, server, bf_user, destination, sink_kind, query, older_days, whose,
  workers, batch_size, delete_after, started_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, id, RunRunning, run.Server, run.User, run.Destination, run.SinkKind, run.Query, run.OlderDays, run.Whose,
		run.Workers, run.BatchSize, boolInt(run.Delete), started.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// Finish marks the run terminal and stores its per-action outcomes and
// archive entries in one transaction.
func (j *Journal) Finish(ctx context.Context, run Run, actions []Action, entries []Entry) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	if run.Status != RunSucceeded && run.Status != RunPartial && run.Status != RunFailed {
		return fmt.Errorf("invalid terminal status: %q", run.Status)
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}

	res, err := tx.ExecContext(ctx, `
UPDATE archive_run
SET status = ?, query = ?, total = ?, processed = ?, failed = ?, deleted = ?, finished_at = ?, last_error = ?
WHERE id = ?;
`, run.Status, run.Query, run.Total, run.Processed, run.Failed, run.Deleted,
		finished.UTC().Format(time.RFC3339Nano), run.LastError, run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}

	actStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO archive_action(
  run_id, action_id, name, state, issuer, issued, mag, components, batch, status, error, delete_error
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare action insert: %w", err)
	}
	defer actStmt.Close()

	for _, a := range actions {
		if _, err := actStmt.ExecContext(ctx, run.ID, a.ActionID, a.Name, a.State, a.Issuer, a.Issued,
			boolInt(a.MAG), a.Components, a.Batch, a.Status, a.Error, a.DeleteError); err != nil {
			return fmt.Errorf("record action %d: %w", a.ActionID, err)
		}
	}

	entryStmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO archive_entry(run_id, seq, name, size, digest)
VALUES(?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare entry insert: %w", err)
	}
	defer entryStmt.Close()

	for i, e := range entries {
		seq := e.Seq
		if seq == 0 {
			seq = i + 1
		}
		if _, err := entryStmt.ExecContext(ctx, run.ID, seq, e.Name, e.Size, e.Digest); err != nil {
			return fmt.Errorf("record entry %q: %w", e.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (j *Journal) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM archive_run
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// GetRun returns the run whose id equals or uniquely starts with id.
func (j *Journal) GetRun(ctx context.Context, id string) (*Run, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is empty")
	}
	rows, err := j.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM archive_run
WHERE id = ? OR id LIKE ? || '%'
ORDER BY (id = ?) DESC
LIMIT 2;
`, id, id, id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	var found []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	switch {
	case len(found) == 0:
		return nil, ErrRunNotFound
	case found[0].ID == id, len(found) == 1:
		return found[0], nil
	default:
		return nil, ErrAmbiguousRun
	}
}

// Actions returns the recorded actions of a run ordered by batch then id.
func (j *Journal) Actions(ctx context.Context, runID string) ([]Action, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT action_id, name, state, issuer, issued, mag, components, batch, status, error, delete_error
FROM archive_action
WHERE run_id = ?
ORDER BY batch ASC, action_id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a           Action
			mag         int
			status      string
			errText     sql.NullString
			deleteError sql.NullString
		)
		if err := rows.Scan(&a.ActionID, &a.Name, &a.State, &a.Issuer, &a.Issued, &mag, &a.Components, &a.Batch,
			&status, &errText, &deleteError); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.MAG = mag != 0
		a.Status = ActionStatus(status)
		if errText.Valid {
			a.Error = &errText.String
		}
		if deleteError.Valid {
			a.DeleteError = &deleteError.String
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return out, nil
}

// Entries returns the archive entries of a run in write order.
func (j *Journal) Entries(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT seq, name, size, digest
FROM archive_entry
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Name, &e.Size, &e.Digest); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

const runColumns = `id, status, server, bf_user, destination, sink_kind, query, older_days, whose,
  workers, batch_size, delete_after, total, processed, failed, deleted, started_at, finished_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r           Run
		status      string
		deleteAfter int
		startedAtS  string
		finishedAtS sql.NullString
		lastError   sql.NullString
	)
	err := row.Scan(&r.ID, &status, &r.Server, &r.User, &r.Destination, &r.SinkKind, &r.Query, &r.OlderDays, &r.Whose,
		&r.Workers, &r.BatchSize, &deleteAfter, &r.Total, &r.Processed, &r.Failed, &r.Deleted,
		&startedAtS, &finishedAtS, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.Status = RunStatus(status)
	r.Delete = deleteAfter != 0
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		r.StartedAt = t
	}
	if finishedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, finishedAtS.String); err == nil {
			r.FinishedAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = &lastError.String
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
