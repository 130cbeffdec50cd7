// Package storage opens the SQLite run journal and owns its schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := CheckJournalPath(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Journal writes are serialized on a single connection.
	db.SetMaxOpenConns(1)

	// Basic health check + apply a few safe pragmas.
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// BootstrapSQLite creates tables/indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archive_run (
  id           TEXT PRIMARY KEY,
  status       TEXT NOT NULL,
  server       TEXT NOT NULL,
  bf_user      TEXT NOT NULL,
  destination  TEXT NOT NULL,
  sink_kind    TEXT NOT NULL,
  query        TEXT NOT NULL DEFAULT '',
  older_days   INTEGER NOT NULL,
  whose        TEXT NOT NULL,
  workers      INTEGER NOT NULL,
  batch_size   INTEGER NOT NULL,
  delete_after INTEGER NOT NULL DEFAULT 0,
  total        INTEGER NOT NULL DEFAULT 0,
  processed    INTEGER NOT NULL DEFAULT 0,
  failed       INTEGER NOT NULL DEFAULT 0,
  deleted      INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  finished_at  TEXT,
  last_error   TEXT
);`,
		`CREATE TABLE IF NOT EXISTS archive_action (
  run_id       TEXT NOT NULL REFERENCES archive_run(id) ON DELETE CASCADE,
  action_id    INTEGER NOT NULL,
  name         TEXT NOT NULL,
  state        TEXT NOT NULL,
  issuer       TEXT NOT NULL,
  issued       TEXT NOT NULL,
  mag          INTEGER NOT NULL DEFAULT 0,
  components   INTEGER NOT NULL DEFAULT 0,
  batch        INTEGER NOT NULL,
  status       TEXT NOT NULL,
  error        TEXT,
  delete_error TEXT,
  PRIMARY KEY (run_id, action_id)
);`,
		`CREATE TABLE IF NOT EXISTS archive_entry (
  run_id  TEXT NOT NULL REFERENCES archive_run(id) ON DELETE CASCADE,
  seq     INTEGER NOT NULL,
  name    TEXT NOT NULL,
  size    INTEGER NOT NULL,
  digest  TEXT NOT NULL,
  PRIMARY KEY (run_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS archive_run_started_at_idx ON archive_run(started_at);`,
		`CREATE INDEX IF NOT EXISTS archive_action_status_idx ON archive_action(run_id, status);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
