package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Open opens (and creates if needed) the job store at path and ensures the
// schema exists.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single connection: statements and transactions are serialized.
	db.SetMaxOpenConns(1)

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
	if err := Bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Bootstrap creates tables and indexes if missing.
func Bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_instance (
  id                  INTEGER PRIMARY KEY AUTOINCREMENT,
  app_name            TEXT NOT NULL,
  job_name            TEXT NOT NULL,
  submitter           TEXT NOT NULL,
  state               TEXT NOT NULL,
  batch_status        TEXT NOT NULL,
  group_names         JSON,
  definition          JSON NOT NULL,
  latest_execution_id INTEGER NOT NULL DEFAULT -1,
  created_at          TEXT NOT NULL,
  updated_at          TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS job_execution (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  instance_id  INTEGER NOT NULL REFERENCES job_instance(id),
  batch_status TEXT NOT NULL,
  exit_status  TEXT,
  parameters   JSON,
  server_id    TEXT,
  created_at   TEXT NOT NULL,
  started_at   TEXT,
  ended_at     TEXT,
  updated_at   TEXT NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS remotable_partition (
  job_execution_id INTEGER NOT NULL REFERENCES job_execution(id),
  step_name        TEXT NOT NULL,
  partition_number INTEGER NOT NULL,
  state            TEXT NOT NULL,
  server_id        TEXT,
  created_at       TEXT NOT NULL,
  updated_at       TEXT NOT NULL,
  PRIMARY KEY (job_execution_id, step_name, partition_number)
);`,
		`CREATE TABLE IF NOT EXISTS entity_version (
  entity  TEXT PRIMARY KEY,
  version INTEGER NOT NULL
);`,
		`INSERT OR IGNORE INTO entity_version(entity, version) VALUES ('job_instance', 3);`,
		`CREATE INDEX IF NOT EXISTS job_execution_instance_idx ON job_execution(instance_id, id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
