// Package sqlite provides SQLite-based persistent storage for sleuth.
// Uses WAL mode for concurrent reads and crash-safe writes. The same
// database backs the task store, the job queue and the delivery log.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also serializes our transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db, now: time.Now}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		// Tasks: one row per account-processing job
		`CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL,
			status       TEXT NOT NULL,
			progress     INTEGER NOT NULL DEFAULT 0,
			current_step TEXT NOT NULL DEFAULT '',
			result       TEXT,
			error        TEXT,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_account ON tasks(account_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

		// Job queue
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			type         TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			unique_key   TEXT,
			run_at       INTEGER NOT NULL,
			locked_until INTEGER,
			last_error   TEXT,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(status, run_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_unique_live ON jobs(unique_key)
			WHERE unique_key IS NOT NULL AND status IN ('queued', 'active')`,

		// Workflow state per investigation request
		`CREATE TABLE IF NOT EXISTS workflows (
			request_id          TEXT PRIMARY KEY,
			target_account      TEXT NOT NULL,
			token_id            TEXT NOT NULL,
			task_id             TEXT NOT NULL DEFAULT '',
			stage               TEXT NOT NULL,
			analysis_task_id    TEXT NOT NULL DEFAULT '',
			attempts            INTEGER NOT NULL DEFAULT 0,
			error               TEXT NOT NULL DEFAULT '',
			analysis_result     TEXT,
			started_at          INTEGER NOT NULL,
			analysis_started_at INTEGER,
			updated_at          INTEGER NOT NULL,
			completed_at        INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_task ON workflows(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_analysis ON workflows(analysis_task_id)`,

		// Webhook deliveries
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id              TEXT PRIMARY KEY,
			task_id         TEXT NOT NULL,
			account_id      TEXT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL,
			last_attempt_at INTEGER,
			error           TEXT NOT NULL DEFAULT '',
			metadata        TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_task ON webhook_deliveries(task_id)`,

		// Last delivered metadata per account
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			metadata   TEXT NOT NULL,
			task_id    TEXT NOT NULL DEFAULT '',
			webhook_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// withTx runs fn inside a transaction and commits if fn returns nil.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by *sql.Row, *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func unixMilli(t time.Time) int64 { return t.UnixMilli() }

func fromMilli(ms int64) time.Time { return time.UnixMilli(ms) }

func nullableMilli(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMilli(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.UnixMilli(n.Int64)
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
