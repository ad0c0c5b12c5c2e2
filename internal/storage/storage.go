// Package storage opens the two sqlite stores the bot writes to.
//
// The core store (chats, budgets, catalog messages) and the schedule
// store (crontab rows for the periodic-task runner) are separate files
// on purpose: there is no transaction spanning both, and the runner
// only ever needs the schedule file.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed core_schema.sql
var coreSchema string

//go:embed schedule_schema.sql
var scheduleSchema string

// OpenCore opens and migrates the core store.
func OpenCore(path string, busyTimeout time.Duration) (*sql.DB, error) {
	return open(path, busyTimeout, coreSchema)
}

// OpenSchedule opens and migrates the schedule store.
func OpenSchedule(path string, busyTimeout time.Duration) (*sql.DB, error) {
	return open(path, busyTimeout, scheduleSchema)
}

func open(path string, busyTimeout time.Duration, schema string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout > 0 {
		ms := busyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", filepath.Base(path), err)
	}
	return db, nil
}

// Tx runs fn inside a transaction. The transaction is rolled back when
// fn returns an error and committed otherwise, so callers that bail out
// mid-way never leave partial writes behind.
func Tx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
