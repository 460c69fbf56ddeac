package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath == "" {
		dbPath = "data/spotter.db"
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for concurrent readers; immediate transactions so writers queue on busy_timeout
	// instead of failing on lock upgrade.
	dsn := "file:" + dbPath +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: sqliteDialect}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	isUnique:   isSQLiteUniqueError,
	retryable:  isSQLiteConflictError,
	maxRetries: 3,
}

func sqliteCode(err error) (int, bool) {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}

// isSQLiteUniqueError checks if the error is a UNIQUE or PRIMARY KEY constraint violation.
func isSQLiteUniqueError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// isSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error. Both typically warrant retry logic.
func isSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := sqliteCode(err); ok {
		primary := code & 0xff
		return primary == sqlite3.SQLITE_BUSY || primary == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs fn, retrying with exponential backoff while d reports the error as retryable.
func withRetry(ctx context.Context, d dialect, op string, fn func() error) error {
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i <= d.maxRetries; i++ {
		err = fn()
		if err == nil || d.retryable == nil || !d.retryable(err) || i == d.maxRetries {
			return err
		}
		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("Store operation busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
