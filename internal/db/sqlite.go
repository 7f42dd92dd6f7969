// Package db provides SQLite connection helpers for forgeboard.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns is the number of concurrent read connections.
	// SQLite WAL mode allows many readers alongside a single writer.
	defaultReaderConns = 8
)

// Options configures a SQLite open call.
type Options struct {
	BusyTimeout time.Duration
	ReaderConns int
}

func (o Options) busyTimeoutMS() int {
	timeout := o.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	return int(timeout / time.Millisecond)
}

func (o Options) readerConns() int {
	if o.ReaderConns <= 0 {
		return defaultReaderConns
	}
	return o.ReaderConns
}

// OpenWriter opens a SQLite database configured for writes (single connection).
func OpenWriter(dbPath string, opts Options) (*sqlx.DB, error) {
	normalizedPath := normalizePath(dbPath)
	if normalizedPath != ":memory:" {
		if err := ensureDir(normalizedPath); err != nil {
			return nil, fmt.Errorf("failed to prepare database path: %w", err)
		}
		if err := ensureFile(normalizedPath); err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
	}

	// Writer DSN settings:
	// - foreign_keys=on: enforce FK constraints consistently.
	// - busy_timeout: wait briefly on locks to reduce transient "database is locked".
	// - journal_mode=WAL: better read concurrency with a single writer.
	// - synchronous=NORMAL: reasonable durability/perf tradeoff for app workloads.
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		normalizedPath,
		opts.busyTimeoutMS(),
	)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	return conn, nil
}

// OpenReader opens a read-only SQLite connection pool with multiple
// concurrent connections. Combined with WAL mode, readers proceed
// without blocking on (or being blocked by) writes.
func OpenReader(dbPath string, opts Options) (*sqlx.DB, error) {
	normalizedPath := normalizePath(dbPath)

	// journal_mode and synchronous are database-level (set by the writer).
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		normalizedPath,
		opts.busyTimeoutMS(),
	)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	conn.SetMaxOpenConns(opts.readerConns())
	conn.SetMaxIdleConns(opts.readerConns())

	return conn, nil
}

// OpenInMemory opens a shared in-memory database. A single handle serves
// both reads and writes; used by tests.
func OpenInMemory() (*sqlx.DB, error) {
	conn, err := sqlx.Open("sqlite3", "file::memory:?_foreign_keys=on&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	return conn, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" || dbPath == ":memory:" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
