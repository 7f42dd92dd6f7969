package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store provides SQLite-backed storage operations.
type Store struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a Store on existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

// NewOwned creates a Store that owns and closes its connections.
func NewOwned(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, true)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connections if the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	if s.ro != nil && s.ro != s.db {
		_ = s.ro.Close()
	}
	return s.db.Close()
}

// DB returns the underlying writer connection for shared access.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// reader returns the read pool, falling back to the writer when no separate
// reader was provided (tests use a single in-memory handle).
func (s *Store) reader() *sqlx.DB {
	if s.ro != nil {
		return s.ro
	}
	return s.db
}

// WithTx executes fn within a transaction on the writer connection.
// If fn returns an error, the transaction is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx failed: %w, rollback failed: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
