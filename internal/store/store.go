package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var memSeq atomic.Int64

// Store is the broker's persistence layer backed by SQLite. It owns the four
// core tables (requests, approvals, nonces, vault secrets) plus the
// append-only audit chain. All services receive an injected *Store; there is
// no ambient global handle.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the broker database. Pass empty string for an
// in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == "" {
		// A distinct name per Open keeps parallel test stores isolated.
		dsn = fmt.Sprintf("file:mem%d?mode=memory&cache=shared", memSeq.Add(1))
	} else {
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, "lifeline.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open broker database: %w", err)
	}

	// Single writer: serializes audit appends and nonce consumption at the
	// storage layer, which the hash chain depends on.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate broker database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, for the readiness probe.
func (s *Store) Ping() error {
	return s.db.Ping()
}
