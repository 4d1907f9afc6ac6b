// Package store persists panic-fix records and append-only log events in a
// SQLite database. It is the single source of truth for workflow state; the
// engine re-reads it instead of caching statuses in memory.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/mend/internal/log"
)

var (
	// ErrNotConnected is returned when an operation runs before Connect
	// or after Close.
	ErrNotConnected = errors.New("store is not connected")

	// ErrConflict is returned when a conditional update loses a race,
	// e.g. two workers claiming the same pending panic.
	ErrConflict = errors.New("store conflict")

	// ErrAlreadyExists is returned by CreatePanicFix for a duplicate
	// panic location.
	ErrAlreadyExists = errors.New("panic location already exists")

	// ErrNotFound is returned by updates against an unknown panic
	// location.
	ErrNotFound = errors.New("panic location not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS panic_fixes (
	panic_location TEXT PRIMARY KEY,
	panic_message  TEXT NOT NULL,
	sql_statements TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT 'pending',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	branch_name    TEXT,
	pr_url         TEXT,
	workflow_error TEXT,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	CHECK ((status = 'needs_human_review') = (workflow_error IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_panic_fixes_status
	ON panic_fixes(status, created_at);

CREATE TABLE IF NOT EXISTS logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	panic_location TEXT,
	phase          TEXT,
	level          TEXT NOT NULL,
	message        TEXT NOT NULL,
	details        TEXT,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_location ON logs(panic_location);
`

// Store is the durable single-writer store. All operations serialize on an
// internal mutex; callers never lock.
type Store struct {
	url string

	mu        sync.Mutex
	db        *sql.DB
	connected bool
}

// New creates a Store for the given location. Call Connect before use.
// The URL is either a SQLite file URL ("file:mend.db") or ":memory:".
func New(url string) *Store {
	return &Store{url: url}
}

// Connect opens the database handle and verifies it responds.
func (s *Store) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	db, err := sql.Open("sqlite3", s.url)
	if err != nil {
		log.ErrorErr(log.CatStore, "Failed to open database", err, "url", s.url)
		return fmt.Errorf("opening store at %s: %w", s.url, err)
	}
	// Each pooled connection to :memory: would otherwise see its own
	// empty database. The store is single-writer, so one connection is
	// enough everywhere.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		log.ErrorErr(log.CatStore, "Failed to ping database", err, "url", s.url)
		return fmt.Errorf("pinging store at %s: %w", s.url, err)
	}

	s.db = db
	s.connected = true
	log.Info(log.CatStore, "Connected to store", "url", s.url)
	return nil
}

// InitSchema creates the panic_fixes and logs relations if absent.
func (s *Store) InitSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkConnected("InitSchema"); err != nil {
		return err
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	log.Debug(log.CatStore, "Schema initialized")
	return nil
}

// Close releases the database handle. Operations after Close fail with
// ErrNotConnected.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return fmt.Errorf("Close: %w", ErrNotConnected)
	}
	s.connected = false
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing store: %w", err)
	}
	return nil
}

// checkConnected must be called with s.mu held.
func (s *Store) checkConnected(op string) error {
	if !s.connected {
		return fmt.Errorf("%s: %w", op, ErrNotConnected)
	}
	return nil
}

// isUniqueViolation detects a primary-key conflict from the driver without
// depending on its error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}
