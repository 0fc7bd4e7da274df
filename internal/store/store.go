// Package store persists conversation history, usage records, analytics
// events and long-term memories in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"chatcore/internal/logging"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	now    func() time.Time
}

// Open opens or creates the database at path. An empty path or ":memory:"
// opens an in-memory database.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps an in-memory database alive and serializes
	// writers on disk.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
		if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
		}
	}

	s := &Store{db: db, dbPath: path, now: time.Now}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("Store ready at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	conversations := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	`

	messages := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	`

	usage := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost REAL NOT NULL,
		conversation_id TEXT,
		message_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_user_time ON usage_records(user_id, created_at);
	`

	events := `
	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		conversation_id TEXT,
		kind TEXT NOT NULL,
		data TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON analytics_events(kind, created_at);
	`

	memories := `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		source TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(user_id, content)
	);
	`

	for _, ddl := range []string{conversations, messages, usage, events, memories} {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }
