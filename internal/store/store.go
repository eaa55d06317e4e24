// Package store implements the durable state store backing the gateway.
//
// A single SQLite database holds every persisted record: requests, responses,
// metrics, token costs, cache entries, provider status snapshots, discussion
// sessions/messages/templates, API keys, and stream entries. All operations
// guarantee per-row atomicity; there are no cross-table transactions beyond
// what a single statement provides.
//
// The pure-Go driver (modernc.org/sqlite) keeps the binary cgo-free. WAL mode
// is enabled so readers never block the single writer.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Config contains settings for the SQLite store.
type Config struct {
	// Path is the database file path. ":memory:" opens an ephemeral database.
	Path string

	// MaxOpenConns caps the connection pool. Default: 10.
	MaxOpenConns int

	// BusyTimeout is how long a statement waits on a locked database.
	// Default: 5s.
	BusyTimeout time.Duration
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() *Config {
	return &Config{
		Path:         "data/gateway.db",
		MaxOpenConns: 10,
		BusyTimeout:  5 * time.Second,
	}
}

// Store is the SQLite-backed state store.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (and creates, if needed) the database at cfg.Path and applies
// the schema.
func Open(cfg *Config, log *slog.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	maxConns := cfg.MaxOpenConns
	if maxConns <= 0 {
		maxConns = 10
	}
	if cfg.Path == ":memory:" {
		// Each pool connection would get its own empty in-memory database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	s := &Store{db: db, log: log.With(slog.String("component", "store"))}

	if err := s.initialize(cfg); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.log.Info("store opened",
		slog.String("path", cfg.Path),
		slog.Int("max_open_conns", maxConns),
	)

	return s, nil
}

// initialize enables WAL, sets the busy timeout, and creates the schema.
func (s *Store) initialize(cfg *Config) error {
	if cfg.Path != ":memory:" {
		if _, err := s.db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("store: enable wal: %w", err)
		}
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d;", busy.Milliseconds())); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}

	return nil
}

// Ping reports database reachability (used by the readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// marshalMeta serializes a metadata bag for storage. nil maps become "".
func marshalMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: marshal metadata: %w", err)
	}
	return string(data), nil
}

// unmarshalMeta deserializes a metadata column. Empty strings yield nil.
func unmarshalMeta(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// marshalStrings serializes a string slice column.
func marshalStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

// unmarshalStrings deserializes a string slice column.
func unmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

// nullTime converts an optional time into a NULL-able column value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
