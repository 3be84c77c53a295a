// Package store implements Malachi's SQLite persistence layer: conversations,
// per-conversation message history, and durable per-user memory entries.
// Uses mattn/go-sqlite3 with WAL journaling and foreign keys enabled so that
// deleting a conversation cascades to its messages.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite-specific configuration.
type Config struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// JournalMode is the SQLite journal mode (default "WAL").
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the SQLite busy timeout in milliseconds (default 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// StorageError wraps any persistence-layer failure so callers can tell
// storage problems apart from remote or policy outcomes.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err in a StorageError, passing nil through.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Role identifies who authored a stored message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation groups messages for one platform+chat pair.
type Conversation struct {
	ID        string
	Platform  string
	ChatID    string
	CreatedAt time.Time
	UpdatedAt time.Time

	// Metadata carries opaque platform-specific data, serialized as JSON.
	Metadata map[string]any
}

// Message is a stored conversation message. AuthorID and AuthorName are empty
// for system and assistant messages.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	AuthorID       string
	AuthorName     string
	Content        string
	Timestamp      time.Time
}

// MemoryEntry is a durable per-user key/value fact, unique per
// (user_id, platform, key).
type MemoryEntry struct {
	ID        string
	UserID    string
	Platform  string
	Key       string
	Value     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Open opens or creates the database and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/malachi.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	// _txlock=immediate makes write transactions take the write lock at
	// BEGIN, so concurrent writers queue on busy_timeout instead of
	// deadlocking on a lock upgrade mid-transaction.
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON&_txlock=immediate",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, storageErr("ping database", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, storageErr("apply schema", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling packages (knowledge cache) can
// keep their tables in the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks database connectivity, for the health endpoint.
func (s *Store) Ping() error {
	return s.db.Ping()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
    id         TEXT PRIMARY KEY,
    platform   TEXT NOT NULL,
    channel_id TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    metadata   TEXT DEFAULT '{}',
    UNIQUE(platform, channel_id)
);

CREATE TABLE IF NOT EXISTS messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role            TEXT NOT NULL,
    author_id       TEXT DEFAULT '',
    author_name     TEXT DEFAULT '',
    content         TEXT NOT NULL,
    timestamp       TEXT NOT NULL,
    FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

CREATE TABLE IF NOT EXISTS memory (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    platform   TEXT NOT NULL,
    key        TEXT NOT NULL,
    value      TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE(user_id, platform, key)
);
CREATE INDEX IF NOT EXISTS idx_memory_user ON memory(user_id, platform);
`

// timeFormat is the timestamp encoding used for all rows. The fractional
// part is fixed-width: RFC3339Nano trims trailing zeros, which breaks the
// lexical-equals-chronological property the ORDER BY clauses rely on
// (a whole second renders "...05Z" and sorts after "...05.5Z").
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func decodeTime(s string) time.Time {
	// RFC3339Nano parses both fixed-width and trimmed fractions.
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
