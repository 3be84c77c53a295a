// The cache tables live in the same database file as the conversation
// store; the handle is shared at startup.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore persists knowledge items and directives across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and its tables on the shared handle.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if _, err := db.Exec(cacheSchema); err != nil {
		return nil, fmt.Errorf("apply knowledge cache schema: %w", err)
	}
	return s, nil
}

const cacheSchema = `
CREATE TABLE IF NOT EXISTS knowledge_cache (
    id        TEXT PRIMARY KEY,
    title     TEXT NOT NULL,
    content   TEXT NOT NULL,
    category  TEXT DEFAULT '',
    embedding TEXT DEFAULT '',
    synced_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS directives_cache (
    id        TEXT PRIMARY KEY,
    name      TEXT NOT NULL,
    content   TEXT NOT NULL,
    active    INTEGER NOT NULL DEFAULT 1,
    priority  INTEGER NOT NULL DEFAULT 0,
    synced_at TEXT NOT NULL
);
`

// UpsertItems replaces rows by identifier and deletes the explicitly retired
// ones, in a single transaction.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []Item, deletedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin knowledge upsert: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		embedding := ""
		if len(item.Embedding) > 0 {
			raw, err := json.Marshal(item.Embedding)
			if err != nil {
				return fmt.Errorf("encode embedding for %s: %w", item.ID, err)
			}
			embedding = string(raw)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_cache (id, title, content, category, embedding, synced_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				content = excluded.content,
				category = excluded.category,
				embedding = excluded.embedding,
				synced_at = excluded.synced_at`,
			item.ID, item.Title, item.Content, item.Category, embedding,
			item.SyncedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert knowledge %s: %w", item.ID, err)
		}
	}

	for _, id := range deletedIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_cache WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete knowledge %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// UpsertDirectives replaces directive rows by identifier.
func (s *SQLiteStore) UpsertDirectives(ctx context.Context, directives []Directive, deletedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin directive upsert: %w", err)
	}
	defer tx.Rollback()

	for _, d := range directives {
		active := 0
		if d.Active {
			active = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO directives_cache (id, name, content, active, priority, synced_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				content = excluded.content,
				active = excluded.active,
				priority = excluded.priority,
				synced_at = excluded.synced_at`,
			d.ID, d.Name, d.Content, active, d.Priority,
			d.SyncedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert directive %s: %w", d.ID, err)
		}
	}

	for _, id := range deletedIDs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM directives_cache WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete directive %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// AllItems loads every cached knowledge item.
func (s *SQLiteStore) AllItems(ctx context.Context) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, content, category, embedding, synced_at FROM knowledge_cache`)
	if err != nil {
		return nil, fmt.Errorf("load knowledge cache: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		var embedding, syncedAt string
		if err := rows.Scan(&item.ID, &item.Title, &item.Content, &item.Category, &embedding, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge row: %w", err)
		}
		if embedding != "" {
			_ = json.Unmarshal([]byte(embedding), &item.Embedding)
		}
		item.SyncedAt, _ = time.Parse(time.RFC3339Nano, syncedAt)
		items = append(items, item)
	}
	return items, rows.Err()
}

// AllDirectives loads every cached directive.
func (s *SQLiteStore) AllDirectives(ctx context.Context) ([]Directive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, content, active, priority, synced_at FROM directives_cache`)
	if err != nil {
		return nil, fmt.Errorf("load directives cache: %w", err)
	}
	defer rows.Close()

	var directives []Directive
	for rows.Next() {
		var d Directive
		var active int
		var syncedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.Content, &active, &d.Priority, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan directive row: %w", err)
		}
		d.Active = active != 0
		d.SyncedAt, _ = time.Parse(time.RFC3339Nano, syncedAt)
		directives = append(directives, d)
	}
	return directives, rows.Err()
}
