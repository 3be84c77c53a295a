// Package store – memory.go implements durable per-user memory entries with
// upsert semantics and a deterministic LRU-by-update cap.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// UpsertMemory writes a memory entry. Writing an existing (user, platform,
// key) updates the value and updated_at; it never creates a duplicate. When
// maxPerUser > 0 and the write would exceed the cap, the oldest-updated
// entries are evicted in the same transaction.
func (s *Store) UpsertMemory(ctx context.Context, userID, platform, key, value string, maxPerUser int) (MemoryEntry, error) {
	var entry MemoryEntry

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := encodeTime(time.Now())
		_, err := tx.ExecContext(ctx, `
			INSERT INTO memory (id, user_id, platform, key, value, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, platform, key)
			DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			uuid.NewString(), userID, platform, key, value, ts, ts)
		if err != nil {
			return err
		}

		// Read the stored row back: an update keeps the original id and
		// created_at.
		var createdAt, updatedAt string
		err = tx.QueryRowContext(ctx, `
			SELECT id, user_id, platform, key, value, created_at, updated_at
			FROM memory WHERE user_id = ? AND platform = ? AND key = ?`,
			userID, platform, key).
			Scan(&entry.ID, &entry.UserID, &entry.Platform, &entry.Key, &entry.Value, &createdAt, &updatedAt)
		if err != nil {
			return err
		}
		entry.CreatedAt = decodeTime(createdAt)
		entry.UpdatedAt = decodeTime(updatedAt)

		if maxPerUser <= 0 {
			return nil
		}

		// Evict least-recently-updated entries beyond the cap. Ordering by
		// (updated_at, id) keeps eviction deterministic when timestamps tie.
		_, err = tx.ExecContext(ctx, `
			DELETE FROM memory WHERE id IN (
				SELECT id FROM memory
				WHERE user_id = ? AND platform = ?
				ORDER BY updated_at DESC, id DESC
				LIMIT -1 OFFSET ?
			)`, userID, platform, maxPerUser)
		return err
	})
	if err != nil {
		return MemoryEntry{}, storageErr("upsert memory", err)
	}
	return entry, nil
}

// Memories returns all memory entries for a user on a platform, oldest
// update first, the order the context builder injects them in.
func (s *Store) Memories(ctx context.Context, userID, platform string) ([]MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, platform, key, value, created_at, updated_at
		FROM memory
		WHERE user_id = ? AND platform = ?
		ORDER BY updated_at ASC, id ASC`, userID, platform)
	if err != nil {
		return nil, storageErr("load memories", err)
	}
	defer rows.Close()

	var entries []MemoryEntry
	for rows.Next() {
		var e MemoryEntry
		var createdAt, updatedAt string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Platform, &e.Key, &e.Value, &createdAt, &updatedAt); err != nil {
			return nil, storageErr("scan memory row", err)
		}
		e.CreatedAt = decodeTime(createdAt)
		e.UpdatedAt = decodeTime(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load memories", err)
	}
	return entries, nil
}
