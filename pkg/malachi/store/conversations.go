// Package store – conversations.go implements conversation rows, message
// appends, and history loading.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// AppendMessage inserts one message, creating the parent conversation row if
// absent. The get-or-create and the insert run in a single transaction, so a
// concurrent reader never observes a conversation without its first message.
func (s *Store) AppendMessage(ctx context.Context, platform, chatID string, msg Message) (Message, error) {
	var out Message
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		convID, err := getOrCreateConversation(ctx, tx, platform, chatID, msg.Timestamp)
		if err != nil {
			return err
		}
		out, err = insertMessage(ctx, tx, convID, msg)
		return err
	})
	return out, storageErr("append message", err)
}

// AppendTurn persists a full exchange (user message + assistant reply) in one
// transaction. Either both messages are recorded or neither. This is what
// the engine calls after a successful completion.
func (s *Store) AppendTurn(ctx context.Context, platform, chatID string, userMsg, assistantMsg Message) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		convID, err := getOrCreateConversation(ctx, tx, platform, chatID, userMsg.Timestamp)
		if err != nil {
			return err
		}
		if _, err := insertMessage(ctx, tx, convID, userMsg); err != nil {
			return err
		}
		_, err = insertMessage(ctx, tx, convID, assistantMsg)
		return err
	})
	return storageErr("append turn", err)
}

// History returns the most recent limit messages of a conversation in
// chronological order (oldest first). Never returns more than limit.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	// Fetch newest-first with LIMIT, then reverse into chronological order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, author_id, author_name, content, timestamp
		FROM messages
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, storageErr("load history", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.AuthorID, &m.AuthorName, &m.Content, &ts); err != nil {
			return nil, storageErr("scan history row", err)
		}
		m.Timestamp = decodeTime(ts)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load history", err)
	}

	// Reverse in place: query returned newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// HistoryForChat resolves the conversation for (platform, chatID) and returns
// its recent history. A chat with no conversation yet yields an empty slice.
func (s *Store) HistoryForChat(ctx context.Context, platform, chatID string, limit int) ([]Message, error) {
	conv, err := s.Conversation(ctx, platform, chatID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.History(ctx, conv.ID, limit)
}

// Conversation looks up the conversation for a platform+chat pair.
func (s *Store) Conversation(ctx context.Context, platform, chatID string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, channel_id, created_at, updated_at, metadata
		FROM conversations
		WHERE platform = ? AND channel_id = ?`, platform, chatID)
	return scanConversation(row)
}

// ConversationByID looks up a conversation by its identifier.
func (s *Store) ConversationByID(ctx context.Context, id string) (Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, platform, channel_id, created_at, updated_at, metadata
		FROM conversations
		WHERE id = ?`, id)
	return scanConversation(row)
}

// Conversations returns up to limit conversations, most recently updated first.
func (s *Store) Conversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, platform, channel_id, created_at, updated_at, metadata
		FROM conversations
		ORDER BY updated_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conversations", err)
	}
	return convs, nil
}

// DeleteConversation removes one conversation and, via the foreign key
// cascade, all of its messages. This is the explicit clear path; routine
// expiry goes through Cleanup.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup deletes conversations whose updated_at is older than the threshold,
// cascading their messages. Returns the number of conversations deleted.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := encodeTime(time.Now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("cleanup", err)
	}
	return n, nil
}

// ---------- internals ----------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt, metadata string
	err := row.Scan(&c.ID, &c.Platform, &c.ChatID, &createdAt, &updatedAt, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, storageErr("scan conversation", err)
	}
	c.CreatedAt = decodeTime(createdAt)
	c.UpdatedAt = decodeTime(updatedAt)
	if metadata != "" {
		_ = json.Unmarshal([]byte(metadata), &c.Metadata)
	}
	return c, nil
}

// getOrCreateConversation returns the conversation ID for (platform, chatID),
// creating the row if needed and bumping updated_at either way.
func getOrCreateConversation(ctx context.Context, tx *sql.Tx, platform, chatID string, at time.Time) (string, error) {
	if at.IsZero() {
		at = time.Now()
	}
	now := encodeTime(at)

	// Upsert keyed on (platform, channel_id): creates the row on first
	// contact, bumps updated_at on every subsequent message. max() keeps
	// updated_at monotonic when a platform delivers an old-stamped
	// message, so cleanup never sees an active conversation as stale.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, platform, channel_id, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, '{}')
		ON CONFLICT(platform, channel_id)
		DO UPDATE SET updated_at = max(updated_at, excluded.updated_at)`,
		uuid.NewString(), platform, chatID, now, now)
	if err != nil {
		return "", err
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM conversations WHERE platform = ? AND channel_id = ?`,
		platform, chatID).Scan(&id)
	return id, err
}

func insertMessage(ctx context.Context, tx *sql.Tx, conversationID string, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	msg.ConversationID = conversationID

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, author_id, author_name, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, conversationID, string(msg.Role), msg.AuthorID, msg.AuthorName,
		msg.Content, encodeTime(msg.Timestamp))
	return msg, err
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
