package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const conversationColumns = `id, kind, name, participants, last_text, last_sender, last_at, unread, created_at, updated_at`

// SaveConversation inserts or updates a conversation.
func (db *DB) SaveConversation(ctx context.Context, c model.Conversation) error {
	participants, err := json.Marshal(nonNil(c.Participants))
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	unread := c.Unread
	if unread == nil {
		unread = map[string]int{}
	}
	unreadJSON, err := json.Marshal(unread)
	if err != nil {
		return fmt.Errorf("encode unread: %w", err)
	}
	var lastText, lastSender string
	var lastAt sql.NullInt64
	if c.Last != nil {
		lastText, lastSender = c.Last.Text, c.Last.SenderID
		lastAt = sql.NullInt64{Int64: c.Last.At.UnixMilli(), Valid: true}
	}
	updatedAt := c.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, participants, last_text, last_sender, last_at, unread, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			participants = excluded.participants,
			last_text = excluded.last_text,
			last_sender = excluded.last_sender,
			last_at = excluded.last_at,
			unread = excluded.unread,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Kind), c.Name, string(participants), lastText, lastSender, lastAt, string(unreadJSON),
		c.CreatedAt.UnixMilli(), updatedAt.UnixMilli())
	return err
}

// Conversation returns one cached conversation, or model.ErrNotFound.
func (db *DB) Conversation(ctx context.Context, id string) (model.Conversation, error) {
	row := db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if isNoRows(err) {
		return c, model.ErrNotFound
	}
	return c, err
}

// ListConversations returns conversations with the most recent activity first.
func (db *DB) ListConversations(ctx context.Context, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY COALESCE(last_at, created_at) DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConversation removes a conversation and its cached messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

func scanConversation(row scanner) (model.Conversation, error) {
	var (
		c                    model.Conversation
		kind                 string
		participants, unread string
		lastText, lastSender string
		lastAt               sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &kind, &c.Name, &participants, &lastText, &lastSender, &lastAt, &unread, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	c.Kind = model.ConversationKind(kind)
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return c, fmt.Errorf("conversation %s: decode participants: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(unread), &c.Unread); err != nil {
		return c, fmt.Errorf("conversation %s: decode unread: %w", c.ID, err)
	}
	if lastAt.Valid {
		c.Last = &model.LastMessage{Text: lastText, SenderID: lastSender, At: time.UnixMilli(lastAt.Int64).UTC()}
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return c, nil
}
