package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

const messageColumns = `id, conversation_id, sender_id, sender_name, body, attachment_url, attachment_kind, status, read_by, created_at`

// SaveMessage inserts or replaces a message keyed by its ID. Messages in a
// locally owned status are stored unsynced; confirmed ones are stored synced.
func (db *DB) SaveMessage(ctx context.Context, m model.Message) error {
	readBy, err := json.Marshal(nonNil(m.ReadBy))
	if err != nil {
		return fmt.Errorf("encode read_by: %w", err)
	}
	var url, kind string
	if m.Attachment != nil {
		url, kind = m.Attachment.URL, string(m.Attachment.Kind)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, body, attachment_url, attachment_kind, status, read_by, synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachment_url = excluded.attachment_url,
			attachment_kind = excluded.attachment_kind,
			status = excluded.status,
			read_by = excluded.read_by,
			synced = excluded.synced,
			updated_at = excluded.updated_at`,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Text, url, kind, string(m.Status), string(readBy),
		!m.Status.LocallyOwned(), m.CreatedAt.UnixMilli(), time.Now().UnixMilli())
	return err
}

// Messages returns the cached messages of a conversation in display order.
func (db *DB) Messages(ctx context.Context, conversationID string) ([]model.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Message returns one cached message, or model.ErrNotFound.
func (db *DB) Message(ctx context.Context, id string) (model.Message, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return model.Message{}, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return model.Message{}, err
	}
	if len(msgs) == 0 {
		return model.Message{}, model.ErrNotFound
	}
	return msgs[0], nil
}

// DeleteMessage removes a cached message. Deleting a missing message is not an error.
func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// UnsyncedMessages returns every message not yet confirmed by the remote store,
// oldest first.
func (db *DB) UnsyncedMessages(ctx context.Context) ([]model.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE synced = 0
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MarkSynced flags a message as confirmed by the remote store.
func (db *DB) MarkSynced(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `UPDATE messages SET synced = 1, updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner, extra ...any) (model.Message, error) {
	var (
		m               model.Message
		url, kind, st   string
		readBy          string
		createdAtMillis int64
	)
	dest := append([]any{&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text, &url, &kind, &st, &readBy, &createdAtMillis}, extra...)
	if err := row.Scan(dest...); err != nil {
		return m, err
	}
	status, err := model.ParseStatus(st)
	if err != nil {
		return m, fmt.Errorf("message %s: %w", m.ID, err)
	}
	m.Status = status
	if kind != "" {
		m.Attachment = &model.Attachment{URL: url, Kind: model.MediaKind(kind)}
	}
	if err := json.Unmarshal([]byte(readBy), &m.ReadBy); err != nil {
		return m, fmt.Errorf("message %s: decode read_by: %w", m.ID, err)
	}
	if len(m.ReadBy) == 0 {
		m.ReadBy = nil
	}
	m.CreatedAt = time.UnixMilli(createdAtMillis).UTC()
	return m, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
