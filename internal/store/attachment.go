package store

import (
	"context"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
)

// SaveImage caches attachment bytes for a message until its upload succeeds.
func (db *DB) SaveImage(ctx context.Context, messageID string, data []byte) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO attachment_blobs (message_id, data, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET data = excluded.data`,
		messageID, data, time.Now().UnixMilli())
	return err
}

// LoadImage returns cached attachment bytes, or model.ErrNotFound.
func (db *DB) LoadImage(ctx context.Context, messageID string) ([]byte, error) {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT data FROM attachment_blobs WHERE message_id = ?`, messageID).Scan(&data)
	if isNoRows(err) {
		return nil, model.ErrNotFound
	}
	return data, err
}

// DeleteImage purges cached attachment bytes.
func (db *DB) DeleteImage(ctx context.Context, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM attachment_blobs WHERE message_id = ?`, messageID)
	return err
}

// SaveUploadRecord persists the upload state of one attachment.
func (db *DB) SaveUploadRecord(ctx context.Context, r model.UploadRecord) error {
	updatedAt := r.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO attachment_states (message_id, conversation_id, kind, ext, phase, progress, url, reason, retry_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			kind = excluded.kind,
			ext = excluded.ext,
			phase = excluded.phase,
			progress = excluded.progress,
			url = excluded.url,
			reason = excluded.reason,
			retry_count = excluded.retry_count,
			updated_at = excluded.updated_at`,
		r.MessageID, r.ConversationID, string(r.Kind), r.Ext, r.Phase, r.Progress, r.URL, r.Reason, r.RetryCount, updatedAt.UnixMilli())
	return err
}

// UploadRecords returns every persisted upload state.
func (db *DB) UploadRecords(ctx context.Context) ([]model.UploadRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT message_id, conversation_id, kind, ext, phase, progress, url, reason, retry_count, updated_at
		FROM attachment_states
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.UploadRecord
	for rows.Next() {
		var (
			r         model.UploadRecord
			kind      string
			updatedAt int64
		)
		if err := rows.Scan(&r.MessageID, &r.ConversationID, &kind, &r.Ext, &r.Phase, &r.Progress, &r.URL, &r.Reason, &r.RetryCount, &updatedAt); err != nil {
			return nil, err
		}
		r.Kind = model.MediaKind(kind)
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteUploadRecord removes the persisted upload state of a message.
func (db *DB) DeleteUploadRecord(ctx context.Context, messageID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM attachment_states WHERE message_id = ?`, messageID)
	return err
}
