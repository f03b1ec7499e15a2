package store

import "context"

// Checkpoint returns a sync_state value, or "" when unset.
func (db *DB) Checkpoint(ctx context.Context, key string) (string, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if isNoRows(err) {
		return "", nil
	}
	return v, err
}

// SetCheckpoint stores a sync_state value.
func (db *DB) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
