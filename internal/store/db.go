package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/logging"
)

// cacheDSN configures the cache connection. synchronous=NORMAL is safe under
// WAL: a crash can lose the last commits, which the remote store still has.
const cacheDSN = "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"

// DB wraps the SQLite connection backing the local message cache.
type DB struct {
	*sql.DB
	path   string
	logger *zap.Logger
}

// Open opens the session cache at path. The schema is not touched until
// Migrate runs.
func Open(path string, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("sqlite3", path+cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	return &DB{
		DB:     db,
		path:   path,
		logger: logging.OrNop(logger).With(zap.String("component", "cache")),
	}, nil
}

// Path returns the cache file location.
func (db *DB) Path() string { return db.path }
