package store

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store/migrations"
)

// ErrDirtySchema means an earlier migration stopped halfway. The cache holds
// no data the remote store lacks, so deleting cache.db recovers the session.
var ErrDirtySchema = errors.New("cache schema is dirty")

// Migration reports the cache schema version before and after Migrate.
type Migration struct {
	From    uint
	Version uint
	Changed bool
}

// Migrate brings the cache schema up to date and logs the outcome.
func (db *DB) Migrate() (*Migration, error) {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db.DB, &sqlite3.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("migration instance: %w", err)
	}

	from, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}

	changed := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		changed = false
	} else if err != nil {
		return nil, fmt.Errorf("migrate cache from version %d: %w", from, err)
	}

	version, err := schemaVersion(m)
	if err != nil {
		return nil, err
	}
	if changed {
		db.logger.Info("cache schema migrated",
			zap.String("path", db.path), zap.Uint("from", from), zap.Uint("version", version))
	} else {
		db.logger.Info("cache schema up to date", zap.String("path", db.path), zap.Uint("version", version))
	}
	return &Migration{From: from, Version: version, Changed: changed}, nil
}

// schemaVersion returns 0 for a fresh cache and refuses a dirty one.
func schemaVersion(m *migrate.Migrate) (uint, error) {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("%w at version %d", ErrDirtySchema, version)
	}
	return version, nil
}
