package datastore

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

// SQLiteStore is the SQLite-backed store.
type SQLiteStore struct {
	DataStore
	Settings *conf.Settings

	refAttached bool
}

// Open connects to the database file, applies the connection pragmas, runs
// auto-migration, and attaches the reference database when present.
func (s *SQLiteStore) Open() error {
	path := s.Settings.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}

	// busy_timeout lets concurrent processes (web + update daemon) wait out
	// each other's write transactions instead of failing immediately.
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: createGormLogger()})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "open").
			Context("path", path).
			Build()
	}
	s.DB = db

	// A single pooled connection keeps the session-scoped ATTACH visible to
	// every query; WAL still allows concurrent readers in other processes.
	sqlDB, err := db.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "pool").
			Build()
	}
	sqlDB.SetMaxOpenConns(1)

	if err := s.performAutoMigration(); err != nil {
		return err
	}

	if err := s.attachReference(); err != nil {
		// The reference store is optional: taxonomy queries degrade, the
		// detection pipeline keeps running.
		getLogger().Warn("reference database not attached",
			"path", s.Settings.ReferenceDBPath(), "error", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	if s.DB == nil {
		return nil
	}
	sqlDB, err := s.DB.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "close").
			Build()
	}
	return sqlDB.Close()
}

// Migrate creates or upgrades the schema in place. Open runs it
// automatically; the update daemon also calls it during an apply and in
// one-shot migrate mode.
func (s *SQLiteStore) Migrate() error {
	return s.performAutoMigration()
}

// performAutoMigration creates or upgrades the schema in place.
func (s *SQLiteStore) performAutoMigration() error {
	if err := s.DB.AutoMigrate(
		&AudioFile{},
		&Detection{},
		&Weather{},
		&KVEntry{},
	); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto-migrate").
			Build()
	}
	return nil
}

// attachReference attaches the read-only species reference database under
// the "ref" schema for cross-database JOINs. Attach happens once per session.
func (s *SQLiteStore) attachReference() error {
	refPath := s.Settings.ReferenceDBPath()
	if refPath == "" {
		return errors.Newf("no reference database configured").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := os.Stat(refPath); err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryFileIO).
			Context("path", refPath).
			Build()
	}
	attach := fmt.Sprintf("ATTACH DATABASE %q AS ref", refPath)
	if err := s.DB.Exec(attach).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "attach-reference").
			Build()
	}
	s.refAttached = true
	return nil
}

// ReferenceAttached reports whether taxonomy queries are available.
func (s *SQLiteStore) ReferenceAttached() bool {
	return s.refAttached
}
