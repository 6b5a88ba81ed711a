package datastore

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avibox/avibox/internal/errors"
)

// The kv_entries table is the coordination channel between the web process
// and the update daemon: update:request, update:status, update:result.

// KVGet reads a key, reporting presence separately from errors.
func (s *SQLiteStore) KVGet(ctx context.Context, key string) (string, bool, error) {
	var entry KVEntry
	err := s.DB.WithContext(ctx).First(&entry, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "kv-get").
			Context("key", key).
			Build()
	}
	return entry.Value, true, nil
}

// KVSet upserts a key.
func (s *SQLiteStore) KVSet(ctx context.Context, key, value string) error {
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&KVEntry{Key: key, Value: value}).Error
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "kv-set").
			Context("key", key).
			Build()
	}
	return nil
}

// KVDelete removes a key; deleting an absent key is not an error.
func (s *SQLiteStore) KVDelete(ctx context.Context, key string) error {
	err := s.DB.WithContext(ctx).Delete(&KVEntry{}, "key = ?", key).Error
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "kv-delete").
			Context("key", key).
			Build()
	}
	return nil
}

// KVConsume reads and deletes a key in one transaction, so a request
// document is handed to exactly one consumer.
func (s *SQLiteStore) KVConsume(ctx context.Context, key string) (string, bool, error) {
	var value string
	found := false
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry KVEntry
		if err := tx.First(&entry, "key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Delete(&KVEntry{}, "key = ?", key).Error; err != nil {
			return err
		}
		value = entry.Value
		found = true
		return nil
	})
	if err != nil {
		return "", false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "kv-consume").
			Context("key", key).
			Build()
	}
	return value, found, nil
}
