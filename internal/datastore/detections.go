package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/avibox/avibox/internal/errors"
)

// SaveDetection inserts the detection and its optional audio clip in one
// transaction. The clip row is created first so the foreign key is valid.
func (s *SQLiteStore) SaveDetection(ctx context.Context, d *Detection, clip *AudioFile) error {
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if clip != nil {
			if err := tx.Create(clip).Error; err != nil {
				return err
			}
			d.AudioFileID = &clip.ID
		}
		return tx.Create(d).Error
	})
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save-detection").
			Context("scientific_name", d.ScientificName).
			Build()
	}
	return nil
}

// GetDetection fetches one detection by UUID. A missing row reports
// CategoryNotFound so the HTTP boundary can map it to 404.
func (s *SQLiteStore) GetDetection(ctx context.Context, id string) (*Detection, error) {
	var d Detection
	err := s.DB.WithContext(ctx).Preload("AudioFile").First(&d, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("detection %s not found", id).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get-detection").
			Build()
	}
	return &d, nil
}

// GetRecentDetections returns the newest detections, newest first.
func (s *SQLiteStore) GetRecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	var out []Detection
	err := s.DB.WithContext(ctx).
		Order("timestamp DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "recent-detections").
			Build()
	}
	return out, nil
}

// SearchDetections returns one page of detections plus the total row count
// for the filter set.
func (s *SQLiteStore) SearchDetections(ctx context.Context, filters *SearchFilters) ([]Detection, int64, error) {
	query := s.DB.WithContext(ctx).Model(&Detection{})
	if !filters.StartDate.IsZero() {
		query = query.Where("timestamp >= ?", filters.StartDate)
	}
	if !filters.EndDate.IsZero() {
		query = query.Where("timestamp < ?", filters.EndDate)
	}
	if filters.Species != "" {
		query = query.Where("scientific_name = ? OR common_name = ?", filters.Species, filters.Species)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "search-count").
			Build()
	}

	var out []Detection
	err := query.
		Order("timestamp DESC").
		Offset(filters.Offset).
		Limit(filters.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "search").
			Build()
	}
	return out, total, nil
}

// CountDetectionsByDate counts rows in the half-open instant range.
func (s *SQLiteStore) CountDetectionsByDate(ctx context.Context, dayStart, dayEnd time.Time) (int64, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&Detection{}).
		Where("timestamp >= ? AND timestamp < ?", dayStart, dayEnd).
		Count(&count).Error
	if err != nil {
		return 0, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "count-by-date").
			Build()
	}
	return count, nil
}

// BestDetections returns the highest-confidence detection per species within
// the range, best first.
func (s *SQLiteStore) BestDetections(ctx context.Context, start, end time.Time, limit int) ([]Detection, error) {
	var out []Detection
	sub := s.DB.Model(&Detection{}).
		Select("scientific_name, MAX(confidence) AS max_conf").
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Group("scientific_name")
	err := s.DB.WithContext(ctx).
		Joins("JOIN (?) best ON detections.scientific_name = best.scientific_name AND detections.confidence = best.max_conf", sub).
		Where("detections.timestamp >= ? AND detections.timestamp < ?", start, end).
		Order("detections.confidence DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "best-detections").
			Build()
	}
	return out, nil
}

// DeleteDetection removes a detection and its clip row.
func (s *SQLiteStore) DeleteDetection(ctx context.Context, id string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var d Detection
		if err := tx.First(&d, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Newf("detection %s not found", id).
					Component("datastore").
					Category(errors.CategoryNotFound).
					Build()
			}
			return err
		}
		if err := tx.Delete(&Detection{}, "id = ?", id).Error; err != nil {
			return err
		}
		if d.AudioFileID != nil {
			if err := tx.Delete(&AudioFile{}, "id = ?", *d.AudioFileID).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// SpeciesFirstSeen returns the earliest detection timestamp for a species
// and whether any exists.
func (s *SQLiteStore) SpeciesFirstSeen(ctx context.Context, scientificName string) (time.Time, bool, error) {
	var d Detection
	err := s.DB.WithContext(ctx).
		Where("scientific_name = ?", scientificName).
		Order("timestamp ASC").
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "first-seen").
			Build()
	}
	return d.Timestamp, true, nil
}

// SpeciesSeenBetween reports whether the species appears in [since, before).
func (s *SQLiteStore) SpeciesSeenBetween(ctx context.Context, scientificName string, since, before time.Time) (bool, error) {
	var count int64
	err := s.DB.WithContext(ctx).Model(&Detection{}).
		Where("scientific_name = ? AND timestamp >= ? AND timestamp < ?", scientificName, since, before).
		Count(&count).Error
	if err != nil {
		return false, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "seen-between").
			Build()
	}
	return count > 0, nil
}
