package datastore

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avibox/avibox/internal/errors"
)

// SaveWeather upserts an hourly observation on its composite key.
func (s *SQLiteStore) SaveWeather(ctx context.Context, w *Weather) error {
	w.TimestampHour = w.TimestampHour.UTC().Truncate(time.Hour)
	err := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "timestamp_hour"}, {Name: "latitude"}, {Name: "longitude"}},
			UpdateAll: true,
		}).
		Create(w).Error
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "save-weather").
			Build()
	}
	return nil
}

// GetWeather fetches the observation for an hour and location.
func (s *SQLiteStore) GetWeather(ctx context.Context, hour time.Time, lat, lon float64) (*Weather, error) {
	var w Weather
	err := s.DB.WithContext(ctx).
		First(&w, "timestamp_hour = ? AND latitude = ? AND longitude = ?",
			hour.UTC().Truncate(time.Hour), lat, lon).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("no weather for %s", hour.UTC().Format(time.RFC3339)).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get-weather").
			Build()
	}
	return &w, nil
}

// AttachWeather fills the weather triple on detections from the same hour
// whose triple is still null. Detections are immutable otherwise, so the
// update touches only rows where weather_timestamp IS NULL: each detection
// gets its weather exactly once.
func (s *SQLiteStore) AttachWeather(ctx context.Context, hour time.Time, lat, lon float64) (int64, error) {
	hour = hour.UTC().Truncate(time.Hour)
	res := s.DB.WithContext(ctx).Model(&Detection{}).
		Where("weather_timestamp IS NULL AND timestamp >= ? AND timestamp < ?", hour, hour.Add(time.Hour)).
		Updates(map[string]any{
			"weather_timestamp": hour,
			"weather_latitude":  lat,
			"weather_longitude": lon,
		})
	if res.Error != nil {
		return 0, errors.New(res.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "attach-weather").
			Build()
	}
	return res.RowsAffected, nil
}
