package datastore

import (
	"context"
	"time"

	"github.com/avibox/avibox/internal/errors"
)

// SpeciesSequence returns the ordered (timestamp, species) projection
// feeding accumulation, turnover, heatmap, and frequency computations.
func (s *SQLiteStore) SpeciesSequence(ctx context.Context, start, end time.Time) ([]SpeciesAt, error) {
	var out []SpeciesAt
	err := s.DB.WithContext(ctx).Model(&Detection{}).
		Select("timestamp, scientific_name").
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Order("timestamp ASC").
		Scan(&out).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "species-sequence").
			Build()
	}
	return out, nil
}

// DailyDetectionCounts returns one value per calendar day with any data.
func (s *SQLiteStore) DailyDetectionCounts(ctx context.Context, start, end time.Time) ([]DailyValue, error) {
	rows := []struct {
		Date  string
		Count float64
	}{}
	err := s.DB.WithContext(ctx).Model(&Detection{}).
		Select("strftime('%Y-%m-%d', timestamp) AS date, COUNT(*) AS count").
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Group("date").
		Order("date").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "daily-counts").
			Build()
	}
	out := make([]DailyValue, 0, len(rows))
	for i := range rows {
		v := rows[i].Count
		out = append(out, DailyValue{Date: rows[i].Date, Value: &v})
	}
	return out, nil
}

// weatherMetricColumns whitelists the correlation metrics; anything else is
// a validation error, never interpolated SQL.
var weatherMetricColumns = map[string]string{
	"temperature":   "temperature_c",
	"humidity":      "humidity",
	"pressure":      "pressure_h_pa",
	"wind_speed":    "wind_speed_ms",
	"precipitation": "precipitation",
	"cloud_cover":   "cloud_cover",
}

// DailyWeatherAverages returns the per-day mean of one weather metric.
func (s *SQLiteStore) DailyWeatherAverages(ctx context.Context, start, end time.Time, metric string) ([]DailyValue, error) {
	column, ok := weatherMetricColumns[metric]
	if !ok {
		return nil, errors.Newf("unknown weather metric %q", metric).
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	rows := []struct {
		Date string
		Avg  *float64
	}{}
	err := s.DB.WithContext(ctx).Model(&Weather{}).
		Select("strftime('%Y-%m-%d', timestamp_hour) AS date, AVG("+column+") AS avg").
		Where("timestamp_hour >= ? AND timestamp_hour < ?", start, end).
		Group("date").
		Order("date").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "daily-weather").
			Build()
	}
	out := make([]DailyValue, 0, len(rows))
	for i := range rows {
		out = append(out, DailyValue{Date: rows[i].Date, Value: rows[i].Avg})
	}
	return out, nil
}
