package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/errors"
)

func fv(v float64) *float64 { return &v }

func TestSaveWeatherUpsertsOnHourAndLocation(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	hour := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

	// Sub-hour precision is truncated away before the write.
	require.NoError(t, store.SaveWeather(ctx, &Weather{
		TimestampHour: hour.Add(25 * time.Minute),
		Latitude:      60.2, Longitude: 24.9,
		TemperatureC: fv(10), Humidity: fv(80),
		Source: "yr.no", FetchedAt: hour,
	}))

	got, err := store.GetWeather(ctx, hour, 60.2, 24.9)
	require.NoError(t, err)
	require.NotNil(t, got.TemperatureC)
	assert.InDelta(t, 10, *got.TemperatureC, 1e-9)
	assert.True(t, got.TimestampHour.Equal(hour))

	// A refetch for the same hour and place replaces the row.
	require.NoError(t, store.SaveWeather(ctx, &Weather{
		TimestampHour: hour,
		Latitude:      60.2, Longitude: 24.9,
		TemperatureC: fv(12),
		Source:       "openweather", FetchedAt: hour.Add(30 * time.Minute),
	}))

	got, err = store.GetWeather(ctx, hour, 60.2, 24.9)
	require.NoError(t, err)
	require.NotNil(t, got.TemperatureC)
	assert.InDelta(t, 12, *got.TemperatureC, 1e-9)
	assert.Equal(t, "openweather", got.Source)

	// A different location is a separate observation.
	require.NoError(t, store.SaveWeather(ctx, &Weather{
		TimestampHour: hour,
		Latitude:      51.5, Longitude: -0.1,
		TemperatureC: fv(17),
		Source:       "yr.no", FetchedAt: hour,
	}))

	var count int64
	require.NoError(t, store.DB.Model(&Weather{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestGetWeatherNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetWeather(context.Background(),
		time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC), 60.2, 24.9)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestAttachWeatherFillsEachDetectionOnce(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	hour := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

	inHourA := insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.8, hour.Add(10*time.Minute))
	inHourB := insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.9, hour.Add(40*time.Minute))
	nextHour := insertDetection(t, store, "Erithacus rubecula", "European Robin", 0.7, hour.Add(70*time.Minute))

	affected, err := store.AttachWeather(ctx, hour, 60.2, 24.9)
	require.NoError(t, err)
	assert.EqualValues(t, 2, affected)

	got, err := store.GetDetection(ctx, inHourA.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WeatherTimestamp)
	assert.True(t, got.WeatherTimestamp.Equal(hour))
	require.NotNil(t, got.WeatherLatitude)
	assert.InDelta(t, 60.2, *got.WeatherLatitude, 1e-9)

	got, err = store.GetDetection(ctx, inHourB.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.WeatherTimestamp)

	got, err = store.GetDetection(ctx, nextHour.ID)
	require.NoError(t, err)
	assert.Nil(t, got.WeatherTimestamp, "a detection outside the hour stays untouched")

	// The triple is written at most once: a second pass finds nothing null.
	affected, err = store.AttachWeather(ctx, hour, 61.0, 25.0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, affected)

	got, err = store.GetDetection(ctx, inHourA.ID)
	require.NoError(t, err)
	assert.InDelta(t, 60.2, *got.WeatherLatitude, 1e-9, "existing weather link is never rewritten")
}
