package weather

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/observability"
)

type fakeProvider struct {
	mu    sync.Mutex
	obs   *Observation
	err   error
	calls int
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(_ context.Context, _ *conf.Settings) (*Observation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.obs, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeWeatherStore struct {
	mu       sync.Mutex
	rows     map[int64]*datastore.Weather
	saved    []*datastore.Weather
	attached []time.Time
	saveErr  error
	attachN  int64
}

func newFakeWeatherStore() *fakeWeatherStore {
	return &fakeWeatherStore{rows: make(map[int64]*datastore.Weather), attachN: 1}
}

func (f *fakeWeatherStore) seed(hour time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := hour.UTC().Truncate(time.Hour)
	f.rows[h.Unix()] = &datastore.Weather{TimestampHour: h}
}

func (f *fakeWeatherStore) SaveWeather(_ context.Context, w *datastore.Weather) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, w)
	f.rows[w.TimestampHour.UTC().Unix()] = w
	return nil
}

func (f *fakeWeatherStore) GetWeather(_ context.Context, hour time.Time, _, _ float64) (*datastore.Weather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if w, ok := f.rows[hour.UTC().Truncate(time.Hour).Unix()]; ok {
		return w, nil
	}
	return nil, errors.Newf("no weather for hour").
		Component("datastore").
		Category(errors.CategoryNotFound).
		Build()
}

func (f *fakeWeatherStore) AttachWeather(_ context.Context, hour time.Time, _, _ float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, hour)
	return f.attachN, nil
}

func (f *fakeWeatherStore) savedRows() []*datastore.Weather {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*datastore.Weather(nil), f.saved...)
}

func (f *fakeWeatherStore) attachedHours() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.attached...)
}

func serviceTestSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Location.Latitude = 60.1699
	s.Location.Longitude = 24.9384
	s.Weather.Provider = "yrno"
	s.Weather.PollIntervalMinutes = 60
	return s
}

func newTestService(t *testing.T, settings *conf.Settings, store Store) (*Service, *observability.Metrics) {
	t.Helper()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	svc, err := NewService(settings, store, metrics.Weather)
	require.NoError(t, err)
	return svc, metrics
}

func TestNewServiceSelectsProvider(t *testing.T) {
	store := newFakeWeatherStore()

	settings := serviceTestSettings()
	svc, _ := newTestService(t, settings, store)
	assert.IsType(t, &YrNoProvider{}, svc.provider)

	settings = serviceTestSettings()
	settings.Weather.Provider = "openweather"
	svc, _ = newTestService(t, settings, store)
	assert.IsType(t, &OpenWeatherProvider{}, svc.provider)

	settings = serviceTestSettings()
	settings.Weather.Provider = "noaa"
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	_, err = NewService(settings, store, metrics.Weather)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryConfiguration))
}

func TestFetchAndStoreSavesHourlyRow(t *testing.T) {
	store := newFakeWeatherStore()
	svc, metrics := newTestService(t, serviceTestSettings(), store)

	temp := 14.2
	svc.provider = &fakeProvider{obs: &Observation{
		Time:         time.Date(2024, 6, 15, 6, 20, 0, 0, time.UTC),
		TemperatureC: &temp,
	}}

	svc.fetchAndStore(context.Background())

	rows := store.savedRows()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC), row.TimestampHour)
	assert.InDelta(t, 60.1699, row.Latitude, 0.0001)
	assert.InDelta(t, 24.9384, row.Longitude, 0.0001)
	assert.Equal(t, "fake", row.Source)
	require.NotNil(t, row.TemperatureC)
	assert.InDelta(t, 14.2, *row.TemperatureC, 0.001)
	assert.WithinDuration(t, time.Now().UTC(), row.FetchedAt, 5*time.Second)

	// Helsinki has both sun events in mid June.
	require.NotNil(t, row.Sunrise)
	require.NotNil(t, row.Sunset)
	assert.True(t, row.Sunrise.Before(*row.Sunset))

	// Only the observation hour exists; the previous hour has no row,
	// so the attach pass skips it.
	attached := store.attachedHours()
	require.Len(t, attached, 1)
	assert.Equal(t, row.TimestampHour, attached[0].UTC())

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.Weather.Fetches.WithLabelValues("fake", "success")))
	assert.Greater(t, testutil.ToFloat64(metrics.Weather.LastFetchUnix), float64(0))
}

func TestFetchAndStoreBackfillsPreviousHour(t *testing.T) {
	store := newFakeWeatherStore()
	store.attachN = 2
	svc, metrics := newTestService(t, serviceTestSettings(), store)

	obsTime := time.Date(2024, 6, 15, 7, 5, 0, 0, time.UTC)
	store.seed(obsTime.Add(-time.Hour))
	svc.provider = &fakeProvider{obs: &Observation{Time: obsTime}}

	svc.fetchAndStore(context.Background())

	attached := store.attachedHours()
	require.Len(t, attached, 2)
	assert.Equal(t, time.Date(2024, 6, 15, 7, 0, 0, 0, time.UTC), attached[0].UTC())
	assert.Equal(t, time.Date(2024, 6, 15, 6, 0, 0, 0, time.UTC), attached[1].UTC())

	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.Weather.AttachedDetections))
}

func TestFetchAndStoreAttachesWhenProviderFails(t *testing.T) {
	store := newFakeWeatherStore()
	svc, metrics := newTestService(t, serviceTestSettings(), store)

	// Rows for the current and previous hour already exist from earlier
	// polls; a fetch failure must not stop detections linking to them.
	now := time.Now()
	store.seed(now)
	store.seed(now.Add(-time.Hour))
	svc.provider = &fakeProvider{err: errors.NewStd("api down")}

	svc.fetchAndStore(context.Background())

	assert.Empty(t, store.savedRows())
	assert.Len(t, store.attachedHours(), 2)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.Weather.Fetches.WithLabelValues("fake", "error")))
}

func TestFetchAndStoreSkipsSaveWhenNotModified(t *testing.T) {
	store := newFakeWeatherStore()
	svc, metrics := newTestService(t, serviceTestSettings(), store)

	now := time.Now()
	store.seed(now)
	svc.provider = &fakeProvider{err: ErrNotModified}

	svc.fetchAndStore(context.Background())

	assert.Empty(t, store.savedRows())
	assert.NotEmpty(t, store.attachedHours())
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.Weather.Fetches.WithLabelValues("fake", "not_modified")))
}

func TestFetchAndStoreSaveErrorSkipsAttach(t *testing.T) {
	store := newFakeWeatherStore()
	store.saveErr = errors.NewStd("disk full")
	svc, _ := newTestService(t, serviceTestSettings(), store)

	svc.provider = &fakeProvider{obs: &Observation{Time: time.Now().UTC()}}

	svc.fetchAndStore(context.Background())

	assert.Empty(t, store.savedRows())
	assert.Empty(t, store.attachedHours())
}

func TestRowFromObservationPolarNight(t *testing.T) {
	settings := serviceTestSettings()
	settings.Location.Latitude = 78.2232
	settings.Location.Longitude = 15.6267

	svc, _ := newTestService(t, settings, newFakeWeatherStore())
	svc.provider = &fakeProvider{}

	row := svc.rowFromObservation(&Observation{
		Time: time.Date(2024, 12, 21, 12, 0, 0, 0, time.UTC),
	})
	assert.Nil(t, row.Sunrise)
	assert.Nil(t, row.Sunset)
	assert.Equal(t, time.Date(2024, 12, 21, 12, 0, 0, 0, time.UTC), row.TimestampHour)
}

func TestServiceLoopPollsUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newFakeWeatherStore()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	svc, err := NewService(serviceTestSettings(), store, metrics.Weather,
		WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	provider := &fakeProvider{obs: &Observation{Time: time.Now().UTC()}}
	svc.provider = provider

	require.NoError(t, svc.Start(context.Background()))
	require.Eventually(t, func() bool { return provider.callCount() >= 2 },
		2*time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
}

func TestServiceStopWithoutStart(t *testing.T) {
	svc, _ := newTestService(t, serviceTestSettings(), newFakeWeatherStore())
	svc.Stop()
}
