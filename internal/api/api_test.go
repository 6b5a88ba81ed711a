package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/analytics"
	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/observability"
)

// fakeStore backs the handlers and the analytics service with canned data.
// It records the arguments handlers pass down so tests can assert clamping
// and date math without a database.
type fakeStore struct {
	mu          sync.Mutex
	detections  map[string]*datastore.Detection
	recent      []datastore.Detection
	recentLimit int
	searchRows  []datastore.Detection
	searchTotal int64
	lastFilters datastore.SearchFilters
	count       int64
	countStart  time.Time
	countEnd    time.Time
	best        []datastore.Detection
	weather     map[int64]*datastore.Weather
	kv          map[string]string
	summaries   []datastore.SpeciesSummaryRow
	familyList  []string
	seq         []datastore.SpeciesAt
	dailyCounts []datastore.DailyValue
	dailyAvgs   []datastore.DailyValue
	failWith    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		detections: make(map[string]*datastore.Detection),
		weather:    make(map[int64]*datastore.Weather),
		kv:         make(map[string]string),
	}
}

func (f *fakeStore) GetDetection(_ context.Context, id string) (*datastore.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	d, ok := f.detections[id]
	if !ok {
		return nil, errors.Newf("detection %s not found", id).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	return d, nil
}

func (f *fakeStore) GetRecentDetections(_ context.Context, limit int) ([]datastore.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.recentLimit = limit
	if limit < len(f.recent) {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeStore) SearchDetections(_ context.Context, filters *datastore.SearchFilters) ([]datastore.Detection, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, 0, f.failWith
	}
	f.lastFilters = *filters
	return f.searchRows, f.searchTotal, nil
}

func (f *fakeStore) CountDetectionsByDate(_ context.Context, dayStart, dayEnd time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.countStart, f.countEnd = dayStart, dayEnd
	return f.count, nil
}

func (f *fakeStore) BestDetections(_ context.Context, _, _ time.Time, limit int) ([]datastore.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if limit < len(f.best) {
		return f.best[:limit], nil
	}
	return f.best, nil
}

func (f *fakeStore) GetWeather(_ context.Context, hour time.Time, _, _ float64) (*datastore.Weather, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.weather[hour.UTC().Unix()]
	if !ok {
		return nil, errors.Newf("no weather row for %s", hour).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	return w, nil
}

func (f *fakeStore) KVGet(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return "", false, f.failWith
	}
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeStore) KVSet(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.kv[key] = value
	return nil
}

func (f *fakeStore) SpeciesSequence(_ context.Context, _, _ time.Time) ([]datastore.SpeciesAt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq, f.failWith
}

func (f *fakeStore) DailyDetectionCounts(_ context.Context, _, _ time.Time) ([]datastore.DailyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dailyCounts, f.failWith
}

func (f *fakeStore) DailyWeatherAverages(_ context.Context, _, _ time.Time, metric string) ([]datastore.DailyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if metric == "" {
		return nil, errors.Newf("metric cannot be empty").
			Component("datastore").
			Category(errors.CategoryValidation).
			Build()
	}
	return f.dailyAvgs, f.failWith
}

func (f *fakeStore) SpeciesSummary(_ context.Context, _ datastore.SummaryOptions) ([]datastore.SpeciesSummaryRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.summaries, f.failWith
}

func (f *fakeStore) Families(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.familyList, f.failWith
}

func (f *fakeStore) kvValue(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok
}

func apiTestSettings() *conf.Settings {
	s := &conf.Settings{}
	s.Location.Latitude = 60.1699
	s.Location.Longitude = 24.9384
	s.Location.Timezone = "UTC"
	s.Location.SpeciesDisplayMode = "full"
	s.WebServer.Port = "8080"
	return s
}

// newTestHarness builds the full server so tests exercise route
// registration and middleware, not just handler bodies.
func newTestHarness(t *testing.T, settings *conf.Settings, store *fakeStore) *Server {
	t.Helper()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	cc := cache.New(metrics.Cache)
	svc := analytics.NewService(store, cc, settings.TimeLocation())
	srv, err := NewServer(settings, store, svc, cc, nil, metrics)
	require.NoError(t, err)
	return srv
}

func newTestServer(t *testing.T, settings *conf.Settings, store *fakeStore) *echo.Echo {
	t.Helper()
	return newTestHarness(t, settings, store).echo
}

func doRequest(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func testDetection(id string, ts time.Time, scientific, common string, confidence float64) datastore.Detection {
	return datastore.Detection{
		ID:             id,
		Timestamp:      ts,
		ScientificName: scientific,
		CommonName:     common,
		Confidence:     confidence,
		Week:           23,
	}
}

func TestHealthReportsVersionAndDatabase(t *testing.T) {
	store := newFakeStore()
	e := newTestServer(t, apiTestSettings(), store)

	rec := doRequest(e, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "ok", body.Database)
	assert.NotEmpty(t, body.Version)
	assert.NotEmpty(t, body.Timestamp)
}

func TestHealthDegradesWhenStoreFails(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.Newf("disk gone").Component("datastore").Category(errors.CategoryDatabase).Build()
	e := newTestServer(t, apiTestSettings(), store)

	rec := doRequest(e, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeJSON[healthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "error", body.Database)
}

func TestMetricsEndpointMounted(t *testing.T) {
	store := newFakeStore()
	e := newTestServer(t, apiTestSettings(), store)

	// Touch an instrumented route first so the exposition has samples.
	doRequest(e, http.MethodGet, "/api/health")

	rec := doRequest(e, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "api_http_requests_total")
}

func TestInternalErrorsCarryCorrelationID(t *testing.T) {
	store := newFakeStore()
	store.failWith = errors.Newf("timeout waiting for lock").Component("datastore").Category(errors.CategoryDatabase).Build()
	e := newTestServer(t, apiTestSettings(), store)

	rec := doRequest(e, http.MethodGet, "/api/detections/recent")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decodeJSON[errorBody](t, rec)
	assert.Equal(t, "internal server error", body.Error)
	assert.Len(t, body.CorrelationID, 8)
	assert.NotContains(t, rec.Body.String(), "timeout waiting for lock")
}
