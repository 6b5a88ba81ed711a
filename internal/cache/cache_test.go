package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/observability"
)

func testCache(t *testing.T) (*Cache, *observability.Metrics) {
	t.Helper()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	return New(metrics.Cache), metrics
}

func TestKeyIsStableAcrossParameterOrder(t *testing.T) {
	a := Key(Analytics, map[string]any{"period": "week", "metric": "temperature"})
	b := Key(Analytics, map[string]any{"metric": "temperature", "period": "week"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "analytics:"))

	changed := Key(Analytics, map[string]any{"period": "month", "metric": "temperature"})
	assert.NotEqual(t, a, changed)
}

func TestNamespaceTTLs(t *testing.T) {
	assert.Equal(t, time.Minute, ttlFor(RecentDetections))
	assert.Equal(t, time.Minute, ttlFor(TodaysDetections))
	assert.Equal(t, 5*time.Minute, ttlFor(BestDetections))
	assert.Equal(t, 15*time.Minute, ttlFor(SpeciesSummary))
	assert.Equal(t, time.Hour, ttlFor(WeeklyReport))
	assert.Equal(t, defaultTTL, ttlFor("unknown"))
}

func TestMemoizeServesSecondCallFromCache(t *testing.T) {
	c, metrics := testCache(t)
	params := map[string]any{"limit": 10}
	calls := 0

	fn := func(context.Context) ([]string, error) {
		calls++
		return []string{"Turdus merula"}, nil
	}

	first, err := Memoize(context.Background(), c, RecentDetections, params, fn)
	require.NoError(t, err)
	second, err := Memoize(context.Background(), c, RecentDetections, params, fn)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cache.Hits.WithLabelValues(RecentDetections)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Cache.Misses.WithLabelValues(RecentDetections)))
}

func TestMemoizeDoesNotCacheErrors(t *testing.T) {
	c, _ := testCache(t)
	calls := 0

	fn := func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.NewStd("store unavailable")
		}
		return "ok", nil
	}

	_, err := Memoize(context.Background(), c, RecentDetections, nil, fn)
	require.Error(t, err)

	got, err := Memoize(context.Background(), c, RecentDetections, nil, fn)
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, calls)
}

func TestMemoizeCoalescesConcurrentMisses(t *testing.T) {
	c, _ := testCache(t)

	var calls atomic.Int32
	release := make(chan struct{})

	const workers = 8
	var wg sync.WaitGroup
	results := make([]int, workers)
	errs := make([]error, workers)

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Memoize(context.Background(), c, Analytics,
				map[string]any{"period": "week"}, func(context.Context) (int, error) {
					calls.Add(1)
					<-release
					return 42, nil
				})
		}()
	}

	// Let the workers pile onto the flight before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, 42, results[i])
	}
}

func TestInvalidateNamespaceDropsOnlyThatNamespace(t *testing.T) {
	c, _ := testCache(t)
	counts := map[string]int{}

	memo := func(ns string) {
		_, err := Memoize(context.Background(), c, ns, map[string]any{"limit": 10},
			func(context.Context) (string, error) {
				counts[ns]++
				return ns, nil
			})
		require.NoError(t, err)
	}

	memo(RecentDetections)
	memo(Analytics)
	c.InvalidateNamespace(RecentDetections)
	memo(RecentDetections)
	memo(Analytics)

	assert.Equal(t, 2, counts[RecentDetections])
	assert.Equal(t, 1, counts[Analytics])
}

func TestDetectionTriggersInvalidateTheRightNamespaces(t *testing.T) {
	c, _ := testCache(t)
	counts := map[string]int{}

	memo := func(ns string) {
		_, err := Memoize(context.Background(), c, ns, nil,
			func(context.Context) (string, error) {
				counts[ns]++
				return ns, nil
			})
		require.NoError(t, err)
	}

	all := []string{RecentDetections, TodaysDetections, BestDetections,
		SpeciesSummary, FamilySummary, AllDetectionData, WeeklyReport}
	for _, ns := range all {
		memo(ns)
	}

	c.OnDetectionInsert()
	for _, ns := range all {
		memo(ns)
	}
	assert.Equal(t, 1, counts[WeeklyReport], "insert must not touch the weekly report")
	assert.Equal(t, 2, counts[RecentDetections])
	assert.Equal(t, 2, counts[AllDetectionData])

	c.OnDetectionMutate()
	memo(WeeklyReport)
	assert.Equal(t, 2, counts[WeeklyReport])
}

func TestMemoizeTypeMismatchFallsThroughToQuery(t *testing.T) {
	c, _ := testCache(t)
	params := map[string]any{"id": 7}
	c.backend.Set(Key(BestDetections, params), 123, gocache.NoExpiration)

	got, err := Memoize(context.Background(), c, BestDetections, params,
		func(context.Context) (string, error) {
			return "fresh", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
}

func TestWarmRunsQueriesInBackground(t *testing.T) {
	c, _ := testCache(t)
	var warmed atomic.Int32
	done := make(chan struct{})

	c.Warm(context.Background(),
		func(ctx context.Context) error {
			warmed.Add(1)
			return nil
		},
		func(ctx context.Context) error {
			warmed.Add(1)
			close(done)
			return nil
		},
	)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("warmers did not run")
	}
	assert.Equal(t, int32(2), warmed.Load())
}

func TestWarmSkipsWorkAfterCancel(t *testing.T) {
	c, _ := testCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var warmed atomic.Int32
	c.Warm(ctx, func(ctx context.Context) error {
		warmed.Add(1)
		return nil
	})

	assert.Never(t, func() bool { return warmed.Load() > 0 },
		100*time.Millisecond, 10*time.Millisecond)
}
