// Package cache memoizes expensive datastore and analytics queries in
// process memory. Entries are grouped into namespaces with fixed TTLs and
// invalidated at namespace granularity when detections change.
package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

// Namespaces. Every memoized query belongs to exactly one.
const (
	RecentDetections = "recent_detections"
	TodaysDetections = "todays_detections"
	BestDetections   = "best_detections"
	SpeciesSummary   = "species_summary"
	FamilySummary    = "family_summary"
	AllDetectionData = "all_detection_data"
	WeeklyReport     = "weekly_report"
	Analytics        = "analytics"
)

const (
	defaultTTL      = 5 * time.Minute
	cleanupInterval = 10 * time.Minute
)

var namespaceTTL = map[string]time.Duration{
	RecentDetections: time.Minute,
	TodaysDetections: time.Minute,
	BestDetections:   5 * time.Minute,
	SpeciesSummary:   15 * time.Minute,
	FamilySummary:    15 * time.Minute,
	AllDetectionData: 5 * time.Minute,
	WeeklyReport:     time.Hour,
	Analytics:        10 * time.Minute,
}

func ttlFor(namespace string) time.Duration {
	if ttl, ok := namespaceTTL[namespace]; ok {
		return ttl
	}
	return defaultTTL
}

// Cache wraps the in-process store with namespaced keys and miss coalescing.
type Cache struct {
	backend *gocache.Cache
	group   singleflight.Group
	logger  *slog.Logger
	metrics *observability.CacheMetrics
}

// New builds an empty cache. TTLs are set per entry, so the backend itself
// never expires anything on its own.
func New(metrics *observability.CacheMetrics) *Cache {
	return &Cache{
		backend: gocache.New(gocache.NoExpiration, cleanupInterval),
		logger:  logging.ForService("cache"),
		metrics: metrics,
	}
}

// Key builds the cache key for a namespace and its query parameters: the
// namespace, a colon, and an FNV-64a hash over the parameter pairs in sorted
// key order, so map iteration order never changes the key.
func Key(namespace string, params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := fnv.New64a()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%v;", k, params[k])
	}
	return fmt.Sprintf("%s:%016x", namespace, h.Sum64())
}

// Memoize returns the cached value for the namespace and parameters, or runs
// fn and caches its result under the namespace TTL. Concurrent misses for the
// same key execute fn exactly once and share the result. Errors are returned
// to the caller and never cached. A cached value of an unexpected type is
// treated as a miss.
func Memoize[T any](ctx context.Context, c *Cache, namespace string, params map[string]any, fn func(context.Context) (T, error)) (T, error) {
	key := Key(namespace, params)

	if cached, found := c.backend.Get(key); found {
		if v, ok := cached.(T); ok {
			c.metrics.Hits.WithLabelValues(namespace).Inc()
			return v, nil
		}
	}
	c.metrics.Misses.WithLabelValues(namespace).Inc()

	result, err, shared := c.group.Do(key, func() (any, error) {
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.backend.Set(key, v, ttlFor(namespace))
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if shared {
		c.metrics.SharedResults.Inc()
	}

	v, ok := result.(T)
	if !ok {
		// Two callers memoizing different types under one key. Serve the
		// caller directly rather than fail.
		return fn(ctx)
	}
	return v, nil
}

// InvalidateNamespace drops every entry in the given namespaces.
func (c *Cache) InvalidateNamespace(namespaces ...string) {
	for _, ns := range namespaces {
		prefix := ns + ":"
		dropped := 0
		for key := range c.backend.Items() {
			if strings.HasPrefix(key, prefix) {
				c.backend.Delete(key)
				dropped++
			}
		}
		c.metrics.Invalidations.WithLabelValues(ns).Inc()
		if dropped > 0 {
			c.logger.Debug("cache namespace invalidated", "namespace", ns, "entries", dropped)
		}
	}
}

// OnDetectionInsert invalidates every namespace derived from current
// detection rows. The weekly report survives: it only covers closed weeks.
func (c *Cache) OnDetectionInsert() {
	c.InvalidateNamespace(RecentDetections, TodaysDetections, BestDetections,
		SpeciesSummary, FamilySummary, AllDetectionData)
}

// OnDetectionMutate invalidates everything OnDetectionInsert does plus the
// weekly report, since edits and deletes can rewrite history.
func (c *Cache) OnDetectionMutate() {
	c.OnDetectionInsert()
	c.InvalidateNamespace(WeeklyReport)
}

// WarmFunc pre-computes one cached query at startup. Implementations call
// Memoize themselves so results land under their normal keys.
type WarmFunc func(ctx context.Context) error

// Warm runs the given warmers on a background goroutine, logging failures.
func (c *Cache) Warm(ctx context.Context, warmers ...WarmFunc) {
	if len(warmers) == 0 {
		return
	}
	go func() {
		for _, warm := range warmers {
			if ctx.Err() != nil {
				return
			}
			if err := warm(ctx); err != nil {
				c.logger.Warn("cache warm query failed", "error", err)
			}
		}
		c.logger.Debug("cache warmed", "queries", len(warmers))
	}()
}

// Flush drops every entry. Called on shutdown.
func (c *Cache) Flush() {
	c.backend.Flush()
}
