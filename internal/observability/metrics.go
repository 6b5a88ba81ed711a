// Package observability provides the Prometheus metrics for all components.
package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the metric collectors for the application, one group per
// component, all bound to a single registry.
type Metrics struct {
	registry *prometheus.Registry

	Pipeline  *PipelineMetrics
	Bus       *BusMetrics
	Notify    *NotifyMetrics
	Cache     *CacheMetrics
	Datastore *DatastoreMetrics
	Update    *UpdateMetrics
	FIFO      *FIFOMetrics
	MQTT      *MQTTMetrics
	Weather   *WeatherMetrics
	HTTP      *HTTPMetrics
}

// NewMetrics creates the full collector set on a fresh registry.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{registry: registry}

	var err error
	if m.Pipeline, err = newPipelineMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create pipeline metrics: %w", err)
	}
	if m.Bus, err = newBusMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create bus metrics: %w", err)
	}
	if m.Notify, err = newNotifyMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create notify metrics: %w", err)
	}
	if m.Cache, err = newCacheMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create cache metrics: %w", err)
	}
	if m.Datastore, err = newDatastoreMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create datastore metrics: %w", err)
	}
	if m.Update, err = newUpdateMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create update metrics: %w", err)
	}
	if m.FIFO, err = newFIFOMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create fifo metrics: %w", err)
	}
	if m.MQTT, err = newMQTTMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create mqtt metrics: %w", err)
	}
	if m.Weather, err = newWeatherMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create weather metrics: %w", err)
	}
	if m.HTTP, err = newHTTPMetrics(registry); err != nil {
		return nil, fmt.Errorf("failed to create http metrics: %w", err)
	}
	return m, nil
}

// Handler returns the HTTP handler serving the registry, for mounting at
// /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PipelineMetrics cover capture, framing, and inference.
type PipelineMetrics struct {
	DetectionsTotal   *prometheus.CounterVec
	WindowsProcessed  prometheus.Counter
	WindowsDropped    prometheus.Counter
	InferenceDuration prometheus.Histogram
	StoreDrops        prometheus.Counter
}

func newPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		DetectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detections_total",
			Help: "Total detections persisted, by scientific name",
		}, []string{"scientific_name"}),
		WindowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_windows_processed_total",
			Help: "Total analysis windows run through inference",
		}),
		WindowsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_windows_dropped_total",
			Help: "Total analysis windows dropped on inference error",
		}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "analysis_inference_duration_seconds",
			Help:    "Neural inference wall time per window",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		StoreDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "analysis_store_drops_total",
			Help: "Detections dropped because the store insert failed",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.DetectionsTotal, m.WindowsProcessed, m.WindowsDropped, m.InferenceDuration, m.StoreDrops,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// BusMetrics cover the in-process event bus.
type BusMetrics struct {
	EventsPublished prometheus.Counter
	EventsDropped   *prometheus.CounterVec
}

func newBusMetrics(registry *prometheus.Registry) (*BusMetrics, error) {
	m := &BusMetrics{
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Total detection events published on the bus",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_events_dropped_total",
			Help: "Events dropped from a subscriber buffer on overflow",
		}, []string{"subscriber"}),
	}
	for _, c := range []prometheus.Collector{m.EventsPublished, m.EventsDropped} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NotifyMetrics cover rule evaluation and adapter dispatch.
type NotifyMetrics struct {
	RuleMatches     *prometheus.CounterVec
	AdapterFailures *prometheus.CounterVec
	Delivered       *prometheus.CounterVec
}

func newNotifyMetrics(registry *prometheus.Registry) (*NotifyMetrics, error) {
	m := &NotifyMetrics{
		RuleMatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_rule_matches_total",
			Help: "Detections that passed a notification rule",
		}, []string{"rule"}),
		AdapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_adapter_failures_total",
			Help: "Dispatch attempts dropped by adapter failures",
		}, []string{"service"}),
		Delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notify_delivered_total",
			Help: "Notifications delivered, by service",
		}, []string{"service"}),
	}
	for _, c := range []prometheus.Collector{m.RuleMatches, m.AdapterFailures, m.Delivered} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// CacheMetrics cover the analytics cache.
type CacheMetrics struct {
	Hits          *prometheus.CounterVec
	Misses        *prometheus.CounterVec
	SharedResults prometheus.Counter
	Invalidations *prometheus.CounterVec
}

func newCacheMetrics(registry *prometheus.Registry) (*CacheMetrics, error) {
	m := &CacheMetrics{
		Hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by namespace",
		}, []string{"namespace"}),
		Misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by namespace",
		}, []string{"namespace"}),
		SharedResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_singleflight_shared_total",
			Help: "Cache misses that received a result computed by a concurrent caller",
		}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_invalidations_total",
			Help: "Namespace invalidations",
		}, []string{"namespace"}),
	}
	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.SharedResults, m.Invalidations} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// DatastoreMetrics cover the SQLite store.
type DatastoreMetrics struct {
	Inserts       prometheus.Counter
	InsertErrors  prometheus.Counter
	QueryDuration prometheus.Histogram
}

func newDatastoreMetrics(registry *prometheus.Registry) (*DatastoreMetrics, error) {
	m := &DatastoreMetrics{
		Inserts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datastore_inserts_total",
			Help: "Detection rows inserted",
		}),
		InsertErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datastore_insert_errors_total",
			Help: "Detection insert failures",
		}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datastore_query_duration_seconds",
			Help:    "Store query wall time",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{m.Inserts, m.InsertErrors, m.QueryDuration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// UpdateMetrics cover the update daemon.
type UpdateMetrics struct {
	ChecksTotal   prometheus.Counter
	AppliesTotal  *prometheus.CounterVec
	RollbacksDone prometheus.Counter
}

func newUpdateMetrics(registry *prometheus.Registry) (*UpdateMetrics, error) {
	m := &UpdateMetrics{
		ChecksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_checks_total",
			Help: "Update checks performed",
		}),
		AppliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "update_applies_total",
			Help: "Update apply attempts by outcome",
		}, []string{"outcome"}),
		RollbacksDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "update_rollbacks_total",
			Help: "Rollbacks executed",
		}),
	}
	for _, c := range []prometheus.Collector{m.ChecksTotal, m.AppliesTotal, m.RollbacksDone} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MQTTMetrics cover the broker connection and outbound publishes.
type MQTTMetrics struct {
	Connected         prometheus.Gauge
	Published         prometheus.Counter
	PublishErrors     prometheus.Counter
	ReconnectAttempts prometheus.Counter
}

func newMQTTMetrics(registry *prometheus.Registry) (*MQTTMetrics, error) {
	m := &MQTTMetrics{
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mqtt_connected",
			Help: "1 while the broker connection is up",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_messages_published_total",
			Help: "Messages accepted by the broker",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_publish_errors_total",
			Help: "Publishes that failed or timed out",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mqtt_reconnect_attempts_total",
			Help: "Reconnect attempts after a lost connection",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Connected, m.Published, m.PublishErrors, m.ReconnectAttempts,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// WeatherMetrics cover provider fetches and the detection backfill.
type WeatherMetrics struct {
	Fetches            *prometheus.CounterVec
	AttachedDetections prometheus.Counter
	LastFetchUnix      prometheus.Gauge
}

func newWeatherMetrics(registry *prometheus.Registry) (*WeatherMetrics, error) {
	m := &WeatherMetrics{
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "weather_fetches_total",
			Help: "Provider fetches by provider and result",
		}, []string{"provider", "result"}),
		AttachedDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "weather_attached_detections_total",
			Help: "Detection rows that received their weather link",
		}),
		LastFetchUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "weather_last_fetch_timestamp_seconds",
			Help: "Unix time of the last successful provider fetch",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.Fetches, m.AttachedDetections, m.LastFetchUnix,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// HTTPMetrics cover the API surface. Routes are labelled by echo's route
// pattern, not the raw path, so the cardinality stays bounded.
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

func newHTTPMetrics(registry *prometheus.Registry) (*HTTPMetrics, error) {
	m := &HTTPMetrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_http_requests_total",
			Help: "API requests by method, route pattern, and status code",
		}, []string{"method", "route", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "API request wall time by method and route pattern",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{m.Requests, m.Duration} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// FIFOMetrics cover the read side of the named-pipe transport. The writer
// side lives in the capture process, which has no scrape endpoint and logs
// its reopen counts instead.
type FIFOMetrics struct {
	BytesRead     *prometheus.CounterVec
	ReaderReopens *prometheus.CounterVec
}

func newFIFOMetrics(registry *prometheus.Registry) (*FIFOMetrics, error) {
	m := &FIFOMetrics{
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_bytes_read_total",
			Help: "PCM bytes read per pipe",
		}, []string{"pipe"}),
		ReaderReopens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fifo_reader_reopens_total",
			Help: "Reader reopens after the writer went away",
		}, []string{"pipe"}),
	}
	for _, c := range []prometheus.Collector{m.BytesRead, m.ReaderReopens} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
