// Package weather polls a forecast provider on an hourly cadence, stores
// one observation row per hour and location, and back-fills the weather
// link on detections from the same hour. The web daemon is the only
// process running this service, keeping a single weather writer.
package weather

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
	"github.com/avibox/avibox/internal/suncalc"
)

// Observation is one provider reading, already normalised to the store's
// units (Celsius, m/s, hPa). Nil fields were not reported by the provider.
type Observation struct {
	Time time.Time

	TemperatureC  *float64
	Humidity      *float64
	PressureHPa   *float64
	WindSpeedMS   *float64
	WindDirection *float64
	Precipitation *float64
	Rain          *float64
	Snow          *float64
	CloudCover    *float64
	Visibility    *float64
	UVIndex       *float64
}

// Provider fetches the current observation for the configured location.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, settings *conf.Settings) (*Observation, error)
}

// Store is the slice of the datastore the weather service writes through.
type Store interface {
	SaveWeather(ctx context.Context, w *datastore.Weather) error
	GetWeather(ctx context.Context, hour time.Time, lat, lon float64) (*datastore.Weather, error)
	AttachWeather(ctx context.Context, hour time.Time, lat, lon float64) (int64, error)
}

// Service owns the poll loop: fetch, store, attach.
type Service struct {
	provider Provider
	store    Store
	settings *conf.Settings
	sun      *suncalc.SunCalc
	metrics  *observability.WeatherMetrics
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPollInterval overrides the configured poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewService selects the configured provider and wires the poll loop.
func NewService(settings *conf.Settings, store Store, metrics *observability.WeatherMetrics, opts ...Option) (*Service, error) {
	logger := logging.ForService("weather")

	var provider Provider
	switch settings.Weather.Provider {
	case "yrno":
		provider = NewYrNoProvider(logger)
	case "openweather":
		provider = NewOpenWeatherProvider(logger)
	default:
		return nil, errors.Newf("unknown weather provider %q", settings.Weather.Provider).
			Component("weather").
			Category(errors.CategoryConfiguration).
			Context("provider", settings.Weather.Provider).
			Build()
	}

	interval := time.Duration(settings.Weather.PollIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}

	s := &Service{
		provider: provider,
		store:    store,
		settings: settings,
		sun:      suncalc.New(settings.Location.Latitude, settings.Location.Longitude, settings.TimeLocation()),
		metrics:  metrics,
		interval: interval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the poll loop with an immediate first fetch. The loop
// stops when ctx is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.Info("weather polling started",
		"provider", s.provider.Name(), "interval", s.interval)
	return nil
}

// Stop halts the poll loop.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.fetchAndStore(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetchAndStore(ctx)
		}
	}
}

// fetchAndStore runs one poll cycle. Fetch trouble is not fatal: the attach
// pass still runs so detections keep picking up previously stored hours.
func (s *Service) fetchAndStore(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	obs, err := s.provider.Fetch(fetchCtx, s.settings)
	cancel()

	switch {
	case errors.Is(err, ErrNotModified):
		s.metrics.Fetches.WithLabelValues(s.provider.Name(), "not_modified").Inc()
		s.logger.Debug("weather unchanged since last fetch")
		s.attachRecent(ctx, time.Now())
		return
	case err != nil:
		s.metrics.Fetches.WithLabelValues(s.provider.Name(), "error").Inc()
		s.logger.Warn("weather fetch failed",
			"provider", s.provider.Name(), "error", err)
		s.attachRecent(ctx, time.Now())
		return
	}

	s.metrics.Fetches.WithLabelValues(s.provider.Name(), "success").Inc()
	s.metrics.LastFetchUnix.Set(float64(time.Now().Unix()))

	row := s.rowFromObservation(obs)
	if err := s.store.SaveWeather(ctx, row); err != nil {
		s.logger.Error("weather save failed", "error", err)
		return
	}
	s.logger.Info("stored weather observation",
		"hour", row.TimestampHour.Format(time.RFC3339),
		"provider", s.provider.Name())

	s.attachRecent(ctx, obs.Time)
}

// rowFromObservation keys the row by truncated hour and the configured
// location, the same key the attach pass and the analytics queries use.
func (s *Service) rowFromObservation(obs *Observation) *datastore.Weather {
	row := &datastore.Weather{
		TimestampHour: obs.Time.UTC().Truncate(time.Hour),
		Latitude:      s.settings.Location.Latitude,
		Longitude:     s.settings.Location.Longitude,

		TemperatureC:  obs.TemperatureC,
		Humidity:      obs.Humidity,
		PressureHPa:   obs.PressureHPa,
		WindSpeedMS:   obs.WindSpeedMS,
		WindDirection: obs.WindDirection,
		Precipitation: obs.Precipitation,
		Rain:          obs.Rain,
		Snow:          obs.Snow,
		CloudCover:    obs.CloudCover,
		Visibility:    obs.Visibility,
		UVIndex:       obs.UVIndex,

		Source:    s.provider.Name(),
		FetchedAt: time.Now().UTC(),
	}

	events, err := s.sun.EventsFor(obs.Time)
	if err != nil {
		// Polar night or midnight sun: the row simply has no sun times.
		s.logger.Debug("no sun events for date", "error", err)
		return row
	}
	sunrise := events.Sunrise.UTC()
	sunset := events.Sunset.UTC()
	row.Sunrise = &sunrise
	row.Sunset = &sunset
	return row
}

// attachRecent links detections to stored observations for the base hour
// and the one before it. The previous hour runs again because detections
// inserted after that hour's poll would otherwise stay unlinked; the
// update only touches rows whose link is still null, so nothing is ever
// rewritten.
func (s *Service) attachRecent(ctx context.Context, base time.Time) {
	lat := s.settings.Location.Latitude
	lon := s.settings.Location.Longitude

	hour := base.UTC().Truncate(time.Hour)
	for _, h := range []time.Time{hour, hour.Add(-time.Hour)} {
		if _, err := s.store.GetWeather(ctx, h, lat, lon); err != nil {
			continue
		}
		n, err := s.store.AttachWeather(ctx, h, lat, lon)
		if err != nil {
			s.logger.Error("weather attach failed",
				"hour", h.Format(time.RFC3339), "error", err)
			continue
		}
		if n > 0 {
			s.metrics.AttachedDetections.Add(float64(n))
			s.logger.Debug("attached weather to detections",
				"hour", h.Format(time.RFC3339), "rows", n)
		}
	}
}
