package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/avibox/avibox/internal/analytics"
	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/events"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

const shutdownGrace = 10 * time.Second

// Server owns the echo instance and its lifecycle. Start blocks until the
// context is cancelled or the listener fails.
type Server struct {
	echo     *echo.Echo
	ctrl     *Controller
	settings *conf.Settings
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewServer builds the HTTP server: middleware, the /api controller, and
// the Prometheus endpoint. The controller's SSE manager is subscribed to
// the bus here so live detections reach stream clients; metrics may be nil
// in tests.
func NewServer(settings *conf.Settings, store Store, svc *analytics.Service, c *cache.Cache, bus *events.Bus, metrics *observability.Metrics) (*Server, error) {
	logger := logging.ForService("api")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(requestLogger(logger))
	if metrics != nil {
		e.Use(httpMetrics(metrics.HTTP))
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	ctrl := NewController(e.Group("/api"), store, settings, svc, c)

	if bus != nil {
		if err := bus.Subscribe(ctrl.SSE()); err != nil {
			return nil, err
		}
		if err := bus.Subscribe(cache.NewInvalidator(c)); err != nil {
			return nil, err
		}
	}

	return &Server{
		echo:     e,
		ctrl:     ctrl,
		settings: settings,
		cache:    c,
		logger:   logger,
	}, nil
}

// Start serves until ctx is cancelled, then shuts down gracefully. SSE
// clients are disconnected first: their handlers never go idle, so a plain
// graceful shutdown would wait out the whole grace period on them.
func (s *Server) Start(ctx context.Context) error {
	s.warmCache(ctx)

	// The livestream pipe reader attaches regardless of listeners: the
	// capture daemon's writer open blocks until this end of the pipe exists.
	go func() {
		if err := s.ctrl.livestream.Run(ctx); err != nil {
			s.logger.Error("livestream pipe reader failed", "error", err)
		}
	}()

	addr := net.JoinHostPort("", s.settings.WebServer.Port)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(addr)
	}()
	s.logger.Info("http server listening", "port", s.settings.WebServer.Port)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component("api").
				Category(errors.CategoryNetwork).
				Context("port", s.settings.WebServer.Port).
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	s.ctrl.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("graceful shutdown timed out, forcing close", "error", err)
		_ = s.echo.Close()
	}
	<-errCh

	s.cache.Flush()
	s.logger.Info("http server stopped")
	return nil
}

// warmCache pre-computes the queries the dashboard fires on first paint.
func (s *Server) warmCache(ctx context.Context) {
	ctrl := s.ctrl
	s.cache.Warm(ctx,
		func(wc context.Context) error {
			_, err := cache.Memoize(wc, s.cache, cache.RecentDetections,
				map[string]any{"limit": defaultRecentLimit},
				func(qc context.Context) ([]DetectionView, error) {
					rows, err := ctrl.store.GetRecentDetections(qc, defaultRecentLimit)
					if err != nil {
						return nil, err
					}
					return ctrl.rowViews(rows), nil
				})
			return err
		},
		func(wc context.Context) error {
			_, err := ctrl.analytics.SpeciesSummaries(wc, datastore.SummaryOptions{
				Language: s.settings.Location.Language,
			})
			return err
		},
	)
}

func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			req := ctx.Request()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("query", req.URL.RawQuery),
				slog.Int("status", ctx.Response().Status),
				slog.String("ip", ctx.RealIP()),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.LogAttrs(req.Context(), slog.LevelInfo, "request", attrs...)
			return err
		}
	}
}

// httpMetrics labels by echo's route pattern, not the raw path, so ids in
// the URL do not blow up the label cardinality.
func httpMetrics(m *observability.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			route := ctx.Path()
			method := ctx.Request().Method
			m.Requests.WithLabelValues(method, route, strconv.Itoa(ctx.Response().Status)).Inc()
			m.Duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
