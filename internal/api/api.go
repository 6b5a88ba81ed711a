// Package api is the HTTP surface of the web daemon: detection queries,
// analytics, the live detection stream, the live audio stream fed by the
// capture daemon's livestream pipe, and the update control endpoints
// that talk to the update daemon over the datastore KV channel. Routes live
// under /api; the Prometheus endpoint is mounted at /metrics by the server.
package api

import (
	"context"
	"crypto/rand"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/analytics"
	"github.com/avibox/avibox/internal/buildinfo"
	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

// Store is the slice of the datastore the HTTP handlers read and the two KV
// writes the update endpoints make. *datastore.SQLiteStore satisfies it.
type Store interface {
	GetDetection(ctx context.Context, id string) (*datastore.Detection, error)
	GetRecentDetections(ctx context.Context, limit int) ([]datastore.Detection, error)
	SearchDetections(ctx context.Context, filters *datastore.SearchFilters) ([]datastore.Detection, int64, error)
	CountDetectionsByDate(ctx context.Context, dayStart, dayEnd time.Time) (int64, error)
	BestDetections(ctx context.Context, start, end time.Time, limit int) ([]datastore.Detection, error)
	GetWeather(ctx context.Context, hour time.Time, lat, lon float64) (*datastore.Weather, error)
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
}

// Controller holds the handler dependencies and registers the /api routes
// on its group.
type Controller struct {
	group      *echo.Group
	store      Store
	settings   *conf.Settings
	analytics  *analytics.Service
	cache      *cache.Cache
	sse        *SSEManager
	livestream *LivestreamManager
	logger     *slog.Logger
	loc        *time.Location
	startedAt  time.Time
}

// NewController wires the handlers and registers every route. The SSE
// manager is created here but must be subscribed to the event bus by the
// caller for live detections to flow.
func NewController(group *echo.Group, store Store, settings *conf.Settings, svc *analytics.Service, c *cache.Cache) *Controller {
	ctrl := &Controller{
		group:     group,
		store:     store,
		settings:  settings,
		analytics: svc,
		cache:     c,
		logger:    logging.ForService("api"),
		loc:       settings.TimeLocation(),
		startedAt: time.Now(),
	}
	ctrl.sse = newSSEManager(ctrl.logger, ctrl.detectionView)
	ctrl.livestream = newLivestreamManager(settings, ctrl.logger)
	ctrl.initRoutes()
	return ctrl
}

// SSE returns the manager so the caller can subscribe it to the event bus.
func (c *Controller) SSE() *SSEManager { return c.sse }

func (c *Controller) initRoutes() {
	c.group.GET("/health", c.health)

	d := c.group.Group("/detections")
	d.GET("/recent", c.recentDetections)
	d.GET("/count", c.countDetections)
	d.GET("/best", c.bestDetections)
	d.GET("/species/summary", c.speciesSummary)
	d.GET("/taxonomy/families", c.families)
	d.GET("/stream", c.streamDetections)
	// Static segments above win over the parameter route in echo's router,
	// so /detections/recent never binds id="recent".
	d.GET("/:id", c.getDetection)
	d.GET("", c.listDetections)

	c.group.GET("/audio/livestream", c.streamAudio)

	a := c.group.Group("/analytics")
	a.GET("/heatmap", c.heatmap)
	a.GET("/frequency", c.frequency)
	a.GET("/accumulation", c.accumulation)
	a.GET("/beta-diversity", c.betaDiversity)
	a.GET("/correlation", c.correlation)
	a.GET("/report", c.weeklyReport)

	u := c.group.Group("/update")
	u.GET("/status", c.updateStatus)
	u.POST("/check", c.requestUpdateCheck)
	u.POST("/apply", c.requestUpdateApply)
	u.GET("/stream", c.streamUpdateState)
}

// Shutdown disconnects every SSE client and audio listener. Called after
// the HTTP listener has stopped accepting.
func (c *Controller) Shutdown() {
	c.sse.shutdown()
	c.livestream.shutdown()
}

// errorBody is the JSON error envelope. The correlation id is present only
// on 5xx responses, where the body is generic and the detail is in the log.
type errorBody struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// handleError maps a handler error to a response. Not-found and validation
// failures pass their message through; anything else is logged under a
// correlation id and answered with a generic 500.
func (c *Controller) handleError(ctx echo.Context, err error, message string) error {
	switch {
	case errors.HasCategory(err, errors.CategoryNotFound):
		return ctx.JSON(http.StatusNotFound, errorBody{Error: message})
	case errors.HasCategory(err, errors.CategoryValidation):
		return ctx.JSON(http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	}

	correlationID := generateCorrelationID()
	c.logger.Error("request failed",
		"correlation_id", correlationID,
		"path", ctx.Request().URL.Path,
		"message", message,
		"error", err)
	return ctx.JSON(http.StatusInternalServerError, errorBody{
		Error:         "internal server error",
		CorrelationID: correlationID,
	})
}

// badRequest answers a 422 for parameters that are malformed rather than
// merely out of range (out-of-range values are clamped instead).
func (c *Controller) badRequest(ctx echo.Context, msg string) error {
	return ctx.JSON(http.StatusUnprocessableEntity, errorBody{Error: msg})
}

// generateCorrelationID returns an 8-character random token for matching a
// 500 response to its log line.
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

type healthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	BuildDate     string  `json:"build_date"`
	Timestamp     string  `json:"timestamp"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database"`
}

// health reports liveness plus a cheap datastore probe; a failing probe
// degrades the status but still answers 200 so the endpoint stays usable
// for dashboards while the disk misbehaves.
func (c *Controller) health(ctx echo.Context) error {
	dbStatus := "ok"
	if _, err := c.store.GetRecentDetections(ctx.Request().Context(), 1); err != nil {
		dbStatus = "error"
	}

	status := "healthy"
	if dbStatus != "ok" {
		status = "degraded"
	}

	return ctx.JSON(http.StatusOK, healthResponse{
		Status:        status,
		Version:       buildinfo.Version,
		BuildDate:     buildinfo.BuildDate,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Database:      dbStatus,
	})
}
