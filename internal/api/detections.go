package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/datastore"
)

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 1000
	defaultPerPage     = 25
	maxPerPage         = 100
	dateLayout         = "2006-01-02"
)

// parseLimit clamps an optional numeric parameter into [1, max].
// Non-numeric input falls back to the default rather than erroring.
func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

func (c *Controller) recentDetections(ctx echo.Context) error {
	limit := parseLimit(ctx.QueryParam("limit"), defaultRecentLimit, maxRecentLimit)

	views, err := cache.Memoize(ctx.Request().Context(), c.cache, cache.RecentDetections,
		map[string]any{"limit": limit},
		func(qc context.Context) ([]DetectionView, error) {
			rows, err := c.store.GetRecentDetections(qc, limit)
			if err != nil {
				return nil, err
			}
			return c.rowViews(rows), nil
		})
	if err != nil {
		return c.handleError(ctx, err, "failed to load recent detections")
	}
	return ctx.JSON(http.StatusOK, views)
}

func (c *Controller) getDetection(ctx echo.Context) error {
	id := ctx.Param("id")
	reqCtx := ctx.Request().Context()

	d, err := c.store.GetDetection(reqCtx, id)
	if err != nil {
		return c.handleError(ctx, err, "detection not found")
	}

	view := c.rowView(d)
	if d.WeatherTimestamp != nil && d.WeatherLatitude != nil && d.WeatherLongitude != nil {
		// Best effort: a missing or unreadable weather row just leaves the
		// field out of the payload.
		if w, err := c.store.GetWeather(reqCtx, *d.WeatherTimestamp, *d.WeatherLatitude, *d.WeatherLongitude); err == nil {
			view.Weather = weatherView(w)
		}
	}
	return ctx.JSON(http.StatusOK, view)
}

type listResult struct {
	Rows  []DetectionView `json:"rows"`
	Total int64           `json:"total"`
}

func (c *Controller) listDetections(ctx echo.Context) error {
	page := parseLimit(ctx.QueryParam("page"), 1, 1<<30)
	perPage := parseLimit(ctx.QueryParam("per_page"), defaultPerPage, maxPerPage)

	filters := &datastore.SearchFilters{
		Species: ctx.QueryParam("species"),
		Offset:  (page - 1) * perPage,
		Limit:   perPage,
	}

	if raw := ctx.QueryParam("start_date"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, c.loc)
		if err != nil {
			return c.badRequest(ctx, "start_date must be YYYY-MM-DD")
		}
		filters.StartDate = t.UTC()
	}
	if raw := ctx.QueryParam("end_date"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, c.loc)
		if err != nil {
			return c.badRequest(ctx, "end_date must be YYYY-MM-DD")
		}
		// The named day is included: the store treats EndDate as exclusive.
		filters.EndDate = t.AddDate(0, 0, 1).UTC()
	}

	result, err := cache.Memoize(ctx.Request().Context(), c.cache, cache.AllDetectionData,
		map[string]any{
			"page": page, "per_page": perPage, "species": filters.Species,
			"start": filters.StartDate.Unix(), "end": filters.EndDate.Unix(),
		},
		func(qc context.Context) (listResult, error) {
			rows, total, err := c.store.SearchDetections(qc, filters)
			if err != nil {
				return listResult{}, err
			}
			return listResult{Rows: c.rowViews(rows), Total: total}, nil
		})
	if err != nil {
		return c.handleError(ctx, err, "failed to search detections")
	}

	return ctx.JSON(http.StatusOK, DetectionList{
		Detections: result.Rows,
		Pagination: newPagination(page, perPage, result.Total),
	})
}

type countResponse struct {
	Count int64  `json:"count"`
	Date  string `json:"date"`
}

func (c *Controller) countDetections(ctx echo.Context) error {
	day := time.Now().In(c.loc)
	if raw := ctx.QueryParam("target_date"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, c.loc)
		if err != nil {
			return c.badRequest(ctx, "target_date must be YYYY-MM-DD")
		}
		day = t
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.loc)
	dayEnd := dayStart.AddDate(0, 0, 1)
	date := dayStart.Format(dateLayout)

	count, err := cache.Memoize(ctx.Request().Context(), c.cache, cache.TodaysDetections,
		map[string]any{"date": date},
		func(qc context.Context) (int64, error) {
			return c.store.CountDetectionsByDate(qc, dayStart.UTC(), dayEnd.UTC())
		})
	if err != nil {
		return c.handleError(ctx, err, "failed to count detections")
	}
	return ctx.JSON(http.StatusOK, countResponse{Count: count, Date: date})
}

func (c *Controller) bestDetections(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	limit := parseLimit(ctx.QueryParam("limit"), defaultRecentLimit, maxRecentLimit)
	start, end := period.Bounds(time.Now(), c.loc)

	// The resolved instants belong in the key: an entry cached just before a
	// period boundary must not keep serving the old range until its TTL.
	views, err := cache.Memoize(ctx.Request().Context(), c.cache, cache.BestDetections,
		map[string]any{"period": string(period), "limit": limit,
			"start": start.Unix(), "end": end.Unix()},
		func(qc context.Context) ([]DetectionView, error) {
			rows, err := c.store.BestDetections(qc, start, end, limit)
			if err != nil {
				return nil, err
			}
			return c.rowViews(rows), nil
		})
	if err != nil {
		return c.handleError(ctx, err, "failed to load best detections")
	}
	return ctx.JSON(http.StatusOK, views)
}

func (c *Controller) speciesSummary(ctx echo.Context) error {
	opts := datastore.SummaryOptions{
		Language:     ctx.QueryParam("language"),
		FamilyFilter: ctx.QueryParam("family"),
	}
	if opts.Language == "" {
		opts.Language = c.settings.Location.Language
	}
	if raw := ctx.QueryParam("since"); raw != "" {
		t, err := time.ParseInLocation(dateLayout, raw, c.loc)
		if err != nil {
			return c.badRequest(ctx, "since must be YYYY-MM-DD")
		}
		opts.Since = t.UTC()
	}

	rows, err := c.analytics.SpeciesSummaries(ctx.Request().Context(), opts)
	if err != nil {
		return c.handleError(ctx, err, "failed to load species summary")
	}
	return ctx.JSON(http.StatusOK, rows)
}

type familiesResponse struct {
	Families []string `json:"families"`
}

func (c *Controller) families(ctx echo.Context) error {
	families, err := c.analytics.FamilyList(ctx.Request().Context())
	if err != nil {
		return c.handleError(ctx, err, "failed to load families")
	}
	return ctx.JSON(http.StatusOK, familiesResponse{Families: families})
}
