package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/analytics"
)

// analyticsPeriod wraps ParsePeriod so every analytics handler shares the
// same 422 path for an unknown period.
func analyticsPeriod(raw string) (analytics.Period, error) {
	return analytics.ParsePeriod(raw)
}

func (c *Controller) heatmap(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	hm, err := c.analytics.ActivityHeatmap(ctx.Request().Context(), period)
	if err != nil {
		return c.handleError(ctx, err, "failed to build heatmap")
	}
	return ctx.JSON(http.StatusOK, hm)
}

func (c *Controller) frequency(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	rows, err := c.analytics.Frequency(ctx.Request().Context(), period)
	if err != nil {
		return c.handleError(ctx, err, "failed to build frequency distribution")
	}
	return ctx.JSON(http.StatusOK, rows)
}

func (c *Controller) accumulation(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	points, err := c.analytics.Accumulation(ctx.Request().Context(), period, ctx.QueryParam("method"))
	if err != nil {
		return c.handleError(ctx, err, "failed to build accumulation curve")
	}
	return ctx.JSON(http.StatusOK, points)
}

func (c *Controller) betaDiversity(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	// Non-numeric or missing window falls back to the service default.
	window, _ := strconv.Atoi(ctx.QueryParam("window"))
	points, err := c.analytics.Turnover(ctx.Request().Context(), period, window)
	if err != nil {
		return c.handleError(ctx, err, "failed to compute species turnover")
	}
	return ctx.JSON(http.StatusOK, points)
}

func (c *Controller) correlation(ctx echo.Context) error {
	period, err := analyticsPeriod(ctx.QueryParam("period"))
	if err != nil {
		return c.handleError(ctx, err, "invalid period")
	}
	corr, err := c.analytics.WeatherCorrelation(ctx.Request().Context(), period, ctx.QueryParam("metric"))
	if err != nil {
		return c.handleError(ctx, err, "failed to compute weather correlation")
	}
	return ctx.JSON(http.StatusOK, corr)
}

func (c *Controller) weeklyReport(ctx echo.Context) error {
	report, err := c.analytics.Report(ctx.Request().Context())
	if err != nil {
		return c.handleError(ctx, err, "failed to build weekly report")
	}
	return ctx.JSON(http.StatusOK, report)
}
