package analytics

import (
	"time"

	"github.com/avibox/avibox/internal/errors"
)

// Period selects the [start, end) range of an analytics query.
type Period string

const (
	PeriodDay        Period = "day"
	PeriodWeek       Period = "week"
	PeriodMonth      Period = "month"
	PeriodSeason     Period = "season"
	PeriodYear       Period = "year"
	PeriodHistorical Period = "historical"
)

// ParsePeriod validates a request parameter. Empty means day.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case "":
		return PeriodDay, nil
	case PeriodDay, PeriodWeek, PeriodMonth, PeriodSeason, PeriodYear, PeriodHistorical:
		return Period(s), nil
	default:
		return "", errors.Newf("unknown period %q", s).
			Component("analytics").
			Category(errors.CategoryValidation).
			Build()
	}
}

// Bounds maps the period to [start, end) instants. Boundaries are midnights
// in loc converted to UTC, so days shortened or stretched by DST stay
// aligned to the local calendar. week is the trailing seven days including
// today; month and year are calendar units; historical runs from the epoch.
func (p Period) Bounds(now time.Time, loc *time.Location) (start, end time.Time) {
	local := now.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	tomorrow := midnight.AddDate(0, 0, 1)

	switch p {
	case PeriodWeek:
		return midnight.AddDate(0, 0, -6).UTC(), tomorrow.UTC()
	case PeriodMonth:
		first := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return first.UTC(), first.AddDate(0, 1, 0).UTC()
	case PeriodSeason:
		return seasonBounds(local, loc)
	case PeriodYear:
		first := time.Date(y, 1, 1, 0, 0, 0, 0, loc)
		return first.UTC(), first.AddDate(1, 0, 0).UTC()
	case PeriodHistorical:
		return time.Unix(0, 0).UTC(), tomorrow.UTC()
	default:
		return midnight.UTC(), tomorrow.UTC()
	}
}

// seasonBounds returns the current meteorological season: Mar-May, Jun-Aug,
// Sep-Nov, Dec-Feb. A winter observed in January or February began the
// previous December.
func seasonBounds(local time.Time, loc *time.Location) (time.Time, time.Time) {
	y := local.Year()
	var start time.Time
	switch local.Month() {
	case time.March, time.April, time.May:
		start = time.Date(y, time.March, 1, 0, 0, 0, 0, loc)
	case time.June, time.July, time.August:
		start = time.Date(y, time.June, 1, 0, 0, 0, 0, loc)
	case time.September, time.October, time.November:
		start = time.Date(y, time.September, 1, 0, 0, 0, 0, loc)
	case time.December:
		start = time.Date(y, time.December, 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(y-1, time.December, 1, 0, 0, 0, 0, loc)
	}
	return start.UTC(), start.AddDate(0, 3, 0).UTC()
}

// weekOf returns the Monday-to-Monday calendar week containing t.
func weekOf(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	y, m, d := local.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	offset := (int(midnight.Weekday()) + 6) % 7
	monday := midnight.AddDate(0, 0, -offset)
	return monday.UTC(), monday.AddDate(0, 0, 7).UTC()
}
