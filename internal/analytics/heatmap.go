package analytics

import (
	"time"

	"github.com/avibox/avibox/internal/datastore"
)

// hourlyHeatmapMaxDays is the span at which the heatmap switches from
// per-day rows to per-weekday averages.
const hourlyHeatmapMaxDays = 7

// HeatmapRow is one heatmap line: a calendar day or a weekday, with one
// value per hour of day.
type HeatmapRow struct {
	Label string      `json:"label"`
	Hours [24]float64 `json:"hours"`
}

// Heatmap is the period activity grid.
type Heatmap struct {
	Kind string       `json:"kind"` // hourly or weekly
	Rows []HeatmapRow `json:"rows"`
}

// HourlyHeatmap counts detections per (day, hour-of-day) cell. Every day in
// [start, end) gets a row, data or not.
func HourlyHeatmap(seq []datastore.SpeciesAt, start, end time.Time, loc *time.Location) *Heatmap {
	rows := []HeatmapRow{}
	index := map[string]int{}
	for day := dayStart(start, loc); day.Before(end); day = day.AddDate(0, 0, 1) {
		label := day.Format("2006-01-02")
		index[label] = len(rows)
		rows = append(rows, HeatmapRow{Label: label})
	}

	for _, at := range seq {
		local := at.Timestamp.In(loc)
		if i, ok := index[local.Format("2006-01-02")]; ok {
			rows[i].Hours[local.Hour()]++
		}
	}
	return &Heatmap{Kind: "hourly", Rows: rows}
}

// WeeklyHeatmap averages per-(weekday, hour) counts over the number of
// times each weekday occurs in [start, end).
func WeeklyHeatmap(seq []datastore.SpeciesAt, start, end time.Time, loc *time.Location) *Heatmap {
	var totals [7][24]float64
	var occurrences [7]float64
	for day := dayStart(start, loc); day.Before(end); day = day.AddDate(0, 0, 1) {
		occurrences[day.Weekday()]++
	}
	for _, at := range seq {
		local := at.Timestamp.In(loc)
		totals[local.Weekday()][local.Hour()]++
	}

	rows := make([]HeatmapRow, 7)
	for wd := range rows {
		rows[wd].Label = time.Weekday(wd).String()
		if occurrences[wd] == 0 {
			continue
		}
		for h := range 24 {
			rows[wd].Hours[h] = totals[wd][h] / occurrences[wd]
		}
	}
	return &Heatmap{Kind: "weekly", Rows: rows}
}

// dayStart truncates t to midnight of its calendar day in loc.
func dayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
