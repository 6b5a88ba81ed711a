package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/datastore"
)

func at(ts time.Time, name string) datastore.SpeciesAt {
	return datastore.SpeciesAt{Timestamp: ts, ScientificName: name}
}

func TestHourlyHeatmapHasRowForEveryDay(t *testing.T) {
	start := time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)
	seq := []datastore.SpeciesAt{
		at(time.Date(2024, time.May, 10, 6, 15, 0, 0, time.UTC), "Turdus merula"),
		at(time.Date(2024, time.May, 10, 6, 45, 0, 0, time.UTC), "Parus major"),
		at(time.Date(2024, time.May, 12, 18, 5, 0, 0, time.UTC), "Turdus merula"),
	}

	hm := HourlyHeatmap(seq, start, end, time.UTC)

	assert.Equal(t, "hourly", hm.Kind)
	require.Len(t, hm.Rows, 3)
	assert.Equal(t, "2024-05-10", hm.Rows[0].Label)
	assert.Equal(t, "2024-05-11", hm.Rows[1].Label)
	assert.Equal(t, "2024-05-12", hm.Rows[2].Label)

	assert.Equal(t, 2.0, hm.Rows[0].Hours[6])
	assert.Equal(t, 1.0, hm.Rows[2].Hours[18])
	assert.Equal(t, [24]float64{}, hm.Rows[1].Hours)
}

func TestHourlyHeatmapBucketsInLocalTime(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*3600)
	start := time.Date(2024, time.May, 10, 0, 0, 0, 0, zone)
	end := start.AddDate(0, 0, 2)
	// 23:30 UTC on the 10th is 01:30 local on the 11th.
	seq := []datastore.SpeciesAt{
		at(time.Date(2024, time.May, 10, 23, 30, 0, 0, time.UTC), "Turdus merula"),
	}

	hm := HourlyHeatmap(seq, start, end, zone)

	require.Len(t, hm.Rows, 2)
	assert.Equal(t, 0.0, hm.Rows[0].Hours[23])
	assert.Equal(t, 1.0, hm.Rows[1].Hours[1])
}

func TestHourlyHeatmapIgnoresDetectionsOutsideRange(t *testing.T) {
	start := time.Date(2024, time.May, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	seq := []datastore.SpeciesAt{
		at(start.AddDate(0, 0, -1), "Turdus merula"),
		at(end.Add(time.Hour), "Turdus merula"),
	}

	hm := HourlyHeatmap(seq, start, end, time.UTC)

	require.Len(t, hm.Rows, 1)
	assert.Equal(t, [24]float64{}, hm.Rows[0].Hours)
}

func TestWeeklyHeatmapAveragesOverWeekdayOccurrences(t *testing.T) {
	// Two full Monday-to-Sunday weeks, so every weekday occurs exactly twice.
	start := time.Date(2024, time.May, 6, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 14)
	seq := []datastore.SpeciesAt{
		at(time.Date(2024, time.May, 6, 6, 0, 0, 0, time.UTC), "Turdus merula"),
		at(time.Date(2024, time.May, 6, 6, 30, 0, 0, time.UTC), "Turdus merula"),
		at(time.Date(2024, time.May, 13, 6, 10, 0, 0, time.UTC), "Parus major"),
		at(time.Date(2024, time.May, 13, 6, 20, 0, 0, time.UTC), "Parus major"),
		at(time.Date(2024, time.May, 7, 8, 0, 0, 0, time.UTC), "Parus major"),
	}

	hm := WeeklyHeatmap(seq, start, end, time.UTC)

	assert.Equal(t, "weekly", hm.Kind)
	require.Len(t, hm.Rows, 7)
	assert.Equal(t, "Sunday", hm.Rows[time.Sunday].Label)
	assert.Equal(t, "Monday", hm.Rows[time.Monday].Label)

	// Four Monday 06h detections over two Mondays, one Tuesday 08h
	// detection over two Tuesdays.
	assert.Equal(t, 2.0, hm.Rows[time.Monday].Hours[6])
	assert.Equal(t, 0.5, hm.Rows[time.Tuesday].Hours[8])
	assert.Equal(t, 0.0, hm.Rows[time.Sunday].Hours[6])
}
