package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/datastore"
)

func TestStemAndLeafSortsStemsAndLeaves(t *testing.T) {
	rows := StemAndLeaf([]int{15, 3, 23, 12, 7, 15})

	require.Len(t, rows, 3)
	assert.Equal(t, StemLeaf{Stem: "0", Leaves: "3 7"}, rows[0])
	assert.Equal(t, StemLeaf{Stem: "1", Leaves: "2 5 5"}, rows[1])
	assert.Equal(t, StemLeaf{Stem: "2", Leaves: "3"}, rows[2])
}

func TestStemAndLeafEmptyInput(t *testing.T) {
	rows := StemAndLeaf(nil)

	require.Len(t, rows, 1)
	assert.Equal(t, StemLeaf{Stem: "0", Leaves: "No data"}, rows[0])
}

func TestStemAndLeafThreeDigitCounts(t *testing.T) {
	rows := StemAndLeaf([]int{104, 7})

	require.Len(t, rows, 2)
	assert.Equal(t, StemLeaf{Stem: "0", Leaves: "7"}, rows[0])
	assert.Equal(t, StemLeaf{Stem: "10", Leaves: "4"}, rows[1])
}

func TestHourlyCountsBucketsByLocalHour(t *testing.T) {
	base := time.Date(2024, time.May, 10, 6, 0, 0, 0, time.UTC)
	seq := []datastore.SpeciesAt{
		at(base.Add(5*time.Minute), "Turdus merula"),
		at(base.Add(40*time.Minute), "Parus major"),
		at(base.Add(2*time.Hour), "Parus major"),
	}

	assert.Equal(t, []int{2, 1}, HourlyCounts(seq, time.UTC))
}

func TestHourlyCountsSpanDays(t *testing.T) {
	// The same clock hour on different days is two buckets.
	first := time.Date(2024, time.May, 10, 6, 30, 0, 0, time.UTC)
	seq := []datastore.SpeciesAt{
		at(first, "Turdus merula"),
		at(first.AddDate(0, 0, 1), "Turdus merula"),
	}

	assert.Equal(t, []int{1, 1}, HourlyCounts(seq, time.UTC))
}

func TestHourlyCountsEmpty(t *testing.T) {
	assert.Empty(t, HourlyCounts(nil, time.UTC))
}
