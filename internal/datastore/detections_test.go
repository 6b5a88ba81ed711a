package datastore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/errors"
)

func TestSaveDetectionWithClip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	clip := &AudioFile{
		ID:              uuid.NewString(),
		FilePath:        "recordings/turdus_merula_91p_20240515T100000Z.wav",
		DurationSeconds: 3.0,
		SizeBytes:       288044,
	}
	d := &Detection{
		ID:             uuid.NewString(),
		Timestamp:      time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC),
		ScientificName: "Turdus merula",
		CommonName:     "Eurasian Blackbird",
		Confidence:     0.91,
		Week:           20,
	}
	require.NoError(t, store.SaveDetection(ctx, d, clip))
	require.NotNil(t, d.AudioFileID)
	assert.Equal(t, clip.ID, *d.AudioFileID)

	got, err := store.GetDetection(ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AudioFile, "clip must come back preloaded")
	assert.Equal(t, clip.FilePath, got.AudioFile.FilePath)
	assert.Equal(t, int64(288044), got.AudioFile.SizeBytes)
}

func TestGetDetectionNotFound(t *testing.T) {
	store := testStore(t)

	_, err := store.GetDetection(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestGetRecentDetectionsNewestFirst(t *testing.T) {
	store := testStore(t)
	base := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7, base)
	insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.8, base.Add(time.Minute))
	insertDetection(t, store, "Erithacus rubecula", "European Robin", 0.9, base.Add(2*time.Minute))

	got, err := store.GetRecentDetections(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Erithacus rubecula", got[0].ScientificName)
	assert.Equal(t, "Pica pica", got[1].ScientificName)
}

func TestSearchDetectionsBySpeciesName(t *testing.T) {
	store := testStore(t)
	base := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7, base)
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.8, base.Add(time.Minute))
	insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.9, base.Add(2*time.Minute))

	ctx := context.Background()

	got, total, err := store.SearchDetections(ctx, &SearchFilters{Species: "Turdus merula", Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, got, 2)

	// The common name matches the same filter field.
	got, total, err = store.SearchDetections(ctx, &SearchFilters{Species: "Eurasian Magpie", Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, got, 1)
	assert.Equal(t, "Pica pica", got[0].ScientificName)
}

func TestSearchDetectionsDateRangeExclusiveEnd(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	may15 := time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC)
	may16 := may15.AddDate(0, 0, 1)

	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7, may15.Add(10*time.Hour))
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.8, may16) // midnight of the next day

	got, total, err := store.SearchDetections(ctx, &SearchFilters{StartDate: may15, EndDate: may16, Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.7, got[0].Confidence, 1e-9)
}

func TestSearchDetectionsPagination(t *testing.T) {
	store := testStore(t)
	base := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7,
			base.Add(time.Duration(i)*time.Minute))
	}

	got, total, err := store.SearchDetections(context.Background(),
		&SearchFilters{Offset: 2, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 5, total, "total counts the filter set, not the page")
	require.Len(t, got, 2)
	// Newest first: offset 2 skips minutes 4 and 3.
	assert.True(t, got[0].Timestamp.Equal(base.Add(2*time.Minute)))
	assert.True(t, got[1].Timestamp.Equal(base.Add(time.Minute)))
}

func TestCountDetectionsByDate(t *testing.T) {
	store := testStore(t)
	day := time.Date(2024, time.May, 15, 0, 0, 0, 0, time.UTC)

	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7, day.Add(6*time.Hour))
	insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.8, day.Add(18*time.Hour))
	insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.8, day.AddDate(0, 0, 1)) // next day

	count, err := store.CountDetectionsByDate(context.Background(), day, day.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestBestDetectionsPicksMaxPerSpecies(t *testing.T) {
	store := testStore(t)
	base := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)

	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.70, base)
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.92, base.Add(time.Minute))
	insertDetection(t, store, "Pica pica", "Eurasian Magpie", 0.85, base.Add(2*time.Minute))
	// Higher-confidence row outside the range must not win.
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.99, base.Add(-time.Hour))

	got, err := store.BestDetections(context.Background(), base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Turdus merula", got[0].ScientificName)
	assert.InDelta(t, 0.92, got[0].Confidence, 1e-9)
	assert.Equal(t, "Pica pica", got[1].ScientificName)

	top, err := store.BestDetections(context.Background(), base, base.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "Turdus merula", top[0].ScientificName)
}

func TestDeleteDetectionRemovesClipRow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	clip := &AudioFile{ID: uuid.NewString(), FilePath: "recordings/x.wav"}
	d := &Detection{
		ID:             uuid.NewString(),
		Timestamp:      time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC),
		ScientificName: "Turdus merula",
		CommonName:     "Eurasian Blackbird",
		Confidence:     0.9,
	}
	require.NoError(t, store.SaveDetection(ctx, d, clip))

	require.NoError(t, store.DeleteDetection(ctx, d.ID))

	_, err := store.GetDetection(ctx, d.ID)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))

	var clipCount int64
	require.NoError(t, store.DB.Model(&AudioFile{}).Where("id = ?", clip.ID).Count(&clipCount).Error)
	assert.EqualValues(t, 0, clipCount, "orphaned clip rows must not accumulate")
}

func TestDeleteDetectionNotFound(t *testing.T) {
	store := testStore(t)

	err := store.DeleteDetection(context.Background(), uuid.NewString())
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryNotFound))
}

func TestSpeciesFirstSeen(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	_, found, err := store.SpeciesFirstSeen(ctx, "Turdus merula")
	require.NoError(t, err)
	assert.False(t, found)

	first := time.Date(2024, time.May, 14, 6, 0, 0, 0, time.UTC)
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.7, first.Add(time.Hour))
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.8, first)

	ts, found, err := store.SpeciesFirstSeen(ctx, "Turdus merula")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, ts.Equal(first))
}

func TestSpeciesSeenBetweenBounds(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	ts := time.Date(2024, time.May, 15, 10, 0, 0, 0, time.UTC)
	insertDetection(t, store, "Turdus merula", "Eurasian Blackbird", 0.8, ts)

	seen, err := store.SpeciesSeenBetween(ctx, "Turdus merula", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, seen)

	// since is inclusive.
	seen, err = store.SpeciesSeenBetween(ctx, "Turdus merula", ts, ts.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, seen)

	// before is exclusive, so the row itself never counts against a
	// window ending at its own timestamp.
	seen, err = store.SpeciesSeenBetween(ctx, "Turdus merula", ts.Add(-time.Hour), ts)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.SpeciesSeenBetween(ctx, "Pica pica", ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, seen)
}
