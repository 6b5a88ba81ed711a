package analytics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/datastore"
)

func accumulationSeq() []datastore.SpeciesAt {
	base := time.Date(2024, time.May, 10, 6, 0, 0, 0, time.UTC)
	return []datastore.SpeciesAt{
		at(base, "Turdus merula"),
		at(base.Add(time.Minute), "Turdus merula"),
		at(base.Add(2*time.Minute), "Parus major"),
		at(base.Add(3*time.Minute), "Erithacus rubecula"),
	}
}

func TestRandomAccumulationEndpoints(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	points := RandomAccumulation(accumulationSeq(), 50, rng)

	require.Len(t, points, 4)
	for i, p := range points {
		assert.Equal(t, i+1, p.Samples)
	}

	// Whatever the shuffle, one detection is one species and the full
	// sequence is all three, and the curve never descends.
	assert.Equal(t, 1.0, points[0].Species)
	assert.Equal(t, 3.0, points[3].Species)
	for i := 1; i < len(points); i++ {
		assert.LessOrEqual(t, points[i-1].Species, points[i].Species)
	}
}

func TestRandomAccumulationDeterministicForSeed(t *testing.T) {
	a := RandomAccumulation(accumulationSeq(), 10, rand.New(rand.NewSource(7)))
	b := RandomAccumulation(accumulationSeq(), 10, rand.New(rand.NewSource(7)))

	assert.Equal(t, a, b)
}

func TestRandomAccumulationEmptySequence(t *testing.T) {
	assert.Nil(t, RandomAccumulation(nil, 10, rand.New(rand.NewSource(1))))
}

func TestRarefactionMatchesDirectEnumeration(t *testing.T) {
	base := time.Date(2024, time.May, 10, 6, 0, 0, 0, time.UTC)
	// Three detections over two species: picking two of the three uniformly
	// gives an expected species count of 5/3.
	seq := []datastore.SpeciesAt{
		at(base, "Turdus merula"),
		at(base.Add(time.Minute), "Turdus merula"),
		at(base.Add(2*time.Minute), "Parus major"),
	}

	points := Rarefaction(seq)

	require.Len(t, points, 3)
	assert.Equal(t, 1, points[0].Samples)
	assert.InDelta(t, 1.0, points[0].Species, 1e-9)
	assert.InDelta(t, 5.0/3.0, points[1].Species, 1e-9)
	assert.InDelta(t, 2.0, points[2].Species, 1e-9)
}

func TestRarefactionSingleSpeciesIsFlat(t *testing.T) {
	base := time.Date(2024, time.May, 10, 6, 0, 0, 0, time.UTC)
	var seq []datastore.SpeciesAt
	for i := range 5 {
		seq = append(seq, at(base.Add(time.Duration(i)*time.Minute), "Turdus merula"))
	}

	points := Rarefaction(seq)

	require.Len(t, points, 5)
	for _, p := range points {
		assert.InDelta(t, 1.0, p.Species, 1e-9)
	}
}

func TestRarefactionEndsAtDistinctSpeciesCount(t *testing.T) {
	points := Rarefaction(accumulationSeq())

	require.Len(t, points, 4)
	assert.InDelta(t, 3.0, points[3].Species, 1e-9)
}

func TestRarefactionEmptySequence(t *testing.T) {
	assert.Nil(t, Rarefaction(nil))
}
