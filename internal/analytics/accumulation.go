package analytics

import (
	"math/rand"

	"github.com/avibox/avibox/internal/datastore"
)

// AccumulationPoint is the expected number of distinct species after the
// first Samples detections.
type AccumulationPoint struct {
	Samples int     `json:"samples"`
	Species float64 `json:"species"`
}

// randomAccumulationRuns trades smoothness against query cost.
const randomAccumulationRuns = 10

// RandomAccumulation estimates the species accumulation curve by shuffling
// the detection order and averaging distinct-species-so-far at each sample
// count over the given number of runs.
func RandomAccumulation(seq []datastore.SpeciesAt, runs int, rng *rand.Rand) []AccumulationPoint {
	if len(seq) == 0 {
		return nil
	}
	if runs <= 0 {
		runs = randomAccumulationRuns
	}

	order := make([]string, len(seq))
	for i, at := range seq {
		order[i] = at.ScientificName
	}

	sums := make([]float64, len(order))
	for run := 0; run < runs; run++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		seen := make(map[string]struct{}, 64)
		for i, name := range order {
			seen[name] = struct{}{}
			sums[i] += float64(len(seen))
		}
	}

	out := make([]AccumulationPoint, len(sums))
	for i, sum := range sums {
		out[i] = AccumulationPoint{Samples: i + 1, Species: sum / float64(runs)}
	}
	return out
}

// Rarefaction computes the expected distinct species count at every sample
// size. For a species holding n_i of the N detections, the probability it
// is absent from a uniform sample shrinks by (N-n_i-n+1)/(N-n+1) with each
// added draw, so the whole curve costs one pass per sample size.
func Rarefaction(seq []datastore.SpeciesAt) []AccumulationPoint {
	if len(seq) == 0 {
		return nil
	}

	counts := map[string]int{}
	for _, at := range seq {
		counts[at.ScientificName]++
	}
	total := len(seq)

	absent := make([]float64, 0, len(counts))
	tallies := make([]int, 0, len(counts))
	for _, n := range counts {
		absent = append(absent, 1.0)
		tallies = append(tallies, n)
	}

	out := make([]AccumulationPoint, total)
	for n := 1; n <= total; n++ {
		expected := 0.0
		for i := range absent {
			absent[i] *= float64(total-tallies[i]-n+1) / float64(total-n+1)
			if absent[i] < 0 {
				absent[i] = 0
			}
			expected += 1 - absent[i]
		}
		out[n-1] = AccumulationPoint{Samples: n, Species: expected}
	}
	return out
}
