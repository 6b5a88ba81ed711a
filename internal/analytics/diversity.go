package analytics

import (
	"time"

	"github.com/avibox/avibox/internal/datastore"
)

// TurnoverPoint describes the species turnover between two consecutive
// windows of the period.
type TurnoverPoint struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	SpeciesLost   int       `json:"species_lost"`
	SpeciesGained int       `json:"species_gained"`
	TurnoverRate  float64   `json:"turnover_rate"`
}

// BetaDiversity splits [start, end) into consecutive windows of the given
// width and reports, for each adjacent pair, the species lost, gained, and
// the turnover rate (lost+gained)/(2*|union|). Two empty windows turn over
// at rate zero.
func BetaDiversity(seq []datastore.SpeciesAt, start, end time.Time, window time.Duration) []TurnoverPoint {
	if window <= 0 || !start.Before(end) {
		return nil
	}

	type bucket struct {
		start   time.Time
		species map[string]struct{}
	}
	var buckets []bucket
	for ws := start; ws.Before(end); ws = ws.Add(window) {
		buckets = append(buckets, bucket{start: ws, species: map[string]struct{}{}})
	}

	for _, at := range seq {
		if at.Timestamp.Before(start) || !at.Timestamp.Before(end) {
			continue
		}
		i := int(at.Timestamp.Sub(start) / window)
		if i >= 0 && i < len(buckets) {
			buckets[i].species[at.ScientificName] = struct{}{}
		}
	}

	out := make([]TurnoverPoint, 0, len(buckets))
	for i := 1; i < len(buckets); i++ {
		prev, cur := buckets[i-1].species, buckets[i].species

		lost, gained := 0, 0
		union := len(cur)
		for name := range prev {
			if _, ok := cur[name]; !ok {
				lost++
				union++
			}
		}
		for name := range cur {
			if _, ok := prev[name]; !ok {
				gained++
			}
		}

		rate := 0.0
		if union > 0 {
			rate = float64(lost+gained) / float64(2*union)
		}
		out = append(out, TurnoverPoint{
			From:          buckets[i-1].start,
			To:            buckets[i].start,
			SpeciesLost:   lost,
			SpeciesGained: gained,
			TurnoverRate:  rate,
		})
	}
	return out
}
