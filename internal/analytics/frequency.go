package analytics

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/avibox/avibox/internal/datastore"
)

// StemLeaf is one row of the detection frequency distribution.
type StemLeaf struct {
	Stem   string `json:"stem"`
	Leaves string `json:"leaves"`
}

// StemAndLeaf renders per-hour detection counts in the classic display:
// stem = tens, leaves = sorted ones digits. No counts at all yields the
// "No data" placeholder row.
func StemAndLeaf(counts []int) []StemLeaf {
	if len(counts) == 0 {
		return []StemLeaf{{Stem: "0", Leaves: "No data"}}
	}

	leaves := map[int][]int{}
	for _, c := range counts {
		if c < 0 {
			continue
		}
		leaves[c/10] = append(leaves[c/10], c%10)
	}

	stems := make([]int, 0, len(leaves))
	for stem := range leaves {
		stems = append(stems, stem)
	}
	sort.Ints(stems)

	out := make([]StemLeaf, 0, len(stems))
	for _, stem := range stems {
		ones := leaves[stem]
		sort.Ints(ones)
		parts := make([]string, len(ones))
		for i, leaf := range ones {
			parts[i] = strconv.Itoa(leaf)
		}
		out = append(out, StemLeaf{
			Stem:   strconv.Itoa(stem),
			Leaves: strings.Join(parts, " "),
		})
	}
	return out
}

// HourlyCounts buckets the sequence into per-hour totals in loc, returning
// a count for every hour that saw at least one detection, in time order.
func HourlyCounts(seq []datastore.SpeciesAt, loc *time.Location) []int {
	byHour := map[time.Time]int{}
	for _, at := range seq {
		local := at.Timestamp.In(loc)
		y, m, d := local.Date()
		hour := time.Date(y, m, d, local.Hour(), 0, 0, 0, loc)
		byHour[hour]++
	}

	hours := make([]time.Time, 0, len(byHour))
	for h := range byHour {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i].Before(hours[j]) })

	out := make([]int, len(hours))
	for i, h := range hours {
		out[i] = byHour[h]
	}
	return out
}
