package analytics

import (
	"math"

	"github.com/avibox/avibox/internal/datastore"
)

// Correlation reports how a weather metric tracked daily detection counts.
type Correlation struct {
	Metric      string  `json:"metric"`
	Pairs       int     `json:"pairs"`
	Coefficient float64 `json:"coefficient"`
}

// Pearson computes the correlation coefficient over positions where both
// series have a value. Fewer than two complete pairs, or a zero-variance
// series, is defined as zero.
func Pearson(xs, ys []*float64) float64 {
	var x, y []float64
	for i := range xs {
		if i >= len(ys) {
			break
		}
		if xs[i] == nil || ys[i] == nil {
			continue
		}
		x = append(x, *xs[i])
		y = append(y, *ys[i])
	}
	if len(x) < 2 {
		return 0
	}
	n := float64(len(x))

	var sumX, sumY float64
	for i := range x {
		sumX += x[i]
		sumY += y[i]
	}
	meanX, meanY := sumX/n, sumY/n

	var cov, varX, varY float64
	for i := range x {
		dx, dy := x[i]-meanX, y[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0
	}
	return cov / math.Sqrt(varX*varY)
}

// AlignDaily joins two daily series on their date, producing parallel
// slices for correlation. Dates present in only one series are dropped;
// they have no aligned partner by definition.
func AlignDaily(a, b []datastore.DailyValue) (xs, ys []*float64) {
	byDate := make(map[string]*float64, len(b))
	for i := range b {
		byDate[b[i].Date] = b[i].Value
	}
	for i := range a {
		if v, ok := byDate[a[i].Date]; ok {
			xs = append(xs, a[i].Value)
			ys = append(ys, v)
		}
	}
	return xs, ys
}
