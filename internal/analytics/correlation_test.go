package analytics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/datastore"
)

func fp(v float64) *float64 { return &v }

func TestPearson(t *testing.T) {
	tests := []struct {
		name   string
		xs, ys []*float64
		want   float64
	}{
		{"perfect positive", []*float64{fp(1), fp(2), fp(3)}, []*float64{fp(2), fp(4), fp(6)}, 1},
		{"perfect negative", []*float64{fp(1), fp(2), fp(3)}, []*float64{fp(6), fp(4), fp(2)}, -1},
		{"single pair", []*float64{fp(1)}, []*float64{fp(2)}, 0},
		{"all nil", []*float64{nil, nil}, []*float64{fp(1), fp(2)}, 0},
		{"zero variance", []*float64{fp(5), fp(5), fp(5)}, []*float64{fp(1), fp(2), fp(3)}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Pearson(tt.xs, tt.ys), 1e-9)
		})
	}
}

func TestPearsonSkipsIncompletePairs(t *testing.T) {
	// Only positions with both values count: (1,2) and (3,6) remain, a
	// perfect positive correlation.
	xs := []*float64{fp(1), nil, fp(2), fp(3)}
	ys := []*float64{fp(2), fp(9), nil, fp(6)}

	assert.InDelta(t, 1.0, Pearson(xs, ys), 1e-9)
}

func TestPearsonIgnoresTrailingUnmatchedValues(t *testing.T) {
	xs := []*float64{fp(1), fp(2), fp(3), fp(4)}
	ys := []*float64{fp(2), fp(4)}

	assert.InDelta(t, 1.0, Pearson(xs, ys), 1e-9)
}

func TestAlignDailyJoinsOnDate(t *testing.T) {
	a := []datastore.DailyValue{
		{Date: "2024-05-10", Value: fp(4)},
		{Date: "2024-05-11", Value: fp(7)},
		{Date: "2024-05-12", Value: fp(2)},
	}
	b := []datastore.DailyValue{
		{Date: "2024-05-11", Value: fp(12.5)},
		{Date: "2024-05-12", Value: nil},
		{Date: "2024-05-13", Value: fp(9)},
	}

	xs, ys := AlignDaily(a, b)

	require.Len(t, xs, 2)
	require.Len(t, ys, 2)
	assert.Equal(t, 7.0, *xs[0])
	assert.Equal(t, 12.5, *ys[0])
	assert.Equal(t, 2.0, *xs[1])
	assert.Nil(t, ys[1])
}

func TestAlignDailyNoOverlap(t *testing.T) {
	a := []datastore.DailyValue{{Date: "2024-05-10", Value: fp(4)}}
	b := []datastore.DailyValue{{Date: "2024-05-11", Value: fp(9)}}

	xs, ys := AlignDaily(a, b)

	assert.Empty(t, xs)
	assert.Empty(t, ys)
}
