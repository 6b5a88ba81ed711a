// Package analytics answers the dashboard aggregation queries: activity
// heatmaps, frequency distributions, species accumulation, turnover, and
// weather correlation, plus the reference-joined species and family
// summaries. Algorithms are pure functions over the (timestamp, species)
// projection; the Service binds them to the store, the configured time
// zone, and the cache.
package analytics

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"github.com/avibox/avibox/internal/cache"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

const defaultTurnoverWindowDays = 7

// Store is the slice of the datastore the analytics queries read.
type Store interface {
	SpeciesSequence(ctx context.Context, start, end time.Time) ([]datastore.SpeciesAt, error)
	DailyDetectionCounts(ctx context.Context, start, end time.Time) ([]datastore.DailyValue, error)
	DailyWeatherAverages(ctx context.Context, start, end time.Time, metric string) ([]datastore.DailyValue, error)
	SpeciesSummary(ctx context.Context, opts datastore.SummaryOptions) ([]datastore.SpeciesSummaryRow, error)
	Families(ctx context.Context) ([]string, error)
	GetRecentDetections(ctx context.Context, limit int) ([]datastore.Detection, error)
}

// Service runs period-scoped analytics over the detection store. All
// results are memoized; see internal/cache for the TTLs.
type Service struct {
	store  Store
	cache  *cache.Cache
	loc    *time.Location
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires the analytics queries to the store and cache. loc is the
// configured reporting zone; nil means UTC.
func NewService(store Store, c *cache.Cache, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:  store,
		cache:  c,
		loc:    loc,
		logger: logging.ForService("analytics"),
		now:    time.Now,
	}
}

// ActivityHeatmap renders the period as an hour-of-day grid: per calendar
// day for spans up to a week, per-weekday averages beyond that.
func (s *Service) ActivityHeatmap(ctx context.Context, period Period) (*Heatmap, error) {
	return cache.Memoize(ctx, s.cache, cache.Analytics,
		map[string]any{"query": "heatmap", "period": period},
		func(ctx context.Context) (*Heatmap, error) {
			start, end := period.Bounds(s.now(), s.loc)
			seq, err := s.store.SpeciesSequence(ctx, start, end)
			if err != nil {
				return nil, err
			}
			if period == PeriodHistorical {
				// The epoch start would mean decades of empty rows.
				if len(seq) > 0 {
					start = dayStart(seq[0].Timestamp, s.loc).UTC()
				} else {
					start = dayStart(s.now(), s.loc).UTC()
				}
			}
			if spanDays(start, end) <= hourlyHeatmapMaxDays {
				return HourlyHeatmap(seq, start, end, s.loc), nil
			}
			return WeeklyHeatmap(seq, start, end, s.loc), nil
		})
}

// Frequency returns the stem-and-leaf distribution of per-hour detection
// counts across the period.
func (s *Service) Frequency(ctx context.Context, period Period) ([]StemLeaf, error) {
	return cache.Memoize(ctx, s.cache, cache.Analytics,
		map[string]any{"query": "frequency", "period": period},
		func(ctx context.Context) ([]StemLeaf, error) {
			start, end := period.Bounds(s.now(), s.loc)
			seq, err := s.store.SpeciesSequence(ctx, start, end)
			if err != nil {
				return nil, err
			}
			return StemAndLeaf(HourlyCounts(seq, s.loc)), nil
		})
}

// Accumulation returns the species accumulation curve for the period.
// Method is random (default) or rarefaction.
func (s *Service) Accumulation(ctx context.Context, period Period, method string) ([]AccumulationPoint, error) {
	switch method {
	case "":
		method = "random"
	case "random", "rarefaction":
	default:
		return nil, errors.Newf("unknown accumulation method %q", method).
			Component("analytics").
			Category(errors.CategoryValidation).
			Build()
	}

	return cache.Memoize(ctx, s.cache, cache.Analytics,
		map[string]any{"query": "accumulation", "period": period, "method": method},
		func(ctx context.Context) ([]AccumulationPoint, error) {
			start, end := period.Bounds(s.now(), s.loc)
			seq, err := s.store.SpeciesSequence(ctx, start, end)
			if err != nil {
				return nil, err
			}
			if method == "rarefaction" {
				return Rarefaction(seq), nil
			}
			rng := rand.New(rand.NewSource(s.now().UnixNano()))
			return RandomAccumulation(seq, randomAccumulationRuns, rng), nil
		})
}

// Turnover returns the sliding-window beta diversity for the period.
// windowDays at or below zero selects the default week-sized window.
func (s *Service) Turnover(ctx context.Context, period Period, windowDays int) ([]TurnoverPoint, error) {
	if windowDays <= 0 {
		windowDays = defaultTurnoverWindowDays
	}
	return cache.Memoize(ctx, s.cache, cache.Analytics,
		map[string]any{"query": "beta_diversity", "period": period, "window": windowDays},
		func(ctx context.Context) ([]TurnoverPoint, error) {
			start, end := period.Bounds(s.now(), s.loc)
			seq, err := s.store.SpeciesSequence(ctx, start, end)
			if err != nil {
				return nil, err
			}
			return BetaDiversity(seq, start, end, time.Duration(windowDays)*24*time.Hour), nil
		})
}

// WeatherCorrelation correlates daily detection counts with the daily mean
// of one weather metric across the period.
func (s *Service) WeatherCorrelation(ctx context.Context, period Period, metric string) (*Correlation, error) {
	if metric == "" {
		metric = "temperature"
	}
	return cache.Memoize(ctx, s.cache, cache.Analytics,
		map[string]any{"query": "correlation", "period": period, "metric": metric},
		func(ctx context.Context) (*Correlation, error) {
			start, end := period.Bounds(s.now(), s.loc)
			counts, err := s.store.DailyDetectionCounts(ctx, start, end)
			if err != nil {
				return nil, err
			}
			weather, err := s.store.DailyWeatherAverages(ctx, start, end, metric)
			if err != nil {
				return nil, err
			}

			xs, ys := AlignDaily(counts, weather)
			pairs := 0
			for i := range xs {
				if xs[i] != nil && ys[i] != nil {
					pairs++
				}
			}
			return &Correlation{
				Metric:      metric,
				Pairs:       pairs,
				Coefficient: Pearson(xs, ys),
			}, nil
		})
}

// SpeciesSummaries returns the per-species totals joined against the
// reference taxonomy.
func (s *Service) SpeciesSummaries(ctx context.Context, opts datastore.SummaryOptions) ([]datastore.SpeciesSummaryRow, error) {
	return cache.Memoize(ctx, s.cache, cache.SpeciesSummary,
		map[string]any{"language": opts.Language, "since": opts.Since.Unix(), "family": opts.FamilyFilter},
		func(ctx context.Context) ([]datastore.SpeciesSummaryRow, error) {
			return s.store.SpeciesSummary(ctx, opts)
		})
}

// FamilyList returns the distinct families seen so far.
func (s *Service) FamilyList(ctx context.Context) ([]string, error) {
	return cache.Memoize(ctx, s.cache, cache.FamilySummary, nil,
		func(ctx context.Context) ([]string, error) {
			return s.store.Families(ctx)
		})
}

// WeeklyReport summarises the most recent calendar week with data.
type WeeklyReport struct {
	WeekStart       time.Time      `json:"week_start"`
	WeekEnd         time.Time      `json:"week_end"`
	TotalDetections int            `json:"total_detections"`
	DistinctSpecies int            `json:"distinct_species"`
	TopSpecies      []SpeciesCount `json:"top_species"`
}

// SpeciesCount pairs one species with its detection count.
type SpeciesCount struct {
	ScientificName string `json:"scientific_name"`
	Count          int    `json:"count"`
}

const weeklyReportTopN = 10

// Report builds the weekly report for the last complete Monday-to-Monday
// week. When that week is empty it falls back to the week containing the
// newest detection, so a station that was offline still reports something.
func (s *Service) Report(ctx context.Context) (*WeeklyReport, error) {
	return cache.Memoize(ctx, s.cache, cache.WeeklyReport, nil,
		func(ctx context.Context) (*WeeklyReport, error) {
			start, end := weekOf(s.now().AddDate(0, 0, -7), s.loc)
			seq, err := s.store.SpeciesSequence(ctx, start, end)
			if err != nil {
				return nil, err
			}

			if len(seq) == 0 {
				latest, err := s.store.GetRecentDetections(ctx, 1)
				if err != nil {
					return nil, err
				}
				if len(latest) > 0 {
					start, end = weekOf(latest[0].Timestamp, s.loc)
					seq, err = s.store.SpeciesSequence(ctx, start, end)
					if err != nil {
						return nil, err
					}
				}
			}
			return buildWeeklyReport(start, end, seq), nil
		})
}

func buildWeeklyReport(start, end time.Time, seq []datastore.SpeciesAt) *WeeklyReport {
	counts := map[string]int{}
	for _, at := range seq {
		counts[at.ScientificName]++
	}

	top := make([]SpeciesCount, 0, len(counts))
	for name, n := range counts {
		top = append(top, SpeciesCount{ScientificName: name, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].ScientificName < top[j].ScientificName
	})
	if len(top) > weeklyReportTopN {
		top = top[:weeklyReportTopN]
	}

	return &WeeklyReport{
		WeekStart:       start,
		WeekEnd:         end,
		TotalDetections: len(seq),
		DistinctSpecies: len(counts),
		TopSpecies:      top,
	}
}

// spanDays approximates the period length for the heatmap mode switch; the
// hour or two of DST drift cannot move a span across the 7-day line.
func spanDays(start, end time.Time) int {
	return int(end.Sub(start).Hours() / 24)
}
