// Package datastore persists detections, audio clips, weather, and the
// update coordination keys in a single SQLite file, with a read-only species
// reference database attached per session for taxonomy queries.
package datastore

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/logging"
)

// Interface abstracts the store for the pipeline, the web layer, and the
// update daemon.
type Interface interface {
	Open() error
	Close() error

	// Detections. SaveDetection inserts the detection and its optional clip
	// in one transaction.
	SaveDetection(ctx context.Context, d *Detection, clip *AudioFile) error
	GetDetection(ctx context.Context, id string) (*Detection, error)
	GetRecentDetections(ctx context.Context, limit int) ([]Detection, error)
	SearchDetections(ctx context.Context, filters *SearchFilters) ([]Detection, int64, error)
	CountDetectionsByDate(ctx context.Context, dayStart, dayEnd time.Time) (int64, error)
	BestDetections(ctx context.Context, start, end time.Time, limit int) ([]Detection, error)
	DeleteDetection(ctx context.Context, id string) error

	// Scope queries for notification gating. SpeciesSeenBetween covers
	// [since, before), so a subscriber can ask about detections prior to
	// the one it is currently holding.
	SpeciesFirstSeen(ctx context.Context, scientificName string) (time.Time, bool, error)
	SpeciesSeenBetween(ctx context.Context, scientificName string, since, before time.Time) (bool, error)

	// Analytics feeds. SpeciesSequence carries instants so hour-of-day
	// bucketing can happen in the configured time zone, not in SQL.
	SpeciesSequence(ctx context.Context, start, end time.Time) ([]SpeciesAt, error)
	DailyDetectionCounts(ctx context.Context, start, end time.Time) ([]DailyValue, error)
	DailyWeatherAverages(ctx context.Context, start, end time.Time, metric string) ([]DailyValue, error)
	SpeciesSummary(ctx context.Context, opts SummaryOptions) ([]SpeciesSummaryRow, error)
	Families(ctx context.Context) ([]string, error)
	SpeciesInfo(ctx context.Context, scientificName string) (*SpeciesInfo, error)

	// Weather.
	SaveWeather(ctx context.Context, w *Weather) error
	GetWeather(ctx context.Context, hour time.Time, lat, lon float64) (*Weather, error)
	AttachWeather(ctx context.Context, hour time.Time, lat, lon float64) (int64, error)

	// Coordination channel.
	KVGet(ctx context.Context, key string) (string, bool, error)
	KVSet(ctx context.Context, key, value string) error
	KVDelete(ctx context.Context, key string) error
	KVConsume(ctx context.Context, key string) (string, bool, error)
}

// SummaryOptions filter the species summary query.
type SummaryOptions struct {
	Language     string    // translations language code, "" means english names
	Since        time.Time // zero means all time
	FamilyFilter string
}

// DataStore carries the shared GORM handle; engine-specific stores embed it.
type DataStore struct {
	DB *gorm.DB
}

// New selects the store implementation for the settings. SQLite is the only
// engine: the reference attach, WAL snapshotting during updates, and the
// file-copy rollback contract are all SQLite semantics.
func New(settings *conf.Settings) Interface {
	return &SQLiteStore{Settings: settings}
}

// createGormLogger bridges GORM logging onto the service logger, warning on
// slow queries.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

var storeLogger *slog.Logger

func getLogger() *slog.Logger {
	if storeLogger == nil {
		storeLogger = logging.ForService("datastore")
	}
	return storeLogger
}
