package datastore

import (
	"time"
)

// Detection is the primary entity: one model-emitted species identification
// that cleared the configured confidence threshold. Immutable once inserted
// except for the weather triple, which is filled at most once.
type Detection struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Timestamp      time.Time `gorm:"index:idx_detections_timestamp" json:"timestamp"`
	ScientificName string    `gorm:"index:idx_detections_scientific_name" json:"scientific_name"`
	CommonName     string    `gorm:"index:idx_detections_common_name" json:"common_name"`
	SpeciesTensor  string    `json:"species_tensor"`
	Confidence     float64   `json:"confidence"`

	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`

	// Analysis parameters in effect when the detection was made.
	SpeciesConfidenceThreshold float64 `json:"species_confidence_threshold"`
	SensitivitySetting         float64 `json:"sensitivity_setting"`
	Overlap                    float64 `json:"overlap"`
	Week                       int     `json:"week"`

	// Weather foreign key triple, populated asynchronously after insert.
	WeatherTimestamp *time.Time `gorm:"index:idx_detections_weather" json:"weather_timestamp"`
	WeatherLatitude  *float64   `json:"weather_latitude"`
	WeatherLongitude *float64   `json:"weather_longitude"`

	AudioFileID *string    `gorm:"index" json:"audio_file_id"`
	AudioFile   *AudioFile `gorm:"foreignKey:AudioFileID" json:"-"`
}

// AudioFile is the exported clip backing a detection, owned 1:1.
type AudioFile struct {
	ID              string  `gorm:"primaryKey" json:"id"`
	FilePath        string  `json:"file_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
}

// Weather is an hourly observation keyed by hour and location; many
// detections may reference one row.
type Weather struct {
	TimestampHour time.Time `gorm:"primaryKey" json:"timestamp_hour"`
	Latitude      float64   `gorm:"primaryKey" json:"latitude"`
	Longitude     float64   `gorm:"primaryKey" json:"longitude"`

	TemperatureC   *float64 `json:"temperature_c"`
	Humidity       *float64 `json:"humidity"`
	PressureHPa    *float64 `json:"pressure_hpa"`
	WindSpeedMS    *float64 `json:"wind_speed_ms"`
	WindDirection  *float64 `json:"wind_direction"`
	Precipitation  *float64 `json:"precipitation"`
	Rain           *float64 `json:"rain"`
	Snow           *float64 `json:"snow"`
	CloudCover     *float64 `json:"cloud_cover"`
	Visibility     *float64 `json:"visibility"`
	UVIndex        *float64 `json:"uv_index"`
	SolarRadiation *float64 `json:"solar_radiation"`

	Sunrise *time.Time `json:"sunrise"`
	Sunset  *time.Time `json:"sunset"`

	Source    string    `json:"source"`
	FetchedAt time.Time `json:"fetched_at"`
}

// KVEntry is one key of the coordination channel shared by the web and
// update daemons through the store.
type KVEntry struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time
}

// SpeciesInfo is a reference-store row joined onto detections for display
// names and taxonomic grouping.
type SpeciesInfo struct {
	ScientificName string `json:"scientific_name"`
	EnglishName    string `json:"english_name"`
	TaxonomicOrder string `json:"order"`
	Family         string `json:"family"`
	Genus          string `json:"genus"`
	SpeciesEpithet string `json:"species_epithet"`
	Authority      string `json:"authority"`
}

// SpeciesSummaryRow aggregates detections per species with reference fields.
// FirstSeen and LastSeen are ISO-8601 UTC strings formatted by SQLite, since
// aggregate columns lose the declared timestamp affinity.
type SpeciesSummaryRow struct {
	ScientificName string  `json:"scientific_name"`
	CommonName     string  `json:"common_name"`
	EnglishName    string  `json:"english_name"`
	TaxonomicOrder string  `json:"order"`
	Family         string  `json:"family"`
	Genus          string  `json:"genus"`
	Count          int64   `json:"count"`
	FirstSeen      string  `json:"first_seen"`
	LastSeen       string  `json:"last_seen"`
	MaxConfidence  float64 `json:"max_confidence"`
}

// DailyValue is one per-day scalar, used for correlation alignment.
// Value is nil for days with no data.
type DailyValue struct {
	Date  string   `json:"date"`
	Value *float64 `json:"value"`
}

// SpeciesAt is the minimal (timestamp, species) projection feeding the
// accumulation and turnover algorithms.
type SpeciesAt struct {
	Timestamp      time.Time `json:"timestamp"`
	ScientificName string    `json:"scientific_name"`
}

// SearchFilters narrow a paginated detection listing.
type SearchFilters struct {
	StartDate time.Time // zero means unbounded
	EndDate   time.Time // exclusive; zero means unbounded
	Species   string
	Offset    int
	Limit     int
}
