// Package conf handles loading, validating, migrating, and saving the
// application configuration. The configuration is a single YAML document
// carrying a config_version field; older documents are upgraded in place
// through a registered chain of version handlers before unmarshalling.
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/avibox/avibox/internal/errors"
)

// CurrentConfigVersion is the schema version written by this build.
const CurrentConfigVersion = 2

//go:embed config.yaml
var defaultConfig []byte

// Settings is the root of the configuration schema.
type Settings struct {
	ConfigVersion int `mapstructure:"config_version" yaml:"config_version"`

	Main          MainSettings          `mapstructure:"main" yaml:"main"`
	Location      LocationSettings      `mapstructure:"location" yaml:"location"`
	Model         ModelSettings         `mapstructure:"model" yaml:"model"`
	Audio         AudioSettings         `mapstructure:"audio" yaml:"audio"`
	Notifications NotificationSettings  `mapstructure:"notifications" yaml:"notifications"`
	MQTT          MQTTSettings          `mapstructure:"mqtt" yaml:"mqtt"`
	Updates       UpdateSettings        `mapstructure:"updates" yaml:"updates"`
	RangeFilter   RangeFilterSettings   `mapstructure:"range_filter" yaml:"range_filter"`
	Weather       WeatherSettings       `mapstructure:"weather" yaml:"weather"`
	WebServer     WebServerSettings     `mapstructure:"webserver" yaml:"webserver"`
	ReferenceDB   ReferenceDBSettings   `mapstructure:"reference_db" yaml:"reference_db"`
	Sentry        SentrySettings        `mapstructure:"sentry" yaml:"sentry"`
}

// MainSettings hold node identity, data directory, and log rotation.
type MainSettings struct {
	Name    string      `mapstructure:"name" yaml:"name"`
	DataDir string      `mapstructure:"data_dir" yaml:"data_dir"`
	Log     LogSettings `mapstructure:"log" yaml:"log"`
}

type LogSettings struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

type LocationSettings struct {
	Latitude           float64 `mapstructure:"latitude" yaml:"latitude"`
	Longitude          float64 `mapstructure:"longitude" yaml:"longitude"`
	Timezone           string  `mapstructure:"timezone" yaml:"timezone"`
	Language           string  `mapstructure:"language" yaml:"language"`
	SpeciesDisplayMode string  `mapstructure:"species_display_mode" yaml:"species_display_mode"`
}

type ModelSettings struct {
	ModelPath                  string  `mapstructure:"model_path" yaml:"model_path"`
	MetadataModelPath          string  `mapstructure:"metadata_model_path" yaml:"metadata_model_path"`
	LabelsPath                 string  `mapstructure:"labels_path" yaml:"labels_path"`
	SpeciesConfidenceThreshold float64 `mapstructure:"species_confidence_threshold" yaml:"species_confidence_threshold"`
	SensitivitySetting         float64 `mapstructure:"sensitivity_setting" yaml:"sensitivity_setting"`
	PrivacyThreshold           float64 `mapstructure:"privacy_threshold" yaml:"privacy_threshold"`
}

type AudioSettings struct {
	DeviceIndex int               `mapstructure:"device_index" yaml:"device_index"`
	SampleRate  int               `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels    int               `mapstructure:"channels" yaml:"channels"`
	BitDepth    int               `mapstructure:"bit_depth" yaml:"bit_depth"`
	Overlap     float64           `mapstructure:"overlap" yaml:"overlap"`
	FIFODir     string            `mapstructure:"fifo_dir" yaml:"fifo_dir"`
	Equalizer   EqualizerSettings `mapstructure:"equalizer" yaml:"equalizer"`
	Export      ExportSettings    `mapstructure:"export" yaml:"export"`
}

type EqualizerSettings struct {
	Enabled bool              `mapstructure:"enabled" yaml:"enabled"`
	Filters []EqualizerFilter `mapstructure:"filters" yaml:"filters"`
}

// EqualizerFilter describes one stage of the capture filter chain.
// Type is one of highpass, lowpass, gain, passthrough.
type EqualizerFilter struct {
	Type      string  `mapstructure:"type" yaml:"type"`
	Frequency float64 `mapstructure:"frequency" yaml:"frequency"`
	Q         float64 `mapstructure:"q" yaml:"q"`
	Gain      float64 `mapstructure:"gain" yaml:"gain"`
	Passes    int     `mapstructure:"passes" yaml:"passes"`
}

type ExportSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Format  string `mapstructure:"format" yaml:"format"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type NotificationSettings struct {
	AppriseTargets  map[string]string  `mapstructure:"apprise_targets" yaml:"apprise_targets"`
	WebhookTargets  map[string]string  `mapstructure:"webhook_targets" yaml:"webhook_targets"`
	Rules           []NotificationRule `mapstructure:"rules" yaml:"rules"`
	TitleDefault    string             `mapstructure:"title_default" yaml:"title_default"`
	BodyDefault     string             `mapstructure:"body_default" yaml:"body_default"`
	QuietHoursStart string             `mapstructure:"quiet_hours_start" yaml:"quiet_hours_start"`
	QuietHoursEnd   string             `mapstructure:"quiet_hours_end" yaml:"quiet_hours_end"`
}

// NotificationRule selects which detections reach which delivery service.
type NotificationRule struct {
	Name              string        `mapstructure:"name" yaml:"name"`
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	Service           string        `mapstructure:"service" yaml:"service"`
	Target            string        `mapstructure:"target" yaml:"target"`
	Frequency         RuleFrequency `mapstructure:"frequency" yaml:"frequency"`
	Scope             string        `mapstructure:"scope" yaml:"scope"`
	IncludeTaxa       TaxaFilter    `mapstructure:"include_taxa" yaml:"include_taxa"`
	ExcludeTaxa       TaxaFilter    `mapstructure:"exclude_taxa" yaml:"exclude_taxa"`
	MinimumConfidence float64       `mapstructure:"minimum_confidence" yaml:"minimum_confidence"`
	TitleTemplate     string        `mapstructure:"title_template" yaml:"title_template"`
	BodyTemplate      string        `mapstructure:"body_template" yaml:"body_template"`
}

type RuleFrequency struct {
	When string `mapstructure:"when" yaml:"when"`
	Time string `mapstructure:"time" yaml:"time,omitempty"`
	Day  string `mapstructure:"day" yaml:"day,omitempty"`
}

type TaxaFilter struct {
	Orders   []string `mapstructure:"orders" yaml:"orders,omitempty"`
	Families []string `mapstructure:"families" yaml:"families,omitempty"`
	Genera   []string `mapstructure:"genera" yaml:"genera,omitempty"`
	Species  []string `mapstructure:"species" yaml:"species,omitempty"`
}

type MQTTSettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	BrokerHost  string `mapstructure:"broker_host" yaml:"broker_host"`
	BrokerPort  int    `mapstructure:"broker_port" yaml:"broker_port"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
}

type UpdateSettings struct {
	CheckEnabled       bool   `mapstructure:"check_enabled" yaml:"check_enabled"`
	CheckIntervalHours int    `mapstructure:"check_interval_hours" yaml:"check_interval_hours"`
	AutoCheckOnStartup bool   `mapstructure:"auto_check_on_startup" yaml:"auto_check_on_startup"`
	GitRemote          string `mapstructure:"git_remote" yaml:"git_remote"`
	GitBranch          string `mapstructure:"git_branch" yaml:"git_branch"`
	RepoDir            string `mapstructure:"repo_dir" yaml:"repo_dir"`
	RestartCommand     string `mapstructure:"restart_command" yaml:"restart_command"`
}

type RangeFilterSettings struct {
	Enabled       bool                `mapstructure:"enabled" yaml:"enabled"`
	DetectionMode string              `mapstructure:"detection_mode" yaml:"detection_mode"`
	Strictness    string              `mapstructure:"strictness" yaml:"strictness"`
	H3Resolution  int                 `mapstructure:"h3_resolution" yaml:"h3_resolution"`
	NeighborRings int                 `mapstructure:"neighbor_rings" yaml:"neighbor_rings"`
	Quality       QualityMultipliers  `mapstructure:"quality_multipliers" yaml:"quality_multipliers"`
	Temporal      TemporalAdjustments `mapstructure:"temporal_adjustments" yaml:"temporal_adjustments"`
}

type QualityMultipliers struct {
	Core     float64 `mapstructure:"core" yaml:"core"`
	Neighbor float64 `mapstructure:"neighbor" yaml:"neighbor"`
}

type TemporalAdjustments struct {
	Enabled    bool    `mapstructure:"enabled" yaml:"enabled"`
	WeekWindow int     `mapstructure:"week_window" yaml:"week_window"`
	Falloff    float64 `mapstructure:"falloff" yaml:"falloff"`
}

type WeatherSettings struct {
	Provider            string              `mapstructure:"provider" yaml:"provider"`
	PollIntervalMinutes int                 `mapstructure:"poll_interval_minutes" yaml:"poll_interval_minutes"`
	OpenWeather         OpenWeatherSettings `mapstructure:"openweather" yaml:"openweather"`
}

type OpenWeatherSettings struct {
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Units    string `mapstructure:"units" yaml:"units"`
}

type WebServerSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    string `mapstructure:"port" yaml:"port"`
}

type ReferenceDBSettings struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type SentrySettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

var (
	settingsMu       sync.RWMutex
	settingsInstance *Settings
)

// Setting returns the loaded singleton settings, or nil before Load.
func Setting() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsInstance
}

// Load reads the configuration file, migrates old schema versions, applies
// defaults, validates, and installs the settings singleton.
func Load() (*Settings, error) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	if err := initViper(); err != nil {
		return nil, err
	}

	if err := migrateConfig(viper.GetViper()); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "unmarshal").
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	settingsInstance = settings
	return settings, nil
}

// initViper locates or creates the configuration file and reads it.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return err
	}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "read-config").
				Build()
		}
		created, err := createDefaultConfig(configPaths[0])
		if err != nil {
			return err
		}
		viper.SetConfigFile(created)
		if err := viper.ReadInConfig(); err != nil {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("operation", "read-created-config").
				Build()
		}
	}
	return nil
}

// createDefaultConfig writes the embedded default configuration into the
// first config path and returns its location.
func createDefaultConfig(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, defaultConfig, 0o644); err != nil {
		return "", errors.New(err).
			Component("conf").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	fmt.Printf("Created default configuration at %s\n", path)
	return path, nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in
// priority order: $AVIBOX_CONFIG_DIR, XDG config home, the working directory.
func GetDefaultConfigPaths() ([]string, error) {
	if dir := os.Getenv("AVIBOX_CONFIG_DIR"); dir != "" {
		return []string{dir}, nil
	}
	home, err := os.UserConfigDir()
	if err != nil {
		return []string{"."}, nil
	}
	return []string{filepath.Join(home, "avibox"), "."}, nil
}

// TimeLocation resolves the configured timezone, defaulting to UTC.
func (s *Settings) TimeLocation() *time.Location {
	if s.Location.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Location.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
