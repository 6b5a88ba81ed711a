package conf

import "github.com/spf13/viper"

// setDefaultConfig registers defaults on the global viper instance.
func setDefaultConfig() {
	applyDefaults(viper.GetViper())
}

// viperWithDefaults returns a standalone viper instance carrying the full
// default set, for loads that must not touch global state.
func viperWithDefaults() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	applyDefaults(v)
	return v
}

// applyDefaults registers the default value for every recognised key.
// Values unmarshal into Settings even when the file omits whole groups.
func applyDefaults(viper *viper.Viper) {
	viper.SetDefault("config_version", CurrentConfigVersion)

	viper.SetDefault("main.name", "avibox")
	viper.SetDefault("main.data_dir", "data")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "")
	viper.SetDefault("main.log.max_size_mb", 100)
	viper.SetDefault("main.log.max_age_days", 28)
	viper.SetDefault("main.log.max_backups", 3)

	viper.SetDefault("location.latitude", 0.0)
	viper.SetDefault("location.longitude", 0.0)
	viper.SetDefault("location.timezone", "UTC")
	viper.SetDefault("location.language", "en")
	viper.SetDefault("location.species_display_mode", "full")

	viper.SetDefault("model.model_path", "")
	viper.SetDefault("model.metadata_model_path", "")
	viper.SetDefault("model.labels_path", "")
	viper.SetDefault("model.species_confidence_threshold", 0.03)
	viper.SetDefault("model.sensitivity_setting", 1.25)
	viper.SetDefault("model.privacy_threshold", 10.0)

	viper.SetDefault("audio.device_index", -1)
	viper.SetDefault("audio.sample_rate", 48000)
	viper.SetDefault("audio.channels", 1)
	viper.SetDefault("audio.bit_depth", 16)
	viper.SetDefault("audio.overlap", 0.5)
	viper.SetDefault("audio.fifo_dir", "")
	viper.SetDefault("audio.equalizer.enabled", false)
	viper.SetDefault("audio.export.enabled", false)
	viper.SetDefault("audio.export.format", "wav")
	viper.SetDefault("audio.export.path", "")

	viper.SetDefault("notifications.apprise_targets", map[string]string{})
	viper.SetDefault("notifications.webhook_targets", map[string]string{})
	viper.SetDefault("notifications.title_default", "{common_name} detected")
	viper.SetDefault("notifications.body_default",
		"{common_name} ({scientific_name}) at {timestamp}, confidence {confidence}")
	viper.SetDefault("notifications.quiet_hours_start", "")
	viper.SetDefault("notifications.quiet_hours_end", "")

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker_host", "localhost")
	viper.SetDefault("mqtt.broker_port", 1883)
	viper.SetDefault("mqtt.topic_prefix", "avibox")
	viper.SetDefault("mqtt.client_id", "avibox")

	viper.SetDefault("updates.check_enabled", true)
	viper.SetDefault("updates.check_interval_hours", 24)
	viper.SetDefault("updates.auto_check_on_startup", true)
	viper.SetDefault("updates.git_remote", "origin")
	viper.SetDefault("updates.git_branch", "main")
	viper.SetDefault("updates.repo_dir", ".")
	viper.SetDefault("updates.restart_command", "")

	viper.SetDefault("range_filter.enabled", false)
	viper.SetDefault("range_filter.detection_mode", "off")
	viper.SetDefault("range_filter.strictness", "rare")
	viper.SetDefault("range_filter.h3_resolution", 4)
	viper.SetDefault("range_filter.neighbor_rings", 1)
	viper.SetDefault("range_filter.quality_multipliers.core", 1.0)
	viper.SetDefault("range_filter.quality_multipliers.neighbor", 0.8)
	viper.SetDefault("range_filter.temporal_adjustments.enabled", false)
	viper.SetDefault("range_filter.temporal_adjustments.week_window", 2)
	viper.SetDefault("range_filter.temporal_adjustments.falloff", 0.5)

	viper.SetDefault("weather.provider", "yrno")
	viper.SetDefault("weather.poll_interval_minutes", 60)
	viper.SetDefault("weather.openweather.endpoint", "https://api.openweathermap.org/data/2.5/weather")
	viper.SetDefault("weather.openweather.units", "metric")

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.port", "8080")

	viper.SetDefault("reference_db.path", "")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
}
