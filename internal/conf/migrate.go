package conf

import (
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/avibox/avibox/internal/errors"
)

// migrationFn upgrades the raw configuration from its version to the next.
// Handlers operate on the viper instance so unknown legacy keys are visible.
type migrationFn func(v *viper.Viper) error

// migrations[n] migrates version n to n+1.
var migrations = map[int]migrationFn{
	0: migrateV0toV1,
	1: migrateV1toV2,
}

// migrateConfig walks the version chain from the document's config_version up
// to CurrentConfigVersion, applying each registered handler in order.
func migrateConfig(v *viper.Viper) error {
	version := v.GetInt("config_version")
	if version > CurrentConfigVersion {
		return errors.Newf("config_version %d is newer than this build supports (%d)",
			version, CurrentConfigVersion).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	for version < CurrentConfigVersion {
		handler, ok := migrations[version]
		if !ok {
			return errors.Newf("no migration registered for config_version %d", version).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Build()
		}
		if err := handler(v); err != nil {
			return errors.New(err).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("from_version", version).
				Build()
		}
		version++
		v.Set("config_version", version)
	}
	return nil
}

// migrateV0toV1 lifts the original flat keys into their groups. Version 0
// documents predate grouping and carry latitude, longitude, confidence and
// sensitivity at the top level.
func migrateV0toV1(v *viper.Viper) error {
	moves := map[string]string{
		"latitude":             "location.latitude",
		"longitude":            "location.longitude",
		"timezone":             "location.timezone",
		"language":             "location.language",
		"confidence_threshold": "model.species_confidence_threshold",
		"sensitivity":          "model.sensitivity_setting",
		"privacy_threshold":    "model.privacy_threshold",
		"sample_rate":          "audio.sample_rate",
		"audio_channels":       "audio.channels",
		"audio_device_index":   "audio.device_index",
		"audio_overlap":        "audio.overlap",
	}
	for old, target := range moves {
		if v.IsSet(old) && !v.IsSet(target) {
			v.Set(target, v.Get(old))
		}
	}
	return nil
}

// migrateV1toV2 renames the mqtt flat keys introduced in version 1 and
// coerces the former string-typed port.
func migrateV1toV2(v *viper.Viper) error {
	moves := map[string]string{
		"enable_mqtt":      "mqtt.enabled",
		"mqtt_broker_host": "mqtt.broker_host",
		"mqtt_username":    "mqtt.username",
		"mqtt_password":    "mqtt.password",
		"mqtt_topic_prefix": "mqtt.topic_prefix",
		"mqtt_client_id":   "mqtt.client_id",
	}
	for old, target := range moves {
		if v.IsSet(old) && !v.IsSet(target) {
			v.Set(target, v.Get(old))
		}
	}
	if v.IsSet("mqtt_broker_port") && !v.IsSet("mqtt.broker_port") {
		port, err := cast.ToIntE(v.Get("mqtt_broker_port"))
		if err != nil {
			return errors.Newf("mqtt_broker_port: %v", err).
				Component("conf").
				Category(errors.CategoryValidation).
				Build()
		}
		v.Set("mqtt.broker_port", port)
	}
	// Quiet hours moved from updates to notifications in v2.
	if v.IsSet("quiet_hours_start") && !v.IsSet("notifications.quiet_hours_start") {
		v.Set("notifications.quiet_hours_start", cast.ToString(v.Get("quiet_hours_start")))
	}
	if v.IsSet("quiet_hours_end") && !v.IsSet("notifications.quiet_hours_end") {
		v.Set("notifications.quiet_hours_end", cast.ToString(v.Get("quiet_hours_end")))
	}
	return nil
}
