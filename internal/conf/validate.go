package conf

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/avibox/avibox/internal/errors"
)

var (
	gitRemoteRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	gitBranchRe = regexp.MustCompile(`^[A-Za-z0-9/_-]+$`)
)

var validDisplayModes = map[string]bool{"full": true, "common_name": true, "scientific_name": true}
var validDetectionModes = map[string]bool{"off": true, "warn": true, "filter": true}
var validStrictness = map[string]bool{"vagrant": true, "rare": true, "uncommon": true, "common": true}
var validServices = map[string]bool{"apprise": true, "webhook": true, "mqtt": true}
var validScopes = map[string]bool{"": true, "all": true, "new_ever": true, "new_today": true, "new_this_week": true}
var validFrequencies = map[string]bool{"": true, "always": true, "once_per_hour": true, "once_per_day": true, "once_per_week": true}
var validExportFormats = map[string]bool{"wav": true, "flac": true}
var validWeatherProviders = map[string]bool{"yrno": true, "openweather": true, "none": true}

// ValidateSettings checks every group and returns one error listing all
// offending keys, so a misconfigured node reports everything at once.
func ValidateSettings(s *Settings) error {
	var bad []string

	if s.Location.Latitude < -90 || s.Location.Latitude > 90 {
		bad = append(bad, "location.latitude: out of range [-90, 90]")
	}
	if s.Location.Longitude < -180 || s.Location.Longitude > 180 {
		bad = append(bad, "location.longitude: out of range [-180, 180]")
	}
	if s.Location.Timezone != "" {
		if _, err := time.LoadLocation(s.Location.Timezone); err != nil {
			bad = append(bad, fmt.Sprintf("location.timezone: unknown zone %q", s.Location.Timezone))
		}
	}
	if !validDisplayModes[s.Location.SpeciesDisplayMode] {
		bad = append(bad, fmt.Sprintf("location.species_display_mode: %q not one of full, common_name, scientific_name", s.Location.SpeciesDisplayMode))
	}

	if s.Model.SpeciesConfidenceThreshold < 0 || s.Model.SpeciesConfidenceThreshold > 1 {
		bad = append(bad, "model.species_confidence_threshold: out of range [0, 1]")
	}
	if s.Model.SensitivitySetting <= 0 {
		bad = append(bad, "model.sensitivity_setting: must be positive")
	}
	if s.Model.PrivacyThreshold < 0 || s.Model.PrivacyThreshold > 100 {
		bad = append(bad, "model.privacy_threshold: out of range [0, 100]")
	}

	if s.Audio.SampleRate <= 0 {
		bad = append(bad, "audio.sample_rate: must be positive")
	}
	if s.Audio.Channels <= 0 {
		bad = append(bad, "audio.channels: must be positive")
	}
	if s.Audio.BitDepth != 16 {
		bad = append(bad, "audio.bit_depth: only 16 is supported")
	}
	if s.Audio.Overlap < 0 || s.Audio.Overlap >= 3.0 {
		bad = append(bad, "audio.overlap: out of range [0, 3.0)")
	}
	if s.Audio.Export.Enabled && !validExportFormats[s.Audio.Export.Format] {
		bad = append(bad, fmt.Sprintf("audio.export.format: %q not one of wav, flac", s.Audio.Export.Format))
	}

	if start := s.Notifications.QuietHoursStart; start != "" {
		if _, err := ParseClock(start); err != nil {
			bad = append(bad, fmt.Sprintf("notifications.quiet_hours_start: %v", err))
		}
	}
	if end := s.Notifications.QuietHoursEnd; end != "" {
		if _, err := ParseClock(end); err != nil {
			bad = append(bad, fmt.Sprintf("notifications.quiet_hours_end: %v", err))
		}
	}
	if (s.Notifications.QuietHoursStart == "") != (s.Notifications.QuietHoursEnd == "") {
		bad = append(bad, "notifications: quiet_hours_start and quiet_hours_end must be set together")
	}

	for i := range s.Notifications.Rules {
		rule := &s.Notifications.Rules[i]
		prefix := fmt.Sprintf("notifications.rules[%d]", i)
		if rule.Name == "" {
			bad = append(bad, prefix+".name: required")
		}
		if !validServices[rule.Service] {
			bad = append(bad, fmt.Sprintf("%s.service: %q not one of apprise, webhook, mqtt", prefix, rule.Service))
		}
		if !validScopes[rule.Scope] {
			bad = append(bad, fmt.Sprintf("%s.scope: %q not one of all, new_ever, new_today, new_this_week", prefix, rule.Scope))
		}
		if !validFrequencies[rule.Frequency.When] {
			bad = append(bad, fmt.Sprintf("%s.frequency.when: %q unrecognised", prefix, rule.Frequency.When))
		}
		if rule.MinimumConfidence < 0 || rule.MinimumConfidence > 1 {
			bad = append(bad, prefix+".minimum_confidence: out of range [0, 1]")
		}
		switch rule.Service {
		case "apprise":
			if _, ok := s.Notifications.AppriseTargets[rule.Target]; !ok {
				bad = append(bad, fmt.Sprintf("%s.target: %q not in apprise_targets", prefix, rule.Target))
			}
		case "webhook":
			if _, ok := s.Notifications.WebhookTargets[rule.Target]; !ok {
				bad = append(bad, fmt.Sprintf("%s.target: %q not in webhook_targets", prefix, rule.Target))
			}
		}
	}

	if s.MQTT.Enabled {
		if s.MQTT.BrokerHost == "" {
			bad = append(bad, "mqtt.broker_host: required when mqtt is enabled")
		}
		if s.MQTT.BrokerPort <= 0 || s.MQTT.BrokerPort > 65535 {
			bad = append(bad, "mqtt.broker_port: out of range (0, 65535]")
		}
		if s.MQTT.TopicPrefix == "" {
			bad = append(bad, "mqtt.topic_prefix: required when mqtt is enabled")
		}
	}

	if !gitRemoteRe.MatchString(s.Updates.GitRemote) {
		bad = append(bad, fmt.Sprintf("updates.git_remote: %q does not match %s", s.Updates.GitRemote, gitRemoteRe))
	}
	if !gitBranchRe.MatchString(s.Updates.GitBranch) {
		bad = append(bad, fmt.Sprintf("updates.git_branch: %q does not match %s", s.Updates.GitBranch, gitBranchRe))
	}
	if s.Updates.CheckIntervalHours <= 0 {
		bad = append(bad, "updates.check_interval_hours: must be positive")
	}

	if !validDetectionModes[s.RangeFilter.DetectionMode] {
		bad = append(bad, fmt.Sprintf("range_filter.detection_mode: %q not one of off, warn, filter", s.RangeFilter.DetectionMode))
	}
	if !validStrictness[s.RangeFilter.Strictness] {
		bad = append(bad, fmt.Sprintf("range_filter.strictness: %q not one of vagrant, rare, uncommon, common", s.RangeFilter.Strictness))
	}

	if s.Weather.Provider != "" && !validWeatherProviders[s.Weather.Provider] {
		bad = append(bad, fmt.Sprintf("weather.provider: %q not one of yrno, openweather, none", s.Weather.Provider))
	}
	if s.Weather.Provider == "openweather" && s.Weather.OpenWeather.APIKey == "" {
		bad = append(bad, "weather.openweather.api_key: required for the openweather provider")
	}

	if len(bad) > 0 {
		return errors.Newf("invalid configuration:\n  %s", strings.Join(bad, "\n  ")).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("offending_keys", len(bad)).
			Build()
	}
	return nil
}

// ParseClock parses a wall-clock "HH:MM" value into minutes past midnight.
func ParseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("%q is not a valid HH:MM clock value", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}
