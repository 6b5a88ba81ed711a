package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config_version: 2\nlocation:\n  latitude: 60.2\n  longitude: 24.9\n")

	s, err := LoadFrom(path)
	require.NoError(t, err)

	assert.InDelta(t, 60.2, s.Location.Latitude, 1e-9)
	assert.InDelta(t, 24.9, s.Location.Longitude, 1e-9)
	// Defaults fill the rest.
	assert.InDelta(t, 0.03, s.Model.SpeciesConfidenceThreshold, 1e-9)
	assert.InDelta(t, 1.25, s.Model.SensitivitySetting, 1e-9)
	assert.InDelta(t, 10.0, s.Model.PrivacyThreshold, 1e-9)
	assert.Equal(t, 48000, s.Audio.SampleRate)
	assert.InDelta(t, 0.5, s.Audio.Overlap, 1e-9)
	assert.Equal(t, -1, s.Audio.DeviceIndex)
	assert.Equal(t, "full", s.Location.SpeciesDisplayMode)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := writeConfig(t, "config_version: 2\n")
	s, err := LoadFrom(path)
	require.NoError(t, err)

	s.Location.Latitude = 40.0
	s.Location.Longitude = -74.0
	s.Model.SensitivitySetting = 1.0
	s.Notifications.QuietHoursStart = "22:00"
	s.Notifications.QuietHoursEnd = "06:00"
	s.Notifications.Rules = []NotificationRule{{
		Name:              "alerts",
		Enabled:           true,
		Service:           "mqtt",
		Target:            "alerts",
		Scope:             "all",
		MinimumConfidence: 0.8,
		IncludeTaxa:       TaxaFilter{Orders: []string{"Passeriformes"}},
	}}

	saved := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveSettings(s, saved))

	loaded, err := LoadFrom(saved)
	require.NoError(t, err)
	assert.Equal(t, s.Location, loaded.Location)
	assert.Equal(t, s.Model, loaded.Model)
	assert.Equal(t, s.Notifications.QuietHoursStart, loaded.Notifications.QuietHoursStart)
	require.Len(t, loaded.Notifications.Rules, 1)
	assert.Equal(t, s.Notifications.Rules[0], loaded.Notifications.Rules[0])
}

func TestValidateCollectsAllOffendingKeys(t *testing.T) {
	path := writeConfig(t, `config_version: 2
location:
  latitude: 200.0
  species_display_mode: fancy
model:
  sensitivity_setting: -1
updates:
  git_remote: "bad remote!"
`)

	_, err := LoadFrom(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "location.latitude")
	assert.Contains(t, msg, "location.species_display_mode")
	assert.Contains(t, msg, "model.sensitivity_setting")
	assert.Contains(t, msg, "updates.git_remote")
}

func TestValidateRejectsUnknownRuleTarget(t *testing.T) {
	path := writeConfig(t, `config_version: 2
notifications:
  rules:
    - name: hook
      enabled: true
      service: webhook
      target: missing
`)
	_, err := LoadFrom(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in webhook_targets")
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("22:15")
	require.NoError(t, err)
	assert.Equal(t, 22*60+15, m)

	_, err = ParseClock("25:00")
	assert.Error(t, err)
	_, err = ParseClock("nope")
	assert.Error(t, err)
}

func TestNormalizeLanguage(t *testing.T) {
	assert.Equal(t, "en", NormalizeLanguage(""))
	assert.Equal(t, "en", NormalizeLanguage("en-US"))
	assert.Equal(t, "fi", NormalizeLanguage("FI"))
	assert.Equal(t, "de", NormalizeLanguage("de"))
	assert.Equal(t, "en", NormalizeLanguage("not-a-language-at-all"))
}

func TestDataDirLayout(t *testing.T) {
	s := &Settings{}
	s.Main.DataDir = "/var/lib/avibox"

	assert.Equal(t, "/var/lib/avibox/database/avibox.db", s.DatabasePath())
	assert.Equal(t, "/var/lib/avibox/update_state.json", s.UpdateStatePath())
	assert.Equal(t, "/var/lib/avibox/update.lock", s.UpdateLockPath())
	assert.Equal(t, "/var/lib/avibox/rollback", s.RollbackDir())
	assert.Equal(t, "/var/lib/avibox/fifo/analysis.fifo", s.AnalysisFIFOPath())
	assert.Equal(t, "/var/lib/avibox/fifo/livestream.fifo", s.LivestreamFIFOPath())
}
