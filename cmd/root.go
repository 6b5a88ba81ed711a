// Package cmd assembles the avibox command tree.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avibox/avibox/cmd/capture"
	"github.com/avibox/avibox/cmd/file"
	"github.com/avibox/avibox/cmd/realtime"
	"github.com/avibox/avibox/cmd/update"
	"github.com/avibox/avibox/internal/buildinfo"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/logging"
)

// RootCommand builds the root command with every subcommand attached.
// Settings are already loaded; explicitly set flags override the YAML
// document before any subcommand runs.
func RootCommand(settings *conf.Settings) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "avibox",
		Short:   "Acoustic bird detection appliance",
		Version: buildinfo.Summary(),
	}

	setupFlags(rootCmd, settings)

	rootCmd.AddCommand(
		capture.Command(settings),
		realtime.Command(settings),
		update.Command(settings),
		file.Command(settings),
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		applyOverrides(cmd, settings)
	}

	return rootCmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings) {
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().Float64P("threshold", "t", settings.Model.SpeciesConfidenceThreshold, "Confidence threshold for reported detections, 0.1 to 1.0")
	cmd.PersistentFlags().Float64P("sensitivity", "s", settings.Model.SensitivitySetting, "Sigmoid sensitivity value between 0.0 and 1.5")
	cmd.PersistentFlags().Float64("overlap", settings.Audio.Overlap, "Analysis window overlap in seconds, 0.0 to 2.9")
	cmd.PersistentFlags().Float64("latitude", settings.Location.Latitude, "Station latitude for the range filter")
	cmd.PersistentFlags().Float64("longitude", settings.Location.Longitude, "Station longitude for the range filter")
}

// applyOverrides copies flags the operator actually set onto the loaded
// settings. Untouched flags leave the YAML values alone.
func applyOverrides(cmd *cobra.Command, settings *conf.Settings) {
	flags := cmd.Flags()
	if on, _ := flags.GetBool("debug"); on {
		logging.SetLevel(slog.LevelDebug)
	}
	if flags.Changed("threshold") {
		settings.Model.SpeciesConfidenceThreshold, _ = flags.GetFloat64("threshold")
	}
	if flags.Changed("sensitivity") {
		settings.Model.SensitivitySetting, _ = flags.GetFloat64("sensitivity")
	}
	if flags.Changed("overlap") {
		settings.Audio.Overlap, _ = flags.GetFloat64("overlap")
	}
	if flags.Changed("latitude") {
		settings.Location.Latitude, _ = flags.GetFloat64("latitude")
	}
	if flags.Changed("longitude") {
		settings.Location.Longitude, _ = flags.GetFloat64("longitude")
	}
}
