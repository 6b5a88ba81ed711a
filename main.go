package main

import (
	"fmt"
	"os"

	"github.com/avibox/avibox/cmd"
	"github.com/avibox/avibox/internal/buildinfo"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/telemetry"
)

func main() {
	logging.Init()

	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetRotation(logging.RotationSettings{
		MaxSizeMB:  settings.Main.Log.MaxSizeMB,
		MaxAgeDays: settings.Main.Log.MaxAgeDays,
		MaxBackups: settings.Main.Log.MaxBackups,
	})

	if err := settings.EnsureDataDirs(); err != nil {
		fmt.Fprintf(os.Stderr, "error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	if err := telemetry.Init(settings, buildinfo.Version); err != nil {
		logging.Warn("telemetry init failed", "error", err)
	}

	if err := cmd.RootCommand(settings).Execute(); err != nil {
		os.Exit(1)
	}
}
