// Package update provides the subcommand that runs the self-update daemon
// as its own process, isolated from the capture and analysis services.
package update

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/daemon"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/observability"
	selfupdate "github.com/avibox/avibox/internal/update"
)

// Command creates the update command.
func Command(settings *conf.Settings) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Run the self-update daemon",
		Long:  "Watch the coordination channel for update requests, check the configured git remote for new versions, and apply updates with snapshot rollback.",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := selfupdate.ParseMode(mode)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings, m)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(selfupdate.ModeBoth), "Daemon mode: monitor, both, or migrate")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, mode selfupdate.Mode) error {
	proc := daemon.NewState()
	proc.Listen()
	defer proc.Stop()

	metrics, err := observability.NewMetrics()
	if err != nil {
		return err
	}

	store := &datastore.SQLiteStore{Settings: settings}
	if err := store.Open(); err != nil {
		return err
	}
	defer store.Close()

	d, err := selfupdate.NewDaemon(settings, store, proc, metrics, mode)
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
