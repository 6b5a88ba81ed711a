// Package capture provides the subcommand that runs the audio capture
// daemon: the process that owns the microphone and feeds the FIFOs.
package capture

import (
	"context"

	"github.com/spf13/cobra"

	audiocapture "github.com/avibox/avibox/internal/capture"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/daemon"
)

// Command creates the capture command.
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the audio capture daemon",
		Long:  "Capture audio from the configured input device, run the filter chain, and write frames to the analysis and livestream FIFOs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings)
		},
	}

	cmd.Flags().IntVar(&settings.Audio.DeviceIndex, "device", settings.Audio.DeviceIndex, "Capture device index")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings) error {
	proc := daemon.NewState()
	proc.Listen()
	defer proc.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	d, err := audiocapture.New(settings)
	if err != nil {
		return err
	}
	return d.Run(runCtx)
}
