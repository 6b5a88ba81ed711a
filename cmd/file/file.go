// Package file provides the subcommand for one-shot analysis of a
// prerecorded audio clip.
package file

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/avibox/avibox/internal/analysis"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/detector"
)

// Command creates the file command.
func Command(settings *conf.Settings) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "file [input.wav]",
		Short: "Analyze a prerecorded audio file",
		Long:  "Run a WAV or FLAC file through the detector with the same windowing as the live pipeline and print the result table. Nothing is persisted.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), settings, args[0], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the result table to a file instead of stdout")

	return cmd
}

func run(ctx context.Context, settings *conf.Settings, path, output string) error {
	model, err := detector.New(settings)
	if err != nil {
		return err
	}
	defer model.Close()

	out := io.Writer(os.Stdout)
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	return analysis.AnalyzeFile(ctx, settings, model, path, out)
}
