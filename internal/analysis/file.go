package analysis

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/avibox/avibox/internal/audio/export"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/errors"
)

// FileResult is one qualifying prediction from a prerecorded clip, located
// by its offset range within the file.
type FileResult struct {
	Start      time.Duration
	End        time.Duration
	Prediction detector.Prediction
}

// AnalyzeFile runs a prerecorded WAV or FLAC clip through the detector with
// the same windowing rules as the live pipeline and writes a result table to
// out. Nothing is persisted.
func AnalyzeFile(ctx context.Context, settings *conf.Settings, model classifier, path string, out io.Writer) error {
	info, err := export.ReadInfo(path)
	if err != nil {
		return err
	}
	if info.TotalSamples == 0 {
		return errors.Newf("file %s contains no samples", filepath.Base(path)).
			Component("analysis").
			Category(errors.CategoryValidation).
			Build()
	}

	duration := time.Duration(float64(info.TotalSamples) / float64(info.SampleRate) * float64(time.Second))
	fmt.Fprintf(out, "%s: %s, %d Hz, %d channel(s), %d bit\n",
		filepath.Base(path), duration.Round(time.Second),
		info.SampleRate, info.NumChannels, info.BitDepth)

	results, err := analyzeChunks(ctx, settings, model, path)
	if err != nil {
		return err
	}

	writeResultTable(out, results)
	return nil
}

// analyzeChunks feeds every window of the file through the model, applying
// the region filter and the confidence threshold. Unlike the live pipeline,
// a failed inference aborts the run: a file is either analyzed or it is not.
func analyzeChunks(ctx context.Context, settings *conf.Settings, model classifier, path string) ([]FileResult, error) {
	cfg := export.ChunkConfig{
		TargetRate:    settings.Audio.SampleRate,
		WindowSeconds: detector.WindowSeconds,
		MinSeconds:    minWindowSeconds,
		Overlap:       settings.Audio.Overlap,
	}
	stride := time.Duration((detector.WindowSeconds - settings.Audio.Overlap) * float64(time.Second))
	windowLen := time.Duration(detector.WindowSeconds * float64(time.Second))
	threshold := settings.Model.SpeciesConfidenceThreshold
	week := detector.WeekOf(time.Now())

	plausible, err := model.ProbableSpecies(settings.Location.Latitude, settings.Location.Longitude, week)
	if err != nil {
		return nil, err
	}

	var results []FileResult
	var offset time.Duration

	err = export.ReadChunks(path, cfg, func(chunk []float32) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		preds, err := model.Predict(chunk)
		if err != nil {
			return err
		}
		preds = model.FilterPredictions(preds, plausible)
		for _, pred := range preds {
			if pred.Confidence < threshold {
				continue
			}
			results = append(results, FileResult{
				Start:      offset,
				End:        offset + windowLen,
				Prediction: pred,
			})
		}
		offset += stride
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func writeResultTable(out io.Writer, results []FileResult) {
	if len(results) == 0 {
		fmt.Fprintln(out, "no detections")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANGE\tCOMMON NAME\tSCIENTIFIC NAME\tCONFIDENCE")
	for _, r := range results {
		fmt.Fprintf(w, "%s-%s\t%s\t%s\t%.1f%%\n",
			formatOffset(r.Start), formatOffset(r.End),
			r.Prediction.CommonName, r.Prediction.ScientificName,
			r.Prediction.Confidence*100)
	}
	w.Flush()
}

// formatOffset renders a clip offset as m:ss.
func formatOffset(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
