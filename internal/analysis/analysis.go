// Package analysis turns the capture byte stream into detection records.
// The pipeline is three stages joined by bounded channels: the framer
// reassembles the analysis pipe into fixed windows, the inference stage
// scores each window, and the writer persists qualifying predictions and
// publishes them on the event bus. Blocking sends between stages give
// backpressure all the way to the capture process with no loss.
package analysis

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avibox/avibox/internal/audio/export"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/events"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

// stageDepth bounds each inter-stage channel. Small on purpose: the pipe and
// the kernel buffer behind it are the real queue.
const stageDepth = 4

// minWindowSeconds is the shortest trailing window worth scoring; shorter
// remainders are discarded, longer ones zero-padded to the full window.
const minWindowSeconds = 1.5

// Window is one fixed-length analysis unit cut from the PCM stream.
type Window struct {
	PCM     []byte    // 16-bit little-endian, owned by the window
	Samples []float32 // mono, scaled to [-1, 1)
	Start   time.Time
}

// scoredWindow pairs a window with its threshold-clearing predictions.
type scoredWindow struct {
	window Window
	preds  []detector.Prediction
}

// classifier is the model surface the pipeline needs; *detector.Detector is
// the production implementation.
type classifier interface {
	Predict(window []float32) ([]detector.Prediction, error)
	ProbableSpecies(lat, lon float64, week int) (map[string]float64, error)
	FilterPredictions(preds []detector.Prediction, plausible map[string]float64) []detector.Prediction
}

// detectionStore is the slice of the datastore the writer stage uses.
type detectionStore interface {
	SaveDetection(ctx context.Context, d *datastore.Detection, clip *datastore.AudioFile) error
	SpeciesFirstSeen(ctx context.Context, scientificName string) (time.Time, bool, error)
}

// publisher delivers stored detections to the event bus.
type publisher interface {
	TryPublish(det events.Detection) bool
}

// Pipeline owns the live analysis flow for one process.
type Pipeline struct {
	settings *conf.Settings
	logger   *slog.Logger
	model    classifier
	store    detectionStore
	bus      publisher
	metrics  *observability.Metrics
	exporter *export.Writer
}

// NewPipeline assembles the pipeline. The clip exporter is built from
// settings; export stays off unless enabled there.
func NewPipeline(settings *conf.Settings, model classifier, store detectionStore, bus publisher, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		settings: settings,
		logger:   logging.ForService("analysis"),
		model:    model,
		store:    store,
		bus:      bus,
		metrics:  metrics,
		exporter: export.NewWriter(settings),
	}
}

// Run drives all three stages until ctx is cancelled. Shutdown is a drain:
// the framer flushes its trailing window, downstream stages finish whatever
// is buffered, then Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	windows := make(chan Window, stageDepth)
	scored := make(chan scoredWindow, stageDepth)

	f := newFramer(p.settings, p.metrics.FIFO)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return f.Run(gctx, windows) })
	g.Go(func() error { return p.runInference(windows, scored) })
	g.Go(func() error { return p.runWriter(scored) })
	return g.Wait()
}
