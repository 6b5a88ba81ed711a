// Package capture runs the capture daemon: the audio device feeds an
// optional filter chain whose output is written, frame by frame, to the
// analysis and livestream pipes.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avibox/avibox/internal/audio"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/fifo"
	"github.com/avibox/avibox/internal/logging"
)

// State tracks the daemon through its lifecycle. States only advance.
type State int32

const (
	StateInit State = iota
	StateFIFOsReady
	StateCapturing
	StateDraining
	StateExited
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateFIFOsReady:
		return "FIFOS_READY"
	case StateCapturing:
		return "CAPTURING"
	case StateDraining:
		return "DRAINING"
	case StateExited:
		return "EXITED"
	default:
		return "UNKNOWN"
	}
}

// statusInterval paces the periodic capture status log line.
const statusInterval = time.Minute

// frameSource is the device side of the daemon; *audio.CaptureSource is the
// production implementation.
type frameSource interface {
	Frames() <-chan []byte
	Run(ctx context.Context) error
	Dropped() uint64
}

// Daemon owns the capture process lifecycle: pipes, device, filter chain.
type Daemon struct {
	settings *conf.Settings
	logger   *slog.Logger
	source   frameSource
	filter   *audio.FrameFilter

	mu    sync.Mutex
	state State

	framesWritten   atomic.Uint64
	analysisDrops   atomic.Uint64
	livestreamDrops atomic.Uint64
	lastLevel       atomic.Int64
}

// New assembles the daemon from settings: the filter chain and the capture
// device.
func New(settings *conf.Settings) (*Daemon, error) {
	filter, err := audio.BuildFrameFilter(settings)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		settings: settings,
		logger:   logging.ForService("capture"),
		source:   audio.NewCaptureSource(settings),
		filter:   filter,
		state:    StateInit,
	}, nil
}

// State returns the current lifecycle state.
func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// advance moves the state forward; stale transitions are ignored.
func (d *Daemon) advance(to State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if to <= d.state {
		return
	}
	d.logger.Info("capture state", "from", d.state.String(), "to", to.String())
	d.state = to
}

// FramesWritten returns how many frames reached the analysis pipe.
func (d *Daemon) FramesWritten() uint64 {
	return d.framesWritten.Load()
}

// Run drives the daemon until ctx is cancelled or the device fails fatally.
// It blocks while opening the pipes: per the transport contract the writer
// side waits for the consumers to attach.
func (d *Daemon) Run(ctx context.Context) error {
	if err := fifo.EnsureDir(d.settings.FIFODir()); err != nil {
		return err
	}

	analysisW, err := fifo.NewWriter(ctx, d.settings.AnalysisFIFOPath())
	if err != nil {
		return d.fatal(err, "open_analysis_pipe")
	}
	defer analysisW.Close()

	livestreamW, err := fifo.NewWriter(ctx, d.settings.LivestreamFIFOPath())
	if err != nil {
		return d.fatal(err, "open_livestream_pipe")
	}
	defer livestreamW.Close()

	d.advance(StateFIFOsReady)
	d.logger.Info("pipes open",
		"analysis", analysisW.Path(),
		"livestream", livestreamW.Path(),
		"filters", d.filter.Length())

	// Signal arrival moves the daemon into DRAINING; the loop below keeps
	// flushing whatever the device already delivered.
	go func() {
		<-ctx.Done()
		d.advance(StateDraining)
	}()

	stopStatus := d.startStatusLog(ctx)
	defer stopStatus()

	runErr := make(chan error, 1)
	go func() { runErr <- d.source.Run(ctx) }()

	for frame := range d.source.Frames() {
		d.writeFrame(frame, analysisW, livestreamW)
	}

	// The source closes its channel only after Run returned.
	err = <-runErr

	d.advance(StateDraining)
	d.advance(StateExited)
	d.logger.Info("capture exited",
		"frames_written", d.framesWritten.Load(),
		"analysis_drops", d.analysisDrops.Load(),
		"livestream_drops", d.livestreamDrops.Load())
	return err
}

// writeFrame filters one frame and writes it to the analysis pipe first,
// then the livestream pipe. Both writes block for backpressure; a pipe with
// no reader drops the frame for that pipe only.
func (d *Daemon) writeFrame(frame []byte, analysisW, livestreamW *fifo.Writer) {
	if d.filter.Length() > 0 {
		if err := d.filter.Apply(frame); err != nil {
			// Write the frame unfiltered rather than puncture the stream.
			d.logger.Warn("filter chain failed on frame", "error", err)
		}
	}

	level := audio.CalculateLevel(frame)
	d.lastLevel.Store(int64(level.Level))

	switch err := analysisW.WriteFrame(frame); {
	case err == nil:
		d.framesWritten.Add(1)
		d.advance(StateCapturing)
	case errors.Is(err, fifo.ErrNoReader):
		d.analysisDrops.Add(1)
	default:
		d.logger.Error("analysis pipe write failed", "error", err)
	}

	switch err := livestreamW.WriteFrame(frame); {
	case err == nil:
	case errors.Is(err, fifo.ErrNoReader):
		d.livestreamDrops.Add(1)
	default:
		d.logger.Error("livestream pipe write failed", "error", err)
	}
}

// startStatusLog emits a periodic one-line health summary.
func (d *Daemon) startStatusLog(ctx context.Context) (stop func()) {
	ticker := time.NewTicker(statusInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				d.logger.Info("capture status",
					"state", d.State().String(),
					"frames_written", d.framesWritten.Load(),
					"analysis_drops", d.analysisDrops.Load(),
					"livestream_drops", d.livestreamDrops.Load(),
					"device_frame_drops", d.source.Dropped(),
					"level", d.lastLevel.Load())
			}
		}
	}()
	return func() { close(done) }
}

func (d *Daemon) fatal(err error, operation string) error {
	d.advance(StateExited)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return errors.New(err).
		Component("capture").
		Category(errors.CategoryState).
		Context("operation", operation).
		Build()
}
