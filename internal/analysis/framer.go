package analysis

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/fifo"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

const (
	// pollInterval paces the windower's ring drain.
	pollInterval = 10 * time.Millisecond

	// ringSeconds sizes the ring between the pipe reader and the windower.
	// When inference falls behind, the ring fills, the pipe read stalls, and
	// backpressure reaches the capture process.
	ringSeconds = 12

	pipeReadSize = 8192

	// resyncGap is how far the stream clock may fall behind the wall clock
	// before it is re-anchored. Crossing it means samples stopped arriving
	// for a while (capture restart), not ordinary scheduling jitter.
	resyncGap = 2 * time.Second
)

// framer reassembles the analysis pipe byte stream into fixed windows with
// the configured overlap. One framer serves one pipe.
type framer struct {
	settings *conf.Settings
	logger   *slog.Logger
	metrics  *observability.FIFOMetrics

	ring    *ringbuffer.RingBuffer
	pending []byte

	bytesPerFrame int // one sample across all channels
	rate          int
	windowBytes   int
	strideBytes   int
	minBytes      int

	// Stream clock. Window starts are derived from the sample position, not
	// from the wall clock at emission time, so backpressure between the pipe
	// and inference cannot shift timestamps. epochNanos is written by the
	// pipe reader goroutine and read at emission; the frame counters each
	// stay on their own goroutine.
	epochNanos atomic.Int64
	readFrames int64 // frames accounted by the pipe reader
	headFrames int64 // stream offset of pending[0], emission side
}

func newFramer(settings *conf.Settings, metrics *observability.FIFOMetrics) *framer {
	rate := settings.Audio.SampleRate
	channels := settings.Audio.Channels
	if channels < 1 {
		channels = 1
	}
	overlap := settings.Audio.Overlap

	bytesPerFrame := 2 * channels
	windowFrames := int(math.Round(detector.WindowSeconds * float64(rate)))
	strideFrames := int(math.Round((detector.WindowSeconds - overlap) * float64(rate)))
	if strideFrames <= 0 || strideFrames > windowFrames {
		strideFrames = windowFrames
	}

	return &framer{
		settings:      settings,
		logger:        logging.ForService("analysis"),
		metrics:       metrics,
		ring:          ringbuffer.New(ringSeconds * rate * bytesPerFrame),
		bytesPerFrame: bytesPerFrame,
		rate:          rate,
		windowBytes:   windowFrames * bytesPerFrame,
		strideBytes:   strideFrames * bytesPerFrame,
		minBytes:      int(minWindowSeconds*float64(rate)) * bytesPerFrame,
	}
}

// frameDuration converts a frame count into stream time.
func (f *framer) frameDuration(frames int64) time.Duration {
	return time.Duration(frames) * time.Second / time.Duration(f.rate)
}

// accountRead advances the stream clock by n freshly read bytes. The epoch
// anchors the wall-clock instant of stream frame zero; after a gap longer
// than resyncGap the epoch moves forward so post-gap windows are not stamped
// into the past.
func (f *framer) accountRead(n int) {
	frames := int64(n) / int64(f.bytesPerFrame)
	now := time.Now()

	if f.epochNanos.Load() == 0 {
		f.epochNanos.Store(now.Add(-f.frameDuration(frames)).UnixNano())
		f.readFrames = frames
		return
	}

	f.readFrames += frames
	expected := time.Unix(0, f.epochNanos.Load()).Add(f.frameDuration(f.readFrames))
	if skew := now.Sub(expected); skew > resyncGap {
		f.epochNanos.Add(int64(skew))
	}
}

// Run reads the pipe and emits windows until ctx is cancelled, then flushes
// the trailing remainder and closes out.
func (f *framer) Run(ctx context.Context, out chan<- Window) error {
	defer close(out)

	readErr := make(chan error, 1)
	go func() { readErr <- f.readPipe(ctx) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush(out)
			return nil
		case err := <-readErr:
			f.flush(out)
			return err
		case <-ticker.C:
			f.pump(out)
		}
	}
}

// readPipe keeps the analysis pipe open, copying bytes into the ring. Pipe
// EOF means the capture process closed its end: reopen and count it. The
// ring is never overrun; a full ring stalls this loop, which stalls the
// pipe, which is the backpressure contract.
func (f *framer) readPipe(ctx context.Context) error {
	path := f.settings.AnalysisFIFOPath()
	buf := make([]byte, pipeReadSize)

	for {
		pipe, err := fifo.OpenReader(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		f.logger.Info("analysis pipe open", "path", path)

		// A cancelled ctx closes the pipe out from under a blocked read.
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				pipe.Close()
			case <-stop:
			}
		}()

		reopen, err := f.copyPipe(ctx, pipe, buf)
		close(stop)
		pipe.Close()
		if err != nil || !reopen {
			return err
		}
		f.metrics.ReaderReopens.WithLabelValues("analysis").Inc()
		f.logger.Warn("analysis pipe closed by writer, reopening")
	}
}

// copyPipe drains one pipe generation into the ring. It reports whether the
// pipe should be reopened (writer EOF) or the framer is done.
func (f *framer) copyPipe(ctx context.Context, pipe io.Reader, buf []byte) (reopen bool, err error) {
	for {
		n, rerr := pipe.Read(buf)
		if n > 0 {
			f.metrics.BytesRead.WithLabelValues("analysis").Add(float64(n))
			f.accountRead(n)
			if werr := f.ringWrite(ctx, buf[:n]); werr != nil {
				return false, nil
			}
		}
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return false, nil
		}
		if errors.Is(rerr, io.EOF) {
			return true, nil
		}
		return false, errors.New(rerr).
			Component("analysis").
			Category(errors.CategoryFileIO).
			Context("operation", "read-analysis-pipe").
			Build()
	}
}

// ringWrite blocks until the ring accepts the whole chunk or ctx ends.
func (f *framer) ringWrite(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		n, err := f.ring.Write(data)
		data = data[n:]
		switch {
		case err == nil:
		case errors.Is(err, ringbuffer.ErrIsFull):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
		default:
			return err
		}
	}
	return nil
}

// pump moves stride-sized chunks from the ring into the pending buffer and
// emits every complete window.
func (f *framer) pump(out chan<- Window) {
	for f.ring.Length() >= f.strideBytes {
		chunk := make([]byte, f.strideBytes)
		n, err := f.ring.Read(chunk)
		if err != nil {
			f.logger.Error("ring read failed", "error", err)
			return
		}
		f.pending = append(f.pending, chunk[:n]...)
		f.emitPending(out)
	}
}

// emitPending cuts every complete window out of pending, keeping the overlap
// tail for the next one. Each emitted window advances the stream offset by
// one stride.
func (f *framer) emitPending(out chan<- Window) {
	for len(f.pending) >= f.windowBytes {
		f.emit(out, f.pending[:f.windowBytes])
		f.pending = append(f.pending[:0], f.pending[f.strideBytes:]...)
		f.headFrames += int64(f.strideBytes / f.bytesPerFrame)
	}
}

// flush drains the ring and emits the shutdown remainder: complete windows
// as usual, then a zero-padded final window if the tail is long enough,
// nothing if it is shorter than the minimum.
func (f *framer) flush(out chan<- Window) {
	for f.ring.Length() > 0 {
		chunk := make([]byte, f.ring.Length())
		n, err := f.ring.Read(chunk)
		if err != nil || n == 0 {
			break
		}
		f.pending = append(f.pending, chunk[:n]...)
	}
	f.emitPending(out)

	if len(f.pending) < f.minBytes {
		if len(f.pending) > 0 {
			f.logger.Debug("discarding trailing remainder",
				"bytes", len(f.pending), "min_bytes", f.minBytes)
		}
		f.pending = nil
		return
	}
	padded := make([]byte, f.windowBytes)
	copy(padded, f.pending)
	f.emit(out, padded)
	f.pending = nil
}

// emit converts one window of PCM into the float32 form inference expects,
// downmixing interleaved channels by averaging.
func (f *framer) emit(out chan<- Window, raw []byte) {
	pcm := make([]byte, len(raw))
	copy(pcm, raw)

	channels := f.bytesPerFrame / 2
	frames := len(raw) / f.bytesPerFrame
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		base := i * f.bytesPerFrame
		for c := 0; c < channels; c++ {
			sum += float64(int16(binary.LittleEndian.Uint16(raw[base+c*2:])))
		}
		samples[i] = float32(sum / float64(channels) / 32768.0)
	}

	out <- Window{
		PCM:     pcm,
		Samples: samples,
		Start:   f.windowStart(),
	}
}

// windowStart stamps the window at the head of pending: the stream epoch
// plus the head's sample offset. Before any pipe read has anchored the epoch
// the wall clock is the only reference left.
func (f *framer) windowStart() time.Time {
	epoch := f.epochNanos.Load()
	if epoch == 0 {
		return time.Now().Add(-time.Duration(detector.WindowSeconds * float64(time.Second)))
	}
	return time.Unix(0, epoch).Add(f.frameDuration(f.headFrames))
}
