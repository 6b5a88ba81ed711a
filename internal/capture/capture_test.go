package capture

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/audio"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/fifo"
	"github.com/avibox/avibox/internal/logging"
)

// fakeSource stands in for the audio device: tests push frames directly and
// decide when the source stops.
type fakeSource struct {
	frames chan []byte
	fail   chan struct{}
	runErr error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan []byte, 16),
		fail:   make(chan struct{}),
	}
}

func (f *fakeSource) Frames() <-chan []byte { return f.frames }

func (f *fakeSource) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.fail:
	}
	close(f.frames)
	return f.runErr
}

func (f *fakeSource) Dropped() uint64 { return 0 }

func captureSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Audio.SampleRate = 48000
	s.Audio.Channels = 1
	s.Audio.BitDepth = 16
	s.Audio.FIFODir = t.TempDir()
	return s
}

func testDaemon(t *testing.T, settings *conf.Settings, source frameSource) *Daemon {
	t.Helper()
	filter, err := audio.BuildFrameFilter(settings)
	require.NoError(t, err)
	return &Daemon{
		settings: settings,
		logger:   logging.ForService("capture"),
		source:   source,
		filter:   filter,
		state:    StateInit,
	}
}

// pipeSink reads one pipe until EOF and collects everything it saw.
type pipeSink struct {
	mu   sync.Mutex
	data []byte
	done chan struct{}
}

func attachReader(ctx context.Context, path string) *pipeSink {
	sink := &pipeSink{done: make(chan struct{})}
	go func() {
		defer close(sink.done)
		f, err := fifo.OpenReader(ctx, path)
		if err != nil {
			return
		}
		defer f.Close()
		buf := make([]byte, 4096)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				sink.mu.Lock()
				sink.data = append(sink.data, buf[:n]...)
				sink.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return sink
}

func (s *pipeSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func pcmFrame(value int16, samples int) []byte {
	frame := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(value))
	}
	return frame
}

func TestRunDeliversFramesToBothPipes(t *testing.T) {
	settings := captureSettings(t)
	source := newFakeSource()
	d := testDaemon(t, settings, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analysis := attachReader(ctx, settings.AnalysisFIFOPath())
	livestream := attachReader(ctx, settings.LivestreamFIFOPath())

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	first := pcmFrame(1000, 8)
	second := pcmFrame(-2000, 8)
	want := make([]byte, 0, len(first)+len(second))
	want = append(want, first...)
	want = append(want, second...)

	source.frames <- pcmFrame(1000, 8)
	source.frames <- pcmFrame(-2000, 8)

	require.Eventually(t, func() bool {
		return len(analysis.bytes()) == len(want) && len(livestream.bytes()) == len(want)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, want, analysis.bytes())
	assert.Equal(t, want, livestream.bytes())
	assert.Equal(t, StateCapturing, d.State())
	assert.Equal(t, uint64(2), d.FramesWritten())

	cancel()
	require.NoError(t, <-runErr)
	assert.Equal(t, StateExited, d.State())

	<-analysis.done
	<-livestream.done
}

func TestRunAppliesFilterChainBeforeWriting(t *testing.T) {
	settings := captureSettings(t)
	settings.Audio.Equalizer = conf.EqualizerSettings{
		Enabled: true,
		Filters: []conf.EqualizerFilter{
			// 20*log10(2) dB doubles every sample.
			{Type: "gain", Gain: 6.0206, Passes: 1},
		},
	}
	source := newFakeSource()
	d := testDaemon(t, settings, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analysis := attachReader(ctx, settings.AnalysisFIFOPath())
	livestream := attachReader(ctx, settings.LivestreamFIFOPath())

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	source.frames <- pcmFrame(1000, 4)

	require.Eventually(t, func() bool {
		return len(analysis.bytes()) == 8
	}, 5*time.Second, 10*time.Millisecond)

	got := int16(binary.LittleEndian.Uint16(analysis.bytes()[:2]))
	assert.InDelta(t, 2000, float64(got), 2)

	cancel()
	require.NoError(t, <-runErr)
	<-analysis.done
	<-livestream.done
}

func TestRunKeepsAnalysisFlowingWhenLivestreamReaderLeaves(t *testing.T) {
	settings := captureSettings(t)
	source := newFakeSource()
	d := testDaemon(t, settings, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analysis := attachReader(ctx, settings.AnalysisFIFOPath())

	// The livestream reader attaches just long enough to let the writer
	// open, then walks away.
	readerCtx, stopReader := context.WithCancel(ctx)
	livestreamOpen := make(chan struct{})
	go func() {
		f, err := fifo.OpenReader(readerCtx, settings.LivestreamFIFOPath())
		if err != nil {
			return
		}
		close(livestreamOpen)
		<-readerCtx.Done()
		f.Close()
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	<-livestreamOpen
	source.frames <- pcmFrame(1, 4)
	require.Eventually(t, func() bool {
		return len(analysis.bytes()) == 8
	}, 5*time.Second, 10*time.Millisecond)

	stopReader()

	// Feed frames until the broken livestream pipe is noticed; the analysis
	// pipe must keep every frame regardless.
	require.Eventually(t, func() bool {
		source.frames <- pcmFrame(2, 4)
		return d.livestreamDrops.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	sent := d.FramesWritten()
	require.Eventually(t, func() bool {
		return uint64(len(analysis.bytes())) >= sent*8
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateCapturing, d.State())

	cancel()
	require.NoError(t, <-runErr)
	<-analysis.done
}

func TestRunReturnsDeviceFailure(t *testing.T) {
	settings := captureSettings(t)
	source := newFakeSource()
	source.runErr = errors.NewStd("device gone")
	d := testDaemon(t, settings, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	analysis := attachReader(ctx, settings.AnalysisFIFOPath())
	livestream := attachReader(ctx, settings.LivestreamFIFOPath())

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	source.frames <- pcmFrame(5, 4)
	require.Eventually(t, func() bool {
		return len(analysis.bytes()) == 8
	}, 5*time.Second, 10*time.Millisecond)

	close(source.fail)

	err := <-runErr
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device gone")
	assert.Equal(t, StateExited, d.State())

	cancel()
	<-analysis.done
	<-livestream.done
}

func TestRunStopsCleanlyWhenCancelledBeforeReadersAttach(t *testing.T) {
	settings := captureSettings(t)
	source := newFakeSource()
	d := testDaemon(t, settings, source)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	// Give the writer open a moment to start blocking on the missing reader.
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.NoError(t, <-runErr)
	assert.Equal(t, StateExited, d.State())
}

func TestNewRejectsBrokenFilterConfig(t *testing.T) {
	settings := captureSettings(t)
	settings.Audio.Equalizer = conf.EqualizerSettings{
		Enabled: true,
		Filters: []conf.EqualizerFilter{{Type: "bandstop", Passes: 1}},
	}

	_, err := New(settings)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter type")
}

func TestAdvanceNeverMovesBackward(t *testing.T) {
	d := &Daemon{logger: logging.ForService("capture"), state: StateInit}

	d.advance(StateCapturing)
	assert.Equal(t, StateCapturing, d.State())

	d.advance(StateFIFOsReady)
	assert.Equal(t, StateCapturing, d.State())

	d.advance(StateExited)
	assert.Equal(t, StateExited, d.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "FIFOS_READY", StateFIFOsReady.String())
	assert.Equal(t, "CAPTURING", StateCapturing.String())
	assert.Equal(t, "DRAINING", StateDraining.String())
	assert.Equal(t, "EXITED", StateExited.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}
