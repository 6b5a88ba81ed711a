package analysis

import (
	"context"
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/fifo"
	"github.com/avibox/avibox/internal/observability"
)

// framerSettings uses a 1 kHz mono stream so the geometry stays legible:
// window 6000 bytes, stride 5000, minimum tail 3000.
func framerSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := &conf.Settings{}
	s.Audio.SampleRate = 1000
	s.Audio.Channels = 1
	s.Audio.BitDepth = 16
	s.Audio.Overlap = 0.5
	s.Audio.FIFODir = t.TempDir()
	return s
}

func newTestFramer(t *testing.T, settings *conf.Settings) (*framer, *observability.Metrics) {
	t.Helper()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	return newFramer(settings, metrics.FIFO), metrics
}

// indexedPCM encodes frames whose sample value equals first+index, so window
// boundaries are visible in the output.
func indexedPCM(first, frames int) []byte {
	buf := make([]byte, 2*frames)
	for i := 0; i < frames; i++ {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(first+i))
	}
	return buf
}

func sampleValue(v int) float32 {
	return float32(v) / 32768.0
}

func waitWindow(t *testing.T, out <-chan Window) Window {
	t.Helper()
	select {
	case w, ok := <-out:
		require.True(t, ok, "window channel closed early")
		return w
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a window")
		return Window{}
	}
}

func TestNewFramerGeometry(t *testing.T) {
	f, _ := newTestFramer(t, framerSettings(t))
	assert.Equal(t, 2, f.bytesPerFrame)
	assert.Equal(t, 6000, f.windowBytes)
	assert.Equal(t, 5000, f.strideBytes)
	assert.Equal(t, 3000, f.minBytes)
}

func TestNewFramerClampsDegenerateOverlap(t *testing.T) {
	s := framerSettings(t)
	s.Audio.Overlap = detector.WindowSeconds
	f, _ := newTestFramer(t, s)
	assert.Equal(t, f.windowBytes, f.strideBytes, "full overlap must fall back to no overlap")
}

func TestPumpEmitsOverlappingWindows(t *testing.T) {
	f, _ := newTestFramer(t, framerSettings(t))
	out := make(chan Window, 8)

	_, err := f.ring.Write(indexedPCM(0, 8000))
	require.NoError(t, err)
	f.pump(out)

	require.Len(t, out, 2)
	first := <-out
	second := <-out

	require.Len(t, first.Samples, 3000)
	require.Len(t, first.PCM, 6000)
	assert.InDelta(t, sampleValue(0), first.Samples[0], 1e-6)
	assert.InDelta(t, sampleValue(2999), first.Samples[2999], 1e-6)

	assert.InDelta(t, sampleValue(2500), second.Samples[0], 1e-6)
	assert.InDelta(t, sampleValue(5499), second.Samples[2999], 1e-6)
}

func TestFlushCompletesTrailingWindow(t *testing.T) {
	f, _ := newTestFramer(t, framerSettings(t))
	out := make(chan Window, 8)

	_, err := f.ring.Write(indexedPCM(0, 8000))
	require.NoError(t, err)
	f.pump(out)
	require.Len(t, out, 2)
	<-out
	<-out

	f.flush(out)

	require.Len(t, out, 1)
	w := <-out
	assert.InDelta(t, sampleValue(5000), w.Samples[0], 1e-6)
	assert.InDelta(t, sampleValue(7999), w.Samples[2999], 1e-6)
	assert.Nil(t, f.pending, "the sub-minimum remainder past the last window is dropped")
}

func TestFlushPadsTailAboveMinimum(t *testing.T) {
	f, _ := newTestFramer(t, framerSettings(t))
	out := make(chan Window, 4)

	_, err := f.ring.Write(indexedPCM(1, 2000))
	require.NoError(t, err)
	f.flush(out)

	require.Len(t, out, 1)
	w := <-out
	require.Len(t, w.Samples, 3000)
	assert.InDelta(t, sampleValue(1), w.Samples[0], 1e-6)
	assert.InDelta(t, sampleValue(2000), w.Samples[1999], 1e-6)
	assert.Zero(t, w.Samples[2000])
	assert.Zero(t, w.Samples[2999])
}

func TestFlushDiscardsTailBelowMinimum(t *testing.T) {
	f, _ := newTestFramer(t, framerSettings(t))
	out := make(chan Window, 4)

	_, err := f.ring.Write(indexedPCM(0, 1000))
	require.NoError(t, err)
	f.flush(out)

	assert.Empty(t, out)
	assert.Nil(t, f.pending)
}

func TestEmitDownmixesStereoByAveraging(t *testing.T) {
	s := framerSettings(t)
	s.Audio.Channels = 2
	f, _ := newTestFramer(t, s)
	out := make(chan Window, 1)

	raw := make([]byte, 8)
	for i := 0; i < 2; i++ {
		binary.LittleEndian.PutUint16(raw[4*i:], 1000)
		binary.LittleEndian.PutUint16(raw[4*i+2:], 3000)
	}
	f.emit(out, raw)

	w := <-out
	require.Len(t, w.Samples, 2)
	assert.InDelta(t, 2000.0/32768.0, w.Samples[0], 1e-6)
	assert.InDelta(t, 2000.0/32768.0, w.Samples[1], 1e-6)
}

func TestWindowStartsFollowStreamPosition(t *testing.T) {
	settings := framerSettings(t)
	f, _ := newTestFramer(t, settings)
	path := settings.AnalysisFIFOPath()
	require.NoError(t, fifo.Create(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Window, 8)
	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(ctx, out) }()

	pipe, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer pipe.Close()

	before := time.Now()
	_, err = pipe.Write(indexedPCM(0, 8000))
	require.NoError(t, err)

	first := waitWindow(t, out)
	second := waitWindow(t, out)
	cancel()
	third := waitWindow(t, out)

	// Starts come from the sample position, so consecutive windows are
	// spaced exactly one stride apart no matter when each was emitted.
	stride := time.Duration(f.strideBytes/f.bytesPerFrame) * time.Second / time.Duration(f.rate)
	assert.Equal(t, stride, second.Start.Sub(first.Start))
	assert.Equal(t, stride, third.Start.Sub(second.Start))

	// The first window is anchored at the stream epoch: no earlier than the
	// whole write mapped back in stream time, never in the future.
	assert.False(t, first.Start.Before(before.Add(-8500*time.Millisecond)),
		"first window start anchored too far in the past: %s", first.Start)
	assert.False(t, first.Start.After(time.Now()), "window start in the future")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("framer did not stop")
	}
}

func TestRunFramesPipeStream(t *testing.T) {
	settings := framerSettings(t)
	f, metrics := newTestFramer(t, settings)
	path := settings.AnalysisFIFOPath()
	require.NoError(t, fifo.Create(path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Window, 8)
	runDone := make(chan error, 1)
	go func() { runDone <- f.Run(ctx, out) }()

	pipe, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer pipe.Close()

	_, err = pipe.Write(indexedPCM(0, 8000))
	require.NoError(t, err)

	first := waitWindow(t, out)
	second := waitWindow(t, out)
	assert.InDelta(t, sampleValue(0), first.Samples[0], 1e-6)
	assert.InDelta(t, sampleValue(2500), second.Samples[0], 1e-6)

	// The second window only exists once every written byte has reached the
	// ring, so cancelling here cannot lose stream data.
	cancel()
	third := waitWindow(t, out)
	assert.InDelta(t, sampleValue(5000), third.Samples[0], 1e-6)

	_, open := <-out
	assert.False(t, open, "window channel must close after the flush")

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("framer did not stop")
	}

	assert.Equal(t, 16000.0, testutil.ToFloat64(metrics.FIFO.BytesRead.WithLabelValues("analysis")))
}
