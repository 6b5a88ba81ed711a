package api

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/fifo"
)

func livestreamSettings(t *testing.T) *conf.Settings {
	t.Helper()
	s := apiTestSettings()
	s.Audio.FIFODir = t.TempDir()
	s.Audio.SampleRate = 48000
	s.Audio.Channels = 1
	return s
}

// startLivestream runs the manager's pipe reader and returns a stop function
// that cancels it and waits for it to exit. Stop must run before any pipe
// writer is closed: a writerless reopen blocks in the FIFO open syscall.
func startLivestream(t *testing.T, m *LivestreamManager) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-runDone:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("livestream reader did not stop")
		}
	}
}

// The capture daemon's pipe writer open only completes once something holds
// the reading end. The manager attaches that reader as soon as it runs, with
// or without connected listeners.
func TestLivestreamReaderUnblocksCaptureWriter(t *testing.T) {
	settings := livestreamSettings(t)
	srv := newTestHarness(t, settings, newFakeStore())

	stop := startLivestream(t, srv.ctrl.livestream)

	openCtx, openCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer openCancel()
	w, err := fifo.NewWriter(openCtx, settings.LivestreamFIFOPath())
	require.NoError(t, err, "writer open must complete while the web daemon is up")

	stop()
	require.NoError(t, w.Close())
}

func TestLivestreamEndpointStreamsAudio(t *testing.T) {
	settings := livestreamSettings(t)
	srv := newTestHarness(t, settings, newFakeStore())

	stop := startLivestream(t, srv.ctrl.livestream)

	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audio/livestream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "audio/wav", resp.Header.Get(echo.HeaderContentType))

	header := make([]byte, 44)
	_, err = io.ReadFull(resp.Body, header)
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(header[0:4]))
	assert.Equal(t, "WAVE", string(header[8:12]))
	assert.EqualValues(t, 1, binary.LittleEndian.Uint16(header[22:24]), "channels")
	assert.EqualValues(t, 48000, binary.LittleEndian.Uint32(header[24:28]), "sample rate")
	assert.EqualValues(t, 16, binary.LittleEndian.Uint16(header[34:36]), "bit depth")

	// The header is written after the listener registers, so from here every
	// broadcast chunk reaches this connection.
	require.Equal(t, 1, srv.ctrl.livestream.listenerCount())

	openCtx, openCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer openCancel()
	w, err := fifo.NewWriter(openCtx, settings.LivestreamFIFOPath())
	require.NoError(t, err)

	pcm := make([]byte, 2048)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	require.NoError(t, w.WriteFrame(pcm))

	got := make([]byte, len(pcm))
	_, err = io.ReadFull(resp.Body, got)
	require.NoError(t, err)
	assert.Equal(t, pcm, got)

	stop()
	require.NoError(t, w.Close())
}

func TestLivestreamEvictsStalledListener(t *testing.T) {
	settings := livestreamSettings(t)
	m := newLivestreamManager(settings, slog.New(slog.NewTextHandler(io.Discard, nil)))

	cl := m.addClient()
	require.Equal(t, 1, m.listenerCount())

	chunk := make([]byte, 16)
	for i := 0; i <= audioClientBuffer; i++ {
		m.broadcast(chunk)
	}

	require.Equal(t, 0, m.listenerCount(), "a listener that stops draining is dropped")
	select {
	case <-cl.done:
	default:
		t.Fatal("evicted listener was not signalled")
	}
}
