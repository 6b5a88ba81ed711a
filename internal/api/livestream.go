package api

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/fifo"
)

const (
	audioChunkSize    = 4096
	audioClientBuffer = 64
	audioWriteTimeout = 10 * time.Second
)

type audioClient struct {
	id   string
	ch   chan []byte
	done chan struct{}
}

// LivestreamManager owns the web end of the livestream pipe. Run attaches a
// reader as soon as the server starts and keeps it attached: the capture
// daemon's writer open blocks until this end of the pipe exists. The PCM
// stream is fanned out to connected listeners; with nobody connected it is
// read and discarded so capture keeps flowing.
type LivestreamManager struct {
	settings *conf.Settings
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*audioClient
}

func newLivestreamManager(settings *conf.Settings, logger *slog.Logger) *LivestreamManager {
	return &LivestreamManager{
		settings: settings,
		logger:   logger,
		clients:  make(map[string]*audioClient),
	}
}

// Run drains the livestream pipe until ctx is cancelled. Pipe EOF means the
// capture process closed its end: reopen and wait for the next writer.
func (m *LivestreamManager) Run(ctx context.Context) error {
	if err := fifo.EnsureDir(m.settings.FIFODir()); err != nil {
		return err
	}
	path := m.settings.LivestreamFIFOPath()
	if err := fifo.Create(path); err != nil {
		return err
	}

	buf := make([]byte, audioChunkSize)
	for {
		pipe, err := fifo.OpenReader(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.logger.Info("livestream pipe open", "path", path)

		// A cancelled ctx closes the pipe out from under a blocked read.
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				pipe.Close()
			case <-stop:
			}
		}()

		reopen, err := m.copyPipe(ctx, pipe, buf)
		close(stop)
		pipe.Close()
		if err != nil || !reopen {
			return err
		}
		m.logger.Warn("livestream pipe closed by writer, reopening")
	}
}

// copyPipe drains one pipe generation, broadcasting each chunk. It reports
// whether the pipe should be reopened (writer EOF) or the manager is done.
func (m *LivestreamManager) copyPipe(ctx context.Context, pipe io.Reader, buf []byte) (reopen bool, err error) {
	for {
		n, rerr := pipe.Read(buf)
		if n > 0 {
			m.broadcast(buf[:n])
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
			Component("api").
			Category(errors.CategoryFileIO).
			Context("operation", "read-livestream-pipe").
			Build()
	}
}

// broadcast offers one chunk to every listener. The chunk is copied once
// because buf is reused by the read loop. Sends never block: a listener that
// stopped draining is disconnected instead.
func (m *LivestreamManager) broadcast(chunk []byte) {
	m.mu.RLock()
	if len(m.clients) == 0 {
		m.mu.RUnlock()
		return
	}
	data := make([]byte, len(chunk))
	copy(data, chunk)

	var full []string
	for id, cl := range m.clients {
		select {
		case cl.ch <- data:
		default:
			full = append(full, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range full {
		m.logger.Debug("dropping stalled audio listener", "client", id)
		m.removeClient(id)
	}
}

func (m *LivestreamManager) addClient() *audioClient {
	cl := &audioClient{
		id:   uuid.NewString(),
		ch:   make(chan []byte, audioClientBuffer),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.clients[cl.id] = cl
	m.mu.Unlock()
	return cl
}

// removeClient signals the handler goroutine via done. The data channel is
// never closed: broadcast may be offering to it concurrently.
func (m *LivestreamManager) removeClient(id string) {
	m.mu.Lock()
	cl, ok := m.clients[id]
	if ok {
		delete(m.clients, id)
	}
	m.mu.Unlock()
	if ok {
		close(cl.done)
	}
}

func (m *LivestreamManager) listenerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *LivestreamManager) shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*audioClient)
	m.mu.Unlock()
	for _, cl := range clients {
		close(cl.done)
	}
}

// streamAudio serves the live capture stream as an endless WAV. The client
// joins the stream mid-flight; the header advertises the configured format
// with the maximum data size since the length is unknown.
func (c *Controller) streamAudio(ctx echo.Context) error {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "audio/wav")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	client := c.livestream.addClient()
	defer c.livestream.removeClient(client.id)

	logger := c.logger.With("client", client.id)
	logger.Debug("audio listener connected")

	if err := writeAudioChunk(res, streamWAVHeader(c.settings)); err != nil {
		return nil
	}

	reqCtx := ctx.Request().Context()
	for {
		select {
		case chunk := <-client.ch:
			if err := writeAudioChunk(res, chunk); err != nil {
				logger.Debug("audio write failed", "error", err)
				return nil
			}
		case <-reqCtx.Done():
			logger.Debug("audio listener disconnected")
			return nil
		case <-client.done:
			logger.Debug("audio listener closed by server")
			return nil
		}
	}
}

// writeAudioChunk writes one chunk and flushes it. A write deadline bounds
// how long a stalled connection can hold the handler goroutine.
func writeAudioChunk(res *echo.Response, chunk []byte) error {
	if conn, ok := res.Writer.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = conn.SetWriteDeadline(time.Now().Add(audioWriteTimeout))
	}
	if _, err := res.Write(chunk); err != nil {
		return err
	}
	res.Flush()
	return nil
}

// streamWAVHeader renders the 44-byte header for a stream of unknown length:
// the RIFF and data sizes are pinned at their maximum, which players treat
// as "read until the connection closes".
func streamWAVHeader(settings *conf.Settings) []byte {
	channels := settings.Audio.Channels
	if channels < 1 {
		channels = 1
	}
	rate := settings.Audio.SampleRate
	blockAlign := channels * 2
	byteRate := rate * blockAlign

	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 0xFFFFFFFF)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1) // PCM
	binary.LittleEndian.PutUint16(h[22:], uint16(channels))
	binary.LittleEndian.PutUint32(h[24:], uint32(rate))
	binary.LittleEndian.PutUint32(h[28:], uint32(byteRate))
	binary.LittleEndian.PutUint16(h[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(h[34:], 16)
	copy(h[36:], "data")
	binary.LittleEndian.PutUint32(h[40:], 0xFFFFFFFF)
	return h
}
