package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/events"
)

const (
	sseClientBuffer      = 100
	sseHeartbeatInterval = 30 * time.Second
	sseWriteTimeout      = 10 * time.Second
)

type sseClient struct {
	id   string
	ch   chan DetectionView
	done chan struct{}
}

// SSEManager fans live detections out to connected stream clients. It is an
// event bus subscriber; HandleDetection runs on the bus drain goroutine, so
// sends never block: a client whose buffer is full is evicted instead.
type SSEManager struct {
	mu      sync.RWMutex
	clients map[string]*sseClient
	render  func(events.Detection) DetectionView
	logger  *slog.Logger
}

func newSSEManager(logger *slog.Logger, render func(events.Detection) DetectionView) *SSEManager {
	return &SSEManager{
		clients: make(map[string]*sseClient),
		render:  render,
		logger:  logger,
	}
}

// Name implements events.Subscriber.
func (m *SSEManager) Name() string { return "sse" }

// HandleDetection renders the event once and offers it to every client.
func (m *SSEManager) HandleDetection(det events.Detection) error {
	view := m.render(det)

	m.mu.RLock()
	var full []string
	for id, cl := range m.clients {
		select {
		case cl.ch <- view:
		default:
			full = append(full, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range full {
		m.logger.Debug("dropping stalled sse client", "client", id)
		m.removeClient(id)
	}
	return nil
}

func (m *SSEManager) addClient() *sseClient {
	cl := &sseClient{
		id:   uuid.NewString(),
		ch:   make(chan DetectionView, sseClientBuffer),
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.clients[cl.id] = cl
	m.mu.Unlock()
	return cl
}

// removeClient signals the handler goroutine via done. The data channel is
// never closed: HandleDetection may be offering to it concurrently.
func (m *SSEManager) removeClient(id string) {
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

func (m *SSEManager) clientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

func (m *SSEManager) shutdown() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*sseClient)
	m.mu.Unlock()
	for _, cl := range clients {
		close(cl.done)
	}
}

type connectedEvent struct {
	Status string `json:"status"`
}

type heartbeatEvent struct {
	Timestamp int64 `json:"timestamp"`
}

func (c *Controller) streamDetections(ctx echo.Context) error {
	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	client := c.sse.addClient()
	defer c.sse.removeClient(client.id)

	logger := c.logger.With("client", client.id)
	logger.Debug("sse client connected")

	if err := sendSSEEvent(res, "connected", connectedEvent{Status: "connected"}); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	reqCtx := ctx.Request().Context()
	for {
		select {
		case view := <-client.ch:
			if err := sendSSEEvent(res, "detection", view); err != nil {
				logger.Debug("sse write failed", "error", err)
				return nil
			}
		case <-heartbeat.C:
			if err := sendSSEEvent(res, "heartbeat", heartbeatEvent{Timestamp: time.Now().Unix()}); err != nil {
				return nil
			}
		case <-reqCtx.Done():
			logger.Debug("sse client disconnected")
			return nil
		case <-client.done:
			logger.Debug("sse client closed by server")
			return nil
		}
	}
}

// sendSSEEvent writes one event frame and flushes it. A write deadline
// bounds how long a stalled connection can hold the handler goroutine.
func sendSSEEvent(res *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if conn, ok := res.Writer.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = conn.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	}
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}
