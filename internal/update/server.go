package update

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

// The progress stream binds to loopback only; the web daemon proxies it for
// anything beyond the host.
const (
	sseAddr            = "127.0.0.1:8090"
	sseHeartbeat       = 10 * time.Second
	sseWriteTimeout    = 3 * time.Second
	serverShutdownWait = 5 * time.Second
)

// SSEServer is the update daemon's own HTTP surface: one endpoint streaming
// state-file transitions and heartbeats.
type SSEServer struct {
	echo      *echo.Echo
	statePath string
}

// NewSSEServer builds the server around the shared state file.
func NewSSEServer(settings *conf.Settings) *SSEServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &SSEServer{echo: e, statePath: settings.UpdateStatePath()}
	e.GET("/api/update/stream", s.stream)
	return s
}

// Start serves until ctx is cancelled.
func (s *SSEServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.echo.Start(sseAddr)
	}()
	getLogger().Info("update progress stream listening", "addr", sseAddr)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.New(err).
				Component("update").
				Category(errors.CategoryNetwork).
				Context("addr", sseAddr).
				Build()
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownWait)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		_ = s.echo.Close()
	}
	<-errCh
	return nil
}

// stream emits the current state, then a frame per state-file change, with
// heartbeats while idle. The watch is on the directory: WriteState replaces
// the file by rename, which would orphan a watch on the file itself.
func (s *SSEServer) stream(ctx echo.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "state watcher unavailable")
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(s.statePath)); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "state watcher unavailable")
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := s.sendState(res); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	reqCtx := ctx.Request().Context()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(s.statePath) {
				continue
			}
			if err := s.sendState(res); err != nil {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			getLogger().Warn("state watcher error", "error", werr)
		case <-heartbeat.C:
			if err := sendEvent(res, "heartbeat", map[string]int64{"timestamp": time.Now().Unix()}); err != nil {
				return nil
			}
		case <-reqCtx.Done():
			return nil
		}
	}
}

func (s *SSEServer) sendState(res *echo.Response) error {
	st, err := ReadState(s.statePath)
	if err != nil {
		getLogger().Warn("unreadable update state", "error", err)
		return nil
	}
	if st == nil {
		st = &State{Phase: PhaseIdle}
	}
	return sendEvent(res, "state", st)
}

func sendEvent(res *echo.Response, event string, payload any) error {
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
