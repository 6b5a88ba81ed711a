package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/labstack/echo/v4"

	"github.com/avibox/avibox/internal/buildinfo"
	"github.com/avibox/avibox/internal/update"
)

const updateStreamHeartbeat = 10 * time.Second

// updateStatus serves the last check result the update daemon published on
// the KV channel. Before the first check the answer is just this binary's
// own version.
func (c *Controller) updateStatus(ctx echo.Context) error {
	raw, ok, err := c.store.KVGet(ctx.Request().Context(), update.KeyStatus)
	if err != nil {
		return c.handleError(ctx, err, "failed to read update status")
	}
	if !ok {
		return ctx.JSON(http.StatusOK, update.Status{CurrentVersion: buildinfo.Version})
	}
	var status update.Status
	if err := json.Unmarshal([]byte(raw), &status); err != nil {
		return c.handleError(ctx, err, "failed to decode update status")
	}
	return ctx.JSON(http.StatusOK, status)
}

type updateQueuedResponse struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

func (c *Controller) requestUpdateCheck(ctx echo.Context) error {
	return c.writeUpdateRequest(ctx, update.Request{Action: update.ActionCheck})
}

func (c *Controller) requestUpdateApply(ctx echo.Context) error {
	var body struct {
		Version string `json:"version"`
	}
	// The body is optional; an empty version means whatever is latest.
	_ = ctx.Bind(&body)
	return c.writeUpdateRequest(ctx, update.Request{Action: update.ActionApply, Version: body.Version})
}

// writeUpdateRequest queues the request on the KV channel. The update
// daemon consumes the key on its next poll, so a request placed while it is
// mid-apply is simply picked up afterwards; 202 reflects that.
func (c *Controller) writeUpdateRequest(ctx echo.Context, req update.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return c.handleError(ctx, err, "failed to encode update request")
	}
	if err := c.store.KVSet(ctx.Request().Context(), update.KeyRequest, string(payload)); err != nil {
		return c.handleError(ctx, err, "failed to queue update request")
	}
	return ctx.JSON(http.StatusAccepted, updateQueuedResponse{Status: "queued", Action: req.Action})
}

// streamUpdateState mirrors the update daemon's own progress stream so the
// UI has one origin to talk to. It tails the shared state file.
func (c *Controller) streamUpdateState(ctx echo.Context) error {
	statePath := c.settings.UpdateStatePath()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return c.handleError(ctx, err, "failed to watch update state")
	}
	defer watcher.Close()
	// Watch the directory, not the file: the daemon replaces the file by
	// rename, which invalidates a watch on the file itself.
	if err := watcher.Add(filepath.Dir(statePath)); err != nil {
		return c.handleError(ctx, err, "failed to watch update state")
	}

	res := ctx.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)

	if err := c.sendUpdateState(res, statePath); err != nil {
		return nil
	}

	heartbeat := time.NewTicker(updateStreamHeartbeat)
	defer heartbeat.Stop()

	reqCtx := ctx.Request().Context()
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != filepath.Base(statePath) {
				continue
			}
			if err := c.sendUpdateState(res, statePath); err != nil {
				return nil
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("update state watcher error", "error", werr)
		case <-heartbeat.C:
			if err := sendSSEEvent(res, "heartbeat", heartbeatEvent{Timestamp: time.Now().Unix()}); err != nil {
				return nil
			}
		case <-reqCtx.Done():
			return nil
		}
	}
}

// sendUpdateState emits the current state, or idle when no update has ever
// run. An unreadable file is logged and skipped; the next write will parse.
func (c *Controller) sendUpdateState(res *echo.Response, path string) error {
	st, err := update.ReadState(path)
	if err != nil {
		c.logger.Warn("unreadable update state", "error", err)
		return nil
	}
	if st == nil {
		st = &update.State{Phase: update.PhaseIdle}
	}
	return sendSSEEvent(res, "state", st)
}
