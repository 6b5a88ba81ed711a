package update

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avibox/avibox/internal/conf"
)

type sseFrame struct {
	event string
	data  string
}

// readFrames parses SSE frames off the response body into a channel until
// the body closes.
func readFrames(body *bufio.Reader, frames chan<- sseFrame) {
	var frame sseFrame
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			close(frames)
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			frame.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			frame.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if frame.event != "" {
				frames <- frame
			}
			frame = sseFrame{}
		}
	}
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	t.Helper()
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "stream closed before the expected frame")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an SSE frame")
		return sseFrame{}
	}
}

func TestSSEServerStreamsStateTransitions(t *testing.T) {
	settings := &conf.Settings{}
	settings.Main.DataDir = t.TempDir()

	srv := NewSSEServer(settings)
	ts := httptest.NewServer(srv.echo)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/update/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := make(chan sseFrame, 16)
	go readFrames(bufio.NewReader(resp.Body), frames)

	// No state file yet: the stream opens with idle.
	first := nextFrame(t, frames)
	require.Equal(t, "state", first.event)
	var st State
	require.NoError(t, json.Unmarshal([]byte(first.data), &st))
	assert.Equal(t, PhaseIdle, st.Phase)

	// A phase write by the apply path surfaces as a new frame.
	require.NoError(t, WriteState(settings.UpdateStatePath(), &State{
		Phase:         PhaseUpdatingCode,
		TargetVersion: "v1.3.0",
		StartedAt:     time.Now().UTC(),
	}))

	for {
		frame := nextFrame(t, frames)
		if frame.event != "state" {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(frame.data), &st))
		if st.Phase == PhaseUpdatingCode {
			assert.Equal(t, "v1.3.0", st.TargetVersion)
			return
		}
	}
}
