// Package mqtt owns the broker connection and the appliance's outbound
// topic set: detections, status (retained, with an offline LWT), health,
// gps, system, and config under a configurable prefix.
package mqtt

import (
	"context"
	"fmt"
	"strings"

	"github.com/avibox/avibox/internal/conf"
)

// Client is the broker connection shared by the detection publisher and the
// notification adapter. Publish must be safe for concurrent use.
type Client interface {
	// Connect establishes the broker session. On failure the client keeps
	// retrying in the background with exponential backoff until its attempt
	// budget runs out, after which it stays quiet for the process lifetime.
	Connect(ctx context.Context) error

	// Publish sends one message. It returns an error when the broker is
	// unreachable or the send times out; after the client has given up on
	// the broker it drops messages and returns nil.
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error

	IsConnected() bool

	// Disconnect publishes a retained offline status and closes the session.
	Disconnect()
}

// Topics is the fixed topic set derived from the configured prefix.
// Status and health are retained; everything else is fire-and-forget.
type Topics struct {
	Detections string
	Status     string
	Health     string
	GPS        string
	System     string
	Config     string
}

// TopicsFor derives the topic set from the configured prefix. Surrounding
// slashes are tolerated so "avibox" and "/avibox/" yield the same topics.
func TopicsFor(prefix string) Topics {
	p := strings.Trim(prefix, "/")
	return Topics{
		Detections: p + "/detections",
		Status:     p + "/status",
		Health:     p + "/health",
		GPS:        p + "/gps",
		System:     p + "/system",
		Config:     p + "/config",
	}
}

// brokerURL builds the paho broker address from host and port settings.
func brokerURL(settings *conf.MQTTSettings) string {
	return fmt.Sprintf("tcp://%s:%d", settings.BrokerHost, settings.BrokerPort)
}
