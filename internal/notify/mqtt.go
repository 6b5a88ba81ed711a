package notify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/avibox/avibox/internal/errors"
)

// MQTTPublisher is the slice of the MQTT client the adapter needs.
type MQTTPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte, retained bool) error
}

// MQTTAdapter publishes matched detections under <prefix>/<target>, where
// the rule target is the topic suffix.
type MQTTAdapter struct {
	publisher MQTTPublisher
	prefix    string
}

func NewMQTTAdapter(publisher MQTTPublisher, topicPrefix string) *MQTTAdapter {
	return &MQTTAdapter{
		publisher: publisher,
		prefix:    strings.TrimSuffix(topicPrefix, "/"),
	}
}

// Name implements Dispatcher.
func (a *MQTTAdapter) Name() string { return ServiceMQTT }

// Dispatch implements Dispatcher.
func (a *MQTTAdapter) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(newPayload(&n))
	if err != nil {
		return errors.New(err).
			Component("notify").
			Category(errors.CategoryNotification).
			Build()
	}
	topic := a.prefix + "/" + strings.Trim(n.Target, "/")
	return a.publisher.Publish(ctx, topic, body, false)
}
