package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/observability"
)

func testBrokerSettings() *conf.MQTTSettings {
	return &conf.MQTTSettings{
		Enabled:     true,
		BrokerHost:  "localhost",
		BrokerPort:  1883,
		TopicPrefix: "avibox",
		ClientID:    "avibox-test",
	}
}

func newTestClient(t *testing.T) (*client, *observability.Metrics) {
	t.Helper()
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)
	c, err := NewClient(testBrokerSettings(), metrics.MQTT)
	require.NoError(t, err)
	return c.(*client), metrics
}

func TestTopicsForDerivesFixedSet(t *testing.T) {
	topics := TopicsFor("avibox")
	assert.Equal(t, "avibox/detections", topics.Detections)
	assert.Equal(t, "avibox/status", topics.Status)
	assert.Equal(t, "avibox/health", topics.Health)
	assert.Equal(t, "avibox/gps", topics.GPS)
	assert.Equal(t, "avibox/system", topics.System)
	assert.Equal(t, "avibox/config", topics.Config)
}

func TestTopicsForTrimsSlashes(t *testing.T) {
	topics := TopicsFor("/garden/birds/")
	assert.Equal(t, "garden/birds/detections", topics.Detections)
	assert.Equal(t, "garden/birds/status", topics.Status)
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL(testBrokerSettings()))

	remote := &conf.MQTTSettings{BrokerHost: "10.0.0.7", BrokerPort: 8883}
	assert.Equal(t, "tcp://10.0.0.7:8883", brokerURL(remote))
}

func TestNewClientRejectsBadSettings(t *testing.T) {
	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	cases := []struct {
		name     string
		settings conf.MQTTSettings
	}{
		{"empty host", conf.MQTTSettings{BrokerPort: 1883}},
		{"zero port", conf.MQTTSettings{BrokerHost: "localhost"}},
		{"port out of range", conf.MQTTSettings{BrokerHost: "localhost", BrokerPort: 70000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewClient(&tc.settings, metrics.MQTT)
			require.Error(t, err)
			assert.True(t, errors.HasCategory(err, errors.CategoryValidation))
		})
	}
}

func TestPublishNotConnected(t *testing.T) {
	c, metrics := newTestClient(t)

	err := c.Publish(context.Background(), "avibox/detections", []byte("{}"), false)
	require.Error(t, err)
	assert.True(t, errors.HasCategory(err, errors.CategoryMQTTConn))
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.MQTT.PublishErrors), 0.01)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.MQTT.Published), 0.01)
}

func TestPublishAfterGiveUpDropsSilently(t *testing.T) {
	c, metrics := newTestClient(t)
	c.mu.Lock()
	c.gaveUp = true
	c.mu.Unlock()

	err := c.Publish(context.Background(), "avibox/detections", []byte("{}"), false)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.MQTT.PublishErrors), 0.01)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.MQTT.Published), 0.01)
}

func TestPublishHonorsCancelledContext(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Publish(ctx, "avibox/detections", []byte("{}"), false)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectAfterGiveUpReturnsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newTestClient(t)
	c.mu.Lock()
	c.gaveUp = true
	c.mu.Unlock()

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "written off")

	// The budget is spent, so no background retry loop may start either.
	c.mu.Lock()
	assert.False(t, c.reconnecting)
	c.mu.Unlock()
}

func TestDisconnectBeforeConnectIsSafe(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _ := newTestClient(t)
	c.Disconnect()
	c.Disconnect()

	// Shutdown must also stop later reconnect requests from spawning.
	c.scheduleReconnect()
	c.mu.Lock()
	assert.False(t, c.reconnecting)
	c.mu.Unlock()
}

func TestNextDelayDoublesToCeiling(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextDelay(time.Second))
	assert.Equal(t, 4*time.Second, nextDelay(2*time.Second))
	assert.Equal(t, reconnectMaxDelay, nextDelay(4*time.Minute))
	assert.Equal(t, reconnectMaxDelay, nextDelay(reconnectMaxDelay))
}
