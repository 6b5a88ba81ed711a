package mqtt

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

const (
	connectTimeout = 30 * time.Second
	publishTimeout = 10 * time.Second

	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 5 * time.Minute

	// reconnectMaxAttempts bounds one outage: nine doublings to reach the
	// five-minute ceiling plus eleven tries at the ceiling, about an hour
	// of trying before the broker is written off.
	reconnectMaxAttempts = 20

	statusOnline  = "online"
	statusOffline = "offline"
)

type client struct {
	settings conf.MQTTSettings
	topics   Topics

	mu           sync.Mutex
	pahoClient   pahomqtt.Client
	reconnecting bool
	attempts     int
	gaveUp       bool

	reconnectStop chan struct{}
	stopOnce      sync.Once

	metrics *observability.MQTTMetrics
	logger  *slog.Logger
}

// NewClient validates the broker settings and returns an unconnected client.
func NewClient(settings *conf.MQTTSettings, metrics *observability.MQTTMetrics) (Client, error) {
	if settings.BrokerHost == "" {
		return nil, errors.Newf("broker host is empty").
			Component("mqtt").
			Category(errors.CategoryValidation).
			Build()
	}
	if settings.BrokerPort <= 0 || settings.BrokerPort > 65535 {
		return nil, errors.Newf("broker port %d out of range", settings.BrokerPort).
			Component("mqtt").
			Category(errors.CategoryValidation).
			Build()
	}
	return &client{
		settings:      *settings,
		topics:        TopicsFor(settings.TopicPrefix),
		reconnectStop: make(chan struct{}),
		metrics:       metrics,
		logger:        logging.ForService("mqtt"),
	}, nil
}

// Connect dials the broker once. When the attempt fails the backoff loop
// takes over in the background, so a dead broker at boot does not keep the
// appliance from starting.
func (c *client) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gaveUp {
		return errors.Newf("broker written off after %d failed attempts", reconnectMaxAttempts).
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Build()
	}
	if c.pahoClient != nil && c.pahoClient.IsConnected() {
		return nil
	}

	// Resolve the hostname up front so a broken DNS setup surfaces as a
	// DNS error instead of a generic connect timeout.
	host := c.settings.BrokerHost
	if net.ParseIP(host) == nil {
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			var dnsErr *net.DNSError
			if errors.As(err, &dnsErr) {
				return dnsErr
			}
			return errors.New(err).
				Component("mqtt").
				Category(errors.CategoryNetwork).
				Context("operation", "resolve_broker").
				Context("host", host).
				Build()
		}
	}

	broker := brokerURL(&c.settings)

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(c.settings.ClientID)
	if c.settings.Username != "" {
		opts.SetUsername(c.settings.Username)
		opts.SetPassword(c.settings.Password)
	}
	opts.SetCleanSession(true)
	// The backoff loop owns retry policy so it can stop after a bounded
	// number of attempts; paho's built-in retry never gives up.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetWill(c.topics.Status, statusOffline, 0, true)

	c.pahoClient = pahomqtt.NewClient(opts)

	token := c.pahoClient.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.Newf("broker connect timeout after %s", connectTimeout).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Context("broker", broker).
			Build()
	}
	if err := token.Error(); err != nil {
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Context("operation", "connect").
			Context("broker", broker).
			Build()
	}
	return nil
}

// Publish sends one message and waits for broker acknowledgement. After the
// client has written the broker off it drops the message and reports
// success, so steady-state callers stay quiet on a known-dead destination.
func (c *client) Publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	pc := c.pahoClient
	gaveUp := c.gaveUp
	c.mu.Unlock()

	if gaveUp {
		c.logger.Debug("dropping publish, broker written off", "topic", topic)
		return nil
	}
	if pc == nil || !pc.IsConnected() {
		c.metrics.PublishErrors.Inc()
		return errors.Newf("not connected to broker").
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Context("topic", topic).
			Build()
	}

	token := pc.Publish(topic, 0, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		c.metrics.PublishErrors.Inc()
		return errors.Newf("publish timeout after %s", publishTimeout).
			Component("mqtt").
			Category(errors.CategoryTimeout).
			Context("topic", topic).
			Build()
	}
	if err := token.Error(); err != nil {
		c.metrics.PublishErrors.Inc()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryMQTTConn).
			Context("operation", "publish").
			Context("topic", topic).
			Build()
	}

	c.metrics.Published.Inc()
	return nil
}

func (c *client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pahoClient != nil && c.pahoClient.IsConnected()
}

// Disconnect announces a clean shutdown. The LWT fires only on unclean
// death, so the retained offline status is published explicitly here.
func (c *client) Disconnect() {
	c.stopOnce.Do(func() {
		close(c.reconnectStop)
	})

	c.mu.Lock()
	pc := c.pahoClient
	c.mu.Unlock()

	if pc != nil && pc.IsConnected() {
		token := pc.Publish(c.topics.Status, 0, true, statusOffline)
		token.WaitTimeout(publishTimeout)
		pc.Disconnect(250)
		c.metrics.Connected.Set(0)
	}
}

func (c *client) onConnect(pc pahomqtt.Client) {
	c.logger.Info("connected to broker", "broker", brokerURL(&c.settings))
	c.metrics.Connected.Set(1)

	// Replace the retained offline payload a previous unclean exit may
	// have left behind.
	token := pc.Publish(c.topics.Status, 0, true, statusOnline)
	if !token.WaitTimeout(publishTimeout) {
		c.logger.Warn("status publish timed out")
	} else if err := token.Error(); err != nil {
		c.logger.Warn("status publish failed", "error", err)
	}
}

func (c *client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.logger.Warn("broker connection lost", "error", err)
	c.metrics.Connected.Set(0)
	c.scheduleReconnect()
}

// scheduleReconnect starts the backoff loop unless one is already running,
// the client is shutting down, or the attempt budget is spent.
func (c *client) scheduleReconnect() {
	select {
	case <-c.reconnectStop:
		return
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reconnecting || c.gaveUp {
		return
	}
	c.reconnecting = true
	go c.reconnectLoop()
}

// reconnectLoop retries with delays doubling from one second up to five
// minutes. A successful reconnect resets the budget for the next outage;
// an exhausted budget silences the client for the rest of the process.
func (c *client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := reconnectInitialDelay
	for {
		select {
		case <-c.reconnectStop:
			return
		case <-time.After(delay):
		}

		c.mu.Lock()
		if c.attempts >= reconnectMaxAttempts {
			c.gaveUp = true
			c.mu.Unlock()
			c.logger.Error("giving up on broker for the rest of this run",
				"attempts", reconnectMaxAttempts)
			return
		}
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		c.metrics.ReconnectAttempts.Inc()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := c.connect(ctx)
		cancel()
		if err != nil {
			delay = nextDelay(delay)
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt, "next_try_in", delay, "error", err)
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		return
	}
}

// nextDelay doubles the backoff up to the five-minute ceiling.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > reconnectMaxDelay {
		return reconnectMaxDelay
	}
	return d
}
