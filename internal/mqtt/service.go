package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/events"
	"github.com/avibox/avibox/internal/logging"
)

// defaultPublishInterval paces the health and system topics.
const defaultPublishInterval = time.Minute

// Service publishes the appliance's broker surface: every detection from
// the event bus plus the periodic health, system, gps, and config topics.
type Service struct {
	client   Client
	settings *conf.Settings
	topics   Topics
	interval time.Duration

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	logger *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithPublishInterval overrides the health and system topic cadence.
func WithPublishInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewService wires the broker client to the event bus and the periodic
// topics. The service does not own the client; the caller connects and
// disconnects it.
func NewService(settings *conf.Settings, client Client, opts ...ServiceOption) *Service {
	s := &Service{
		client:   client,
		settings: settings,
		topics:   TopicsFor(settings.MQTT.TopicPrefix),
		interval: defaultPublishInterval,
		logger:   logging.ForService("mqtt"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name identifies the service on the event bus.
func (s *Service) Name() string { return "mqtt" }

// Start launches the periodic publish loop. The loop stops when Stop is
// called; the passed context only bounds startup work.
func (s *Service) Start(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		// Not fatal: the client retries in the background and the loop
		// starts publishing once the connection is up.
		s.logger.Warn("broker not reachable at startup", "error", err)
	}

	s.startedAt = time.Now()
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(runCtx)
	return nil
}

// Stop halts the publish loop. The broker client stays connected for any
// remaining bus traffic; disconnecting it is the caller's job.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.cancel = nil
}

// HandleDetection publishes the detection document. Broker trouble is
// logged and swallowed so the bus never sees adapter failures.
func (s *Service) HandleDetection(det events.Detection) error {
	doc := detectionDoc{
		ID:             det.ID,
		Timestamp:      det.Timestamp.Format(time.RFC3339),
		ScientificName: det.ScientificName,
		CommonName:     det.CommonName,
		Confidence:     det.Confidence,
		Latitude:       det.Latitude,
		Longitude:      det.Longitude,
		Week:           det.Week,
		ClipPath:       det.ClipPath,
		NewSpecies:     det.NewSpecies,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("detection payload marshal failed", "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.topics.Detections, body, false); err != nil {
		s.logger.Warn("detection publish dropped",
			"species", det.ScientificName, "error", err)
	}
	return nil
}

// run drives the periodic topics. Health and system go out every tick;
// gps and config are announcements, published when the connection comes
// up and again after every reconnect.
func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	wasConnected := false
	for {
		wasConnected = s.tick(ctx, wasConnected)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick publishes one round of periodic topics and reports whether the
// connection was up, so the caller can spot reconnect edges.
func (s *Service) tick(ctx context.Context, wasConnected bool) bool {
	if !s.client.IsConnected() {
		return false
	}
	if !wasConnected {
		s.announce(ctx)
	}
	s.publish(ctx, s.topics.Health, s.healthDoc(), true)
	s.publish(ctx, s.topics.System, snapshotSystem(s.settings.DataDir(), s.logger), false)
	return true
}

// announce pushes the location and the sanitised configuration. Neither
// topic is retained, so they are repeated on every reconnect for
// subscribers that joined in between.
func (s *Service) announce(ctx context.Context) {
	gps := gpsDoc{
		Latitude:  s.settings.Location.Latitude,
		Longitude: s.settings.Location.Longitude,
	}
	s.publish(ctx, s.topics.GPS, gps, false)

	cfg, err := sanitizedConfig(s.settings)
	if err != nil {
		s.logger.Error("config payload build failed", "error", err)
		return
	}
	s.publishRaw(ctx, s.topics.Config, cfg, false)
}

func (s *Service) healthDoc() healthDoc {
	return healthDoc{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     time.Now().Format(time.RFC3339),
	}
}

func (s *Service) publish(ctx context.Context, topic string, doc any, retained bool) {
	body, err := json.Marshal(doc)
	if err != nil {
		s.logger.Error("payload marshal failed", "topic", topic, "error", err)
		return
	}
	s.publishRaw(ctx, topic, body, retained)
}

func (s *Service) publishRaw(ctx context.Context, topic string, body []byte, retained bool) {
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := s.client.Publish(pubCtx, topic, body, retained); err != nil {
		s.logger.Warn("publish dropped", "topic", topic, "error", err)
	}
}

// detectionDoc is the wire shape on the detections topic. Field names are
// part of the broker contract; subscribers key automations off them.
type detectionDoc struct {
	ID             string   `json:"id"`
	Timestamp      string   `json:"timestamp"`
	ScientificName string   `json:"scientific_name"`
	CommonName     string   `json:"common_name"`
	Confidence     float64  `json:"confidence"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	Week           int      `json:"week"`
	ClipPath       string   `json:"clip_path,omitempty"`
	NewSpecies     bool     `json:"new_species"`
}

type gpsDoc struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type healthDoc struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Timestamp     string `json:"timestamp"`
}
