// Package notify evaluates configured notification rules against detection
// events and fans the matches out to delivery adapters. Evaluation runs on
// the event bus goroutine; every adapter runs its own worker so a slow
// endpoint never stalls rule evaluation or a sibling adapter.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/events"
	"github.com/avibox/avibox/internal/logging"
	"github.com/avibox/avibox/internal/observability"
)

const (
	subscriberName  = "notify"
	workerQueueSize = 16
	evalTimeout     = 10 * time.Second
	dispatchTimeout = 10 * time.Second
)

// Notification is one rendered message bound for one target.
type Notification struct {
	Rule    string
	Service string
	Target  string
	Title   string
	Body    string
	Event   events.Detection
}

// Dispatcher delivers a notification to one configured target of a service.
type Dispatcher interface {
	Name() string
	Dispatch(ctx context.Context, n Notification) error
}

// ScopeStore answers the rule scope and taxa queries.
type ScopeStore interface {
	SpeciesSeenBetween(ctx context.Context, scientificName string, since, before time.Time) (bool, error)
	SpeciesInfo(ctx context.Context, scientificName string) (*datastore.SpeciesInfo, error)
}

type worker struct {
	dispatcher Dispatcher
	ch         chan Notification
}

// Service is the bus subscriber that gates detections through quiet hours
// and the configured rules, then hands matches to the per-service workers.
type Service struct {
	rules        []*compiledRule
	quiet        quietWindow
	titleDefault string
	bodyDefault  string

	store   ScopeStore
	loc     *time.Location
	metrics *observability.NotifyMetrics
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	started atomic.Bool
	wg      sync.WaitGroup

	// Bounds store lookups and dispatches; replaced by Start.
	ctx context.Context
}

// NewService compiles the configured rules. loc is the reporting time zone
// for quiet hours and scope day boundaries; nil means UTC.
func NewService(settings *conf.Settings, store ScopeStore, loc *time.Location, metrics *observability.NotifyMetrics) (*Service, error) {
	rules, err := compileRules(settings.Notifications.Rules, settings.Model.SpeciesConfidenceThreshold)
	if err != nil {
		return nil, err
	}
	quiet, err := parseQuietWindow(settings.Notifications.QuietHoursStart, settings.Notifications.QuietHoursEnd)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}

	return &Service{
		rules:        rules,
		quiet:        quiet,
		titleDefault: settings.Notifications.TitleDefault,
		bodyDefault:  settings.Notifications.BodyDefault,
		store:        store,
		loc:          loc,
		metrics:      metrics,
		logger:       logging.ForService("notify"),
		workers:      map[string]*worker{},
		ctx:          context.Background(),
	}, nil
}

// RegisterDispatcher adds a delivery adapter. All registration must happen
// before Start.
func (s *Service) RegisterDispatcher(d Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return errors.Newf("adapter %q registered after start", d.Name()).
			Component("notify").
			Category(errors.CategoryState).
			Build()
	}
	if _, dup := s.workers[d.Name()]; dup {
		return errors.Newf("adapter %q already registered", d.Name()).
			Component("notify").
			Category(errors.CategoryValidation).
			Build()
	}
	s.workers[d.Name()] = &worker{dispatcher: d, ch: make(chan Notification, workerQueueSize)}
	return nil
}

// Start launches one delivery goroutine per registered adapter. ctx bounds
// every store lookup and dispatch; during shutdown hand in a context that
// outlives the bus drain so queued notifications still go out.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Swap(true) {
		return
	}
	s.ctx = ctx
	for _, w := range s.workers {
		s.wg.Add(1)
		go s.deliver(w)
	}
	s.logger.Info("notification service started",
		"rules", len(s.rules),
		"adapters", len(s.workers),
		"quiet_hours", s.quiet.enabled)
}

// Stop closes the worker queues and waits for in-flight deliveries. Call
// after the bus has been shut down, so nothing enqueues concurrently.
func (s *Service) Stop() {
	if !s.started.Swap(false) {
		return
	}
	for _, w := range s.workers {
		close(w.ch)
	}
	s.wg.Wait()
	s.logger.Info("notification service stopped")
}

func (s *Service) deliver(w *worker) {
	defer s.wg.Done()
	logger := s.logger.With("adapter", w.dispatcher.Name())
	for n := range w.ch {
		ctx, cancel := context.WithTimeout(s.ctx, dispatchTimeout)
		err := w.dispatcher.Dispatch(ctx, n)
		cancel()
		if err != nil {
			s.metrics.AdapterFailures.WithLabelValues(n.Service).Inc()
			logger.Error("notification dropped", "rule", n.Rule, "target", n.Target, "error", err)
			continue
		}
		s.metrics.Delivered.WithLabelValues(n.Service).Inc()
		logger.Debug("notification delivered", "rule", n.Rule, "target", n.Target)
	}
}

// Name implements events.Subscriber.
func (s *Service) Name() string { return subscriberName }

// HandleDetection implements events.Subscriber. It runs on the bus drain
// goroutine, so rules evaluate strictly in configuration order and
// lastFired needs no lock.
func (s *Service) HandleDetection(det events.Detection) error {
	if len(s.rules) == 0 {
		return nil
	}

	local := det.Timestamp.In(s.loc)
	if s.quiet.contains(local) {
		s.logger.Debug("quiet hours, suppressing",
			"species", det.CommonName, "at", local.Format("15:04"))
		return nil
	}

	ctx, cancel := context.WithTimeout(s.ctx, evalTimeout)
	defer cancel()

	// The reference lookup is shared across rules and done at most once.
	var info *datastore.SpeciesInfo
	infoLoaded := false

	for _, rule := range s.rules {
		if !rule.enabled {
			continue
		}

		ok, err := s.inScope(ctx, rule, &det)
		if err != nil {
			s.logger.Error("scope lookup failed, skipping rule", "rule", rule.name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		if !infoLoaded && (rule.include.needsInfo() || rule.exclude.needsInfo()) {
			info = s.lookupInfo(ctx, det.ScientificName)
			infoLoaded = true
		}
		if !rule.include.empty() && !rule.include.matches(det.ScientificName, info) {
			continue
		}
		if rule.exclude.matches(det.ScientificName, info) {
			continue
		}

		if det.Confidence < rule.minConfidence {
			continue
		}
		if !rule.allowedNow(det.Timestamp) {
			continue
		}

		s.dispatch(rule, &det)
		rule.lastFired = det.Timestamp
	}
	return nil
}

// inScope applies the rule's scope against the event and the store. The
// event row is already persisted, so "first today" means no other row in
// [midnight, event) exists.
func (s *Service) inScope(ctx context.Context, rule *compiledRule, det *events.Detection) (bool, error) {
	switch rule.scope {
	case ScopeNewEver:
		return det.NewSpecies, nil
	case ScopeNewToday:
		if det.NewSpecies {
			return true, nil
		}
		seen, err := s.store.SpeciesSeenBetween(ctx, det.ScientificName, dayStartAt(det.Timestamp, s.loc), det.Timestamp)
		return !seen, err
	case ScopeNewThisWeek:
		if det.NewSpecies {
			return true, nil
		}
		seen, err := s.store.SpeciesSeenBetween(ctx, det.ScientificName, weekStartAt(det.Timestamp, s.loc), det.Timestamp)
		return !seen, err
	default:
		return true, nil
	}
}

func (s *Service) lookupInfo(ctx context.Context, scientificName string) *datastore.SpeciesInfo {
	info, err := s.store.SpeciesInfo(ctx, scientificName)
	if err != nil {
		// Species absent from the reference store: only species-list
		// filters can match it.
		s.logger.Debug("no reference entry", "species", scientificName, "error", err)
		return nil
	}
	return info
}

func (s *Service) dispatch(rule *compiledRule, det *events.Detection) {
	s.metrics.RuleMatches.WithLabelValues(rule.name).Inc()

	n := Notification{
		Rule:    rule.name,
		Service: rule.service,
		Target:  rule.target,
		Title:   renderTemplate(firstNonEmpty(rule.titleTemplate, s.titleDefault, defaultTitleTemplate), det, s.loc),
		Body:    renderTemplate(firstNonEmpty(rule.bodyTemplate, s.bodyDefault, defaultBodyTemplate), det, s.loc),
		Event:   *det,
	}

	w, ok := s.workers[rule.service]
	if !ok {
		s.metrics.AdapterFailures.WithLabelValues(rule.service).Inc()
		s.logger.Warn("no adapter registered", "rule", rule.name, "service", rule.service)
		return
	}
	select {
	case w.ch <- n:
	default:
		s.metrics.AdapterFailures.WithLabelValues(rule.service).Inc()
		s.logger.Warn("adapter queue full, dropping", "rule", rule.name, "service", rule.service)
	}
}

// payload is the JSON document adapters send over the wire.
type payload struct {
	ID             string   `json:"id"`
	Title          string   `json:"title,omitempty"`
	Body           string   `json:"body,omitempty"`
	ScientificName string   `json:"scientific_name"`
	CommonName     string   `json:"common_name"`
	Confidence     float64  `json:"confidence"`
	Timestamp      string   `json:"timestamp"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	ClipPath       string   `json:"clip_path,omitempty"`
	NewSpecies     bool     `json:"new_species"`
}

func newPayload(n *Notification) payload {
	return payload{
		ID:             n.Event.ID,
		Title:          n.Title,
		Body:           n.Body,
		ScientificName: n.Event.ScientificName,
		CommonName:     n.Event.CommonName,
		Confidence:     n.Event.Confidence,
		Timestamp:      n.Event.Timestamp.Format(time.RFC3339),
		Latitude:       n.Event.Latitude,
		Longitude:      n.Event.Longitude,
		ClipPath:       n.Event.ClipPath,
		NewSpecies:     n.Event.NewSpecies,
	}
}
