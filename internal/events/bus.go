package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

// DefaultBufferSize is the per-subscriber buffer depth. Sized for bursts of
// detections during dawn chorus, not for sustained consumer outage.
const DefaultBufferSize = 64

// Subscriber consumes detection events. HandleDetection runs on the
// subscriber's own bus goroutine; blocking here stalls only this subscriber.
type Subscriber interface {
	Name() string
	HandleDetection(Detection) error
}

// subscription pairs a Subscriber with its bounded buffer and drain loop.
type subscription struct {
	sub     Subscriber
	ch      chan Detection
	dropped atomic.Uint64
}

// Bus fans each published detection out to every subscriber in publication
// order. Publishing never blocks: when a subscriber's buffer is full the
// oldest buffered event is discarded to make room.
type Bus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	running    atomic.Bool

	wg   sync.WaitGroup
	quit chan struct{}

	published atomic.Uint64
	onDrop    func(subscriber string)

	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber buffer depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook installs a callback fired once per dropped event, keyed by
// subscriber name, used to feed the drop metric.
func WithDropHook(fn func(subscriber string)) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus returns a running bus with no subscribers.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		bufferSize: DefaultBufferSize,
		quit:       make(chan struct{}),
		logger:     logging.ForService("events"),
	}
	if b.logger == nil {
		b.logger = slog.Default().With("service", "events")
	}
	for _, opt := range opts {
		opt(b)
	}
	b.running.Store(true)
	return b
}

// Subscribe registers a consumer and starts its drain goroutine. Subscriber
// names must be unique.
func (b *Bus) Subscribe(sub Subscriber) error {
	if !b.running.Load() {
		return errors.Newf("bus is shut down").
			Component("events").
			Category(errors.CategoryState).
			Build()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.subs {
		if existing.sub.Name() == sub.Name() {
			return errors.Newf("subscriber %s already registered", sub.Name()).
				Component("events").
				Category(errors.CategoryValidation).
				Build()
		}
	}

	s := &subscription{sub: sub, ch: make(chan Detection, b.bufferSize)}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	go b.drain(s)

	b.logger.Info("subscriber registered", "subscriber", sub.Name(), "buffer_size", b.bufferSize)
	return nil
}

// TryPublish offers the detection to every subscriber without ever blocking.
// It reports whether at least one subscriber accepted the event.
func (b *Bus) TryPublish(det Detection) bool {
	if !b.running.Load() {
		return false
	}

	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	if len(subs) == 0 {
		return false
	}

	accepted := false
	for _, s := range subs {
		if b.offer(s, det) {
			accepted = true
		}
	}
	if accepted {
		b.published.Add(1)
	}
	return accepted
}

// offer enqueues without blocking, evicting the oldest buffered event when
// the buffer is full so the subscriber keeps seeing the freshest stream.
func (b *Bus) offer(s *subscription, det Detection) bool {
	select {
	case s.ch <- det:
		return true
	default:
	}

	// Buffer full: drop the oldest entry, then retry once. The drain
	// goroutine may have raced us and made room, in which case nothing is
	// lost.
	select {
	case old := <-s.ch:
		s.dropped.Add(1)
		b.logger.Warn("subscriber buffer full, dropping oldest event",
			"subscriber", s.sub.Name(),
			"dropped_species", old.ScientificName,
			"dropped_total", s.dropped.Load())
		if b.onDrop != nil {
			b.onDrop(s.sub.Name())
		}
	default:
	}

	select {
	case s.ch <- det:
		return true
	default:
		s.dropped.Add(1)
		if b.onDrop != nil {
			b.onDrop(s.sub.Name())
		}
		return false
	}
}

// drain delivers buffered events to one subscriber until shutdown, then
// flushes whatever remains in the buffer.
func (b *Bus) drain(s *subscription) {
	defer b.wg.Done()
	logger := b.logger.With("subscriber", s.sub.Name())

	deliver := func(det Detection) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("subscriber panicked", "panic", r, "species", det.ScientificName)
			}
		}()
		if err := s.sub.HandleDetection(det); err != nil {
			logger.Error("subscriber error", "error", err, "species", det.ScientificName)
		}
	}

	for {
		select {
		case det := <-s.ch:
			deliver(det)
		case <-b.quit:
			for {
				select {
				case det := <-s.ch:
					deliver(det)
				default:
					logger.Debug("subscriber drained")
					return
				}
			}
		}
	}
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Published uint64
	Dropped   map[string]uint64
}

// GetStats returns current counters, keyed by subscriber for drops.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{Published: b.published.Load(), Dropped: make(map[string]uint64, len(b.subs))}
	for _, s := range b.subs {
		st.Dropped[s.sub.Name()] = s.dropped.Load()
	}
	return st
}

// Shutdown stops accepting events, flushes every subscriber buffer, and
// waits up to timeout for the drain goroutines to finish.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if !b.running.Swap(false) {
		return nil
	}
	b.logger.Info("shutting down bus", "timeout", timeout)
	close(b.quit)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("bus shutdown complete")
		return nil
	case <-time.After(timeout):
		b.logger.Warn("bus shutdown timeout exceeded")
		return errors.Newf("bus shutdown timeout exceeded").
			Component("events").
			Category(errors.CategoryTimeout).
			Build()
	}
}
