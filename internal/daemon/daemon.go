// Package daemon provides shared process-lifecycle state for the long-running
// services: a shutdown flag driven by termination signals and a critical
// section that defers those signals until it is safe to honour them.
package daemon

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/avibox/avibox/internal/logging"
)

var log *slog.Logger

func getLogger() *slog.Logger {
	if log == nil {
		log = logging.ForService("daemon")
		if log == nil {
			log = slog.Default().With("service", "daemon")
		}
	}
	return log
}

// State tracks shutdown requests for one process. Signal handlers write to
// it, worker loops poll it, and the update flow brackets non-interruptible
// work with EnterCritical/ExitCritical. A State is passed explicitly to the
// components that need it; there is no package-level instance.
type State struct {
	mu       sync.Mutex
	critical bool
	pending  []os.Signal

	shutdown atomic.Bool
	done     chan struct{}
	once     sync.Once

	sigCh chan os.Signal
}

// NewState returns a State with no shutdown requested.
func NewState() *State {
	return &State{done: make(chan struct{})}
}

// Listen installs handlers for SIGTERM and SIGINT and dispatches them to the
// state until Stop is called. Safe to call once per State.
func (s *State) Listen() {
	s.sigCh = make(chan os.Signal, 4)
	signal.Notify(s.sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for sig := range s.sigCh {
			s.Deliver(sig)
		}
	}()
}

// Stop detaches the signal handlers installed by Listen.
func (s *State) Stop() {
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
		close(s.sigCh)
		s.sigCh = nil
	}
}

// Deliver routes one termination signal. Inside a critical section the
// signal is queued instead of honoured; otherwise it sets the shutdown flag.
func (s *State) Deliver(sig os.Signal) {
	s.mu.Lock()
	if s.critical {
		s.pending = append(s.pending, sig)
		n := len(s.pending)
		s.mu.Unlock()
		getLogger().Warn("termination signal deferred by critical section",
			"signal", sig.String(), "pending", n)
		return
	}
	s.mu.Unlock()
	s.requestShutdown(sig)
}

func (s *State) requestShutdown(sig os.Signal) {
	if s.shutdown.CompareAndSwap(false, true) {
		getLogger().Info("shutdown requested", "signal", sig.String())
		s.once.Do(func() { close(s.done) })
		return
	}
	getLogger().Debug("shutdown already in progress", "signal", sig.String())
}

// RequestShutdown sets the shutdown flag without an OS signal, for fatal
// errors that should drain the process the same way a SIGTERM would.
func (s *State) RequestShutdown(reason string) {
	if s.shutdown.CompareAndSwap(false, true) {
		getLogger().Info("shutdown requested", "reason", reason)
		s.once.Do(func() { close(s.done) })
	}
}

// EnterCritical begins a span during which termination signals are queued
// rather than honoured. Calls do not nest.
func (s *State) EnterCritical() {
	s.mu.Lock()
	s.critical = true
	s.mu.Unlock()
	getLogger().Debug("critical section entered")
}

// ExitCritical ends the critical section and re-delivers any queued signals
// in arrival order.
func (s *State) ExitCritical() {
	s.mu.Lock()
	s.critical = false
	queued := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(queued) > 0 {
		getLogger().Info("critical section ended, re-delivering deferred signals", "count", len(queued))
	} else {
		getLogger().Debug("critical section ended")
	}
	for _, sig := range queued {
		s.Deliver(sig)
	}
}

// InCritical reports whether a critical section is active.
func (s *State) InCritical() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical
}

// PendingSignals reports how many signals are queued behind the critical
// section.
func (s *State) PendingSignals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ShutdownRequested reports whether the process should drain and exit.
func (s *State) ShutdownRequested() bool {
	return s.shutdown.Load()
}

// Done returns a channel closed once shutdown is requested, for select
// loops that cannot poll.
func (s *State) Done() <-chan struct{} {
	return s.done
}
