// Package errors provides the application error type: a wrapped error
// carrying component, category, and context for logs and telemetry.
// It is a drop-in replacement for the standard errors package.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrorCategory classifies an error for handling and reporting decisions.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryFileIO        ErrorCategory = "file-io"
	CategoryNetwork       ErrorCategory = "network"
	CategoryTimeout       ErrorCategory = "timeout"
	CategoryDatabase      ErrorCategory = "database"
	CategoryHTTP          ErrorCategory = "http"
	CategoryNotFound      ErrorCategory = "not-found"
	CategoryAudio         ErrorCategory = "audio"
	CategoryModelInit     ErrorCategory = "model-init"
	CategoryLabelLoad     ErrorCategory = "label-load"
	CategoryMQTTConn      ErrorCategory = "mqtt-connection"
	CategoryNotification  ErrorCategory = "notification"
	CategoryState         ErrorCategory = "state"
	CategoryUpdate        ErrorCategory = "update"
	CategoryCache         ErrorCategory = "cache"
	CategoryGeneric       ErrorCategory = "generic"
)

// Priority drives telemetry reporting decisions.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// EnhancedError wraps an error with component, category, and context metadata.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Priority  Priority
	Context   map[string]any
	Timestamp time.Time
}

func (e *EnhancedError) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// GetContext returns a context value and whether it was present.
func (e *EnhancedError) GetContext(key string) (any, bool) {
	v, ok := e.Context[key]
	return v, ok
}

// ErrorBuilder assembles an EnhancedError fluently.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	priority  Priority
	context   map[string]any
}

// New starts building an enhanced error from an existing error.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err, category: CategoryGeneric, priority: PriorityMedium}
}

// Newf starts building an enhanced error from a format string.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the owning component explicitly.
func (b *ErrorBuilder) Component(name string) *ErrorBuilder {
	b.component = name
	return b
}

// Category classifies the error.
func (b *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	b.category = category
	return b
}

// Priority overrides the default medium reporting priority.
func (b *ErrorBuilder) Priority(p Priority) *ErrorBuilder {
	b.priority = p
	return b
}

// Context attaches one key/value pair of diagnostic context.
func (b *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if b.context == nil {
		b.context = make(map[string]any)
	}
	b.context[key] = value
	return b
}

// Build finalises the enhanced error. The component is auto-detected from the
// call site when not set explicitly.
func (b *ErrorBuilder) Build() *EnhancedError {
	component := b.component
	if component == "" {
		component = detectComponent()
	}
	ee := &EnhancedError{
		Err:       b.err,
		Component: component,
		Category:  b.category,
		Priority:  b.priority,
		Context:   b.context,
		Timestamp: time.Now(),
	}
	report(ee)
	return ee
}

var (
	registryMu sync.RWMutex
	// import path fragment -> component name
	componentRegistry = map[string]string{}
)

// RegisterComponent maps an import path fragment to a component name used by
// call-site detection.
func RegisterComponent(pathFragment, component string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	componentRegistry[pathFragment] = component
}

func init() {
	RegisterComponent("internal/conf", "conf")
	RegisterComponent("internal/datastore", "datastore")
	RegisterComponent("internal/detector", "detector")
	RegisterComponent("internal/analysis", "analysis")
	RegisterComponent("internal/capture", "capture")
	RegisterComponent("internal/audio", "audio")
	RegisterComponent("internal/fifo", "fifo")
	RegisterComponent("internal/events", "events")
	RegisterComponent("internal/notify", "notify")
	RegisterComponent("internal/mqtt", "mqtt")
	RegisterComponent("internal/weather", "weather")
	RegisterComponent("internal/api", "api")
	RegisterComponent("internal/cache", "cache")
	RegisterComponent("internal/analytics", "analytics")
	RegisterComponent("internal/update", "update")
}

// detectComponent walks a few frames up and matches the caller's file path
// against the registry.
func detectComponent() string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for skip := 2; skip < 8; skip++ {
		_, file, _, ok := runtime.Caller(skip)
		if !ok {
			break
		}
		if strings.Contains(file, "internal/errors") {
			continue
		}
		for fragment, component := range componentRegistry {
			if strings.Contains(file, fragment) {
				return component
			}
		}
	}
	return "unknown"
}

// reportHook is installed by the telemetry package; nil means reporting is off.
var (
	hookMu     sync.RWMutex
	reportHook func(*EnhancedError)
)

// SetReportHook installs the telemetry capture callback.
func SetReportHook(hook func(*EnhancedError)) {
	hookMu.Lock()
	defer hookMu.Unlock()
	reportHook = hook
}

func report(ee *EnhancedError) {
	hookMu.RLock()
	hook := reportHook
	hookMu.RUnlock()
	if hook != nil && (ee.Priority == PriorityHigh || ee.Priority == PriorityCritical) {
		hook(ee)
	}
}

// Standard library pass-throughs so callers need only this package.

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target any) bool { return errors.As(err, target) }

// Unwrap returns the result of calling Unwrap on err.
func Unwrap(err error) error { return errors.Unwrap(err) }

// NewStd returns a plain standard library error.
func NewStd(text string) error { return errors.New(text) }

// HasCategory reports whether err carries the given category.
func HasCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	if errors.As(err, &ee) {
		return ee.Category == category
	}
	return false
}
