package notify

import (
	"strings"
	"time"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/errors"
)

// Rule scopes.
const (
	ScopeAll         = "all"
	ScopeNewEver     = "new_ever"
	ScopeNewToday    = "new_today"
	ScopeNewThisWeek = "new_this_week"
)

// Frequency gates.
const (
	FreqAlways      = "always"
	FreqOncePerHour = "once_per_hour"
	FreqOncePerDay  = "once_per_day"
	FreqOncePerWeek = "once_per_week"
)

// Delivery services a rule may name.
const (
	ServiceApprise = "apprise"
	ServiceWebhook = "webhook"
	ServiceMQTT    = "mqtt"
)

var frequencyWindows = map[string]time.Duration{
	FreqAlways:      0,
	FreqOncePerHour: time.Hour,
	FreqOncePerDay:  24 * time.Hour,
	FreqOncePerWeek: 7 * 24 * time.Hour,
}

// compiledRule is a configured rule lowered for matching: filters
// case-folded, defaults resolved, frequency as a window. lastFired is
// touched only on the bus drain goroutine.
type compiledRule struct {
	name    string
	enabled bool
	service string
	target  string

	scope         string
	include       taxaMatcher
	exclude       taxaMatcher
	minConfidence float64
	window        time.Duration

	titleTemplate string
	bodyTemplate  string

	lastFired time.Time
}

// compileRules validates and lowers the configured rules in order. A zero
// minimum_confidence inherits defaultConfidence.
func compileRules(rules []conf.NotificationRule, defaultConfidence float64) ([]*compiledRule, error) {
	out := make([]*compiledRule, 0, len(rules))
	for i := range rules {
		r := &rules[i]

		switch r.Service {
		case ServiceApprise, ServiceWebhook, ServiceMQTT:
		default:
			return nil, errors.Newf("notification rule %q: unknown service %q", r.Name, r.Service).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Build()
		}
		if r.Target == "" {
			return nil, errors.Newf("notification rule %q: target is required", r.Name).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Build()
		}

		scope := r.Scope
		if scope == "" {
			scope = ScopeAll
		}
		switch scope {
		case ScopeAll, ScopeNewEver, ScopeNewToday, ScopeNewThisWeek:
		default:
			return nil, errors.Newf("notification rule %q: unknown scope %q", r.Name, r.Scope).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Build()
		}

		when := r.Frequency.When
		if when == "" {
			when = FreqAlways
		}
		window, ok := frequencyWindows[when]
		if !ok {
			return nil, errors.Newf("notification rule %q: unknown frequency %q", r.Name, r.Frequency.When).
				Component("notify").
				Category(errors.CategoryConfiguration).
				Build()
		}

		minConfidence := r.MinimumConfidence
		if minConfidence <= 0 {
			minConfidence = defaultConfidence
		}

		out = append(out, &compiledRule{
			name:          r.Name,
			enabled:       r.Enabled,
			service:       r.Service,
			target:        r.Target,
			scope:         scope,
			include:       newTaxaMatcher(r.IncludeTaxa),
			exclude:       newTaxaMatcher(r.ExcludeTaxa),
			minConfidence: minConfidence,
			window:        window,
			titleTemplate: r.TitleTemplate,
			bodyTemplate:  r.BodyTemplate,
		})
	}
	return out, nil
}

// allowedNow reports whether the frequency window has elapsed since the rule
// last fired.
func (r *compiledRule) allowedNow(at time.Time) bool {
	if r.window == 0 || r.lastFired.IsZero() {
		return true
	}
	return at.Sub(r.lastFired) >= r.window
}

// taxaMatcher holds one case-folded include or exclude filter.
type taxaMatcher struct {
	orders   map[string]struct{}
	families map[string]struct{}
	genera   map[string]struct{}
	species  map[string]struct{}
}

func newTaxaMatcher(f conf.TaxaFilter) taxaMatcher {
	return taxaMatcher{
		orders:   foldSet(f.Orders),
		families: foldSet(f.Families),
		genera:   foldSet(f.Genera),
		species:  foldSet(f.Species),
	}
}

func foldSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

func (m taxaMatcher) empty() bool {
	return len(m.orders)+len(m.families)+len(m.genera)+len(m.species) == 0
}

// needsInfo reports whether matching requires a reference store lookup.
func (m taxaMatcher) needsInfo() bool {
	return len(m.orders)+len(m.families)+len(m.genera) > 0
}

// matches reports whether the detection falls inside the filter. info may be
// nil for species missing from the reference store; only the species list
// can match then.
func (m taxaMatcher) matches(scientificName string, info *datastore.SpeciesInfo) bool {
	if _, ok := m.species[strings.ToLower(scientificName)]; ok {
		return true
	}
	if info == nil {
		return false
	}
	if _, ok := m.orders[strings.ToLower(info.TaxonomicOrder)]; ok {
		return true
	}
	if _, ok := m.families[strings.ToLower(info.Family)]; ok {
		return true
	}
	_, ok := m.genera[strings.ToLower(info.Genus)]
	return ok
}

// quietWindow is the global do-not-notify interval at minute resolution,
// optionally wrapping midnight.
type quietWindow struct {
	start, end int // minutes of day
	enabled    bool
}

// parseQuietWindow accepts "HH:MM" bounds. Either bound empty, or both
// equal, disables the window.
func parseQuietWindow(start, end string) (quietWindow, error) {
	if start == "" || end == "" {
		return quietWindow{}, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return quietWindow{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return quietWindow{}, err
	}
	return quietWindow{start: s, end: e, enabled: s != e}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Newf("invalid quiet hours time %q: want HH:MM", s).
			Component("notify").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return t.Hour()*60 + t.Minute(), nil
}

// contains reports whether t's local clock falls inside [start, end), where
// start > end means the window runs through midnight.
func (q quietWindow) contains(t time.Time) bool {
	if !q.enabled {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}

// dayStartAt returns midnight of t's calendar day in loc.
func dayStartAt(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	y, mo, d := local.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, loc)
}

// weekStartAt returns the Monday midnight opening t's calendar week in loc.
func weekStartAt(t time.Time, loc *time.Location) time.Time {
	midnight := dayStartAt(t, loc)
	offset := (int(midnight.Weekday()) + 6) % 7
	return midnight.AddDate(0, 0, -offset)
}
