// Package suncalc computes sun event times for the configured observer
// position, cached per calendar day.
package suncalc

import (
	"sync"
	"time"

	"github.com/sj14/astral/pkg/astral"

	"github.com/avibox/avibox/internal/errors"
)

// SunEvents holds one day's sun events in the calculator's time zone.
type SunEvents struct {
	CivilDawn time.Time
	Sunrise   time.Time
	Sunset    time.Time
	CivilDusk time.Time
}

// SunCalc caches per-day sun events for one observer position. Safe for
// concurrent use.
type SunCalc struct {
	mu       sync.RWMutex
	cache    map[string]SunEvents
	observer astral.Observer
	loc      *time.Location
}

// New returns a calculator for the given coordinates reporting events in loc.
func New(latitude, longitude float64, loc *time.Location) *SunCalc {
	if loc == nil {
		loc = time.UTC
	}
	return &SunCalc{
		cache:    make(map[string]SunEvents),
		observer: astral.Observer{Latitude: latitude, Longitude: longitude},
		loc:      loc,
	}
}

// EventsFor returns the sun events for the calendar day containing t. Polar
// night and midnight sun surface as errors from the underlying ephemeris;
// callers treat missing events as "no sunrise/sunset today".
func (sc *SunCalc) EventsFor(t time.Time) (SunEvents, error) {
	date := t.In(sc.loc)
	key := date.Format("2006-01-02")

	sc.mu.RLock()
	events, ok := sc.cache[key]
	sc.mu.RUnlock()
	if ok {
		return events, nil
	}

	events, err := sc.calculate(date)
	if err != nil {
		return SunEvents{}, err
	}

	sc.mu.Lock()
	sc.cache[key] = events
	sc.mu.Unlock()
	return events, nil
}

func (sc *SunCalc) calculate(date time.Time) (SunEvents, error) {
	dawn, err := astral.Dawn(sc.observer, date, astral.DepressionCivil)
	if err != nil {
		return SunEvents{}, sunError(err, "civil_dawn")
	}
	sunrise, err := astral.Sunrise(sc.observer, date)
	if err != nil {
		return SunEvents{}, sunError(err, "sunrise")
	}
	sunset, err := astral.Sunset(sc.observer, date)
	if err != nil {
		return SunEvents{}, sunError(err, "sunset")
	}
	dusk, err := astral.Dusk(sc.observer, date, astral.DepressionCivil)
	if err != nil {
		return SunEvents{}, sunError(err, "civil_dusk")
	}

	return SunEvents{
		CivilDawn: dawn.In(sc.loc),
		Sunrise:   sunrise.In(sc.loc),
		Sunset:    sunset.In(sc.loc),
		CivilDusk: dusk.In(sc.loc),
	}, nil
}

func sunError(err error, event string) error {
	return errors.New(err).
		Component("suncalc").
		Category(errors.CategoryGeneric).
		Context("event", event).
		Build()
}
