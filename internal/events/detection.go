// Package events provides the in-process detection bus: single producer,
// many consumers, each with its own bounded buffer so a slow subscriber
// never blocks the analysis pipeline or its peers.
package events

import (
	"fmt"
	"time"

	"github.com/avibox/avibox/internal/errors"
)

// Detection is the event payload published for every stored detection. It is
// a value copy: subscribers may hold it as long as they like without pinning
// store rows.
type Detection struct {
	ID             string
	Timestamp      time.Time
	ScientificName string
	CommonName     string
	SpeciesTensor  string
	Confidence     float64

	Latitude  *float64
	Longitude *float64

	Week     int
	ClipPath string

	// NewSpecies is true when this is the first detection of the species
	// ever recorded; DaysSinceFirstSeen is 0 in that case.
	NewSpecies         bool
	DaysSinceFirstSeen int
}

// Validate rejects payloads that would confuse every subscriber alike.
func (d *Detection) Validate() error {
	if d.ScientificName == "" {
		return errors.Newf("detection event: scientific name cannot be empty").
			Component("events").
			Category(errors.CategoryValidation).
			Build()
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return errors.Newf("detection event: confidence must be within [0,1], got %f", d.Confidence).
			Component("events").
			Category(errors.CategoryValidation).
			Context("confidence", d.Confidence).
			Build()
	}
	return nil
}

func (d *Detection) String() string {
	return fmt.Sprintf("Detection: %s (%.2f%%) at %s, new=%v",
		d.CommonName, d.Confidence*100, d.Timestamp.Format(time.RFC3339), d.NewSpecies)
}
