package api

import (
	"fmt"
	"time"

	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/events"
)

// DetectionView is the one JSON shape every detection endpoint and the SSE
// stream render. Timestamps are RFC 3339 in UTC. display_name follows the
// configured species_display_mode; the raw name fields are always present
// so clients are not coupled to the display setting.
type DetectionView struct {
	ID             string       `json:"id"`
	Timestamp      string       `json:"timestamp"`
	ScientificName string       `json:"scientific_name"`
	CommonName     string       `json:"common_name"`
	DisplayName    string       `json:"display_name"`
	Confidence     float64      `json:"confidence"`
	Latitude       *float64     `json:"latitude,omitempty"`
	Longitude      *float64     `json:"longitude,omitempty"`
	Week           int          `json:"week"`
	ClipPath       string       `json:"clip_path,omitempty"`
	NewSpecies     bool         `json:"new_species,omitempty"`
	Weather        *WeatherView `json:"weather,omitempty"`
}

// WeatherView embeds the linked hourly observation on the detail endpoint.
type WeatherView struct {
	TimestampHour string   `json:"timestamp_hour"`
	TemperatureC  *float64 `json:"temperature_c,omitempty"`
	Humidity      *float64 `json:"humidity,omitempty"`
	PressureHPa   *float64 `json:"pressure_hpa,omitempty"`
	WindSpeedMS   *float64 `json:"wind_speed_ms,omitempty"`
	Precipitation *float64 `json:"precipitation,omitempty"`
	CloudCover    *float64 `json:"cloud_cover,omitempty"`
	Sunrise       *string  `json:"sunrise,omitempty"`
	Sunset        *string  `json:"sunset,omitempty"`
	Source        string   `json:"source"`
}

// Pagination is the list envelope metadata.
type Pagination struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

// DetectionList is the paged list response.
type DetectionList struct {
	Detections []DetectionView `json:"detections"`
	Pagination Pagination      `json:"pagination"`
}

func (c *Controller) displayName(common, scientific string) string {
	switch c.settings.Location.SpeciesDisplayMode {
	case "common_name":
		return common
	case "scientific_name":
		return scientific
	default:
		return fmt.Sprintf("%s (%s)", common, scientific)
	}
}

// rowView renders a stored detection. clip_path appears only when the
// audio file relation was preloaded, which the detail query does and the
// list queries deliberately do not.
func (c *Controller) rowView(d *datastore.Detection) DetectionView {
	v := DetectionView{
		ID:             d.ID,
		Timestamp:      d.Timestamp.UTC().Format(time.RFC3339),
		ScientificName: d.ScientificName,
		CommonName:     d.CommonName,
		DisplayName:    c.displayName(d.CommonName, d.ScientificName),
		Confidence:     d.Confidence,
		Latitude:       d.Latitude,
		Longitude:      d.Longitude,
		Week:           d.Week,
	}
	if d.AudioFile != nil {
		v.ClipPath = d.AudioFile.FilePath
	}
	return v
}

func (c *Controller) rowViews(rows []datastore.Detection) []DetectionView {
	views := make([]DetectionView, 0, len(rows))
	for i := range rows {
		views = append(views, c.rowView(&rows[i]))
	}
	return views
}

// detectionView renders a live bus event, which carries the new-species
// flag the stored row does not.
func (c *Controller) detectionView(ev events.Detection) DetectionView {
	return DetectionView{
		ID:             ev.ID,
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339),
		ScientificName: ev.ScientificName,
		CommonName:     ev.CommonName,
		DisplayName:    c.displayName(ev.CommonName, ev.ScientificName),
		Confidence:     ev.Confidence,
		Latitude:       ev.Latitude,
		Longitude:      ev.Longitude,
		Week:           ev.Week,
		ClipPath:       ev.ClipPath,
		NewSpecies:     ev.NewSpecies,
	}
}

func weatherView(w *datastore.Weather) *WeatherView {
	v := &WeatherView{
		TimestampHour: w.TimestampHour.UTC().Format(time.RFC3339),
		TemperatureC:  w.TemperatureC,
		Humidity:      w.Humidity,
		PressureHPa:   w.PressureHPa,
		WindSpeedMS:   w.WindSpeedMS,
		Precipitation: w.Precipitation,
		CloudCover:    w.CloudCover,
		Source:        w.Source,
	}
	if w.Sunrise != nil {
		s := w.Sunrise.UTC().Format(time.RFC3339)
		v.Sunrise = &s
	}
	if w.Sunset != nil {
		s := w.Sunset.UTC().Format(time.RFC3339)
		v.Sunset = &s
	}
	return v
}

func newPagination(page, perPage int, total int64) Pagination {
	totalPages := int((total + int64(perPage) - 1) / int64(perPage))
	return Pagination{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
