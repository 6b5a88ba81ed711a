package analysis

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/avibox/avibox/internal/datastore"
	"github.com/avibox/avibox/internal/detector"
	"github.com/avibox/avibox/internal/events"
)

// storeTimeout bounds one detection insert; the writer stage must keep
// draining during shutdown even if the database stalls.
const storeTimeout = 10 * time.Second

// runInference scores every window and forwards the ones with at least one
// prediction clearing the confidence threshold. A failed inference drops the
// window; the stream continues.
func (p *Pipeline) runInference(in <-chan Window, out chan<- scoredWindow) error {
	defer close(out)

	lat := p.settings.Location.Latitude
	lon := p.settings.Location.Longitude
	threshold := p.settings.Model.SpeciesConfidenceThreshold

	for w := range in {
		start := time.Now()
		preds, err := p.model.Predict(w.Samples)
		p.metrics.Pipeline.InferenceDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.Pipeline.WindowsDropped.Inc()
			p.logger.Error("inference failed, dropping window", "error", err)
			continue
		}
		p.metrics.Pipeline.WindowsProcessed.Inc()

		week := detector.WeekOf(w.Start)
		plausible, err := p.model.ProbableSpecies(lat, lon, week)
		if err != nil {
			// Filtering is best effort: a broken metadata model must not
			// stop detection.
			p.logger.Error("region filter unavailable", "error", err)
			plausible = nil
		}
		preds = p.model.FilterPredictions(preds, plausible)

		var hits []detector.Prediction
		for _, pred := range preds {
			if pred.Confidence >= threshold {
				hits = append(hits, pred)
			}
		}
		if len(hits) == 0 {
			continue
		}
		out <- scoredWindow{window: w, preds: hits}
	}
	return nil
}

// runWriter persists every qualifying prediction and publishes it. The stage
// drains its channel fully, so buffered detections survive shutdown.
func (p *Pipeline) runWriter(in <-chan scoredWindow) error {
	for sw := range in {
		for i := range sw.preds {
			p.writeDetection(sw.window, sw.preds[i])
		}
	}
	return nil
}

// writeDetection exports the clip when enabled, inserts the detection, and
// publishes it on the bus. Store failures drop the detection with a counter;
// there is no retry queue.
func (p *Pipeline) writeDetection(w Window, pred detector.Prediction) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	clip := p.exportClip(w, pred)

	// First-seen is resolved before the insert so the row being written
	// cannot count as its own precedent.
	newSpecies := false
	daysSinceFirst := 0
	firstSeen, found, err := p.store.SpeciesFirstSeen(ctx, pred.ScientificName)
	switch {
	case err != nil:
		p.logger.Error("first-seen lookup failed", "error", err, "scientific_name", pred.ScientificName)
	case !found:
		newSpecies = true
	default:
		daysSinceFirst = int(w.Start.Sub(firstSeen).Hours() / 24)
	}

	lat, lon := p.coordinates()
	det := &datastore.Detection{
		ID:             uuid.NewString(),
		Timestamp:      w.Start,
		ScientificName: pred.ScientificName,
		CommonName:     pred.CommonName,
		SpeciesTensor:  pred.Label,
		Confidence:     pred.Confidence,
		Latitude:       lat,
		Longitude:      lon,

		SpeciesConfidenceThreshold: p.settings.Model.SpeciesConfidenceThreshold,
		SensitivitySetting:         p.settings.Model.SensitivitySetting,
		Overlap:                    p.settings.Audio.Overlap,
		Week:                       detector.WeekOf(w.Start),
	}

	if err := p.store.SaveDetection(ctx, det, clip); err != nil {
		p.metrics.Pipeline.StoreDrops.Inc()
		p.metrics.Datastore.InsertErrors.Inc()
		p.logger.Error("store insert failed, dropping detection",
			"error", err,
			"scientific_name", pred.ScientificName,
			"confidence", pred.Confidence)
		return
	}
	p.metrics.Datastore.Inserts.Inc()
	p.metrics.Pipeline.DetectionsTotal.WithLabelValues(pred.ScientificName).Inc()

	event := events.Detection{
		ID:                 det.ID,
		Timestamp:          det.Timestamp,
		ScientificName:     det.ScientificName,
		CommonName:         det.CommonName,
		SpeciesTensor:      det.SpeciesTensor,
		Confidence:         det.Confidence,
		Latitude:           det.Latitude,
		Longitude:          det.Longitude,
		Week:               det.Week,
		NewSpecies:         newSpecies,
		DaysSinceFirstSeen: daysSinceFirst,
	}
	if clip != nil {
		event.ClipPath = clip.FilePath
	}
	p.bus.TryPublish(event)

	p.logger.Info("detection",
		"common_name", pred.CommonName,
		"scientific_name", pred.ScientificName,
		"confidence", pred.Confidence,
		"new_species", newSpecies)
}

// exportClip writes the window PCM to disk when export is enabled. Export
// failure is logged and the detection proceeds without a clip.
func (p *Pipeline) exportClip(w Window, pred detector.Prediction) *datastore.AudioFile {
	if !p.settings.Audio.Export.Enabled {
		return nil
	}
	path, err := p.exporter.Write(pred.ScientificName, pred.Confidence, w.Start, w.PCM)
	if err != nil {
		p.logger.Warn("clip export failed", "error", err, "scientific_name", pred.ScientificName)
		return nil
	}
	clip := &datastore.AudioFile{
		ID:              uuid.NewString(),
		FilePath:        path,
		DurationSeconds: detector.WindowSeconds,
	}
	if info, err := os.Stat(path); err == nil {
		clip.SizeBytes = info.Size()
	}
	return clip
}

// coordinates maps the configured location onto nullable detection fields;
// the -1 sentinel means "not configured".
func (p *Pipeline) coordinates() (lat, lon *float64) {
	if p.settings.Location.Latitude != -1 {
		v := p.settings.Location.Latitude
		lat = &v
	}
	if p.settings.Location.Longitude != -1 {
		v := p.settings.Location.Longitude
		lon = &v
	}
	return lat, lon
}
