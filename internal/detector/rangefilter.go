package detector

import (
	"math"

	tflite "github.com/tphakala/go-tflite"

	"github.com/avibox/avibox/internal/errors"
)

// Detection modes for the region filter.
const (
	ModeOff    = "off"
	ModeWarn   = "warn"   // log implausible species, keep them
	ModeFilter = "filter" // discard implausible species before thresholding
)

// rangeKey identifies one region-filter computation; the cache holds exactly
// one entry and is recomputed whenever any component changes.
type rangeKey struct {
	lat, lon float64
	week     int
}

// strictnessFloor maps the configured strictness to the minimum metadata
// score a species needs to be considered plausible for the location.
func strictnessFloor(strictness string) float64 {
	switch strictness {
	case "vagrant":
		return 0.01
	case "rare":
		return 0.03
	case "uncommon":
		return 0.05
	case "common":
		return 0.10
	default:
		return 0.03
	}
}

// h3EdgeKm approximates the average hexagon edge length for an H3 grid
// resolution, used to place neighbour sample points.
func h3EdgeKm(resolution int) float64 {
	edges := []float64{
		1107.71, 418.68, 158.24, 59.81, 22.61, 8.54, 3.23, 1.22,
		0.461, 0.174, 0.0659, 0.0249, 0.00941, 0.00356, 0.00135, 0.000509,
	}
	if resolution < 0 {
		resolution = 0
	}
	if resolution >= len(edges) {
		resolution = len(edges) - 1
	}
	return edges[resolution]
}

// ProbableSpecies returns metadata-model scores for every species plausible
// at (lat, lon) in the given week, keyed by raw label. The result is cached
// until any of the three inputs changes. A nil map with nil error means the
// filter is unavailable (no metadata model, or no usable location).
func (d *Detector) ProbableSpecies(lat, lon float64, week int) (map[string]float64, error) {
	if d.metaInterpreter == nil {
		return nil, nil
	}
	if lat == -1 && lon == -1 {
		return nil, nil
	}

	key := rangeKey{lat: lat, lon: lon, week: week}

	d.rangeMu.RLock()
	if d.rangeValid && d.rangeKey == key {
		out := make(map[string]float64, len(d.rangeCache))
		for k, v := range d.rangeCache {
			out[k] = v
		}
		d.rangeMu.RUnlock()
		return out, nil
	}
	d.rangeMu.RUnlock()

	scores, err := d.computeRangeScores(lat, lon, week)
	if err != nil {
		return nil, err
	}

	floor := strictnessFloor(d.settings.RangeFilter.Strictness)
	plausible := make(map[string]float64, len(scores))
	for label, score := range scores {
		if score >= floor {
			plausible[label] = score
		}
	}

	d.rangeMu.Lock()
	d.rangeKey = key
	d.rangeValid = true
	d.rangeCache = plausible
	d.rangeMu.Unlock()

	getLogger().Info("region filter recomputed",
		"latitude", lat, "longitude", lon, "week", week,
		"strictness", d.settings.RangeFilter.Strictness,
		"species_count", len(plausible))

	out := make(map[string]float64, len(plausible))
	for k, v := range plausible {
		out[k] = v
	}
	return out, nil
}

// InvalidateRangeCache forces recomputation on the next ProbableSpecies
// call, for location or model changes that bypass the key comparison.
func (d *Detector) InvalidateRangeCache() {
	d.rangeMu.Lock()
	d.rangeValid = false
	d.rangeCache = nil
	d.rangeMu.Unlock()
}

// computeRangeScores samples the metadata model at the core location plus
// the configured neighbour rings, blending adjacent weeks when temporal
// adjustment is on. Per species the best weighted score wins.
func (d *Detector) computeRangeScores(lat, lon float64, week int) (map[string]float64, error) {
	rf := &d.settings.RangeFilter

	scores, err := d.weekAdjustedScores(lat, lon, week)
	if err != nil {
		return nil, err
	}
	coreMult := rf.Quality.Core
	if coreMult <= 0 {
		coreMult = 1.0
	}
	for label := range scores {
		scores[label] *= coreMult
	}

	if rf.NeighborRings > 0 && rf.Quality.Neighbor > 0 {
		edgeKm := h3EdgeKm(rf.H3Resolution)
		for ring := 1; ring <= rf.NeighborRings; ring++ {
			for dir := 0; dir < 6; dir++ {
				nlat, nlon := offsetCoordinate(lat, lon, edgeKm*float64(ring), float64(dir)*60.0)
				neighbor, err := d.weekAdjustedScores(nlat, nlon, week)
				if err != nil {
					return nil, err
				}
				for label, s := range neighbor {
					weighted := s * rf.Quality.Neighbor
					if weighted > scores[label] {
						scores[label] = weighted
					}
				}
			}
		}
	}

	return scores, nil
}

// weekAdjustedScores invokes the metadata model for the target week and,
// when temporal adjustment is enabled, its neighbouring weeks with falloff
// weighting; the best weighted score per species wins.
func (d *Detector) weekAdjustedScores(lat, lon float64, week int) (map[string]float64, error) {
	scores, err := d.invokeMetaModel(lat, lon, week)
	if err != nil {
		return nil, err
	}

	ta := &d.settings.RangeFilter.Temporal
	if !ta.Enabled || ta.WeekWindow <= 0 {
		return scores, nil
	}

	weight := 1.0
	for dw := 1; dw <= ta.WeekWindow; dw++ {
		weight *= ta.Falloff
		if weight <= 0 {
			break
		}
		for _, w := range []int{wrapWeek(week - dw), wrapWeek(week + dw)} {
			neighbor, err := d.invokeMetaModel(lat, lon, w)
			if err != nil {
				return nil, err
			}
			for label, s := range neighbor {
				if weighted := s * weight; weighted > scores[label] {
					scores[label] = weighted
				}
			}
		}
	}
	return scores, nil
}

// wrapWeek keeps a week index on the circular 48-week calendar.
func wrapWeek(week int) int {
	week = ((week - 1) % 48)
	if week < 0 {
		week += 48
	}
	return week + 1
}

// invokeMetaModel runs one metadata-model inference and pairs the output
// with the label set.
func (d *Detector) invokeMetaModel(lat, lon float64, week int) (map[string]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	input := d.metaInterpreter.GetInputTensor(0)
	if input == nil {
		return nil, errors.Newf("cannot get metadata model input tensor").
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}

	vector := metadataVector(lat, lon, week)
	float32s := input.Float32s()
	if len(float32s) < len(vector) {
		return nil, errors.Newf("metadata input tensor too small: need %d, have %d", len(vector), len(float32s)).
			Component("detector").
			Category(errors.CategoryValidation).
			Build()
	}
	copy(float32s, vector[:])

	if status := d.metaInterpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("metadata model invoke failed: %v", status).
			Component("detector").
			Category(errors.CategoryGeneric).
			Context("status_code", int(status)).
			Build()
	}

	output := d.metaInterpreter.GetOutputTensor(0)
	outputSize := output.Dim(output.NumDims() - 1)
	raw := make([]float32, outputSize)
	copy(raw, output.Float32s())

	scores := make(map[string]float64, len(d.labels))
	for i, label := range d.labels {
		if i >= len(raw) {
			break
		}
		scores[label] = float64(raw[i])
	}
	return scores, nil
}

// offsetCoordinate moves (lat, lon) by distanceKm along a compass bearing in
// degrees, using a local flat-earth approximation good enough for the few
// tens of kilometres the neighbour search spans.
func offsetCoordinate(lat, lon, distanceKm, bearingDeg float64) (float64, float64) {
	const kmPerDegLat = 111.32
	rad := bearingDeg * math.Pi / 180.0
	dLat := distanceKm * math.Cos(rad) / kmPerDegLat
	kmPerDegLon := kmPerDegLat * math.Cos(lat*math.Pi/180.0)
	var dLon float64
	if kmPerDegLon > 1e-9 {
		dLon = distanceKm * math.Sin(rad) / kmPerDegLon
	}
	return clampLat(lat + dLat), wrapLon(lon + dLon)
}

func clampLat(lat float64) float64 {
	if lat > 90 {
		return 90
	}
	if lat < -90 {
		return -90
	}
	return lat
}

func wrapLon(lon float64) float64 {
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return lon
}

// FilterPredictions applies the configured detection mode to a prediction
// list using the plausible-species map. In "warn" mode implausible species
// are logged and kept; in "filter" mode they are removed. A nil map passes
// everything through.
func (d *Detector) FilterPredictions(predictions []Prediction, plausible map[string]float64) []Prediction {
	mode := d.settings.RangeFilter.DetectionMode
	if mode == ModeOff || !d.settings.RangeFilter.Enabled || plausible == nil {
		return predictions
	}

	switch mode {
	case ModeWarn:
		for i := range predictions {
			if _, ok := plausible[predictions[i].Label]; !ok {
				getLogger().Warn("species not plausible for location",
					"species", predictions[i].ScientificName,
					"confidence", predictions[i].Confidence)
			}
		}
		return predictions
	case ModeFilter:
		kept := predictions[:0]
		for i := range predictions {
			if _, ok := plausible[predictions[i].Label]; ok {
				kept = append(kept, predictions[i])
			}
		}
		return kept
	default:
		return predictions
	}
}
