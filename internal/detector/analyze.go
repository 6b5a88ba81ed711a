package detector

import (
	"math"
	"sort"
	"time"

	tflite "github.com/tphakala/go-tflite"

	"github.com/avibox/avibox/internal/errors"
)

// Prediction is one scored species for a single analysis window.
type Prediction struct {
	Label          string // raw model label "<scientific>_<common>"
	ScientificName string
	CommonName     string
	Confidence     float64
}

// minPrivacyKeep is the floor of the privacy truncation: at least this many
// top predictions survive regardless of the configured percentage.
const minPrivacyKeep = 10

// Predict runs one 3-second window through the audio model and returns the
// scored predictions, sorted descending and privacy-truncated. The caller
// applies the confidence threshold and the region filter.
func (d *Detector) Predict(window []float32) ([]Prediction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	input := d.audioInterpreter.GetInputTensor(0)
	if input == nil {
		return nil, errors.Newf("cannot get input tensor").
			Component("detector").
			Category(errors.CategoryModelInit).
			Build()
	}
	copy(input.Float32s(), window)

	if status := d.audioInterpreter.Invoke(); status != tflite.OK {
		return nil, errors.Newf("tensor invoke failed: %v", status).
			Component("detector").
			Category(errors.CategoryGeneric).
			Context("status_code", int(status)).
			Build()
	}

	output := d.audioInterpreter.GetOutputTensor(0)
	raw := extractPredictions(output)
	confidence := applySigmoid(raw, d.settings.Model.SensitivitySetting)

	results, err := pairLabelsAndConfidence(d.labels, confidence)
	if err != nil {
		return nil, err
	}

	sortByConfidence(results)
	return truncateForPrivacy(results, d.settings.Model.PrivacyThreshold), nil
}

// customSigmoid maps a raw logit to [0,1]; sensitivity steepens or flattens
// the curve around zero.
func customSigmoid(x, sensitivity float64) float64 {
	return 1.0 / (1.0 + math.Exp(-sensitivity*x))
}

func applySigmoid(predictions []float32, sensitivity float64) []float64 {
	confidence := make([]float64, len(predictions))
	for i, pred := range predictions {
		confidence[i] = customSigmoid(float64(pred), sensitivity)
	}
	return confidence
}

// pairLabelsAndConfidence zips model outputs with the label set. A length
// mismatch means the labels file does not belong to the model.
func pairLabelsAndConfidence(labels []string, confidence []float64) ([]Prediction, error) {
	if len(labels) != len(confidence) {
		return nil, errors.Newf("mismatched labels and predictions lengths: %d vs %d", len(labels), len(confidence)).
			Component("detector").
			Category(errors.CategoryValidation).
			Build()
	}
	results := make([]Prediction, len(labels))
	for i, label := range labels {
		scientific, common := SplitLabel(label)
		results[i] = Prediction{
			Label:          label,
			ScientificName: scientific,
			CommonName:     common,
			Confidence:     confidence[i],
		}
	}
	return results, nil
}

func sortByConfidence(results []Prediction) {
	sort.Slice(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
}

// truncateForPrivacy keeps only the top max(10, ⌊n·percent/100⌋) predictions.
// Everything below the cut is suppressed outright so that low-ranked labels,
// human speech among them, never leave the detector.
func truncateForPrivacy(results []Prediction, percent float64) []Prediction {
	keep := int(float64(len(results)) * percent / 100.0)
	if keep < minPrivacyKeep {
		keep = minPrivacyKeep
	}
	if len(results) > keep {
		return results[:keep]
	}
	return results
}

func extractPredictions(tensor *tflite.Tensor) []float32 {
	predSize := tensor.Dim(tensor.NumDims() - 1)
	predictions := make([]float32, predSize)
	copy(predictions, tensor.Float32s())
	return predictions
}

// WeekOf maps a date onto the 48-week model calendar: four weeks per month,
// the fourth absorbing days 22 through 31.
func WeekOf(t time.Time) int {
	month := int(t.Month())
	week := (t.Day() + 6) / 7
	if week > 4 {
		week = 4
	}
	return (month-1)*4 + week
}

// metadataVector builds the 6-element model input
// [lat, lon, week_encoded, mask_lat, mask_lon, mask_week]. A coordinate of
// −1 means "unknown" and clears its mask; a week outside [1,48] encodes as
// −1 with mask 0.
func metadataVector(lat, lon float64, week int) [6]float32 {
	v := [6]float32{float32(lat), float32(lon), -1, 1, 1, 0}
	if lat == -1 {
		v[3] = 0
	}
	if lon == -1 {
		v[4] = 0
	}
	if week >= 1 && week <= 48 {
		v[2] = float32(math.Cos(float64(week)*7.5*math.Pi/180.0) + 1.0)
		v[5] = 1
	}
	return v
}
