package audio

import (
	"encoding/binary"
	"strings"

	"github.com/avibox/avibox/internal/audio/equalizer"
	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
)

// FrameFilter applies the configured equalizer chain to raw 16-bit PCM
// frames before they are written to the pipes. The capture daemon owns one
// FrameFilter; there is no shared mutable state outside it.
type FrameFilter struct {
	chain *equalizer.FilterChain
}

// BuildFrameFilter assembles the capture filter chain from settings. A
// disabled equalizer yields an empty chain that leaves frames untouched.
// Stages configured with passes <= 0 are skipped.
func BuildFrameFilter(settings *conf.Settings) (*FrameFilter, error) {
	chain := equalizer.NewFilterChain()

	if settings.Audio.Equalizer.Enabled {
		sampleRate := float64(settings.Audio.SampleRate)
		for i, filterConfig := range settings.Audio.Equalizer.Filters {
			filter, err := createFilter(filterConfig, sampleRate)
			if err != nil {
				return nil, errors.New(err).
					Component("audio").
					Category(errors.CategoryConfiguration).
					Context("operation", "build_frame_filter").
					Context("filter_index", i).
					Context("filter_type", filterConfig.Type).
					Build()
			}
			if filter == nil {
				continue
			}
			if err := chain.AddFilter(filter); err != nil {
				return nil, errors.New(err).
					Component("audio").
					Category(errors.CategoryConfiguration).
					Context("operation", "build_frame_filter").
					Context("filter_index", i).
					Build()
			}
		}
	}

	return &FrameFilter{chain: chain}, nil
}

// createFilter creates a single chain stage. A stage with passes <= 0 is
// considered switched off and yields (nil, nil).
func createFilter(config conf.EqualizerFilter, sampleRate float64) (*equalizer.Filter, error) {
	if config.Passes <= 0 {
		return nil, nil
	}

	switch strings.ToLower(config.Type) {
	case "highpass":
		return equalizer.NewHighPass(sampleRate, config.Frequency, config.Q, config.Passes)
	case "lowpass":
		return equalizer.NewLowPass(sampleRate, config.Frequency, config.Q, config.Passes)
	case "gain":
		return equalizer.NewGain(config.Gain, config.Passes)
	case "passthrough":
		return equalizer.NewPassthrough(), nil
	default:
		return nil, errors.Newf("unknown filter type: %s", config.Type).
			Component("audio").
			Category(errors.CategoryConfiguration).
			Context("operation", "create_filter").
			Context("filter_type", config.Type).
			Context("supported_types", "highpass,lowpass,gain,passthrough").
			Build()
	}
}

// Length returns the number of active stages in the chain.
func (ff *FrameFilter) Length() int {
	return ff.chain.Length()
}

// Apply runs the chain over a frame of little-endian 16-bit PCM in place.
// Frames pass through untouched when the chain is empty.
func (ff *FrameFilter) Apply(samples []byte) error {
	if len(samples) == 0 {
		return errors.Newf("empty samples provided for filter application").
			Component("audio").
			Category(errors.CategoryValidation).
			Context("operation", "apply_filters").
			Build()
	}

	if len(samples)%2 != 0 {
		return errors.Newf("invalid sample length: %d bytes, must be even for 16-bit samples", len(samples)).
			Component("audio").
			Category(errors.CategoryValidation).
			Context("operation", "apply_filters").
			Context("sample_size", len(samples)).
			Build()
	}

	if ff.chain.Length() == 0 {
		return nil
	}

	floatSamples := make([]float64, len(samples)/2)
	for i := 0; i < len(samples); i += 2 {
		floatSamples[i/2] = float64(int16(binary.LittleEndian.Uint16(samples[i:]))) / 32768.0
	}

	ff.chain.ApplyBatch(floatSamples)

	for i, sample := range floatSamples {
		if sample > 1.0 {
			sample = 1.0
		} else if sample < -1.0 {
			sample = -1.0
		}
		intSample := int16(sample * 32767.0)
		binary.LittleEndian.PutUint16(samples[i*2:], uint16(intSample))
	}

	return nil
}
