// Package equalizer implements the biquad filters applied to captured audio
// before it reaches the pipes, based on Robert Bristow-Johnson's audio EQ
// cookbook.
//
// The capture filter chain supports the following stages:
//
//   - High-pass
//   - Low-pass
//   - Gain
//   - Passthrough
package equalizer

import (
	"fmt"
	"math"
	"sync"
)

// FilterName identifies the kind of digital filter.
type FilterName int

const (
	Undefined FilterName = iota
	HighPass
	LowPass
	Gain
	Passthrough
)

// String returns the configuration name of the filter kind.
func (n FilterName) String() string {
	switch n {
	case HighPass:
		return "highpass"
	case LowPass:
		return "lowpass"
	case Gain:
		return "gain"
	case Passthrough:
		return "passthrough"
	default:
		return "undefined"
	}
}

// Filter holds the digital filter parameters and the per-pass state of a
// direct form I biquad section.
type Filter struct {
	name FilterName

	// state variables, one set per pass
	in1  []float64
	in2  []float64
	out1 []float64
	out2 []float64

	// digital filter parameters
	a0 float64
	a1 float64
	a2 float64
	b0 float64
	b1 float64
	b2 float64

	// number of passes
	passes int

	// pre-computed coefficient ratios
	b0a0, b1a0, b2a0, a1a0, a2a0 float64
}

// IsZero returns true when f is not initialized.
func (f *Filter) IsZero() bool {
	return f.name == Undefined
}

// Name returns the filter kind.
func (f *Filter) Name() FilterName {
	return f.name
}

// NewFilter creates a Filter from raw coefficients with the specified number
// of passes.
func NewFilter(name FilterName, a0, a1, a2, b0, b1, b2 float64, passes int) *Filter {
	f := &Filter{
		name:   name,
		a0:     a0,
		a1:     a1,
		a2:     a2,
		b0:     b0,
		b1:     b1,
		b2:     b2,
		passes: passes,
		in1:    make([]float64, passes),
		in2:    make([]float64, passes),
		out1:   make([]float64, passes),
		out2:   make([]float64, passes),
	}

	f.b0a0 = b0 / a0
	f.b1a0 = b1 / a0
	f.b2a0 = b2 / a0
	f.a1a0 = a1 / a0
	f.a2a0 = a2 / a0

	return f
}

// ApplyBatch runs the filter over a batch of samples in place, once per
// configured pass.
func (f *Filter) ApplyBatch(input []float64) {
	for p := range f.passes {
		for i := range input {
			output := f.b0a0*input[i] + f.b1a0*f.in1[p] + f.b2a0*f.in2[p] -
				f.a1a0*f.out1[p] - f.a2a0*f.out2[p]

			f.in2[p] = f.in1[p]
			f.in1[p] = input[i]
			f.out2[p] = f.out1[p]
			f.out1[p] = output

			input[i] = output
		}
	}
}

func validateBiquad(sampleRate, frequency, q float64, passes int) error {
	if passes < 1 {
		return fmt.Errorf("passes must be 1 or greater")
	}
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %g", sampleRate)
	}
	if frequency <= 0 || frequency > sampleRate/2 {
		return fmt.Errorf("frequency %g Hz out of range (0, %g]", frequency, sampleRate/2)
	}
	if q <= 0 {
		return fmt.Errorf("q must be positive, got %g", q)
	}
	return nil
}

// NewHighPass returns the high-pass filter.
//
// Parameters:
//
//   - sampleRate ... sample rate in Hz, e.g. 48000.0
//   - frequency ... cut off frequency in Hz, must be in (0, sampleRate/2]
//   - q ... Q value, must be greater than 0
//   - passes ... number of passes (1 = 12dB/oct, 2 = 24dB/oct, 4 = 48dB/oct)
func NewHighPass(sampleRate, frequency, q float64, passes int) (*Filter, error) {
	if err := validateBiquad(sampleRate, frequency, q, passes); err != nil {
		return nil, err
	}

	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * q)

	return NewFilter(
		HighPass,
		1.0+alpha,
		-2.0*math.Cos(w0),
		1.0-alpha,
		(1.0+math.Cos(w0))/2.0,
		-1.0*(1.0+math.Cos(w0)),
		(1.0+math.Cos(w0))/2.0,
		passes,
	), nil
}

// NewLowPass returns the low-pass filter. Parameters as for NewHighPass.
func NewLowPass(sampleRate, frequency, q float64, passes int) (*Filter, error) {
	if err := validateBiquad(sampleRate, frequency, q, passes); err != nil {
		return nil, err
	}

	w0 := 2.0 * math.Pi * frequency / sampleRate
	alpha := math.Sin(w0) / (2.0 * q)

	return NewFilter(
		LowPass,
		1.0+alpha,
		-2.0*math.Cos(w0),
		1.0-alpha,
		(1.0-math.Cos(w0))/2.0,
		1.0-math.Cos(w0),
		(1.0-math.Cos(w0))/2.0,
		passes,
	), nil
}

// NewGain returns a flat gain stage scaling every sample by gainDB decibels.
// A single pass applies the full gain; extra passes stack it.
func NewGain(gainDB float64, passes int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("passes must be 1 or greater")
	}

	linear := math.Pow(10.0, gainDB/20.0)

	return NewFilter(Gain, 1.0, 0.0, 0.0, linear, 0.0, 0.0, passes), nil
}

// NewPassthrough returns a filter that leaves samples unchanged. It keeps a
// configured but inert chain stage addressable without special cases.
func NewPassthrough() *Filter {
	return NewFilter(Passthrough, 1.0, 0.0, 0.0, 1.0, 0.0, 0.0, 1)
}

// FilterChain is a sequence of filters applied in order.
type FilterChain struct {
	filters []*Filter
	mu      sync.RWMutex
}

// NewFilterChain creates an empty FilterChain.
func NewFilterChain() *FilterChain {
	return &FilterChain{
		filters: make([]*Filter, 0),
	}
}

// AddFilter appends a filter to the chain.
func (fc *FilterChain) AddFilter(f *Filter) error {
	if f == nil || f.IsZero() {
		return fmt.Errorf("cannot add nil or uninitialized audio EQ filter")
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()

	fc.filters = append(fc.filters, f)

	return nil
}

// Length returns the number of filters in the chain.
func (fc *FilterChain) Length() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.filters)
}

// ApplyBatch applies every filter in the chain to the batch in place.
func (fc *FilterChain) ApplyBatch(input []float64) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()

	for _, filter := range fc.filters {
		filter.ApplyBatch(input)
	}
}
