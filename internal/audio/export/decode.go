package export

import (
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/avibox/avibox/internal/errors"
)

// Info describes an audio clip on disk.
type Info struct {
	SampleRate   int
	TotalSamples int
	NumChannels  int
	BitDepth     int
}

// ChunkCallback receives consecutive mono analysis windows. The slice is
// reused between calls; copy it to retain.
type ChunkCallback func(chunk []float32) error

// ChunkConfig shapes the windows handed to the callback. Windows are
// WindowSeconds long at TargetRate, advancing by WindowSeconds-Overlap; a
// trailing remainder of at least MinSeconds is zero-padded to a full window,
// anything shorter is discarded.
type ChunkConfig struct {
	TargetRate    int
	WindowSeconds float64
	MinSeconds    float64
	Overlap       float64
}

func (cfg ChunkConfig) validate() error {
	if cfg.TargetRate <= 0 {
		return errors.Newf("target rate must be positive, got %d", cfg.TargetRate).
			Component("export").Category(errors.CategoryValidation).Build()
	}
	if cfg.WindowSeconds <= 0 {
		return errors.Newf("window length must be positive, got %g", cfg.WindowSeconds).
			Component("export").Category(errors.CategoryValidation).Build()
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.WindowSeconds {
		return errors.Newf("overlap %g out of range [0, %g)", cfg.Overlap, cfg.WindowSeconds).
			Component("export").Category(errors.CategoryValidation).Build()
	}
	return nil
}

// ReadInfo reads the format header of a WAV or FLAC clip.
func ReadInfo(path string) (Info, error) {
	file, err := os.Open(path)
	if err != nil {
		return Info{}, errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "read_info").
			Context("path", path).
			Build()
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return readWAVInfo(file)
	case ".flac":
		return readFLACInfo(file)
	default:
		return Info{}, unsupportedExtension(path)
	}
}

// ReadChunks decodes a WAV or FLAC clip into mono analysis windows.
func ReadChunks(path string, cfg ChunkConfig, callback ChunkCallback) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "read_chunks").
			Context("path", path).
			Build()
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return readWAVChunks(file, cfg, callback)
	case ".flac":
		return readFLACChunks(file, cfg, callback)
	default:
		return unsupportedExtension(path)
	}
}

func unsupportedExtension(path string) error {
	return errors.Newf("unsupported audio format: %s", filepath.Ext(path)).
		Component("export").
		Category(errors.CategoryValidation).
		Context("operation", "decode_clip").
		Context("path", path).
		Context("supported_formats", "wav,flac").
		Build()
}

func readWAVInfo(file *os.File) (Info, error) {
	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()

	if !decoder.IsValidFile() {
		return Info{}, errors.Newf("invalid WAV file format").
			Component("export").Category(errors.CategoryFileIO).Build()
	}
	if _, err := sampleDivisor(int(decoder.BitDepth)); err != nil {
		return Info{}, err
	}
	if decoder.NumChans != 1 && decoder.NumChans != 2 {
		return Info{}, errors.Newf("unsupported number of channels: %d", decoder.NumChans).
			Component("export").Category(errors.CategoryFileIO).Build()
	}

	stat, err := file.Stat()
	if err != nil {
		return Info{}, err
	}
	bytesPerSample := int(decoder.BitDepth / 8)
	totalSamples := int(stat.Size()) / bytesPerSample / int(decoder.NumChans)

	return Info{
		SampleRate:   int(decoder.SampleRate),
		TotalSamples: totalSamples,
		NumChannels:  int(decoder.NumChans),
		BitDepth:     int(decoder.BitDepth),
	}, nil
}

func readFLACInfo(file *os.File) (Info, error) {
	decoder, err := flac.NewDecoder(file)
	if err != nil {
		return Info{}, errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "read_flac_info").
			Build()
	}

	return Info{
		SampleRate:   decoder.SampleRate,
		TotalSamples: int(decoder.TotalSamples),
		NumChannels:  decoder.NChannels,
		BitDepth:     decoder.BitsPerSample,
	}, nil
}

// wavReadBufferSamples buffers about 24 seconds of 48 kHz mono per read.
const wavReadBufferSamples = 1_152_000

func readWAVChunks(file *os.File, cfg ChunkConfig, callback ChunkCallback) error {
	decoder := wav.NewDecoder(file)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return errors.Newf("invalid WAV file format").
			Component("export").Category(errors.CategoryFileIO).Build()
	}

	divisor, err := sampleDivisor(int(decoder.BitDepth))
	if err != nil {
		return err
	}
	channels := int(decoder.NumChans)
	sourceRate := int(decoder.SampleRate)

	chunks := newChunker(cfg, callback)
	buf := &audio.IntBuffer{
		Data:   make([]int, wavReadBufferSamples),
		Format: &audio.Format{SampleRate: sourceRate, NumChannels: channels},
	}

	for {
		n, err := decoder.PCMBuffer(buf)
		if err != nil {
			return errors.New(err).
				Component("export").
				Category(errors.CategoryFileIO).
				Context("operation", "decode_wav").
				Build()
		}
		if n == 0 {
			break
		}

		floatChunk := make([]float32, 0, n)
		for _, sample := range buf.Data[:n] {
			floatChunk = append(floatChunk, float32(sample)/divisor)
		}
		floatChunk = downmix(floatChunk, channels)

		if sourceRate != cfg.TargetRate {
			floatChunk, err = Resample(floatChunk, sourceRate, cfg.TargetRate)
			if err != nil {
				return err
			}
		}
		if err := chunks.push(floatChunk); err != nil {
			return err
		}
	}

	return chunks.flush()
}

func readFLACChunks(file *os.File, cfg ChunkConfig, callback ChunkCallback) error {
	decoder, err := flac.NewDecoder(file)
	if err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "decode_flac").
			Build()
	}

	divisor, err := sampleDivisor(decoder.BitsPerSample)
	if err != nil {
		return err
	}
	bytesPerSample := decoder.BitsPerSample / 8
	channels := decoder.NChannels

	chunks := newChunker(cfg, callback)

	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.New(err).
				Component("export").
				Category(errors.CategoryFileIO).
				Context("operation", "decode_flac").
				Build()
		}

		floatChunk := make([]float32, 0, len(frame)/bytesPerSample)
		for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
			floatChunk = append(floatChunk, float32(decodeSample(frame[i:], decoder.BitsPerSample))/divisor)
		}
		floatChunk = downmix(floatChunk, channels)

		if decoder.SampleRate != cfg.TargetRate {
			floatChunk, err = Resample(floatChunk, decoder.SampleRate, cfg.TargetRate)
			if err != nil {
				return err
			}
		}
		if err := chunks.push(floatChunk); err != nil {
			return err
		}
	}

	return chunks.flush()
}

// decodeSample reads one little-endian signed sample of the given bit depth.
func decodeSample(data []byte, bitDepth int) int32 {
	switch bitDepth {
	case 16:
		return int32(int16(binary.LittleEndian.Uint16(data)))
	case 24:
		// sign-extend the 24-bit value
		return (int32(data[0]) | int32(data[1])<<8 | int32(data[2])<<16) << 8 >> 8
	default:
		return int32(binary.LittleEndian.Uint32(data))
	}
}

func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, errors.Newf("unsupported bit depth: %d", bitDepth).
			Component("export").
			Category(errors.CategoryFileIO).
			Build()
	}
}

// downmix averages interleaved channels into mono in place.
func downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	mono := samples[:0]
	for i := 0; i+channels <= len(samples); i += channels {
		var sum float32
		for c := range channels {
			sum += samples[i+c]
		}
		mono = append(mono, sum/float32(channels))
	}
	return mono
}

// chunker accumulates mono samples and emits fixed windows.
type chunker struct {
	window int
	step   int
	min    int
	buf    []float32
	cb     ChunkCallback
}

func newChunker(cfg ChunkConfig, cb ChunkCallback) *chunker {
	rate := float64(cfg.TargetRate)
	window := int(math.Round(cfg.WindowSeconds * rate))
	step := int((cfg.WindowSeconds - cfg.Overlap) * rate)
	if step <= 0 || step > window {
		step = window
	}
	return &chunker{
		window: window,
		step:   step,
		min:    int(cfg.MinSeconds * rate),
		cb:     cb,
	}
}

func (c *chunker) push(samples []float32) error {
	c.buf = append(c.buf, samples...)
	for len(c.buf) >= c.window {
		if err := c.cb(c.buf[:c.window]); err != nil {
			return err
		}
		c.buf = c.buf[c.step:]
	}
	return nil
}

// flush emits the trailing partial window, zero-padded, when it is at least
// the configured minimum; shorter remainders are discarded.
func (c *chunker) flush() error {
	if len(c.buf) == 0 || len(c.buf) < c.min {
		return nil
	}
	if len(c.buf) < c.window {
		c.buf = append(c.buf, make([]float32, c.window-len(c.buf))...)
	}
	return c.cb(c.buf[:c.window])
}

// Resample converts between sample rates using cubic interpolation.
func Resample(samples []float32, originalRate, targetRate int) ([]float32, error) {
	if originalRate == targetRate {
		return samples, nil
	}
	if originalRate <= 0 || targetRate <= 0 {
		return nil, errors.Newf("invalid sample rates: %d -> %d", originalRate, targetRate).
			Component("export").Category(errors.CategoryValidation).Build()
	}
	if len(samples) < 4 {
		return nil, errors.Newf("too few samples to resample: %d", len(samples)).
			Component("export").Category(errors.CategoryValidation).Build()
	}

	ratio := float64(targetRate) / float64(originalRate)
	newLength := int(float64(len(samples)) * ratio)
	resampled := make([]float32, newLength)

	lastIndex := len(samples) - 3

	for i := range newLength {
		origPos := float64(i) / ratio
		index := int(origPos)

		if index < 1 {
			index = 1
		} else if index > lastIndex {
			index = lastIndex
		}

		frac := float32(origPos) - float32(index)

		y0, y1, y2, y3 := samples[index-1], samples[index], samples[index+1], samples[index+2]
		mu2 := frac * frac
		a0 := -0.5*y0 + 1.5*y1 - 1.5*y2 + 0.5*y3
		a1 := y0 - 2.5*y1 + 2*y2 - 0.5*y3
		a2 := -0.5*y0 + 0.5*y2
		a3 := y1

		resampled[i] = a0*frac*mu2 + a1*mu2 + a2*frac + a3
	}

	return resampled, nil
}
