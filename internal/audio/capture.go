// Package audio owns the capture device and the filter chain in front of
// the pipes. One CaptureSource wraps one miniaudio capture device; frames
// arrive on a bounded channel so a stalled consumer can never block the
// device callback.
package audio

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

const (
	// frameBufferDepth bounds the frame channel between the device callback
	// and the consumer.
	frameBufferDepth = 32

	// maxDeviceRestarts is the budget of consecutive failed device
	// reinitializations before capture gives up.
	maxDeviceRestarts = 10

	// stableRunWindow resets the restart budget once a device has been
	// capturing this long.
	stableRunWindow = 60 * time.Second

	restartBackoffStart = 100 * time.Millisecond
	restartBackoffMax   = 5 * time.Second
)

// errDeviceStopped marks an unexpected device stop that warrants a restart.
var errDeviceStopped = errors.NewStd("audio: capture device stopped")

// Device describes one available capture device.
type Device struct {
	Index   int
	Name    string
	ID      string
	Default bool
}

// LevelData is the scaled loudness of one frame.
type LevelData struct {
	Level    int // 0..100
	Clipping bool
}

// CaptureSource pumps PCM frames from one capture device. Frames() yields
// copies of the device buffers; the channel is closed when Run returns.
type CaptureSource struct {
	settings *conf.Settings
	logger   *slog.Logger

	frames   chan []byte
	dropped  atomic.Uint64
	restarts atomic.Uint64
}

// NewCaptureSource prepares a capture source for the configured device.
func NewCaptureSource(settings *conf.Settings) *CaptureSource {
	return &CaptureSource{
		settings: settings,
		logger:   logging.ForService("audio"),
		frames:   make(chan []byte, frameBufferDepth),
	}
}

// Frames returns the channel of captured PCM frames.
func (cs *CaptureSource) Frames() <-chan []byte {
	return cs.frames
}

// Dropped returns how many frames were discarded because the consumer fell
// behind.
func (cs *CaptureSource) Dropped() uint64 {
	return cs.dropped.Load()
}

// Restarts returns how many times the device was reinitialized after an
// unexpected stop.
func (cs *CaptureSource) Restarts() uint64 {
	return cs.restarts.Load()
}

// Run opens the device and pumps frames until ctx is cancelled or the
// restart budget is exhausted. The frames channel is closed on return;
// Run must be called at most once.
func (cs *CaptureSource) Run(ctx context.Context) error {
	defer close(cs.frames)

	attempts := 0
	for {
		started := time.Now()
		err := cs.captureOnce(ctx)
		if ctx.Err() != nil {
			cs.logger.Info("capture stopped", "reason", "shutdown")
			return nil
		}
		if err == nil {
			return nil
		}

		// A stretch of stable capture forgives earlier failures.
		if time.Since(started) > stableRunWindow {
			attempts = 0
		}
		attempts++
		cs.restarts.Add(1)
		if attempts > maxDeviceRestarts {
			return errors.New(err).
				Component("audio").
				Category(errors.CategoryAudio).
				Context("operation", "capture_run").
				Context("restart_attempts", attempts-1).
				Build()
		}

		backoff := restartBackoffStart << (attempts - 1)
		if backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
		cs.logger.Warn("capture device lost, restarting",
			"error", err, "attempt", attempts, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

// captureOnce owns one full device lifetime: context init, device init,
// start, and the wait for shutdown or an unexpected stop.
func (cs *CaptureSource) captureOnce(ctx context.Context) error {
	malgoCtx, err := malgo.InitContext(backendsForOS(), malgo.ContextConfig{}, func(message string) {
		cs.logger.Debug("miniaudio", "message", strings.TrimSpace(message))
	})
	if err != nil {
		return errors.New(err).
			Component("audio").
			Category(errors.CategoryAudio).
			Context("operation", "init_context").
			Build()
	}
	defer malgoCtx.Uninit() //nolint:errcheck

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cs.settings.Audio.Channels)
	deviceConfig.SampleRate = uint32(cs.settings.Audio.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	deviceName := "system default"
	if idx := cs.settings.Audio.DeviceIndex; idx >= 0 {
		infos, err := malgoCtx.Devices(malgo.Capture)
		if err != nil {
			return errors.New(err).
				Component("audio").
				Category(errors.CategoryAudio).
				Context("operation", "list_devices").
				Build()
		}
		if idx >= len(infos) {
			return errors.Newf("audio device index %d out of range, %d devices available", idx, len(infos)).
				Component("audio").
				Category(errors.CategoryConfiguration).
				Context("operation", "select_device").
				Build()
		}
		deviceConfig.Capture.DeviceID = infos[idx].ID.Pointer()
		deviceName = infos[idx].Name()
	}

	restart := make(chan struct{}, 1)

	onReceiveFrames := func(_, pSamples []byte, frameCount uint32) {
		cs.push(pSamples)
	}

	// Called on any device stop. During shutdown the context is already
	// cancelled and the signal is ignored.
	onStopDevice := func() {
		select {
		case restart <- struct{}{}:
		default:
		}
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onReceiveFrames,
		Stop: onStopDevice,
	})
	if err != nil {
		return errors.New(err).
			Component("audio").
			Category(errors.CategoryAudio).
			Context("operation", "init_device").
			Context("device", deviceName).
			Build()
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return errors.New(err).
			Component("audio").
			Category(errors.CategoryAudio).
			Context("operation", "start_device").
			Context("device", deviceName).
			Build()
	}

	cs.logger.Info("listening on capture device",
		"device", deviceName,
		"sample_rate", cs.settings.Audio.SampleRate,
		"channels", cs.settings.Audio.Channels)

	select {
	case <-ctx.Done():
		_ = device.Stop()
		return nil
	case <-restart:
		return errDeviceStopped
	}
}

// push copies one device buffer onto the frame channel. When the channel is
// full the oldest queued frame is evicted so live audio keeps flowing.
func (cs *CaptureSource) push(samples []byte) {
	if len(samples) == 0 {
		return
	}
	frame := make([]byte, len(samples))
	copy(frame, samples)

	select {
	case cs.frames <- frame:
		return
	default:
	}
	select {
	case <-cs.frames:
		cs.dropped.Add(1)
	default:
	}
	select {
	case cs.frames <- frame:
	default:
		cs.dropped.Add(1)
	}
}

// backendsForOS picks the native audio backend; nil lets miniaudio choose.
func backendsForOS() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	default:
		return nil
	}
}

// ListDevices enumerates the available capture devices.
func ListDevices() ([]Device, error) {
	malgoCtx, err := malgo.InitContext(backendsForOS(), malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component("audio").
			Category(errors.CategoryAudio).
			Context("operation", "init_context").
			Build()
	}
	defer malgoCtx.Uninit() //nolint:errcheck

	infos, err := malgoCtx.Devices(malgo.Capture)
	if err != nil {
		return nil, errors.New(err).
			Component("audio").
			Category(errors.CategoryAudio).
			Context("operation", "list_devices").
			Build()
	}

	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		devices = append(devices, Device{
			Index:   i,
			Name:    info.Name(),
			ID:      decodeDeviceID(info.ID.String()),
			Default: info.IsDefault == 1,
		})
	}
	return devices, nil
}

// decodeDeviceID turns the hex-encoded miniaudio device ID into a readable
// string, falling back to the raw hex when it does not decode.
func decodeDeviceID(hexID string) string {
	decoded, err := hex.DecodeString(hexID)
	if err != nil {
		return hexID
	}
	return strings.TrimRight(string(decoded), "\x00")
}

// CalculateLevel scales the RMS loudness of a 16-bit PCM frame to 0..100 and
// flags clipping.
func CalculateLevel(samples []byte) LevelData {
	if len(samples) < 2 {
		return LevelData{}
	}

	var sum float64
	sampleCount := len(samples) / 2
	clipping := false

	for i := 0; i+1 < len(samples); i += 2 {
		sample := int16(binary.LittleEndian.Uint16(samples[i : i+2]))
		v := float64(sample)
		sum += v * v
		if sample == math.MaxInt16 || sample == math.MinInt16 {
			clipping = true
		}
	}

	rms := math.Sqrt(sum / float64(sampleCount))
	db := 20 * math.Log10(rms/32768.0)

	// Map roughly -60..-10 dBFS onto 0..100.
	scaled := (db + 60) * (100.0 / 50.0)
	if clipping {
		scaled = math.Max(scaled, 95)
	}
	if scaled < 0 {
		scaled = 0
	} else if scaled > 100 {
		scaled = 100
	}

	return LevelData{Level: int(scaled), Clipping: clipping}
}
