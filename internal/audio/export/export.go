// Package export writes detection clips under the recordings directory and
// reads clips back for prerecorded-file analysis.
//
// WAV clips are encoded natively. FLAC goes through ffmpeg on a temporary
// file that is renamed into place, so consumers never observe a partial
// clip; without ffmpeg on PATH the writer falls back to WAV.
package export

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/avibox/avibox/internal/conf"
	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

const (
	// tempExt marks in-flight ffmpeg output until the atomic rename.
	tempExt = ".temp"

	ffmpegTimeout = 30 * time.Second
)

// lookPath is swapped out in tests.
var lookPath = exec.LookPath

// Writer persists detection clips in the configured format.
type Writer struct {
	settings   *conf.Settings
	logger     *slog.Logger
	format     string
	ffmpegPath string
}

// NewWriter resolves the export format once. Requesting FLAC without ffmpeg
// available degrades to WAV with a warning.
func NewWriter(settings *conf.Settings) *Writer {
	w := &Writer{
		settings: settings,
		logger:   logging.ForService("export"),
		format:   strings.ToLower(settings.Audio.Export.Format),
	}
	if w.format == "" {
		w.format = "wav"
	}
	if w.format == "flac" {
		path, err := lookPath("ffmpeg")
		if err != nil {
			w.logger.Warn("ffmpeg not found, exporting clips as wav", "error", err)
			w.format = "wav"
		} else {
			w.ffmpegPath = path
		}
	}
	return w
}

// Format returns the effective clip format after any fallback.
func (w *Writer) Format() string {
	return w.format
}

// ClipName builds the clip path: year and month subdirectories under the
// recordings directory, file name from the species, the confidence as a
// whole percentage, and a compact timestamp.
func (w *Writer) ClipName(scientificName string, confidence float64, ts time.Time) string {
	formattedName := strings.ToLower(strings.ReplaceAll(scientificName, " ", "_"))
	formattedConfidence := fmt.Sprintf("%.0fp", confidence*100)
	timestamp := ts.Format("20060102T150405Z")

	return filepath.Join(w.settings.RecordingsDir(), ts.Format("2006"), ts.Format("01"),
		fmt.Sprintf("%s_%s_%s.%s", formattedName, formattedConfidence, timestamp, w.format))
}

// Write encodes a clip of little-endian 16-bit PCM and returns its path.
func (w *Writer) Write(scientificName string, confidence float64, ts time.Time, pcmData []byte) (string, error) {
	if len(pcmData) == 0 {
		return "", errors.Newf("no PCM data to export").
			Component("export").
			Category(errors.CategoryValidation).
			Context("operation", "write_clip").
			Context("species", scientificName).
			Build()
	}

	clipPath := w.ClipName(scientificName, confidence, ts)
	if err := os.MkdirAll(filepath.Dir(clipPath), 0o755); err != nil {
		return "", errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "write_clip").
			Context("path", clipPath).
			Build()
	}

	var err error
	switch w.format {
	case "flac":
		err = w.writeFLAC(clipPath, pcmData)
	default:
		err = w.writeWAV(clipPath, pcmData)
	}
	if err != nil {
		return "", err
	}

	w.logger.Debug("clip exported", "path", clipPath, "bytes", len(pcmData))
	return clipPath, nil
}

func (w *Writer) writeWAV(path string, pcmData []byte) error {
	outFile, err := os.Create(path)
	if err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "write_wav").
			Context("path", path).
			Build()
	}
	defer outFile.Close()

	enc := wav.NewEncoder(outFile,
		w.settings.Audio.SampleRate, w.settings.Audio.BitDepth, w.settings.Audio.Channels, 1)

	buf := &audio.IntBuffer{
		Data: byteSliceToInts(pcmData),
		Format: &audio.Format{
			SampleRate:  w.settings.Audio.SampleRate,
			NumChannels: w.settings.Audio.Channels,
		},
	}
	if err := enc.Write(buf); err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "write_wav").
			Context("path", path).
			Build()
	}
	return enc.Close()
}

// writeFLAC pipes the PCM through ffmpeg into path+tempExt, then renames.
func (w *Writer) writeFLAC(path string, pcmData []byte) error {
	tempPath := path + tempExt

	ctx, cancel := context.WithTimeout(context.Background(), ffmpegTimeout)
	defer cancel()

	args := []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(w.settings.Audio.SampleRate),
		"-ac", strconv.Itoa(w.settings.Audio.Channels),
		"-i", "-",
		"-c:a", "flac",
		"-y", tempPath,
	}
	cmd := exec.CommandContext(ctx, w.ffmpegPath, args...)
	cmd.Stdin = bytes.NewReader(pcmData)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		_ = os.Remove(tempPath)
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "write_flac").
			Context("path", path).
			Context("ffmpeg_output", strings.TrimSpace(stderr.String())).
			Build()
	}

	if err := os.Rename(tempPath, path); err != nil {
		return errors.New(err).
			Component("export").
			Category(errors.CategoryFileIO).
			Context("operation", "finalize_flac").
			Context("path", path).
			Build()
	}
	return nil
}

// byteSliceToInts widens little-endian 16-bit samples for the WAV encoder.
func byteSliceToInts(pcmData []byte) []int {
	samples := make([]int, 0, len(pcmData)/2)
	for i := 0; i+1 < len(pcmData); i += 2 {
		samples = append(samples, int(int16(binary.LittleEndian.Uint16(pcmData[i:]))))
	}
	return samples
}
