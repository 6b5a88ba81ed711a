// Package fifo manages the named pipes that carry PCM audio from the
// capture daemon to the analysis and livestream consumers. The pipes give
// natural backpressure: a slow reader blocks the writer once the kernel
// buffer fills.
package fifo

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/avibox/avibox/internal/errors"
	"github.com/avibox/avibox/internal/logging"
)

// openRetryInterval paces writer-open attempts while no reader exists.
const openRetryInterval = 200 * time.Millisecond

var log *slog.Logger

func getLogger() *slog.Logger {
	if log == nil {
		log = logging.ForService("fifo")
	}
	return log
}

// EnsureDir creates the FIFO directory when missing.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.New(err).
			Component("fifo").
			Category(errors.CategoryFileIO).
			Context("path", dir).
			Build()
	}
	return nil
}

// Create makes the named pipe at path. An existing path is accepted only if
// it already is a FIFO; anything else is a configuration error.
func Create(path string) error {
	err := unix.Mkfifo(path, 0o660)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return errors.New(err).
			Component("fifo").
			Category(errors.CategoryFileIO).
			Context("operation", "mkfifo").
			Context("path", path).
			Build()
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		return errors.New(statErr).
			Component("fifo").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return errors.Newf("%s exists and is not a FIFO", path).
			Component("fifo").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

// OpenReader opens the pipe for reading. The open blocks until a writer
// appears, so it is context-aware via the non-blocking flag plus polling.
func OpenReader(ctx context.Context, path string) (*os.File, error) {
	for {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err == nil {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openRetryInterval):
		}
	}
}

// openWriter opens the pipe write-only with blocking semantics: it waits,
// paced and context-aware, until a reader exists. Opening a FIFO for writing
// fails with ENXIO while there is no reader; once open, the non-blocking
// flag is cleared so writes block for backpressure.
func openWriter(ctx context.Context, path string) (*os.File, error) {
	for attempt := 1; ; attempt++ {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, 0); err != nil {
				unix.Close(fd)
				return nil, errors.New(err).
					Component("fifo").
					Category(errors.CategoryFileIO).
					Context("operation", "clear-nonblock").
					Context("path", path).
					Build()
			}
			return os.NewFile(uintptr(fd), path), nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, errors.New(err).
				Component("fifo").
				Category(errors.CategoryFileIO).
				Context("operation", "open-writer").
				Context("path", path).
				Build()
		}
		if attempt == 1 || attempt%50 == 0 {
			getLogger().Info("waiting for pipe reader", "path", path, "attempt", attempt)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(openRetryInterval):
		}
	}
}

// Writer is a pipe writer that survives consumer restarts: a broken pipe
// marks the writer for reopen at the next frame boundary instead of failing
// the capture loop.
type Writer struct {
	path    string
	file    *os.File
	broken  bool
	reopens uint64

	onReopen func()
}

// NewWriter creates the pipe when needed and opens it for blocking writes.
func NewWriter(ctx context.Context, path string) (*Writer, error) {
	if err := Create(path); err != nil {
		return nil, err
	}
	f, err := openWriter(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, file: f}, nil
}

// OnReopen installs a callback fired after every successful reopen, used to
// feed the reopen metric.
func (w *Writer) OnReopen(fn func()) {
	w.onReopen = fn
}

// Path returns the pipe path.
func (w *Writer) Path() string {
	return w.path
}

// Reopens returns how many times the pipe was reopened after a broken pipe.
func (w *Writer) Reopens() uint64 {
	return w.reopens
}

// ErrNoReader is returned while the consumer is away; callers drop the
// frame and retry at the next boundary.
var ErrNoReader = errors.NewStd("fifo: no reader")

// WriteFrame writes one frame, blocking while the reader keeps up. A broken
// pipe is logged, the frame dropped, and one reopen attempted per following
// frame until the consumer returns.
func (w *Writer) WriteFrame(frame []byte) error {
	if w.broken {
		if !w.tryReopen() {
			return ErrNoReader
		}
	}
	_, err := w.file.Write(frame)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EPIPE) || errors.Is(err, fs.ErrClosed) {
		getLogger().Warn("pipe reader went away", "path", w.path)
		w.file.Close()
		w.broken = true
		return ErrNoReader
	}
	return errors.New(err).
		Component("fifo").
		Category(errors.CategoryFileIO).
		Context("operation", "write").
		Context("path", w.path).
		Build()
}

// tryReopen makes a single non-blocking open attempt so a dead livestream
// consumer never stalls the capture loop.
func (w *Writer) tryReopen() bool {
	fd, err := unix.Open(w.path, unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return false
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, 0); err != nil {
		unix.Close(fd)
		return false
	}
	w.file = os.NewFile(uintptr(fd), w.path)
	w.broken = false
	w.reopens++
	getLogger().Info("pipe reopened", "path", w.path, "reopens", w.reopens)
	if w.onReopen != nil {
		w.onReopen()
	}
	return true
}

// Close closes the underlying pipe descriptor.
func (w *Writer) Close() error {
	if w.file == nil || w.broken {
		return nil
	}
	return w.file.Close()
}

// Paths builds the canonical pipe locations under a FIFO directory.
func Paths(dir string) (analysis, livestream string) {
	return filepath.Join(dir, "analysis.fifo"), filepath.Join(dir, "livestream.fifo")
}
