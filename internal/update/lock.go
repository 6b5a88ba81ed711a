package update

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/avibox/avibox/internal/errors"
)

// Lock is the filesystem lock guarding the apply path: one apply per host.
// The file holds the owner's PID so a crashed owner can be detected and the
// lock reclaimed.
type Lock struct {
	path string
	pid  int
}

// NewLock returns an unacquired lock at path.
func NewLock(path string) *Lock {
	return &Lock{path: path, pid: os.Getpid()}
}

// Acquire takes the lock. If the lock file exists but its recorded PID is no
// longer running, the stale lock is broken and reclaimed; if the owner is
// alive, Acquire fails.
func (l *Lock) Acquire() error {
	if err := l.tryCreate(); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "acquire-lock").
			Context("path", l.path).
			Build()
	}

	ownerPID, err := l.ownerPID()
	if err == nil {
		alive, pidErr := process.PidExists(int32(ownerPID))
		if pidErr == nil && alive {
			return errors.Newf("update already in progress (pid %d)", ownerPID).
				Component("update").
				Category(errors.CategoryState).
				Context("path", l.path).
				Build()
		}
	}
	// Stale or unreadable: the recorded owner is gone. Break and retake.
	getLogger().Warn("breaking stale update lock", "path", l.path, "owner_pid", ownerPID)
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "break-stale-lock").
			Context("path", l.path).
			Build()
	}
	if err := l.tryCreate(); err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryState).
			Context("operation", "reclaim-lock").
			Context("path", l.path).
			Build()
	}
	return nil
}

// tryCreate attempts the exclusive create-and-write of the lock file.
func (l *Lock) tryCreate() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, writeErr := fmt.Fprintf(f, "%d\n", l.pid)
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		_ = os.Remove(l.path)
		if writeErr != nil {
			return writeErr
		}
		return closeErr
	}
	return nil
}

// ownerPID reads the PID recorded in the lock file.
func (l *Lock) ownerPID() (int, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// Release drops the lock if this process holds it. Releasing a lock that
// was never acquired, or that another process has since reclaimed, is a
// no-op.
func (l *Lock) Release() error {
	ownerPID, err := l.ownerPID()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "release-lock").
			Context("path", l.path).
			Build()
	}
	if ownerPID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "release-lock").
			Context("path", l.path).
			Build()
	}
	return nil
}
