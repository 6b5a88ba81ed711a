package update

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/avibox/avibox/internal/errors"
)

// Phase is where the update state machine currently stands. The zero value
// is not used; an absent state file means idle.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseChecking           Phase = "checking"
	PhaseReadyToApply       Phase = "ready_to_apply"
	PhaseSnapshotting       Phase = "snapshotting"
	PhaseUpdatingCode       Phase = "updating_code"
	PhaseUpdatingDeps       Phase = "updating_deps"
	PhaseRunningMigrations  Phase = "running_migrations"
	PhaseRestartingServices Phase = "restarting_services"
	PhaseVerifying          Phase = "verifying"
	PhaseRollingBack        Phase = "rolling_back"
)

// State is the crash-safe progress record, rewritten atomically at every
// phase boundary and deleted when the update lands back at idle.
type State struct {
	Phase         Phase     `json:"phase"`
	TargetVersion string    `json:"target_version,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	CurrentStep   string    `json:"current_step,omitempty"`
	Error         string    `json:"error,omitempty"`
	RollbackPoint string    `json:"rollback_point,omitempty"`
}

// ReadState loads the state file. A missing file returns (nil, nil): no
// update in progress. A file that exists but does not parse is an error;
// startup recovery must not guess at a half-written update.
func ReadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "read-state").
			Build()
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "parse-state").
			Context("path", path).
			Build()
	}
	return &st, nil
}

// WriteState persists the state atomically: temp file in the same
// directory, fsync, rename.
func WriteState(path string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "marshal-state").
			Build()
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".update_state-*.tmp")
	if err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "write-state").
			Build()
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "write-state").
			Build()
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "sync-state").
			Build()
	}
	if err := tmp.Close(); err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "close-state").
			Build()
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "rename-state").
			Build()
	}
	return nil
}

// ClearState removes the state file. Missing is fine.
func ClearState(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.New(err).
			Component("update").
			Category(errors.CategoryFileIO).
			Context("operation", "clear-state").
			Build()
	}
	return nil
}
