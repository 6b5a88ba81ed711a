package conf

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Persisted state lives under a single data directory:
//
//	database/avibox.db     main SQLite store
//	database/reference.db  read-only species reference
//	models/                tflite models and label files
//	recordings/            exported detection clips
//	logs/                  rotating service logs
//	fifo/                  named pipes for the capture stream
//	rollback/              update snapshots
//	update_state.json      update daemon state file
//	update.lock            update apply lock

// DataDir returns the resolved data directory, creating nothing.
func (s *Settings) DataDir() string {
	if s.Main.DataDir == "" {
		return "data"
	}
	return s.Main.DataDir
}

// EnsureDataDirs creates the data directory tree.
func (s *Settings) EnsureDataDirs() error {
	for _, dir := range []string{
		s.DataDir(),
		filepath.Join(s.DataDir(), "database"),
		filepath.Join(s.DataDir(), "models"),
		s.RecordingsDir(),
		s.LogDir(),
		s.FIFODir(),
		s.RollbackDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath is the main SQLite store.
func (s *Settings) DatabasePath() string {
	return filepath.Join(s.DataDir(), "database", "avibox.db")
}

// ReferenceDBPath is the attached read-only species reference store.
func (s *Settings) ReferenceDBPath() string {
	if s.ReferenceDB.Path != "" {
		return s.ReferenceDB.Path
	}
	return filepath.Join(s.DataDir(), "database", "reference.db")
}

// RecordingsDir holds exported detection clips.
func (s *Settings) RecordingsDir() string {
	if s.Audio.Export.Path != "" {
		return s.Audio.Export.Path
	}
	return filepath.Join(s.DataDir(), "recordings")
}

// LogDir holds rotating per-service log files.
func (s *Settings) LogDir() string {
	if s.Main.Log.Path != "" {
		return s.Main.Log.Path
	}
	return filepath.Join(s.DataDir(), "logs")
}

// FIFODir holds the named pipes written by the capture daemon.
func (s *Settings) FIFODir() string {
	if s.Audio.FIFODir != "" {
		return s.Audio.FIFODir
	}
	return filepath.Join(s.DataDir(), "fifo")
}

// AnalysisFIFOPath is the pipe feeding the analysis daemon.
func (s *Settings) AnalysisFIFOPath() string {
	return filepath.Join(s.FIFODir(), "analysis.fifo")
}

// LivestreamFIFOPath is the pipe feeding the live audio stream.
func (s *Settings) LivestreamFIFOPath() string {
	return filepath.Join(s.FIFODir(), "livestream.fifo")
}

// UpdateStatePath is the update daemon's crash-safe state file.
func (s *Settings) UpdateStatePath() string {
	return filepath.Join(s.DataDir(), "update_state.json")
}

// UpdateLockPath guards the update apply path.
func (s *Settings) UpdateLockPath() string {
	return filepath.Join(s.DataDir(), "update.lock")
}

// RollbackDir holds update snapshots.
func (s *Settings) RollbackDir() string {
	return filepath.Join(s.DataDir(), "rollback")
}

// ConfigFilePath returns the path of the loaded configuration file, or the
// default location when none has been read yet.
func ConfigFilePath() string {
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	paths, _ := GetDefaultConfigPaths()
	return filepath.Join(paths[0], "config.yaml")
}
