package update

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avibox/avibox/internal/errors"
)

// commitFile records the pre-update commit inside a snapshot directory.
const commitFile = "commit.txt"

// keepSnapshots is how many rollback points survive a successful update.
const keepSnapshots = 3

// Snapshot is one rollback point: the pre-update commit plus copies of the
// database and configuration under its own directory.
type Snapshot struct {
	Dir    string
	Commit string
}

// takeSnapshot captures the current commit, database, and configuration
// file under <rollbackDir>/<timestamp>-<version>. SQLite WAL sidecar files
// are copied when present so the database copy is self-consistent.
func takeSnapshot(rollbackDir, version, commit, dbPath, configPath string) (*Snapshot, error) {
	name := time.Now().UTC().Format("20060102T150405") + "-" + sanitizeVersion(version)
	dir := filepath.Join(rollbackDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, snapshotErr(err, "create-snapshot-dir", dir)
	}

	if err := os.WriteFile(filepath.Join(dir, commitFile), []byte(commit+"\n"), 0o644); err != nil {
		return nil, snapshotErr(err, "write-commit", dir)
	}

	for _, path := range dbFileSet(dbPath) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(path, filepath.Join(dir, filepath.Base(path))); err != nil {
			return nil, snapshotErr(err, "copy-database", path)
		}
	}

	// A defaults-only deployment may have no config file on disk yet.
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := copyFile(configPath, filepath.Join(dir, filepath.Base(configPath))); err != nil {
				return nil, snapshotErr(err, "copy-config", configPath)
			}
		}
	}

	return &Snapshot{Dir: dir, Commit: commit}, nil
}

// restoreSnapshot copies the database and configuration back out of dir and
// returns the recorded commit. Safe to run repeatedly: it overwrites the
// live files with the same snapshot content each time. Database sidecar
// files absent from the snapshot are removed so a restored main file is not
// paired with a newer WAL.
func restoreSnapshot(dir, dbPath, configPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, commitFile))
	if err != nil {
		return "", snapshotErr(err, "read-commit", dir)
	}
	commit := strings.TrimSpace(string(data))

	for _, path := range dbFileSet(dbPath) {
		src := filepath.Join(dir, filepath.Base(path))
		if _, err := os.Stat(src); os.IsNotExist(err) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return "", snapshotErr(err, "remove-stale-sidecar", path)
			}
			continue
		}
		if err := copyFile(src, path); err != nil {
			return "", snapshotErr(err, "restore-database", path)
		}
	}

	if configPath != "" {
		src := filepath.Join(dir, filepath.Base(configPath))
		if _, err := os.Stat(src); err == nil {
			if err := copyFile(src, configPath); err != nil {
				return "", snapshotErr(err, "restore-config", configPath)
			}
		}
	}

	return commit, nil
}

// latestSnapshot returns the newest snapshot directory, if any. Snapshot
// names start with a UTC timestamp, so lexical order is creation order.
func latestSnapshot(rollbackDir string) (string, bool, error) {
	names, err := snapshotNames(rollbackDir)
	if err != nil || len(names) == 0 {
		return "", false, err
	}
	return filepath.Join(rollbackDir, names[len(names)-1]), true, nil
}

// pruneSnapshots removes all but the newest keep snapshots.
func pruneSnapshots(rollbackDir string, keep int) error {
	names, err := snapshotNames(rollbackDir)
	if err != nil {
		return err
	}
	if len(names) <= keep {
		return nil
	}
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(rollbackDir, name)); err != nil {
			return snapshotErr(err, "prune-snapshot", name)
		}
	}
	return nil
}

func snapshotNames(rollbackDir string) ([]string, error) {
	entries, err := os.ReadDir(rollbackDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, snapshotErr(err, "list-snapshots", rollbackDir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// dbFileSet lists the database file and its WAL sidecars.
func dbFileSet(dbPath string) []string {
	return []string{dbPath, dbPath + "-wal", dbPath + "-shm"}
}

// sanitizeVersion makes a version string safe as a directory-name suffix.
func sanitizeVersion(version string) string {
	if version == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, version)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func snapshotErr(err error, operation, path string) error {
	return errors.New(err).
		Component("update").
		Category(errors.CategoryFileIO).
		Context("operation", operation).
		Context("path", path).
		Build()
}
