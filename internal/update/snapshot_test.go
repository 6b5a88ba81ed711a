package update

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) {
	t.Helper()
	for path, content := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "database", "avibox.db")
	configPath := filepath.Join(dir, "config.yaml")
	rollbackDir := filepath.Join(dir, "rollback")

	writeFiles(t, map[string]string{
		dbPath:          "db-before",
		dbPath + "-wal": "wal-before",
		configPath:      "config-before",
	})

	snap, err := takeSnapshot(rollbackDir, "v1.2.0", "abc123", dbPath, configPath)
	require.NoError(t, err)
	assert.Equal(t, "abc123", snap.Commit)

	// Simulate the update mangling everything, including a new -shm file.
	writeFiles(t, map[string]string{
		dbPath:          "db-after",
		dbPath + "-wal": "wal-after",
		dbPath + "-shm": "shm-after",
		configPath:      "config-after",
	})

	commit, err := restoreSnapshot(snap.Dir, dbPath, configPath)
	require.NoError(t, err)
	assert.Equal(t, "abc123", commit)

	db, _ := os.ReadFile(dbPath)
	wal, _ := os.ReadFile(dbPath + "-wal")
	cfg, _ := os.ReadFile(configPath)
	assert.Equal(t, "db-before", string(db))
	assert.Equal(t, "wal-before", string(wal))
	assert.Equal(t, "config-before", string(cfg))

	// The -shm file did not exist at snapshot time; restore removes it.
	_, err = os.Stat(dbPath + "-shm")
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreSnapshotIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "avibox.db")
	configPath := filepath.Join(dir, "config.yaml")

	writeFiles(t, map[string]string{dbPath: "db", configPath: "config"})

	snap, err := takeSnapshot(filepath.Join(dir, "rollback"), "v1", "abc", dbPath, configPath)
	require.NoError(t, err)

	for range 2 {
		commit, err := restoreSnapshot(snap.Dir, dbPath, configPath)
		require.NoError(t, err)
		assert.Equal(t, "abc", commit)
	}

	db, _ := os.ReadFile(dbPath)
	assert.Equal(t, "db", string(db))
}

func TestSnapshotToleratesMissingConfig(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "avibox.db")
	writeFiles(t, map[string]string{dbPath: "db"})

	snap, err := takeSnapshot(filepath.Join(dir, "rollback"), "v1", "abc",
		dbPath, filepath.Join(dir, "no-such-config.yaml"))
	require.NoError(t, err)

	_, err = restoreSnapshot(snap.Dir, dbPath, filepath.Join(dir, "no-such-config.yaml"))
	require.NoError(t, err)
}

func TestPruneSnapshotsKeepsNewest(t *testing.T) {
	rollbackDir := t.TempDir()
	names := []string{
		"20250101T000000-v1.0.0",
		"20250201T000000-v1.1.0",
		"20250301T000000-v1.2.0",
		"20250401T000000-v1.3.0",
	}
	for _, name := range names {
		require.NoError(t, os.MkdirAll(filepath.Join(rollbackDir, name), 0o755))
	}

	require.NoError(t, pruneSnapshots(rollbackDir, 3))

	remaining, err := snapshotNames(rollbackDir)
	require.NoError(t, err)
	assert.Equal(t, names[1:], remaining)

	// Already at the limit: nothing more to remove.
	require.NoError(t, pruneSnapshots(rollbackDir, 3))
	remaining, err = snapshotNames(rollbackDir)
	require.NoError(t, err)
	assert.Equal(t, names[1:], remaining)
}

func TestLatestSnapshot(t *testing.T) {
	rollbackDir := t.TempDir()

	_, found, err := latestSnapshot(rollbackDir)
	require.NoError(t, err)
	assert.False(t, found)

	for _, name := range []string{"20250101T000000-v1", "20250201T000000-v2"} {
		require.NoError(t, os.MkdirAll(filepath.Join(rollbackDir, name), 0o755))
	}

	latest, found, err := latestSnapshot(rollbackDir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, filepath.Join(rollbackDir, "20250201T000000-v2"), latest)
}

func TestSanitizeVersion(t *testing.T) {
	assert.Equal(t, "v1.3.0-rc_1", sanitizeVersion("v1.3.0-rc_1"))
	assert.Equal(t, "v1.3.0_7_gabc", sanitizeVersion("v1.3.0 7 gabc"))
	assert.Equal(t, "unknown", sanitizeVersion(""))
}
