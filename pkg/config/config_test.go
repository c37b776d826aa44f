package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "flamenco-worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "manager_url: https://manager.example\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://manager.example", cfg.ManagerURL)
	assert.Equal(t, "unknown sleep blender-render", cfg.TaskTypes)
	assert.Equal(t, 5, cfg.MayIRunIntervalSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTaskTypeList(t *testing.T) {
	cfg := &Config{TaskTypes: "unknown sleep blender-render"}
	assert.Equal(t, []string{"unknown", "sleep", "blender-render"}, cfg.TaskTypeList())
}

func TestMergeIdentityPersistsAndPreservesOtherKeys(t *testing.T) {
	path := writeTempConfig(t, "manager_url: https://manager.example\ntask_types: unknown\n")

	require.NoError(t, MergeIdentity(path, "worker-123", "super-secret"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-123", cfg.WorkerID)
	assert.Equal(t, "super-secret", cfg.WorkerSecret)
	assert.Equal(t, "https://manager.example", cfg.ManagerURL)
	assert.Equal(t, "unknown", cfg.TaskTypes)

	// No stray temp file left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRedactedHidesSecrets(t *testing.T) {
	cfg := Config{WorkerSecret: "sekrit", WorkerRegistrationSecret: "also-sekrit"}
	r := cfg.Redacted()
	assert.Equal(t, "-hidden-", r.WorkerSecret)
	assert.Equal(t, "-hidden-", r.WorkerRegistrationSecret)
}
