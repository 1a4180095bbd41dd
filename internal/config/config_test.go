package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "terrascan.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestDefaultGettersMatchSpecTable(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8, cfg.GetWorkerCount())
	assert.Equal(t, 3, cfg.GetMaxAttempts())
	assert.Equal(t, 10000, cfg.GetSamplerDeadlineMs())
	assert.Equal(t, 4, cfg.GetLevels())
	assert.Equal(t, 1024, cfg.GetBusCapacity())
	assert.Equal(t, 256, cfg.GetSessionBuffer())
	assert.Equal(t, 5000, cfg.GetSlowSessionTimeoutMs())
	assert.Equal(t, 0, cfg.GetSnapshotRegenDelta())
	assert.Equal(t, 30000, cfg.GetHeartbeatIntervalMs())
	assert.Equal(t, 120000, cfg.GetSessionIdleTimeoutMs())
}

func TestLoadPartialOverridesOnlySpecifiedFields(t *testing.T) {
	path := writeConfigFile(t, `{"worker_count": 16, "levels": 2}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.GetWorkerCount())
	assert.Equal(t, 2, cfg.GetLevels())
	assert.Equal(t, 3, cfg.GetMaxAttempts()) // untouched, still default
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "terrascan.txt")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsOversizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.json")
	oversized := make([]byte, maxFileSize+1)
	for i := range oversized {
		oversized[i] = ' '
	}
	require.NoError(t, os.WriteFile(path, oversized, 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := writeConfigFile(t, `not json`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveWorkerCount(t *testing.T) {
	path := writeConfigFile(t, `{"worker_count": 0}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveLevels(t *testing.T) {
	path := writeConfigFile(t, `{"levels": -1}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveGrid(t *testing.T) {
	path := writeConfigFile(t, `{"grid_y": 0}`)
	_, err := Load(path)
	assert.Error(t, err)

	path2 := writeConfigFile(t, `{"grid_x": -2}`)
	_, err = Load(path2)
	assert.Error(t, err)
}

func TestGetCacheRootAndSamplerEndpointDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data/terrascan", cfg.GetCacheRoot())
	assert.Equal(t, "", cfg.GetSamplerEndpoint())
}

func TestLoadOverridesStringFields(t *testing.T) {
	path := writeConfigFile(t, `{"cache_root": "/var/terrascan", "sampler_endpoint": "https://elevation.example/sample"}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/terrascan", cfg.GetCacheRoot())
	assert.Equal(t, "https://elevation.example/sample", cfg.GetSamplerEndpoint())
}
