package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRequiresAtLeastOneImage(t *testing.T) {
	cfg := defaultConfig()
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images")
}

func TestValidateRejectsDuplicateImageNames(t *testing.T) {
	cfg := defaultConfig()
	cfg.Images = []ImageConfig{
		{Name: "disk", ChunkSize: 4096, CacheDir: "/tmp/a", Origin: OriginConfig{URL: "http://x"}},
		{Name: "disk", ChunkSize: 4096, CacheDir: "/tmp/b", Origin: OriginConfig{URL: "http://y"}},
	}
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
}

func TestValidateRequiresChunkSizeCacheDirAndOrigin(t *testing.T) {
	base := ImageConfig{Name: "disk", ChunkSize: 4096, CacheDir: "/tmp/a", Origin: OriginConfig{URL: "http://x"}}

	missingChunk := base
	missingChunk.ChunkSize = 0
	assert.Error(t, Validate(&Config{Images: []ImageConfig{missingChunk}}))

	missingCache := base
	missingCache.CacheDir = ""
	assert.Error(t, Validate(&Config{Images: []ImageConfig{missingCache}}))

	missingOrigin := base
	missingOrigin.Origin.URL = ""
	assert.Error(t, Validate(&Config{Images: []ImageConfig{missingOrigin}}))

	assert.NoError(t, Validate(&Config{Images: []ImageConfig{base}}))
}

func TestLoadFromExplicitFileParsesHumanReadableSizesAndDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
logging:
  level: DEBUG
  format: json
  output: stdout
metrics:
  enabled: true
  addr: ":9999"
images:
  - name: disk
    chunk_size: "64Ki"
    initial_size: "1Gi"
    cache_dir: /var/cache/vmnetfs/disk
    origin:
      url: https://origin.example.com/disk.img
      retry_delay: 250ms
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9999", cfg.Metrics.Addr)
	require.Len(t, cfg.Images, 1)
	img := cfg.Images[0]
	assert.Equal(t, uint64(64*1024), img.ChunkSize.Uint64())
	assert.Equal(t, uint64(1024*1024*1024), img.InitialSize.Uint64())
	assert.Equal(t, "https://origin.example.com/disk.img", img.Origin.URL)
	assert.Equal(t, 250_000_000, int(img.Origin.RetryDelay))
}

func TestLoadMissingFileFallsBackToDefaultsAndFailsValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "nonexistent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no images")
}

func TestInitConfigToPathRefusesOverwriteWithoutForce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	require.NoError(t, InitConfigToPath(path, false))
	err := InitConfigToPath(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, InitConfigToPath(path, true))
}
