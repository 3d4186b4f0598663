package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: DEBUG
  json: true
http-server:
  port: 9090
db:
  data_dir: /var/lib/slatekv
  memtable_max_entries: 5000
  l0_compaction_threshold: 6
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logger.Level)
	assert.True(t, cfg.Logger.JSON)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/slatekv", cfg.DB.DataDir)
	assert.Equal(t, 5000, cfg.DB.MemtableMaxEntries)
	assert.Equal(t, 6, cfg.DB.L0CompactionThreshold)

	// Untouched knobs keep their defaults.
	assert.Equal(t, Default().DB.SSTableBloomFPRate, cfg.DB.SSTableBloomFPRate)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db:
  sstable_bloom_fp_rate: 1.5
`), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEngineOptionsMapping(t *testing.T) {
	cfg := Default()
	opts := cfg.DB.EngineOptions()

	assert.Equal(t, cfg.DB.DataDir, opts.DataDir)
	assert.Equal(t, cfg.DB.MemtableMaxBytes, opts.MemtableMaxBytes)
	assert.Equal(t, cfg.DB.MaxLevels, opts.MaxLevels)
	assert.Equal(t, cfg.DB.L0CompactionThreshold, opts.L0CompactionThreshold)
	assert.Equal(t, cfg.DB.WALSyncOnWrite, opts.WALSyncOnWrite)
}
