package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dedupcore/engine/pkg/config"
)

func TestLoadWithoutFileReturnsDefaults(t *testing.T) {
	dataDir := t.TempDir()

	cfg, err := config.Load("", dataDir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dataDir, "containers"), cfg.ContainerDir)
	require.EqualValues(t, 4<<20, cfg.ContainerSize)
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	dataDir := t.TempDir()
	yamlPath := filepath.Join(dataDir, "config.yaml")

	const doc = `
container_size: 8MiB
block_size: 8192
commit_threshold: 0.8
gc_interval: 45s
startup:
  create: true
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(doc), 0o600))

	cfg, err := config.Load(yamlPath, dataDir)
	require.NoError(t, err)

	require.EqualValues(t, 8<<20, cfg.ContainerSize)
	require.EqualValues(t, 8192, cfg.BlockSize)
	require.Equal(t, 0.8, cfg.CommitThreshold)
	require.Equal(t, 45*time.Second, cfg.GCInterval)
	require.True(t, cfg.Startup.Create)

	// Fields absent from the YAML document still carry their defaults.
	require.Equal(t, filepath.Join(dataDir, "oplog.bin"), cfg.OpLogPath)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dataDir := t.TempDir()
	yamlPath := filepath.Join(dataDir, "config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("container_size: [not-a-size\n"), 0o600))

	_, err := config.Load(yamlPath, dataDir)
	require.Error(t, err)
}

func TestSaveThenLoadRoundtrips(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := config.Load("", dataDir)
	require.NoError(t, err)
	cfg.BlockSize = 16384

	savePath := filepath.Join(dataDir, "nested", "config.yaml")
	require.NoError(t, config.Save(cfg, savePath))

	loaded, err := config.Load(savePath, dataDir)
	require.NoError(t, err)
	require.EqualValues(t, 16384, loaded.BlockSize)
}
