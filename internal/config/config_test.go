package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultControlPlaneConfig_IsInternallyConsistent(t *testing.T) {
	cfg := DefaultControlPlaneConfig()
	assert.NotEmpty(t, cfg.ListenAddr)
	assert.NotEmpty(t, cfg.MetricsAddr)
	assert.NotEqual(t, cfg.ListenAddr, cfg.MetricsAddr)
	assert.Greater(t, cfg.NodeStaleTimeout, cfg.HealthCheckInterval)
	assert.GreaterOrEqual(t, cfg.HealthFailureThreshold, uint32(1))
}

func TestDefaultWorkerAgentConfig_HasUsableCapacity(t *testing.T) {
	cfg := DefaultWorkerAgentConfig()
	assert.NotEmpty(t, cfg.NodeName)
	assert.NotEmpty(t, cfg.ControlPlaneURL)
	assert.Greater(t, cfg.Capacity.MaxPipelines, uint32(0))
}

func TestLoadCapacityFile_ParsesAllFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cpu: 16
memoryBytes: 68719476736
gpu: 1
gpuMemory: 34359738368
maxPipelines: 20
`), 0o644))

	cap, err := LoadCapacityFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, 16, cap.CPU)
	assert.EqualValues(t, 68719476736, cap.MemoryBytes)
	assert.EqualValues(t, 1, cap.GPU)
	assert.EqualValues(t, 34359738368, cap.GPUMemory)
	assert.EqualValues(t, 20, cap.MaxPipelines)
}

func TestLoadCapacityFile_DefaultsMaxPipelinesWhenOmitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cpu: 4\n"), 0o644))

	cap, err := LoadCapacityFile(path)
	require.NoError(t, err)
	assert.EqualValues(t, clustermodel.DefaultMaxPipelines, cap.MaxPipelines)
}

func TestLoadCapacityFile_MissingFile(t *testing.T) {
	_, err := LoadCapacityFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadCapacityFile_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capacity.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cpu: [this is not, valid\n"), 0o644))

	_, err := LoadCapacityFile(path)
	require.Error(t, err)
}
