// Package config defines the control plane's and worker agent's runtime
// configuration, populated from CLI flags.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/llmnet/controlplane/internal/clustermodel"
	"gopkg.in/yaml.v3"
)

// ControlPlaneConfig configures the admin API, orchestrator, and health
// checker running in a single control-plane process.
type ControlPlaneConfig struct {
	ListenAddr             string
	MetricsAddr            string
	LogLevel               string
	LogJSON                bool
	ReconcileInterval      time.Duration
	WorkerRequestTimeout   time.Duration
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	HealthFailureThreshold uint32
	HealthSuccessThreshold uint32
	NodeStaleTimeout       time.Duration
}

func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		ListenAddr:             "0.0.0.0:8181",
		MetricsAddr:            "127.0.0.1:9090",
		LogLevel:               "info",
		LogJSON:                true,
		ReconcileInterval:      5 * time.Second,
		WorkerRequestTimeout:   30 * time.Second,
		HealthCheckInterval:    5 * time.Second,
		HealthCheckTimeout:     5 * time.Second,
		HealthFailureThreshold: 3,
		HealthSuccessThreshold: 1,
		NodeStaleTimeout:       90 * time.Second,
	}
}

// WorkerAgentConfig configures a worker agent's heartbeat sender and
// assignment-receiving HTTP server.
type WorkerAgentConfig struct {
	NodeName          string
	ListenAddr        string
	ControlPlaneURL   string
	LogLevel          string
	LogJSON           bool
	HeartbeatInterval time.Duration
	Capacity          clustermodel.NodeCapacity
}

func DefaultWorkerAgentConfig() WorkerAgentConfig {
	return WorkerAgentConfig{
		NodeName:          "worker-1",
		ListenAddr:        "0.0.0.0:8080",
		ControlPlaneURL:   "http://127.0.0.1:8181",
		LogLevel:          "info",
		LogJSON:           true,
		HeartbeatInterval: 30 * time.Second,
		Capacity:          clustermodel.NewNodeCapacity(),
	}
}

// capacityFile is the on-disk shape of a worker's static capacity
// declaration, letting an operator hand a node a fixed resource profile
// instead of passing --cpu/--memory-bytes/--max-pipelines individually.
type capacityFile struct {
	CPU          uint32 `yaml:"cpu"`
	MemoryBytes  uint64 `yaml:"memoryBytes"`
	GPU          uint32 `yaml:"gpu"`
	GPUMemory    uint64 `yaml:"gpuMemory"`
	MaxPipelines uint32 `yaml:"maxPipelines"`
}

// LoadCapacityFile reads a worker's advertised NodeCapacity from a YAML
// file, e.g.:
//
//	cpu: 16
//	memoryBytes: 68719476736
//	gpu: 1
//	maxPipelines: 20
func LoadCapacityFile(path string) (clustermodel.NodeCapacity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return clustermodel.NodeCapacity{}, fmt.Errorf("reading capacity file: %w", err)
	}

	var f capacityFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return clustermodel.NodeCapacity{}, fmt.Errorf("parsing capacity file: %w", err)
	}

	cap := clustermodel.NodeCapacity{
		CPU:          f.CPU,
		MemoryBytes:  f.MemoryBytes,
		GPU:          f.GPU,
		GPUMemory:    f.GPUMemory,
		MaxPipelines: f.MaxPipelines,
	}
	if cap.MaxPipelines == 0 {
		cap.MaxPipelines = clustermodel.DefaultMaxPipelines
	}
	return cap, nil
}
