// Package scoring implements the pure node-scoring function used by the
// scheduler to rank candidate nodes.
package scoring

import (
	"time"

	"github.com/llmnet/controlplane/internal/clustermodel"
)

// Weights determines how much each resource dimension contributes to the
// overall node score. Weights should sum to approximately 1.0.
type Weights struct {
	CPU    float64
	Memory float64
	GPU    float64
	Disk   float64
	Load   float64
}

// DefaultWeights is the balanced preset Score uses when called with nil weights.
func DefaultWeights() Weights {
	return Weights{CPU: 0.20, Memory: 0.25, GPU: 0.30, Disk: 0.10, Load: 0.15}
}

// GPUHeavyWeights favors nodes with available GPU capacity.
func GPUHeavyWeights() Weights {
	return Weights{CPU: 0.10, Memory: 0.15, GPU: 0.50, Disk: 0.05, Load: 0.20}
}

// CPUHeavyWeights favors nodes with available CPU capacity.
func CPUHeavyWeights() Weights {
	return Weights{CPU: 0.40, Memory: 0.25, GPU: 0.10, Disk: 0.10, Load: 0.15}
}

// redistributeForNoGPU splits the GPU weight evenly across the remaining
// four dimensions when a node has no GPU to score.
func (w Weights) redistributeForNoGPU() Weights {
	share := w.GPU / 4.0
	return Weights{
		CPU:    w.CPU + share,
		Memory: w.Memory + share,
		GPU:    0,
		Disk:   w.Disk + share,
		Load:   w.Load + share,
	}
}

func clamp01to100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Score computes a NodeScore from a metrics sample. weights is optional;
// pass nil to use DefaultWeights.
func Score(metrics clustermodel.NodeMetrics, hasGPU bool, weights *Weights) clustermodel.NodeScore {
	w := DefaultWeights()
	if weights != nil {
		w = *weights
	}

	cpuScore := clamp01to100(100.0 - metrics.CPUUsagePercent)
	memScore := clamp01to100(100.0 - metrics.MemoryUsagePercent)
	diskScore := clamp01to100(100.0 - metrics.DiskUsagePercent)
	loadScore := 100.0 / (1.0 + float64(metrics.ActiveRequests)*0.1)

	var gpuScore *float64
	effective := w
	if hasGPU {
		g := 100.0
		if metrics.GPUUsagePercent != nil {
			g = clamp01to100(100.0 - *metrics.GPUUsagePercent)
		}
		gpuScore = &g
	} else {
		effective = w.redistributeForNoGPU()
	}

	total := cpuScore*effective.CPU + memScore*effective.Memory +
		diskScore*effective.Disk + loadScore*effective.Load
	if gpuScore != nil {
		total += *gpuScore * effective.GPU
	}
	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return clustermodel.NodeScore{
		Score: total,
		Breakdown: clustermodel.ScoreBreakdown{
			CPUScore:    cpuScore,
			MemoryScore: memScore,
			GPUScore:    gpuScore,
			DiskScore:   diskScore,
			LoadScore:   loadScore,
		},
		CalculatedAt: time.Now().UTC(),
	}
}

// Compare reports whether a is preferred over b (positive means a wins).
func Compare(a, b clustermodel.NodeScore) int {
	switch {
	case a.Score > b.Score:
		return 1
	case a.Score < b.Score:
		return -1
	default:
		return 0
	}
}
