// Package autoscaler implements the pure horizontal-scaling evaluator with
// cooldown/thrash protection.
package autoscaler

import (
	"fmt"
	"math"
	"time"

	"github.com/llmnet/controlplane/internal/clustermodel"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action DecisionKind
	Target uint32
	Reason string
}

type DecisionKind int

const (
	NoChange DecisionKind = iota
	ScaleUp
	ScaleDown
)

// AggregateMetrics summarizes the metrics across every node hosting a
// pipeline's replicas.
type AggregateMetrics struct {
	AvgCPUUsage     float64
	AvgMemoryUsage  float64
	AvgLatencyMs    float64
	TotalRequests   uint64
	TotalActive     uint32
	NodeCount       int
}

// Aggregate computes the simple arithmetic means of cpu/memory/latency and
// sums of request/active counts across the given per-node metrics. An empty
// input yields a zeroed aggregate with NodeCount=0.
func Aggregate(samples []clustermodel.NodeMetrics) AggregateMetrics {
	if len(samples) == 0 {
		return AggregateMetrics{}
	}
	var agg AggregateMetrics
	for _, m := range samples {
		agg.AvgCPUUsage += m.CPUUsagePercent
		agg.AvgMemoryUsage += m.MemoryUsagePercent
		agg.AvgLatencyMs += m.AvgLatencyMs
		agg.TotalRequests += m.RequestCount
		agg.TotalActive += m.ActiveRequests
	}
	n := float64(len(samples))
	agg.AvgCPUUsage /= n
	agg.AvgMemoryUsage /= n
	agg.AvgLatencyMs /= n
	agg.NodeCount = len(samples)
	return agg
}

// Evaluate decides whether to scale a pipeline given its policy, current
// replica count, the latest aggregate metrics, and the last time each
// direction fired.
func Evaluate(cfg clustermodel.AutoscalingConfig, current uint32, agg AggregateMetrics, state clustermodel.AutoscalerState, now time.Time) Decision {
	if agg.NodeCount == 0 {
		return Decision{Action: NoChange}
	}

	cpuDesired := current
	if cfg.TargetCPUPercent > 0 {
		cpuDesired = uint32(math.Ceil(float64(current) * agg.AvgCPUUsage / cfg.TargetCPUPercent))
	}
	memDesired := current
	if cfg.TargetMemPercent > 0 {
		memDesired = uint32(math.Ceil(float64(current) * agg.AvgMemoryUsage / cfg.TargetMemPercent))
	}

	desired := cpuDesired
	if memDesired > desired {
		desired = memDesired
	}

	clamped := clamp(desired, cfg.MinReplicas, cfg.MaxReplicas)

	reason := fmt.Sprintf("utilization: CPU %.1f%% (target: %.1f%%), Memory %.1f%% (target: %.1f%%)",
		agg.AvgCPUUsage, cfg.TargetCPUPercent, agg.AvgMemoryUsage, cfg.TargetMemPercent)

	if clamped > current && cooldownElapsed(state.LastScaleUp, cfg.ScaleUpCooldown, now) {
		delta := clamped - current
		if cfg.MaxScaleUp > 0 && delta > cfg.MaxScaleUp {
			delta = cfg.MaxScaleUp
		}
		target := clamp(current+delta, cfg.MinReplicas, cfg.MaxReplicas)
		return Decision{Action: ScaleUp, Target: target, Reason: "High " + reason}
	}

	if clamped < current && cooldownElapsed(state.LastScaleDown, cfg.ScaleDownCooldown, now) {
		delta := current - clamped
		if cfg.MaxScaleDown > 0 && delta > cfg.MaxScaleDown {
			delta = cfg.MaxScaleDown
		}
		target := clamp(current-delta, cfg.MinReplicas, cfg.MaxReplicas)
		return Decision{Action: ScaleDown, Target: target, Reason: "Low " + reason}
	}

	return Decision{Action: NoChange}
}

func cooldownElapsed(last *time.Time, cooldown time.Duration, now time.Time) bool {
	if last == nil {
		return true
	}
	return now.Sub(*last) >= cooldown
}

func clamp(v, min, max uint32) uint32 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
