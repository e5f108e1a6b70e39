// Package scheduler implements the pure replica-to-node assignment function.
package scheduler

import (
	"math"
	"sort"

	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
)

// Schedule maps a pipeline's desired replica count onto candidate nodes,
// preferring higher-scored nodes and falling back to round-robin when no
// node carries a real score. No node is ever assigned more replicas than
// its remaining maxPipelines headroom; if the candidate set cannot absorb
// the full replica count without overcommitting a node, Schedule fails
// with InsufficientCapacity rather than oversubscribing one.
func Schedule(pipeline *clustermodel.Pipeline, allNodes []clustermodel.Node) (map[string]uint32, error) {
	candidates := filterCandidates(pipeline, allNodes)
	if len(candidates) == 0 {
		return nil, clustererr.New(clustererr.NoAvailableNodes, "no schedulable nodes match the pipeline's selector and capacity")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return nodeScore(candidates[i]) > nodeScore(candidates[j])
	})

	replicas := pipeline.Spec.Replicas
	caps := remainingCapacities(candidates)

	var totalCap uint32
	for _, c := range caps {
		totalCap += c
	}
	if totalCap < replicas {
		return nil, clustererr.Newf(clustererr.InsufficientCapacity,
			"candidate nodes can host at most %d more replicas, %d requested", totalCap, replicas)
	}

	totalScore := 0.0
	hasRealScore := false
	for _, n := range candidates {
		if n.Status != nil && n.Status.Score != nil {
			hasRealScore = true
		}
		totalScore += nodeScore(n)
	}

	var result map[string]uint32
	if !hasRealScore || totalScore == 0 {
		result = roundRobin(candidates, replicas, caps)
	} else {
		result = weightedProportional(candidates, replicas, totalScore, caps)
	}

	var assigned uint32
	for _, v := range result {
		assigned += v
	}
	if assigned < replicas {
		return nil, clustererr.Newf(clustererr.InsufficientCapacity,
			"could only place %d of %d replicas without overcommitting a node", assigned, replicas)
	}

	return result, nil
}

// filterCandidates narrows allNodes to the subset eligible for placement:
// label-selector match (if any), schedulable, Ready, and under maxPipelines.
func filterCandidates(pipeline *clustermodel.Pipeline, allNodes []clustermodel.Node) []clustermodel.Node {
	selector := pipeline.Spec.NodeSelector
	candidates := make([]clustermodel.Node, 0, len(allNodes))
	for _, n := range allNodes {
		if len(selector) > 0 && !matchesSelector(n.Metadata.Labels, selector) {
			continue
		}
		if !n.CanSchedule() || !n.HasCapacity() {
			continue
		}
		candidates = append(candidates, n)
	}
	return candidates
}

func matchesSelector(labels, selector map[string]string) bool {
	for k, v := range selector {
		if labels[k] != v {
			return false
		}
	}
	return true
}

func nodeScore(n clustermodel.Node) float64 {
	if n.Status != nil && n.Status.Score != nil {
		return n.Status.Score.Score
	}
	return clustermodel.DefaultScore
}

// remainingCapacities snapshots each candidate's free headroom, keyed by
// node name, so the distribution functions can drain it as they assign.
func remainingCapacities(candidates []clustermodel.Node) map[string]uint32 {
	caps := make(map[string]uint32, len(candidates))
	for _, n := range candidates {
		caps[n.Metadata.Name] = n.RemainingCapacity()
	}
	return caps
}

// roundRobin assigns one replica per candidate per pass, skipping any node
// that has run out of headroom, until replicas are placed or no candidate
// can take another one.
func roundRobin(candidates []clustermodel.Node, replicas uint32, caps map[string]uint32) map[string]uint32 {
	result := make(map[string]uint32)
	n := len(candidates)
	remaining := replicas

	for remaining > 0 {
		progressed := false
		for i := 0; i < n && remaining > 0; i++ {
			name := candidates[i].Metadata.Name
			if caps[name] == 0 {
				continue
			}
			result[name]++
			caps[name]--
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return result
}

// weightedProportional assigns each candidate its score-weighted floor
// share first, clamped to remaining capacity, then hands out the rounding
// remainder one replica at a time, largest fractional share first (ties in
// score-rank order, wrapping if a node fills up), again never exceeding a
// node's headroom.
func weightedProportional(candidates []clustermodel.Node, replicas uint32, totalScore float64, caps map[string]uint32) map[string]uint32 {
	result := make(map[string]uint32, len(candidates))
	remaining := replicas
	fractions := make(map[string]float64, len(candidates))

	for _, n := range candidates {
		name := n.Metadata.Name
		share := nodeScore(n) / totalScore * float64(replicas)
		toAssign := uint32(math.Floor(share))
		fractions[name] = share - float64(toAssign)
		if toAssign > caps[name] {
			toAssign = caps[name]
		}
		if toAssign > 0 {
			result[name] += toAssign
			caps[name] -= toAssign
			remaining -= toAssign
		}
	}

	// Hand out whatever the floor-based pass left over, one at a time to the
	// largest fractional shares first, skipping any node already at capacity.
	order := make([]clustermodel.Node, len(candidates))
	copy(order, candidates)
	sort.SliceStable(order, func(i, j int) bool {
		return fractions[order[i].Metadata.Name] > fractions[order[j].Metadata.Name]
	})
	for remaining > 0 {
		progressed := false
		for i := 0; i < len(order) && remaining > 0; i++ {
			name := order[i].Metadata.Name
			if caps[name] == 0 {
				continue
			}
			result[name]++
			caps[name]--
			remaining--
			progressed = true
		}
		if !progressed {
			break
		}
	}

	return result
}
