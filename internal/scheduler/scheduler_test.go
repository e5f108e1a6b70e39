package scheduler

import (
	"testing"

	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyNode(name string, maxPipelines uint32, score *float64) clustermodel.Node {
	n := clustermodel.Node{
		Metadata: clustermodel.NodeMetadata{Name: name},
		Spec:     clustermodel.NodeSpec{Schedulable: true},
		Status: &clustermodel.NodeStatus{
			Phase:    clustermodel.NodeReady,
			Capacity: clustermodel.NodeCapacity{MaxPipelines: maxPipelines},
		},
	}
	if score != nil {
		n.Status.Score = &clustermodel.NodeScore{Score: *score}
	}
	return n
}

func scorePtr(v float64) *float64 { return &v }

func sumAssigned(assignment map[string]uint32) uint32 {
	var total uint32
	for _, v := range assignment {
		total += v
	}
	return total
}

func TestSchedule_NoCandidates(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 3}}
	_, err := Schedule(pipeline, nil)
	require.Error(t, err)
	assert.Equal(t, clustererr.NoAvailableNodes, clustererr.KindOf(err))
}

func TestSchedule_RoundRobinWhenNoScores(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 5}}
	nodes := []clustermodel.Node{
		readyNode("a", 10, nil),
		readyNode("b", 10, nil),
	}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	assert.EqualValues(t, 5, sumAssigned(assignment))
	assert.EqualValues(t, 3, assignment["a"])
	assert.EqualValues(t, 2, assignment["b"])
}

func TestSchedule_WeightedByScore(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 10}}
	nodes := []clustermodel.Node{
		readyNode("hot", 10, scorePtr(90)),
		readyNode("cold", 10, scorePtr(10)),
	}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	assert.EqualValues(t, 10, sumAssigned(assignment))
	assert.Greater(t, assignment["hot"], assignment["cold"])
}

func TestSchedule_ExcludesUnschedulableAndCordoned(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 2}}
	unschedulable := readyNode("cordoned", 10, scorePtr(100))
	unschedulable.Spec.Schedulable = false
	nodes := []clustermodel.Node{
		unschedulable,
		readyNode("ok", 10, scorePtr(50)),
	}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	_, sawCordoned := assignment["cordoned"]
	assert.False(t, sawCordoned)
	assert.EqualValues(t, 2, assignment["ok"])
}

func TestSchedule_ExcludesNodesAtCapacity(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 1}}
	full := readyNode("full", 1, scorePtr(100))
	full.Status.Pipelines = []clustermodel.NodePipelineInfo{{Name: "other", Namespace: "default"}}
	nodes := []clustermodel.Node{full, readyNode("open", 1, scorePtr(10))}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	assert.EqualValues(t, 1, assignment["open"])
	assert.Zero(t, assignment["full"])
}

func TestSchedule_NodeSelectorMustMatch(t *testing.T) {
	pipeline := &clustermodel.Pipeline{
		Spec: clustermodel.PipelineSpec{Replicas: 1, NodeSelector: map[string]string{"gpu": "true"}},
	}
	labeled := readyNode("gpu-node", 10, nil)
	labeled.Metadata.Labels = map[string]string{"gpu": "true"}
	unlabeled := readyNode("cpu-node", 10, nil)

	assignment, err := Schedule(pipeline, []clustermodel.Node{labeled, unlabeled})
	require.NoError(t, err)
	assert.EqualValues(t, 1, assignment["gpu-node"])
	assert.Zero(t, assignment["cpu-node"])
}

func TestSchedule_WeightedDistributionRespectsRemainingCapacity(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 3}}
	hot := readyNode("hot", 5, scorePtr(100))
	hot.Status.Pipelines = []clustermodel.NodePipelineInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	nodes := []clustermodel.Node{
		hot, // highest score, but only 1 slot free
		readyNode("cold", 10, scorePtr(1)),
	}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	assert.LessOrEqual(t, assignment["hot"], uint32(1))
	assert.EqualValues(t, 3, sumAssigned(assignment))
}

func TestSchedule_RoundRobinRespectsRemainingCapacity(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 4}}
	tight := readyNode("tight", 5, nil)
	tight.Status.Pipelines = []clustermodel.NodePipelineInfo{{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}}
	nodes := []clustermodel.Node{
		tight, // only 1 slot free
		readyNode("roomy", 10, nil),
	}

	assignment, err := Schedule(pipeline, nodes)
	require.NoError(t, err)
	assert.LessOrEqual(t, assignment["tight"], uint32(1))
	assert.EqualValues(t, 4, sumAssigned(assignment))
}

func TestSchedule_InsufficientCapacityAcrossAllCandidates(t *testing.T) {
	pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: 3}}
	a := readyNode("a", 1, scorePtr(50))
	b := readyNode("b", 1, scorePtr(50))
	nodes := []clustermodel.Node{a, b}

	_, err := Schedule(pipeline, nodes)
	require.Error(t, err)
	assert.Equal(t, clustererr.InsufficientCapacity, clustererr.KindOf(err))
}

// Regression for the rounding-bias open question: whatever the remainder
// strategy, the sum assigned must equal the requested replica count and
// nothing may land on an ineligible node.
func TestSchedule_SumAlwaysEqualsReplicas(t *testing.T) {
	for replicas := uint32(1); replicas <= 23; replicas++ {
		pipeline := &clustermodel.Pipeline{Spec: clustermodel.PipelineSpec{Replicas: replicas}}
		nodes := []clustermodel.Node{
			readyNode("a", 100, scorePtr(33)),
			readyNode("b", 100, scorePtr(12)),
			readyNode("c", 100, scorePtr(77)),
		}
		assignment, err := Schedule(pipeline, nodes)
		require.NoError(t, err)
		assert.EqualValues(t, replicas, sumAssigned(assignment), "replicas=%d", replicas)
	}
}
