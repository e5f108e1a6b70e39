package store

import (
	"testing"
	"time"

	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(name string) clustermodel.Node {
	return clustermodel.Node{
		Metadata: clustermodel.NodeMetadata{Name: name},
		Spec:     clustermodel.NodeSpec{Address: "10.0.0.1", Port: 8080, Schedulable: true},
	}
}

func testPipeline(namespace, name string) clustermodel.Pipeline {
	return clustermodel.Pipeline{
		Metadata: clustermodel.PipelineMetadata{Namespace: namespace, Name: name},
		Spec:     clustermodel.PipelineSpec{Replicas: 2, Port: 9000},
	}
}

func TestNew_HasDefaultNamespace(t *testing.T) {
	s := New()
	namespaces := s.ListNamespaces()
	require.Len(t, namespaces, 1)
	assert.Equal(t, "default", namespaces[0].Metadata.Name)
}

func TestRegisterNode_RejectsDuplicate(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	err := s.RegisterNode(testNode("n1"))
	require.Error(t, err)
	assert.Equal(t, clustererr.AlreadyExists, clustererr.KindOf(err))
}

func TestGetNode_NotFound(t *testing.T) {
	s := New()
	_, err := s.GetNode("missing")
	require.Error(t, err)
	assert.Equal(t, clustererr.NotFound, clustererr.KindOf(err))
}

func TestUnregisterNode(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	n, err := s.UnregisterNode("n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", n.Metadata.Name)

	_, err = s.GetNode("n1")
	assert.Error(t, err)
}

func TestUpdateNodeStatus_ComputesScore(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	metrics := clustermodel.NodeMetrics{CPUUsagePercent: 10, MemoryUsagePercent: 10, DiskUsagePercent: 10}
	status := clustermodel.NodeStatus{Phase: clustermodel.NodeReady, Metrics: &metrics}
	require.NoError(t, s.UpdateNodeStatus("n1", status))

	n, err := s.GetNode("n1")
	require.NoError(t, err)
	require.NotNil(t, n.Status.Score)
	assert.Greater(t, n.Status.Score.Score, 50.0)
}

func TestUpdateNodeStatus_UnknownNode(t *testing.T) {
	s := New()
	err := s.UpdateNodeStatus("ghost", clustermodel.NodeStatus{})
	require.Error(t, err)
	assert.Equal(t, clustererr.NotFound, clustererr.KindOf(err))
}

func TestCordonUncordon(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	require.NoError(t, s.Cordon("n1"))
	n, _ := s.GetNode("n1")
	assert.False(t, n.Spec.Schedulable)

	require.NoError(t, s.Uncordon("n1"))
	n, _ = s.GetNode("n1")
	assert.True(t, n.Spec.Schedulable)
}

func TestAddPipelineToNode_IdempotentAndLazyStatus(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	require.NoError(t, s.AddPipelineToNode("n1", "default", "p1", 9000))
	require.NoError(t, s.AddPipelineToNode("n1", "default", "p1", 9000))

	n, err := s.GetNode("n1")
	require.NoError(t, err)
	require.NotNil(t, n.Status)
	assert.Len(t, n.Status.Pipelines, 1)
}

func TestRemovePipelineFromNode(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))
	require.NoError(t, s.AddPipelineToNode("n1", "default", "p1", 9000))

	require.NoError(t, s.RemovePipelineFromNode("n1", "default", "p1"))

	n, _ := s.GetNode("n1")
	assert.Empty(t, n.Status.Pipelines)
}

func TestCheckNodeHealth_MarksStaleNodesUnknown(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))
	stale := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.UpdateNodeStatus("n1", clustermodel.NodeStatus{Phase: clustermodel.NodeReady, LastHeartbeat: stale}))

	s.CheckNodeHealth(90 * time.Second)

	n, _ := s.GetNode("n1")
	assert.Equal(t, clustermodel.NodeUnknown, n.Status.Phase)
}

func TestCheckNodeHealth_LeavesFreshNodesAlone(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))
	require.NoError(t, s.UpdateNodeStatus("n1", clustermodel.NodeStatus{Phase: clustermodel.NodeReady, LastHeartbeat: time.Now().UTC()}))

	s.CheckNodeHealth(90 * time.Second)

	n, _ := s.GetNode("n1")
	assert.Equal(t, clustermodel.NodeReady, n.Status.Phase)
}

func TestDeployPipeline_AutoCreatesNamespace(t *testing.T) {
	s := New()
	_, err := s.DeployPipeline(testPipeline("team-a", "p1"))
	require.NoError(t, err)

	found := false
	for _, ns := range s.ListNamespaces() {
		if ns.Metadata.Name == "team-a" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestDeployPipeline_RejectsDuplicate(t *testing.T) {
	s := New()
	_, err := s.DeployPipeline(testPipeline("default", "p1"))
	require.NoError(t, err)

	_, err = s.DeployPipeline(testPipeline("default", "p1"))
	require.Error(t, err)
	assert.Equal(t, clustererr.AlreadyExists, clustererr.KindOf(err))
}

func TestScalePipeline(t *testing.T) {
	s := New()
	_, err := s.DeployPipeline(testPipeline("default", "p1"))
	require.NoError(t, err)

	p, err := s.ScalePipeline("default", "p1", 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, p.Spec.Replicas)
}

func TestUpdatePipelineStatus_DropsUpdateAfterDelete(t *testing.T) {
	s := New()
	_, err := s.DeployPipeline(testPipeline("default", "p1"))
	require.NoError(t, err)
	_, err = s.DeletePipeline("default", "p1")
	require.NoError(t, err)

	err = s.UpdatePipelineStatus("default", "p1", clustermodel.PipelineStatus{Replicas: 5})
	require.Error(t, err)
	assert.Equal(t, clustererr.NotFound, clustererr.KindOf(err))
}

func TestListPipelines_FiltersByNamespace(t *testing.T) {
	s := New()
	_, err := s.DeployPipeline(testPipeline("a", "p1"))
	require.NoError(t, err)
	_, err = s.DeployPipeline(testPipeline("b", "p2"))
	require.NoError(t, err)

	out := s.ListPipelines("a")
	require.Len(t, out, 1)
	assert.Equal(t, "p1", out[0].Metadata.Name)
}

func TestHealthStates_CleanupStaleRemovesInactive(t *testing.T) {
	s := New()
	s.PutHealthState("n1:default:p1:9000", clustermodel.NewReplicaHealthState("n1", "10.0.0.1", "default", "p1", 9000))
	s.PutHealthState("n1:default:p2:9001", clustermodel.NewReplicaHealthState("n1", "10.0.0.1", "default", "p2", 9001))

	s.CleanupStale(map[string]struct{}{"n1:default:p1:9000": {}})

	_, ok := s.GetHealthState("n1:default:p1:9000")
	assert.True(t, ok)
	_, ok = s.GetHealthState("n1:default:p2:9001")
	assert.False(t, ok)
}

func TestClusterStats(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))
	require.NoError(t, s.UpdateNodeStatus("n1", clustermodel.NodeStatus{Phase: clustermodel.NodeReady}))
	_, err := s.DeployPipeline(testPipeline("default", "p1"))
	require.NoError(t, err)

	stats := s.ClusterStats()
	assert.Equal(t, 1, stats.TotalNodes)
	assert.Equal(t, 1, stats.ReadyNodes)
	assert.Equal(t, 1, stats.TotalPipelines)
	assert.Equal(t, 1, stats.Namespaces)

	m := &dto.Metric{}
	require.NoError(t, metrics.NodesTotal.WithLabelValues(string(clustermodel.NodeReady)).Write(m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())

	m = &dto.Metric{}
	require.NoError(t, metrics.PipelinesTotal.WithLabelValues("default").Write(m))
	assert.Equal(t, float64(1), m.GetGauge().GetValue())
}

func TestConcurrentNodeWrites(t *testing.T) {
	s := New()
	require.NoError(t, s.RegisterNode(testNode("n1")))

	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			_ = s.UpdateNodeStatus("n1", clustermodel.NodeStatus{Phase: clustermodel.NodeReady, LastHeartbeat: time.Now().UTC()})
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	n, err := s.GetNode("n1")
	require.NoError(t, err)
	assert.Equal(t, clustermodel.NodeReady, n.Status.Phase)
}
