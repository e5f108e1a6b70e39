package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/store"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedMetrics struct {
	m clustermodel.NodeMetrics
}

func (f fixedMetrics) Collect() clustermodel.NodeMetrics { return f.m }

func TestSender_SendOnce_PostsCurrentMetrics(t *testing.T) {
	var received clustermodel.NodeStatus
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nodes/worker-1/heartbeat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sampled := clustermodel.NodeMetrics{CPUUsagePercent: 42}
	sender := NewSender(SenderConfig{
		ControlPlaneURL: srv.URL,
		NodeName:        "worker-1",
		Interval:        time.Second,
		Capacity:        clustermodel.NewNodeCapacity(),
		MaxRetries:      3,
	}, fixedMetrics{m: sampled})

	err := sender.sendOnce(context.Background())
	require.NoError(t, err)
	require.NotNil(t, received.Metrics)
	assert.InDelta(t, 42, received.Metrics.CPUUsagePercent, 0.001)
	assert.Equal(t, clustermodel.NodeReady, received.Phase)
}

func TestSender_SendOnce_ErrorStatusIsReturnedAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sender := NewSender(SenderConfig{
		ControlPlaneURL: srv.URL,
		NodeName:        "worker-1",
		Capacity:        clustermodel.NewNodeCapacity(),
	}, fixedMetrics{})

	err := sender.sendOnce(context.Background())
	assert.Error(t, err)
}

func TestReceive_AppliesStatusAndDefaultsPhase(t *testing.T) {
	s := store.New()
	require.NoError(t, s.RegisterNode(clustermodel.Node{
		Metadata: clustermodel.NodeMetadata{Name: "worker-1"},
		Spec:     clustermodel.NodeSpec{Address: "10.0.0.5", Port: 8080, Schedulable: true},
	}))

	err := Receive(s, "worker-1", clustermodel.NodeStatus{Capacity: clustermodel.NewNodeCapacity()})
	require.NoError(t, err)

	n, err := s.GetNode("worker-1")
	require.NoError(t, err)
	require.NotNil(t, n.Status)
	assert.Equal(t, clustermodel.NodeReady, n.Status.Phase)
	assert.WithinDuration(t, time.Now().UTC(), n.Status.LastHeartbeat, 5*time.Second)
}

func TestReceive_UnknownNodeFails(t *testing.T) {
	s := store.New()
	err := Receive(s, "ghost", clustermodel.NodeStatus{})
	assert.Error(t, err)
}

func TestReceive_IncrementsHeartbeatsTotal(t *testing.T) {
	s := store.New()
	require.NoError(t, s.RegisterNode(clustermodel.Node{
		Metadata: clustermodel.NodeMetadata{Name: "worker-metrics"},
		Spec:     clustermodel.NodeSpec{Address: "10.0.0.6", Port: 8080, Schedulable: true},
	}))

	before := &dto.Metric{}
	require.NoError(t, metrics.HeartbeatsTotal.WithLabelValues("worker-metrics").Write(before))

	require.NoError(t, Receive(s, "worker-metrics", clustermodel.NodeStatus{Capacity: clustermodel.NewNodeCapacity()}))

	after := &dto.Metric{}
	require.NoError(t, metrics.HeartbeatsTotal.WithLabelValues("worker-metrics").Write(after))
	assert.Equal(t, before.GetCounter().GetValue()+1, after.GetCounter().GetValue())
}
