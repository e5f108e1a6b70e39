package workeragent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleAssignment_AcceptAllRunnerStoresAssignment(t *testing.T) {
	agent := New("n1", "10.0.0.1:9090", AcceptAllRunner{})
	h := agent.Handler()

	body, _ := json.Marshal(Assignment{Namespace: "default", Name: "p1", Port: 9000, Replicas: 3})
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AssignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.EqualValues(t, 3, resp.Accepted)
	assert.Equal(t, "10.0.0.1:9090", resp.Endpoint)

	assignments := agent.Assignments()
	require.Contains(t, assignments, "default/p1")
	assert.EqualValues(t, 3, assignments["default/p1"].Replicas)
}

type rejectingRunner struct{}

func (rejectingRunner) Apply(Assignment) (uint32, error) {
	return 0, assertErr{"no capacity"}
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestHandleAssignment_RunnerErrorReturns200WithFailureBody(t *testing.T) {
	agent := New("n1", "10.0.0.1:9090", rejectingRunner{})
	h := agent.Handler()

	body, _ := json.Marshal(Assignment{Namespace: "default", Name: "p1", Replicas: 2})
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp AssignmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, "no capacity", resp.Error)
	assert.Empty(t, agent.Assignments())
}

type zeroAcceptRunner struct{}

func (zeroAcceptRunner) Apply(Assignment) (uint32, error) { return 0, nil }

func TestHandleAssignment_ZeroAcceptedRemovesExistingAssignment(t *testing.T) {
	agent := New("n1", "10.0.0.1:9090", AcceptAllRunner{})
	h := agent.Handler()

	body, _ := json.Marshal(Assignment{Namespace: "default", Name: "p1", Replicas: 2})
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Contains(t, agent.Assignments(), "default/p1")

	agent.runner = zeroAcceptRunner{}
	body, _ = json.Marshal(Assignment{Namespace: "default", Name: "p1", Replicas: 0})
	req = httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, agent.Assignments(), "default/p1")
}

func TestHandleAssignment_InvalidBodyIsBadRequest(t *testing.T) {
	agent := New("n1", "10.0.0.1:9090", AcceptAllRunner{})
	req := httptest.NewRequest(http.MethodPost, "/v1/assignments", bytes.NewReader([]byte(`{"unknown":1}`)))
	rec := httptest.NewRecorder()
	agent.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	agent := New("n1", "10.0.0.1:9090", AcceptAllRunner{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	agent.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAcceptAllRunner_AcceptsRequestedReplicas(t *testing.T) {
	accepted, err := AcceptAllRunner{}.Apply(Assignment{Replicas: 7})
	require.NoError(t, err)
	assert.EqualValues(t, 7, accepted)
}

func TestBasicSampler_CollectResetsCountersAndReportsLatency(t *testing.T) {
	sampler := NewBasicSampler("/")
	sampler.RequestStarted()
	sampler.RecordRequest(10 * time.Millisecond)
	sampler.RecordRequest(20 * time.Millisecond)

	metrics := sampler.Collect()
	assert.EqualValues(t, 2, metrics.RequestCount)
	assert.InDelta(t, 15, metrics.AvgLatencyMs, 0.001)
	assert.EqualValues(t, 1, metrics.ActiveRequests)

	sampler.RequestFinished()
	second := sampler.Collect()
	assert.EqualValues(t, 0, second.RequestCount)
	assert.EqualValues(t, 0, second.ActiveRequests)
}

func TestNewBasicSampler_DefaultsDiskPath(t *testing.T) {
	sampler := NewBasicSampler("")
	assert.Equal(t, "/", sampler.diskPath)
}
