// Package healthchecker actively probes every known replica's health
// endpoint and maintains its Starting -> Running -> Unhealthy state machine.
package healthchecker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/store"
)

// Config controls probe cadence and thresholds.
type Config struct {
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
	HealthPath       string
}

// DefaultConfig mirrors the defaults table in the health config defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          5 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
		HealthPath:       "/health",
	}
}

// Checker probes every replica tracked by the store on each Run call.
type Checker struct {
	store  *store.ClusterStore
	client *http.Client
	cfg    Config
}

// New builds a Checker whose HTTP client timeout matches cfg.Timeout.
func New(s *store.ClusterStore, cfg Config) *Checker {
	return &Checker{
		store:  s,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

type replicaTarget struct {
	node      string
	address   string
	namespace string
	pipeline  string
	port      uint16
}

// Run probes every replica currently reported by a node's status, updates
// each replica's health state, and prunes states for replicas no longer
// present. Probes run concurrently; store writes are serialized by the
// store's own per-key locking.
func (c *Checker) Run(ctx context.Context) {
	nodes := c.store.ListNodes()

	var targets []replicaTarget
	for _, n := range nodes {
		if n.Status == nil {
			continue
		}
		for _, p := range n.Status.Pipelines {
			targets = append(targets, replicaTarget{
				node:      n.Metadata.Name,
				address:   n.Spec.Address,
				namespace: p.Namespace,
				pipeline:  p.Name,
				port:      p.Port,
			})
		}
	}

	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t replicaTarget) {
			defer wg.Done()
			c.probeAndRecord(ctx, t)
		}(t)
	}
	wg.Wait()

	active := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		active[clustermodel.HealthStateKey(t.node, t.namespace, t.pipeline, t.port)] = struct{}{}
	}
	c.store.CleanupStale(active)
}

func (c *Checker) probeAndRecord(ctx context.Context, t replicaTarget) {
	key := clustermodel.HealthStateKey(t.node, t.namespace, t.pipeline, t.port)
	endpoint := fmt.Sprintf("http://%s:%d", t.address, t.port)

	result := c.probe(ctx, endpoint)
	metrics.HealthProbeLatency.Observe(result.LatencyMs / 1000.0)
	if result.Success {
		metrics.HealthProbesTotal.WithLabelValues("success").Inc()
	} else {
		metrics.HealthProbesTotal.WithLabelValues("failure").Inc()
	}

	state, ok := c.store.GetHealthState(key)
	if !ok {
		state = clustermodel.NewReplicaHealthState(t.node, t.address, t.namespace, t.pipeline, t.port)
	}

	if result.Success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.ConsecutiveSuccesses >= c.cfg.SuccessThreshold && state.Status != clustermodel.ReplicaRunning {
			state.Status = clustermodel.ReplicaRunning
			now := time.Now().UTC()
			state.ReadySince = &now
			clog.WithComponent("healthchecker").Debug().Str("key", key).Float64("latencyMs", result.LatencyMs).Msg("replica is now healthy")
		}
	} else {
		state.ConsecutiveFailures++
		state.ConsecutiveSuccesses = 0
		if state.ConsecutiveFailures >= c.cfg.FailureThreshold && state.Status == clustermodel.ReplicaRunning {
			clog.WithComponent("healthchecker").Warn().Str("key", key).Uint32("failures", state.ConsecutiveFailures).Str("error", result.Error).Msg("replica is now unhealthy")
			state.Status = clustermodel.ReplicaUnhealthy
			state.ReadySince = nil
		}
	}
	state.LastProbe = &result

	c.store.PutHealthState(key, state)
}

func (c *Checker) probe(ctx context.Context, endpoint string) clustermodel.ProbeResult {
	url := endpoint + c.cfg.HealthPath
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return clustermodel.ProbeResult{Success: false, LatencyMs: 0, Timestamp: time.Now().UTC(), Error: err.Error()}
	}

	resp, err := c.client.Do(req)
	latency := float64(time.Since(start).Milliseconds())
	now := time.Now().UTC()
	if err != nil {
		msg := "timeout"
		if reqCtx.Err() != context.DeadlineExceeded {
			msg = err.Error()
		}
		return clustermodel.ProbeResult{Success: false, LatencyMs: latency, Timestamp: now, Error: msg}
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := clustermodel.ProbeResult{
		Success:    success,
		StatusCode: &resp.StatusCode,
		LatencyMs:  latency,
		Timestamp:  now,
	}
	if !success {
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result
}

// Summary computes the aggregate health rollup over every tracked replica,
// falling back to counting node-reported replica statuses when no health
// state has been recorded yet (replicas just scheduled, never probed).
func Summary(s *store.ClusterStore) clustermodel.ClusterHealthSummary {
	states := s.ListHealthStates()

	var summary clustermodel.ClusterHealthSummary
	for _, st := range states {
		summary.Total++
		switch st.Status {
		case clustermodel.ReplicaRunning:
			summary.Running++
		case clustermodel.ReplicaUnhealthy:
			summary.Unhealthy++
		case clustermodel.ReplicaFailed:
			summary.Failed++
		case clustermodel.ReplicaStarting:
			summary.Starting++
		case clustermodel.ReplicaTerminating:
			summary.Terminating++
		}
	}

	if summary.Total == 0 {
		for _, n := range s.ListNodes() {
			if n.Status == nil {
				continue
			}
			for _, p := range n.Status.Pipelines {
				summary.Total++
				switch p.Status {
				case clustermodel.ReplicaRunning:
					summary.Running++
				case clustermodel.ReplicaUnhealthy, clustermodel.ReplicaFailed:
					summary.Unhealthy++
				case clustermodel.ReplicaStarting:
					summary.Starting++
				case clustermodel.ReplicaTerminating:
					summary.Terminating++
				}
			}
		}
	}

	if summary.Total > 0 && summary.Running+summary.Unhealthy+summary.Failed+summary.Starting == 0 {
		summary.Unknown = summary.Total
	}

	summary.Status = summary.ComputeStatus()
	return summary
}
