// Package orchestrator runs the reconcile loop that schedules pending
// pipelines onto workers and dispatches assignments over HTTP.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/llmnet/controlplane/internal/autoscaler"
	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/scheduler"
	"github.com/llmnet/controlplane/internal/store"
)

// Config controls reconcile cadence and worker dispatch timeouts.
type Config struct {
	ReconcileInterval       time.Duration
	WorkerRequestTimeout    time.Duration
}

// DefaultConfig mirrors the original orchestrator's defaults.
func DefaultConfig() Config {
	return Config{ReconcileInterval: 5 * time.Second, WorkerRequestTimeout: 30 * time.Second}
}

// PipelineAssignment is the payload POSTed to a worker's assignment endpoint.
type PipelineAssignment struct {
	Namespace   string      `json:"namespace"`
	Name        string      `json:"name"`
	Composition interface{} `json:"composition"`
	Port        uint16      `json:"port"`
	Replicas    uint32      `json:"replicas"`
}

// AssignmentResponse is what a worker replies with after accepting or
// rejecting an assignment.
type AssignmentResponse struct {
	Success  bool   `json:"success"`
	Endpoint string `json:"endpoint,omitempty"`
	Accepted uint32 `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Orchestrator owns the background reconcile loop.
type Orchestrator struct {
	store  *store.ClusterStore
	client *http.Client
	cfg    Config
}

func New(s *store.ClusterStore, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:  s,
		client: &http.Client{Timeout: cfg.WorkerRequestTimeout},
		cfg:    cfg,
	}
}

// Run blocks, reconciling on cfg.ReconcileInterval until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	clog.WithComponent("orchestrator").Info().Dur("interval", o.cfg.ReconcileInterval).Msg("orchestrator started")

	for {
		select {
		case <-ticker.C:
			o.ReconcileOnce(ctx)
		case <-ctx.Done():
			clog.WithComponent("orchestrator").Info().Msg("orchestrator shutting down")
			return
		}
	}
}

// ReconcileOnce scans every pipeline and schedules the ones that have never
// had a replica placed.
func (o *Orchestrator) ReconcileOnce(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()
	for _, p := range o.store.ListAllPipelines() {
		status := p.Status
		needsScheduling := status == nil || (status.Replicas == 0 && status.ReadyReplicas == 0)
		if needsScheduling {
			o.schedulePipeline(ctx, p)
			continue
		}
		if p.Spec.Autoscaling != nil {
			o.evaluateAutoscaling(p)
		}
	}
}

// evaluateAutoscaling aggregates metrics from the nodes currently hosting a
// pipeline's replicas and applies the autoscaler's decision, if any.
func (o *Orchestrator) evaluateAutoscaling(p clustermodel.Pipeline) {
	log := clog.WithPipeline(p.QualifiedName())

	var samples []clustermodel.NodeMetrics
	for _, n := range o.store.ListNodes() {
		if n.Status == nil || n.Status.Metrics == nil {
			continue
		}
		for _, hosted := range n.Status.Pipelines {
			if hosted.Namespace == p.Metadata.Namespace && hosted.Name == p.Metadata.Name {
				samples = append(samples, *n.Status.Metrics)
				break
			}
		}
	}

	agg := autoscaler.Aggregate(samples)
	state := clustermodel.AutoscalerState{}
	if p.Status != nil {
		state = p.Status.AutoscalerState
	}

	decision := autoscaler.Evaluate(*p.Spec.Autoscaling, p.Spec.Replicas, agg, state, time.Now().UTC())
	if decision.Action == autoscaler.NoChange {
		return
	}

	action := "scale_up"
	if decision.Action == autoscaler.ScaleDown {
		action = "scale_down"
	}
	metrics.AutoscalerDecisionsTotal.WithLabelValues(action).Inc()

	if _, err := o.store.ScalePipeline(p.Metadata.Namespace, p.Metadata.Name, decision.Target); err != nil {
		log.Warn().Err(err).Msg("autoscaler failed to apply scale decision")
		return
	}

	now := time.Now().UTC()
	newStatus := *p.Status
	if decision.Action == autoscaler.ScaleUp {
		newStatus.AutoscalerState.LastScaleUp = &now
	} else {
		newStatus.AutoscalerState.LastScaleDown = &now
	}
	newStatus.AddCondition(clustermodel.NewCondition("Autoscaled", "True", action, decision.Reason))
	if err := o.store.UpdatePipelineStatus(p.Metadata.Namespace, p.Metadata.Name, newStatus); err != nil {
		log.Warn().Err(err).Msg("failed to persist autoscaler state")
		return
	}
	log.Info().Str("action", action).Uint32("target", decision.Target).Str("reason", decision.Reason).Msg("autoscaler applied decision")
}

func (o *Orchestrator) schedulePipeline(ctx context.Context, p clustermodel.Pipeline) {
	log := clog.WithPipeline(p.QualifiedName())

	timer := metrics.NewTimer()
	placement, err := scheduler.Schedule(&p, o.store.ListNodes())
	timer.ObserveDuration(metrics.SchedulingLatency)
	if err != nil {
		o.recordFailure(p, err)
		log.Warn().Err(err).Msg("failed to schedule pipeline")
		return
	}

	endpoints, acceptedTotal := o.dispatch(ctx, p, placement)

	newStatus := clustermodel.InitialPipelineStatus()
	if p.Status != nil {
		newStatus = *p.Status
	}
	// Partial dispatch: a worker rejecting or dropping an assignment must
	// not be reported as if the full desired count is running.
	newStatus.Replicas = acceptedTotal
	newStatus.Endpoints = endpoints
	if acceptedTotal > 0 {
		newStatus.AddCondition(clustermodel.NewCondition("Scheduled", "True", "ReplicasScheduled",
			fmt.Sprintf("%d of %d replica(s) scheduled to workers", acceptedTotal, p.Spec.Replicas)))
		log.Info().Uint32("accepted", acceptedTotal).Uint32("desired", p.Spec.Replicas).Msg("pipeline scheduled")
	} else {
		newStatus.AddCondition(clustermodel.NewCondition("Scheduled", "False", "SchedulingFailed",
			"no worker accepted the assignment"))
		log.Warn().Msg("no worker accepted the assignment")
	}

	if err := o.store.UpdatePipelineStatus(p.Metadata.Namespace, p.Metadata.Name, newStatus); err != nil {
		log.Error().Err(err).Msg("failed to persist pipeline status")
	}
}

func (o *Orchestrator) recordFailure(p clustermodel.Pipeline, cause error) {
	newStatus := clustermodel.InitialPipelineStatus()
	if p.Status != nil {
		newStatus = *p.Status
	}
	newStatus.AddCondition(clustermodel.NewCondition("Scheduled", "False", "SchedulingFailed", cause.Error()))
	_ = o.store.UpdatePipelineStatus(p.Metadata.Namespace, p.Metadata.Name, newStatus)
}

// dispatch POSTs an assignment to every scheduled node and returns the
// endpoints reported by workers that accepted, plus the sum of accepted
// replica counts (the resolved replacement for echoing spec.replicas back
// unconditionally).
func (o *Orchestrator) dispatch(ctx context.Context, p clustermodel.Pipeline, placement map[string]uint32) ([]string, uint32) {
	var endpoints []string
	var acceptedTotal uint32

	for nodeName, replicaCount := range placement {
		node, err := o.store.GetNode(nodeName)
		if err != nil {
			clog.WithComponent("orchestrator").Warn().Str("node", nodeName).Msg("scheduled node vanished before dispatch")
			continue
		}

		assignment := PipelineAssignment{
			Namespace:   p.Metadata.Namespace,
			Name:        p.Metadata.Name,
			Composition: p.Spec.Composition,
			Port:        p.Spec.Port,
			Replicas:    replicaCount,
		}

		resp, err := o.postAssignment(ctx, node, assignment)
		if err != nil {
			clog.WithComponent("orchestrator").Warn().Str("node", nodeName).Err(err).Msg("failed to contact worker")
			continue
		}
		if !resp.Success {
			clog.WithComponent("orchestrator").Warn().Str("node", nodeName).Str("error", resp.Error).Msg("worker rejected assignment")
			metrics.ReplicasRejected.Add(float64(replicaCount))
			continue
		}

		accepted := resp.Accepted
		if accepted == 0 {
			accepted = replicaCount
		}
		acceptedTotal += accepted
		metrics.ReplicasScheduled.Add(float64(accepted))
		if resp.Endpoint != "" {
			endpoints = append(endpoints, resp.Endpoint)
		}
		if err := o.store.AddPipelineToNode(nodeName, p.Metadata.Namespace, p.Metadata.Name, p.Spec.Port); err != nil {
			clog.WithComponent("orchestrator").Warn().Str("node", nodeName).Err(err).Msg("failed to record placement")
		}
	}

	return endpoints, acceptedTotal
}

func (o *Orchestrator) postAssignment(ctx context.Context, node clustermodel.Node, assignment PipelineAssignment) (*AssignmentResponse, error) {
	body, err := json.Marshal(assignment)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/v1/assignments", node.FullAddress())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return nil, clustererr.Newf(clustererr.Internal, "worker returned %d: %s", resp.StatusCode, string(b))
	}

	var ar AssignmentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, err
	}
	return &ar, nil
}
