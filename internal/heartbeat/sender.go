// Package heartbeat implements both sides of the worker->control-plane
// heartbeat protocol: Sender runs on a worker agent, Receive is called by
// the admin API when a heartbeat arrives.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/store"
)

// DefaultIntervalSecs is the default heartbeat cadence.
const DefaultIntervalSecs = 30

// SenderConfig configures a worker's heartbeat loop.
type SenderConfig struct {
	ControlPlaneURL string
	NodeName        string
	Interval        time.Duration
	Capacity        clustermodel.NodeCapacity
	MaxRetries      uint32
}

// MetricsSource supplies the latest metrics sample for a heartbeat.
type MetricsSource interface {
	Collect() clustermodel.NodeMetrics
}

// Sender periodically POSTs this node's NodeStatus to the control plane.
type Sender struct {
	cfg     SenderConfig
	client  *http.Client
	metrics MetricsSource
}

func NewSender(cfg SenderConfig, metrics MetricsSource) *Sender {
	return &Sender{
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		metrics: metrics,
	}
}

// Run blocks, sending heartbeats on cfg.Interval until ctx is canceled.
func (s *Sender) Run(ctx context.Context) {
	log := clog.WithNode(s.cfg.NodeName)
	log.Info().Str("controlPlane", s.cfg.ControlPlaneURL).Dur("interval", s.cfg.Interval).Msg("starting heartbeat sender")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var consecutiveFailures uint32
	for {
		select {
		case <-ticker.C:
			if err := s.sendOnce(ctx); err != nil {
				consecutiveFailures++
				if consecutiveFailures >= s.cfg.MaxRetries {
					log.Error().Err(err).Uint32("failures", consecutiveFailures).Msg("control plane unreachable")
				} else {
					log.Warn().Err(err).Uint32("attempt", consecutiveFailures).Msg("heartbeat failed")
				}
				continue
			}
			if consecutiveFailures > 0 {
				log.Info().Uint32("failures", consecutiveFailures).Msg("heartbeat recovered")
			}
			consecutiveFailures = 0
		case <-ctx.Done():
			log.Info().Msg("heartbeat sender shutting down")
			return
		}
	}
}

func (s *Sender) sendOnce(ctx context.Context) error {
	metrics := s.metrics.Collect()

	status := clustermodel.NodeStatus{
		Phase:         clustermodel.NodeReady,
		Capacity:      s.cfg.Capacity,
		Allocatable:   s.cfg.Capacity,
		LastHeartbeat: time.Now().UTC(),
		Metrics:       &metrics,
	}

	body, err := json.Marshal(status)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/v1/nodes/%s/heartbeat", s.cfg.ControlPlaneURL, s.cfg.NodeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return clustererr.Newf(clustererr.Internal, "control plane returned %d", resp.StatusCode)
	}
	return nil
}

// Receive applies an inbound heartbeat's status to the store. Used by the
// admin API's POST /v1/nodes/{name}/heartbeat handler.
func Receive(s *store.ClusterStore, nodeName string, status clustermodel.NodeStatus) error {
	status.LastHeartbeat = time.Now().UTC()
	if status.Phase == "" {
		status.Phase = clustermodel.NodeReady
	}
	metrics.HeartbeatsTotal.WithLabelValues(nodeName).Inc()
	return s.UpdateNodeStatus(nodeName, status)
}
