// Package metrics registers the Prometheus collectors that the control
// plane exports on its /metrics listener.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmnet_nodes_total",
			Help: "Total number of nodes by phase",
		},
		[]string{"phase"},
	)

	PipelinesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmnet_pipelines_total",
			Help: "Total number of pipelines by namespace",
		},
		[]string{"namespace"},
	)

	ReplicasTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llmnet_replicas_total",
			Help: "Total number of replicas by status",
		},
		[]string{"status"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmnet_api_requests_total",
			Help: "Total number of admin API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmnet_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmnet_scheduling_latency_seconds",
			Help:    "Time taken to schedule a pipeline's replicas",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicasScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmnet_replicas_scheduled_total",
			Help: "Total number of replicas successfully scheduled to workers",
		},
	)

	ReplicasRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmnet_replicas_rejected_total",
			Help: "Total number of replica assignments rejected by workers",
		},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmnet_reconciliation_duration_seconds",
			Help:    "Time taken for an orchestrator reconcile cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmnet_reconciliation_cycles_total",
			Help: "Total number of orchestrator reconcile cycles completed",
		},
	)

	AutoscalerDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmnet_autoscaler_decisions_total",
			Help: "Total number of autoscaler decisions by action",
		},
		[]string{"action"},
	)

	HealthProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmnet_health_probes_total",
			Help: "Total number of active health probes by outcome",
		},
		[]string{"outcome"},
	)

	HealthProbeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmnet_health_probe_latency_seconds",
			Help:    "Latency of active health probes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmnet_heartbeats_total",
			Help: "Total number of heartbeats received by node",
		},
		[]string{"node"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PipelinesTotal)
	prometheus.MustRegister(ReplicasTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(ReplicasScheduled)
	prometheus.MustRegister(ReplicasRejected)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(AutoscalerDecisionsTotal)
	prometheus.MustRegister(HealthProbesTotal)
	prometheus.MustRegister(HealthProbeLatency)
	prometheus.MustRegister(HeartbeatsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
