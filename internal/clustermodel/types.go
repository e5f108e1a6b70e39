// Package clustermodel defines the resources owned by the cluster store:
// nodes, pipelines, namespaces, and the metrics/score/health payloads
// attached to them.
package clustermodel

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const APIVersion = "llmnet/v1"

// NodePhase is the overall readiness phase of a Node.
type NodePhase string

const (
	NodeReady       NodePhase = "Ready"
	NodeNotReady    NodePhase = "NotReady"
	NodeUnknown     NodePhase = "Unknown"
	NodeTerminating NodePhase = "Terminating"
)

// ReplicaStatus is the status of a pipeline replica hosted on a node.
type ReplicaStatus string

const (
	ReplicaStarting    ReplicaStatus = "Starting"
	ReplicaRunning     ReplicaStatus = "Running"
	ReplicaUnhealthy   ReplicaStatus = "Unhealthy"
	ReplicaTerminating ReplicaStatus = "Terminating"
	ReplicaFailed      ReplicaStatus = "Failed"
)

// Node is a worker registered with the control plane.
type Node struct {
	APIVersion string       `json:"apiVersion"`
	Kind       string       `json:"kind"`
	Metadata   NodeMetadata `json:"metadata"`
	Spec       NodeSpec     `json:"spec"`
	Status     *NodeStatus  `json:"status,omitempty"`
}

type NodeMetadata struct {
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

type NodeSpec struct {
	Address     string `json:"address"`
	Port        uint16 `json:"port"`
	Schedulable bool   `json:"schedulable"`
}

type NodeStatus struct {
	Phase         NodePhase          `json:"phase"`
	Capacity      NodeCapacity       `json:"capacity"`
	Allocatable   NodeCapacity       `json:"allocatable"`
	Pipelines     []NodePipelineInfo `json:"pipelines"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	NodeInfo      NodeInfo           `json:"nodeInfo"`
	Metrics       *NodeMetrics       `json:"metrics,omitempty"`
	Score         *NodeScore         `json:"score,omitempty"`
}

type NodeCapacity struct {
	CPU          uint32 `json:"cpu"`
	MemoryBytes  uint64 `json:"memory"`
	GPU          uint32 `json:"gpu"`
	GPUMemory    uint64 `json:"gpuMemory"`
	MaxPipelines uint32 `json:"maxPipelines"`
}

// DefaultMaxPipelines is the fallback cap on replicas hosted per node.
const DefaultMaxPipelines uint32 = 10

func NewNodeCapacity() NodeCapacity {
	return NodeCapacity{MaxPipelines: DefaultMaxPipelines}
}

type NodePipelineInfo struct {
	Name      string        `json:"name"`
	Namespace string        `json:"namespace"`
	Port      uint16        `json:"port"`
	Status    ReplicaStatus `json:"status"`
}

type NodeInfo struct {
	OS            string   `json:"os"`
	Architecture  string   `json:"architecture"`
	AgentVersion  string   `json:"agentVersion"`
	KernelVersion string   `json:"kernelVersion,omitempty"`
	CUDAVersion   string   `json:"cudaVersion,omitempty"`
	GPUModels     []string `json:"gpuModels,omitempty"`
}

// NodeMetrics is the metrics payload a worker reports on every heartbeat.
type NodeMetrics struct {
	CPUUsagePercent       float64   `json:"cpuUsagePercent"`
	MemoryUsagePercent    float64   `json:"memoryUsagePercent"`
	GPUUsagePercent       *float64  `json:"gpuUsagePercent,omitempty"`
	GPUMemoryUsagePercent *float64  `json:"gpuMemoryUsagePercent,omitempty"`
	DiskUsagePercent      float64   `json:"diskUsagePercent"`
	RequestCount          uint64    `json:"requestCount"`
	AvgLatencyMs          float64   `json:"avgLatencyMs"`
	ActiveRequests        uint32    `json:"activeRequests"`
	CollectedAt           time.Time `json:"collectedAt"`
}

// NodeScore is the calculated scheduling preference for a node.
type NodeScore struct {
	Score       float64        `json:"score"`
	Breakdown   ScoreBreakdown `json:"breakdown"`
	CalculatedAt time.Time     `json:"calculatedAt"`
}

// DefaultScore is the sentinel used when a node has not reported metrics yet.
const DefaultScore = 50.0

type ScoreBreakdown struct {
	CPUScore    float64  `json:"cpuScore"`
	MemoryScore float64  `json:"memoryScore"`
	GPUScore    *float64 `json:"gpuScore,omitempty"`
	DiskScore   float64  `json:"diskScore"`
	LoadScore   float64  `json:"loadScore"`
}

// IsReady reports whether the node has a status and that status is Ready.
func (n *Node) IsReady() bool {
	return n.Status != nil && n.Status.Phase == NodeReady
}

// CanSchedule reports whether the node currently accepts new replicas.
func (n *Node) CanSchedule() bool {
	return n.Spec.Schedulable && n.IsReady()
}

// PipelineCount returns how many replicas are currently tracked on the node.
func (n *Node) PipelineCount() int {
	if n.Status == nil {
		return 0
	}
	return len(n.Status.Pipelines)
}

// HasCapacity reports whether the node can host at least one more replica.
func (n *Node) HasCapacity() bool {
	return n.RemainingCapacity() > 0
}

// RemainingCapacity returns how many more replicas this node can host before
// hitting its maxPipelines cap.
func (n *Node) RemainingCapacity() uint32 {
	if n.Status == nil {
		return 0
	}
	used := uint32(len(n.Status.Pipelines))
	if used >= n.Status.Capacity.MaxPipelines {
		return 0
	}
	return n.Status.Capacity.MaxPipelines - used
}

// FullAddress returns "address:port".
func (n *Node) FullAddress() string {
	return n.Spec.Address + ":" + strconv.Itoa(int(n.Spec.Port))
}

// Pipeline is the deployable unit managed by the control plane.
type Pipeline struct {
	APIVersion string           `json:"apiVersion"`
	Kind       string           `json:"kind"`
	Metadata   PipelineMetadata `json:"metadata"`
	Spec       PipelineSpec     `json:"spec"`
	Status     *PipelineStatus  `json:"status,omitempty"`
}

type PipelineMetadata struct {
	Name              string            `json:"name"`
	Namespace         string            `json:"namespace"`
	UID               uuid.UUID         `json:"uid"`
	Labels            map[string]string `json:"labels,omitempty"`
	Annotations       map[string]string `json:"annotations,omitempty"`
	CreationTimestamp *time.Time        `json:"creationTimestamp,omitempty"`
}

// QualifiedName returns "{namespace}/{name}", the store's stable key.
func (p *Pipeline) QualifiedName() string {
	return p.Metadata.Namespace + "/" + p.Metadata.Name
}

type PipelineSpec struct {
	Replicas     uint32             `json:"replicas"`
	Composition  interface{}        `json:"composition"`
	Port         uint16             `json:"port"`
	Health       HealthConfig       `json:"health"`
	Strategy     RolloutStrategy    `json:"strategy"`
	NodeSelector map[string]string  `json:"nodeSelector,omitempty"`
	Resources    ResourceRequirements `json:"resources"`
	Autoscaling  *AutoscalingConfig `json:"autoscaling,omitempty"`
}

type HealthConfig struct {
	LivenessPath      string `json:"livenessPath"`
	ReadinessPath     string `json:"readinessPath"`
	InitialDelaySecs  uint32 `json:"initialDelaySeconds"`
	PeriodSecs        uint32 `json:"periodSeconds"`
	TimeoutSecs       uint32 `json:"timeoutSeconds"`
	FailureThreshold  uint32 `json:"failureThreshold"`
	SuccessThreshold  uint32 `json:"successThreshold"`
}

// DefaultHealthConfig mirrors the defaults table in §6.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		LivenessPath:     "/health",
		ReadinessPath:    "/health",
		InitialDelaySecs: 5,
		PeriodSecs:       5,
		TimeoutSecs:      5,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	}
}

type RolloutStrategy struct {
	Type          string               `json:"type"`
	RollingUpdate *RollingUpdateParams `json:"rollingUpdate,omitempty"`
}

func DefaultRolloutStrategy() RolloutStrategy {
	p := DefaultRollingUpdateParams()
	return RolloutStrategy{Type: "RollingUpdate", RollingUpdate: &p}
}

type RollingUpdateParams struct {
	MaxUnavailable uint32 `json:"maxUnavailable"`
	MaxSurge       uint32 `json:"maxSurge"`
}

func DefaultRollingUpdateParams() RollingUpdateParams {
	return RollingUpdateParams{MaxUnavailable: 1, MaxSurge: 1}
}

type ResourceRequirements struct {
	GPUMemory string `json:"gpuMemory,omitempty"`
	CPU       string `json:"cpu,omitempty"`
	Memory    string `json:"memory,omitempty"`
}

// AutoscalingConfig is the operator-declared horizontal autoscaling policy.
type AutoscalingConfig struct {
	MinReplicas       uint32 `json:"minReplicas"`
	MaxReplicas       uint32 `json:"maxReplicas"`
	TargetCPUPercent  float64 `json:"targetCpu"`
	TargetMemPercent  float64 `json:"targetMem"`
	ScaleUpCooldown   time.Duration `json:"scaleUpCooldown"`
	ScaleDownCooldown time.Duration `json:"scaleDownCooldown"`
	MaxScaleUp        uint32 `json:"maxScaleUp"`
	MaxScaleDown      uint32 `json:"maxScaleDown"`
}

type PipelineStatus struct {
	Replicas            uint32              `json:"replicas"`
	ReadyReplicas       uint32              `json:"readyReplicas"`
	AvailableReplicas   uint32              `json:"availableReplicas"`
	UnavailableReplicas uint32              `json:"unavailableReplicas"`
	ObservedGeneration  uint64              `json:"observedGeneration"`
	Conditions          []PipelineCondition `json:"conditions"`
	Endpoints           []string            `json:"endpoints"`
	// AutoscalerState tracks the last time each scaling direction fired,
	// so cooldowns survive across reconcile ticks without a separate store.
	AutoscalerState AutoscalerState `json:"autoscalerState,omitempty"`
}

type AutoscalerState struct {
	LastScaleUp   *time.Time `json:"lastScaleUp,omitempty"`
	LastScaleDown *time.Time `json:"lastScaleDown,omitempty"`
}

// InitialPipelineStatus is the zeroed status a freshly deployed pipeline gets.
func InitialPipelineStatus() PipelineStatus {
	return PipelineStatus{Conditions: []PipelineCondition{}, Endpoints: []string{}}
}

type PipelineCondition struct {
	Type               string    `json:"type"`
	Status             string    `json:"status"`
	LastUpdateTime     time.Time `json:"lastUpdateTime"`
	LastTransitionTime time.Time `json:"lastTransitionTime"`
	Reason             string    `json:"reason"`
	Message            string    `json:"message"`
}

func NewCondition(conditionType, status, reason, message string) PipelineCondition {
	now := time.Now().UTC()
	return PipelineCondition{
		Type:               conditionType,
		Status:             status,
		LastUpdateTime:     now,
		LastTransitionTime: now,
		Reason:             reason,
		Message:            message,
	}
}

// AddCondition replaces any existing condition of the same type.
func (s *PipelineStatus) AddCondition(c PipelineCondition) {
	filtered := s.Conditions[:0]
	for _, existing := range s.Conditions {
		if existing.Type != c.Type {
			filtered = append(filtered, existing)
		}
	}
	s.Conditions = append(filtered, c)
}

// IsReady reports whether available replicas meet the desired count.
func (p *Pipeline) IsReady() bool {
	return p.Status != nil && p.Status.AvailableReplicas >= p.Spec.Replicas
}

// Namespace groups pipelines; carries no policy semantics.
type Namespace struct {
	APIVersion string              `json:"apiVersion"`
	Kind       string              `json:"kind"`
	Metadata   NamespaceMetadata   `json:"metadata"`
}

type NamespaceMetadata struct {
	Name string `json:"name"`
}

func NewNamespace(name string) Namespace {
	return Namespace{APIVersion: APIVersion, Kind: "Namespace", Metadata: NamespaceMetadata{Name: name}}
}

// ReplicaHealthState is the HealthChecker's per-replica tracking record.
type ReplicaHealthState struct {
	Node                string        `json:"node"`
	Namespace           string        `json:"namespace"`
	Pipeline            string        `json:"pipeline"`
	Port                uint16        `json:"port"`
	Endpoint            string        `json:"endpoint"`
	Status              ReplicaStatus `json:"status"`
	ConsecutiveFailures  uint32       `json:"consecutiveFailures"`
	ConsecutiveSuccesses uint32       `json:"consecutiveSuccesses"`
	LastProbe           *ProbeResult  `json:"lastProbe,omitempty"`
	FirstSeen           time.Time     `json:"firstSeen"`
	ReadySince          *time.Time    `json:"readySince,omitempty"`
}

type ProbeResult struct {
	Success    bool      `json:"success"`
	StatusCode *int      `json:"statusCode,omitempty"`
	LatencyMs  float64   `json:"latencyMs"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// HealthStateKey is the stable join key "{node}:{namespace}:{pipeline}:{port}".
func HealthStateKey(node, namespace, pipeline string, port uint16) string {
	return node + ":" + namespace + ":" + pipeline + ":" + strconv.Itoa(int(port))
}

// NewReplicaHealthState creates a lazily-initialized health state in the
// Starting phase, the way the first probe for a replica discovers it.
func NewReplicaHealthState(node, address, namespace, pipeline string, port uint16) ReplicaHealthState {
	return ReplicaHealthState{
		Node:      node,
		Namespace: namespace,
		Pipeline:  pipeline,
		Port:      port,
		Endpoint:  "http://" + address + ":" + strconv.Itoa(int(port)),
		Status:    ReplicaStarting,
		FirstSeen: time.Now().UTC(),
	}
}

// ClusterStats is the derived, read-only cluster summary.
type ClusterStats struct {
	TotalNodes      int `json:"totalNodes"`
	ReadyNodes      int `json:"readyNodes"`
	TotalPipelines  int `json:"totalPipelines"`
	ReadyPipelines  int `json:"readyPipelines"`
	Namespaces      int `json:"namespaces"`
}

// ClusterHealthSummary is the derived health-state rollup (§4.5 + SUPPLEMENT 3).
type ClusterHealthSummary struct {
	Total      int    `json:"total"`
	Starting   int    `json:"starting"`
	Running    int    `json:"running"`
	Unhealthy  int    `json:"unhealthy"`
	Failed     int    `json:"failed"`
	Terminating int   `json:"terminating"`
	Unknown    int    `json:"unknown"`
	Status     string `json:"status"`
}

// ComputeStatus computes the aggregate status string using the ground-truth
// precedence: Empty, then Degraded (any Unhealthy/Failed), then Starting
// (any Starting and no Unhealthy/Failed), then Unknown (unprobed replicas),
// then Healthy (everything Running), else Degraded.
func (c ClusterHealthSummary) ComputeStatus() string {
	switch {
	case c.Total == 0:
		return "Empty"
	case c.Unhealthy+c.Failed > 0:
		return "Degraded"
	case c.Starting > 0:
		return "Starting"
	case c.Unknown > 0:
		return "Unknown"
	case c.Running == c.Total:
		return "Healthy"
	default:
		return "Degraded"
	}
}

// OperationStatus is a generic success/failure envelope for endpoints that
// don't have a richer response body of their own.
type OperationStatus struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func SuccessStatus(message string) OperationStatus {
	return OperationStatus{Success: true, Message: message}
}

func FailureStatus(message string) OperationStatus {
	return OperationStatus{Success: false, Message: message}
}

// FormatDuration renders a duration as a human-readable age in the largest
// whole unit that fits (seconds, minutes, hours, or days), truncating the rest.
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	switch {
	case secs < 60:
		return strconv.Itoa(secs) + "s"
	case secs < 3600:
		return strconv.Itoa(secs/60) + "m"
	case secs < 86400:
		return strconv.Itoa(secs/3600) + "h"
	default:
		return strconv.Itoa(secs/86400) + "d"
	}
}
