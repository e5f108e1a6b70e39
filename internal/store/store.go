// Package store implements the concurrent, in-memory ClusterStore: the sole
// owner of Nodes, Pipelines, Namespaces, and ReplicaHealthStates.
//
// Each collection gives every entry its own RWMutex; a top-level lock only
// guards the entries map's structure (key creation/deletion), so a write to
// one node's status never blocks a read or write of a different node's.
// Callers never receive long-lived aliases: every getter returns a cloned
// value safe to hold across suspension points.
package store

import (
	"sync"
	"time"

	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/scoring"
)

// ClusterStore is the process-wide owner of cluster state. Zero value is not
// usable; construct with New.
type ClusterStore struct {
	nodes      shardedMap[clustermodel.Node]
	pipelines  shardedMap[clustermodel.Pipeline]
	namespaces shardedMap[clustermodel.Namespace]
	health     shardedMap[clustermodel.ReplicaHealthState]
}

// New creates an empty store with the "default" namespace already present.
func New() *ClusterStore {
	s := &ClusterStore{
		nodes:      newShardedMap[clustermodel.Node](),
		pipelines:  newShardedMap[clustermodel.Pipeline](),
		namespaces: newShardedMap[clustermodel.Namespace](),
		health:     newShardedMap[clustermodel.ReplicaHealthState](),
	}
	s.namespaces.put("default", clustermodel.NewNamespace("default"))
	return s
}

// entry pairs a value with its own lock, so one key's reader or writer
// never waits on another key's.
type entry[V any] struct {
	mu  sync.RWMutex
	val V
}

// shardedMap holds one entry per key. mu only guards the entries map's
// structure (inserting or removing a key); reading or overwriting a key
// that already exists takes mu only as a read lock, long enough to find the
// entry, and then reads or writes under that key's own entry.mu. This
// is the fine-grained locking the concurrent-heartbeat requirement calls
// for: a heartbeat write for node A never blocks behind one for node B,
// and a full snapshot only briefly holds mu to copy out entry pointers
// before releasing it to read each value.
type shardedMap[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
}

func newShardedMap[V any]() shardedMap[V] {
	return shardedMap[V]{entries: make(map[string]*entry[V])}
}

func (m *shardedMap[V]) lookup(key string) (*entry[V], bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	return e, ok
}

func (m *shardedMap[V]) get(key string) (V, bool) {
	e, ok := m.lookup(key)
	if !ok {
		var zero V
		return zero, false
	}
	e.mu.RLock()
	v := e.val
	e.mu.RUnlock()
	return v, true
}

// put writes v, creating the entry if key is new.
func (m *shardedMap[V]) put(key string, v V) {
	if e, ok := m.lookup(key); ok {
		e.mu.Lock()
		e.val = v
		e.mu.Unlock()
		return
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		m.entries[key] = &entry[V]{val: v}
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	e.mu.Lock()
	e.val = v
	e.mu.Unlock()
}

// putIfExists writes v only if key is already present, returning whether it
// wrote. This is the primitive that enforces "never resurrect a deleted
// entity": a writeback from a stale snapshot cannot recreate a removed key.
func (m *shardedMap[V]) putIfExists(key string, v V) bool {
	e, ok := m.lookup(key)
	if !ok {
		return false
	}
	e.mu.Lock()
	e.val = v
	e.mu.Unlock()
	return true
}

func (m *shardedMap[V]) delete(key string) (V, bool) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if !ok {
		var zero V
		return zero, false
	}
	e.mu.RLock()
	v := e.val
	e.mu.RUnlock()
	return v, true
}

func (m *shardedMap[V]) has(key string) bool {
	_, ok := m.lookup(key)
	return ok
}

// snapshot returns a copy of every value currently stored, safe to range
// over without holding any entry's lock.
func (m *shardedMap[V]) snapshot() []V {
	m.mu.RLock()
	entries := make([]*entry[V], 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]V, 0, len(entries))
	for _, e := range entries {
		e.mu.RLock()
		out = append(out, e.val)
		e.mu.RUnlock()
	}
	return out
}

func (m *shardedMap[V]) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// retainKeys drops every entry whose key is not in keep.
func (m *shardedMap[V]) retainKeys(keep map[string]struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if _, ok := keep[k]; !ok {
			delete(m.entries, k)
		}
	}
}

// ===========================================================================
// Nodes
// ===========================================================================

// RegisterNode adds a new node, failing if the name is already taken.
func (s *ClusterStore) RegisterNode(n clustermodel.Node) error {
	if s.nodes.has(n.Metadata.Name) {
		return clustererr.AlreadyExistsf("node %q already registered", n.Metadata.Name)
	}
	s.nodes.put(n.Metadata.Name, n)
	return nil
}

// UnregisterNode removes a node, returning it.
func (s *ClusterStore) UnregisterNode(name string) (clustermodel.Node, error) {
	n, ok := s.nodes.delete(name)
	if !ok {
		return clustermodel.Node{}, clustererr.NotFoundf("node %q not found", name)
	}
	return n, nil
}

// GetNode returns a clone of the named node.
func (s *ClusterStore) GetNode(name string) (clustermodel.Node, error) {
	n, ok := s.nodes.get(name)
	if !ok {
		return clustermodel.Node{}, clustererr.NotFoundf("node %q not found", name)
	}
	return n, nil
}

// ListNodes returns a snapshot of every node.
func (s *ClusterStore) ListNodes() []clustermodel.Node {
	return s.nodes.snapshot()
}

// ListNodesBySelector filters ListNodes by a label match-all selector.
func (s *ClusterStore) ListNodesBySelector(selector map[string]string) []clustermodel.Node {
	all := s.nodes.snapshot()
	out := make([]clustermodel.Node, 0, len(all))
	for _, n := range all {
		match := true
		for k, v := range selector {
			if n.Metadata.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, n)
		}
	}
	return out
}

// UpdateNodeStatus stores a heartbeat's reported status. If the status
// carries metrics, a NodeScore is computed and attached before storing.
func (s *ClusterStore) UpdateNodeStatus(name string, status clustermodel.NodeStatus) error {
	n, ok := s.nodes.get(name)
	if !ok {
		return clustererr.NotFoundf("node %q not found", name)
	}
	if status.Metrics != nil {
		hasGPU := status.Capacity.GPU > 0
		score := scoring.Score(*status.Metrics, hasGPU, nil)
		status.Score = &score
	}
	n.Status = &status
	s.nodes.putIfExists(name, n)
	return nil
}

// Cordon marks a node unschedulable.
func (s *ClusterStore) Cordon(name string) error {
	return s.mutateNode(name, func(n *clustermodel.Node) { n.Spec.Schedulable = false })
}

// Uncordon marks a node schedulable again.
func (s *ClusterStore) Uncordon(name string) error {
	return s.mutateNode(name, func(n *clustermodel.Node) { n.Spec.Schedulable = true })
}

func (s *ClusterStore) mutateNode(name string, fn func(*clustermodel.Node)) error {
	n, ok := s.nodes.get(name)
	if !ok {
		return clustererr.NotFoundf("node %q not found", name)
	}
	fn(&n)
	s.nodes.putIfExists(name, n)
	return nil
}

// AddPipelineToNode idempotently records that a replica is hosted on a node.
func (s *ClusterStore) AddPipelineToNode(nodeName, namespace, name string, port uint16) error {
	n, ok := s.nodes.get(nodeName)
	if !ok {
		return clustererr.NotFoundf("node %q not found", nodeName)
	}
	if n.Status == nil {
		status := clustermodel.NodeStatus{
			Phase:         clustermodel.NodeReady,
			Capacity:      clustermodel.NewNodeCapacity(),
			Allocatable:   clustermodel.NewNodeCapacity(),
			LastHeartbeat: time.Now().UTC(),
		}
		n.Status = &status
	}
	for _, p := range n.Status.Pipelines {
		if p.Namespace == namespace && p.Name == name {
			return nil
		}
	}
	n.Status.Pipelines = append(n.Status.Pipelines, clustermodel.NodePipelineInfo{
		Name:      name,
		Namespace: namespace,
		Port:      port,
		Status:    clustermodel.ReplicaRunning,
	})
	s.nodes.putIfExists(nodeName, n)
	return nil
}

// RemovePipelineFromNode drops a replica's tracking entry from a node.
func (s *ClusterStore) RemovePipelineFromNode(nodeName, namespace, name string) error {
	n, ok := s.nodes.get(nodeName)
	if !ok {
		return clustererr.NotFoundf("node %q not found", nodeName)
	}
	if n.Status == nil {
		return nil
	}
	filtered := n.Status.Pipelines[:0]
	for _, p := range n.Status.Pipelines {
		if !(p.Namespace == namespace && p.Name == name) {
			filtered = append(filtered, p)
		}
	}
	n.Status.Pipelines = filtered
	s.nodes.putIfExists(nodeName, n)
	return nil
}

// CheckNodeHealth marks any node whose heartbeat is older than timeout as
// Unknown. This is the store's only writer of the Unknown phase.
func (s *ClusterStore) CheckNodeHealth(timeout time.Duration) {
	now := time.Now().UTC()
	for _, n := range s.nodes.snapshot() {
		if n.Status == nil {
			continue
		}
		if now.Sub(n.Status.LastHeartbeat) > timeout {
			n.Status.Phase = clustermodel.NodeUnknown
			s.nodes.putIfExists(n.Metadata.Name, n)
		}
	}
}

// ===========================================================================
// Namespaces
// ===========================================================================

// CreateNamespace idempotently creates a namespace.
func (s *ClusterStore) CreateNamespace(ns clustermodel.Namespace) error {
	if !s.namespaces.has(ns.Metadata.Name) {
		s.namespaces.put(ns.Metadata.Name, ns)
	}
	return nil
}

// ListNamespaces returns a snapshot of every namespace.
func (s *ClusterStore) ListNamespaces() []clustermodel.Namespace {
	return s.namespaces.snapshot()
}

// ===========================================================================
// Pipelines
// ===========================================================================

// DeployPipeline creates a pipeline, auto-creating its namespace and
// initializing a zeroed status. Fails if (namespace, name) already exists.
func (s *ClusterStore) DeployPipeline(p clustermodel.Pipeline) (clustermodel.Pipeline, error) {
	qualified := p.QualifiedName()
	if s.pipelines.has(qualified) {
		return clustermodel.Pipeline{}, clustererr.AlreadyExistsf("pipeline %q already exists", qualified)
	}
	if err := s.CreateNamespace(clustermodel.NewNamespace(p.Metadata.Namespace)); err != nil {
		return clustermodel.Pipeline{}, err
	}
	status := clustermodel.InitialPipelineStatus()
	p.Status = &status
	s.pipelines.put(qualified, p)
	return p, nil
}

// UpdatePipeline replaces an existing pipeline's spec/metadata wholesale.
func (s *ClusterStore) UpdatePipeline(p clustermodel.Pipeline) (clustermodel.Pipeline, error) {
	qualified := p.QualifiedName()
	if !s.pipelines.putIfExists(qualified, p) {
		return clustermodel.Pipeline{}, clustererr.NotFoundf("pipeline %q not found", qualified)
	}
	return p, nil
}

// DeletePipeline removes a pipeline, returning it.
func (s *ClusterStore) DeletePipeline(namespace, name string) (clustermodel.Pipeline, error) {
	qualified := namespace + "/" + name
	p, ok := s.pipelines.delete(qualified)
	if !ok {
		return clustermodel.Pipeline{}, clustererr.NotFoundf("pipeline %q not found", qualified)
	}
	return p, nil
}

// GetPipeline returns a clone of the named pipeline.
func (s *ClusterStore) GetPipeline(namespace, name string) (clustermodel.Pipeline, error) {
	qualified := namespace + "/" + name
	p, ok := s.pipelines.get(qualified)
	if !ok {
		return clustermodel.Pipeline{}, clustererr.NotFoundf("pipeline %q not found", qualified)
	}
	return p, nil
}

// ListPipelines returns every pipeline in a namespace.
func (s *ClusterStore) ListPipelines(namespace string) []clustermodel.Pipeline {
	all := s.pipelines.snapshot()
	out := make([]clustermodel.Pipeline, 0, len(all))
	for _, p := range all {
		if p.Metadata.Namespace == namespace {
			out = append(out, p)
		}
	}
	return out
}

// ListAllPipelines returns every pipeline across every namespace.
func (s *ClusterStore) ListAllPipelines() []clustermodel.Pipeline {
	return s.pipelines.snapshot()
}

// ScalePipeline sets a pipeline's desired replica count.
func (s *ClusterStore) ScalePipeline(namespace, name string, replicas uint32) (clustermodel.Pipeline, error) {
	qualified := namespace + "/" + name
	p, ok := s.pipelines.get(qualified)
	if !ok {
		return clustermodel.Pipeline{}, clustererr.NotFoundf("pipeline %q not found", qualified)
	}
	p.Spec.Replicas = replicas
	s.pipelines.putIfExists(qualified, p)
	return p, nil
}

// UpdatePipelineStatus writes a pipeline's observed status, dropping the
// update if the pipeline was deleted out from under the caller.
func (s *ClusterStore) UpdatePipelineStatus(namespace, name string, status clustermodel.PipelineStatus) error {
	qualified := namespace + "/" + name
	p, ok := s.pipelines.get(qualified)
	if !ok {
		return clustererr.NotFoundf("pipeline %q not found", qualified)
	}
	p.Status = &status
	s.pipelines.putIfExists(qualified, p)
	return nil
}

// ===========================================================================
// Health states
// ===========================================================================

func (s *ClusterStore) GetHealthState(key string) (clustermodel.ReplicaHealthState, bool) {
	return s.health.get(key)
}

func (s *ClusterStore) PutHealthState(key string, state clustermodel.ReplicaHealthState) {
	s.health.put(key, state)
}

func (s *ClusterStore) ListHealthStates() []clustermodel.ReplicaHealthState {
	return s.health.snapshot()
}

// CleanupStale removes every health state whose key is not in activeKeys.
func (s *ClusterStore) CleanupStale(activeKeys map[string]struct{}) {
	s.health.retainKeys(activeKeys)
}

// ===========================================================================
// Stats
// ===========================================================================

// ClusterStats computes the derived cluster-wide summary, also refreshing the
// llmnet_nodes_total / llmnet_pipelines_total / llmnet_replicas_total gauges.
func (s *ClusterStore) ClusterStats() clustermodel.ClusterStats {
	nodes := s.nodes.snapshot()
	readyNodes := 0
	nodesByPhase := make(map[clustermodel.NodePhase]int)
	replicasByStatus := make(map[clustermodel.ReplicaStatus]int)
	for _, n := range nodes {
		if n.IsReady() {
			readyNodes++
		}
		phase := clustermodel.NodeUnknown
		if n.Status != nil {
			if n.Status.Phase != "" {
				phase = n.Status.Phase
			}
			for _, pl := range n.Status.Pipelines {
				replicasByStatus[pl.Status]++
			}
		}
		nodesByPhase[phase]++
	}

	pipelines := s.pipelines.snapshot()
	readyPipelines := 0
	pipelinesByNamespace := make(map[string]int)
	for _, p := range pipelines {
		if p.IsReady() {
			readyPipelines++
		}
		pipelinesByNamespace[p.Metadata.Namespace]++
	}

	metrics.NodesTotal.Reset()
	for phase, count := range nodesByPhase {
		metrics.NodesTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
	metrics.PipelinesTotal.Reset()
	for namespace, count := range pipelinesByNamespace {
		metrics.PipelinesTotal.WithLabelValues(namespace).Set(float64(count))
	}
	metrics.ReplicasTotal.Reset()
	for status, count := range replicasByStatus {
		metrics.ReplicasTotal.WithLabelValues(string(status)).Set(float64(count))
	}

	return clustermodel.ClusterStats{
		TotalNodes:     len(nodes),
		ReadyNodes:     readyNodes,
		TotalPipelines: len(pipelines),
		ReadyPipelines: readyPipelines,
		Namespaces:     s.namespaces.len(),
	}
}
