// Package workeragent implements the worker-side HTTP surface: receiving
// pipeline assignments from the orchestrator and exposing a /health
// endpoint.
package workeragent

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/llmnet/controlplane/internal/clog"
)

// Assignment mirrors the orchestrator's PipelineAssignment payload. Kept as
// an independent type (rather than importing internal/orchestrator) so the
// worker agent has no dependency on control-plane-only packages.
type Assignment struct {
	Namespace   string      `json:"namespace"`
	Name        string      `json:"name"`
	Composition interface{} `json:"composition"`
	Port        uint16      `json:"port"`
	Replicas    uint32      `json:"replicas"`
}

// AssignmentResponse reports how many replicas were actually accepted.
type AssignmentResponse struct {
	Success  bool   `json:"success"`
	Endpoint string `json:"endpoint,omitempty"`
	Accepted uint32 `json:"accepted,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Runner starts and stops the replicas of an assigned pipeline. A real
// worker agent wires this to whatever runtime actually hosts the composition
// (a container runtime, a subprocess pool, an in-process pipeline executor).
type Runner interface {
	Apply(a Assignment) (accepted uint32, err error)
}

// Agent holds the set of assignments currently active on this node and
// serves the HTTP endpoints the control plane talks to.
type Agent struct {
	nodeName string
	addr     string
	runner   Runner

	mu          sync.RWMutex
	assignments map[string]Assignment
}

func New(nodeName, addr string, runner Runner) *Agent {
	return &Agent{
		nodeName:    nodeName,
		addr:        addr,
		runner:      runner,
		assignments: make(map[string]Assignment),
	}
}

func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/assignments", a.handleAssignment)
	mux.HandleFunc("GET /health", a.handleHealth)
	return mux
}

// ListenAndServe starts the worker's HTTP server with the same conservative
// timeouts the admin API uses.
func (a *Agent) ListenAndServe(listenAddr string) error {
	server := &http.Server{
		Addr:         listenAddr,
		Handler:      a.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (a *Agent) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *Agent) handleAssignment(w http.ResponseWriter, r *http.Request) {
	var assignment Assignment
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&assignment); err != nil {
		a.writeJSON(w, http.StatusBadRequest, AssignmentResponse{Success: false, Error: err.Error()})
		return
	}

	log := clog.WithNode(a.nodeName)
	accepted, err := a.runner.Apply(assignment)
	if err != nil {
		log.Warn().Str("pipeline", assignment.Namespace+"/"+assignment.Name).Err(err).Msg("rejected assignment")
		a.writeJSON(w, http.StatusOK, AssignmentResponse{Success: false, Error: err.Error()})
		return
	}

	key := assignment.Namespace + "/" + assignment.Name
	a.mu.Lock()
	if accepted == 0 {
		delete(a.assignments, key)
	} else {
		a.assignments[key] = assignment
	}
	a.mu.Unlock()

	log.Info().Str("pipeline", key).Uint32("accepted", accepted).Msg("applied assignment")
	a.writeJSON(w, http.StatusOK, AssignmentResponse{
		Success:  true,
		Endpoint: a.addr,
		Accepted: accepted,
	})
}

func (a *Agent) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Assignments returns a snapshot of the currently active assignments,
// keyed by "{namespace}/{name}".
func (a *Agent) Assignments() map[string]Assignment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Assignment, len(a.assignments))
	for k, v := range a.assignments {
		out[k] = v
	}
	return out
}
