// Package adminapi exposes the control plane's REST surface: pipelines,
// nodes, namespaces, autoscaling, and cluster status, as plain JSON over
// net/http.
package adminapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/llmnet/controlplane/internal/clog"
	"github.com/llmnet/controlplane/internal/clustererr"
	"github.com/llmnet/controlplane/internal/clustermodel"
	"github.com/llmnet/controlplane/internal/healthchecker"
	"github.com/llmnet/controlplane/internal/heartbeat"
	"github.com/llmnet/controlplane/internal/metrics"
	"github.com/llmnet/controlplane/internal/scoring"
	"github.com/llmnet/controlplane/internal/store"
)

// Server owns the HTTP mux and the store it fronts.
type Server struct {
	store *store.ClusterStore
	mux   *http.ServeMux
}

// New builds a Server with every route registered.
func New(s *store.ClusterStore) *Server {
	srv := &Server{store: s, mux: http.NewServeMux()}
	srv.routes()
	return srv
}

// Handler returns the root HTTP handler, suitable for http.Server.Handler.
func (s *Server) Handler() http.Handler { return withMetrics(s.mux) }

// statusRecorder captures the status code written so the metrics wrapper can
// label requests after the handler runs.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, http.StatusText(rec.status)).Inc()
	})
}

// ListenAndServe starts the server on addr with conservative read/write
// timeouts.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/status", s.clusterStatus)
	s.mux.HandleFunc("GET /v1/status/health", s.healthSummary)

	s.mux.HandleFunc("GET /v1/pipelines", s.listAllPipelines)
	s.mux.HandleFunc("POST /v1/pipelines", s.deployPipeline)
	s.mux.HandleFunc("GET /v1/namespaces/{namespace}/pipelines", s.listPipelinesInNamespace)
	s.mux.HandleFunc("GET /v1/namespaces/{namespace}/pipelines/{name}", s.getPipeline)
	s.mux.HandleFunc("DELETE /v1/namespaces/{namespace}/pipelines/{name}", s.deletePipeline)
	s.mux.HandleFunc("PATCH /v1/namespaces/{namespace}/pipelines/{name}/scale", s.scalePipeline)
	s.mux.HandleFunc("GET /v1/namespaces/{namespace}/pipelines/{name}/autoscaling", s.getAutoscaling)
	s.mux.HandleFunc("PUT /v1/namespaces/{namespace}/pipelines/{name}/autoscaling", s.updateAutoscaling)

	s.mux.HandleFunc("GET /v1/nodes", s.listNodes)
	s.mux.HandleFunc("POST /v1/nodes", s.registerNode)
	s.mux.HandleFunc("GET /v1/nodes/{name}", s.getNode)
	s.mux.HandleFunc("DELETE /v1/nodes/{name}", s.unregisterNode)
	s.mux.HandleFunc("POST /v1/nodes/{name}/heartbeat", s.nodeHeartbeat)
	s.mux.HandleFunc("GET /v1/nodes/{name}/score", s.getNodeScore)
	s.mux.HandleFunc("POST /v1/nodes/{name}/cordon", s.cordonNode)
	s.mux.HandleFunc("POST /v1/nodes/{name}/uncordon", s.uncordonNode)

	s.mux.HandleFunc("GET /v1/namespaces", s.listNamespaces)

	s.mux.HandleFunc("GET /health", s.healthCheck)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := clustererr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), clustermodel.FailureStatus(err.Error()))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func (s *Server) clusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ClusterStats())
}

func (s *Server) healthSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthchecker.Summary(s.store))
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------------------------------------------------------------------------
// pipelines
// ---------------------------------------------------------------------------

func (s *Server) listAllPipelines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListAllPipelines())
}

func (s *Server) listPipelinesInNamespace(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	writeJSON(w, http.StatusOK, s.store.ListPipelines(ns))
}

func (s *Server) getPipeline(w http.ResponseWriter, r *http.Request) {
	ns, name := r.PathValue("namespace"), r.PathValue("name")
	p, err := s.store.GetPipeline(ns, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) deployPipeline(w http.ResponseWriter, r *http.Request) {
	var p clustermodel.Pipeline
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, clustererr.ValidationErrorf("invalid pipeline payload: %v", err))
		return
	}
	if p.Metadata.Namespace == "" {
		p.Metadata.Namespace = "default"
	}
	if p.Metadata.UID == uuid.Nil {
		p.Metadata.UID = uuid.New()
	}
	now := time.Now().UTC()
	p.Metadata.CreationTimestamp = &now
	if p.Spec.Health == (clustermodel.HealthConfig{}) {
		p.Spec.Health = clustermodel.DefaultHealthConfig()
	}
	if p.Spec.Strategy.Type == "" {
		p.Spec.Strategy = clustermodel.DefaultRolloutStrategy()
	}

	created, err := s.store.DeployPipeline(p)
	if err != nil {
		writeError(w, err)
		return
	}
	clog.WithPipeline(created.QualifiedName()).Info().Msg("pipeline deployed")
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) deletePipeline(w http.ResponseWriter, r *http.Request) {
	ns, name := r.PathValue("namespace"), r.PathValue("name")
	if _, err := s.store.DeletePipeline(ns, name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clustermodel.SuccessStatus("pipeline deleted"))
}

type scaleRequest struct {
	Replicas uint32 `json:"replicas"`
}

func (s *Server) scalePipeline(w http.ResponseWriter, r *http.Request) {
	ns, name := r.PathValue("namespace"), r.PathValue("name")
	var req scaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, clustererr.ValidationErrorf("invalid scale payload: %v", err))
		return
	}
	p, err := s.store.ScalePipeline(ns, name, req.Replicas)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getAutoscaling(w http.ResponseWriter, r *http.Request) {
	ns, name := r.PathValue("namespace"), r.PathValue("name")
	p, err := s.store.GetPipeline(ns, name)
	if err != nil {
		writeError(w, err)
		return
	}
	if p.Spec.Autoscaling == nil {
		writeError(w, clustererr.NotFoundf("pipeline %s/%s has no autoscaling policy", ns, name))
		return
	}
	writeJSON(w, http.StatusOK, p.Spec.Autoscaling)
}

func (s *Server) updateAutoscaling(w http.ResponseWriter, r *http.Request) {
	ns, name := r.PathValue("namespace"), r.PathValue("name")
	var cfg clustermodel.AutoscalingConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, clustererr.ValidationErrorf("invalid autoscaling payload: %v", err))
		return
	}
	p, err := s.store.GetPipeline(ns, name)
	if err != nil {
		writeError(w, err)
		return
	}
	p.Spec.Autoscaling = &cfg
	updated, err := s.store.UpdatePipeline(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Spec.Autoscaling)
}

// ---------------------------------------------------------------------------
// nodes
// ---------------------------------------------------------------------------

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListNodes())
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var n clustermodel.Node
	if err := decodeJSON(r, &n); err != nil {
		writeError(w, clustererr.ValidationErrorf("invalid node payload: %v", err))
		return
	}
	if err := s.store.RegisterNode(n); err != nil {
		writeError(w, err)
		return
	}
	clog.WithNode(n.Metadata.Name).Info().Msg("node registered")
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := s.store.GetNode(name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) unregisterNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := s.store.UnregisterNode(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clustermodel.SuccessStatus("node unregistered"))
}

func (s *Server) nodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var status clustermodel.NodeStatus
	if err := decodeJSON(r, &status); err != nil {
		writeError(w, clustererr.ValidationErrorf("invalid heartbeat payload: %v", err))
		return
	}
	if err := heartbeat.Receive(s.store, name, status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clustermodel.SuccessStatus("heartbeat accepted"))
}

func (s *Server) getNodeScore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := s.store.GetNode(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if n.Status == nil || n.Status.Metrics == nil {
		writeError(w, clustererr.NotFoundf("node %q has not reported metrics yet", name))
		return
	}
	if n.Status.Score != nil {
		writeJSON(w, http.StatusOK, n.Status.Score)
		return
	}
	score := scoring.Score(*n.Status.Metrics, n.Status.Capacity.GPU > 0, nil)
	writeJSON(w, http.StatusOK, score)
}

func (s *Server) cordonNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.Cordon(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clustermodel.SuccessStatus("node cordoned"))
}

func (s *Server) uncordonNode(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.Uncordon(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clustermodel.SuccessStatus("node uncordoned"))
}

// ---------------------------------------------------------------------------
// namespaces
// ---------------------------------------------------------------------------

func (s *Server) listNamespaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListNamespaces())
}
