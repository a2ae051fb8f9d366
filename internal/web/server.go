// Package web serves the HTTP API: dashboard and container queries, log
// search, control actions, the agent pull protocol, and Prometheus
// metrics.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gvinsot/Docker-Spyglass/internal/actions"
	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
	"github.com/gvinsot/Docker-Spyglass/internal/logging"
	"github.com/gvinsot/Docker-Spyglass/internal/metrics"
	"github.com/gvinsot/Docker-Spyglass/internal/query"
)

// QueryAPI is what the read and control handlers need from the query
// service.
type QueryAPI interface {
	Summary(ctx context.Context) (*query.Dashboard, error)
	ListContainers(ctx context.Context, groupBy string) ([]query.Group, error)
	SearchLogs(ctx context.Context, q index.LogQuery) (*index.SearchResult, error)
	LogMetadata(ctx context.Context) (*index.Metadata, error)
	SimilarLogCount(ctx context.Context, message string, window time.Duration) (int64, error)
	TimeSeries(ctx context.Context, req index.SeriesRequest) ([]index.SeriesPoint, error)
	TimeSeriesByHost(ctx context.Context, req index.SeriesRequest) ([]index.HostSeries, error)
	LogSeries(ctx context.Context, req index.SeriesRequest) ([]index.LogSeriesPoint, error)
	DispatchAction(ctx context.Context, hostName, containerID, kind string, wait bool) (*query.ActionOutcome, error)
	GetContainerEnv(ctx context.Context, hostName, containerID string) (*query.EnvResult, error)
	Exec(ctx context.Context, hostName, containerID string, argv []string) (string, error)
	ContainerLogs(ctx context.Context, hostName string, req host.LogsRequest) ([]host.LogEntry, error)
	ListStacks(ctx context.Context) ([]host.StackService, error)
	ServiceLogs(ctx context.Context, serviceID string, tail int) ([]host.LogEntry, error)
	RestartService(ctx context.Context, serviceID string) error
	RemoveService(ctx context.Context, serviceID string) error
	UpdateServiceImage(ctx context.Context, serviceName, newTag string) error
	RemoveStack(ctx context.Context, stack string) (int, error)
	Agents() []string
}

// AgentQueue is what the agent protocol handlers need from the action
// queue.
type AgentQueue interface {
	Poll(hostName string) []*actions.Action
	Complete(id, result, errMsg string) error
	Heartbeat(hostName string)
	Get(id string) (*actions.Action, bool)
}

// Dependencies carries everything the server serves from.
type Dependencies struct {
	Query QueryAPI
	Queue AgentQueue
	Log   *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps Dependencies
	mux  *http.ServeMux
}

// NewServer builds the server and registers all routes.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/dashboard", s.handleDashboard)
	s.mux.HandleFunc("GET /api/containers", s.handleContainers)
	s.mux.HandleFunc("POST /api/containers/{host}/{id}/actions", s.handleContainerAction)
	s.mux.HandleFunc("GET /api/containers/{host}/{id}/env", s.handleContainerEnv)
	s.mux.HandleFunc("POST /api/containers/{host}/{id}/exec", s.handleContainerExec)
	s.mux.HandleFunc("GET /api/containers/{host}/{id}/logs", s.handleContainerLogs)

	s.mux.HandleFunc("GET /api/logs/search", s.handleLogSearch)
	s.mux.HandleFunc("GET /api/logs/metadata", s.handleLogMetadata)
	s.mux.HandleFunc("GET /api/logs/similar", s.handleSimilarLogs)
	s.mux.HandleFunc("GET /api/series", s.handleSeries)
	s.mux.HandleFunc("GET /api/series/hosts", s.handleSeriesByHost)
	s.mux.HandleFunc("GET /api/series/logs", s.handleLogSeries)

	s.mux.HandleFunc("GET /api/stacks", s.handleStacks)
	s.mux.HandleFunc("DELETE /api/stacks/{name}", s.handleRemoveStack)
	s.mux.HandleFunc("GET /api/services/{id}/logs", s.handleServiceLogs)
	s.mux.HandleFunc("POST /api/services/{id}/restart", s.handleServiceRestart)
	s.mux.HandleFunc("POST /api/services/{id}/image", s.handleServiceImage)
	s.mux.HandleFunc("DELETE /api/services/{id}", s.handleServiceRemove)

	s.mux.HandleFunc("GET /api/agents", s.handleAgents)
	s.mux.HandleFunc("GET /api/agent/actions", s.handleAgentPoll)
	s.mux.HandleFunc("POST /api/agent/actions/{id}/result", s.handleAgentResult)
	s.mux.HandleFunc("POST /api/agent/heartbeat", s.handleAgentHeartbeat)
	s.mux.HandleFunc("GET /api/actions/{id}", s.handleActionStatus)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.deps.Log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are out; nothing left to do but note it.
		_ = err
	}
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeCategorized maps host error kinds onto HTTP statuses.
func (s *Server) writeCategorized(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he *host.Error
	if errors.As(err, &he) {
		switch he.Kind {
		case host.KindInput:
			status = http.StatusBadRequest
		case host.KindUnreachable:
			status = http.StatusBadGateway
		case host.KindUnavailable, host.KindClosed:
			status = http.StatusServiceUnavailable
		}
	}
	if status == http.StatusInternalServerError {
		s.deps.Log.Error("request failed", "error", err)
	}
	writeError(w, status, "%v", err)
}
