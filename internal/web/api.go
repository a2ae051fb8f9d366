package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gvinsot/Docker-Spyglass/internal/host"
	"github.com/gvinsot/Docker-Spyglass/internal/index"
)

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Query.Summary(r.Context())
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleContainers(w http.ResponseWriter, r *http.Request) {
	groupBy := r.URL.Query().Get("group_by")
	if groupBy != "" && groupBy != "host" && groupBy != "stack" {
		writeError(w, http.StatusBadRequest, "group_by must be host or stack")
		return
	}
	groups, err := s.deps.Query.ListContainers(r.Context(), groupBy)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind string `json:"kind"`
		Wait bool   `json:"wait"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	out, err := s.deps.Query.DispatchAction(r.Context(), r.PathValue("host"), r.PathValue("id"), body.Kind, body.Wait)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleContainerEnv(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Query.GetContainerEnv(r.Context(), r.PathValue("host"), r.PathValue("id"))
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContainerExec(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Argv []string `json:"argv"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if len(body.Argv) == 0 {
		writeError(w, http.StatusBadRequest, "argv is required")
		return
	}
	out, err := s.deps.Query.Exec(r.Context(), r.PathValue("host"), r.PathValue("id"), body.Argv)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	tail := intQuery(r, "tail", 0)
	entries, err := s.deps.Query.ContainerLogs(r.Context(), r.PathValue("host"), host.LogsRequest{
		ContainerID: r.PathValue("id"),
		Tail:        tail,
	})
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleLogSearch(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	lq := index.LogQuery{
		Query:         qp.Get("q"),
		Hosts:         qp["host"],
		ContainerIDs:  qp["container_id"],
		StackProjects: qp["project"],
		Levels:        qp["level"],
		HTTPStatusMin: intQuery(r, "status_min", 0),
		HTTPStatusMax: intQuery(r, "status_max", 0),
		Offset:        intQuery(r, "offset", 0),
		Limit:         intQuery(r, "limit", 0),
	}
	var ok bool
	if lq.From, ok = timeQuery(w, r, "from"); !ok {
		return
	}
	if lq.To, ok = timeQuery(w, r, "to"); !ok {
		return
	}

	result, err := s.deps.Query.SearchLogs(r.Context(), lq)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := s.deps.Query.LogMetadata(r.Context())
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSimilarLogs(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	if message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid window: %v", err)
			return
		}
		window = parsed
	}
	count, err := s.deps.Query.SimilarLogCount(r.Context(), message, window)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	req, ok := seriesRequest(w, r)
	if !ok {
		return
	}
	points, err := s.deps.Query.TimeSeries(r.Context(), req)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func (s *Server) handleSeriesByHost(w http.ResponseWriter, r *http.Request) {
	req, ok := seriesRequest(w, r)
	if !ok {
		return
	}
	series, err := s.deps.Query.TimeSeriesByHost(r.Context(), req)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": series})
}

func (s *Server) handleLogSeries(w http.ResponseWriter, r *http.Request) {
	req, ok := seriesRequest(w, r)
	if !ok {
		return
	}
	points, err := s.deps.Query.LogSeries(r.Context(), req)
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

func seriesRequest(w http.ResponseWriter, r *http.Request) (index.SeriesRequest, bool) {
	qp := r.URL.Query()
	req := index.SeriesRequest{
		Host:        qp.Get("host"),
		ContainerID: qp.Get("container_id"),
		Interval:    qp.Get("interval"),
	}
	var ok bool
	if req.From, ok = timeQuery(w, r, "from"); !ok {
		return req, false
	}
	if req.To, ok = timeQuery(w, r, "to"); !ok {
		return req, false
	}
	return req, true
}

func (s *Server) handleStacks(w http.ResponseWriter, r *http.Request) {
	stacks, err := s.deps.Query.ListStacks(r.Context())
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": stacks})
}

func (s *Server) handleRemoveStack(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Query.RemoveStack(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed_services": removed})
}

func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Query.ServiceLogs(r.Context(), r.PathValue("id"), intQuery(r, "tail", 0))
	if err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleServiceRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Query.RestartService(r.Context(), r.PathValue("id")); err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleServiceRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Query.RemoveService(r.Context(), r.PathValue("id")); err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleServiceImage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	if err := s.deps.Query.UpdateServiceImage(r.Context(), r.PathValue("id"), body.Tag); err != nil {
		s.writeCategorized(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updating"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.Query.Agents()})
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// timeQuery parses an optional RFC3339 query parameter, writing a 400 and
// returning ok=false when it is malformed.
func timeQuery(w http.ResponseWriter, r *http.Request, key string) (time.Time, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid %s: %v", key, err)
		return time.Time{}, false
	}
	return t, true
}
