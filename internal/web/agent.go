package web

import (
	"encoding/json"
	"net/http"
)

// Agent pull protocol. Agents poll for work, report results, and
// heartbeat; the server never dials an agent.

func (s *Server) handleAgentPoll(w http.ResponseWriter, r *http.Request) {
	hostName := r.URL.Query().Get("host")
	if hostName == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	claimed := s.deps.Queue.Poll(hostName)
	writeJSON(w, http.StatusOK, map[string]any{"actions": claimed})
}

func (s *Server) handleAgentResult(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if err := s.deps.Queue.Complete(r.PathValue("id"), body.Result, body.Error); err != nil {
		writeError(w, http.StatusConflict, "%v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Host string `json:"host"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: %v", err)
		return
	}
	if body.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}
	s.deps.Queue.Heartbeat(body.Host)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleActionStatus(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.Queue.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown action %s", r.PathValue("id"))
		return
	}
	writeJSON(w, http.StatusOK, a)
}
