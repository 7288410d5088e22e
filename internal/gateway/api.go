package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/basket/dechub/internal/domedit"
	otelx "github.com/basket/dechub/internal/otel"
)

// Handler returns the full HTTP surface: the WebSocket upgrade path and
// the JSON API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/activity", s.handlePostActivity)
	mux.HandleFunc("GET /api/activity", s.handleGetActivity)
	mux.HandleFunc("GET /api/activity/analytics", s.handleAnalytics)
	mux.HandleFunc("DELETE /api/activity/all", s.handleResetActivity)

	mux.HandleFunc("GET /api/dom-editor/context", s.handleDOMContext)
	mux.HandleFunc("GET /api/dom-editor/activity", s.handleDOMActivity)
	mux.HandleFunc("POST /api/dom-editor/message", s.handleDOMMessage)

	mux.HandleFunc("GET /api/sets", s.handleListSets)
	mux.HandleFunc("GET /api/sets/{name}", s.handleGetSet)
	mux.HandleFunc("PUT /api/sets/{name}", s.handlePutSet)
	mux.HandleFunc("DELETE /api/sets/{name}", s.handleDeleteSet)

	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handlePostActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID         string `json:"agentId"`
		State           string `json:"state"`
		DecisionID      string `json:"decisionId"`
		TaskDescription string `json:"taskDescription"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	entry, err := s.cfg.Activity.Update(req.AgentID, req.State, req.DecisionID, req.TaskDescription)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Socket- and HTTP-posted updates land in the same agent record;
	// unregistered agents have no record to refresh.
	s.cfg.Hub.Registry.UpdateAgentStatus(req.AgentID, req.State, "", req.TaskDescription)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	current := s.cfg.Activity.CurrentActivities()
	out := map[string]any{
		"activities": current,
		"count":      len(current),
	}

	if q.Has("includeHistory") {
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			v, err := strconv.Atoi(raw)
			if err != nil || v < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = v
		}
		out["history"] = s.cfg.Activity.History(q.Get("agentId"), limit)
	}
	writeJSON(w, http.StatusOK, out)
}

// analyticsWindows are the only ranges the dashboard offers.
var analyticsWindows = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	label := r.URL.Query().Get("timeRange")
	if label == "" {
		label = "1h"
	}
	window, ok := analyticsWindows[label]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown timeRange %q (want 15m, 1h, 6h, or 24h)", label))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Activity.Analytics(window, label))
}

func (s *Server) handleResetActivity(w http.ResponseWriter, r *http.Request) {
	s.cfg.Activity.ResetAll()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDOMContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"recentChanges": s.cfg.DOM.RecentChanges(s.cfg.RecentLimit),
		"sessions":      s.cfg.DOM.ActiveSessions(),
		"integrations":  s.cfg.DOM.Integrations(),
	})
}

func (s *Server) handleDOMActivity(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		changes, err := s.cfg.DOM.SessionChanges(sessionID, limit)
		if err != nil {
			if errors.Is(err, domedit.ErrUnknownSession) {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "changes": changes})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"changes": s.cfg.DOM.RecentChanges(limit)})
}

func (s *Server) handleDOMMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string          `json:"sessionId"`
		Message   json.RawMessage `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "sessionId and message are required")
		return
	}
	if err := s.cfg.DOM.SendToSession(r.Context(), req.SessionID, req.Message); err != nil {
		if errors.Is(err, domedit.ErrUnknownSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListSets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sets": s.cfg.Sets.List()})
}

func (s *Server) handleGetSet(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	set, ok := s.cfg.Sets.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown set %q", name))
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handlePutSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Decisions []string `json:"decisions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	set, err := s.cfg.Sets.Put(r.PathValue("name"), req.Decisions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleDeleteSet(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sets.Delete(r.PathValue("name")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if wd, err := os.Getwd(); err != nil {
		checks["workdir"] = err.Error()
		healthy = false
	} else {
		checks["workdir"] = wd
	}

	if s.cfg.DecisionFile != "" {
		if _, err := os.Stat(s.cfg.DecisionFile); err != nil {
			checks["decisionFile"] = err.Error()
			healthy = false
		} else {
			checks["decisionFile"] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  state,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"config":  s.cfg.ConfigFingerprint,
		"checks":  checks,
		"version": otelx.Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"clients":       s.cfg.Hub.Registry.ClientCount(),
		"agents":        len(s.cfg.Hub.Registry.Agents()),
		"sessions":      s.cfg.DOM.SessionCount(),
		"historyLength": s.cfg.Activity.Len(),
		"busDropped":    s.cfg.Bus.Dropped(),
	}
	if s.cfg.Watcher != nil {
		snapshot["watcherPolling"] = s.cfg.Watcher.Polling()
	}
	writeJSON(w, http.StatusOK, snapshot)
}
