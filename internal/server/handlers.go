package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/forgeguard/forgeguard/internal/orchestrator"
	"github.com/forgeguard/forgeguard/internal/store"
)

// validBuildID matches ULIDs and other safe identifiers.
var validBuildID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req StartBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.ProjectID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "project_id and user_id are required")
		return
	}

	phases := make([]orchestrator.Phase, 0, len(req.Phases))
	for _, p := range req.Phases {
		phases = append(phases, orchestrator.Phase{Name: p.Name, Instruction: p.Instruction})
	}

	b, err := s.control.StartBuild(r.Context(), orchestrator.StartRequest{
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		TargetKind:  store.TargetKind(req.TargetKind),
		TargetRef:   req.TargetRef,
		Phases:      phases,
		SpendCapUSD: req.SpendCapUSD,
	})
	switch {
	case errors.Is(err, orchestrator.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, orchestrator.ErrProjectBusy), errors.Is(err, orchestrator.ErrUserBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buildsStarted.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"build_id": b.ID,
		"status":   string(b.Status),
	})
}

// lookupID validates the path id; an empty return means the response is
// already written.
func (s *Server) lookupID(w http.ResponseWriter, r *http.Request) string {
	id := r.PathValue("id")
	if !validBuildID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "build id must be alphanumeric with dashes/underscores, 1-128 chars")
		return ""
	}
	return id
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	b, err := s.control.Status(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, buildStatusView(b))
}

func (s *Server) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	sum, err := s.control.Summary(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	var after time.Time
	if v := r.URL.Query().Get("after_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after_ms must be a unix millisecond timestamp")
			return
		}
		after = time.UnixMilli(ms)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	if _, err := s.control.Status(r.Context(), id); err != nil {
		s.writeLookupError(w, id, err)
		return
	}
	logs, err := s.control.Logs(r.Context(), id, after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]LogEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, LogEntry{
			ID:      l.ID,
			TS:      l.TS,
			Source:  string(l.Source),
			Level:   string(l.Level),
			Kind:    l.Kind,
			Message: l.Message,
			Payload: l.Payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"build_id": id, "logs": out})
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	var req CancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
	}
	if err := s.control.CancelBuild(r.Context(), id, req.Force); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("build %s not found", id))
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	buildsCancelled.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"build_id": id, "status": "cancelling"})
}

func (s *Server) handleResumeBuild(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	action := orchestrator.ResumeAction(req.Action)
	switch action {
	case orchestrator.ResumeRetry, orchestrator.ResumeWithMessage,
		orchestrator.ResumeSkipPhase, orchestrator.ResumeAbort:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
		return
	}

	err := s.control.ResumeBuild(r.Context(), id, action, req.Message)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("build %s not found", id))
		return
	case errors.Is(err, orchestrator.ErrNotPaused):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	gateResolutions.WithLabelValues(req.Action).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"build_id": id, "action": req.Action})
}

func (s *Server) handleInterject(w http.ResponseWriter, r *http.Request) {
	id := s.lookupID(w, r)
	if id == "" {
		return
	}
	var req InterjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.control.Interject(id, req.Message); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"build_id": id, "status": "queued"})
}

func (s *Server) writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("build %s not found", id))
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
