package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/flowforge/dagrunner/internal/approval"
	"github.com/flowforge/dagrunner/internal/eventlog"
	"github.com/flowforge/dagrunner/internal/rundata"
)

// decisionRequest is the body for POST .../approvals[/:token] and
// POST /api/dag/approvals/latest (spec.md §6).
type decisionRequest struct {
	Approved    bool                `json:"approved"`
	Notes       string              `json:"notes,omitempty"`
	Feedback    string              `json:"feedback,omitempty"`
	RestartMode rundata.RestartMode `json:"restart_mode,omitempty"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := chi.URLParam(r, "token")
	s.decide(w, r, id, token)
}

func (s *Server) handleLatestApproval(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "run_id query parameter is required")
		return
	}
	req, err := s.eng.LatestPendingApproval(r.Context(), runID)
	if err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			writeError(w, http.StatusBadRequest, "NO_PENDING_APPROVAL", "no pending approval for run")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleLatestApprovalDecide(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "run_id query parameter is required")
		return
	}
	s.decide(w, r, runID, "latest")
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, runID, token string) {
	var body decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}

	dec := approval.Decision{
		Token:       token,
		Approved:    body.Approved,
		Notes:       body.Notes,
		Feedback:    body.Feedback,
		RestartMode: body.RestartMode,
	}

	newRun, err := s.eng.Decide(r.Context(), runID, dec)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrMaxCyclesReached):
			writeError(w, http.StatusBadRequest, "MAX_CYCLES_REACHED", err.Error())
		case errors.Is(err, eventlog.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "run or approval not found")
		default:
			writeError(w, http.StatusForbidden, "INVALID_APPROVAL_TOKEN", err.Error())
		}
		return
	}

	run, runErr := s.eng.GetRun(r.Context(), runID)
	resp := map[string]any{"ok": true, "decision": dec}
	if runErr == nil {
		run.Lock()
		resp["run_status"] = run.Status
		run.Unlock()
	}
	if newRun != nil {
		resp["iterated_run_id"] = newRun.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
