package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type patchQueueRequest struct {
	ManualRank *int `json:"manual_rank"`
}

func (s *Server) handlePatchQueue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body patchQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if err := s.queue.UpdateManualRank(r.Context(), id, body.ManualRank); err != nil {
		mapStoreError(w, err)
		return
	}
	entry, err := s.queue.Get(r.Context(), id)
	if err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type reorderQueueRequest struct {
	RunIDs []string `json:"run_ids"`
}

func (s *Server) handleReorderQueue(w http.ResponseWriter, r *http.Request) {
	var body reorderQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}
	if err := s.queue.Reorder(r.Context(), body.RunIDs); err != nil {
		mapStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSafety(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Safety())
}
