package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"

	"github.com/flowforge/dagrunner/internal/sseevents"
)

// handleStream serves GET /api/dag/runs/:id/events (spec.md §4.I, §6): an
// SSE connection that replays from Last-Event-ID (or ?since=), then
// relays live events until the run reaches a terminal status or the
// client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if _, err := s.eng.GetRun(r.Context(), runID); err != nil {
		mapStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	clientID := r.Header.Get("X-SSE-Client-Id")
	if clientID == "" {
		clientID = xid.New().String()
	}
	since := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.eng.Hub().Stream(r.Context(), runID, clientID, since, func(f sseevents.Frame) error {
		if f.Keepalive {
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		data, err := json.Marshal(f.Event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Event.Seq, f.Event.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.cfg.Logger.Debug("httpapi: sse stream ended", "run_id", runID, "error", err)
	}
}

func lastEventID(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
