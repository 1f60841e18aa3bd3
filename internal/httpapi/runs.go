package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowforge/dagrunner/internal/blockdag"
	"github.com/flowforge/dagrunner/internal/rundata"
	"github.com/flowforge/dagrunner/internal/value"
)

// startRunRequest is POST /api/dag/run's body (spec.md §6).
type startRunRequest struct {
	DAG            *blockdag.DAGDef  `json:"dag,omitempty"`
	Example        string            `json:"example,omitempty"`
	Context        map[string]any    `json:"context,omitempty"`
	Priority       string            `json:"priority,omitempty"`
	ManualRank     *int              `json:"manual_rank,omitempty"`
	DevMode        bool              `json:"devMode,omitempty"`
	AgentMapping   map[string]string `json:"agentMapping,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
	Model          string            `json:"model,omitempty"`
}

var priorityLevels = map[string]int{
	"P0": rundata.PriorityP0,
	"P1": rundata.PriorityP1,
	"P2": rundata.PriorityP2,
	"P3": rundata.PriorityP3,
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
		return
	}

	var dag blockdag.DAGDef
	switch {
	case req.DAG != nil:
		dag = *req.DAG
	case req.Example != "":
		loaded, err := s.eng.LoadExample(req.Example)
		if err != nil {
			writeError(w, http.StatusNotFound, "EXAMPLE_NOT_FOUND", err.Error())
			return
		}
		dag = loaded
	default:
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "one of dag or example is required")
		return
	}

	if req.DevMode {
		applyAgentMapping(&dag, req.AgentMapping)
	}

	priority := rundata.PriorityP1
	if req.Priority != "" {
		lvl, ok := priorityLevels[req.Priority]
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown priority level")
			return
		}
		priority = lvl
	}

	initialContext := make(map[string]value.Value, len(req.Context))
	for k, v := range req.Context {
		initialContext[k] = value.FromAny(v)
	}
	if req.Model != "" {
		initialContext["__model"] = value.String(req.Model)
	}

	run, pos, err := s.eng.StartRun(r.Context(), dag, priority, req.ManualRank, initialContext)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	status := http.StatusCreated
	queued := pos > 0
	if queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, runStartResponse(run, pos, queued))
}

// applyAgentMapping lets a dev-mode request override a block's agent
// selector inline, for local example experimentation without editing the
// DAG's YAML.
func applyAgentMapping(dag *blockdag.DAGDef, mapping map[string]string) {
	for i, b := range dag.Blocks {
		if v, ok := mapping[b.ID]; ok {
			dag.Blocks[i].Agent = blockdag.AgentSelector{Kind: blockdag.AgentByID, Value: v}
		}
	}
}

func runStartResponse(run *rundata.Run, pos int, queued bool) map[string]any {
	blocks := make([]string, 0, len(run.Blocks))
	for id := range run.Blocks {
		blocks = append(blocks, id)
	}
	edges := make([]map[string]string, 0)
	if run.DAGDef != nil {
		for _, e := range run.DAGDef.Edges {
			edges = append(edges, map[string]string{"from": e.From.Block, "to": e.To.Block})
		}
	}
	resp := map[string]any{
		"run_id":   run.ID,
		"dag_name": run.DAGName,
		"blocks":   blocks,
		"edges":    edges,
		"sse_url":  fmt.Sprintf("/api/dag/runs/%s/events", run.ID),
		"queued":   queued,
	}
	if queued {
		resp["queue"] = map[string]any{"position": pos}
	}
	return resp
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.eng.GetRun(r.Context(), id)
	if err != nil {
		mapStoreError(w, err)
		return
	}

	run.Lock()
	snapshot := map[string]any{
		"run":    run,
		"dag":    run.DAGDef,
		"events": nil,
		"trace":  nil,
	}
	run.Unlock()
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.eng.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":       runs,
		"pagination": map[string]any{"limit": limit, "count": len(runs)},
	})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = n
		}
	}
	if _, err := s.eng.GetRun(r.Context(), id); err != nil {
		mapStoreError(w, err)
		return
	}
	events, err := s.eng.Replay(r.Context(), id, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	next := since
	for _, ev := range events {
		if ev.Seq > next {
			next = ev.Seq
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next_since": next})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.eng.StopRun(id) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "run is not actively executing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "mode": "active"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	s.eng.StopAll()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
