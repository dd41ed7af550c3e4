package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/catalog"
)

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// OrchestrateRequest is the body of POST /api/orchestrate.
type OrchestrateRequest struct {
	Request string `json:"request"`
}

// handleOrchestrate runs the full pipeline for a free-form request.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "orchestrator not configured")
		return
	}

	var req OrchestrateRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(w, err)
		return
	}
	if strings.TrimSpace(req.Request) == "" {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR", "request text is required")
		return
	}

	result, err := s.orchestrator.Handle(r.Context(), req.Request)
	if err != nil {
		s.logger.Error("orchestration failed", "error", err)
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- intents ---

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents, err := s.catalog.ListIntents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intents)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.catalog.GetIntent(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var intent reflow.IntentMetamodel
	if err := decodeJSONBody(r, &intent); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := s.catalog.CreateIntent(r.Context(), &intent); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

// --- node metamodels ---

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.catalog.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.catalog.GetNode(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleCreateNode(w http.ResponseWriter, r *http.Request) {
	var node reflow.NodeMetamodel
	if err := decodeJSONBody(r, &node); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := s.catalog.CreateNode(r.Context(), &node); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// handleUpdateNode creates a new version in the node's family. The
// path id must match the submitted document.
func (s *Server) handleUpdateNode(w http.ResponseWriter, r *http.Request) {
	var node reflow.NodeMetamodel
	if err := decodeJSONBody(r, &node); err != nil {
		writeBodyError(w, err)
		return
	}
	if id := r.PathValue("id"); node.ID != id {
		writeError(w, http.StatusBadRequest, "PARSE_ERROR",
			fmt.Sprintf("document id %q does not match path id %q", node.ID, id))
		return
	}
	if err := s.catalog.UpdateNode(r.Context(), &node); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// handleSearchNodes runs a text search over the node metamodels.
func (s *Server) handleSearchNodes(w http.ResponseWriter, r *http.Request) {
	q := catalog.NodeSearchQuery{
		Text: r.URL.Query().Get("q"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "limit must be a non-negative integer")
			return
		}
		q.Limit = limit
	}

	matches, err := s.catalog.SearchNodes(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// --- workflows ---

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.catalog.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := s.catalog.GetWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var workflow reflow.WorkflowMetamodel
	if err := decodeJSONBody(r, &workflow); err != nil {
		writeBodyError(w, err)
		return
	}
	if err := s.catalog.CreateWorkflow(r.Context(), &workflow); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflow)
}

// --- run events ---

// handleRunEvents replays a run's stored events. With a flushable
// writer the events stream as SSE; otherwise they return as a JSON
// array. after and limit query params page through the sequence.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if s.eventStore == nil {
		writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "event store not configured")
		return
	}

	var afterSeq uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "after must be a non-negative integer")
			return
		}
		afterSeq = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	events, err := s.eventStore.List(r.Context(), runID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusOK, events)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, stored := range events {
		jsonData, _ := json.Marshal(stored)
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", stored.Seq, stored.Event.Kind, jsonData)
	}
	flusher.Flush()
}

// --- helpers ---

func decodeJSONBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	return decoder.Decode(dest)
}

func writeBodyError(w http.ResponseWriter, err error) {
	if isMaxBytesError(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
		return
	}
	writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}
