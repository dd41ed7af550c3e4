// Package server exposes the orchestration engine over HTTP: a
// free-form orchestrate endpoint, catalog CRUD, and run event replay
// backed by the event store.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/reflow-labs/reflow"
	"github.com/reflow-labs/reflow/bus"
	"github.com/reflow-labs/reflow/catalog"
	"github.com/reflow-labs/reflow/sse"
)

// Orchestrator handles one free-form request end to end.
// *reflow.Orchestrator satisfies it.
type Orchestrator interface {
	Handle(ctx context.Context, request string) (*reflow.OrchestrationResult, error)
}

// Config configures a Server instance.
type Config struct {
	Orchestrator Orchestrator
	Catalog      catalog.Catalog
	EventStore   bus.EventStore

	// Bus, when set, backs the live run-event SSE stream.
	Bus bus.EventBus

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the engine's HTTP API server.
type Server struct {
	orchestrator Orchestrator
	catalog      catalog.Catalog
	eventStore   bus.EventStore
	bus          bus.EventBus
	corsOrigin   string
	maxBody      int64
	logger       *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		orchestrator: cfg.Orchestrator,
		catalog:      cfg.Catalog,
		eventStore:   cfg.EventStore,
		bus:          cfg.Bus,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		logger:       logger,
	}
}

// Handler returns an http.Handler with all routes and middleware
// wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	handler = s.logMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /api/orchestrate", s.handleOrchestrate)

	mux.HandleFunc("GET /api/intents", s.handleListIntents)
	mux.HandleFunc("POST /api/intents", s.handleCreateIntent)
	mux.HandleFunc("GET /api/intents/{id}", s.handleGetIntent)

	mux.HandleFunc("GET /api/nodes", s.handleListNodes)
	mux.HandleFunc("POST /api/nodes", s.handleCreateNode)
	mux.HandleFunc("GET /api/nodes/{id}", s.handleGetNode)
	mux.HandleFunc("PUT /api/nodes/{id}", s.handleUpdateNode)
	mux.HandleFunc("GET /api/nodes/search", s.handleSearchNodes)

	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /api/workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetWorkflow)

	mux.HandleFunc("GET /api/runs/{run_id}/events", s.handleRunEvents)
	if s.bus != nil {
		mux.Handle("GET /api/runs/{run_id}/stream", sse.NewHandler(s.bus))
	}
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start))
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeEngineError maps an engine error code to an HTTP status.
func writeEngineError(w http.ResponseWriter, err error) {
	code := reflow.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	status := http.StatusInternalServerError
	switch code {
	case reflow.CodeValidation, reflow.CodeDanglingEdge, reflow.CodeWorkflowCycle:
		status = http.StatusBadRequest
	case reflow.CodeNoIntent, reflow.CodeNoWorkflowForIntent:
		status = http.StatusNotFound
	case reflow.CodeInsufficientInputs, reflow.CodeUnsatisfiedInputs, reflow.CodeAdaptationFailed:
		status = http.StatusUnprocessableEntity
	case reflow.CodeEffectorTimeout:
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, string(code), err.Error())
}
