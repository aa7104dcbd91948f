package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/inboxflow/inboxflow/memory"
	"github.com/inboxflow/inboxflow/state"
	"github.com/inboxflow/inboxflow/types"
	"github.com/inboxflow/inboxflow/workflow"
)

type Server struct {
	orchestrator *workflow.Orchestrator
	store        state.Store
	memory       memory.Store
	logger       *slog.Logger
	authToken    string
}

type Option func(*Server)

func WithAuthToken(token string) Option {
	return func(s *Server) { s.authToken = token }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(orchestrator *workflow.Orchestrator, store state.Store, mem memory.Store, opts ...Option) (*Server, error) {
	if orchestrator == nil || store == nil || mem == nil {
		return nil, fmt.Errorf("orchestrator, store and memory are required")
	}
	s := &Server{
		orchestrator: orchestrator,
		store:        store,
		memory:       mem,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(bearerAuth(s.authToken))
		}
		r.Post("/messages", s.handleSubmitMessage)
		r.Get("/executions", s.handleListExecutions)
		r.Get("/executions/{executionID}", s.handleGetExecution)
		r.Post("/executions/{executionID}/resume", s.handleResume)
		r.Post("/executions/{executionID}/expire", s.handleExpire)
		r.Post("/executions/{executionID}/cancel", s.handleCancel)
		r.Get("/memory", s.handleListMemory)
	})
	return r
}

type submitMessageRequest struct {
	Owner   string        `json:"owner"`
	Message types.Message `json:"message"`
}

func (s *Server) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Message.ReceivedAt.IsZero() {
		req.Message.ReceivedAt = time.Now().UTC()
	}

	result, err := s.orchestrator.Start(r.Context(), req.Owner, req.Message)
	if err != nil && result.ExecutionID == "" {
		s.writeWorkflowError(w, err)
		return
	}
	status := http.StatusOK
	if result.Status == workflow.StatusSuspended {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

type resumeRequest struct {
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
	Token   int    `json:"token,omitempty"`
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")

	var req resumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	action, ok := types.ParseReviewAction(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown review action %q", req.Action))
		return
	}

	result, err := s.orchestrator.Resume(r.Context(), executionID, types.HumanDecision{
		Action:    action,
		Content:   req.Content,
		Token:     req.Token,
		DecidedAt: time.Now().UTC(),
	})
	if err != nil && result.ExecutionID == "" {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	result, err := s.orchestrator.Expire(r.Context(), executionID)
	if err != nil && result.ExecutionID == "" {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	result, err := s.orchestrator.Cancel(r.Context(), executionID)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID := chi.URLParam(r, "executionID")
	rec, err := s.store.LoadExecution(r.Context(), executionID)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	query := state.ListQuery{
		Owner:  r.URL.Query().Get("owner"),
		Status: r.URL.Query().Get("status"),
		Limit:  100,
	}
	recs, err := s.store.ListExecutions(r.Context(), query)
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": recs})
}

func (s *Server) handleListMemory(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner query parameter is required"))
		return
	}
	records, err := s.memory.List(r.Context(), owner, memory.Category(r.URL.Query().Get("category")))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, workflow.ErrNotSuspended),
		errors.Is(err, workflow.ErrStaleCheckpoint),
		errors.Is(err, workflow.ErrDeadlineNotReached),
		errors.Is(err, workflow.ErrAlreadyTerminal),
		errors.Is(err, workflow.ErrDecisionConflict):
		writeError(w, http.StatusConflict, err)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	expected := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != expected {
				writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid or missing bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
