package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/regentlabs/regent/pkg/auth"
	"github.com/regentlabs/regent/pkg/fault"
	"github.com/regentlabs/regent/pkg/intent"
	"github.com/regentlabs/regent/pkg/lifecycle"
)

// Server serves the engine's inbound HTTP API.
type Server struct {
	engine *lifecycle.Manager
	logger *slog.Logger

	// KeepAliveInterval spaces SSE comment keep-alives; zero disables them.
	KeepAliveInterval time.Duration
}

// NewServer creates a server over the lifecycle manager.
func NewServer(engine *lifecycle.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "api")
	}
	return &Server{engine: engine, logger: logger, KeepAliveInterval: 15 * time.Second}
}

// Routes returns the route table. Contract and rate-limit middleware are
// applied by the caller around the whole mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /readiness", s.handleHealth)
	mux.HandleFunc("POST /v1/intents", s.handleSubmit)
	mux.HandleFunc("GET /v1/executions/{id}", s.handleStatus)
	mux.HandleFunc("GET /v1/executions/{id}/events", s.handleEvents)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// submitRequest is the POST /v1/intents body. The tenant comes from the
// execution contract, never from the body.
type submitRequest struct {
	IntentType     string         `json:"intent_type"`
	SessionID      string         `json:"session_id"`
	SolutionID     string         `json:"solution_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

type submitResponse struct {
	ExecutionID string `json:"execution_id"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	// Header takes precedence over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	it := intent.New(intent.Spec{
		Type:           req.IntentType,
		TenantID:       tenantID,
		SessionID:      req.SessionID,
		SolutionID:     req.SolutionID,
		Parameters:     req.Parameters,
		Metadata:       req.Metadata,
		IdempotencyKey: req.IdempotencyKey,
	})

	executionID, err := s.engine.Submit(r.Context(), it)
	if err != nil {
		s.writeSubmitError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{ExecutionID: executionID})
}

func (s *Server) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrTenantBusy):
		WriteTooManyRequests(w, 5)
	case errors.Is(err, lifecycle.ErrShuttingDown):
		WriteServiceUnavailable(w, "engine is shutting down")
	case fault.IsKind(err, fault.KindValidation):
		WriteErrorR(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}

	exec, err := s.engine.Status(r.Context(), r.PathValue("id"), tenantID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrExecutionNotFound) {
			WriteNotFound(w, "no such execution")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(exec)
}

// handleEvents streams lifecycle transitions as server-sent events, one
// event per transition, closing after the terminal state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, err := auth.GetTenantID(r.Context())
	if err != nil {
		WriteUnauthorized(w, "")
		return
	}
	executionID := r.PathValue("id")

	// Subscribe carries no tenant check of its own; gate on Status first.
	if _, err := s.engine.Status(r.Context(), executionID, tenantID); err != nil {
		if errors.Is(err, lifecycle.ErrExecutionNotFound) {
			WriteNotFound(w, "no such execution")
			return
		}
		WriteInternal(w, err)
		return
	}

	ch, stop, err := s.engine.Subscribe(executionID)
	if err != nil {
		WriteNotFound(w, "no such execution")
		return
	}
	defer stop()

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternal(w, errors.New("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.KeepAliveInterval > 0 {
		t := time.NewTicker(s.KeepAliveInterval)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive:
			_, _ = fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case tr, open := <-ch:
			if !open {
				return
			}
			data, merr := json.Marshal(tr)
			if merr != nil {
				s.logger.Error("transition not serializable", "execution_id", executionID, "error", merr)
				return
			}
			_, _ = fmt.Fprintf(w, "event: transition\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
