package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nvela/flowd/internal/engine"
	"github.com/nvela/flowd/internal/store"
	"github.com/nvela/flowd/internal/trigger"
	"github.com/nvela/flowd/pkg/schema"
)

// server exposes the trigger and execution surfaces over HTTP. Tenancy is
// carried in the path; there is no auth layer here — flowd expects to sit
// behind a gateway that established the tenant.
type server struct {
	triggers *trigger.Handler
	engine   *engine.Engine
	logger   *slog.Logger
}

func newServer(triggers *trigger.Handler, eng *engine.Engine, logger *slog.Logger) *server {
	return &server{triggers: triggers, engine: eng, logger: logger}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/tenants/{tenant}/workflows/{workflow}/webhook", s.handleWebhook)
	mux.HandleFunc("POST /v1/tenants/{tenant}/workflows/{workflow}/trigger", s.handleManual)
	mux.HandleFunc("GET /v1/tenants/{tenant}/executions", s.handleListExecutions)
	mux.HandleFunc("GET /v1/tenants/{tenant}/executions/{id}", s.handleGetExecution)
	mux.HandleFunc("POST /v1/tenants/{tenant}/executions/{id}/cancel", s.handleCancelExecution)
	mux.HandleFunc("GET /v1/tenants/{tenant}/executions/{id}/analyses", s.handleListAnalyses)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	ack, err := s.triggers.HandleWebhook(r.Context(), r.PathValue("workflow"), r.PathValue("tenant"), payload)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ack)
}

func (s *server) handleManual(w http.ResponseWriter, r *http.Request) {
	payload, err := decodePayload(r)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	ack, err := s.triggers.HandleManual(r.Context(), r.PathValue("workflow"), r.PathValue("tenant"), payload)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ack)
}

func (s *server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		TenantID:   r.PathValue("tenant"),
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Skip = n
		}
	}

	executions, total, err := s.engine.ListExecutions(r.Context(), filter)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"total":      total,
	})
}

func (s *server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.GetExecution(r.Context(), r.PathValue("id"), r.PathValue("tenant"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	ex, err := s.engine.CancelExecution(r.Context(), r.PathValue("id"), r.PathValue("tenant"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *server) handleListAnalyses(w http.ResponseWriter, r *http.Request) {
	analyses, err := s.engine.ListAIAnalyses(r.Context(), r.PathValue("id"), r.PathValue("tenant"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"analyses": analyses})
}

func decodePayload(r *http.Request) (map[string]any, error) {
	defer r.Body.Close()
	var payload map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return map[string]any{}, nil
		}
		return nil, schema.NewError(schema.ErrCodeValidation, "request body is not a JSON object").WithCause(err)
	}
	return payload, nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		fe = schema.NewError(schema.ErrCodeExecution, err.Error())
	}

	status := http.StatusInternalServerError
	switch fe.Code {
	case schema.ErrCodeValidation, schema.ErrCodeTriggerMismatch:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeNotActive, schema.ErrCodeConflict:
		status = http.StatusConflict
	case schema.ErrCodeTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		logger.Error("request failed", "code", fe.Code, "error", fe.Message)
	}
	respondJSON(w, status, map[string]any{"error": fe})
}

func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
}
