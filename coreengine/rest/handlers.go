package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/api"
	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/handoff"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if r.ContentLength == 0 {
		return v, true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "invalid", "invalid request body")
		}
		return v, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeKernelError maps kernel errors onto HTTP statuses.
func (h *Handlers) writeKernelError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, handoff.ErrInvalidHandoff):
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
	case errors.Is(err, handoff.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, handoff.ErrIllegalTransition), errors.Is(err, handoff.ErrExceptionClosed):
		writeError(w, http.StatusConflict, "illegal", err.Error())
	case errors.Is(err, handoff.ErrConcurrentModification):
		writeError(w, http.StatusConflict, "concurrent", err.Error())
	default:
		h.Logger.Error("http_request_failed", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

// respond writes resp, or the mapped error.
func respond[T any](h *Handlers, w http.ResponseWriter, r *http.Request, resp T, err error) {
	if err != nil {
		h.writeKernelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SystemStatus handles GET /api/v1/status
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.GetSystemStatus(r.Context())
	if err == nil && h.Broadcaster != nil {
		st["watchers"] = h.Broadcaster.Subscribers()
		st["watch_dropped"] = h.Broadcaster.Dropped()
	}
	respond(h, w, r, st, err)
}

// --- Workflows ---

// StartWorkflow handles POST /api/v1/workflows
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.StartWorkflowRequest](w, r)
	if !ok {
		return
	}
	resp, err := h.Service.StartWorkflow(r.Context(), req)
	if err != nil {
		h.writeKernelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetWorkflow handles GET /api/v1/workflows/{id}
func (h *Handlers) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.GetWorkflow(r.Context(), api.WorkflowRequest{WorkflowID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// AdvanceWorkflow handles POST /api/v1/workflows/{id}/advance
func (h *Handlers) AdvanceWorkflow(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.AdvanceWorkflow(r.Context(), api.WorkflowRequest{WorkflowID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// AbortWorkflow handles POST /api/v1/workflows/{id}/abort
func (h *Handlers) AbortWorkflow(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.AbortWorkflowRequest](w, r)
	if !ok {
		return
	}
	req.WorkflowID = chi.URLParam(r, "id")
	resp, err := h.Service.AbortWorkflow(r.Context(), req)
	respond(h, w, r, resp, err)
}

// --- Handoffs ---

// CreateHandoff handles POST /api/v1/handoffs
func (h *Handlers) CreateHandoff(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.CreateHandoffRequest](w, r)
	if !ok {
		return
	}
	resp, err := h.Service.CreateHandoff(r.Context(), req)
	if err != nil {
		h.writeKernelError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// GetHandoff handles GET /api/v1/handoffs/{id}
func (h *Handlers) GetHandoff(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.GetHandoff(r.Context(), api.HandoffRequest{HandoffID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// GetHandoffHistory handles GET /api/v1/handoffs/{id}/history
func (h *Handlers) GetHandoffHistory(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.GetHandoffHistory(r.Context(), api.HandoffRequest{HandoffID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// ValidateHandoff handles POST /api/v1/handoffs/{id}/validate
func (h *Handlers) ValidateHandoff(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.ValidateHandoff(r.Context(), api.HandoffRequest{HandoffID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// TransitionHandoff handles POST /api/v1/handoffs/{id}/transition
func (h *Handlers) TransitionHandoff(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.TransitionHandoffRequest](w, r)
	if !ok {
		return
	}
	req.HandoffID = chi.URLParam(r, "id")
	if req.Event == "" {
		writeError(w, http.StatusBadRequest, "invalid", "event is required")
		return
	}
	resp, err := h.Service.TransitionHandoff(r.Context(), req)
	respond(h, w, r, resp, err)
}

// ReportOverdue handles POST /api/v1/handoffs/{id}/overdue
func (h *Handlers) ReportOverdue(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.ReportOverdueRequest](w, r)
	if !ok {
		return
	}
	req.HandoffID = chi.URLParam(r, "id")
	resp, err := h.Service.ReportOverdue(r.Context(), req)
	respond(h, w, r, resp, err)
}

// --- Exceptions ---

// GetException handles GET /api/v1/exceptions/{id}
func (h *Handlers) GetException(w http.ResponseWriter, r *http.Request) {
	resp, err := h.Service.GetException(r.Context(), api.ExceptionRequest{ExceptionID: chi.URLParam(r, "id")})
	respond(h, w, r, resp, err)
}

// ResolveException handles POST /api/v1/exceptions/{id}/resolve
func (h *Handlers) ResolveException(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.ResolveExceptionRequest](w, r)
	if !ok {
		return
	}
	req.ExceptionID = chi.URLParam(r, "id")
	if req.Responder == "" {
		writeError(w, http.StatusBadRequest, "invalid", "responder is required")
		return
	}
	resp, err := h.Service.ResolveException(r.Context(), req)
	respond(h, w, r, resp, err)
}

// EscalateException handles POST /api/v1/exceptions/{id}/escalate
func (h *Handlers) EscalateException(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[api.EscalateExceptionRequest](w, r)
	if !ok {
		return
	}
	req.ExceptionID = chi.URLParam(r, "id")
	resp, err := h.Service.EscalateException(r.Context(), req)
	respond(h, w, r, resp, err)
}
