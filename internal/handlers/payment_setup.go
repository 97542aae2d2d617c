package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freshnest/api/internal/payments"
	"github.com/freshnest/api/internal/platform/httpx"
)

const maxSetupRequestBody = 8 * 1024

// SetupHandlers exposes the card-collection state machine over HTTP. Every
// call after begin names the setup intent it operates on, so concurrent
// customers each drive their own flow.
type SetupHandlers struct {
	flows   *payments.SetupFlowStore
	limiter *simpleRateLimiter
}

// SetupHandlersOption customises the setup handlers.
type SetupHandlersOption func(*SetupHandlers)

// WithSetupRateLimit bounds how often a caller may open new setup intents.
func WithSetupRateLimit(limit int, window time.Duration) SetupHandlersOption {
	return func(h *SetupHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, nil)
	}
}

// NewSetupHandlers constructs handlers around the card-collection flows.
func NewSetupHandlers(flows *payments.SetupFlowStore, opts ...SetupHandlersOption) *SetupHandlers {
	h := &SetupHandlers{flows: flows}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers card-collection endpoints under the provided router.
func (h *SetupHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/begin", h.begin)
	r.Post("/confirm", h.confirm)
	r.Post("/resume", h.resume)
	r.Post("/cancel", h.cancel)
	r.Get("/state", h.state)
}

type beginSetupRequest struct {
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	CustomerRef string `json:"customerRef,omitempty"`
}

type setupIntentResponse struct {
	SetupIntentID string `json:"setupIntentId"`
	ClientSecret  string `json:"clientSecret"`
	CustomerRef   string `json:"customerRef,omitempty"`
	Status        string `json:"status"`
}

type setupMethodResponse struct {
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"expMonth,omitempty"`
	ExpYear  int    `json:"expYear,omitempty"`
}

type setupResultResponse struct {
	SetupIntentID  string               `json:"setupIntentId"`
	State          string               `json:"state"`
	RequiresAction bool                 `json:"requiresAction"`
	Method         *setupMethodResponse `json:"method,omitempty"`
}

type setupStateResponse struct {
	State   string               `json:"state"`
	Failure *setupFailureDetail  `json:"failure,omitempty"`
	Method  *setupMethodResponse `json:"method,omitempty"`
}

type setupFailureDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *SetupHandlers) begin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.flows == nil {
		httpx.WriteError(ctx, w, httpx.NewError("setup_unavailable", "card setup unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(r.RemoteAddr) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many setup attempts, try again shortly", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxSetupRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req beginSetupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email is required", http.StatusBadRequest))
		return
	}

	intent, err := h.flows.Begin(ctx, payments.BeginSetupRequest{
		Email:       req.Email,
		Name:        req.Name,
		CustomerRef: req.CustomerRef,
	})
	if err != nil {
		h.writeSetupError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, setupIntentResponse{
		SetupIntentID: intent.ID,
		ClientSecret:  intent.ClientSecret,
		CustomerRef:   intent.CustomerRef,
		Status:        string(intent.Status),
	})
}

type confirmSetupRequest struct {
	SetupIntentID string `json:"setupIntentId"`
	MethodToken   string `json:"methodToken"`
}

func (h *SetupHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.flows == nil {
		httpx.WriteError(ctx, w, httpx.NewError("setup_unavailable", "card setup unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxSetupRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req confirmSetupRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.SetupIntentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "setupIntentId is required", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.MethodToken) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "methodToken is required", http.StatusBadRequest))
		return
	}

	result, err := h.flows.Confirm(ctx, req.SetupIntentID, req.MethodToken)
	if err != nil {
		h.writeSetupError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, h.resultResponse(req.SetupIntentID, result))
}

type resumeSetupRequest struct {
	SetupIntentID string `json:"setupIntentId"`
}

func (h *SetupHandlers) resume(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.flows == nil {
		httpx.WriteError(ctx, w, httpx.NewError("setup_unavailable", "card setup unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxSetupRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req resumeSetupRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	if strings.TrimSpace(req.SetupIntentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "setupIntentId is required", http.StatusBadRequest))
		return
	}

	result, err := h.flows.Resume(ctx, req.SetupIntentID)
	if err != nil {
		h.writeSetupError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, h.resultResponse(req.SetupIntentID, result))
}

func (h *SetupHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.flows == nil {
		httpx.WriteError(ctx, w, httpx.NewError("setup_unavailable", "card setup unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxSetupRequestBody)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	var req resumeSetupRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	}
	if strings.TrimSpace(req.SetupIntentID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "setupIntentId is required", http.StatusBadRequest))
		return
	}

	state := h.flows.Cancel(ctx, req.SetupIntentID)
	writeJSONResponse(w, http.StatusOK, setupStateResponse{State: string(state)})
}

func (h *SetupHandlers) state(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.flows == nil {
		httpx.WriteError(ctx, w, httpx.NewError("setup_unavailable", "card setup unavailable", http.StatusServiceUnavailable))
		return
	}

	id := strings.TrimSpace(r.URL.Query().Get("setupIntentId"))
	if id == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "setupIntentId is required", http.StatusBadRequest))
		return
	}

	state, failure, err := h.flows.State(id)
	if err != nil {
		h.writeSetupError(ctx, w, err)
		return
	}

	resp := setupStateResponse{State: string(state)}
	if failure != nil {
		resp.Failure = &setupFailureDetail{
			Code:    string(failure.Code),
			Message: failure.UserMessage(),
		}
	}
	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *SetupHandlers) resultResponse(setupIntentID string, result payments.SetupResult) setupResultResponse {
	state, _, err := h.flows.State(setupIntentID)
	if err != nil {
		state = payments.FlowIdle
	}
	resp := setupResultResponse{
		SetupIntentID:  result.SetupIntentID,
		State:          string(state),
		RequiresAction: result.RequiresAction,
	}
	// The raw method token never leaves the server; the client only sees
	// display metadata.
	if result.Method.Brand != "" || result.Method.Last4 != "" {
		resp.Method = &setupMethodResponse{
			Brand:    result.Method.Brand,
			Last4:    result.Method.Last4,
			ExpMonth: result.Method.ExpMonth,
			ExpYear:  result.Method.ExpYear,
		}
	}
	return resp
}

func (h *SetupHandlers) writeSetupError(ctx context.Context, w http.ResponseWriter, err error) {
	if cardErr, ok := payments.AsCardError(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError(string(cardErr.Code), cardErr.UserMessage(), http.StatusPaymentRequired))
		return
	}
	switch {
	case errors.Is(err, payments.ErrFlowNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("setup_not_found", "no card setup for that intent", http.StatusNotFound))
	case errors.Is(err, payments.ErrFlowSuperseded):
		httpx.WriteError(ctx, w, httpx.NewError("setup_superseded", "a newer card setup replaced this one", http.StatusConflict))
	case errors.Is(err, payments.ErrFlowState):
		httpx.WriteError(ctx, w, httpx.NewError("setup_state_conflict", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("setup_error", "card setup failed", http.StatusInternalServerError))
	}
}
