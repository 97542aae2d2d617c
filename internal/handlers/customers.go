package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/platform/httpx"
	"github.com/freshnest/api/internal/services"
)

// CustomerHandlers exposes customer lookup endpoints.
type CustomerHandlers struct {
	resolver services.PaymentMethodResolver
}

// NewCustomerHandlers constructs customer handlers.
func NewCustomerHandlers(resolver services.PaymentMethodResolver) *CustomerHandlers {
	return &CustomerHandlers{resolver: resolver}
}

// Routes registers customer endpoints under the provided router.
func (h *CustomerHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/lookup", h.lookup)
}

type storedMethodResponse struct {
	ID        string `json:"id"`
	Brand     string `json:"brand,omitempty"`
	Last4     string `json:"last4,omitempty"`
	ExpMonth  int    `json:"expMonth,omitempty"`
	ExpYear   int    `json:"expYear,omitempty"`
	IsDefault bool   `json:"isDefault"`
}

type customerLookupResponse struct {
	Found    bool                   `json:"found"`
	Customer *customerSummary       `json:"customer,omitempty"`
	Methods  []storedMethodResponse `json:"methods"`
}

type customerSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// Stored method tokens stay server side; only display metadata is returned.
func methodToResponse(method domain.PaymentMethod) storedMethodResponse {
	return storedMethodResponse{
		ID:        method.ID,
		Brand:     method.Brand,
		Last4:     method.Last4,
		ExpMonth:  method.ExpMonth,
		ExpYear:   method.ExpYear,
		IsDefault: method.IsDefault,
	}
}

func (h *CustomerHandlers) lookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.resolver == nil {
		httpx.WriteError(ctx, w, httpx.NewError("lookup_unavailable", "customer lookup unavailable", http.StatusServiceUnavailable))
		return
	}

	email := strings.TrimSpace(r.URL.Query().Get("email"))
	if email == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "email query parameter is required", http.StatusBadRequest))
		return
	}

	result, err := h.resolver.LookupByEmail(ctx, email)
	if err != nil {
		h.writeLookupError(ctx, w, err)
		return
	}

	resp := customerLookupResponse{
		Found:   result.Found,
		Methods: make([]storedMethodResponse, 0, len(result.Methods)),
	}
	if result.Found {
		resp.Customer = &customerSummary{
			ID:    result.Customer.ID,
			Name:  result.Customer.Name,
			Email: result.Customer.Email,
			Phone: result.Customer.Phone,
		}
		for _, method := range result.Methods {
			resp.Methods = append(resp.Methods, methodToResponse(method))
		}
	}

	writeJSONResponse(w, http.StatusOK, resp)
}

func (h *CustomerHandlers) writeLookupError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrMethodInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMethodUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("lookup_unavailable", "customer lookup unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("lookup_error", "failed to look up customer", http.StatusInternalServerError))
	}
}
