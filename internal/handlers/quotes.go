package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/platform/httpx"
	"github.com/freshnest/api/internal/services"
)

const maxQuoteRequestBody = 16 * 1024

// QuoteHandlers exposes the quote calculation endpoint.
type QuoteHandlers struct {
	quotes services.QuoteService
}

// NewQuoteHandlers constructs quote handlers.
func NewQuoteHandlers(quotes services.QuoteService) *QuoteHandlers {
	return &QuoteHandlers{quotes: quotes}
}

// Routes registers quote endpoints under the provided router.
func (h *QuoteHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.calculate)
}

type linenSelectionRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type quoteOverridesRequest struct {
	HourlyRateOverride *int64   `json:"hourlyRateOverride,omitempty"`
	DiscountPercent    *float64 `json:"discountPercent,omitempty"`
	DiscountFixed      *int64   `json:"discountFixed,omitempty"`
	TotalOverride      *int64   `json:"totalOverride,omitempty"`
	WaiveShortNotice   bool     `json:"waiveShortNotice,omitempty"`
}

type quoteInputRequest struct {
	PropertyType    string `json:"propertyType"`
	Bedrooms        int    `json:"bedrooms"`
	Bathrooms       int    `json:"bathrooms"`
	Toilets         int    `json:"toilets"`
	AdditionalRooms int    `json:"additionalRooms"`
	Floors          int    `json:"floors"`

	ServiceType    string `json:"serviceType"`
	AlreadyCleaned bool   `json:"alreadyCleaned"`
	OvenType       string `json:"ovenType"`

	Supplies  string `json:"supplies"`
	Equipment string `json:"equipment"`

	LinenMode       string                  `json:"linenMode"`
	LinenSelections []linenSelectionRequest `json:"linenSelections"`
	Ironing         bool                    `json:"ironing"`
	IroningHours    float64                 `json:"ironingHours"`
	ExtraHours      float64                 `json:"extraHours"`

	ScheduledDate    string `json:"scheduledDate"`
	ScheduledTime    string `json:"scheduledTime"`
	FlexibleSchedule bool   `json:"flexibleSchedule"`

	CustomerRateAdjust int64 `json:"customerRateAdjust"`

	Overrides *quoteOverridesRequest `json:"overrides,omitempty"`
}

func (req quoteInputRequest) toDomain() (domain.QuoteInput, error) {
	input := domain.QuoteInput{
		PropertyType:       domain.PropertyType(strings.TrimSpace(req.PropertyType)),
		Bedrooms:           req.Bedrooms,
		Bathrooms:          req.Bathrooms,
		Toilets:            req.Toilets,
		AdditionalRooms:    req.AdditionalRooms,
		Floors:             req.Floors,
		ServiceType:        domain.ServiceType(strings.TrimSpace(req.ServiceType)),
		AlreadyCleaned:     req.AlreadyCleaned,
		OvenType:           domain.OvenType(strings.TrimSpace(req.OvenType)),
		Supplies:           domain.SuppliesArrangement(strings.TrimSpace(req.Supplies)),
		Equipment:          domain.EquipmentArrangement(strings.TrimSpace(req.Equipment)),
		LinenMode:          domain.LinenMode(strings.TrimSpace(req.LinenMode)),
		Ironing:            req.Ironing,
		IroningHours:       req.IroningHours,
		ExtraHours:         req.ExtraHours,
		ScheduledTime:      strings.TrimSpace(req.ScheduledTime),
		FlexibleSchedule:   req.FlexibleSchedule,
		CustomerRateAdjust: req.CustomerRateAdjust,
	}

	for _, selection := range req.LinenSelections {
		input.LinenSelections = append(input.LinenSelections, domain.LinenSelection{
			ProductID: strings.TrimSpace(selection.ProductID),
			Quantity:  selection.Quantity,
		})
	}

	if date := strings.TrimSpace(req.ScheduledDate); date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.QuoteInput{}, fmt.Errorf("scheduledDate must be formatted YYYY-MM-DD")
		}
		input.ScheduledDate = parsed
	}

	if req.Overrides != nil {
		input.Overrides = domain.AdminOverrides{
			HourlyRateOverride: req.Overrides.HourlyRateOverride,
			DiscountPercent:    req.Overrides.DiscountPercent,
			DiscountFixed:      req.Overrides.DiscountFixed,
			TotalOverride:      req.Overrides.TotalOverride,
			WaiveShortNotice:   req.Overrides.WaiveShortNotice,
		}
	}

	return input, nil
}

type lineItemResponse struct {
	Label  string `json:"label"`
	Amount int64  `json:"amount"`
	Kind   string `json:"kind"`
}

type quoteResponse struct {
	BillableHours float64            `json:"billableHours"`
	HourlyRate    int64              `json:"hourlyRate"`
	LineItems     []lineItemResponse `json:"lineItems"`
	Subtotal      int64              `json:"subtotal"`
	Total         int64              `json:"total"`

	ScheduledAt     string `json:"scheduledAt,omitempty"`
	Urgent          bool   `json:"urgent"`
	LinenMinimumMet bool   `json:"linenMinimumMet"`
}

func quoteToResponse(quote domain.Quote, assessment services.QuoteAssessment) quoteResponse {
	items := make([]lineItemResponse, 0, len(quote.LineItems))
	for _, item := range quote.LineItems {
		items = append(items, lineItemResponse{
			Label:  item.Label,
			Amount: item.Amount,
			Kind:   string(item.Kind),
		})
	}
	return quoteResponse{
		BillableHours:   quote.BillableHours,
		HourlyRate:      quote.HourlyRate,
		LineItems:       items,
		Subtotal:        quote.Subtotal,
		Total:           quote.Total,
		ScheduledAt:     formatTime(assessment.ScheduledAt),
		Urgent:          assessment.Urgent,
		LinenMinimumMet: assessment.LinenMinimumMet,
	}
}

func (h *QuoteHandlers) calculate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "quote service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxQuoteRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req quoteInputRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	input, err := req.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	quote, err := h.quotes.Calculate(ctx, input)
	if err != nil {
		h.writeQuoteError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, quoteToResponse(quote, h.quotes.Assess(ctx, input)))
}

func (h *QuoteHandlers) writeQuoteError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrQuoteInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrQuoteUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "quote service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("quote_error", "failed to calculate quote", http.StatusInternalServerError))
	}
}
