package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/platform/httpx"
	"github.com/freshnest/api/internal/services"
)

const (
	maxBookingRequestBody = 32 * 1024
	idempotencyKeyHeader  = "Idempotency-Key"
)

// BookingHandlers exposes booking submission and retrieval endpoints.
type BookingHandlers struct {
	bookings services.BookingService
	quotes   services.QuoteService
}

// NewBookingHandlers constructs booking handlers.
func NewBookingHandlers(bookings services.BookingService, quotes services.QuoteService) *BookingHandlers {
	return &BookingHandlers{bookings: bookings, quotes: quotes}
}

// Routes registers booking endpoints under the provided router.
func (h *BookingHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.submit)
	r.Get("/{bookingID}", h.get)
	r.Get("/", h.list)
}

type submitBookingRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`

	// CustomerID identifies a known customer; BookedBy set to "admin" marks an
	// operator submitting on that customer's behalf.
	CustomerID string `json:"customerId,omitempty"`
	BookedBy   string `json:"bookedBy,omitempty"`

	Quote quoteInputRequest `json:"quote"`

	PaymentMode     string `json:"paymentMode"`
	CaptureTiming   string `json:"captureTiming,omitempty"`
	PaymentMethodID string `json:"paymentMethodId,omitempty"`
	MethodToken     string `json:"methodToken,omitempty"`
	CustomerRef     string `json:"customerRef,omitempty"`
}

func (req submitBookingRequest) identity() domain.Identity {
	customerID := strings.TrimSpace(req.CustomerID)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	switch {
	case customerID != "" && strings.EqualFold(strings.TrimSpace(req.BookedBy), "admin"):
		return domain.Identity{Kind: domain.IdentityAdmin, CustomerID: customerID, Email: email}
	case customerID != "":
		return domain.Identity{Kind: domain.IdentityRegistered, CustomerID: customerID, Email: email}
	default:
		return domain.Identity{Kind: domain.IdentityGuest, Email: email}
	}
}

type bookingPaymentResponse struct {
	Mode      string `json:"mode"`
	Timing    string `json:"timing"`
	Status    string `json:"status"`
	IntentID  string `json:"intentId,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

type bookingResponse struct {
	ID         string `json:"id"`
	CustomerID string `json:"customerId,omitempty"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone,omitempty"`

	ScheduledAt string `json:"scheduledAt,omitempty"`
	Urgent      bool   `json:"urgent"`

	Hours      float64            `json:"hours"`
	HourlyRate int64              `json:"hourlyRate"`
	Total      int64              `json:"total"`
	LineItems  []lineItemResponse `json:"lineItems"`

	Status  string                 `json:"status"`
	Payment bookingPaymentResponse `json:"payment"`

	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type submitBookingResponse struct {
	BookingID     string `json:"bookingId"`
	PaymentStatus string `json:"paymentStatus"`
	Message       string `json:"message,omitempty"`
}

func bookingToResponse(booking domain.Booking) bookingResponse {
	items := make([]lineItemResponse, 0, len(booking.LineItems))
	for _, item := range booking.LineItems {
		items = append(items, lineItemResponse{
			Label:  item.Label,
			Amount: item.Amount,
			Kind:   string(item.Kind),
		})
	}
	return bookingResponse{
		ID:          booking.ID,
		CustomerID:  booking.CustomerID,
		Name:        booking.Name,
		Email:       booking.Email,
		Phone:       booking.Phone,
		ScheduledAt: formatTime(booking.ScheduledAt),
		Urgent:      booking.Urgent,
		Hours:       booking.Hours,
		HourlyRate:  booking.HourlyRate,
		Total:       booking.Total,
		LineItems:   items,
		Status:      string(booking.Status),
		Payment: bookingPaymentResponse{
			Mode:      string(booking.Payment.Mode),
			Timing:    string(booking.Payment.Timing),
			Status:    string(booking.Payment.Status),
			IntentID:  booking.Payment.IntentID,
			LastError: booking.Payment.LastError,
		},
		CreatedAt: formatTime(booking.CreatedAt),
		UpdatedAt: formatTime(booking.UpdatedAt),
	}
}

func (h *BookingHandlers) submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.bookings == nil || h.quotes == nil {
		httpx.WriteError(ctx, w, httpx.NewError("booking_unavailable", "booking service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxBookingRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req submitBookingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	input, err := req.Quote.toDomain()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	// The quote is always recomputed server side; client-supplied totals are
	// never trusted.
	quote, err := h.quotes.Calculate(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrQuoteInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrQuoteUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("quote_unavailable", "quote service unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("quote_error", "failed to calculate quote", http.StatusInternalServerError))
		}
		return
	}

	outcome, err := h.bookings.Submit(ctx, services.SubmitBookingCommand{
		Identity:        req.identity(),
		Name:            strings.TrimSpace(req.Name),
		Email:           strings.TrimSpace(req.Email),
		Phone:           strings.TrimSpace(req.Phone),
		Input:           input,
		Quote:           quote,
		PaymentMode:     domain.PaymentMode(strings.TrimSpace(req.PaymentMode)),
		CaptureTiming:   domain.CaptureTiming(strings.TrimSpace(req.CaptureTiming)),
		PaymentMethodID: strings.TrimSpace(req.PaymentMethodID),
		MethodToken:     strings.TrimSpace(req.MethodToken),
		CustomerRef:     strings.TrimSpace(req.CustomerRef),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	})
	if err != nil {
		h.writeBookingError(ctx, w, err)
		return
	}

	// Declines still produce a booking; the failed payment status rides along
	// in a successful response.
	writeJSONResponse(w, http.StatusCreated, submitBookingResponse{
		BookingID:     outcome.BookingID,
		PaymentStatus: string(outcome.PaymentStatus),
		Message:       outcome.UserMessage,
	})
}

func (h *BookingHandlers) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.bookings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("booking_unavailable", "booking service unavailable", http.StatusServiceUnavailable))
		return
	}

	bookingID := strings.TrimSpace(chi.URLParam(r, "bookingID"))
	if bookingID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "booking id is required", http.StatusBadRequest))
		return
	}

	booking, err := h.bookings.Get(ctx, bookingID)
	if err != nil {
		h.writeBookingError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, bookingToResponse(booking))
}

type bookingListResponse struct {
	Bookings []bookingResponse `json:"bookings"`
}

func (h *BookingHandlers) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.bookings == nil {
		httpx.WriteError(ctx, w, httpx.NewError("booking_unavailable", "booking service unavailable", http.StatusServiceUnavailable))
		return
	}

	customerID := strings.TrimSpace(r.URL.Query().Get("customerId"))
	if customerID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "customerId query parameter is required", http.StatusBadRequest))
		return
	}

	bookings, err := h.bookings.ListForCustomer(ctx, customerID)
	if err != nil {
		h.writeBookingError(ctx, w, err)
		return
	}

	payload := bookingListResponse{Bookings: make([]bookingResponse, 0, len(bookings))}
	for _, booking := range bookings {
		payload.Bookings = append(payload.Bookings, bookingToResponse(booking))
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *BookingHandlers) writeBookingError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrBookingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrBookingPaymentRequirements):
		httpx.WriteError(ctx, w, httpx.NewError("payment_required", err.Error(), http.StatusPaymentRequired))
	case errors.Is(err, services.ErrBookingNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("booking_not_found", "booking not found", http.StatusNotFound))
	case errors.Is(err, services.ErrMethodInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrMethodNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_method_not_found", "payment method not found", http.StatusNotFound))
	case errors.Is(err, services.ErrBookingUnavailable), errors.Is(err, services.ErrMethodUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("booking_unavailable", "booking service unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("booking_error", "failed to process booking", http.StatusInternalServerError))
	}
}
