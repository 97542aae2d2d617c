package services

import (
	"context"
	"time"

	domain "github.com/freshnest/api/internal/domain"
)

// QuoteAssessment carries the scheduling-derived flags surfaced alongside a
// quote: whether the slot is inside the urgency window and whether a hired
// linen selection reaches the minimum order.
type QuoteAssessment struct {
	ScheduledAt     time.Time
	Urgent          bool
	LinenMinimumMet bool
}

// QuoteService derives hours and price for a set of customer choices.
type QuoteService interface {
	Calculate(ctx context.Context, input domain.QuoteInput) (domain.Quote, error)
	// Assess reports the progression gates for the input without touching the
	// price arithmetic.
	Assess(ctx context.Context, input domain.QuoteInput) QuoteAssessment
}

// SubmitBookingCommand carries everything needed to turn a quote into a
// booking. The quote is the frozen snapshot computed upstream; the input is
// retained alongside it for scheduling derivations.
type SubmitBookingCommand struct {
	Identity domain.Identity

	Name  string
	Email string
	Phone string

	Input domain.QuoteInput
	Quote domain.Quote

	PaymentMode     domain.PaymentMode
	CaptureTiming   domain.CaptureTiming
	PaymentMethodID string
	MethodToken     string
	// CustomerRef is the processor-side customer opened during card setup,
	// handed back by the client so it can be recorded against the party.
	CustomerRef string

	IdempotencyKey string
}

// BookingService creates bookings and resolves their payment exactly once per
// submission. Payment failures surface in the outcome; the booking stands.
type BookingService interface {
	Submit(ctx context.Context, cmd SubmitBookingCommand) (domain.BookingOutcome, error)
	Get(ctx context.Context, bookingID string) (domain.Booking, error)
	ListForCustomer(ctx context.Context, customerID string) ([]domain.Booking, error)
}

// ResolveMethodCommand selects the payment instrument for a submission.
type ResolveMethodCommand struct {
	Identity domain.Identity
	// RequestedMethodID selects a stored method explicitly.
	RequestedMethodID string
	// FreshToken is a newly collected processor token, used as-is.
	FreshToken string
}

// MethodResolution is the instrument chosen for a submission plus the
// alternatives the caller may offer the customer.
type MethodResolution struct {
	Customer      domain.Customer
	CustomerFound bool

	Token  string
	Method *domain.PaymentMethod

	Candidates []domain.PaymentMethod
	// RequireReconfirm is set when a guest matched a stored card by email;
	// the stored card must be explicitly re-confirmed before charging.
	RequireReconfirm bool
}

// CustomerLookupResult reports what is known about an email address.
type CustomerLookupResult struct {
	Found         bool
	Customer      domain.Customer
	Methods       []domain.PaymentMethod
	DefaultMethod *domain.PaymentMethod
}

// PaymentMethodResolver matches submissions to customers and stored cards.
type PaymentMethodResolver interface {
	Resolve(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error)
	// LookupByEmail degrades to a not-found result for unknown addresses
	// instead of failing, so guests can proceed as new customers.
	LookupByEmail(ctx context.Context, email string) (CustomerLookupResult, error)
}

// PaymentCommand describes the single payment attempt for a persisted booking.
type PaymentCommand struct {
	Booking        domain.Booking
	Mode           domain.PaymentMode
	Timing         domain.CaptureTiming
	MethodToken    string
	CustomerRef    string
	IdempotencyKey string
}

// PaymentOrchestrator runs the capture decision table for one booking. It
// returns the resulting payment state and booking status; card declines are
// reported through the state, never as an error.
type PaymentOrchestrator interface {
	Execute(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error)
}

// PaymentFollowUpTask is the payload queued for manual payment follow-up.
type PaymentFollowUpTask struct {
	BookingID string    `json:"bookingId"`
	Email     string    `json:"email,omitempty"`
	Amount    int64     `json:"amount"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	QueuedAt  time.Time `json:"queuedAt"`
}

// PaymentFollowUpPublisher queues follow-up tasks for the operations team.
type PaymentFollowUpPublisher interface {
	PublishPaymentFollowUp(ctx context.Context, task PaymentFollowUpTask) (string, error)
}

// SystemService aggregates operational health for the health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}
