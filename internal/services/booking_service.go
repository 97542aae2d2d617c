package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/payments"
	"github.com/freshnest/api/internal/pricing"
	"github.com/freshnest/api/internal/repositories"
)

var (
	// ErrBookingInvalidInput indicates the submission failed validation.
	ErrBookingInvalidInput = errors.New("bookings: invalid input")
	// ErrBookingPaymentRequirements indicates the mode/timing combination is
	// missing its payment instrument; nothing was persisted.
	ErrBookingPaymentRequirements = errors.New("bookings: payment requirements not met")
	// ErrBookingNotFound indicates the booking does not exist.
	ErrBookingNotFound = errors.New("bookings: not found")
	// ErrBookingUnavailable indicates the booking could not be persisted.
	ErrBookingUnavailable = errors.New("bookings: unavailable")
)

// methodMetadataLookup fetches display metadata for a fresh processor token.
type methodMetadataLookup interface {
	LookupMethod(ctx context.Context, token string) (payments.PaymentMethodDetails, error)
}

// BookingServiceDeps wires the booking service collaborators. Methods and
// MethodLookup are optional; when set, a fresh token used by a known customer
// is saved for reuse on a best-effort basis.
type BookingServiceDeps struct {
	Bookings     repositories.BookingRepository
	Resolver     PaymentMethodResolver
	Orchestrator PaymentOrchestrator
	Customers    repositories.CustomerRepository
	Methods      repositories.PaymentMethodRepository
	MethodLookup methodMetadataLookup
	Clock        func() time.Time
	IDGenerator  func() string
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type bookingService struct {
	bookings     repositories.BookingRepository
	resolver     PaymentMethodResolver
	orchestrator PaymentOrchestrator
	customers    repositories.CustomerRepository
	methods      repositories.PaymentMethodRepository
	methodLookup methodMetadataLookup
	now          func() time.Time
	newID        func() string
	logger       func(context.Context, string, map[string]any)
}

// NewBookingService constructs a BookingService validating required dependencies.
func NewBookingService(deps BookingServiceDeps) (BookingService, error) {
	if deps.Bookings == nil {
		return nil, errors.New("booking service: booking repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("booking service: payment method resolver is required")
	}
	if deps.Orchestrator == nil {
		return nil, errors.New("booking service: payment orchestrator is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return "bk_" + ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &bookingService{
		bookings:     deps.Bookings,
		resolver:     deps.Resolver,
		orchestrator: deps.Orchestrator,
		customers:    deps.Customers,
		methods:      deps.Methods,
		methodLookup: deps.MethodLookup,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Submit persists the booking first and then resolves payment exactly once.
// A failed charge never rolls the booking back; the failure is recorded on
// the booking and surfaced in the outcome message.
func (s *bookingService) Submit(ctx context.Context, cmd SubmitBookingCommand) (domain.BookingOutcome, error) {
	if s == nil || s.bookings == nil {
		return domain.BookingOutcome{}, ErrBookingUnavailable
	}
	if err := validateSubmission(cmd); err != nil {
		return domain.BookingOutcome{}, err
	}

	mode := cmd.PaymentMode
	if mode == "" {
		mode = domain.PaymentModeCard
	}
	timing := cmd.CaptureTiming
	if timing == "" {
		timing = domain.TimingAuthorize
	}

	resolution, err := s.resolver.Resolve(ctx, ResolveMethodCommand{
		Identity:          cmd.Identity,
		RequestedMethodID: strings.TrimSpace(cmd.PaymentMethodID),
		FreshToken:        strings.TrimSpace(cmd.MethodToken),
	})
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) || errors.Is(err, ErrMethodInvalidInput) {
			return domain.BookingOutcome{}, fmt.Errorf("%w: %s", ErrBookingInvalidInput, err.Error())
		}
		return domain.BookingOutcome{}, err
	}

	token := resolution.Token
	// A guest's stored card is never charged implicitly; it has to be
	// selected explicitly to count as re-confirmed.
	if resolution.RequireReconfirm && strings.TrimSpace(cmd.PaymentMethodID) == "" && strings.TrimSpace(cmd.MethodToken) == "" {
		token = ""
	}
	if !PaymentRequirementsMet(mode, timing, token) {
		return domain.BookingOutcome{}, ErrBookingPaymentRequirements
	}

	if !resolution.CustomerFound {
		if created, ok := s.registerGuest(ctx, cmd); ok {
			resolution.Customer = created
			resolution.CustomerFound = true
		}
	}
	resolution.Customer = s.ensureStripeRef(ctx, resolution.Customer, cmd.CustomerRef)

	now := s.now()
	scheduledAt := pricing.ScheduledAt(cmd.Input.ScheduledDate, cmd.Input.ScheduledTime)

	booking := domain.Booking{
		ID:          s.newID(),
		CustomerID:  resolution.Customer.ID,
		Email:       strings.ToLower(strings.TrimSpace(cmd.Email)),
		Phone:       strings.TrimSpace(cmd.Phone),
		Name:        strings.TrimSpace(cmd.Name),
		ScheduledAt: scheduledAt,
		Urgent:      pricing.Urgent(scheduledAt, now),
		Hours:       cmd.Quote.BillableHours,
		HourlyRate:  cmd.Quote.HourlyRate,
		Total:       cmd.Quote.Total,
		LineItems:   cloneLineItems(cmd.Quote.LineItems),
		Status:      domain.BookingCreated,
		Payment: domain.PaymentIntentState{
			Mode:   mode,
			Timing: timing,
			Status: domain.PaymentPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	booking.Payment.BookingID = booking.ID

	if err := s.bookings.Insert(ctx, booking); err != nil {
		s.logger(ctx, "bookings.create_failed", map[string]any{
			"error": err.Error(),
		})
		return domain.BookingOutcome{}, fmt.Errorf("%w: %s", ErrBookingUnavailable, err.Error())
	}
	s.logger(ctx, "bookings.created", map[string]any{
		"bookingId": booking.ID,
		"total":     booking.Total,
		"urgent":    booking.Urgent,
	})

	state, status, err := s.orchestrator.Execute(ctx, PaymentCommand{
		Booking:        booking,
		Mode:           mode,
		Timing:         timing,
		MethodToken:    token,
		CustomerRef:    resolution.Customer.StripeRef,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	})
	if err != nil {
		// The booking already stands; record the unresolved attempt.
		state = booking.Payment
		state.Status = domain.PaymentFailed
		state.LastError = "payment could not be attempted"
		status = domain.BookingFollowUp
		s.logger(ctx, "bookings.payment_not_attempted", map[string]any{
			"bookingId": booking.ID,
			"error":     err.Error(),
		})
	}

	if _, err := s.bookings.UpdatePayment(ctx, booking.ID, status, state); err != nil {
		s.logger(ctx, "bookings.payment_state_persist_failed", map[string]any{
			"bookingId": booking.ID,
			"error":     err.Error(),
		})
	}

	if state.Status != domain.PaymentFailed {
		s.saveFreshMethod(ctx, resolution, strings.TrimSpace(cmd.MethodToken))
	}

	return domain.BookingOutcome{
		BookingID:     booking.ID,
		PaymentStatus: state.Status,
		UserMessage:   outcomeMessage(mode, state),
	}, nil
}

// Get loads a booking by id.
func (s *bookingService) Get(ctx context.Context, bookingID string) (domain.Booking, error) {
	if s == nil || s.bookings == nil {
		return domain.Booking{}, ErrBookingUnavailable
	}
	id := strings.TrimSpace(bookingID)
	if id == "" {
		return domain.Booking{}, fmt.Errorf("%w: booking id is required", ErrBookingInvalidInput)
	}
	booking, err := s.bookings.FindByID(ctx, id)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Booking{}, ErrBookingNotFound
		}
		return domain.Booking{}, err
	}
	return booking, nil
}

// ListForCustomer returns the customer's bookings newest first.
func (s *bookingService) ListForCustomer(ctx context.Context, customerID string) ([]domain.Booking, error) {
	if s == nil || s.bookings == nil {
		return nil, ErrBookingUnavailable
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrBookingInvalidInput)
	}
	return s.bookings.ListByCustomer(ctx, id)
}

// registerGuest creates a customer record for a first-time guest so the
// booking carries a customer id and the collected card can be saved for
// reuse. Failure never blocks the submission.
func (s *bookingService) registerGuest(ctx context.Context, cmd SubmitBookingCommand) (domain.Customer, bool) {
	if s.customers == nil {
		return domain.Customer{}, false
	}
	created, err := s.customers.Insert(ctx, domain.Customer{
		Email:     strings.ToLower(strings.TrimSpace(cmd.Email)),
		Name:      strings.TrimSpace(cmd.Name),
		Phone:     strings.TrimSpace(cmd.Phone),
		StripeRef: strings.TrimSpace(cmd.CustomerRef),
	})
	if err != nil {
		s.logger(ctx, "bookings.guest_customer_create_failed", map[string]any{
			"error": err.Error(),
		})
		return domain.Customer{}, false
	}
	s.logger(ctx, "bookings.guest_customer_created", map[string]any{
		"customerId": created.ID,
	})
	return created, true
}

// ensureStripeRef records the processor-side customer reference handed over
// from card setup, once, for a customer that does not have one yet.
func (s *bookingService) ensureStripeRef(ctx context.Context, customer domain.Customer, stripeRef string) domain.Customer {
	ref := strings.TrimSpace(stripeRef)
	if s.customers == nil || ref == "" || customer.ID == "" || customer.StripeRef != "" {
		return customer
	}
	if err := s.customers.SetStripeRef(ctx, customer.ID, ref); err != nil {
		s.logger(ctx, "bookings.stripe_ref_persist_failed", map[string]any{
			"customerId": customer.ID,
			"error":      err.Error(),
		})
		return customer
	}
	customer.StripeRef = ref
	return customer
}

// saveFreshMethod stores a newly collected token against a known customer for
// reuse. Persistence failure never affects the current booking; the token has
// already served its one charge.
func (s *bookingService) saveFreshMethod(ctx context.Context, resolution MethodResolution, freshToken string) {
	if s.methods == nil || freshToken == "" || !resolution.CustomerFound {
		return
	}
	customerID := strings.TrimSpace(resolution.Customer.ID)
	if customerID == "" {
		return
	}
	for _, candidate := range resolution.Candidates {
		if candidate.Token == freshToken {
			return
		}
	}

	method := domain.PaymentMethod{Token: freshToken}
	if s.methodLookup != nil {
		details, err := s.methodLookup.LookupMethod(ctx, freshToken)
		if err != nil {
			s.logger(ctx, "bookings.method_metadata_lookup_failed", map[string]any{
				"customerId": customerID,
				"error":      err.Error(),
			})
		} else {
			method.Brand = details.Brand
			method.Last4 = details.Last4
			method.ExpMonth = details.ExpMonth
			method.ExpYear = details.ExpYear
		}
	}
	method.IsDefault = len(resolution.Candidates) == 0

	if _, err := s.methods.Insert(ctx, customerID, method); err != nil {
		s.logger(ctx, "bookings.method_persist_failed", map[string]any{
			"customerId": customerID,
			"error":      err.Error(),
		})
		return
	}
	s.logger(ctx, "bookings.method_saved", map[string]any{
		"customerId": customerID,
	})
}

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,18}[0-9]$`)
)

func validateSubmission(cmd SubmitBookingCommand) error {
	if !emailPattern.MatchString(strings.TrimSpace(cmd.Email)) {
		return fmt.Errorf("%w: a valid email is required", ErrBookingInvalidInput)
	}
	if phone := strings.TrimSpace(cmd.Phone); phone != "" && !phonePattern.MatchString(phone) {
		return fmt.Errorf("%w: phone number format is not recognised", ErrBookingInvalidInput)
	}
	if cmd.Input.ScheduledDate.IsZero() {
		return fmt.Errorf("%w: scheduled date is required", ErrBookingInvalidInput)
	}
	if cmd.Quote.BillableHours <= 0 {
		return fmt.Errorf("%w: quote hours must be positive", ErrBookingInvalidInput)
	}
	if cmd.Quote.Total < 0 {
		return fmt.Errorf("%w: quote total must not be negative", ErrBookingInvalidInput)
	}
	return nil
}

func cloneLineItems(items []domain.LineItem) []domain.LineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	return out
}

func outcomeMessage(mode domain.PaymentMode, state domain.PaymentIntentState) string {
	if mode == domain.PaymentModeBankTransfer {
		return "Booking confirmed. Please settle the invoice by bank transfer before the visit."
	}
	switch state.Status {
	case domain.PaymentCharged:
		return "Booking confirmed and payment received."
	case domain.PaymentAuthorized:
		return "Booking confirmed. The card hold will be captured after the clean."
	case domain.PaymentFailed:
		if state.LastError != "" {
			return "Your booking is saved. " + state.LastError
		}
		return "Your booking is saved, but payment did not go through. We will be in touch."
	default:
		return "Booking received. We will confirm payment details shortly."
	}
}
