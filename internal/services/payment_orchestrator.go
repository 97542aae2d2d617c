package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/payments"
)

const (
	defaultCurrency = "gbp"

	followUpReasonPaymentFailed = "payment_failed"
	followUpReasonNoCapture     = "no_capture_requested"
)

var (
	// ErrPaymentInvalidInput indicates the payment command failed validation.
	ErrPaymentInvalidInput = errors.New("payments: invalid input")
	// ErrPaymentUnavailable indicates the orchestrator is missing dependencies.
	ErrPaymentUnavailable = errors.New("payments: unavailable")
)

// cardProcessor abstracts the authorize/capture half of payments.Processor.
type cardProcessor interface {
	Authorize(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error)
	Capture(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error)
}

// PaymentOrchestratorDeps wires the orchestrator dependencies.
type PaymentOrchestratorDeps struct {
	Processor cardProcessor
	FollowUps PaymentFollowUpPublisher
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
	Currency  string
}

type paymentOrchestrator struct {
	processor cardProcessor
	followUps PaymentFollowUpPublisher
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
	currency  string
}

// NewPaymentOrchestrator constructs a PaymentOrchestrator.
func NewPaymentOrchestrator(deps PaymentOrchestratorDeps) (PaymentOrchestrator, error) {
	if deps.Processor == nil {
		return nil, errors.New("payment orchestrator: processor is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	return &paymentOrchestrator{
		processor: deps.Processor,
		followUps: deps.FollowUps,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		currency: currency,
	}, nil
}

// PaymentRequirementsMet reports whether the submission carries what its
// mode/timing combination needs before a booking is created. Bank transfers
// and no-capture submissions need nothing; any card charge needs a token.
func PaymentRequirementsMet(mode domain.PaymentMode, timing domain.CaptureTiming, methodToken string) bool {
	if mode == domain.PaymentModeBankTransfer {
		return true
	}
	if timing == domain.TimingNone {
		return true
	}
	return strings.TrimSpace(methodToken) != ""
}

// Execute runs the capture decision for one persisted booking. The booking is
// never rolled back here: declines and processor failures resolve to a failed
// payment state on a standing booking.
func (o *paymentOrchestrator) Execute(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
	if o == nil || o.processor == nil {
		return domain.PaymentIntentState{}, "", ErrPaymentUnavailable
	}

	bookingID := strings.TrimSpace(cmd.Booking.ID)
	if bookingID == "" {
		return domain.PaymentIntentState{}, "", fmt.Errorf("%w: booking id is required", ErrPaymentInvalidInput)
	}

	mode := cmd.Mode
	if mode == "" {
		mode = domain.PaymentModeCard
	}
	timing := cmd.Timing
	if timing == "" {
		timing = domain.TimingAuthorize
	}

	state := domain.PaymentIntentState{
		BookingID: bookingID,
		Mode:      mode,
		Timing:    timing,
		Status:    domain.PaymentPending,
	}

	if mode == domain.PaymentModeBankTransfer {
		o.logger(ctx, "payments.orchestrator.bank_transfer", map[string]any{
			"bookingId": bookingID,
		})
		return state, domain.BookingConfirmed, nil
	}

	if timing == domain.TimingNone {
		o.publishFollowUp(ctx, cmd.Booking, followUpReasonNoCapture, "")
		o.logger(ctx, "payments.orchestrator.deferred", map[string]any{
			"bookingId": bookingID,
		})
		return state, domain.BookingFollowUp, nil
	}

	token := strings.TrimSpace(cmd.MethodToken)
	if token == "" {
		return domain.PaymentIntentState{}, "", fmt.Errorf("%w: method token is required for card payment", ErrPaymentInvalidInput)
	}

	req := payments.PaymentRequest{
		BookingID:      bookingID,
		MethodToken:    token,
		CustomerRef:    strings.TrimSpace(cmd.CustomerRef),
		Amount:         cmd.Booking.Total,
		Currency:       o.currency,
		IdempotencyKey: strings.TrimSpace(cmd.IdempotencyKey),
	}

	// An urgent booking is captured immediately regardless of the authorize
	// preference; only an explicit "none" keeps it uncharged.
	captureNow := timing == domain.TimingImmediate || cmd.Booking.Urgent

	var (
		result payments.PaymentResult
		err    error
	)
	if captureNow {
		result, err = o.processor.Capture(ctx, req)
	} else {
		result, err = o.processor.Authorize(ctx, req)
	}
	if err != nil {
		cardErr := payments.ClassifyStripeError(err)
		state.Status = domain.PaymentFailed
		state.LastError = cardErr.UserMessage()
		o.publishFollowUp(ctx, cmd.Booking, followUpReasonPaymentFailed, string(cardErr.Code))
		o.logger(ctx, "payments.orchestrator.failed", map[string]any{
			"bookingId": bookingID,
			"code":      cardErr.Code,
		})
		return state, domain.BookingFollowUp, nil
	}

	state.IntentID = result.IntentID
	switch result.Status {
	case payments.StatusSucceeded:
		state.Status = domain.PaymentCharged
	case payments.StatusAuthorized:
		state.Status = domain.PaymentAuthorized
	case payments.StatusRequiresAction:
		// Off-session charges cannot run a challenge; treat as a decline.
		cardErr := &payments.CardError{Code: payments.CardAuthenticationRequired}
		state.Status = domain.PaymentFailed
		state.LastError = cardErr.UserMessage()
		o.publishFollowUp(ctx, cmd.Booking, followUpReasonPaymentFailed, string(cardErr.Code))
		return state, domain.BookingFollowUp, nil
	default:
		state.Status = domain.PaymentFailed
		state.LastError = (&payments.CardError{Code: payments.CardProcessingError}).UserMessage()
		o.publishFollowUp(ctx, cmd.Booking, followUpReasonPaymentFailed, string(result.Status))
		return state, domain.BookingFollowUp, nil
	}

	o.logger(ctx, "payments.orchestrator.resolved", map[string]any{
		"bookingId": bookingID,
		"status":    state.Status,
		"intentId":  state.IntentID,
	})
	return state, domain.BookingConfirmed, nil
}

func (o *paymentOrchestrator) publishFollowUp(ctx context.Context, booking domain.Booking, reason string, detail string) {
	if o.followUps == nil {
		return
	}
	task := PaymentFollowUpTask{
		BookingID: booking.ID,
		Email:     strings.TrimSpace(booking.Email),
		Amount:    booking.Total,
		Reason:    reason,
		Detail:    detail,
		QueuedAt:  o.now(),
	}
	if _, err := o.followUps.PublishPaymentFollowUp(ctx, task); err != nil {
		o.logger(ctx, "payments.orchestrator.follow_up_publish_failed", map[string]any{
			"bookingId": booking.ID,
			"error":     err.Error(),
		})
	}
}
