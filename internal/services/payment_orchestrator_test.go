package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/payments"
)

type stubCardProcessor struct {
	authorize func(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error)
	capture   func(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error)

	authorizeCalls int
	captureCalls   int
}

func (s *stubCardProcessor) Authorize(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error) {
	s.authorizeCalls++
	if s.authorize == nil {
		return payments.PaymentResult{IntentID: "pi_auth", Status: payments.StatusAuthorized, Amount: req.Amount}, nil
	}
	return s.authorize(ctx, req)
}

func (s *stubCardProcessor) Capture(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error) {
	s.captureCalls++
	if s.capture == nil {
		return payments.PaymentResult{IntentID: "pi_cap", Status: payments.StatusSucceeded, Amount: req.Amount}, nil
	}
	return s.capture(ctx, req)
}

type stubFollowUpPublisher struct {
	tasks []PaymentFollowUpTask
	err   error
}

func (s *stubFollowUpPublisher) PublishPaymentFollowUp(_ context.Context, task PaymentFollowUpTask) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.tasks = append(s.tasks, task)
	return "msg_1", nil
}

func testOrchestrator(t *testing.T, processor *stubCardProcessor, followUps *stubFollowUpPublisher) PaymentOrchestrator {
	t.Helper()
	orchestrator, err := NewPaymentOrchestrator(PaymentOrchestratorDeps{
		Processor: processor,
		FollowUps: followUps,
		Clock: func() time.Time {
			return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("NewPaymentOrchestrator: %v", err)
	}
	return orchestrator
}

func testBooking(urgent bool) domain.Booking {
	return domain.Booking{
		ID:     "bk_1",
		Email:  "customer@example.com",
		Total:  24000,
		Urgent: urgent,
	}
}

func TestExecuteBankTransferSkipsProcessor(t *testing.T) {
	processor := &stubCardProcessor{}
	followUps := &stubFollowUpPublisher{}
	orchestrator := testOrchestrator(t, processor, followUps)

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking: testBooking(false),
		Mode:    domain.PaymentModeBankTransfer,
		Timing:  domain.TimingAuthorize,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentPending {
		t.Fatalf("expected pending, got %s", state.Status)
	}
	if status != domain.BookingConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	if processor.authorizeCalls != 0 || processor.captureCalls != 0 {
		t.Fatalf("bank transfer must not touch the processor")
	}
	if len(followUps.tasks) != 0 {
		t.Fatalf("bank transfer must not queue follow-ups")
	}
}

func TestExecuteDeferredTimingQueuesFollowUp(t *testing.T) {
	processor := &stubCardProcessor{}
	followUps := &stubFollowUpPublisher{}
	orchestrator := testOrchestrator(t, processor, followUps)

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking: testBooking(false),
		Mode:    domain.PaymentModeCard,
		Timing:  domain.TimingNone,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentPending {
		t.Fatalf("expected pending, got %s", state.Status)
	}
	if status != domain.BookingFollowUp {
		t.Fatalf("expected follow_up, got %s", status)
	}
	if processor.authorizeCalls != 0 || processor.captureCalls != 0 {
		t.Fatalf("deferred timing must not touch the processor")
	}
	if len(followUps.tasks) != 1 || followUps.tasks[0].Reason != followUpReasonNoCapture {
		t.Fatalf("expected a no-capture follow-up, got %#v", followUps.tasks)
	}
}

func TestExecuteAuthorizePlacesHold(t *testing.T) {
	processor := &stubCardProcessor{}
	orchestrator := testOrchestrator(t, processor, &stubFollowUpPublisher{})

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking:     testBooking(false),
		Mode:        domain.PaymentModeCard,
		Timing:      domain.TimingAuthorize,
		MethodToken: "pm_1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentAuthorized {
		t.Fatalf("expected authorized, got %s", state.Status)
	}
	if state.IntentID != "pi_auth" {
		t.Fatalf("expected intent id to be recorded, got %q", state.IntentID)
	}
	if status != domain.BookingConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	if processor.authorizeCalls != 1 || processor.captureCalls != 0 {
		t.Fatalf("expected one authorize, got authorize=%d capture=%d", processor.authorizeCalls, processor.captureCalls)
	}
}

func TestExecuteImmediateCaptures(t *testing.T) {
	processor := &stubCardProcessor{}
	orchestrator := testOrchestrator(t, processor, &stubFollowUpPublisher{})

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking:     testBooking(false),
		Mode:        domain.PaymentModeCard,
		Timing:      domain.TimingImmediate,
		MethodToken: "pm_1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentCharged {
		t.Fatalf("expected charged, got %s", state.Status)
	}
	if status != domain.BookingConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
	if processor.captureCalls != 1 || processor.authorizeCalls != 0 {
		t.Fatalf("expected one capture, got authorize=%d capture=%d", processor.authorizeCalls, processor.captureCalls)
	}
}

func TestExecuteUrgentBookingCapturesDespiteAuthorizePreference(t *testing.T) {
	processor := &stubCardProcessor{}
	orchestrator := testOrchestrator(t, processor, &stubFollowUpPublisher{})

	state, _, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking:     testBooking(true),
		Mode:        domain.PaymentModeCard,
		Timing:      domain.TimingAuthorize,
		MethodToken: "pm_1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentCharged {
		t.Fatalf("expected charged for urgent booking, got %s", state.Status)
	}
	if processor.captureCalls != 1 || processor.authorizeCalls != 0 {
		t.Fatalf("urgent booking must capture, got authorize=%d capture=%d", processor.authorizeCalls, processor.captureCalls)
	}
}

func TestExecuteDeclineResolvesToFailedState(t *testing.T) {
	processor := &stubCardProcessor{
		capture: func(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error) {
			return payments.PaymentResult{}, &stripe.Error{
				Code:        stripe.ErrorCodeCardDeclined,
				DeclineCode: stripe.DeclineCodeInsufficientFunds,
			}
		},
	}
	followUps := &stubFollowUpPublisher{}
	orchestrator := testOrchestrator(t, processor, followUps)

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking:     testBooking(false),
		Mode:        domain.PaymentModeCard,
		Timing:      domain.TimingImmediate,
		MethodToken: "pm_1",
	})
	if err != nil {
		t.Fatalf("a decline must not surface as an error, got %v", err)
	}
	if state.Status != domain.PaymentFailed {
		t.Fatalf("expected failed, got %s", state.Status)
	}
	if state.LastError == "" {
		t.Fatalf("expected customer guidance on the failed state")
	}
	if status != domain.BookingFollowUp {
		t.Fatalf("expected follow_up, got %s", status)
	}
	if len(followUps.tasks) != 1 || followUps.tasks[0].Reason != followUpReasonPaymentFailed {
		t.Fatalf("expected a payment-failed follow-up, got %#v", followUps.tasks)
	}
	if followUps.tasks[0].Detail != string(payments.CardInsufficientFunds) {
		t.Fatalf("expected decline detail, got %q", followUps.tasks[0].Detail)
	}
}

func TestExecuteRequiresTokenForCardCharge(t *testing.T) {
	orchestrator := testOrchestrator(t, &stubCardProcessor{}, &stubFollowUpPublisher{})

	_, _, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking: testBooking(false),
		Mode:    domain.PaymentModeCard,
		Timing:  domain.TimingImmediate,
	})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput, got %v", err)
	}
}

func TestExecuteFollowUpPublishFailureDoesNotFailPayment(t *testing.T) {
	processor := &stubCardProcessor{
		capture: func(ctx context.Context, req payments.PaymentRequest) (payments.PaymentResult, error) {
			return payments.PaymentResult{}, errors.New("boom")
		},
	}
	followUps := &stubFollowUpPublisher{err: errors.New("pubsub down")}
	orchestrator := testOrchestrator(t, processor, followUps)

	state, status, err := orchestrator.Execute(context.Background(), PaymentCommand{
		Booking:     testBooking(false),
		Mode:        domain.PaymentModeCard,
		Timing:      domain.TimingImmediate,
		MethodToken: "pm_1",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if state.Status != domain.PaymentFailed || status != domain.BookingFollowUp {
		t.Fatalf("expected failed/follow_up, got %s/%s", state.Status, status)
	}
}

func TestPaymentRequirementsMet(t *testing.T) {
	cases := []struct {
		name   string
		mode   domain.PaymentMode
		timing domain.CaptureTiming
		token  string
		want   bool
	}{
		{"bank transfer needs nothing", domain.PaymentModeBankTransfer, domain.TimingAuthorize, "", true},
		{"deferred card needs nothing", domain.PaymentModeCard, domain.TimingNone, "", true},
		{"authorize needs a token", domain.PaymentModeCard, domain.TimingAuthorize, "", false},
		{"immediate needs a token", domain.PaymentModeCard, domain.TimingImmediate, "  ", false},
		{"card with token", domain.PaymentModeCard, domain.TimingImmediate, "pm_1", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PaymentRequirementsMet(tc.mode, tc.timing, tc.token); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
