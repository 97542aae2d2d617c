package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/payments"
)

type stubBookingRepo struct {
	inserted      []domain.Booking
	insertErr     error
	updates       []domain.PaymentIntentState
	updateStatus  []domain.BookingStatus
	updateErr     error
	byID          map[string]domain.Booking
	listByCust    map[string][]domain.Booking
	listByCustErr error
}

func (s *stubBookingRepo) Insert(_ context.Context, booking domain.Booking) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, booking)
	return nil
}

func (s *stubBookingRepo) FindByID(_ context.Context, bookingID string) (domain.Booking, error) {
	if booking, ok := s.byID[bookingID]; ok {
		return booking, nil
	}
	return domain.Booking{}, stubRepoError{notFound: true}
}

func (s *stubBookingRepo) UpdatePayment(_ context.Context, bookingID string, status domain.BookingStatus, payment domain.PaymentIntentState) (domain.Booking, error) {
	if s.updateErr != nil {
		return domain.Booking{}, s.updateErr
	}
	s.updates = append(s.updates, payment)
	s.updateStatus = append(s.updateStatus, status)
	return domain.Booking{ID: bookingID, Status: status, Payment: payment}, nil
}

func (s *stubBookingRepo) ListByCustomer(_ context.Context, customerID string) ([]domain.Booking, error) {
	if s.listByCustErr != nil {
		return nil, s.listByCustErr
	}
	return s.listByCust[customerID], nil
}

type stubResolver struct {
	resolve func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error)
	lookup  func(ctx context.Context, email string) (CustomerLookupResult, error)
}

func (s *stubResolver) Resolve(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
	if s.resolve == nil {
		return MethodResolution{Token: cmd.FreshToken}, nil
	}
	return s.resolve(ctx, cmd)
}

func (s *stubResolver) LookupByEmail(ctx context.Context, email string) (CustomerLookupResult, error) {
	if s.lookup == nil {
		return CustomerLookupResult{}, nil
	}
	return s.lookup(ctx, email)
}

type stubOrchestrator struct {
	execute func(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error)
	calls   []PaymentCommand
}

func (s *stubOrchestrator) Execute(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
	s.calls = append(s.calls, cmd)
	if s.execute == nil {
		state := domain.PaymentIntentState{
			BookingID: cmd.Booking.ID,
			Mode:      cmd.Mode,
			Timing:    cmd.Timing,
			Status:    domain.PaymentCharged,
			IntentID:  "pi_1",
		}
		return state, domain.BookingConfirmed, nil
	}
	return s.execute(ctx, cmd)
}

func testBookingService(t *testing.T, repo *stubBookingRepo, resolver *stubResolver, orchestrator *stubOrchestrator) BookingService {
	t.Helper()
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     repo,
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Clock: func() time.Time {
			return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}
	return svc
}

func submitCommand() SubmitBookingCommand {
	return SubmitBookingCommand{
		Identity: domain.Identity{Kind: domain.IdentityGuest, Email: "jane@example.com"},
		Name:     "Jane Doe",
		Email:    "Jane@Example.com",
		Phone:    " 07700 900123 ",
		Input: domain.QuoteInput{
			ScheduledDate: time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
			ScheduledTime: "10:00",
		},
		Quote: domain.Quote{
			BillableHours: 7.0,
			HourlyRate:    3000,
			Total:         24000,
			LineItems: []domain.LineItem{
				{Label: "Oven clean (single)", Amount: 1500, Kind: domain.LineItemFee},
			},
		},
		PaymentMode:   domain.PaymentModeCard,
		CaptureTiming: domain.TimingAuthorize,
		MethodToken:   "tok_fresh",
	}
}

func TestSubmitFreezesQuoteOnBooking(t *testing.T) {
	repo := &stubBookingRepo{}
	orchestrator := &stubOrchestrator{}
	svc := testBookingService(t, repo, &stubResolver{}, orchestrator)

	outcome, err := svc.Submit(context.Background(), submitCommand())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome.BookingID != "bk_test" {
		t.Fatalf("unexpected booking id %q", outcome.BookingID)
	}
	if outcome.PaymentStatus != domain.PaymentCharged {
		t.Fatalf("expected charged, got %s", outcome.PaymentStatus)
	}

	if len(repo.inserted) != 1 {
		t.Fatalf("expected one booking, got %d", len(repo.inserted))
	}
	booking := repo.inserted[0]
	if booking.Hours != 7.0 || booking.HourlyRate != 3000 || booking.Total != 24000 {
		t.Fatalf("quote snapshot not frozen: %#v", booking)
	}
	if len(booking.LineItems) != 1 || booking.LineItems[0].Label != "Oven clean (single)" {
		t.Fatalf("line items not carried: %#v", booking.LineItems)
	}
	if booking.Email != "jane@example.com" {
		t.Fatalf("email not normalised: %q", booking.Email)
	}
	if booking.Phone != "07700 900123" {
		t.Fatalf("phone not trimmed: %q", booking.Phone)
	}
	if booking.ScheduledAt.Hour() != 10 {
		t.Fatalf("scheduled time not applied: %s", booking.ScheduledAt)
	}
	if booking.Status != domain.BookingCreated {
		t.Fatalf("booking must be created before payment, got %s", booking.Status)
	}
}

func TestSubmitBookingSurvivesPaymentFailure(t *testing.T) {
	repo := &stubBookingRepo{}
	orchestrator := &stubOrchestrator{
		execute: func(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
			if len(repo.inserted) != 1 {
				t.Fatalf("booking must be persisted before the payment attempt")
			}
			state := cmd.Booking.Payment
			state.Status = domain.PaymentFailed
			state.LastError = "The card was declined. Please try a different card or pay by bank transfer."
			return state, domain.BookingFollowUp, nil
		},
	}
	svc := testBookingService(t, repo, &stubResolver{}, orchestrator)

	outcome, err := svc.Submit(context.Background(), submitCommand())
	if err != nil {
		t.Fatalf("a decline must not fail the submission, got %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentFailed {
		t.Fatalf("expected failed, got %s", outcome.PaymentStatus)
	}
	if !strings.Contains(outcome.UserMessage, "booking is saved") {
		t.Fatalf("expected the message to reassure the booking stands, got %q", outcome.UserMessage)
	}
	if len(repo.updates) != 1 || repo.updates[0].Status != domain.PaymentFailed {
		t.Fatalf("expected the failed state persisted, got %#v", repo.updates)
	}
	if repo.updateStatus[0] != domain.BookingFollowUp {
		t.Fatalf("expected follow_up status, got %s", repo.updateStatus[0])
	}
}

func TestSubmitPersistFailureSkipsPayment(t *testing.T) {
	repo := &stubBookingRepo{insertErr: errors.New("firestore unavailable")}
	orchestrator := &stubOrchestrator{}
	svc := testBookingService(t, repo, &stubResolver{}, orchestrator)

	if _, err := svc.Submit(context.Background(), submitCommand()); !errors.Is(err, ErrBookingUnavailable) {
		t.Fatalf("expected ErrBookingUnavailable, got %v", err)
	}
	if len(orchestrator.calls) != 0 {
		t.Fatalf("payment must not be attempted when the booking cannot persist")
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := testBookingService(t, &stubBookingRepo{}, &stubResolver{}, &stubOrchestrator{})

	cmd := submitCommand()
	cmd.Email = "not-an-email"
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingInvalidInput) {
		t.Fatalf("expected ErrBookingInvalidInput for bad email, got %v", err)
	}

	cmd = submitCommand()
	cmd.Input.ScheduledDate = time.Time{}
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingInvalidInput) {
		t.Fatalf("expected ErrBookingInvalidInput for missing date, got %v", err)
	}

	cmd = submitCommand()
	cmd.Quote.BillableHours = 0
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingInvalidInput) {
		t.Fatalf("expected ErrBookingInvalidInput for zero hours, got %v", err)
	}
}

func TestSubmitGuestStoredCardNotChargedImplicitly(t *testing.T) {
	repo := &stubBookingRepo{}
	resolver := &stubResolver{
		resolve: func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
			method := domain.PaymentMethod{ID: "pm_saved", Token: "tok_saved"}
			return MethodResolution{
				Customer:         domain.Customer{ID: "cus_1"},
				CustomerFound:    true,
				Token:            method.Token,
				Method:           &method,
				RequireReconfirm: true,
			}, nil
		},
	}
	svc := testBookingService(t, repo, resolver, &stubOrchestrator{})

	cmd := submitCommand()
	cmd.MethodToken = ""
	cmd.PaymentMethodID = ""
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingPaymentRequirements) {
		t.Fatalf("expected ErrBookingPaymentRequirements, got %v", err)
	}
	if len(repo.inserted) != 0 {
		t.Fatalf("nothing must persist when requirements are unmet")
	}
}

func TestSubmitGuestExplicitStoredCardIsUsed(t *testing.T) {
	repo := &stubBookingRepo{}
	orchestrator := &stubOrchestrator{}
	resolver := &stubResolver{
		resolve: func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
			method := domain.PaymentMethod{ID: "pm_saved", Token: "tok_saved"}
			return MethodResolution{
				Customer:         domain.Customer{ID: "cus_1", StripeRef: "cus_stripe_1"},
				CustomerFound:    true,
				Token:            method.Token,
				Method:           &method,
				RequireReconfirm: true,
			}, nil
		},
	}
	svc := testBookingService(t, repo, resolver, orchestrator)

	cmd := submitCommand()
	cmd.MethodToken = ""
	cmd.PaymentMethodID = "pm_saved"
	if _, err := svc.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(orchestrator.calls) != 1 {
		t.Fatalf("expected one payment attempt, got %d", len(orchestrator.calls))
	}
	if orchestrator.calls[0].MethodToken != "tok_saved" {
		t.Fatalf("expected the stored token, got %q", orchestrator.calls[0].MethodToken)
	}
	if orchestrator.calls[0].CustomerRef != "cus_stripe_1" {
		t.Fatalf("expected the stripe customer ref, got %q", orchestrator.calls[0].CustomerRef)
	}
}

func TestSubmitBankTransferConfirmsWithoutToken(t *testing.T) {
	repo := &stubBookingRepo{}
	orchestrator := &stubOrchestrator{
		execute: func(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
			state := cmd.Booking.Payment
			state.Status = domain.PaymentPending
			return state, domain.BookingConfirmed, nil
		},
	}
	svc := testBookingService(t, repo, &stubResolver{}, orchestrator)

	cmd := submitCommand()
	cmd.PaymentMode = domain.PaymentModeBankTransfer
	cmd.MethodToken = ""
	outcome, err := svc.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentPending {
		t.Fatalf("expected pending, got %s", outcome.PaymentStatus)
	}
	if !strings.Contains(outcome.UserMessage, "bank transfer") {
		t.Fatalf("expected transfer guidance, got %q", outcome.UserMessage)
	}
}

func TestGetBookingNotFound(t *testing.T) {
	svc := testBookingService(t, &stubBookingRepo{byID: map[string]domain.Booking{}}, &stubResolver{}, &stubOrchestrator{})

	if _, err := svc.Get(context.Background(), "bk_missing"); !errors.Is(err, ErrBookingNotFound) {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
}

type stubMethodLookup struct {
	details payments.PaymentMethodDetails
	err     error
}

func (s *stubMethodLookup) LookupMethod(context.Context, string) (payments.PaymentMethodDetails, error) {
	return s.details, s.err
}

func freshMethodService(t *testing.T, repo *stubBookingRepo, resolver *stubResolver, orchestrator *stubOrchestrator, methods *stubMethodRepo, lookup *stubMethodLookup) BookingService {
	t.Helper()
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     repo,
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Methods:      methods,
		MethodLookup: lookup,
		Clock: func() time.Time {
			return time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
		},
		IDGenerator: func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}
	return svc
}

func knownCustomerResolver() *stubResolver {
	return &stubResolver{
		resolve: func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
			return MethodResolution{
				Customer:      domain.Customer{ID: "cus_1", StripeRef: "cus_stripe_1"},
				CustomerFound: true,
				Token:         cmd.FreshToken,
			}, nil
		},
	}
}

func TestSubmitSavesFreshMethodForKnownCustomer(t *testing.T) {
	methods := &stubMethodRepo{byCustomer: map[string][]domain.PaymentMethod{}}
	lookup := &stubMethodLookup{details: payments.PaymentMethodDetails{
		Token: "tok_fresh", Brand: "visa", Last4: "4242", ExpMonth: 12, ExpYear: 2029,
	}}
	svc := freshMethodService(t, &stubBookingRepo{}, knownCustomerResolver(), &stubOrchestrator{}, methods, lookup)

	if _, err := svc.Submit(context.Background(), submitCommand()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	saved := methods.byCustomer["cus_1"]
	if len(saved) != 1 {
		t.Fatalf("expected the fresh card saved, got %#v", saved)
	}
	if saved[0].Token != "tok_fresh" || saved[0].Brand != "visa" || saved[0].Last4 != "4242" {
		t.Fatalf("card metadata not carried: %#v", saved[0])
	}
	if !saved[0].IsDefault {
		t.Fatalf("a customer's first card becomes the default")
	}
}

func TestSubmitDoesNotSaveFreshMethodOnDecline(t *testing.T) {
	methods := &stubMethodRepo{byCustomer: map[string][]domain.PaymentMethod{}}
	orchestrator := &stubOrchestrator{
		execute: func(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
			state := cmd.Booking.Payment
			state.Status = domain.PaymentFailed
			return state, domain.BookingFollowUp, nil
		},
	}
	svc := freshMethodService(t, &stubBookingRepo{}, knownCustomerResolver(), orchestrator, methods, &stubMethodLookup{})

	if _, err := svc.Submit(context.Background(), submitCommand()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(methods.byCustomer["cus_1"]) != 0 {
		t.Fatalf("a declined card must not be saved, got %#v", methods.byCustomer["cus_1"])
	}
}

func TestSubmitDoesNotResaveStoredCandidate(t *testing.T) {
	existing := domain.PaymentMethod{ID: "pm_1", Token: "tok_fresh", IsDefault: true}
	methods := &stubMethodRepo{byCustomer: map[string][]domain.PaymentMethod{
		"cus_1": {existing},
	}}
	resolver := &stubResolver{
		resolve: func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
			return MethodResolution{
				Customer:      domain.Customer{ID: "cus_1"},
				CustomerFound: true,
				Token:         "tok_fresh",
				Candidates:    []domain.PaymentMethod{existing},
			}, nil
		},
	}
	svc := freshMethodService(t, &stubBookingRepo{}, resolver, &stubOrchestrator{}, methods, &stubMethodLookup{})

	if _, err := svc.Submit(context.Background(), submitCommand()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(methods.byCustomer["cus_1"]) != 1 {
		t.Fatalf("an already stored token must not be duplicated, got %#v", methods.byCustomer["cus_1"])
	}
}

func TestSubmitMethodPersistFailureIsNonFatal(t *testing.T) {
	methods := &stubMethodRepo{err: errors.New("firestore unavailable")}
	svc := freshMethodService(t, &stubBookingRepo{}, knownCustomerResolver(), &stubOrchestrator{}, methods, &stubMethodLookup{})

	outcome, err := svc.Submit(context.Background(), submitCommand())
	if err != nil {
		t.Fatalf("persistence failure must not fail the booking, got %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentCharged {
		t.Fatalf("expected charged, got %s", outcome.PaymentStatus)
	}
}

func TestSubmitRegistersNewGuestCustomer(t *testing.T) {
	repo := &stubBookingRepo{}
	customers := &stubCustomerRepo{}
	methods := &stubMethodRepo{byCustomer: map[string][]domain.PaymentMethod{}}
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     repo,
		Resolver:     &stubResolver{},
		Orchestrator: &stubOrchestrator{},
		Customers:    customers,
		Methods:      methods,
		MethodLookup: &stubMethodLookup{},
		IDGenerator:  func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}

	cmd := submitCommand()
	cmd.CustomerRef = "cus_stripe_9"
	if _, err := svc.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if len(customers.inserted) != 1 {
		t.Fatalf("expected a customer record for the new guest, got %d", len(customers.inserted))
	}
	created := customers.inserted[0]
	if created.Email != "jane@example.com" || created.StripeRef != "cus_stripe_9" {
		t.Fatalf("customer record not filled from the submission: %#v", created)
	}
	if repo.inserted[0].CustomerID != "cus_new" {
		t.Fatalf("booking must carry the new customer id, got %q", repo.inserted[0].CustomerID)
	}
	if len(methods.byCustomer["cus_new"]) != 1 {
		t.Fatalf("the fresh card must be saved for the new guest, got %#v", methods.byCustomer)
	}
}

func TestSubmitGuestCustomerCreateFailureIsNonFatal(t *testing.T) {
	repo := &stubBookingRepo{}
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     repo,
		Resolver:     &stubResolver{},
		Orchestrator: &stubOrchestrator{},
		Customers:    &stubCustomerRepo{err: stubRepoError{}},
		IDGenerator:  func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}

	outcome, err := svc.Submit(context.Background(), submitCommand())
	if err != nil {
		t.Fatalf("customer creation failure must not block the booking, got %v", err)
	}
	if outcome.PaymentStatus != domain.PaymentCharged {
		t.Fatalf("expected charged, got %s", outcome.PaymentStatus)
	}
	if repo.inserted[0].CustomerID != "" {
		t.Fatalf("expected no customer id, got %q", repo.inserted[0].CustomerID)
	}
}

func TestSubmitRecordsStripeRefForKnownCustomer(t *testing.T) {
	customers := &stubCustomerRepo{}
	orchestrator := &stubOrchestrator{}
	resolver := &stubResolver{
		resolve: func(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
			return MethodResolution{
				Customer:      domain.Customer{ID: "cus_1"},
				CustomerFound: true,
				Token:         cmd.FreshToken,
			}, nil
		},
	}
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     &stubBookingRepo{},
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Customers:    customers,
		IDGenerator:  func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}

	cmd := submitCommand()
	cmd.CustomerRef = "cus_stripe_9"
	if _, err := svc.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if customers.stripeRefs["cus_1"] != "cus_stripe_9" {
		t.Fatalf("stripe ref not recorded, got %#v", customers.stripeRefs)
	}
	if orchestrator.calls[0].CustomerRef != "cus_stripe_9" {
		t.Fatalf("the charge must use the recorded ref, got %q", orchestrator.calls[0].CustomerRef)
	}
}

func TestSubmitGuestBankTransferSurvivesLookupOutage(t *testing.T) {
	repo := &stubBookingRepo{}
	resolver := testResolver(t, &stubCustomerRepo{err: stubRepoError{}}, &stubMethodRepo{err: stubRepoError{}})
	orchestrator := &stubOrchestrator{
		execute: func(ctx context.Context, cmd PaymentCommand) (domain.PaymentIntentState, domain.BookingStatus, error) {
			state := cmd.Booking.Payment
			state.Status = domain.PaymentPending
			return state, domain.BookingConfirmed, nil
		},
	}
	svc, err := NewBookingService(BookingServiceDeps{
		Bookings:     repo,
		Resolver:     resolver,
		Orchestrator: orchestrator,
		Customers:    &stubCustomerRepo{err: stubRepoError{}},
		IDGenerator:  func() string { return "bk_test" },
	})
	if err != nil {
		t.Fatalf("NewBookingService: %v", err)
	}

	cmd := submitCommand()
	cmd.PaymentMode = domain.PaymentModeBankTransfer
	cmd.MethodToken = ""
	outcome, err := svc.Submit(context.Background(), cmd)
	if err != nil {
		t.Fatalf("a storage outage on guest lookup must not block submission, got %v", err)
	}
	if outcome.BookingID != "bk_test" || len(repo.inserted) != 1 {
		t.Fatalf("expected the booking persisted, got %#v", outcome)
	}
}

func TestSubmitRejectsMalformedContact(t *testing.T) {
	svc := testBookingService(t, &stubBookingRepo{}, &stubResolver{}, &stubOrchestrator{})

	cmd := submitCommand()
	cmd.Email = "jane@example"
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingInvalidInput) {
		t.Fatalf("expected ErrBookingInvalidInput for a domain without a dot, got %v", err)
	}

	cmd = submitCommand()
	cmd.Phone = "call me maybe"
	if _, err := svc.Submit(context.Background(), cmd); !errors.Is(err, ErrBookingInvalidInput) {
		t.Fatalf("expected ErrBookingInvalidInput for a non-numeric phone, got %v", err)
	}

	cmd = submitCommand()
	cmd.Phone = "+44 7700 900123"
	if _, err := svc.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("an international number must pass, got %v", err)
	}

	cmd = submitCommand()
	cmd.Phone = ""
	if _, err := svc.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("phone stays optional, got %v", err)
	}
}
