package payments

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// EventLogger defines the logging contract for processor operations.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSetupIntentAPI interface {
	New(params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
	Confirm(id string, params *stripe.SetupIntentConfirmParams) (*stripe.SetupIntent, error)
	Get(id string, params *stripe.SetupIntentParams) (*stripe.SetupIntent, error)
}

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeCustomerAPI interface {
	New(params *stripe.CustomerParams) (*stripe.Customer, error)
}

type stripePaymentMethodAPI interface {
	Get(id string, params *stripe.PaymentMethodParams) (*stripe.PaymentMethod, error)
}

type stripeClients struct {
	setupIntents   stripeSetupIntentAPI
	intents        stripePaymentIntentAPI
	customers      stripeCustomerAPI
	paymentMethods stripePaymentMethodAPI
}

// StripeProcessorConfig configures the StripeProcessor.
type StripeProcessorConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   EventLogger
	Clock    func() time.Time
	Clients  *stripeClients
}

// StripeProcessor implements the Processor contract using Stripe setup
// intents and manual-capture payment intents.
type StripeProcessor struct {
	api    stripeClients
	clock  func() time.Time
	logger EventLogger
}

// NewStripeProcessor constructs a Stripe-backed Processor.
func NewStripeProcessor(cfg StripeProcessorConfig) (*StripeProcessor, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			setupIntents:   sc.SetupIntents,
			intents:        sc.PaymentIntents,
			customers:      sc.Customers,
			paymentMethods: sc.PaymentMethods,
		}
	}
	if clients.setupIntents == nil || clients.intents == nil || clients.customers == nil || clients.paymentMethods == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProcessor{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSetupIntent creates a Stripe customer when needed and opens a setup
// intent for off-session reuse.
func (p *StripeProcessor) CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (SetupIntent, error) {
	if p == nil {
		return SetupIntent{}, errors.New("stripe: processor is nil")
	}

	customerRef := strings.TrimSpace(req.CustomerRef)
	if customerRef == "" {
		customerParams := &stripe.CustomerParams{
			Email: stripe.String(strings.TrimSpace(req.Email)),
		}
		customerParams.Context = ctx
		if name := strings.TrimSpace(req.Name); name != "" {
			customerParams.Name = stripe.String(name)
		}
		customer, err := p.api.customers.New(customerParams)
		if err != nil {
			return SetupIntent{}, ClassifyStripeError(err)
		}
		customerRef = customer.ID
	}

	params := &stripe.SetupIntentParams{
		Customer: stripe.String(customerRef),
		Usage:    stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := p.api.setupIntents.New(params)
	if err != nil {
		return SetupIntent{}, ClassifyStripeError(err)
	}

	p.logger(ctx, "payments.stripe.setup_intent.created", map[string]any{
		"setupIntent": intent.ID,
		"customer":    customerRef,
	})

	return SetupIntent{
		ID:           intent.ID,
		ClientSecret: intent.ClientSecret,
		CustomerRef:  customerRef,
		Status:       setupIntentStatus(intent),
	}, nil
}

// ConfirmSetup attaches the collected payment method to the setup intent.
func (p *StripeProcessor) ConfirmSetup(ctx context.Context, req ConfirmSetupRequest) (SetupResult, error) {
	if p == nil {
		return SetupResult{}, errors.New("stripe: processor is nil")
	}

	params := &stripe.SetupIntentConfirmParams{
		PaymentMethod: stripe.String(strings.TrimSpace(req.MethodToken)),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := p.api.setupIntents.Confirm(req.SetupIntentID, params)
	if err != nil {
		return SetupResult{}, ClassifyStripeError(err)
	}

	result := p.setupResult(ctx, intent)
	p.logger(ctx, "payments.stripe.setup_intent.confirmed", map[string]any{
		"setupIntent":    intent.ID,
		"status":         intent.Status,
		"requiresAction": result.RequiresAction,
	})
	return result, nil
}

// ResumeSetup re-reads the setup intent after an external authentication
// challenge completed or was abandoned.
func (p *StripeProcessor) ResumeSetup(ctx context.Context, setupIntentID string) (SetupResult, error) {
	if p == nil {
		return SetupResult{}, errors.New("stripe: processor is nil")
	}

	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	intent, err := p.api.setupIntents.Get(strings.TrimSpace(setupIntentID), params)
	if err != nil {
		return SetupResult{}, ClassifyStripeError(err)
	}
	return p.setupResult(ctx, intent), nil
}

// Authorize places a manual-capture hold for the booking amount.
func (p *StripeProcessor) Authorize(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	return p.createIntent(ctx, req, true)
}

// Capture charges the amount immediately, or captures an existing hold when
// the request carries an intent id.
func (p *StripeProcessor) Capture(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if p == nil {
		return PaymentResult{}, errors.New("stripe: processor is nil")
	}

	if intentID := strings.TrimSpace(req.IntentID); intentID != "" {
		params := &stripe.PaymentIntentCaptureParams{}
		params.Context = ctx
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			params.SetIdempotencyKey(key)
		}
		intent, err := p.api.intents.Capture(intentID, params)
		if err != nil {
			return PaymentResult{}, ClassifyStripeError(err)
		}
		p.logger(ctx, "payments.stripe.intent.captured", map[string]any{
			"paymentIntent":  intent.ID,
			"amountReceived": intent.AmountReceived,
		})
		return paymentResult(intent), nil
	}

	return p.createIntent(ctx, req, false)
}

// LookupMethod fetches card metadata for the provided token.
func (p *StripeProcessor) LookupMethod(ctx context.Context, token string) (PaymentMethodDetails, error) {
	if p == nil {
		return PaymentMethodDetails{}, errors.New("stripe: processor is nil")
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return PaymentMethodDetails{}, errors.New("stripe: payment method token is required")
	}

	params := &stripe.PaymentMethodParams{}
	params.Context = ctx
	pm, err := p.api.paymentMethods.Get(token, params)
	if err != nil {
		return PaymentMethodDetails{}, ClassifyStripeError(err)
	}
	return methodDetails(pm, token), nil
}

func (p *StripeProcessor) createIntent(ctx context.Context, req PaymentRequest, manualCapture bool) (PaymentResult, error) {
	if p == nil {
		return PaymentResult{}, errors.New("stripe: processor is nil")
	}
	if req.Amount <= 0 {
		return PaymentResult{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		PaymentMethod: stripe.String(strings.TrimSpace(req.MethodToken)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	if manualCapture {
		params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	}
	if customer := strings.TrimSpace(req.CustomerRef); customer != "" {
		params.Customer = stripe.String(customer)
	}
	if bookingID := strings.TrimSpace(req.BookingID); bookingID != "" {
		params.Metadata = map[string]string{"booking_id": bookingID}
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return PaymentResult{}, ClassifyStripeError(err)
	}

	event := "payments.stripe.intent.charged"
	if manualCapture {
		event = "payments.stripe.intent.authorized"
	}
	p.logger(ctx, event, map[string]any{
		"paymentIntent": intent.ID,
		"bookingId":     req.BookingID,
		"status":        intent.Status,
	})
	return paymentResult(intent), nil
}

func (p *StripeProcessor) setupResult(ctx context.Context, intent *stripe.SetupIntent) SetupResult {
	if intent == nil {
		return SetupResult{}
	}
	result := SetupResult{
		SetupIntentID: intent.ID,
		Status:        setupIntentStatus(intent),
	}
	if intent.Status == stripe.SetupIntentStatusRequiresAction {
		result.RequiresAction = true
	}
	if pm := intent.PaymentMethod; pm != nil && intent.Status == stripe.SetupIntentStatusSucceeded {
		result.Token = pm.ID
		result.Method = methodDetails(pm, pm.ID)
	}
	return result
}

func setupIntentStatus(intent *stripe.SetupIntent) Status {
	if intent == nil {
		return StatusPending
	}
	switch intent.Status {
	case stripe.SetupIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.SetupIntentStatusRequiresAction:
		return StatusRequiresAction
	case stripe.SetupIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func paymentResult(intent *stripe.PaymentIntent) PaymentResult {
	if intent == nil {
		return PaymentResult{}
	}
	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusRequiresCapture:
		status = StatusAuthorized
	case stripe.PaymentIntentStatusRequiresAction:
		status = StatusRequiresAction
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	return PaymentResult{
		IntentID: intent.ID,
		Status:   status,
		Amount:   intent.Amount,
	}
}

func methodDetails(pm *stripe.PaymentMethod, fallbackToken string) PaymentMethodDetails {
	details := PaymentMethodDetails{Token: strings.TrimSpace(fallbackToken)}
	if pm == nil {
		return details
	}
	if trimmed := strings.TrimSpace(pm.ID); trimmed != "" {
		details.Token = trimmed
	}
	if pm.Type == stripe.PaymentMethodTypeCard && pm.Card != nil {
		details.Brand = strings.ToLower(string(pm.Card.Brand))
		details.Last4 = strings.TrimSpace(pm.Card.Last4)
		details.ExpMonth = int(pm.Card.ExpMonth)
		details.ExpYear = int(pm.Card.ExpYear)
	}
	return details
}
