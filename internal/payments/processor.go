package payments

import (
	"context"
)

// Status enumerates the normalised payment states reported by the processor.
type Status string

const (
	// StatusPending indicates the attempt is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusAuthorized indicates funds are held but not captured.
	StatusAuthorized Status = "authorized"
	// StatusSucceeded indicates the PSP reports the amount as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRequiresAction indicates a strong-customer-authentication challenge is pending.
	StatusRequiresAction Status = "requires_action"
)

// SetupIntentRequest captures the payload required to start collecting a new
// reusable payment method.
type SetupIntentRequest struct {
	Email          string
	Name           string
	CustomerRef    string
	IdempotencyKey string
}

// SetupIntent is the processor-side record backing a method-collection flow.
type SetupIntent struct {
	ID           string
	ClientSecret string
	CustomerRef  string
	Status       Status
}

// ConfirmSetupRequest confirms a setup intent with the collected method details.
type ConfirmSetupRequest struct {
	SetupIntentID  string
	MethodToken    string
	IdempotencyKey string
}

// PaymentMethodDetails normalises PSP metadata for a payment instrument.
type PaymentMethodDetails struct {
	Token    string
	Brand    string
	Last4    string
	ExpMonth int
	ExpYear  int
}

// SetupResult reports the outcome of confirming (or resuming) a setup intent.
type SetupResult struct {
	SetupIntentID  string
	Token          string
	Status         Status
	RequiresAction bool
	Method         PaymentMethodDetails
}

// PaymentRequest describes a single authorize or capture attempt for a booking.
type PaymentRequest struct {
	BookingID      string
	MethodToken    string
	CustomerRef    string
	IntentID       string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// PaymentResult is the normalised outcome of an authorize or capture attempt.
type PaymentResult struct {
	IntentID string
	Status   Status
	Amount   int64
}

// Processor defines the card-tokenization/authorization contract consumed by
// the orchestration layer. Implementations must be safe to call with an
// idempotency key repeated across retries.
type Processor interface {
	// CreateSetupIntent starts a method-collection flow for the given contact.
	CreateSetupIntent(ctx context.Context, req SetupIntentRequest) (SetupIntent, error)
	// ConfirmSetup attaches the collected method, surfacing RequiresAction when
	// strong customer authentication is needed.
	ConfirmSetup(ctx context.Context, req ConfirmSetupRequest) (SetupResult, error)
	// ResumeSetup re-reads a setup intent after an external challenge completed.
	ResumeSetup(ctx context.Context, setupIntentID string) (SetupResult, error)
	// Authorize places a hold for the amount without capturing.
	Authorize(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	// Capture moves funds immediately, or captures a prior hold when IntentID is set.
	Capture(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	// LookupMethod fetches display metadata for a stored method token.
	LookupMethod(ctx context.Context, token string) (PaymentMethodDetails, error)
}
