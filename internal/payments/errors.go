package payments

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v78"
)

// CardErrorCode is the normalised decline taxonomy surfaced to callers.
type CardErrorCode string

const (
	// CardDeclined is a generic decline by the issuer.
	CardDeclined CardErrorCode = "declined"
	// CardExpired means the card has passed its expiry date.
	CardExpired CardErrorCode = "expired_card"
	// CardIncorrectCVC means the security code did not match.
	CardIncorrectCVC CardErrorCode = "incorrect_cvc"
	// CardInsufficientFunds means the account lacks funds for the amount.
	CardInsufficientFunds CardErrorCode = "insufficient_funds"
	// CardProcessingError covers transient processor-side failures.
	CardProcessingError CardErrorCode = "processing_error"
	// CardAuthenticationRequired means the issuer demands a strong-authentication challenge.
	CardAuthenticationRequired CardErrorCode = "authentication_required"
	// CardAuthenticationCanceled means the customer abandoned the challenge.
	CardAuthenticationCanceled CardErrorCode = "authentication_canceled"
)

// CardError wraps a processor decline with the normalised taxonomy. Every code
// maps to distinct user-facing guidance; declines are never swallowed.
type CardError struct {
	Code    CardErrorCode
	Message string
	cause   error
}

// Error implements the error interface.
func (e *CardError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("card %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("card %s", e.Code)
}

// Unwrap returns the underlying processor error.
func (e *CardError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// UserMessage returns the guidance shown to the customer for this decline.
func (e *CardError) UserMessage() string {
	if e == nil {
		return ""
	}
	switch e.Code {
	case CardExpired:
		return "This card has expired. Please use a different card."
	case CardIncorrectCVC:
		return "The security code was incorrect. Please check it and try again."
	case CardInsufficientFunds:
		return "The card has insufficient funds. Please use a different card or pay by bank transfer."
	case CardAuthenticationRequired:
		return "Your bank requires additional verification. Please complete the authentication step."
	case CardAuthenticationCanceled:
		return "Card verification was cancelled. Your booking is saved; you can finish payment at any time."
	case CardProcessingError:
		return "Something went wrong processing the card. Please try again in a moment."
	default:
		return "The card was declined. Please try a different card or pay by bank transfer."
	}
}

// AsCardError extracts a CardError from an error chain.
func AsCardError(err error) (*CardError, bool) {
	var cardErr *CardError
	if errors.As(err, &cardErr) {
		return cardErr, true
	}
	return nil, false
}

// ClassifyStripeError maps a Stripe failure onto the decline taxonomy.
// Non-card failures classify as processing errors so the caller still gets a
// displayable outcome.
func ClassifyStripeError(err error) *CardError {
	if err == nil {
		return nil
	}
	if cardErr, ok := AsCardError(err); ok {
		return cardErr
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &CardError{Code: CardProcessingError, Message: err.Error(), cause: err}
	}

	code := CardProcessingError
	switch stripeErr.Code {
	case stripe.ErrorCodeCardDeclined:
		code = CardDeclined
		switch stripeErr.DeclineCode {
		case stripe.DeclineCodeInsufficientFunds:
			code = CardInsufficientFunds
		case stripe.DeclineCodeExpiredCard:
			code = CardExpired
		case stripe.DeclineCodeAuthenticationRequired:
			code = CardAuthenticationRequired
		}
	case stripe.ErrorCodeExpiredCard:
		code = CardExpired
	case stripe.ErrorCodeIncorrectCVC, stripe.ErrorCodeInvalidCVC:
		code = CardIncorrectCVC
	case stripe.ErrorCodeProcessingError:
		code = CardProcessingError
	case stripe.ErrorCodeSetupIntentAuthenticationFailure, stripe.ErrorCodePaymentIntentAuthenticationFailure:
		code = CardAuthenticationRequired
	}

	return &CardError{Code: code, Message: stripeErr.Msg, cause: err}
}
