package firestore

import (
	"context"
	"errors"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/freshnest/api/internal/platform/firestore"
	"github.com/freshnest/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the repository
// contract consumed by the service layer.
type Registry struct {
	provider       *pfirestore.Provider
	customers      *CustomerRepository
	bookings       *BookingRepository
	paymentMethods *PaymentMethodRepository
	health         repositories.HealthRepository
}

// NewRegistry wires the repository set against a shared provider. Extra
// dependency checks (Stripe, Pub/Sub) join the Firestore probe in readiness
// reporting.
func NewRegistry(provider *pfirestore.Provider, extraChecks ...repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	customers, err := NewCustomerRepository(provider)
	if err != nil {
		return nil, err
	}
	bookings, err := NewBookingRepository(provider)
	if err != nil {
		return nil, err
	}
	paymentMethods, err := NewPaymentMethodRepository(provider)
	if err != nil {
		return nil, err
	}

	checks := make([]repositories.DependencyCheck, 0, len(extraChecks)+1)
	checks = append(checks, repositories.DependencyCheck{
		Name: "firestore",
		Check: func(ctx context.Context) error {
			_, err := provider.Client(ctx)
			return err
		},
	})
	checks = append(checks, extraChecks...)

	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:       provider,
		customers:      customers,
		bookings:       bookings,
		paymentMethods: paymentMethods,
		health:         health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Customers returns the customer repository.
func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }

// Bookings returns the booking repository.
func (r *Registry) Bookings() repositories.BookingRepository { return r.bookings }

// PaymentMethods returns the payment method repository.
func (r *Registry) PaymentMethods() repositories.PaymentMethodRepository { return r.paymentMethods }

// Health returns the dependency health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside a Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("registry not initialised")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}

// Ensure interface compliance.
var _ repositories.Registry = (*Registry)(nil)
