package repositories

import (
	"context"

	domain "github.com/freshnest/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Customers() CustomerRepository
	Bookings() BookingRepository
	PaymentMethods() PaymentMethodRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CustomerRepository stores booking parties keyed by id with unique emails.
type CustomerRepository interface {
	Insert(ctx context.Context, customer domain.Customer) (domain.Customer, error)
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
	// FindByEmail matches on the normalised (trimmed, lowercased) address.
	FindByEmail(ctx context.Context, email string) (domain.Customer, error)
	// SetStripeRef records the processor-side customer reference.
	SetStripeRef(ctx context.Context, customerID string, stripeRef string) error
}

// BookingRepository persists bookings and their payment state. Bookings are
// append-only apart from status and payment updates; nothing deletes them.
type BookingRepository interface {
	Insert(ctx context.Context, booking domain.Booking) error
	FindByID(ctx context.Context, bookingID string) (domain.Booking, error)
	// UpdatePayment replaces the payment state and booking status after an
	// authorize or capture attempt resolved.
	UpdatePayment(ctx context.Context, bookingID string, status domain.BookingStatus, payment domain.PaymentIntentState) (domain.Booking, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Booking, error)
}

// PaymentMethodRepository stores PSP reference tokens per customer.
type PaymentMethodRepository interface {
	List(ctx context.Context, customerID string) ([]domain.PaymentMethod, error)
	Insert(ctx context.Context, customerID string, method domain.PaymentMethod) (domain.PaymentMethod, error)
	Delete(ctx context.Context, customerID string, paymentMethodID string) error
	Get(ctx context.Context, customerID string, paymentMethodID string) (domain.PaymentMethod, error)
	SetDefault(ctx context.Context, customerID string, paymentMethodID string) (domain.PaymentMethod, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
