package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/freshnest/api/internal/domain"
	"github.com/freshnest/api/internal/repositories"
)

var (
	// ErrMethodInvalidInput indicates the resolution command failed validation.
	ErrMethodInvalidInput = errors.New("payment methods: invalid input")
	// ErrMethodNotFound indicates the requested stored method does not exist for the party.
	ErrMethodNotFound = errors.New("payment methods: not found")
	// ErrMethodUnavailable indicates the backing store is unreachable.
	ErrMethodUnavailable = errors.New("payment methods: unavailable")
)

// PaymentMethodResolverDeps wires the dependencies for the resolver.
type PaymentMethodResolverDeps struct {
	Customers repositories.CustomerRepository
	Methods   repositories.PaymentMethodRepository
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type paymentMethodResolver struct {
	customers repositories.CustomerRepository
	methods   repositories.PaymentMethodRepository
	logger    func(context.Context, string, map[string]any)
}

// NewPaymentMethodResolver constructs a PaymentMethodResolver.
func NewPaymentMethodResolver(deps PaymentMethodResolverDeps) (PaymentMethodResolver, error) {
	if deps.Customers == nil {
		return nil, errors.New("payment method resolver: customer repository is required")
	}
	if deps.Methods == nil {
		return nil, errors.New("payment method resolver: payment method repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &paymentMethodResolver{
		customers: deps.Customers,
		methods:   deps.Methods,
		logger:    logger,
	}, nil
}

// Resolve picks the instrument for a submission. A fresh token always wins; a
// requested stored method must belong to the resolved customer; otherwise the
// default stored card is preferred with all candidates exposed for display.
func (r *paymentMethodResolver) Resolve(ctx context.Context, cmd ResolveMethodCommand) (MethodResolution, error) {
	if r == nil || r.customers == nil {
		return MethodResolution{}, ErrMethodUnavailable
	}

	resolution := MethodResolution{}

	customer, found, err := r.findCustomer(ctx, cmd.Identity)
	if err != nil {
		return MethodResolution{}, err
	}
	resolution.Customer = customer
	resolution.CustomerFound = found

	if token := strings.TrimSpace(cmd.FreshToken); token != "" {
		resolution.Token = token
		return resolution, nil
	}

	if !found {
		if strings.TrimSpace(cmd.RequestedMethodID) != "" {
			return MethodResolution{}, fmt.Errorf("%w: no stored methods for unknown party", ErrMethodNotFound)
		}
		return resolution, nil
	}

	candidates, err := r.methods.List(ctx, customer.ID)
	if err != nil {
		if isRepoNotFound(err) {
			return resolution, nil
		}
		if cmd.Identity.Kind == domain.IdentityGuest {
			r.logger(ctx, "payment_methods.guest_lookup_degraded", map[string]any{
				"customerId": customer.ID,
				"error":      err.Error(),
			})
			return resolution, nil
		}
		return MethodResolution{}, err
	}
	resolution.Candidates = candidates

	if requested := strings.TrimSpace(cmd.RequestedMethodID); requested != "" {
		for i := range candidates {
			if candidates[i].ID == requested {
				resolution.Method = &candidates[i]
				resolution.Token = candidates[i].Token
				resolution.RequireReconfirm = cmd.Identity.Kind == domain.IdentityGuest
				return resolution, nil
			}
		}
		return MethodResolution{}, fmt.Errorf("%w: method %s", ErrMethodNotFound, requested)
	}

	if method := preferredMethod(candidates); method != nil {
		resolution.Method = method
		resolution.Token = method.Token
		resolution.RequireReconfirm = cmd.Identity.Kind == domain.IdentityGuest
	}
	return resolution, nil
}

// LookupByEmail reports what is known about an email address. Unknown
// addresses return Found=false so the caller can proceed as a new guest.
func (r *paymentMethodResolver) LookupByEmail(ctx context.Context, email string) (CustomerLookupResult, error) {
	if r == nil || r.customers == nil {
		return CustomerLookupResult{}, ErrMethodUnavailable
	}
	normalised := strings.ToLower(strings.TrimSpace(email))
	if normalised == "" {
		return CustomerLookupResult{}, fmt.Errorf("%w: email is required", ErrMethodInvalidInput)
	}

	customer, err := r.customers.FindByEmail(ctx, normalised)
	if err != nil {
		if isRepoNotFound(err) {
			return CustomerLookupResult{}, nil
		}
		return CustomerLookupResult{}, err
	}

	result := CustomerLookupResult{Found: true, Customer: customer}
	methods, err := r.methods.List(ctx, customer.ID)
	if err != nil {
		if isRepoNotFound(err) {
			return result, nil
		}
		r.logger(ctx, "payment_methods.lookup.list_failed", map[string]any{
			"customerId": customer.ID,
			"error":      err.Error(),
		})
		return result, nil
	}
	result.Methods = methods
	result.DefaultMethod = preferredMethod(methods)
	return result, nil
}

func (r *paymentMethodResolver) findCustomer(ctx context.Context, identity domain.Identity) (domain.Customer, bool, error) {
	switch identity.Kind {
	case domain.IdentityRegistered, domain.IdentityAdmin:
		id := strings.TrimSpace(identity.CustomerID)
		if id == "" {
			return domain.Customer{}, false, fmt.Errorf("%w: customer id is required for %s identity", ErrMethodInvalidInput, identity.Kind)
		}
		customer, err := r.customers.FindByID(ctx, id)
		if err != nil {
			if isRepoNotFound(err) {
				return domain.Customer{}, false, fmt.Errorf("%w: customer %s", ErrMethodNotFound, id)
			}
			return domain.Customer{}, false, err
		}
		return customer, true, nil
	case domain.IdentityGuest:
		email := strings.ToLower(strings.TrimSpace(identity.Email))
		if email == "" {
			return domain.Customer{}, false, fmt.Errorf("%w: guest email is required", ErrMethodInvalidInput)
		}
		customer, err := r.customers.FindByEmail(ctx, email)
		if err != nil {
			// A flaky lookup must never block a guest submission; proceed
			// as a new guest and let the booking go through.
			if !isRepoNotFound(err) {
				r.logger(ctx, "payment_methods.guest_lookup_degraded", map[string]any{
					"error": err.Error(),
				})
			}
			return domain.Customer{}, false, nil
		}
		return customer, true, nil
	default:
		return domain.Customer{}, false, fmt.Errorf("%w: unknown identity kind %q", ErrMethodInvalidInput, identity.Kind)
	}
}

func preferredMethod(methods []domain.PaymentMethod) *domain.PaymentMethod {
	for i := range methods {
		if methods[i].IsDefault {
			return &methods[i]
		}
	}
	if len(methods) > 0 {
		return &methods[0]
	}
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}
