package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/freshnest/api/internal/domain"
	pfirestore "github.com/freshnest/api/internal/platform/firestore"
	"github.com/freshnest/api/internal/repositories"
)

const customerCollection = "customers"

// CustomerRepository persists booking parties in Firestore. Emails are stored
// normalised so lookups match regardless of input casing.
type CustomerRepository struct {
	base     *pfirestore.Collection[customerDocument]
	provider *pfirestore.Provider
}

// NewCustomerRepository constructs a Firestore-backed customer repository.
func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	base := pfirestore.NewCollection[customerDocument](provider, customerCollection)
	return &CustomerRepository{base: base, provider: provider}, nil
}

// Insert stores a new customer, enforcing email uniqueness.
func (r *CustomerRepository) Insert(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	if r == nil || r.provider == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	email := normaliseEmail(customer.Email)
	if email == "" {
		return domain.Customer{}, errors.New("customer repository: email is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Customer{}, err
	}
	coll := client.Collection(customerCollection)

	now := time.Now().UTC()
	doc := customerDocument{
		Email:     email,
		Name:      strings.TrimSpace(customer.Name),
		Phone:     strings.TrimSpace(customer.Phone),
		StripeRef: strings.TrimSpace(customer.StripeRef),
		CreatedAt: customer.CreatedAt,
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	} else {
		doc.CreatedAt = doc.CreatedAt.UTC()
	}

	var saved domain.Customer
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		query := coll.Where("email", "==", email).Limit(1)
		snaps, err := tx.Documents(query).GetAll()
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if len(snaps) > 0 {
			return status.Error(codes.AlreadyExists, "customer email already registered")
		}

		docRef := coll.NewDoc()
		if id := strings.TrimSpace(customer.ID); id != "" {
			docRef = coll.Doc(id)
		}
		if err := tx.Create(docRef, doc); err != nil {
			return err
		}
		saved = doc.toDomain(docRef.ID)
		return nil
	})
	if err != nil {
		return domain.Customer{}, pfirestore.WrapError("customers.insert", err)
	}
	return saved, nil
}

// FindByID loads a customer by id.
func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	if strings.TrimSpace(customerID) == "" {
		return domain.Customer{}, errors.New("customer repository: id is required")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return domain.Customer{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByEmail matches the normalised address against stored customers.
func (r *CustomerRepository) FindByEmail(ctx context.Context, email string) (domain.Customer, error) {
	if r == nil || r.base == nil {
		return domain.Customer{}, errors.New("customer repository not initialised")
	}
	normalised := normaliseEmail(email)
	if normalised == "" {
		return domain.Customer{}, errors.New("customer repository: email is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("email", "==", normalised).Limit(1)
	})
	if err != nil {
		return domain.Customer{}, err
	}
	if len(docs) == 0 {
		return domain.Customer{}, pfirestore.WrapError("customers.find_by_email",
			status.Error(codes.NotFound, "customer not found"))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// SetStripeRef records the processor-side customer reference.
func (r *CustomerRepository) SetStripeRef(ctx context.Context, customerID string, stripeRef string) error {
	if r == nil || r.base == nil {
		return errors.New("customer repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return errors.New("customer repository: id is required")
	}
	return r.base.Update(ctx, id, []firestore.Update{
		{Path: "stripeRef", Value: strings.TrimSpace(stripeRef)},
	})
}

func normaliseEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

type customerDocument struct {
	Email     string    `firestore:"email"`
	Name      string    `firestore:"name,omitempty"`
	Phone     string    `firestore:"phone,omitempty"`
	StripeRef string    `firestore:"stripeRef,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func (d customerDocument) toDomain(id string) domain.Customer {
	return domain.Customer{
		ID:        id,
		Email:     strings.TrimSpace(d.Email),
		Name:      strings.TrimSpace(d.Name),
		Phone:     strings.TrimSpace(d.Phone),
		StripeRef: strings.TrimSpace(d.StripeRef),
		CreatedAt: d.CreatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.CustomerRepository = (*CustomerRepository)(nil)
