package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/freshnest/api/internal/domain"
	pfirestore "github.com/freshnest/api/internal/platform/firestore"
	"github.com/freshnest/api/internal/repositories"
)

// Saved payment methods live in a subcollection under the owning customer so
// a customer's methods can be listed without a composite index.
const methodsSubcollection = "paymentMethods"

type methodDocument struct {
	Token     string    `firestore:"token"`
	Brand     string    `firestore:"brand,omitempty"`
	Last4     string    `firestore:"last4,omitempty"`
	ExpMonth  int       `firestore:"expMonth,omitempty"`
	ExpYear   int       `firestore:"expYear,omitempty"`
	IsDefault bool      `firestore:"isDefault"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func methodFromDomain(method domain.PaymentMethod, now time.Time) methodDocument {
	doc := methodDocument{
		Token:     strings.TrimSpace(method.Token),
		Brand:     strings.TrimSpace(method.Brand),
		Last4:     strings.TrimSpace(method.Last4),
		ExpMonth:  method.ExpMonth,
		ExpYear:   method.ExpYear,
		IsDefault: method.IsDefault,
		CreatedAt: method.CreatedAt.UTC(),
		UpdatedAt: now,
	}
	if method.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	return doc
}

func (d methodDocument) toDomain(id, customerID string) domain.PaymentMethod {
	return domain.PaymentMethod{
		ID:         id,
		CustomerID: strings.TrimSpace(customerID),
		Token:      strings.TrimSpace(d.Token),
		Brand:      strings.TrimSpace(d.Brand),
		Last4:      strings.TrimSpace(d.Last4),
		ExpMonth:   d.ExpMonth,
		ExpYear:    d.ExpYear,
		IsDefault:  d.IsDefault,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

// PaymentMethodRepository persists Stripe payment method references under
// each customer document.
type PaymentMethodRepository struct {
	provider *pfirestore.Provider
}

// NewPaymentMethodRepository constructs a Firestore-backed payment method repository.
func NewPaymentMethodRepository(provider *pfirestore.Provider) (*PaymentMethodRepository, error) {
	if provider == nil {
		return nil, errors.New("payment method repository requires firestore provider")
	}
	return &PaymentMethodRepository{provider: provider}, nil
}

func (r *PaymentMethodRepository) methods(ctx context.Context, customerID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment method repository not initialised")
	}
	customer := strings.TrimSpace(customerID)
	if customer == "" {
		return nil, errors.New("payment method repository: customer id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(customerCollection).Doc(customer).Collection(methodsSubcollection), nil
}

func requireMethodID(paymentMethodID string) (string, error) {
	id := strings.TrimSpace(paymentMethodID)
	if id == "" {
		return "", errors.New("payment method repository: id is required")
	}
	return id, nil
}

// List returns the customer's payment methods, newest first.
func (r *PaymentMethodRepository) List(ctx context.Context, customerID string) ([]domain.PaymentMethod, error) {
	coll, err := r.methods(ctx, customerID)
	if err != nil {
		return nil, err
	}

	iter := coll.OrderBy("createdAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var methods []domain.PaymentMethod
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return methods, nil
		}
		if err != nil {
			return nil, pfirestore.WrapError("payment_methods.list", err)
		}
		method, err := decodeMethodSnapshot(snap, customerID)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
}

// Insert stores a new payment method. The write runs in a transaction so a
// duplicate token is rejected and at most one method stays default.
func (r *PaymentMethodRepository) Insert(ctx context.Context, customerID string, method domain.PaymentMethod) (domain.PaymentMethod, error) {
	coll, err := r.methods(ctx, customerID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	doc := methodFromDomain(method, time.Now().UTC())
	if doc.Token == "" {
		return domain.PaymentMethod{}, errors.New("payment method repository: token is required")
	}

	var saved domain.PaymentMethod
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		taken, err := tokenInUse(tx, coll, doc.Token)
		if err != nil {
			return err
		}
		if taken {
			return status.Error(codes.AlreadyExists, "payment method already exists")
		}

		ref := coll.NewDoc()
		if id := strings.TrimSpace(method.ID); id != "" {
			ref = coll.Doc(id)
		}
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		if doc.IsDefault {
			if err := demoteOtherDefaults(tx, coll, ref.ID, doc.UpdatedAt); err != nil {
				return err
			}
		}
		saved = doc.toDomain(ref.ID, customerID)
		return nil
	})
	if err != nil {
		return domain.PaymentMethod{}, pfirestore.WrapError("payment_methods.insert", err)
	}
	return saved, nil
}

// Delete removes the payment method.
func (r *PaymentMethodRepository) Delete(ctx context.Context, customerID string, paymentMethodID string) error {
	coll, err := r.methods(ctx, customerID)
	if err != nil {
		return err
	}
	id, err := requireMethodID(paymentMethodID)
	if err != nil {
		return err
	}
	if _, err := coll.Doc(id).Delete(ctx); err != nil {
		return pfirestore.WrapError("payment_methods.delete", err)
	}
	return nil
}

// Get loads one payment method by ID.
func (r *PaymentMethodRepository) Get(ctx context.Context, customerID string, paymentMethodID string) (domain.PaymentMethod, error) {
	coll, err := r.methods(ctx, customerID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	id, err := requireMethodID(paymentMethodID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.PaymentMethod{}, pfirestore.WrapError("payment_methods.get", err)
	}
	return decodeMethodSnapshot(snap, customerID)
}

// SetDefault promotes the payment method to default and demotes any other.
func (r *PaymentMethodRepository) SetDefault(ctx context.Context, customerID string, paymentMethodID string) (domain.PaymentMethod, error) {
	coll, err := r.methods(ctx, customerID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}
	id, err := requireMethodID(paymentMethodID)
	if err != nil {
		return domain.PaymentMethod{}, err
	}

	now := time.Now().UTC()
	var saved domain.PaymentMethod
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref := coll.Doc(id)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc methodDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode payment method %s: %w", id, err)
		}

		if err := tx.Update(ref, []firestore.Update{
			{Path: "isDefault", Value: true},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		if err := demoteOtherDefaults(tx, coll, ref.ID, now); err != nil {
			return err
		}

		doc.IsDefault = true
		doc.UpdatedAt = now
		saved = doc.toDomain(ref.ID, customerID)
		return nil
	})
	if err != nil {
		return domain.PaymentMethod{}, pfirestore.WrapError("payment_methods.set_default", err)
	}
	return saved, nil
}

func tokenInUse(tx *firestore.Transaction, coll *firestore.CollectionRef, token string) (bool, error) {
	snaps, err := tx.Documents(coll.Where("token", "==", token).Limit(1)).GetAll()
	if err != nil && status.Code(err) != codes.NotFound {
		return false, err
	}
	return len(snaps) > 0, nil
}

func demoteOtherDefaults(tx *firestore.Transaction, coll *firestore.CollectionRef, keepID string, now time.Time) error {
	snaps, err := tx.Documents(coll.Where("isDefault", "==", true)).GetAll()
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	}
	for _, snap := range snaps {
		if snap.Ref.ID == keepID {
			continue
		}
		if err := tx.Update(snap.Ref, []firestore.Update{
			{Path: "isDefault", Value: false},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
	}
	return nil
}

func decodeMethodSnapshot(snapshot *firestore.DocumentSnapshot, customerID string) (domain.PaymentMethod, error) {
	var doc methodDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.PaymentMethod{}, fmt.Errorf("decode payment method %s: %w", snapshot.Ref.ID, err)
	}
	return doc.toDomain(snapshot.Ref.ID, customerID), nil
}

var _ repositories.PaymentMethodRepository = (*PaymentMethodRepository)(nil)
