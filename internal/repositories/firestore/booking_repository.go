package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/freshnest/api/internal/domain"
	pfirestore "github.com/freshnest/api/internal/platform/firestore"
	"github.com/freshnest/api/internal/repositories"
)

const bookingCollection = "bookings"

// BookingRepository persists bookings with their frozen quote snapshot and
// payment state. Documents are never deleted.
type BookingRepository struct {
	base     *pfirestore.Collection[bookingDocument]
	provider *pfirestore.Provider
}

// NewBookingRepository constructs a Firestore-backed booking repository.
func NewBookingRepository(provider *pfirestore.Provider) (*BookingRepository, error) {
	if provider == nil {
		return nil, errors.New("booking repository requires firestore provider")
	}
	base := pfirestore.NewCollection[bookingDocument](provider, bookingCollection)
	return &BookingRepository{base: base, provider: provider}, nil
}

// Insert stores a new booking. The id must be set by the caller.
func (r *BookingRepository) Insert(ctx context.Context, booking domain.Booking) error {
	if r == nil || r.provider == nil {
		return errors.New("booking repository not initialised")
	}
	id := strings.TrimSpace(booking.ID)
	if id == "" {
		return errors.New("booking repository: id is required")
	}

	now := time.Now().UTC()
	doc := encodeBookingDocument(booking)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Collection(bookingCollection).Doc(id).Create(ctx, doc); err != nil {
		return pfirestore.WrapError("bookings.insert", err)
	}
	return nil
}

// FindByID loads a booking by id.
func (r *BookingRepository) FindByID(ctx context.Context, bookingID string) (domain.Booking, error) {
	if r == nil || r.base == nil {
		return domain.Booking{}, errors.New("booking repository not initialised")
	}
	id := strings.TrimSpace(bookingID)
	if id == "" {
		return domain.Booking{}, errors.New("booking repository: id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpdatePayment replaces the payment state and booking status after an attempt
// resolved. The quote snapshot is left untouched.
func (r *BookingRepository) UpdatePayment(ctx context.Context, bookingID string, bookingStatus domain.BookingStatus, payment domain.PaymentIntentState) (domain.Booking, error) {
	if r == nil || r.provider == nil {
		return domain.Booking{}, errors.New("booking repository not initialised")
	}
	id := strings.TrimSpace(bookingID)
	if id == "" {
		return domain.Booking{}, errors.New("booking repository: id is required")
	}

	now := time.Now().UTC()
	var saved domain.Booking
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		docRef := client.Collection(bookingCollection).Doc(id)
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc bookingDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode booking %s: %w", id, err)
		}

		doc.Status = string(bookingStatus)
		doc.Payment = encodePaymentState(payment)
		doc.UpdatedAt = now
		if err := tx.Set(docRef, doc); err != nil {
			return err
		}
		saved = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Booking{}, pfirestore.WrapError("bookings.update_payment", err)
	}
	return saved, nil
}

// ListByCustomer returns the customer's bookings newest first.
func (r *BookingRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Booking, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("booking repository not initialised")
	}
	id := strings.TrimSpace(customerID)
	if id == "" {
		return nil, errors.New("booking repository: customer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", id).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	bookings := make([]domain.Booking, 0, len(docs))
	for _, doc := range docs {
		bookings = append(bookings, doc.Data.toDomain(doc.ID))
	}
	return bookings, nil
}

type bookingLineItemDocument struct {
	Label  string `firestore:"label"`
	Amount int64  `firestore:"amount"`
	Kind   string `firestore:"kind"`
}

type bookingPaymentDocument struct {
	Mode      string `firestore:"mode"`
	Timing    string `firestore:"timing"`
	Status    string `firestore:"status"`
	IntentID  string `firestore:"intentId,omitempty"`
	LastError string `firestore:"lastError,omitempty"`
}

type bookingDocument struct {
	CustomerID string `firestore:"customerId,omitempty"`
	Email      string `firestore:"email"`
	Phone      string `firestore:"phone,omitempty"`
	Name       string `firestore:"name,omitempty"`

	ScheduledAt time.Time `firestore:"scheduledAt"`
	Urgent      bool      `firestore:"urgent"`

	Hours      float64                   `firestore:"hours"`
	HourlyRate int64                     `firestore:"hourlyRate"`
	Total      int64                     `firestore:"total"`
	LineItems  []bookingLineItemDocument `firestore:"lineItems,omitempty"`

	Status  string                 `firestore:"status"`
	Payment bookingPaymentDocument `firestore:"payment"`

	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func encodeBookingDocument(booking domain.Booking) bookingDocument {
	items := make([]bookingLineItemDocument, 0, len(booking.LineItems))
	for _, item := range booking.LineItems {
		items = append(items, bookingLineItemDocument{
			Label:  item.Label,
			Amount: item.Amount,
			Kind:   string(item.Kind),
		})
	}
	return bookingDocument{
		CustomerID:  strings.TrimSpace(booking.CustomerID),
		Email:       strings.TrimSpace(booking.Email),
		Phone:       strings.TrimSpace(booking.Phone),
		Name:        strings.TrimSpace(booking.Name),
		ScheduledAt: booking.ScheduledAt.UTC(),
		Urgent:      booking.Urgent,
		Hours:       booking.Hours,
		HourlyRate:  booking.HourlyRate,
		Total:       booking.Total,
		LineItems:   items,
		Status:      string(booking.Status),
		Payment:     encodePaymentState(booking.Payment),
		CreatedAt:   booking.CreatedAt,
		UpdatedAt:   booking.UpdatedAt,
	}
}

func encodePaymentState(payment domain.PaymentIntentState) bookingPaymentDocument {
	return bookingPaymentDocument{
		Mode:      string(payment.Mode),
		Timing:    string(payment.Timing),
		Status:    string(payment.Status),
		IntentID:  strings.TrimSpace(payment.IntentID),
		LastError: strings.TrimSpace(payment.LastError),
	}
}

func (d bookingDocument) toDomain(id string) domain.Booking {
	items := make([]domain.LineItem, 0, len(d.LineItems))
	for _, item := range d.LineItems {
		items = append(items, domain.LineItem{
			Label:  item.Label,
			Amount: item.Amount,
			Kind:   domain.LineItemKind(item.Kind),
		})
	}
	return domain.Booking{
		ID:          id,
		CustomerID:  d.CustomerID,
		Email:       d.Email,
		Phone:       d.Phone,
		Name:        d.Name,
		ScheduledAt: d.ScheduledAt,
		Urgent:      d.Urgent,
		Hours:       d.Hours,
		HourlyRate:  d.HourlyRate,
		Total:       d.Total,
		LineItems:   items,
		Status:      domain.BookingStatus(d.Status),
		Payment: domain.PaymentIntentState{
			BookingID: id,
			Mode:      domain.PaymentMode(d.Payment.Mode),
			Timing:    domain.CaptureTiming(d.Payment.Timing),
			Status:    domain.PaymentStatus(d.Payment.Status),
			IntentID:  d.Payment.IntentID,
			LastError: d.Payment.LastError,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// Ensure interface compliance.
var _ repositories.BookingRepository = (*BookingRepository)(nil)
