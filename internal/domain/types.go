package domain

import (
	"time"
)

// PropertyType classifies the property being cleaned.
type PropertyType string

const (
	// PropertyFlat represents an apartment or flat.
	PropertyFlat PropertyType = "flat"
	// PropertyHouse represents a house.
	PropertyHouse PropertyType = "house"
	// PropertyOther covers offices and anything else.
	PropertyOther PropertyType = "other"
)

// ServiceType enumerates the bookable cleaning services.
type ServiceType string

const (
	// ServiceStandard is a regular maintenance clean.
	ServiceStandard ServiceType = "standard"
	// ServiceDeep is a deep clean carrying the hours multiplier.
	ServiceDeep ServiceType = "deep"
	// ServiceEndOfTenancy is an end-of-tenancy clean.
	ServiceEndOfTenancy ServiceType = "end_of_tenancy"
)

// OvenType enumerates oven cleaning add-on options.
type OvenType string

const (
	// OvenNone means no oven cleaning was requested.
	OvenNone OvenType = "none"
	// OvenSingle is a single oven.
	OvenSingle OvenType = "single"
	// OvenDouble is a double oven.
	OvenDouble OvenType = "double"
	// OvenRange is a range cooker.
	OvenRange OvenType = "range"
)

// SuppliesArrangement states who provides cleaning supplies.
type SuppliesArrangement string

const (
	// SuppliesCustomer means the customer provides supplies.
	SuppliesCustomer SuppliesArrangement = "customer"
	// SuppliesProvided means the cleaner brings supplies.
	SuppliesProvided SuppliesArrangement = "provided"
)

// EquipmentArrangement states who provides cleaning equipment.
type EquipmentArrangement string

const (
	// EquipmentCustomer means the customer provides equipment.
	EquipmentCustomer EquipmentArrangement = "customer"
	// EquipmentProvided means the cleaner brings equipment for a flat fee.
	EquipmentProvided EquipmentArrangement = "provided"
)

// LinenMode states how linen is handled for the booking.
type LinenMode string

const (
	// LinenNone means no linen handling.
	LinenNone LinenMode = "none"
	// LinenCustomer means the customer's own linen is changed.
	LinenCustomer LinenMode = "customer"
	// LinenHire means hired linen packages are supplied.
	LinenHire LinenMode = "hire"
)

// LinenSelection is one hired linen package and its quantity.
type LinenSelection struct {
	ProductID string
	Quantity  int
}

// AdminOverrides carries operator-set pricing overrides. All fields are optional.
type AdminOverrides struct {
	// HourlyRateOverride replaces the computed hourly rate when set (pence per hour).
	HourlyRateOverride *int64
	// DiscountPercent is applied to the subtotal before the fixed discount.
	DiscountPercent *float64
	// DiscountFixed is subtracted after the percentage discount (pence).
	DiscountFixed *int64
	// TotalOverride unconditionally replaces the computed total when positive (pence).
	TotalOverride *int64
	// WaiveShortNotice removes the short-notice fee line without touching other items.
	WaiveShortNotice bool
}

// QuoteInput is the immutable snapshot of customer choices a quote is derived from.
type QuoteInput struct {
	PropertyType    PropertyType
	Bedrooms        int
	Bathrooms       int
	Toilets         int
	AdditionalRooms int
	Floors          int

	ServiceType    ServiceType
	AlreadyCleaned bool
	OvenType       OvenType

	Supplies  SuppliesArrangement
	Equipment EquipmentArrangement

	LinenMode       LinenMode
	LinenSelections []LinenSelection
	Ironing         bool
	IroningHours    float64
	ExtraHours      float64

	// ScheduledDate carries the calendar date; ScheduledTime is an optional
	// "15:04" clock value, defaulting to 09:00 when empty.
	ScheduledDate    time.Time
	ScheduledTime    string
	FlexibleSchedule bool

	// CustomerRateAdjust is a customer-specific per-hour adjustment in pence;
	// negative values are discounts, positive values markups.
	CustomerRateAdjust int64

	Overrides AdminOverrides
}

// LineItemKind categorises a quote line item.
type LineItemKind string

const (
	// LineItemAdditional is a surcharge added to the subtotal.
	LineItemAdditional LineItemKind = "additional"
	// LineItemDiscount reduces the subtotal.
	LineItemDiscount LineItemKind = "discount"
	// LineItemFee is a flat fee such as short notice or equipment.
	LineItemFee LineItemKind = "fee"
)

// LineItem is a single displayable, individually reversible price modifier.
// Duplicate labels are allowed; insertion order is preserved.
type LineItem struct {
	Label  string
	Amount int64
	Kind   LineItemKind
}

// Quote is the derived hours/price snapshot for a QuoteInput.
type Quote struct {
	BillableHours float64
	HourlyRate    int64
	LineItems     []LineItem
	Subtotal      int64
	Total         int64
}

// IdentityKind distinguishes how the booking party is known.
type IdentityKind string

const (
	// IdentityRegistered is a logged-in customer booking for themselves.
	IdentityRegistered IdentityKind = "registered"
	// IdentityAdmin is an operator booking on behalf of a selected customer.
	IdentityAdmin IdentityKind = "admin"
	// IdentityGuest is an unauthenticated party identified by email only.
	IdentityGuest IdentityKind = "guest"
)

// Identity is the explicit booking-party value passed through the core in
// place of ambient context lookups.
type Identity struct {
	Kind       IdentityKind
	CustomerID string
	Email      string
}

// Customer is a booking party persisted in the store.
type Customer struct {
	ID        string
	Email     string
	Name      string
	Phone     string
	StripeRef string
	CreatedAt time.Time
}

// PaymentMethod is a reusable tokenised payment instrument owned by exactly
// one customer.
type PaymentMethod struct {
	ID         string
	CustomerID string
	Token      string
	Brand      string
	Last4      string
	ExpMonth   int
	ExpYear    int
	IsDefault  bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PaymentMode selects how the booking is paid.
type PaymentMode string

const (
	// PaymentModeCard pays by card through the processor.
	PaymentModeCard PaymentMode = "card"
	// PaymentModeBankTransfer skips card processing entirely.
	PaymentModeBankTransfer PaymentMode = "bank_transfer"
)

// CaptureTiming is the operator-settable capture preference.
type CaptureTiming string

const (
	// TimingAuthorize places a hold without capturing. Default.
	TimingAuthorize CaptureTiming = "authorize"
	// TimingImmediate captures the full amount at submission.
	TimingImmediate CaptureTiming = "immediate"
	// TimingNone creates the booking with no charge attempted.
	TimingNone CaptureTiming = "none"
)

// PaymentStatus is the lifecycle status of a booking's payment.
type PaymentStatus string

const (
	// PaymentPending indicates no capture or authorization has completed yet.
	PaymentPending PaymentStatus = "pending"
	// PaymentAuthorized indicates funds are held but not captured.
	PaymentAuthorized PaymentStatus = "authorized"
	// PaymentCharged indicates funds were captured.
	PaymentCharged PaymentStatus = "charged"
	// PaymentFailed indicates the attempt failed; the booking stands.
	PaymentFailed PaymentStatus = "failed"
)

// PaymentIntentState tracks one booking's payment lifecycle.
type PaymentIntentState struct {
	BookingID string
	Mode      PaymentMode
	Timing    CaptureTiming
	Status    PaymentStatus
	IntentID  string
	LastError string
}

// BookingStatus is the persisted lifecycle state of a booking.
type BookingStatus string

const (
	// BookingCreated means the booking record is persisted, payment unresolved.
	BookingCreated BookingStatus = "created"
	// BookingConfirmed means payment resolved successfully (or transfer pending).
	BookingConfirmed BookingStatus = "confirmed"
	// BookingFollowUp means the booking needs manual payment follow-up.
	BookingFollowUp BookingStatus = "follow_up"
)

// Booking is created exactly once per submission attempt and carries a frozen
// copy of the quote at confirmation time. Bookings are never deleted by this
// core; payment failures are surfaced, not rolled back.
type Booking struct {
	ID         string
	CustomerID string
	Email      string
	Phone      string
	Name       string

	ScheduledAt time.Time
	Urgent      bool

	// Frozen quote snapshot; never re-derived after creation.
	Hours      float64
	HourlyRate int64
	Total      int64
	LineItems  []LineItem

	Status  BookingStatus
	Payment PaymentIntentState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BookingOutcome is the result surfaced to the caller after a submission.
type BookingOutcome struct {
	BookingID     string
	PaymentStatus PaymentStatus
	UserMessage   string
}
