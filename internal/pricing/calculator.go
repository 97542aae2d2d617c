package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	domain "github.com/freshnest/api/internal/domain"
)

var (
	// ErrQuoteInvalidInput signals bad quote input such as negative room counts.
	ErrQuoteInvalidInput = errors.New("quote: invalid input")
)

// Calculator derives billable hours and the total price from a QuoteInput
// snapshot plus the catalog. Calculation is a pure function of the input, the
// catalog and the injected clock; recomputing the same input yields the same
// quote.
type Calculator struct {
	catalog   Catalog
	modifiers *Resolver
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// CalculatorDeps wires the dependencies required by the Calculator.
type CalculatorDeps struct {
	Catalog Catalog
	Now     func() time.Time
	Logger  func(context.Context, string, map[string]any)
}

// NewCalculator constructs a Calculator validating the catalog.
func NewCalculator(deps CalculatorDeps) (*Calculator, error) {
	if err := deps.Catalog.Validate(); err != nil {
		return nil, err
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Calculator{
		catalog:   deps.Catalog,
		modifiers: NewResolver(deps.Catalog),
		now: func() time.Time {
			return now().UTC()
		},
		logger: logger,
	}, nil
}

// Calculate derives the quote for the supplied input.
//
// Hours are summed from component contributions, multiplied by the deep-clean
// factor when applicable, then rounded once to the nearest half hour with a
// floor of the catalog minimum. The multiplier always precedes the single
// rounding step.
func (c *Calculator) Calculate(ctx context.Context, input domain.QuoteInput) (domain.Quote, error) {
	if err := validateInput(input); err != nil {
		return domain.Quote{}, err
	}

	now := c.now()
	hours := c.BillableHours(input)
	rate := c.HourlyRate(input)

	base := roundPence(hours * float64(rate))
	items := make([]domain.LineItem, 0, 8)

	scheduledAt := ScheduledAt(input.ScheduledDate, input.ScheduledTime)
	if fee, ok := c.modifiers.ShortNoticeFee(scheduledAt, now); ok && !input.Overrides.WaiveShortNotice {
		items = append(items, fee)
	}
	if cost := c.modifiers.LinenCost(input.LinenSelections); cost > 0 && input.LinenMode == domain.LinenHire {
		items = append(items, domain.LineItem{Label: linenPackagesLabel, Amount: cost, Kind: domain.LineItemAdditional})
	}
	if fee := c.modifiers.EquipmentFee(input.Equipment); fee > 0 {
		items = append(items, domain.LineItem{Label: equipmentFeeLabel, Amount: fee, Kind: domain.LineItemFee})
	}
	if fee := c.modifiers.OvenFee(input.OvenType); fee > 0 {
		items = append(items, domain.LineItem{Label: ovenFeeLabel(input.OvenType), Amount: fee, Kind: domain.LineItemFee})
	}
	items = append(items, c.modifiers.SchedulingModifiers(input)...)

	if input.CustomerRateAdjust != 0 {
		amount := roundPence(float64(input.CustomerRateAdjust) * hours)
		kind := domain.LineItemAdditional
		if amount < 0 {
			kind = domain.LineItemDiscount
			amount = -amount
		}
		items = append(items, domain.LineItem{Label: customerAdjustLabel, Amount: amount, Kind: kind})
	}

	subtotal := base
	for _, item := range items {
		switch item.Kind {
		case domain.LineItemDiscount:
			subtotal -= item.Amount
		default:
			subtotal += item.Amount
		}
	}

	// Percentage discount applies before the fixed discount; the order is part
	// of the pricing contract and must stay reproducible.
	total := subtotal
	if pct := input.Overrides.DiscountPercent; pct != nil && *pct > 0 {
		amount := roundPence(float64(total) * *pct / 100)
		items = append(items, domain.LineItem{
			Label:  fmt.Sprintf("%s (%.4g%%)", percentDiscountLabel, *pct),
			Amount: amount,
			Kind:   domain.LineItemDiscount,
		})
		total -= amount
	}
	if fixed := input.Overrides.DiscountFixed; fixed != nil && *fixed > 0 {
		items = append(items, domain.LineItem{Label: fixedDiscountLabel, Amount: *fixed, Kind: domain.LineItemDiscount})
		total -= *fixed
	}

	if override := input.Overrides.TotalOverride; override != nil && *override > 0 {
		c.logger(ctx, "quote.total_overridden", map[string]any{
			"computed": total,
			"override": *override,
		})
		total = *override
	}

	if total < 0 {
		total = 0
	}
	if subtotal < 0 {
		subtotal = 0
	}

	return domain.Quote{
		BillableHours: hours,
		HourlyRate:    rate,
		LineItems:     items,
		Subtotal:      subtotal,
		Total:         total,
	}, nil
}

// BillableHours sums the component hour contributions, applies the deep-clean
// multiplier when the service is deep or the property was not already cleaned,
// and rounds once to the nearest half hour with the catalog minimum floor.
func (c *Calculator) BillableHours(input domain.QuoteInput) float64 {
	cat := c.catalog
	hours := cat.PropertyBaseHours[input.PropertyType]
	if hours == 0 {
		hours = cat.PropertyBaseHours[domain.PropertyOther]
	}
	hours += float64(input.Bedrooms) * cat.BedroomHours
	hours += float64(input.Bathrooms) * cat.BathroomHours
	hours += float64(input.Toilets) * cat.ToiletHours
	hours += float64(input.AdditionalRooms) * cat.AdditionalRoomHours
	hours += cat.OvenHours[input.OvenType]
	if input.LinenMode == domain.LinenHire {
		hours += float64(countSelections(input.LinenSelections)) * cat.LinenHandlingHours
	}
	if input.Ironing {
		hours += input.IroningHours
	}
	hours += input.ExtraHours

	if input.ServiceType == domain.ServiceDeep || !input.AlreadyCleaned {
		hours *= cat.DeepMultiplier
	}

	hours = roundToHalf(hours)
	if hours < cat.MinimumHours {
		hours = cat.MinimumHours
	}
	return hours
}

// HourlyRate resolves the effective hourly rate: an admin override wins;
// otherwise the base rate plus service, supplies, equipment and cleanliness
// adjustments.
func (c *Calculator) HourlyRate(input domain.QuoteInput) int64 {
	if override := input.Overrides.HourlyRateOverride; override != nil && *override > 0 {
		return *override
	}
	rate := c.catalog.BaseHourlyRate
	rate += c.catalog.ServiceRateAdjust[input.ServiceType]
	if input.Supplies == domain.SuppliesProvided {
		rate += c.catalog.SuppliesRateAdjust
	}
	if !input.AlreadyCleaned {
		rate += c.catalog.NotCleanedRateAdjust
	}
	return rate
}

// MinimumLinenOrderMet reports whether the hired-linen selection reaches the
// configured minimum order. This gates progression, never the arithmetic.
func (c *Calculator) MinimumLinenOrderMet(input domain.QuoteInput) bool {
	if input.LinenMode != domain.LinenHire {
		return true
	}
	return c.modifiers.LinenCost(input.LinenSelections) >= c.catalog.LinenMinimumOrder
}

// Modifiers exposes the resolver for callers needing individual line items.
func (c *Calculator) Modifiers() *Resolver {
	return c.modifiers
}

func validateInput(input domain.QuoteInput) error {
	if input.Bedrooms < 0 || input.Bathrooms < 0 || input.Toilets < 0 || input.AdditionalRooms < 0 {
		return fmt.Errorf("%w: room counts cannot be negative", ErrQuoteInvalidInput)
	}
	if input.IroningHours < 0 || input.ExtraHours < 0 {
		return fmt.Errorf("%w: hour adjustments cannot be negative", ErrQuoteInvalidInput)
	}
	return nil
}

func countSelections(selections []domain.LinenSelection) int {
	count := 0
	for _, sel := range selections {
		if sel.Quantity > 0 {
			count++
		}
	}
	return count
}

func ovenFeeLabel(oven domain.OvenType) string {
	switch oven {
	case domain.OvenDouble:
		return "Oven cleaning (double)"
	case domain.OvenRange:
		return "Oven cleaning (range)"
	default:
		return "Oven cleaning"
	}
}

func roundToHalf(hours float64) float64 {
	return math.Round(hours*2) / 2
}

func roundPence(value float64) int64 {
	return int64(math.Round(value))
}
