package pricing

import (
	"time"

	domain "github.com/freshnest/api/internal/domain"
)

const (
	defaultServiceHour   = 9
	urgencyWindowHours   = 48
	equipmentFeeLabel    = "Equipment provided"
	linenPackagesLabel   = "Linen hire"
	flexibleLabel        = "Flexible schedule discount"
	weekendLabel         = "Weekend surcharge"
	customerAdjustLabel  = "Customer rate adjustment"
	percentDiscountLabel = "Discount"
	fixedDiscountLabel   = "Fixed discount"
)

// Resolver computes the individual surcharge and discount line items layered
// onto the base price. Every sub-resolver is pure and independent; no ordering
// dependency exists among them.
type Resolver struct {
	catalog Catalog
}

// NewResolver constructs a Resolver over the supplied catalog.
func NewResolver(catalog Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// ScheduledAt combines the scheduled date and optional "15:04" time into a
// concrete service start, defaulting to 09:00 when no time was chosen.
func ScheduledAt(date time.Time, clock string) time.Time {
	if date.IsZero() {
		return time.Time{}
	}
	hour, minute := defaultServiceHour, 0
	if parsed, err := time.Parse("15:04", clock); err == nil {
		hour, minute = parsed.Hour(), parsed.Minute()
	}
	return time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, date.Location())
}

// HoursUntil returns the fractional hours between now and the service start.
func HoursUntil(scheduledAt, now time.Time) float64 {
	return scheduledAt.Sub(now).Hours()
}

// Urgent reports whether the service starts within the 48-hour urgency window.
func Urgent(scheduledAt, now time.Time) bool {
	if scheduledAt.IsZero() {
		return false
	}
	until := HoursUntil(scheduledAt, now)
	return until >= 0 && until <= urgencyWindowHours
}

// ShortNoticeFee resolves the short-notice tier for the scheduled start.
// Same-calendar-day bookings always land in the narrowest tier. Tiers are
// inclusive of their upper bound and evaluated in ascending strictness. A
// start in the past yields no fee; the booking is invalid elsewhere.
func (r *Resolver) ShortNoticeFee(scheduledAt, now time.Time) (domain.LineItem, bool) {
	if scheduledAt.IsZero() {
		return domain.LineItem{}, false
	}

	tiers := r.catalog.sortedTiers()
	if len(tiers) == 0 {
		return domain.LineItem{}, false
	}

	if sameCalendarDay(scheduledAt, now) {
		t := tiers[0]
		return domain.LineItem{Label: t.Label, Amount: t.Amount, Kind: domain.LineItemFee}, true
	}

	until := HoursUntil(scheduledAt, now)
	if until < 0 {
		return domain.LineItem{}, false
	}
	for _, t := range tiers {
		if until <= t.MaxHours {
			return domain.LineItem{Label: t.Label, Amount: t.Amount, Kind: domain.LineItemFee}, true
		}
	}
	return domain.LineItem{}, false
}

// LinenCost sums quantity times unit price over the selected packages.
// Selections with non-positive quantity or unknown products contribute nothing.
func (r *Resolver) LinenCost(selections []domain.LinenSelection) int64 {
	var total int64
	for _, sel := range selections {
		if sel.Quantity <= 0 {
			continue
		}
		price, ok := r.catalog.LinenPrices[sel.ProductID]
		if !ok {
			continue
		}
		total += price * int64(sel.Quantity)
	}
	return total
}

// EquipmentFee returns the flat fee when the cleaner brings equipment.
func (r *Resolver) EquipmentFee(arrangement domain.EquipmentArrangement) int64 {
	if arrangement == domain.EquipmentProvided {
		return r.catalog.EquipmentFee
	}
	return 0
}

// OvenFee returns the flat fee for the selected oven type, zero when none.
func (r *Resolver) OvenFee(oven domain.OvenType) int64 {
	return r.catalog.OvenFees[oven]
}

// SchedulingModifiers returns zero or more named scheduling charges and
// discounts, each independently labelled and reversible.
func (r *Resolver) SchedulingModifiers(input domain.QuoteInput) []domain.LineItem {
	var items []domain.LineItem
	if input.FlexibleSchedule && r.catalog.FlexibleScheduleDiscount > 0 {
		items = append(items, domain.LineItem{
			Label:  flexibleLabel,
			Amount: r.catalog.FlexibleScheduleDiscount,
			Kind:   domain.LineItemDiscount,
		})
	}
	if !input.ScheduledDate.IsZero() && r.catalog.WeekendSurcharge > 0 {
		switch input.ScheduledDate.Weekday() {
		case time.Saturday, time.Sunday:
			items = append(items, domain.LineItem{
				Label:  weekendLabel,
				Amount: r.catalog.WeekendSurcharge,
				Kind:   domain.LineItemAdditional,
			})
		}
	}
	return items
}

func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
