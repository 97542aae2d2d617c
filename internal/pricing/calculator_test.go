package pricing

import (
	"context"
	"math"
	"testing"
	"time"

	domain "github.com/freshnest/api/internal/domain"
)

func testCalculator(t *testing.T, now time.Time) *Calculator {
	t.Helper()
	calc, err := NewCalculator(CalculatorDeps{
		Catalog: DefaultCatalog(),
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new calculator: %v", err)
	}
	return calc
}

func int64Ptr(v int64) *int64       { return &v }
func float64Ptr(v float64) *float64 { return &v }

func TestCalculateDeepCleanWorkedExample(t *testing.T) {
	// House, 3 bedrooms, 2 bathrooms, deep clean on a property not cleaned to
	// standard, no oven, no linen, scheduled 10 hours from now.
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyHouse,
		Bedrooms:       3,
		Bathrooms:      2,
		ServiceType:    domain.ServiceDeep,
		AlreadyCleaned: false,
		OvenType:       domain.OvenNone,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentCustomer,
		LinenMode:      domain.LinenNone,
		ScheduledDate:  time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		ScheduledTime:  "18:00",
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	// 3.0 + 1.5 + 1.0 = 5.5 hours, times 1.3 = 7.15, rounded once to 7.0.
	if quote.BillableHours != 7.0 {
		t.Fatalf("expected 7.0 billable hours, got %v", quote.BillableHours)
	}
	// 2500 base + 300 deep + 200 not cleaned to standard.
	if quote.HourlyRate != 3000 {
		t.Fatalf("expected rate 3000, got %d", quote.HourlyRate)
	}

	var shortNotice *domain.LineItem
	for i := range quote.LineItems {
		if quote.LineItems[i].Kind == domain.LineItemFee {
			shortNotice = &quote.LineItems[i]
		}
	}
	if shortNotice == nil || shortNotice.Amount != 3000 {
		t.Fatalf("expected the within-12-hours fee, got %#v", quote.LineItems)
	}

	if quote.Total != 7*3000+3000 {
		t.Fatalf("expected total %d, got %d", 7*3000+3000, quote.Total)
	}
}

func TestCalculateAdminOverrideWorkedExample(t *testing.T) {
	// Hourly-rate override of £30, 10% discount then £5 fixed discount on a
	// 4-hour booking with no other fees: 120 -> 108 -> 103.
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyFlat,
		Bedrooms:       1,
		Bathrooms:      1,
		ServiceType:    domain.ServiceStandard,
		AlreadyCleaned: true,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentCustomer,
		ExtraHours:     1.0,
		ScheduledDate:  time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		Overrides: domain.AdminOverrides{
			HourlyRateOverride: int64Ptr(3000),
			DiscountPercent:    float64Ptr(10),
			DiscountFixed:      int64Ptr(500),
		},
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	if quote.BillableHours != 4.0 {
		t.Fatalf("expected 4.0 billable hours, got %v", quote.BillableHours)
	}
	if quote.Subtotal != 12000 {
		t.Fatalf("expected subtotal 12000, got %d", quote.Subtotal)
	}
	if quote.Total != 10300 {
		t.Fatalf("expected total 10300, got %d", quote.Total)
	}
}

func TestCalculatePercentageBeforeFixedOrder(t *testing.T) {
	// Applying the fixed discount first would give (12000-500)*0.9 = 10350;
	// the contract requires 10300.
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyFlat,
		Bedrooms:       1,
		Bathrooms:      1,
		ServiceType:    domain.ServiceStandard,
		AlreadyCleaned: true,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentCustomer,
		ExtraHours:     1.0,
		ScheduledDate:  time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		Overrides: domain.AdminOverrides{
			HourlyRateOverride: int64Ptr(3000),
			DiscountPercent:    float64Ptr(10),
			DiscountFixed:      int64Ptr(500),
		},
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if quote.Total == 10350 {
		t.Fatalf("fixed discount was applied before the percentage discount")
	}
	if quote.Total != 10300 {
		t.Fatalf("expected total 10300, got %d", quote.Total)
	}
}

func TestCalculateTotalOverrideAlwaysWins(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyHouse,
		Bedrooms:       4,
		Bathrooms:      3,
		ServiceType:    domain.ServiceDeep,
		AlreadyCleaned: false,
		OvenType:       domain.OvenRange,
		Supplies:       domain.SuppliesProvided,
		Equipment:      domain.EquipmentProvided,
		ScheduledDate:  now.Add(6 * time.Hour),
		Overrides: domain.AdminOverrides{
			DiscountPercent: float64Ptr(50),
			DiscountFixed:   int64Ptr(10000),
			TotalOverride:   int64Ptr(9900),
		},
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if quote.Total != 9900 {
		t.Fatalf("expected override total 9900, got %d", quote.Total)
	}
	// Computed modifiers stay visible as informational line items.
	if len(quote.LineItems) == 0 {
		t.Fatalf("expected informational line items to remain")
	}
}

func TestCalculateTotalNeverNegative(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyFlat,
		ServiceType:    domain.ServiceStandard,
		AlreadyCleaned: true,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentCustomer,
		ScheduledDate:  time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
		Overrides: domain.AdminOverrides{
			DiscountFixed: int64Ptr(1000000),
		},
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if quote.Total != 0 {
		t.Fatalf("expected clamped total 0, got %d", quote.Total)
	}
}

func TestCalculateHoursFloorAndRounding(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	cases := []struct {
		name  string
		input domain.QuoteInput
		want  float64
	}{
		{
			name: "tiny flat floors at minimum",
			input: domain.QuoteInput{
				PropertyType:   domain.PropertyFlat,
				ServiceType:    domain.ServiceStandard,
				AlreadyCleaned: true,
			},
			want: 2.0,
		},
		{
			name: "multiplier precedes single rounding",
			input: domain.QuoteInput{
				PropertyType:   domain.PropertyHouse,
				Bedrooms:       3,
				Bathrooms:      2,
				ServiceType:    domain.ServiceDeep,
				AlreadyCleaned: false,
			},
			want: 7.0, // 5.5 * 1.3 = 7.15 -> 7.0
		},
		{
			name: "rounds up to next half",
			input: domain.QuoteInput{
				PropertyType:   domain.PropertyFlat,
				Bedrooms:       2,
				Toilets:        2, // 2.0 + 1.0 + 0.5 = 3.5, * 1.3 = 4.55 -> 4.5
				ServiceType:    domain.ServiceStandard,
				AlreadyCleaned: false,
			},
			want: 4.5,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := calc.BillableHours(tc.input)
			if got != tc.want {
				t.Fatalf("expected %v hours, got %v", tc.want, got)
			}
			if got < 2.0 {
				t.Fatalf("hours below minimum: %v", got)
			}
			if math.Mod(got*2, 1) != 0 {
				t.Fatalf("hours not in half steps: %v", got)
			}
		})
	}
}

func TestCalculateWaiveShortNotice(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:   domain.PropertyHouse,
		Bedrooms:       2,
		Bathrooms:      1,
		ServiceType:    domain.ServiceStandard,
		AlreadyCleaned: true,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentProvided,
		ScheduledDate:  time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
		ScheduledTime:  "17:00",
		Overrides:      domain.AdminOverrides{WaiveShortNotice: true},
	}

	quote, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	for _, item := range quote.LineItems {
		if item.Amount == 3000 && item.Kind == domain.LineItemFee {
			t.Fatalf("short-notice fee present despite waiver: %#v", item)
		}
	}
	// The equipment fee must survive the waiver untouched.
	found := false
	for _, item := range quote.LineItems {
		if item.Amount == 1000 && item.Kind == domain.LineItemFee {
			found = true
		}
	}
	if !found {
		t.Fatalf("equipment fee missing, waiver affected other items: %#v", quote.LineItems)
	}
}

func TestCalculateCustomerRateAdjust(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	base := domain.QuoteInput{
		PropertyType:   domain.PropertyFlat,
		Bedrooms:       1,
		Bathrooms:      1,
		ServiceType:    domain.ServiceStandard,
		AlreadyCleaned: true,
		Supplies:       domain.SuppliesCustomer,
		Equipment:      domain.EquipmentCustomer,
		ExtraHours:     1.0,
		ScheduledDate:  time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
	}

	plain, err := calc.Calculate(context.Background(), base)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}

	discounted := base
	discounted.CustomerRateAdjust = -200
	quote, err := calc.Calculate(context.Background(), discounted)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if want := plain.Total - 200*4; quote.Total != want {
		t.Fatalf("expected discounted total %d, got %d", want, quote.Total)
	}

	marked := base
	marked.CustomerRateAdjust = 300
	quote, err = calc.Calculate(context.Background(), marked)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if want := plain.Total + 300*4; quote.Total != want {
		t.Fatalf("expected marked-up total %d, got %d", want, quote.Total)
	}
}

func TestCalculateRecomputationIsDeterministic(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		PropertyType:    domain.PropertyHouse,
		Bedrooms:        3,
		Bathrooms:       2,
		Toilets:         1,
		AdditionalRooms: 1,
		ServiceType:     domain.ServiceEndOfTenancy,
		AlreadyCleaned:  false,
		OvenType:        domain.OvenDouble,
		Supplies:        domain.SuppliesProvided,
		Equipment:       domain.EquipmentProvided,
		LinenMode:       domain.LinenHire,
		LinenSelections: []domain.LinenSelection{{ProductID: "double_set", Quantity: 10}},
		ScheduledDate:   time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC),
		ScheduledTime:   "10:00",
	}

	first, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	second, err := calc.Calculate(context.Background(), input)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if first.Total != second.Total || first.BillableHours != second.BillableHours || len(first.LineItems) != len(second.LineItems) {
		t.Fatalf("recomputation diverged: %#v vs %#v", first, second)
	}
}

func TestMinimumLinenOrderGate(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	input := domain.QuoteInput{
		LinenMode:       domain.LinenHire,
		LinenSelections: []domain.LinenSelection{{ProductID: "towel_pack", Quantity: 2}},
	}
	if calc.MinimumLinenOrderMet(input) {
		t.Fatalf("expected minimum order gate to block a 1600 order")
	}

	input.LinenSelections = []domain.LinenSelection{{ProductID: "king_set", Quantity: 10}}
	if !calc.MinimumLinenOrderMet(input) {
		t.Fatalf("expected an 18000 order to pass the gate")
	}

	// The gate never blocks when linen hire is not selected.
	if !calc.MinimumLinenOrderMet(domain.QuoteInput{LinenMode: domain.LinenNone}) {
		t.Fatalf("gate applied without linen hire")
	}
}

func TestCalculateRejectsNegativeCounts(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	calc := testCalculator(t, now)

	_, err := calc.Calculate(context.Background(), domain.QuoteInput{Bedrooms: -1})
	if err == nil {
		t.Fatalf("expected invalid input error")
	}
}
