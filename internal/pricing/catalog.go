package pricing

import (
	"errors"
	"sort"

	domain "github.com/freshnest/api/internal/domain"
)

// ShortNoticeTier is one configurable short-notice fee band. MaxHours is the
// inclusive upper bound of hours-until-service the tier applies to.
type ShortNoticeTier struct {
	MaxHours float64
	Amount   int64
	Label    string
}

// Catalog is the read-only pricing configuration consumed by the resolver and
// calculator. Amounts are integer pence; hours are fractional.
type Catalog struct {
	PropertyBaseHours   map[domain.PropertyType]float64
	BedroomHours        float64
	BathroomHours       float64
	ToiletHours         float64
	AdditionalRoomHours float64

	OvenHours map[domain.OvenType]float64
	OvenFees  map[domain.OvenType]int64

	LinenPrices        map[string]int64
	LinenHandlingHours float64
	LinenMinimumOrder  int64

	ShortNoticeTiers []ShortNoticeTier

	EquipmentFee       int64
	SuppliesRateAdjust int64

	BaseHourlyRate       int64
	ServiceRateAdjust    map[domain.ServiceType]int64
	NotCleanedRateAdjust int64

	DeepMultiplier float64
	MinimumHours   float64

	FlexibleScheduleDiscount int64
	WeekendSurcharge         int64
}

// DefaultCatalog returns the standard tariff.
func DefaultCatalog() Catalog {
	return Catalog{
		PropertyBaseHours: map[domain.PropertyType]float64{
			domain.PropertyFlat:  2.0,
			domain.PropertyHouse: 3.0,
			domain.PropertyOther: 2.5,
		},
		BedroomHours:        0.5,
		BathroomHours:       0.5,
		ToiletHours:         0.25,
		AdditionalRoomHours: 0.5,
		OvenHours: map[domain.OvenType]float64{
			domain.OvenSingle: 1.0,
			domain.OvenDouble: 1.5,
			domain.OvenRange:  2.0,
		},
		OvenFees: map[domain.OvenType]int64{
			domain.OvenSingle: 1500,
			domain.OvenDouble: 2000,
			domain.OvenRange:  3000,
		},
		LinenPrices: map[string]int64{
			"single_set": 1200,
			"double_set": 1500,
			"king_set":   1800,
			"towel_pack": 800,
		},
		LinenHandlingHours: 0.25,
		LinenMinimumOrder:  15000,
		ShortNoticeTiers: []ShortNoticeTier{
			{MaxHours: 12, Amount: 3000, Label: "Short notice fee (within 12 hours)"},
			{MaxHours: 24, Amount: 2000, Label: "Short notice fee (within 24 hours)"},
			{MaxHours: 48, Amount: 1000, Label: "Short notice fee (within 48 hours)"},
		},
		EquipmentFee:       1000,
		SuppliesRateAdjust: 200,
		BaseHourlyRate:     2500,
		ServiceRateAdjust: map[domain.ServiceType]int64{
			domain.ServiceDeep:         300,
			domain.ServiceEndOfTenancy: 400,
		},
		NotCleanedRateAdjust: 200,
		DeepMultiplier:       1.3,
		MinimumHours:         2.0,

		FlexibleScheduleDiscount: 500,
		WeekendSurcharge:         1000,
	}
}

// Validate checks the invariants the calculator relies on.
func (c Catalog) Validate() error {
	if len(c.PropertyBaseHours) == 0 {
		return errors.New("pricing catalog: property base hours are required")
	}
	if c.BaseHourlyRate <= 0 {
		return errors.New("pricing catalog: base hourly rate must be positive")
	}
	if c.DeepMultiplier < 1 {
		return errors.New("pricing catalog: deep multiplier cannot be below 1")
	}
	if c.MinimumHours <= 0 {
		return errors.New("pricing catalog: minimum hours must be positive")
	}
	for _, tier := range c.ShortNoticeTiers {
		if tier.MaxHours <= 0 || tier.Amount < 0 {
			return errors.New("pricing catalog: invalid short notice tier")
		}
	}
	return nil
}

// sortedTiers returns the short-notice tiers ordered by ascending strictness
// so narrower bands are evaluated first.
func (c Catalog) sortedTiers() []ShortNoticeTier {
	tiers := make([]ShortNoticeTier, len(c.ShortNoticeTiers))
	copy(tiers, c.ShortNoticeTiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MaxHours < tiers[j].MaxHours
	})
	return tiers
}
