package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// IntervalMonthly is the only billing interval
const IntervalMonthly = "MONTHLY"

// Quote is the monthly price for a property count
type Quote struct {
	Tier             PricingTier     `json:"tier"`
	PropertyCount    int             `json:"propertyCount"`
	PricePerProperty decimal.Decimal `json:"pricePerProperty"`
	TotalPrice       decimal.Decimal `json:"totalPrice"`
	Interval         string          `json:"interval"`
}

// Calculator prices property counts against a tier table. It holds no mutable
// state and is safe for concurrent use.
type Calculator struct {
	table TierTable
}

// NewCalculator validates the table and returns a calculator for it
func NewCalculator(table TierTable) (*Calculator, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tier table: %w", err)
	}

	// Copy so later edits by the caller can't change prices
	tiers := make([]PricingTier, len(table.Tiers))
	copy(tiers, table.Tiers)

	return &Calculator{table: TierTable{Version: table.Version, Tiers: tiers}}, nil
}

// DefaultCalculator returns a calculator over the canonical FiveTier table
func DefaultCalculator() *Calculator {
	calc, err := NewCalculator(FiveTier())
	if err != nil {
		panic(err)
	}
	return calc
}

// Table returns a copy of the tier table in use
func (c *Calculator) Table() TierTable {
	tiers := make([]PricingTier, len(c.table.Tiers))
	copy(tiers, c.table.Tiers)
	return TierTable{Version: c.table.Version, Tiers: tiers}
}

// TierFor finds the band containing propertyCount
func (c *Calculator) TierFor(propertyCount int) (PricingTier, error) {
	if propertyCount < 1 {
		return PricingTier{}, fmt.Errorf("%w: got %d", ErrInvalidPropertyCount, propertyCount)
	}

	for _, t := range c.table.Tiers {
		if t.Contains(propertyCount) {
			return t, nil
		}
	}

	return PricingTier{}, fmt.Errorf("%w for %d properties (maximum %d): %s",
		ErrNoTierFound, propertyCount, c.table.MaxProperties(), ContactSalesMessage)
}

// PriceFor returns the monthly price for propertyCount. Every property is billed at
// the matched tier's base price.
func (c *Calculator) PriceFor(propertyCount int) (Quote, error) {
	t, err := c.TierFor(propertyCount)
	if err != nil {
		return Quote{}, err
	}

	return Quote{
		Tier:             t,
		PropertyCount:    propertyCount,
		PricePerProperty: t.BasePrice,
		TotalPrice:       t.BasePrice.Mul(decimal.NewFromInt(int64(propertyCount))),
		Interval:         IntervalMonthly,
	}, nil
}
