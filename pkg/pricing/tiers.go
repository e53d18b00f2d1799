package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// PricingTier is a contiguous band of property counts sharing one per-property price
type PricingTier struct {
	Min       int             `json:"min" yaml:"min"`
	Max       int             `json:"max" yaml:"max"`
	BasePrice decimal.Decimal `json:"basePrice" yaml:"-"`
}

// Contains reports whether count falls inside the band
func (t PricingTier) Contains(count int) bool {
	return t.Min <= count && count <= t.Max
}

// TierTable is an ordered, immutable set of pricing bands
type TierTable struct {
	Version string        `json:"version"`
	Tiers   []PricingTier `json:"tiers"`
}

func tier(min, max int, basePrice int64) PricingTier {
	return PricingTier{Min: min, Max: max, BasePrice: decimal.NewFromInt(basePrice)}
}

// FiveTier returns the canonical five-band table
func FiveTier() TierTable {
	return TierTable{
		Version: "5-tier/2024-01",
		Tiers: []PricingTier{
			tier(1, 1, 50),
			tier(2, 5, 40),
			tier(6, 20, 35),
			tier(21, 50, 30),
			tier(51, 150, 25),
		},
	}
}

// SevenTier returns the alternate seven-band table. It is not authoritative and is kept
// so the two price lists can be compared until the owner picks one.
func SevenTier() TierTable {
	return TierTable{
		Version: "7-tier/2024-01",
		Tiers: []PricingTier{
			tier(1, 1, 55),
			tier(2, 5, 45),
			tier(6, 10, 40),
			tier(11, 20, 35),
			tier(21, 40, 30),
			tier(41, 70, 27),
			tier(71, 100, 25),
		},
	}
}

// Validate checks the table is non-empty, starts at 1, and has contiguous ascending bands
func (t TierTable) Validate() error {
	if len(t.Tiers) == 0 {
		return fmt.Errorf("tier table %q has no tiers", t.Version)
	}
	if t.Tiers[0].Min != 1 {
		return fmt.Errorf("tier table %q must start at 1 property, starts at %d", t.Version, t.Tiers[0].Min)
	}
	for i, band := range t.Tiers {
		if band.Min > band.Max {
			return fmt.Errorf("tier %d: min %d is greater than max %d", i, band.Min, band.Max)
		}
		if !band.BasePrice.IsPositive() {
			return fmt.Errorf("tier %d: base price must be positive, got %s", i, band.BasePrice)
		}
		if i > 0 && band.Min != t.Tiers[i-1].Max+1 {
			return fmt.Errorf("tier %d: min %d does not follow previous max %d", i, band.Min, t.Tiers[i-1].Max)
		}
	}
	return nil
}

// MaxProperties returns the highest property count the table can price
func (t TierTable) MaxProperties() int {
	if len(t.Tiers) == 0 {
		return 0
	}
	return t.Tiers[len(t.Tiers)-1].Max
}

// tierFile is the on-disk YAML layout of a tier table
type tierFile struct {
	Version string `yaml:"version"`
	Tiers   []struct {
		Min       int    `yaml:"min"`
		Max       int    `yaml:"max"`
		BasePrice string `yaml:"base_price"`
	} `yaml:"tiers"`
}

// ParseTierTable decodes and validates a YAML tier table
func ParseTierTable(data []byte) (TierTable, error) {
	var raw tierFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return TierTable{}, fmt.Errorf("failed to parse tier table: %w", err)
	}
	if raw.Version == "" {
		return TierTable{}, fmt.Errorf("tier table version is required")
	}

	table := TierTable{Version: raw.Version, Tiers: make([]PricingTier, 0, len(raw.Tiers))}
	for i, t := range raw.Tiers {
		price, err := decimal.NewFromString(t.BasePrice)
		if err != nil {
			return TierTable{}, fmt.Errorf("tier %d: invalid base price %q: %w", i, t.BasePrice, err)
		}
		table.Tiers = append(table.Tiers, PricingTier{Min: t.Min, Max: t.Max, BasePrice: price})
	}

	if err := table.Validate(); err != nil {
		return TierTable{}, err
	}
	return table, nil
}

// LoadTierTable reads a tier table from a YAML file
func LoadTierTable(path string) (TierTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TierTable{}, fmt.Errorf("failed to read tier table: %w", err)
	}
	return ParseTierTable(data)
}
