// Package pricing resolves per-property subscription prices and prorated charges.
//
// # Overview
//
// Hosts are billed a flat monthly rate per managed property. The rate depends on the
// band (tier) the account's total property count falls into; every property is billed
// at the matched band's rate, there is no graduated pricing across bands.
//
// # Tier Tables
//
// FiveTier (canonical, 1..150 properties):
//   - 1 property:      $50/property
//   - 2-5 properties:  $40/property
//   - 6-20:            $35/property
//   - 21-50:           $30/property
//   - 51-150:          $25/property
//
// SevenTier is an alternate table kept for comparison; it caps at 100 properties.
// Above the highest band the account needs custom pricing and ErrNoTierFound is returned.
//
// # Proration
//
// A property added mid-month is charged for the days left in the calendar month:
//
//	p, err := calc.Prorate(3, addDate)
//	fmt.Printf("%s for %d days\n", p.ProratedAmount.StringFixed(2), p.RemainingDays)
//
// The daily rate always divides the base price by 31, whatever the month length.
//
// # Related Packages
//
//   - pkg/billing: monthly billing cycle and invoicing
package pricing
