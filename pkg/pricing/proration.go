package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProrationDivisor is the fixed number of days a month is assumed to have when
// computing the daily rate. February and 30-day months are still divided by 31.
const ProrationDivisor = 31

const day = 24 * time.Hour

// Proration is the charge for a property added part way through a billing cycle
type Proration struct {
	Tier            PricingTier     `json:"tier"`
	ProratedAmount  decimal.Decimal `json:"proratedAmount"`
	RemainingDays   int             `json:"remainingDays"`
	BillingCycleEnd time.Time       `json:"billingCycleEnd"`
	DailyRate       decimal.Decimal `json:"dailyRate"`
}

// CycleEnd returns 23:59:59 on the last day of t's calendar month, in t's location
func CycleEnd(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 0, 23, 59, 59, 0, t.Location())
}

// CycleStart returns midnight on the first day of t's calendar month
func CycleStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

// RemainingDays counts whole days, rounded up, from t to the end of its billing cycle
func RemainingDays(t time.Time) int {
	left := CycleEnd(t).Sub(t)
	if left <= 0 {
		return 0
	}
	return int((left + day - 1) / day)
}

// Prorate computes the partial-month charge for propertyCount properties added at addDate.
// The amount is derived from the unrounded daily rate and rounded half-up to cents;
// DailyRate itself is reported rounded to cents.
func (c *Calculator) Prorate(propertyCount int, addDate time.Time) (Proration, error) {
	t, err := c.TierFor(propertyCount)
	if err != nil {
		return Proration{}, err
	}

	remaining := RemainingDays(addDate)
	divisor := decimal.NewFromInt(ProrationDivisor)

	amount := t.BasePrice.
		Mul(decimal.NewFromInt(int64(remaining))).
		Div(divisor).
		Round(2)

	return Proration{
		Tier:            t,
		ProratedAmount:  amount,
		RemainingDays:   remaining,
		BillingCycleEnd: CycleEnd(addDate),
		DailyRate:       t.BasePrice.Div(divisor).Round(2),
	}, nil
}

// ActualDaysDailyRate is the daily rate using the real length of addDate's month.
// Prorate does not use it; it exists so callers and tests can see how far the fixed
// 31-day divisor drifts from it.
func ActualDaysDailyRate(basePrice decimal.Decimal, addDate time.Time) decimal.Decimal {
	days := CycleEnd(addDate).Day()
	return basePrice.Div(decimal.NewFromInt(int64(days)))
}
