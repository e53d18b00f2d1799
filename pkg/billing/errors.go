package billing

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentDeclined          = errors.New("payment declined")
	ErrPaymentIndeterminate     = errors.New("payment outcome unknown")
	ErrLedgerWrite              = errors.New("ledger write failed")
	ErrLockHeld                 = errors.New("lock held by another worker")
	ErrAccountNotFound          = errors.New("account not found")
	ErrAccountOnHold            = errors.New("account is on hold")
	ErrRecordNotFound           = errors.New("billing record not found")
	ErrRecordImmutable          = errors.New("billing record is already paid")
	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrActiveSubscriptionExists = errors.New("user already has an active or trial subscription")
)

// ChargeError describes a failed charge attempt
type ChargeError struct {
	Reason   string
	Declined bool
	Err      error
}

func (e *ChargeError) Error() string {
	kind := "indeterminate"
	if e.Declined {
		kind = "declined"
	}
	if e.Err != nil {
		return fmt.Sprintf("charge %s (%s): %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("charge %s (%s)", kind, e.Reason)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause
func (e *ChargeError) Unwrap() []error {
	sentinel := ErrPaymentIndeterminate
	if e.Declined {
		sentinel = ErrPaymentDeclined
	}
	if e.Err != nil {
		return []error{sentinel, e.Err}
	}
	return []error{sentinel}
}

// Indeterminate wraps err as an unknown-outcome payment error
func Indeterminate(reason string, err error) error {
	return &ChargeError{Reason: reason, Err: err}
}
