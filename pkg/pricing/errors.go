package pricing

import (
	"errors"
	"fmt"
)

// ContactSalesMessage is shown to callers whose property count exceeds every tier
const ContactSalesMessage = "Please contact sales for custom pricing"

var (
	// ErrInvalidInput is returned for malformed pricing requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidPropertyCount is returned for zero or negative property counts
	ErrInvalidPropertyCount = fmt.Errorf("%w: property count must be at least 1", ErrInvalidInput)

	// ErrNoTierFound is returned when the count is above the highest configured tier
	ErrNoTierFound = errors.New("no pricing tier found")
)
