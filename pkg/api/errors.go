package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/rentbill/pkg/billing"
	"github.com/platinummonkey/rentbill/pkg/httputil"
	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/pricing"
)

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, pricing.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, pricing.ErrNoTierFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrAccountNotFound),
		errors.Is(err, billing.ErrRecordNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrActiveSubscriptionExists),
		errors.Is(err, billing.ErrRecordImmutable),
		errors.Is(err, billing.ErrAccountOnHold),
		errors.Is(err, billing.ErrLockHeld):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status. Internal errors are logged
// and replaced by a generic message.
func writeServiceError(w http.ResponseWriter, logger *observability.Logger, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusUnprocessableEntity:
		httputil.WriteErrorResponse(w, status, httputil.ErrorResponse{
			Error:   err.Error(),
			Message: pricing.ContactSalesMessage,
		})
	case http.StatusInternalServerError:
		logger.WithError(err).Error("Request failed")
		httputil.WriteErrorMessage(w, status, "internal server error")
	default:
		httputil.WriteError(w, status, err)
	}
}

// parseAddDate accepts an RFC 3339 timestamp or a calendar date. A bare date is
// taken as the end of that day in UTC, so the add day itself is not billed.
func parseAddDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: addDate is required", pricing.ErrInvalidInput)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: addDate must be YYYY-MM-DD or RFC 3339", pricing.ErrInvalidInput)
	}
	return d.Add(24*time.Hour - time.Second), nil
}

func requireCount(count *int) (int, error) {
	if count == nil {
		return 0, fmt.Errorf("%w: propertyCount is required", pricing.ErrInvalidInput)
	}
	return *count, nil
}
