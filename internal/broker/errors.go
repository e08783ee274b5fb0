package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

var (
	// ErrOutsideTradingHours is returned when the broker accepts the order
	// structure but refuses it because the market is closed.
	ErrOutsideTradingHours = errors.New("order rejected outside trading hours")
	// ErrUnauthorized is returned when broker credentials are no longer valid.
	ErrUnauthorized = errors.New("broker authorization lost")
	// ErrOrderNotFound is returned when an order is missing from the account history.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderRejected marks an ordinary order-level rejection (price, size, buying power).
	ErrOrderRejected = errors.New("order rejected")
)

var tradingHoursPatterns = []string{
	"market is closed",
	"market closed",
	"outside of market hours",
	"outside market hours",
	"outside regular trading hours",
	"not available during",
	"trading session",
	"extended hours",
}

// IsTradingHoursRestriction reports whether err is a placement refused only
// because of the session.
func IsTradingHoursRestriction(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOutsideTradingHours) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return containsAny(strings.ToLower(apiErr.Body), tradingHoursPatterns)
	}
	return false
}

// IsFatal reports errors after which broker state cannot be trusted:
// authorization loss, an open circuit, or a cancelled caller context.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
	}
	return false
}

// IsOrderRejection reports an ordinary rejection the fill loop can move past.
func IsOrderRejection(err error) bool {
	if err == nil || IsFatal(err) || IsTradingHoursRestriction(err) {
		return false
	}
	if errors.Is(err, ErrOrderRejected) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnprocessableEntity
	}
	return false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
