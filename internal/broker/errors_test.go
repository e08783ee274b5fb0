package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sony/gobreaker"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		tradingHours bool
		fatal        bool
		rejection    bool
	}{
		{name: "nil", err: nil},
		{name: "sentinel trading hours", err: fmt.Errorf("place: %w", ErrOutsideTradingHours), tradingHours: true},
		{name: "api market closed", err: &APIError{Status: 400, Body: "POST /orders -> Market is closed"}, tradingHours: true},
		{name: "api outside hours", err: &APIError{Status: 400, Body: "order is outside of market hours"}, tradingHours: true},
		{name: "unauthorized", err: &APIError{Status: 401, Body: "invalid token"}, fatal: true},
		{name: "forbidden", err: &APIError{Status: 403, Body: "no access"}, fatal: true},
		{name: "sentinel unauthorized", err: ErrUnauthorized, fatal: true},
		{name: "open circuit", err: gobreaker.ErrOpenState, fatal: true},
		{name: "cancelled", err: context.Canceled, fatal: true},
		{name: "bad request", err: &APIError{Status: 400, Body: "insufficient buying power"}, rejection: true},
		{name: "sentinel rejected", err: ErrOrderRejected, rejection: true},
		{name: "server error", err: &APIError{Status: 502, Body: "bad gateway"}},
		{name: "plain error", err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTradingHoursRestriction(tt.err); got != tt.tradingHours {
				t.Errorf("IsTradingHoursRestriction = %v, want %v", got, tt.tradingHours)
			}
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", got, tt.fatal)
			}
			if got := IsOrderRejection(tt.err); got != tt.rejection {
				t.Errorf("IsOrderRejection = %v, want %v", got, tt.rejection)
			}
		})
	}
}
