package common

import (
	"fmt"
	"testing"
)

func TestAPIErrorTemporary(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"insufficient balance", &APIError{HTTPStatus: 400, Code: CodeInsufficientBalance}, false},
		{"filter failure", &APIError{HTTPStatus: 400, Code: CodeFilterFailure}, false},
		{"unknown order", &APIError{HTTPStatus: 400, Code: CodeUnknownOrder}, false},
		{"rate limited by code", &APIError{HTTPStatus: 418, Code: CodeTooManyRequests}, true},
		{"rate limited by status", &APIError{HTTPStatus: 429, Code: -1100}, true},
		{"server error", &APIError{HTTPStatus: 503, Code: -1000}, true},
		{"timestamp skew", &APIError{HTTPStatus: 400, Code: CodeTimestampSkew}, true},
		{"generic bad request", &APIError{HTTPStatus: 400, Code: -1102}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Temporary(); got != tt.want {
				t.Errorf("Temporary() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAsAPIErrorUnwrapsChains(t *testing.T) {
	base := &APIError{HTTPStatus: 400, Code: CodeInsufficientBalance, Message: "Account has insufficient balance", Venue: "binance"}
	wrapped := fmt.Errorf("place order: %w", base)

	got, ok := AsAPIError(wrapped)
	if !ok {
		t.Fatal("expected APIError in chain")
	}
	if got.Code != CodeInsufficientBalance {
		t.Errorf("code = %d, want %d", got.Code, CodeInsufficientBalance)
	}
	if !IsInsufficientBalance(wrapped) {
		t.Error("IsInsufficientBalance should see through wrapping")
	}
	if IsInsufficientBalance(fmt.Errorf("plain failure")) {
		t.Error("IsInsufficientBalance misfired on a plain error")
	}
}
