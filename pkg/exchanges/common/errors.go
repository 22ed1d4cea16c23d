package common

import (
	"errors"
	"fmt"
)

// Well-known venue rejection codes (Binance numbering, shared by both
// spot and testnet). These are business rejections: retrying them with
// the same request can never succeed.
const (
	CodeTooManyRequests     = -1003
	CodeFilterFailure       = -1013
	CodeTimestampSkew       = -1021
	CodeInsufficientBalance = -2010
	CodeUnknownOrder        = -2011
)

// APIError is a structured venue rejection carrying the HTTP status and
// the venue's own error code.
type APIError struct {
	HTTPStatus int
	Code       int
	Message    string
	Venue      string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error %d (http %d): %s", e.Venue, e.Code, e.HTTPStatus, e.Message)
}

// Temporary implements the classification hook used by retry logic.
// Rate limiting and server-side failures are worth retrying; every other
// coded rejection is terminal.
func (e *APIError) Temporary() bool {
	if e.Code == CodeTooManyRequests {
		return true
	}
	if e.HTTPStatus == 429 || e.HTTPStatus >= 500 {
		return true
	}
	// Timestamp skew heals after a clock resync.
	if e.Code == CodeTimestampSkew {
		return true
	}
	return false
}

// AsAPIError unwraps err to an APIError if one is in the chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsInsufficientBalance reports whether err is the venue's
// insufficient-balance rejection.
func IsInsufficientBalance(err error) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Code == CodeInsufficientBalance
}
