package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/grichardomi/nexusmeme-sub003/pkg/exchanges/common"
)

// transientMarkers are substrings of error text that indicate the venue
// or network may recover on its own.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"temporary failure",
	"service unavailable",
	"too many requests",
	"eof",
}

// terminalMarkers indicate client-side rejections that a retry with the
// same request cannot fix.
var terminalMarkers = []string{
	"bad request",
	"unauthorized",
	"forbidden",
	"invalid api key",
	"insufficient balance",
	"invalid quantity",
	"invalid price",
}

// DefaultClassifier decides whether an error is worth retrying.
//
// Venue rejections carry their own classification: rate limiting, 5xx
// and clock skew are transient, every other coded rejection (balance,
// filters, unknown order) is terminal. Network timeouts and transient
// transport errors retry. Unknown errors retry; the caller's budget
// bounds the damage when they turn out to be permanent.
func DefaultClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if apiErr, ok := common.AsAPIError(err); ok {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, marker := range terminalMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}
