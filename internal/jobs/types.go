// Package jobs implements the persistent job queue: enqueue, polling,
// claiming, a bounded worker pool, and the retry-vs-fail decision.
package jobs

import (
	"context"
	"errors"

	"github.com/grichardomi/nexusmeme-sub003/pkg/db"
)

// Job types dispatched by the manager. Producers use these constants;
// handlers are registered under them in main.
const (
	TypeExecuteTrade       = "execute_trade"
	TypePyramidAddOrder    = "pyramid_add_order"
	TypeSuspendBot         = "suspend_bot"
	TypeResumeBot          = "resume_bot"
	TypeValidateConnection = "validate_connection"
	TypeSendEmail          = "send_email"
	TypeSyncMarketData     = "sync_market_data"
	TypeSyncMarketRegime   = "sync_market_regime"
)

// Result carries a handler's success payload; Data is stored on the
// job row for status lookups.
type Result struct {
	Data map[string]any `json:"data,omitempty"`
}

// HandlerFunc processes one claimed job. A nil error marks the job
// completed. An error consumes retry budget unless wrapped Terminal.
type HandlerFunc func(ctx context.Context, job *db.Job) (*Result, error)

// terminalError marks failures where retrying cannot help (validation,
// authorization, balance rejection). The manager fails these
// immediately regardless of remaining budget.
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps err so the manager fails the job without retrying.
// A nil err returns nil.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries a Terminal marker anywhere in
// its chain.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}
