package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fundflow/internal/market"
)

// Stale reason categories exposed to snapshot consumers.
const (
	CategoryRateLimited = "rate_limited"
	CategoryTransient   = "transient"
	CategoryMalformed   = "malformed"
	CategoryFatal       = "fatal"
	CategoryCanceled    = "canceled"
)

// maxPayloadExcerpt bounds the payload kept on a MalformedResponseError.
const maxPayloadExcerpt = 512

// TransientFetchError is a network, server or rate-limit failure that is
// expected to clear on retry.
type TransientFetchError struct {
	Op          string
	Instrument  market.Instrument
	StatusCode  int
	RateLimited bool
	// RetryAfter is the server's back-off hint, zero when none was given.
	RetryAfter time.Duration
	Err        error
}

func (e *TransientFetchError) Error() string {
	msg := fmt.Sprintf("%s %s: transient", e.Op, e.Instrument)
	if e.RateLimited {
		msg = fmt.Sprintf("%s %s: rate limited (too many requests)", e.Op, e.Instrument)
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s, status %d", msg, e.StatusCode)
	}
	if e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// RetryAfterHint lets the retry policy honor server back-off.
func (e *TransientFetchError) RetryAfterHint() time.Duration { return e.RetryAfter }

// MalformedResponseError is a payload that did not match the expected
// shape. It is retried like a transient failure.
type MalformedResponseError struct {
	Op         string
	Instrument market.Instrument
	Payload    string
	Err        error
}

// NewMalformed builds a MalformedResponseError keeping a bounded excerpt of
// payload for diagnosis.
func NewMalformed(op string, inst market.Instrument, payload []byte, err error) *MalformedResponseError {
	excerpt := Truncate(string(payload), maxPayloadExcerpt)
	return &MalformedResponseError{Op: op, Instrument: inst, Payload: excerpt, Err: err}
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("%s %s: malformed response: %v", e.Op, e.Instrument, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// FatalAPIError is a rejection that retrying cannot fix, such as bad
// credentials or an unknown symbol. Polling is suspended until the poller
// is reconfigured.
type FatalAPIError struct {
	Op         string
	Instrument market.Instrument
	Code       int64
	Err        error
}

func (e *FatalAPIError) Error() string {
	return fmt.Sprintf("%s %s: fatal api error (code %d): %v", e.Op, e.Instrument, e.Code, e.Err)
}

func (e *FatalAPIError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried by the retry policy.
// Fatal errors and context cancellation are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalAPIError
	if errors.As(err, &fatal) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// IsFatal reports whether err carries a FatalAPIError.
func IsFatal(err error) bool {
	var fatal *FatalAPIError
	return errors.As(err, &fatal)
}

// Category maps err to the stale reason shown to consumers.
func Category(err error) string {
	var (
		fatal     *FatalAPIError
		malformed *MalformedResponseError
		transient *TransientFetchError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fatal):
		return CategoryFatal
	case errors.Is(err, context.Canceled):
		return CategoryCanceled
	case errors.As(err, &malformed):
		return CategoryMalformed
	case errors.As(err, &transient) && transient.RateLimited:
		return CategoryRateLimited
	default:
		return CategoryTransient
	}
}

// AsTransient wraps err as a TransientFetchError unless it already carries
// one of the taxonomy types.
func AsTransient(op string, inst market.Instrument, err error) error {
	if err == nil {
		return nil
	}
	var (
		fatal     *FatalAPIError
		malformed *MalformedResponseError
		transient *TransientFetchError
	)
	if errors.As(err, &fatal) || errors.As(err, &malformed) {
		return err
	}
	if errors.As(err, &transient) {
		cp := *transient
		cp.Op, cp.Instrument = op, inst
		return &cp
	}
	return &TransientFetchError{Op: op, Instrument: inst, Err: err}
}
