package poller

import (
	"errors"
	"fmt"
)

// ConfigError reports an invalid poller setup. It is returned directly to
// the caller and never retried.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("invalid poller config: %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrSuspended is returned by PollOnce after a fatal API error until the
// poller is configured again.
var ErrSuspended = errors.New("poller suspended after fatal api error")

func errNotConfigured() error {
	return &ConfigError{Field: "instruments", Reason: "poller has not been configured"}
}
