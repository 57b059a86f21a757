package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestCategory(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"fatal", &FatalAPIError{Op: "premiumIndex", Code: -2015, Err: errors.New("invalid key")}, CategoryFatal},
		{"wrapped fatal", fmt.Errorf("fetch: %w", &FatalAPIError{Code: -1121}), CategoryFatal},
		{"canceled", context.Canceled, CategoryCanceled},
		{"malformed", NewMalformed("premiumIndex", "BTCUSDT", []byte("{"), errors.New("eof")), CategoryMalformed},
		{"rate limited", &TransientFetchError{RateLimited: true}, CategoryRateLimited},
		{"transient", &TransientFetchError{StatusCode: 502}, CategoryTransient},
		{"unknown", errors.New("connection reset"), CategoryTransient},
		{"deadline", context.DeadlineExceeded, CategoryTransient},
	}
	for _, c := range cases {
		if got := Category(c.err); got != c.want {
			t.Errorf("%s: Category = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil is not retryable")
	}
	if IsRetryable(&FatalAPIError{Code: -2014}) {
		t.Fatal("fatal errors must not be retried")
	}
	if IsRetryable(fmt.Errorf("wrapped: %w", context.Canceled)) {
		t.Fatal("cancellation must not be retried")
	}
	if !IsRetryable(NewMalformed("op", "BTCUSDT", nil, errors.New("bad"))) {
		t.Fatal("malformed responses are retried")
	}
	if !IsRetryable(&TransientFetchError{RateLimited: true}) {
		t.Fatal("rate limits are retried")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("x: %w", &FatalAPIError{})) {
		t.Fatal("expected wrapped fatal to be detected")
	}
	if IsFatal(&TransientFetchError{}) {
		t.Fatal("transient is not fatal")
	}
}

func TestNewMalformedTruncatesPayload(t *testing.T) {
	payload := []byte(strings.Repeat("x", maxPayloadExcerpt+100))
	err := NewMalformed("tickers", "ETHUSDT", payload, errors.New("unexpected"))
	if len(err.Payload) != maxPayloadExcerpt+3 {
		t.Fatalf("unexpected excerpt length %d", len(err.Payload))
	}
	if !strings.Contains(err.Error(), "ETHUSDT") {
		t.Fatalf("error should name the instrument: %s", err)
	}

	wide := NewMalformed("tickers", "ETHUSDT", []byte(strings.Repeat("€", maxPayloadExcerpt)), errors.New("unexpected"))
	if !utf8.ValidString(wide.Payload) || len(wide.Payload) > maxPayloadExcerpt+3 {
		t.Fatalf("excerpt must end on a rune boundary, got %d bytes", len(wide.Payload))
	}
}

func TestTransientErrorMessage(t *testing.T) {
	err := &TransientFetchError{Op: "premiumIndex", Instrument: "BTCUSDT", StatusCode: 429, RateLimited: true, RetryAfter: 2 * time.Second}
	msg := err.Error()
	for _, want := range []string{"too many requests", "status 429", "retry after 2s"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if err.RetryAfterHint() != 2*time.Second {
		t.Fatalf("unexpected hint %s", err.RetryAfterHint())
	}
}

func TestAsTransient(t *testing.T) {
	base := errors.New("dial tcp: timeout")
	err := AsTransient("openInterest", "BTCUSDT", base)
	var transient *TransientFetchError
	if !errors.As(err, &transient) || transient.Op != "openInterest" || !errors.Is(err, base) {
		t.Fatalf("unexpected wrap: %#v", err)
	}

	fatal := &FatalAPIError{Code: -1121}
	if got := AsTransient("op", "X", fatal); got != fatal {
		t.Fatal("fatal errors must pass through")
	}

	inner := fmt.Errorf("get: %w", &TransientFetchError{Op: "", RateLimited: true, RetryAfter: time.Second})
	err = AsTransient("tickers", "ETHUSDT", inner)
	if !errors.As(err, &transient) || !transient.RateLimited || transient.Instrument != "ETHUSDT" || transient.Op != "tickers" {
		t.Fatalf("rate limit details lost: %#v", err)
	}

	if AsTransient("op", "X", nil) != nil {
		t.Fatal("nil stays nil")
	}
}
