package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundflow/config"
	"fundflow/internal/market"
)

// Observation is one normalized fetch result for one instrument. Both
// records carry the observedAt passed to Fetch.
type Observation struct {
	Position market.PositionRecord
	Funding  market.FundingRecord
}

// Source fetches and normalizes position and funding data from one exchange.
// Implementations must be safe for concurrent Fetch calls and must return
// errors from the taxonomy in errors.go.
type Source interface {
	Name() string
	Fetch(ctx context.Context, inst market.Instrument, observedAt time.Time) (Observation, error)
}

// Warmer is implemented by sources that can prepare themselves before the
// first poll, for example by reading the exchange's rate limits.
type Warmer interface {
	Warm(ctx context.Context) error
}

// Discoverer is implemented by sources that can list every instrument the
// exchange currently trades.
type Discoverer interface {
	Discover(ctx context.Context) ([]market.Instrument, error)
}

// FlowReader is implemented by sources that can read taker flow from the
// last kline of interval that closed before now.
type FlowReader interface {
	Flow(ctx context.Context, inst market.Instrument, interval string, now time.Time) (market.FlowRecord, error)
}

// HistoryReader is implemented by sources that can tell open interest and
// funding as they stood at a past time.
type HistoryReader interface {
	HistoryAt(ctx context.Context, inst market.Instrument, at time.Time) (market.BaselineRecord, error)
}

// NewLimiter builds the token bucket shared by all requests of one source.
func NewLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}

// Wait blocks on limiter. A wait that cannot finish before the deadline is
// reported as a rate-limited transient error rather than a bare context error.
func Wait(ctx context.Context, limiter *rate.Limiter, op string, inst market.Instrument) error {
	if limiter == nil {
		return nil
	}
	if err := limiter.Wait(ctx); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return &TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: err}
	}
	return nil
}

// ParseDecimal parses an exchange numeric string. Empty strings are zero when
// optional is set; anything else unparsable is a malformed response.
func ParseDecimal(op string, inst market.Instrument, field, raw string, optional bool) (decimal.Decimal, error) {
	if raw == "" {
		if optional {
			return decimal.Zero, nil
		}
		return decimal.Zero, NewMalformed(op, inst, nil, fmt.Errorf("missing field %s", field))
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, NewMalformed(op, inst, []byte(raw), fmt.Errorf("field %s: %w", field, err))
	}
	return d, nil
}

// MillisToTime converts an exchange millisecond timestamp, zero staying zero.
func MillisToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
