package exchange

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fundflow/config"
	binancemetrics "fundflow/internal/metrics/binance"
	"fundflow/internal/metrics/rate"
	"fundflow/logger"
)

const (
	userAgent = "fundflow/1.0"
	// statusIPBanned is Binance's "I'm a teapot" reply to a banned IP.
	statusIPBanned = 418
	maxErrorBody   = 4096
)

// limited reports whether status is the exchange's rate-limit or IP-ban reply.
// Bybit answers an IP over its limit with 403 "access too frequent".
func (t *limitTransport) limited(status int) (limited, banned bool) {
	switch {
	case status == http.StatusTooManyRequests:
		return true, false
	case status == statusIPBanned:
		return true, true
	case status == http.StatusForbidden && t.exchange == config.ExchangeBybit:
		return true, true
	}
	return false, false
}

// NewHTTPClient returns a client whose transport applies the connection pool
// settings, tags requests with a User-Agent, reports rate-limit headers and turns
// HTTP 429/418 replies into TransientFetchError values.
func NewHTTPClient(exchange string, pool config.ConnectionPoolConfig, timeout time.Duration, log *logger.Log) *http.Client {
	base := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxConnsPerHost,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: NewTransport(exchange, base, log),
	}
}

// NewTransport wraps base with exchange-aware rate-limit handling.
func NewTransport(exchange string, base http.RoundTripper, log *logger.Log) http.RoundTripper {
	if log == nil {
		log = logger.GetLogger()
	}
	return &limitTransport{
		exchange: strings.ToLower(exchange),
		agent:    userAgent,
		base:     base,
		log:      log,
		now:      time.Now,
	}
}

type limitTransport struct {
	exchange string
	agent    string
	base     http.RoundTripper
	log      *logger.Log
	now      func() time.Time
}

// RoundTrip implements http.RoundTripper.
func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req.Header.Set("User-Agent", t.agent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	instrument := requestInstrument(req)
	switch t.exchange {
	case config.ExchangeBinance:
		binancemetrics.ReportUsedWeight(t.log, resp, "transport", instrument)
	case config.ExchangeBybit:
		rate.ReportBybitUsage(t.log, resp.Header, instrument)
	}

	limited, banned := t.limited(resp.StatusCode)
	if !limited {
		if capture := captureFrom(req.Context()); capture != nil && resp.Body != nil {
			resp.Body = &teeBody{ReadCloser: resp.Body, capture: capture}
		}
		return resp, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()

	op := requestOp(req)
	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"), t.now())
	if banned {
		if d, ok := rate.BanUntil(string(body), t.now()); ok && d > retryAfter {
			retryAfter = d
		}
		rate.ReportIPBan(t.log, t.exchange, instrument, op)
	} else {
		rate.ReportRateLimitExceeded(t.log, t.exchange, instrument, op)
	}

	return nil, &TransientFetchError{
		Op:          op,
		StatusCode:  resp.StatusCode,
		RateLimited: true,
		RetryAfter:  retryAfter,
		Err:         fmt.Errorf("http %d: %s", resp.StatusCode, bodyExcerpt(body)),
	}
}

func bodyExcerpt(body []byte) string {
	return Truncate(strings.TrimSpace(string(body)), 200)
}

// parseRetryAfter accepts both forms of the Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func requestInstrument(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return req.URL.Query().Get("symbol")
}

// requestOp is the last path segment, e.g. premiumIndex or tickers.
func requestOp(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	path := strings.TrimSuffix(req.URL.Path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
