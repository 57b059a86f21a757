package kucoin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	"github.com/shopspring/decimal"

	"fundflow/config"
	"fundflow/internal/exchange"
)

var observedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	poller := config.PollerConfig{
		Timeout:   2 * time.Second,
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 100},
	}
	cfg := config.KucoinSourceConfig{
		URL: srv.URL,
		ConnectionPool: config.ConnectionPoolConfig{
			MaxIdleConns:    2,
			MaxConnsPerHost: 2,
			IdleConnTimeout: time.Second,
		},
	}
	return New(cfg, poller, nil)
}

func TestFetchContract(t *testing.T) {
	var path string
	src := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"code":"200000","data":{"symbol":"XBTUSDTM","multiplier":0.001,"markPrice":65000.5,"indexPrice":65001.5,"fundingFeeRate":0.0001,"nextFundingRateTime":3600000,"openInterest":"8500000"}}`)
	})

	obs, err := src.Fetch(context.Background(), "BTCUSDT", observedAt)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasSuffix(path, "/contracts/XBTUSDTM") {
		t.Fatalf("expected the KuCoin contract symbol in %s", path)
	}
	f := obs.Funding
	if !f.OpenInterest.Equal(decimal.NewFromInt(8500)) {
		t.Errorf("open interest must be in base units, got %s", f.OpenInterest)
	}
	if !f.Rate.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("unexpected rate %s", f.Rate)
	}
	if !f.Premium().Equal(decimal.NewFromInt(-1)) {
		t.Errorf("unexpected premium %s", f.Premium())
	}
	if !f.NextFundingTime.Equal(observedAt.Add(time.Hour)) {
		t.Errorf("unexpected next funding %s", f.NextFundingTime)
	}
	if !obs.Position.Size.IsZero() || !obs.Position.MarkPrice.Equal(f.MarkPrice) {
		t.Errorf("expected a flat position at the mark price, got %+v", obs.Position)
	}
	if obs.Funding.Instrument != "BTCUSDT" {
		t.Errorf("unexpected instrument %s", obs.Funding.Instrument)
	}
}

type fakeMarket struct {
	resp *futuresmarket.GetSymbolResp
	err  error
}

func (f *fakeMarket) GetSymbol(req *futuresmarket.GetSymbolReq, ctx context.Context) (*futuresmarket.GetSymbolResp, error) {
	return f.resp, f.err
}

func TestFetchClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"invalid key", errors.New(`server return error, code: 400003, msg: KC-API-KEY not exists`), exchange.CategoryFatal},
		{"unknown contract", errors.New(`server return error, code: 100001, msg: contract does not exist`), exchange.CategoryFatal},
		{"rate limit code", errors.New(`server return error, code: 429000, msg: busy`), exchange.CategoryRateLimited},
		{"rate limit text", errors.New(`status 429: Too Many Requests`), exchange.CategoryRateLimited},
		{"network", errors.New("connection reset by peer"), exchange.CategoryTransient},
		{"canceled", context.Canceled, exchange.CategoryCanceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &Source{market: &fakeMarket{err: tt.err}, limiter: exchange.NewLimiter(config.RateLimitConfig{}), log: nil}
			_, err := src.Fetch(context.Background(), "ETHUSDT", observedAt)
			if got := exchange.Category(err); got != tt.want {
				t.Fatalf("category = %s, want %s (%v)", got, tt.want, err)
			}
		})
	}
}

func TestFetchEmptyResponseIsMalformed(t *testing.T) {
	src := &Source{market: &fakeMarket{}, limiter: exchange.NewLimiter(config.RateLimitConfig{})}
	if _, err := src.Fetch(context.Background(), "ETHUSDT", observedAt); exchange.Category(err) != exchange.CategoryMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestErrorCode(t *testing.T) {
	if got := errorCode(`code: 400005, msg: signature`); got != 400005 {
		t.Fatalf("errorCode = %d", got)
	}
	if got := errorCode(`{"code":"429000"}`); got != 429000 {
		t.Fatalf("errorCode = %d", got)
	}
	if got := errorCode("no code here"); got != 0 {
		t.Fatalf("errorCode = %d", got)
	}
}
