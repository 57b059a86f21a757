package binance

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/internal/exchange"
	"fundflow/internal/market"
)

func TestDiscoverFiltersTradableUSDTPerpetuals(t *testing.T) {
	api := &fakeAPI{exchangeInfo: func(w http.ResponseWriter) {
		fmt.Fprint(w, `{"timezone":"UTC","serverTime":1700000000000,"rateLimits":[],"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"BTC","quoteAsset":"USDT"},
			{"symbol":"1000PEPEUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"1000PEPE","quoteAsset":"USDT"},
			{"symbol":"USDCUSDT","status":"TRADING","contractType":"PERPETUAL","baseAsset":"USDC","quoteAsset":"USDT"},
			{"symbol":"ETHBUSD","status":"TRADING","contractType":"PERPETUAL","baseAsset":"ETH","quoteAsset":"BUSD"},
			{"symbol":"XRPUSDT","status":"SETTLING","contractType":"PERPETUAL","baseAsset":"XRP","quoteAsset":"USDT"},
			{"symbol":"BTCUSDT_250328","status":"TRADING","contractType":"CURRENT_QUARTER","baseAsset":"BTC","quoteAsset":"USDT"}
		]}`)
	}}
	src := newTestSource(t, api, false)

	got, err := src.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	want := []market.Instrument{"BTCUSDT", "PEPEUSDT"}
	if len(got) != len(want) {
		t.Fatalf("Discover = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Discover = %v, want %v", got, want)
		}
	}
}

func TestDiscoverEmptyListing(t *testing.T) {
	src := newTestSource(t, &fakeAPI{}, false)
	_, err := src.Discover(context.Background())
	if exchange.Category(err) != exchange.CategoryMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestFlowUsesLastCompletedKline(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	done := now.Add(-time.Hour)
	var interval, endTime string
	api := &fakeAPI{klines: func(w http.ResponseWriter, r *http.Request) {
		interval, endTime = r.URL.Query().Get("interval"), r.URL.Query().Get("endTime")
		fmt.Fprintf(w, `[
			[%d,"1","1","1","1","10",%d,"1000000.0",10,"5","600000.0","0"],
			[%d,"1","1","1","1","10",%d,"200.0",10,"5","50.0","0"]
		]`,
			done.Add(-4*time.Hour).UnixMilli(), done.UnixMilli()-1,
			done.UnixMilli(), done.Add(4*time.Hour).UnixMilli()-1)
	}}
	src := newTestSource(t, api, false)

	flow, err := src.Flow(context.Background(), "BTCUSDT", "4h", now)
	if err != nil {
		t.Fatalf("Flow failed: %v", err)
	}
	if interval != "4h" || endTime != fmt.Sprint(now.UnixMilli()) {
		t.Fatalf("unexpected request interval=%s endTime=%s", interval, endTime)
	}
	if !flow.NetInflow.Equal(decimal.NewFromInt(200000)) || !flow.QuoteVolume.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("unexpected flow %+v", flow)
	}
	if !flow.CloseTime.Equal(done.Add(-time.Millisecond)) || flow.Interval != "4h" {
		t.Fatalf("expected the completed kline, got %+v", flow)
	}
}

func TestFlowWithoutCompletedKline(t *testing.T) {
	now := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	api := &fakeAPI{klines: func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[[%d,"1","1","1","1","10",%d,"200.0",10,"5","50.0","0"]]`, now.UnixMilli()-1000, now.UnixMilli()+1000)
	}}
	src := newTestSource(t, api, false)

	if _, err := src.Flow(context.Background(), "BTCUSDT", "4h", now); exchange.Category(err) != exchange.CategoryMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}

func TestHistoryAtReadsOpenInterestAndFunding(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	var oiEnd, rateEnd, period string
	api := &fakeAPI{
		oiHistory: func(w http.ResponseWriter, r *http.Request) {
			oiEnd, period = r.URL.Query().Get("endTime"), r.URL.Query().Get("period")
			fmt.Fprintf(w, `[{"symbol":%q,"sumOpenInterest":"2.5","sumOpenInterestValue":"1","timestamp":%d}]`,
				r.URL.Query().Get("symbol"), at.Add(-2*time.Minute).UnixMilli())
		},
		fundingRates: func(w http.ResponseWriter, r *http.Request) {
			rateEnd = r.URL.Query().Get("endTime")
			fmt.Fprintf(w, `[{"symbol":%q,"fundingRate":"0.00025","fundingTime":%d,"markPrice":"0.02"}]`,
				r.URL.Query().Get("symbol"), at.Add(-time.Hour).UnixMilli())
		},
	}
	src := newTestSource(t, api, false)

	rec, err := src.HistoryAt(context.Background(), "PEPEUSDT", at)
	if err != nil {
		t.Fatalf("HistoryAt failed: %v", err)
	}
	if oiEnd != fmt.Sprint(at.UnixMilli()) || rateEnd != oiEnd || period != historyPeriod {
		t.Fatalf("unexpected request endTime=%s/%s period=%s", oiEnd, rateEnd, period)
	}
	if !rec.OpenInterest.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("open interest must be scaled to canonical units, got %s", rec.OpenInterest)
	}
	if !rec.FundingRate.Equal(decimal.RequireFromString("0.00025")) || !rec.At.Equal(at.Add(-2*time.Minute)) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestHistoryAtWithoutData(t *testing.T) {
	api := &fakeAPI{oiHistory: func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) }}
	src := newTestSource(t, api, false)

	if _, err := src.HistoryAt(context.Background(), "BTCUSDT", time.Now()); exchange.Category(err) != exchange.CategoryMalformed {
		t.Fatalf("expected malformed error, got %v", err)
	}
}
