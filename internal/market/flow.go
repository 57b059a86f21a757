package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// FlowRecord is the taker flow of one completed kline. NetInflow is taker
// buy quote volume minus taker sell quote volume.
type FlowRecord struct {
	Instrument    Instrument      `json:"instrument"`
	Interval      string          `json:"interval"`
	OpenTime      time.Time       `json:"open_time"`
	CloseTime     time.Time       `json:"close_time"`
	QuoteVolume   decimal.Decimal `json:"quote_volume"`
	TakerBuyQuote decimal.Decimal `json:"taker_buy_quote"`
	NetInflow     decimal.Decimal `json:"net_inflow"`
}

// NetInflow is 2*takerBuyQuote - quoteVolume, the buy side minus the sell
// side of the traded quote volume.
func NetInflow(quoteVolume, takerBuyQuote decimal.Decimal) decimal.Decimal {
	return takerBuyQuote.Mul(decimal.NewFromInt(2)).Sub(quoteVolume)
}

// BaselineRecord is an instrument's open interest and funding rate as they
// stood at At, read from the exchange's history endpoints.
type BaselineRecord struct {
	Instrument   Instrument      `json:"instrument"`
	At           time.Time       `json:"at"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	FundingRate  decimal.Decimal `json:"funding_rate"`
}

// BaselineSnapshot builds a snapshot out of history readings so it can stand
// in for a polled one when comparing against the past. Its sequence is 0 and
// it is taken at the earliest reading.
func BaselineSnapshot(exchange string, records []BaselineRecord) *Snapshot {
	if len(records) == 0 {
		return nil
	}
	at := records[0].At
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		if r.At.Before(at) {
			at = r.At
		}
		f := FundingRecord{
			Instrument:   r.Instrument,
			Rate:         r.FundingRate,
			OpenInterest: r.OpenInterest,
			ObservedAt:   r.At,
		}
		entries = append(entries, FreshEntry(FlatPosition(r.Instrument, decimal.Zero, r.At), f))
	}
	return NewSnapshot(0, at, exchange, entries)
}
