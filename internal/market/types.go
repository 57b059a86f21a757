package market

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument is the canonical, exchange-neutral symbol of a futures
// contract, e.g. BTCUSDT.
type Instrument string

// NormalizeInstrument upper-cases and trims a raw symbol.
func NormalizeInstrument(raw string) Instrument {
	return Instrument(strings.ToUpper(strings.TrimSpace(raw)))
}

func (i Instrument) String() string {
	return string(i)
}

// ParseInstruments normalizes, de-duplicates and sorts raw symbols. Blank
// entries are dropped.
func ParseInstruments(raw []string) []Instrument {
	seen := make(map[Instrument]struct{}, len(raw))
	out := make([]Instrument, 0, len(raw))
	for _, r := range raw {
		inst := NormalizeInstrument(r)
		if inst == "" {
			continue
		}
		if _, ok := seen[inst]; ok {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	SortInstruments(out)
	return out
}

// SortInstruments sorts in place by symbol.
func SortInstruments(in []Instrument) {
	sort.Slice(in, func(a, b int) bool { return in[a] < in[b] })
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
	SideFlat  Side = "flat"
)

// SideFromAmount maps a signed position amount to a side.
func SideFromAmount(amount decimal.Decimal) Side {
	switch amount.Sign() {
	case 1:
		return SideLong
	case -1:
		return SideShort
	default:
		return SideFlat
	}
}

// PositionRecord is one observation of an account position. Size is
// always non-negative; direction lives in Side.
type PositionRecord struct {
	Instrument       Instrument      `json:"instrument"`
	Side             Side            `json:"side"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Notional         decimal.Decimal `json:"notional"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	Leverage         decimal.Decimal `json:"leverage"`
	ObservedAt       time.Time       `json:"observed_at"`
}

// FlatPosition is the record used when no position is held or the source
// has no account access.
func FlatPosition(inst Instrument, mark decimal.Decimal, observedAt time.Time) PositionRecord {
	return PositionRecord{
		Instrument: inst,
		Side:       SideFlat,
		MarkPrice:  mark,
		ObservedAt: observedAt,
	}
}

// FundingRecord is one observation of an instrument's funding state.
type FundingRecord struct {
	Instrument      Instrument      `json:"instrument"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"next_funding_time"`
	MarkPrice       decimal.Decimal `json:"mark_price"`
	IndexPrice      decimal.Decimal `json:"index_price"`
	OpenInterest    decimal.Decimal `json:"open_interest"`
	ObservedAt      time.Time       `json:"observed_at"`
}

// Premium is mark minus index price.
func (f FundingRecord) Premium() decimal.Decimal {
	return f.MarkPrice.Sub(f.IndexPrice)
}

// Freshness tells whether an entry was fetched in the snapshot's own cycle.
type Freshness string

const (
	Fresh Freshness = "fresh"
	Stale Freshness = "stale"
)

// Entry is one instrument's row in a Snapshot.
type Entry struct {
	Instrument Instrument     `json:"instrument"`
	Freshness  Freshness      `json:"freshness"`
	Position   PositionRecord `json:"position"`
	Funding    FundingRecord  `json:"funding"`
	// StaleReason is an error category, set only on stale entries.
	StaleReason string `json:"stale_reason,omitempty"`
	// LastSuccess is the observation time of the data carried; zero when
	// the instrument never had a successful fetch.
	LastSuccess time.Time `json:"last_success,omitempty"`
}

// FreshEntry builds an entry from a successful fetch.
func FreshEntry(pos PositionRecord, funding FundingRecord) Entry {
	return Entry{
		Instrument:  funding.Instrument,
		Freshness:   Fresh,
		Position:    pos,
		Funding:     funding,
		LastSuccess: funding.ObservedAt,
	}
}

// CarryForward returns prev flagged stale with the given reason. The
// records keep their original observation times.
func (e Entry) CarryForward(reason string) Entry {
	e.Freshness = Stale
	e.StaleReason = reason
	return e
}

// EmptyStale is the entry for an instrument that has failed every fetch so
// far.
func EmptyStale(inst Instrument, reason string) Entry {
	return Entry{
		Instrument:  inst,
		Freshness:   Stale,
		StaleReason: reason,
		Position:    PositionRecord{Instrument: inst, Side: SideFlat},
		Funding:     FundingRecord{Instrument: inst},
	}
}

func (e Entry) IsFresh() bool {
	return e.Freshness == Fresh
}

// HasData reports whether the entry carries any successfully fetched data.
func (e Entry) HasData() bool {
	return !e.LastSuccess.IsZero()
}

func (e Entry) String() string {
	if e.IsFresh() {
		return fmt.Sprintf("%s: fresh(%s)", e.Instrument, e.LastSuccess.UTC().Format(time.RFC3339))
	}
	if !e.HasData() {
		return fmt.Sprintf("%s: stale(no data, %s)", e.Instrument, e.StaleReason)
	}
	return fmt.Sprintf("%s: stale(carried from %s, %s)", e.Instrument, e.LastSuccess.UTC().Format(time.RFC3339), e.StaleReason)
}
