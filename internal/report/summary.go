package report

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"fundflow/internal/market"
)

var hundred = decimal.NewFromInt(100)

// Ranked is one instrument's value in a ranking.
type Ranked struct {
	Instrument market.Instrument `json:"instrument"`
	Value      decimal.Decimal   `json:"value"`
}

// Baseline sources.
const (
	BaselineHistory  = "history"
	BaselineExchange = "exchange"
)

// Inputs is market data read beside the polling cycle: taker flow of the
// last completed kline and history readings used as a baseline when the
// retained snapshots do not reach back far enough.
type Inputs struct {
	Flows []market.FlowRecord
	Seeds []market.BaselineRecord
}

// InputSource provides the current Inputs.
type InputSource interface {
	Inputs() Inputs
}

// Summary ranks the instruments of a snapshot by funding rate, and, against a
// baseline snapshot, by funding and open interest change.
type Summary struct {
	Seq         uint64    `json:"seq"`
	TakenAt     time.Time `json:"taken_at"`
	BaselineSeq uint64    `json:"baseline_seq,omitempty"`
	// BaselineAge is how far before TakenAt the baseline was taken.
	BaselineAge    time.Duration `json:"baseline_age,omitempty"`
	BaselineSource string        `json:"baseline_source,omitempty"`
	Instruments int       `json:"instruments"`
	Stale       int       `json:"stale"`

	HighestRates []Ranked `json:"highest_rates"`
	LowestRates  []Ranked `json:"lowest_rates"`

	RateIncreases []Ranked `json:"rate_increases,omitempty"`
	RateDecreases []Ranked `json:"rate_decreases,omitempty"`

	// OI changes are percentages of the baseline open interest.
	OpenInterestUp   int      `json:"open_interest_up"`
	OpenInterestDown int      `json:"open_interest_down"`
	OIIncreases      []Ranked `json:"oi_increases,omitempty"`
	OIDecreases      []Ranked `json:"oi_decreases,omitempty"`

	// Net taker flow in quote currency over the last completed kline.
	FlowInterval string   `json:"flow_interval,omitempty"`
	NetInflows   []Ranked `json:"net_inflows,omitempty"`
	NetOutflows  []Ranked `json:"net_outflows,omitempty"`
}

// Summarize ranks snap, keeping topN entries per list. baseline may be nil,
// in which case only the rate rankings are filled. Instruments without any
// fetched data are skipped.
func Summarize(snap, baseline *market.Snapshot, topN int) Summary {
	if snap == nil {
		return Summary{}
	}
	if topN <= 0 {
		topN = 10
	}

	sum := Summary{
		Seq:         snap.Seq(),
		TakenAt:     snap.TakenAt(),
		Instruments: snap.Len(),
		Stale:       len(snap.StaleInstruments()),
	}

	var rates, rateDelta, oiDelta []Ranked
	for _, e := range snap.Entries() {
		if !e.HasData() {
			continue
		}
		rates = append(rates, Ranked{Instrument: e.Instrument, Value: e.Funding.Rate})

		if baseline == nil {
			continue
		}
		prev, ok := baseline.Get(e.Instrument)
		if !ok || !prev.HasData() {
			continue
		}
		rateDelta = append(rateDelta, Ranked{Instrument: e.Instrument, Value: e.Funding.Rate.Sub(prev.Funding.Rate)})
		if prev.Funding.OpenInterest.IsZero() {
			continue
		}
		change := e.Funding.OpenInterest.Sub(prev.Funding.OpenInterest).Div(prev.Funding.OpenInterest).Mul(hundred)
		oiDelta = append(oiDelta, Ranked{Instrument: e.Instrument, Value: change})
	}
	if baseline != nil {
		sum.BaselineSeq = baseline.Seq()
		sum.BaselineAge = snap.TakenAt().Sub(baseline.TakenAt())
		sum.BaselineSource = BaselineHistory
		if baseline.Seq() == 0 {
			sum.BaselineSource = BaselineExchange
		}
	}

	sum.HighestRates = top(rates, topN, true, false)
	sum.LowestRates = top(rates, topN, false, false)
	sum.RateIncreases = top(rateDelta, topN, true, true)
	sum.RateDecreases = top(rateDelta, topN, false, true)
	sum.OIIncreases = top(oiDelta, topN, true, true)
	sum.OIDecreases = top(oiDelta, topN, false, true)
	for _, r := range oiDelta {
		switch r.Value.Sign() {
		case 1:
			sum.OpenInterestUp++
		case -1:
			sum.OpenInterestDown++
		}
	}
	return sum
}

// Build summarizes snap against the best baseline available and adds the
// flow rankings from in. The history baseline is replaced by one seeded from
// exchange readings when it is younger than lookback and the seed is older.
func Build(snap *market.Snapshot, history []*market.Snapshot, lookback time.Duration, topN int, in Inputs) Summary {
	if snap == nil {
		return Summary{}
	}
	base := Baseline(history, snap, lookback)
	if seeded := market.BaselineSnapshot(snap.Exchange(), in.Seeds); seeded != nil {
		short := base == nil || snap.TakenAt().Sub(base.TakenAt()) < lookback
		if short && (base == nil || seeded.TakenAt().Before(base.TakenAt())) {
			base = seeded
		}
	}
	sum := Summarize(snap, base, topN)
	sum.addFlows(snap, in.Flows, topN)
	return sum
}

func (sum *Summary) addFlows(snap *market.Snapshot, flows []market.FlowRecord, topN int) {
	if topN <= 0 {
		topN = 10
	}
	var net []Ranked
	for _, f := range flows {
		if _, ok := snap.Get(f.Instrument); !ok {
			continue
		}
		if sum.FlowInterval == "" {
			sum.FlowInterval = f.Interval
		}
		net = append(net, Ranked{Instrument: f.Instrument, Value: f.NetInflow})
	}
	sum.NetInflows = top(net, topN, true, true)
	sum.NetOutflows = top(net, topN, false, true)
}

// top sorts a copy of in and returns at most n items. With signed set, only
// strictly positive (desc) or strictly negative (asc) values qualify.
func top(in []Ranked, n int, desc, signed bool) []Ranked {
	out := make([]Ranked, 0, len(in))
	for _, r := range in {
		if signed && ((desc && r.Value.Sign() <= 0) || (!desc && r.Value.Sign() >= 0)) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(a, b int) bool {
		cmp := out[a].Value.Cmp(out[b].Value)
		if cmp == 0 {
			return out[a].Instrument < out[b].Instrument
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Baseline picks the newest snapshot in history taken at or before
// latest minus lookback, falling back to the oldest one retained.
func Baseline(history []*market.Snapshot, latest *market.Snapshot, lookback time.Duration) *market.Snapshot {
	if latest == nil || len(history) == 0 {
		return nil
	}
	cutoff := latest.TakenAt().Add(-lookback)
	var base *market.Snapshot
	for _, s := range history {
		if s.Seq() >= latest.Seq() {
			break
		}
		if s.TakenAt().After(cutoff) {
			if base == nil {
				base = s
			}
			break
		}
		base = s
	}
	return base
}
