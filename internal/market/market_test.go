package market

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParseInstruments(t *testing.T) {
	got := ParseInstruments([]string{" ethusdt", "BTCUSDT", "", "btcusdt ", "SOLUSDT"})
	want := []Instrument{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseInstruments = %v, want %v", got, want)
	}
}

func TestSideFromAmount(t *testing.T) {
	cases := map[string]Side{
		"1.5":  SideLong,
		"-0.2": SideShort,
		"0":    SideFlat,
	}
	for in, want := range cases {
		if got := SideFromAmount(decimal.RequireFromString(in)); got != want {
			t.Fatalf("SideFromAmount(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestCarryForwardKeepsObservation(t *testing.T) {
	t100 := time.Unix(100, 0)
	fresh := FreshEntry(
		FlatPosition("ETHUSDT", decimal.NewFromInt(3000), t100),
		FundingRecord{Instrument: "ETHUSDT", Rate: decimal.RequireFromString("0.0001"), ObservedAt: t100},
	)

	stale := fresh.CarryForward("transient")
	if stale.IsFresh() {
		t.Fatal("carried entry must be stale")
	}
	if !stale.Funding.ObservedAt.Equal(t100) || !stale.LastSuccess.Equal(t100) {
		t.Fatalf("carried entry lost observation time: %+v", stale)
	}
	if !stale.Funding.Rate.Equal(fresh.Funding.Rate) {
		t.Fatalf("carried funding rate changed: %s", stale.Funding.Rate)
	}
	if !fresh.IsFresh() {
		t.Fatal("CarryForward mutated the original entry")
	}
}

func TestEmptyStaleHasNoData(t *testing.T) {
	e := EmptyStale("BTCUSDT", "fatal")
	if e.HasData() || e.IsFresh() {
		t.Fatalf("unexpected empty stale entry: %+v", e)
	}
	if !strings.Contains(e.String(), "no data") {
		t.Fatalf("String() = %q", e.String())
	}
}

func TestSnapshotAccessorsReturnCopies(t *testing.T) {
	ts := time.Unix(100, 0)
	snap := NewSnapshot(1, ts, "binance", []Entry{
		FreshEntry(FlatPosition("ETHUSDT", decimal.Zero, ts), FundingRecord{Instrument: "ETHUSDT", ObservedAt: ts}),
		FreshEntry(FlatPosition("BTCUSDT", decimal.Zero, ts), FundingRecord{Instrument: "BTCUSDT", ObservedAt: ts}),
	})

	insts := snap.Instruments()
	if !reflect.DeepEqual(insts, []Instrument{"BTCUSDT", "ETHUSDT"}) {
		t.Fatalf("Instruments = %v", insts)
	}
	insts[0] = "XRPUSDT"
	if _, ok := snap.Get("XRPUSDT"); ok {
		t.Fatal("mutating Instruments() result leaked into snapshot")
	}

	entries := snap.Entries()
	entries[0].Freshness = Stale
	if e, _ := snap.Get("BTCUSDT"); !e.IsFresh() {
		t.Fatal("mutating Entries() result leaked into snapshot")
	}
	if snap.AllStale() || snap.FreshCount() != 2 {
		t.Fatalf("unexpected freshness counts: %s", snap)
	}
}

func TestSnapshotMarshalJSON(t *testing.T) {
	ts := time.Unix(100, 0).UTC()
	snap := NewSnapshot(7, ts, "bybit", []Entry{EmptyStale("BTCUSDT", "transient")})

	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Seq     uint64 `json:"seq"`
		Entries []struct {
			Instrument string `json:"instrument"`
			Freshness  string `json:"freshness"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Seq != 7 || len(decoded.Entries) != 1 || decoded.Entries[0].Freshness != "stale" {
		t.Fatalf("unexpected payload: %s", raw)
	}
}

func snapAt(seq uint64, sec int64) *Snapshot {
	return NewSnapshot(seq, time.Unix(sec, 0), "test", nil)
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		if err := h.Append(snapAt(uint64(i), int64(i*10))); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got := h.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 retained snapshots, got %d", len(got))
	}
	for i, want := range []uint64{3, 4, 5} {
		if got[i].Seq() != want {
			t.Fatalf("Recent[%d].Seq = %d, want %d", i, got[i].Seq(), want)
		}
	}

	last2 := h.Recent(2)
	if len(last2) != 2 || last2[0].Seq() != 4 || last2[1].Seq() != 5 {
		t.Fatalf("Recent(2) = %v", last2)
	}
	if h.Recent(0) != nil || h.Recent(-1) != nil {
		t.Fatal("non-positive limit must return nil")
	}
}

func TestHistoryRejectsOutOfOrder(t *testing.T) {
	h := NewHistory(4)
	if err := h.Append(snapAt(2, 20)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Append(snapAt(3, 20)); err == nil {
		t.Fatal("expected error for equal timestamp")
	}
	if err := h.Append(snapAt(1, 30)); err == nil {
		t.Fatal("expected error for lower sequence")
	}
	if h.Len() != 1 {
		t.Fatalf("rejected snapshots were stored: len=%d", h.Len())
	}
}

func TestHistorySince(t *testing.T) {
	h := NewHistory(5)
	for i := 1; i <= 4; i++ {
		_ = h.Append(snapAt(uint64(i), int64(i)))
	}
	got := h.Since(2)
	if len(got) != 2 || got[0].Seq() != 3 || got[1].Seq() != 4 {
		t.Fatalf("Since(2) = %v", got)
	}
	if h.Since(4) != nil {
		t.Fatal("Since(newest) must be empty")
	}
}

func TestNetInflow(t *testing.T) {
	got := NetInflow(decimal.NewFromInt(1000), decimal.NewFromInt(600))
	if !got.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("NetInflow = %s, want 200", got)
	}
	if got := NetInflow(decimal.NewFromInt(1000), decimal.NewFromInt(100)); !got.Equal(decimal.NewFromInt(-800)) {
		t.Fatalf("NetInflow = %s, want -800", got)
	}
}

func TestBaselineSnapshot(t *testing.T) {
	if BaselineSnapshot("binance", nil) != nil {
		t.Fatal("no records must give no snapshot")
	}
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	snap := BaselineSnapshot("binance", []BaselineRecord{
		{Instrument: "ETHUSDT", At: t0.Add(time.Minute), OpenInterest: decimal.NewFromInt(20), FundingRate: decimal.RequireFromString("0.0001")},
		{Instrument: "BTCUSDT", At: t0, OpenInterest: decimal.NewFromInt(10)},
	})
	if snap.Seq() != 0 || !snap.TakenAt().Equal(t0) || snap.Len() != 2 {
		t.Fatalf("unexpected snapshot seq=%d at=%s len=%d", snap.Seq(), snap.TakenAt(), snap.Len())
	}
	eth, ok := snap.Get("ETHUSDT")
	if !ok || !eth.HasData() || !eth.Funding.OpenInterest.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected entry %+v", eth)
	}
}
