package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"fundflow/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Component: "poller", Name: "metric", Value: i})
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestMetricStoreComponentFilter(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Component: "poller", Name: "fresh_instruments"})
	store.handle(metrics.Metric{Component: "transport", Name: "used_weight"})

	if got := store.snapshot("Transport"); len(got) != 1 || got[0].Name != "used_weight" {
		t.Fatalf("unexpected filtered metrics %#v", got)
	}
	if got := store.snapshot("archive"); len(got) != 0 {
		t.Fatalf("expected no metrics, got %#v", got)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "some instruments stale"
	entry.Data = logrus.Fields{"component": "poller", "stale": "ETHUSDT"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("store.Fire returned error: %v", err)
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	if snapshot[0].Component != "poller" || snapshot[0].Fields["stale"] != "ETHUSDT" {
		t.Fatalf("unexpected snapshot data: %#v", snapshot[0])
	}
	if _, ok := snapshot[0].Fields["component"]; ok {
		t.Fatal("component must not be repeated in fields")
	}
}

func TestLogStoreLevelFilter(t *testing.T) {
	store := newLogStore(10)
	for _, lvl := range []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = lvl
		entry.Message = lvl.String()
		if err := store.Fire(entry); err != nil {
			t.Fatal(err)
		}
	}

	if got := store.snapshot("warn"); len(got) != 2 || got[0].Level != "warning" {
		t.Fatalf("unexpected warn+ records %#v", got)
	}
	if got := store.snapshot("bogus"); len(got) != 4 {
		t.Fatalf("unknown level should return everything, got %d", len(got))
	}
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = "msg"
		entry.Level = logrus.InfoLevel
		entry.Data = logrus.Fields{"index": i}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if got := store.snapshot(""); len(got) != 2 {
		t.Fatalf("expected 2 entries after pruning, got %d", len(got))
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	if err := store.Fire(entry); err != nil {
		t.Fatalf("unexpected error after close: %v", err)
	}
	if got := store.snapshot(""); len(got) != 2 {
		t.Fatalf("store accepted entries after close")
	}
}
