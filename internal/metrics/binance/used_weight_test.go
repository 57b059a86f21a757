package binancemetrics

import (
	"net/http"
	"testing"
	"time"

	"fundflow/config"
	"fundflow/internal/metrics"
	"fundflow/logger"
)

func TestReportUsedWeight_Success(t *testing.T) {
	log := logger.GetLogger()
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("X-MBX-USED-WEIGHT-1M", "123.5")

	events := make(chan metrics.Metric, 1)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) { events <- m })
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	weight, reported := ReportUsedWeight(log, resp, "transport", "BTCUSDT")
	if !reported {
		t.Fatalf("expected metric to be reported")
	}
	if weight != 123.5 {
		t.Fatalf("unexpected weight: %v", weight)
	}

	select {
	case event := <-events:
		if event.Name != "used_weight" || event.Type != metrics.TypeGauge {
			t.Fatalf("unexpected event: %+v", event)
		}
		if event.Fields["window"] != "1m" || event.Fields["instrument"] != "BTCUSDT" {
			t.Fatalf("unexpected fields: %v", event.Fields)
		}
	default:
		t.Fatal("expected metric event to be emitted")
	}
}

func TestReportUsedWeight_FallsBackToSecondWindow(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("X-MBX-USED-WEIGHT-1M", "not-a-number")
	resp.Header.Set("X-MBX-USED-WEIGHT-1S", "7")

	weight, reported := ReportUsedWeight(nil, resp, "transport", "BTCUSDT")
	if !reported || weight != 7 {
		t.Fatalf("expected 1s window to be reported, got %v %v", weight, reported)
	}
}

func TestReportUsedWeight_Invalid(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("X-MBX-USED-WEIGHT-1M", "not-a-number")

	events := make(chan metrics.Metric, 1)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) { events <- m })
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	if _, reported := ReportUsedWeight(logger.GetLogger(), resp, "transport", "BTCUSDT"); reported {
		t.Fatalf("expected no metric to be reported for invalid header")
	}

	select {
	case <-events:
		t.Fatal("did not expect metric emission for invalid header")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestReportUsedWeight_NoHeaders(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	if _, reported := ReportUsedWeight(logger.GetLogger(), resp, "transport", "BTCUSDT"); reported {
		t.Fatalf("expected no metric when headers missing")
	}
	if _, reported := ReportUsedWeight(nil, nil, "transport", "BTCUSDT"); reported {
		t.Fatalf("expected no metric for nil response")
	}
}

func TestReportUsedWeight_Disabled(t *testing.T) {
	resp := &http.Response{Header: http.Header{}}
	resp.Header.Set("X-MBX-USED-WEIGHT-1M", "123.5")

	metrics.Configure(config.MetricsConfig{UsedWeight: false, RateLimit: true})
	t.Cleanup(func() { metrics.Configure(config.MetricsConfig{UsedWeight: true, RateLimit: true}) })

	events := make(chan metrics.Metric, 1)
	id := metrics.RegisterMetricHandler(func(m metrics.Metric) { events <- m })
	t.Cleanup(func() { metrics.UnregisterMetricHandler(id) })

	ReportUsedWeight(logger.GetLogger(), resp, "transport", "BTCUSDT")

	select {
	case <-events:
		t.Fatal("did not expect metric emission when feature disabled")
	case <-time.After(10 * time.Millisecond):
	}
}
