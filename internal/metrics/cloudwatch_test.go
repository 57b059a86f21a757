package metrics

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"fundflow/logger"
)

func stubPublisher(t *testing.T, interval time.Duration) *[][]cwtypes.MetricDatum {
	t.Helper()
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{client: &cloudwatch.Client{}, namespace: "Test"})
	t.Cleanup(func() { cwState.Store(prevState) })

	resetMetricPublishTimes()
	t.Cleanup(resetMetricPublishTimes)

	originalInterval := cloudWatchPublishInterval
	cloudWatchPublishInterval = interval
	t.Cleanup(func() { cloudWatchPublishInterval = originalInterval })

	batches := make([][]cwtypes.MetricDatum, 0)
	publishMetricsFunc = func(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
		copyData := make([]cwtypes.MetricDatum, len(data))
		copy(copyData, data)
		batches = append(batches, copyData)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })
	t.Cleanup(func() { timeNow = time.Now })
	return &batches
}

func TestPublishMetricDatumThrottlesToInterval(t *testing.T) {
	batches := stubPublisher(t, 50*time.Millisecond)

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }

	metric := Metric{Component: "poller", Name: "stale_instruments", Timestamp: baseTime, Fields: logger.Fields{"unit": "count"}}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(25 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(*batches))
	}
	datum := (*batches)[0][0]
	if datum.MetricName == nil || *datum.MetricName != "stale_instruments" {
		t.Fatalf("unexpected metric name: %v", datum.MetricName)
	}
	if datum.Value == nil || *datum.Value != 1 {
		t.Fatalf("unexpected metric value: %v", datum.Value)
	}
}

func TestPublishMetricDatumAllowsAfterInterval(t *testing.T) {
	batches := stubPublisher(t, 50*time.Millisecond)

	baseTime := time.Now()
	timeNow = func() time.Time { return baseTime }

	metric := Metric{Component: "poller", Name: "stale_instruments", Timestamp: baseTime}
	publishMetricDatum(metric, 1)

	timeNow = func() time.Time { return baseTime.Add(75 * time.Millisecond) }
	publishMetricDatum(metric, 2)

	if len(*batches) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(*batches))
	}
	if v := (*batches)[1][0].Value; v == nil || *v != 2 {
		t.Fatalf("unexpected metric value: %v", v)
	}
}

func TestPublishMetricDatumSeparatesSeriesByDimension(t *testing.T) {
	batches := stubPublisher(t, time.Minute)

	publishMetricDatum(Metric{Component: "transport", Name: "used_weight", Fields: logger.Fields{"instrument": "BTCUSDT"}}, 10)
	publishMetricDatum(Metric{Component: "transport", Name: "used_weight", Fields: logger.Fields{"instrument": "ETHUSDT"}}, 12)

	if len(*batches) != 2 {
		t.Fatalf("expected one publish per series, got %d", len(*batches))
	}
	dims := (*batches)[0][0].Dimensions
	if len(dims) != 2 {
		t.Fatalf("expected component and instrument dimensions, got %d", len(dims))
	}
}

func TestPublishMetricDatumSkipsWithoutClient(t *testing.T) {
	prevState := cwState.Load()
	cwState.Store(&cloudWatchState{})
	t.Cleanup(func() { cwState.Store(prevState) })

	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publishMetricDatum(Metric{Component: "poller", Name: "x"}, 1)
	if called {
		t.Fatal("expected no publish without a client")
	}
}

func TestDashboardBody(t *testing.T) {
	body, err := dashboardBody("Fundflow", "eu-west-1")
	if err != nil {
		t.Fatalf("dashboardBody: %v", err)
	}
	var decoded struct {
		Widgets []struct {
			Properties struct {
				Region  string     `json:"region"`
				Metrics [][]string `json:"metrics"`
			} `json:"properties"`
		} `json:"widgets"`
	}
	if err := json.Unmarshal([]byte(body), &decoded); err != nil {
		t.Fatalf("dashboard body is not valid JSON: %v", err)
	}
	if len(decoded.Widgets) != len(dashboardMetrics) {
		t.Fatalf("expected %d widgets, got %d", len(dashboardMetrics), len(decoded.Widgets))
	}
	first := decoded.Widgets[0].Properties
	if first.Region != "eu-west-1" || first.Metrics[0][0] != "Fundflow" {
		t.Fatalf("unexpected widget properties: %+v", first)
	}
}

func TestMetricUnitFromString(t *testing.T) {
	if u, ok := metricUnitFromString("Seconds"); !ok || u != cwtypes.StandardUnitSeconds {
		t.Fatalf("unexpected unit %v %v", u, ok)
	}
	if _, ok := metricUnitFromString("furlongs"); ok {
		t.Fatal("expected unknown unit to be rejected")
	}
}
