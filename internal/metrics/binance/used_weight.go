package binancemetrics

import (
	"net/http"
	"strconv"

	"fundflow/internal/metrics"
	"fundflow/logger"
)

// ReportUsedWeight inspects Binance used-weight headers and emits a gauge when a
// numeric value is found. The function returns the parsed weight and whether a
// metric was recorded.
func ReportUsedWeight(log *logger.Log, resp *http.Response, component, instrument string) (float64, bool) {
	if resp == nil {
		return 0, false
	}
	if log == nil {
		log = logger.GetLogger()
	}

	headers := []struct {
		key    string
		window string
	}{
		{"X-MBX-USED-WEIGHT-1M", "1m"},
		{"X-MBX-USED-WEIGHT", "1m"},
		{"X-MBX-USED-WEIGHT-1S", "1s"},
	}

	for _, h := range headers {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}

		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent(component).WithFields(logger.Fields{
				"instrument": instrument,
				"header":     h.key,
				"value":      value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}

		fields := logger.Fields{
			"exchange":   "binance",
			"instrument": instrument,
			"window":     h.window,
		}
		metrics.EmitMetric(log, component, "used_weight", used, metrics.TypeGauge, fields)
		return used, true
	}

	return 0, false
}
