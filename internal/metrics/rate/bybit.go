package rate

import (
	"net/http"
	"strconv"

	"fundflow/internal/metrics"
	"fundflow/logger"
)

// ReportBybitUsage parses Bybit rate-limit headers and emits a `used_weight`
// gauge. It falls back between the X-Bapi-* headers and the generic
// X-RateLimit-* variants. It reports false when neither set is present.
func ReportBybitUsage(log *logger.Log, header http.Header, instrument string) (used int64, ok bool) {
	limitStr := header.Get("X-Bapi-Limit")
	if limitStr == "" {
		limitStr = header.Get("X-RateLimit-Limit")
	}

	remainingStr := header.Get("X-Bapi-Limit-Status")
	if remainingStr == "" {
		remainingStr = header.Get("X-RateLimit-Remaining")
	}
	if limitStr == "" || remainingStr == "" {
		return 0, false
	}

	limit, err := strconv.ParseInt(limitStr, 10, 64)
	if err != nil {
		return 0, false
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return 0, false
	}
	used = limit - remaining
	if used < 0 {
		used = 0
	}

	fields := logger.Fields{"exchange": "bybit", "instrument": instrument, "window": "endpoint"}
	metrics.EmitMetric(log, "transport", "used_weight", used, metrics.TypeGauge, fields)
	return used, true
}
