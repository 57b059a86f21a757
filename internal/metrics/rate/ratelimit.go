package rate

import (
	"strings"
	"time"

	"fundflow/internal/metrics"
	"fundflow/logger"
)

func limitFields(exchange, instrument, op string) logger.Fields {
	return logger.Fields{
		"exchange":   strings.ToLower(exchange),
		"instrument": instrument,
		"op":         strings.ToLower(op),
	}
}

// ReportRateLimitExceeded increments the rate limit exceeded counter for the given
// exchange and request kind.
func ReportRateLimitExceeded(log *logger.Log, exchange, instrument, op string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := limitFields(exchange, instrument, op)
	metrics.EmitMetric(log, "transport", "rate_limit_exceeded", int64(1), metrics.TypeCounter, fields)
	log.WithComponent("transport").WithFields(fields).Debug("rate limit exceeded")
}

// ReportIPBan increments the IP ban counter for the given exchange and request kind.
func ReportIPBan(log *logger.Log, exchange, instrument, op string) {
	if log == nil {
		log = logger.GetLogger()
	}
	fields := limitFields(exchange, instrument, op)
	metrics.EmitMetric(log, "transport", "ip_ban", int64(1), metrics.TypeCounter, fields)
	log.WithComponent("transport").WithFields(fields).Error("ip banned")
}

// detectLimit inspects the message returned from an exchange and determines whether
// it signals a rate limit exceed or an IP ban. Each exchange uses different wording.
func detectLimit(exchange, msg string) (rateLimit bool, ipBan bool) {
	lowerMsg := strings.ToLower(msg)
	switch strings.ToLower(exchange) {
	case "binance":
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
		rateLimit = strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "rate limit")
	case "bybit":
		ipBan = strings.Contains(lowerMsg, "ip rate limit") || (strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban"))
		rateLimit = !ipBan && (strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests") || strings.Contains(lowerMsg, "too many visits"))
	default:
		rateLimit = strings.Contains(lowerMsg, "rate limit") || strings.Contains(lowerMsg, "too many requests")
		ipBan = strings.Contains(lowerMsg, "ip") && strings.Contains(lowerMsg, "ban")
	}
	return
}

// ReportLimitFromMessage checks the provided message for rate limit or IP ban events
// and records the matching metrics. It returns what was detected.
func ReportLimitFromMessage(log *logger.Log, exchange, instrument, op, msg string) (rateLimit bool, ipBan bool) {
	rateLimit, ipBan = detectLimit(exchange, msg)
	if rateLimit {
		ReportRateLimitExceeded(log, exchange, instrument, op)
	}
	if ipBan {
		ReportIPBan(log, exchange, instrument, op)
	}
	return rateLimit, ipBan
}

// BanUntil extracts the millisecond timestamp from messages such as
// "Way too many requests; IP banned until 1568014460658." and returns how long the
// ban still lasts relative to now.
func BanUntil(msg string, now time.Time) (time.Duration, bool) {
	for _, n := range extractInts(msg) {
		// millisecond epochs have 13 digits
		if n < 1e12 || n >= 1e13 {
			continue
		}
		until := time.UnixMilli(n)
		if !until.After(now) {
			return 0, true
		}
		return until.Sub(now), true
	}
	return 0, false
}
