package rate

import (
	"context"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundflow/internal/metrics"
	"fundflow/logger"
)

// FetchRequestWeightLimit queries the Binance exchangeInfo endpoint for the
// REQUEST_WEIGHT per minute limit and emits it as a gauge. It returns 0 if the
// limit cannot be determined.
func FetchRequestWeightLimit(ctx context.Context, log *logger.Log, client *futures.Client) (int64, error) {
	info, err := client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			metrics.EmitMetric(log, "transport", "request_weight_limit", rl.Limit, metrics.TypeGauge, logger.Fields{"exchange": "binance"})
			return rl.Limit, nil
		}
	}
	return 0, nil
}
