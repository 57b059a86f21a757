// Package sources picks the exchange adapter named in the configuration.
package sources

import (
	"context"
	"fmt"

	"fundflow/config"
	"fundflow/internal/exchange"
	"fundflow/internal/exchange/binance"
	"fundflow/internal/exchange/bybit"
	"fundflow/internal/exchange/kucoin"
	"fundflow/logger"
)

// New builds the Source for cfg.Poller.Exchange.
func New(cfg *config.Config, log *logger.Log) (exchange.Source, error) {
	switch cfg.Poller.Exchange {
	case config.ExchangeBinance:
		return binance.New(cfg.Source.Binance, cfg.Poller, log), nil
	case config.ExchangeBybit:
		return bybit.New(cfg.Source.Bybit, cfg.Poller, log), nil
	case config.ExchangeKucoin:
		return kucoin.New(cfg.Source.Kucoin, cfg.Poller, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Poller.Exchange)
	}
}

// Instruments returns cfg.Instruments, or when cfg.Discover is set, every
// instrument src lists. Discovery happens once, before the poller is
// configured.
func Instruments(ctx context.Context, src exchange.Source, cfg config.PollerConfig, log *logger.Log) ([]string, error) {
	if !cfg.Discover {
		return cfg.Instruments, nil
	}
	d, ok := src.(exchange.Discoverer)
	if !ok {
		return nil, fmt.Errorf("%s source cannot discover instruments", src.Name())
	}
	found, err := d.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover instruments: %w", err)
	}
	out := make([]string, len(found))
	for i, inst := range found {
		out[i] = inst.String()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	log.WithComponent("sources").WithFields(logger.Fields{
		"exchange":    src.Name(),
		"instruments": len(out),
	}).Info("instruments resolved by discovery")
	return out, nil
}
