package binance

import (
	"context"
	"errors"
	"fmt"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"fundflow/internal/exchange"
	"fundflow/internal/market"
	"fundflow/internal/symbols"
)

const (
	opKlines           = "klines"
	opOpenInterestHist = "openInterestHist"
	opFundingRate      = "fundingRate"

	// openInterestHist granularity used for baselines
	historyPeriod = "5m"
)

// Stablecoin bases are dropped from discovery; their USDT pairs carry no
// directional flow.
var stableBases = map[string]bool{
	"USDC": true,
	"TUSD": true,
	"BUSD": true,
	"DAI":  true,
	"USDP": true,
	"EUR":  true,
	"GYEN": true,
}

// Discover lists the USDT-quoted perpetuals that are currently trading,
// without stablecoin bases, as canonical instruments.
func (s *Source) Discover(ctx context.Context) ([]market.Instrument, error) {
	if err := exchange.Wait(ctx, s.limiter, opExchangeInfo, ""); err != nil {
		return nil, err
	}
	infoCtx, body := exchange.WithCapture(ctx)
	info, err := s.client.NewExchangeInfoService().Do(infoCtx)
	if err != nil {
		return nil, s.classify(opExchangeInfo, "", err, body.Bytes())
	}

	raw := make([]string, 0, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" || sym.QuoteAsset != "USDT" || stableBases[sym.BaseAsset] {
			continue
		}
		if sym.ContractType != "" && sym.ContractType != futures.ContractTypePerpetual {
			continue
		}
		raw = append(raw, symbols.ToCanonical(Name, sym.Symbol))
	}
	instruments := market.ParseInstruments(raw)
	if len(instruments) == 0 {
		return nil, exchange.NewMalformed(opExchangeInfo, "", body.Bytes(), errors.New("no tradable USDT perpetuals listed"))
	}
	s.log.WithComponent("binance_source").WithField("instruments", len(instruments)).Info("discovered instruments")
	return instruments, nil
}

// Flow reads the last kline of interval that closed before now and derives
// the net taker inflow from its quote volumes.
func (s *Source) Flow(ctx context.Context, inst market.Instrument, interval string, now time.Time) (market.FlowRecord, error) {
	sym := symbols.ToExchange(Name, inst.String())
	if err := exchange.Wait(ctx, s.limiter, opKlines, inst); err != nil {
		return market.FlowRecord{}, err
	}
	klineCtx, body := exchange.WithCapture(ctx)
	klines, err := s.client.NewKlinesService().Symbol(sym).Interval(interval).EndTime(now.UnixMilli()).Limit(2).Do(klineCtx)
	if err != nil {
		return market.FlowRecord{}, s.classify(opKlines, inst, err, body.Bytes())
	}

	var last *futures.Kline
	for _, k := range klines {
		if k == nil || k.CloseTime >= now.UnixMilli() {
			continue
		}
		if last == nil || k.CloseTime > last.CloseTime {
			last = k
		}
	}
	if last == nil {
		return market.FlowRecord{}, exchange.NewMalformed(opKlines, inst, body.Bytes(), fmt.Errorf("no completed %s kline", interval))
	}

	quote, err := exchange.ParseDecimal(opKlines, inst, "quoteAssetVolume", last.QuoteAssetVolume, false)
	if err != nil {
		return market.FlowRecord{}, err
	}
	takerBuy, err := exchange.ParseDecimal(opKlines, inst, "takerBuyQuoteAssetVolume", last.TakerBuyQuoteAssetVolume, false)
	if err != nil {
		return market.FlowRecord{}, err
	}

	return market.FlowRecord{
		Instrument:    inst,
		Interval:      interval,
		OpenTime:      exchange.MillisToTime(last.OpenTime),
		CloseTime:     exchange.MillisToTime(last.CloseTime),
		QuoteVolume:   quote,
		TakerBuyQuote: takerBuy,
		NetInflow:     market.NetInflow(quote, takerBuy),
	}, nil
}

// HistoryAt reads open interest from openInterestHist and the last settled
// funding rate, both as of at.
func (s *Source) HistoryAt(ctx context.Context, inst market.Instrument, at time.Time) (market.BaselineRecord, error) {
	sym := symbols.ToExchange(Name, inst.String())
	mult := symbols.Multiplier(Name, inst.String())
	end := at.UnixMilli()

	if err := exchange.Wait(ctx, s.limiter, opOpenInterestHist, inst); err != nil {
		return market.BaselineRecord{}, err
	}
	oiCtx, oiBody := exchange.WithCapture(ctx)
	stats, err := s.client.NewOpenInterestStatisticsService().Symbol(sym).Period(historyPeriod).EndTime(end).Limit(1).Do(oiCtx)
	if err != nil {
		return market.BaselineRecord{}, s.classify(opOpenInterestHist, inst, err, oiBody.Bytes())
	}
	if len(stats) == 0 || stats[len(stats)-1] == nil {
		return market.BaselineRecord{}, exchange.NewMalformed(opOpenInterestHist, inst, oiBody.Bytes(), errors.New("no open interest history"))
	}
	stat := stats[len(stats)-1]
	openInterest, err := exchange.ParseDecimal(opOpenInterestHist, inst, "sumOpenInterest", stat.SumOpenInterest, false)
	if err != nil {
		return market.BaselineRecord{}, err
	}

	if err := exchange.Wait(ctx, s.limiter, opFundingRate, inst); err != nil {
		return market.BaselineRecord{}, err
	}
	rateCtx, rateBody := exchange.WithCapture(ctx)
	rates, err := s.client.NewFundingRateService().Symbol(sym).EndTime(end).Limit(1).Do(rateCtx)
	if err != nil {
		return market.BaselineRecord{}, s.classify(opFundingRate, inst, err, rateBody.Bytes())
	}
	if len(rates) == 0 || rates[len(rates)-1] == nil {
		return market.BaselineRecord{}, exchange.NewMalformed(opFundingRate, inst, rateBody.Bytes(), errors.New("no funding history"))
	}
	fundingRate, err := exchange.ParseDecimal(opFundingRate, inst, "fundingRate", rates[len(rates)-1].FundingRate, false)
	if err != nil {
		return market.BaselineRecord{}, err
	}

	observed := exchange.MillisToTime(stat.Timestamp)
	if observed.IsZero() {
		observed = at.UTC()
	}
	return market.BaselineRecord{
		Instrument:   inst,
		At:           observed,
		OpenInterest: openInterest.Mul(mult),
		FundingRate:  fundingRate,
	}, nil
}
