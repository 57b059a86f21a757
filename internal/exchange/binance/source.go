package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundflow/config"
	"fundflow/internal/exchange"
	"fundflow/internal/market"
	ratemetrics "fundflow/internal/metrics/rate"
	"fundflow/internal/symbols"
	"fundflow/logger"
)

const (
	Name = config.ExchangeBinance

	opPremiumIndex = "premiumIndex"
	opOpenInterest = "openInterest"
	opPositionRisk = "positionRisk"
	opExchangeInfo = "exchangeInfo"
)

// API error codes that retrying cannot fix.
var fatalCodes = map[int64]string{
	-1002: "unauthorized",
	-1022: "invalid signature",
	-1121: "invalid symbol",
	-2008: "invalid api key id",
	-2014: "api key format invalid",
	-2015: "invalid api key, ip or permissions",
}

var rateLimitCodes = map[int64]bool{
	-1003: true,
	-1015: true,
}

// Source reads USDⓈ-M futures funding, open interest and, with credentials,
// account positions from Binance.
type Source struct {
	client      *futures.Client
	limiter     *rate.Limiter
	log         *logger.Log
	withAccount bool
	weightLimit atomic.Int64
}

// New creates a Binance source. Positions are only requested when both API
// key and secret are configured; otherwise every position is flat.
func New(cfg config.BinanceSourceConfig, poller config.PollerConfig, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}
	client := futures.NewClient(cfg.APIKey, cfg.SecretKey)
	client.HTTPClient = exchange.NewHTTPClient(Name, cfg.ConnectionPool, poller.Timeout, log)
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	return &Source{
		client:      client,
		limiter:     exchange.NewLimiter(poller.RateLimit),
		log:         log,
		withAccount: cfg.APIKey != "" && cfg.SecretKey != "",
	}
}

func (s *Source) Name() string { return Name }

// Warm reads the REQUEST_WEIGHT limit so it shows up next to the used weight.
func (s *Source) Warm(ctx context.Context) error {
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, s.log, s.client)
	if err != nil {
		return fmt.Errorf("binance exchange info: %w", s.classify(opExchangeInfo, "", err, nil))
	}
	s.weightLimit.Store(limit)
	s.log.WithComponent("binance_source").WithFields(logger.Fields{
		"request_weight_limit": limit,
		"account":              s.withAccount,
	}).Info("binance source ready")
	return nil
}

// WeightLimit is the per-minute request weight reported by Warm, 0 if unknown.
func (s *Source) WeightLimit() int64 { return s.weightLimit.Load() }

func (s *Source) Fetch(ctx context.Context, inst market.Instrument, observedAt time.Time) (exchange.Observation, error) {
	sym := symbols.ToExchange(Name, inst.String())
	mult := symbols.Multiplier(Name, inst.String())

	funding, err := s.fetchFunding(ctx, inst, sym, mult, observedAt)
	if err != nil {
		return exchange.Observation{}, err
	}

	position := market.FlatPosition(inst, funding.MarkPrice, observedAt)
	if s.withAccount {
		position, err = s.fetchPosition(ctx, inst, sym, mult, observedAt)
		if err != nil {
			return exchange.Observation{}, err
		}
		if position.MarkPrice.IsZero() {
			position.MarkPrice = funding.MarkPrice
		}
	}

	return exchange.Observation{Position: position, Funding: funding}, nil
}

func (s *Source) fetchFunding(ctx context.Context, inst market.Instrument, sym string, mult decimal.Decimal, observedAt time.Time) (market.FundingRecord, error) {
	if err := exchange.Wait(ctx, s.limiter, opPremiumIndex, inst); err != nil {
		return market.FundingRecord{}, err
	}
	piCtx, piBody := exchange.WithCapture(ctx)
	indexes, err := s.client.NewPremiumIndexService().Symbol(sym).Do(piCtx)
	if err != nil {
		return market.FundingRecord{}, s.classify(opPremiumIndex, inst, err, piBody.Bytes())
	}

	var pi *futures.PremiumIndex
	for _, candidate := range indexes {
		if candidate != nil && strings.EqualFold(candidate.Symbol, sym) {
			pi = candidate
			break
		}
	}
	if pi == nil {
		raw, _ := json.Marshal(indexes)
		return market.FundingRecord{}, exchange.NewMalformed(opPremiumIndex, inst, raw, fmt.Errorf("no premium index for %s", sym))
	}

	mark, err := exchange.ParseDecimal(opPremiumIndex, inst, "markPrice", pi.MarkPrice, false)
	if err != nil {
		return market.FundingRecord{}, err
	}
	index, err := exchange.ParseDecimal(opPremiumIndex, inst, "indexPrice", pi.IndexPrice, true)
	if err != nil {
		return market.FundingRecord{}, err
	}
	fundingRate, err := exchange.ParseDecimal(opPremiumIndex, inst, "lastFundingRate", pi.LastFundingRate, false)
	if err != nil {
		return market.FundingRecord{}, err
	}

	if err := exchange.Wait(ctx, s.limiter, opOpenInterest, inst); err != nil {
		return market.FundingRecord{}, err
	}
	oiCtx, oiBody := exchange.WithCapture(ctx)
	oi, err := s.client.NewGetOpenInterestService().Symbol(sym).Do(oiCtx)
	if err != nil {
		return market.FundingRecord{}, s.classify(opOpenInterest, inst, err, oiBody.Bytes())
	}
	if oi == nil {
		return market.FundingRecord{}, exchange.NewMalformed(opOpenInterest, inst, nil, errors.New("empty open interest"))
	}
	openInterest, err := exchange.ParseDecimal(opOpenInterest, inst, "openInterest", oi.OpenInterest, false)
	if err != nil {
		return market.FundingRecord{}, err
	}

	return market.FundingRecord{
		Instrument:      inst,
		Rate:            fundingRate,
		NextFundingTime: exchange.MillisToTime(pi.NextFundingTime),
		MarkPrice:       mark.Div(mult),
		IndexPrice:      index.Div(mult),
		OpenInterest:    openInterest.Mul(mult),
		ObservedAt:      observedAt,
	}, nil
}

// fetchPosition nets hedge-mode legs into one position.
func (s *Source) fetchPosition(ctx context.Context, inst market.Instrument, sym string, mult decimal.Decimal, observedAt time.Time) (market.PositionRecord, error) {
	if err := exchange.Wait(ctx, s.limiter, opPositionRisk, inst); err != nil {
		return market.PositionRecord{}, err
	}
	riskCtx, riskBody := exchange.WithCapture(ctx)
	risks, err := s.client.NewGetPositionRiskService().Symbol(sym).Do(riskCtx)
	if err != nil {
		return market.PositionRecord{}, s.classify(opPositionRisk, inst, err, riskBody.Bytes())
	}

	var (
		net, gross, costBasis, pnl, notional decimal.Decimal
		mark, liq, leverage, largest          decimal.Decimal
	)
	for _, r := range risks {
		if r == nil || !strings.EqualFold(r.Symbol, sym) {
			continue
		}
		amt, err := exchange.ParseDecimal(opPositionRisk, inst, "positionAmt", r.PositionAmt, false)
		if err != nil {
			return market.PositionRecord{}, err
		}
		entry, err := exchange.ParseDecimal(opPositionRisk, inst, "entryPrice", r.EntryPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legPnL, err := exchange.ParseDecimal(opPositionRisk, inst, "unRealizedProfit", r.UnRealizedProfit, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legNotional, err := exchange.ParseDecimal(opPositionRisk, inst, "notional", r.Notional, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legMark, err := exchange.ParseDecimal(opPositionRisk, inst, "markPrice", r.MarkPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legLev, err := exchange.ParseDecimal(opPositionRisk, inst, "leverage", r.Leverage, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legLiq, err := exchange.ParseDecimal(opPositionRisk, inst, "liquidationPrice", r.LiquidationPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}

		net = net.Add(amt)
		gross = gross.Add(amt.Abs())
		costBasis = costBasis.Add(amt.Abs().Mul(entry))
		pnl = pnl.Add(legPnL)
		notional = notional.Add(legNotional)
		if !legMark.IsZero() {
			mark = legMark
		}
		if leverage.IsZero() {
			leverage = legLev
		}
		// the largest leg decides liquidation price and leverage
		if amt.Abs().GreaterThan(largest) {
			largest = amt.Abs()
			liq = legLiq
			leverage = legLev
		}
	}

	entryPrice := decimal.Zero
	if !gross.IsZero() {
		entryPrice = costBasis.Div(gross)
	}

	return market.PositionRecord{
		Instrument:       inst,
		Side:             market.SideFromAmount(net),
		Size:             net.Abs().Mul(mult),
		EntryPrice:       entryPrice.Div(mult),
		MarkPrice:        mark.Div(mult),
		LiquidationPrice: liq.Div(mult),
		Notional:         notional.Abs(),
		UnrealizedPnL:    pnl,
		Leverage:         leverage,
		ObservedAt:       observedAt,
	}, nil
}

// classify maps SDK errors onto the fetch error taxonomy. payload is the
// captured response body, attached to decode failures.
func (s *Source) classify(op string, inst market.Instrument, err error, payload []byte) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	var transient *exchange.TransientFetchError
	if errors.As(err, &transient) {
		return exchange.AsTransient(op, inst, err)
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if reason, ok := fatalCodes[apiErr.Code]; ok {
			return &exchange.FatalAPIError{Op: op, Instrument: inst, Code: apiErr.Code, Err: fmt.Errorf("%s: %s", reason, apiErr.Message)}
		}
		if rateLimitCodes[apiErr.Code] {
			_, banned := ratemetrics.ReportLimitFromMessage(s.log, Name, inst.String(), op, apiErr.Message)
			var retryAfter time.Duration
			if banned {
				retryAfter, _ = ratemetrics.BanUntil(apiErr.Message, time.Now())
			}
			return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, RetryAfter: retryAfter, Err: apiErr}
		}
		return &exchange.TransientFetchError{Op: op, Instrument: inst, Err: apiErr}
	}

	if isDecodeError(err) {
		return exchange.NewMalformed(op, inst, payload, err)
	}
	return exchange.AsTransient(op, inst, err)
}

func isDecodeError(err error) bool {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "invalid character") || strings.Contains(msg, "cannot unmarshal") || strings.Contains(msg, "unexpected end of JSON")
}
