package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/bybit-exchange/bybit.go.api/handlers"
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
	Name = config.ExchangeBybit

	opTickers   = "tickers"
	opPositions = "position/list"
)

// retCodes that retrying cannot fix.
var fatalCodes = map[int]string{
	10001: "parameter error",
	10003: "invalid api key",
	10004: "invalid signature",
	10005: "permission denied",
	10007: "user authentication failed",
	110:   "symbol not found",
}

var rateLimitCodes = map[int]bool{
	10006: true,
	10018: true,
}

type tickerResult struct {
	Category string `json:"category"`
	List     []struct {
		Symbol          string `json:"symbol"`
		MarkPrice       string `json:"markPrice"`
		IndexPrice      string `json:"indexPrice"`
		FundingRate     string `json:"fundingRate"`
		NextFundingTime string `json:"nextFundingTime"`
		OpenInterest    string `json:"openInterest"`
	} `json:"list"`
}

type positionResult struct {
	List []struct {
		Symbol        string `json:"symbol"`
		Side          string `json:"side"`
		Size          string `json:"size"`
		AvgPrice      string `json:"avgPrice"`
		MarkPrice     string `json:"markPrice"`
		LiqPrice      string `json:"liqPrice"`
		PositionValue string `json:"positionValue"`
		UnrealisedPnl string `json:"unrealisedPnl"`
		Leverage      string `json:"leverage"`
	} `json:"list"`
}

// Source reads v5 linear or inverse ticker funding data and, with
// credentials, positions from Bybit.
type Source struct {
	client      *bybit.Client
	limiter     *rate.Limiter
	log         *logger.Log
	category    string
	withAccount bool
}

func New(cfg config.BybitSourceConfig, poller config.PollerConfig, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}

	base := cfg.URL
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.SecretKey, bybit.WithBaseURL(base))
	client.HTTPClient = exchange.NewHTTPClient(Name, cfg.ConnectionPool, poller.Timeout, log)

	category := cfg.Category
	if category == "" {
		category = "linear"
	}

	return &Source{
		client:      client,
		limiter:     exchange.NewLimiter(poller.RateLimit),
		log:         log,
		category:    category,
		withAccount: cfg.APIKey != "" && cfg.SecretKey != "",
	}
}

func (s *Source) Name() string { return Name }

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

// call runs one request and decodes its result into out.
func (s *Source) call(ctx context.Context, op string, inst market.Instrument, do func(ctx context.Context) (*bybit.ServerResponse, error), out interface{}) error {
	if err := exchange.Wait(ctx, s.limiter, op, inst); err != nil {
		return err
	}
	callCtx, body := exchange.WithCapture(ctx)
	resp, err := do(callCtx)
	if err != nil {
		return s.classifyErr(op, inst, err, body.Bytes())
	}
	if resp == nil {
		return exchange.NewMalformed(op, inst, nil, errors.New("empty response"))
	}
	if resp.RetCode != 0 {
		return s.classifyCode(op, inst, resp.RetCode, resp.RetMsg)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return exchange.NewMalformed(op, inst, nil, fmt.Errorf("marshal result: %w", err))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return exchange.NewMalformed(op, inst, payload, fmt.Errorf("decode result: %w", err))
	}
	return nil
}

func (s *Source) fetchFunding(ctx context.Context, inst market.Instrument, sym string, mult decimal.Decimal, observedAt time.Time) (market.FundingRecord, error) {
	params := map[string]interface{}{
		"category": s.category,
		"symbol":   sym,
	}
	var result tickerResult
	err := s.call(ctx, opTickers, inst, func(ctx context.Context) (*bybit.ServerResponse, error) {
		return s.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	}, &result)
	if err != nil {
		return market.FundingRecord{}, err
	}

	idx := -1
	for i := range result.List {
		if strings.EqualFold(result.List[i].Symbol, sym) {
			idx = i
			break
		}
	}
	if idx < 0 {
		raw, _ := json.Marshal(result)
		return market.FundingRecord{}, exchange.NewMalformed(opTickers, inst, raw, fmt.Errorf("no ticker for %s", sym))
	}
	t := result.List[idx]

	mark, err := exchange.ParseDecimal(opTickers, inst, "markPrice", t.MarkPrice, false)
	if err != nil {
		return market.FundingRecord{}, err
	}
	index, err := exchange.ParseDecimal(opTickers, inst, "indexPrice", t.IndexPrice, true)
	if err != nil {
		return market.FundingRecord{}, err
	}
	fundingRate, err := exchange.ParseDecimal(opTickers, inst, "fundingRate", t.FundingRate, false)
	if err != nil {
		return market.FundingRecord{}, err
	}
	openInterest, err := exchange.ParseDecimal(opTickers, inst, "openInterest", t.OpenInterest, true)
	if err != nil {
		return market.FundingRecord{}, err
	}
	var next time.Time
	if t.NextFundingTime != "" {
		ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64)
		if err != nil {
			return market.FundingRecord{}, exchange.NewMalformed(opTickers, inst, []byte(t.NextFundingTime), fmt.Errorf("field nextFundingTime: %w", err))
		}
		next = exchange.MillisToTime(ms)
	}

	return market.FundingRecord{
		Instrument:      inst,
		Rate:            fundingRate,
		NextFundingTime: next,
		MarkPrice:       mark.Div(mult),
		IndexPrice:      index.Div(mult),
		OpenInterest:    openInterest.Mul(mult),
		ObservedAt:      observedAt,
	}, nil
}

// fetchPosition nets hedge-mode legs into one position.
func (s *Source) fetchPosition(ctx context.Context, inst market.Instrument, sym string, mult decimal.Decimal, observedAt time.Time) (market.PositionRecord, error) {
	params := map[string]interface{}{
		"category": s.category,
		"symbol":   sym,
	}
	var result positionResult
	err := s.call(ctx, opPositions, inst, func(ctx context.Context) (*bybit.ServerResponse, error) {
		return s.client.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	}, &result)
	if err != nil {
		return market.PositionRecord{}, err
	}

	var (
		net, gross, costBasis, pnl, notional decimal.Decimal
		mark, liq, leverage, largest          decimal.Decimal
	)
	for _, p := range result.List {
		if !strings.EqualFold(p.Symbol, sym) {
			continue
		}
		size, err := exchange.ParseDecimal(opPositions, inst, "size", p.Size, false)
		if err != nil {
			return market.PositionRecord{}, err
		}
		avg, err := exchange.ParseDecimal(opPositions, inst, "avgPrice", p.AvgPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legMark, err := exchange.ParseDecimal(opPositions, inst, "markPrice", p.MarkPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legLiq, err := exchange.ParseDecimal(opPositions, inst, "liqPrice", p.LiqPrice, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		value, err := exchange.ParseDecimal(opPositions, inst, "positionValue", p.PositionValue, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legPnL, err := exchange.ParseDecimal(opPositions, inst, "unrealisedPnl", p.UnrealisedPnl, true)
		if err != nil {
			return market.PositionRecord{}, err
		}
		legLev, err := exchange.ParseDecimal(opPositions, inst, "leverage", p.Leverage, true)
		if err != nil {
			return market.PositionRecord{}, err
		}

		signed := size
		if strings.EqualFold(p.Side, "Sell") {
			signed = size.Neg()
			value = value.Neg()
		}
		net = net.Add(signed)
		gross = gross.Add(size)
		costBasis = costBasis.Add(size.Mul(avg))
		pnl = pnl.Add(legPnL)
		notional = notional.Add(value)
		if !legMark.IsZero() {
			mark = legMark
		}
		if leverage.IsZero() {
			leverage = legLev
		}
		if size.GreaterThan(largest) {
			largest = size
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

func (s *Source) classifyCode(op string, inst market.Instrument, code int, msg string) error {
	apiErr := fmt.Errorf("retCode %d: %s", code, msg)
	if reason, ok := fatalCodes[code]; ok {
		return &exchange.FatalAPIError{Op: op, Instrument: inst, Code: int64(code), Err: fmt.Errorf("%s: %w", reason, apiErr)}
	}
	if rateLimitCodes[code] {
		ratemetrics.ReportRateLimitExceeded(s.log, Name, inst.String(), op)
		return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: apiErr}
	}
	// unknown codes whose message names a rate limit are treated like one
	if limited, _ := ratemetrics.ReportLimitFromMessage(s.log, Name, inst.String(), op, msg); limited {
		return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: apiErr}
	}
	return &exchange.TransientFetchError{Op: op, Instrument: inst, Err: apiErr}
}

func (s *Source) classifyErr(op string, inst market.Instrument, err error, payload []byte) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return exchange.NewMalformed(op, inst, payload, err)
	}
	// the SDK turns every 4xx/5xx reply into an APIError carrying the body's retCode
	var apiErr *handlers.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return s.classifyCode(op, inst, int(apiErr.Code), apiErr.Message)
	}
	var transient *exchange.TransientFetchError
	if !errors.As(err, &transient) && strings.Contains(strings.ToLower(err.Error()), "too many requests") {
		// the SDK may flatten the transport error into text
		return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: err}
	}
	return exchange.AsTransient(op, inst, err)
}
