package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	sdkapi "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
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
	Name = config.ExchangeKucoin

	opContract = "contracts"
)

// KuCoin business codes that retrying cannot fix.
var fatalCodes = map[int64]string{
	400001: "missing api key",
	400003: "invalid api key",
	400004: "invalid passphrase",
	400005: "invalid signature",
	400006: "request ip not allowed",
	400007: "access denied",
	400100: "parameter error",
	411100: "user frozen",
}

var rateLimitCodes = map[int64]bool{
	429000: true,
	200002: true,
}

var codePattern = regexp.MustCompile(`code[^0-9]{0,4}(\d{6})`)

// symbolReader is the part of the SDK market API the source uses.
type symbolReader interface {
	GetSymbol(req *futuresmarket.GetSymbolReq, ctx context.Context) (*futuresmarket.GetSymbolResp, error)
}

// contract is the subset of /api/v1/contracts/{symbol} read into records.
// Numeric fields arrive as JSON numbers or strings depending on the
// endpoint version, decimal accepts both.
type contract struct {
	Symbol                  string          `json:"symbol"`
	Multiplier              decimal.Decimal `json:"multiplier"`
	MarkPrice               decimal.Decimal `json:"markPrice"`
	IndexPrice              decimal.Decimal `json:"indexPrice"`
	FundingFeeRate          decimal.Decimal `json:"fundingFeeRate"`
	NextFundingRateTime     decimal.Decimal `json:"nextFundingRateTime"`
	NextFundingRateDateTime decimal.Decimal `json:"nextFundingRateDateTime"`
	OpenInterest            string          `json:"openInterest"`
}

// Source reads public futures contract data from KuCoin. KuCoin positions
// need signed requests this source does not make, so positions are flat.
type Source struct {
	market  symbolReader
	limiter *rate.Limiter
	log     *logger.Log
}

func New(cfg config.KucoinSourceConfig, poller config.PollerConfig, log *logger.Log) *Source {
	if log == nil {
		log = logger.GetLogger()
	}

	baseURL := cfg.URL
	if baseURL == "" {
		baseURL = "https://api-futures.kucoin.com"
	} else if u, err := url.Parse(cfg.URL); err == nil && u.Host != "" {
		baseURL = fmt.Sprintf("%s://%s", u.Scheme, u.Host)
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(cfg.ConnectionPool.MaxIdleConns).
		SetMaxIdleConnsPerHost(cfg.ConnectionPool.MaxIdleConns).
		SetMaxConnsPerHost(cfg.ConnectionPool.MaxConnsPerHost).
		SetIdleConnTimeout(cfg.ConnectionPool.IdleConnTimeout).
		SetTimeout(poller.Timeout).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := sdkapi.NewClient(option)

	return &Source{
		market:  client.RestService().GetFuturesService().GetMarketAPI(),
		limiter: exchange.NewLimiter(poller.RateLimit),
		log:     log,
	}
}

func (s *Source) Name() string { return Name }

func (s *Source) Fetch(ctx context.Context, inst market.Instrument, observedAt time.Time) (exchange.Observation, error) {
	funding, err := s.fetchFunding(ctx, inst, observedAt)
	if err != nil {
		return exchange.Observation{}, err
	}
	return exchange.Observation{
		Position: market.FlatPosition(inst, funding.MarkPrice, observedAt),
		Funding:  funding,
	}, nil
}

func (s *Source) fetchFunding(ctx context.Context, inst market.Instrument, observedAt time.Time) (market.FundingRecord, error) {
	sym := symbols.ToExchange(Name, inst.String())
	if err := exchange.Wait(ctx, s.limiter, opContract, inst); err != nil {
		return market.FundingRecord{}, err
	}

	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(sym).Build()
	resp, err := s.market.GetSymbol(req, ctx)
	if err != nil {
		return market.FundingRecord{}, s.classify(opContract, inst, err)
	}
	if resp == nil {
		return market.FundingRecord{}, exchange.NewMalformed(opContract, inst, nil, fmt.Errorf("empty response for %s", sym))
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return market.FundingRecord{}, exchange.NewMalformed(opContract, inst, nil, fmt.Errorf("marshal contract: %w", err))
	}
	var c contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return market.FundingRecord{}, exchange.NewMalformed(opContract, inst, raw, fmt.Errorf("decode contract: %w", err))
	}
	if !strings.EqualFold(c.Symbol, sym) {
		return market.FundingRecord{}, exchange.NewMalformed(opContract, inst, raw, fmt.Errorf("asked for %s, got %q", sym, c.Symbol))
	}
	if c.MarkPrice.IsZero() {
		return market.FundingRecord{}, exchange.NewMalformed(opContract, inst, raw, errors.New("missing field markPrice"))
	}

	contracts, err := exchange.ParseDecimal(opContract, inst, "openInterest", c.OpenInterest, true)
	if err != nil {
		return market.FundingRecord{}, err
	}
	// open interest is counted in lots of multiplier base units
	lot := c.Multiplier.Abs()
	if lot.IsZero() {
		lot = decimal.NewFromInt(1)
	}

	next := exchange.MillisToTime(c.NextFundingRateDateTime.IntPart())
	if next.IsZero() && c.NextFundingRateTime.IsPositive() {
		next = observedAt.Add(time.Duration(c.NextFundingRateTime.IntPart()) * time.Millisecond).UTC()
	}

	return market.FundingRecord{
		Instrument:      inst,
		Rate:            c.FundingFeeRate,
		NextFundingTime: next,
		MarkPrice:       c.MarkPrice,
		IndexPrice:      c.IndexPrice,
		OpenInterest:    contracts.Mul(lot),
		ObservedAt:      observedAt,
	}, nil
}

// errorCode pulls the six digit business code out of an SDK error.
func errorCode(msg string) int64 {
	m := codePattern.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	code, _ := strconv.ParseInt(m[1], 10, 64)
	return code
}

func (s *Source) classify(op string, inst market.Instrument, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return exchange.NewMalformed(op, inst, nil, err)
	}

	msg := err.Error()
	code := errorCode(msg)
	if reason, ok := fatalCodes[code]; ok {
		return &exchange.FatalAPIError{Op: op, Instrument: inst, Code: code, Err: fmt.Errorf("%s: %w", reason, err)}
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "contract") && (strings.Contains(lower, "not exist") || strings.Contains(lower, "invalid")) {
		return &exchange.FatalAPIError{Op: op, Instrument: inst, Code: code, Err: err}
	}
	if rateLimitCodes[code] {
		ratemetrics.ReportRateLimitExceeded(s.log, Name, inst.String(), op)
		return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: err}
	}
	if limited, _ := ratemetrics.ReportLimitFromMessage(s.log, Name, inst.String(), op, msg); limited {
		return &exchange.TransientFetchError{Op: op, Instrument: inst, RateLimited: true, Err: err}
	}
	return exchange.AsTransient(op, inst, err)
}
