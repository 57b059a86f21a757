package symbols

import (
	"strings"

	"github.com/shopspring/decimal"
)

// alias links a canonical instrument to the contract an exchange lists it under.
// Contracts quoted per 1000 units carry a multiplier of 1000.
type alias struct {
	canonical  string
	contract   string
	multiplier int64
}

var aliases = map[string][]alias{
	"binance": {
		{"BONKUSDT", "1000BONKUSDT", 1000},
		{"PEPEUSDT", "1000PEPEUSDT", 1000},
		{"SHIBUSDT", "1000SHIBUSDT", 1000},
		{"FLOKIUSDT", "1000FLOKIUSDT", 1000},
	},
	"bybit": {
		{"BONKUSDT", "1000BONKUSDT", 1000},
		{"PEPEUSDT", "1000PEPEUSDT", 1000},
		{"SHIBUSDT", "SHIB1000USDT", 1000},
		{"FLOKIUSDT", "1000FLOKIUSDT", 1000},
	},
}

// KuCoin lists USDT-margined perpetuals with an "M" suffix and Bitcoin as XBT.
const kucoin = "kucoin"

func kucoinContract(sym string) string {
	if strings.HasPrefix(sym, "BTC") {
		sym = "XBT" + strings.TrimPrefix(sym, "BTC")
	}
	return sym + "M"
}

func kucoinCanonical(sym string) string {
	sym = strings.TrimSuffix(sym, "M")
	if strings.HasPrefix(sym, "XBT") {
		sym = "BTC" + strings.TrimPrefix(sym, "XBT")
	}
	return sym
}

func lookup(exchange string, match func(alias) bool) (alias, bool) {
	for _, a := range aliases[strings.ToLower(exchange)] {
		if match(a) {
			return a, true
		}
	}
	return alias{}, false
}

// ToExchange converts a canonical instrument to the symbol the exchange trades it under.
func ToExchange(exchange, canonical string) string {
	sym := strings.ToUpper(strings.TrimSpace(canonical))
	if a, ok := lookup(exchange, func(a alias) bool { return a.canonical == sym }); ok {
		return a.contract
	}
	if strings.EqualFold(exchange, kucoin) {
		return kucoinContract(sym)
	}
	return sym
}

// ToCanonical converts an exchange symbol back to its canonical instrument.
// It ensures symbols are uppercase without separators.
func ToCanonical(exchange, sym string) string {
	sym = strings.ToUpper(strings.TrimSpace(sym))
	sym = strings.ReplaceAll(sym, "-", "")
	sym = strings.ReplaceAll(sym, "/", "")
	if a, ok := lookup(exchange, func(a alias) bool { return a.contract == sym }); ok {
		return a.canonical
	}
	if strings.EqualFold(exchange, kucoin) {
		return kucoinCanonical(sym)
	}
	return sym
}

// Multiplier returns how many canonical units one exchange contract unit stands for.
// Prices quoted on the contract divide by it and quantities multiply by it.
func Multiplier(exchange, canonical string) decimal.Decimal {
	sym := strings.ToUpper(strings.TrimSpace(canonical))
	if a, ok := lookup(exchange, func(a alias) bool { return a.canonical == sym }); ok {
		return decimal.NewFromInt(a.multiplier)
	}
	return decimal.NewFromInt(1)
}
