package symbols

import "testing"

func TestToExchange(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"binance", " pepeusdt ", "1000PEPEUSDT"},
		{"binance", "SHIBUSDT", "1000SHIBUSDT"},
		{"bybit", "SHIBUSDT", "SHIB1000USDT"},
		{"bybit", "BONKUSDT", "1000BONKUSDT"},
		{"kraken", "PEPEUSDT", "PEPEUSDT"},
		{"kucoin", "BTCUSDT", "XBTUSDTM"},
		{"kucoin", "ethusdt", "ETHUSDTM"},
	}
	for _, tt := range tests {
		if got := ToExchange(tt.exchange, tt.in); got != tt.want {
			t.Errorf("ToExchange(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestToCanonical(t *testing.T) {
	tests := []struct {
		exchange string
		in       string
		want     string
	}{
		{"binance", "ETHUSDT", "ETHUSDT"},
		{"binance", "1000BONKUSDT", "BONKUSDT"},
		{"binance", "1000PEPEUSDT", "PEPEUSDT"},
		{"binance", "1000SHIBUSDT", "SHIBUSDT"},
		{"bybit", "SHIB1000USDT", "SHIBUSDT"},
		{"bybit", "1000PEPEUSDT", "PEPEUSDT"},
		{"bybit", "BTC-USDT", "BTCUSDT"},
		{"kucoin", "XBTUSDTM", "BTCUSDT"},
		{"kucoin", "SOL-USDTM", "SOLUSDT"},
	}
	for _, tt := range tests {
		if got := ToCanonical(tt.exchange, tt.in); got != tt.want {
			t.Errorf("ToCanonical(%s,%s)=%s want %s", tt.exchange, tt.in, got, tt.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for exchange, list := range aliases {
		for _, a := range list {
			if got := ToCanonical(exchange, ToExchange(exchange, a.canonical)); got != a.canonical {
				t.Errorf("%s round trip of %s gave %s", exchange, a.canonical, got)
			}
		}
	}
}

func TestKucoinRoundTrip(t *testing.T) {
	for _, sym := range []string{"BTCUSDT", "ETHUSDT", "PEPEUSDT"} {
		if got := ToCanonical("kucoin", ToExchange("kucoin", sym)); got != sym {
			t.Errorf("kucoin round trip of %s gave %s", sym, got)
		}
	}
}

func TestMultiplier(t *testing.T) {
	if got := Multiplier("binance", "PEPEUSDT"); got.IntPart() != 1000 {
		t.Fatalf("expected 1000, got %s", got)
	}
	if got := Multiplier("binance", "BTCUSDT"); got.IntPart() != 1 {
		t.Fatalf("expected 1, got %s", got)
	}
}
