package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig creates a configuration file for LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}

const minimalConfig = `fundflow:
  name: "TestApp"
  version: "1.0"
poller:
  exchange: binance
  instruments: ["BTCUSDT", "ethusdt"]
  interval: 15s
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Fundflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Fundflow.Name)
	}
	if cfg.Poller.Interval != 15*time.Second {
		t.Errorf("unexpected interval: %s", cfg.Poller.Interval)
	}
	if len(cfg.Poller.Instruments) != 2 {
		t.Errorf("unexpected instruments: %v", cfg.Poller.Instruments)
	}
	// defaults survive for keys the file omits
	if cfg.Poller.Retention != 120 || cfg.Poller.Retry.MaxAttempts != 3 {
		t.Errorf("defaults not applied: retention=%d attempts=%d", cfg.Poller.Retention, cfg.Poller.Retry.MaxAttempts)
	}
	if cfg.Source.Binance.URL != "https://fapi.binance.com" {
		t.Errorf("unexpected binance url: %s", cfg.Source.Binance.URL)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", " key ")
	t.Setenv("BINANCE_SECRET_KEY", "secret")
	t.Setenv("FUNDFLOW_INSTRUMENTS", "SOLUSDT,XRPUSDT,DOGEUSDT")

	cfg, err := LoadConfig(writeTempConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Binance.APIKey != "key" || cfg.Source.Binance.SecretKey != "secret" {
		t.Errorf("credentials not taken from env: %+v", cfg.Source.Binance)
	}
	if got := strings.Join(cfg.Poller.Instruments, ","); got != "SOLUSDT,XRPUSDT,DOGEUSDT" {
		t.Errorf("instruments not taken from env: %s", got)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "unsupported exchange",
			content: "poller:\n  exchange: kraken\n  instruments: [BTCUSDT]\n",
			want:    "poller.exchange",
		},
		{
			name:    "no instruments",
			content: "poller:\n  exchange: binance\n",
			want:    "poller.instruments",
		},
		{
			name:    "zero interval",
			content: "poller:\n  instruments: [BTCUSDT]\n  interval: 0s\n",
			want:    "poller.interval",
		},
		{
			name:    "bad multiplier",
			content: "poller:\n  instruments: [BTCUSDT]\n  retry:\n    backoff_multiplier: 0.5\n",
			want:    "backoff_multiplier",
		},
		{
			name:    "bybit category",
			content: "poller:\n  exchange: bybit\n  instruments: [BTCUSDT]\nsource:\n  bybit:\n    category: spot\n",
			want:    "source.bybit.category",
		},
		{
			name:    "discovery outside binance",
			content: "poller:\n  exchange: bybit\n  discover: true\n",
			want:    "poller.discover",
		},
		{
			name:    "flow outside binance",
			content: "poller:\n  exchange: kucoin\n  instruments: [BTCUSDT]\nflow:\n  enabled: true\n",
			want:    "flow",
		},
		{
			name:    "flow interval",
			content: "poller:\n  instruments: [BTCUSDT]\nflow:\n  enabled: true\n  interval: 7h\n",
			want:    "flow.interval",
		},
		{
			name:    "commentary without key",
			content: "poller:\n  instruments: [BTCUSDT]\ncommentary:\n  enabled: true\n",
			want:    "commentary.api_key",
		},
		{
			name:    "s3 bucket",
			content: "poller:\n  instruments: [BTCUSDT]\nstorage:\n  s3:\n    enabled: true\n    bucket: Bad_Bucket\n    region: eu-west-1\n",
			want:    "storage.s3.bucket",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Setenv("OPENAI_API_KEY", "")
			t.Setenv("FUNDFLOW_INSTRUMENTS", "")
			_, err := LoadConfig(writeTempConfig(t, c.content))
			if err == nil {
				t.Fatalf("expected validation error containing %q", c.want)
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}

func TestLoadConfigDiscoverWithoutInstruments(t *testing.T) {
	t.Setenv("FUNDFLOW_INSTRUMENTS", "")
	cfg, err := LoadConfig(writeTempConfig(t, "poller:\n  exchange: binance\n  discover: true\nflow:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !cfg.Poller.Discover || len(cfg.Poller.Instruments) != 0 {
		t.Fatalf("unexpected poller config %+v", cfg.Poller)
	}
	if cfg.Flow.Interval != "4h" || cfg.Flow.Refresh != 15*time.Minute || cfg.Flow.Concurrency != 4 {
		t.Fatalf("unexpected flow defaults %+v", cfg.Flow)
	}
}

func TestLoadConfigKucoin(t *testing.T) {
	cfg, err := LoadConfig(writeTempConfig(t, "poller:\n  exchange: kucoin\n  instruments: [BTCUSDT]\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Source.Kucoin.URL != "https://api-futures.kucoin.com" || cfg.Source.Kucoin.ConnectionPool.MaxIdleConns == 0 {
		t.Fatalf("unexpected kucoin defaults %+v", cfg.Source.Kucoin)
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv(appEnvVar, " PROD ")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Fatalf("expected production, got %s", env)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatal("production should be production-like")
	}

	t.Setenv(appEnvVar, "")
	if env := AppEnvironment(); env != EnvironmentDevelopment {
		t.Fatalf("expected development default, got %s", env)
	}
	if IsProductionLike(AppEnvironment()) {
		t.Fatal("development should not be production-like")
	}
}

func TestResolvePathKeepsExplicitPath(t *testing.T) {
	t.Setenv(appEnvVar, "staging")
	if got := ResolvePath("/etc/fundflow.yml"); got != "/etc/fundflow.yml" {
		t.Fatalf("explicit path rewritten to %s", got)
	}
	// no config/config.staging.yml relative to the package directory
	if got := ResolvePath(""); got != DefaultPath {
		t.Fatalf("expected default path, got %s", got)
	}
}
