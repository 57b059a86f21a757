package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ExchangeBinance = "binance"
	ExchangeBybit   = "bybit"
	ExchangeKucoin  = "kucoin"
)

type Config struct {
	Fundflow   FundflowConfig   `yaml:"fundflow"`
	Poller     PollerConfig     `yaml:"poller"`
	Source     SourceConfig     `yaml:"source"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Flow       FlowConfig       `yaml:"flow"`
	Commentary CommentaryConfig `yaml:"commentary"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Storage    StorageConfig    `yaml:"storage"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FundflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type PollerConfig struct {
	Exchange    string          `yaml:"exchange"`
	Instruments []string        `yaml:"instruments"`
	// Discover replaces Instruments with every USDT perpetual the exchange
	// lists at startup.
	Discover    bool            `yaml:"discover"`
	Interval    time.Duration   `yaml:"interval"`
	Retention   int             `yaml:"retention"`
	Concurrency int             `yaml:"concurrency"`
	Timeout     time.Duration   `yaml:"timeout"`
	Retry       RetryConfig     `yaml:"retry"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	Jitter            bool          `yaml:"jitter"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
	Kucoin  KucoinSourceConfig  `yaml:"kucoin"`
}

type BinanceSourceConfig struct {
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	SecretKey      string               `yaml:"secret_key"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type BybitSourceConfig struct {
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	SecretKey      string               `yaml:"secret_key"`
	Category       string               `yaml:"category"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// KucoinSourceConfig reads public futures contract data only.
type KucoinSourceConfig struct {
	URL            string               `yaml:"url"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

// FlowConfig drives the market data fetched beside the polling cycle:
// taker flow from klines and history baselines for the change rankings.
type FlowConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    string        `yaml:"interval"`
	Refresh     time.Duration `yaml:"refresh"`
	Concurrency int           `yaml:"concurrency"`
}

type ReporterConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Lookback picks the baseline snapshot for change rankings.
	Lookback time.Duration `yaml:"lookback"`
	TopN     int           `yaml:"top_n"`
}

type CommentaryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	SystemPrompt string        `yaml:"system_prompt"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxTokens    int           `yaml:"max_tokens"`
}

type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	HistoryLimit    int           `yaml:"history_limit"`
	MetricCapacity  int           `yaml:"metric_capacity"`
	LogCapacity     int           `yaml:"log_capacity"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	Prefix          string        `yaml:"prefix"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	UsedWeight bool             `yaml:"used_weight"`
	RateLimit  bool             `yaml:"rate_limit"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() Config {
	return Config{
		Fundflow: FundflowConfig{Name: "fundflow"},
		Poller: PollerConfig{
			Exchange:    ExchangeBinance,
			Interval:    30 * time.Second,
			Retention:   120,
			Concurrency: 4,
			Timeout:     10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         500 * time.Millisecond,
				MaxDelay:          5 * time.Second,
				BackoffMultiplier: 2,
				Jitter:            true,
			},
			RateLimit: RateLimitConfig{RequestsPerSecond: 10, BurstSize: 5},
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				URL: "https://fapi.binance.com",
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    16,
					MaxConnsPerHost: 8,
					IdleConnTimeout: 90 * time.Second,
				},
			},
			Bybit: BybitSourceConfig{
				URL:      "https://api.bybit.com",
				Category: "linear",
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    16,
					MaxConnsPerHost: 8,
					IdleConnTimeout: 90 * time.Second,
				},
			},
			Kucoin: KucoinSourceConfig{
				URL: "https://api-futures.kucoin.com",
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    16,
					MaxConnsPerHost: 8,
					IdleConnTimeout: 90 * time.Second,
				},
			},
		},
		Reporter: ReporterConfig{Interval: time.Minute, Lookback: 4 * time.Hour, TopN: 10},
		Flow:     FlowConfig{Interval: "4h", Refresh: 15 * time.Minute, Concurrency: 4},
		Commentary: CommentaryConfig{
			Model:        "gpt-4o-mini",
			SystemPrompt: "You are a derivatives analyst. Comment briefly on funding, premium, open interest and open positions in the table.",
			Interval:     10 * time.Minute,
			Timeout:      30 * time.Second,
			MaxTokens:    400,
		},
		Dashboard: DashboardConfig{
			Address:         ":8080",
			RefreshInterval: 2 * time.Second,
			HistoryLimit:    50,
			MetricCapacity:  500,
			LogCapacity:     500,
		},
		Storage: StorageConfig{
			S3: S3Config{
				Prefix:        "fundflow",
				Compression:   "snappy",
				FlushInterval: 5 * time.Minute,
			},
		},
		Metrics: MetricsConfig{
			UsedWeight: true,
			RateLimit:  true,
			CloudWatch: CloudWatchConfig{Namespace: "Fundflow", Dashboard: "Fundflow"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			MaxAge: 7,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Poller.Exchange = strings.ToLower(strings.TrimSpace(config.Poller.Exchange))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	setFromEnv(&config.Source.Binance.APIKey, "BINANCE_API_KEY")
	setFromEnv(&config.Source.Binance.SecretKey, "BINANCE_SECRET_KEY")
	setFromEnv(&config.Source.Bybit.APIKey, "BYBIT_API_KEY")
	setFromEnv(&config.Source.Bybit.SecretKey, "BYBIT_SECRET_KEY")
	setFromEnv(&config.Commentary.APIKey, "OPENAI_API_KEY")
	setFromEnv(&config.Commentary.BaseURL, "OPENAI_BASE_URL")

	if v := strings.TrimSpace(os.Getenv("FUNDFLOW_INSTRUMENTS")); v != "" {
		config.Poller.Instruments = strings.Split(v, ",")
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		setFromEnv(&config.Storage.S3.AccessKeyID, "AWS_ACCESS_KEY_ID")
		setFromEnv(&config.Storage.S3.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
		setFromEnv(&config.Storage.S3.Region, "AWS_REGION")
		setFromEnv(&config.Storage.S3.Bucket, "S3_BUCKET")
	}
	if config.Metrics.CloudWatch.Enabled && config.Metrics.CloudWatch.Region == "" {
		setFromEnv(&config.Metrics.CloudWatch.Region, "AWS_REGION")
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Fundflow.Name == "" {
		return fmt.Errorf("fundflow.name is required")
	}

	switch cfg.Poller.Exchange {
	case ExchangeBinance, ExchangeBybit, ExchangeKucoin:
	default:
		return fmt.Errorf("poller.exchange '%s' is not supported", cfg.Poller.Exchange)
	}
	if cfg.Poller.Discover && cfg.Poller.Exchange != ExchangeBinance {
		return fmt.Errorf("poller.discover is only supported for %s", ExchangeBinance)
	}
	if len(cfg.Poller.Instruments) == 0 && !cfg.Poller.Discover {
		return fmt.Errorf("poller.instruments must list at least one instrument")
	}
	if cfg.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if cfg.Poller.Retention <= 0 {
		return fmt.Errorf("poller.retention must be positive")
	}
	if cfg.Poller.Concurrency <= 0 {
		return fmt.Errorf("poller.concurrency must be positive")
	}
	if cfg.Poller.Timeout <= 0 {
		return fmt.Errorf("poller.timeout must be positive")
	}
	if cfg.Poller.Retry.MaxAttempts < 1 {
		return fmt.Errorf("poller.retry.max_attempts must be at least 1")
	}
	if cfg.Poller.Retry.BaseDelay < 0 || cfg.Poller.Retry.MaxDelay < 0 {
		return fmt.Errorf("poller.retry delays must not be negative")
	}
	if cfg.Poller.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("poller.retry.backoff_multiplier must be at least 1")
	}
	if cfg.Poller.RateLimit.RequestsPerSecond <= 0 || cfg.Poller.RateLimit.BurstSize <= 0 {
		return fmt.Errorf("poller.rate_limit requires positive requests_per_second and burst_size")
	}

	if cfg.Poller.Exchange == ExchangeBybit {
		switch cfg.Source.Bybit.Category {
		case "linear", "inverse":
		default:
			return fmt.Errorf("source.bybit.category '%s' is not supported", cfg.Source.Bybit.Category)
		}
	}

	if cfg.Flow.Enabled {
		if cfg.Poller.Exchange != ExchangeBinance {
			return fmt.Errorf("flow is only supported for %s", ExchangeBinance)
		}
		if !klineIntervals[cfg.Flow.Interval] {
			return fmt.Errorf("flow.interval '%s' is not a kline interval", cfg.Flow.Interval)
		}
		if cfg.Flow.Refresh <= 0 || cfg.Flow.Concurrency <= 0 {
			return fmt.Errorf("flow requires positive refresh and concurrency")
		}
	}

	if cfg.Reporter.Enabled && cfg.Reporter.Interval <= 0 {
		return fmt.Errorf("reporter.interval must be positive when the reporter is enabled")
	}
	if cfg.Reporter.Lookback < 0 {
		return fmt.Errorf("reporter.lookback must not be negative")
	}

	if cfg.Commentary.Enabled {
		if cfg.Commentary.APIKey == "" {
			return fmt.Errorf("commentary.api_key (or OPENAI_API_KEY) is required when commentary is enabled")
		}
		if cfg.Commentary.Model == "" {
			return fmt.Errorf("commentary.model is required when commentary is enabled")
		}
		if cfg.Commentary.Interval <= 0 {
			return fmt.Errorf("commentary.interval must be positive")
		}
	}

	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.Address == "" {
			return fmt.Errorf("dashboard.address is required when the dashboard is enabled")
		}
		if cfg.Dashboard.RefreshInterval <= 0 {
			return fmt.Errorf("dashboard.refresh_interval must be positive")
		}
	}

	// Validate S3 configuration
	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be positive")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

var klineIntervals = map[string]bool{
	"1m": true, "3m": true, "5m": true, "15m": true, "30m": true,
	"1h": true, "2h": true, "4h": true, "6h": true, "8h": true, "12h": true,
	"1d": true, "3d": true, "1w": true,
}

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
