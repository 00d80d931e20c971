package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Server struct {
	Port              string `json:"port"`
	RequestTimeoutSec int    `json:"request_timeout_sec"`
}

type Database struct {
	Path string `json:"path"`
}

type Refresh struct {
	Schedule            string `json:"schedule"`
	CallTimeoutSec      int    `json:"call_timeout_sec"`
	BatchSize           int    `json:"batch_size"`
	FallbackConcurrency int    `json:"fallback_concurrency"`
	MaxRetries          int    `json:"max_retries"`
	RetryDelayMs        int    `json:"retry_delay_ms"`
}

type Cache struct {
	MaxAgeSec        int    `json:"max_age_sec"`
	EvictionSchedule string `json:"eviction_schedule"`
}

type Yahoo struct {
	Enabled               bool   `json:"enabled"`
	Endpoint              string `json:"endpoint"`
	MaxSymbolsPerRequest  int    `json:"max_symbols_per_request"`
	MaxConcurrency        int    `json:"max_concurrency"`
	MaxRequestsPerMinute  int    `json:"max_requests_per_minute"`
	MinRequestIntervalSec int    `json:"min_request_interval_sec"`
	Burst                 int    `json:"burst"`
}

type CoinGecko struct {
	Enabled               bool              `json:"enabled"`
	Endpoint              string            `json:"endpoint"`
	APIKey                string            `json:"api_key"`
	Currency              string            `json:"currency"`
	IDBySymbol            map[string]string `json:"id_by_symbol"`
	PayloadTTLSeconds     int               `json:"payload_ttl_sec"`
	MaxRequestsPerMinute  int               `json:"max_requests_per_minute"`
	MinRequestIntervalSec int               `json:"min_request_interval_sec"`
	Burst                 int               `json:"burst"`
}

type Config struct {
	Server    Server    `json:"server"`
	Database  Database  `json:"database"`
	Refresh   Refresh   `json:"refresh"`
	Cache     Cache     `json:"cache"`
	Yahoo     Yahoo     `json:"yahoo"`
	CoinGecko CoinGecko `json:"coingecko"`
}

func Default() Config {
	return Config{
		Server:   Server{Port: "8080", RequestTimeoutSec: 15},
		Database: Database{Path: "data/pricesync.db"},
		Refresh: Refresh{
			Schedule:            "@every 15m",
			CallTimeoutSec:      10,
			BatchSize:           50,
			FallbackConcurrency: 4,
			MaxRetries:          1,
			RetryDelayMs:        250,
		},
		Cache: Cache{
			MaxAgeSec:        3600,
			EvictionSchedule: "@hourly",
		},
		Yahoo: Yahoo{
			Enabled:              true,
			Endpoint:             "https://query1.finance.yahoo.com/v7/finance/quote",
			MaxSymbolsPerRequest: 50,
			MaxConcurrency:       2,
			MaxRequestsPerMinute: 30,
			Burst:                5,
		},
		CoinGecko: CoinGecko{
			Enabled:  false,
			Endpoint: "https://api.coingecko.com/api/v3/simple/price",
			Currency: "usd",
			IDBySymbol: map[string]string{
				"BTC": "bitcoin",
				"ETH": "ethereum",
			},
			PayloadTTLSeconds:    60,
			MaxRequestsPerMinute: 10,
			Burst:                2,
		},
	}
}

// Load reads JSON config from path. If path is empty or file does not exist,
// it returns defaults. Environment variables override select fields for secrecy.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := json.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	setPositive(os.Getenv("REQUEST_TIMEOUT_SEC"), &cfg.Server.RequestTimeoutSec)

	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("REFRESH_SCHEDULE"); v != "" {
		cfg.Refresh.Schedule = v
	}
	setPositive(os.Getenv("REFRESH_CALL_TIMEOUT_SEC"), &cfg.Refresh.CallTimeoutSec)
	setPositive(os.Getenv("REFRESH_BATCH_SIZE"), &cfg.Refresh.BatchSize)
	setPositive(os.Getenv("REFRESH_FALLBACK_CONCURRENCY"), &cfg.Refresh.FallbackConcurrency)
	setNonNegative(os.Getenv("REFRESH_MAX_RETRIES"), &cfg.Refresh.MaxRetries)
	setNonNegative(os.Getenv("REFRESH_RETRY_DELAY_MS"), &cfg.Refresh.RetryDelayMs)

	setPositive(os.Getenv("CACHE_MAX_AGE_SEC"), &cfg.Cache.MaxAgeSec)
	if v := os.Getenv("CACHE_EVICTION_SCHEDULE"); v != "" {
		cfg.Cache.EvictionSchedule = v
	}

	setBool(os.Getenv("YAHOO_ENABLED"), &cfg.Yahoo.Enabled)
	if v := os.Getenv("YAHOO_ENDPOINT"); v != "" {
		cfg.Yahoo.Endpoint = v
	}
	setPositive(os.Getenv("YAHOO_MAX_SYMBOLS_PER_REQUEST"), &cfg.Yahoo.MaxSymbolsPerRequest)
	setPositive(os.Getenv("YAHOO_MAX_CONCURRENCY"), &cfg.Yahoo.MaxConcurrency)
	setNonNegative(os.Getenv("YAHOO_MAX_RPM"), &cfg.Yahoo.MaxRequestsPerMinute)
	setNonNegative(os.Getenv("YAHOO_MIN_INTERVAL_SEC"), &cfg.Yahoo.MinRequestIntervalSec)
	setPositive(os.Getenv("YAHOO_BURST"), &cfg.Yahoo.Burst)

	setBool(os.Getenv("COINGECKO_ENABLED"), &cfg.CoinGecko.Enabled)
	if v := os.Getenv("COINGECKO_ENDPOINT"); v != "" {
		cfg.CoinGecko.Endpoint = v
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.CoinGecko.APIKey = v
	}
	if v := os.Getenv("COINGECKO_CURRENCY"); v != "" {
		cfg.CoinGecko.Currency = v
	}
	setNonNegative(os.Getenv("COINGECKO_PAYLOAD_TTL_SEC"), &cfg.CoinGecko.PayloadTTLSeconds)
	setNonNegative(os.Getenv("COINGECKO_MAX_RPM"), &cfg.CoinGecko.MaxRequestsPerMinute)
	setNonNegative(os.Getenv("COINGECKO_MIN_INTERVAL_SEC"), &cfg.CoinGecko.MinRequestIntervalSec)
	setPositive(os.Getenv("COINGECKO_BURST"), &cfg.CoinGecko.Burst)
}

func setPositive(v string, dst *int) {
	if v == "" {
		return
	}
	var x int
	fmt.Sscanf(v, "%d", &x)
	if x > 0 {
		*dst = x
	}
}

func setNonNegative(v string, dst *int) {
	if v == "" {
		return
	}
	var x int
	fmt.Sscanf(v, "%d", &x)
	if x >= 0 {
		*dst = x
	}
}

func setBool(v string, dst *bool) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		*dst = true
	case "0", "false", "no", "n":
		*dst = false
	}
}
