// Command refresh runs one price refresh cycle and prints the result as JSON.
// With no -symbols flag it refreshes every active symbol in the database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"pricesync/internal/cache"
	"pricesync/internal/config"
	"pricesync/internal/events"
	"pricesync/internal/httpx"
	"pricesync/internal/quote"
	"pricesync/internal/quote/coingecko"
	"pricesync/internal/quote/ratelimit"
	"pricesync/internal/quote/yahoo"
	"pricesync/internal/refresh"
	"pricesync/internal/store"
)

func main() {
	_ = godotenv.Load()

	var symbolsCSV string
	var configPath string
	var dbPath string
	var timeout int
	var verbose bool

	flag.StringVar(&symbolsCSV, "symbols", getenv("SYMBOLS", ""), "comma-separated symbols; empty refreshes all active symbols")
	flag.StringVar(&configPath, "config", getenv("CONFIG_FILE", ""), "path to config.json (optional)")
	flag.StringVar(&dbPath, "db", getenv("DATABASE_PATH", ""), "database path override")
	flag.IntVar(&timeout, "timeout", getenvInt("REFRESH_TIMEOUT_SEC", 60), "overall timeout seconds")
	flag.BoolVar(&verbose, "v", false, "verbose logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if verbose {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.WarnLevel)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Loading config failed")
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Opening database failed")
	}
	defer db.Close()

	source, err := buildSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Building quote source failed")
	}

	coordinator := refresh.New(source, cache.New(), db, events.NewBus(), refresh.Options{
		CallTimeout:         time.Duration(cfg.Refresh.CallTimeoutSec) * time.Second,
		BatchSize:           cfg.Refresh.BatchSize,
		FallbackConcurrency: cfg.Refresh.FallbackConcurrency,
		MaxRetries:          cfg.Refresh.MaxRetries,
		RetryDelay:          time.Duration(cfg.Refresh.RetryDelayMs) * time.Millisecond,
	})
	coordinator.SetLogger(log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	var res refresh.Result
	if symbols := splitCSV(symbolsCSV); len(symbols) > 0 {
		res, err = coordinator.RefreshSymbols(ctx, symbols)
	} else {
		res, err = coordinator.RefreshPrices(ctx)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Refresh failed")
	}

	b, _ := json.MarshalIndent(res, "", "  ")
	fmt.Println(string(b))
	if res.FailureCount > 0 {
		os.Exit(1)
	}
}

func buildSource(cfg config.Config) (quote.Source, error) {
	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	var sources []quote.Source
	if cfg.Yahoo.Enabled {
		y := yahoo.New(yahoo.Config{
			URL:                  cfg.Yahoo.Endpoint,
			MaxSymbolsPerRequest: cfg.Yahoo.MaxSymbolsPerRequest,
			MaxConcurrency:       cfg.Yahoo.MaxConcurrency,
		}, httpClient)
		sources = append(sources, limitSource(y,
			cfg.Yahoo.MaxRequestsPerMinute, cfg.Yahoo.Burst, cfg.Yahoo.MinRequestIntervalSec))
	}
	if cfg.CoinGecko.Enabled {
		cg := coingecko.New(coingecko.Config{
			URL:               cfg.CoinGecko.Endpoint,
			Currency:          cfg.CoinGecko.Currency,
			APIKey:            cfg.CoinGecko.APIKey,
			IDBySymbol:        cfg.CoinGecko.IDBySymbol,
			PayloadTTLSeconds: cfg.CoinGecko.PayloadTTLSeconds,
		}, httpClient)
		sources = append(sources, limitSource(cg,
			cfg.CoinGecko.MaxRequestsPerMinute, cfg.CoinGecko.Burst, cfg.CoinGecko.MinRequestIntervalSec))
	}
	switch len(sources) {
	case 0:
		return nil, fmt.Errorf("no quote sources enabled; check yahoo/coingecko config")
	case 1:
		return sources[0], nil
	default:
		return quote.NewFallback(sources...), nil
	}
}

func limitSource(s quote.Source, rpm, burst, minIntervalSec int) quote.Source {
	if rpm > 0 {
		if burst <= 0 {
			burst = 1
		}
		return &ratelimit.TokenBucketSource{S: s, TB: ratelimit.NewTokenBucket(float64(rpm)/60.0, burst)}
	}
	if minIntervalSec > 0 {
		return &ratelimit.MinIntervalSource{S: s, Interval: time.Duration(minIntervalSec) * time.Second}
	}
	return s
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var x int
		_, _ = fmt.Sscanf(v, "%d", &x)
		if x != 0 {
			return x
		}
	}
	return def
}
