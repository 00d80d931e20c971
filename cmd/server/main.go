package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
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
	"pricesync/internal/schedule"
	"pricesync/internal/store"
)

func main() {
	_ = godotenv.Load()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if os.Getenv("DEBUG") != "" {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("Loading config failed")
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Opening database failed")
	}
	defer db.Close()
	db.SetLogger(log)

	source, err := buildSource(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Building quote source failed")
	}

	priceCache := cache.New()
	bus := events.NewBus()
	bus.SetLogger(log)

	coordinator := refresh.New(source, priceCache, db, bus, refresh.Options{
		CallTimeout:         time.Duration(cfg.Refresh.CallTimeoutSec) * time.Second,
		BatchSize:           cfg.Refresh.BatchSize,
		FallbackConcurrency: cfg.Refresh.FallbackConcurrency,
		MaxRetries:          cfg.Refresh.MaxRetries,
		RetryDelay:          time.Duration(cfg.Refresh.RetryDelayMs) * time.Millisecond,
	})
	coordinator.SetLogger(log)

	maxAge := time.Duration(cfg.Cache.MaxAgeSec) * time.Second
	if maxAge <= 0 {
		maxAge = cache.DefaultMaxAge
	}

	sched := schedule.New(log)
	if cfg.Refresh.Schedule != "" {
		job := &schedule.RefreshJob{Coordinator: coordinator, Log: log}
		if err := sched.AddJob(cfg.Refresh.Schedule, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Refresh.Schedule).Msg("Registering refresh job failed")
		}
	}
	if cfg.Cache.EvictionSchedule != "" {
		job := &schedule.EvictJob{Cache: priceCache, MaxAge: maxAge, Log: log}
		if err := sched.AddJob(cfg.Cache.EvictionSchedule, job); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Cache.EvictionSchedule).Msg("Registering eviction job failed")
		}
	}
	sched.Start()
	defer sched.Stop()

	api := &apiServer{
		coordinator: coordinator,
		cache:       priceCache,
		maxAge:      maxAge,
		log:         log,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           withJSONHeaders(withGzip(recoverPanic(limitBody(api.routes())))),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.RequestTimeoutSec+5) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// buildSource assembles the tiered quote source from config, wrapping each
// enabled backend with its rate limiter.
func buildSource(cfg config.Config, log zerolog.Logger) (quote.Source, error) {
	httpClient := httpx.New(time.Duration(cfg.Server.RequestTimeoutSec) * time.Second)

	var sources []quote.Source
	if cfg.Yahoo.Enabled {
		y := yahoo.New(yahoo.Config{
			Name:                 "Yahoo",
			URL:                  cfg.Yahoo.Endpoint,
			MaxSymbolsPerRequest: cfg.Yahoo.MaxSymbolsPerRequest,
			MaxConcurrency:       cfg.Yahoo.MaxConcurrency,
		}, httpClient)
		sources = append(sources, limitSource(y,
			cfg.Yahoo.MaxRequestsPerMinute, cfg.Yahoo.Burst, cfg.Yahoo.MinRequestIntervalSec))
	}
	if cfg.CoinGecko.Enabled {
		cg := coingecko.New(coingecko.Config{
			Name:              "CoinGecko",
			URL:               cfg.CoinGecko.Endpoint,
			Currency:          cfg.CoinGecko.Currency,
			APIKey:            cfg.CoinGecko.APIKey,
			IDBySymbol:        cfg.CoinGecko.IDBySymbol,
			PayloadTTLSeconds: cfg.CoinGecko.PayloadTTLSeconds,
		}, httpClient)
		sources = append(sources, limitSource(cg,
			cfg.CoinGecko.MaxRequestsPerMinute, cfg.CoinGecko.Burst, cfg.CoinGecko.MinRequestIntervalSec))
	}
	if len(sources) == 0 {
		return nil, errNoSources
	}
	if len(sources) == 1 {
		return sources[0], nil
	}
	tiered := quote.NewFallback(sources...)
	log.Info().Str("sources", tiered.Name()).Msg("Quote sources configured")
	return tiered, nil
}

// limitSource wraps s with a token bucket when an RPM limit is set, otherwise
// with a min-interval gate when one is set.
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
