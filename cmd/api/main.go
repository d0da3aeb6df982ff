package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/api"
	"github.com/shortside/locatefee/internal/audit"
	"github.com/shortside/locatefee/internal/cache"
	"github.com/shortside/locatefee/internal/config"
	"github.com/shortside/locatefee/internal/configstore"
	"github.com/shortside/locatefee/internal/db"
	"github.com/shortside/locatefee/internal/fees"
	"github.com/shortside/locatefee/internal/metrics"
	"github.com/shortside/locatefee/internal/pricing"
	"github.com/shortside/locatefee/internal/providers"
	"github.com/shortside/locatefee/internal/resilience"
	"github.com/shortside/locatefee/internal/signals"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	log.Info().
		Str("environment", cfg.App.Environment).
		Msg("Starting locate fee service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Database
	database, err := db.New(ctx, db.Config{
		URL:      cfg.Database.GetDSN(),
		MaxConns: int32(cfg.Database.PoolSize),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := db.Migrate(ctx, database.Pool()); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Shared cache tier. The service degrades to local-only if Redis is
	// unreachable, so a failed ping is a warning, not a fatal.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.GetRedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Redis unreachable, cache runs local-only until it recovers")
	}

	// Volatility entries live past freshness so the stale-grace fallback has
	// something to serve; the physical TTL covers both windows.
	ttls := cache.TTLTable{
		cache.KeyspaceBorrow:  cfg.Cache.BorrowTTL,
		cache.KeyspaceVol:     cfg.Cache.VolTTL + cfg.Signals.VolGrace,
		cache.KeyspaceEvent:   cfg.Cache.EventTTL,
		cache.KeyspaceBroker:  cfg.Cache.BrokerTTL,
		cache.KeyspaceMinRate: cfg.Cache.MinRateTTL,
		cache.KeyspaceCalc:    cfg.Cache.CalcTTL,
	}
	tiered := cache.New(rdb, cache.Options{
		LocalMaxEntries: cfg.Cache.LocalMaxEntries,
		TTLs:            ttls,
		Channel:         cfg.Cache.InvalidationChannel,
	})
	defer tiered.Close()

	// Resilience layer, one breaker per provider endpoint
	endpointSettings := resilience.EndpointSettings{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		RecoveryTimeout:  cfg.Resilience.RecoveryTimeout,
		HalfOpenProbes:   cfg.Resilience.HalfOpenProbes,
		AttemptTimeout:   cfg.Resilience.AttemptTimeout,
		MaxConcurrent:    cfg.Resilience.MaxConcurrent,
		RateLimit:        cfg.Resilience.RateLimit,
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Resilience.Retry.MaxAttempts,
			InitialBackoff: cfg.Resilience.Retry.InitialBackoff,
			MaxBackoff:     cfg.Resilience.Retry.MaxBackoff,
			BackoffFactor:  2.0,
		},
	}
	exec := resilience.NewExecutor(map[string]resilience.EndpointSettings{
		metrics.EndpointSecLend: endpointSettings,
		metrics.EndpointMarket:  endpointSettings,
		metrics.EndpointEvents:  endpointSettings,
	})

	// Configuration store over the broker repository
	repo := db.NewBrokerRepository(database.Pool())
	store := configstore.New(repo, tiered)

	// Pricing kernel
	consts, err := kernelConstants(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid pricing constants")
	}
	kernel := pricing.NewKernel(consts)

	// Data service over the provider clients
	signalSvc := signals.New(
		tiered,
		exec,
		providers.NewSecLendClient(cfg.Providers.SecLend.BaseURL, cfg.Providers.SecLend.APIKey),
		providers.NewMarketClient(cfg.Providers.Market.BaseURL, cfg.Providers.Market.APIKey),
		providers.NewEventClient(cfg.Providers.Events.BaseURL, cfg.Providers.Events.APIKey),
		store,
		signals.Options{
			VolFreshFor:       cfg.Cache.VolTTL,
			VolGrace:          cfg.Signals.VolGrace,
			EventWindowDays:   cfg.Signals.EventWindowDays,
			DefaultVolatility: consts.DefaultVolatility,
			GlobalMinRate:     consts.GlobalMinRate,
		},
	)

	// Audit pipeline
	emitter := audit.NewEmitter(db.NewAuditStore(database.Pool()), audit.EmitterConfig{
		Workers:            cfg.Audit.Workers,
		QueueSize:          cfg.Audit.QueueSize,
		BatchSize:          cfg.Audit.BatchSize,
		BatchLinger:        cfg.Audit.BatchLinger,
		EnqueueDeadline:    cfg.Audit.EnqueueDeadline,
		DurabilityDeadline: cfg.Audit.DurabilityDeadline,
	})

	feeSvc := fees.New(kernel, store, signalSvc, tiered, emitter, exec, cfg.Pricing.MaxLoanDays)

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
		}
	}

	// API server
	server := api.NewServer(api.Config{
		Host:            cfg.API.Host,
		Port:            cfg.API.Port,
		RequestDeadline: cfg.API.RequestDeadline,
		Fees:            feeSvc,
		Config:          store,
	})

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.Start()
	}()

	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("Server error")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first, then drain the audit queue so every
	// accepted calculation reaches durable storage.
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to stop API server gracefully")
	}
	emitter.Close()
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server gracefully")
		}
	}

	log.Info().Msg("Shutdown complete")
}

// kernelConstants builds the formula parameters from configuration
func kernelConstants(cfg *config.Config) (pricing.Constants, error) {
	volFactor, err := decimal.NewFromString(cfg.Pricing.VolFactor)
	if err != nil {
		return pricing.Constants{}, err
	}
	eventFactor, err := decimal.NewFromString(cfg.Pricing.EventFactor)
	if err != nil {
		return pricing.Constants{}, err
	}
	globalMin, err := decimal.NewFromString(cfg.Pricing.GlobalMinRate)
	if err != nil {
		return pricing.Constants{}, err
	}
	defaultVol, err := decimal.NewFromString(cfg.Pricing.DefaultVolatility)
	if err != nil {
		return pricing.Constants{}, err
	}

	return pricing.Constants{
		Scale:             cfg.Pricing.Scale,
		DaysInYear:        decimal.NewFromInt(int64(cfg.Pricing.DaysInYear)),
		VolFactor:         volFactor,
		EventFactor:       eventFactor,
		GlobalMinRate:     globalMin,
		DefaultVolatility: defaultVol,
		Currency:          cfg.Pricing.Currency,
	}, nil
}
