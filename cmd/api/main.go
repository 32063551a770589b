// Package main provides the entrypoint for the RoadPulse API server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/roadpulse/roadpulse/internal/api"
	"github.com/roadpulse/roadpulse/internal/api/handler"
	"github.com/roadpulse/roadpulse/internal/api/middleware"
	"github.com/roadpulse/roadpulse/internal/cache"
	"github.com/roadpulse/roadpulse/internal/config"
	"github.com/roadpulse/roadpulse/internal/database"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/internal/telemetry"
	"github.com/roadpulse/roadpulse/internal/traffic"
	"github.com/roadpulse/roadpulse/migrations"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "roadpulse-api"

	// Setup structured logging
	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting RoadPulse API")

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	// Initialize OpenTelemetry
	ctx := context.Background()
	telemetryConfig := telemetry.ConfigFromEnv(serviceName, Version)
	tp, err := telemetry.Init(ctx, telemetryConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if telemetryConfig.Enabled {
		log.Info().
			Str("otlp_endpoint", telemetryConfig.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	// HTTP metrics go through OTel, analytics metrics through Prometheus.
	httpMetrics, err := middleware.NewMetrics()
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize metrics")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	analyticsMetrics := observability.NewMetrics(registry)

	analyticsConfig, err := config.LoadAnalytics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load analytics configuration")
	}

	// Connect to database
	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().
		Str("host", dbConfig.Host).
		Int("port", dbConfig.Port).
		Str("database", dbConfig.Database).
		Msg("database connected")

	if os.Getenv("DB_MIGRATE") != "false" {
		if err := database.Migrate(ctx, pool, migrations.FS, log); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}

	checks := map[string]handler.Pinger{}

	// Result cache
	var resultCache cache.Cache = cache.NopCache{}
	cacheConfig := cache.ConfigFromEnv()
	if cacheConfig.Addr != "" {
		redisCache, err := cache.NewRedisCache(ctx, cacheConfig)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cacheConfig.Addr).Msg("failed to connect to redis")
		}
		defer func() {
			if err := redisCache.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close redis")
			}
		}()
		resultCache = redisCache
		checks["cache"] = redisCache
		log.Info().Str("addr", cacheConfig.Addr).Dur("ttl", cacheConfig.TTL).Msg("result cache enabled")
	}

	trafficService := traffic.NewService(traffic.ServiceConfig{
		Repo:     traffic.NewPostgresRepository(pool),
		Cache:    resultCache,
		CacheTTL: cacheConfig.TTL,
		Defaults: analyticsConfig,
		Metrics:  analyticsMetrics,
		Logger:   log,
	})
	log.Info().Msg("traffic service initialized")

	router := api.NewRouter(api.RouterConfig{
		Version:        Version,
		BuildTime:      BuildTime,
		Logger:         log,
		ServiceName:    serviceName,
		Metrics:        httpMetrics,
		Service:        trafficService,
		Checks:         checks,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		RequireTLS:     os.Getenv("REQUIRE_TLS") == "true",
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		os.Exit(1)
	}

	log.Info().Msg("server stopped")
}
