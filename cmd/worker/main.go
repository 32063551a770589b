// Package main provides the entrypoint for the RoadPulse ingestion worker.
//
// The worker pulls the traffic feed on a schedule, consumes the observation
// stream when Kafka is configured and runs jobs delivered over Pub/Sub. It
// also serves health and metrics endpoints for the platform.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/roadpulse/roadpulse/internal/api/handler"
	"github.com/roadpulse/roadpulse/internal/api/middleware"
	"github.com/roadpulse/roadpulse/internal/api/response"
	"github.com/roadpulse/roadpulse/internal/database"
	"github.com/roadpulse/roadpulse/internal/ingest"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/internal/provider/resilience"
	"github.com/roadpulse/roadpulse/internal/telemetry"
	"github.com/roadpulse/roadpulse/internal/traffic"
	"github.com/roadpulse/roadpulse/internal/worker"
	"github.com/roadpulse/roadpulse/migrations"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "roadpulse-worker"

	log := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env")
	}

	log.Info().
		Str("build_time", BuildTime).
		Msg("starting RoadPulse worker")

	// Worker also exposes health endpoint for Cloud Run
	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryConfig := telemetry.ConfigFromEnv(serviceName, Version)
	tp, err := telemetry.Init(ctx, telemetryConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	dbConfig := database.ConfigFromEnv()
	pool, err := database.Connect(ctx, dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if os.Getenv("DB_MIGRATE") != "false" {
		if err := database.Migrate(ctx, pool, migrations.FS, log); err != nil {
			log.Fatal().Err(err).Msg("failed to apply migrations")
		}
	}
	repo := traffic.NewPostgresRepository(pool)

	// Upstream feed behind retries and a circuit breaker
	clock := clockwork.NewRealClock()
	upstream := resilience.NewRegistry(clock)
	clientConfig := resilience.DefaultClientConfig("traffic-feed")
	clientConfig.Registry = upstream
	clientConfig.Breaker.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("upstream", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
	}
	client, err := resilience.NewClient(clientConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create feed client")
	}

	feedConfig := ingest.FeedConfigFromEnv()
	if feedConfig.BaseURL == "" {
		log.Fatal().Msg("TRAFFIC_FEED_URL is required")
	}

	job := worker.NewIngestJob(worker.IngestJobConfig{
		Source:  ingest.NewFeed(client, feedConfig),
		Repo:    repo,
		Config:  worker.IngestConfigFromEnv(),
		Clock:   clock,
		Metrics: metrics,
		Logger:  log,
	})
	dispatcher := worker.NewDispatcher(job, repo, upstream, log)

	var wg sync.WaitGroup

	if os.Getenv("INGEST_SCHEDULE") != "false" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job.Run(ctx)
		}()
	}

	streamConfig := ingest.StreamConfigFromEnv()
	if streamConfig.Enabled() {
		reader := ingest.NewReader(streamConfig)
		defer func() {
			if err := reader.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close kafka reader")
			}
		}()

		consumer := ingest.NewStreamConsumer(reader, repo, streamConfig, metrics, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("observation stream stopped")
			}
		}()
		log.Info().
			Str("brokers", strings.Join(streamConfig.Brokers, ",")).
			Str("topic", streamConfig.Topic).
			Msg("observation stream enabled")
	}

	projectID := os.Getenv("PUBSUB_PROJECT_ID")
	subscription := os.Getenv("PUBSUB_SUBSCRIPTION")
	if projectID != "" && subscription != "" {
		pubsubHandler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        projectID,
			SubscriptionName: subscription,
			Dispatcher:       dispatcher,
			Logger:           log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create pubsub handler")
		}
		defer func() {
			if err := pubsubHandler.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close pubsub client")
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := pubsubHandler.Start(ctx); err != nil {
				log.Error().Err(err).Msg("pubsub handler stopped")
			}
		}()
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      newOpsRouter(job, repo, upstream, registry, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down worker")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("background jobs did not stop in time")
	}

	log.Info().Msg("worker stopped")
}

func newOpsRouter(job *worker.IngestJob, repo handler.Pinger, upstream *resilience.Registry, reg *prometheus.Registry, log zerolog.Logger) http.Handler {
	ops := handler.NewOpsHandler(Version, BuildTime, nil)
	ops.AddCheck("repository", repo)
	ops.AddCheck("upstream", handler.PingFunc(func(context.Context) error {
		var open []string
		for _, s := range upstream.All() {
			if !s.Healthy() {
				open = append(open, s.Name+"="+s.State)
			}
		}
		if len(open) > 0 {
			return fmt.Errorf("circuit not closed: %s", strings.Join(open, ", "))
		}
		return nil
	}))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))

	r.Get("/health", ops.HealthCheck)
	r.Get("/ready", ops.ReadinessCheck)
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, job.Stats())
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return r
}
