package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/roadpulse/roadpulse/internal/analytics"
	"github.com/roadpulse/roadpulse/internal/observability"
	"github.com/roadpulse/roadpulse/internal/traffic"
)

// StreamConfig configures the observation stream consumer.
type StreamConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// BatchSize is the most observations written per repository call.
	BatchSize int
	// FlushInterval bounds how long a partial batch waits for more messages.
	FlushInterval time.Duration
}

// Enabled reports whether any broker is configured.
func (c StreamConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// StreamConfigFromEnv reads KAFKA_* variables. An empty KAFKA_BROKERS
// disables the stream.
func StreamConfigFromEnv() StreamConfig {
	var brokers []string
	for _, b := range strings.Split(os.Getenv("KAFKA_BROKERS"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	batchSize, err := strconv.Atoi(os.Getenv("KAFKA_BATCH_SIZE"))
	if err != nil || batchSize <= 0 {
		batchSize = 500
	}
	flush, err := time.ParseDuration(os.Getenv("KAFKA_FLUSH_INTERVAL"))
	if err != nil || flush <= 0 {
		flush = 2 * time.Second
	}

	return StreamConfig{
		Brokers:       brokers,
		Topic:         getEnvOrDefault("KAFKA_OBSERVATIONS_TOPIC", "traffic.observations"),
		GroupID:       getEnvOrDefault("KAFKA_GROUP_ID", "roadpulse-ingest"),
		BatchSize:     batchSize,
		FlushInterval: flush,
	}
}

// NewReader creates a consumer group reader for cfg.
func NewReader(cfg StreamConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

// MessageFetcher is the part of *kafka.Reader the consumer needs.
type MessageFetcher interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// ObservationWriter stores observations.
type ObservationWriter interface {
	UpsertObservations(ctx context.Context, obs []analytics.Observation) error
}

// StreamConsumer writes observation messages to the repository in batches
// and commits offsets only after the batch is stored.
type StreamConsumer struct {
	fetcher MessageFetcher
	writer  ObservationWriter
	cfg     StreamConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewStreamConsumer creates a StreamConsumer.
func NewStreamConsumer(fetcher MessageFetcher, writer ObservationWriter, cfg StreamConfig, metrics *observability.Metrics, logger zerolog.Logger) *StreamConsumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &StreamConsumer{
		fetcher: fetcher,
		writer:  writer,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With().Str("component", "stream_consumer").Str("topic", cfg.Topic).Logger(),
	}
}

// Run consumes until ctx is cancelled. Fetch and commit failures are
// logged and retried with backoff.
func (c *StreamConsumer) Run(ctx context.Context) error {
	c.logger.Info().Int("batch_size", c.cfg.BatchSize).Msg("stream consumer started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for {
		err := c.ProcessBatch(ctx)
		if ctx.Err() != nil {
			c.logger.Info().Msg("stream consumer stopped")
			return nil
		}
		if err == nil {
			bo.Reset()
			continue
		}

		wait := bo.NextBackOff()
		c.logger.Error().Err(err).Dur("retry_in", wait).Msg("stream batch failed")
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("stream consumer stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// ProcessBatch fetches up to BatchSize messages, waiting at most
// FlushInterval after the first one, stores the valid observations and
// commits every fetched message. Malformed messages are logged and
// committed so they are not redelivered.
func (c *StreamConsumer) ProcessBatch(ctx context.Context) error {
	msgs, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	obs := make([]analytics.Observation, 0, len(msgs))
	for _, msg := range msgs {
		o, err := DecodeObservation(msg.Value)
		if err != nil {
			c.logger.Warn().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("skipping malformed observation message")
			c.count("malformed", 1)
			continue
		}
		obs = append(obs, o)
	}

	if len(obs) > 0 {
		obs = traffic.DedupeObservations(obs)
		if err := c.store(ctx, obs); err != nil {
			return err
		}
		c.count("ok", len(obs))
		if c.metrics != nil {
			c.metrics.StreamBatchSize.Observe(float64(len(obs)))
			c.metrics.ObservationsIngested.Add(float64(len(obs)))
		}
	}

	if err := c.fetcher.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (c *StreamConsumer) fetch(ctx context.Context) ([]kafka.Message, error) {
	first, err := c.fetcher.FetchMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch message: %w", err)
	}
	msgs := []kafka.Message{first}

	flushCtx, cancel := context.WithTimeout(ctx, c.cfg.FlushInterval)
	defer cancel()
	for len(msgs) < c.cfg.BatchSize {
		msg, err := c.fetcher.FetchMessage(flushCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fetch message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// store retries the write until it succeeds or ctx ends; offsets stay
// uncommitted meanwhile.
func (c *StreamConsumer) store(ctx context.Context, obs []analytics.Observation) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return c.writer.UpsertObservations(ctx, obs)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		c.logger.Error().Err(err).Int("batch_size", len(obs)).Dur("retry_in", wait).Msg("storing observation batch failed")
	})
}

func (c *StreamConsumer) count(outcome string, n int) {
	if c.metrics != nil {
		c.metrics.StreamMessages.WithLabelValues(outcome).Add(float64(n))
	}
}

// DecodeObservation parses one stream message. The segment id and the
// timestamp are required.
func DecodeObservation(data []byte) (analytics.Observation, error) {
	var o analytics.Observation
	if err := json.Unmarshal(data, &o); err != nil {
		return analytics.Observation{}, fmt.Errorf("decode observation: %w", err)
	}
	if strings.TrimSpace(o.SegmentID) == "" {
		return analytics.Observation{}, errors.New("observation has no segment_id")
	}
	if o.Timestamp.IsZero() {
		return analytics.Observation{}, errors.New("observation has no timestamp")
	}
	o.Timestamp = o.Timestamp.UTC()
	return o, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
