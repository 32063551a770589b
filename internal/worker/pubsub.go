package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
)

// PubSubHandler runs jobs triggered through a Pub/Sub subscription.
type PubSubHandler struct {
	client           *pubsub.Client
	subscriber       *pubsub.Subscriber
	subscriptionName string
	dispatcher       *Dispatcher
	logger           zerolog.Logger
}

// PubSubConfig holds configuration for the Pub/Sub handler.
type PubSubConfig struct {
	ProjectID        string
	SubscriptionName string
	Dispatcher       *Dispatcher
	Logger           zerolog.Logger
}

// NewPubSubHandler creates a new Pub/Sub handler.
func NewPubSubHandler(ctx context.Context, cfg PubSubConfig) (*PubSubHandler, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	subscriber := client.Subscriber(cfg.SubscriptionName)
	// Jobs are long-running and share the upstream; keep them few.
	subscriber.ReceiveSettings.MaxOutstandingMessages = 2
	subscriber.ReceiveSettings.MaxExtension = 10 * time.Minute

	return &PubSubHandler{
		client:           client,
		subscriber:       subscriber,
		subscriptionName: cfg.SubscriptionName,
		dispatcher:       cfg.Dispatcher,
		logger:           cfg.Logger,
	}, nil
}

// Start receives messages until ctx is cancelled.
func (h *PubSubHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("subscription", h.subscriptionName).
		Msg("starting pubsub handler")

	return h.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		logger := h.logger.With().
			Str("message_id", msg.ID).
			Str("publish_time", msg.PublishTime.Format(time.RFC3339)).
			Logger()

		if HandleJob(ctx, h.dispatcher, msg.Data, logger) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
}

// Close closes the Pub/Sub client.
func (h *PubSubHandler) Close() error {
	return h.client.Close()
}

// HandleJob runs the job in data and reports whether the message should be
// acknowledged. Unparsable and unknown jobs are acknowledged so they are
// not redelivered; failed jobs are not.
func HandleJob(ctx context.Context, d *Dispatcher, data []byte, logger zerolog.Logger) bool {
	start := time.Now()

	msg, err := ParseJobMessage(data)
	if err != nil {
		logger.Error().Err(err).Msg("dropping unparsable job message")
		return true
	}
	logger = logger.With().Str("job_type", msg.JobType).Logger()

	err = d.Dispatch(ctx, msg.JobType)
	switch {
	case errors.Is(err, ErrUnknownJob):
		logger.Warn().Msg("unknown job type")
		return true
	case err != nil:
		logger.Error().Err(err).Msg("job failed")
		return false
	}

	logger.Info().Dur("duration", time.Since(start)).Msg("job completed successfully")
	return true
}
