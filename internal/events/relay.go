package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/escrowd/internal/ledger"
)

// Relay drains the outbox and hands messages to the publisher. Delivery is
// at-least-once: a message is only marked published after the publisher
// accepts it, so consumers must tolerate duplicates.
type Relay struct {
	store     ledger.Store
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

// NewRelay creates an outbox relay.
func NewRelay(store ledger.Store, publisher Publisher, logger *slog.Logger, interval time.Duration) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		batchSize: 100,
	}
}

// Run drains the outbox until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// DrainOnce publishes one batch of unpublished messages in order.
func (r *Relay) DrainOnce(ctx context.Context) error {
	messages, err := r.store.UnpublishedOutbox(ctx, r.batchSize)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err := r.publisher.Publish(ctx, msg.Topic, msg.Payload); err != nil {
			// Stop the batch to preserve ordering; the next drain retries.
			return err
		}
		if err := r.store.MarkOutboxPublished(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}
