package runner

import (
	"context"
	"log/slog"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Relay republishes terminal submissions whose events never reached the bus.
type Relay struct {
	store     SubmissionStore
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

// NewRelay creates an outbox relay polling every interval.
func NewRelay(store SubmissionStore, pub Publisher, interval time.Duration, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{store: store, publisher: pub, interval: interval, batch: 100, logger: logger}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("outbox relay", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of pending events and returns how many were
// delivered. It stops at the first publish error.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	pending, err := r.store.ListUnpublished(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, sub := range pending {
		if !sub.Status.IsTerminal() {
			continue
		}
		if err := r.publisher.Publish(ctx, domain.NewSubmissionEvent(sub)); err != nil {
			return sent, err
		}
		if !confirmsDelivery(r.publisher) {
			if err := r.store.MarkPublished(ctx, sub.ID); err != nil {
				return sent, err
			}
		}
		sent++
	}
	if sent > 0 {
		r.logger.Info("relayed submission events", "count", sent)
	}
	return sent, nil
}
