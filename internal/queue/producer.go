package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Producer publishes submission events to RabbitMQ.
type Producer struct {
	conn *Connection
}

// NewProducer creates a new queue producer
func NewProducer(conn *Connection) *Producer {
	return &Producer{conn: conn}
}

// Publish sends event as a persistent message keyed by its event id.
func (p *Producer) Publish(ctx context.Context, event domain.SubmissionEvent) error {
	if err := p.conn.PublishJSON(ctx, EventsQueueName, event.ID.String(), event); err != nil {
		return fmt.Errorf("failed to publish submission event: %w", err)
	}

	slog.Debug("published submission event",
		"event_id", event.ID,
		"submission_id", event.SubmissionID,
		"status", event.Status,
	)
	return nil
}
