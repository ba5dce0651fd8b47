package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Consumer delivers submission events from RabbitMQ to a handler. Messages
// are acked only after the handler succeeds; failures are requeued.
type Consumer struct {
	conn       *Connection
	handler    Handler
	workers    int
	prefetch   int
	retryDelay time.Duration
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Workers  int // Number of concurrent workers
	Prefetch int // Prefetch count per worker
	// RetryDelay is the pause before a failed message is requeued.
	RetryDelay time.Duration
}

// DefaultConsumerConfig returns sensible defaults
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:    2,
		Prefetch:   1,
		RetryDelay: time.Second,
	}
}

// NewConsumer creates a new queue consumer
func NewConsumer(conn *Connection, handler Handler, cfg ConsumerConfig) *Consumer {
	d := DefaultConsumerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = d.Prefetch
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = d.RetryDelay
	}

	return &Consumer{
		conn:       conn,
		handler:    handler,
		workers:    cfg.Workers,
		prefetch:   cfg.Prefetch,
		retryDelay: cfg.RetryDelay,
	}
}

// Start begins consuming. The consumer resubscribes after the connection
// recovers.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, c.cancelFunc = context.WithCancel(ctx)

	msgs, err := c.subscribe()
	if err != nil {
		return err
	}

	slog.Info("starting submission event consumer", "workers", c.workers, "prefetch", c.prefetch)

	c.wg.Add(1)
	go c.supervise(ctx, msgs)
	return nil
}

func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, fmt.Errorf("no channel available")
	}
	if err := ch.Qos(c.prefetch*c.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		EventsQueueName,
		"",    // consumer tag (auto-generated)
		false, // auto-ack (manual ack for reliability)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}
	return msgs, nil
}

// supervise runs workers over msgs and resubscribes when the delivery
// channel closes underneath them.
func (c *Consumer) supervise(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		var workers sync.WaitGroup
		for i := 0; i < c.workers; i++ {
			workers.Add(1)
			go func(id int) {
				defer workers.Done()
				c.worker(ctx, id, msgs)
			}(i)
		}
		workers.Wait()

		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			var err error
			msgs, err = c.subscribe()
			if err == nil {
				slog.Info("resubscribed to submission events")
				break
			}
			slog.Warn("resubscribe failed", "error", err)
		}
	}
}

// worker processes messages from the queue
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				slog.Info("message channel closed", "worker_id", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage handles a single message
func (c *Consumer) processMessage(ctx context.Context, workerID int, msg amqp.Delivery) {
	var event domain.SubmissionEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		slog.Error("failed to unmarshal submission event",
			"worker_id", workerID,
			"message_id", msg.MessageId,
			"error", err,
		)
		// Dead-lettered; redelivery would fail the same way.
		_ = msg.Reject(false)
		return
	}

	if err := c.handler(ctx, event); err != nil {
		slog.Warn("submission event handler failed",
			"worker_id", workerID,
			"submission_id", event.SubmissionID,
			"redelivered", msg.Redelivered,
			"error", err,
		)
		select {
		case <-ctx.Done():
		case <-time.After(c.retryDelay):
		}
		if err := msg.Nack(false, true); err != nil {
			slog.Error("failed to nack message", "worker_id", workerID, "error", err)
		}
		return
	}

	if err := msg.Ack(false); err != nil {
		slog.Error("failed to ack message",
			"worker_id", workerID,
			"submission_id", event.SubmissionID,
			"error", err,
		)
	}
}

// Stop gracefully stops the consumer. Unacked messages return to the queue.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
	c.wg.Wait()
	slog.Info("consumer stopped")
}
