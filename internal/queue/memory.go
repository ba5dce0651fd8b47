package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// ErrBusFull is returned when the in-memory buffer cannot take an event.
var ErrBusFull = errors.New("event bus buffer is full")

// DeliveredFunc acknowledges a terminal submission event once its handler
// has succeeded.
type DeliveredFunc func(ctx context.Context, submissionID uuid.UUID) error

// MemoryBus is an in-process bus for single-node deployments and tests.
// Failed deliveries are retried with backoff until the handler succeeds or
// the bus stops. The buffer is not durable: with an OnDelivered hook the
// outbox row of a terminal submission is only marked published after its
// handler succeeded, so events buffered at shutdown are replayed by the
// relay on the next start.
type MemoryBus struct {
	events     chan domain.SubmissionEvent
	retryDelay time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
	delivered  DeliveredFunc

	mu       sync.Mutex
	closed   bool
	inflight map[uuid.UUID]bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewMemoryBus creates a bus holding up to buffer undelivered events.
func NewMemoryBus(buffer int, retryDelay time.Duration) *MemoryBus {
	if buffer <= 0 {
		buffer = 1024
	}
	if retryDelay <= 0 {
		retryDelay = 100 * time.Millisecond
	}
	return &MemoryBus{
		events:     make(chan domain.SubmissionEvent, buffer),
		retryDelay: retryDelay,
		maxDelay:   30 * time.Second,
		logger:     slog.Default(),
		inflight:   make(map[uuid.UUID]bool),
	}
}

// OnDelivered makes the bus responsible for acknowledging the outbox. Call
// it before Start.
func (b *MemoryBus) OnDelivered(fn DeliveredFunc) {
	b.delivered = fn
}

// ConfirmsDelivery reports whether publishers must leave outbox rows
// unpublished for the bus to mark after handling.
func (b *MemoryBus) ConfirmsDelivery() bool {
	return b.delivered != nil
}

// Publish buffers event for delivery. A terminal event for a submission
// that is already buffered is dropped as a duplicate.
func (b *MemoryBus) Publish(ctx context.Context, event domain.SubmissionEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus is closed")
	}
	terminal := event.Status.IsTerminal()
	if terminal && b.inflight[event.SubmissionID] {
		return nil
	}
	select {
	case b.events <- event:
		if terminal {
			b.inflight[event.SubmissionID] = true
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrBusFull
	}
}

// Start delivers events to handler on one goroutine, preserving publish
// order.
func (b *MemoryBus) Start(ctx context.Context, handler Handler) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-b.events:
				b.deliver(ctx, handler, event)
			}
		}
	}()
}

func (b *MemoryBus) deliver(ctx context.Context, handler Handler, event domain.SubmissionEvent) {
	delay := b.retryDelay
	for attempt := 1; ; attempt++ {
		err := handler(ctx, event)
		if err == nil {
			b.acknowledge(ctx, event)
			return
		}
		b.logger.Warn("submission event handler failed",
			"submission_id", event.SubmissionID,
			"attempt", attempt,
			"error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > b.maxDelay {
			delay = b.maxDelay
		}
	}
}

func (b *MemoryBus) acknowledge(ctx context.Context, event domain.SubmissionEvent) {
	if !event.Status.IsTerminal() {
		return
	}
	if b.delivered != nil {
		if err := b.delivered(ctx, event.SubmissionID); err != nil {
			b.logger.Warn("acknowledge submission event",
				"submission_id", event.SubmissionID,
				"error", err)
		}
	}
	b.mu.Lock()
	delete(b.inflight, event.SubmissionID)
	b.mu.Unlock()
}

// Stop halts delivery and rejects further publishes.
func (b *MemoryBus) Stop() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Pending returns the number of buffered events.
func (b *MemoryBus) Pending() int {
	return len(b.events)
}
