// Package notify fans submission status changes out to live listeners such
// as SSE streams. Delivery is best-effort; the durable path is the queue
// package.
package notify

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Subscription receives events for one submission.
type Subscription struct {
	id  uuid.UUID
	ch  chan domain.SubmissionEvent
	hub *Hub
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan domain.SubmissionEvent { return s.ch }

// Close unsubscribes s.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Hub routes events to subscriptions keyed by submission id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[*Subscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewHub creates a hub whose subscriptions buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 8
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
		logger: slog.Default().With("component", "notify.Hub"),
	}
}

// Subscribe registers interest in submissionID.
func (h *Hub) Subscribe(submissionID uuid.UUID) *Subscription {
	s := &Subscription{id: submissionID, ch: make(chan domain.SubmissionEvent, h.buffer), hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[submissionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[submissionID] = set
	}
	set[s] = struct{}{}
	return s
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[s.id]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, s.id)
	}
	close(s.ch)
}

// Broadcast delivers event to every subscriber of its submission. Slow
// subscribers drop events rather than block the caller.
func (h *Hub) Broadcast(event domain.SubmissionEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[event.SubmissionID] {
		select {
		case s.ch <- event:
		default:
			h.logger.Warn("dropping submission event; subscriber buffer full",
				"submission_id", event.SubmissionID,
				"status", event.Status)
		}
	}
}

// Subscribers returns the number of listeners for submissionID.
func (h *Hub) Subscribers(submissionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[submissionID])
}

// Bridge forwards submission events from an in-process dispatcher to sink.
func Bridge(d *domain.EventDispatcher, sink func(domain.SubmissionEvent)) {
	d.Subscribe(domain.EventSubmissionStatusChanged, func(e domain.Event) {
		if se, ok := e.(domain.SubmissionEvent); ok {
			sink(se)
		}
	})
}
