package runner

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// SubmissionStore persists submissions for the pool.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s *domain.Submission) error
	UpdateSubmission(ctx context.Context, s *domain.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error)
	ListSubmissionsByStatus(ctx context.Context, statuses ...domain.SubmissionStatus) ([]*domain.Submission, error)
	ListUnpublished(ctx context.Context, limit int) ([]*domain.Submission, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
}

// ProblemSource resolves problems by id.
type ProblemSource interface {
	Problem(id string) (*domain.Problem, error)
}

// Publisher delivers submission events to the durable bus.
type Publisher interface {
	Publish(ctx context.Context, event domain.SubmissionEvent) error
}

// DeliveryConfirmer is implemented by publishers whose Publish only buffers
// the event. They mark the outbox row themselves once it has been handled.
type DeliveryConfirmer interface {
	ConfirmsDelivery() bool
}

func confirmsDelivery(pub Publisher) bool {
	dc, ok := pub.(DeliveryConfirmer)
	return ok && dc.ConfirmsDelivery()
}
