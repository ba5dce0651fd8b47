// Package pipeline connects graded submission events to the mastery engine.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// VerdictConsumer is a stage that folds a verdict into learner state.
// Implementations must be idempotent per submission.
type VerdictConsumer interface {
	OnVerdict(ctx context.Context, v domain.Verdict, gradedAt time.Time) error
}

// Pipeline feeds graded verdicts through its stages in order.
type Pipeline struct {
	stages []namedStage
	logger *slog.Logger
	tracer trace.Tracer
}

type namedStage struct {
	name     string
	consumer VerdictConsumer
}

// New builds a pipeline running analyzer before scheduler.
func New(analyzer, scheduler VerdictConsumer) *Pipeline {
	return &Pipeline{
		stages: []namedStage{
			{name: "analyzer", consumer: analyzer},
			{name: "scheduler", consumer: scheduler},
		},
		logger: slog.Default().With("component", "pipeline"),
		tracer: otel.Tracer("github.com/felixgeelhaar/dojo/internal/pipeline"),
	}
}

// Handle processes one submission event. Only Graded events carry a
// verdict; Errored submissions never count as attempts. A returned error
// means the event must be redelivered.
func (p *Pipeline) Handle(ctx context.Context, event domain.SubmissionEvent) error {
	if event.Status != domain.SubmissionGraded {
		return nil
	}
	if event.Verdict == nil {
		p.logger.Warn("graded event without verdict", "submission_id", event.SubmissionID)
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.verdict", trace.WithAttributes(
		attribute.String("submission.id", event.SubmissionID.String()),
		attribute.String("user.id", event.UserID),
		attribute.String("verdict", string(event.Verdict.Status)),
	))
	defer span.End()

	v := *event.Verdict
	if v.SubmissionID == uuid.Nil {
		v.SubmissionID = event.SubmissionID
	}
	if v.UserID == "" {
		v.UserID = event.UserID
	}
	if v.ProblemID == "" {
		v.ProblemID = event.ProblemID
	}
	gradedAt := event.Timestamp
	if event.GradedAt != nil {
		gradedAt = *event.GradedAt
	}

	for _, st := range p.stages {
		if err := st.consumer.OnVerdict(ctx, v, gradedAt); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, st.name)
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}
	return nil
}
