package progress

import (
	"context"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Consumer is the idempotency namespace used by the analyzer.
const Consumer = "analyzer"

// Mutation is the atomic unit the analyzer writes for one verdict. Topic and
// problem rows carry the version they were read at; zero means insert.
type Mutation struct {
	Key     string
	Topics  []domain.TopicStat
	Problem domain.ProblemProgress
	Attempt domain.AttemptRecord
}

// Store persists learner progress. ApplyVerdict must be atomic: it returns
// domain.ErrAlreadyApplied when Key was recorded before and
// domain.ErrVersionConflict when any row changed since it was read.
type Store interface {
	ApplyVerdict(ctx context.Context, m Mutation) error
	TopicStats(ctx context.Context, userID string) ([]domain.TopicStat, error)
	// ProblemProgress returns a zero-version record when none exists.
	ProblemProgress(ctx context.Context, userID, problemID string) (domain.ProblemProgress, error)
	Attempts(ctx context.Context, userID string) ([]domain.AttemptRecord, error)
	SetInsight(ctx context.Context, userID, topic, insight string) error
	Insights(ctx context.Context, userID string) (map[string]string, error)
}

// ProblemSource resolves problem metadata for tags and difficulty.
type ProblemSource interface {
	Problem(id string) (*domain.Problem, error)
}

// DueSource supplies the revision queue for the progress view.
type DueSource interface {
	GetDueItems(ctx context.Context, userID string, limit int) ([]domain.RevisionItem, error)
}
