package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Consumer is the idempotency namespace used by the scheduler.
const Consumer = "scheduler"

// Store persists revision items.
type Store interface {
	// RevisionItem returns an Unseen zero-version item when none exists.
	RevisionItem(ctx context.Context, userID, problemID string) (domain.RevisionItem, error)
	// SaveRevision records key and writes item atomically. item.Version is
	// the version it was read at. It returns domain.ErrAlreadyApplied or
	// domain.ErrVersionConflict.
	SaveRevision(ctx context.Context, key string, item domain.RevisionItem) error
	// DueRevisions returns Learning and Reviewing items that are lapsed or
	// due at now, in no particular order.
	DueRevisions(ctx context.Context, userID string, now time.Time) ([]domain.RevisionItem, error)
}

// TopicStats supplies per-topic failure rates for queue ordering.
type TopicStats interface {
	TopicStats(ctx context.Context, userID string) ([]domain.TopicStat, error)
}

// ProblemSource resolves problem tags.
type ProblemSource interface {
	Problem(id string) (*domain.Problem, error)
}

// Scheduler is the spaced-repetition scheduler.
type Scheduler struct {
	policy   Policy
	store    Store
	topics   TopicStats
	problems ProblemSource
	retrier  retry.Retry[struct{}]
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a scheduler.
func New(policy Policy, store Store, topics TopicStats, problems ProblemSource) *Scheduler {
	return &Scheduler{
		policy:   policy,
		store:    store,
		topics:   topics,
		problems: problems,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   5,
			InitialDelay:  5 * time.Millisecond,
			MaxDelay:      100 * time.Millisecond,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable: func(err error) bool {
				return errors.Is(err, domain.ErrVersionConflict)
			},
		}),
		logger: slog.Default().With("component", "scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnVerdict advances the revision item for the verdict's (user, problem)
// pair. The grading time is the transition clock, so a redelivered verdict
// is recognised and skipped.
func (s *Scheduler) OnVerdict(ctx context.Context, v domain.Verdict, gradedAt time.Time) error {
	if v.UserID == "" || v.ProblemID == "" {
		return fmt.Errorf("%w: verdict without user or problem", domain.ErrInvalidSubmission)
	}
	if gradedAt.IsZero() {
		gradedAt = s.now()
	}
	gradedAt = gradedAt.UTC()

	var result domain.RevisionItem
	_, err := s.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		item, err := s.store.RevisionItem(ctx, v.UserID, v.ProblemID)
		if err != nil {
			return struct{}{}, fmt.Errorf("load revision item: %w", err)
		}
		item.UserID, item.ProblemID = v.UserID, v.ProblemID
		result = Transition(item, v.Accepted(), gradedAt, s.policy)
		return struct{}{}, s.store.SaveRevision(ctx, v.SubmissionID.String(), result)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyApplied):
		s.logger.Debug("verdict already scheduled", "submission_id", v.SubmissionID)
		return nil
	case err != nil:
		return fmt.Errorf("schedule verdict %s: %w", v.SubmissionID, err)
	}

	s.logger.Info("revision scheduled",
		"user_id", v.UserID,
		"problem_id", v.ProblemID,
		"state", result.State,
		"interval_days", result.IntervalDays,
		"due_at", result.DueAt)
	return nil
}

// GetDueItems returns up to limit items due for review: lapsed items first
// (most recent failure first), then by ascending due time, then by the
// weakest topic's failure rate. It never writes.
func (s *Scheduler) GetDueItems(ctx context.Context, userID string, limit int) ([]domain.RevisionItem, error) {
	now := s.now()
	items, err := s.store.DueRevisions(ctx, userID, now)
	if err != nil {
		return nil, fmt.Errorf("load due revisions: %w", err)
	}
	stats, err := s.topics.TopicStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load topic stats: %w", err)
	}
	failure := make(map[string]float64, len(stats))
	for _, st := range stats {
		failure[st.Topic] = st.FailureRate
	}

	weakness := make(map[string]float64, len(items))
	due := items[:0:0]
	for _, it := range items {
		if !it.Due(now) {
			continue
		}
		due = append(due, it)
		if p, err := s.problems.Problem(it.ProblemID); err == nil {
			for _, tag := range p.Tags {
				weakness[it.ProblemID] = max(weakness[it.ProblemID], failure[tag])
			}
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Lapsed != b.Lapsed {
			return a.Lapsed
		}
		if a.Lapsed {
			if !a.LastReviewedAt.Equal(b.LastReviewedAt) {
				return a.LastReviewedAt.After(b.LastReviewedAt)
			}
		} else if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if wa, wb := weakness[a.ProblemID], weakness[b.ProblemID]; wa != wb {
			return wa > wb
		}
		return a.ProblemID < b.ProblemID
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
