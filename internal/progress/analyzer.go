// Package progress turns graded verdicts into per-topic statistics and
// derives the learner progress view from them.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// MaxInsightLength bounds a stored aiInsight annotation.
const MaxInsightLength = 4096

// Config tunes the analyzer.
type Config struct {
	// Weakness thresholds: a topic is weak when its failure rate and attempt
	// count both reach these values.
	MinFailureRate float64
	MinAttempted   int
	// AbandonAfter closes an unsolved episode that saw no submission for
	// this long.
	AbandonAfter  time.Duration
	RevisionLimit int
	// ConflictRetries bounds retries after an optimistic concurrency clash.
	ConflictRetries int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MinFailureRate:  0.5,
		MinAttempted:    5,
		AbandonAfter:    14 * 24 * time.Hour,
		RevisionLimit:   10,
		ConflictRetries: 5,
	}
}

// Analyzer is the weakness analyzer.
type Analyzer struct {
	cfg      Config
	store    Store
	problems ProblemSource
	due      DueSource
	retrier  retry.Retry[struct{}]
	logger   *slog.Logger
	now      func() time.Time
}

// NewAnalyzer creates an analyzer. due may be nil, in which case the
// progress view has an empty revision queue.
func NewAnalyzer(cfg Config, store Store, problems ProblemSource, due DueSource) *Analyzer {
	d := DefaultConfig()
	if cfg.MinAttempted <= 0 {
		cfg.MinAttempted = d.MinAttempted
	}
	if cfg.MinFailureRate <= 0 {
		cfg.MinFailureRate = d.MinFailureRate
	}
	if cfg.AbandonAfter <= 0 {
		cfg.AbandonAfter = d.AbandonAfter
	}
	if cfg.RevisionLimit <= 0 {
		cfg.RevisionLimit = d.RevisionLimit
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = d.ConflictRetries
	}

	return &Analyzer{
		cfg:      cfg,
		store:    store,
		problems: problems,
		due:      due,
		retrier: retry.New[struct{}](retry.Config{
			MaxAttempts:   cfg.ConflictRetries,
			InitialDelay:  5 * time.Millisecond,
			MaxDelay:      100 * time.Millisecond,
			Multiplier:    2.0,
			BackoffPolicy: retry.BackoffExponential,
			Jitter:        true,
			IsRetryable: func(err error) bool {
				return errors.Is(err, domain.ErrVersionConflict)
			},
		}),
		logger: slog.Default().With("component", "analyzer"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetDueSource attaches the revision queue provider after construction.
func (a *Analyzer) SetDueSource(due DueSource) {
	a.due = due
}

// Thresholds returns the weakness thresholds in effect.
func (a *Analyzer) Thresholds() (minFailureRate float64, minAttempted int) {
	return a.cfg.MinFailureRate, a.cfg.MinAttempted
}

// OnVerdict folds a graded verdict into the learner's topic statistics.
// Replaying the same submission is a no-op.
func (a *Analyzer) OnVerdict(ctx context.Context, v domain.Verdict, gradedAt time.Time) error {
	if v.UserID == "" || v.ProblemID == "" {
		return fmt.Errorf("%w: verdict without user or problem", domain.ErrInvalidSubmission)
	}
	problem, err := a.problems.Problem(v.ProblemID)
	if err != nil {
		// Retrying cannot bring a removed problem back.
		a.logger.Warn("skipping verdict for unknown problem",
			"submission_id", v.SubmissionID,
			"problem_id", v.ProblemID)
		return nil
	}
	if gradedAt.IsZero() {
		gradedAt = a.now()
	}
	gradedAt = gradedAt.UTC()

	_, err = a.retrier.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.apply(ctx, v, problem, gradedAt)
	})
	switch {
	case errors.Is(err, domain.ErrAlreadyApplied):
		a.logger.Debug("verdict already applied", "submission_id", v.SubmissionID)
		return nil
	case err != nil:
		return fmt.Errorf("apply verdict %s: %w", v.SubmissionID, err)
	}

	a.logger.Info("verdict applied",
		"submission_id", v.SubmissionID,
		"user_id", v.UserID,
		"problem_id", v.ProblemID,
		"accepted", v.Accepted())
	return nil
}

func (a *Analyzer) apply(ctx context.Context, v domain.Verdict, problem *domain.Problem, gradedAt time.Time) error {
	stats, err := a.store.TopicStats(ctx, v.UserID)
	if err != nil {
		return fmt.Errorf("load topic stats: %w", err)
	}
	byTopic := make(map[string]domain.TopicStat, len(stats))
	for _, s := range stats {
		byTopic[s.Topic] = s
	}

	pp, err := a.store.ProblemProgress(ctx, v.UserID, v.ProblemID)
	if err != nil {
		return fmt.Errorf("load problem progress: %w", err)
	}
	pp.UserID, pp.ProblemID = v.UserID, v.ProblemID

	accepted := v.Accepted()
	newEpisode := !pp.EpisodeOpen || gradedAt.Sub(pp.LastAttemptAt) > a.cfg.AbandonAfter
	pp.Attempts++
	if accepted {
		pp.Solved = true
	}
	pp.EpisodeOpen = !accepted
	if gradedAt.After(pp.LastAttemptAt) {
		pp.LastAttemptAt = gradedAt
	}

	m := Mutation{
		Key:     v.SubmissionID.String(),
		Problem: pp,
		Attempt: domain.AttemptRecord{
			SubmissionID: v.SubmissionID.String(),
			UserID:       v.UserID,
			ProblemID:    v.ProblemID,
			Difficulty:   problem.Difficulty,
			Accepted:     accepted,
			GradedAt:     gradedAt,
		},
	}
	for _, tag := range problem.Tags {
		st, ok := byTopic[tag]
		if !ok {
			st = domain.TopicStat{UserID: v.UserID, Topic: tag}
		}
		st.Attempted++
		if accepted {
			st.Solved++
		}
		if newEpisode {
			st.Episodes++
		}
		if gradedAt.After(st.LastPracticedAt) {
			st.LastPracticedAt = gradedAt
		}
		st.Recompute()
		m.Topics = append(m.Topics, st)
	}
	return a.store.ApplyVerdict(ctx, m)
}

// IsWeakness reports whether s crosses both thresholds.
func (a *Analyzer) IsWeakness(s domain.TopicStat) bool {
	return isWeakness(s, a.cfg.MinFailureRate, a.cfg.MinAttempted)
}

// Weaknesses returns the learner's weak topics with their annotations.
func (a *Analyzer) Weaknesses(ctx context.Context, userID string) ([]domain.Weakness, error) {
	stats, err := a.store.TopicStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load topic stats: %w", err)
	}
	insights, err := a.store.Insights(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load insights: %w", err)
	}
	return Classify(stats, insights, a.cfg.MinFailureRate, a.cfg.MinAttempted), nil
}

// SetInsight stores an opaque annotation for a topic.
func (a *Analyzer) SetInsight(ctx context.Context, userID, topic, insight string) error {
	topic = strings.TrimSpace(topic)
	if userID == "" || topic == "" {
		return fmt.Errorf("%w: user and topic are required", domain.ErrInvalidSubmission)
	}
	if len(insight) > MaxInsightLength {
		return fmt.Errorf("%w: insight exceeds %d bytes", domain.ErrInvalidSubmission, MaxInsightLength)
	}
	return a.store.SetInsight(ctx, userID, topic, insight)
}
