package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/progress"
)

// ApplyVerdict writes m in one transaction.
func (s *Store) ApplyVerdict(ctx context.Context, m progress.Mutation) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := claimKey(ctx, tx, progress.Consumer, m.Key); err != nil {
			return err
		}
		for _, t := range m.Topics {
			if err := saveTopic(ctx, tx, t); err != nil {
				return err
			}
		}
		if err := saveProblem(ctx, tx, m.Problem); err != nil {
			return err
		}

		a := m.Attempt
		_, err := tx.Exec(ctx, `
			INSERT INTO attempts (submission_id, user_id, problem_id, difficulty, accepted, graded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.SubmissionID, a.UserID, a.ProblemID, string(a.Difficulty), a.Accepted, a.GradedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
		return nil
	})
}

func saveTopic(ctx context.Context, tx pgx.Tx, t domain.TopicStat) error {
	if t.Version == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO topic_stats (user_id, topic, attempted, solved, episodes, failure_rate,
				average_attempts, last_practiced_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)`,
			t.UserID, t.Topic, t.Attempted, t.Solved, t.Episodes, t.FailureRate,
			t.AverageAttempts, optionalTime(t.LastPracticedAt))
		return checkVersion(tag, err, "topic "+t.Topic)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE topic_stats SET attempted = $1, solved = $2, episodes = $3, failure_rate = $4,
			average_attempts = $5, last_practiced_at = $6, version = version + 1
		WHERE user_id = $7 AND topic = $8 AND version = $9`,
		t.Attempted, t.Solved, t.Episodes, t.FailureRate, t.AverageAttempts,
		optionalTime(t.LastPracticedAt), t.UserID, t.Topic, t.Version)
	return checkVersion(tag, err, "topic "+t.Topic)
}

func saveProblem(ctx context.Context, tx pgx.Tx, p domain.ProblemProgress) error {
	if p.Version == 0 {
		tag, err := tx.Exec(ctx, `
			INSERT INTO problem_progress (user_id, problem_id, attempts, solved, episode_open,
				last_attempt_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, 1)`,
			p.UserID, p.ProblemID, p.Attempts, p.Solved, p.EpisodeOpen, optionalTime(p.LastAttemptAt))
		return checkVersion(tag, err, "problem "+p.ProblemID)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE problem_progress SET attempts = $1, solved = $2, episode_open = $3,
			last_attempt_at = $4, version = version + 1
		WHERE user_id = $5 AND problem_id = $6 AND version = $7`,
		p.Attempts, p.Solved, p.EpisodeOpen, optionalTime(p.LastAttemptAt),
		p.UserID, p.ProblemID, p.Version)
	return checkVersion(tag, err, "problem "+p.ProblemID)
}

// TopicStats returns every topic row for the user.
func (s *Store) TopicStats(ctx context.Context, userID string) ([]domain.TopicStat, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT topic, attempted, solved, episodes, failure_rate, average_attempts,
			last_practiced_at, version
		FROM topic_stats WHERE user_id = $1 ORDER BY topic`, userID)
	if err != nil {
		return nil, fmt.Errorf("query topic stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.TopicStat
	for rows.Next() {
		t := domain.TopicStat{UserID: userID}
		var last *time.Time
		if err := rows.Scan(&t.Topic, &t.Attempted, &t.Solved, &t.Episodes, &t.FailureRate,
			&t.AverageAttempts, &last, &t.Version); err != nil {
			return nil, fmt.Errorf("scan topic stat: %w", err)
		}
		if last != nil {
			t.LastPracticedAt = last.UTC()
		}
		stats = append(stats, t)
	}
	return stats, rows.Err()
}

// ProblemProgress returns the row for (user, problem), or a zero-version
// record.
func (s *Store) ProblemProgress(ctx context.Context, userID, problemID string) (domain.ProblemProgress, error) {
	p := domain.ProblemProgress{UserID: userID, ProblemID: problemID}
	var last *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT attempts, solved, episode_open, last_attempt_at, version
		FROM problem_progress WHERE user_id = $1 AND problem_id = $2`, userID, problemID).
		Scan(&p.Attempts, &p.Solved, &p.EpisodeOpen, &last, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query problem progress: %w", err)
	}
	if last != nil {
		p.LastAttemptAt = last.UTC()
	}
	return p, nil
}

// Attempts returns the user's attempt log ordered by grading time.
func (s *Store) Attempts(ctx context.Context, userID string) ([]domain.AttemptRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT submission_id, problem_id, difficulty, accepted, graded_at
		FROM attempts WHERE user_id = $1 ORDER BY graded_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.AttemptRecord
	for rows.Next() {
		a := domain.AttemptRecord{UserID: userID}
		var difficulty string
		if err := rows.Scan(&a.SubmissionID, &a.ProblemID, &difficulty, &a.Accepted, &a.GradedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Difficulty = domain.Difficulty(difficulty)
		a.GradedAt = a.GradedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetInsight stores the annotation for a topic. An empty insight clears it.
func (s *Store) SetInsight(ctx context.Context, userID, topic, insight string) error {
	if insight == "" {
		if _, err := s.pool.Exec(ctx,
			"DELETE FROM topic_insights WHERE user_id = $1 AND topic = $2", userID, topic); err != nil {
			return fmt.Errorf("clear insight: %w", err)
		}
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO topic_insights (user_id, topic, insight, updated_at) VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id, topic) DO UPDATE SET
			insight = EXCLUDED.insight, updated_at = EXCLUDED.updated_at`,
		userID, topic, insight)
	if err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// Insights returns the user's annotations keyed by topic.
func (s *Store) Insights(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT topic, insight FROM topic_insights WHERE user_id = $1", userID)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var topic, insight string
		if err := rows.Scan(&topic, &insight); err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out[topic] = insight
	}
	return out, rows.Err()
}
