package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/progress"
)

// ProgressStore persists topic statistics, problem progress, the attempt log
// and weakness insights.
type ProgressStore struct {
	db *DB
}

// NewProgressStore creates a SQLite-backed progress store.
func NewProgressStore(db *DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// ApplyVerdict writes m in one transaction.
func (s *ProgressStore) ApplyVerdict(ctx context.Context, m progress.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO attempts (submission_id, user_id, problem_id, difficulty, accepted, graded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.SubmissionID, a.UserID, a.ProblemID, string(a.Difficulty), boolInt(a.Accepted),
		formatTime(a.GradedAt))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit verdict: %w", err)
	}
	return nil
}

// claimKey records an idempotency key, failing with ErrAlreadyApplied when
// it exists.
func claimKey(ctx context.Context, tx *sql.Tx, consumer, key string) error {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO processed_events (consumer, event_key) VALUES (?, ?)
		ON CONFLICT (consumer, event_key) DO NOTHING`, consumer, key)
	if err != nil {
		return fmt.Errorf("claim event key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAlreadyApplied
	}
	return nil
}

// checkVersion maps a write that touched no row to ErrVersionConflict. A
// primary key violation on insert means another writer created the row
// first, which is the same race.
func checkVersion(res sql.Result, err error, what string) error {
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", what, domain.ErrVersionConflict)
		}
		return fmt.Errorf("save %s: %w", what, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrVersionConflict)
	}
	return nil
}

func saveTopic(ctx context.Context, tx *sql.Tx, t domain.TopicStat) error {
	if t.Version == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO topic_stats (user_id, topic, attempted, solved, episodes, failure_rate,
				average_attempts, last_practiced_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			t.UserID, t.Topic, t.Attempted, t.Solved, t.Episodes, t.FailureRate,
			t.AverageAttempts, zeroNullTime(t.LastPracticedAt))
		return checkVersion(res, err, "topic "+t.Topic)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE topic_stats SET attempted = ?, solved = ?, episodes = ?, failure_rate = ?,
			average_attempts = ?, last_practiced_at = ?, version = version + 1
		WHERE user_id = ? AND topic = ? AND version = ?`,
		t.Attempted, t.Solved, t.Episodes, t.FailureRate, t.AverageAttempts,
		zeroNullTime(t.LastPracticedAt), t.UserID, t.Topic, t.Version)
	return checkVersion(res, err, "topic "+t.Topic)
}

func saveProblem(ctx context.Context, tx *sql.Tx, p domain.ProblemProgress) error {
	if p.Version == 0 {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO problem_progress (user_id, problem_id, attempts, solved, episode_open,
				last_attempt_at, version)
			VALUES (?, ?, ?, ?, ?, ?, 1)`,
			p.UserID, p.ProblemID, p.Attempts, boolInt(p.Solved), boolInt(p.EpisodeOpen),
			zeroNullTime(p.LastAttemptAt))
		return checkVersion(res, err, "problem "+p.ProblemID)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE problem_progress SET attempts = ?, solved = ?, episode_open = ?,
			last_attempt_at = ?, version = version + 1
		WHERE user_id = ? AND problem_id = ? AND version = ?`,
		p.Attempts, boolInt(p.Solved), boolInt(p.EpisodeOpen), zeroNullTime(p.LastAttemptAt),
		p.UserID, p.ProblemID, p.Version)
	return checkVersion(res, err, "problem "+p.ProblemID)
}

// TopicStats returns every topic row for the user.
func (s *ProgressStore) TopicStats(ctx context.Context, userID string) ([]domain.TopicStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic, attempted, solved, episodes, failure_rate, average_attempts,
			last_practiced_at, version
		FROM topic_stats WHERE user_id = ? ORDER BY topic`, userID)
	if err != nil {
		return nil, fmt.Errorf("query topic stats: %w", err)
	}
	defer rows.Close()

	var stats []domain.TopicStat
	for rows.Next() {
		t := domain.TopicStat{UserID: userID}
		var last sql.NullString
		if err := rows.Scan(&t.Topic, &t.Attempted, &t.Solved, &t.Episodes, &t.FailureRate,
			&t.AverageAttempts, &last, &t.Version); err != nil {
			return nil, fmt.Errorf("scan topic stat: %w", err)
		}
		if last.Valid {
			if t.LastPracticedAt, err = parseTime(last.String); err != nil {
				return nil, err
			}
		}
		stats = append(stats, t)
	}
	return stats, rows.Err()
}

// ProblemProgress returns the row for (user, problem), or a zero-version
// record.
func (s *ProgressStore) ProblemProgress(ctx context.Context, userID, problemID string) (domain.ProblemProgress, error) {
	p := domain.ProblemProgress{UserID: userID, ProblemID: problemID}
	var solved, open int
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT attempts, solved, episode_open, last_attempt_at, version
		FROM problem_progress WHERE user_id = ? AND problem_id = ?`, userID, problemID).
		Scan(&p.Attempts, &solved, &open, &last, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return p, fmt.Errorf("query problem progress: %w", err)
	}
	p.Solved = solved != 0
	p.EpisodeOpen = open != 0
	if last.Valid {
		if p.LastAttemptAt, err = parseTime(last.String); err != nil {
			return p, err
		}
	}
	return p, nil
}

// Attempts returns the user's attempt log ordered by grading time.
func (s *ProgressStore) Attempts(ctx context.Context, userID string) ([]domain.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT submission_id, problem_id, difficulty, accepted, graded_at
		FROM attempts WHERE user_id = ? ORDER BY graded_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.AttemptRecord
	for rows.Next() {
		a := domain.AttemptRecord{UserID: userID}
		var difficulty, gradedAt string
		var accepted int
		if err := rows.Scan(&a.SubmissionID, &a.ProblemID, &difficulty, &accepted, &gradedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Difficulty = domain.Difficulty(difficulty)
		a.Accepted = accepted != 0
		if a.GradedAt, err = parseTime(gradedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetInsight stores the annotation for a topic. An empty insight clears it.
func (s *ProgressStore) SetInsight(ctx context.Context, userID, topic, insight string) error {
	if insight == "" {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM topic_insights WHERE user_id = ? AND topic = ?", userID, topic)
		if err != nil {
			return fmt.Errorf("clear insight: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topic_insights (user_id, topic, insight, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, topic) DO UPDATE SET
			insight = excluded.insight, updated_at = excluded.updated_at`,
		userID, topic, insight, formatTime(timeNow()))
	if err != nil {
		return fmt.Errorf("save insight: %w", err)
	}
	return nil
}

// Insights returns the user's annotations keyed by topic.
func (s *ProgressStore) Insights(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT topic, insight FROM topic_insights WHERE user_id = ?", userID)
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
