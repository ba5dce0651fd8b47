package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/scheduler"
)

const revisionColumns = `problem_id, state, due_at, interval_days, ease_factor, long_streak,
	lapsed, last_reviewed_at, version`

// RevisionItem returns the item for (user, problem), or an Unseen
// zero-version item.
func (s *Store) RevisionItem(ctx context.Context, userID, problemID string) (domain.RevisionItem, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+revisionColumns+
		" FROM revision_items WHERE user_id = $1 AND problem_id = $2", userID, problemID)
	item, err := scanRevision(row, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RevisionItem{UserID: userID, ProblemID: problemID, State: domain.ReviewUnseen}, nil
	}
	if err != nil {
		return domain.RevisionItem{}, fmt.Errorf("query revision item: %w", err)
	}
	return item, nil
}

// SaveRevision claims key and writes item in one transaction.
func (s *Store) SaveRevision(ctx context.Context, key string, item domain.RevisionItem) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := claimKey(ctx, tx, scheduler.Consumer, key); err != nil {
			return err
		}
		if item.Version == 0 {
			tag, err := tx.Exec(ctx, `
				INSERT INTO revision_items (user_id, problem_id, state, due_at, interval_days,
					ease_factor, long_streak, lapsed, last_reviewed_at, version)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)`,
				item.UserID, item.ProblemID, string(item.State), item.DueAt.UTC(),
				item.IntervalDays, item.EaseFactor, item.LongStreak, item.Lapsed,
				item.LastReviewedAt.UTC())
			return checkVersion(tag, err, "revision "+item.ProblemID)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE revision_items SET state = $1, due_at = $2, interval_days = $3,
				ease_factor = $4, long_streak = $5, lapsed = $6, last_reviewed_at = $7,
				version = version + 1
			WHERE user_id = $8 AND problem_id = $9 AND version = $10`,
			string(item.State), item.DueAt.UTC(), item.IntervalDays, item.EaseFactor,
			item.LongStreak, item.Lapsed, item.LastReviewedAt.UTC(),
			item.UserID, item.ProblemID, item.Version)
		return checkVersion(tag, err, "revision "+item.ProblemID)
	})
}

// DueRevisions returns Learning and Reviewing items that are lapsed or due.
func (s *Store) DueRevisions(ctx context.Context, userID string, now time.Time) ([]domain.RevisionItem, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+revisionColumns+` FROM revision_items
		WHERE user_id = $1 AND state = ANY($2) AND (lapsed OR due_at <= $3)`,
		userID, []string{string(domain.ReviewLearning), string(domain.ReviewReviewing)}, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due revisions: %w", err)
	}
	defer rows.Close()

	var items []domain.RevisionItem
	for rows.Next() {
		item, err := scanRevision(rows, userID)
		if err != nil {
			return nil, fmt.Errorf("scan revision item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanRevision(row pgx.Row, userID string) (domain.RevisionItem, error) {
	item := domain.RevisionItem{UserID: userID}
	var state string
	if err := row.Scan(&item.ProblemID, &state, &item.DueAt, &item.IntervalDays, &item.EaseFactor,
		&item.LongStreak, &item.Lapsed, &item.LastReviewedAt, &item.Version); err != nil {
		return item, err
	}
	item.State = domain.ReviewState(state)
	item.DueAt = item.DueAt.UTC()
	item.LastReviewedAt = item.LastReviewedAt.UTC()
	return item, nil
}
