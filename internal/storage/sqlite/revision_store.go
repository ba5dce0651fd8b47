package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/scheduler"
)

// RevisionStore persists spaced-repetition items.
type RevisionStore struct {
	db *DB
}

// NewRevisionStore creates a SQLite-backed revision store.
func NewRevisionStore(db *DB) *RevisionStore {
	return &RevisionStore{db: db}
}

const revisionColumns = `problem_id, state, due_at, interval_days, ease_factor, long_streak,
	lapsed, last_reviewed_at, version`

// RevisionItem returns the item for (user, problem), or an Unseen
// zero-version item.
func (s *RevisionStore) RevisionItem(ctx context.Context, userID, problemID string) (domain.RevisionItem, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+revisionColumns+
		" FROM revision_items WHERE user_id = ? AND problem_id = ?", userID, problemID)
	item, err := scanRevision(row, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RevisionItem{UserID: userID, ProblemID: problemID, State: domain.ReviewUnseen}, nil
	}
	if err != nil {
		return domain.RevisionItem{}, fmt.Errorf("query revision item: %w", err)
	}
	return item, nil
}

// SaveRevision claims key and writes item in one transaction.
func (s *RevisionStore) SaveRevision(ctx context.Context, key string, item domain.RevisionItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := claimKey(ctx, tx, scheduler.Consumer, key); err != nil {
		return err
	}

	var res sql.Result
	if item.Version == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO revision_items (user_id, problem_id, state, due_at, interval_days,
				ease_factor, long_streak, lapsed, last_reviewed_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			item.UserID, item.ProblemID, string(item.State), formatTime(item.DueAt),
			item.IntervalDays, item.EaseFactor, item.LongStreak, boolInt(item.Lapsed),
			formatTime(item.LastReviewedAt))
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE revision_items SET state = ?, due_at = ?, interval_days = ?, ease_factor = ?,
				long_streak = ?, lapsed = ?, last_reviewed_at = ?, version = version + 1
			WHERE user_id = ? AND problem_id = ? AND version = ?`,
			string(item.State), formatTime(item.DueAt), item.IntervalDays, item.EaseFactor,
			item.LongStreak, boolInt(item.Lapsed), formatTime(item.LastReviewedAt),
			item.UserID, item.ProblemID, item.Version)
	}
	if err := checkVersion(res, err, "revision "+item.ProblemID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision: %w", err)
	}
	return nil
}

// DueRevisions returns the user's Learning and Reviewing items that are
// lapsed or due at now.
func (s *RevisionStore) DueRevisions(ctx context.Context, userID string, now time.Time) ([]domain.RevisionItem, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+revisionColumns+` FROM revision_items
		WHERE user_id = ? AND state IN (?, ?) AND (lapsed = 1 OR due_at <= ?)`,
		userID, string(domain.ReviewLearning), string(domain.ReviewReviewing), formatTime(now))
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
		if item.Due(now) {
			items = append(items, item)
		}
	}
	return items, rows.Err()
}

func scanRevision(row rowScanner, userID string) (domain.RevisionItem, error) {
	item := domain.RevisionItem{UserID: userID}
	var state, dueAt, reviewedAt string
	var lapsed int
	if err := row.Scan(&item.ProblemID, &state, &dueAt, &item.IntervalDays, &item.EaseFactor,
		&item.LongStreak, &lapsed, &reviewedAt, &item.Version); err != nil {
		return item, err
	}
	item.State = domain.ReviewState(state)
	item.Lapsed = lapsed != 0

	var err error
	if item.DueAt, err = parseTime(dueAt); err != nil {
		return item, err
	}
	if item.LastReviewedAt, err = parseTime(reviewedAt); err != nil {
		return item, err
	}
	return item, nil
}
