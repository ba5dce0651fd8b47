package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/domain"
)

// SubmissionStore persists submissions and serves the outbox relay.
type SubmissionStore struct {
	db *DB
}

// NewSubmissionStore creates a SQLite-backed submission store.
func NewSubmissionStore(db *DB) *SubmissionStore {
	return &SubmissionStore{db: db}
}

const submissionColumns = `id, problem_id, user_id, language, source_code, mode, status,
	total_cases, verdict, error_reason, submitted_at, started_at, finished_at, published`

// CreateSubmission inserts a new submission.
func (s *SubmissionStore) CreateSubmission(ctx context.Context, sub *domain.Submission) error {
	verdict, status, err := encodeVerdict(sub.Verdict)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, problem_id, user_id, language, source_code, mode, status,
			total_cases, verdict, verdict_status, error_reason, submitted_at, started_at,
			finished_at, published)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID.String(), sub.ProblemID, sub.UserID, string(sub.Language), sub.SourceCode,
		string(sub.Mode), string(sub.Status), sub.TotalCases, verdict, status,
		sub.ErrorReason, formatTime(sub.SubmittedAt), nullTime(sub.StartedAt),
		nullTime(sub.FinishedAt), boolInt(sub.Published),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// UpdateSubmission writes the mutable fields of sub.
func (s *SubmissionStore) UpdateSubmission(ctx context.Context, sub *domain.Submission) error {
	verdict, status, err := encodeVerdict(sub.Verdict)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions SET status = ?, verdict = ?, verdict_status = ?, error_reason = ?,
			started_at = ?, finished_at = ?, published = ?
		WHERE id = ?`,
		string(sub.Status), verdict, status, sub.ErrorReason,
		nullTime(sub.StartedAt), nullTime(sub.FinishedAt), boolInt(sub.Published),
		sub.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, sub.ID)
	}
	return nil
}

// GetSubmission loads one submission.
func (s *SubmissionStore) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE id = ?", id.String())
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	return sub, err
}

// ListSubmissionsByStatus returns submissions in any of statuses, oldest
// first.
func (s *SubmissionStore) ListSubmissionsByStatus(ctx context.Context, statuses ...domain.SubmissionStatus) ([]*domain.Submission, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+submissionColumns+" FROM submissions WHERE status IN ("+placeholders+
			") ORDER BY submitted_at", args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return collectSubmissions(rows)
}

// ListUnpublished returns terminal submissions whose event has not reached
// the bus.
func (s *SubmissionStore) ListUnpublished(ctx context.Context, limit int) ([]*domain.Submission, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+submissionColumns+` FROM submissions
		WHERE published = 0 AND status IN (?, ?)
		ORDER BY finished_at LIMIT ?`,
		string(domain.SubmissionGraded), string(domain.SubmissionErrored), limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished: %w", err)
	}
	return collectSubmissions(rows)
}

// MarkPublished flags the submission's terminal event as delivered.
func (s *SubmissionStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE submissions SET published = 1 WHERE id = ?", id.String()); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// AcceptanceCounts tallies graded and accepted submissions per problem.
// Errored submissions are not judgements and are left out.
func (s *SubmissionStore) AcceptanceCounts(ctx context.Context) (map[string]catalog.AcceptanceCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT problem_id, COUNT(*), SUM(CASE WHEN verdict_status = ? THEN 1 ELSE 0 END)
		FROM submissions WHERE status = ? GROUP BY problem_id`,
		string(domain.VerdictAccepted), string(domain.SubmissionGraded))
	if err != nil {
		return nil, fmt.Errorf("acceptance counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]catalog.AcceptanceCount)
	for rows.Next() {
		var id string
		var c catalog.AcceptanceCount
		if err := rows.Scan(&id, &c.Graded, &c.Accepted); err != nil {
			return nil, fmt.Errorf("scan acceptance: %w", err)
		}
		counts[id] = c
	}
	return counts, rows.Err()
}

func encodeVerdict(v *domain.Verdict) (sql.NullString, sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, sql.NullString{}, fmt.Errorf("marshal verdict: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true},
		sql.NullString{String: string(v.Status), Valid: true}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (*domain.Submission, error) {
	var (
		sub                    domain.Submission
		id, lang, mode, status string
		verdict                sql.NullString
		submittedAt            string
		startedAt, finishedAt  sql.NullString
		published              int
	)
	err := row.Scan(&id, &sub.ProblemID, &sub.UserID, &lang, &sub.SourceCode, &mode, &status,
		&sub.TotalCases, &verdict, &sub.ErrorReason, &submittedAt, &startedAt, &finishedAt,
		&published)
	if err != nil {
		return nil, err
	}

	if sub.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse submission id: %w", err)
	}
	sub.Language = domain.LanguageID(lang)
	sub.Mode = domain.SubmissionMode(mode)
	sub.Status = domain.SubmissionStatus(status)
	sub.Published = published != 0
	if sub.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, err
	}
	if sub.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if sub.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	if verdict.Valid {
		var v domain.Verdict
		if err := json.Unmarshal([]byte(verdict.String), &v); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
		sub.Verdict = &v
	}
	return &sub, nil
}

func collectSubmissions(rows *sql.Rows) ([]*domain.Submission, error) {
	defer rows.Close()
	var subs []*domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
