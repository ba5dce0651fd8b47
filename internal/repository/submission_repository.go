// Package repository holds the Postgres submission repository used when
// several API replicas share one database.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"

	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/domain"
)

// SubmissionRepository persists submissions in Postgres. The schema is
// created by the postgres store's migrations.
type SubmissionRepository struct {
	db *sql.DB
}

// Open connects to Postgres through lib/pq.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

// NewSubmissionRepository creates a repository over db.
func NewSubmissionRepository(db *sql.DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

const submissionColumns = `id, problem_id, user_id, language, source_code, mode, status,
	total_cases, verdict, error_reason, submitted_at, started_at, finished_at, published`

// CreateSubmission inserts a new submission.
func (r *SubmissionRepository) CreateSubmission(ctx context.Context, s *domain.Submission) error {
	verdict, status, err := mapVerdictToDB(s.Verdict)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO submissions (id, problem_id, user_id, language, source_code, mode, status,
			total_cases, verdict, verdict_status, error_reason, submitted_at, started_at,
			finished_at, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.ProblemID, s.UserID, string(s.Language), s.SourceCode, string(s.Mode),
		string(s.Status), s.TotalCases, verdict, status, s.ErrorReason, s.SubmittedAt,
		nullTime(s.StartedAt), nullTime(s.FinishedAt), s.Published)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// UpdateSubmission writes the mutable fields of s.
func (r *SubmissionRepository) UpdateSubmission(ctx context.Context, s *domain.Submission) error {
	verdict, status, err := mapVerdictToDB(s.Verdict)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE submissions SET status = $1, verdict = $2, verdict_status = $3,
			error_reason = $4, started_at = $5, finished_at = $6, published = $7
		WHERE id = $8`,
		string(s.Status), verdict, status, s.ErrorReason, nullTime(s.StartedAt),
		nullTime(s.FinishedAt), s.Published, s.ID)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, s.ID)
	}
	return nil
}

// GetSubmission loads one submission.
func (r *SubmissionRepository) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+submissionColumns+" FROM submissions WHERE id = $1", id)
	s, err := mapSubmissionToDomain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	return s, err
}

// ListSubmissionsByStatus returns submissions in any of statuses, oldest
// first.
func (r *SubmissionRepository) ListSubmissionsByStatus(ctx context.Context, statuses ...domain.SubmissionStatus) ([]*domain.Submission, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := r.db.QueryContext(ctx, "SELECT "+submissionColumns+
		" FROM submissions WHERE status = ANY($1) ORDER BY submitted_at", pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return collect(rows)
}

// ListUnpublished returns terminal submissions whose event has not reached
// the bus. Relays on several replicas may publish the same row twice, which
// consumers tolerate.
func (r *SubmissionRepository) ListUnpublished(ctx context.Context, limit int) ([]*domain.Submission, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT "+submissionColumns+` FROM submissions
		WHERE NOT published AND status = ANY($1)
		ORDER BY finished_at LIMIT $2`,
		pq.Array([]string{string(domain.SubmissionGraded), string(domain.SubmissionErrored)}), limit)
	if err != nil {
		return nil, fmt.Errorf("list unpublished: %w", err)
	}
	return collect(rows)
}

// MarkPublished flags the submission's terminal event as delivered.
func (r *SubmissionRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, "UPDATE submissions SET published = TRUE WHERE id = $1", id); err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	return nil
}

// AcceptanceCounts tallies graded and accepted submissions per problem.
func (r *SubmissionRepository) AcceptanceCounts(ctx context.Context) (map[string]catalog.AcceptanceCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT problem_id, COUNT(*), COUNT(*) FILTER (WHERE verdict_status = $1)
		FROM submissions WHERE status = $2 GROUP BY problem_id`,
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

// Ping checks the connection for readiness probes.
func (r *SubmissionRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func collect(rows *sql.Rows) ([]*domain.Submission, error) {
	defer rows.Close()
	var out []*domain.Submission
	for rows.Next() {
		s, err := mapSubmissionToDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func mapVerdictToDB(v *domain.Verdict) (pqtype.NullRawMessage, sql.NullString, error) {
	if v == nil {
		return pqtype.NullRawMessage{}, sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return pqtype.NullRawMessage{}, sql.NullString{}, fmt.Errorf("marshal verdict: %w", err)
	}
	return pqtype.NullRawMessage{RawMessage: data, Valid: true},
		sql.NullString{String: string(v.Status), Valid: true}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func mapSubmissionToDomain(row scanner) (*domain.Submission, error) {
	var (
		s                     domain.Submission
		lang, mode, status    string
		verdict               pqtype.NullRawMessage
		startedAt, finishedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.ProblemID, &s.UserID, &lang, &s.SourceCode, &mode, &status,
		&s.TotalCases, &verdict, &s.ErrorReason, &s.SubmittedAt, &startedAt, &finishedAt,
		&s.Published)
	if err != nil {
		return nil, err
	}
	s.Language = domain.LanguageID(lang)
	s.Mode = domain.SubmissionMode(mode)
	s.Status = domain.SubmissionStatus(status)
	s.SubmittedAt = s.SubmittedAt.UTC()
	s.StartedAt = timePtr(startedAt)
	s.FinishedAt = timePtr(finishedAt)
	if verdict.Valid {
		var v domain.Verdict
		if err := json.Unmarshal(verdict.RawMessage, &v); err != nil {
			return nil, fmt.Errorf("unmarshal verdict: %w", err)
		}
		s.Verdict = &v
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
