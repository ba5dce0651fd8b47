package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

func newSubmission(problemID string, at time.Time) *domain.Submission {
	return &domain.Submission{
		ID:          uuid.New(),
		ProblemID:   problemID,
		UserID:      "u1",
		Language:    domain.LanguagePython,
		SourceCode:  "print(input())",
		Mode:        domain.ModeSubmit,
		Status:      domain.SubmissionQueued,
		TotalCases:  3,
		SubmittedAt: at,
	}
}

func TestSubmissionStore_CreateGet(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sub := newSubmission("two-sum", now)
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	got, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.ProblemID != "two-sum" || got.Status != domain.SubmissionQueued || got.TotalCases != 3 {
		t.Errorf("GetSubmission() = %+v", got)
	}
	if !got.SubmittedAt.Equal(now) {
		t.Errorf("SubmittedAt = %v, want %v", got.SubmittedAt, now)
	}
	if got.Verdict != nil || got.StartedAt != nil {
		t.Error("new submission should have no verdict or start time")
	}
}

func TestSubmissionStore_GetNotFound(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))

	_, err := store.GetSubmission(context.Background(), uuid.New())
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Errorf("GetSubmission() error = %v, want ErrSubmissionNotFound", err)
	}
}

func TestSubmissionStore_UpdateVerdict(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sub := newSubmission("two-sum", now)
	if err := store.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	if err := sub.TransitionTo(domain.SubmissionRunning, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	failed := 1
	v := domain.Verdict{
		SubmissionID:    sub.ID,
		ProblemID:       sub.ProblemID,
		UserID:          sub.UserID,
		Status:          domain.VerdictWrongAnswer,
		FailedCaseIndex: &failed,
		PassedCount:     1,
		TotalCount:      3,
	}
	if err := sub.Grade(v, now.Add(2*time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateSubmission(ctx, sub); err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}

	got, err := store.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if got.Status != domain.SubmissionGraded {
		t.Errorf("Status = %s, want Graded", got.Status)
	}
	if got.Verdict == nil || got.Verdict.Status != domain.VerdictWrongAnswer {
		t.Fatalf("Verdict = %+v", got.Verdict)
	}
	if got.Verdict.FailedCaseIndex == nil || *got.Verdict.FailedCaseIndex != 1 {
		t.Errorf("FailedCaseIndex = %v, want 1", got.Verdict.FailedCaseIndex)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(now.Add(2*time.Second)) {
		t.Errorf("FinishedAt = %v", got.FinishedAt)
	}
}

func TestSubmissionStore_UpdateMissing(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))

	err := store.UpdateSubmission(context.Background(), newSubmission("x", time.Now()))
	if !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Errorf("UpdateSubmission() error = %v, want ErrSubmissionNotFound", err)
	}
}

func TestSubmissionStore_ListByStatus(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	queued := newSubmission("a", base.Add(2*time.Minute))
	running := newSubmission("b", base.Add(time.Minute))
	running.Status = domain.SubmissionRunning
	errored := newSubmission("c", base)
	errored.Status = domain.SubmissionErrored
	for _, s := range []*domain.Submission{queued, running, errored} {
		if err := store.CreateSubmission(ctx, s); err != nil {
			t.Fatalf("CreateSubmission() error = %v", err)
		}
	}

	got, err := store.ListSubmissionsByStatus(ctx, domain.SubmissionQueued, domain.SubmissionRunning)
	if err != nil {
		t.Fatalf("ListSubmissionsByStatus() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != running.ID || got[1].ID != queued.ID {
		t.Error("submissions should be ordered by submission time")
	}

	none, err := store.ListSubmissionsByStatus(ctx)
	if err != nil || len(none) != 0 {
		t.Errorf("ListSubmissionsByStatus() = %v, %v; want empty", none, err)
	}
}

func TestSubmissionStore_Outbox(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	pending := newSubmission("a", now)
	if err := store.CreateSubmission(ctx, pending); err != nil {
		t.Fatal(err)
	}
	done := newSubmission("b", now)
	if err := done.Fail(domain.ErrorReasonCancelled, now); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateSubmission(ctx, done); err != nil {
		t.Fatal(err)
	}

	got, err := store.ListUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnpublished() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != done.ID {
		t.Fatalf("ListUnpublished() = %v, want only the terminal submission", got)
	}

	if err := store.MarkPublished(ctx, done.ID); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}
	got, err = store.ListUnpublished(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnpublished() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListUnpublished() after mark = %d, want 0", len(got))
	}
}

func TestSubmissionStore_AcceptanceCounts(t *testing.T) {
	store := NewSubmissionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	grade := func(problem string, status domain.VerdictStatus) {
		t.Helper()
		s := newSubmission(problem, now)
		s.Status = domain.SubmissionRunning
		if err := s.Grade(domain.Verdict{SubmissionID: s.ID, Status: status}, now); err != nil {
			t.Fatal(err)
		}
		if err := store.CreateSubmission(ctx, s); err != nil {
			t.Fatal(err)
		}
	}
	grade("a", domain.VerdictAccepted)
	grade("a", domain.VerdictWrongAnswer)
	grade("a", domain.VerdictAccepted)
	grade("b", domain.VerdictCompileError)

	errored := newSubmission("b", now)
	errored.Status = domain.SubmissionErrored
	if err := store.CreateSubmission(ctx, errored); err != nil {
		t.Fatal(err)
	}

	counts, err := store.AcceptanceCounts(ctx)
	if err != nil {
		t.Fatalf("AcceptanceCounts() error = %v", err)
	}
	if c := counts["a"]; c.Graded != 3 || c.Accepted != 2 {
		t.Errorf("counts[a] = %+v, want 3 graded 2 accepted", c)
	}
	if c := counts["b"]; c.Graded != 1 || c.Accepted != 0 {
		t.Errorf("counts[b] = %+v, want 1 graded 0 accepted", c)
	}
}
