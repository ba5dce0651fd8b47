package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

func TestRevisionStore_MissingIsUnseen(t *testing.T) {
	store := NewRevisionStore(openTestDB(t))

	item, err := store.RevisionItem(context.Background(), "u1", "bfs")
	if err != nil {
		t.Fatalf("RevisionItem() error = %v", err)
	}
	if item.State != domain.ReviewUnseen || item.Version != 0 {
		t.Errorf("RevisionItem() = %+v, want Unseen zero version", item)
	}
}

func TestRevisionStore_SaveAndLoad(t *testing.T) {
	store := NewRevisionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	item := domain.RevisionItem{
		UserID: "u1", ProblemID: "bfs", State: domain.ReviewLearning,
		DueAt: now.Add(24 * time.Hour), IntervalDays: 1, EaseFactor: 2.3,
		Lapsed: true, LastReviewedAt: now,
	}
	if err := store.SaveRevision(ctx, "k1", item); err != nil {
		t.Fatalf("SaveRevision() error = %v", err)
	}

	got, err := store.RevisionItem(ctx, "u1", "bfs")
	if err != nil {
		t.Fatalf("RevisionItem() error = %v", err)
	}
	if got.Version != 1 || got.State != domain.ReviewLearning || !got.Lapsed || got.EaseFactor != 2.3 {
		t.Errorf("RevisionItem() = %+v", got)
	}
	if !got.DueAt.Equal(item.DueAt) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, item.DueAt)
	}

	if err := store.SaveRevision(ctx, "k1", got); !errors.Is(err, domain.ErrAlreadyApplied) {
		t.Errorf("duplicate key error = %v, want ErrAlreadyApplied", err)
	}
	if err := store.SaveRevision(ctx, "k2", item); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale insert error = %v, want ErrVersionConflict", err)
	}

	got.State = domain.ReviewReviewing
	got.Lapsed = false
	if err := store.SaveRevision(ctx, "k3", got); err != nil {
		t.Fatalf("SaveRevision() update error = %v", err)
	}
	if err := store.SaveRevision(ctx, "k4", got); !errors.Is(err, domain.ErrVersionConflict) {
		t.Errorf("stale update error = %v, want ErrVersionConflict", err)
	}
}

func TestRevisionStore_DueRevisions(t *testing.T) {
	store := NewRevisionStore(openTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	items := []domain.RevisionItem{
		{ProblemID: "due", State: domain.ReviewReviewing, DueAt: now.Add(-time.Hour)},
		{ProblemID: "due-now", State: domain.ReviewLearning, DueAt: now},
		{ProblemID: "future", State: domain.ReviewReviewing, DueAt: now.Add(time.Hour)},
		{ProblemID: "lapsed", State: domain.ReviewLearning, DueAt: now.Add(24 * time.Hour), Lapsed: true},
		{ProblemID: "mastered", State: domain.ReviewMastered, DueAt: now.Add(-time.Hour)},
	}
	for i, it := range items {
		it.UserID = "u1"
		it.IntervalDays = 1
		it.EaseFactor = 2.5
		it.LastReviewedAt = now
		if err := store.SaveRevision(ctx, it.ProblemID, it); err != nil {
			t.Fatalf("SaveRevision(%d) error = %v", i, err)
		}
	}

	got, err := store.DueRevisions(ctx, "u1", now)
	if err != nil {
		t.Fatalf("DueRevisions() error = %v", err)
	}
	ids := make(map[string]bool)
	for _, it := range got {
		ids[it.ProblemID] = true
	}
	for _, want := range []string{"due", "due-now", "lapsed"} {
		if !ids[want] {
			t.Errorf("DueRevisions() missing %q", want)
		}
	}
	if len(got) != 3 {
		t.Errorf("len(DueRevisions()) = %d, want 3", len(got))
	}

	other, _ := store.DueRevisions(ctx, "u2", now)
	if len(other) != 0 {
		t.Errorf("DueRevisions(u2) = %v, want none", other)
	}
}
