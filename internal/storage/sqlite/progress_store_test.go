package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/progress"
)

func mutation(key string, topicVersion, problemVersion int64, at time.Time) progress.Mutation {
	stat := domain.TopicStat{UserID: "u1", Topic: "Graphs", Attempted: 1, Episodes: 1,
		LastPracticedAt: at, Version: topicVersion}
	stat.Recompute()
	return progress.Mutation{
		Key:    key,
		Topics: []domain.TopicStat{stat},
		Problem: domain.ProblemProgress{UserID: "u1", ProblemID: "bfs", Attempts: 1,
			EpisodeOpen: true, LastAttemptAt: at, Version: problemVersion},
		Attempt: domain.AttemptRecord{SubmissionID: key, UserID: "u1", ProblemID: "bfs",
			Difficulty: domain.DifficultyMedium, GradedAt: at},
	}
}

func TestProgressStore_ApplyVerdict(t *testing.T) {
	store := NewProgressStore(openTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.ApplyVerdict(ctx, mutation("s1", 0, 0, at)); err != nil {
		t.Fatalf("ApplyVerdict() error = %v", err)
	}

	stats, err := store.TopicStats(ctx, "u1")
	if err != nil {
		t.Fatalf("TopicStats() error = %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	s := stats[0]
	if s.Topic != "Graphs" || s.Attempted != 1 || s.FailureRate != 1 || s.Version != 1 {
		t.Errorf("stat = %+v", s)
	}
	if !s.LastPracticedAt.Equal(at) {
		t.Errorf("LastPracticedAt = %v, want %v", s.LastPracticedAt, at)
	}

	pp, err := store.ProblemProgress(ctx, "u1", "bfs")
	if err != nil {
		t.Fatalf("ProblemProgress() error = %v", err)
	}
	if pp.Attempts != 1 || !pp.EpisodeOpen || pp.Solved || pp.Version != 1 {
		t.Errorf("progress = %+v", pp)
	}

	attempts, err := store.Attempts(ctx, "u1")
	if err != nil {
		t.Fatalf("Attempts() error = %v", err)
	}
	if len(attempts) != 1 || attempts[0].Difficulty != domain.DifficultyMedium || attempts[0].Accepted {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestProgressStore_AlreadyApplied(t *testing.T) {
	store := NewProgressStore(openTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.ApplyVerdict(ctx, mutation("s1", 0, 0, at)); err != nil {
		t.Fatalf("ApplyVerdict() error = %v", err)
	}
	err := store.ApplyVerdict(ctx, mutation("s1", 1, 1, at))
	if !errors.Is(err, domain.ErrAlreadyApplied) {
		t.Fatalf("redelivery error = %v, want ErrAlreadyApplied", err)
	}

	attempts, _ := store.Attempts(ctx, "u1")
	if len(attempts) != 1 {
		t.Errorf("len(attempts) = %d, want 1", len(attempts))
	}
}

func TestProgressStore_VersionConflict(t *testing.T) {
	store := NewProgressStore(openTestDB(t))
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := store.ApplyVerdict(ctx, mutation("s1", 0, 0, at)); err != nil {
		t.Fatalf("ApplyVerdict() error = %v", err)
	}

	tests := []struct {
		name           string
		topicVersion   int64
		problemVersion int64
	}{
		{"stale insert", 0, 1},
		{"stale topic", 3, 1},
		{"stale problem", 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ApplyVerdict(ctx, mutation("s-"+tt.name, tt.topicVersion, tt.problemVersion, at))
			if !errors.Is(err, domain.ErrVersionConflict) {
				t.Errorf("ApplyVerdict() error = %v, want ErrVersionConflict", err)
			}
		})
	}

	// A rejected mutation must not consume its key.
	if err := store.ApplyVerdict(ctx, mutation("s-stale topic", 1, 1, at)); err != nil {
		t.Errorf("retry with fresh versions error = %v", err)
	}
	stats, _ := store.TopicStats(ctx, "u1")
	if len(stats) != 1 || stats[0].Version != 2 {
		t.Errorf("stats = %+v, want version 2", stats)
	}
}

func TestProgressStore_ProblemProgressMissing(t *testing.T) {
	store := NewProgressStore(openTestDB(t))

	pp, err := store.ProblemProgress(context.Background(), "u1", "nope")
	if err != nil {
		t.Fatalf("ProblemProgress() error = %v", err)
	}
	if pp.Version != 0 || pp.Attempts != 0 || pp.ProblemID != "nope" {
		t.Errorf("ProblemProgress() = %+v, want zero record", pp)
	}
}

func TestProgressStore_Insights(t *testing.T) {
	store := NewProgressStore(openTestDB(t))
	ctx := context.Background()

	if err := store.SetInsight(ctx, "u1", "Graphs", "practice BFS layering"); err != nil {
		t.Fatalf("SetInsight() error = %v", err)
	}
	if err := store.SetInsight(ctx, "u1", "Graphs", "revisit visited sets"); err != nil {
		t.Fatalf("SetInsight() overwrite error = %v", err)
	}
	if err := store.SetInsight(ctx, "u2", "DP", "other user"); err != nil {
		t.Fatal(err)
	}

	got, err := store.Insights(ctx, "u1")
	if err != nil {
		t.Fatalf("Insights() error = %v", err)
	}
	if len(got) != 1 || got["Graphs"] != "revisit visited sets" {
		t.Errorf("Insights() = %v", got)
	}

	if err := store.SetInsight(ctx, "u1", "Graphs", ""); err != nil {
		t.Fatalf("SetInsight() clear error = %v", err)
	}
	got, _ = store.Insights(ctx, "u1")
	if len(got) != 0 {
		t.Errorf("Insights() after clear = %v", got)
	}
}
