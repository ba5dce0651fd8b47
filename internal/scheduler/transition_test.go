package scheduler

import (
	"math"
	"testing"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTransition_SolvedFirstTryThenFailed(t *testing.T) {
	p := DefaultPolicy()

	item := Transition(domain.RevisionItem{State: domain.ReviewUnseen}, true, now, p)
	if item.State != domain.ReviewReviewing {
		t.Errorf("State = %s, want Reviewing", item.State)
	}
	if item.IntervalDays != 1 || !approx(item.EaseFactor, 2.5) {
		t.Errorf("interval/ease = %d/%v, want 1/2.5", item.IntervalDays, item.EaseFactor)
	}
	if !item.DueAt.Equal(now.Add(24 * time.Hour)) {
		t.Errorf("DueAt = %v, want now+1d", item.DueAt)
	}

	later := now.Add(48 * time.Hour)
	item = Transition(item, false, later, p)
	if item.State != domain.ReviewLearning {
		t.Errorf("State = %s, want Learning", item.State)
	}
	if item.IntervalDays != 1 || !approx(item.EaseFactor, 2.3) {
		t.Errorf("interval/ease = %d/%v, want 1/2.3", item.IntervalDays, item.EaseFactor)
	}
	if item.DueAt.After(later.Add(24 * time.Hour)) {
		t.Errorf("DueAt = %v, want at most later+1d", item.DueAt)
	}
	if !item.Lapsed || !item.Due(later) {
		t.Error("failed item must be due immediately")
	}
}

func TestTransition_FirstSubmissionFails(t *testing.T) {
	item := Transition(domain.RevisionItem{}, false, now, DefaultPolicy())

	if item.State != domain.ReviewLearning {
		t.Errorf("State = %s, want Learning", item.State)
	}
	if item.IntervalDays != 1 {
		t.Errorf("IntervalDays = %d, want 1", item.IntervalDays)
	}
	if !approx(item.EaseFactor, 2.3) {
		t.Errorf("EaseFactor = %v, want 2.3", item.EaseFactor)
	}
}

func TestTransition_ReviewGrowth(t *testing.T) {
	p := DefaultPolicy()
	item := domain.RevisionItem{State: domain.ReviewReviewing, IntervalDays: 3, EaseFactor: 2.6}

	item = Transition(item, true, now, p)
	if item.IntervalDays != 8 {
		t.Errorf("IntervalDays = %d, want round(3*2.6)=8", item.IntervalDays)
	}
	if !approx(item.EaseFactor, 2.7) {
		t.Errorf("EaseFactor = %v, want 2.7", item.EaseFactor)
	}
	if !item.DueAt.Equal(now.Add(8 * 24 * time.Hour)) {
		t.Errorf("DueAt = %v, want now+8d", item.DueAt)
	}
}

func TestTransition_EaseFloor(t *testing.T) {
	p := DefaultPolicy()
	item := domain.RevisionItem{State: domain.ReviewReviewing, IntervalDays: 10, EaseFactor: 1.4}

	for i := 0; i < 3; i++ {
		item = Transition(item, false, now, p)
	}
	if !approx(item.EaseFactor, 1.3) {
		t.Errorf("EaseFactor = %v, want floor 1.3", item.EaseFactor)
	}
}

func TestTransition_Mastery(t *testing.T) {
	p := DefaultPolicy()
	item := domain.RevisionItem{}
	wantIntervals := []int{1, 3, 8, 22, 62, 180}

	for i, want := range wantIntervals {
		item = Transition(item, true, now, p)
		if item.IntervalDays != want {
			t.Fatalf("review %d IntervalDays = %d, want %d", i+1, item.IntervalDays, want)
		}
		if i < len(wantIntervals)-1 && item.State == domain.ReviewMastered {
			t.Fatalf("mastered early at review %d", i+1)
		}
	}
	if item.State != domain.ReviewMastered {
		t.Errorf("State = %s, want Mastered", item.State)
	}
	if item.Due(now.Add(1000 * 24 * time.Hour)) {
		t.Error("mastered item must never be due")
	}
}

func TestTransition_LongStreakResetsOnFailure(t *testing.T) {
	p := DefaultPolicy()
	item := domain.RevisionItem{State: domain.ReviewReviewing, IntervalDays: 22, EaseFactor: 2.8}

	item = Transition(item, true, now, p)
	if item.LongStreak != 1 {
		t.Fatalf("LongStreak = %d, want 1", item.LongStreak)
	}
	item = Transition(item, false, now, p)
	if item.LongStreak != 0 || item.State != domain.ReviewLearning {
		t.Errorf("after failure: LongStreak=%d State=%s", item.LongStreak, item.State)
	}
}

func TestTransition_RegressionInvariant(t *testing.T) {
	p := DefaultPolicy()
	states := []domain.RevisionItem{
		{State: domain.ReviewLearning, IntervalDays: 1, EaseFactor: 2.5},
		{State: domain.ReviewReviewing, IntervalDays: 62, EaseFactor: 2.9, LongStreak: 1},
		{State: domain.ReviewMastered, IntervalDays: 180, EaseFactor: 3.0},
	}
	for _, s := range states {
		got := Transition(s, false, now, p)
		if got.DueAt.After(now.Add(24 * time.Hour)) {
			t.Errorf("from %s: DueAt = %v, want <= now+1d", s.State, got.DueAt)
		}
		if got.State != domain.ReviewLearning {
			t.Errorf("from %s: State = %s, want Learning", s.State, got.State)
		}
	}
}

func TestTransition_Pure(t *testing.T) {
	in := domain.RevisionItem{State: domain.ReviewReviewing, IntervalDays: 3, EaseFactor: 2.6}
	a := Transition(in, true, now, DefaultPolicy())
	b := Transition(in, true, now, DefaultPolicy())
	if a != b {
		t.Errorf("Transition not deterministic: %+v vs %+v", a, b)
	}
	if in.IntervalDays != 3 {
		t.Error("input mutated")
	}
}
