package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// DifficultyStat counts distinct problems of one difficulty.
type DifficultyStat struct {
	Solved    int `json:"solved"`
	Attempted int `json:"attempted"`
}

// UserProgress is the learner progress payload.
type UserProgress struct {
	UserID         string                               `json:"userId"`
	TotalSolved    int                                  `json:"totalSolved"`
	TotalAttempted int                                  `json:"totalAttempted"`
	Streak         int                                  `json:"streak"`
	ByDifficulty   map[domain.Difficulty]DifficultyStat `json:"byDifficulty"`
	ByTopic        map[string]domain.TopicStat          `json:"byTopic"`
	Weaknesses     []domain.Weakness                    `json:"weaknesses"`
	RevisionQueue  []domain.RevisionItem                `json:"revisionQueue"`
}

// UserProgress derives the progress view from stored state. Nothing is
// cached between calls.
func (a *Analyzer) UserProgress(ctx context.Context, userID string) (*UserProgress, error) {
	attempts, err := a.store.Attempts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	stats, err := a.store.TopicStats(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load topic stats: %w", err)
	}
	insights, err := a.store.Insights(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load insights: %w", err)
	}

	up := &UserProgress{
		UserID:        userID,
		Streak:        Streak(attempts, a.now()),
		ByDifficulty:  make(map[domain.Difficulty]DifficultyStat),
		ByTopic:       make(map[string]domain.TopicStat, len(stats)),
		Weaknesses:    Classify(stats, insights, a.cfg.MinFailureRate, a.cfg.MinAttempted),
		RevisionQueue: make([]domain.RevisionItem, 0),
	}
	for _, d := range domain.Difficulties() {
		up.ByDifficulty[d] = DifficultyStat{}
	}
	for _, s := range stats {
		up.ByTopic[s.Topic] = s
	}

	type problemSeen struct {
		difficulty domain.Difficulty
		solved     bool
	}
	seen := make(map[string]*problemSeen)
	for _, at := range attempts {
		p, ok := seen[at.ProblemID]
		if !ok {
			p = &problemSeen{difficulty: at.Difficulty}
			seen[at.ProblemID] = p
		}
		p.solved = p.solved || at.Accepted
	}
	for _, p := range seen {
		ds := up.ByDifficulty[p.difficulty]
		ds.Attempted++
		up.TotalAttempted++
		if p.solved {
			ds.Solved++
			up.TotalSolved++
		}
		up.ByDifficulty[p.difficulty] = ds
	}

	if a.due != nil {
		due, err := a.due.GetDueItems(ctx, userID, a.cfg.RevisionLimit)
		if err != nil {
			return nil, fmt.Errorf("load revision queue: %w", err)
		}
		up.RevisionQueue = append(up.RevisionQueue, due...)
	}
	return up, nil
}

// Streak counts consecutive UTC days with at least one accepted submission,
// ending today or yesterday.
func Streak(attempts []domain.AttemptRecord, now time.Time) int {
	days := make(map[string]bool)
	for _, at := range attempts {
		if at.Accepted {
			days[at.GradedAt.UTC().Format(time.DateOnly)] = true
		}
	}
	if len(days) == 0 {
		return 0
	}

	day := now.UTC()
	if !days[day.Format(time.DateOnly)] {
		day = day.AddDate(0, 0, -1)
	}
	streak := 0
	for days[day.Format(time.DateOnly)] {
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak
}
