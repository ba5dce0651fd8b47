package domain

import "time"

// TopicStat aggregates a learner's graded submissions under one tag.
type TopicStat struct {
	UserID    string `json:"-"`
	Topic     string `json:"topic"`
	Attempted int    `json:"attempted"`
	Solved    int    `json:"solved"`
	// Episodes counts distinct attempt episodes: a problem counts once until
	// it is solved or abandoned.
	Episodes        int       `json:"-"`
	FailureRate     float64   `json:"failureRate"`
	AverageAttempts float64   `json:"averageAttempts"`
	LastPracticedAt time.Time `json:"lastPracticedAt"`
	// Version is the optimistic concurrency counter. Zero means the row does
	// not exist yet.
	Version int64 `json:"-"`
}

// Recompute derives FailureRate and AverageAttempts from the counters.
func (s *TopicStat) Recompute() {
	if s.Attempted == 0 {
		s.FailureRate = 0
	} else {
		s.FailureRate = 1 - float64(s.Solved)/float64(s.Attempted)
	}
	if s.Episodes == 0 {
		s.AverageAttempts = 0
	} else {
		s.AverageAttempts = float64(s.Attempted) / float64(s.Episodes)
	}
}

// ProblemProgress tracks a learner's attempt episodes on one problem.
type ProblemProgress struct {
	UserID        string
	ProblemID     string
	Attempts      int
	Solved        bool
	EpisodeOpen   bool
	LastAttemptAt time.Time
	Version       int64
}

// AttemptRecord is one entry in the per-user log of graded submissions.
// Streaks and per-difficulty totals are derived from it on read.
type AttemptRecord struct {
	SubmissionID string
	UserID       string
	ProblemID    string
	Difficulty   Difficulty
	Accepted     bool
	GradedAt     time.Time
}

// Weakness is a topic the learner struggles with. AIInsight is an opaque
// annotation supplied by an external collaborator.
type Weakness struct {
	Topic           string  `json:"topic"`
	FailureRate     float64 `json:"failureRate"`
	Attempted       int     `json:"attempted"`
	AverageAttempts float64 `json:"averageAttempts"`
	AIInsight       string  `json:"aiInsight"`
}

// ReviewState is the spaced-repetition state of a (user, problem) pair.
type ReviewState string

const (
	ReviewUnseen    ReviewState = "Unseen"
	ReviewLearning  ReviewState = "Learning"
	ReviewReviewing ReviewState = "Reviewing"
	ReviewMastered  ReviewState = "Mastered"
)

// RevisionItem is the scheduler's record for a (user, problem) pair.
type RevisionItem struct {
	UserID       string      `json:"-"`
	ProblemID    string      `json:"problemId"`
	State        ReviewState `json:"state"`
	DueAt        time.Time   `json:"dueAt"`
	IntervalDays int         `json:"intervalDays"`
	EaseFactor   float64     `json:"easeFactor"`
	// LongStreak counts consecutive successful reviews with an interval of
	// at least the mastery interval.
	LongStreak     int       `json:"-"`
	Lapsed         bool      `json:"lapsed"`
	LastReviewedAt time.Time `json:"-"`
	Version        int64     `json:"-"`
}

// Due reports whether the item belongs in the revision queue at now.
func (r RevisionItem) Due(now time.Time) bool {
	if r.State == ReviewMastered || r.State == ReviewUnseen {
		return false
	}
	return r.Lapsed || !r.DueAt.After(now)
}
