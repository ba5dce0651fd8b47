// Package scheduler implements the spaced-repetition state machine that
// decides when a learner should revisit a problem.
package scheduler

import (
	"math"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

const day = 24 * time.Hour

// Policy holds the SM-2 style parameters.
type Policy struct {
	InitialEase float64
	MinEase     float64
	EaseBonus   float64
	EasePenalty float64
	// MasteryInterval and MasteryStreak: an item is mastered after
	// MasteryStreak consecutive successful reviews whose interval reached
	// MasteryInterval days.
	MasteryInterval int
	MasteryStreak   int
}

// DefaultPolicy returns the standard parameters.
func DefaultPolicy() Policy {
	return Policy{
		InitialEase:     2.5,
		MinEase:         1.3,
		EaseBonus:       0.1,
		EasePenalty:     0.2,
		MasteryInterval: 30,
		MasteryStreak:   2,
	}
}

// Transition applies one graded attempt to item at now. It is pure: the
// result depends only on its arguments.
func Transition(item domain.RevisionItem, accepted bool, now time.Time, p Policy) domain.RevisionItem {
	next := item
	next.LastReviewedAt = now

	if next.State == domain.ReviewUnseen || next.State == "" {
		next.State = domain.ReviewLearning
		next.IntervalDays = 1
		next.EaseFactor = p.InitialEase
	}

	if !accepted {
		next.State = domain.ReviewLearning
		next.IntervalDays = 1
		next.EaseFactor = math.Max(p.MinEase, next.EaseFactor-p.EasePenalty)
		next.DueAt = now.Add(day)
		next.LongStreak = 0
		next.Lapsed = true
		return next
	}

	next.Lapsed = false
	switch next.State {
	case domain.ReviewLearning:
		next.State = domain.ReviewReviewing
		next.IntervalDays = 1
		next.EaseFactor = p.InitialEase
		next.LongStreak = 0
	case domain.ReviewReviewing:
		next.IntervalDays = max(1, int(math.Round(float64(next.IntervalDays)*next.EaseFactor)))
		next.EaseFactor = math.Max(p.MinEase, next.EaseFactor+p.EaseBonus)
		if next.IntervalDays >= p.MasteryInterval {
			next.LongStreak++
		} else {
			next.LongStreak = 0
		}
		if next.LongStreak >= p.MasteryStreak {
			next.State = domain.ReviewMastered
		}
	case domain.ReviewMastered:
		return next
	}
	next.DueAt = now.Add(time.Duration(next.IntervalDays) * day)
	return next
}
