package progress

import (
	"sort"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

func isWeakness(s domain.TopicStat, minFailureRate float64, minAttempted int) bool {
	return s.Attempted >= minAttempted && s.FailureRate >= minFailureRate
}

// Classify picks the weak topics from stats, weakest first. insights maps
// topic to its stored annotation.
func Classify(stats []domain.TopicStat, insights map[string]string, minFailureRate float64, minAttempted int) []domain.Weakness {
	out := make([]domain.Weakness, 0)
	for _, s := range stats {
		if !isWeakness(s, minFailureRate, minAttempted) {
			continue
		}
		out = append(out, domain.Weakness{
			Topic:           s.Topic,
			FailureRate:     s.FailureRate,
			Attempted:       s.Attempted,
			AverageAttempts: s.AverageAttempts,
			AIInsight:       insights[s.Topic],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailureRate != out[j].FailureRate {
			return out[i].FailureRate > out[j].FailureRate
		}
		if out[i].Attempted != out[j].Attempted {
			return out[i].Attempted > out[j].Attempted
		}
		return out[i].Topic < out[j].Topic
	})
	return out
}
