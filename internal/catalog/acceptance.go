package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// AcceptanceCount is the graded/accepted tally for one problem.
type AcceptanceCount struct {
	Graded   int
	Accepted int
}

// AcceptanceSource aggregates historical submissions per problem.
type AcceptanceSource interface {
	AcceptanceCounts(ctx context.Context) (map[string]AcceptanceCount, error)
}

// AcceptanceRefresher periodically recomputes acceptance rates. The rate is a
// derived statistic; nothing writes it per submission.
type AcceptanceRefresher struct {
	catalog  *Catalog
	source   AcceptanceSource
	interval time.Duration
	// MinGraded is the sample size below which the fixture value is kept.
	MinGraded int
}

// NewAcceptanceRefresher creates a refresher. An interval of zero disables
// periodic refresh.
func NewAcceptanceRefresher(c *Catalog, source AcceptanceSource, interval time.Duration) *AcceptanceRefresher {
	return &AcceptanceRefresher{catalog: c, source: source, interval: interval, MinGraded: 1}
}

// Refresh recomputes every rate once.
func (r *AcceptanceRefresher) Refresh(ctx context.Context) error {
	counts, err := r.source.AcceptanceCounts(ctx)
	if err != nil {
		return fmt.Errorf("acceptance counts: %w", err)
	}

	rates := make(map[string]float64, len(counts))
	for id, c := range counts {
		if c.Graded < r.MinGraded || c.Graded == 0 {
			continue
		}
		pct := float64(c.Accepted) / float64(c.Graded) * 100
		rates[id] = math.Round(pct*10) / 10
	}
	r.catalog.setAcceptance(rates)
	return nil
}

// Run refreshes until ctx is cancelled.
func (r *AcceptanceRefresher) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("acceptance refresh failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Warn("acceptance refresh failed", "error", err)
			}
		}
	}
}
