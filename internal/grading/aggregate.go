package grading

import (
	"errors"
	"fmt"
	"sort"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// ErrIncompleteOutcomes is returned when outcomes stop before a failure
// without covering every case.
var ErrIncompleteOutcomes = errors.New("outcomes do not cover every test case")

// Aggregate folds outcomes into the submission's verdict. It is a pure
// function: the input slice is not modified and equal inputs produce equal
// verdicts. Hidden cases contribute only their index and result.
func Aggregate(sub *domain.Submission, outcomes []domain.ExecutionOutcome) (domain.Verdict, error) {
	sorted := make([]domain.ExecutionOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TestCaseIndex < sorted[j].TestCaseIndex
	})

	total := sub.TotalCases
	if total < len(sorted) {
		total = len(sorted)
	}
	v := domain.Verdict{
		SubmissionID: sub.ID,
		ProblemID:    sub.ProblemID,
		UserID:       sub.UserID,
		TotalCount:   total,
		Cases:        []domain.CaseReport{},
	}

	for _, o := range sorted {
		if o.Result == domain.ResultCompileError {
			v.Status = domain.VerdictCompileError
			v.Diagnostic = o.Diagnostic
			return v, nil
		}
	}

	var failed *domain.ExecutionOutcome
	for i := range sorted {
		o := sorted[i]
		if o.DurationMs > v.MaxDurationMs {
			v.MaxDurationMs = o.DurationMs
		}
		if o.PeakMemoryKB > v.PeakMemoryKB {
			v.PeakMemoryKB = o.PeakMemoryKB
		}
		v.Cases = append(v.Cases, report(o))

		if o.Passed() {
			v.PassedCount++
			continue
		}
		if failed == nil {
			failed = &sorted[i]
		}
	}

	if failed == nil {
		if v.PassedCount < total {
			return domain.Verdict{}, fmt.Errorf("%w: %d of %d", ErrIncompleteOutcomes, len(sorted), total)
		}
		v.Status = domain.VerdictAccepted
		return v, nil
	}

	index := failed.TestCaseIndex
	v.Status = domain.VerdictFromResult(failed.Result)
	v.FailedCaseIndex = &index
	v.FailedCaseHidden = failed.Hidden
	if !failed.Hidden {
		v.Diagnostic = failed.Diagnostic
	}
	return v, nil
}

func report(o domain.ExecutionOutcome) domain.CaseReport {
	r := domain.CaseReport{
		Index:        o.TestCaseIndex,
		Result:       o.Result,
		Hidden:       o.Hidden,
		DurationMs:   o.DurationMs,
		PeakMemoryKB: o.PeakMemoryKB,
	}
	if o.Hidden {
		return r
	}
	r.Input = o.Input
	r.ExpectedOutput = o.ExpectedOutput
	r.ActualOutput = o.ActualOutput
	return r
}
