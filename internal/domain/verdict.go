package domain

import (
	"time"

	"github.com/google/uuid"
)

// VerdictStatus is the overall classification of a graded submission.
type VerdictStatus string

const (
	VerdictAccepted            VerdictStatus = "Accepted"
	VerdictWrongAnswer         VerdictStatus = "WrongAnswer"
	VerdictRuntimeError        VerdictStatus = "RuntimeError"
	VerdictTimeLimitExceeded   VerdictStatus = "TimeLimitExceeded"
	VerdictMemoryLimitExceeded VerdictStatus = "MemoryLimitExceeded"
	VerdictCompileError        VerdictStatus = "CompileError"
)

// VerdictFromResult maps a failing case result to the verdict it produces.
func VerdictFromResult(r Result) VerdictStatus {
	if r == ResultPass {
		return VerdictAccepted
	}
	return VerdictStatus(r)
}

// CaseReport is the learner-facing view of one executed case. Input,
// expected and actual output are only filled for visible cases.
type CaseReport struct {
	Index          int    `json:"index"`
	Result         Result `json:"result"`
	Hidden         bool   `json:"hidden"`
	DurationMs     int64  `json:"durationMs"`
	PeakMemoryKB   int64  `json:"peakMemoryKB"`
	Input          string `json:"input,omitempty"`
	ExpectedOutput string `json:"expectedOutput,omitempty"`
	ActualOutput   string `json:"actualOutput,omitempty"`
}

// Verdict is derived from a submission's outcomes.
type Verdict struct {
	SubmissionID     uuid.UUID     `json:"submissionId"`
	ProblemID        string        `json:"problemId"`
	UserID           string        `json:"userId"`
	Status           VerdictStatus `json:"status"`
	FailedCaseIndex  *int          `json:"failedCaseIndex,omitempty"`
	FailedCaseHidden bool          `json:"failedCaseHidden,omitempty"`
	PassedCount      int           `json:"passedCount"`
	TotalCount       int           `json:"totalCount"`
	MaxDurationMs    int64         `json:"maxDurationMs"`
	PeakMemoryKB     int64         `json:"peakMemoryKB"`
	Diagnostic       string        `json:"diagnostic,omitempty"`
	Cases            []CaseReport  `json:"cases"`
}

// Accepted reports whether every case passed.
func (v Verdict) Accepted() bool {
	return v.Status == VerdictAccepted
}

// SubmissionEvent types.
const (
	EventSubmissionStatusChanged = "submission.status_changed"
)

// SubmissionEvent is published on every submission status transition. Graded
// events carry the verdict.
type SubmissionEvent struct {
	BaseEvent
	SubmissionID uuid.UUID        `json:"submission_id"`
	ProblemID    string           `json:"problem_id"`
	UserID       string           `json:"user_id"`
	Status       SubmissionStatus `json:"status"`
	ErrorReason  string           `json:"error_reason,omitempty"`
	Verdict      *Verdict         `json:"verdict,omitempty"`
	GradedAt     *time.Time       `json:"graded_at,omitempty"`
}

// NewSubmissionEvent snapshots s into an event.
func NewSubmissionEvent(s *Submission) SubmissionEvent {
	return SubmissionEvent{
		BaseEvent:    NewBaseEvent(EventSubmissionStatusChanged, "submission", s.ID),
		SubmissionID: s.ID,
		ProblemID:    s.ProblemID,
		UserID:       s.UserID,
		Status:       s.Status,
		ErrorReason:  s.ErrorReason,
		Verdict:      s.Verdict,
		GradedAt:     s.FinishedAt,
	}
}
