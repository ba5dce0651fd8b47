package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus is the lifecycle state of a submission.
type SubmissionStatus string

const (
	SubmissionQueued  SubmissionStatus = "Queued"
	SubmissionRunning SubmissionStatus = "Running"
	SubmissionGraded  SubmissionStatus = "Graded"
	SubmissionErrored SubmissionStatus = "Errored"
)

// IsTerminal reports whether no further transition is possible.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionGraded || s == SubmissionErrored
}

// SubmissionMode selects how the judge treats failing cases.
type SubmissionMode string

const (
	// ModeSubmit stops at the first failing case.
	ModeSubmit SubmissionMode = "submit"
	// ModePractice runs every case to report partial credit.
	ModePractice SubmissionMode = "practice"
)

// RunAll reports whether every case must run regardless of failures.
func (m SubmissionMode) RunAll() bool {
	return m == ModePractice
}

// Errored reasons stored on the submission.
const (
	ErrorReasonInfra     = "infra_failure"
	ErrorReasonCancelled = "cancelled"
)

// Submission is a learner's attempt at a problem.
type Submission struct {
	ID          uuid.UUID
	ProblemID   string
	UserID      string
	Language    LanguageID
	SourceCode  string
	Mode        SubmissionMode
	Status      SubmissionStatus
	TotalCases  int
	Verdict     *Verdict
	ErrorReason string
	SubmittedAt time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	// Published is set once the terminal event reached the durable bus.
	Published bool
}

// NewSubmission creates a queued submission.
func NewSubmission(problem *Problem, userID string, lang LanguageID, source string, mode SubmissionMode) *Submission {
	if mode == "" {
		mode = ModeSubmit
	}
	return &Submission{
		ID:          uuid.New(),
		ProblemID:   problem.ID,
		UserID:      userID,
		Language:    lang,
		SourceCode:  source,
		Mode:        mode,
		Status:      SubmissionQueued,
		TotalCases:  len(problem.TestCases),
		SubmittedAt: time.Now().UTC(),
	}
}

var submissionTransitions = map[SubmissionStatus][]SubmissionStatus{
	SubmissionQueued:  {SubmissionRunning, SubmissionErrored},
	SubmissionRunning: {SubmissionGraded, SubmissionErrored, SubmissionQueued},
}

// TransitionTo moves the submission to next, stamping timestamps. Graded and
// Errored submissions are immutable.
func (s *Submission) TransitionTo(next SubmissionStatus, now time.Time) error {
	for _, allowed := range submissionTransitions[s.Status] {
		if allowed != next {
			continue
		}
		s.Status = next
		switch next {
		case SubmissionRunning:
			s.StartedAt = &now
		case SubmissionQueued:
			// Requeued after a restart.
			s.StartedAt = nil
		default:
			s.FinishedAt = &now
		}
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
}

// Grade records the verdict and marks the submission Graded.
func (s *Submission) Grade(v Verdict, now time.Time) error {
	if err := s.TransitionTo(SubmissionGraded, now); err != nil {
		return err
	}
	s.Verdict = &v
	return nil
}

// Fail marks the submission Errored with reason.
func (s *Submission) Fail(reason string, now time.Time) error {
	if err := s.TransitionTo(SubmissionErrored, now); err != nil {
		return err
	}
	s.ErrorReason = reason
	return nil
}

// PassedCount returns the passed case count, zero until graded.
func (s *Submission) PassedCount() int {
	if s.Verdict == nil {
		return 0
	}
	return s.Verdict.PassedCount
}
