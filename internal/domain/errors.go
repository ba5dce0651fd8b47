package domain

import "errors"

// Catalog errors
var (
	ErrProblemNotFound     = errors.New("problem not found")
	ErrInvalidProblem      = errors.New("invalid problem")
	ErrUnsupportedLanguage = errors.New("unsupported language")
)

// Submission errors
var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrInvalidTransition  = errors.New("invalid submission status transition")
	ErrInvalidSubmission  = errors.New("invalid submission")
)

// Store errors
var (
	// ErrVersionConflict is returned when an optimistic update lost a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrAlreadyApplied is returned when an idempotency key was seen before.
	ErrAlreadyApplied = errors.New("event already applied")
)
