package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Difficulty grades a problem.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists every difficulty from easiest to hardest.
func Difficulties() []Difficulty {
	return []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}
}

// IsValid reports whether d is a known difficulty.
func (d Difficulty) IsValid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// ParseDifficulty converts a fixture value to a Difficulty.
func ParseDifficulty(s string) (Difficulty, error) {
	d := Difficulty(s)
	if !d.IsValid() {
		return "", fmt.Errorf("%w: difficulty %q", ErrInvalidProblem, s)
	}
	return d, nil
}

// Example is an illustrative input/output pair from the problem statement.
type Example struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Explanation string `json:"explanation,omitempty"`
}

// Problem is an immutable catalog entry. It is built once at ingestion and
// never mutated afterwards.
type Problem struct {
	ID             string
	Slug           string
	Title          string
	Difficulty     Difficulty
	Tags           []string
	Description    string
	Examples       []Example
	Constraints    []string
	TestCases      []TestCase
	StarterCode    map[LanguageID]SourceTemplate
	Hints          []string
	TimeLimit      time.Duration
	MemoryLimitMB  int
	AcceptanceRate float64
}

// VisibleCount returns the number of visible test cases.
func (p *Problem) VisibleCount() int {
	n := 0
	for _, tc := range p.TestCases {
		if _, ok := tc.(VisibleCase); ok {
			n++
		}
	}
	return n
}

// HiddenCount returns the number of hidden test cases.
func (p *Problem) HiddenCount() int {
	return len(p.TestCases) - p.VisibleCount()
}

// HasTag reports whether the problem is tagged with topic.
func (p *Problem) HasTag(topic string) bool {
	for _, t := range p.Tags {
		if t == topic {
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------
// Test cases
// -----------------------------------------------------------------------------

// TestCase is a sum type: every case is either a VisibleCase or a HiddenCase.
// The unexported marker method closes the set to this package.
type TestCase interface {
	CaseID() string
	// Data returns what the judge needs to run and check the case. CaseData
	// never serialises its fields.
	Data() CaseData
	isTestCase()
}

// CaseData carries the input and expected output of a case into the judge.
// Both fields are excluded from JSON so the struct cannot leak through an
// encoder by accident.
type CaseData struct {
	Input          string `json:"-"`
	ExpectedOutput string `json:"-"`
}

// VisibleCase is a test case the learner may see in full.
type VisibleCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
}

func (c VisibleCase) CaseID() string { return c.ID }
func (c VisibleCase) Data() CaseData {
	return CaseData{Input: c.Input, ExpectedOutput: c.ExpectedOutput}
}
func (VisibleCase) isTestCase() {}

// HiddenCase is a test case whose content must never reach a learner. All
// fields are unexported and its JSON form carries only the id.
type HiddenCase struct {
	id             string
	input          string
	expectedOutput string
}

// NewHiddenCase builds a hidden case.
func NewHiddenCase(id, input, expectedOutput string) HiddenCase {
	return HiddenCase{id: id, input: input, expectedOutput: expectedOutput}
}

func (c HiddenCase) CaseID() string { return c.id }
func (c HiddenCase) Data() CaseData {
	return CaseData{Input: c.input, ExpectedOutput: c.expectedOutput}
}
func (HiddenCase) isTestCase() {}

// MarshalJSON emits only the id and the hidden marker.
func (c HiddenCase) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID     string `json:"id"`
		Hidden bool   `json:"hidden"`
	}{ID: c.id, Hidden: true})
}

// IsHidden reports whether tc is a HiddenCase.
func IsHidden(tc TestCase) bool {
	_, ok := tc.(HiddenCase)
	return ok
}
