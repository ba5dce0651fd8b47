package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"gopkg.in/yaml.v3"
)

// ProblemFile mirrors the fixture schema for both .json and .yaml fixtures.
type ProblemFile struct {
	ID             FixtureID         `json:"id" yaml:"id"`
	Slug           string            `json:"slug" yaml:"slug"`
	Title          string            `json:"title" yaml:"title"`
	Difficulty     string            `json:"difficulty" yaml:"difficulty"`
	Tags           []string          `json:"tags" yaml:"tags"`
	Description    string            `json:"description" yaml:"description"`
	Examples       []ExampleFile     `json:"examples" yaml:"examples"`
	Constraints    []string          `json:"constraints" yaml:"constraints"`
	TestCases      []TestCaseFile    `json:"testCases" yaml:"testCases"`
	StarterCode    map[string]string `json:"starterCode" yaml:"starterCode"`
	Hints          []string          `json:"hints" yaml:"hints"`
	TimeLimit      float64           `json:"timeLimit" yaml:"timeLimit"`
	MemoryLimit    int               `json:"memoryLimit" yaml:"memoryLimit"`
	AcceptanceRate float64           `json:"acceptanceRate" yaml:"acceptanceRate"`
}

// ExampleFile is one entry of a fixture's examples array.
type ExampleFile struct {
	Input       string `json:"input" yaml:"input"`
	Output      string `json:"output" yaml:"output"`
	Explanation string `json:"explanation" yaml:"explanation"`
}

// TestCaseFile is one entry of a fixture's testCases array.
type TestCaseFile struct {
	ID             FixtureID `json:"id" yaml:"id"`
	Input          string    `json:"input" yaml:"input"`
	ExpectedOutput string    `json:"expectedOutput" yaml:"expectedOutput"`
	Hidden         bool      `json:"hidden" yaml:"hidden"`
}

// FixtureID accepts both numeric and string identifiers.
type FixtureID string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FixtureID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FixtureID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*f = FixtureID(n.String())
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (f *FixtureID) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("id must be a scalar, got %v", value.Kind)
	}
	*f = FixtureID(strings.TrimSpace(value.Value))
	return nil
}

// Loader reads problem fixtures from a directory tree.
type Loader struct {
	basePath string
}

// NewLoader creates a loader rooted at basePath.
func NewLoader(basePath string) *Loader {
	return &Loader{basePath: basePath}
}

// BasePath returns the fixture root.
func (l *Loader) BasePath() string {
	return l.basePath
}

// LoadAll reads every .json, .yaml and .yml file under the base path. Files
// may hold a single problem or an array of problems.
func (l *Loader) LoadAll() ([]*domain.Problem, error) {
	var paths []string
	err := filepath.WalkDir(l.basePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json", ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk fixtures: %w", err)
	}
	sort.Strings(paths)

	var problems []*domain.Problem
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", path, err)
		}
		parsed, err := Parse(data, FormatFromPath(path))
		if err != nil {
			return nil, fmt.Errorf("parse fixture %s: %w", path, err)
		}
		problems = append(problems, parsed...)
	}
	return problems, nil
}

// Format is a fixture encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFromPath picks the fixture format from a file extension.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	}
	return FormatJSON
}

// Parse decodes fixture bytes holding one problem or a list of problems.
func Parse(data []byte, format Format) ([]*domain.Problem, error) {
	trimmed := bytes.TrimSpace(data)
	isList := len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '-')

	unmarshal := json.Unmarshal
	if format == FormatYAML {
		unmarshal = yaml.Unmarshal
	}

	var files []ProblemFile
	if isList {
		if err := unmarshal(trimmed, &files); err != nil {
			return nil, fmt.Errorf("decode problem list: %w", err)
		}
	} else {
		var pf ProblemFile
		if err := unmarshal(trimmed, &pf); err != nil {
			return nil, fmt.Errorf("decode problem: %w", err)
		}
		files = []ProblemFile{pf}
	}

	problems := make([]*domain.Problem, 0, len(files))
	for _, pf := range files {
		p, err := pf.Build()
		if err != nil {
			return nil, err
		}
		problems = append(problems, p)
	}
	return problems, nil
}

// Build validates the fixture and converts it to an immutable Problem.
func (pf ProblemFile) Build() (*domain.Problem, error) {
	id := string(pf.ID)
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: problem %q: %s", domain.ErrInvalidProblem, id, fmt.Sprintf(format, args...))
	}

	if id == "" {
		return nil, invalid("missing id")
	}
	if pf.Slug == "" {
		return nil, invalid("missing slug")
	}
	difficulty, err := domain.ParseDifficulty(pf.Difficulty)
	if err != nil {
		return nil, invalid("difficulty %q", pf.Difficulty)
	}
	if pf.TimeLimit <= 0 {
		return nil, invalid("timeLimit must be positive")
	}
	if pf.MemoryLimit <= 0 {
		return nil, invalid("memoryLimit must be positive")
	}
	if len(pf.TestCases) == 0 {
		return nil, invalid("no test cases")
	}

	starter := make(map[domain.LanguageID]domain.SourceTemplate, len(pf.StarterCode))
	for key, code := range pf.StarterCode {
		lang, err := domain.ParseLanguage(key)
		if err != nil {
			return nil, invalid("starterCode: %v", err)
		}
		starter[lang] = domain.SourceTemplate(code)
	}

	seen := make(map[string]bool, len(pf.TestCases))
	cases := make([]domain.TestCase, 0, len(pf.TestCases))
	for i, tc := range pf.TestCases {
		caseID := string(tc.ID)
		if caseID == "" {
			caseID = fmt.Sprintf("%d", i+1)
		}
		if seen[caseID] {
			return nil, invalid("duplicate test case id %q", caseID)
		}
		seen[caseID] = true

		if tc.Hidden {
			cases = append(cases, domain.NewHiddenCase(caseID, tc.Input, tc.ExpectedOutput))
		} else {
			cases = append(cases, domain.VisibleCase{ID: caseID, Input: tc.Input, ExpectedOutput: tc.ExpectedOutput})
		}
	}

	examples := make([]domain.Example, len(pf.Examples))
	for i, ex := range pf.Examples {
		examples[i] = domain.Example{Input: ex.Input, Output: ex.Output, Explanation: ex.Explanation}
	}

	return &domain.Problem{
		ID:             id,
		Slug:           pf.Slug,
		Title:          pf.Title,
		Difficulty:     difficulty,
		Tags:           dedupe(pf.Tags),
		Description:    pf.Description,
		Examples:       examples,
		Constraints:    pf.Constraints,
		TestCases:      cases,
		StarterCode:    starter,
		Hints:          pf.Hints,
		TimeLimit:      time.Duration(math.Round(pf.TimeLimit * float64(time.Second))),
		MemoryLimitMB:  pf.MemoryLimit,
		AcceptanceRate: pf.AcceptanceRate,
	}, nil
}

// dedupe keeps the first occurrence of every tag. Tags form a set.
func dedupe(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
