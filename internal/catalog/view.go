package catalog

import "github.com/felixgeelhaar/dojo/internal/domain"

// PublicProblem is the learner-facing problem view. It is built only from
// visible cases, so hidden content cannot appear in it.
type PublicProblem struct {
	ID             string            `json:"id"`
	Slug           string            `json:"slug"`
	Title          string            `json:"title"`
	Difficulty     domain.Difficulty `json:"difficulty"`
	Tags           []string          `json:"tags"`
	Description    string            `json:"description"`
	Examples       []domain.Example  `json:"examples"`
	Constraints    []string          `json:"constraints"`
	TestCases      []PublicTestCase  `json:"testCases"`
	HiddenCount    int               `json:"hiddenTestCount"`
	StarterCode    map[string]string `json:"starterCode"`
	Hints          []string          `json:"hints"`
	TimeLimit      float64           `json:"timeLimit"`
	MemoryLimit    int               `json:"memoryLimit"`
	AcceptanceRate float64           `json:"acceptanceRate"`
}

// PublicTestCase is a visible test case in fixture shape.
type PublicTestCase struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expectedOutput"`
	Hidden         bool   `json:"hidden"`
}

// PublicView converts a problem to its learner-facing view.
func (c *Catalog) PublicView(p *domain.Problem) PublicProblem {
	view := PublicProblem{
		ID:             p.ID,
		Slug:           p.Slug,
		Title:          p.Title,
		Difficulty:     p.Difficulty,
		Tags:           nonNil(p.Tags),
		Description:    p.Description,
		Examples:       p.Examples,
		Constraints:    nonNil(p.Constraints),
		TestCases:      []PublicTestCase{},
		StarterCode:    starterCode(p),
		Hints:          nonNil(p.Hints),
		TimeLimit:      p.TimeLimit.Seconds(),
		MemoryLimit:    p.MemoryLimitMB,
		AcceptanceRate: c.AcceptanceRate(p),
	}
	if view.Examples == nil {
		view.Examples = []domain.Example{}
	}
	for _, tc := range p.TestCases {
		visible, ok := tc.(domain.VisibleCase)
		if !ok {
			view.HiddenCount++
			continue
		}
		view.TestCases = append(view.TestCases, PublicTestCase{
			ID:             visible.ID,
			Input:          visible.Input,
			ExpectedOutput: visible.ExpectedOutput,
		})
	}
	return view
}

// AdminView returns the full fixture including hidden cases. It must only be
// served to authenticated administrators.
func (c *Catalog) AdminView(p *domain.Problem) PublicProblem {
	view := c.PublicView(p)
	view.TestCases = make([]PublicTestCase, 0, len(p.TestCases))
	for _, tc := range p.TestCases {
		data := tc.Data()
		view.TestCases = append(view.TestCases, PublicTestCase{
			ID:             tc.CaseID(),
			Input:          data.Input,
			ExpectedOutput: data.ExpectedOutput,
			Hidden:         domain.IsHidden(tc),
		})
	}
	view.HiddenCount = p.HiddenCount()
	return view
}

func starterCode(p *domain.Problem) map[string]string {
	out := make(map[string]string, len(p.StarterCode))
	for lang, code := range p.StarterCode {
		out[string(lang)] = string(code)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
