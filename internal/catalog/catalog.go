package catalog

import (
	"fmt"
	"sync"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// Catalog is the read-only problem registry. Problems never change after
// construction; only the derived acceptance rates are refreshed.
type Catalog struct {
	byID     map[string]*domain.Problem
	bySlug   map[string]*domain.Problem
	problems []*domain.Problem

	mu         sync.RWMutex
	acceptance map[string]float64
}

// New builds a catalog from already-validated problems.
func New(problems []*domain.Problem) (*Catalog, error) {
	c := &Catalog{
		byID:       make(map[string]*domain.Problem, len(problems)),
		bySlug:     make(map[string]*domain.Problem, len(problems)),
		problems:   make([]*domain.Problem, 0, len(problems)),
		acceptance: make(map[string]float64),
	}
	for _, p := range problems {
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate problem id %q", domain.ErrInvalidProblem, p.ID)
		}
		if _, dup := c.bySlug[p.Slug]; dup {
			return nil, fmt.Errorf("%w: duplicate problem slug %q", domain.ErrInvalidProblem, p.Slug)
		}
		c.byID[p.ID] = p
		c.bySlug[p.Slug] = p
		c.problems = append(c.problems, p)
	}
	return c, nil
}

// Load reads every fixture under loader's base path into a new catalog.
func Load(loader *Loader) (*Catalog, error) {
	problems, err := loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load problems: %w", err)
	}
	return New(problems)
}

// Problem returns a problem by id.
func (c *Catalog) Problem(id string) (*domain.Problem, error) {
	p, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProblemNotFound, id)
	}
	return p, nil
}

// ProblemBySlug returns a problem by slug.
func (c *Catalog) ProblemBySlug(slug string) (*domain.Problem, error) {
	p, ok := c.bySlug[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProblemNotFound, slug)
	}
	return p, nil
}

// List returns every problem in ingestion order.
func (c *Catalog) List() []*domain.Problem {
	out := make([]*domain.Problem, len(c.problems))
	copy(out, c.problems)
	return out
}

// Len returns the number of problems.
func (c *Catalog) Len() int {
	return len(c.problems)
}

// AcceptanceRate returns the refreshed acceptance percentage for a problem,
// falling back to the fixture value until a refresh has produced one.
func (c *Catalog) AcceptanceRate(p *domain.Problem) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rate, ok := c.acceptance[p.ID]; ok {
		return rate
	}
	return p.AcceptanceRate
}

func (c *Catalog) setAcceptance(rates map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acceptance = rates
}
