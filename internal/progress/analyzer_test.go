package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// memStore is an in-memory Store with version checks.
type memStore struct {
	mu        sync.Mutex
	topics    map[string]map[string]domain.TopicStat
	problems  map[string]domain.ProblemProgress
	attempts  map[string][]domain.AttemptRecord
	keys      map[string]bool
	insights  map[string]map[string]string
	conflicts int
	applied   int
}

func newMemStore() *memStore {
	return &memStore{
		topics:   make(map[string]map[string]domain.TopicStat),
		problems: make(map[string]domain.ProblemProgress),
		attempts: make(map[string][]domain.AttemptRecord),
		keys:     make(map[string]bool),
		insights: make(map[string]map[string]string),
	}
}

func (m *memStore) ApplyVerdict(ctx context.Context, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys[mut.Key] {
		return domain.ErrAlreadyApplied
	}
	if m.conflicts > 0 {
		m.conflicts--
		return domain.ErrVersionConflict
	}
	user := mut.Attempt.UserID
	for _, t := range mut.Topics {
		if m.topics[user][t.Topic].Version != t.Version {
			return domain.ErrVersionConflict
		}
	}
	pk := user + "/" + mut.Problem.ProblemID
	if m.problems[pk].Version != mut.Problem.Version {
		return domain.ErrVersionConflict
	}

	if m.topics[user] == nil {
		m.topics[user] = make(map[string]domain.TopicStat)
	}
	for _, t := range mut.Topics {
		t.Version++
		m.topics[user][t.Topic] = t
	}
	p := mut.Problem
	p.Version++
	m.problems[pk] = p
	m.attempts[user] = append(m.attempts[user], mut.Attempt)
	m.keys[mut.Key] = true
	m.applied++
	return nil
}

func (m *memStore) TopicStats(ctx context.Context, userID string) ([]domain.TopicStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.TopicStat
	for _, t := range m.topics[userID] {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) ProblemProgress(ctx context.Context, userID, problemID string) (domain.ProblemProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.problems[userID+"/"+problemID], nil
}

func (m *memStore) Attempts(ctx context.Context, userID string) ([]domain.AttemptRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AttemptRecord(nil), m.attempts[userID]...), nil
}

func (m *memStore) SetInsight(ctx context.Context, userID, topic, insight string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insights[userID] == nil {
		m.insights[userID] = make(map[string]string)
	}
	m.insights[userID][topic] = insight
	return nil
}

func (m *memStore) Insights(ctx context.Context, userID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.insights[userID] {
		out[k] = v
	}
	return out, nil
}

func (m *memStore) topic(user, topic string) domain.TopicStat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topics[user][topic]
}

type catalogStub map[string]*domain.Problem

func (c catalogStub) Problem(id string) (*domain.Problem, error) {
	p, ok := c[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProblemNotFound, id)
	}
	return p, nil
}

func testCatalog() catalogStub {
	return catalogStub{
		"bfs":      {ID: "bfs", Difficulty: domain.DifficultyMedium, Tags: []string{"Graphs", "BFS"}},
		"dijkstra": {ID: "dijkstra", Difficulty: domain.DifficultyHard, Tags: []string{"Graphs"}},
		"two-sum":  {ID: "two-sum", Difficulty: domain.DifficultyEasy, Tags: []string{"Arrays"}},
	}
}

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func verdict(user, problem string, status domain.VerdictStatus) domain.Verdict {
	return domain.Verdict{SubmissionID: uuid.New(), UserID: user, ProblemID: problem, Status: status}
}

func newTestAnalyzer(store Store) *Analyzer {
	a := NewAnalyzer(DefaultConfig(), store, testCatalog(), nil)
	a.now = func() time.Time { return t0 }
	return a
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAnalyzer_FirstFailure(t *testing.T) {
	store := newMemStore()
	a := newTestAnalyzer(store)

	if err := a.OnVerdict(context.Background(), verdict("u1", "bfs", domain.VerdictWrongAnswer), t0); err != nil {
		t.Fatalf("OnVerdict() error = %v", err)
	}

	for _, topic := range []string{"Graphs", "BFS"} {
		st := store.topic("u1", topic)
		if st.Attempted != 1 || st.Solved != 0 {
			t.Errorf("%s attempted/solved = %d/%d, want 1/0", topic, st.Attempted, st.Solved)
		}
		if st.FailureRate != 1 {
			t.Errorf("%s FailureRate = %v, want 1", topic, st.FailureRate)
		}
		if st.AverageAttempts != 1 {
			t.Errorf("%s AverageAttempts = %v, want 1", topic, st.AverageAttempts)
		}
		if !st.LastPracticedAt.Equal(t0) {
			t.Errorf("%s LastPracticedAt = %v, want %v", topic, st.LastPracticedAt, t0)
		}
	}
}

func TestAnalyzer_Idempotent(t *testing.T) {
	store := newMemStore()
	a := newTestAnalyzer(store)
	v := verdict("u1", "two-sum", domain.VerdictAccepted)

	for i := 0; i < 3; i++ {
		if err := a.OnVerdict(context.Background(), v, t0); err != nil {
			t.Fatalf("OnVerdict() #%d error = %v", i, err)
		}
	}

	st := store.topic("u1", "Arrays")
	if st.Attempted != 1 || st.Solved != 1 {
		t.Errorf("attempted/solved = %d/%d, want 1/1", st.Attempted, st.Solved)
	}
	if store.applied != 1 {
		t.Errorf("applied = %d, want 1", store.applied)
	}
}

func TestAnalyzer_AverageAttemptsOverDistinctProblems(t *testing.T) {
	store := newMemStore()
	a := newTestAnalyzer(store)
	ctx := context.Background()

	// Three failures then a solve on bfs, a first-try solve on dijkstra.
	steps := []struct {
		problem string
		status  domain.VerdictStatus
	}{
		{"bfs", domain.VerdictWrongAnswer},
		{"bfs", domain.VerdictTimeLimitExceeded},
		{"bfs", domain.VerdictRuntimeError},
		{"bfs", domain.VerdictAccepted},
		{"dijkstra", domain.VerdictAccepted},
	}
	for i, s := range steps {
		if err := a.OnVerdict(ctx, verdict("u1", s.problem, s.status), t0.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("OnVerdict() step %d error = %v", i, err)
		}
	}

	st := store.topic("u1", "Graphs")
	if st.Attempted != 5 || st.Solved != 2 {
		t.Errorf("attempted/solved = %d/%d, want 5/2", st.Attempted, st.Solved)
	}
	if !approx(st.FailureRate, 0.6) {
		t.Errorf("FailureRate = %v, want 0.6", st.FailureRate)
	}
	if !approx(st.AverageAttempts, 2.5) {
		t.Errorf("AverageAttempts = %v, want 2.5", st.AverageAttempts)
	}
}

func TestAnalyzer_AbandonedEpisodeCountsAgain(t *testing.T) {
	store := newMemStore()
	a := newTestAnalyzer(store)
	ctx := context.Background()

	_ = a.OnVerdict(ctx, verdict("u1", "two-sum", domain.VerdictWrongAnswer), t0)
	_ = a.OnVerdict(ctx, verdict("u1", "two-sum", domain.VerdictWrongAnswer), t0.Add(24*time.Hour))
	_ = a.OnVerdict(ctx, verdict("u1", "two-sum", domain.VerdictWrongAnswer), t0.Add(20*24*time.Hour))

	st := store.topic("u1", "Arrays")
	if st.Episodes != 2 {
		t.Errorf("Episodes = %d, want 2", st.Episodes)
	}
	if !approx(st.AverageAttempts, 1.5) {
		t.Errorf("AverageAttempts = %v, want 1.5", st.AverageAttempts)
	}
}

func TestAnalyzer_RetriesVersionConflict(t *testing.T) {
	store := newMemStore()
	store.conflicts = 2
	a := newTestAnalyzer(store)

	if err := a.OnVerdict(context.Background(), verdict("u1", "two-sum", domain.VerdictWrongAnswer), t0); err != nil {
		t.Fatalf("OnVerdict() error = %v", err)
	}
	if st := store.topic("u1", "Arrays"); st.Attempted != 1 {
		t.Errorf("Attempted = %d, want 1", st.Attempted)
	}
}

func TestAnalyzer_ConcurrentVerdictsSameTopic(t *testing.T) {
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.ConflictRetries = 50
	a := NewAnalyzer(cfg, store, testCatalog(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.OnVerdict(context.Background(), verdict("u1", "dijkstra", domain.VerdictWrongAnswer), t0); err != nil {
				t.Errorf("OnVerdict() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if st := store.topic("u1", "Graphs"); st.Attempted != 10 {
		t.Errorf("Attempted = %d, want 10", st.Attempted)
	}
}

func TestAnalyzer_UnknownProblemSkipped(t *testing.T) {
	store := newMemStore()
	a := newTestAnalyzer(store)

	if err := a.OnVerdict(context.Background(), verdict("u1", "gone", domain.VerdictAccepted), t0); err != nil {
		t.Fatalf("OnVerdict() error = %v", err)
	}
	if store.applied != 0 {
		t.Errorf("applied = %d, want 0", store.applied)
	}
}

func TestAnalyzer_Weaknesses(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		cfg      func(*Config)
		want     int
	}{
		{"below attempt threshold", 4, nil, 0},
		{"at threshold", 5, nil, 1},
		{"injected attempt threshold", 2, func(c *Config) { c.MinAttempted = 2 }, 1},
		{"injected failure rate", 5, func(c *Config) { c.MinFailureRate = 1.1 }, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			cfg := DefaultConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			a := NewAnalyzer(cfg, store, testCatalog(), nil)
			for i := 0; i < tt.failures; i++ {
				if err := a.OnVerdict(context.Background(), verdict("u1", "dijkstra", domain.VerdictWrongAnswer), t0); err != nil {
					t.Fatal(err)
				}
			}

			got, err := a.Weaknesses(context.Background(), "u1")
			if err != nil {
				t.Fatalf("Weaknesses() error = %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("Weaknesses() = %v, want %d entries", got, tt.want)
			}
			if tt.want == 1 && got[0].Topic != "Graphs" {
				t.Errorf("Topic = %q, want Graphs", got[0].Topic)
			}
		})
	}
}

func TestAnalyzer_SetInsight(t *testing.T) {
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.MinAttempted = 1
	a := NewAnalyzer(cfg, store, testCatalog(), nil)
	ctx := context.Background()

	_ = a.OnVerdict(ctx, verdict("u1", "dijkstra", domain.VerdictWrongAnswer), t0)
	if err := a.SetInsight(ctx, "u1", "Graphs", "Revisit relaxation order."); err != nil {
		t.Fatalf("SetInsight() error = %v", err)
	}

	got, _ := a.Weaknesses(ctx, "u1")
	if len(got) != 1 || got[0].AIInsight != "Revisit relaxation order." {
		t.Errorf("Weaknesses() = %+v", got)
	}

	if err := a.SetInsight(ctx, "u1", " ", "x"); !errors.Is(err, domain.ErrInvalidSubmission) {
		t.Errorf("SetInsight(empty topic) error = %v", err)
	}
}

func TestClassify_Order(t *testing.T) {
	stats := []domain.TopicStat{
		{Topic: "DP", Attempted: 6, FailureRate: 0.5},
		{Topic: "Graphs", Attempted: 5, FailureRate: 1},
		{Topic: "Trees", Attempted: 9, FailureRate: 0.5},
		{Topic: "Arrays", Attempted: 20, FailureRate: 0.1},
	}

	got := Classify(stats, nil, 0.5, 5)
	want := []string{"Graphs", "Trees", "DP"}
	if len(got) != len(want) {
		t.Fatalf("Classify() = %v", got)
	}
	for i := range want {
		if got[i].Topic != want[i] {
			t.Errorf("[%d] = %s, want %s", i, got[i].Topic, want[i])
		}
	}
}
