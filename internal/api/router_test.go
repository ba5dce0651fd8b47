package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/notify"
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

const problemJSON = `{
  "id": 7,
  "slug": "reverse",
  "title": "Reverse",
  "difficulty": "easy",
  "tags": ["Strings"],
  "description": "Reverse the input.",
  "examples": [],
  "constraints": [],
  "testCases": [
    {"id": 1, "input": "abc", "expectedOutput": "cba", "hidden": false},
    {"id": 2, "input": "SECRET-IN", "expectedOutput": "SECRET-OUT", "hidden": true}
  ],
  "starterCode": {"python": "print(input()[::-1])"},
  "hints": [],
  "timeLimit": 1,
  "memoryLimit": 64
}`

type fakeJudge struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]*domain.Submission
	submitErr error
	cancelErr error
	submitted []runner.SubmitRequest
	cancelled []uuid.UUID
}

func newFakeJudge() *fakeJudge {
	return &fakeJudge{subs: make(map[uuid.UUID]*domain.Submission)}
}

func (f *fakeJudge) Submit(_ context.Context, req runner.SubmitRequest) (*domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	s := &domain.Submission{
		ID:          uuid.New(),
		ProblemID:   req.ProblemID,
		UserID:      req.UserID,
		Language:    domain.LanguageID(req.Language),
		Status:      domain.SubmissionQueued,
		SubmittedAt: time.Now(),
	}
	f.subs[s.ID] = s
	return s, nil
}

func (f *fakeJudge) Get(_ context.Context, id uuid.UUID) (*domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	cp := *s
	return &cp, nil
}

func (f *fakeJudge) Cancel(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeJudge) QueueDepth() (int, int) { return 2, 1 }

func (f *fakeJudge) put(s *domain.Submission) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.ID] = s
}

type fakeProgress struct {
	insights map[string]string
	err      error
}

func (f *fakeProgress) UserProgress(_ context.Context, userID string) (*progress.UserProgress, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &progress.UserProgress{
		UserID:       userID,
		TotalSolved:  1,
		Streak:       2,
		ByDifficulty: map[domain.Difficulty]progress.DifficultyStat{},
		ByTopic:      map[string]domain.TopicStat{},
		Weaknesses:   []domain.Weakness{},
	}, nil
}

func (f *fakeProgress) SetInsight(_ context.Context, userID, topic, insight string) error {
	if len(insight) > progress.MaxInsightLength {
		return fmt.Errorf("%w: too long", domain.ErrInvalidSubmission)
	}
	if f.insights == nil {
		f.insights = make(map[string]string)
	}
	f.insights[userID+"/"+topic] = insight
	return nil
}

type fakeRevision struct {
	items     []domain.RevisionItem
	lastLimit int
}

func (f *fakeRevision) GetDueItems(_ context.Context, _ string, limit int) ([]domain.RevisionItem, error) {
	f.lastLimit = limit
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

type testEnv struct {
	router   *Router
	judge    *fakeJudge
	progress *fakeProgress
	revision *fakeRevision
	hub      *notify.Hub
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	problems, err := catalog.Parse([]byte(problemJSON), catalog.FormatJSON)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cat, err := catalog.New(problems)
	if err != nil {
		t.Fatalf("catalog.New() error = %v", err)
	}
	env := &testEnv{
		judge:    newFakeJudge(),
		progress: &fakeProgress{},
		revision: &fakeRevision{},
		hub:      notify.NewHub(4),
	}
	env.router = NewRouter(Deps{
		Judge:    env.judge,
		Progress: env.progress,
		Revision: env.revision,
		Catalog:  cat,
		Events:   env.hub,
		Checks: map[string]Pinger{
			"store": PingFunc(func(context.Context) error { return nil }),
		},
	}, opts)
	t.Cleanup(func() { env.router.Close() })
	return env
}

func (e *testEnv) do(method, target, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *APIError {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestCreateSubmission(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPost, "/submissions",
		`{"problemId": 7, "userId": "u1", "language": "python", "sourceCode": "print(1)"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body)
	}
	var resp SubmitResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.SubmissionID == uuid.Nil || resp.Status != domain.SubmissionQueued {
		t.Errorf("response = %+v", resp)
	}
	if got := env.judge.submitted[0].ProblemID; got != "7" {
		t.Errorf("problem id = %q, want 7", got)
	}
	if loc := rec.Header().Get("Location"); loc != "/submissions/"+resp.SubmissionID.String() {
		t.Errorf("Location = %q", loc)
	}
}

func TestCreateSubmission_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		submitErr error
		status    int
		code      string
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest, CodeBadRequest},
		{"missing problem", `{"userId": "u1"}`, nil, http.StatusBadRequest, CodeValidation},
		{"queue full", `{"problemId": "7"}`, runner.ErrQueueFull, http.StatusServiceUnavailable, CodeQueueFull},
		{"unknown problem", `{"problemId": "99"}`, fmt.Errorf("%w: 99", domain.ErrProblemNotFound), http.StatusNotFound, CodeNotFound},
		{"bad language", `{"problemId": "7"}`, fmt.Errorf("%w: cobol", domain.ErrUnsupportedLanguage), http.StatusBadRequest, CodeValidation},
		{"store down", `{"problemId": "7"}`, errors.New("disk on fire"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			env.judge.submitErr = tt.submitErr

			rec := env.do(http.MethodPost, "/submissions", tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			apiErr := decodeError(t, rec)
			if apiErr.Code != tt.code {
				t.Errorf("code = %q, want %q", apiErr.Code, tt.code)
			}
			if tt.code == CodeQueueFull && rec.Header().Get("Retry-After") == "" {
				t.Error("QUEUE_FULL without Retry-After")
			}
			if tt.code == CodeInternal && strings.Contains(apiErr.Message, "disk") {
				t.Error("internal cause leaked into response")
			}
		})
	}
}

func TestCreateSubmission_RateLimited(t *testing.T) {
	env := newTestEnv(t, Options{SubmitRatePerMinute: 1})
	body := `{"problemId": "7", "userId": "u1", "language": "python", "sourceCode": "x"}`

	if rec := env.do(http.MethodPost, "/submissions", body); rec.Code != http.StatusAccepted {
		t.Fatalf("first submit status = %d", rec.Code)
	}
	rec := env.do(http.MethodPost, "/submissions", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	// Reads are not limited.
	if rec := env.do(http.MethodGet, "/problems", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /problems status = %d", rec.Code)
	}
}

func TestGetSubmission(t *testing.T) {
	env := newTestEnv(t, Options{})
	idx := 1
	graded := &domain.Submission{
		ID:        uuid.New(),
		ProblemID: "7",
		UserID:    "u1",
		Status:    domain.SubmissionGraded,
		Verdict: &domain.Verdict{
			Status:           domain.VerdictWrongAnswer,
			FailedCaseIndex:  &idx,
			FailedCaseHidden: true,
			PassedCount:      1,
			TotalCount:       2,
			Cases: []domain.CaseReport{
				{Index: 0, Result: domain.ResultPass, Input: "abc", ExpectedOutput: "cba", ActualOutput: "cba"},
				{Index: 1, Result: domain.ResultWrongAnswer, Hidden: true},
			},
		},
	}
	errored := &domain.Submission{ID: uuid.New(), Status: domain.SubmissionErrored, ErrorReason: domain.ErrorReasonInfra, TotalCases: 2}
	env.judge.put(graded)
	env.judge.put(errored)

	rec := env.do(http.MethodGet, "/submissions/"+graded.ID.String(), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp SubmissionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.PassedCount != 1 || resp.TotalCount != 2 || resp.Verdict == nil {
		t.Errorf("response = %+v", resp)
	}

	rec = env.do(http.MethodGet, "/submissions/"+errored.ID.String(), "")
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Message == "" || resp.Verdict != nil {
		t.Errorf("errored response = %+v", resp)
	}

	if rec := env.do(http.MethodGet, "/submissions/not-a-uuid", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/submissions/"+uuid.NewString(), ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}
}

func TestCancelSubmission(t *testing.T) {
	env := newTestEnv(t, Options{})
	running := &domain.Submission{ID: uuid.New(), Status: domain.SubmissionRunning}
	done := &domain.Submission{ID: uuid.New(), Status: domain.SubmissionGraded}
	env.judge.put(running)
	env.judge.put(done)

	if rec := env.do(http.MethodDelete, "/submissions/"+running.ID.String(), ""); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel running status = %d", rec.Code)
	}
	if len(env.judge.cancelled) != 1 || env.judge.cancelled[0] != running.ID {
		t.Errorf("cancelled = %v", env.judge.cancelled)
	}
	if rec := env.do(http.MethodDelete, "/submissions/"+done.ID.String(), ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel graded status = %d, want 409", rec.Code)
	}

	env.judge.cancelErr = domain.ErrSubmissionNotFound
	if rec := env.do(http.MethodDelete, "/submissions/"+running.ID.String(), ""); rec.Code != http.StatusConflict {
		t.Errorf("cancel race status = %d, want 409", rec.Code)
	}
}

func TestStreamSubmission(t *testing.T) {
	env := newTestEnv(t, Options{Heartbeat: time.Hour})
	sub := &domain.Submission{ID: uuid.New(), ProblemID: "7", UserID: "u1", Status: domain.SubmissionRunning}
	env.judge.put(sub)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/submissions/"+sub.ID.String()+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() domain.SubmissionEvent {
		t.Helper()
		var e domain.SubmissionEvent
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				if err := json.Unmarshal([]byte(data), &e); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return e
			}
		}
	}

	if e := readEvent(); e.Status != domain.SubmissionRunning {
		t.Fatalf("initial status = %q", e.Status)
	}

	graded := *sub
	graded.Status = domain.SubmissionGraded
	graded.Verdict = &domain.Verdict{Status: domain.VerdictAccepted, PassedCount: 2, TotalCount: 2}
	env.hub.Broadcast(domain.NewSubmissionEvent(&graded))

	e := readEvent()
	if e.Status != domain.SubmissionGraded || e.Verdict == nil || !e.Verdict.Accepted() {
		t.Fatalf("final event = %+v", e)
	}
	if _, err := reader.ReadString('\n'); err == nil {
		// A trailing blank line is fine; the stream must then close.
		if _, err := reader.ReadString('\n'); err == nil {
			t.Error("stream still open after terminal event")
		}
	}
}

func TestStreamSubmission_TerminalClosesImmediately(t *testing.T) {
	env := newTestEnv(t, Options{})
	sub := &domain.Submission{ID: uuid.New(), Status: domain.SubmissionErrored}
	env.judge.put(sub)

	rec := env.do(http.MethodGet, "/submissions/"+sub.ID.String()+"/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if n := strings.Count(rec.Body.String(), "event: status"); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
	if env.hub.Subscribers(sub.ID) != 0 {
		t.Error("subscription leaked")
	}
}

func TestGetProgress(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodGet, "/users/u1/progress", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"userId", "totalSolved", "totalAttempted", "streak", "byDifficulty", "byTopic", "weaknesses", "revisionQueue"} {
		if _, ok := body[field]; !ok {
			t.Errorf("missing field %q", field)
		}
	}

	env.progress.err = errors.New("db down")
	if rec := env.do(http.MethodGet, "/users/u1/progress", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestGetRevision(t *testing.T) {
	env := newTestEnv(t, Options{DefaultRevisionLimit: 2, MaxRevisionLimit: 50})
	env.revision.items = []domain.RevisionItem{{ProblemID: "3"}, {ProblemID: "1"}, {ProblemID: "2"}}

	tests := []struct {
		name      string
		query     string
		status    int
		want      []string
		wantLimit int
	}{
		{"default limit", "", http.StatusOK, []string{"3", "1"}, 2},
		{"explicit limit", "?limit=3", http.StatusOK, []string{"3", "1", "2"}, 3},
		{"zero", "?limit=0", http.StatusBadRequest, nil, 0},
		{"too large", "?limit=51", http.StatusBadRequest, nil, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/users/u1/revision"+tt.query, "")
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var got []string
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("ids = %v, want %v", got, tt.want)
			}
			if env.revision.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", env.revision.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestPutInsight(t *testing.T) {
	env := newTestEnv(t, Options{})

	rec := env.do(http.MethodPut, "/users/u1/weaknesses/Graphs/insight", `{"aiInsight": "review BFS"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := env.progress.insights["u1/Graphs"]; got != "review BFS" {
		t.Errorf("insight = %q", got)
	}

	long := strings.Repeat("x", progress.MaxInsightLength+1)
	rec = env.do(http.MethodPut, "/users/u1/weaknesses/Graphs/insight", `{"aiInsight": "`+long+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("oversized insight status = %d", rec.Code)
	}
}

func TestProblems_HideHiddenCases(t *testing.T) {
	env := newTestEnv(t, Options{AdminToken: "s3cret"})

	for _, target := range []string{"/problems", "/problems/7"} {
		rec := env.do(http.MethodGet, target, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", target, rec.Code)
		}
		if strings.Contains(rec.Body.String(), "SECRET") {
			t.Errorf("%s leaked hidden case content", target)
		}
	}

	if rec := env.do(http.MethodGet, "/admin/problems/7", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("admin without token status = %d", rec.Code)
	}
	rec := env.do(http.MethodGet, "/admin/problems/7", "", "X-Admin-Token", "s3cret")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "SECRET-OUT") {
		t.Errorf("admin view status = %d, body %s", rec.Code, rec.Body)
	}

	if rec := env.do(http.MethodGet, "/problems/404", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown problem status = %d", rec.Code)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, Options{})

	if rec := env.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec := env.do(http.MethodGet, "/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var body struct {
		Status string         `json:"status"`
		Queue  map[string]int `json:"queue"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Queue["fast"] != 2 || body.Queue["slow"] != 1 {
		t.Errorf("ready body = %+v", body)
	}

	env.router.deps.Checks["store"] = PingFunc(func(context.Context) error { return errors.New("gone") })
	if rec := env.do(http.MethodGet, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready with failing check status = %d", rec.Code)
	}
}
