package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/fortify/retry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/grading"
	"github.com/felixgeelhaar/dojo/internal/sandbox"
)

var (
	// ErrQueueFull is returned when both lanes are at capacity.
	ErrQueueFull = errors.New("submission queue is full")
	// ErrPoolClosed is returned after Stop.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Config holds worker pool configuration
type Config struct {
	Workers       int
	QueueCapacity int
	// FastThreshold routes problems with a time limit at or below it to the
	// fast lane.
	FastThreshold time.Duration
	FastWeight    int
	SlowWeight    int
	// InfraRetries is the number of retries after a sandbox infra failure.
	InfraRetries      int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
	MaxSourceBytes    int
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU() * 2,
		QueueCapacity:     1000,
		FastThreshold:     5 * time.Second,
		FastWeight:        3,
		SlowWeight:        1,
		InfraRetries:      2,
		RetryInitialDelay: 200 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		MaxSourceBytes:    64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = d.FastThreshold
	}
	if c.FastWeight <= 0 && c.SlowWeight <= 0 {
		c.FastWeight, c.SlowWeight = d.FastWeight, d.SlowWeight
	}
	if c.InfraRetries < 0 {
		c.InfraRetries = 0
	}
	if c.RetryInitialDelay <= 0 {
		c.RetryInitialDelay = d.RetryInitialDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = d.RetryMaxDelay
	}
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = d.MaxSourceBytes
	}
	return c
}

// SubmitRequest is the input for Submit.
type SubmitRequest struct {
	ProblemID  string
	UserID     string
	Language   string
	SourceCode string
	Mode       domain.SubmissionMode
}

// Pool judges submissions on a fixed set of workers.
type Pool struct {
	cfg       Config
	problems  ProblemSource
	sandbox   sandbox.Sandbox
	store     SubmissionStore
	publisher Publisher
	events    *domain.EventDispatcher
	logger    *slog.Logger
	tracer    trace.Tracer

	queue   *dispatchQueue
	prepare retry.Retry[sandbox.Program]
	run     retry.Retry[*sandbox.Execution]

	mu      sync.Mutex
	running map[uuid.UUID]*runState
	stop    context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

type runState struct {
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithEvents mirrors every status transition to an in-process dispatcher.
func WithEvents(d *domain.EventDispatcher) Option {
	return func(p *Pool) { p.events = d }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool. Start must be called before submissions
// are judged.
func NewPool(cfg Config, problems ProblemSource, sb sandbox.Sandbox, store SubmissionStore, pub Publisher, opts ...Option) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:       cfg,
		problems:  problems,
		sandbox:   sb,
		store:     store,
		publisher: pub,
		logger:    slog.Default(),
		tracer:    otel.Tracer("github.com/felixgeelhaar/dojo/internal/runner"),
		queue:     newDispatchQueue(cfg.QueueCapacity, cfg.FastWeight, cfg.SlowWeight),
		running:   make(map[uuid.UUID]*runState),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}

	retryable := func(err error) bool { return errors.Is(err, sandbox.ErrInfraFailure) }
	p.prepare = retry.New[sandbox.Program](retry.Config{
		MaxAttempts:   cfg.InfraRetries + 1,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   retryable,
	})
	p.run = retry.New[*sandbox.Execution](retry.Config{
		MaxAttempts:   cfg.InfraRetries + 1,
		InitialDelay:  cfg.RetryInitialDelay,
		MaxDelay:      cfg.RetryMaxDelay,
		Multiplier:    2.0,
		BackoffPolicy: retry.BackoffExponential,
		Jitter:        true,
		IsRetryable:   retryable,
	})
	return p
}

// Submit validates and enqueues a submission. It returns ErrQueueFull when
// the pool cannot take more work.
func (p *Pool) Submit(ctx context.Context, req SubmitRequest) (*domain.Submission, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidSubmission)
	}
	if strings.TrimSpace(req.SourceCode) == "" {
		return nil, fmt.Errorf("%w: source code is required", domain.ErrInvalidSubmission)
	}
	if len(req.SourceCode) > p.cfg.MaxSourceBytes {
		return nil, fmt.Errorf("%w: source exceeds %d bytes", domain.ErrInvalidSubmission, p.cfg.MaxSourceBytes)
	}
	switch req.Mode {
	case "", domain.ModeSubmit, domain.ModePractice:
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidSubmission, req.Mode)
	}
	lang, err := domain.ParseLanguage(req.Language)
	if err != nil {
		return nil, err
	}
	problem, err := p.problems.Problem(req.ProblemID)
	if err != nil {
		return nil, err
	}

	sub := domain.NewSubmission(problem, req.UserID, lang, req.SourceCode, req.Mode)
	j := &job{sub: sub, problem: problem, lane: p.laneFor(problem)}

	if !p.queue.reserve() {
		return nil, ErrQueueFull
	}
	if err := p.store.CreateSubmission(ctx, sub); err != nil {
		p.queue.release()
		return nil, fmt.Errorf("create submission: %w", err)
	}
	p.logger.Info("submission queued",
		"submission_id", sub.ID,
		"problem_id", sub.ProblemID,
		"language", sub.Language,
		"lane", j.lane.String())
	p.dispatch(sub)
	queued := snapshot(sub)

	// Workers own sub from here on.
	p.queue.push(j)
	return queued, nil
}

// Get returns the stored submission.
func (p *Pool) Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error) {
	return p.store.GetSubmission(ctx, id)
}

// Recover re-enqueues submissions left Queued or Running by a previous
// process. Call it before Start.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	subs, err := p.store.ListSubmissionsByStatus(ctx, domain.SubmissionQueued, domain.SubmissionRunning)
	if err != nil {
		return 0, fmt.Errorf("list pending submissions: %w", err)
	}
	n := 0
	for _, sub := range subs {
		problem, err := p.problems.Problem(sub.ProblemID)
		if err != nil {
			p.logger.Warn("dropping submission for unknown problem",
				"submission_id", sub.ID, "problem_id", sub.ProblemID)
			if ferr := sub.Fail(domain.ErrorReasonInfra, p.now()); ferr == nil {
				p.finish(ctx, sub)
			}
			continue
		}
		if sub.Status == domain.SubmissionRunning {
			if err := sub.TransitionTo(domain.SubmissionQueued, p.now()); err != nil {
				return n, err
			}
			if err := p.store.UpdateSubmission(ctx, sub); err != nil {
				return n, fmt.Errorf("requeue submission %s: %w", sub.ID, err)
			}
		}
		p.queue.requeue(&job{sub: sub, problem: problem, lane: p.laneFor(problem)})
		n++
	}
	if n > 0 {
		p.logger.Info("recovered pending submissions", "count", n)
	}
	return n, nil
}

// Start launches the workers. They stop when ctx is cancelled or Stop is
// called.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.stop = cancel
	p.mu.Unlock()

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	go func() {
		<-ctx.Done()
		p.queue.close()
	}()
	p.logger.Info("worker pool started", "workers", p.cfg.Workers, "capacity", p.cfg.QueueCapacity)
}

// Stop cancels in-flight work and waits for workers to exit. Interrupted
// submissions stay Running in the store and are picked up by Recover.
func (p *Pool) Stop() {
	p.mu.Lock()
	stop := p.stop
	p.mu.Unlock()
	if stop != nil {
		stop()
	}
	p.queue.close()
	p.wg.Wait()
}

// Cancel aborts a queued or running submission.
func (p *Pool) Cancel(ctx context.Context, id uuid.UUID) error {
	if p.cancelRunning(id) {
		return nil
	}

	j, ok := p.queue.remove(id)
	if !ok {
		// A worker may have claimed it between the two lookups.
		if p.cancelRunning(id) {
			return nil
		}
		return fmt.Errorf("%w: %s", domain.ErrSubmissionNotFound, id)
	}
	if err := j.sub.Fail(domain.ErrorReasonCancelled, p.now()); err != nil {
		return err
	}
	p.finish(ctx, j.sub)
	return nil
}

func (p *Pool) cancelRunning(id uuid.UUID) bool {
	p.mu.Lock()
	state, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		state.cancel()
	}
	return ok
}

// IsRunning reports whether a submission is being judged.
func (p *Pool) IsRunning(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.running[id]
	return ok
}

// Wait blocks until a running submission finishes.
func (p *Pool) Wait(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	state, ok := p.running[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-state.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDepth returns the number of queued submissions per lane.
func (p *Pool) QueueDepth() (fast, slow int) {
	return p.queue.depth()
}

func (p *Pool) laneFor(problem *domain.Problem) lane {
	if problem.TimeLimit <= p.cfg.FastThreshold {
		return laneFast
	}
	return laneSlow
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		var state *runState
		j, ok := p.queue.next(func(j *job) { state = p.claim(ctx, j.sub.ID) })
		if !ok {
			return
		}
		if ctx.Err() != nil {
			// Left Queued in the store for Recover.
			p.unclaim(j.sub.ID, state)
			return
		}
		p.safeProcess(ctx, id, j, state)
	}
}

// claim registers a popped job as running. It is called under the queue
// lock so Cancel finds the job in one place or the other.
func (p *Pool) claim(ctx context.Context, id uuid.UUID) *runState {
	runCtx, cancel := context.WithCancel(ctx)
	state := &runState{ctx: runCtx, cancel: cancel, doneCh: make(chan struct{})}
	p.mu.Lock()
	p.running[id] = state
	p.mu.Unlock()
	return state
}

func (p *Pool) unclaim(id uuid.UUID, state *runState) {
	state.cancel()
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
	close(state.doneCh)
}

func (p *Pool) safeProcess(ctx context.Context, worker int, j *job, state *runState) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic",
				"worker", worker,
				"submission_id", j.sub.ID,
				"panic", r)
			if err := j.sub.Fail(domain.ErrorReasonInfra, p.now()); err == nil {
				p.finish(context.WithoutCancel(ctx), j.sub)
			}
		}
	}()
	p.process(ctx, j, state)
}

func (p *Pool) process(ctx context.Context, j *job, state *runState) {
	sub := j.sub
	ctx, span := p.tracer.Start(ctx, "runner.judge", trace.WithAttributes(
		attribute.String("submission.id", sub.ID.String()),
		attribute.String("problem.id", sub.ProblemID),
		attribute.String("language", string(sub.Language)),
		attribute.String("lane", j.lane.String()),
	))
	defer span.End()

	defer p.unclaim(sub.ID, state)

	if ctx.Err() != nil {
		return
	}
	if state.ctx.Err() != nil {
		// Cancelled after the pop but before the run started.
		_ = sub.Fail(domain.ErrorReasonCancelled, p.now())
		p.finish(context.WithoutCancel(ctx), sub)
		return
	}
	runCtx := trace.ContextWithSpan(state.ctx, span)

	if err := sub.TransitionTo(domain.SubmissionRunning, p.now()); err != nil {
		p.logger.Error("start submission", "submission_id", sub.ID, "error", err)
		return
	}
	if err := p.store.UpdateSubmission(ctx, sub); err != nil {
		p.logger.Error("persist running submission", "submission_id", sub.ID, "error", err)
	}
	p.announce(ctx, sub)

	outcomes, err := p.judge(runCtx, sub, j.problem)
	switch {
	case ctx.Err() != nil:
		// Pool shutdown. Recover requeues the submission.
		span.SetStatus(codes.Error, "interrupted")
		return
	case err == nil:
		verdict, aerr := grading.Aggregate(sub, outcomes)
		if aerr != nil {
			p.logger.Error("aggregate outcomes", "submission_id", sub.ID, "error", aerr)
			_ = sub.Fail(domain.ErrorReasonInfra, p.now())
			span.SetStatus(codes.Error, aerr.Error())
			break
		}
		_ = sub.Grade(verdict, p.now())
		span.SetAttributes(
			attribute.String("verdict", string(verdict.Status)),
			attribute.Int("passed", verdict.PassedCount),
			attribute.Int("total", verdict.TotalCount))
	case errors.Is(err, context.Canceled):
		_ = sub.Fail(domain.ErrorReasonCancelled, p.now())
	default:
		p.logger.Error("sandbox failure",
			"submission_id", sub.ID,
			"attempts", p.cfg.InfraRetries+1,
			"error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "sandbox failure")
		_ = sub.Fail(domain.ErrorReasonInfra, p.now())
	}

	p.finish(context.WithoutCancel(ctx), sub)
}

// judge runs the cases in order, stopping at the first failure unless the
// submission asks for every case.
func (p *Pool) judge(ctx context.Context, sub *domain.Submission, problem *domain.Problem) ([]domain.ExecutionOutcome, error) {
	prog, err := p.prepare.Do(ctx, func(ctx context.Context) (sandbox.Program, error) {
		return p.sandbox.Prepare(ctx, sub.Language, sub.SourceCode)
	})
	var compileErr *sandbox.CompileError
	if errors.As(err, &compileErr) {
		return []domain.ExecutionOutcome{grading.CompileFailure(compileErr.Output)}, nil
	}
	if err != nil {
		return nil, err
	}
	defer prog.Close()

	limits := sandbox.Limits{Time: problem.TimeLimit, MemoryMB: problem.MemoryLimitMB}
	outcomes := make([]domain.ExecutionOutcome, 0, len(problem.TestCases))
	for i, tc := range problem.TestCases {
		input := tc.Data().Input
		res, err := p.run.Do(ctx, func(ctx context.Context) (*sandbox.Execution, error) {
			return prog.Run(ctx, input, limits)
		})
		if err != nil {
			return nil, err
		}
		o := grading.Check(i, tc, res, limits)
		outcomes = append(outcomes, o)
		if !o.Passed() && !sub.Mode.RunAll() {
			break
		}
	}
	return outcomes, nil
}

// finish persists a terminal submission, then publishes it. The store row
// stays unpublished until the bus owns the event so the relay can retry.
func (p *Pool) finish(ctx context.Context, sub *domain.Submission) {
	sub.Published = false
	if err := p.store.UpdateSubmission(ctx, sub); err != nil {
		p.logger.Error("persist finished submission", "submission_id", sub.ID, "error", err)
		return
	}
	p.logger.Info("submission finished",
		"submission_id", sub.ID,
		"status", sub.Status,
		"passed", sub.PassedCount(),
		"total", sub.TotalCases,
		"reason", sub.ErrorReason)

	p.dispatch(sub)
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, domain.NewSubmissionEvent(sub)); err != nil {
		p.logger.Warn("publish deferred to relay", "submission_id", sub.ID, "error", err)
		return
	}
	if confirmsDelivery(p.publisher) {
		return
	}
	if err := p.store.MarkPublished(ctx, sub.ID); err != nil {
		p.logger.Warn("mark published", "submission_id", sub.ID, "error", err)
		return
	}
	sub.Published = true
}

// announce publishes a non-terminal transition. Failures are logged only.
func (p *Pool) announce(ctx context.Context, sub *domain.Submission) {
	p.dispatch(sub)
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, domain.NewSubmissionEvent(sub)); err != nil {
		p.logger.Debug("publish status", "submission_id", sub.ID, "status", sub.Status, "error", err)
	}
}

func (p *Pool) dispatch(sub *domain.Submission) {
	if p.events != nil {
		p.events.Publish(domain.NewSubmissionEvent(snapshot(sub)))
	}
}

func snapshot(sub *domain.Submission) *domain.Submission {
	cp := *sub
	return &cp
}
