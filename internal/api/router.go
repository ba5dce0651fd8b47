package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/felixgeelhaar/dojo/internal/api/middleware"
	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/notify"
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

// Judge accepts and tracks submissions.
type Judge interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*domain.Submission, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	QueueDepth() (fast, slow int)
}

// ProgressService serves derived learner progress.
type ProgressService interface {
	UserProgress(ctx context.Context, userID string) (*progress.UserProgress, error)
	SetInsight(ctx context.Context, userID, topic, insight string) error
}

// RevisionFeed lists problems due for review.
type RevisionFeed interface {
	GetDueItems(ctx context.Context, userID string, limit int) ([]domain.RevisionItem, error)
}

// ProblemCatalog is the read-only problem registry.
type ProblemCatalog interface {
	List() []*domain.Problem
	Problem(id string) (*domain.Problem, error)
	PublicView(p *domain.Problem) catalog.PublicProblem
	AdminView(p *domain.Problem) catalog.PublicProblem
}

// StatusStream delivers live status changes for one submission.
type StatusStream interface {
	Subscribe(submissionID uuid.UUID) *notify.Subscription
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Deps are the services behind the HTTP API. Events and Checks are optional.
type Deps struct {
	Judge    Judge
	Progress ProgressService
	Revision RevisionFeed
	Catalog  ProblemCatalog
	Events   StatusStream
	Checks   map[string]Pinger
}

// Options tune the HTTP layer.
type Options struct {
	AdminToken           string
	SubmitRatePerMinute  int
	DefaultRevisionLimit int
	MaxRevisionLimit     int
	Heartbeat            time.Duration
	ReadyTimeout         time.Duration
	Tracing              bool
}

func (o Options) withDefaults() Options {
	if o.DefaultRevisionLimit <= 0 {
		o.DefaultRevisionLimit = 10
	}
	if o.MaxRevisionLimit <= 0 {
		o.MaxRevisionLimit = 100
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 2 * time.Second
	}
	return o
}

// Router wraps the HTTP multiplexer with middleware and handlers
type Router struct {
	mux     *http.ServeMux
	deps    Deps
	opts    Options
	limiter *middleware.SubmitLimiter
	handler http.Handler
}

// NewRouter creates a new API router with all routes configured
func NewRouter(deps Deps, opts Options) *Router {
	r := &Router{
		mux:  http.NewServeMux(),
		deps: deps,
		opts: opts.withDefaults(),
	}
	r.limiter = middleware.NewSubmitLimiter(r.opts.SubmitRatePerMinute)

	r.registerRoutes()
	r.handler = r.buildMiddlewareChain(r.mux)
	return r
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /health", r.handleHealth)
	r.mux.HandleFunc("GET /ready", r.handleReady)

	r.mux.HandleFunc("POST /submissions", r.limiter.Wrap(r.createSubmission))
	r.mux.HandleFunc("GET /submissions/{id}", r.getSubmission)
	r.mux.HandleFunc("DELETE /submissions/{id}", r.cancelSubmission)
	r.mux.HandleFunc("GET /submissions/{id}/events", r.streamSubmission)

	r.mux.HandleFunc("GET /users/{id}/progress", r.getProgress)
	r.mux.HandleFunc("GET /users/{id}/revision", r.getRevision)
	r.mux.HandleFunc("PUT /users/{id}/weaknesses/{topic}/insight", r.putInsight)

	r.mux.HandleFunc("GET /problems", r.listProblems)
	r.mux.HandleFunc("GET /problems/{id}", r.getProblem)
	r.mux.HandleFunc("GET /admin/problems/{id}", middleware.RequireAdmin(r.opts.AdminToken)(r.getAdminProblem))
}

func (r *Router) buildMiddlewareChain(handler http.Handler) http.Handler {
	// Last applied runs first.
	handler = middleware.Recovery(handler)
	handler = middleware.Logger(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.CORS(handler)
	if r.opts.Tracing {
		handler = otelhttp.NewHandler(handler, "dojo.api")
	}
	return handler
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

// Close releases the rate limiter.
func (r *Router) Close() error {
	return r.limiter.Close()
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), r.opts.ReadyTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(r.deps.Checks))
	for name, p := range r.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			slog.Warn("readiness check failed",
				"check", name,
				"error", err,
				"request_id", middleware.GetRequestID(req.Context()))
			checks[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "healthy"
	}

	fast, slow := r.deps.Judge.QueueDepth()
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	WriteJSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
		"queue":  map[string]int{"fast": fast, "slow": slow},
	})
}
