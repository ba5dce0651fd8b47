// Package mcp exposes the judge and the mastery engine as MCP tools so an
// editor agent can submit solutions and read progress.
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	mcp "github.com/felixgeelhaar/mcp-go"
	"github.com/felixgeelhaar/mcp-go/server"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

const (
	maxWait      = 60 * time.Second
	pollInterval = 200 * time.Millisecond
)

// Judge accepts and tracks submissions.
type Judge interface {
	Submit(ctx context.Context, req runner.SubmitRequest) (*domain.Submission, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Submission, error)
}

// ProgressReader serves derived learner progress.
type ProgressReader interface {
	UserProgress(ctx context.Context, userID string) (*progress.UserProgress, error)
}

// RevisionFeed lists problems due for review.
type RevisionFeed interface {
	GetDueItems(ctx context.Context, userID string, limit int) ([]domain.RevisionItem, error)
}

// Server wraps the MCP server with dojo tools
type Server struct {
	mcpServer *server.Server
	judge     Judge
	progress  ProgressReader
	revision  RevisionFeed
	poll      time.Duration
}

// Config contains configuration for the MCP server
type Config struct {
	Version  string
	Judge    Judge
	Progress ProgressReader
	Revision RevisionFeed
}

// NewServer creates a new MCP server
func NewServer(cfg Config) *Server {
	s := &Server{
		judge:    cfg.Judge,
		progress: cfg.Progress,
		revision: cfg.Revision,
		poll:     pollInterval,
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s.mcpServer = server.New(server.Info{
		Name:    "dojo",
		Version: version,
	}, server.WithInstructions(`
Dojo judges coding-practice submissions and tracks mastery.

Available tools:
- dojo_submit: Submit source code for a problem, optionally waiting for the verdict
- dojo_status: Get the status and verdict of a submission
- dojo_progress: Get a learner's progress (streak, topics, weaknesses)
- dojo_revision: List problems due for spaced-repetition review
`))

	s.registerTools()
	return s
}

func (s *Server) registerTools() {
	s.mcpServer.Tool("dojo_submit").
		Description("Submit a solution for judging. Set wait_seconds to block until a verdict.").
		Handler(s.handleSubmit)

	s.mcpServer.Tool("dojo_status").
		Description("Get the status and verdict of a submission.").
		Handler(s.handleStatus)

	s.mcpServer.Tool("dojo_progress").
		Description("Get a learner's progress summary and weak topics.").
		Handler(s.handleProgress)

	s.mcpServer.Tool("dojo_revision").
		Description("List problem ids due for review, most urgent first.").
		Handler(s.handleRevision)
}

type SubmitInput struct {
	ProblemID   string `json:"problem_id" jsonschema:"description=Problem id from the catalog"`
	UserID      string `json:"user_id" jsonschema:"description=Learner id"`
	Language    string `json:"language" jsonschema:"description=Language id,enum=javascript,enum=typescript,enum=python,enum=java,enum=cpp,enum=c,enum=go"`
	SourceCode  string `json:"source_code" jsonschema:"description=Complete program source"`
	Practice    bool   `json:"practice,omitempty" jsonschema:"description=Run every case and report partial credit"`
	WaitSeconds int    `json:"wait_seconds,omitempty" jsonschema:"description=Seconds to wait for a verdict (max 60)"`
}

type StatusInput struct {
	SubmissionID string `json:"submission_id" jsonschema:"description=Submission id from dojo_submit"`
}

// SubmissionOutput is the tool view of a submission.
type SubmissionOutput struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict,omitempty"`
	PassedCount  int    `json:"passed_count"`
	TotalCount   int    `json:"total_count"`
	FailedCase   *int   `json:"failed_case,omitempty"`
	Diagnostic   string `json:"diagnostic,omitempty"`
	Summary      string `json:"summary"`
}

type ProgressInput struct {
	UserID string `json:"user_id" jsonschema:"description=Learner id"`
}

type ProgressOutput struct {
	TotalSolved    int      `json:"total_solved"`
	TotalAttempted int      `json:"total_attempted"`
	Streak         int      `json:"streak"`
	Weaknesses     []string `json:"weaknesses"`
	DueForReview   []string `json:"due_for_review"`
}

type RevisionInput struct {
	UserID string `json:"user_id" jsonschema:"description=Learner id"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum number of problems (default 10)"`
}

type RevisionOutput struct {
	ProblemIDs []string `json:"problem_ids"`
}

func (s *Server) handleSubmit(ctx context.Context, input SubmitInput) (SubmissionOutput, error) {
	mode := domain.ModeSubmit
	if input.Practice {
		mode = domain.ModePractice
	}
	sub, err := s.judge.Submit(ctx, runner.SubmitRequest{
		ProblemID:  strings.TrimSpace(input.ProblemID),
		UserID:     input.UserID,
		Language:   input.Language,
		SourceCode: input.SourceCode,
		Mode:       mode,
	})
	if err != nil {
		return SubmissionOutput{}, fmt.Errorf("submit: %w", err)
	}
	if input.WaitSeconds <= 0 {
		return toOutput(sub), nil
	}

	wait := min(time.Duration(input.WaitSeconds)*time.Second, maxWait)
	sub, err = s.await(ctx, sub.ID, wait)
	if err != nil {
		return SubmissionOutput{}, err
	}
	return toOutput(sub), nil
}

// await polls until the submission is terminal or wait elapses, returning
// the last state seen.
func (s *Server) await(ctx context.Context, id uuid.UUID, wait time.Duration) (*domain.Submission, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		sub, err := s.judge.Get(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, fmt.Errorf("get submission: %w", err)
		}
		if sub.Status.IsTerminal() {
			return sub, nil
		}
		select {
		case <-ctx.Done():
			return sub, nil
		case <-ticker.C:
		}
	}
}

func (s *Server) handleStatus(ctx context.Context, input StatusInput) (SubmissionOutput, error) {
	id, err := uuid.Parse(input.SubmissionID)
	if err != nil {
		return SubmissionOutput{}, fmt.Errorf("invalid submission id: %w", err)
	}
	sub, err := s.judge.Get(ctx, id)
	if err != nil {
		return SubmissionOutput{}, fmt.Errorf("get submission: %w", err)
	}
	return toOutput(sub), nil
}

func (s *Server) handleProgress(ctx context.Context, input ProgressInput) (ProgressOutput, error) {
	up, err := s.progress.UserProgress(ctx, input.UserID)
	if err != nil {
		return ProgressOutput{}, fmt.Errorf("load progress: %w", err)
	}
	out := ProgressOutput{
		TotalSolved:    up.TotalSolved,
		TotalAttempted: up.TotalAttempted,
		Streak:         up.Streak,
		Weaknesses:     make([]string, 0, len(up.Weaknesses)),
		DueForReview:   make([]string, 0, len(up.RevisionQueue)),
	}
	for _, w := range up.Weaknesses {
		out.Weaknesses = append(out.Weaknesses, fmt.Sprintf("%s (%.0f%% failing over %d attempts)", w.Topic, w.FailureRate*100, w.Attempted))
	}
	for _, it := range up.RevisionQueue {
		out.DueForReview = append(out.DueForReview, it.ProblemID)
	}
	return out, nil
}

func (s *Server) handleRevision(ctx context.Context, input RevisionInput) (RevisionOutput, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = 10
	}
	items, err := s.revision.GetDueItems(ctx, input.UserID, limit)
	if err != nil {
		return RevisionOutput{}, fmt.Errorf("load revision queue: %w", err)
	}
	out := RevisionOutput{ProblemIDs: make([]string, 0, len(items))}
	for _, it := range items {
		out.ProblemIDs = append(out.ProblemIDs, it.ProblemID)
	}
	return out, nil
}

func toOutput(sub *domain.Submission) SubmissionOutput {
	out := SubmissionOutput{
		SubmissionID: sub.ID.String(),
		Status:       string(sub.Status),
		TotalCount:   sub.TotalCases,
	}
	switch {
	case sub.Verdict != nil:
		v := sub.Verdict
		out.Verdict = string(v.Status)
		out.PassedCount = v.PassedCount
		out.TotalCount = v.TotalCount
		out.FailedCase = v.FailedCaseIndex
		out.Diagnostic = v.Diagnostic
		out.Summary = fmt.Sprintf("%s: %d/%d cases passed", v.Status, v.PassedCount, v.TotalCount)
		if v.FailedCaseIndex != nil {
			hidden := ""
			if v.FailedCaseHidden {
				hidden = " hidden"
			}
			out.Summary += fmt.Sprintf(", first failure on%s case %d", hidden, *v.FailedCaseIndex)
		}
	case sub.Status == domain.SubmissionErrored:
		out.Summary = "Judging failed, please try again."
	default:
		out.Summary = "Still judging."
	}
	return out
}

// ServeStdio starts the MCP server on stdio
func (s *Server) ServeStdio(ctx context.Context) error {
	return mcp.ServeStdio(ctx, s.mcpServer)
}

// ServeHTTP starts the MCP server on HTTP
func (s *Server) ServeHTTP(ctx context.Context, addr string) error {
	return mcp.ServeHTTP(ctx, s.mcpServer, addr)
}

// GetMCPServer returns the underlying MCP server
func (s *Server) GetMCPServer() *server.Server {
	return s.mcpServer
}
