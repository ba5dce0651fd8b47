package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

// maxSubmitBody bounds the request body. The pool enforces the tighter
// per-source limit.
const maxSubmitBody = 1 << 20

// erroredMessage is shown for infrastructure failures. It carries no
// attempt penalty.
const erroredMessage = "judging failed, please try again"

// SubmitRequest is the body of POST /submissions.
type SubmitRequest struct {
	ProblemID  ProblemRef `json:"problemId"`
	UserID     string     `json:"userId"`
	Language   string     `json:"language"`
	SourceCode string     `json:"sourceCode"`
	Mode       string     `json:"mode,omitempty"`
}

// SubmitResponse is returned when a submission is accepted for judging.
type SubmitResponse struct {
	SubmissionID uuid.UUID               `json:"submissionId"`
	Status       domain.SubmissionStatus `json:"status"`
}

// SubmissionResponse is the polled submission state.
type SubmissionResponse struct {
	SubmissionID uuid.UUID               `json:"submissionId"`
	ProblemID    string                  `json:"problemId"`
	UserID       string                  `json:"userId"`
	Language     domain.LanguageID       `json:"language"`
	Mode         domain.SubmissionMode   `json:"mode"`
	Status       domain.SubmissionStatus `json:"status"`
	Verdict      *domain.Verdict         `json:"verdict,omitempty"`
	PassedCount  int                     `json:"passedCount"`
	TotalCount   int                     `json:"totalCount"`
	ErrorReason  string                  `json:"errorReason,omitempty"`
	Message      string                  `json:"message,omitempty"`
	SubmittedAt  time.Time               `json:"submittedAt"`
	StartedAt    *time.Time              `json:"startedAt,omitempty"`
	FinishedAt   *time.Time              `json:"finishedAt,omitempty"`
}

func newSubmissionResponse(s *domain.Submission) SubmissionResponse {
	resp := SubmissionResponse{
		SubmissionID: s.ID,
		ProblemID:    s.ProblemID,
		UserID:       s.UserID,
		Language:     s.Language,
		Mode:         s.Mode,
		Status:       s.Status,
		Verdict:      s.Verdict,
		TotalCount:   s.TotalCases,
		ErrorReason:  s.ErrorReason,
		SubmittedAt:  s.SubmittedAt,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if s.Verdict != nil {
		resp.PassedCount = s.Verdict.PassedCount
		resp.TotalCount = s.Verdict.TotalCount
	}
	if s.Status == domain.SubmissionErrored {
		resp.Message = erroredMessage
	}
	return resp
}

func (r *Router) createSubmission(w http.ResponseWriter, req *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSubmitBody)).Decode(&body); err != nil {
		BadRequest(w, req, "invalid request body")
		return
	}
	if body.ProblemID == "" {
		ValidationError(w, req, "problemId is required", nil)
		return
	}

	sub, err := r.deps.Judge.Submit(req.Context(), runner.SubmitRequest{
		ProblemID:  string(body.ProblemID),
		UserID:     body.UserID,
		Language:   body.Language,
		SourceCode: body.SourceCode,
		Mode:       domain.SubmissionMode(body.Mode),
	})
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}

	w.Header().Set("Location", "/submissions/"+sub.ID.String())
	WriteJSON(w, http.StatusAccepted, SubmitResponse{SubmissionID: sub.ID, Status: sub.Status})
}

// ProblemRef is a problem id sent either as a JSON string or as the numeric
// id used by fixtures.
type ProblemRef string

func (p *ProblemRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ProblemRef(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("problemId must be a string or number: %w", err)
	}
	*p = ProblemRef(n.String())
	return nil
}

func (r *Router) getSubmission(w http.ResponseWriter, req *http.Request) {
	id, ok := submissionID(w, req)
	if !ok {
		return
	}
	sub, err := r.deps.Judge.Get(req.Context(), id)
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	WriteJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (r *Router) cancelSubmission(w http.ResponseWriter, req *http.Request) {
	id, ok := submissionID(w, req)
	if !ok {
		return
	}
	sub, err := r.deps.Judge.Get(req.Context(), id)
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	if sub.Status.IsTerminal() {
		Conflict(w, req, "submission already finished")
		return
	}
	if err := r.deps.Judge.Cancel(req.Context(), id); err != nil {
		// It finished between the lookup and the cancel.
		if errors.Is(err, domain.ErrSubmissionNotFound) {
			Conflict(w, req, "submission already finished")
			return
		}
		WriteDomainError(w, req, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"submissionId": id.String(),
		"status":       "cancelling",
	})
}

// streamSubmission sends the current state, then every status change until
// the submission is terminal or the client goes away.
func (r *Router) streamSubmission(w http.ResponseWriter, req *http.Request) {
	id, ok := submissionID(w, req)
	if !ok {
		return
	}
	if r.deps.Events == nil {
		WriteError(w, req, http.StatusNotImplemented, NewAPIError(CodeUnavailable, "status streaming is disabled"))
		return
	}

	// Subscribe before reading state so no transition falls in between.
	sub := r.deps.Events.Subscribe(id)
	defer sub.Close()

	current, err := r.deps.Judge.Get(req.Context(), id)
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, req, "streaming unsupported", nil)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func(e domain.SubmissionEvent) bool {
		data, err := json.Marshal(e)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: status\ndata: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !send(domain.NewSubmissionEvent(current)) || current.Status.IsTerminal() {
		return
	}

	heartbeat := time.NewTicker(r.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if !send(e) || e.Status.IsTerminal() {
				return
			}
		}
	}
}

func submissionID(w http.ResponseWriter, req *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(req.PathValue("id"))
	if err != nil {
		ValidationError(w, req, "invalid submission id", err)
		return uuid.Nil, false
	}
	return id, true
}
