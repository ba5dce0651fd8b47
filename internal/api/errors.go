package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/felixgeelhaar/dojo/internal/api/middleware"
	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

// Stable error codes returned in APIError.Code.
const (
	CodeBadRequest  = "BAD_REQUEST"
	CodeValidation  = "VALIDATION_ERROR"
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeQueueFull   = "QUEUE_FULL"
	CodeUnavailable = "UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// queueFullRetryAfter is the Retry-After hint, in seconds, sent with QUEUE_FULL.
const queueFullRetryAfter = 5

// APIError represents a structured API error
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) Unwrap() error {
	return e.cause
}

// NewAPIError creates a new API error
func NewAPIError(code string, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithCause wraps an underlying error
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// ErrorResponse is the JSON structure for error responses
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// WriteError writes an error response. 5xx responses log at Error, 4xx at Warn.
func WriteError(w http.ResponseWriter, r *http.Request, statusCode int, apiErr *APIError) {
	logAttrs := []any{
		"code", apiErr.Code,
		"message", apiErr.Message,
		"status", statusCode,
		"method", r.Method,
		"path", r.URL.Path,
	}
	if apiErr.cause != nil {
		logAttrs = append(logAttrs, "cause", apiErr.cause.Error())
	}
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		logAttrs = append(logAttrs, "request_id", requestID)
	}

	if statusCode >= 500 {
		slog.Error("api error", logAttrs...)
	} else if statusCode >= 400 {
		slog.Warn("api error", logAttrs...)
	}

	WriteJSON(w, statusCode, ErrorResponse{Error: apiErr})
}

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func BadRequest(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusBadRequest, NewAPIError(CodeBadRequest, message))
}

func ValidationError(w http.ResponseWriter, r *http.Request, message string, cause error) {
	WriteError(w, r, http.StatusBadRequest, NewAPIError(CodeValidation, message).WithCause(cause))
}

func NotFound(w http.ResponseWriter, r *http.Request, resource string) {
	WriteError(w, r, http.StatusNotFound, NewAPIError(CodeNotFound, resource+" not found"))
}

func Conflict(w http.ResponseWriter, r *http.Request, message string) {
	WriteError(w, r, http.StatusConflict, NewAPIError(CodeConflict, message))
}

// QueueFull reports back-pressure. Clients should retry after the hinted delay.
func QueueFull(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Retry-After", strconv.Itoa(queueFullRetryAfter))
	WriteError(w, r, http.StatusServiceUnavailable,
		NewAPIError(CodeQueueFull, "judge queue is full, try again later").
			WithDetails(map[string]int{"retryAfterSeconds": queueFullRetryAfter}))
}

func InternalError(w http.ResponseWriter, r *http.Request, message string, cause error) {
	WriteError(w, r, http.StatusInternalServerError, NewAPIError(CodeInternal, message).WithCause(cause))
}

// WriteDomainError maps package sentinels to API responses. Anything it does
// not recognise is an internal error whose cause is logged but not returned.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, runner.ErrQueueFull):
		QueueFull(w, r)
	case errors.Is(err, runner.ErrPoolClosed):
		WriteError(w, r, http.StatusServiceUnavailable,
			NewAPIError(CodeUnavailable, "judge is shutting down").WithCause(err))
	case errors.Is(err, domain.ErrProblemNotFound):
		NotFound(w, r, "problem")
	case errors.Is(err, domain.ErrSubmissionNotFound):
		NotFound(w, r, "submission")
	case errors.Is(err, domain.ErrUnsupportedLanguage),
		errors.Is(err, domain.ErrInvalidSubmission):
		ValidationError(w, r, err.Error(), err)
	case errors.Is(err, domain.ErrInvalidTransition):
		WriteError(w, r, http.StatusConflict, NewAPIError(CodeConflict, "submission already finished").WithCause(err))
	default:
		InternalError(w, r, "internal error", err)
	}
}
