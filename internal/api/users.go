package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// InsightRequest is the body of PUT /users/{id}/weaknesses/{topic}/insight.
type InsightRequest struct {
	AIInsight string `json:"aiInsight"`
}

func (r *Router) getProgress(w http.ResponseWriter, req *http.Request) {
	userID, ok := pathUser(w, req)
	if !ok {
		return
	}
	up, err := r.deps.Progress.UserProgress(req.Context(), userID)
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	WriteJSON(w, http.StatusOK, up)
}

// getRevision returns the ordered problem ids due for review.
func (r *Router) getRevision(w http.ResponseWriter, req *http.Request) {
	userID, ok := pathUser(w, req)
	if !ok {
		return
	}

	limit := r.opts.DefaultRevisionLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > r.opts.MaxRevisionLimit {
			ValidationError(w, req, "limit must be between 1 and "+strconv.Itoa(r.opts.MaxRevisionLimit), err)
			return
		}
		limit = n
	}

	items, err := r.deps.Revision.GetDueItems(req.Context(), userID, limit)
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProblemID)
	}
	WriteJSON(w, http.StatusOK, ids)
}

func (r *Router) putInsight(w http.ResponseWriter, req *http.Request) {
	userID, ok := pathUser(w, req)
	if !ok {
		return
	}
	var body InsightRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxSubmitBody)).Decode(&body); err != nil {
		BadRequest(w, req, "invalid request body")
		return
	}
	topic := req.PathValue("topic")
	if err := r.deps.Progress.SetInsight(req.Context(), userID, topic, body.AIInsight); err != nil {
		WriteDomainError(w, req, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathUser(w http.ResponseWriter, req *http.Request) (string, bool) {
	id := strings.TrimSpace(req.PathValue("id"))
	if id == "" {
		ValidationError(w, req, "user id is required", nil)
		return "", false
	}
	return id, true
}
