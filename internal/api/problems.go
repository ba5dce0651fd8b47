package api

import (
	"net/http"

	"github.com/felixgeelhaar/dojo/internal/catalog"
)

func (r *Router) listProblems(w http.ResponseWriter, req *http.Request) {
	problems := r.deps.Catalog.List()
	views := make([]catalog.PublicProblem, 0, len(problems))
	for _, p := range problems {
		views = append(views, r.deps.Catalog.PublicView(p))
	}
	WriteJSON(w, http.StatusOK, views)
}

func (r *Router) getProblem(w http.ResponseWriter, req *http.Request) {
	p, err := r.deps.Catalog.Problem(req.PathValue("id"))
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	WriteJSON(w, http.StatusOK, r.deps.Catalog.PublicView(p))
}

// getAdminProblem includes hidden cases. It is only routed behind RequireAdmin.
func (r *Router) getAdminProblem(w http.ResponseWriter, req *http.Request) {
	p, err := r.deps.Catalog.Problem(req.PathValue("id"))
	if err != nil {
		WriteDomainError(w, req, err)
		return
	}
	WriteJSON(w, http.StatusOK, r.deps.Catalog.AdminView(p))
}
