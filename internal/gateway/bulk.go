package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/bulk"
)

type jobResponse struct {
	ID string `json:"id"`
}

func (g *Gateway) handleBulkImport(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var plan bulk.ImportPlan
	if err := g.decodeAndValidate(r, &plan); err != nil {
		writeErr(w, err)
		return
	}
	job := g.bulk.SubmitImport(r.Context(), sess.ID, plan, client)
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}

// handleBulkSettings only checks that the {scope} path segment is one of
// groups, projects or mixed; scope does not change how the plan is validated
// or run. The plan itself carries per-item kinds so a single plan may mix
// resource kinds.
func (g *Gateway) handleBulkSettings(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if scope != "groups" && scope != "projects" && scope != "mixed" {
		writeErr(w, apperr.ValidationErrf("unknown settings scope %q", scope))
		return
	}
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var plan bulk.SettingsPlan
	if err := g.decodeAndValidate(r, &plan); err != nil {
		writeErr(w, err)
		return
	}
	job := g.bulk.SubmitSettings(r.Context(), sess.ID, plan, client)
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}

func (g *Gateway) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var plan bulk.DeletePlan
	if err := g.decodeAndValidate(r, &plan); err != nil {
		writeErr(w, err)
		return
	}
	if !plan.Confirm {
		writeErr(w, apperr.ValidationErrf("bulk delete requires confirm=true"))
		return
	}
	job, err := g.bulk.SubmitDelete(r.Context(), sess.ID, plan, client)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}

func (g *Gateway) handleBulkMembers(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var plan bulk.MembersPlan
	if err := g.decodeAndValidate(r, &plan); err != nil {
		writeErr(w, err)
		return
	}
	job := g.bulk.SubmitMembers(r.Context(), sess.ID, plan, client)
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}
