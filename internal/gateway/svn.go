package gateway

import (
	"net/http"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/migration"
)

type svnConnectionRequest struct {
	SVNURL   string `json:"svnUrl" validate:"required"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (g *Gateway) handleSVNConnectionTest(w http.ResponseWriter, r *http.Request) {
	var req svnConnectionRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	layout, err := g.migration.TestConnection(r.Context(), req.SVNURL, req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Layout domain.Layout `json:"layout"`
	}{Layout: layout})
}

func (g *Gateway) handleSVNUsersExtract(w http.ResponseWriter, r *http.Request) {
	var req svnConnectionRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	users, err := g.migration.ExtractUsers(r.Context(), req.SVNURL, req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Users []string `json:"users"`
	}{Users: users})
}

type migrationRequest struct {
	SVNURL            string                  `json:"svnUrl" validate:"required"`
	Username          string                  `json:"username"`
	Password          string                  `json:"password"`
	TargetNamespaceID string                  `json:"targetNamespaceId" validate:"required"`
	ProjectName       string                  `json:"projectName" validate:"required"`
	ProjectPath       string                  `json:"projectPath" validate:"required"`
	TargetURL         string                  `json:"targetUrl" validate:"required"`
	Layout            domain.Layout           `json:"layout"`
	Authors           map[string]string       `json:"authors"`
	Options           domain.MigrationOptions `json:"options"`
}

func (req migrationRequest) toContext() *domain.MigrationContext {
	authors := req.Authors
	if authors == nil {
		authors = make(map[string]string)
	}
	return &domain.MigrationContext{
		SVNURL:            req.SVNURL,
		Username:          req.Username,
		Password:          req.Password,
		TargetNamespaceID: req.TargetNamespaceID,
		ProjectName:       req.ProjectName,
		ProjectPath:       req.ProjectPath,
		Layout:            req.Layout,
		Authors:           authors,
		Options:           req.Options,
	}
}

// handleSVNMigrationPreview runs the read-only probes (connection + author
// list) a client uses to populate the migration wizard before committing to
// a real job.
func (g *Gateway) handleSVNMigrationPreview(w http.ResponseWriter, r *http.Request) {
	var req svnConnectionRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	layout, err := g.migration.TestConnection(r.Context(), req.SVNURL, req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	users, err := g.migration.ExtractUsers(r.Context(), req.SVNURL, req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Layout domain.Layout `json:"layout"`
		Users  []string      `json:"users"`
	}{Layout: layout, Users: users})
}

func (g *Gateway) handleSVNMigrationStart(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req migrationRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	job, err := g.migration.Submit(r.Context(), sess.ID, req.toContext(), client, req.TargetURL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}

// handleSVNMigrationSync resubmits a previously failed migration job as an
// svn-sync job, reusing its preserved workspace and resume anchor. The
// caller resends the connection details (never persisted server-side past
// the owning job's lifetime) alongside the job id to resume.
func (g *Gateway) handleSVNMigrationSync(w http.ResponseWriter, r *http.Request) {
	prior, err := g.ownedJob(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	priorCtx, ok := prior.Params.(*domain.MigrationContext)
	if !ok {
		writeErr(w, apperr.ValidationErrf("job %s is not a migration job", prior.ID))
		return
	}
	if prior.State != domain.JobFailed {
		writeErr(w, apperr.ConflictErrf("job %s did not fail, nothing to sync", prior.ID))
		return
	}

	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req migrationRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	mctx := req.toContext()
	mctx.WorkspaceDir = priorCtx.WorkspaceDir
	mctx.CurrentStage = priorCtx.CurrentStage
	mctx.ResumeAnchor = priorCtx.ResumeAnchor

	job, err := g.migration.SubmitSync(r.Context(), sess.ID, mctx, client, req.TargetURL)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}

type authorsRequest struct {
	Authors   map[string]string `json:"authors" validate:"required"`
	TargetURL string            `json:"targetUrl" validate:"required"`
}

// handleSVNMigrationAuthors fills in a paused job's author mapping and
// resumes it from the extract-authors stage.
func (g *Gateway) handleSVNMigrationAuthors(w http.ResponseWriter, r *http.Request) {
	job, err := g.ownedJob(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	mctx, ok := job.Params.(*domain.MigrationContext)
	if !ok {
		writeErr(w, apperr.ValidationErrf("job %s is not a migration job", job.ID))
		return
	}
	var req authorsRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	for user, author := range req.Authors {
		mctx.Authors[user] = author
	}

	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := g.migration.ResumeWithAuthors(r.Context(), job.ID, mctx, client, req.TargetURL); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (g *Gateway) handleSVNMigrationCancel(w http.ResponseWriter, r *http.Request) {
	job, err := g.ownedJob(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := g.jobs.RequestCancel(job.ID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type bulkMigrationRequest struct {
	Targets []migrationRequest `json:"targets" validate:"required,min=1"`
}

func (g *Gateway) handleSVNMigrationBulkStart(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r)
	client, err := g.clientFor(sess.ID)
	if err != nil {
		writeErr(w, err)
		return
	}
	var req bulkMigrationRequest
	if err := g.decodeAndValidate(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	targets := make([]migration.BulkTarget, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = migration.BulkTarget{Context: t.toContext(), TargetURL: t.TargetURL}
	}
	job, err := g.migration.SubmitBulk(r.Context(), sess.ID, targets, client)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobResponse{ID: job.ID})
}
