// Package gitlabapi is the GitLab REST surface the Bulk Engine and Migration
// Worker call through: groups, projects, branches, protected branches,
// variables, members, and pipelines. It generalizes a read-only GitLab
// client into full CRUD, built on internal/gitlabhttp instead of a bare
// *http.Client.
package gitlabapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabhttp"
)

// Client wraps a gitlabhttp.Client with GitLab-specific path building and
// JSON (de)serialization.
type Client struct {
	http *gitlabhttp.Client
}

// New wraps an already-constructed gitlabhttp.Client.
func New(http *gitlabhttp.Client) *Client {
	return &Client{http: http}
}

// CurrentUser calls GET /user, used by the session store to validate a
// token at session creation.
func (c *Client) CurrentUser(ctx context.Context) (domain.UserProfile, error) {
	var wu wireUser
	if err := c.getJSON(ctx, "/api/v4/user", &wu); err != nil {
		return domain.UserProfile{}, err
	}
	return domain.UserProfile{
		ID:        fmt.Sprintf("%d", wu.ID),
		Username:  wu.Username,
		Name:      wu.Name,
		AvatarURL: wu.AvatarURL,
		WebURL:    wu.WebURL,
	}, nil
}

// FindGroupByFullPath looks up a group by its natural key, returning
// (zero, false, nil) when it doesn't exist.
func (c *Client) FindGroupByFullPath(ctx context.Context, fullPath string) (domain.Group, bool, error) {
	var wg wireGroup
	path := fmt.Sprintf("/api/v4/groups/%s", url.PathEscape(fullPath))
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return domain.Group{}, false, err
	}
	if resp.Status == http.StatusNotFound {
		return domain.Group{}, false, nil
	}
	if resp.Status >= 400 {
		return domain.Group{}, false, statusErr(resp.Status, resp.Body)
	}
	if err := json.Unmarshal(resp.Body, &wg); err != nil {
		return domain.Group{}, false, apperr.Internalf("decode group: %v", err)
	}
	return toDomainGroup(wg), true, nil
}

// CreateGroup issues the create call; on 409 it is the caller's job (the
// bulk engine) to treat this as skipped-existing via a prior FindGroupByFullPath.
func (c *Client) CreateGroup(ctx context.Context, g domain.Group) (domain.Group, error) {
	body := map[string]any{
		"name":        g.Name,
		"path":        g.Path,
		"visibility":  orDefault(g.Visibility, "private"),
		"description": g.Description,
	}
	if g.ParentID != "" {
		body["parent_id"] = g.ParentID
	}
	var wg wireGroup
	if err := c.postJSON(ctx, "/api/v4/groups", body, &wg); err != nil {
		return domain.Group{}, err
	}
	return toDomainGroup(wg), nil
}

// DeleteGroup issues a delete by numeric id.
func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.delete(ctx, fmt.Sprintf("/api/v4/groups/%s", url.PathEscape(id)))
}

// FindProjectByFullPath looks up a project by its natural key.
func (c *Client) FindProjectByFullPath(ctx context.Context, fullPath string) (domain.Project, bool, error) {
	var wp wireProject
	path := fmt.Sprintf("/api/v4/projects/%s", url.PathEscape(fullPath))
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return domain.Project{}, false, err
	}
	if resp.Status == http.StatusNotFound {
		return domain.Project{}, false, nil
	}
	if resp.Status >= 400 {
		return domain.Project{}, false, statusErr(resp.Status, resp.Body)
	}
	if err := json.Unmarshal(resp.Body, &wp); err != nil {
		return domain.Project{}, false, apperr.Internalf("decode project: %v", err)
	}
	return toDomainProject(wp), true, nil
}

// CreateProject creates a project under namespaceID (empty for the token owner's namespace).
func (c *Client) CreateProject(ctx context.Context, p domain.Project) (domain.Project, error) {
	body := map[string]any{
		"name":        p.Name,
		"path":        p.Path,
		"visibility":  orDefault(p.Visibility, "private"),
		"description": p.Description,
	}
	if p.NamespaceID != "" {
		body["namespace_id"] = p.NamespaceID
	}
	if p.DefaultBranch != "" {
		body["default_branch"] = p.DefaultBranch
	}
	if len(p.Topics) > 0 {
		body["topics"] = p.Topics
	}
	var wp wireProject
	if err := c.postJSON(ctx, "/api/v4/projects", body, &wp); err != nil {
		return domain.Project{}, err
	}
	return toDomainProject(wp), nil
}

// UpdateProjectSettings applies a partial patch (visibility, topics,
// description, ...) via PUT, the idempotent choice preferred wherever the
// upstream supports it.
func (c *Client) UpdateProjectSettings(ctx context.Context, id string, patch map[string]any) error {
	path := fmt.Sprintf("/api/v4/projects/%s", url.PathEscape(id))
	resp, err := c.http.Call(ctx, http.MethodPut, path, mustJSON(patch), gitlabhttp.CallOptions{})
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return statusErr(resp.Status, resp.Body)
	}
	return nil
}

// DeleteProject issues a delete by numeric id or full path.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	return c.delete(ctx, fmt.Sprintf("/api/v4/projects/%s", url.PathEscape(id)))
}

// FindProtectedBranch looks up a protection rule by its pattern (the natural key).
func (c *Client) FindProtectedBranch(ctx context.Context, projectID, name string) (domain.ProtectedBranch, bool, error) {
	path := fmt.Sprintf("/api/v4/projects/%s/protected_branches/%s", url.PathEscape(projectID), url.PathEscape(name))
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return domain.ProtectedBranch{}, false, err
	}
	if resp.Status == http.StatusNotFound {
		return domain.ProtectedBranch{}, false, nil
	}
	if resp.Status >= 400 {
		return domain.ProtectedBranch{}, false, statusErr(resp.Status, resp.Body)
	}
	var wpb wireProtectedBranch
	if err := json.Unmarshal(resp.Body, &wpb); err != nil {
		return domain.ProtectedBranch{}, false, apperr.Internalf("decode protected branch: %v", err)
	}
	return toDomainProtectedBranch(wpb), true, nil
}

// UpsertProtectedBranch deletes then recreates a protection rule, since
// GitLab's protected_branches endpoint has no PUT. The delete's result is
// ignored, so a rule that does not exist yet is simply created; it does not
// call FindProtectedBranch first.
func (c *Client) UpsertProtectedBranch(ctx context.Context, projectID string, pb domain.ProtectedBranch) error {
	_ = c.delete(ctx, fmt.Sprintf("/api/v4/projects/%s/protected_branches/%s", url.PathEscape(projectID), url.PathEscape(pb.Name)))
	body := map[string]any{
		"name":               pb.Name,
		"push_access_level":  pb.PushAccessLevel,
		"merge_access_level": pb.MergeAccessLevel,
		"allow_force_push":   pb.AllowForcePush,
	}
	path := fmt.Sprintf("/api/v4/projects/%s/protected_branches", url.PathEscape(projectID))
	var wpb wireProtectedBranch
	return c.postJSONInto(ctx, path, body, &wpb)
}

// FindVariable looks up a CI/CD variable by key (the natural key) scoped to project or group.
func (c *Client) FindVariable(ctx context.Context, scopeKind, scopeID, key string) (domain.Variable, bool, error) {
	path := fmt.Sprintf("/api/v4/%s/%s/variables/%s", scopeKind, url.PathEscape(scopeID), url.PathEscape(key))
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return domain.Variable{}, false, err
	}
	if resp.Status == http.StatusNotFound {
		return domain.Variable{}, false, nil
	}
	if resp.Status >= 400 {
		return domain.Variable{}, false, statusErr(resp.Status, resp.Body)
	}
	var wv wireVariable
	if err := json.Unmarshal(resp.Body, &wv); err != nil {
		return domain.Variable{}, false, apperr.Internalf("decode variable: %v", err)
	}
	return toDomainVariable(wv), true, nil
}

// UpsertVariable creates the variable, or PUTs over it when it already
// exists, so running the same plan twice is a no-op on the second run.
func (c *Client) UpsertVariable(ctx context.Context, scopeKind, scopeID string, v domain.Variable, exists bool) error {
	body := map[string]any{
		"key":               v.Key,
		"value":             v.Value,
		"protected":         v.Protected,
		"masked":            v.Masked,
		"environment_scope": orDefault(v.Scope, domain.ScopeAll),
	}
	basePath := fmt.Sprintf("/api/v4/%s/%s/variables", scopeKind, url.PathEscape(scopeID))
	if exists {
		path := fmt.Sprintf("%s/%s", basePath, url.PathEscape(v.Key))
		resp, err := c.http.Call(ctx, http.MethodPut, path, mustJSON(body), gitlabhttp.CallOptions{})
		if err != nil {
			return err
		}
		if resp.Status >= 400 {
			return statusErr(resp.Status, resp.Body)
		}
		return nil
	}
	resp, err := c.http.Call(ctx, http.MethodPost, basePath, mustJSON(body), gitlabhttp.CallOptions{Idempotent: true})
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return statusErr(resp.Status, resp.Body)
	}
	return nil
}

// FindMember looks up a membership by resolved user id.
func (c *Client) FindMember(ctx context.Context, scopeKind, scopeID, userID string) (domain.Member, bool, error) {
	path := fmt.Sprintf("/api/v4/%s/%s/members/%s", scopeKind, url.PathEscape(scopeID), url.PathEscape(userID))
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return domain.Member{}, false, err
	}
	if resp.Status == http.StatusNotFound {
		return domain.Member{}, false, nil
	}
	if resp.Status >= 400 {
		return domain.Member{}, false, statusErr(resp.Status, resp.Body)
	}
	var wm wireMember
	if err := json.Unmarshal(resp.Body, &wm); err != nil {
		return domain.Member{}, false, apperr.Internalf("decode member: %v", err)
	}
	return toDomainMember(wm), true, nil
}

// UpsertMember creates the membership, or PUTs an access-level change over
// an existing one.
func (c *Client) UpsertMember(ctx context.Context, scopeKind, scopeID string, m domain.Member, exists bool) error {
	body := map[string]any{"access_level": m.AccessLevel}
	basePath := fmt.Sprintf("/api/v4/%s/%s/members", scopeKind, url.PathEscape(scopeID))
	if m.ExpiresAt != nil {
		body["expires_at"] = m.ExpiresAt.Format("2006-01-02")
	}
	if exists {
		path := fmt.Sprintf("%s/%s", basePath, url.PathEscape(m.UserID))
		resp, err := c.http.Call(ctx, http.MethodPut, path, mustJSON(body), gitlabhttp.CallOptions{})
		if err != nil {
			return err
		}
		if resp.Status >= 400 {
			return statusErr(resp.Status, resp.Body)
		}
		return nil
	}
	body["user_id"] = m.UserID
	resp, err := c.http.Call(ctx, http.MethodPost, basePath, mustJSON(body), gitlabhttp.CallOptions{Idempotent: true})
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return statusErr(resp.Status, resp.Body)
	}
	return nil
}

// LatestPipeline fetches the most recent pipeline for a project's default
// branch, used by the migration worker's verify stage.
func (c *Client) LatestPipeline(ctx context.Context, projectID string) (domain.Pipeline, error) {
	var wp wirePipeline
	path := fmt.Sprintf("/api/v4/projects/%s/pipelines/latest", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &wp); err != nil {
		return domain.Pipeline{}, err
	}
	return toDomainPipeline(projectID, wp), nil
}

// Branches lists branches for a project, used by the migration worker's
// verify stage to confirm the pushed default branch's HEAD commit matches
// the local workspace's.
func (c *Client) Branches(ctx context.Context, projectID string) ([]domain.Branch, error) {
	var wbs []wireBranch
	path := fmt.Sprintf("/api/v4/projects/%s/repository/branches?per_page=100", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &wbs); err != nil {
		return nil, err
	}
	out := make([]domain.Branch, len(wbs))
	for i, wb := range wbs {
		out[i] = toDomainBranch(projectID, wb)
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.http.Call(ctx, http.MethodGet, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return statusErr(resp.Status, resp.Body)
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return apperr.Internalf("decode %s: %v", path, err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	return c.postJSONInto(ctx, path, body, out)
}

func (c *Client) postJSONInto(ctx context.Context, path string, body any, out any) error {
	resp, err := c.http.Call(ctx, http.MethodPost, path, mustJSON(body), gitlabhttp.CallOptions{Idempotent: true})
	if err != nil {
		return err
	}
	if resp.Status >= 400 {
		return statusErr(resp.Status, resp.Body)
	}
	return json.Unmarshal(resp.Body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	resp, err := c.http.Call(ctx, http.MethodDelete, path, nil, gitlabhttp.CallOptions{})
	if err != nil {
		return err
	}
	if resp.Status >= 400 && resp.Status != http.StatusNotFound {
		return statusErr(resp.Status, resp.Body)
	}
	return nil
}

func statusErr(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized:
		return apperr.BadCredentialsf("upstream rejected credentials: %s", body)
	case http.StatusForbidden:
		return apperr.ForbiddenErrf("upstream forbade the request: %s", body)
	case http.StatusNotFound:
		return apperr.NotFoundf("upstream resource not found: %s", body)
	case http.StatusConflict:
		return apperr.ConflictErrf("upstream reported a conflict: %s", body)
	case http.StatusUnprocessableEntity, http.StatusBadRequest:
		return apperr.ValidationErrf("upstream rejected the request: %s", body)
	default:
		return apperr.Internalf("upstream returned %d: %s", status, body)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("gitlabapi: marshal request body: %v", err))
	}
	return b
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
