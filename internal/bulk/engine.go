// Package bulk is the Bulk Engine: planners for bulk-import, bulk-settings,
// bulk-delete and bulk-members, executed by a bounded worker pool with
// natural-key upsert semantics, per-item retries, and cooperative
// cancellation. Its concurrency idiom is a semaphore-and-waitgroup pool,
// generalized by runConcurrent (workerpool.go) and, for bulk-import,
// layered with a topological wave scheduler so parent groups are created
// before children.
package bulk

import (
	"context"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
	"github.com/vilaca/gitlabfleet/internal/jobs"
)

// DefaultWorkers is the bulk engine's worker pool size.
const DefaultWorkers = 5

// DefaultAPIDelay is the pause between successive upstream calls per worker.
const DefaultAPIDelay = 200 * time.Millisecond

// DefaultMaxRetries bounds per-item retry attempts on retryable errors.
const DefaultMaxRetries = 3

// Engine runs bulk plans against the Job Registry. It never touches a
// bearer token directly: every Submit* call is handed a ready client by its
// caller (the gateway), which obtained it through session.Store.WithToken.
type Engine struct {
	registry     *jobs.Registry
	workers      int
	apiDelay     time.Duration
	maxRetries   int
	softDeadline time.Duration
}

// New constructs an Engine; zero values fall back to spec defaults.
// softDeadline <= 0 means a bulk job never times out on its own.
func New(registry *jobs.Registry, workers int, apiDelay time.Duration, maxRetries int, softDeadline time.Duration) *Engine {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if apiDelay <= 0 {
		apiDelay = DefaultAPIDelay
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{registry: registry, workers: workers, apiDelay: apiDelay, maxRetries: maxRetries, softDeadline: softDeadline}
}

// withDeadline bounds ctx by the engine's configured soft deadline, mirroring
// the migration worker's per-job timeout so a runaway bulk plan can't hold a
// worker-pool slot forever.
func (e *Engine) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.softDeadline <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.softDeadline)
}

func scopeKindFor(k ResourceKind) string {
	if k == ResourceGroup {
		return "groups"
	}
	return "projects"
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return path.Join(parent, child)
}

func (e *Engine) delay(ctx context.Context) {
	if e.apiDelay <= 0 {
		return
	}
	t := time.NewTimer(e.apiDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// withRetry re-invokes fn until it succeeds, returns an unretryable error, or
// maxRetries retries (maxRetries+1 attempts in all) are exhausted.
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return apperr.Cancelledf("bulk item cancelled: %v", ctx.Err())
		}
		err = fn()
		if err == nil || !apperr.Retryable(err) {
			return err
		}
	}
	return err
}

// --- bulk-import -----------------------------------------------------------

type importTask struct {
	node           ImportNode
	parentID       string
	parentFullPath string
}

// SubmitImport validates and submits a bulk-import plan, returning the
// allocated job. Execution runs asynchronously; callers observe progress via
// the Progress Bus topic keyed by the returned job's id.
func (e *Engine) SubmitImport(ctx context.Context, sessionID string, plan ImportPlan, client *gitlabapi.Client) *domain.Job {
	job := e.registry.Submit(domain.JobKindBulkImport, sessionID, plan, plan.CountNodes(), 0)
	go e.runImport(ctx, job.ID, client, plan)
	return job
}

func (e *Engine) runImport(ctx context.Context, jobID string, client *gitlabapi.Client, plan ImportPlan) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	_ = e.registry.Start(jobID)

	wave := make([]importTask, 0, len(plan.Roots))
	for _, root := range plan.Roots {
		wave = append(wave, importTask{node: root, parentID: plan.ParentGroupID, parentFullPath: plan.ParentFullPath})
	}

	stopped := &atomic.Bool{}
	cancelled := false
	policy := plan.ErrorPolicy.orDefault()

	for len(wave) > 0 {
		if e.registry.CancelRequested(jobID) {
			e.markWaveCancelled(jobID, wave)
			cancelled = true
			break
		}
		if stopped.Load() {
			break
		}
		wave = e.runImportWave(ctx, jobID, client, wave, policy, stopped)
	}

	// A cancel observed inside a wave marks those items cancelled without
	// reaching the check above; the job still ends cancelled.
	if !cancelled && e.registry.CancelRequested(jobID) {
		cancelled = true
	}
	e.finishJob(jobID, cancelled)
}

func (e *Engine) runImportWave(ctx context.Context, jobID string, client *gitlabapi.Client, wave []importTask, policy ErrorPolicy, stopped *atomic.Bool) []importTask {
	var mu sync.Mutex
	var next []importTask

	runConcurrent(ctx, wave, e.workers, func(ctx context.Context, t importTask) {
		e.delay(ctx)
		if e.registry.CancelRequested(jobID) {
			_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: joinPath(t.parentFullPath, t.node.Path), Action: domain.ItemCancelled})
			return
		}

		id, fullPath, action, err := e.execImportNode(ctx, client, t)
		if err != nil {
			_ = e.registry.Advance(jobID, domain.JobItem{
				SourceRef: joinPath(t.parentFullPath, t.node.Path),
				Action:    domain.ItemFailed,
				ErrorKind: apperr.KindOf(err).String(),
				ErrorMsg:  err.Error(),
			})
			e.markDescendantsParentMissing(jobID, t.node, joinPath(t.parentFullPath, t.node.Path))
			if policy == ErrorPolicyStopOnFirstErr {
				stopped.Store(true)
			}
			return
		}

		_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: fullPath, Action: action, UpstreamID: id})

		if t.node.Kind != NodeGroup {
			return
		}
		children := make([]importTask, 0, len(t.node.Subgroups)+len(t.node.Projects))
		for _, sg := range t.node.Subgroups {
			children = append(children, importTask{node: sg, parentID: id, parentFullPath: fullPath})
		}
		for _, p := range t.node.Projects {
			children = append(children, importTask{node: p, parentID: id, parentFullPath: fullPath})
		}
		if len(children) == 0 {
			return
		}
		mu.Lock()
		next = append(next, children...)
		mu.Unlock()
	})

	return next
}

func (e *Engine) execImportNode(ctx context.Context, client *gitlabapi.Client, t importTask) (id, fullPath string, action domain.ItemAction, err error) {
	fullPath = joinPath(t.parentFullPath, t.node.Path)

	switch t.node.Kind {
	case NodeGroup:
		var g domain.Group
		err = e.withRetry(ctx, func() error {
			existing, found, ferr := client.FindGroupByFullPath(ctx, fullPath)
			if ferr != nil {
				return ferr
			}
			if found {
				g, action = existing, domain.ItemSkippedExisting
				return nil
			}
			created, cerr := client.CreateGroup(ctx, domain.Group{
				Name: t.node.Name, Path: t.node.Path, ParentID: t.parentID,
				Visibility: t.node.Visibility, Description: t.node.Description,
			})
			if cerr != nil {
				return cerr
			}
			g, action = created, domain.ItemCreated
			return nil
		})
		if err != nil {
			return "", fullPath, "", err
		}
		return g.ID, g.FullPath, action, nil

	case NodeProject:
		var p domain.Project
		err = e.withRetry(ctx, func() error {
			existing, found, ferr := client.FindProjectByFullPath(ctx, fullPath)
			if ferr != nil {
				return ferr
			}
			if found {
				p, action = existing, domain.ItemSkippedExisting
				return nil
			}
			created, cerr := client.CreateProject(ctx, domain.Project{
				Name: t.node.Name, Path: t.node.Path, NamespaceID: t.parentID,
				Visibility: t.node.Visibility, Description: t.node.Description,
				DefaultBranch: t.node.DefaultBranch, Topics: t.node.Topics,
			})
			if cerr != nil {
				return cerr
			}
			p, action = created, domain.ItemCreated
			return nil
		})
		if err != nil {
			return "", fullPath, "", err
		}
		return p.ID, p.FullPath, action, nil
	}

	return "", fullPath, "", apperr.Internalf("unknown import node kind %q", t.node.Kind)
}

// markDescendantsParentMissing records every descendant of a failed node as
// failed with ErrorKind ParentMissing, without any upstream call, the
// cascading-failure rule for ErrorPolicyContinue plans.
func (e *Engine) markDescendantsParentMissing(jobID string, node ImportNode, nodeFullPath string) {
	for _, sg := range node.Subgroups {
		childPath := joinPath(nodeFullPath, sg.Path)
		_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: childPath, Action: domain.ItemFailed, ErrorKind: "ParentMissing"})
		e.markDescendantsParentMissing(jobID, sg, childPath)
	}
	for _, p := range node.Projects {
		childPath := joinPath(nodeFullPath, p.Path)
		_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: childPath, Action: domain.ItemFailed, ErrorKind: "ParentMissing"})
	}
}

func (e *Engine) markWaveCancelled(jobID string, wave []importTask) {
	for _, t := range wave {
		_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: joinPath(t.parentFullPath, t.node.Path), Action: domain.ItemCancelled})
	}
}

// --- bulk-settings -----------------------------------------------------------

// SubmitSettings validates and submits a bulk-settings plan.
func (e *Engine) SubmitSettings(ctx context.Context, sessionID string, plan SettingsPlan, client *gitlabapi.Client) *domain.Job {
	job := e.registry.Submit(domain.JobKindBulkSettings, sessionID, plan, len(plan.Items), 0)
	go runFlat(e, ctx, job.ID, plan.Items, plan.ErrorPolicy, func(item SettingsItem) string { return item.ResourceRef }, func(ctx context.Context, item SettingsItem) (string, string, domain.ItemAction, error) {
		return e.execSettingsItem(ctx, client, item)
	})
	return job
}

func (e *Engine) execSettingsItem(ctx context.Context, client *gitlabapi.Client, item SettingsItem) (ref, id string, action domain.ItemAction, err error) {
	ref = item.ResourceRef

	switch item.Patch {
	case PatchVisibility, PatchTopics, PatchGenericProjectSettings, PatchPushRules:
		if item.ResourceKind != ResourceProject {
			return ref, "", "", apperr.ValidationErrf("patch %q only applies to projects", item.Patch)
		}
		var projectID string
		err = e.withRetry(ctx, func() error {
			p, found, ferr := client.FindProjectByFullPath(ctx, ref)
			if ferr != nil {
				return ferr
			}
			if !found {
				return apperr.NotFoundf("project %s not found", ref)
			}
			projectID = p.ID
			return client.UpdateProjectSettings(ctx, p.ID, item.Fields)
		})
		return ref, projectID, domain.ItemUpdated, err

	case PatchProtectedBranch:
		if item.ResourceKind != ResourceProject {
			return ref, "", "", apperr.ValidationErrf("protected-branch patch only applies to projects")
		}
		var projectID string
		err = e.withRetry(ctx, func() error {
			p, found, ferr := client.FindProjectByFullPath(ctx, ref)
			if ferr != nil {
				return ferr
			}
			if !found {
				return apperr.NotFoundf("project %s not found", ref)
			}
			projectID = p.ID
			return client.UpsertProtectedBranch(ctx, p.ID, domain.ProtectedBranch{
				Name: item.ProtectedBranch.Name, PushAccessLevel: item.ProtectedBranch.PushAccessLevel,
				MergeAccessLevel: item.ProtectedBranch.MergeAccessLevel, AllowForcePush: item.ProtectedBranch.AllowForcePush,
			})
		})
		return ref, projectID, domain.ItemUpdated, err

	case PatchAccessLevel:
		scopeKind := scopeKindFor(item.ResourceKind)
		var resourceID string
		var action domain.ItemAction
		err = e.withRetry(ctx, func() error {
			resourceID, err = e.resolveResourceID(ctx, client, item.ResourceKind, ref)
			if err != nil {
				return err
			}
			_, found, ferr := client.FindMember(ctx, scopeKind, resourceID, item.MemberAccess.UserID)
			if ferr != nil {
				return ferr
			}
			action = domain.ItemCreated
			if found {
				action = domain.ItemUpdated
			}
			return client.UpsertMember(ctx, scopeKind, resourceID, domain.Member{
				UserID: item.MemberAccess.UserID, AccessLevel: item.MemberAccess.AccessLevel,
			}, found)
		})
		return ref, resourceID, action, err
	}

	return ref, "", "", apperr.ValidationErrf("unknown patch kind %q", item.Patch)
}

func (e *Engine) resolveResourceID(ctx context.Context, client *gitlabapi.Client, kind ResourceKind, ref string) (string, error) {
	if kind == ResourceGroup {
		g, found, err := client.FindGroupByFullPath(ctx, ref)
		if err != nil {
			return "", err
		}
		if !found {
			return "", apperr.NotFoundf("group %s not found", ref)
		}
		return g.ID, nil
	}
	p, found, err := client.FindProjectByFullPath(ctx, ref)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperr.NotFoundf("project %s not found", ref)
	}
	return p.ID, nil
}

// --- bulk-delete -------------------------------------------------------------

// SubmitDelete validates and submits a bulk-delete plan; refuses without Confirm.
func (e *Engine) SubmitDelete(ctx context.Context, sessionID string, plan DeletePlan, client *gitlabapi.Client) (*domain.Job, error) {
	if !plan.Confirm {
		return nil, apperr.ValidationErrf("bulk-delete requires confirm=true")
	}
	job := e.registry.Submit(domain.JobKindBulkDelete, sessionID, plan, len(plan.Refs), 0)
	go runFlat(e, ctx, job.ID, plan.Refs, plan.ErrorPolicy, func(ref DeleteRef) string { return ref.ResourceRef }, func(ctx context.Context, ref DeleteRef) (string, string, domain.ItemAction, error) {
		return e.execDeleteRef(ctx, client, ref)
	})
	return job, nil
}

// execDeleteRef reuses ItemUpdated for "deleted" since the registry's
// action taxonomy has no dedicated deleted state; ItemSkippedExisting marks
// a resource that was already gone.
func (e *Engine) execDeleteRef(ctx context.Context, client *gitlabapi.Client, ref DeleteRef) (string, string, domain.ItemAction, error) {
	id := ref.ID
	var err error
	if id == "" {
		id, err = e.resolveResourceID(ctx, client, ref.ResourceKind, ref.ResourceRef)
		if apperr.Is(err, apperr.KindNotFound) {
			return ref.ResourceRef, "", domain.ItemSkippedExisting, nil
		}
		if err != nil {
			return ref.ResourceRef, "", "", err
		}
	}

	err = e.withRetry(ctx, func() error {
		if ref.ResourceKind == ResourceGroup {
			return client.DeleteGroup(ctx, id)
		}
		return client.DeleteProject(ctx, id)
	})
	if err != nil {
		return ref.ResourceRef, id, "", err
	}
	return ref.ResourceRef, id, domain.ItemUpdated, nil
}

// --- bulk-members ------------------------------------------------------------

// SubmitMembers validates and submits a bulk-members plan.
func (e *Engine) SubmitMembers(ctx context.Context, sessionID string, plan MembersPlan, client *gitlabapi.Client) *domain.Job {
	job := e.registry.Submit(domain.JobKindBulkMembers, sessionID, plan, len(plan.Items), 0)
	go runFlat(e, ctx, job.ID, plan.Items, plan.ErrorPolicy, func(item MemberItem) string { return item.ResourceRef }, func(ctx context.Context, item MemberItem) (string, string, domain.ItemAction, error) {
		return e.execMemberItem(ctx, client, item)
	})
	return job
}

func (e *Engine) execMemberItem(ctx context.Context, client *gitlabapi.Client, item MemberItem) (ref, id string, action domain.ItemAction, err error) {
	ref = item.ResourceRef
	scopeKind := scopeKindFor(item.ResourceKind)

	err = e.withRetry(ctx, func() error {
		resourceID := item.ResourceID
		if resourceID == "" {
			var rerr error
			resourceID, rerr = e.resolveResourceID(ctx, client, item.ResourceKind, ref)
			if rerr != nil {
				return rerr
			}
		}
		id = resourceID

		userID := item.UserID
		if userID == "" {
			return apperr.ValidationErrf("bulk-members item for %s has no resolved user id for %s", ref, item.Email)
		}

		_, found, ferr := client.FindMember(ctx, scopeKind, resourceID, userID)
		if ferr != nil {
			return ferr
		}
		action = domain.ItemCreated
		if found {
			action = domain.ItemUpdated
		}
		return client.UpsertMember(ctx, scopeKind, resourceID, domain.Member{
			UserID: userID, AccessLevel: item.AccessLevel, ExpiresAt: item.ExpiresAt,
		}, found)
	})
	return ref, id, action, err
}

// --- shared flat-list runner --------------------------------------------------

// runFlat drives any non-tree plan (settings, delete, members): a bounded
// worker pool over a flat item list, with per-item cancellation checks,
// apiDelay pacing, retries, and stop-on-first-error support. Every item in
// items gets exactly one Advance call by the time the job reaches a
// terminal state: refOf names the item so one not attempted, because the
// plan was already cancelled or a prior item stopped the run, is still
// recorded as ItemCancelled rather than silently missing from the result
// list.
func runFlat[T any](e *Engine, ctx context.Context, jobID string, items []T, policy ErrorPolicy, refOf func(T) string, exec func(context.Context, T) (ref, id string, action domain.ItemAction, err error)) {
	ctx, cancel := e.withDeadline(ctx)
	defer cancel()
	_ = e.registry.Start(jobID)
	policy = policy.orDefault()
	stopped := &atomic.Bool{}
	cancelled := &atomic.Bool{}

	if e.registry.CancelRequested(jobID) {
		cancelled.Store(true)
		for _, it := range items {
			_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: refOf(it), Action: domain.ItemCancelled})
		}
	} else {
		runConcurrent(ctx, items, e.workers, func(ctx context.Context, it T) {
			if stopped.Load() {
				_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: refOf(it), Action: domain.ItemCancelled})
				return
			}
			e.delay(ctx)
			if e.registry.CancelRequested(jobID) {
				cancelled.Store(true)
				_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: refOf(it), Action: domain.ItemCancelled})
				return
			}
			ref, id, action, err := exec(ctx, it)
			if err != nil {
				_ = e.registry.Advance(jobID, domain.JobItem{
					SourceRef: ref, Action: domain.ItemFailed,
					ErrorKind: apperr.KindOf(err).String(), ErrorMsg: err.Error(),
				})
				if policy == ErrorPolicyStopOnFirstErr {
					stopped.Store(true)
				}
				return
			}
			_ = e.registry.Advance(jobID, domain.JobItem{SourceRef: ref, Action: action, UpstreamID: id})
		})
	}

	e.finishJob(jobID, cancelled.Load())
}

func (e *Engine) finishJob(jobID string, cancelled bool) {
	job, err := e.registry.Get(jobID)
	if err != nil {
		return
	}
	switch {
	case cancelled:
		_ = e.registry.Finish(jobID, domain.JobCancelled, "cancelled before completion")
	case job.Failed > 0:
		_ = e.registry.Finish(jobID, domain.JobFailed,
			"completed="+strconv.Itoa(job.Completed)+" failed="+strconv.Itoa(job.Failed))
	default:
		_ = e.registry.Finish(jobID, domain.JobSucceeded, "completed="+strconv.Itoa(job.Completed))
	}
}
