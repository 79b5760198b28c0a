// Package migration is the SVN Migration Worker: a seven-stage
// pipeline (validate, extract-authors, provision-target, clone,
// rewrite-and-push, verify, cleanup) that turns one SVN repository into a
// GitLab project, pausing for a needs-authors round-trip and resuming a
// failed attempt from its preserved workspace and revision anchor.
//
// Its concurrency idiom is grounded on the pack's resumable-clone pattern
// (Gizzahub gzh-cli's ResumableCloneManager): a state-carrying context
// survives a failed attempt so a later attempt picks up where it left off,
// generalized here from "N independent repo clones" to one multi-stage
// pipeline with a single revision anchor.
package migration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
	"github.com/vilaca/gitlabfleet/internal/jobs"
)

// DefaultPoolSize is the migration worker's dedicated pool, separate from
// the bulk engine's: a single migration is internally single-threaded (the
// SVN bridge holds non-reentrant state) but several may run at once.
const DefaultPoolSize = 2

var stageOrder = []domain.MigrationStage{
	domain.StageValidate,
	domain.StageExtractAuthors,
	domain.StageProvisionTarget,
	domain.StageClone,
	domain.StageRewriteAndPush,
	domain.StageVerify,
	domain.StageCleanup,
}

func stageIndex(stage domain.MigrationStage) int {
	for i, s := range stageOrder {
		if s == stage {
			return i
		}
	}
	return 0
}

// Worker runs svn-migration, svn-sync, and bulk-svn-migration jobs against
// the Job Registry, bounded by its own pool and sharing the rate limiter
// baked into the gitlabapi.Client it's handed per call.
type Worker struct {
	registry      *jobs.Registry
	bus           *bus.Bus
	runner        CommandRunner
	workspaceRoot string
	softDeadline  time.Duration
	sem           chan struct{}
	lookPath      func(string) (string, error)
}

// New constructs a Worker. runner == nil uses the real os/exec runner.
func New(registry *jobs.Registry, b *bus.Bus, runner CommandRunner, workspaceRoot string, poolSize int, softDeadline time.Duration) *Worker {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Worker{
		registry:      registry,
		bus:           b,
		runner:        runner,
		workspaceRoot: workspaceRoot,
		softDeadline:  softDeadline,
		sem:           make(chan struct{}, poolSize),
		lookPath:      exec.LookPath,
	}
}

// CheckTools verifies svn and git are reachable on PATH, the fail-fast guard
// a deployment without the SVN bridge installed should hit at submit time
// rather than mid-pipeline.
func CheckTools(lookPath func(string) (string, error)) error {
	for _, tool := range []string{"svn", "git"} {
		if _, err := lookPath(tool); err != nil {
			return apperr.ToolMissingf("required executable %q not found on PATH", tool)
		}
	}
	return nil
}

// Submit starts a fresh svn-migration job.
func (w *Worker) Submit(ctx context.Context, sessionID string, mctx *domain.MigrationContext, client *gitlabapi.Client, targetURL string) (*domain.Job, error) {
	return w.submit(ctx, domain.JobKindSVNMigration, sessionID, mctx, client, targetURL)
}

// SubmitSync starts an svn-sync job, resuming a prior attempt's workspace
// from its preserved CurrentStage and ResumeAnchor.
func (w *Worker) SubmitSync(ctx context.Context, sessionID string, mctx *domain.MigrationContext, client *gitlabapi.Client, targetURL string) (*domain.Job, error) {
	return w.submit(ctx, domain.JobKindSVNSync, sessionID, mctx, client, targetURL)
}

// workspaceUsable reports whether dir still exists and still holds a git
// repository, the minimum a resumed job needs to trust its preserved
// CurrentStage and ResumeAnchor rather than starting over.
func workspaceUsable(dir string) bool {
	if dir == "" {
		return false
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return false
	}
	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		return false
	}
	return true
}

func (w *Worker) submit(ctx context.Context, kind domain.JobKind, sessionID string, mctx *domain.MigrationContext, client *gitlabapi.Client, targetURL string) (*domain.Job, error) {
	if err := CheckTools(w.lookPath); err != nil {
		return nil, err
	}
	if mctx.WorkspaceDir != "" && !workspaceUsable(mctx.WorkspaceDir) {
		mctx.WorkspaceDir = ""
		mctx.CurrentStage = domain.StageValidate
		mctx.ResumeAnchor = 0
	}
	if mctx.WorkspaceDir == "" {
		dir, err := os.MkdirTemp(w.workspaceRoot, "svn-migration-*")
		if err != nil {
			return nil, apperr.Internalf("create workspace: %v", err)
		}
		if err := os.Chmod(dir, 0o700); err != nil {
			return nil, apperr.Internalf("chmod workspace: %v", err)
		}
		mctx.WorkspaceDir = dir
	}
	if mctx.Log == nil {
		mctx.Log = domain.NewLogRing(0)
	}
	if mctx.CreatedAt.IsZero() {
		mctx.CreatedAt = time.Now()
	}
	job := w.registry.Submit(kind, sessionID, mctx, 0, 0)
	go w.run(ctx, job.ID, mctx, client, targetURL)
	return job, nil
}

// ResumeWithAuthors re-enters the stage machine for a job paused at
// extract-authors, after the caller has filled in mctx.Authors.
func (w *Worker) ResumeWithAuthors(ctx context.Context, jobID string, mctx *domain.MigrationContext, client *gitlabapi.Client, targetURL string) error {
	if err := w.registry.Resume(jobID); err != nil {
		return err
	}
	go w.run(ctx, jobID, mctx, client, targetURL)
	return nil
}

func (w *Worker) log(jobID string, mctx *domain.MigrationContext, level, message string) {
	mctx.Log.Append(message)
	w.registry.Log(jobID, level, message)
}

func (w *Worker) run(ctx context.Context, jobID string, mctx *domain.MigrationContext, client *gitlabapi.Client, targetURL string) {
	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		_ = w.registry.Finish(jobID, domain.JobCancelled, "cancelled before a worker slot was available")
		return
	}

	if w.softDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.softDeadline)
		defer cancel()
	}

	if mctx.CurrentStage == "" {
		mctx.CurrentStage = domain.StageValidate
	}
	resume := mctx.ResumeAnchor > 0
	_ = w.registry.Start(jobID)

	start := stageIndex(mctx.CurrentStage)
	for i := start; i < len(stageOrder); i++ {
		stage := stageOrder[i]
		if w.registry.CancelRequested(jobID) {
			w.log(jobID, mctx, "warn", fmt.Sprintf("cancel requested during stage %s", stage))
			_ = w.registry.Finish(jobID, domain.JobCancelled, fmt.Sprintf("cancelled during stage %s", stage))
			return
		}
		mctx.CurrentStage = stage

		var err error
		switch stage {
		case domain.StageValidate:
			err = w.runValidate(ctx, jobID, mctx)
		case domain.StageExtractAuthors:
			var paused bool
			paused, err = w.runExtractAuthors(ctx, jobID, mctx)
			if err == nil && paused {
				return
			}
		case domain.StageProvisionTarget:
			err = w.runProvisionTarget(ctx, jobID, mctx, client, resume)
		case domain.StageClone:
			err = w.runClone(ctx, jobID, mctx, resume)
		case domain.StageRewriteAndPush:
			err = w.runRewriteAndPush(ctx, jobID, mctx, targetURL)
		case domain.StageVerify:
			err = w.runVerify(ctx, jobID, mctx, client)
		case domain.StageCleanup:
			err = w.runCleanup(jobID, mctx)
		}

		if err != nil {
			if ctx.Err() != nil {
				_ = w.registry.Finish(jobID, domain.JobFailed, apperr.Deadlinef("soft deadline exceeded during stage %s", stage).Error())
				return
			}
			_ = w.registry.Finish(jobID, domain.JobFailed, err.Error())
			return
		}
	}

	_ = w.registry.Finish(jobID, domain.JobSucceeded, "migration completed")
}
