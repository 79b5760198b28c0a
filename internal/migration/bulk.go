package migration

import (
	"context"
	"strconv"
	"sync"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
)

// BulkTarget pairs one migration's context with the target URL its
// rewrite-and-push stage pushes to.
type BulkTarget struct {
	Context   *domain.MigrationContext
	TargetURL string
}

// SubmitBulk fans a set of independent migrations out as child jobs under
// one parent job, reusing the same dedicated pool (so the effective
// concurrency across a bulk-svn-migration run is still bounded by
// DefaultPoolSize/MigrationPoolSize, not by len(targets)).
func (w *Worker) SubmitBulk(ctx context.Context, sessionID string, targets []BulkTarget, client *gitlabapi.Client) (*domain.Job, error) {
	if err := CheckTools(w.lookPath); err != nil {
		return nil, err
	}
	parent := w.registry.Submit(domain.JobKindBulkSVNMigration, sessionID, targets, len(targets), 0)
	go w.runBulk(ctx, parent.ID, sessionID, targets, client)
	return parent, nil
}

func (w *Worker) runBulk(ctx context.Context, parentID, sessionID string, targets []BulkTarget, client *gitlabapi.Client) {
	_ = w.registry.Start(parentID)

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t BulkTarget) {
			defer wg.Done()
			if w.registry.CancelRequested(parentID) {
				_ = w.registry.Advance(parentID, domain.JobItem{SourceRef: t.Context.ProjectPath, Action: domain.ItemCancelled})
				return
			}
			childJob, err := w.Submit(ctx, sessionID, t.Context, client, t.TargetURL)
			if err != nil {
				_ = w.registry.Advance(parentID, domain.JobItem{
					SourceRef: t.Context.ProjectPath, Action: domain.ItemFailed,
					ErrorKind: apperr.KindOf(err).String(), ErrorMsg: err.Error(),
				})
				return
			}
			w.awaitChildTerminal(parentID, childJob.ID, t.Context)
		}(t)
	}
	wg.Wait()

	cancelled := w.registry.CancelRequested(parentID)
	job, err := w.registry.Get(parentID)
	if err != nil {
		return
	}
	switch {
	case cancelled:
		_ = w.registry.Finish(parentID, domain.JobCancelled, "cancelled before all child migrations completed")
	case job.Failed > 0:
		_ = w.registry.Finish(parentID, domain.JobFailed,
			"completed="+strconv.Itoa(job.Completed)+" failed="+strconv.Itoa(job.Failed))
	default:
		_ = w.registry.Finish(parentID, domain.JobSucceeded, "completed="+strconv.Itoa(job.Completed))
	}
}

// awaitChildTerminal blocks until the child migration job reaches a
// terminal state, then records its outcome as one item on the parent.
func (w *Worker) awaitChildTerminal(parentID, childID string, mctx *domain.MigrationContext) {
	snapshot, live, unsub := w.bus.Subscribe(childID, "bulk-svn:"+parentID)
	defer unsub()

	for _, evt := range snapshot {
		if evt.Kind == domain.EventTerminal {
			w.recordChildOutcome(parentID, mctx, evt)
			return
		}
	}
	for evt := range live {
		if evt.Kind == domain.EventTerminal {
			w.recordChildOutcome(parentID, mctx, evt)
			return
		}
	}
}

func (w *Worker) recordChildOutcome(parentID string, mctx *domain.MigrationContext, evt domain.BusEvent) {
	action := domain.ItemCreated
	switch evt.State {
	case domain.JobFailed:
		action = domain.ItemFailed
	case domain.JobCancelled:
		action = domain.ItemCancelled
	}
	_ = w.registry.Advance(parentID, domain.JobItem{SourceRef: mctx.ProjectPath, Action: action, ErrorMsg: evt.Summary})
}
