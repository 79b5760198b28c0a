// Package jobs is the Job Registry: the sole mutator of job state, shared by
// the bulk engine and the migration worker. It generalizes a
// map-of-state-guarded-by-RWMutex idiom from a read-only cache of upstream
// CI data into a registry of in-flight, cancellable work that publishes its
// own progress to the bus.
package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/domain"
)

// DefaultJobGrace is how long a terminal job is kept queryable before reaping.
const DefaultJobGrace = time.Hour

// Registry is the process-wide singleton job table.
type Registry struct {
	mu       sync.RWMutex
	jobs     map[string]*domain.Job
	bus      *bus.Bus
	jobGrace time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// New constructs a Registry publishing progress to b and starts its
// terminal-job reaper.
func New(b *bus.Bus, jobGrace time.Duration) *Registry {
	if jobGrace <= 0 {
		jobGrace = DefaultJobGrace
	}
	r := &Registry{
		jobs:     make(map[string]*domain.Job),
		bus:      b,
		jobGrace: jobGrace,
		stop:     make(chan struct{}),
	}
	go r.reap()
	return r
}

// Submit allocates a new pending job owned by sessionID. itemRingSize <= 0
// uses the item ring's default capacity.
func (r *Registry) Submit(kind domain.JobKind, sessionID string, params any, total, itemRingSize int) *domain.Job {
	now := time.Now()
	job := &domain.Job{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		State:     domain.JobPending,
		CreatedAt: now,
		Total:     total,
		Items:     domain.NewItemRing(itemRingSize),
		Params:    params,
	}

	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	r.bus.Publish(job.ID, domain.BusEvent{
		Kind: domain.EventState, At: now, JobID: job.ID, State: domain.JobPending,
	})
	return job
}

// Get returns a snapshot of the job (the Items ring is shared, not copied;
// callers should use Items() rather than racing on it directly).
func (r *Registry) Get(jobID string) (domain.Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return domain.Job{}, apperr.NotFoundf("job %s not found", jobID)
	}
	return *j, nil
}

// List returns jobs owned by sessionID for which keep returns true (nil keep
// matches everything).
func (r *Registry) List(sessionID string, keep func(domain.Job) bool) []domain.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if sessionID != "" && j.SessionID != sessionID {
			continue
		}
		if keep != nil && !keep(*j) {
			continue
		}
		out = append(out, *j)
	}
	return out
}

// Start transitions a pending job to running, recording StartedAt.
func (r *Registry) Start(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return apperr.NotFoundf("job %s not found", jobID)
	}
	r.mu.Lock()
	j.State = domain.JobRunning
	j.StartedAt = time.Now()
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventState, At: j.StartedAt, JobID: jobID, State: domain.JobRunning,
	})
	return nil
}

// Advance atomically updates a job's counters and records one item outcome,
// publishing a progress event to its bus topic.
func (r *Registry) Advance(jobID string, item domain.JobItem) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	j.Items.Append(item)
	if item.Action == domain.ItemFailed {
		j.Failed++
	} else if item.Action != domain.ItemCancelled {
		j.Completed++
	}
	completed, failed, total := j.Completed, j.Failed, j.Total
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind:        domain.EventProgress,
		At:          time.Now(),
		JobID:       jobID,
		Completed:   completed,
		Failed:      failed,
		Total:       total,
		CurrentItem: item.SourceRef,
	})
	return nil
}

// SetTotal updates a job's Total counter once it becomes known (the
// migration worker learns total revision count only after git-svn starts
// streaming history).
func (r *Registry) SetTotal(jobID string, total int) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	j.Total = total
	r.mu.Unlock()
	return nil
}

// Log publishes a log-line event to the job's topic without touching its
// counters (used by the migration worker for svn/git subprocess output).
func (r *Registry) Log(jobID, level, message string) {
	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventLog, At: time.Now(), JobID: jobID, Level: level, Message: message,
	})
}

// Pause moves a running job to paused, used by the migration worker when it
// needs client input (e.g. a needs-authors event) before it can continue.
func (r *Registry) Pause(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if j.State.Terminal() {
		r.mu.Unlock()
		return apperr.ConflictErrf("job %s already finished", jobID)
	}
	j.State = domain.JobPaused
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventState, At: time.Now(), JobID: jobID, State: domain.JobPaused,
	})
	return nil
}

// NeedsAuthors publishes a needs-authors event listing the SVN committer
// usernames the client must map before the job can resume.
func (r *Registry) NeedsAuthors(jobID string, missing []string) {
	r.mu.Lock()
	if j, ok := r.jobs[jobID]; ok {
		j.MissingAuthors = missing
	}
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventNeedsAuthors, At: time.Now(), JobID: jobID, Missing: missing,
	})
}

// Resume moves a paused job back to running.
func (r *Registry) Resume(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if j.State != domain.JobPaused {
		r.mu.Unlock()
		return apperr.ConflictErrf("job %s is not paused", jobID)
	}
	j.State = domain.JobRunning
	j.MissingAuthors = nil
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventState, At: time.Now(), JobID: jobID, State: domain.JobRunning,
	})
	return nil
}

// RequestCancel flips the job's cooperative cancellation flag and moves it
// to the cancelling state; the owning engine observes this at its next
// suspension point and calls Finish with JobCancelled.
func (r *Registry) RequestCancel(jobID string) error {
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	if j.State.Terminal() {
		r.mu.Unlock()
		return apperr.ConflictErrf("job %s already finished", jobID)
	}
	j.RequestCancel()
	j.State = domain.JobCancelling
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventState, At: time.Now(), JobID: jobID, State: domain.JobCancelling,
	})
	return nil
}

// Finish transitions a job to a terminal state, recording EndedAt and
// publishing both a state event and a terminal summary event, then closes
// the job's bus topic (retained for topicGrace so late subscribers still
// see the outcome).
func (r *Registry) Finish(jobID string, state domain.JobState, summary string) error {
	if !state.Terminal() {
		return apperr.Internalf("Finish requires a terminal state, got %s", state)
	}
	r.mu.Lock()
	j, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFoundf("job %s not found", jobID)
	}
	j.State = state
	j.EndedAt = time.Now()
	r.mu.Unlock()

	r.bus.Publish(jobID, domain.BusEvent{
		Kind: domain.EventTerminal, At: j.EndedAt, JobID: jobID, State: state, Summary: summary,
	})
	r.bus.Close(jobID)
	return nil
}

// CancelRequested reports whether the owning engine should stop at its next
// suspension point.
func (r *Registry) CancelRequested(jobID string) bool {
	r.mu.RLock()
	j, ok := r.jobs[jobID]
	r.mu.RUnlock()
	return ok && j.CancelRequested()
}

func (r *Registry) reap() {
	ticker := time.NewTicker(r.jobGrace / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for id, j := range r.jobs {
				if j.State.Terminal() && !j.EndedAt.IsZero() && now.Sub(j.EndedAt) > r.jobGrace {
					delete(r.jobs, id)
				}
			}
			r.mu.Unlock()
		case <-r.stop:
			return
		}
	}
}

// Shutdown stops the reaper goroutine. Safe to call once.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
}
