package domain

import (
	"sync/atomic"
	"time"
)

// JobKind discriminates the engine a job is routed to and the shape of its params.
type JobKind string

const (
	JobKindBulkImport       JobKind = "bulk-import"
	JobKindBulkSettings     JobKind = "bulk-settings"
	JobKindBulkDelete       JobKind = "bulk-delete"
	JobKindBulkMembers      JobKind = "bulk-members"
	JobKindSVNMigration     JobKind = "svn-migration"
	JobKindSVNSync          JobKind = "svn-sync"
	JobKindBulkSVNMigration JobKind = "bulk-svn-migration"
)

// JobState is a node in the job lifecycle state machine. succeeded, failed,
// and cancelled are absorbing: no transition leaves them.
type JobState string

const (
	JobPending    JobState = "pending"
	JobRunning    JobState = "running"
	JobPaused     JobState = "paused"
	JobCancelling JobState = "cancelling"
	JobSucceeded  JobState = "succeeded"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether no further transition out of s is possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// ItemAction records what the bulk engine (or migration worker, for
// per-revision items) actually did for one plan entry.
type ItemAction string

const (
	ItemCreated         ItemAction = "created"
	ItemUpdated         ItemAction = "updated"
	ItemSkippedExisting ItemAction = "skipped-existing"
	ItemFailed          ItemAction = "failed"
	ItemCancelled       ItemAction = "cancelled"
)

// JobItem is the outcome of one plan entry. SourceRef is the identifier the
// caller supplied in the plan (e.g. a full_path); UpstreamID is set on success.
type JobItem struct {
	SourceRef  string
	Action     ItemAction
	UpstreamID string
	ErrorKind  string
	ErrorMsg   string
}

// defaultItemRingSize bounds the per-job result list for very large plans;
// dropped entries are counted by ItemRing.Dropped.
const defaultItemRingSize = 4096

// ItemRing is an append-only, bounded ring of JobItem results. Once Cap
// entries have been recorded, subsequent appends overwrite the oldest and
// increment Dropped so job summaries can report the loss honestly.
type ItemRing struct {
	items   []JobItem
	cap     int
	next    int
	full    bool
	dropped int
}

// NewItemRing constructs a ring of the given capacity, falling back to
// defaultItemRingSize when cap <= 0.
func NewItemRing(capacity int) *ItemRing {
	if capacity <= 0 {
		capacity = defaultItemRingSize
	}
	return &ItemRing{items: make([]JobItem, capacity), cap: capacity}
}

// Append records one item result, evicting the oldest entry if the ring is full.
func (r *ItemRing) Append(it JobItem) {
	if r.full {
		r.dropped++
	}
	r.items[r.next] = it
	r.next = (r.next + 1) % r.cap
	if r.next == 0 {
		r.full = true
	}
}

// Items returns the retained results in append order (oldest first).
func (r *ItemRing) Items() []JobItem {
	if !r.full {
		out := make([]JobItem, r.next)
		copy(out, r.items[:r.next])
		return out
	}
	out := make([]JobItem, r.cap)
	copy(out, r.items[r.next:])
	copy(out[r.cap-r.next:], r.items[:r.next])
	return out
}

// Dropped is the count of results evicted to keep the ring bounded.
func (r *ItemRing) Dropped() int {
	return r.dropped
}

// Job is the registry's unit of work: a client-submitted operation tracked
// from pending through a terminal state, with a bounded, append-only record
// of per-item outcomes.
//
// Invariant: Completed + Failed <= Total at every observation; StartedAt is
// set iff the job has ever been Running; EndedAt is set iff State.Terminal().
type Job struct {
	ID        string
	Kind      JobKind
	SessionID string
	State     JobState

	CreatedAt time.Time
	StartedAt time.Time
	EndedAt   time.Time

	Total     int
	Completed int
	Failed    int

	// MissingAuthors holds the SVN committer usernames a paused
	// extract-authors stage is waiting on; set by Registry.NeedsAuthors and
	// cleared by Registry.Resume.
	MissingAuthors []string

	Items *ItemRing

	// Params holds the kind-specific, already-validated submission payload
	// (a bulk plan or a migration context); the registry never interprets it.
	Params any

	cancelled atomic.Bool
}

// RequestCancel flips the cooperative cancellation flag observed by the
// owning engine at its next suspension point.
func (j *Job) RequestCancel() {
	j.cancelled.Store(true)
}

// CancelRequested reports whether RequestCancel has been called.
func (j *Job) CancelRequested() bool {
	return j.cancelled.Load()
}
