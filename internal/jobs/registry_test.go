package jobs

import (
	"testing"
	"time"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(16, 16, time.Minute)
	r := New(b, time.Hour)
	t.Cleanup(func() {
		r.Shutdown()
		b.Shutdown()
	})
	return r, b
}

func TestSubmit_CreatesPendingJobAndPublishesState(t *testing.T) {
	r, b := newTestRegistry(t)

	job := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 3, 0)
	if job.State != domain.JobPending {
		t.Fatalf("expected pending, got %s", job.State)
	}

	snapshot, _, unsub := b.Subscribe(job.ID, "conn")
	defer unsub()
	if len(snapshot) != 1 || snapshot[0].State != domain.JobPending {
		t.Errorf("expected replayed pending state event, got %+v", snapshot)
	}
}

func TestStart_TransitionsToRunningAndSetsStartedAt(t *testing.T) {
	r, _ := newTestRegistry(t)
	job := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 1, 0)

	if err := r.Start(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := r.Get(job.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != domain.JobRunning {
		t.Errorf("expected running, got %s", got.State)
	}
	if got.StartedAt.IsZero() {
		t.Error("expected StartedAt to be set")
	}
}

func TestAdvance_UpdatesCountersAndPublishesProgress(t *testing.T) {
	r, b := newTestRegistry(t)
	job := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 2, 0)
	_ = r.Start(job.ID)

	_, live, unsub := b.Subscribe(job.ID, "conn")
	defer unsub()

	if err := r.Advance(job.ID, domain.JobItem{SourceRef: "a", Action: domain.ItemCreated}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Advance(job.ID, domain.JobItem{SourceRef: "b", Action: domain.ItemFailed, ErrorMsg: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := r.Get(job.ID)
	if got.Completed != 1 || got.Failed != 1 {
		t.Errorf("expected 1 completed and 1 failed, got %+v", got)
	}
	if len(got.Items.Items()) != 2 {
		t.Errorf("expected 2 recorded items, got %d", len(got.Items.Items()))
	}

	seen := 0
	for seen < 2 {
		select {
		case evt := <-live:
			if evt.Kind == domain.EventProgress {
				seen++
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for progress events")
		}
	}
}

func TestRequestCancel_MovesToCancellingAndSetsFlag(t *testing.T) {
	r, _ := newTestRegistry(t)
	job := r.Submit(domain.JobKindSVNMigration, "sess-1", nil, 1, 0)
	_ = r.Start(job.ID)

	if err := r.RequestCancel(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.CancelRequested(job.ID) {
		t.Error("expected cancel flag set")
	}
	got, _ := r.Get(job.ID)
	if got.State != domain.JobCancelling {
		t.Errorf("expected cancelling, got %s", got.State)
	}
}

func TestPauseAndResume_RoundTripsThroughPausedState(t *testing.T) {
	r, b := newTestRegistry(t)
	job := r.Submit(domain.JobKindSVNMigration, "sess-1", nil, 1, 0)
	_ = r.Start(job.ID)

	_, live, unsub := b.Subscribe(job.ID, "conn")
	defer unsub()

	r.NeedsAuthors(job.ID, []string{"jdoe", "asmith"})
	if err := r.Pause(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := r.Get(job.ID)
	if got.State != domain.JobPaused {
		t.Fatalf("expected paused, got %s", got.State)
	}

	if err := r.Resume(job.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ = r.Get(job.ID)
	if got.State != domain.JobRunning {
		t.Fatalf("expected running after resume, got %s", got.State)
	}

	var sawNeedsAuthors bool
	deadline := time.After(time.Second)
	for !sawNeedsAuthors {
		select {
		case evt := <-live:
			if evt.Kind == domain.EventNeedsAuthors {
				sawNeedsAuthors = true
				if len(evt.Missing) != 2 {
					t.Errorf("expected 2 missing authors, got %v", evt.Missing)
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for needs-authors event")
		}
	}
}

func TestResume_RejectsNonPausedJob(t *testing.T) {
	r, _ := newTestRegistry(t)
	job := r.Submit(domain.JobKindSVNMigration, "sess-1", nil, 1, 0)
	_ = r.Start(job.ID)

	err := r.Resume(job.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected KindConflict, got %v", err)
	}
}

func TestRequestCancel_RejectsAlreadyTerminalJob(t *testing.T) {
	r, _ := newTestRegistry(t)
	job := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 1, 0)
	_ = r.Finish(job.ID, domain.JobSucceeded, "done")

	err := r.RequestCancel(job.ID)
	if !apperr.Is(err, apperr.KindConflict) {
		t.Errorf("expected KindConflict, got %v", err)
	}
}

func TestFinish_RejectsNonTerminalState(t *testing.T) {
	r, _ := newTestRegistry(t)
	job := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 1, 0)

	err := r.Finish(job.ID, domain.JobRunning, "")
	if err == nil {
		t.Fatal("expected an error for a non-terminal Finish state")
	}
}

func TestList_FiltersBySessionAndPredicate(t *testing.T) {
	r, _ := newTestRegistry(t)
	j1 := r.Submit(domain.JobKindBulkImport, "sess-1", nil, 1, 0)
	r.Submit(domain.JobKindBulkImport, "sess-2", nil, 1, 0)
	_ = r.Finish(j1.ID, domain.JobSucceeded, "ok")

	all := r.List("sess-1", nil)
	if len(all) != 1 {
		t.Fatalf("expected 1 job for sess-1, got %d", len(all))
	}

	running := r.List("", func(j domain.Job) bool { return !j.State.Terminal() })
	if len(running) != 1 {
		t.Fatalf("expected 1 non-terminal job across all sessions, got %d", len(running))
	}
}

func TestGet_UnknownJobReturnsNotFound(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Get("missing")
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}
