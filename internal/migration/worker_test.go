package migration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vilaca/gitlabfleet/internal/bus"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
	"github.com/vilaca/gitlabfleet/internal/gitlabhttp"
	"github.com/vilaca/gitlabfleet/internal/jobs"
	"github.com/vilaca/gitlabfleet/internal/ratelimit"
)

// fakeRunner scripts CommandRunner.Run by "name arg0" key so a test can
// drive the stage machine without a real svn/git binary.
type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]func(args []string) (stdout, stderr []byte, err error)
	calls    []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{handlers: make(map[string]func([]string) ([]byte, []byte, error))}
}

func (f *fakeRunner) on(key string, h func(args []string) (stdout, stderr []byte, err error)) {
	f.handlers[key] = h
}

func (f *fakeRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name+" "+joinArgs(args))
	f.mu.Unlock()

	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	if h, ok := f.handlers[key]; ok {
		return h(args)
	}
	return nil, nil, nil
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}

// fakeGitLab serves just enough of the GitLab API for the provision-target
// and verify stages: project lookups always miss, creates always succeed,
// and the sole branch reported back matches fakeHeadSHA so verify's HEAD
// comparison passes against succeedingRunner's "git rev-parse HEAD" stub.
type fakeGitLab struct{}

const fakeHeadSHA = "deadbeefcafef00d"

func (fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":99,"name":"demo","path":"demo","path_with_namespace":"ns/demo","namespace_id":1}`))
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/repository/branches"):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[{"name":"main","default":true,"protected":true,"commit":{"id":"` + fakeHeadSHA + `"}}]`))
	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/pipelines/latest"):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestWorker(t *testing.T, runner *fakeRunner) (*Worker, *gitlabapi.Client, *jobs.Registry, *bus.Bus) {
	t.Helper()
	srv := httptest.NewServer(fakeGitLab{})
	t.Cleanup(srv.Close)

	httpClient := gitlabhttp.New(srv.URL, "tok", ratelimit.New(1000, 1000), gitlabhttp.Config{CallTimeout: 2 * time.Second})
	apiClient := gitlabapi.New(httpClient)

	b := bus.New(64, 64, time.Minute)
	r := jobs.New(b, time.Hour)
	w := New(r, b, runner, t.TempDir(), 2, 0)
	w.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }

	t.Cleanup(func() {
		r.Shutdown()
		b.Shutdown()
	})
	return w, apiClient, r, b
}

func waitTerminal(t *testing.T, r *jobs.Registry, jobID string) domain.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := r.Get(jobID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal state")
	return domain.Job{}
}

func succeedingRunner() *fakeRunner {
	f := newFakeRunner()
	f.on("svn info", func(args []string) ([]byte, []byte, error) { return []byte("Revision: 42"), nil, nil })
	f.on("svn ls", func(args []string) ([]byte, []byte, error) { return []byte("trunk/\n"), nil, nil })
	f.on("svn log", func(args []string) ([]byte, []byte, error) {
		return []byte(`<log><logentry><author>jdoe</author></logentry></log>`), nil, nil
	})
	f.on("git svn", func(args []string) ([]byte, []byte, error) {
		return []byte("r1 = abc\nr2 = def\nCommitted r2\n"), nil, nil
	})
	f.on("git remote", func(args []string) ([]byte, []byte, error) { return nil, nil, nil })
	f.on("git push", func(args []string) ([]byte, []byte, error) { return nil, nil, nil })
	f.on("git show-ref", func(args []string) ([]byte, []byte, error) { return []byte("sha refs/heads/main\n"), nil, nil })
	f.on("git ls-remote", func(args []string) ([]byte, []byte, error) { return []byte("sha refs/heads/main\n"), nil, nil })
	f.on("git rev-parse", func(args []string) ([]byte, []byte, error) { return []byte(fakeHeadSHA + "\n"), nil, nil })
	return f
}

func newMigrationContext(t *testing.T) *domain.MigrationContext {
	return &domain.MigrationContext{
		SVNURL:            "https://svn.example.com/repo",
		Username:          "svnuser",
		Password:          "secret",
		TargetNamespaceID: "1",
		ProjectName:       "demo",
		ProjectPath:       "demo",
		Authors:           map[string]string{"jdoe": "Jane Doe <jane@example.com>"},
	}
}

func TestSubmit_FullPipelineSucceeds(t *testing.T) {
	runner := succeedingRunner()
	w, client, r, _ := newTestWorker(t, runner)
	mctx := newMigrationContext(t)

	job, err := w.Submit(context.Background(), "sess-1", mctx, client, "https://gitlab.example.com/ns/demo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitTerminal(t, r, job.ID)
	if got.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s: items=%v", got.State, got.Items.Items())
	}
}

func TestSubmit_UnmappedCommitterPausesForAuthors(t *testing.T) {
	runner := succeedingRunner()
	runner.on("svn log", func(args []string) ([]byte, []byte, error) {
		return []byte(`<log><logentry><author>stranger</author></logentry></log>`), nil, nil
	})
	w, client, r, _ := newTestWorker(t, runner)
	mctx := newMigrationContext(t)

	job, err := w.Submit(context.Background(), "sess-1", mctx, client, "https://gitlab.example.com/ns/demo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var seenPaused bool
	for time.Now().Before(deadline) {
		got, _ := r.Get(job.ID)
		if got.State == domain.JobPaused {
			seenPaused = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !seenPaused {
		t.Fatal("expected job to pause awaiting author mapping")
	}

	mctx.Authors["stranger"] = "A Stranger <stranger@example.com>"
	if err := w.ResumeWithAuthors(context.Background(), job.ID, mctx, client, "https://gitlab.example.com/ns/demo.git"); err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}

	got := waitTerminal(t, r, job.ID)
	if got.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded after author resume, got %s", got.State)
	}
}

func TestSubmit_SvnAuthFailureFailsJob(t *testing.T) {
	runner := newFakeRunner()
	runner.on("svn info", func(args []string) ([]byte, []byte, error) {
		return nil, []byte("svn: E170001: Authorization failed"), context.DeadlineExceeded
	})
	w, client, r, _ := newTestWorker(t, runner)
	mctx := newMigrationContext(t)

	job, err := w.Submit(context.Background(), "sess-1", mctx, client, "https://gitlab.example.com/ns/demo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitTerminal(t, r, job.ID)
	if got.State != domain.JobFailed {
		t.Fatalf("expected failed, got %s", got.State)
	}
}

func TestSubmitSync_ResumesFromPreservedAnchor(t *testing.T) {
	runner := succeedingRunner()
	w, client, r, _ := newTestWorker(t, runner)
	mctx := newMigrationContext(t)
	mctx.CurrentStage = domain.StageClone
	mctx.ResumeAnchor = 2
	mctx.WorkspaceDir = t.TempDir()
	if err := os.Mkdir(mctx.WorkspaceDir+"/.git", 0o700); err != nil {
		t.Fatalf("seed workspace .git dir: %v", err)
	}

	job, err := w.SubmitSync(context.Background(), "sess-1", mctx, client, "https://gitlab.example.com/ns/demo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitTerminal(t, r, job.ID)
	if got.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
}

func TestWorkspaceUsable(t *testing.T) {
	if workspaceUsable("") {
		t.Fatal("empty dir should not be usable")
	}
	if workspaceUsable("/no/such/dir") {
		t.Fatal("missing dir should not be usable")
	}
	noGit := t.TempDir()
	if workspaceUsable(noGit) {
		t.Fatal("dir without .git should not be usable")
	}
	withGit := t.TempDir()
	if err := os.Mkdir(withGit+"/.git", 0o700); err != nil {
		t.Fatalf("seed .git dir: %v", err)
	}
	if !workspaceUsable(withGit) {
		t.Fatal("dir with .git should be usable")
	}
}

func TestSubmitSync_VanishedWorkspaceRestartsFromValidate(t *testing.T) {
	runner := succeedingRunner()
	w, client, r, _ := newTestWorker(t, runner)
	mctx := newMigrationContext(t)
	mctx.CurrentStage = domain.StageClone
	mctx.ResumeAnchor = 2
	mctx.WorkspaceDir = t.TempDir() + "/gone"

	job, err := w.SubmitSync(context.Background(), "sess-1", mctx, client, "https://gitlab.example.com/ns/demo.git")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitTerminal(t, r, job.ID)
	if got.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
	var sawValidate bool
	runner.mu.Lock()
	for _, c := range runner.calls {
		if strings.HasPrefix(c, "svn info") {
			sawValidate = true
		}
	}
	runner.mu.Unlock()
	if !sawValidate {
		t.Fatal("expected the stage machine to restart from validate after a vanished workspace")
	}
}

func TestSubmitBulk_TracksEachChildAsOneParentItem(t *testing.T) {
	runner := succeedingRunner()
	w, client, r, _ := newTestWorker(t, runner)

	targets := []BulkTarget{
		{Context: newMigrationContext(t), TargetURL: "https://gitlab.example.com/ns/demo1.git"},
		{Context: newMigrationContext(t), TargetURL: "https://gitlab.example.com/ns/demo2.git"},
	}
	targets[1].Context.ProjectPath = "demo2"

	parent, err := w.SubmitBulk(context.Background(), "sess-1", targets, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := waitTerminal(t, r, parent.ID)
	if got.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", got.State)
	}
	if got.Completed != 2 {
		t.Fatalf("expected 2 completed children, got %d", got.Completed)
	}
}
