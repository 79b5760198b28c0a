package bulk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
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

// fakeGroup/fakeProject mirror gitlabapi's unexported wire shapes closely
// enough (same JSON field names) for the bulk engine's HTTP calls to decode
// successfully against this in-memory fake GitLab.
type fakeGroup struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	FullPath    string `json:"full_path"`
	ParentID    *int   `json:"parent_id"`
	Visibility  string `json:"visibility"`
	Description string `json:"description"`
}

type fakeProject struct {
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	Path          string   `json:"path"`
	PathWithNS    string   `json:"path_with_namespace"`
	NamespaceID   int      `json:"namespace_id"`
	Visibility    string   `json:"visibility"`
	Description   string   `json:"description"`
	DefaultBranch string   `json:"default_branch"`
	Topics        []string `json:"topics"`
}

type fakeGitLab struct {
	mu             sync.Mutex
	nextID         int
	groupsByPath   map[string]fakeGroup
	groupsByID     map[int]fakeGroup
	projectsByPath map[string]fakeProject
	memberByUserID map[string]map[string]int // scopePath -> userID -> accessLevel
}

func newFakeGitLab() *fakeGitLab {
	return &fakeGitLab{
		nextID:         1,
		groupsByPath:   make(map[string]fakeGroup),
		groupsByID:     make(map[int]fakeGroup),
		projectsByPath: make(map[string]fakeProject),
		memberByUserID: make(map[string]map[string]int),
	}
}

func (f *fakeGitLab) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v4/groups/"):
		fullPath, _ := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/v4/groups/"))
		g, ok := f.groupsByPath[fullPath]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(g)

	case r.Method == http.MethodPost && r.URL.Path == "/api/v4/groups":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		parentPath := ""
		var parentID *int
		if pid, ok := body["parent_id"]; ok {
			id := toInt(pid)
			parentID = &id
			parent, known := f.groupsByID[id]
			if !known {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			parentPath = parent.FullPath
		}
		fullPath := joinPath(parentPath, body["path"].(string))
		id := f.nextID
		f.nextID++
		g := fakeGroup{
			ID: id, Name: str(body["name"]), Path: str(body["path"]), FullPath: fullPath,
			ParentID: parentID, Visibility: str(body["visibility"]), Description: str(body["description"]),
		}
		f.groupsByPath[fullPath] = g
		f.groupsByID[id] = g
		json.NewEncoder(w).Encode(g)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v4/projects/") && !strings.Contains(r.URL.Path[len("/api/v4/projects/"):], "/"):
		fullPath, _ := url.PathUnescape(strings.TrimPrefix(r.URL.Path, "/api/v4/projects/"))
		p, ok := f.projectsByPath[fullPath]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(p)

	case r.Method == http.MethodPost && r.URL.Path == "/api/v4/projects":
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		parentPath := ""
		var namespaceID int
		if nsID, ok := body["namespace_id"]; ok {
			namespaceID = toInt(nsID)
			if parent, ok := f.groupsByID[namespaceID]; ok {
				parentPath = parent.FullPath
			}
		}
		fullPath := joinPath(parentPath, body["path"].(string))
		id := f.nextID
		f.nextID++
		p := fakeProject{
			ID: id, Name: str(body["name"]), Path: str(body["path"]), PathWithNS: fullPath,
			NamespaceID: namespaceID, Visibility: str(body["visibility"]), Description: str(body["description"]),
		}
		f.projectsByPath[fullPath] = p
		json.NewEncoder(w).Encode(p)

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/v4/projects/"):
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{})

	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusAccepted)

	case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/members/"):
		w.WriteHeader(http.StatusNotFound)

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/members"):
		json.NewEncoder(w).Encode(map[string]any{"id": 99, "access_level": 30})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func newTestEngine(t *testing.T) (*Engine, *gitlabapi.Client, *jobs.Registry, *bus.Bus) {
	t.Helper()
	fake := newFakeGitLab()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	httpClient := gitlabhttp.New(srv.URL, "tok", ratelimit.New(1000, 1000), gitlabhttp.Config{CallTimeout: 2 * time.Second})
	apiClient := gitlabapi.New(httpClient)

	b := bus.New(64, 64, time.Minute)
	r := jobs.New(b, time.Hour)
	e := New(r, 3, time.Millisecond, 2, 0)

	t.Cleanup(func() {
		r.Shutdown()
		b.Shutdown()
	})
	return e, apiClient, r, b
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
	t.Fatal("timed out waiting for job to reach a terminal state")
	return domain.Job{}
}

func TestSubmitImport_TwoLevelTreeCreatesParentThenChildren(t *testing.T) {
	e, client, r, _ := newTestEngine(t)

	plan := ImportPlan{
		Roots: []ImportNode{{
			Kind: NodeGroup, Name: "demo-root", Path: "demo-root",
			Subgroups: []ImportNode{
				{Kind: NodeGroup, Name: "frontend", Path: "fe"},
				{Kind: NodeGroup, Name: "backend", Path: "be"},
			},
		}},
	}

	job := e.SubmitImport(context.Background(), "sess-1", plan, client)
	final := waitTerminal(t, r, job.ID)

	if final.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s (failed=%d)", final.State, final.Failed)
	}
	items := final.Items.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d: %+v", len(items), items)
	}
	refs := map[string]bool{}
	for _, it := range items {
		refs[it.SourceRef] = true
		if it.Action != domain.ItemCreated {
			t.Errorf("expected all items created on first run, got %+v", it)
		}
	}
	for _, want := range []string{"demo-root", "demo-root/fe", "demo-root/be"} {
		if !refs[want] {
			t.Errorf("expected item %q, got %+v", want, items)
		}
	}
}

func TestSubmitImport_RerunYieldsSkippedExisting(t *testing.T) {
	e, client, r, _ := newTestEngine(t)
	plan := ImportPlan{Roots: []ImportNode{{Kind: NodeGroup, Name: "demo-root", Path: "demo-root"}}}

	first := e.SubmitImport(context.Background(), "sess-1", plan, client)
	waitTerminal(t, r, first.ID)

	second := e.SubmitImport(context.Background(), "sess-1", plan, client)
	final := waitTerminal(t, r, second.ID)

	items := final.Items.Items()
	if len(items) != 1 || items[0].Action != domain.ItemSkippedExisting {
		t.Errorf("expected a single skipped-existing item on rerun, got %+v", items)
	}
}

func TestSubmitImport_FailedParentCascadesParentMissing(t *testing.T) {
	e, client, r, _ := newTestEngine(t)
	plan := ImportPlan{
		ParentGroupID:  "does-not-exist",
		ParentFullPath: "ghost",
		Roots: []ImportNode{{
			Kind: NodeGroup, Name: "broken", Path: "broken",
			Projects: []ImportNode{{Kind: NodeProject, Name: "svc", Path: "svc"}},
		}},
		ErrorPolicy: ErrorPolicyContinue,
	}

	job := e.SubmitImport(context.Background(), "sess-1", plan, client)
	final := waitTerminal(t, r, job.ID)

	if final.State != domain.JobFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}

	var sawParentMissing bool
	for _, it := range final.Items.Items() {
		if it.SourceRef == "ghost/broken/svc" && it.ErrorKind == "ParentMissing" {
			sawParentMissing = true
		}
	}
	if !sawParentMissing {
		t.Errorf("expected child to be failed with ParentMissing, got %+v", final.Items.Items())
	}
}

func TestSubmitDelete_RefusesWithoutConfirm(t *testing.T) {
	e, client, _, _ := newTestEngine(t)
	_, err := e.SubmitDelete(context.Background(), "sess-1", DeletePlan{Refs: []DeleteRef{{ResourceKind: ResourceProject, ID: "1"}}}, client)
	if err == nil {
		t.Fatal("expected an error when Confirm is false")
	}
}

func TestSubmitDelete_ConfirmedDeletesByID(t *testing.T) {
	e, client, r, _ := newTestEngine(t)
	job, err := e.SubmitDelete(context.Background(), "sess-1", DeletePlan{
		Confirm: true,
		Refs:    []DeleteRef{{ResourceKind: ResourceProject, ResourceRef: "demo/svc", ID: "42"}},
	}, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := waitTerminal(t, r, job.ID)
	if final.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s", final.State)
	}
}

func TestSubmitMembers_CreatesMembership(t *testing.T) {
	e, client, r, _ := newTestEngine(t)
	job := e.SubmitMembers(context.Background(), "sess-1", MembersPlan{
		Items: []MemberItem{{ResourceKind: ResourceProject, ResourceID: "7", UserID: "5", AccessLevel: domain.AccessLevelDeveloper}},
	}, client)
	final := waitTerminal(t, r, job.ID)
	if final.State != domain.JobSucceeded {
		t.Fatalf("expected succeeded, got %s (items=%+v)", final.State, final.Items.Items())
	}
}

func TestSubmitImport_CancelMidRunMarksRemainingCancelled(t *testing.T) {
	_, client, r, _ := newTestEngine(t)
	// A generous apiDelay widens the window between job submission and the
	// first per-item cancellation check, so the cancel requested immediately
	// after Submit is reliably observed before any item completes.
	e := New(r, 1, 100*time.Millisecond, 2, 0)
	plan := ImportPlan{
		Roots: []ImportNode{
			{Kind: NodeGroup, Name: "a", Path: "a"},
			{Kind: NodeGroup, Name: "b", Path: "b"},
		},
	}
	job := e.SubmitImport(context.Background(), "sess-1", plan, client)
	_ = r.RequestCancel(job.ID)
	final := waitTerminal(t, r, job.ID)
	if final.State != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
}

func TestSubmitDelete_CancelMidRunMarksRemainingCancelled(t *testing.T) {
	_, client, r, _ := newTestEngine(t)
	// A single worker plus a generous apiDelay widens the window between
	// submission and the first per-item cancellation check, so every item
	// past the one in flight is reliably still pending when cancel lands.
	e := New(r, 1, 100*time.Millisecond, 2, 0)
	plan := DeletePlan{
		Confirm: true,
		Refs: []DeleteRef{
			{ResourceKind: ResourceProject, ResourceRef: "demo/a", ID: "1"},
			{ResourceKind: ResourceProject, ResourceRef: "demo/b", ID: "2"},
			{ResourceKind: ResourceProject, ResourceRef: "demo/c", ID: "3"},
		},
	}
	job, err := e.SubmitDelete(context.Background(), "sess-1", plan, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = r.RequestCancel(job.ID)
	final := waitTerminal(t, r, job.ID)
	if final.State != domain.JobCancelled {
		t.Fatalf("expected cancelled, got %s", final.State)
	}
	items := final.Items.Items()
	if len(items) != len(plan.Refs) {
		t.Fatalf("expected every ref to appear exactly once in the result list, got %d items: %+v", len(items), items)
	}
	var sawCancelled bool
	for _, it := range items {
		if it.Action == domain.ItemCancelled {
			sawCancelled = true
		}
	}
	if !sawCancelled {
		t.Errorf("expected at least one item reported as cancelled, got %+v", items)
	}
}

