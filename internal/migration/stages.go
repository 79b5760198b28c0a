package migration

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
	"github.com/vilaca/gitlabfleet/internal/gitlabapi"
)

func looksLikeAuthFailure(stderr []byte) bool {
	lower := bytes.ToLower(stderr)
	return bytes.Contains(stderr, []byte("E170001")) ||
		bytes.Contains(lower, []byte("authorization failed")) ||
		bytes.Contains(lower, []byte("access forbidden"))
}

func firstLine(b []byte) string {
	if i := bytes.IndexByte(b, '\n'); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimSpace(b))
}

// runValidate checks the connection and, when the caller hasn't already
// pinned one, probes for a standard trunk/branches/tags layout.
func (w *Worker) runValidate(ctx context.Context, jobID string, mctx *domain.MigrationContext) error {
	w.log(jobID, mctx, "info", "validating svn connection for "+mctx.SVNURL)
	_, stderr, err := w.runner.Run(ctx, "", "svn", "info", mctx.SVNURL,
		"--username", mctx.Username, "--password", mctx.Password, "--non-interactive")
	if err != nil {
		if looksLikeAuthFailure(stderr) {
			return apperr.SvnAuthf("svn rejected credentials for %s", mctx.SVNURL)
		}
		return apperr.SvnUnavailablef("svn info failed for %s: %s", mctx.SVNURL, firstLine(stderr))
	}

	if mctx.Layout.Trunk != "" || mctx.Layout.Standard {
		return nil
	}
	if _, _, err := w.runner.Run(ctx, "", "svn", "ls", mctx.SVNURL+"/trunk",
		"--username", mctx.Username, "--password", mctx.Password, "--non-interactive"); err != nil {
		return apperr.SvnLayoutf("could not find a standard trunk/branches/tags layout under %s", mctx.SVNURL)
	}
	mctx.Layout = domain.Layout{Standard: true, Trunk: "trunk", Branches: "branches", Tags: "tags"}
	return nil
}

type svnLog struct {
	Entries []struct {
		Author string `xml:"author"`
	} `xml:"logentry"`
}

func parseSvnLogAuthors(data []byte) ([]string, error) {
	var lg svnLog
	if err := xml.Unmarshal(data, &lg); err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var users []string
	for _, e := range lg.Entries {
		if e.Author == "" || seen[e.Author] {
			continue
		}
		seen[e.Author] = true
		users = append(users, e.Author)
	}
	return users, nil
}

// runExtractAuthors lists distinct SVN committers and, if any lack a
// mapping in mctx.Authors, publishes a needs-authors event and pauses the
// job rather than failing it.
func (w *Worker) runExtractAuthors(ctx context.Context, jobID string, mctx *domain.MigrationContext) (paused bool, err error) {
	w.log(jobID, mctx, "info", "extracting svn committer usernames")
	stdout, _, runErr := w.runner.Run(ctx, "", "svn", "log", "--xml", mctx.SVNURL,
		"--username", mctx.Username, "--password", mctx.Password, "--non-interactive")
	if runErr != nil {
		return false, apperr.SvnUnavailablef("svn log failed for %s", mctx.SVNURL)
	}
	users, parseErr := parseSvnLogAuthors(stdout)
	if parseErr != nil {
		return false, apperr.Internalf("parse svn log xml: %v", parseErr)
	}
	missing := mctx.NeedsAuthors(users)
	if len(missing) == 0 {
		return false, nil
	}
	w.log(jobID, mctx, "info", fmt.Sprintf("%d committer(s) need an author mapping", len(missing)))
	w.registry.NeedsAuthors(jobID, missing)
	if err := w.registry.Pause(jobID); err != nil {
		return false, err
	}
	return true, nil
}

// runProvisionTarget creates the GitLab project. On a 409 during a resume,
// the existing project is reused; on a fresh attempt, a conflict is fatal.
func (w *Worker) runProvisionTarget(ctx context.Context, jobID string, mctx *domain.MigrationContext, client *gitlabapi.Client, resume bool) error {
	w.log(jobID, mctx, "info", "provisioning gitlab target project "+mctx.ProjectPath)
	p, err := client.CreateProject(ctx, domain.Project{
		Name:          mctx.ProjectName,
		Path:          mctx.ProjectPath,
		NamespaceID:   mctx.TargetNamespaceID,
		Visibility:    "private",
		DefaultBranch: mctx.Layout.Trunk,
	})
	if err == nil {
		mctx.TargetProjectID = p.ID
		return nil
	}
	if apperr.Is(err, apperr.KindConflict) {
		if resume {
			w.log(jobID, mctx, "info", "target project already exists, reusing it for resume")
			if existing, found, ferr := client.FindProjectByFullPath(ctx, mctx.ProjectPath); ferr == nil && found {
				mctx.TargetProjectID = existing.ID
			}
			return nil
		}
		return apperr.ConflictErrf("project %s already exists and this is not a resume", mctx.ProjectPath)
	}
	return err
}

var gitSvnRevisionLine = regexp.MustCompile(`\br(\d+)\b`)

// parseGitSvnProgress scans git-svn's streamed output for the highest
// revision number mentioned, used as a coarse progress signal.
func parseGitSvnProgress(stdout []byte) int {
	matches := gitSvnRevisionLine.FindAllSubmatch(stdout, -1)
	max := 0
	for _, m := range matches {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > max {
			max = n
		}
	}
	return max
}

// runClone clones fresh history on a first attempt or fetches the delta on
// a resume, recording the revision reached for a later ResumeAnchor.
func (w *Worker) runClone(ctx context.Context, jobID string, mctx *domain.MigrationContext, resume bool) error {
	var stdout []byte
	var runErr error
	if resume {
		w.log(jobID, mctx, "info", "fetching svn history since r"+strconv.Itoa(mctx.ResumeAnchor))
		stdout, _, runErr = w.runner.Run(ctx, mctx.WorkspaceDir, "git", "svn", "fetch")
	} else {
		w.log(jobID, mctx, "info", "cloning svn history via git-svn")
		args := []string{"svn", "clone"}
		if mctx.Layout.Standard {
			args = append(args, "--stdlayout")
		} else if mctx.Layout.Trunk != "" {
			args = append(args, "--trunk="+mctx.Layout.Trunk, "--branches="+mctx.Layout.Branches, "--tags="+mctx.Layout.Tags)
		}
		args = append(args, mctx.SVNURL, mctx.WorkspaceDir)
		stdout, _, runErr = w.runner.Run(ctx, "", "git", args...)
	}
	if runErr != nil {
		return apperr.SvnUnavailablef("git svn clone/fetch failed: %v", runErr)
	}

	if rev := parseGitSvnProgress(stdout); rev > 0 {
		mctx.CurrentRevision = rev
		mctx.ResumeAnchor = rev
		if mctx.TotalRevisions < rev {
			_ = w.registry.SetTotal(jobID, rev)
			mctx.TotalRevisions = rev
		}
		_ = w.registry.Advance(jobID, domain.JobItem{SourceRef: "r" + strconv.Itoa(rev), Action: domain.ItemUpdated})
	}
	return nil
}

// runRewriteAndPush adds (or updates) the GitLab remote and mirror-pushes
// the rewritten history to it.
func (w *Worker) runRewriteAndPush(ctx context.Context, jobID string, mctx *domain.MigrationContext, targetURL string) error {
	w.log(jobID, mctx, "info", "rewriting refs and pushing to target")
	if _, _, err := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "remote", "add", "target", targetURL); err != nil {
		if _, _, err2 := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "remote", "set-url", "target", targetURL); err2 != nil {
			return apperr.Internalf("set git remote: %v", err)
		}
	}
	if _, _, err := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "push", "--mirror", "target"); err != nil {
		return apperr.UpstreamUnavailablef("git push --mirror failed: %v", err)
	}
	return nil
}

func countRefs(b []byte) int {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return 0
	}
	return bytes.Count(b, []byte("\n")) + 1
}

// runVerify compares local and pushed ref counts, then confirms the pushed
// default branch actually landed on the HEAD commit this workspace produced
// rather than just matching by count; a mismatch on either check fails the
// job with KindMigrationMismatch rather than silently calling it a success.
func (w *Worker) runVerify(ctx context.Context, jobID string, mctx *domain.MigrationContext, client *gitlabapi.Client) error {
	w.log(jobID, mctx, "info", "verifying pushed refs")
	localOut, _, err := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "show-ref")
	if err != nil {
		return apperr.MigrationMismatchf("could not read local refs: %v", err)
	}
	remoteOut, _, err := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "ls-remote", "target")
	if err != nil {
		return apperr.MigrationMismatchf("could not read remote refs: %v", err)
	}
	localCount, remoteCount := countRefs(localOut), countRefs(remoteOut)
	if localCount != remoteCount {
		return apperr.MigrationMismatchf("ref count mismatch after push: local=%d remote=%d", localCount, remoteCount)
	}

	if mctx.TargetProjectID == "" {
		w.log(jobID, mctx, "warn", "no target project id recorded, skipping HEAD commit verification")
		return nil
	}
	headOut, _, err := w.runner.Run(ctx, mctx.WorkspaceDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return apperr.MigrationMismatchf("could not read local HEAD: %v", err)
	}
	localHead := firstLine(headOut)

	branches, err := client.Branches(ctx, mctx.TargetProjectID)
	if err != nil {
		return apperr.MigrationMismatchf("could not read pushed branches: %v", err)
	}
	defaultBranch := mctx.Layout.Trunk
	var remoteHead string
	for _, b := range branches {
		if b.IsDefault || b.Name == defaultBranch {
			remoteHead = b.LastCommitSHA
			break
		}
	}
	if remoteHead == "" {
		return apperr.MigrationMismatchf("pushed default branch %q not found among remote branches", defaultBranch)
	}
	if remoteHead != localHead {
		return apperr.MigrationMismatchf("HEAD mismatch after push: local=%s remote=%s", localHead, remoteHead)
	}

	if pipe, perr := client.LatestPipeline(ctx, mctx.TargetProjectID); perr == nil {
		w.log(jobID, mctx, "info", fmt.Sprintf("target project's latest pipeline %s is %s", pipe.ID, pipe.Status))
	}
	return nil
}

// runCleanup removes the workspace on success unless the caller asked to
// keep it; a failed job never reaches this stage, so the workspace is
// always preserved for resume.
func (w *Worker) runCleanup(jobID string, mctx *domain.MigrationContext) error {
	if mctx.Options.KeepTemp {
		w.log(jobID, mctx, "info", "keeping workspace per keep-temp option")
		return nil
	}
	w.log(jobID, mctx, "info", "removing workspace")
	if err := os.RemoveAll(mctx.WorkspaceDir); err != nil {
		return apperr.Internalf("remove workspace: %v", err)
	}
	return nil
}
