package migration

import (
	"context"

	"github.com/vilaca/gitlabfleet/internal/apperr"
	"github.com/vilaca/gitlabfleet/internal/domain"
)

// TestConnection runs the same svn info probe as the validate stage, standalone
// so the gateway can offer a connection-test endpoint before any job exists.
func (w *Worker) TestConnection(ctx context.Context, svnURL, username, password string) (domain.Layout, error) {
	if err := CheckTools(w.lookPath); err != nil {
		return domain.Layout{}, err
	}
	_, stderr, err := w.runner.Run(ctx, "", "svn", "info", svnURL,
		"--username", username, "--password", password, "--non-interactive")
	if err != nil {
		if looksLikeAuthFailure(stderr) {
			return domain.Layout{}, apperr.SvnAuthf("svn rejected credentials for %s", svnURL)
		}
		return domain.Layout{}, apperr.SvnUnavailablef("svn info failed for %s: %s", svnURL, firstLine(stderr))
	}

	if _, _, err := w.runner.Run(ctx, "", "svn", "ls", svnURL+"/trunk",
		"--username", username, "--password", password, "--non-interactive"); err != nil {
		return domain.Layout{Standard: false}, nil
	}
	return domain.Layout{Standard: true, Trunk: "trunk", Branches: "branches", Tags: "tags"}, nil
}

// ExtractUsers lists distinct SVN committer usernames for svnURL, the
// standalone form of the extract-authors stage used before a migration job
// has been submitted.
func (w *Worker) ExtractUsers(ctx context.Context, svnURL, username, password string) ([]string, error) {
	if err := CheckTools(w.lookPath); err != nil {
		return nil, err
	}
	stdout, _, err := w.runner.Run(ctx, "", "svn", "log", "--xml", svnURL,
		"--username", username, "--password", password, "--non-interactive")
	if err != nil {
		return nil, apperr.SvnUnavailablef("svn log failed for %s", svnURL)
	}
	users, err := parseSvnLogAuthors(stdout)
	if err != nil {
		return nil, apperr.Internalf("parse svn log xml: %v", err)
	}
	return users, nil
}
