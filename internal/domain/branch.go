package domain

import "time"

// Branch represents a Git branch in a GitLab project.
type Branch struct {
	Name           string
	ProjectID      string
	LastCommitSHA  string
	LastCommitMsg  string
	LastCommitDate time.Time
	CommitAuthor   string
	IsDefault      bool
	IsProtected    bool
	WebURL         string
}

// ProtectedBranch describes push/merge access rules for a protected branch pattern.
// Natural key is Name (the pattern), per the upsert rules in the bulk engine.
type ProtectedBranch struct {
	Name             string
	PushAccessLevel  int
	MergeAccessLevel int
	AllowForcePush   bool
}
