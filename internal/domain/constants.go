package domain

// GitLab access levels, used by Member and ProtectedBranch patches.
// https://docs.gitlab.com/ee/api/members.html#roles
const (
	AccessLevelNoAccess   = 0
	AccessLevelMinimal    = 5
	AccessLevelGuest      = 10
	AccessLevelReporter   = 20
	AccessLevelDeveloper  = 30
	AccessLevelMaintainer = 40
	AccessLevelOwner      = 50
)

// ScopeAll is the wildcard environment scope for a CI/CD variable.
const ScopeAll = "*"
