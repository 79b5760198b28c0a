package bulk

import "time"

// ErrorPolicy governs whether a job keeps going after an item fails.
type ErrorPolicy string

const (
	ErrorPolicyContinue       ErrorPolicy = "continue"
	ErrorPolicyStopOnFirstErr ErrorPolicy = "stop-on-first-error"
)

func (p ErrorPolicy) orDefault() ErrorPolicy {
	if p == "" {
		return ErrorPolicyContinue
	}
	return p
}

// NodeKind discriminates a bulk-import tree node.
type NodeKind string

const (
	NodeGroup   NodeKind = "group"
	NodeProject NodeKind = "project"
)

// ImportNode is one node of a bulk-import tree: a group with subgroups and
// projects, or a leaf project.
type ImportNode struct {
	Kind          NodeKind
	Name          string
	Path          string
	Visibility    string
	Description   string
	DefaultBranch string
	Topics        []string
	Subgroups     []ImportNode
	Projects      []ImportNode
}

// ImportPlan is the bulk-import plan shape: a forest of trees rooted under
// an optional parent group id.
type ImportPlan struct {
	ParentGroupID  string // existing group the roots nest under, empty for top-level
	ParentFullPath string // full_path of ParentGroupID, needed to compute natural keys
	Roots          []ImportNode
	ErrorPolicy    ErrorPolicy
}

// CountNodes returns the number of group/project nodes the plan will produce
// items for, used as the job's Total.
func (p ImportPlan) CountNodes() int {
	return countImportNodes(p.Roots)
}

func countImportNodes(nodes []ImportNode) int {
	n := 0
	for _, node := range nodes {
		n++
		n += countImportNodes(node.Subgroups)
		n += countImportNodes(node.Projects)
	}
	return n
}

// PatchKind discriminates a bulk-settings patch.
type PatchKind string

const (
	PatchVisibility             PatchKind = "visibility"
	PatchProtectedBranch        PatchKind = "protected-branch"
	PatchPushRules              PatchKind = "push-rules"
	PatchAccessLevel            PatchKind = "access-level"
	PatchTopics                 PatchKind = "topics"
	PatchGenericProjectSettings PatchKind = "generic-project-settings"
)

// ResourceKind discriminates whether a resource-ref names a group or a project.
type ResourceKind string

const (
	ResourceGroup   ResourceKind = "group"
	ResourceProject ResourceKind = "project"
)

// SettingsItem is one (resource-ref, patch) pair of a bulk-settings plan.
type SettingsItem struct {
	ResourceKind    ResourceKind
	ResourceRef     string // full path, the natural key
	Patch           PatchKind
	Fields          map[string]any // raw payload for PUT-style patches
	ProtectedBranch ProtectedBranchPatch
	MemberAccess    MemberAccessPatch
}

// ProtectedBranchPatch carries the fields of a PatchProtectedBranch item.
type ProtectedBranchPatch struct {
	Name             string
	PushAccessLevel  int
	MergeAccessLevel int
	AllowForcePush   bool
}

// MemberAccessPatch carries the fields of a PatchAccessLevel item.
type MemberAccessPatch struct {
	UserID      string
	AccessLevel int
}

// SettingsPlan is the bulk-settings plan shape.
type SettingsPlan struct {
	Items       []SettingsItem
	ErrorPolicy ErrorPolicy
}

// DeleteRef is one resource targeted by a bulk-delete plan.
type DeleteRef struct {
	ResourceKind ResourceKind
	ResourceRef  string
	ID           string
}

// DeletePlan is the bulk-delete plan shape; refuses to run without Confirm.
type DeletePlan struct {
	Refs        []DeleteRef
	Confirm     bool
	ErrorPolicy ErrorPolicy
}

// MemberItem is one (group-or-project, user-or-email, access-level) entry
// of a bulk-members plan.
type MemberItem struct {
	ResourceKind ResourceKind
	ResourceRef  string
	ResourceID   string
	UserID       string
	Email        string
	AccessLevel  int
	ExpiresAt    *time.Time
}

// MembersPlan is the bulk-members plan shape.
type MembersPlan struct {
	Items       []MemberItem
	ErrorPolicy ErrorPolicy
}
