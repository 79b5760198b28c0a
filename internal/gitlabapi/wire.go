package gitlabapi

import "time"

// Wire types mirror GitLab's own project/branch/user JSON shapes, extended
// with the write-side fields (full_path, visibility, parent_id, ...) the
// bulk engine needs.

type wireGroup struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	FullPath    string `json:"full_path"`
	ParentID    *int   `json:"parent_id"`
	Visibility  string `json:"visibility"`
	Description string `json:"description"`
	WebURL      string `json:"web_url"`
}

type wireProject struct {
	ID            int       `json:"id"`
	Name          string    `json:"name"`
	Path          string    `json:"path"`
	PathWithNS    string    `json:"path_with_namespace"`
	NamespaceID   int       `json:"namespace_id,omitempty"`
	Visibility    string    `json:"visibility"`
	Description   string    `json:"description"`
	DefaultBranch string    `json:"default_branch"`
	TagList       []string  `json:"tag_list"`
	Topics        []string  `json:"topics"`
	WebURL        string    `json:"web_url"`
	LastActivity  time.Time `json:"last_activity_at"`
	Namespace     *struct {
		ID int `json:"id"`
	} `json:"namespace,omitempty"`
}

type wireBranch struct {
	Name      string `json:"name"`
	Default   bool   `json:"default"`
	Protected bool   `json:"protected"`
	WebURL    string `json:"web_url"`
	Commit    struct {
		ID            string    `json:"id"`
		Message       string    `json:"message"`
		CommittedDate time.Time `json:"committed_date"`
		AuthorName    string    `json:"author_name"`
	} `json:"commit"`
}

type wireProtectedBranch struct {
	Name             string `json:"name"`
	PushAccessLevels []struct {
		AccessLevel int `json:"access_level"`
	} `json:"push_access_levels"`
	MergeAccessLevels []struct {
		AccessLevel int `json:"access_level"`
	} `json:"merge_access_levels"`
	AllowForcePush bool `json:"allow_force_push"`
}

type wireVariable struct {
	Key              string `json:"key"`
	Value            string `json:"value"`
	Protected        bool   `json:"protected"`
	Masked           bool   `json:"masked"`
	EnvironmentScope string `json:"environment_scope"`
}

type wireMember struct {
	ID          int        `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email,omitempty"`
	AccessLevel int        `json:"access_level"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

type wirePipeline struct {
	ID        int       `json:"id"`
	Status    string    `json:"status"`
	Ref       string    `json:"ref"`
	WebURL    string    `json:"web_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type wireUser struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	WebURL    string `json:"web_url"`
}
