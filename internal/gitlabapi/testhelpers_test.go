package gitlabapi

import (
	"context"

	"github.com/vilaca/gitlabfleet/internal/domain"
)

func contextBg() context.Context { return context.Background() }

func domainGroup(name, path, parentID string) domain.Group {
	return domain.Group{Name: name, Path: path, ParentID: parentID, Visibility: "private"}
}

func domainVariable(key, value string) domain.Variable {
	return domain.Variable{Key: key, Value: value, Scope: domain.ScopeAll}
}
