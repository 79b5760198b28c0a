package gitlabapi

import (
	"fmt"

	"github.com/vilaca/gitlabfleet/internal/domain"
)

func toDomainGroup(wg wireGroup) domain.Group {
	g := domain.Group{
		ID:          fmt.Sprintf("%d", wg.ID),
		Name:        wg.Name,
		Path:        wg.Path,
		FullPath:    wg.FullPath,
		Visibility:  wg.Visibility,
		Description: wg.Description,
		WebURL:      wg.WebURL,
	}
	if wg.ParentID != nil {
		g.ParentID = fmt.Sprintf("%d", *wg.ParentID)
	}
	return g
}

func toDomainProject(wp wireProject) domain.Project {
	p := domain.Project{
		ID:            fmt.Sprintf("%d", wp.ID),
		Name:          wp.Name,
		Path:          wp.Path,
		FullPath:      wp.PathWithNS,
		Visibility:    wp.Visibility,
		Description:   wp.Description,
		DefaultBranch: wp.DefaultBranch,
		Topics:        wp.Topics,
		WebURL:        wp.WebURL,
		LastActivity:  wp.LastActivity,
	}
	if wp.Namespace != nil {
		p.NamespaceID = fmt.Sprintf("%d", wp.Namespace.ID)
	}
	return p
}

func toDomainBranch(projectID string, wb wireBranch) domain.Branch {
	return domain.Branch{
		Name:           wb.Name,
		ProjectID:      projectID,
		LastCommitSHA:  wb.Commit.ID,
		LastCommitMsg:  wb.Commit.Message,
		LastCommitDate: wb.Commit.CommittedDate,
		CommitAuthor:   wb.Commit.AuthorName,
		IsDefault:      wb.Default,
		IsProtected:    wb.Protected,
		WebURL:         wb.WebURL,
	}
}

func toDomainProtectedBranch(wpb wireProtectedBranch) domain.ProtectedBranch {
	pb := domain.ProtectedBranch{Name: wpb.Name, AllowForcePush: wpb.AllowForcePush}
	if len(wpb.PushAccessLevels) > 0 {
		pb.PushAccessLevel = wpb.PushAccessLevels[0].AccessLevel
	}
	if len(wpb.MergeAccessLevels) > 0 {
		pb.MergeAccessLevel = wpb.MergeAccessLevels[0].AccessLevel
	}
	return pb
}

func toDomainVariable(wv wireVariable) domain.Variable {
	return domain.Variable{
		Key:       wv.Key,
		Value:     wv.Value,
		Protected: wv.Protected,
		Masked:    wv.Masked,
		Scope:     wv.EnvironmentScope,
	}
}

func toDomainMember(wm wireMember) domain.Member {
	return domain.Member{
		UserID:      fmt.Sprintf("%d", wm.ID),
		Email:       wm.Email,
		AccessLevel: wm.AccessLevel,
		ExpiresAt:   wm.ExpiresAt,
	}
}

func toDomainPipeline(projectID string, wp wirePipeline) domain.Pipeline {
	return domain.Pipeline{
		ID:        fmt.Sprintf("%d", wp.ID),
		ProjectID: projectID,
		Branch:    wp.Ref,
		Status:    domain.Status(wp.Status),
		CreatedAt: wp.CreatedAt,
		UpdatedAt: wp.UpdatedAt,
		WebURL:    wp.WebURL,
	}
}
