package backup

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
)

// Identity writes the project, its members, and their roles.
func (p *Pipeline) Identity(ctx context.Context, project cloud.Project) (*pipeline.Report, error) {
	env := p.env
	identity := env.Admin.Identity
	r := pipeline.NewReport("identity_backup", project.ID)

	if _, err := env.Store.Write(project.ID, manifest.FromProject(project)); err != nil {
		return r, fmt.Errorf("write project manifest: %w", err)
	}
	env.Item(ctx, r, project.ID, project.Name, pipeline.ItemSucceeded, nil)

	assignments, err := identity.ListRoleAssignments(ctx, project.ID)
	if err != nil {
		return r, fmt.Errorf("list role assignments: %w", err)
	}
	roles, err := identity.ListRoles(ctx)
	if err != nil {
		return r, fmt.Errorf("list roles: %w", err)
	}
	roleNames := make(map[string]string, len(roles))
	for _, role := range roles {
		roleNames[role.ID] = role.Name
	}

	byUser := map[string][]string{}
	for _, a := range assignments {
		byUser[a.UserID] = append(byUser[a.UserID], a.RoleID)
	}

	for _, userID := range slices.Sorted(maps.Keys(byUser)) {
		user, err := identity.GetUser(ctx, userID)
		if err != nil {
			env.Item(ctx, r, userID, userID, pipeline.ItemFailed, err)
			continue
		}
		if _, err := env.Store.Write(project.ID, manifest.FromUser(*user)); err != nil {
			env.Item(ctx, r, user.ID, user.Name, pipeline.ItemFailed, err)
			continue
		}
		var roleErr error
		for _, roleID := range byUser[userID] {
			name, ok := roleNames[roleID]
			if !ok {
				env.Log().Warn("Skipping unknown role", "user", user.Name, "roleId", roleID)
				continue
			}
			entry := &manifest.RoleAssignment{UserName: user.Name, RoleName: name}
			if _, err := env.Store.Write(project.ID, entry); err != nil {
				roleErr = err
			}
		}
		if roleErr != nil {
			env.Item(ctx, r, user.ID, user.Name, pipeline.ItemFailed, roleErr)
			continue
		}
		env.Item(ctx, r, user.ID, user.Name, pipeline.ItemSucceeded, nil)
	}
	return r, nil
}
