package restore

import (
	"context"
	"errors"
	"fmt"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
)

// Identity recreates the project, its users, and their roles. A non-nil
// target replaces the recorded project. Existing projects and users with
// the same name are reused. Roles that no longer exist are logged and
// skipped.
func (p *Pipeline) Identity(ctx context.Context, sourceID string, target *cloud.Project) (*cloud.Project, *pipeline.Report, error) {
	env := p.env
	identity := env.Admin.Identity
	r := pipeline.NewReport("identity_restore", sourceID)

	if target == nil {
		projects, err := manifest.Load[*manifest.Project](env.Store, sourceID, manifest.KindProject)
		if err != nil {
			return nil, r, apperrors.Setup("load project manifest", err)
		}
		if len(projects) == 0 {
			return nil, r, apperrors.Setup("load project manifest", apperrors.NotFound("project manifest", sourceID))
		}
		target, err = p.ensureProject(ctx, identity, projects[0])
		if err != nil {
			return nil, r, apperrors.Setup("restore project", err)
		}
		env.Item(ctx, r, target.ID, target.Name, pipeline.ItemSucceeded, nil)
	}

	users, err := manifest.Load[*manifest.User](env.Store, sourceID, manifest.KindUser)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return target, r, err
	}
	assignments, err := manifest.Load[*manifest.RoleAssignment](env.Store, sourceID, manifest.KindRoleAssignment)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return target, r, err
	}
	roles := make(map[string][]string)
	for _, a := range assignments {
		roles[a.UserName] = append(roles[a.UserName], a.RoleName)
	}

	for _, u := range users {
		if ctx.Err() != nil {
			env.Item(ctx, r, u.ID, u.Name, pipeline.ItemAbandoned, nil)
			continue
		}
		user, err := p.ensureUser(ctx, identity, u, target.ID)
		if err != nil {
			env.Item(ctx, r, u.ID, u.Name, pipeline.ItemFailed, err)
			continue
		}
		if err := p.assignRoles(ctx, identity, target.ID, user, roles[u.Name]); err != nil {
			env.Item(ctx, r, user.ID, user.Name, pipeline.ItemFailed, err)
			continue
		}
		env.Item(ctx, r, user.ID, user.Name, pipeline.ItemSucceeded, nil)
	}
	return target, r, nil
}

func (p *Pipeline) ensureProject(ctx context.Context, identity cloud.Identity, m *manifest.Project) (*cloud.Project, error) {
	project, err := identity.CreateProject(ctx, cloud.ProjectSpec{
		Name:        m.Name,
		Description: m.Description,
		DomainID:    m.DomainID,
		Enabled:     m.Enabled,
	})
	if errors.Is(err, apperrors.ErrConflict) {
		p.env.Log().Info("Project already exists", "tenant", m.Name)
		return identity.GetProject(ctx, m.Name)
	}
	return project, err
}

func (p *Pipeline) ensureUser(ctx context.Context, identity cloud.Identity, m *manifest.User, projectID string) (*cloud.User, error) {
	user, err := identity.CreateUser(ctx, cloud.UserSpec{
		Name:             m.Name,
		Email:            m.Email,
		Password:         p.env.Cfg.InitialPassword,
		DomainID:         m.DomainID,
		DefaultProjectID: projectID,
		Enabled:          m.Enabled,
	})
	if errors.Is(err, apperrors.ErrConflict) {
		p.env.Log().Info("User already exists", "user", m.Name)
		return identity.FindUser(ctx, m.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("create user %s: %w", m.Name, err)
	}
	return user, nil
}

func (p *Pipeline) assignRoles(ctx context.Context, identity cloud.Identity, projectID string, user *cloud.User, names []string) error {
	var errs []error
	for _, name := range names {
		role, err := pipeline.FindRole(ctx, identity, name)
		if errors.Is(err, apperrors.ErrNotFound) {
			p.env.Log().Warn("Role cannot be found", "role", name, "user", user.Name)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		err = identity.AssignRole(ctx, projectID, user.ID, role.ID)
		if err != nil && !errors.Is(err, apperrors.ErrConflict) {
			errs = append(errs, fmt.Errorf("assign role %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
