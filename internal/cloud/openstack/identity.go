package openstack

import (
	"context"
	"errors"
	"fmt"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/projects"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/roles"
	"github.com/gophercloud/gophercloud/v2/openstack/identity/v3/users"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

type identityClient struct {
	sc       *gophercloud.ServiceClient
	call     *caller
	domainID string
}

func toProject(p projects.Project) cloud.Project {
	return cloud.Project{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		DomainID:    p.DomainID,
		Enabled:     p.Enabled,
	}
}

func toUser(u users.User) cloud.User {
	email, _ := u.Extra["email"].(string)
	return cloud.User{
		ID:               u.ID,
		Name:             u.Name,
		Email:            email,
		DomainID:         u.DomainID,
		DefaultProjectID: u.DefaultProjectID,
		Enabled:          u.Enabled,
	}
}

func (c *identityClient) GetProject(ctx context.Context, idOrName string) (*cloud.Project, error) {
	p, err := fetch(ctx, c.call, svcIdentity, "getProject", "project", idOrName, func(ctx context.Context) (*projects.Project, error) {
		return projects.Get(ctx, c.sc, idOrName).Extract()
	})
	if err == nil {
		out := toProject(*p)
		return &out, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, err
	}

	list, err := fetch(ctx, c.call, svcIdentity, "listProjects", "project", idOrName, func(ctx context.Context) ([]projects.Project, error) {
		pages, err := projects.List(c.sc, projects.ListOpts{Name: idOrName}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return projects.ExtractProjects(pages)
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NotFound("project", idOrName)
	}
	out := toProject(list[0])
	return &out, nil
}

func (c *identityClient) ListProjects(ctx context.Context) ([]cloud.Project, error) {
	list, err := fetch(ctx, c.call, svcIdentity, "listProjects", "project", "", func(ctx context.Context) ([]projects.Project, error) {
		pages, err := projects.List(c.sc, projects.ListOpts{}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return projects.ExtractProjects(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Project, 0, len(list))
	for _, p := range list {
		out = append(out, toProject(p))
	}
	return out, nil
}

func (c *identityClient) CreateProject(ctx context.Context, spec cloud.ProjectSpec) (*cloud.Project, error) {
	domain := spec.DomainID
	if domain == "" {
		domain = c.domainID
	}
	enabled := spec.Enabled
	p, err := fetch(ctx, c.call, svcIdentity, "createProject", "project", spec.Name, func(ctx context.Context) (*projects.Project, error) {
		return projects.Create(ctx, c.sc, projects.CreateOpts{
			Name:        spec.Name,
			Description: spec.Description,
			DomainID:    domain,
			Enabled:     &enabled,
		}).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toProject(*p)
	return &out, nil
}

func (c *identityClient) DeleteProject(ctx context.Context, id string) error {
	return c.call.do(ctx, svcIdentity, "deleteProject", "project", id, func(ctx context.Context) error {
		return projects.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *identityClient) FindUser(ctx context.Context, name string) (*cloud.User, error) {
	list, err := fetch(ctx, c.call, svcIdentity, "listUsers", "user", name, func(ctx context.Context) ([]users.User, error) {
		pages, err := users.List(c.sc, users.ListOpts{Name: name}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return users.ExtractUsers(pages)
	})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, apperrors.NotFound("user", name)
	}
	out := toUser(list[0])
	return &out, nil
}

func (c *identityClient) GetUser(ctx context.Context, id string) (*cloud.User, error) {
	u, err := fetch(ctx, c.call, svcIdentity, "getUser", "user", id, func(ctx context.Context) (*users.User, error) {
		return users.Get(ctx, c.sc, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toUser(*u)
	return &out, nil
}

func (c *identityClient) CreateUser(ctx context.Context, spec cloud.UserSpec) (*cloud.User, error) {
	domain := spec.DomainID
	if domain == "" {
		domain = c.domainID
	}
	enabled := spec.Enabled
	opts := users.CreateOpts{
		Name:             spec.Name,
		Password:         spec.Password,
		DomainID:         domain,
		DefaultProjectID: spec.DefaultProjectID,
		Enabled:          &enabled,
	}
	if spec.Email != "" {
		opts.Extra = map[string]any{"email": spec.Email}
	}
	u, err := fetch(ctx, c.call, svcIdentity, "createUser", "user", spec.Name, func(ctx context.Context) (*users.User, error) {
		return users.Create(ctx, c.sc, opts).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toUser(*u)
	return &out, nil
}

func (c *identityClient) DeleteUser(ctx context.Context, id string) error {
	return c.call.do(ctx, svcIdentity, "deleteUser", "user", id, func(ctx context.Context) error {
		return users.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *identityClient) ListRoles(ctx context.Context) ([]cloud.Role, error) {
	list, err := fetch(ctx, c.call, svcIdentity, "listRoles", "role", "", func(ctx context.Context) ([]roles.Role, error) {
		pages, err := roles.List(c.sc, roles.ListOpts{}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return roles.ExtractRoles(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Role, 0, len(list))
	for _, r := range list {
		out = append(out, cloud.Role{ID: r.ID, Name: r.Name})
	}
	return out, nil
}

func (c *identityClient) ListRoleAssignments(ctx context.Context, projectID string) ([]cloud.RoleAssignment, error) {
	list, err := fetch(ctx, c.call, svcIdentity, "listRoleAssignments", "project", projectID, func(ctx context.Context) ([]roles.RoleAssignment, error) {
		pages, err := roles.ListAssignments(c.sc, roles.ListAssignmentsOpts{ScopeProjectID: projectID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return roles.ExtractRoleAssignments(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.RoleAssignment, 0, len(list))
	for _, ra := range list {
		// Group assignments carry no user and are not part of a tenant's members.
		if ra.User.ID == "" {
			continue
		}
		out = append(out, cloud.RoleAssignment{
			UserID:    ra.User.ID,
			ProjectID: ra.Scope.Project.ID,
			RoleID:    ra.Role.ID,
		})
	}
	return out, nil
}

func (c *identityClient) AssignRole(ctx context.Context, projectID, userID, roleID string) error {
	id := fmt.Sprintf("%s/%s/%s", projectID, userID, roleID)
	return c.call.do(ctx, svcIdentity, "assignRole", "role_assignment", id, func(ctx context.Context) error {
		return roles.Assign(ctx, c.sc, roleID, roles.AssignOpts{
			UserID:    userID,
			ProjectID: projectID,
		}).ExtractErr()
	})
}

var _ cloud.Identity = (*identityClient)(nil)
