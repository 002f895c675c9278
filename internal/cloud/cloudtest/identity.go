package cloudtest

import (
	"context"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

func (f *Fake) GetProject(_ context.Context, idOrName string) (*cloud.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetProject", idOrName); err != nil {
		return nil, err
	}
	if p, ok := f.projects[idOrName]; ok {
		out := *p
		return &out, nil
	}
	for _, p := range sortedValues(f.projects, nil) {
		if p.Name == idOrName {
			return &p, nil
		}
	}
	return nil, apperrors.NotFound("project", idOrName)
}

func (f *Fake) ListProjects(_ context.Context) ([]cloud.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListProjects"); err != nil {
		return nil, err
	}
	return sortedValues(f.projects, nil), nil
}

func (f *Fake) CreateProject(_ context.Context, spec cloud.ProjectSpec) (*cloud.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateProject", spec.Name); err != nil {
		return nil, err
	}
	for _, p := range f.projects {
		if p.Name == spec.Name {
			return nil, apperrors.Conflict("project", p.ID, "project name already in use")
		}
	}
	p := &cloud.Project{
		ID:          f.nextID("project"),
		Name:        spec.Name,
		Description: spec.Description,
		DomainID:    spec.DomainID,
		Enabled:     spec.Enabled,
	}
	f.projects[p.ID] = p
	out := *p
	return &out, nil
}

func (f *Fake) DeleteProject(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteProject", id); err != nil {
		return err
	}
	if _, ok := f.projects[id]; !ok {
		return apperrors.NotFound("project", id)
	}
	delete(f.projects, id)
	return nil
}

func (f *Fake) FindUser(_ context.Context, name string) (*cloud.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("FindUser", name); err != nil {
		return nil, err
	}
	for _, u := range sortedValues(f.users, nil) {
		if u.Name == name {
			return &u, nil
		}
	}
	return nil, apperrors.NotFound("user", name)
}

func (f *Fake) GetUser(_ context.Context, id string) (*cloud.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetUser", id); err != nil {
		return nil, err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperrors.NotFound("user", id)
	}
	out := *u
	return &out, nil
}

func (f *Fake) CreateUser(_ context.Context, spec cloud.UserSpec) (*cloud.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateUser", spec.Name); err != nil {
		return nil, err
	}
	for _, u := range f.users {
		if u.Name == spec.Name {
			return nil, apperrors.Conflict("user", u.ID, "user name already in use")
		}
	}
	u := &cloud.User{
		ID:               f.nextID("user"),
		Name:             spec.Name,
		Email:            spec.Email,
		DomainID:         spec.DomainID,
		DefaultProjectID: spec.DefaultProjectID,
		Enabled:          spec.Enabled,
	}
	f.users[u.ID] = u
	out := *u
	return &out, nil
}

func (f *Fake) DeleteUser(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteUser", id); err != nil {
		return err
	}
	if _, ok := f.users[id]; !ok {
		return apperrors.NotFound("user", id)
	}
	delete(f.users, id)
	return nil
}

func (f *Fake) ListRoles(_ context.Context) ([]cloud.Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListRoles"); err != nil {
		return nil, err
	}
	return sortedValues(f.roles, nil), nil
}

func (f *Fake) ListRoleAssignments(_ context.Context, projectID string) ([]cloud.RoleAssignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListRoleAssignments", projectID); err != nil {
		return nil, err
	}
	var out []cloud.RoleAssignment
	for _, a := range f.assignments {
		if a.ProjectID == projectID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *Fake) AssignRole(_ context.Context, projectID, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("AssignRole", projectID, userID, roleID); err != nil {
		return err
	}
	if _, ok := f.projects[projectID]; !ok {
		return apperrors.NotFound("project", projectID)
	}
	if _, ok := f.users[userID]; !ok {
		return apperrors.NotFound("user", userID)
	}
	if _, ok := f.roles[roleID]; !ok {
		return apperrors.NotFound("role", roleID)
	}
	a := cloud.RoleAssignment{UserID: userID, ProjectID: projectID, RoleID: roleID}
	for _, existing := range f.assignments {
		if existing == a {
			return nil
		}
	}
	f.assignments = append(f.assignments, a)
	return nil
}
