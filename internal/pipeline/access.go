package pipeline

import (
	"context"
	"errors"
	"fmt"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

// AdminRole is the role granted to the operating user on a tenant.
const AdminRole = "admin"

// ResolveTenant looks a tenant up by id or name. Failure is a setup error.
func ResolveTenant(ctx context.Context, identity cloud.Identity, idOrName string) (*cloud.Project, error) {
	if idOrName == "" {
		return nil, apperrors.Validation("tenant", "tenant id or name is required")
	}
	p, err := identity.GetProject(ctx, idOrName)
	if err != nil {
		return nil, apperrors.Setup("resolve tenant "+idOrName, err)
	}
	return p, nil
}

// FindRole returns the role with the given name.
func FindRole(ctx context.Context, identity cloud.Identity, name string) (*cloud.Role, error) {
	roles, err := identity.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if r.Name == name {
			return &r, nil
		}
	}
	return nil, apperrors.NotFound("role", name)
}

// EnsureAdminAccess grants the operating user the admin role on the
// project unless it already has it.
func EnsureAdminAccess(ctx context.Context, identity cloud.Identity, userName, projectID string) error {
	user, err := identity.FindUser(ctx, userName)
	if err != nil {
		return fmt.Errorf("find user %s: %w", userName, err)
	}
	role, err := FindRole(ctx, identity, AdminRole)
	if err != nil {
		return err
	}
	assignments, err := identity.ListRoleAssignments(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list role assignments: %w", err)
	}
	for _, a := range assignments {
		if a.UserID == user.ID && a.RoleID == role.ID {
			return nil
		}
	}
	err = identity.AssignRole(ctx, projectID, user.ID, role.ID)
	if errors.Is(err, apperrors.ErrConflict) {
		return nil
	}
	return err
}
