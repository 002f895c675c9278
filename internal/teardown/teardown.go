// Package teardown deletes a tenant's resources.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/pipeline"
	"osfleet/internal/workerpool"
)

// Subsystem names a group of resources that can be torn down on its own.
type Subsystem string

const (
	Glance  Subsystem = "glance"
	Nova    Subsystem = "nova"
	Cinder  Subsystem = "cinder"
	Neutron Subsystem = "neutron"
)

// Order is the order subsystems are torn down in. Servers go before
// volumes so attachments are released, and both before the network.
var Order = []Subsystem{Glance, Nova, Cinder, Neutron}

// ParseSubsystem validates a subsystem name.
func ParseSubsystem(s string) (Subsystem, error) {
	for _, sub := range Order {
		if string(sub) == strings.ToLower(s) {
			return sub, nil
		}
	}
	return "", apperrors.Validation("subsystem", fmt.Sprintf("unknown subsystem %q", s))
}

// Pipeline tears tenants down.
type Pipeline struct {
	env *pipeline.Env
}

// New returns a teardown pipeline.
func New(env *pipeline.Env) *Pipeline {
	return &Pipeline{env: env}
}

// Tenant deletes the resources of the given subsystems. Without
// subsystems everything is deleted, followed by a user named like the
// tenant and the tenant itself.
func (p *Pipeline) Tenant(ctx context.Context, project cloud.Project, subsystems ...Subsystem) ([]*pipeline.Report, error) {
	env := p.env
	full := len(subsystems) == 0
	if full {
		subsystems = Order
	}
	logger := env.Log().With("tenant", project.Name, "tenantId", project.ID)

	if err := pipeline.EnsureAdminAccess(ctx, env.Admin.Identity, env.Cfg.Auth.Username, project.ID); err != nil {
		logger.Warn("Could not grant admin access to tenant", "error", err)
	}
	scoped, err := env.Scoped(ctx, project.ID)
	if err != nil {
		return nil, apperrors.Setup("connect to tenant "+project.Name, err)
	}

	var reports []*pipeline.Report
	for _, sub := range subsystems {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		var r *pipeline.Report
		err := env.Stage(ctx, "teardown."+string(sub), func(ctx context.Context) error {
			var err error
			r, err = p.run(ctx, project, scoped, sub)
			return err
		})
		if r != nil {
			reports = append(reports, r)
			logger.Info("Teardown stage finished", "report", r)
		}
		if err != nil {
			logger.Error("Teardown stage failed", "subsystem", sub, "error", err)
		}
	}

	if full && ctx.Err() == nil {
		r := p.Identity(ctx, project)
		reports = append(reports, r)
		logger.Info("Teardown stage finished", "report", r)
	}
	return reports, ctx.Err()
}

func (p *Pipeline) run(ctx context.Context, project cloud.Project, scoped *cloud.Clients, sub Subsystem) (*pipeline.Report, error) {
	switch sub {
	case Glance:
		return p.Images(ctx, project)
	case Nova:
		return p.Servers(ctx, project, scoped.Compute)
	case Cinder:
		return p.Volumes(ctx, project, scoped)
	case Neutron:
		return p.Network(ctx, project, scoped.Networks), nil
	default:
		return nil, fmt.Errorf("unknown subsystem %q", sub)
	}
}

// deleteAll deletes items in parallel and reports each. Items that are
// already gone count as deleted.
func deleteAll[T any](ctx context.Context, env *pipeline.Env, r *pipeline.Report, items []T, describe func(T) pipeline.Item, del func(context.Context, T) error) {
	errs := workerpool.ForEach(ctx, env.Cfg.PoolSize, items, func(ctx context.Context, it T) error {
		return apperrors.IgnoreNotFound(del(ctx, it))
	})
	for i, err := range errs {
		d := describe(items[i])
		switch {
		case err == nil:
			env.Item(ctx, r, d.ID, d.Name, pipeline.ItemSucceeded, nil)
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			env.Item(ctx, r, d.ID, d.Name, pipeline.ItemAbandoned, nil)
		default:
			env.Item(ctx, r, d.ID, d.Name, pipeline.ItemFailed, err)
		}
	}
}

// Identity deletes a user named like the tenant, if there is one, and the
// tenant.
func (p *Pipeline) Identity(ctx context.Context, project cloud.Project) *pipeline.Report {
	env := p.env
	identity := env.Admin.Identity
	r := pipeline.NewReport("identity_teardown", project.ID)

	user, err := identity.FindUser(ctx, project.Name)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
	case err != nil:
		env.Item(ctx, r, "", project.Name, pipeline.ItemFailed, fmt.Errorf("find user: %w", err))
	default:
		err = apperrors.IgnoreNotFound(identity.DeleteUser(ctx, user.ID))
		p.report(ctx, r, user.ID, "user "+user.Name, err)
	}

	err = apperrors.IgnoreNotFound(identity.DeleteProject(ctx, project.ID))
	p.report(ctx, r, project.ID, "tenant "+project.Name, err)
	return r
}

func (p *Pipeline) report(ctx context.Context, r *pipeline.Report, id, name string, err error) {
	st := pipeline.ItemSucceeded
	if err != nil {
		st = pipeline.ItemFailed
	}
	p.env.Item(ctx, r, id, name, st, err)
}
