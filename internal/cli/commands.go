package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"osfleet/internal/apperrors"
	"osfleet/internal/backup"
	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/migrate"
	"osfleet/internal/pipeline"
	"osfleet/internal/restore"
	"osfleet/internal/teardown"
)

// parseSubsystems returns the subsystem named by args[1], or none (meaning
// all) when absent.
func parseSubsystems(args []string, valid []manifest.Subsystem) ([]manifest.Subsystem, error) {
	if len(args) < 2 {
		return nil, nil
	}
	sub := manifest.Subsystem(strings.ToLower(args[1]))
	if !slices.Contains(valid, sub) {
		return nil, apperrors.Validation("subsystem", fmt.Sprintf("unknown subsystem %q", args[1]))
	}
	return []manifest.Subsystem{sub}, nil
}

func (a *app) backupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <tenant> [keystone|nova|glance|cinder]",
		Short: "Save a tenant's identity records, servers, images, and volumes",
		Args:  argsRange("tenant", 1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := parseSubsystems(args, backup.Order)
			if err != nil {
				return err
			}
			return a.run(cmd, "backup", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				project, err := pipeline.ResolveTenant(ctx, env.Admin.Identity, args[0])
				if err != nil {
					return nil, err
				}
				return backup.New(env).Tenant(ctx, *project, subs...)
			})
		},
	}
}

func (a *app) restoreCommand() *cobra.Command {
	var into string
	cmd := &cobra.Command{
		Use:   "restore <tenant_id> [keystone|glance|nova|cinder]",
		Short: "Recreate a tenant from its backup",
		Long: `Recreate a tenant from the backup stored under its original id. With
--into the resources are restored into an existing tenant instead.`,
		Args: argsRange("tenant_id", 1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			subs, err := parseSubsystems(args, restore.Order)
			if err != nil {
				return err
			}
			return a.run(cmd, "restore", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				return restore.New(env).Tenant(ctx, args[0], restore.Options{Into: into}, subs...)
			})
		},
	}
	cmd.Flags().StringVar(&into, "into", "", "existing tenant id or name to restore into")
	return cmd
}

func (a *app) teardownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown <tenant> [glance|nova|cinder|neutron]",
		Short: "Delete a tenant's resources, and the tenant itself when no subsystem is given",
		Args:  argsRange("tenant", 1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var subs []teardown.Subsystem
			if len(args) == 2 {
				sub, err := teardown.ParseSubsystem(args[1])
				if err != nil {
					return err
				}
				subs = append(subs, sub)
			}
			return a.run(cmd, "teardown", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				project, err := pipeline.ResolveTenant(ctx, env.Admin.Identity, args[0])
				if err != nil {
					return nil, err
				}
				return teardown.New(env).Tenant(ctx, *project, subs...)
			})
		},
	}
}

func (a *app) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [hypervisor]",
		Short: "Move every server off a hypervisor, the local host by default",
		Args:  argsRange("hypervisor", 0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, err := hypervisor(args)
			if err != nil {
				return err
			}
			return a.run(cmd, "migrate", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				return migrate.New(env, host).Run(ctx)
			})
		},
	}
}

func hypervisor(args []string) (string, error) {
	if len(args) == 1 && args[0] != "" {
		return args[0], nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", apperrors.Setup("resolve local hostname", err)
	}
	return host, nil
}

func (a *app) volumeBackupCommand() *cobra.Command {
	var native bool
	cmd := &cobra.Command{
		Use:   "volume-backup",
		Short: "Back up volumes selected by name prefix across all tenants",
		Args:  argsRange("args", 0, 0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, "volume-backup", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				return backup.New(env).Selected(ctx, native)
			})
		},
	}
	cmd.Flags().BoolVar(&native, "native", false, "use the block storage backup service instead of image copies")
	return cmd
}

func (a *app) cleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup <tenant>",
		Short: "Reset stuck snapshot tasks and delete leftover transient images of a tenant",
		Args:  argsRange("tenant", 1, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, "cleanup", func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error) {
				project, err := pipeline.ResolveTenant(ctx, env.Admin.Identity, args[0])
				if err != nil {
					return nil, err
				}
				return nil, cleanup(ctx, env, *project)
			})
		},
	}
}

func cleanup(ctx context.Context, env *pipeline.Env, project cloud.Project) error {
	reset, resetErr := env.Reconciler.ResetStuckServers(ctx, env.Admin.Compute,
		cloud.ServerFilter{TenantID: project.ID, AllTenants: true})
	deleted, imageErr := env.Reconciler.CleanupTransientImages(ctx, env.Admin.Images, env.Cfg.BackupPrefix, project.ID)
	env.Log().Info("Cleanup finished", "tenant", project.Name, "serversReset", reset, "imagesDeleted", deleted)
	return errors.Join(resetErr, imageErr)
}
