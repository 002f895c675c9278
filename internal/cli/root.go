// Package cli is the osfleet command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"osfleet/internal/apperrors"
	"osfleet/internal/config"
	"osfleet/internal/pipeline"
)

// Options holds the process-level collaborators of the command tree.
type Options struct {
	Stdout  io.Writer
	Stderr  io.Writer
	Config  func(path string) (*config.Config, error)
	Connect ConnectFunc
}

func (o Options) withDefaults() Options {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	if o.Config == nil {
		o.Config = config.Load
	}
	if o.Connect == nil {
		o.Connect = connectOpenStack
	}
	return o
}

type app struct {
	opts       Options
	configPath string
}

// Execute runs the command named by args and returns the process exit
// code. Only usage, configuration, and setup errors exit non-zero.
func Execute(ctx context.Context, args []string, opts Options) int {
	a := &app{opts: opts.withDefaults()}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.opts.Stdout)
	root.SetErr(a.opts.Stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(a.opts.Stderr, "Error:", err)
	}
	return apperrors.ExitCode(err)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "osfleet",
		Short: "Back up, restore, tear down, and evacuate OpenStack tenants and hosts",
		Long: `osfleet drives long-running control-plane operations across a tenant
or a hypervisor: it launches every operation at once, polls them to a
terminal state on a bounded worker pool, and reconciles what is left behind.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "YAML configuration file (env OSFLEET_CONFIG)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return apperrors.Validation("flags", err.Error())
	})

	root.AddCommand(
		a.backupCommand(),
		a.restoreCommand(),
		a.teardownCommand(),
		a.migrateCommand(),
		a.volumeBackupCommand(),
		a.cleanupCommand(),
	)
	return root
}

// runFunc is the body of a command, given a ready environment.
type runFunc func(ctx context.Context, env *pipeline.Env) ([]*pipeline.Report, error)

// run opens a session for command, runs fn, and prints the summary.
// Errors from fn are logged; only setup errors reach the exit code.
func (a *app) run(cmd *cobra.Command, command string, fn runFunc) error {
	ctx := cmd.Context()
	s, err := a.open(ctx, command)
	if err != nil {
		return err
	}
	defer s.close()

	var reports []*pipeline.Report
	err = s.env.Stage(ctx, command, func(ctx context.Context) error {
		var err error
		reports, err = fn(ctx, s.env)
		return err
	})
	s.progress.Summary(command, reports)

	if err != nil {
		if apperrors.ExitCode(err) != 0 {
			return err
		}
		s.logger.Error("Run finished with errors", "error", err)
		return nil
	}
	s.logger.Info("Run finished")
	return nil
}

// argsRange requires between lo and hi positional arguments, naming the
// first one in the error.
func argsRange(name string, lo, hi int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < lo {
			return apperrors.Validation(name, name+" is required")
		}
		if len(args) > hi {
			return apperrors.Validation("args", fmt.Sprintf("at most %d arguments, got %d", hi, len(args)))
		}
		return nil
	}
}
