package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/scheduler"
)

// DaemonOptions holds flags for the daemon command.
type DaemonOptions struct {
	*RootOptions
	Scope string
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run registered background sync until interrupted",
		Long: `Run one sync cycle immediately and then on every scheduler interval or
trigger file write, until SIGINT/SIGTERM or 'offsync schedule unregister'.

Only one daemon can run per database; a second one exits with code 2.
Stopping the daemon with a signal keeps the registration.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "project id to pull (default: global)")
	return cmd
}

func runDaemon(cmd *cobra.Command, opts *DaemonOptions) error {
	logger := opts.Logger

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sch, err := st.GetSchedule(cmd.Context(), defaultScheduleName)
	if err != nil {
		if isNotFound(err) {
			return WrapExitError(ExitCommandError,
				"no schedule registered (run 'offsync schedule register' first)", err)
		}
		return WrapExitError(ExitCommandError, "read schedule", err)
	}

	worker, err := opts.newWorker(st)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	job := func(ctx context.Context) {
		report := worker.RunSync(ctx, opts.Scope)
		fields := []zap.Field{
			zap.Int("selected", report.Drain.Selected),
			zap.Int("done", report.Drain.Done),
			zap.Int("conflicts", report.Drain.Conflicts),
			zap.Int("retrying", report.Drain.Retrying),
			zap.Int("poisoned", report.Drain.Poisoned),
			zap.String("cursor", report.Pull.Cursor),
			zap.Int("pulled", report.Pull.Count),
		}
		if report.DrainErr != nil || report.Pull.Err != nil {
			logger.Warn("sync cycle finished with errors", append(fields,
				zap.NamedError("drain_error", report.DrainErr),
				zap.NamedError("pull_error", report.Pull.Err),
			)...)
			return
		}
		logger.Info("sync cycle finished", fields...)
	}

	p := scheduler.NewPeriodic(job, scheduler.Options{
		Name:        sch.Name,
		Interval:    sch.Interval,
		TriggerPath: sch.TriggerPath,
		LockPath:    lockPath(opts.Config.Store.Path),
		Store:       st,
		Logger:      logger,
	})
	if err := p.Register(ctx); err != nil {
		if errors.Is(err, scheduler.ErrAlreadyRegistered) {
			return WrapExitError(ExitCommandError, "another daemon is running for this database", err)
		}
		return WrapExitError(ExitCommandError, "start scheduler", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "daemon running: sync every %s\n", p.Interval())

	select {
	case <-ctx.Done():
		p.Stop()
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
	case <-p.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "schedule unregistered, daemon exiting")
	}
	return nil
}

// lockPath is the scheduler lock file for a database.
func lockPath(dbPath string) string {
	return dbPath + ".sched.lock"
}
