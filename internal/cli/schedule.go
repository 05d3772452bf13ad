package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/scheduler"
	"github.com/roach88/offsync/internal/store"
)

const defaultScheduleName = scheduler.DefaultName

// ScheduleOptions holds flags for schedule register.
type ScheduleOptions struct {
	*RootOptions
	Interval string
	Trigger  string
}

// scheduleOutput is the JSON form of a registration.
type scheduleOutput struct {
	Name         string    `json:"name"`
	Interval     string    `json:"interval"`
	TriggerFile  string    `json:"trigger_file,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

func newScheduleOutput(s store.Schedule) scheduleOutput {
	return scheduleOutput{
		Name:         s.Name,
		Interval:     s.Interval.String(),
		TriggerFile:  s.TriggerPath,
		RegisteredAt: s.RegisteredAt,
	}
}

// NewScheduleCommand creates the schedule command group.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage background sync registration",
		Long: `Register or unregister periodic background sync. The registration is
stored in the database and executed by 'offsync daemon'. Removing it stops
a running daemon before its next cycle.`,
	}
	cmd.AddCommand(newScheduleRegisterCommand(rootOpts))
	cmd.AddCommand(&cobra.Command{
		Use:   "unregister",
		Short: "Remove the background sync registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleUnregister(cmd, rootOpts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the background sync registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleShow(cmd, rootOpts)
		},
	})
	return cmd
}

func newScheduleRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScheduleOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register periodic background sync",
		Long: fmt.Sprintf(`Register periodic background sync. Registering again replaces the
interval and trigger file. The interval may not be below %s.

Examples:
  offsync schedule register
  offsync schedule register --interval 30m --trigger /tmp/offsync.trigger`, scheduler.MinInterval),
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleRegister(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Interval, "interval", "", "cycle interval (default scheduler.interval)")
	cmd.Flags().StringVar(&opts.Trigger, "trigger", "", "file whose writes request a cycle (default scheduler.trigger_file)")
	bindConfigKey(cmd.Flags(), "interval", "scheduler.interval")
	bindConfigKey(cmd.Flags(), "trigger", "scheduler.trigger_file")
	return cmd
}

func runScheduleRegister(cmd *cobra.Command, opts *ScheduleOptions) error {
	sc := opts.Config.Scheduler

	trigger := sc.TriggerFile
	if trigger != "" {
		abs, err := filepath.Abs(trigger)
		if err != nil {
			return WrapExitError(ExitCommandError, "resolve trigger path", err)
		}
		trigger = abs
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sch := store.Schedule{
		Name:         defaultScheduleName,
		Interval:     sc.Interval,
		TriggerPath:  trigger,
		RegisteredAt: time.Now().UTC(),
	}
	if err := st.SaveSchedule(cmd.Context(), sch); err != nil {
		return WrapExitError(ExitCommandError, "save schedule", err)
	}
	opts.Logger.Info("schedule registered",
		zap.String("interval", sch.Interval.String()),
		zap.String("trigger", sch.TriggerPath),
	)

	out := newScheduleOutput(sch)
	return opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		fmt.Fprintf(w, "registered: sync every %s", out.Interval)
		if out.TriggerFile != "" {
			fmt.Fprintf(w, ", trigger %s", out.TriggerFile)
		}
		_, err := fmt.Fprintln(w, "\nrun 'offsync daemon' to execute it")
		return err
	})
}

func runScheduleUnregister(cmd *cobra.Command, opts *RootOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteSchedule(cmd.Context(), defaultScheduleName); err != nil {
		return WrapExitError(ExitCommandError, "delete schedule", err)
	}
	return opts.formatter(cmd).Emit(map[string]string{"name": defaultScheduleName}, func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "unregistered")
		return err
	})
}

func runScheduleShow(cmd *cobra.Command, opts *RootOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sch, err := st.GetSchedule(cmd.Context(), defaultScheduleName)
	if err != nil {
		if isNotFound(err) {
			return WrapExitError(ExitCommandError, "no schedule registered", err)
		}
		return WrapExitError(ExitCommandError, "read schedule", err)
	}

	out := newScheduleOutput(sch)
	return opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		fmt.Fprintf(w, "name:       %s\n", out.Name)
		fmt.Fprintf(w, "interval:   %s\n", out.Interval)
		fmt.Fprintf(w, "trigger:    %s\n", orDash(out.TriggerFile))
		fmt.Fprintf(w, "registered: %s\n", formatTime(out.RegisteredAt))
		return nil
	})
}
