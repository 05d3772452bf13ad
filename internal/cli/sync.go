package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
)

// SyncOptions holds flags for the sync and pull commands.
type SyncOptions struct {
	*RootOptions
	Scope string // project id; empty pulls the global stream
}

// syncOutput is the JSON form of a cycle. Failures are rendered as strings.
type syncOutput struct {
	Drain      *engine.DrainReport `json:"drain,omitempty"`
	DrainError string              `json:"drain_error,omitempty"`
	Pull       *engine.PullReport  `json:"pull,omitempty"`
	PullError  string              `json:"pull_error,omitempty"`
}

func (s syncOutput) failed() bool {
	return s.DrainError != "" || s.PullError != ""
}

func (s syncOutput) message() string {
	switch {
	case s.DrainError != "" && s.PullError != "":
		return "drain and pull failed"
	case s.DrainError != "":
		return "drain failed"
	default:
		return "pull failed"
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle (drain, then pull)",
		Long: `Run one sync cycle: replay up to sync.batch_size due queue items, then
pull remote changes after the stored cursor. A failed drain does not skip
the pull.

Exit codes:
  0 - Cycle completed
  1 - Drain or pull failed (details are in the audit log)
  2 - Command error (config, store)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, true, true)
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "project id to pull (default: global)")
	return cmd
}

// NewDrainCommand creates the drain command.
func NewDrainCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay due queue items against the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, true, false)
		},
	}
}

// NewPullCommand creates the pull command.
func NewPullCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Pull remote changes after the stored cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, false, true)
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "project id to pull (default: global)")
	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, drain, pull bool) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	worker, err := opts.newWorker(st)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	var out syncOutput
	if drain {
		report, err := worker.DrainQueue(ctx)
		out.Drain = &report
		if err != nil {
			out.DrainError = err.Error()
		}
	}
	if pull {
		report := worker.PullChanges(ctx, opts.Scope)
		out.Pull = &report
		if report.Err != nil {
			out.PullError = report.Err.Error()
		}
	}

	f := opts.formatter(cmd)
	text := func(w io.Writer) error { return writeSync(w, out) }
	if out.failed() {
		if err := f.Failure(CodeSync, out.message(), out, text); err != nil {
			return err
		}
		return NewExitError(ExitFailure, out.message())
	}
	return f.Emit(out, text)
}

func writeSync(w io.Writer, out syncOutput) error {
	if d := out.Drain; d != nil {
		switch {
		case d.Skipped:
			fmt.Fprintln(w, "drain: skipped, another worker holds the lease")
		default:
			fmt.Fprintf(w, "drain: selected %d, done %d, conflicts %d, retrying %d, poisoned %d, deferred %d\n",
				d.Selected, d.Done, d.Conflicts, d.Retrying, d.Poisoned, d.Deferred)
		}
		if d.Interrupted {
			fmt.Fprintln(w, "drain: interrupted")
		}
		if out.DrainError != "" {
			fmt.Fprintf(w, "drain: %s\n", out.DrainError)
		}
	}
	if p := out.Pull; p != nil {
		if out.PullError != "" {
			fmt.Fprintf(w, "pull %s: failed at cursor %s: %s\n", p.Scope, p.Since, out.PullError)
		} else {
			fmt.Fprintf(w, "pull %s: %d changes, cursor %s -> %s\n", p.Scope, p.Count, p.Since, p.Cursor)
		}
	}
	return nil
}
