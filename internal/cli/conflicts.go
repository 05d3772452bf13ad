package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
)

// ResolveOptions holds flags for conflicts resolve.
type ResolveOptions struct {
	*RootOptions
	Payload string
	Base    int64
}

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve version conflicts",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List conflict records, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictsList(cmd, rootOpts)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show the base, remote and local snapshots of a conflict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConflictShow(cmd, rootOpts, args[0])
		},
	})
	cmd.AddCommand(newResolveCommand(rootOpts))
	return cmd
}

func runConflictsList(cmd *cobra.Command, opts *RootOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	conflicts, err := st.ListConflicts(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "list conflicts", err)
	}
	if conflicts == nil {
		conflicts = []model.ConflictRecord{}
	}

	return opts.formatter(cmd).Emit(conflicts, func(w io.Writer) error {
		if len(conflicts) == 0 {
			_, err := fmt.Fprintln(w, "No conflicts.")
			return err
		}
		rows := [][]string{{"ID", "QUEUE ITEM", "PROJECT", "NODE", "POLICY", "CREATED"}}
		for _, c := range conflicts {
			rows = append(rows, []string{
				c.ID, c.QueueID, orDash(c.ProjectID), orDash(c.NodeID), orDash(c.Policy), formatTime(c.CreatedAt),
			})
		}
		return table(w, rows)
	})
}

func runConflictShow(cmd *cobra.Command, opts *RootOptions, id string) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := st.GetConflict(cmd.Context(), id)
	if err != nil {
		if isNotFound(err) {
			return WrapExitError(ExitCommandError, "conflict not found", err)
		}
		return WrapExitError(ExitCommandError, "read conflict", err)
	}

	return opts.formatter(cmd).Emit(c, func(w io.Writer) error {
		fmt.Fprintf(w, "id:         %s\n", c.ID)
		fmt.Fprintf(w, "queue item: %s\n", c.QueueID)
		fmt.Fprintf(w, "project:    %s\n", orDash(c.ProjectID))
		fmt.Fprintf(w, "node:       %s\n", orDash(c.NodeID))
		fmt.Fprintf(w, "policy:     %s\n", orDash(c.Policy))
		fmt.Fprintf(w, "created:    %s\n", formatTime(c.CreatedAt))
		fmt.Fprintf(w, "base:       %s\n", c.BaseJSON)
		fmt.Fprintf(w, "remote:     %s\n", c.RemoteJSON)
		fmt.Fprintf(w, "local:      %s\n", c.LocalJSON)
		return nil
	})
}

func newResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Queue a re-based edit for a conflicted target",
		Long: `Queue a new pending item carrying the merged payload against the remote
version the merge was based on. The conflict record and the poisoned item
are kept as history.

Examples:
  offsync conflicts resolve c-01 --base 5 --payload @merged.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "merged payload JSON, @file or - for stdin")
	cmd.Flags().Int64Var(&opts.Base, "base", 0, "remote version the merge is based on")
	_ = cmd.MarkFlagRequired("payload")
	_ = cmd.MarkFlagRequired("base")
	return cmd
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions, id string) error {
	// The op of a resolution is never a delete, so an empty payload is
	// rejected here.
	payload, err := readPayload(cmd.InOrStdin(), opts.Payload, model.OpUpdate)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := opts.newOutbox(st).Resolve(cmd.Context(), id, payload, opts.Base)
	if err != nil {
		if isNotFound(err) || errors.Is(err, engine.ErrInvalidMutation) {
			return WrapExitError(ExitCommandError, "resolve", err)
		}
		return WrapExitError(ExitFailure, "resolve", err)
	}

	return opts.formatter(cmd).Emit(item, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "queued %s (seq %d) %s %s/%s at base %d\n",
			item.ID, item.Seq, item.Op, item.TargetType, item.TargetID, item.BaseVersion)
		return err
	})
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
