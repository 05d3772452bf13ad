package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// LogsOptions holds flags for the logs command.
type LogsOptions struct {
	*RootOptions
	Level string
	Item  string
	Scope string
	Limit int
}

// NewLogsCommand creates the logs command.
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the sync audit trail",
		Long: `Show the newest audit entries, oldest first. Every drain outcome and pull
is recorded here.

Examples:
  offsync logs --level error
  offsync logs --item 0190c6f2-7d5e-7c2a-9a1b-3f4e5d6c7b8a
  offsync logs --scope delta:project:p1 --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Level, "level", "", "only entries at this level (info|warn|error)")
	cmd.Flags().StringVar(&opts.Item, "item", "", "only entries for this queue item")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "only entries for this cursor key (e.g. delta:global)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "number of newest entries to show (0 = all)")
	return cmd
}

func runLogs(cmd *cobra.Command, opts *LogsOptions) error {
	filter := store.LogFilter{ItemID: opts.Item, Scope: opts.Scope, Limit: opts.Limit}
	if opts.Level != "" {
		level, err := model.ParseLevel(opts.Level)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --level", err)
		}
		filter.Level = level
	}
	if opts.Limit < 0 {
		return NewExitError(ExitCommandError, "--limit must not be negative")
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.ListLogs(cmd.Context(), filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "list logs", err)
	}

	return opts.formatter(cmd).Emit(entries, func(w io.Writer) error {
		if len(entries) == 0 {
			_, err := fmt.Fprintln(w, "No log entries.")
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(w, "%s  %-5s  %s", formatTime(e.CreatedAt), strings.ToUpper(string(e.Level)), e.Message)
			if meta := formatMeta(e.Meta); meta != "" {
				fmt.Fprintf(w, "  %s", meta)
			}
			fmt.Fprintln(w)
		}
		return nil
	})
}

// formatMeta renders meta as key=value pairs in key order.
func formatMeta(meta map[string]any) string {
	keys := slices.Sorted(maps.Keys(meta))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, meta[k]))
	}
	return strings.Join(parts, " ")
}
