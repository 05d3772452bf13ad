package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
)

// NewCursorCommand creates the cursor command group.
func NewCursorCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect pull cursors",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored cursors by key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCursorList(cmd, rootOpts)
		},
	})
	return cmd
}

func runCursorList(cmd *cobra.Command, opts *RootOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	cursors, err := st.ListCursors(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "list cursors", err)
	}
	if cursors == nil {
		cursors = []model.Cursor{}
	}

	return opts.formatter(cmd).Emit(cursors, func(w io.Writer) error {
		if len(cursors) == 0 {
			_, err := fmt.Fprintf(w, "No cursors stored; every scope starts at %s.\n", model.DefaultCursor)
			return err
		}
		rows := [][]string{{"KEY", "VALUE", "UPDATED"}}
		for _, c := range cursors {
			rows = append(rows, []string{c.Key, c.Value, formatTime(c.UpdatedAt)})
		}
		return table(w, rows)
	})
}
