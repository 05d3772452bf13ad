package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// QueueListOptions holds flags for queue list.
type QueueListOptions struct {
	*RootOptions
	Status string
	Type   string
	ID     string
	Limit  int
}

// itemDetail is the result of queue show.
type itemDetail struct {
	Item     model.QueueItem       `json:"item"`
	Conflict *model.ConflictRecord `json:"conflict,omitempty"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queue items",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueShowCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueueListOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items in enqueue order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueList(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "only items in this status (pending|retrying|done|poison)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "only items for this target type")
	cmd.Flags().StringVar(&opts.ID, "id", "", "only items for this target id")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum items to list (0 = all)")
	return cmd
}

func runQueueList(cmd *cobra.Command, opts *QueueListOptions) error {
	status := model.Status(opts.Status)
	if status != "" && !status.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", opts.Status))
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	items, err := st.ListItems(cmd.Context(), store.ItemFilter{
		Status:     status,
		TargetType: opts.Type,
		TargetID:   opts.ID,
		Limit:      opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "list queue", err)
	}
	if items == nil {
		items = []model.QueueItem{}
	}

	return opts.formatter(cmd).Emit(items, func(w io.Writer) error {
		if len(items) == 0 {
			_, err := fmt.Fprintln(w, "No queue items.")
			return err
		}
		rows := [][]string{{"SEQ", "ID", "OP", "TARGET", "BASE", "STATUS", "RETRIES", "NEXT ATTEMPT", "LAST ERROR"}}
		for _, it := range items {
			rows = append(rows, []string{
				fmt.Sprint(it.Seq),
				it.ID,
				string(it.Op),
				it.TargetType + "/" + it.TargetID,
				fmt.Sprint(it.BaseVersion),
				string(it.Status),
				fmt.Sprint(it.Retries),
				formatOptionalTime(it.NextAttemptAt),
				it.LastError,
			})
		}
		return table(w, rows)
	})
}

func newQueueShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one queue item and its conflict, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueShow(cmd, rootOpts, args[0])
		},
	}
}

func runQueueShow(cmd *cobra.Command, opts *RootOptions, id string) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	item, err := st.GetItem(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return WrapExitError(ExitCommandError, "queue item not found", err)
		}
		return WrapExitError(ExitCommandError, "read queue item", err)
	}

	out := itemDetail{Item: item}
	if c, err := st.ConflictForItem(ctx, id); err == nil {
		out.Conflict = &c
	} else if !isNotFound(err) {
		return WrapExitError(ExitCommandError, "read conflict", err)
	}

	return opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		payload, err := item.Payload.Bytes()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "id:           %s\n", item.ID)
		fmt.Fprintf(w, "seq:          %d\n", item.Seq)
		fmt.Fprintf(w, "op:           %s\n", item.Op)
		fmt.Fprintf(w, "target:       %s/%s\n", item.TargetType, item.TargetID)
		fmt.Fprintf(w, "base version: %d\n", item.BaseVersion)
		fmt.Fprintf(w, "status:       %s\n", item.Status)
		fmt.Fprintf(w, "retries:      %d\n", item.Retries)
		if item.NextAttemptAt != nil {
			fmt.Fprintf(w, "next attempt: %s\n", formatTime(*item.NextAttemptAt))
		}
		if item.LastError != "" {
			fmt.Fprintf(w, "last error:   %s\n", item.LastError)
		}
		fmt.Fprintf(w, "created:      %s\n", formatTime(item.CreatedAt))
		fmt.Fprintf(w, "updated:      %s\n", formatTime(item.UpdatedAt))
		fmt.Fprintf(w, "payload:      %s\n", payload)
		if out.Conflict != nil {
			fmt.Fprintf(w, "conflict:     %s\n", out.Conflict.ID)
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}
