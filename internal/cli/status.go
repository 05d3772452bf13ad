package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/model"
	"github.com/roach88/offsync/internal/store"
)

// statusOutput is the result of the status command.
type statusOutput struct {
	Counts  map[model.Status]int `json:"counts"`
	Due     int                  `json:"due"`
	Cursors []model.Cursor       `json:"cursors"`

	// Schedule is the background registration, if any.
	Schedule *scheduleOutput `json:"schedule,omitempty"`
}

var statusOrder = []model.Status{
	model.StatusPending,
	model.StatusRetrying,
	model.StatusDone,
	model.StatusPoison,
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, due items and cursors",
		Long: `Show the number of queue items in each status, how many would be picked
by the next drain, the stored pull cursors and the background schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "count queue", err)
	}
	due, err := st.SelectDue(ctx, time.Now(), opts.Config.Sync.BatchSize)
	if err != nil {
		return WrapExitError(ExitCommandError, "select due items", err)
	}
	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "list cursors", err)
	}

	out := statusOutput{Counts: make(map[model.Status]int), Due: len(due), Cursors: cursors}
	for _, s := range statusOrder {
		out.Counts[s] = counts[s]
	}
	if sch, err := st.GetSchedule(ctx, defaultScheduleName); err == nil {
		s := newScheduleOutput(sch)
		out.Schedule = &s
	} else if !isNotFound(err) {
		return WrapExitError(ExitCommandError, "read schedule", err)
	}

	return opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		rows := [][]string{{"STATUS", "COUNT"}}
		for _, s := range statusOrder {
			rows = append(rows, []string{string(s), fmt.Sprint(out.Counts[s])})
		}
		if err := table(w, rows); err != nil {
			return err
		}
		fmt.Fprintf(w, "\nnext drain: %d item(s) due (batch size %d)\n", out.Due, opts.Config.Sync.BatchSize)
		for _, c := range cursors {
			fmt.Fprintf(w, "cursor %s = %s\n", c.Key, c.Value)
		}
		if out.Schedule != nil {
			fmt.Fprintf(w, "schedule: every %s", out.Schedule.Interval)
			if out.Schedule.TriggerFile != "" {
				fmt.Fprintf(w, ", trigger %s", out.Schedule.TriggerFile)
			}
			fmt.Fprintln(w)
		} else {
			fmt.Fprintln(w, "schedule: not registered")
		}
		return nil
	})
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, store.ErrNotFound)
}
