package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/model"
)

// EnqueueOptions holds flags for the enqueue command.
type EnqueueOptions struct {
	*RootOptions
	Op      string
	Type    string
	ID      string
	Base    int64
	Payload string
	Key     string
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EnqueueOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a local mutation",
		Long: `Record a local edit as a pending queue item. Nothing is sent until the
next drain.

The payload is JSON, given inline, as @file, or as - for stdin. Deletes
default to an empty tombstone.

Examples:
  offsync enqueue --op update --type node --id note-1 --base 3 \
    --payload '{"v":1,"kind":"node.upsert","data":{"project_id":"p1","title":"Notes","content":""}}'
  offsync enqueue --op delete --type node --id note-1 --base 4
  offsync enqueue --op create --type project --id p2 --payload @project.json --key edit-42`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Op, "op", "", "mutation op (create|update|delete)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "target type (node, project, ...)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "target id")
	cmd.Flags().Int64Var(&opts.Base, "base", 0, "remote version the edit was made against")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "payload JSON, @file or - for stdin")
	cmd.Flags().StringVar(&opts.Key, "key", "", "idempotency key (default: generated)")
	_ = cmd.MarkFlagRequired("op")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *EnqueueOptions) error {
	op, err := model.ParseOp(opts.Op)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --op", err)
	}

	payload, err := readPayload(cmd.InOrStdin(), opts.Payload, op)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --payload", err)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := opts.newOutbox(st).Enqueue(cmd.Context(), engine.Mutation{
		ID:          opts.Key,
		Op:          op,
		TargetType:  opts.Type,
		TargetID:    opts.ID,
		Payload:     payload,
		BaseVersion: opts.Base,
	})
	if err != nil {
		if errors.Is(err, engine.ErrInvalidMutation) {
			return WrapExitError(ExitCommandError, "enqueue", err)
		}
		return WrapExitError(ExitFailure, "enqueue", err)
	}

	return opts.formatter(cmd).Emit(item, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "queued %s (seq %d) %s %s/%s\n",
			item.ID, item.Seq, item.Op, item.TargetType, item.TargetID)
		return err
	})
}

// readPayload resolves a --payload value. An empty value is only allowed
// for deletes, which get an empty tombstone.
func readPayload(stdin io.Reader, value string, op model.Op) (model.Payload, error) {
	var data []byte
	switch {
	case value == "":
		if op == model.OpDelete {
			return model.NewPayload(model.Tombstone{}), nil
		}
		return model.Payload{}, fmt.Errorf("payload is required for %s", op)
	case value == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return model.Payload{}, fmt.Errorf("read stdin: %w", err)
		}
		data = b
	case strings.HasPrefix(value, "@"):
		b, err := os.ReadFile(strings.TrimPrefix(value, "@"))
		if err != nil {
			return model.Payload{}, err
		}
		data = b
	default:
		data = []byte(value)
	}
	return model.ParsePayload(data)
}
