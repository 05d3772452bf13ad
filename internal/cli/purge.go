package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/archive"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/store"
)

// PurgeOptions holds flags for the purge command.
type PurgeOptions struct {
	*RootOptions
	Before        string
	ArchiveDir    string
	ArchiveBucket string
	NoArchive     bool
}

// purgeOutput is the result of the purge command.
type purgeOutput struct {
	Before    time.Time `json:"before"`
	Items     int       `json:"items"`
	Conflicts int       `json:"conflicts"`
	Archive   string    `json:"archive,omitempty"`
}

// NewPurgeCommand creates the purge command.
func NewPurgeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PurgeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete old done and poisoned items",
		Long: `Delete done and poison queue items last updated before a cutoff, together
with their conflict records. Pending and retrying items are never touched.

When an archive directory or bucket is configured the rows are written there
first as JSON Lines; if the archive fails nothing is deleted.

The cutoff accepts natural language ("7 days ago", "last week"), a Go
duration meaning that long ago ("168h"), or an RFC 3339 timestamp.

Examples:
  offsync purge --before "30 days ago"
  offsync purge --before 720h --archive-dir ./archive
  offsync purge --before 2025-01-01T00:00:00Z --archive-bucket offsync-history`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPurge(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Before, "before", "", "cutoff: natural language, duration ago or RFC 3339")
	cmd.Flags().StringVar(&opts.ArchiveDir, "archive-dir", "", "archive to this directory (default archive.dir)")
	cmd.Flags().StringVar(&opts.ArchiveBucket, "archive-bucket", "", "archive to this bucket (default archive.bucket)")
	cmd.Flags().BoolVar(&opts.NoArchive, "no-archive", false, "delete without archiving even if an archive is configured")
	bindConfigKey(cmd.Flags(), "archive-dir", "archive.dir")
	bindConfigKey(cmd.Flags(), "archive-bucket", "archive.bucket")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func runPurge(cmd *cobra.Command, opts *PurgeOptions) error {
	now := time.Now()
	before, err := parseCutoff(opts.Before, now)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --before", err)
	}
	if before.After(now) {
		return NewExitError(ExitCommandError, fmt.Sprintf("--before %s is in the future", formatTime(before)))
	}

	var archiver archive.Archiver
	if !opts.NoArchive {
		archiver, err = newArchiver(opts.Config.Archive)
		if err != nil {
			return WrapExitError(ExitCommandError, "configure archive", err)
		}
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	out := purgeOutput{Before: before.UTC()}
	var archiveFn store.ArchiveFunc
	if archiver != nil {
		archiveFn = archive.Func(archiver, time.Now, func(loc string) { out.Archive = loc })
	}

	res, err := st.PurgeTerminal(cmd.Context(), before, archiveFn)
	if err != nil {
		return WrapExitError(ExitFailure, "purge", err)
	}
	out.Items = len(res.Items)
	out.Conflicts = len(res.Conflicts)

	opts.Logger.Info("purged terminal items",
		zap.Time("before", out.Before),
		zap.Int("items", out.Items),
		zap.Int("conflicts", out.Conflicts),
		zap.String("archive", out.Archive),
	)

	return opts.formatter(cmd).Emit(out, func(w io.Writer) error {
		fmt.Fprintf(w, "purged %d item(s) and %d conflict(s) last updated before %s\n",
			out.Items, out.Conflicts, formatTime(out.Before))
		if out.Archive != "" {
			fmt.Fprintf(w, "archived to %s\n", out.Archive)
		}
		return nil
	})
}

// newArchiver picks the configured archive target. A directory wins over a
// bucket; nil means no archive.
func newArchiver(cfg config.ArchiveConfig) (archive.Archiver, error) {
	switch {
	case cfg.Dir != "":
		return archive.Dir{Path: cfg.Dir}, nil
	case cfg.Bucket != "":
		return archive.NewBucket(archive.BucketConfig{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
		})
	}
	return nil, nil
}

// parseCutoff resolves a --before value relative to now.
func parseCutoff(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty cutoff")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration %s", s)
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized cutoff %q", s)
	}
	return r.Time, nil
}
