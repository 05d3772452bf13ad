package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/logging"
)

// configKeyAnnotation marks a flag as an override for a config key.
const configKeyAnnotation = "offsync_config_key"

// RootOptions holds global flags and the state built from them before a
// subcommand runs.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	Database   string

	// Populated by the root PersistentPreRunE.
	Config config.Config
	Logger *zap.Logger

	closeLogger func() error
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the offsync CLI.
func NewRootCommand() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *RootOptions) {
	opts := &RootOptions{Logger: zap.NewNop()}

	cmd := &cobra.Command{
		Use:   "offsync",
		Short: "offsync - offline mutation queue and delta sync",
		Long: `offsync records local edits in a durable queue, replays them against an
authoritative remote with idempotency keys and bounded retries, and pulls
remote changes incrementally by cursor.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup(cmd)
		},
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	// Global flags
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (debug logging)")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (default ./offsync.{yaml,toml,json})")
	pf.StringVar(&opts.Database, "db", "", "SQLite database path (overrides store.path)")
	bindConfigKey(pf, "db", "store.path")

	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPullCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewCursorCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))
	cmd.AddCommand(NewScheduleCommand(opts))
	cmd.AddCommand(NewDaemonCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd, opts
}

// Execute runs the CLI with args and returns the command error, if any.
// The logger built for the run is flushed before returning.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cmd, opts := newRoot()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if cerr := opts.close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// bindConfigKey marks flag name on fs as overriding config key.
func bindConfigKey(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", name, err))
	}
}

// setup validates global flags, loads the configuration and builds the
// logger.
func (o *RootOptions) setup(cmd *cobra.Command) error {
	if !isValidFormat(o.Format) {
		return NewExitError(ExitCommandError,
			fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	flags := make(map[string]*pflag.Flag)
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if keys := f.Annotations[configKeyAnnotation]; len(keys) == 1 {
			flags[keys[0]] = f
		}
	})

	cfg, err := config.Load(config.LoadOptions{File: o.ConfigFile, Flags: flags})
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	o.Config = cfg

	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	logger, closeLogger, err := logging.New(logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "configure logging", err)
	}
	o.Logger = logger
	o.closeLogger = closeLogger

	logger.Debug("configuration loaded",
		zap.String("file", cfg.File),
		zap.String("store", cfg.Store.Path),
	)
	return nil
}

func (o *RootOptions) close() error {
	if o.closeLogger == nil {
		return nil
	}
	err := o.closeLogger()
	o.closeLogger = nil
	return err
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
