package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/remote"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr     string
	Policy   string
	PageSize int
}

const shutdownTimeout = 5 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve an in-memory remote over HTTP (development)",
		Long: `Serve an in-memory authoritative remote that speaks the mutate and
changes protocol. State is lost on exit. When remote.token is set, requests
must carry it as a bearer token.

Examples:
  offsync serve --addr :8080
  OFFSYNC_REMOTE_URL=http://localhost:8080 offsync sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "listen address")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "conflict policy label returned with conflicts")
	cmd.Flags().IntVar(&opts.PageSize, "page-size", 0, "maximum changes per pull (0 = unlimited)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	logger := opts.Logger.Named("serve")

	var memOpts []remote.MemoryOption
	if opts.Policy != "" {
		memOpts = append(memOpts, remote.WithPolicy(opts.Policy))
	}
	if opts.PageSize > 0 {
		memOpts = append(memOpts, remote.WithPageSize(opts.PageSize))
	}
	var handlerOpts []remote.HandlerOption
	if token := opts.Config.Remote.Token; token != "" {
		handlerOpts = append(handlerOpts, remote.WithRequiredToken(token))
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("listen on %s", opts.Addr), err)
	}

	srv := &http.Server{
		Handler:           remote.NewHandler(remote.NewMemory(memOpts...), logger, handlerOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logger.Info("serving in-memory remote", zap.String("addr", ln.Addr().String()))
	fmt.Fprintf(cmd.OutOrStdout(), "listening on %s\n", ln.Addr())

	select {
	case err := <-errCh:
		return WrapExitError(ExitFailure, "serve", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "shutdown", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("server stopped")
	return nil
}
