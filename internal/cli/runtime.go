package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// openStore opens the configured database. The caller closes it.
func (o *RootOptions) openStore() (*store.Store, error) {
	path := o.Config.Store.Path
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("open store %s", path), err)
	}
	return st, nil
}

// newOutbox returns the enqueue side of the engine over st.
func (o *RootOptions) newOutbox(st *store.Store) *engine.Outbox {
	return engine.NewOutbox(st, engine.WithLogger(o.Logger))
}

// newWorker builds a worker replaying against the configured remote.
func (o *RootOptions) newWorker(st *store.Store) (*engine.Worker, error) {
	client, err := o.remoteClient()
	if err != nil {
		return nil, err
	}
	return engine.NewWorker(st, client, engineConfig(o.Config.Sync), engine.WithLogger(o.Logger)), nil
}

func (o *RootOptions) remoteClient() (remote.Client, error) {
	rc := o.Config.Remote
	if rc.URL == "" {
		return nil, NewExitError(ExitCommandError,
			"remote.url is not configured (set it in the config file or OFFSYNC_REMOTE_URL)")
	}
	var opts []remote.HTTPOption
	if rc.Token != "" {
		opts = append(opts, remote.WithToken(rc.Token))
	}
	return remote.NewHTTPClient(rc.URL, opts...), nil
}

func engineConfig(c config.SyncConfig) engine.Config {
	return engine.Config{
		MaxRetries:    c.MaxRetries,
		BaseDelay:     c.BaseDelay,
		BatchSize:     c.BatchSize,
		RemoteTimeout: c.RemoteTimeout,
		LeaseTTL:      c.LeaseTTL,
	}
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, or when
// parent is done.
func signalContext(parent context.Context, logger *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
