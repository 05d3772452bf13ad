// Package scheduler runs sync cycles in the background.
//
// Periodic fires its job on a fixed interval (never shorter than
// MinInterval) and on demand through Trigger or writes to a trigger file.
// Requests that arrive while a cycle is running collapse into one follow-up
// cycle. A file lock next to the database keeps one registered scheduler
// per store across processes.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/store"
)

// MinInterval is the shortest allowed period between scheduled cycles.
const MinInterval = 15 * time.Minute

// DefaultName is the schedules row used when Options.Name is empty.
const DefaultName = "sync"

// ErrAlreadyRegistered is returned by Register when another scheduler
// holds the store's scheduler lock.
var ErrAlreadyRegistered = errors.New("a scheduler is already registered for this store")

// errRemoved stops the loop when the persisted registration disappears.
var errRemoved = errors.New("registration removed")

// Scheduler is the background execution contract the sync worker is
// registered with.
type Scheduler interface {
	// Register starts periodic execution. Registering twice is a no-op.
	Register(ctx context.Context) error

	// Unregister stops execution and forgets the registration.
	// Unregistering when not registered is a no-op.
	Unregister() error

	// Registered reports whether execution is active.
	Registered() bool
}

// Job is one background sync cycle.
type Job func(ctx context.Context)

// Options configures a Periodic scheduler.
type Options struct {
	// Name keys the persisted registration. Default: DefaultName.
	Name string

	// Interval between cycles. Values below MinInterval are raised to it.
	Interval time.Duration

	// TriggerPath is an optional file; writing to it requests a cycle.
	TriggerPath string

	// LockPath is the cross-process lock file. Required.
	LockPath string

	// Store persists the registration so a restarted daemon resumes it.
	// Optional.
	Store *store.Store

	Logger *zap.Logger
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Periodic is the production Scheduler.
//
// Thread-safety: all methods are safe for concurrent use.
type Periodic struct {
	job    Job
	opts   Options
	logger *zap.Logger

	// signal coalesces cycle requests (buffered, size 1).
	signal chan struct{}

	// newTicker is replaced in tests.
	newTicker func(time.Duration) (<-chan time.Time, func())

	mu      sync.Mutex
	running *run
}

var _ Scheduler = (*Periodic)(nil)

// NewPeriodic creates a scheduler for job.
func NewPeriodic(job Job, opts Options) *Periodic {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scheduler")

	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.Interval < MinInterval {
		if opts.Interval > 0 {
			logger.Warn("interval below minimum, using minimum",
				zap.Duration("requested", opts.Interval),
				zap.Duration("minimum", MinInterval),
			)
		}
		opts.Interval = MinInterval
	}

	return &Periodic{
		job:    job,
		opts:   opts,
		logger: logger,
		signal: make(chan struct{}, 1),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Interval returns the effective interval.
func (p *Periodic) Interval() time.Duration {
	return p.opts.Interval
}

// Register takes the scheduler lock, persists the registration and starts
// the loop. The loop requests one cycle right away and runs until
// Unregister, Stop, cancellation of ctx, or removal of the persisted
// registration by another process.
func (p *Periodic) Register(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running != nil {
		return nil
	}
	if p.opts.LockPath == "" {
		return errors.New("register: lock path is required")
	}

	lock := flock.New(p.opts.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("register: lock %s: %w", p.opts.LockPath, err)
	}
	if !ok {
		return ErrAlreadyRegistered
	}

	if p.opts.Store != nil {
		err := p.opts.Store.SaveSchedule(ctx, store.Schedule{
			Name:         p.opts.Name,
			Interval:     p.opts.Interval,
			TriggerPath:  p.opts.TriggerPath,
			RegisteredAt: time.Now().UTC(),
		})
		if err != nil {
			lock.Unlock()
			return fmt.Errorf("register: %w", err)
		}
	}

	var watcher *fsnotify.Watcher
	if p.opts.TriggerPath != "" {
		watcher, err = fsnotify.NewWatcher()
		if err == nil {
			err = watcher.Add(filepath.Dir(p.opts.TriggerPath))
		}
		if err != nil {
			if watcher != nil {
				watcher.Close()
			}
			lock.Unlock()
			return fmt.Errorf("register: watch trigger %s: %w", p.opts.TriggerPath, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	ticks, stopTicker := p.newTicker(p.opts.Interval)
	g.Go(func() error {
		defer stopTicker()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticks:
				p.Trigger()
			}
		}
	})
	if watcher != nil {
		g.Go(func() error {
			defer watcher.Close()
			return p.watch(gctx, watcher)
		})
	}
	g.Go(func() error {
		return p.loop(gctx)
	})

	r := &run{cancel: cancel, done: make(chan struct{})}
	p.running = r

	go func() {
		err := g.Wait()
		cancel()
		if err != nil && !errors.Is(err, errRemoved) {
			p.logger.Error("scheduler stopped", zap.Error(err))
		}
		if err := lock.Unlock(); err != nil {
			p.logger.Warn("release scheduler lock failed", zap.Error(err))
		}

		p.mu.Lock()
		if p.running == r {
			p.running = nil
		}
		p.mu.Unlock()
		close(r.done)
	}()

	p.logger.Info("registered",
		zap.String("name", p.opts.Name),
		zap.Duration("interval", p.opts.Interval),
		zap.String("trigger", p.opts.TriggerPath),
	)
	p.Trigger()
	return nil
}

// Trigger requests a cycle. Requests made while one is pending collapse
// into it. Never blocks.
func (p *Periodic) Trigger() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// loop runs the job once per coalesced request.
func (p *Periodic) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.signal:
		}

		if err := p.stillRegistered(ctx); err != nil {
			return err
		}
		p.logger.Debug("cycle starting")
		p.job(ctx)
	}
}

// stillRegistered returns errRemoved when another process deleted the
// persisted registration.
func (p *Periodic) stillRegistered(ctx context.Context) error {
	if p.opts.Store == nil {
		return nil
	}
	_, err := p.opts.Store.GetSchedule(ctx, p.opts.Name)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Info("registration removed, stopping", zap.String("name", p.opts.Name))
		return errRemoved
	}
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("read registration failed", zap.Error(err))
	}
	return nil
}

// watch turns writes to the trigger file into cycle requests.
func (p *Periodic) watch(ctx context.Context, w *fsnotify.Watcher) error {
	target := filepath.Clean(p.opts.TriggerPath)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				p.logger.Debug("trigger file changed", zap.String("op", ev.Op.String()))
				p.Trigger()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("trigger watch error", zap.Error(err))
		}
	}
}

// Stop ends execution but keeps the persisted registration, so the next
// daemon start resumes it. Stop when not registered is a no-op.
func (p *Periodic) Stop() {
	p.mu.Lock()
	r := p.running
	p.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

// Unregister implements Scheduler.
func (p *Periodic) Unregister() error {
	p.mu.Lock()
	r := p.running
	p.mu.Unlock()

	if r == nil {
		return nil
	}
	r.cancel()
	<-r.done

	if p.opts.Store != nil {
		if err := p.opts.Store.DeleteSchedule(context.Background(), p.opts.Name); err != nil {
			return fmt.Errorf("unregister: %w", err)
		}
	}
	p.logger.Info("unregistered", zap.String("name", p.opts.Name))
	return nil
}

// Registered implements Scheduler.
func (p *Periodic) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running != nil
}

// Done returns a channel closed when the current run ends. It is already
// closed when not registered.
func (p *Periodic) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return p.running.done
}
