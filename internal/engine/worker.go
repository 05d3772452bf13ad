package engine

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
)

// Defaults for Config.
const (
	DefaultMaxRetries    = 5
	DefaultBaseDelay     = 2 * time.Second
	DefaultBatchSize     = 10
	DefaultRemoteTimeout = 30 * time.Second
	DefaultLeaseTTL      = 2 * time.Minute
)

// drainLease is the lease row that keeps drains on one store exclusive
// across processes.
const drainLease = "drain"

// Config holds the retry and batching parameters of a Worker.
type Config struct {
	// MaxRetries is the retry ceiling. An item whose retry count reaches it
	// is poisoned.
	MaxRetries int

	// BaseDelay is the backoff unit: next_attempt_at = now + BaseDelay*2^retries.
	BaseDelay time.Duration

	// BatchSize caps items per drain. There is no re-loop within a cycle.
	BatchSize int

	// RemoteTimeout bounds every remote call. Expiry is a transient failure.
	RemoteTimeout time.Duration

	// LeaseTTL bounds how long a crashed drainer can block others. The lease
	// is renewed before every item, so it must outlive one remote call;
	// values below 2*RemoteTimeout are raised to that.
	LeaseTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    DefaultMaxRetries,
		BaseDelay:     DefaultBaseDelay,
		BatchSize:     DefaultBatchSize,
		RemoteTimeout: DefaultRemoteTimeout,
		LeaseTTL:      DefaultLeaseTTL,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = d.RemoteTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.LeaseTTL < 2*c.RemoteTimeout {
		c.LeaseTTL = 2 * c.RemoteTimeout
	}
	return c
}

// MaxBackoff is the largest delay Backoff returns.
const MaxBackoff = time.Duration(math.MaxInt64)

// Backoff returns the delay before the next attempt of an item that has
// now failed retries times. Delays that do not fit a time.Duration
// saturate at MaxBackoff.
func (c Config) Backoff(retries int) time.Duration {
	shift := max(retries, 0)
	if c.BaseDelay <= 0 {
		return 0
	}
	if shift >= 63 || c.BaseDelay > MaxBackoff>>uint(shift) {
		return MaxBackoff
	}
	return c.BaseDelay << uint(shift)
}

type options struct {
	clock   Clock
	keys    KeyGenerator
	logger  *zap.Logger
	applier ChangeApplier
	owner   string
}

// Option configures a Worker or an Outbox.
type Option func(*options)

// WithClock sets the time source. Default: SystemClock.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithKeyGenerator sets the id generator. Default: UUIDv7Generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(o *options) { o.keys = g }
}

// WithLogger sets the zap logger. Default: no-op.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithChangeApplier hands pulled changes to a local consumer before the
// cursor advances.
func WithChangeApplier(a ChangeApplier) Option {
	return func(o *options) { o.applier = a }
}

// WithOwner sets the lease owner id. Default: a fresh UUIDv7 per Worker.
func WithOwner(owner string) Option {
	return func(o *options) { o.owner = owner }
}

func buildOptions(opts []Option) options {
	o := options{
		clock: SystemClock{},
		keys:  UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.owner == "" {
		o.owner = "worker-" + UUIDv7Generator{}.Generate()
	}
	return o
}

// Worker replays queued mutations and pulls remote changes.
//
// Thread-safety model:
//   - DrainQueue: serialized by an in-process mutex and, across processes,
//     by the store's drain lease
//   - PullChanges: safe from any goroutine; cursor writes are compare-and-set
//   - RunSync: DrainQueue then PullChanges
type Worker struct {
	store   *store.Store
	remote  remote.Client
	cfg     Config
	clock   Clock
	keys    KeyGenerator
	logger  *zap.Logger
	audit   *auditLog
	applier ChangeApplier
	owner   string

	drainMu sync.Mutex
}

// NewWorker creates a Worker. Zero Config fields take their defaults.
func NewWorker(s *store.Store, c remote.Client, cfg Config, opts ...Option) *Worker {
	o := buildOptions(opts)
	logger := o.logger.Named("worker")
	return &Worker{
		store:   s,
		remote:  c,
		cfg:     cfg.withDefaults(),
		clock:   o.clock,
		keys:    o.keys,
		logger:  logger,
		audit:   &auditLog{store: s, logger: logger, clock: o.clock},
		applier: o.applier,
		owner:   o.owner,
	}
}

// Config returns the effective configuration.
func (w *Worker) Config() Config {
	return w.cfg
}
