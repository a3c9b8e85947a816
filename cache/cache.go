package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/placedex/querycache/logger"
	"github.com/placedex/querycache/resilience"
)

// DefaultTTL is the TTL used when a Request does not set one.
const DefaultTTL = 5 * time.Minute

// DefaultQueryTimeout caps query execution and per-operation store I/O.
// Prevents indefinite hangs on slow storage or a wedged database.
const DefaultQueryTimeout = 5 * time.Second

// DefaultSweepInterval is how often the background sweep reclaims expired
// entries.
const DefaultSweepInterval = time.Minute

// Executor runs a read query on a cache miss. Implementations live outside
// the cache (see the sqlrunner package); the cache treats the query text as
// opaque and the result as a value to serialize.
type Executor interface {
	Execute(ctx context.Context, queryTemplate string, params []Param) (any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, queryTemplate string, params []Param) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, queryTemplate string, params []Param) (any, error) {
	return f(ctx, queryTemplate, params)
}

// Request describes one cacheable query execution.
type Request struct {
	// Query is the parameterized query template. Required.
	Query string
	// Params are the positional parameter bindings, in placeholder order.
	Params []Param
	// Category groups the resulting entry for invalidation, conventionally
	// "source:qualifier". Empty means the entry is only removed by expiry
	// or Clear.
	Category string
	// TTL bounds how long the result may be served. Zero or negative uses
	// the cache's default.
	TTL time.Duration
}

// config holds the resolved configuration shared by the cache and its
// store constructors.
type config struct {
	defaultTTL           time.Duration
	queryTimeout         time.Duration
	sweepInterval        time.Duration
	prefix               string
	compressionThreshold int
	clock                func() time.Time
	log                  logger.Logger
	breaker              *resilience.Breaker
	breakerSet           bool
}

// Option configures a Cache or a Store implementation. Options that do not
// apply to the thing being built are ignored.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultTTL:    DefaultTTL,
		queryTimeout:  DefaultQueryTimeout,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		log:           logger.NewConsoleLogger(logger.LevelNone),
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithDefaultTTL sets the TTL used when a Request does not carry one.
// Defaults to DefaultTTL (5 minutes).
func WithDefaultTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// WithQueryTimeout sets the cap on query execution and on per-operation
// store I/O. Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithSweepInterval sets the interval for the background expired-entry
// sweep. Zero or negative disables the sweep; lazy expiry still applies.
// Defaults to DefaultSweepInterval (1 minute).
func WithSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithPrefix sets the key prefix for namespacing cache keys. Applies to the
// Redis store, which falls back to DefaultRedisPrefix when unset.
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithCompressionThreshold makes the SQLite store gzip payloads larger than
// n bytes before writing them. Zero (the default) disables compression.
func WithCompressionThreshold(n int) Option {
	return func(c *config) { c.compressionThreshold = n }
}

// WithClock overrides the cache's time source. Tests use this to exercise
// expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.clock = now
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(log logger.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithBreaker sets the circuit breaker guarding store reads and writes.
// Passing nil disables the breaker so every resolve retries the store. The
// default is a breaker with resilience.DefaultConfig.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *config) {
		c.breaker = b
		c.breakerSet = true
	}
}

// Cache resolves parameterized read queries through a Store, executing
// misses with an Executor. See the package documentation for the full
// model. All methods are safe for concurrent use.
type Cache struct {
	store   Store
	exec    Executor
	cfg     config
	log     logger.Logger
	now     func() time.Time
	breaker *resilience.Breaker

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
	closeMu sync.Mutex
	closed  atomic.Bool
}

// New builds a Cache over store. exec may be nil for administrative caches
// that only inspect and invalidate; Resolve then fails with ErrNoExecutor.
// The ctx bounds the cache's background work: cancelling it stops the
// sweeper, though Close should still be called to release the store.
func New(ctx context.Context, store Store, exec Executor, opts ...Option) *Cache {
	cfg := applyOptions(opts)
	breaker := cfg.breaker
	if !cfg.breakerSet {
		breaker = resilience.NewBreaker(resilience.DefaultConfig())
	}
	childCtx, cancel := context.WithCancel(ctx)
	c := &Cache{
		store:   store,
		exec:    exec,
		cfg:     cfg,
		log:     cfg.log.With(map[string]interface{}{"component": "cache"}),
		now:     cfg.clock,
		breaker: breaker,
		ctx:     childCtx,
		cancel:  cancel,
	}
	if cfg.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweep()
	}
	return c
}

// Close stops background work, waits for in-flight hit updates, and closes
// the store. Close is idempotent.
func (c *Cache) Close() error {
	var err error
	c.once.Do(func() {
		c.closeMu.Lock()
		c.closed.Store(true)
		c.closeMu.Unlock()
		c.cancel()
		c.wg.Wait()
		err = c.store.Close()
	})
	return err
}

// sweep periodically purges expired entries. Correctness never depends on
// it; lazy expiry at read time already hides stale entries.
func (c *Cache) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.queryTimeout)
			removed, err := c.store.PurgeExpired(ctx, c.now())
			cancel()
			if err != nil {
				c.log.Warn("expiry sweep failed: %s", err)
				continue
			}
			if removed > 0 {
				c.log.Debug("expiry sweep removed %d entries", removed)
			}
		}
	}
}

// storeGet reads through the breaker so a dead store fails fast instead of
// costing a timeout per resolve.
func (c *Cache) storeGet(ctx context.Context, key string) (bool, *Entry, error) {
	if c.breaker == nil {
		return c.store.Get(ctx, key, c.now())
	}
	var found bool
	var entry *Entry
	err := c.breaker.Execute(ctx, func() error {
		var err error
		found, entry, err = c.store.Get(ctx, key, c.now())
		return err
	})
	if err != nil {
		return false, nil, err
	}
	return found, entry, nil
}

func (c *Cache) storePut(ctx context.Context, e *Entry) error {
	if c.breaker == nil {
		return c.store.Put(ctx, e)
	}
	return c.breaker.Execute(ctx, func() error {
		return c.store.Put(ctx, e)
	})
}

// touchAsync bumps an entry's hit counter without blocking the read path.
// Close waits for in-flight touches before closing the store; the mutex
// pairs the closed check with the WaitGroup add so a touch cannot slip in
// after Close has finished waiting.
func (c *Cache) touchAsync(key string) {
	c.closeMu.Lock()
	if c.closed.Load() {
		c.closeMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.closeMu.Unlock()
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.queryTimeout)
		defer cancel()
		if err := c.store.Touch(ctx, key); err != nil {
			c.log.Trace("hit count update failed for key %s: %s", key, err)
		}
	}()
}
