package expiry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultTTL is stamped onto writes that do not carry their own TTL.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxSize is the default bound on total stored bytes (100 MiB).
	DefaultMaxSize = 100 * 1024 * 1024
	// DefaultMaxItems is the default bound on the number of stored resources.
	DefaultMaxItems = 1000
	// DefaultInterval is the default period between background sweeps.
	DefaultInterval = time.Minute
)

// Config holds the eviction settings of a backend.
type Config struct {
	// DefaultTTL is applied to writes without an explicit TTL.
	// Zero means such writes never expire.
	DefaultTTL time.Duration

	// MaxItems is the maximum number of stored resources.
	// Zero means no count limit.
	MaxItems int

	// MaxSize is the maximum total size of stored resources in bytes.
	// When exceeded, LRU eviction removes least recently read resources.
	// Zero means no size limit.
	MaxSize int64

	// CheckInterval is how often the background reclaimer sweeps.
	// Default is 1 minute.
	CheckInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:    DefaultTTL,
		MaxItems:      DefaultMaxItems,
		MaxSize:       DefaultMaxSize,
		CheckInterval: DefaultInterval,
		Logger:        slog.Default(),
	}
}

// Limits returns the capacity bounds of the configuration.
func (c Config) Limits() Limits {
	return Limits{MaxItems: c.MaxItems, MaxSize: c.MaxSize}
}

// WithDefaults fills in the interval and logger when unset.
func (c Config) WithDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Sweeper is implemented by backends that can run a one-shot cleanup.
type Sweeper interface {
	Cleanup(ctx context.Context) (*Result, error)
}

// Hook is a sweep callback that can be attached after construction.
// The zero value has no callback.
type Hook struct {
	fn atomic.Pointer[func(context.Context, *Result)]
}

// Set replaces the callback. A nil fn detaches it.
func (h *Hook) Set(fn func(context.Context, *Result)) {
	if fn == nil {
		h.fn.Store(nil)
		return
	}
	h.fn.Store(&fn)
}

// Notify passes r to the callback, if one is set.
func (h *Hook) Notify(ctx context.Context, r *Result) {
	if fn := h.fn.Load(); fn != nil && r != nil {
		(*fn)(ctx, r)
	}
}

// ReclaimerOption configures a Reclaimer.
type ReclaimerOption func(*Reclaimer)

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) ReclaimerOption {
	return func(r *Reclaimer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger for sweep events.
func WithLogger(logger *slog.Logger) ReclaimerOption {
	return func(r *Reclaimer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOnSweep registers a callback invoked with the result of every sweep.
func WithOnSweep(fn func(context.Context, *Result)) ReclaimerOption {
	return func(r *Reclaimer) {
		r.onSweep = fn
	}
}

// Reclaimer periodically invokes a Sweeper so that expired entries are
// removed even when nothing reads them.
type Reclaimer struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
	onSweep  func(context.Context, *Result)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewReclaimer creates a reclaimer for s. It does nothing until Start is called.
func NewReclaimer(s Sweeper, opts ...ReclaimerOption) *Reclaimer {
	r := &Reclaimer{
		sweeper:  s,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Interval returns the sweep period.
func (r *Reclaimer) Interval() time.Duration {
	return r.interval
}

// Start begins background sweeps. Calling Start while running has no effect.
func (r *Reclaimer) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(ctx, r.stopCh, r.doneCh)
}

// Stop halts background sweeps and waits for an in-flight sweep to finish.
// Calling Stop when not running has no effect.
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether background sweeps are active.
func (r *Reclaimer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Reclaimer) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Debug("reclaimer started", "interval", r.interval)

	for {
		select {
		case <-ctx.Done():
			r.markStopped(stopCh)
			return
		case <-stopCh:
			r.logger.Debug("reclaimer stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// markStopped clears the running flag when the loop exits on context
// cancellation, unless a newer loop has already been started.
func (r *Reclaimer) markStopped(stopCh <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running && r.stopCh == stopCh {
		r.running = false
	}
}

// RunOnce performs a single sweep. Failures are logged, never returned, so
// one bad cycle does not end the loop.
func (r *Reclaimer) RunOnce(ctx context.Context) *Result {
	result, err := r.sweeper.Cleanup(ctx)
	if err != nil {
		r.logger.Error("cleanup sweep failed", "error", err)
		if result == nil {
			result = &Result{}
		}
		result.Errors++
	}

	if result.Removed() > 0 {
		r.logger.Info("expiration complete",
			"ttl_expired", result.TTLExpired,
			"lru_evicted", result.LRUEvicted,
			"bytes_freed", result.BytesFreed,
			"duration", result.Duration,
		)
	} else {
		r.logger.Debug("expiration complete, nothing to expire")
	}

	if r.onSweep != nil {
		r.onSweep(ctx, result)
	}
	return result
}
