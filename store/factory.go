package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/wolfeidau/fetch-cache/store/bolt"
	"github.com/wolfeidau/fetch-cache/store/filesystem"
	"github.com/wolfeidau/fetch-cache/store/memory"
)

// Compile-time interface checks
var (
	_ Store = (*memory.Store)(nil)
	_ Store = (*filesystem.Store)(nil)
	_ Store = (*bolt.Store)(nil)
)

// Open validates cfg and constructs a new backend. Durable backends are
// initialized before they are returned.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Backend == "" {
		cfg.Backend = KindMemory
	}
	if cfg.Logger == nil {
		cfg.Logger = DefaultConfig().Logger
	}
	if err := cfg.Validate(ctx); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	logger := cfg.Logger.With("component", "store", "backend", string(cfg.Backend))
	cfg.Logger = logger
	exp := cfg.Expiry()

	switch cfg.Backend {
	case KindMemory:
		return memory.New(exp), nil
	case KindFilesystem:
		s, err := filesystem.New(cfg.Path, exp)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case KindBolt:
		return bolt.New(filepath.Join(cfg.Path, BoltFile), exp)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Factory resolves one store from its configuration and hands out that same
// instance until Reset.
type Factory struct {
	config Config

	mu    sync.Mutex
	store Store
}

// NewFactory creates a factory for cfg. Nothing is opened until Store is called.
func NewFactory(cfg Config) *Factory {
	return &Factory{config: cfg}
}

// Config returns the factory configuration.
func (f *Factory) Config() Config {
	return f.config
}

// Store returns the shared store, opening it on first use. The store is
// wrapped with Instrumented, and background sweeps are started when the
// configuration asks for them.
func (f *Factory) Store(ctx context.Context) (Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store != nil {
		return f.store, nil
	}
	s, err := Open(ctx, f.config)
	if err != nil {
		return nil, err
	}
	inst := NewInstrumented(s, string(f.config.Backend), f.config.Expiry())
	if f.config.AutoCleanup {
		inst.StartCleanup(context.WithoutCancel(ctx))
	}
	f.store = inst
	return f.store, nil
}

// Reset stops background sweeps, closes the shared store and forgets it so
// that the next call to Store opens a fresh one. Intended for tests.
func (f *Factory) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.store == nil {
		return nil
	}
	f.store.StopCleanup()
	err := f.store.Close()
	f.store = nil
	return err
}

var (
	sharedMu      sync.Mutex
	sharedFactory *Factory
)

// Shared returns the process-wide store. The configuration of the first call
// wins; later calls return the same instance whatever they pass.
func Shared(ctx context.Context, cfg Config) (Store, error) {
	sharedMu.Lock()
	if sharedFactory == nil {
		sharedFactory = NewFactory(cfg)
	}
	f := sharedFactory
	sharedMu.Unlock()

	return f.Store(ctx)
}

// ResetShared closes the process-wide store and forgets its configuration.
func ResetShared() error {
	sharedMu.Lock()
	f := sharedFactory
	sharedFactory = nil
	sharedMu.Unlock()

	if f == nil {
		return nil
	}
	return f.Reset()
}
