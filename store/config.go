package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/wolfeidau/fetch-cache/expiry"
)

// Kind selects a storage backend.
type Kind string

const (
	KindMemory     Kind = "memory"
	KindFilesystem Kind = "filesystem"
	KindBolt       Kind = "bolt"
)

// Kinds lists every supported backend.
var Kinds = []Kind{KindMemory, KindFilesystem, KindBolt}

// Durable reports whether the backend keeps resources across restarts.
func (k Kind) Durable() bool {
	return k == KindFilesystem || k == KindBolt
}

// BoltFile is the database file name used inside Path by the bolt backend.
const BoltFile = "cache.db"

// Config selects and tunes a backend.
type Config struct {
	// Backend is the storage backend. Default is memory.
	Backend Kind

	// Path is the root directory of the durable backends. The memory
	// backend ignores it.
	Path string

	// DefaultTTL is stamped onto writes without their own TTL.
	// Zero means such writes never expire.
	DefaultTTL time.Duration

	// MaxSize is the maximum total size in bytes. Zero disables the bound.
	MaxSize int64

	// MaxItems is the maximum number of resources. Zero disables the bound.
	MaxItems int

	// CleanupInterval is the background sweep period.
	CleanupInterval time.Duration

	// AutoCleanup starts background sweeps when the factory opens the store.
	AutoCleanup bool

	// Logger for the backend.
	Logger *slog.Logger
}

// DefaultPath is the durable root used when none is configured.
func DefaultPath() string {
	return filepath.Join(os.TempDir(), "fetch-cache")
}

// DefaultConfig returns the default configuration: an in-memory cache with
// a 24 hour TTL holding at most 1000 resources or 100 MiB.
func DefaultConfig() Config {
	return Config{
		Backend:         KindMemory,
		Path:            DefaultPath(),
		DefaultTTL:      expiry.DefaultTTL,
		MaxSize:         expiry.DefaultMaxSize,
		MaxItems:        expiry.DefaultMaxItems,
		CleanupInterval: expiry.DefaultInterval,
		Logger:          slog.Default(),
	}
}

// Validate checks the configuration.
func (c Config) Validate(ctx context.Context) error {
	kinds := make([]any, 0, len(Kinds))
	for _, k := range Kinds {
		kinds = append(kinds, k)
	}
	return validation.ValidateStructWithContext(ctx, &c,
		validation.Field(&c.Backend, validation.Required, validation.In(kinds...)),
		validation.Field(&c.Path, validation.When(c.Backend.Durable(), validation.Required)),
		validation.Field(&c.DefaultTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.MaxSize, validation.Min(int64(0))),
		validation.Field(&c.MaxItems, validation.Min(0)),
		validation.Field(&c.CleanupInterval, validation.Min(time.Duration(0))),
	)
}

// Expiry returns the eviction settings for the backend.
func (c Config) Expiry() expiry.Config {
	return expiry.Config{
		DefaultTTL:    c.DefaultTTL,
		MaxItems:      c.MaxItems,
		MaxSize:       c.MaxSize,
		CheckInterval: c.CleanupInterval,
		Logger:        c.Logger,
	}.WithDefaults()
}
