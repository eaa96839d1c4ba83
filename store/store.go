// Package store defines the resource storage contract shared by the cache
// backends, selects a backend from configuration, and wraps stores with
// telemetry.
package store

import (
	"context"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
)

// Store is the capability every cache backend provides.
// Implementations must be safe for concurrent use.
type Store interface {
	// Write stores one tier for url and returns its URI. The tier is taken
	// from overrides.ResourceType and defaults to raw.
	Write(ctx context.Context, url, content string, overrides fetchcache.Overrides) (string, error)

	// WriteMulti writes the raw tier and, when present, the cleaned and
	// extracted tiers. Tiers are written in that order; a failure stops the
	// sequence and leaves earlier tiers in place.
	WriteMulti(ctx context.Context, params fetchcache.WriteMultiParams) (*fetchcache.WriteMultiResult, error)

	// Read returns the resource and refreshes its last access time.
	// Returns fetchcache.ErrNotFound if the URI is unknown or has expired.
	Read(ctx context.Context, uri string) (*fetchcache.Resource, error)

	// Exists reports whether the URI is present and unexpired without
	// touching its last access time.
	Exists(ctx context.Context, uri string) (bool, error)

	// Delete removes the resource regardless of TTL.
	// Returns fetchcache.ErrNotFound if the URI is unknown.
	Delete(ctx context.Context, uri string) error

	// List returns every unexpired resource across all tiers.
	List(ctx context.Context) ([]*fetchcache.Resource, error)

	// FindByURL returns the unexpired resources for url, newest first.
	FindByURL(ctx context.Context, url string) ([]*fetchcache.Resource, error)

	// FindByURLAndExtract narrows FindByURL by extraction prompt. With a
	// prompt only extracted entries with exactly that prompt match; with an
	// empty prompt only entries without a prompt match.
	FindByURLAndExtract(ctx context.Context, url, prompt string) ([]*fetchcache.Resource, error)

	// GetStats returns a snapshot of the cache.
	GetStats(ctx context.Context) (*fetchcache.Stats, error)

	// Cleanup removes expired entries and then evicts by LRU until the
	// configured limits hold.
	Cleanup(ctx context.Context) (*expiry.Result, error)

	// Evict removes the resource ignoring its TTL.
	Evict(ctx context.Context, uri string) error

	// StartCleanup begins background sweeps; it is a no-op when running.
	StartCleanup(ctx context.Context)

	// StopCleanup halts background sweeps; it is a no-op when stopped.
	StopCleanup()

	// Close stops background work and releases resources.
	Close() error
}
