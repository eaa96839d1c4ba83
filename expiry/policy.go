// Package expiry provides the TTL and LRU eviction policy shared by every
// cache backend, and a background reclaimer that applies it periodically.
package expiry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// Reason records why an entry was removed.
type Reason string

const (
	ReasonTTL      Reason = "ttl"
	ReasonCapacity Reason = "capacity"
)

// IsExpired reports whether meta has expired at now.
// Entries with a zero TTL never expire.
func IsExpired(meta fetchcache.Metadata, now time.Time) bool {
	expiresAt, ok := meta.ExpiresAt()
	return ok && !now.Before(expiresAt)
}

// Entry is the backend-agnostic view of a cached resource used for eviction.
type Entry struct {
	Key        string
	Size       int64
	LastAccess time.Time
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time
}

// EntryFor builds an Entry from a resource's metadata.
func EntryFor(key string, size int64, meta fetchcache.Metadata) Entry {
	e := Entry{Key: key, Size: size, LastAccess: meta.LastAccessTime}
	if at, ok := meta.ExpiresAt(); ok {
		e.ExpiresAt = at
	}
	return e
}

// Expired reports whether the entry has expired at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Limits bounds a cache. A zero field disables that bound.
type Limits struct {
	MaxItems int
	MaxSize  int64
}

// Exceeded reports whether count items totalling size bytes violate the limits.
func (l Limits) Exceeded(count int, size int64) bool {
	return (l.MaxItems > 0 && count > l.MaxItems) || (l.MaxSize > 0 && size > l.MaxSize)
}

// SelectVictims returns the entries to evict, least recently accessed first,
// so that the remainder satisfies limits. Ties on access time are broken by
// key so the order is deterministic.
func SelectVictims(entries []Entry, limits Limits) []Entry {
	count := len(entries)
	var size int64
	for _, e := range entries {
		size += e.Size
	}
	if !limits.Exceeded(count, size) {
		return nil
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].LastAccess.Equal(sorted[j].LastAccess) {
			return sorted[i].LastAccess.Before(sorted[j].LastAccess)
		}
		return sorted[i].Key < sorted[j].Key
	})

	var victims []Entry
	for _, e := range sorted {
		if !limits.Exceeded(count, size) {
			break
		}
		victims = append(victims, e)
		count--
		size -= e.Size
	}
	return victims
}

// RemoveFunc deletes one entry from a backend.
type RemoveFunc func(ctx context.Context, e Entry, reason Reason) error

// Sweep removes expired entries and then evicts by LRU until limits hold.
// A failed removal is counted and logged and the sweep moves on.
func Sweep(ctx context.Context, entries []Entry, now time.Time, limits Limits, remove RemoveFunc, logger *slog.Logger) *Result {
	start := time.Now()
	result := &Result{}
	if logger == nil {
		logger = slog.Default()
	}

	// Phase 1: TTL expiration
	remaining := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Expired(now) {
			remaining = append(remaining, e)
			continue
		}
		if err := remove(ctx, e, ReasonTTL); err != nil {
			logger.Warn("failed to delete expired resource", "uri", e.Key, "error", err)
			result.Errors++
			continue
		}
		result.TTLExpired++
		result.BytesFreed += e.Size
		logger.Debug("expired resource by TTL", "uri", e.Key, "expires_at", e.ExpiresAt)
	}

	// Phase 2: LRU eviction while over either limit
	for _, e := range SelectVictims(remaining, limits) {
		if err := remove(ctx, e, ReasonCapacity); err != nil {
			logger.Warn("failed to evict resource by LRU", "uri", e.Key, "error", err)
			result.Errors++
			continue
		}
		result.LRUEvicted++
		result.BytesFreed += e.Size
		logger.Debug("evicted resource by LRU",
			"uri", e.Key,
			"last_accessed", e.LastAccess,
			"size", e.Size,
		)
	}

	result.Duration = time.Since(start)
	return result
}

// Result contains the results of a cleanup run.
type Result struct {
	TTLExpired int
	LRUEvicted int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// Removed returns the number of entries removed by the run.
func (r *Result) Removed() int {
	return r.TTLExpired + r.LRUEvicted
}
