// Package memory implements a volatile, in-process resource store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
)

type entry struct {
	uri  string
	text string
	meta fetchcache.Metadata
	size int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store keeps resources in a map keyed by URI. Nothing survives the process.
type Store struct {
	config    expiry.Config
	logger    *slog.Logger
	now       func() time.Time
	stamps    fetchcache.Stamper
	reclaimer *expiry.Reclaimer

	// writeSweep receives the results of sweeps run by writes.
	writeSweep expiry.Hook

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates an empty store governed by cfg.
func New(cfg expiry.Config, opts ...Option) *Store {
	cfg = cfg.WithDefaults()
	s := &Store{
		config:  cfg,
		logger:  cfg.Logger,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reclaimer = expiry.NewReclaimer(s,
		expiry.WithInterval(cfg.CheckInterval),
		expiry.WithLogger(s.logger),
	)
	return s
}

// Write stores one tier for url.
func (s *Store) Write(ctx context.Context, url, content string, overrides fetchcache.Overrides) (string, error) {
	stamp := s.stamps.Next(s.now())
	return s.write(ctx, url, content, overrides.ResourceType, overrides, stamp)
}

// WriteMulti writes the raw tier and any cleaned and extracted tiers under one stamp.
func (s *Store) WriteMulti(ctx context.Context, params fetchcache.WriteMultiParams) (*fetchcache.WriteMultiResult, error) {
	stamp := s.stamps.Next(s.now())
	result := &fetchcache.WriteMultiResult{}

	var err error
	result.Raw, err = s.write(ctx, params.URL, params.Raw, fetchcache.ResourceRaw, params.Metadata, stamp)
	if err != nil {
		return result, err
	}
	if params.Cleaned != "" {
		result.Cleaned, err = s.write(ctx, params.URL, params.Cleaned, fetchcache.ResourceCleaned, params.Metadata, stamp)
		if err != nil {
			return result, err
		}
	}
	if params.Extracted != "" {
		result.Extracted, err = s.write(ctx, params.URL, params.Extracted, fetchcache.ResourceExtracted, params.Metadata, stamp)
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (s *Store) write(ctx context.Context, url, content string, tier fetchcache.ResourceType, overrides fetchcache.Overrides, stamp int64) (string, error) {
	if tier != "" && !tier.Valid() {
		return "", fmt.Errorf("writing %s: unknown resource type %q", url, tier)
	}
	meta, err := fetchcache.NewMetadata(url, tier, overrides, s.config.DefaultTTL, s.now())
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}
	uri := fetchcache.SchemeURI(fetchcache.MemoryScheme, meta.ResourceType, url, stamp)

	size, err := entrySize(content, meta)
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", uri, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[uri] = &entry{uri: uri, text: content, meta: meta, size: size}
	s.writeSweep.Notify(ctx, s.sweepLocked(ctx))
	return uri, nil
}

// OnWriteSweep registers fn to receive the result of the sweep that follows
// every write. fn must not call back into the store.
func (s *Store) OnWriteSweep(fn func(context.Context, *expiry.Result)) {
	s.writeSweep.Set(fn)
}

// entrySize approximates the footprint of an entry as content plus serialized metadata.
func entrySize(content string, meta fetchcache.Metadata) (int64, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("encoding metadata: %w", err)
	}
	return int64(len(content) + len(data)), nil
}

// Read returns the resource and refreshes its last access time.
func (s *Store) Read(_ context.Context, uri string) (*fetchcache.Resource, error) {
	if err := checkURI(uri); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.liveLocked(uri)
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", uri, fetchcache.ErrNotFound)
	}
	if now := s.now().Truncate(time.Millisecond); now.After(e.meta.LastAccessTime) {
		e.meta.LastAccessTime = now
	}
	return fetchcache.NewResource(e.uri, e.text, e.meta), nil
}

// Exists reports whether uri is present and unexpired.
func (s *Store) Exists(_ context.Context, uri string) (bool, error) {
	if err := checkURI(uri); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.liveLocked(uri)
	return ok, nil
}

// liveLocked returns the entry for uri, removing it first if it has expired.
func (s *Store) liveLocked(uri string) (*entry, bool) {
	e, ok := s.entries[uri]
	if !ok {
		return nil, false
	}
	if expiry.IsExpired(e.meta, s.now()) {
		delete(s.entries, uri)
		s.logger.Debug("expired resource by TTL", "uri", uri)
		return nil, false
	}
	return e, true
}

// Delete removes uri regardless of TTL.
func (s *Store) Delete(_ context.Context, uri string) error {
	if err := checkURI(uri); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[uri]; !ok {
		return fmt.Errorf("deleting %s: %w", uri, fetchcache.ErrNotFound)
	}
	delete(s.entries, uri)
	return nil
}

// Evict force-removes uri ignoring its TTL.
func (s *Store) Evict(ctx context.Context, uri string) error {
	return s.Delete(ctx, uri)
}

// List returns every unexpired resource, oldest first.
func (s *Store) List(_ context.Context) ([]*fetchcache.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.listLocked(func(*entry) bool { return true }), nil
}

// FindByURL returns the resources for url, newest first.
func (s *Store) FindByURL(_ context.Context, url string) ([]*fetchcache.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.listLocked(func(e *entry) bool { return e.meta.URL == url })
	newestFirst(found)
	return found, nil
}

// FindByURLAndExtract returns the resources for url matching prompt, newest first.
func (s *Store) FindByURLAndExtract(_ context.Context, url, prompt string) ([]*fetchcache.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := s.listLocked(func(e *entry) bool {
		return e.meta.URL == url && fetchcache.MatchesExtract(e.meta, prompt)
	})
	newestFirst(found)
	return found, nil
}

// listLocked drops expired entries and returns the rest that match keep,
// ordered by creation time.
func (s *Store) listLocked(keep func(*entry) bool) []*fetchcache.Resource {
	s.purgeExpiredLocked()

	var out []*fetchcache.Resource
	for _, e := range s.entries {
		if keep(e) {
			out = append(out, fetchcache.NewResource(e.uri, e.text, e.meta))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Metadata.Timestamp, out[j].Metadata.Timestamp
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].URI < out[j].URI
	})
	return out
}

func (s *Store) purgeExpiredLocked() {
	now := s.now()
	for uri, e := range s.entries {
		if expiry.IsExpired(e.meta, now) {
			delete(s.entries, uri)
			s.logger.Debug("expired resource by TTL", "uri", uri)
		}
	}
}

func newestFirst(resources []*fetchcache.Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		a, b := resources[i].Metadata.Timestamp, resources[j].Metadata.Timestamp
		if !a.Equal(b) {
			return a.After(b)
		}
		return resources[i].URI > resources[j].URI
	})
}

// GetStats returns a snapshot of the unexpired entries.
func (s *Store) GetStats(_ context.Context) (*fetchcache.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked()

	stats := &fetchcache.Stats{
		MaxItems:     s.config.MaxItems,
		MaxSizeBytes: s.config.MaxSize,
		DefaultTTL:   s.config.DefaultTTL,
	}
	for _, e := range s.entries {
		stats.ItemCount++
		stats.TotalSizeBytes += e.size
		stats.Resources = append(stats.Resources, fetchcache.ResourceSummary{
			URI:            e.uri,
			URL:            e.meta.URL,
			SizeBytes:      e.size,
			Timestamp:      e.meta.Timestamp,
			LastAccessTime: e.meta.LastAccessTime,
			TTL:            e.meta.TTL,
			ResourceType:   e.meta.ResourceType,
		})
	}
	sort.Slice(stats.Resources, func(i, j int) bool {
		return stats.Resources[i].URI < stats.Resources[j].URI
	})
	return stats, nil
}

// Cleanup removes expired entries and then evicts by LRU.
func (s *Store) Cleanup(ctx context.Context) (*expiry.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked(ctx), nil
}

func (s *Store) sweepLocked(ctx context.Context) *expiry.Result {
	entries := make([]expiry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, expiry.EntryFor(e.uri, e.size, e.meta))
	}
	return expiry.Sweep(ctx, entries, s.now(), s.config.Limits(),
		func(_ context.Context, e expiry.Entry, _ expiry.Reason) error {
			delete(s.entries, e.Key)
			return nil
		},
		s.logger,
	)
}

// StartCleanup begins background sweeps.
func (s *Store) StartCleanup(ctx context.Context) {
	s.reclaimer.Start(ctx)
}

// StopCleanup halts background sweeps.
func (s *Store) StopCleanup() {
	s.reclaimer.Stop()
}

// CleanupRunning reports whether background sweeps are active.
func (s *Store) CleanupRunning() bool {
	return s.reclaimer.Running()
}

// Close stops background sweeps and drops every entry.
func (s *Store) Close() error {
	s.StopCleanup()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
	return nil
}

func checkURI(uri string) error {
	if _, err := fetchcache.ParseSchemeURI(fetchcache.MemoryScheme, uri); err != nil {
		return fmt.Errorf("%w: %q", err, uri)
	}
	return nil
}
