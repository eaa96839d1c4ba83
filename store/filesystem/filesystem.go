// Package filesystem implements a durable resource store that keeps one
// markdown document per resource under a root directory:
//
//	{root}/raw/{host}_{path}_{stamp}.md
//	{root}/cleaned/...
//	{root}/extracted/...
//
// Every document carries its metadata in a header block, so the store has no
// index to rebuild after a restart.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/backend"
	"github.com/wolfeidau/fetch-cache/expiry"
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Store persists resources as documents on the local filesystem.
type Store struct {
	fs        *backend.Filesystem
	config    expiry.Config
	logger    *slog.Logger
	now       func() time.Time
	stamps    fetchcache.Stamper
	reclaimer *expiry.Reclaimer

	// writeSweep receives the results of sweeps run by writes.
	writeSweep expiry.Hook

	initMu      sync.Mutex
	initialized bool

	// mu serializes mutations so that a sweep sees a consistent directory.
	mu sync.Mutex
}

// document is a decoded resource file.
type document struct {
	key     string
	uri     string
	meta    fetchcache.Metadata
	content string
	size    int64
}

// New creates a store rooted at root. The directory tree is created by Init
// or lazily by the first operation that needs it.
func New(root string, cfg expiry.Config, opts ...Option) (*Store, error) {
	fs, err := backend.NewFilesystem(root)
	if err != nil {
		return nil, err
	}

	cfg = cfg.WithDefaults()
	s := &Store{
		fs:     fs,
		config: cfg,
		logger: cfg.Logger.With("root", fs.Root()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reclaimer = expiry.NewReclaimer(s,
		expiry.WithInterval(cfg.CheckInterval),
		expiry.WithLogger(s.logger),
	)
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.fs.Root()
}

// Init creates the root directory and one subdirectory per resource type.
// It is safe to call more than once.
func (s *Store) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initialized {
		return nil
	}
	dirs := make([]string, 0, len(fetchcache.ResourceTypes))
	for _, t := range fetchcache.ResourceTypes {
		dirs = append(dirs, string(t))
	}
	if err := s.fs.Init(ctx, dirs...); err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	s.initialized = true
	return nil
}

// Write stores one tier for url.
func (s *Store) Write(ctx context.Context, url, content string, overrides fetchcache.Overrides) (string, error) {
	if err := s.Init(ctx); err != nil {
		return "", err
	}
	stamp := s.stamps.Next(s.now())
	return s.write(ctx, url, content, overrides.ResourceType, overrides, stamp)
}

// WriteMulti writes the raw tier and any cleaned and extracted tiers under one stamp.
func (s *Store) WriteMulti(ctx context.Context, params fetchcache.WriteMultiParams) (*fetchcache.WriteMultiResult, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
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

	data, err := encodeDocument(meta, content)
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A file left by an earlier process may already hold this stamp.
	key := s.keyFor(meta.ResourceType, url, stamp)
	for {
		_, err := s.fs.Stat(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("writing %s: %w", url, err)
		}
		stamp = s.stamps.Next(s.now())
		key = s.keyFor(meta.ResourceType, url, stamp)
	}

	if err := s.fs.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}
	uri := s.uriFor(key)
	s.logger.Debug("stored resource", "uri", uri, "size", len(data))

	result, err := s.sweepLocked(ctx)
	if err != nil {
		s.logger.Warn("eviction after write failed", "error", err)
	}
	s.writeSweep.Notify(ctx, result)
	return uri, nil
}

// OnWriteSweep registers fn to receive the result of the sweep that follows
// every write. fn must not call back into the store.
func (s *Store) OnWriteSweep(fn func(context.Context, *expiry.Result)) {
	s.writeSweep.Set(fn)
}

func (s *Store) keyFor(tier fetchcache.ResourceType, url string, stamp int64) string {
	return string(tier) + "/" + fetchcache.FileName(url, stamp)
}

func (s *Store) uriFor(key string) string {
	return fetchcache.FileScheme + filepath.ToSlash(s.fs.Path(key))
}

// keyForURI maps a file:// URI back to a backend key. URIs that do not name
// a document in one of the tier directories are invalid handles.
func (s *Store) keyForURI(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, fetchcache.FileScheme)
	if !ok || path == "" {
		return "", fmt.Errorf("%w: %q", fetchcache.ErrInvalidHandle, uri)
	}
	key, err := s.fs.Key(filepath.FromSlash(path))
	if err != nil {
		return "", fmt.Errorf("%w: %q", fetchcache.ErrInvalidHandle, uri)
	}
	tier, name, ok := strings.Cut(key, "/")
	if !ok || !fetchcache.ResourceType(tier).Valid() || strings.Contains(name, "/") || !strings.HasSuffix(name, fetchcache.DocumentExt) {
		return "", fmt.Errorf("%w: %q", fetchcache.ErrInvalidHandle, uri)
	}
	return key, nil
}

// Read returns the resource and records the access in its document.
// Failing to record the access is logged and does not fail the read.
func (s *Store) Read(ctx context.Context, uri string) (*fetchcache.Resource, error) {
	key, err := s.keyForURI(uri)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.loadLive(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}

	if now := s.now().Truncate(time.Millisecond); now.After(doc.meta.LastAccessTime) {
		doc.meta.LastAccessTime = now
		data, err := encodeDocument(doc.meta, doc.content)
		if err == nil {
			err = s.fs.Write(ctx, key, data)
		}
		if err != nil {
			s.logger.Warn("failed to record access time", "uri", uri, "error", err)
		}
	}
	return fetchcache.NewResource(doc.uri, doc.content, doc.meta), nil
}

// Exists reports whether uri is present and unexpired.
func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.keyForURI(uri)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.loadLive(ctx, key)
	switch {
	case errors.Is(err, fetchcache.ErrNotFound):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("checking %s: %w", uri, err)
	}
	return true, nil
}

// loadLive reads the document at key, deleting it when it has expired.
func (s *Store) loadLive(ctx context.Context, key string) (*document, error) {
	doc, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if expiry.IsExpired(doc.meta, s.now()) {
		if err := s.fs.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
			s.logger.Warn("failed to remove expired resource", "uri", doc.uri, "error", err)
		} else {
			s.logger.Debug("expired resource by TTL", "uri", doc.uri)
		}
		return nil, fetchcache.ErrNotFound
	}
	return doc, nil
}

func (s *Store) load(ctx context.Context, key string) (*document, error) {
	data, err := s.fs.Read(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, fetchcache.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	meta, content, err := decodeDocument(data)
	if err != nil {
		return nil, err
	}
	return &document{
		key:     key,
		uri:     s.uriFor(key),
		meta:    meta,
		content: content,
		size:    int64(len(data)),
	}, nil
}

// Delete removes uri regardless of TTL.
func (s *Store) Delete(ctx context.Context, uri string) error {
	key, err := s.keyForURI(uri)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.fs.Delete(ctx, key)
	if errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("deleting %s: %w", uri, fetchcache.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", uri, err)
	}
	return nil
}

// Evict force-removes uri ignoring its TTL.
func (s *Store) Evict(ctx context.Context, uri string) error {
	return s.Delete(ctx, uri)
}

// List returns every unexpired resource, oldest first.
func (s *Store) List(ctx context.Context) ([]*fetchcache.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.scan(ctx, true)
	if err != nil {
		return nil, err
	}
	return resources(docs), nil
}

// FindByURL returns the resources for url, newest first.
func (s *Store) FindByURL(ctx context.Context, url string) ([]*fetchcache.Resource, error) {
	return s.find(ctx, func(m fetchcache.Metadata) bool { return m.URL == url })
}

// FindByURLAndExtract returns the resources for url matching prompt, newest first.
func (s *Store) FindByURLAndExtract(ctx context.Context, url, prompt string) ([]*fetchcache.Resource, error) {
	return s.find(ctx, func(m fetchcache.Metadata) bool {
		return m.URL == url && fetchcache.MatchesExtract(m, prompt)
	})
}

func (s *Store) find(ctx context.Context, keep func(fetchcache.Metadata) bool) ([]*fetchcache.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.scan(ctx, true)
	if err != nil {
		return nil, err
	}
	var matched []*document
	for _, d := range docs {
		if keep(d.meta) {
			matched = append(matched, d)
		}
	}
	out := resources(matched)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Metadata.Timestamp, out[j].Metadata.Timestamp
		if !a.Equal(b) {
			return a.After(b)
		}
		return out[i].URI > out[j].URI
	})
	return out, nil
}

// scan decodes every document in the tier directories, ordered by creation
// time. Files that are not resource documents are skipped. When purge is set,
// expired documents are deleted and left out of the result.
func (s *Store) scan(ctx context.Context, purge bool) ([]*document, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}

	now := s.now()
	var docs []*document
	for _, tier := range fetchcache.ResourceTypes {
		keys, err := s.fs.List(ctx, string(tier))
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", tier, err)
		}
		for _, key := range keys {
			if !strings.HasSuffix(key, fetchcache.DocumentExt) {
				continue
			}
			doc, err := s.load(ctx, key)
			if errors.Is(err, fetchcache.ErrNotFound) {
				continue
			}
			if err != nil {
				s.logger.Warn("skipping unreadable resource", "key", key, "error", err)
				continue
			}
			if purge && expiry.IsExpired(doc.meta, now) {
				if err := s.fs.Delete(ctx, key); err != nil && !errors.Is(err, backend.ErrNotFound) {
					s.logger.Warn("failed to remove expired resource", "uri", doc.uri, "error", err)
				}
				continue
			}
			docs = append(docs, doc)
		}
	}

	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i].meta.Timestamp, docs[j].meta.Timestamp
		if !a.Equal(b) {
			return a.Before(b)
		}
		return docs[i].uri < docs[j].uri
	})
	return docs, nil
}

func resources(docs []*document) []*fetchcache.Resource {
	out := make([]*fetchcache.Resource, 0, len(docs))
	for _, d := range docs {
		out = append(out, fetchcache.NewResource(d.uri, d.content, d.meta))
	}
	return out
}

// GetStats returns a snapshot of the unexpired documents with their on-disk sizes.
func (s *Store) GetStats(ctx context.Context) (*fetchcache.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, err := s.scan(ctx, true)
	if err != nil {
		return nil, err
	}

	stats := &fetchcache.Stats{
		MaxItems:     s.config.MaxItems,
		MaxSizeBytes: s.config.MaxSize,
		DefaultTTL:   s.config.DefaultTTL,
	}
	for _, d := range docs {
		info, err := s.fs.Stat(ctx, d.key)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", d.uri, err)
		}
		stats.ItemCount++
		stats.TotalSizeBytes += info.Size
		stats.Resources = append(stats.Resources, fetchcache.ResourceSummary{
			URI:            d.uri,
			URL:            d.meta.URL,
			SizeBytes:      info.Size,
			Timestamp:      d.meta.Timestamp,
			LastAccessTime: d.meta.LastAccessTime,
			TTL:            d.meta.TTL,
			ResourceType:   d.meta.ResourceType,
		})
	}
	sort.Slice(stats.Resources, func(i, j int) bool {
		return stats.Resources[i].URI < stats.Resources[j].URI
	})
	return stats, nil
}

// Cleanup removes expired documents and then evicts by LRU.
func (s *Store) Cleanup(ctx context.Context) (*expiry.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.sweepLocked(ctx)
}

func (s *Store) sweepLocked(ctx context.Context) (*expiry.Result, error) {
	docs, err := s.scan(ctx, false)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]string, len(docs))
	entries := make([]expiry.Entry, 0, len(docs))
	for _, d := range docs {
		keys[d.uri] = d.key
		entries = append(entries, expiry.EntryFor(d.uri, d.size, d.meta))
	}
	return expiry.Sweep(ctx, entries, s.now(), s.config.Limits(),
		func(ctx context.Context, e expiry.Entry, _ expiry.Reason) error {
			err := s.fs.Delete(ctx, keys[e.Key])
			if errors.Is(err, backend.ErrNotFound) {
				return nil
			}
			return err
		},
		s.logger,
	), nil
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

// Close stops background sweeps. Documents stay on disk.
func (s *Store) Close() error {
	s.StopCleanup()
	return nil
}
