// Package bolt implements a durable resource store in a single bbolt
// database file. Metadata records and content bodies live in separate
// buckets keyed by the resource key "{tier}/{host}{path}_{stamp}"; bodies
// above a threshold are zstd compressed.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
	"go.etcd.io/bbolt"
)

var (
	bucketResources = []byte("resources")
	bucketContent   = []byte("content")
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: this risks data loss on crash. Use only for tests.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// Store persists resources in a bbolt database.
type Store struct {
	db        *bbolt.DB
	codec     *Codec
	path      string
	config    expiry.Config
	logger    *slog.Logger
	now       func() time.Time
	noSync    bool
	stamps    fetchcache.Stamper
	reclaimer *expiry.Reclaimer

	// writeSweep receives the results of sweeps run by writes.
	writeSweep expiry.Hook
}

// New opens or creates the database file at path.
func New(path string, cfg expiry.Config, opts ...Option) (*Store, error) {
	cfg = cfg.WithDefaults()
	s := &Store{
		path:   path,
		config: cfg,
		logger: cfg.Logger.With("db", path),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketResources, bucketContent} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.codec = codec

	s.reclaimer = expiry.NewReclaimer(s,
		expiry.WithInterval(cfg.CheckInterval),
		expiry.WithLogger(s.logger),
	)
	s.logger.Debug("opened bolt store", "noSync", s.noSync)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
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

	payload, encoding, digest, err := s.codec.Encode([]byte(content))
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}
	rec, err := marshalRecord(record{meta: meta, encoding: encoding, digest: digest, size: int64(len(content))})
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}

	var (
		key   string
		swept *expiry.Result
	)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)

		// Stamps restart from the clock after a reopen and may collide.
		key = keyFor(meta.ResourceType, url, stamp)
		for resources.Get([]byte(key)) != nil {
			stamp = s.stamps.Next(s.now())
			key = keyFor(meta.ResourceType, url, stamp)
		}

		if err := resources.Put([]byte(key), rec); err != nil {
			return err
		}
		if err := tx.Bucket(bucketContent).Put([]byte(key), payload); err != nil {
			return err
		}
		result, err := s.sweepTx(ctx, tx)
		swept = result
		return err
	})
	if err != nil {
		return "", fmt.Errorf("writing %s: %w", url, err)
	}
	s.writeSweep.Notify(ctx, swept)

	uri := fetchcache.BoltScheme + key
	s.logger.Debug("stored resource", "uri", uri, "size", len(payload), "encoding", encoding)
	return uri, nil
}

// OnWriteSweep registers fn to receive the result of the sweep that follows
// every write. fn must not call back into the store.
func (s *Store) OnWriteSweep(fn func(context.Context, *expiry.Result)) {
	s.writeSweep.Set(fn)
}

func keyFor(tier fetchcache.ResourceType, url string, stamp int64) string {
	return string(tier) + "/" + fetchcache.ResourceKey(url, stamp)
}

func keyForURI(uri string) ([]byte, error) {
	if _, err := fetchcache.ParseSchemeURI(fetchcache.BoltScheme, uri); err != nil {
		return nil, fmt.Errorf("%w: %q", err, uri)
	}
	return []byte(strings.TrimPrefix(uri, fetchcache.BoltScheme)), nil
}

// Read returns the resource and refreshes its last access time.
func (s *Store) Read(_ context.Context, uri string) (*fetchcache.Resource, error) {
	key, err := keyForURI(uri)
	if err != nil {
		return nil, err
	}

	var res *fetchcache.Resource
	err = s.db.Update(func(tx *bbolt.Tx) error {
		rec, ok, err := s.liveTx(tx, key)
		if err != nil || !ok {
			return err
		}

		text, err := s.contentTx(tx, key, rec)
		if err != nil {
			return err
		}

		if now := s.now().Truncate(time.Millisecond); now.After(rec.meta.LastAccessTime) {
			rec.meta.LastAccessTime = now
			data, err := marshalRecord(rec)
			if err != nil {
				return err
			}
			if err := tx.Bucket(bucketResources).Put(key, data); err != nil {
				return err
			}
		}
		res = fetchcache.NewResource(uri, text, rec.meta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uri, err)
	}
	if res == nil {
		return nil, fmt.Errorf("reading %s: %w", uri, fetchcache.ErrNotFound)
	}
	return res, nil
}

// Exists reports whether uri is present and unexpired.
func (s *Store) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := keyForURI(uri)
	if err != nil {
		return false, err
	}

	var rec record
	var found bool
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketResources).Get(key)
		if data == nil {
			return nil
		}
		found = true
		var decodeErr error
		rec, decodeErr = unmarshalRecord(data)
		return decodeErr
	})
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", uri, err)
	}
	if !found {
		return false, nil
	}
	if expiry.IsExpired(rec.meta, s.now()) {
		s.purge(ctx, [][]byte{key})
		return false, nil
	}
	return true, nil
}

// liveTx loads the record at key. Expired records are deleted and reported
// as absent.
func (s *Store) liveTx(tx *bbolt.Tx, key []byte) (record, bool, error) {
	data := tx.Bucket(bucketResources).Get(key)
	if data == nil {
		return record{}, false, nil
	}
	rec, err := unmarshalRecord(data)
	if err != nil {
		return record{}, false, err
	}
	if expiry.IsExpired(rec.meta, s.now()) {
		if err := deleteTx(tx, key); err != nil {
			return record{}, false, err
		}
		s.logger.Debug("expired resource by TTL", "uri", fetchcache.BoltScheme+string(key))
		return record{}, false, nil
	}
	return rec, true, nil
}

func (s *Store) contentTx(tx *bbolt.Tx, key []byte, rec record) (string, error) {
	payload := tx.Bucket(bucketContent).Get(key)
	data, err := s.codec.Decode(payload, rec.encoding, rec.digest)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func deleteTx(tx *bbolt.Tx, key []byte) error {
	if err := tx.Bucket(bucketResources).Delete(key); err != nil {
		return err
	}
	return tx.Bucket(bucketContent).Delete(key)
}

// purge deletes expired keys found by a read-only pass. Failures are logged;
// the next sweep retries them.
func (s *Store) purge(_ context.Context, keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, key := range keys {
			if err := deleteTx(tx, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to remove expired resources", "count", len(keys), "error", err)
		return
	}
	s.logger.Debug("expired resources by TTL", "count", len(keys))
}

// Delete removes uri regardless of TTL.
func (s *Store) Delete(_ context.Context, uri string) error {
	key, err := keyForURI(uri)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketResources).Get(key) == nil {
			return fetchcache.ErrNotFound
		}
		return deleteTx(tx, key)
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", uri, err)
	}
	return nil
}

// Evict force-removes uri ignoring its TTL.
func (s *Store) Evict(ctx context.Context, uri string) error {
	return s.Delete(ctx, uri)
}

// item is a decoded record together with its key and stored size.
type item struct {
	key  []byte
	uri  string
	rec  record
	size int64
}

// scan decodes every record. When withContent is set, text holds the
// decoded content keyed by URI. Expired records are deleted afterwards.
func (s *Store) scan(ctx context.Context, keep func(fetchcache.Metadata) bool, withContent bool) ([]item, map[string]string, error) {
	now := s.now()
	var items []item
	var expired [][]byte
	texts := make(map[string]string)

	err := s.db.View(func(tx *bbolt.Tx) error {
		content := tx.Bucket(bucketContent)
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			rec, err := unmarshalRecord(v)
			if err != nil {
				s.logger.Warn("skipping unreadable record", "key", string(k), "error", err)
				return nil
			}
			if expiry.IsExpired(rec.meta, now) {
				expired = append(expired, bytes.Clone(k))
				return nil
			}
			if !keep(rec.meta) {
				return nil
			}
			it := item{
				key:  bytes.Clone(k),
				uri:  fetchcache.BoltScheme + string(k),
				rec:  rec,
				size: int64(len(v) + len(content.Get(k))),
			}
			if withContent {
				text, err := s.contentTx(tx, k, rec)
				if err != nil {
					s.logger.Warn("skipping unreadable content", "uri", it.uri, "error", err)
					return nil
				}
				texts[it.uri] = text
			}
			items = append(items, it)
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scanning resources: %w", err)
	}

	s.purge(ctx, expired)

	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].rec.meta.Timestamp, items[j].rec.meta.Timestamp
		if !a.Equal(b) {
			return a.Before(b)
		}
		return items[i].uri < items[j].uri
	})
	return items, texts, nil
}

func all(fetchcache.Metadata) bool { return true }

// List returns every unexpired resource, oldest first.
func (s *Store) List(ctx context.Context) ([]*fetchcache.Resource, error) {
	items, texts, err := s.scan(ctx, all, true)
	if err != nil {
		return nil, err
	}
	out := make([]*fetchcache.Resource, 0, len(items))
	for _, it := range items {
		out = append(out, fetchcache.NewResource(it.uri, texts[it.uri], it.rec.meta))
	}
	return out, nil
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
	items, texts, err := s.scan(ctx, keep, true)
	if err != nil {
		return nil, err
	}
	out := make([]*fetchcache.Resource, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		it := items[i]
		out = append(out, fetchcache.NewResource(it.uri, texts[it.uri], it.rec.meta))
	}
	return out, nil
}

// GetStats returns a snapshot of the unexpired records. Sizes count the
// stored record and content bytes.
func (s *Store) GetStats(ctx context.Context) (*fetchcache.Stats, error) {
	items, _, err := s.scan(ctx, all, false)
	if err != nil {
		return nil, err
	}

	stats := &fetchcache.Stats{
		MaxItems:     s.config.MaxItems,
		MaxSizeBytes: s.config.MaxSize,
		DefaultTTL:   s.config.DefaultTTL,
	}
	for _, it := range items {
		stats.ItemCount++
		stats.TotalSizeBytes += it.size
		stats.Resources = append(stats.Resources, fetchcache.ResourceSummary{
			URI:            it.uri,
			URL:            it.rec.meta.URL,
			SizeBytes:      it.size,
			Timestamp:      it.rec.meta.Timestamp,
			LastAccessTime: it.rec.meta.LastAccessTime,
			TTL:            it.rec.meta.TTL,
			ResourceType:   it.rec.meta.ResourceType,
		})
	}
	sort.Slice(stats.Resources, func(i, j int) bool {
		return stats.Resources[i].URI < stats.Resources[j].URI
	})
	return stats, nil
}

// Cleanup removes expired records and then evicts by LRU.
func (s *Store) Cleanup(ctx context.Context) (*expiry.Result, error) {
	var result *expiry.Result
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = s.sweepTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: %w", err)
	}
	return result, nil
}

// sweepTx runs the expiry sweep inside a write transaction.
func (s *Store) sweepTx(ctx context.Context, tx *bbolt.Tx) (*expiry.Result, error) {
	content := tx.Bucket(bucketContent)
	var entries []expiry.Entry
	err := tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
		rec, err := unmarshalRecord(v)
		if err != nil {
			s.logger.Warn("skipping unreadable record", "key", string(k), "error", err)
			return nil
		}
		size := int64(len(v) + len(content.Get(k)))
		entries = append(entries, expiry.EntryFor(string(k), size, rec.meta))
		return nil
	})
	if err != nil {
		return nil, err
	}

	return expiry.Sweep(ctx, entries, s.now(), s.config.Limits(),
		func(_ context.Context, e expiry.Entry, _ expiry.Reason) error {
			return deleteTx(tx, []byte(e.Key))
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

// Close stops background sweeps and closes the database.
func (s *Store) Close() error {
	s.StopCleanup()
	if s.codec != nil {
		s.codec.Close()
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
