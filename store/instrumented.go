package store

import (
	"context"
	"errors"
	"time"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
	"github.com/wolfeidau/fetch-cache/telemetry"
)

// Instrumented wraps a Store and reports cache events through telemetry.
// Background sweeps run through the wrapper so that their results are
// recorded too.
type Instrumented struct {
	next      Store
	backend   string
	reclaimer *expiry.Reclaimer
}

// writeSweepNotifier is implemented by backends that report the sweep run
// after each write.
type writeSweepNotifier interface {
	OnWriteSweep(fn func(context.Context, *expiry.Result))
}

// NewInstrumented wraps next. backend labels the metrics; cfg supplies the
// sweep interval and logger. Evictions made by write-time sweeps are recorded
// when next reports them.
func NewInstrumented(next Store, backend string, cfg expiry.Config) *Instrumented {
	cfg = cfg.WithDefaults()
	s := &Instrumented{next: next, backend: backend}
	s.reclaimer = expiry.NewReclaimer(s,
		expiry.WithInterval(cfg.CheckInterval),
		expiry.WithLogger(cfg.Logger),
		expiry.WithOnSweep(s.recordState),
	)
	if n, ok := next.(writeSweepNotifier); ok {
		n.OnWriteSweep(s.recordWriteSweep)
	}
	return s
}

// Unwrap returns the wrapped store.
func (s *Instrumented) Unwrap() Store {
	return s.next
}

func (s *Instrumented) observe(ctx context.Context, op string, start time.Time, err error) {
	telemetry.RecordOperation(ctx, s.backend, op, outcome(err), time.Since(start))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fetchcache.ErrNotFound):
		return "not_found"
	case errors.Is(err, fetchcache.ErrInvalidHandle):
		return "invalid"
	default:
		return "error"
	}
}

func lookupResult(found bool) telemetry.CacheResult {
	if found {
		return telemetry.CacheHit
	}
	return telemetry.CacheMiss
}

func (s *Instrumented) Write(ctx context.Context, url, content string, overrides fetchcache.Overrides) (string, error) {
	start := time.Now()
	uri, err := s.next.Write(ctx, url, content, overrides)
	s.observe(ctx, "write", start, err)
	if err == nil {
		tier := overrides.ResourceType
		if tier == "" {
			tier = fetchcache.ResourceRaw
		}
		telemetry.RecordWrite(ctx, s.backend, string(tier), int64(len(content)))
	}
	return uri, err
}

func (s *Instrumented) WriteMulti(ctx context.Context, params fetchcache.WriteMultiParams) (*fetchcache.WriteMultiResult, error) {
	start := time.Now()
	result, err := s.next.WriteMulti(ctx, params)
	s.observe(ctx, "write_multi", start, err)
	if result != nil {
		for _, w := range []struct {
			uri, body string
			tier      fetchcache.ResourceType
		}{
			{result.Raw, params.Raw, fetchcache.ResourceRaw},
			{result.Cleaned, params.Cleaned, fetchcache.ResourceCleaned},
			{result.Extracted, params.Extracted, fetchcache.ResourceExtracted},
		} {
			if w.uri != "" {
				telemetry.RecordWrite(ctx, s.backend, string(w.tier), int64(len(w.body)))
			}
		}
	}
	return result, err
}

func (s *Instrumented) Read(ctx context.Context, uri string) (*fetchcache.Resource, error) {
	start := time.Now()
	res, err := s.next.Read(ctx, uri)
	s.observe(ctx, "read", start, err)
	if err == nil || errors.Is(err, fetchcache.ErrNotFound) {
		telemetry.RecordLookup(ctx, s.backend, "read", lookupResult(err == nil))
	}
	return res, err
}

func (s *Instrumented) Exists(ctx context.Context, uri string) (bool, error) {
	start := time.Now()
	ok, err := s.next.Exists(ctx, uri)
	s.observe(ctx, "exists", start, err)
	return ok, err
}

func (s *Instrumented) Delete(ctx context.Context, uri string) error {
	start := time.Now()
	err := s.next.Delete(ctx, uri)
	s.observe(ctx, "delete", start, err)
	return err
}

func (s *Instrumented) List(ctx context.Context) ([]*fetchcache.Resource, error) {
	start := time.Now()
	list, err := s.next.List(ctx)
	s.observe(ctx, "list", start, err)
	return list, err
}

func (s *Instrumented) FindByURL(ctx context.Context, url string) ([]*fetchcache.Resource, error) {
	start := time.Now()
	found, err := s.next.FindByURL(ctx, url)
	s.observe(ctx, "find", start, err)
	if err == nil {
		telemetry.RecordLookup(ctx, s.backend, "find", lookupResult(len(found) > 0))
	}
	return found, err
}

func (s *Instrumented) FindByURLAndExtract(ctx context.Context, url, prompt string) ([]*fetchcache.Resource, error) {
	start := time.Now()
	found, err := s.next.FindByURLAndExtract(ctx, url, prompt)
	s.observe(ctx, "find_extract", start, err)
	if err == nil {
		telemetry.RecordLookup(ctx, s.backend, "find_extract", lookupResult(len(found) > 0))
	}
	return found, err
}

func (s *Instrumented) GetStats(ctx context.Context) (*fetchcache.Stats, error) {
	start := time.Now()
	stats, err := s.next.GetStats(ctx)
	s.observe(ctx, "stats", start, err)
	if err == nil {
		telemetry.UpdateCacheState(ctx, s.backend, stats.ItemCount, stats.TotalSizeBytes, stats.MaxSizeBytes)
	}
	return stats, err
}

func (s *Instrumented) Cleanup(ctx context.Context) (*expiry.Result, error) {
	start := time.Now()
	result, err := s.next.Cleanup(ctx)
	s.observe(ctx, "cleanup", start, err)
	if result != nil {
		telemetry.RecordSweep(ctx, s.backend, result.TTLExpired, result.LRUEvicted, result.BytesFreed, result.Duration)
	}
	return result, err
}

func (s *Instrumented) Evict(ctx context.Context, uri string) error {
	start := time.Now()
	err := s.next.Evict(ctx, uri)
	s.observe(ctx, "evict", start, err)
	return err
}

// recordWriteSweep runs inside the backend's write, so it must not call the
// wrapped store.
func (s *Instrumented) recordWriteSweep(ctx context.Context, result *expiry.Result) {
	if result.Removed() == 0 {
		return
	}
	telemetry.RecordEvictions(ctx, s.backend, result.TTLExpired, result.LRUEvicted, result.BytesFreed)
}

// recordState refreshes the occupancy gauges after a background sweep.
func (s *Instrumented) recordState(ctx context.Context, _ *expiry.Result) {
	_, _ = s.GetStats(ctx)
}

// StartCleanup begins background sweeps through the wrapper.
func (s *Instrumented) StartCleanup(ctx context.Context) {
	s.reclaimer.Start(ctx)
}

// StopCleanup halts background sweeps started through the wrapper or the
// wrapped store.
func (s *Instrumented) StopCleanup() {
	s.reclaimer.Stop()
	s.next.StopCleanup()
}

// CleanupRunning reports whether the wrapper's background sweeps are active.
func (s *Instrumented) CleanupRunning() bool {
	return s.reclaimer.Running()
}

// Close stops background sweeps and closes the wrapped store.
func (s *Instrumented) Close() error {
	s.reclaimer.Stop()
	return s.next.Close()
}

var _ Store = (*Instrumented)(nil)
