package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
)

func testConfig(t *testing.T, kind Kind) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Backend = kind
	cfg.Path = t.TempDir()
	return cfg
}

// forEachBackend runs fn against a fresh store of every kind.
func forEachBackend(t *testing.T, tune func(*Config), fn func(t *testing.T, s Store)) {
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			cfg := testConfig(t, kind)
			if tune != nil {
				tune(&cfg)
			}
			s, err := Open(context.Background(), cfg)
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, KindMemory, cfg.Backend)
	require.Equal(t, 24*time.Hour, cfg.DefaultTTL)
	require.EqualValues(t, 100*1024*1024, cfg.MaxSize)
	require.Equal(t, 1000, cfg.MaxItems)
	require.Equal(t, time.Minute, cfg.CleanupInterval)
	require.Equal(t, filepath.Join(os.TempDir(), "fetch-cache"), cfg.Path)
	require.NoError(t, cfg.Validate(context.Background()))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend = "redis" }},
		{"missing backend", func(c *Config) { c.Backend = "" }},
		{"durable without path", func(c *Config) { c.Backend = KindFilesystem; c.Path = "" }},
		{"negative ttl", func(c *Config) { c.DefaultTTL = -time.Second }},
		{"negative size", func(c *Config) { c.MaxSize = -1 }},
		{"negative items", func(c *Config) { c.MaxItems = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.Error(t, cfg.Validate(context.Background()))
		})
	}

	cfg := DefaultConfig()
	cfg.Path = ""
	require.NoError(t, cfg.Validate(context.Background()), "memory backend needs no path")
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = "redis"
	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
}

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := Open(context.Background(), Config{})
	require.NoError(t, err)
	defer s.Close()

	uri, err := s.Write(context.Background(), "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, fetchcache.MemoryScheme))
}

func TestOpenURISchemes(t *testing.T) {
	want := map[Kind]string{
		KindMemory:     fetchcache.MemoryScheme,
		KindFilesystem: fetchcache.FileScheme,
		KindBolt:       fetchcache.BoltScheme,
	}
	for _, kind := range Kinds {
		t.Run(string(kind), func(t *testing.T) {
			s, err := Open(context.Background(), testConfig(t, kind))
			require.NoError(t, err)
			defer s.Close()

			uri, err := s.Write(context.Background(), "https://example.com/docs", "x", fetchcache.Overrides{})
			require.NoError(t, err)
			require.True(t, strings.HasPrefix(uri, want[kind]), uri)
		})
	}
}

func TestContractWriteReadDelete(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()

		uri, err := s.Write(ctx, "https://b.example", "x", fetchcache.Overrides{})
		require.NoError(t, err)

		res, err := s.Read(ctx, uri)
		require.NoError(t, err)
		require.Equal(t, "x", res.Text)
		require.Equal(t, fetchcache.ResourceRaw, res.Metadata.ResourceType)

		ok, err := s.Exists(ctx, uri)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, s.Delete(ctx, uri))

		_, err = s.Read(ctx, uri)
		require.ErrorIs(t, err, fetchcache.ErrNotFound)
		ok, err = s.Exists(ctx, uri)
		require.NoError(t, err)
		require.False(t, ok)
		require.ErrorIs(t, s.Delete(ctx, uri), fetchcache.ErrNotFound)
		require.ErrorIs(t, s.Evict(ctx, uri), fetchcache.ErrNotFound)
	})
}

func TestContractTieredWrite(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()
		const url = "https://example.com/guide"

		result, err := s.WriteMulti(ctx, fetchcache.WriteMultiParams{
			URL:       url,
			Raw:       "<h1>Guide</h1>",
			Cleaned:   "# Guide",
			Extracted: "- Guide",
			Metadata: fetchcache.Overrides{
				Title:            "Guide",
				ExtractionPrompt: "outline",
				TTL:              fetchcache.TTL(time.Hour),
			},
		})
		require.NoError(t, err)
		require.NotEmpty(t, result.Raw)
		require.NotEmpty(t, result.Cleaned)
		require.NotEmpty(t, result.Extracted)

		found, err := s.FindByURL(ctx, url)
		require.NoError(t, err)
		require.Len(t, found, 3)

		extracted, err := s.FindByURLAndExtract(ctx, url, "outline")
		require.NoError(t, err)
		require.Len(t, extracted, 1)
		require.Equal(t, result.Extracted, extracted[0].URI)
		require.Equal(t, time.Hour, extracted[0].Metadata.TTL)
		require.Equal(t, "Guide", extracted[0].Name)

		none, err := s.FindByURLAndExtract(ctx, url, "other")
		require.NoError(t, err)
		require.Empty(t, none)

		// Deleting one tier leaves the others.
		require.NoError(t, s.Delete(ctx, result.Raw))
		res, err := s.Read(ctx, result.Cleaned)
		require.NoError(t, err)
		require.Equal(t, "# Guide", res.Text)
	})
}

func TestContractStatsMatchList(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()

		for _, u := range []string{"https://a.example", "https://b.example", "https://c.example"} {
			_, err := s.Write(ctx, u, strings.Repeat("z", 64), fetchcache.Overrides{})
			require.NoError(t, err)
		}

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		list, err := s.List(ctx)
		require.NoError(t, err)

		require.Equal(t, 3, stats.ItemCount)
		require.Len(t, list, stats.ItemCount)
		require.Len(t, stats.Resources, stats.ItemCount)
		require.Positive(t, stats.TotalSizeBytes)
		require.Equal(t, 1000, stats.MaxItems)
	})
}

func TestContractCountBound(t *testing.T) {
	forEachBackend(t, func(c *Config) { c.MaxItems = 2 }, func(t *testing.T, s Store) {
		ctx := context.Background()

		for i, u := range []string{"https://1.example", "https://2.example", "https://3.example"} {
			_, err := s.Write(ctx, u, "x", fetchcache.Overrides{})
			require.NoError(t, err, i)
			time.Sleep(2 * time.Millisecond)
		}

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		for _, r := range list {
			require.NotEqual(t, "https://1.example", r.Metadata.URL)
		}
	})
}

// noise returns n bytes of text that compresses poorly.
func noise(seed uint64, n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	r := rand.New(rand.NewPCG(seed, seed))
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[r.IntN(len(alphabet))]
	}
	return string(b)
}

func TestContractSizeBound(t *testing.T) {
	const maxSize = 8000
	tune := func(c *Config) {
		c.MaxItems = 0
		c.MaxSize = maxSize
	}
	forEachBackend(t, tune, func(t *testing.T, s Store) {
		ctx := context.Background()

		var uris []string
		for i := range 4 {
			uri, err := s.Write(ctx, fmt.Sprintf("https://%d.example", i), noise(uint64(i), 4000), fetchcache.Overrides{})
			require.NoError(t, err)
			uris = append(uris, uri)
			time.Sleep(2 * time.Millisecond)

			stats, err := s.GetStats(ctx)
			require.NoError(t, err)
			require.LessOrEqual(t, stats.TotalSizeBytes, int64(maxSize))
		}

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		require.GreaterOrEqual(t, stats.ItemCount, 1)
		require.Less(t, stats.ItemCount, len(uris))

		ok, err := s.Exists(ctx, uris[0])
		require.NoError(t, err)
		require.False(t, ok, "least recently used resource should be evicted")
		ok, err = s.Exists(ctx, uris[len(uris)-1])
		require.NoError(t, err)
		require.True(t, ok, "newest resource should be kept")
	})
}

func TestContractExtraRoundTrip(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()

		uri, err := s.Write(ctx, "https://a.example/x", "body", fetchcache.Overrides{
			Extra: map[string]any{
				"note: one":   "v",
				"multi\nline": "w",
				"tags":        []string{"a", "b"},
				"nested":      map[string]string{"k": "v"},
				"count":       3,
			},
		})
		require.NoError(t, err)

		want := map[string]any{
			"note: one":   "v",
			"multi\nline": "w",
			"tags":        []any{"a", "b"},
			"nested":      map[string]any{"k": "v"},
			"count":       int64(3),
		}

		res, err := s.Read(ctx, uri)
		require.NoError(t, err)
		require.Equal(t, want, res.Metadata.Extra)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.Equal(t, want, list[0].Metadata.Extra)

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, stats.ItemCount)
	})
}

func TestContractRejectsUnencodableExtra(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, err := s.Write(ctx, "https://a.example/x", "body", fetchcache.Overrides{
			Extra: map[string]any{"ch": make(chan int)},
		})
		require.Error(t, err)

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Empty(t, list)
	})
}

func TestContractWriteSweepReported(t *testing.T) {
	forEachBackend(t, func(c *Config) { c.MaxItems = 1 }, func(t *testing.T, s Store) {
		ctx := context.Background()

		n, ok := s.(writeSweepNotifier)
		require.True(t, ok)
		var evicted int
		n.OnWriteSweep(func(_ context.Context, r *expiry.Result) {
			evicted += r.LRUEvicted
		})

		for _, u := range []string{"https://1.example", "https://2.example"} {
			_, err := s.Write(ctx, u, "x", fetchcache.Overrides{})
			require.NoError(t, err)
			time.Sleep(2 * time.Millisecond)
		}
		require.Equal(t, 1, evicted)
	})
}

func TestContractInvalidHandle(t *testing.T) {
	forEachBackend(t, nil, func(t *testing.T, s Store) {
		_, err := s.Read(context.Background(), "gopher://nowhere")
		require.ErrorIs(t, err, fetchcache.ErrInvalidHandle)
	})
}

func TestContractCleanupIdempotentControls(t *testing.T) {
	forEachBackend(t, func(c *Config) { c.CleanupInterval = 5 * time.Millisecond }, func(t *testing.T, s Store) {
		ctx := context.Background()
		s.StopCleanup()
		s.StartCleanup(ctx)
		s.StartCleanup(ctx)
		s.StopCleanup()
		s.StopCleanup()

		result, err := s.Cleanup(ctx)
		require.NoError(t, err)
		require.Zero(t, result.Removed())
	})
}

func TestFactoryReturnsSameInstance(t *testing.T) {
	f := NewFactory(testConfig(t, KindFilesystem))
	t.Cleanup(func() { _ = f.Reset() })
	ctx := context.Background()

	a, err := f.Store(ctx)
	require.NoError(t, err)
	b, err := f.Store(ctx)
	require.NoError(t, err)
	require.Same(t, a, b)

	// Durable backends are initialized on open.
	for _, tier := range fetchcache.ResourceTypes {
		_, err := os.Stat(filepath.Join(f.Config().Path, string(tier)))
		require.NoError(t, err)
	}
}

func TestFactoryReset(t *testing.T) {
	cfg := testConfig(t, KindMemory)
	cfg.AutoCleanup = true
	cfg.CleanupInterval = 5 * time.Millisecond
	f := NewFactory(cfg)
	ctx := context.Background()

	a, err := f.Store(ctx)
	require.NoError(t, err)
	inst, ok := a.(*Instrumented)
	require.True(t, ok)
	require.True(t, inst.CleanupRunning())

	uri, err := a.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)

	require.NoError(t, f.Reset())
	require.False(t, inst.CleanupRunning())
	require.NoError(t, f.Reset())

	b, err := f.Store(ctx)
	require.NoError(t, err)
	require.NotSame(t, a, b)
	t.Cleanup(func() { _ = f.Reset() })

	_, err = b.Read(ctx, uri)
	require.True(t, errors.Is(err, fetchcache.ErrNotFound))
}

func TestShared(t *testing.T) {
	t.Cleanup(func() { _ = ResetShared() })
	ctx := context.Background()

	a, err := Shared(ctx, testConfig(t, KindMemory))
	require.NoError(t, err)
	b, err := Shared(ctx, testConfig(t, KindBolt))
	require.NoError(t, err)
	require.Same(t, a, b)

	require.NoError(t, ResetShared())
	c, err := Shared(ctx, testConfig(t, KindMemory))
	require.NoError(t, err)
	require.NotSame(t, a, c)
}

func TestInstrumentedBackgroundCleanup(t *testing.T) {
	cfg := testConfig(t, KindMemory)
	cfg.DefaultTTL = 20 * time.Millisecond
	cfg.CleanupInterval = 10 * time.Millisecond
	ctx := context.Background()

	inner, err := Open(ctx, cfg)
	require.NoError(t, err)
	s := NewInstrumented(inner, string(cfg.Backend), cfg.Expiry())
	t.Cleanup(func() { _ = s.Close() })
	require.Same(t, inner, s.Unwrap())

	uri, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)

	s.StartCleanup(ctx)
	require.Eventually(t, func() bool {
		stats, err := inner.GetStats(ctx)
		return err == nil && stats.ItemCount == 0
	}, 2*time.Second, 10*time.Millisecond)
	s.StopCleanup()

	_, err = s.Read(ctx, uri)
	require.ErrorIs(t, err, fetchcache.ErrNotFound)
}

type hookedStore struct {
	Store
	hook func(context.Context, *expiry.Result)
}

func (s *hookedStore) OnWriteSweep(fn func(context.Context, *expiry.Result)) {
	s.hook = fn
}

func TestInstrumentedSubscribesToWriteSweeps(t *testing.T) {
	inner := &hookedStore{}
	NewInstrumented(inner, "memory", DefaultConfig().Expiry())
	require.NotNil(t, inner.hook)

	// Metrics are not initialized, so this only has to be safe to call.
	inner.hook(context.Background(), &expiry.Result{LRUEvicted: 1, BytesFreed: 10})
	inner.hook(context.Background(), &expiry.Result{})
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "ok", outcome(nil))
	require.Equal(t, "not_found", outcome(fetchcache.ErrNotFound))
	require.Equal(t, "invalid", outcome(fetchcache.ErrInvalidHandle))
	require.Equal(t, "error", outcome(errors.New("disk full")))
}
