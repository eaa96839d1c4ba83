package memory

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fetchcache "github.com/wolfeidau/fetch-cache"
	"github.com/wolfeidau/fetch-cache/expiry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, cfg expiry.Config) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := New(cfg, WithClock(clock.Now))
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestWriteRead(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://example.com/docs", "hello", fetchcache.Overrides{Title: "Docs"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "memory://raw/example.com/docs_"))

	res, err := s.Read(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, uri, res.URI)
	require.Equal(t, "hello", res.Text)
	require.Equal(t, "Docs", res.Name)
	require.Equal(t, fetchcache.ResourceRaw, res.Metadata.ResourceType)
	require.Equal(t, expiry.DefaultTTL, res.Metadata.TTL)
}

func TestWriteUnknownTier(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())

	_, err := s.Write(context.Background(), "https://example.com", "x", fetchcache.Overrides{ResourceType: "thumbnail"})
	require.Error(t, err)
}

func TestURIsAreUniqueWithinAMillisecond(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	seen := map[string]bool{}
	for range 5 {
		uri, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
		require.NoError(t, err)
		require.False(t, seen[uri])
		seen[uri] = true
	}
}

func TestDeletedURIIsNotReissued(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	first, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, first))

	second, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestTTLExpiry(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Second})
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://a.example", "a", fetchcache.Overrides{})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, uri)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(999 * time.Millisecond)
	_, err = s.Read(ctx, uri)
	require.NoError(t, err)

	clock.Advance(time.Millisecond)
	ok, err = s.Exists(ctx, uri)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Read(ctx, uri)
	require.ErrorIs(t, err, fetchcache.ErrNotFound)
}

func TestTTLExpiryRealClock(t *testing.T) {
	s := New(expiry.Config{DefaultTTL: 1000 * time.Millisecond})
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://a.example", "a", fetchcache.Overrides{})
	require.NoError(t, err)

	ok, err := s.Exists(ctx, uri)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(1100 * time.Millisecond)

	ok, err = s.Exists(ctx, uri)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInfiniteTTL(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Second})
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://forever.example", "x", fetchcache.Overrides{TTL: fetchcache.TTL(0)})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = s.Cleanup(ctx)
	require.NoError(t, err)

	res, err := s.Read(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), res.Metadata.TTL)
}

func TestReadRefreshesLastAccessTime(t *testing.T) {
	s, clock := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	created := clock.Now()

	clock.Advance(5 * time.Second)
	ok, err := s.Exists(ctx, uri)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := s.Read(ctx, uri)
	require.NoError(t, err)
	require.True(t, res.Metadata.LastAccessTime.Equal(created.Add(5*time.Second)))
	require.True(t, res.Metadata.Timestamp.Equal(created))
}

func TestExistsDoesNotTouch(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{MaxItems: 2})
	ctx := context.Background()

	first, err := s.Write(ctx, "https://1.example", "1", fetchcache.Overrides{})
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)
	second, err := s.Write(ctx, "https://2.example", "2", fetchcache.Overrides{})
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)

	_, err = s.Exists(ctx, first)
	require.NoError(t, err)

	_, err = s.Write(ctx, "https://3.example", "3", fetchcache.Overrides{})
	require.NoError(t, err)

	ok, _ := s.Exists(ctx, first)
	require.False(t, ok)
	ok, _ = s.Exists(ctx, second)
	require.True(t, ok)
}

func TestLRUEviction(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Hour, MaxItems: 3})
	ctx := context.Background()

	var uris []string
	for _, u := range []string{"https://url1.example", "https://url2.example", "https://url3.example"} {
		uri, err := s.Write(ctx, u, "content", fetchcache.Overrides{})
		require.NoError(t, err)
		uris = append(uris, uri)
		clock.Advance(10 * time.Millisecond)
	}

	_, err := s.Read(ctx, uris[0])
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)

	url4, err := s.Write(ctx, "https://url4.example", "content", fetchcache.Overrides{})
	require.NoError(t, err)

	for uri, want := range map[string]bool{uris[0]: true, uris[1]: false, uris[2]: true, url4: true} {
		ok, err := s.Exists(ctx, uri)
		require.NoError(t, err)
		require.Equal(t, want, ok, uri)
	}
}

func TestSizeBoundEviction(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Hour, MaxSize: 2000})
	ctx := context.Background()

	body := strings.Repeat("x", 600)
	var uris []string
	for _, u := range []string{"https://a.example", "https://b.example", "https://c.example", "https://d.example"} {
		uri, err := s.Write(ctx, u, body, fetchcache.Overrides{})
		require.NoError(t, err)
		uris = append(uris, uri)
		clock.Advance(time.Millisecond)

		stats, err := s.GetStats(ctx)
		require.NoError(t, err)
		require.LessOrEqual(t, stats.TotalSizeBytes, int64(2000))
	}

	ok, _ := s.Exists(ctx, uris[0])
	require.False(t, ok)
	ok, _ = s.Exists(ctx, uris[3])
	require.True(t, ok)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, uri))
	require.ErrorIs(t, s.Delete(ctx, uri), fetchcache.ErrNotFound)

	_, err = s.Read(ctx, uri)
	require.ErrorIs(t, err, fetchcache.ErrNotFound)
}

func TestDeleteExpiredEntrySucceeds(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Second})
	ctx := context.Background()

	uri, err := s.Write(ctx, "https://example.com", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	clock.Advance(time.Minute)

	require.NoError(t, s.Delete(ctx, uri))
}

func TestInvalidHandle(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	_, err := s.Read(ctx, "file:///tmp/raw/x.md")
	require.ErrorIs(t, err, fetchcache.ErrInvalidHandle)

	_, err = s.Exists(ctx, "nonsense")
	require.ErrorIs(t, err, fetchcache.ErrInvalidHandle)

	require.ErrorIs(t, s.Delete(ctx, "memory://bogus/x_1"), fetchcache.ErrInvalidHandle)

	// Well formed but unknown
	_, err = s.Read(ctx, "memory://raw/example.com_1")
	require.ErrorIs(t, err, fetchcache.ErrNotFound)
}

func TestListSkipsExpired(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Second})
	ctx := context.Background()

	_, err := s.Write(ctx, "https://short.example", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	keep, err := s.Write(ctx, "https://long.example", "y", fetchcache.Overrides{TTL: fetchcache.TTL(time.Hour)})
	require.NoError(t, err)

	clock.Advance(2 * time.Second)

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, keep, list[0].URI)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.ItemCount)
}

func TestWriteMultiAndFind(t *testing.T) {
	s, clock := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()
	url := "https://c.example/page"

	result, err := s.WriteMulti(ctx, fetchcache.WriteMultiParams{
		URL:       url,
		Raw:       "r",
		Cleaned:   "c",
		Extracted: "e",
		Metadata:  fetchcache.Overrides{ExtractionPrompt: "q"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, result.Raw)
	require.NotEmpty(t, result.Cleaned)
	require.NotEmpty(t, result.Extracted)

	// Tiers share the correlated stamp
	require.Equal(t, strings.TrimPrefix(result.Raw, "memory://raw/"), strings.TrimPrefix(result.Cleaned, "memory://cleaned/"))

	extracted, err := s.FindByURLAndExtract(ctx, url, "q")
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	require.Equal(t, result.Extracted, extracted[0].URI)
	require.Equal(t, "e", extracted[0].Text)

	all, err := s.FindByURL(ctx, url)
	require.NoError(t, err)
	require.Len(t, all, 3)

	plain, err := s.FindByURLAndExtract(ctx, url, "")
	require.NoError(t, err)
	require.Len(t, plain, 2)
	for _, r := range plain {
		require.Empty(t, r.Metadata.ExtractionPrompt)
	}

	none, err := s.FindByURLAndExtract(ctx, url, "other")
	require.NoError(t, err)
	require.Empty(t, none)

	// A newer raw write sorts first
	clock.Advance(time.Second)
	newer, err := s.Write(ctx, url, "r2", fetchcache.Overrides{})
	require.NoError(t, err)
	all, err = s.FindByURL(ctx, url)
	require.NoError(t, err)
	require.Equal(t, newer, all[0].URI)
}

func TestWriteMultiRawOnly(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())

	result, err := s.WriteMulti(context.Background(), fetchcache.WriteMultiParams{URL: "https://x.example", Raw: "r"})
	require.NoError(t, err)
	require.NotEmpty(t, result.Raw)
	require.Empty(t, result.Cleaned)
	require.Empty(t, result.Extracted)
}

func TestTiersExpireIndependently(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Minute})
	ctx := context.Background()

	result, err := s.WriteMulti(ctx, fetchcache.WriteMultiParams{URL: "https://x.example", Raw: "r", Cleaned: "c"})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, result.Raw))

	ok, err := s.Exists(ctx, result.Cleaned)
	require.NoError(t, err)
	require.True(t, ok)

	clock.Advance(time.Minute)
	ok, err = s.Exists(ctx, result.Cleaned)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStatsConsistentWithList(t *testing.T) {
	s, _ := newTestStore(t, expiry.DefaultConfig())
	ctx := context.Background()

	for _, u := range []string{"https://a.example", "https://b.example"} {
		_, err := s.Write(ctx, u, strings.Repeat("z", 100), fetchcache.Overrides{})
		require.NoError(t, err)
	}

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	list, err := s.List(ctx)
	require.NoError(t, err)

	require.Equal(t, len(list), stats.ItemCount)
	var sum int64
	for _, r := range stats.Resources {
		sum += r.SizeBytes
	}
	require.Equal(t, stats.TotalSizeBytes, sum)
	require.Equal(t, expiry.DefaultMaxItems, stats.MaxItems)
	require.Equal(t, int64(expiry.DefaultMaxSize), stats.MaxSizeBytes)
}

func TestCleanupReclaimsUnreadEntries(t *testing.T) {
	s, clock := newTestStore(t, expiry.Config{DefaultTTL: time.Second})
	ctx := context.Background()

	_, err := s.Write(ctx, "https://a.example", "x", fetchcache.Overrides{})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)

	result, err := s.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.TTLExpired)
}

func TestBackgroundCleanup(t *testing.T) {
	s := New(expiry.Config{DefaultTTL: 20 * time.Millisecond, CheckInterval: 10 * time.Millisecond})
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	_, err := s.Write(ctx, "https://a.example", "x", fetchcache.Overrides{})
	require.NoError(t, err)

	s.StartCleanup(ctx)
	s.StartCleanup(ctx)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.entries) == 0
	}, time.Second, 5*time.Millisecond)

	s.StopCleanup()
	s.StopCleanup()
}
