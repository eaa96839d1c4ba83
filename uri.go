package fetchcache

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// MemoryScheme prefixes URIs issued by the volatile backend.
	MemoryScheme = "memory://"
	// FileScheme prefixes URIs issued by the filesystem backend.
	FileScheme = "file://"
	// BoltScheme prefixes URIs issued by the bolt backend.
	BoltScheme = "bolt://"

	// DocumentExt is the extension of on-disk resource documents.
	DocumentExt = ".md"

	// maxNameLen bounds generated file names, leaving room for the stamp and extension.
	maxNameLen = 180
)

// HostPath splits a URL into its host and path. Unparseable input is
// returned whole as the host so that a name can still be derived from it.
func HostPath(rawURL string) (host, path string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL, ""
	}
	return u.Host, u.Path
}

// ResourceKey returns the tier-relative key "{host}{path}_{stamp}" used in
// memory:// and bolt:// URIs.
func ResourceKey(rawURL string, stamp int64) string {
	host, path := HostPath(rawURL)
	return host + path + "_" + strconv.FormatInt(stamp, 10)
}

// SchemeURI builds "{scheme}{tier}/{host}{path}_{stamp}".
func SchemeURI(scheme string, tier ResourceType, rawURL string, stamp int64) string {
	return scheme + string(tier) + "/" + ResourceKey(rawURL, stamp)
}

// ParseSchemeURI extracts the tier from a scheme URI built by SchemeURI.
func ParseSchemeURI(scheme, uri string) (ResourceType, error) {
	rest, ok := strings.CutPrefix(uri, scheme)
	if !ok {
		return "", ErrInvalidHandle
	}
	tier, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return "", ErrInvalidHandle
	}
	t := ResourceType(tier)
	if !t.Valid() {
		return "", ErrInvalidHandle
	}
	return t, nil
}

// FileName returns the on-disk document name "{host}_{path}_{stamp}.md".
// Characters outside [A-Za-z0-9.-] become underscores and names longer
// than the limit are cut and suffixed with a digest of the full name.
func FileName(rawURL string, stamp int64) string {
	host, path := HostPath(rawURL)
	base := sanitize(host) + "_" + sanitize(strings.Trim(path, "/"))
	base = strings.TrimRight(base, "_")
	if len(base) > maxNameLen {
		digest := HashBytes([]byte(base)).ShortString()
		base = base[:maxNameLen-len(digest)-1] + "_" + digest
	}
	return base + "_" + strconv.FormatInt(stamp, 10) + DocumentExt
}

func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Stamper issues strictly increasing millisecond stamps so that URIs built
// from them are never repeated by one backend instance.
type Stamper struct {
	mu   sync.Mutex
	last int64
}

// Next returns max(now in ms, previous stamp + 1).
func (s *Stamper) Next(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := now.UnixMilli()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return ms
}
