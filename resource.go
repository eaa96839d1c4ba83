// Package fetchcache defines the resource model shared by every cache backend:
// the stored resource, its metadata, write parameters and cache statistics.
package fetchcache

import (
	"errors"
	"maps"
	"time"
)

var (
	// ErrNotFound is returned when a URI is unknown or its entry has expired.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidHandle is returned when a URI does not match the backend's format.
	ErrInvalidHandle = errors.New("invalid resource handle")
)

// ResourceType identifies the processing tier a resource belongs to.
type ResourceType string

const (
	ResourceRaw       ResourceType = "raw"
	ResourceCleaned   ResourceType = "cleaned"
	ResourceExtracted ResourceType = "extracted"
)

// ResourceTypes lists every tier in storage order.
var ResourceTypes = []ResourceType{ResourceRaw, ResourceCleaned, ResourceExtracted}

// Valid reports whether t is one of the known tiers.
func (t ResourceType) Valid() bool {
	switch t {
	case ResourceRaw, ResourceCleaned, ResourceExtracted:
		return true
	}
	return false
}

// ParseResourceType parses a tier name.
func ParseResourceType(s string) (ResourceType, error) {
	t := ResourceType(s)
	if !t.Valid() {
		return "", errors.New("unknown resource type: " + s)
	}
	return t, nil
}

// Metadata is attached to every stored resource.
type Metadata struct {
	// URL is the source URL. Immutable.
	URL string
	// Timestamp is the creation time. Immutable.
	Timestamp time.Time
	// LastAccessTime is refreshed by every successful read and drives LRU ordering.
	LastAccessTime time.Time
	// TTL is measured from Timestamp. Zero means the entry never expires.
	TTL          time.Duration
	ResourceType ResourceType
	// ExtractionPrompt is only set on extracted entries.
	ExtractionPrompt string

	Title       string
	Description string
	ContentType string
	Source      string

	// Extra holds additional fields that are preserved but not interpreted.
	Extra map[string]any
}

// Clone returns a copy of m that shares nothing mutable with it.
func (m Metadata) Clone() Metadata {
	if m.Extra != nil {
		m.Extra = maps.Clone(m.Extra)
	}
	return m
}

// ExpiresAt returns the instant the entry expires and false when it never does.
func (m Metadata) ExpiresAt() (time.Time, bool) {
	if m.TTL == 0 {
		return time.Time{}, false
	}
	return m.Timestamp.Add(m.TTL), true
}

// Overrides are the caller-supplied metadata fields for a write.
// Fields left zero are filled in by the backend.
type Overrides struct {
	// TTL overrides the backend default when non-nil. A zero value means never expire.
	TTL              *time.Duration
	ResourceType     ResourceType
	ExtractionPrompt string
	Title            string
	Description      string
	ContentType      string
	Source           string
	Extra            map[string]any
}

// TTL returns a pointer to d for use in Overrides.
func TTL(d time.Duration) *time.Duration {
	return &d
}

// Resource is the unit returned to callers.
type Resource struct {
	URI      string
	Name     string
	Text     string
	MimeType string
	Metadata Metadata
}

// WriteMultiParams describes one logical write of up to three tiers.
// An empty Cleaned or Extracted body means the tier is not written.
type WriteMultiParams struct {
	URL       string
	Raw       string
	Cleaned   string
	Extracted string
	Metadata  Overrides
}

// WriteMultiResult holds the URIs produced by a multi-tier write.
// Cleaned and Extracted are empty when the tier was not written.
type WriteMultiResult struct {
	Raw       string
	Cleaned   string
	Extracted string
}

// ResourceSummary describes one entry in a Stats snapshot.
type ResourceSummary struct {
	URI            string
	URL            string
	SizeBytes      int64
	Timestamp      time.Time
	LastAccessTime time.Time
	TTL            time.Duration
	ResourceType   ResourceType
}

// Stats is a point-in-time snapshot of a backend.
type Stats struct {
	ItemCount      int
	TotalSizeBytes int64
	MaxItems       int
	MaxSizeBytes   int64
	DefaultTTL     time.Duration
	Resources      []ResourceSummary
}

// NewMetadata stamps a fresh metadata record for a write at now. Extra
// fields are normalized with NormalizeExtra.
func NewMetadata(url string, tier ResourceType, o Overrides, defaultTTL time.Duration, now time.Time) (Metadata, error) {
	now = now.Truncate(time.Millisecond)
	ttl := defaultTTL
	if o.TTL != nil {
		ttl = *o.TTL
	}
	if tier == "" {
		tier = o.ResourceType
	}
	if tier == "" {
		tier = ResourceRaw
	}
	m := Metadata{
		URL:            url,
		Timestamp:      now,
		LastAccessTime: now,
		TTL:            ttl.Truncate(time.Millisecond),
		ResourceType:   tier,
		Title:          o.Title,
		Description:    o.Description,
		ContentType:    o.ContentType,
		Source:         o.Source,
	}
	if tier == ResourceExtracted {
		m.ExtractionPrompt = o.ExtractionPrompt
	}
	extra, err := NormalizeExtra(o.Extra)
	if err != nil {
		return Metadata{}, err
	}
	m.Extra = extra
	return m, nil
}

// NewResource builds the caller-facing view of a stored entry.
func NewResource(uri, text string, meta Metadata) *Resource {
	name := meta.Title
	if name == "" {
		name = meta.URL
	}
	return &Resource{
		URI:      uri,
		Name:     name,
		Text:     text,
		MimeType: meta.ContentType,
		Metadata: meta.Clone(),
	}
}

// MatchesExtract reports whether meta matches a FindByURLAndExtract lookup.
// With a prompt only extracted entries carrying exactly that prompt match;
// without one only entries with no prompt match.
func MatchesExtract(meta Metadata, prompt string) bool {
	if prompt == "" {
		return meta.ExtractionPrompt == ""
	}
	return meta.ResourceType == ResourceExtracted && meta.ExtractionPrompt == prompt
}
