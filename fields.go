package fetchcache

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"
)

// Metadata field names as they appear in serialized form.
const (
	FieldURL              = "url"
	FieldTimestamp        = "timestamp"
	FieldLastAccessTime   = "lastAccessTime"
	FieldTTL              = "ttl"
	FieldResourceType     = "resourceType"
	FieldExtractionPrompt = "extractionPrompt"
	FieldTitle            = "title"
	FieldDescription      = "description"
	FieldContentType      = "contentType"
	FieldSource           = "source"
)

var knownFields = map[string]bool{
	FieldURL: true, FieldTimestamp: true, FieldLastAccessTime: true, FieldTTL: true,
	FieldResourceType: true, FieldExtractionPrompt: true, FieldTitle: true,
	FieldDescription: true, FieldContentType: true, FieldSource: true,
}

// Field is one serialized metadata key/value pair.
type Field struct {
	Key   string
	Value any
}

// Fields returns the metadata in canonical order: the known fields first,
// then extra fields sorted by key. Times are ISO-8601 strings except
// lastAccessTime, which like ttl is an integer number of milliseconds.
// Optional string fields are omitted when empty, and extra fields that
// collide with a known name are dropped.
func (m Metadata) Fields() []Field {
	fields := []Field{
		{FieldURL, m.URL},
		{FieldTimestamp, m.Timestamp.UTC().Format(time.RFC3339Nano)},
		{FieldLastAccessTime, m.LastAccessTime.UnixMilli()},
		{FieldTTL, m.TTL.Milliseconds()},
		{FieldResourceType, string(m.ResourceType)},
	}
	for _, f := range []Field{
		{FieldExtractionPrompt, m.ExtractionPrompt},
		{FieldTitle, m.Title},
		{FieldDescription, m.Description},
		{FieldContentType, m.ContentType},
		{FieldSource, m.Source},
	} {
		if f.Value != "" {
			fields = append(fields, f)
		}
	}

	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		if !knownFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, Field{k, m.Extra[k]})
	}
	return fields
}

// FieldMap returns Fields as a map.
func (m Metadata) FieldMap() map[string]any {
	out := make(map[string]any)
	for _, f := range m.Fields() {
		out[f.Key] = f.Value
	}
	return out
}

// MarshalJSON encodes the metadata using its serialized field names.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.FieldMap())
}

// UnmarshalJSON decodes metadata produced by MarshalJSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	parsed, err := MetadataFromFields(fields)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// MetadataFromFields rebuilds metadata from serialized fields. Numeric
// values may be any Go integer or float type, json.Number, or a decimal
// string. Unknown keys are kept in Extra.
func MetadataFromFields(fields map[string]any) (Metadata, error) {
	var m Metadata
	for key, value := range fields {
		switch key {
		case FieldURL:
			m.URL = stringValue(value)
		case FieldTimestamp:
			ts, err := time.Parse(time.RFC3339Nano, stringValue(value))
			if err != nil {
				return Metadata{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			m.Timestamp = ts
		case FieldLastAccessTime:
			ms, err := int64Value(value)
			if err != nil {
				return Metadata{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			m.LastAccessTime = time.UnixMilli(ms).UTC()
		case FieldTTL:
			ms, err := int64Value(value)
			if err != nil {
				return Metadata{}, fmt.Errorf("parsing %s: %w", key, err)
			}
			m.TTL = time.Duration(ms) * time.Millisecond
		case FieldResourceType:
			t, err := ParseResourceType(stringValue(value))
			if err != nil {
				return Metadata{}, err
			}
			m.ResourceType = t
		case FieldExtractionPrompt:
			m.ExtractionPrompt = stringValue(value)
		case FieldTitle:
			m.Title = stringValue(value)
		case FieldDescription:
			m.Description = stringValue(value)
		case FieldContentType:
			m.ContentType = stringValue(value)
		case FieldSource:
			m.Source = stringValue(value)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[key] = value
		}
	}
	if m.URL == "" {
		return Metadata{}, fmt.Errorf("metadata missing %s", FieldURL)
	}
	if m.Timestamp.IsZero() {
		return Metadata{}, fmt.Errorf("metadata missing %s", FieldTimestamp)
	}
	if m.ResourceType == "" {
		m.ResourceType = ResourceRaw
	}
	if m.LastAccessTime.IsZero() {
		m.LastAccessTime = m.Timestamp
	}
	return m, nil
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

func int64Value(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// NormalizeExtra returns a copy of extra in the form every backend stores:
// each value passes through JSON, so slices and maps become []any and
// map[string]any and numbers become int64 or float64. Keys naming a known
// field are dropped. Values JSON cannot encode are an error.
func NormalizeExtra(extra map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(extra))
	for k, v := range extra {
		if knownFields[k] {
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding extra field %q: %w", k, err)
		}
		value, err := DecodeJSON(data)
		if err != nil {
			return nil, fmt.Errorf("decoding extra field %q: %w", k, err)
		}
		out[k] = value
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// DecodeJSON decodes exactly one JSON value. Integral numbers become int64
// and other numbers float64.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON value")
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
	case []any:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
	}
	return v
}
