package filesystem

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// documentMarker opens and closes the metadata block of a resource document.
const documentMarker = "---"

// ErrMalformedDocument is returned when a file is not a resource document.
var ErrMalformedDocument = errors.New("malformed resource document")

// encodeDocument renders meta and content as:
//
//	---
//	key: value
//	---
//
//	content
//
// String values are double quoted with backslash, quote, CR and LF escaped;
// other values are compact JSON literals. Keys outside [A-Za-z0-9_.-] are
// quoted the same way as string values.
func encodeDocument(meta fetchcache.Metadata, content string) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(content) + 256)

	buf.WriteString(documentMarker + "\n")
	for _, f := range meta.Fields() {
		value, err := encodeValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("encoding %q: %w", f.Key, err)
		}
		if plainKey(f.Key) {
			buf.WriteString(f.Key)
		} else {
			buf.WriteString(quote(f.Key))
		}
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteString(documentMarker + "\n\n")
	buf.WriteString(content)
	return buf.Bytes(), nil
}

func encodeValue(v any) (string, error) {
	if s, ok := v.(string); ok {
		return quote(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func plainKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '_', c == '.', c == '-':
		default:
			return false
		}
	}
	return true
}

var quoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

func quote(s string) string {
	return `"` + quoter.Replace(s) + `"`
}

func unquote(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return "", fmt.Errorf("%w: bad string literal %s", ErrMalformedDocument, s)
	}
	s = s[1 : len(s)-1]

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i == len(s)-1 {
			b.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '"', '\\':
			b.WriteByte(s[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

// cutQuoted splits a leading string literal from s.
func cutQuoted(s string) (literal, rest string, ok bool) {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return s[:i+1], s[i+1:], true
		}
	}
	return "", "", false
}

func decodeValue(raw string) (any, error) {
	if strings.HasPrefix(raw, `"`) {
		return unquote(raw)
	}
	v, err := fetchcache.DecodeJSON([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: bad literal %s: %v", ErrMalformedDocument, raw, err)
	}
	return v, nil
}

// decodeHeaderLine splits one "key: value" line.
func decodeHeaderLine(line string) (string, any, error) {
	key, raw, ok := strings.Cut(line, ": ")
	if strings.HasPrefix(line, `"`) {
		var literal, rest string
		literal, rest, ok = cutQuoted(line)
		if ok {
			raw, ok = strings.CutPrefix(rest, ": ")
		}
		if ok {
			var err error
			if key, err = unquote(literal); err != nil {
				return "", nil, err
			}
		}
	}
	if !ok {
		return "", nil, fmt.Errorf("%w: bad header line %q", ErrMalformedDocument, line)
	}
	value, err := decodeValue(raw)
	if err != nil {
		return "", nil, err
	}
	return key, value, nil
}

// decodeDocument parses a document written by encodeDocument.
func decodeDocument(data []byte) (fetchcache.Metadata, string, error) {
	rest, ok := strings.CutPrefix(string(data), documentMarker+"\n")
	if !ok {
		return fetchcache.Metadata{}, "", fmt.Errorf("%w: missing opening marker", ErrMalformedDocument)
	}

	fields := make(map[string]any)
	for {
		line, after, found := strings.Cut(rest, "\n")
		if !found {
			return fetchcache.Metadata{}, "", fmt.Errorf("%w: missing closing marker", ErrMalformedDocument)
		}
		rest = after
		if line == documentMarker {
			break
		}
		key, value, err := decodeHeaderLine(line)
		if err != nil {
			return fetchcache.Metadata{}, "", err
		}
		fields[key] = value
	}

	meta, err := fetchcache.MetadataFromFields(fields)
	if err != nil {
		return fetchcache.Metadata{}, "", fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	return meta, strings.TrimPrefix(rest, "\n"), nil
}
