package bolt

import (
	"fmt"

	fetchcache "github.com/wolfeidau/fetch-cache"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Record field names.
const (
	recordMetadata = "metadata"
	recordEncoding = "encoding"
	recordDigest   = "digest"
	recordSize     = "size"
)

// record is the value stored in the resources bucket. The content body is
// kept separately in the content bucket under the same key.
type record struct {
	meta     fetchcache.Metadata
	encoding Encoding
	digest   string
	// size is the uncompressed content length.
	size int64
}

// marshalRecord encodes r as a protobuf Struct. Extra values must already be
// normalized by fetchcache.NormalizeExtra.
func marshalRecord(r record) ([]byte, error) {
	st, err := structpb.NewStruct(map[string]any{
		recordMetadata: r.meta.FieldMap(),
		recordEncoding: string(r.encoding),
		recordDigest:   r.digest,
		recordSize:     r.size,
	})
	if err != nil {
		return nil, fmt.Errorf("building record: %w", err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (record, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return record{}, fmt.Errorf("unmarshaling record: %w", err)
	}
	fields := st.AsMap()

	metaFields, ok := fields[recordMetadata].(map[string]any)
	if !ok {
		return record{}, fmt.Errorf("record missing %s", recordMetadata)
	}
	meta, err := fetchcache.MetadataFromFields(metaFields)
	if err != nil {
		return record{}, fmt.Errorf("decoding record metadata: %w", err)
	}
	// Struct numbers are all float64.
	if meta.Extra, err = fetchcache.NormalizeExtra(meta.Extra); err != nil {
		return record{}, fmt.Errorf("decoding record metadata: %w", err)
	}

	r := record{meta: meta}
	r.encoding = Encoding(stringField(fields, recordEncoding))
	r.digest = stringField(fields, recordDigest)
	if n, ok := fields[recordSize].(float64); ok {
		r.size = int64(n)
	}
	return r, nil
}

func stringField(fields map[string]any, key string) string {
	s, _ := fields[key].(string)
	return s
}
