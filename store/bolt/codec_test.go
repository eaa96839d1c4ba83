package bolt

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	fetchcache "github.com/wolfeidau/fetch-cache"
)

func TestCodecSmallPayloadUncompressed(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	payload, encoding, digest, err := codec.Encode([]byte("short"))
	require.NoError(t, err)
	require.Equal(t, EncodingIdentity, encoding)
	require.Equal(t, []byte("short"), payload)

	data, err := codec.Decode(payload, encoding, digest)
	require.NoError(t, err)
	require.Equal(t, "short", string(data))
}

func TestCodecRoundTripCompressed(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	body := []byte(strings.Repeat("abcdefgh", 1024))
	payload, encoding, digest, err := codec.Encode(body)
	require.NoError(t, err)
	require.Equal(t, EncodingZstd, encoding)
	require.Less(t, len(payload), len(body))

	data, err := codec.Decode(payload, encoding, digest)
	require.NoError(t, err)
	require.Equal(t, body, data)
}

func TestCodecDetectsCorruption(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	payload, encoding, digest, err := codec.Encode([]byte("original"))
	require.NoError(t, err)

	_, err = codec.Decode(append([]byte(nil), "tampered"...), encoding, digest)
	require.ErrorIs(t, err, ErrCorrupted)

	_, err = codec.Decode(payload, "brotli", digest)
	require.Error(t, err)
}

func TestCodecRejectsOversizedContent(t *testing.T) {
	codec, err := NewCodec()
	require.NoError(t, err)
	defer codec.Close()

	_, _, _, err = codec.Encode(make([]byte, MaxContentSize+1))
	require.ErrorIs(t, err, ErrContentTooLarge)
}

func TestRecordRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	in := record{
		meta: fetchcache.Metadata{
			URL:              "https://example.com",
			Timestamp:        ts,
			LastAccessTime:   ts.Add(time.Minute),
			TTL:              time.Hour,
			ResourceType:     fetchcache.ResourceExtracted,
			ExtractionPrompt: "summarize",
			Extra:            map[string]any{"lang": "en", "count": int64(3), "tags": []any{"a", "b"}},
		},
		encoding: EncodingZstd,
		digest:   fetchcache.HashString("body").String(),
		size:     4,
	}

	data, err := marshalRecord(in)
	require.NoError(t, err)

	out, err := unmarshalRecord(data)
	require.NoError(t, err)
	require.Equal(t, in.encoding, out.encoding)
	require.Equal(t, in.digest, out.digest)
	require.Equal(t, in.size, out.size)
	require.Equal(t, in.meta.URL, out.meta.URL)
	require.True(t, in.meta.Timestamp.Equal(out.meta.Timestamp))
	require.True(t, in.meta.LastAccessTime.Equal(out.meta.LastAccessTime))
	require.Equal(t, in.meta.TTL, out.meta.TTL)
	require.Equal(t, in.meta.ExtractionPrompt, out.meta.ExtractionPrompt)
	require.Equal(t, in.meta.Extra, out.meta.Extra)
}

func TestUnmarshalRecordRejectsGarbage(t *testing.T) {
	_, err := unmarshalRecord([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}
