package bolt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	fetchcache "github.com/wolfeidau/fetch-cache"
)

const (
	// CompressionThreshold is the minimum content size before compression is considered.
	// Below 2KB the zstd frame overhead is not worth it.
	CompressionThreshold = 2048

	// MaxContentSize is the maximum accepted uncompressed content size.
	MaxContentSize = 32 * 1024 * 1024 // 32MB
)

// Encoding names how stored content bytes are encoded.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingZstd     Encoding = "zstd"
)

var (
	// ErrContentTooLarge is returned when content exceeds MaxContentSize.
	ErrContentTooLarge = errors.New("content exceeds maximum size")

	// ErrDecompressionBomb is returned when content inflates past MaxContentSize.
	ErrDecompressionBomb = errors.New("decompressed content exceeds maximum size")

	// ErrCorrupted is returned when content does not match its recorded digest.
	ErrCorrupted = errors.New("content digest mismatch")
)

// Codec compresses content bodies and verifies them on the way back out.
// It is safe for concurrent use.
type Codec struct {
	mu      sync.RWMutex
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCodec creates a codec with a reusable zstd encoder and decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxContentSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Codec{encoder: enc, decoder: dec}, nil
}

// Close releases the encoder and decoder.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when that makes it smaller and returns the stored
// bytes, their encoding, and the BLAKE3 digest of the original data.
func (c *Codec) Encode(data []byte) ([]byte, Encoding, string, error) {
	if len(data) > MaxContentSize {
		return nil, "", "", ErrContentTooLarge
	}
	digest := fetchcache.HashBytes(data).String()

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()
	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}
	return compressed, EncodingZstd, digest, nil
}

// Decode reverses Encode. An empty digest skips verification.
func (c *Codec) Decode(payload []byte, encoding Encoding, digest string) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity, "":
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}
		out, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
		if len(out) > MaxContentSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding: %q", encoding)
	}

	if digest == "" {
		return data, nil
	}
	want, err := fetchcache.ParseHash(digest)
	if err != nil || fetchcache.HashBytes(data) != want {
		return nil, ErrCorrupted
	}
	return data, nil
}
