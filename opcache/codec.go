package opcache

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionThreshold is the minimum serialized result size
	// before compression is considered. zstd overhead is not worth it for
	// smaller payloads.
	DefaultCompressionThreshold = 2048

	// MaxDecompressedSize is the hard cap during decompression to prevent
	// compression bombs from a tampered entry.
	MaxDecompressedSize = 64 * 1024 * 1024 // 64MB
)

// ErrDecompressionBomb is returned when a decompressed result exceeds the
// size cap.
var ErrDecompressionBomb = errors.New("decompressed result exceeds maximum size")

// codec handles result compression with pooled zstd encoder/decoder.
// Both are goroutine-safe and reused across entries.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &codec{encoder: enc, decoder: dec}, nil
}

func (c *codec) close() {
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

// compress returns the zstd-compressed form of data, or (nil, false) when
// compression would not shrink it or the codec is closed.
func (c *codec) compress(data []byte) ([]byte, bool) {
	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return nil, false
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, false
	}
	return compressed, true
}

// decompress inflates data, enforcing the decompression-bomb cap.
func (c *codec) decompress(data []byte) ([]byte, error) {
	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("codec is closed")
	}

	out, err := dec.DecodeAll(data, make([]byte, 0, len(data)*2))
	if err != nil {
		return nil, fmt.Errorf("decompressing result: %w", err)
	}
	if len(out) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return out, nil
}
