package source

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultMaxSize is the default limit for decompressed and fetched content (1GB).
	DefaultMaxSize = 1 << 30

	// DefaultMaxDecoderMemory is the default zstd decoder window limit (256MB).
	DefaultMaxDecoderMemory = 256 << 20
)

// DecompressOption configures Decompress.
type DecompressOption func(*decompressConfig)

type decompressConfig struct {
	maxSize          int64
	maxDecoderMemory uint64
	concurrency      int
	lowmem           bool
}

// DecompressWithMaxSize caps the decompressed size. Use 0 to disable the limit.
func DecompressWithMaxSize(n int64) DecompressOption {
	return func(c *decompressConfig) {
		c.maxSize = n
	}
}

// DecompressWithMaxDecoderMemory limits the zstd decoder memory.
// Use 0 to disable the limit.
func DecompressWithMaxDecoderMemory(n uint64) DecompressOption {
	return func(c *decompressConfig) {
		c.maxDecoderMemory = n
	}
}

// DecompressWithConcurrency sets the zstd decoder concurrency (default: 1).
// Values < 0 are treated as 0 (use GOMAXPROCS).
func DecompressWithConcurrency(n int) DecompressOption {
	return func(c *decompressConfig) {
		if n < 0 {
			n = 0
		}
		c.concurrency = n
	}
}

// DecompressWithLowmem enables the decoder's low-memory mode.
func DecompressWithLowmem(enabled bool) DecompressOption {
	return func(c *decompressConfig) {
		c.lowmem = enabled
	}
}

// Decompress reads a zstd stream from r and returns the decompressed content
// as an in-memory source. Decoders need random access, so the whole blob is
// materialized; the size limit guards against decompression bombs.
func Decompress(r io.Reader, opts ...DecompressOption) (*Bytes, error) {
	cfg := decompressConfig{
		maxSize:          DefaultMaxSize,
		maxDecoderMemory: DefaultMaxDecoderMemory,
		concurrency:      1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	decOpts := []zstd.DOption{
		zstd.WithDecoderConcurrency(cfg.concurrency),
		zstd.WithDecoderLowmem(cfg.lowmem),
	}
	if cfg.maxDecoderMemory > 0 {
		decOpts = append(decOpts, zstd.WithDecoderMaxMemory(cfg.maxDecoderMemory))
	}
	dec, err := zstd.NewReader(r, decOpts...)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	data, err := readAll(dec, cfg.maxSize)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return NewBytes(data), nil
}
