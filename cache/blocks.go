package cache

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobtree/source"
)

// DefaultBlockSize is the block size used by Blocks.
const DefaultBlockSize int64 = 64 << 10

// DefaultMaxBlocksPerRead caps the blocks a single ReadAt may go through
// the cache for; larger reads bypass it.
const DefaultMaxBlocksPerRead = 4

type blockConfig struct {
	blockSize        int64
	maxBlocksPerRead int
}

// BlockOption configures Blocks.
type BlockOption func(*blockConfig)

// WithBlockSize sets the block size.
func WithBlockSize(n int64) BlockOption {
	return func(cfg *blockConfig) {
		cfg.blockSize = n
	}
}

// WithMaxBlocksPerRead bypasses the cache when a ReadAt spans more than n
// blocks. Values <= 0 disable the limit.
func WithMaxBlocksPerRead(n int) BlockOption {
	return func(cfg *blockConfig) {
		cfg.maxBlocksPerRead = n
	}
}

// Blocks returns a source that serves reads of src from fixed-size blocks
// kept in c. Decoders issue many small reads, so wrapping a remote source
// turns them into a few block fetches that later runs reuse.
//
// Blocks are keyed by the source ID, which must identify the content.
func Blocks(src source.ByteSource, c Cache, opts ...BlockOption) (source.ByteSource, error) {
	if src == nil {
		return nil, errors.New("block cache: source is nil")
	}
	if c == nil {
		return nil, errors.New("block cache: cache is nil")
	}
	cfg := blockConfig{blockSize: DefaultBlockSize, maxBlocksPerRead: DefaultMaxBlocksPerRead}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.blockSize <= 0 {
		return nil, errors.New("block cache: block size must be > 0")
	}
	if cfg.blockSize > math.MaxInt32 {
		return nil, errors.New("block cache: block size too large")
	}
	if src.SourceID() == "" {
		return nil, errors.New("block cache: source id is empty")
	}
	return &blockSource{
		src:              src,
		cache:            c,
		id:               src.SourceID(),
		blockSize:        cfg.blockSize,
		maxBlocksPerRead: cfg.maxBlocksPerRead,
	}, nil
}

// BlockKey returns the cache key of one block.
func BlockKey(sourceID string, blockSize, index int64) string {
	return digest.FromString(fmt.Sprintf("block|%s|%d|%d", sourceID, blockSize, index)).Encoded()
}

type blockSource struct {
	src              source.ByteSource
	cache            Cache
	id               string
	blockSize        int64
	maxBlocksPerRead int
	fetches          singleflight.Group
}

func (s *blockSource) Size() int64 { return s.src.Size() }

func (s *blockSource) SourceID() string { return s.id }

func (s *blockSource) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	size := s.src.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := min(int64(len(p)), size-off)

	first := off / s.blockSize
	last := (off + want - 1) / s.blockSize
	if s.maxBlocksPerRead > 0 && last-first+1 > int64(s.maxBlocksPerRead) {
		return s.src.ReadAt(p, off)
	}

	var n int64
	for index := first; index <= last; index++ {
		blockStart := index * s.blockSize
		blockEnd := min(blockStart+s.blockSize, size)
		data, err := s.block(index, blockStart, blockEnd-blockStart)
		if err != nil {
			return int(n), err
		}
		from := max(off, blockStart)
		to := min(off+want, blockEnd)
		n += int64(copy(p[from-off:to-off], data[from-blockStart:to-blockStart]))
	}
	if want < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// block returns one block, from the cache when a complete copy is stored.
// Concurrent requests for the same block share one fetch.
func (s *blockSource) block(index, start, length int64) ([]byte, error) {
	key := BlockKey(s.id, s.blockSize, index)
	v, err, _ := s.fetches.Do(key, func() (any, error) {
		if data, ok := s.cache.Get(key); ok {
			if int64(len(data)) == length {
				return data, nil
			}
			_ = s.cache.Delete(key) //nolint:errcheck // refetched below
		}

		buf := make([]byte, length)
		n, err := s.src.ReadAt(buf, start)
		if int64(n) != length {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		// Cache writes are opportunistic; the read already succeeded.
		_ = s.cache.Put(key, buf) //nolint:errcheck // best effort
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil //nolint:errcheck // type assertion always succeeds when err is nil
}
