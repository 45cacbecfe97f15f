package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/blobtree"
	"github.com/meigma/blobtree/cache"
	"github.com/meigma/blobtree/cache/disk"
	"github.com/meigma/blobtree/chunk/memory"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/formats/elf"
	"github.com/meigma/blobtree/formats/hcldesc"
	"github.com/meigma/blobtree/formats/png"
	"github.com/meigma/blobtree/internal/config"
	"github.com/meigma/blobtree/source"
	httpsource "github.com/meigma/blobtree/source/http"
)

// newRegistry registers the built-in decoders and every format declared in
// the description files.
func newRegistry(descriptions []string) (*decoder.Registry, error) {
	r := decoder.NewRegistry()
	r.MustRegister(elf.New(), png.New())
	for _, path := range descriptions {
		decs, err := hcldesc.LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, dec := range decs {
			if err := r.Register(dec); err != nil {
				return nil, fmt.Errorf("register %s from %s: %w", dec.Name(), path, err)
			}
		}
	}
	return r, nil
}

// caches holds the on-disk caches under the configured cache directory.
// Both are nil when caching is disabled.
type caches struct {
	snapshots cache.Cache
	blocks    cache.Cache
}

// openCaches splits the size limit evenly between decoded snapshots and
// remote source blocks.
func openCaches(cfg config.Config) (caches, error) {
	if cfg.Cache.Dir == "" {
		return caches{}, nil
	}
	limit := cfg.Cache.MaxBytes / 2
	snapshots, err := disk.New(filepath.Join(cfg.Cache.Dir, "snapshots"), disk.WithMaxBytes(limit))
	if err != nil {
		return caches{}, fmt.Errorf("open cache %s: %w", cfg.Cache.Dir, err)
	}
	blocks, err := disk.New(filepath.Join(cfg.Cache.Dir, "blocks"), disk.WithMaxBytes(limit))
	if err != nil {
		return caches{}, fmt.Errorf("open cache %s: %w", cfg.Cache.Dir, err)
	}
	return caches{snapshots: snapshots, blocks: blocks}, nil
}

func newEngine(cfg config.Config, snapshots cache.Cache, logger *slog.Logger) (*blobtree.Engine, error) {
	reg, err := newRegistry(cfg.Formats.Descriptions)
	if err != nil {
		return nil, err
	}
	opts := []blobtree.Option{
		blobtree.WithRegistry(reg),
		blobtree.WithLogger(logger),
		blobtree.WithMaxSteps(cfg.Decode.MaxSteps),
	}
	if cfg.Decode.Concurrency > 0 {
		opts = append(opts, blobtree.WithConcurrency(cfg.Decode.Concurrency))
	}
	if snapshots != nil {
		opts = append(opts, blobtree.WithCache(snapshots))
	}
	return blobtree.New(memory.New(memory.WithLogger(logger)), opts...)
}

// blobFromArg interprets a command-line blob argument as a URL, an OCI blob
// reference (host/repo@algo:hex) or a local path.
func blobFromArg(arg string, zstd bool) config.Blob {
	switch {
	case strings.HasPrefix(arg, "http://"), strings.HasPrefix(arg, "https://"):
		return config.Blob{URL: arg}
	case strings.Contains(arg, "@sha256:") || strings.Contains(arg, "@sha512:"):
		if _, err := os.Stat(arg); err != nil {
			return config.Blob{OCI: arg}
		}
	}
	return config.Blob{Path: arg, Zstd: zstd}
}

// openBlob opens b. Remote URL sources read through blocks when it is not
// nil. The returned close function releases file mappings and is never nil.
func openBlob(ctx context.Context, b config.Blob, blocks cache.Cache) (source.ByteSource, func() error, error) {
	noop := func() error { return nil }
	switch {
	case b.URL != "":
		src, err := httpsource.NewSource(b.URL, httpsource.WithContext(ctx), httpsource.WithConditionalHeaders())
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", b.URL, err)
		}
		if blocks == nil {
			return src, noop, nil
		}
		cached, err := cache.Blocks(src, blocks)
		if err != nil {
			return nil, nil, err
		}
		return cached, noop, nil
	case b.OCI != "":
		src, err := source.OpenOCI(ctx, b.OCI)
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil
	case b.Zstd:
		f, err := os.Open(b.Path)
		if err != nil {
			return nil, nil, err
		}
		defer f.Close()
		src, err := source.Decompress(f)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", b.Path, err)
		}
		return src, noop, nil
	default:
		f, err := source.OpenFile(b.Path)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	}
}

// openBlobs opens every configured blob. On failure the blobs opened so far
// are closed.
func openBlobs(ctx context.Context, blobs map[string]config.Blob, blockCache cache.Cache) (map[string]source.ByteSource, func() error, error) {
	srcs := make(map[string]source.ByteSource, len(blobs))
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}
	for name, b := range blobs {
		src, closeFn, err := openBlob(ctx, b, blockCache)
		if err != nil {
			_ = closeAll() //nolint:errcheck // reporting the open failure
			return nil, nil, fmt.Errorf("blob %q: %w", name, err)
		}
		srcs[name] = src
		closers = append(closers, closeFn)
	}
	return srcs, closeAll, nil
}
