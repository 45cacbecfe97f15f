package blobtree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/meigma/blobtree/cache"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/decoder"
	"github.com/meigma/blobtree/diag"
	"github.com/meigma/blobtree/snapshot"
	"github.com/meigma/blobtree/source"
)

// Engine runs registered decoders against blobs and commits the trees to a
// chunk store.
//
// Engine is safe for concurrent use. Identical concurrent decodes (same
// blob, format, offset and parent) share one run and return the same result.
type Engine struct {
	store       chunk.Store
	registry    *decoder.Registry
	cache       cache.Cache
	logger      *slog.Logger
	maxSteps    uint64
	concurrency int

	flight singleflight.Group
	mu     sync.Mutex
	calls  map[string]*flightCall
}

// flightCall is the context of a shared decode. It is cancelled once every
// caller waiting on it has gone.
type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New creates an engine committing to store.
//
// Without [WithRegistry] the engine uses [DefaultRegistry].
func New(store chunk.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("blobtree: store is nil")
	}
	e := &Engine{
		store:       store,
		concurrency: runtime.GOMAXPROCS(0),
		calls:       make(map[string]*flightCall),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	return e, nil
}

func (e *Engine) log() *slog.Logger {
	if e.logger != nil {
		return e.logger
	}
	return slog.New(slog.DiscardHandler)
}

// Store returns the chunk store the engine commits to.
func (e *Engine) Store() chunk.Store {
	return e.store
}

// Registry returns the decoder registry.
func (e *Engine) Registry() *decoder.Registry {
	return e.registry
}

// Formats returns the registered format names in sorted order.
func (e *Engine) Formats() []string {
	return e.registry.Names()
}

// Decode decodes src with the named format. opts select the start offset
// and parent chunk; see [decoder.Run] for the error contract.
func (e *Engine) Decode(ctx context.Context, src source.ByteSource, format string, opts ...decoder.RunOption) (*decoder.Result, error) {
	dec, err := e.registry.Lookup(format)
	if err != nil {
		return nil, err
	}
	start, parent := decoder.Options(opts...)
	key := fmt.Sprintf("%s|%s|%d|%d", src.SourceID(), dec.Name(), start, parent)

	c := e.join(ctx, key)
	defer e.leave(key, c)

	for retried := false; ; retried = true {
		ch := e.flight.DoChan(key, func() (any, error) {
			defer e.forget(key, c)
			return e.decode(c.ctx, dec, src, start, parent, opts)
		})
		var r singleflight.Result
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r = <-ch:
		}
		if r.Err != nil {
			// A run abandoned by all of its callers can still hand its
			// cancellation to a caller that joined as it finished.
			if !retried && ctx.Err() == nil && isCancellation(r.Err) {
				continue
			}
			return nil, r.Err
		}
		if r.Shared {
			e.log().Debug("decode shared", "format", format, "blob", src.SourceID(), "start", start)
		}
		res, _ := r.Val.(*decoder.Result) //nolint:errcheck // type assertion always succeeds when err is nil
		return res, nil
	}
}

// join registers a caller of the shared decode under key.
func (e *Engine) join(ctx context.Context, key string) *flightCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.calls[key]
	if !ok {
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &flightCall{ctx: sctx, cancel: cancel}
		e.calls[key] = c
	}
	c.waiters++
	return c
}

// leave drops a caller and cancels the shared decode when none remain.
func (e *Engine) leave(key string, c *flightCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if e.calls[key] == c {
		delete(e.calls, key)
	}
}

// forget stops new callers from joining c once its run has finished.
func (e *Engine) forget(key string, c *flightCall) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls[key] == c {
		delete(e.calls, key)
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (e *Engine) decode(
	ctx context.Context,
	dec decoder.Decoder,
	src source.ByteSource,
	start uint64,
	parent chunk.ID,
	opts []decoder.RunOption,
) (*decoder.Result, error) {
	var key string
	if e.cache != nil && parent == 0 {
		key = CacheKey(src.SourceID(), dec.Name(), start)
		res, ok, err := e.restore(ctx, dec, key, src.SourceID(), start)
		if err != nil {
			return nil, err
		}
		if ok {
			return res, nil
		}
	}

	runOpts := make([]decoder.RunOption, 0, len(opts)+2)
	runOpts = append(runOpts, decoder.WithLogger(e.log()))
	if e.maxSteps > 0 {
		runOpts = append(runOpts, decoder.WithMaxSteps(e.maxSteps))
	}
	runOpts = append(runOpts, opts...)

	res, err := decoder.Run(ctx, dec, src, e.store, runOpts...)
	if err != nil {
		return nil, err
	}
	if key != "" && cacheable(res) {
		e.save(key, res)
	}
	return res, nil
}

// CacheKey returns the cache key of a top-level decode.
func CacheKey(blob, format string, start uint64) string {
	return digest.FromString(fmt.Sprintf("%s|%s|%d", blob, format, start)).Encoded()
}

// cacheable excludes results that depend on the step budget rather than on
// the blob.
func cacheable(res *decoder.Result) bool {
	return !slices.ContainsFunc(res.Diagnostics, func(d diag.Diagnostic) bool {
		return d.Kind == diag.KindBudgetExceeded
	})
}

func (e *Engine) save(key string, res *decoder.Result) {
	snap := &snapshot.Snapshot{
		Format:      res.Format,
		Blob:        res.Blob,
		Start:       res.Start,
		Status:      res.Status,
		Phase:       res.Phase,
		Phases:      res.Phases,
		Diagnostics: res.Diagnostics,
		Steps:       res.Steps,
		Tree:        res.Tree,
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		e.log().Warn("encode snapshot", "format", res.Format, "blob", res.Blob, "error", err)
		return
	}
	// Caching is opportunistic; a failed write only costs a future decode.
	if err := e.cache.Put(key, data); err != nil {
		e.log().Warn("cache snapshot", "format", res.Format, "blob", res.Blob, "error", err)
	}
}

// restore re-attaches a cached tree. Entries that fail to decode or belong
// to another decode are dropped and reported as misses.
func (e *Engine) restore(ctx context.Context, dec decoder.Decoder, key, blob string, start uint64) (*decoder.Result, bool, error) {
	data, ok := e.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	snap, err := snapshot.Decode(data)
	if err == nil && (snap.Blob != blob || snap.Format != dec.Name() || snap.Start != start) {
		err = fmt.Errorf("%w: entry for %s/%s@%d", snapshot.ErrCorrupt, snap.Format, snap.Blob, snap.Start)
	}
	if err != nil {
		e.log().Warn("dropping cached snapshot", "key", key, "error", err)
		if delErr := e.cache.Delete(key); delErr != nil {
			e.log().Warn("delete cached snapshot", "key", key, "error", delErr)
		}
		return nil, false, nil
	}

	res := &decoder.Result{
		Format:      snap.Format,
		Blob:        snap.Blob,
		Start:       snap.Start,
		Tree:        snap.Tree,
		Status:      snap.Status,
		Phases:      snap.Phases,
		Phase:       snap.Phase,
		Diagnostics: snap.Diagnostics,
		Steps:       snap.Steps,
		Cached:      true,
	}
	if err := decoder.Commit(ctx, dec, e.store, res); err != nil {
		return nil, false, err
	}
	e.log().Debug("decode restored from cache", "format", res.Format, "blob", res.Blob, "start", res.Start, "chunks", res.Chunks())
	return res, true, nil
}

// Request is one decode of a batch.
type Request struct {
	Source  source.ByteSource
	Format  string
	Options []decoder.RunOption
}

// DecodeAll runs independent requests concurrently, bounded by
// [WithConcurrency]. Results are returned in request order. The first call
// error cancels the remaining requests and is returned.
func (e *Engine) DecodeAll(ctx context.Context, reqs []Request) ([]*decoder.Result, error) {
	results := make([]*decoder.Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := e.Decode(gctx, req.Source, req.Format, req.Options...)
			if err != nil {
				return fmt.Errorf("request %d (%s): %w", i, req.Format, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
