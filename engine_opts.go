package blobtree

import (
	"errors"
	"log/slog"

	"github.com/meigma/blobtree/cache"
	"github.com/meigma/blobtree/decoder"
)

// Option configures an Engine.
type Option func(*Engine) error

// WithRegistry sets the decoder registry. The registry is sealed so formats
// cannot change while decodes run.
func WithRegistry(r *decoder.Registry) Option {
	return func(e *Engine) error {
		if r == nil {
			return errors.New("blobtree: registry is nil")
		}
		r.Seal()
		e.registry = r
		return nil
	}
}

// WithCache enables snapshot caching of top-level decodes.
func WithCache(c cache.Cache) Option {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithLogger sets the logger for engine and decoder events.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// WithMaxSteps bounds the work of every decode. Zero means unlimited.
// A per-call [decoder.WithMaxSteps] overrides it.
func WithMaxSteps(n uint64) Option {
	return func(e *Engine) error {
		e.maxSteps = n
		return nil
	}
}

// WithConcurrency limits the number of decodes DecodeAll runs at once.
// Defaults to GOMAXPROCS.
func WithConcurrency(n int) Option {
	return func(e *Engine) error {
		if n < 1 {
			return errors.New("blobtree: concurrency must be >= 1")
		}
		e.concurrency = n
		return nil
	}
}
