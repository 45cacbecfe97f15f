package decoder

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateFormat = errors.New("decoder: format already registered")
	ErrUnknownFormat   = errors.New("decoder: unknown format")
	ErrRegistrySealed  = errors.New("decoder: registry is sealed")
)

// Registry maps format names to decoders. It is populated at startup and
// then sealed; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	sealed   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]Decoder)}
}

// Register adds dec under dec.Name().
func (r *Registry) Register(dec Decoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register %q: %w", dec.Name(), ErrRegistrySealed)
	}
	name := dec.Name()
	if name == "" {
		return fmt.Errorf("register: empty format name")
	}
	if _, ok := r.decoders[name]; ok {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateFormat)
	}
	r.decoders[name] = dec
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(decs ...Decoder) {
	for _, dec := range decs {
		if err := r.Register(dec); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the decoder for name.
func (r *Registry) Lookup(name string) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dec, ok := r.decoders[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownFormat)
	}
	return dec, nil
}

// Names returns the registered format names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.decoders))
	for name := range r.decoders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Seal rejects further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
