package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/registry/remote"
)

// ErrInvalidReference is returned when an OCI blob reference is malformed.
var ErrInvalidReference = errors.New("source: invalid OCI blob reference")

// OCIOption configures OCI sources.
type OCIOption func(*ociConfig)

type ociConfig struct {
	maxSize   int64
	plainHTTP bool
}

// OCIWithMaxSize caps the blob size accepted from the registry.
// Use 0 to disable the limit.
func OCIWithMaxSize(n int64) OCIOption {
	return func(c *ociConfig) {
		c.maxSize = n
	}
}

// OCIWithPlainHTTP talks to the registry over plain HTTP (local registries).
func OCIWithPlainHTTP(enabled bool) OCIOption {
	return func(c *ociConfig) {
		c.plainHTTP = enabled
	}
}

// FetchOCI fetches the blob described by desc and verifies its size and digest.
// The returned source's ID is the descriptor digest.
func FetchOCI(ctx context.Context, fetcher content.Fetcher, desc ocispec.Descriptor, opts ...OCIOption) (*Bytes, error) {
	cfg := ociConfig{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := desc.Digest.Validate(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", desc.Digest, err)
	}
	if desc.Size < 0 {
		return nil, fmt.Errorf("fetch %s: negative size %d", desc.Digest, desc.Size)
	}
	if cfg.maxSize > 0 && desc.Size > cfg.maxSize {
		return nil, fmt.Errorf("fetch %s: %w: %d bytes", desc.Digest, ErrTooLarge, desc.Size)
	}

	data, err := content.FetchAll(ctx, fetcher, desc)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", desc.Digest, err)
	}
	return NewBytes(data, WithID(desc.Digest.String())), nil
}

// OpenOCI fetches a blob by reference of the form host/repository@algo:hex.
func OpenOCI(ctx context.Context, ref string, opts ...OCIOption) (*Bytes, error) {
	cfg := ociConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	repoRef, dgst, err := splitBlobRef(ref)
	if err != nil {
		return nil, err
	}
	repo, err := remote.NewRepository(repoRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = cfg.plainHTTP

	desc, err := repo.Blobs().Resolve(ctx, dgst.String())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ref, err)
	}
	return FetchOCI(ctx, repo.Blobs(), desc, opts...)
}

// splitBlobRef splits host/repo@digest into its repository and digest parts.
func splitBlobRef(ref string) (string, digest.Digest, error) {
	repoRef, dgstStr, ok := strings.Cut(ref, "@")
	if !ok || repoRef == "" {
		return "", "", fmt.Errorf("%w: %q: missing @digest", ErrInvalidReference, ref)
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		return "", "", fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref, err)
	}
	return repoRef, dgst, nil
}
