// Package http provides a blob source backed by HTTP range requests, so large
// remote files can be decoded without downloading them first.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
)

// ErrRangeUnsupported is returned when the server ignores Range headers.
var ErrRangeUnsupported = errors.New("http source: range requests not supported")

// Source implements source.ByteSource via HTTP range requests.
type Source struct {
	url          string
	client       *nethttp.Client
	headers      nethttp.Header
	ctx          context.Context
	size         int64
	etag         string
	lastModified string
	sourceID     string
	conditional  bool
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithContext sets the context attached to every request. ReadAt has no
// context parameter, so cancellation of in-flight reads goes through here.
func WithContext(ctx context.Context) Option {
	return func(s *Source) {
		s.ctx = ctx
	}
}

// WithSourceID overrides the identifier derived from the URL and validators.
func WithSourceID(id string) Option {
	return func(s *Source) {
		s.sourceID = id
	}
}

// WithConditionalHeaders sends If-Match/If-Unmodified-Since on reads so a
// blob that changes mid-decode fails instead of mixing two versions.
func WithConditionalHeaders() Option {
	return func(s *Source) {
		s.conditional = true
	}
}

// NewSource probes url for its size and validators and returns a Source.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	if err := s.probe(); err != nil {
		return nil, err
	}
	if s.sourceID == "" {
		switch {
		case s.etag != "":
			s.sourceID = fmt.Sprintf("url:%s|etag:%s", s.url, s.etag)
		case s.lastModified != "":
			s.sourceID = fmt.Sprintf("url:%s|mod:%s|size:%d", s.url, s.lastModified, s.size)
		default:
			s.sourceID = fmt.Sprintf("url:%s|size:%d", s.url, s.size)
		}
	}
	return s, nil
}

// Size returns the remote content length.
func (s *Source) Size() int64 {
	return s.size
}

// SourceID returns the identifier of the remote content.
func (s *Source) SourceID() string {
	return s.sourceID
}

// ReadAt fetches len(p) bytes at off with a single range request. Reads that
// extend past the end return the available bytes and io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= s.size {
		return 0, io.EOF
	}

	want := len(p)
	if remaining := s.size - off; int64(want) > remaining {
		want = int(remaining)
	}

	resp, err := s.get(off, off+int64(want)-1, s.conditional)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode == nethttp.StatusPreconditionFailed {
		drain(resp)
		return 0, fmt.Errorf("read at %d: remote content changed", off)
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:want])
	if err != nil {
		return n, err
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// probe learns the size from a one-byte range request, falling back on HEAD
// only for the validators.
func (s *Source) probe() error {
	if req, err := s.request(nethttp.MethodHead, false); err == nil {
		if resp, err := s.client.Do(req); err == nil {
			s.etag = resp.Header.Get("ETag")
			s.lastModified = resp.Header.Get("Last-Modified")
			drain(resp)
		}
	}

	resp, err := s.get(0, 0, false)
	if err != nil {
		return err
	}
	defer drain(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return ErrRangeUnsupported
	default:
		return fmt.Errorf("range probe failed: %s", resp.Status)
	}

	size, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	s.size = size
	if s.etag == "" {
		s.etag = resp.Header.Get("ETag")
	}
	if s.lastModified == "" {
		s.lastModified = resp.Header.Get("Last-Modified")
	}
	return nil
}

// get issues a GET for bytes [first, last].
func (s *Source) get(first, last int64, conditional bool) (*nethttp.Response, error) {
	req, err := s.request(nethttp.MethodGet, conditional)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", first, last))
	return s.client.Do(req)
}

func (s *Source) request(method string, conditional bool) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(s.ctx, method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	// Compressed transfer encodings break byte offsets.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	if conditional {
		if s.etag != "" {
			req.Header.Set("If-Match", s.etag)
		} else if s.lastModified != "" {
			req.Header.Set("If-Unmodified-Since", s.lastModified)
		}
	}
	return req, nil
}

// drain discards the rest of the body so the connection can be reused.
func drain(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
	_ = resp.Body.Close()
}

// parseContentRange extracts the total size from "bytes first-last/size".
func parseContentRange(value string) (int64, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	_, total, ok := strings.Cut(rest, "/")
	if !ok || total == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(total, 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
