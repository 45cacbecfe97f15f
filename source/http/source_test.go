package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bthttp "github.com/meigma/blobtree/source/http"
)

func serveBytes(t *testing.T, data []byte, etag string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var requests atomic.Int64
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		requests.Add(1)
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		nethttp.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestSourceReadAt(t *testing.T) {
	t.Parallel()

	data := []byte("hello world")
	server, _ := serveBytes(t, data, "")

	src, err := bthttp.NewSource(server.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), src.Size())
	assert.Contains(t, src.SourceID(), "url:"+server.URL)

	tests := []struct {
		name    string
		bufSize int
		offset  int64
		wantErr error
		want    string
	}{
		{name: "middle", bufSize: 5, offset: 6, want: "world"},
		{name: "past end returns EOF", bufSize: 10, offset: int64(len(data) - 3), wantErr: io.EOF, want: "rld"},
		{name: "at end", bufSize: 1, offset: int64(len(data)), wantErr: io.EOF, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := make([]byte, tt.bufSize)
			n, err := src.ReadAt(buf, tt.offset)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, string(buf[:n]))
		})
	}
}

func TestSourceETagIdentity(t *testing.T) {
	t.Parallel()

	server, _ := serveBytes(t, []byte("abc"), `"v1"`)
	src, err := bthttp.NewSource(server.URL, bthttp.WithConditionalHeaders())
	require.NoError(t, err)
	assert.Equal(t, "url:"+server.URL+`|etag:"v1"`, src.SourceID())

	buf := make([]byte, 3)
	_, err = src.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))
}

func TestSourceRangeUnsupported(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		_, _ = w.Write([]byte("whole body"))
	}))
	t.Cleanup(server.Close)

	_, err := bthttp.NewSource(server.URL)
	assert.ErrorIs(t, err, bthttp.ErrRangeUnsupported)
}

func TestSourceHeadersAndContext(t *testing.T) {
	t.Parallel()

	var sawToken atomic.Bool
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Header.Get("Authorization") == "Bearer t" {
			sawToken.Store(true)
		}
		nethttp.ServeContent(w, r, "blob", time.Time{}, bytes.NewReader([]byte("data")))
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	src, err := bthttp.NewSource(server.URL,
		bthttp.WithHeader("Authorization", "Bearer t"),
		bthttp.WithContext(ctx),
		bthttp.WithSourceID("fixed"),
	)
	require.NoError(t, err)
	assert.True(t, sawToken.Load())
	assert.Equal(t, "fixed", src.SourceID())

	cancel()
	_, err = src.ReadAt(make([]byte, 2), 0)
	assert.ErrorIs(t, err, context.Canceled)
}
