package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meigma/blobtree"
	"github.com/meigma/blobtree/chunk"
	"github.com/meigma/blobtree/chunk/memory"
	"github.com/meigma/blobtree/internal/testutil"
	"github.com/meigma/blobtree/source"
)

func newTestServer(t *testing.T, store chunk.Store) *httptest.Server {
	t.Helper()
	e, err := blobtree.New(store)
	require.NoError(t, err)
	s, err := New(e, map[string]source.ByteSource{
		"ls":    testutil.NewNamedByteSource("sha256:ls", testutil.MinimalELF().Build()),
		"image": testutil.NewNamedByteSource("sha256:image", testutil.MinimalPNG()),
	})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestFormatsAndBlobs(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())

	resp := do(t, http.MethodGet, ts.URL+"/formats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")
	formats := decodeJSON[formatsResponse](t, resp)
	assert.Equal(t, []string{"elf", "png"}, formats.Formats)

	resp = do(t, http.MethodGet, ts.URL+"/blobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	blobs := decodeJSON[[]blobInfo](t, resp)
	require.Len(t, blobs, 2)
	assert.Equal(t, "image", blobs[0].Name)
	assert.Equal(t, "ls", blobs[1].Name)
	assert.Equal(t, "sha256:ls", blobs[1].ID)
	assert.Equal(t, int64(len(testutil.MinimalELF().Build())), blobs[1].Size)
}

func TestDecodeAndBrowse(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())

	resp := do(t, http.MethodPost, ts.URL+"/blobs/ls/decode?format=elf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeJSON[DecodeResponse](t, resp)
	assert.Equal(t, "elf", res.Format)
	assert.Equal(t, "sha256:ls", res.Blob)
	assert.Equal(t, "success", res.Status)
	require.NotZero(t, res.Root)
	assert.Positive(t, res.Chunks)

	resp = do(t, http.MethodGet, ts.URL+"/blobs/ls/roots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	roots := decodeJSON[[]chunk.Chunk](t, resp)
	require.Len(t, roots, 1)
	assert.Equal(t, res.Root, roots[0].ID)

	root := ts.URL + "/chunks/" + res.Root.String()
	resp = do(t, http.MethodGet, root, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	c := decodeJSON[chunk.Chunk](t, resp)
	assert.Equal(t, "elf", c.Type)
	assert.Equal(t, uint64(0), c.Range.Start)

	resp = do(t, http.MethodGet, root+"/children", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	children := decodeJSON[[]chunk.Chunk](t, resp)
	require.Len(t, children, len(c.Children))
	for _, child := range children {
		assert.Equal(t, res.Root, child.Parent)
		assert.True(t, c.Range.Contains(child.Range))
	}

	resp = do(t, http.MethodDelete, root, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, http.MethodGet, root, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodGet, ts.URL+"/blobs/ls/roots", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeJSON[[]chunk.Chunk](t, resp))
}

func TestDecodeFailureIsReported(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())

	resp := do(t, http.MethodPost, ts.URL+"/blobs/image/decode?format=elf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeJSON[DecodeResponse](t, resp)
	assert.Equal(t, "failed", res.Status)
	require.NotEmpty(t, res.Diagnostics)
	assert.Zero(t, res.Root)
}

func TestMsgpack(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())

	resp := do(t, http.MethodPost, ts.URL+"/blobs/image/decode?format=png&offset=0",
		http.Header{"Accept": {"application/msgpack"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, contentMsgpack, resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var res DecodeResponse
	require.NoError(t, msgpack.Unmarshal(body, &res))
	assert.Equal(t, "png", res.Format)
	assert.Equal(t, "success", res.Status)
	assert.NotZero(t, res.Root)
}

func TestErrorStatuses(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, memory.New())

	resp := do(t, http.MethodPost, ts.URL+"/blobs/ls/decode?format=elf", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := decodeJSON[DecodeResponse](t, resp).Root

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"unknown blob", http.MethodPost, "/blobs/nope/decode?format=elf", http.StatusNotFound},
		{"unknown blob roots", http.MethodGet, "/blobs/nope/roots", http.StatusNotFound},
		{"unknown format", http.MethodPost, "/blobs/ls/decode?format=gif", http.StatusNotFound},
		{"missing format", http.MethodPost, "/blobs/ls/decode", http.StatusBadRequest},
		{"bad offset", http.MethodPost, "/blobs/ls/decode?format=elf&offset=x", http.StatusBadRequest},
		{"bad parent", http.MethodPost, "/blobs/ls/decode?format=elf&parent=-1", http.StatusBadRequest},
		{"unknown parent", http.MethodPost, "/blobs/ls/decode?format=elf&parent=99999", http.StatusNotFound},
		{
			"start outside parent", http.MethodPost,
			"/blobs/ls/decode?format=png&offset=0x10000000&parent=" + root.String(),
			http.StatusBadRequest,
		},
		{
			"parent of another blob", http.MethodPost,
			"/blobs/image/decode?format=png&parent=" + root.String(),
			http.StatusBadRequest,
		},
		{"bad chunk id", http.MethodGet, "/chunks/abc", http.StatusBadRequest},
		{"zero chunk id", http.MethodGet, "/chunks/0", http.StatusBadRequest},
		{"unknown chunk", http.MethodGet, "/chunks/" + strconv.Itoa(1<<30), http.StatusNotFound},
		{"unknown children", http.MethodGet, "/chunks/" + strconv.Itoa(1<<30) + "/children", http.StatusNotFound},
		{"unknown delete", http.MethodDelete, "/chunks/" + strconv.Itoa(1<<30), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, tt.method, ts.URL+tt.path, nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			e := decodeJSON[errorResponse](t, resp)
			assert.NotEmpty(t, e.Error)
		})
	}
}

// brokenStore fails every listing call.
type brokenStore struct {
	chunk.Store
}

func (brokenStore) Roots(context.Context, string) ([]chunk.Chunk, error) {
	return nil, errors.New("disk on fire")
}

func TestStoreFailureIs500(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, brokenStore{Store: memory.New()})

	resp := do(t, http.MethodGet, ts.URL+"/blobs/ls/roots", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "disk on fire", decodeJSON[errorResponse](t, resp).Error)
}

func TestNewRejectsNilEngine(t *testing.T) {
	t.Parallel()
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	e, err := blobtree.New(memory.New())
	require.NoError(t, err)
	s, err := New(e, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp := do(t, http.MethodGet, "http://"+ln.Addr().String()+"/formats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestWantsMsgpack(t *testing.T) {
	t.Parallel()

	for accept, want := range map[string]bool{
		"":                                   false,
		"application/json":                   false,
		"application/msgpack":                true,
		"text/html, application/x-msgpack":   true,
		"Application/MsgPack;q=0.9, */*;q=1": true,
	} {
		r := httptest.NewRequest(http.MethodGet, "/formats", nil)
		r.Header.Set("Accept", accept)
		assert.Equal(t, want, wantsMsgpack(r), accept)
	}
}
