package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/blobtree/internal/config"
	"github.com/meigma/blobtree/internal/testutil"
)

const tlvDescription = `
format "tlv" {
  endian      = "be"
  root        = "file"
  description = "tag-length-value records"

  struct "file" {
    field "magic" {
      type  = "bytes"
      magic = "544c56"
    }
    field "count" { type = "u16" }
    field "records" {
      type   = "record"
      repeat = count
    }
  }

  struct "record" {
    field "tag" { type = "u8" }
    field "len" { type = "u8" }
    field "value" {
      type = "bytes"
      size = len
    }
  }
}
`

type decodedJSON struct {
	Format string `json:"format"`
	Status string `json:"status"`
	Cached bool   `json:"cached"`
	Tree   *struct {
		Type     string            `json:"type"`
		Start    uint64            `json:"start"`
		End      uint64            `json:"end"`
		Children []json.RawMessage `json:"children"`
	} `json:"tree"`
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func decodeOutput(t *testing.T, out string) decodedJSON {
	t.Helper()
	var res decodedJSON
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return res
}

func TestFormats(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "formats")
	require.NoError(t, err)
	assert.Contains(t, out, "elf")
	assert.Contains(t, out, "png")
	assert.NotContains(t, out, "tlv")

	desc := writeFile(t, "tlv.hcl", []byte(tlvDescription))
	out, err = execute(t, "formats", "--desc", desc)
	require.NoError(t, err)
	assert.Contains(t, out, "tlv")
	assert.Contains(t, out, "tag-length-value records")

	_, err = execute(t, "formats", "--desc", filepath.Join(t.TempDir(), "missing.hcl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecodeText(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "ls", testutil.MinimalELF().Build())
	out, err := execute(t, "decode", "--format", "elf", path)
	require.NoError(t, err)
	assert.Contains(t, out, "elf [0x0, ")
	assert.Contains(t, out, "status: success")
	assert.NotContains(t, out, "diagnostic:")
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	data := testutil.MinimalELF().Build()
	path := writeFile(t, "ls", data)
	out, err := execute(t, "decode", "-f", "elf", "--json", path)
	require.NoError(t, err)

	res := decodeOutput(t, out)
	assert.Equal(t, "elf", res.Format)
	assert.Equal(t, "success", res.Status)
	assert.False(t, res.Cached)
	require.NotNil(t, res.Tree)
	assert.Equal(t, "elf", res.Tree.Type)
	assert.LessOrEqual(t, res.Tree.End, uint64(len(data)))
	assert.NotEmpty(t, res.Tree.Children)
}

func TestDecodeWithDescription(t *testing.T) {
	t.Parallel()

	desc := writeFile(t, "tlv.hcl", []byte(tlvDescription))
	path := writeFile(t, "records.bin", []byte{'T', 'L', 'V', 0, 1, 7, 2, 0xaa, 0xbb})
	out, err := execute(t, "decode", "--format", "tlv", "--desc", desc, "--json", path)
	require.NoError(t, err)

	res := decodeOutput(t, out)
	assert.Equal(t, "success", res.Status)
	require.NotNil(t, res.Tree)
	assert.Equal(t, "tlv", res.Tree.Type)
	assert.Equal(t, uint64(9), res.Tree.End)
}

func TestDecodeOffset(t *testing.T) {
	t.Parallel()

	data := append(make([]byte, 16), testutil.MinimalPNG()...)
	path := writeFile(t, "padded.bin", data)
	out, err := execute(t, "decode", "--format", "png", "--offset", "0x10", "--json", path)
	require.NoError(t, err)

	res := decodeOutput(t, out)
	assert.Equal(t, "success", res.Status)
	require.NotNil(t, res.Tree)
	assert.Equal(t, uint64(16), res.Tree.Start)

	_, err = execute(t, "decode", "--format", "png", "--offset", "sixteen", path)
	assert.Error(t, err)
}

func TestDecodeZstd(t *testing.T) {
	t.Parallel()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(testutil.MinimalPNG(), nil)
	require.NoError(t, enc.Close())

	path := writeFile(t, "image.png.zst", compressed)
	out, err := execute(t, "decode", "--format", "png", "--zstd", "--json", path)
	require.NoError(t, err)
	assert.Equal(t, "success", decodeOutput(t, out).Status)

	_, err = execute(t, "decode", "--format", "png", path)
	assert.ErrorIs(t, err, errDecodeFailed)
}

func TestDecodeCacheDir(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "image.png", testutil.MinimalPNG())
	cacheDir := t.TempDir()

	out, err := execute(t, "decode", "--format", "png", "--cache-dir", cacheDir, "--json", path)
	require.NoError(t, err)
	assert.False(t, decodeOutput(t, out).Cached)

	out, err = execute(t, "decode", "--format", "png", "--cache-dir", cacheDir, "--json", path)
	require.NoError(t, err)
	second := decodeOutput(t, out)
	assert.True(t, second.Cached)
	assert.Equal(t, "success", second.Status)
	require.NotNil(t, second.Tree)
	assert.Equal(t, "png", second.Tree.Type)
}

func TestDecodeHTTP(t *testing.T) {
	t.Parallel()

	data := testutil.MinimalELF().Build()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		http.ServeContent(w, r, "ls", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(ts.Close)

	out, err := execute(t, "decode", "--format", "elf", ts.URL+"/ls")
	require.NoError(t, err)
	assert.Contains(t, out, "status: success")

	cacheDir := t.TempDir()
	out, err = execute(t, "decode", "--format", "elf", "--cache-dir", cacheDir, ts.URL+"/ls")
	require.NoError(t, err)
	assert.Contains(t, out, "status: success")
	for _, sub := range []string{"blocks", "snapshots"} {
		entries, err := os.ReadDir(filepath.Join(cacheDir, sub))
		require.NoError(t, err)
		assert.NotEmpty(t, entries, sub)
	}
}

func TestDecodeFailures(t *testing.T) {
	t.Parallel()

	garbage := writeFile(t, "garbage", bytes.Repeat([]byte{0xde, 0xad}, 8))
	out, err := execute(t, "decode", "--format", "elf", garbage)
	require.ErrorIs(t, err, errDecodeFailed)
	assert.Contains(t, out, "status: failed")
	assert.Contains(t, out, "diagnostic:")

	_, err = execute(t, "decode", "--format", "gif", garbage)
	assert.Error(t, err)

	_, err = execute(t, "decode", garbage)
	assert.Error(t, err, "format is required")

	_, err = execute(t, "decode", "--format", "elf", filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfigFlags(t *testing.T) {
	t.Parallel()

	bad := writeFile(t, "bad.toml", []byte("[log]\nlevel = \"loud\"\n"))
	_, err := execute(t, "formats", "--config", bad)
	require.ErrorIs(t, err, config.ErrInvalid)

	_, err = execute(t, "formats", "--log-format", "xml")
	assert.ErrorIs(t, err, config.ErrInvalid)

	desc := writeFile(t, "tlv.hcl", []byte(tlvDescription))
	good := writeFile(t, "good.toml", []byte("[formats]\ndescriptions = [\""+filepath.ToSlash(desc)+"\"]\n"))
	out, err := execute(t, "formats", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "tlv")

	// Flags are validated after overriding the file.
	_, err = execute(t, "formats", "--config", good, "--log-level", "loud")
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestBlobFromArg(t *testing.T) {
	t.Parallel()

	tests := []struct {
		arg  string
		zstd bool
		want config.Blob
	}{
		{"https://example.com/a.bin", false, config.Blob{URL: "https://example.com/a.bin"}},
		{"http://localhost:8080/a", true, config.Blob{URL: "http://localhost:8080/a"}},
		{
			"registry.local/repo@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", false,
			config.Blob{OCI: "registry.local/repo@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"},
		},
		{"bin/ls", false, config.Blob{Path: "bin/ls"}},
		{"image.zst", true, config.Blob{Path: "image.zst", Zstd: true}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, blobFromArg(tt.arg, tt.zstd), tt.arg)
	}
}

func TestOpenBlobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	path := writeFile(t, "ls", testutil.MinimalELF().Build())
	srcs, closeAll, err := openBlobs(ctx, map[string]config.Blob{"ls": {Path: path}}, nil)
	require.NoError(t, err)
	require.Contains(t, srcs, "ls")
	assert.Equal(t, int64(len(testutil.MinimalELF().Build())), srcs["ls"].Size())
	require.NoError(t, closeAll())

	_, _, err = openBlobs(ctx, map[string]config.Blob{
		"ls":      {Path: path},
		"missing": {Path: filepath.Join(t.TempDir(), "missing")},
	}, nil)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "ls", testutil.MinimalELF().Build())
	cfg := writeFile(t, "serve.toml", []byte("[blobs.ls]\npath = \""+filepath.ToSlash(path)+"\"\n"))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", cfg, "--listen", "127.0.0.1:0"})
	assert.NoError(t, cmd.ExecuteContext(ctx))
}
