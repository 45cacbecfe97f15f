package source

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
)

// File is a read-only, memory-mapped local file.
type File struct {
	path string
	data mmap.MMap
	id   string
}

// OpenFile maps the file at path read-only. The caller must Close it.
//
// The source ID combines the absolute path, size and modification time, so an
// edited file does not reuse cached decode results.
func OpenFile(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(abs) //nolint:gosec // caller chooses the file to inspect
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("open %s: not a regular file", abs)
	}

	src := &File{
		path: abs,
		id:   fmt.Sprintf("file:%s|size:%d|mtime:%d", abs, info.Size(), info.ModTime().UnixNano()),
	}
	// Mapping an empty file fails on most platforms.
	if info.Size() == 0 {
		return src, nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", abs, err)
	}
	src.data = m
	return src, nil
}

// ReadAt implements io.ReaderAt over the mapping.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= int64(len(f.data)) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the file size at open time.
func (f *File) Size() int64 {
	return int64(len(f.data))
}

// SourceID returns the path/size/mtime identifier.
func (f *File) SourceID() string {
	return f.id
}

// Path returns the absolute path of the file.
func (f *File) Path() string {
	return f.path
}

// Close unmaps the file. Reads after Close fail with io.EOF.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	err := f.data.Unmap()
	f.data = nil
	return err
}
