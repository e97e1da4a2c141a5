// Package mem provides a backend.Storage over an in-memory buffer. It is
// used by tests and anywhere a scratch volume is wanted without touching the
// host filesystem.
package mem

import (
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/diskimage/fatfs/backend"
)

// Buffer is a fixed-size in-memory backend.Storage.
type Buffer struct {
	data []byte
	pos  int64
}

// New returns a zero-filled Buffer of the given size.
func New(size int64) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// FromBytes wraps an existing byte slice; the Buffer shares the slice.
func FromBytes(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the underlying slice.
func (m *Buffer) Bytes() []byte {
	return m.data
}

func (m *Buffer) Stat() (fs.FileInfo, error) {
	return memFileInfo{size: int64(len(m.data))}, nil
}

func (m *Buffer) Read(b []byte) (int, error) {
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

func (m *Buffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	default:
		return -1, backend.ErrNotSuitable
	}
	return m.pos, nil
}

func (m *Buffer) Close() error {
	return nil
}

func (m *Buffer) Sys() (*os.File, error) {
	return nil, backend.ErrNotSuitable
}

func (m *Buffer) Writable() (backend.WritableFile, error) {
	return m, nil
}

var _ backend.Storage = (*Buffer)(nil)
var _ backend.WritableFile = (*Buffer)(nil)

type memFileInfo struct {
	size int64
}

func (fi memFileInfo) Name() string       { return "mem" }
func (fi memFileInfo) Size() int64        { return fi.size }
func (fi memFileInfo) Mode() fs.FileMode  { return 0o644 }
func (fi memFileInfo) ModTime() time.Time { return time.Time{} }
func (fi memFileInfo) IsDir() bool        { return false }
func (fi memFileInfo) Sys() any           { return nil }
