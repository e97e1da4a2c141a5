package testhelper

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/diskimage/fatfs/backend"
)

type reader func(b []byte, offset int64) (int, error)
type writer func(b []byte, offset int64) (int, error)

// FileImpl implements backend.Storage with pluggable read and write
// functions, used in tests to stub out storage and to inject I/O failures.
type FileImpl struct {
	Reader reader
	Writer writer
}

func (f *FileImpl) Stat() (fs.FileInfo, error) {
	return nil, nil
}

func (f *FileImpl) Read(b []byte) (int, error) {
	return f.Reader(b, 0)
}

func (f *FileImpl) Close() error {
	return nil
}

// ReadAt read at a particular offset
func (f *FileImpl) ReadAt(b []byte, offset int64) (int, error) {
	return f.Reader(b, offset)
}

// WriteAt write at a particular offset
func (f *FileImpl) WriteAt(b []byte, offset int64) (int, error) {
	return f.Writer(b, offset)
}

// Seek seek a particular offset - does not actually work
func (f *FileImpl) Seek(offset int64, whence int) (int64, error) {
	return 0, fmt.Errorf("FileImpl does not implement Seek()")
}

// Sys returns no OS file; FileImpl is not OS-backed.
func (f *FileImpl) Sys() (*os.File, error) {
	return nil, nil
}

// Writable returns the FileImpl itself; writes go to the Writer func.
func (f *FileImpl) Writable() (backend.WritableFile, error) {
	return f, nil
}
