// Package file provides a backend.Storage backed by an image file or a raw
// block device.
package file

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/diskimage/fatfs/backend"
)

type fileBackend struct {
	storage  fs.File
	readOnly bool
}

// New wraps an already-open fs.File as a backend.Storage.
func New(f fs.File, readOnly bool) backend.Storage {
	return fileBackend{
		storage:  f,
		readOnly: readOnly,
	}
}

// Open opens an existing image file or block device, e.g. /tmp/floppy.img or
// /dev/sdb1. The target must exist.
func Open(pathName string, readOnly bool) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a device or file name")
	}
	if _, err := os.Stat(pathName); os.IsNotExist(err) {
		return nil, fmt.Errorf("provided device/file %s does not exist: %w", pathName, err)
	}

	openMode := os.O_RDONLY
	if !readOnly {
		openMode |= os.O_RDWR
	}
	f, err := os.OpenFile(pathName, openMode, 0o600)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", pathName, err)
	}
	return fileBackend{
		storage:  f,
		readOnly: readOnly,
	}, nil
}

// Create creates a sparse image file of the given size. The file must not
// exist yet.
func Create(pathName string, size int64) (backend.Storage, error) {
	if pathName == "" {
		return nil, errors.New("must pass a file name")
	}
	if size <= 0 {
		return nil, errors.New("must pass a valid image size to create")
	}
	f, err := os.OpenFile(pathName, os.O_RDWR|os.O_EXCL|os.O_CREATE, 0o666)
	if err != nil {
		return nil, fmt.Errorf("could not create image %s: %w", pathName, err)
	}
	if err := os.Truncate(pathName, size); err != nil {
		return nil, fmt.Errorf("could not expand image %s to size %d: %w", pathName, size, err)
	}
	return fileBackend{
		storage:  f,
		readOnly: false,
	}, nil
}

// Size reports the usable size of the backing storage. For block devices the
// size comes from an ioctl, since Stat reports zero for them.
func Size(s backend.Storage) (int64, error) {
	if osFile, err := s.Sys(); err == nil {
		info, err := osFile.Stat()
		if err != nil {
			return 0, err
		}
		if info.Mode()&os.ModeDevice != 0 {
			return deviceSize(osFile)
		}
		return info.Size(), nil
	}
	info, err := s.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// backend.Storage interface guard
var _ backend.Storage = (*fileBackend)(nil)

func (f fileBackend) Sys() (*os.File, error) {
	if osFile, ok := f.storage.(*os.File); ok {
		return osFile, nil
	}
	return nil, backend.ErrNotSuitable
}

func (f fileBackend) Writable() (backend.WritableFile, error) {
	if rwFile, ok := f.storage.(backend.WritableFile); ok {
		if !f.readOnly {
			return rwFile, nil
		}
		return nil, backend.ErrNotWritable
	}
	return nil, backend.ErrNotSuitable
}

func (f fileBackend) Stat() (fs.FileInfo, error) {
	return f.storage.Stat()
}

func (f fileBackend) Read(b []byte) (int, error) {
	return f.storage.Read(b)
}

func (f fileBackend) Close() error {
	return f.storage.Close()
}

func (f fileBackend) ReadAt(p []byte, off int64) (n int, err error) {
	if readerAt, ok := f.storage.(io.ReaderAt); ok {
		return readerAt.ReadAt(p, off)
	}
	return -1, backend.ErrNotSuitable
}

func (f fileBackend) Seek(offset int64, whence int) (int64, error) {
	if seeker, ok := f.storage.(io.Seeker); ok {
		return seeker.Seek(offset, whence)
	}
	return -1, backend.ErrNotSuitable
}
