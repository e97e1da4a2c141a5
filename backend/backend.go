// Package backend abstracts the storage a FAT volume lives on, whether a
// plain image file, a raw block device, or an in-memory buffer.
package backend

import (
	"errors"
	"io"
	"io/fs"
	"os"
)

var (
	ErrNotWritable = errors.New("image not open for write")
	ErrNotSuitable = errors.New("backing storage is not suitable")
)

// File is the read side of a backing store.
type File interface {
	fs.File
	io.ReaderAt
	io.Seeker
	io.Closer
}

// WritableFile is a File that also accepts positioned writes.
type WritableFile interface {
	File
	io.WriterAt
}

// Storage is what the engine mounts. Writable returns ErrNotWritable when
// the store was opened read-only.
type Storage interface {
	File
	// Sys returns the OS-specific file for ioctl calls, when there is one.
	Sys() (*os.File, error)
	Writable() (WritableFile, error)
}
