// Package vfs adapts a driver.Driver to the afero.Fs interface so a FAT
// volume can be used anywhere an afero filesystem is accepted, path walking
// and flag handling included.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/diskimage/fatfs/driver"
	"github.com/diskimage/fatfs/fat"
)

// Fs is an afero filesystem backed by one FAT volume.
type Fs struct {
	d *driver.Driver
}

var _ afero.Fs = (*Fs)(nil)

// New wraps the driver.
func New(d *driver.Driver) *Fs {
	return &Fs{d: d}
}

func (v *Fs) Name() string { return "fatfs" }

// split cleans the path and separates the parent from the final element.
// The root has an empty final element.
func split(name string) (elems []string) {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "/" {
		return nil
	}
	return strings.Split(strings.TrimPrefix(cleaned, "/"), "/")
}

// walk resolves a path to its entry attributes.
func (v *Fs) walk(name string) (driver.Attr, error) {
	attr := driver.Attr{ID: driver.RootID, IsDir: true}
	for _, elem := range split(name) {
		if !attr.IsDir {
			return driver.Attr{}, &os.PathError{Op: "open", Path: name, Err: fat.ErrNotDir}
		}
		next, err := v.d.Lookup(attr.ID, elem)
		if err != nil {
			return driver.Attr{}, &os.PathError{Op: "open", Path: name, Err: err}
		}
		attr = next
	}
	return attr, nil
}

// walkParent resolves the directory containing the final path element.
func (v *Fs) walkParent(name string) (parent driver.Attr, base string, err error) {
	elems := split(name)
	if len(elems) == 0 {
		return driver.Attr{}, "", &os.PathError{Op: "open", Path: name, Err: fat.ErrInvalidName}
	}
	parent, err = v.walk("/" + strings.Join(elems[:len(elems)-1], "/"))
	if err != nil {
		return driver.Attr{}, "", err
	}
	return parent, elems[len(elems)-1], nil
}

func (v *Fs) Open(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_RDONLY, 0)
}

func (v *Fs) Create(name string) (afero.File, error) {
	return v.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o666)
}

func (v *Fs) OpenFile(name string, flag int, _ os.FileMode) (afero.File, error) {
	attr, err := v.walk(name)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, &os.PathError{Op: "open", Path: name, Err: fat.ErrExist}
		}
	case errors.Is(err, fat.ErrNotFound) && flag&os.O_CREATE != 0:
		parent, base, perr := v.walkParent(name)
		if perr != nil {
			return nil, perr
		}
		attr, err = v.d.Create(parent.ID, base)
		if err != nil {
			return nil, &os.PathError{Op: "create", Path: name, Err: err}
		}
	default:
		return nil, err
	}

	f := &file{fs: v, path: name, attr: attr}
	if attr.IsDir {
		return f, nil
	}

	write := flag&(os.O_WRONLY|os.O_RDWR) != 0
	// truncate before opening so the handle sees the final size
	if flag&os.O_TRUNC != 0 && write && attr.Size > 0 {
		var zero int64
		if _, err := v.d.Setattr(attr.ID, driver.SetattrRequest{Size: &zero}); err != nil {
			return nil, &os.PathError{Op: "truncate", Path: name, Err: err}
		}
	}
	fh, err := v.d.Open(attr.ID, write)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	f.fh = fh
	f.writable = write
	if flag&os.O_APPEND != 0 {
		f.appendMode = true
	}
	return f, nil
}

func (v *Fs) Mkdir(name string, _ os.FileMode) error {
	parent, base, err := v.walkParent(name)
	if err != nil {
		return err
	}
	if _, err := v.d.Mkdir(parent.ID, base); err != nil {
		return &os.PathError{Op: "mkdir", Path: name, Err: err}
	}
	return nil
}

func (v *Fs) MkdirAll(name string, perm os.FileMode) error {
	elems := split(name)
	current := "/"
	for _, elem := range elems {
		current = path.Join(current, elem)
		err := v.Mkdir(current, perm)
		if err != nil && !errors.Is(err, fat.ErrExist) {
			return err
		}
	}
	return nil
}

func (v *Fs) Remove(name string) error {
	attr, err := v.walk(name)
	if err != nil {
		return err
	}
	parent, base, err := v.walkParent(name)
	if err != nil {
		return err
	}
	if attr.IsDir {
		err = v.d.Rmdir(parent.ID, base)
	} else {
		err = v.d.Unlink(parent.ID, base)
	}
	if err != nil {
		return &os.PathError{Op: "remove", Path: name, Err: err}
	}
	return nil
}

func (v *Fs) RemoveAll(name string) error {
	attr, err := v.walk(name)
	if err != nil {
		if errors.Is(err, fat.ErrNotFound) {
			return nil
		}
		return err
	}
	if attr.IsDir {
		entries, err := v.d.Readdir(attr.ID)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := v.RemoveAll(path.Join(name, e.Name)); err != nil {
				return err
			}
		}
	}
	if len(split(name)) == 0 {
		return nil // the root itself stays
	}
	return v.Remove(name)
}

func (v *Fs) Rename(oldname, newname string) error {
	oldParent, oldBase, err := v.walkParent(oldname)
	if err != nil {
		return err
	}
	newParent, newBase, err := v.walkParent(newname)
	if err != nil {
		return err
	}
	if err := v.d.Rename(oldParent.ID, oldBase, newParent.ID, newBase); err != nil {
		return &os.PathError{Op: "rename", Path: oldname, Err: err}
	}
	return nil
}

func (v *Fs) Stat(name string) (os.FileInfo, error) {
	attr, err := v.walk(name)
	if err != nil {
		return nil, err
	}
	return fileInfo{name: path.Base(path.Clean("/" + name)), attr: attr}, nil
}

// Chmod maps the owner write bit onto the FAT read-only attribute; other
// mode bits have no FAT representation and are ignored.
func (v *Fs) Chmod(name string, mode os.FileMode) error {
	attr, err := v.walk(name)
	if err != nil {
		return err
	}
	readOnly := mode&0o200 == 0
	if _, err := v.d.Setattr(attr.ID, driver.SetattrRequest{ReadOnly: &readOnly}); err != nil {
		return &os.PathError{Op: "chmod", Path: name, Err: err}
	}
	return nil
}

// Chown is accepted and ignored; FAT stores no ownership.
func (v *Fs) Chown(string, int, int) error { return nil }

func (v *Fs) Chtimes(name string, atime, mtime time.Time) error {
	attr, err := v.walk(name)
	if err != nil {
		return err
	}
	req := driver.SetattrRequest{}
	if !atime.IsZero() {
		req.AccessTime = &atime
	}
	if !mtime.IsZero() {
		req.ModTime = &mtime
	}
	if _, err := v.d.Setattr(attr.ID, req); err != nil {
		return &os.PathError{Op: "chtimes", Path: name, Err: err}
	}
	return nil
}

// file is one open afero handle, file or directory.
type file struct {
	fs   *Fs
	path string
	attr driver.Attr

	fh         uint64
	writable   bool
	appendMode bool
	offset     int64
	closed     bool

	dirPos int
}

var _ afero.File = (*file)(nil)

func (f *file) Name() string { return f.path }

func (f *file) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	if f.attr.IsDir {
		return nil
	}
	return f.fs.d.Release(f.fh)
}

func (f *file) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) ReadAt(b []byte, off int64) (int, error) {
	if f.attr.IsDir {
		return 0, &os.PathError{Op: "read", Path: f.path, Err: fat.ErrIsDir}
	}
	data, err := f.fs.d.Read(f.fh, off, len(b))
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (f *file) Write(b []byte) (int, error) {
	if f.appendMode {
		attr, err := f.fs.d.Getattr(f.attr.ID)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size
	}
	n, err := f.WriteAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *file) WriteAt(b []byte, off int64) (int, error) {
	if f.attr.IsDir {
		return 0, &os.PathError{Op: "write", Path: f.path, Err: fat.ErrIsDir}
	}
	return f.fs.d.Write(f.fh, off, b)
}

func (f *file) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		attr, err := f.fs.d.Getattr(f.attr.ID)
		if err != nil {
			return 0, err
		}
		f.offset = attr.Size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, fmt.Errorf("negative seek offset")
	}
	return f.offset, nil
}

func (f *file) Stat() (os.FileInfo, error) {
	attr, err := f.fs.d.Getattr(f.attr.ID)
	if err != nil {
		return nil, err
	}
	return fileInfo{name: path.Base(path.Clean("/" + f.path)), attr: attr}, nil
}

func (f *file) Sync() error {
	return f.fs.d.Flush()
}

func (f *file) Truncate(size int64) error {
	if f.attr.IsDir {
		return &os.PathError{Op: "truncate", Path: f.path, Err: fat.ErrIsDir}
	}
	if _, err := f.fs.d.Setattr(f.attr.ID, driver.SetattrRequest{Size: &size}); err != nil {
		return &os.PathError{Op: "truncate", Path: f.path, Err: err}
	}
	return nil
}

func (f *file) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// Readdir lists up to count entries, all of them when count is not
// positive. Repeated calls continue where the previous one stopped.
func (f *file) Readdir(count int) ([]os.FileInfo, error) {
	if !f.attr.IsDir {
		return nil, &os.PathError{Op: "readdir", Path: f.path, Err: fat.ErrNotDir}
	}
	entries, err := f.fs.d.Readdir(f.attr.ID)
	if err != nil {
		return nil, err
	}
	if f.dirPos >= len(entries) {
		if count > 0 {
			return nil, io.EOF
		}
		return nil, nil
	}
	entries = entries[f.dirPos:]
	if count > 0 && len(entries) > count {
		entries = entries[:count]
	}
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		attr, err := f.fs.d.Getattr(e.ID)
		if err != nil {
			return nil, err
		}
		infos = append(infos, fileInfo{name: e.Name, attr: attr})
	}
	f.dirPos += len(entries)
	return infos, nil
}

func (f *file) Readdirnames(n int) ([]string, error) {
	infos, err := f.Readdir(n)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

// fileInfo adapts driver attributes to os.FileInfo.
type fileInfo struct {
	name string
	attr driver.Attr
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.attr.Size }
func (fi fileInfo) ModTime() time.Time { return fi.attr.ModTime }
func (fi fileInfo) IsDir() bool        { return fi.attr.IsDir }
func (fi fileInfo) Sys() interface{}   { return fi.attr }

func (fi fileInfo) Mode() os.FileMode {
	var mode os.FileMode = 0o644
	if fi.attr.ReadOnly {
		mode = 0o444
	}
	if fi.attr.IsDir {
		mode = 0o755 | os.ModeDir
	}
	return mode
}
