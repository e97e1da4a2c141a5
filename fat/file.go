package fat

import (
	"fmt"
	"io"
	"time"
)

// File is an open handle on a regular file. Reads and writes follow the
// cluster chain; the last walk position is cached so sequential access does
// not rewalk the chain from the start cluster every call.
type File struct {
	*Entry
	fs          *FileSystem
	parent      *Directory
	isReadWrite bool
	offset      int64
	closed      bool

	// cached chain walk position
	posIndex   int
	posCluster uint32
}

// OpenFile opens the entry for I/O. The entry must be a regular file within
// the given directory.
func (fs *FileSystem) OpenFile(parent *Directory, de *Entry, readWrite bool) (*File, error) {
	if de.isSubdirectory {
		return nil, fmt.Errorf("%w: %s", ErrIsDir, de.Name())
	}
	if readWrite && fs.readOnly {
		return nil, ErrReadOnly
	}
	return &File{
		Entry:       de,
		fs:          fs,
		parent:      parent,
		isReadWrite: readWrite,
	}, nil
}

// clusterForIndex resolves the idx-th cluster of the file, reusing the
// cached position when the walk can continue forward from it.
func (f *File) clusterForIndex(idx int) (uint32, error) {
	t := f.fs.table
	cluster := f.clusterLocation
	start := 0
	if f.posCluster != 0 && f.posIndex <= idx {
		cluster, start = f.posCluster, f.posIndex
	}
	for i := start; i < idx; i++ {
		next := t.entry(cluster)
		if t.isEOC(next) {
			return 0, fmt.Errorf("%w at %d: chain ends before offset", ErrCorruptChain, cluster)
		}
		if next < firstDataCluster || next > t.maxCluster || t.isBad(next) {
			return 0, fmt.Errorf("invalid cluster chain at %d", cluster)
		}
		cluster = next
	}
	f.posIndex, f.posCluster = idx, cluster
	return cluster, nil
}

// ReadAt reads up to len(b) bytes at offset off. Reads past the recorded
// file size are clamped; a read starting at or past the size returns io.EOF.
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("%w: file is closed", ErrIO)
	}
	size := int64(f.fileSize)
	if off >= size {
		return 0, io.EOF
	}
	if int64(len(b)) > size-off {
		b = b[:size-off]
	}
	bpc := int64(f.fs.bytesPerCluster)
	total := 0
	for len(b) > 0 {
		idx := int(off / bpc)
		within := off % bpc
		cluster, err := f.clusterForIndex(idx)
		if err != nil {
			return total, err
		}
		n := bpc - within
		if n > int64(len(b)) {
			n = int64(len(b))
		}
		if err := f.fs.readAt(b[:n], f.fs.clusterOffset(cluster)+within); err != nil {
			return total, err
		}
		b = b[n:]
		off += n
		total += int(n)
	}
	var err error
	if off >= size {
		err = io.EOF
	}
	return total, err
}

// WriteAt writes len(b) bytes at offset off, allocating clusters as needed.
// Writing past the current end grows the file; any gap between the old size
// and off reads back as zeroes, which freshly allocated clusters already are.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if f.closed {
		return 0, fmt.Errorf("%w: file is closed", ErrIO)
	}
	if !f.isReadWrite {
		return 0, fmt.Errorf("%w: file opened read-only", ErrReadOnly)
	}
	if len(b) == 0 {
		return 0, nil
	}
	end := off + int64(len(b))
	if end > maxFileSize {
		return 0, fmt.Errorf("%w: file size limit is %d bytes", ErrNoSpace, maxFileSize)
	}
	if err := f.ensureClusters(end); err != nil {
		return 0, err
	}

	bpc := int64(f.fs.bytesPerCluster)
	remaining := b
	pos := off
	total := 0
	for len(remaining) > 0 {
		idx := int(pos / bpc)
		within := pos % bpc
		cluster, err := f.clusterForIndex(idx)
		if err != nil {
			return total, err
		}
		n := bpc - within
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if err := f.fs.writeAt(remaining[:n], f.fs.clusterOffset(cluster)+within); err != nil {
			return total, err
		}
		remaining = remaining[n:]
		pos += n
		total += int(n)
	}

	if end > int64(f.fileSize) {
		f.fileSize = uint32(end)
	}
	f.modifyTime = time.Now()
	if err := f.fs.writeEntrySlot(f.parent, f.Entry); err != nil {
		return total, err
	}
	return total, nil
}

// ensureClusters grows the file's chain to cover size bytes, zeroing every
// new cluster, and writes the entry back if the start cluster was assigned.
func (f *File) ensureClusters(size int64) error {
	bpc := int64(f.fs.bytesPerCluster)
	need := int((size + bpc - 1) / bpc)

	var have int
	if f.clusterLocation != 0 {
		chain, err := f.fs.table.chain(f.clusterLocation)
		if err != nil {
			return err
		}
		have = len(chain)
	}
	if need <= have {
		return nil
	}

	var previous uint32
	if f.clusterLocation != 0 {
		chain, _ := f.fs.table.chain(f.clusterLocation)
		previous = chain[len(chain)-1]
	}
	allocated, err := f.fs.allocateClusters(need-have, previous)
	if err != nil {
		return err
	}
	for _, c := range allocated {
		if err := f.fs.zeroCluster(c); err != nil {
			return err
		}
	}
	if f.clusterLocation == 0 {
		f.clusterLocation = allocated[0]
		f.posIndex, f.posCluster = 0, allocated[0]
	}
	return f.fs.flushFAT()
}

// Truncate changes the file size. Shrinking frees the clusters past the new
// end; growing allocates zeroed clusters so the extension reads as zeroes.
func (f *File) Truncate(size int64) error {
	if f.closed {
		return fmt.Errorf("%w: file is closed", ErrIO)
	}
	if !f.isReadWrite {
		return fmt.Errorf("%w: file opened read-only", ErrReadOnly)
	}
	if size < 0 || size > maxFileSize {
		return fmt.Errorf("%w: invalid file size %d", ErrIO, size)
	}
	if err := f.fs.truncateEntry(f.parent, f.Entry, size); err != nil {
		return err
	}
	f.posIndex, f.posCluster = 0, f.clusterLocation
	return nil
}

// Read reads from the current offset.
func (f *File) Read(b []byte) (int, error) {
	n, err := f.ReadAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes at the current offset.
func (f *File) Write(b []byte) (int, error) {
	n, err := f.WriteAt(b, f.offset)
	f.offset += int64(n)
	return n, err
}

// Seek sets the offset for the next Read or Write. Seeking past the end is
// allowed; a later write fills the gap with zeroes.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		f.offset = offset
	case io.SeekCurrent:
		f.offset += offset
	case io.SeekEnd:
		f.offset = int64(f.fileSize) + offset
	default:
		return 0, fmt.Errorf("%w: invalid whence %d", ErrIO, whence)
	}
	if f.offset < 0 {
		f.offset = 0
		return 0, fmt.Errorf("%w: negative seek offset", ErrIO)
	}
	return f.offset, nil
}

// Sync flushes any deferred FAT state to the backing storage.
func (f *File) Sync() error {
	return f.fs.Flush()
}

// Close releases the handle. Data and metadata are already on disk; Close
// only flushes deferred FAT writes.
func (f *File) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.fs.Flush()
}

// truncateEntry implements size changes for an entry, shared by Truncate and
// the attribute-setting path. The entry slot is written back once.
func (fs *FileSystem) truncateEntry(parent *Directory, de *Entry, size int64) error {
	bpc := int64(fs.bytesPerCluster)
	need := int((size + bpc - 1) / bpc)

	var chain []uint32
	var err error
	if de.clusterLocation != 0 {
		chain, err = fs.table.chain(de.clusterLocation)
		if err != nil {
			return err
		}
	}

	// zero the tail of the last kept cluster on any shrink, so growing the
	// file later reads back zeroes
	if size < int64(de.fileSize) && size > 0 && len(chain) >= need {
		within := size % bpc
		if within > 0 {
			zero := make([]byte, bpc-within)
			if err := fs.writeAt(zero, fs.clusterOffset(chain[need-1])+within); err != nil {
				return err
			}
		}
	}

	switch {
	case need < len(chain):
		if need == 0 {
			if err := fs.freeChain(de.clusterLocation); err != nil {
				return err
			}
			de.clusterLocation = 0
		} else {
			fs.table.putEntry(chain[need-1], eocMarker(fs.table.fatType))
			for _, c := range chain[need:] {
				fs.table.putEntry(c, 0)
			}
			fs.addFreeClusters(len(chain) - need)
		}
		if err := fs.flushFAT(); err != nil {
			return err
		}
	case need > len(chain):
		var previous uint32
		if len(chain) > 0 {
			previous = chain[len(chain)-1]
		}
		allocated, err := fs.allocateClusters(need-len(chain), previous)
		if err != nil {
			return err
		}
		for _, c := range allocated {
			if err := fs.zeroCluster(c); err != nil {
				return err
			}
		}
		if de.clusterLocation == 0 {
			de.clusterLocation = allocated[0]
		}
		if err := fs.flushFAT(); err != nil {
			return err
		}
	}

	de.fileSize = uint32(size)
	de.modifyTime = time.Now()
	return fs.writeEntrySlot(parent, de)
}
