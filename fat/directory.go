package fat

import (
	"fmt"
	"strings"
	"time"
)

// Directory is a handle on one directory: the fixed root region on FAT12/16
// or a cluster chain anywhere else. The embedded Entry is the directory's
// own entry in its parent; for the root it is synthetic.
type Directory struct {
	Entry
	fixedRoot bool
	clusters  []uint32
	size      int
}

// Root returns the root directory handle.
func (fs *FileSystem) Root() *Directory {
	d := &Directory{
		Entry: Entry{
			isSubdirectory:  true,
			clusterLocation: fs.bootSector.rootCluster,
		},
		fixedRoot: fs.bootSector.fatType != 32,
	}
	return d
}

// DirectoryAt returns a handle on the directory starting at the given
// cluster. Cluster zero addresses the root.
func (fs *FileSystem) DirectoryAt(cluster uint32) (*Directory, error) {
	if cluster == 0 || (fs.bootSector.fatType == 32 && cluster == fs.bootSector.rootCluster) {
		return fs.Root(), nil
	}
	return &Directory{
		Entry: Entry{
			isSubdirectory:  true,
			clusterLocation: cluster,
		},
	}, nil
}

// loadRegion resolves the directory's clusters and byte size. For a chain
// directory the chain is re-derived from the FAT on every call; only the
// root region is fixed.
func (fs *FileSystem) loadRegion(d *Directory) error {
	if d.fixedRoot {
		d.clusters = nil
		d.size = fs.bootSector.rootDirSizeBytes()
		return nil
	}
	clusters, err := fs.table.chain(d.clusterLocation)
	if err != nil {
		return err
	}
	d.clusters = clusters
	d.size = len(clusters) * fs.bytesPerCluster
	return nil
}

// dirReadAt reads bytes from the directory region, following the cluster
// chain across boundaries.
func (fs *FileSystem) dirReadAt(d *Directory, b []byte, off int) error {
	if d.fixedRoot {
		return fs.readAt(b, fs.bootSector.rootDirOffset()+int64(off))
	}
	for len(b) > 0 {
		idx := off / fs.bytesPerCluster
		if idx >= len(d.clusters) {
			return fmt.Errorf("%w: read past end of directory", ErrIO)
		}
		within := off % fs.bytesPerCluster
		n := fs.bytesPerCluster - within
		if n > len(b) {
			n = len(b)
		}
		if err := fs.readAt(b[:n], fs.clusterOffset(d.clusters[idx])+int64(within)); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	return nil
}

// dirWriteAt writes bytes into the directory region, splitting the write at
// cluster boundaries.
func (fs *FileSystem) dirWriteAt(d *Directory, b []byte, off int) error {
	if d.fixedRoot {
		return fs.writeAt(b, fs.bootSector.rootDirOffset()+int64(off))
	}
	for len(b) > 0 {
		idx := off / fs.bytesPerCluster
		if idx >= len(d.clusters) {
			return fmt.Errorf("%w: write past end of directory", ErrIO)
		}
		within := off % fs.bytesPerCluster
		n := fs.bytesPerCluster - within
		if n > len(b) {
			n = len(b)
		}
		if err := fs.writeAt(b[:n], fs.clusterOffset(d.clusters[idx])+int64(within)); err != nil {
			return err
		}
		b = b[n:]
		off += n
	}
	return nil
}

// DirIter walks a directory one entry at a time. It buffers one chunk of the
// region and the current long-name fragment run, never the whole directory.
type DirIter struct {
	fs        *FileSystem
	dir       *Directory
	chunkSize int
	buf       []byte
	bufStart  int
	off       int
	run       []lfnFragment
	runStart  int
	done      bool
}

// Iter starts a fresh walk of the directory. Deleted slots are skipped;
// volume label entries are returned and left to the caller to filter.
func (fs *FileSystem) Iter(d *Directory) (*DirIter, error) {
	if err := fs.loadRegion(d); err != nil {
		return nil, err
	}
	chunk := fs.bytesPerCluster
	if d.fixedRoot {
		chunk = fs.bootSector.bytesPerSector
	}
	return &DirIter{
		fs:        fs,
		dir:       d,
		chunkSize: chunk,
		bufStart:  -1,
		runStart:  -1,
	}, nil
}

func (it *DirIter) slot(off int) ([]byte, error) {
	chunkStart := off - off%it.chunkSize
	if chunkStart != it.bufStart {
		if it.buf == nil {
			it.buf = make([]byte, it.chunkSize)
		}
		if err := it.fs.dirReadAt(it.dir, it.buf, chunkStart); err != nil {
			return nil, err
		}
		it.bufStart = chunkStart
	}
	within := off - chunkStart
	return it.buf[within : within+slotSize], nil
}

// Next returns the next live entry, or (nil, nil) at the end of the
// directory. Long names are reconstructed from the fragment run immediately
// preceding the 8.3 slot; on ordinal or checksum mismatch the entry falls
// back to its short name alone.
func (it *DirIter) Next() (*Entry, error) {
	if it.done {
		return nil, nil
	}
	for it.off+slotSize <= it.dir.size {
		s, err := it.slot(it.off)
		if err != nil {
			return nil, err
		}
		switch {
		case s[0] == slotEndOfDirectory:
			it.done = true
			return nil, nil
		case s[0] == slotDeleted:
			it.run, it.runStart = nil, -1
			it.off += slotSize
		case s[11]&0x3f == attrLongName:
			f := lfnFragmentFromBytes(s)
			if f.last {
				it.run = it.run[:0]
				it.runStart = it.off
			}
			it.run = append(it.run, f)
			it.off += slotSize
		default:
			de := shortEntryFromBytes(s)
			de.slotStart, de.slotEnd = it.off, it.off
			if !de.isVolumeLabel && len(it.run) > 0 {
				if name, ok := validateRun(it.run, de.shortNameBytes()); ok {
					de.filenameLong = name
					de.longFilenameSlots = len(it.run)
					de.slotStart = it.runStart
				}
			}
			it.run, it.runStart = nil, -1
			it.off += slotSize
			return de, nil
		}
	}
	it.done = true
	return nil, nil
}

// validateRun checks that buffered fragments form a complete descending run
// with a matching checksum, and assembles the long name if so.
func validateRun(run []lfnFragment, shortName [11]byte) (string, bool) {
	sum := lfnChecksum(shortName)
	n := len(run)
	if run[0].ordinal != n || !run[0].last {
		return "", false
	}
	ascending := make([]lfnFragment, n)
	for i, f := range run {
		if f.ordinal != n-i || f.checksum != sum {
			return "", false
		}
		ascending[n-i-1] = f
	}
	name, err := assembleLongName(ascending)
	if err != nil {
		return "", false
	}
	return name, true
}

// readDirectory returns all live entries of a directory, volume labels
// included.
func (fs *FileSystem) readDirectory(d *Directory) ([]*Entry, error) {
	it, err := fs.Iter(d)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	for {
		de, err := it.Next()
		if err != nil {
			return nil, err
		}
		if de == nil {
			return entries, nil
		}
		entries = append(entries, de)
	}
}

// Lookup resolves name within the directory. FAT names are matched
// case-insensitively against both the long and the 8.3 form.
func (fs *FileSystem) Lookup(d *Directory, name string) (*Entry, error) {
	it, err := fs.Iter(d)
	if err != nil {
		return nil, err
	}
	for {
		de, err := it.Next()
		if err != nil {
			return nil, err
		}
		if de == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if de.isVolumeLabel {
			continue
		}
		if strings.EqualFold(de.Name(), name) || strings.EqualFold(de.ShortName(), name) {
			return de, nil
		}
	}
}

// insertEntry writes the entry into the first run of free slots large
// enough, extending the directory's chain by one cluster when the region is
// full. The entry's slot offsets are set on success.
func (fs *FileSystem) insertEntry(d *Directory, de *Entry) error {
	b, err := de.toBytes()
	if err != nil {
		return err
	}
	need := len(b) / slotSize

	if err := fs.loadRegion(d); err != nil {
		return err
	}
	off, err := fs.findFreeSlotRun(d, need)
	if err != nil {
		return err
	}
	if off < 0 {
		if d.fixedRoot {
			return fmt.Errorf("%w: root directory is full", ErrNoSpace)
		}
		if err := fs.extendDirectory(d); err != nil {
			return err
		}
		off, err = fs.findFreeSlotRun(d, need)
		if err != nil {
			return err
		}
		if off < 0 {
			return fmt.Errorf("%w: directory region", ErrNoSpace)
		}
	}

	if err := fs.dirWriteAt(d, b, off); err != nil {
		return err
	}
	de.slotStart = off
	de.slotEnd = off + (need-1)*slotSize
	return nil
}

// findFreeSlotRun scans the region for need contiguous reusable slots,
// deleted or never used. Returns -1 when no run fits.
func (fs *FileSystem) findFreeSlotRun(d *Directory, need int) (int, error) {
	region := make([]byte, d.size)
	if err := fs.dirReadAt(d, region, 0); err != nil {
		return -1, err
	}
	runStart, runLen := -1, 0
	for off := 0; off+slotSize <= len(region); off += slotSize {
		first := region[off]
		if first == slotDeleted || first == slotEndOfDirectory {
			if runStart < 0 {
				runStart = off
			}
			runLen++
			if runLen == need {
				return runStart, nil
			}
			continue
		}
		runStart, runLen = -1, 0
	}
	return -1, nil
}

// extendDirectory grows a chain directory by one zeroed cluster. The zeroes
// double as the new end-of-directory region.
func (fs *FileSystem) extendDirectory(d *Directory) error {
	last := d.clusters[len(d.clusters)-1]
	c, err := fs.extendChain(last)
	if err != nil {
		return err
	}
	if err := fs.zeroCluster(c); err != nil {
		return err
	}
	if err := fs.flushFAT(); err != nil {
		return err
	}
	d.clusters = append(d.clusters, c)
	d.size += fs.bytesPerCluster
	return nil
}

// removeEntrySlots marks every slot of the entry deleted, long-name
// fragments included. The rest of each slot's bytes stay in place.
func (fs *FileSystem) removeEntrySlots(d *Directory, de *Entry) error {
	if err := fs.loadRegion(d); err != nil {
		return err
	}
	for off := de.slotStart; off <= de.slotEnd; off += slotSize {
		if err := fs.dirWriteAt(d, []byte{slotDeleted}, off); err != nil {
			return err
		}
	}
	return nil
}

// writeEntrySlot rewrites only the 8.3 slot of an existing entry, for
// metadata updates (size, times, attributes) that leave the name alone.
func (fs *FileSystem) writeEntrySlot(d *Directory, de *Entry) error {
	long := de.filenameLong
	de.filenameLong = ""
	b, err := de.toBytes()
	de.filenameLong = long
	if err != nil {
		return err
	}
	if err := fs.loadRegion(d); err != nil {
		return err
	}
	return fs.dirWriteAt(d, b, de.slotEnd)
}

// EntryAt decodes the 8.3 slot at the given region offset without any
// long-name reconstruction. It is the revalidation probe for cached entry
// locations: a deleted or end marker yields nil.
func (fs *FileSystem) EntryAt(d *Directory, slotOffset int) (*Entry, error) {
	if err := fs.loadRegion(d); err != nil {
		return nil, err
	}
	if slotOffset < 0 || slotOffset+slotSize > d.size {
		return nil, nil
	}
	b := make([]byte, slotSize)
	if err := fs.dirReadAt(d, b, slotOffset); err != nil {
		return nil, err
	}
	if b[0] == slotEndOfDirectory || b[0] == slotDeleted || b[11]&0x3f == attrLongName {
		return nil, nil
	}
	de := shortEntryFromBytes(b)
	de.slotStart, de.slotEnd = slotOffset, slotOffset
	return de, nil
}

// dotEntriesBytes builds the . and .. slots a fresh subdirectory starts
// with. The parent cluster is stored as zero when the parent is the root,
// which is how FAT spells it even on FAT32.
func dotEntriesBytes(self, parent uint32, now time.Time) []byte {
	dot := Entry{
		filenameShort:   ".",
		isSubdirectory:  true,
		clusterLocation: self,
		createTime:      now,
		modifyTime:      now,
		accessTime:      now,
	}
	dotdot := dot
	dotdot.filenameShort = ".."
	dotdot.clusterLocation = parent
	b1, _ := dot.toBytes()
	b2, _ := dotdot.toBytes()
	return append(b1, b2...)
}

// isDescendant reports whether dir lies in the subtree rooted at ancestor,
// climbing the .. entries toward the root.
func (fs *FileSystem) isDescendant(dir, ancestor uint32) (bool, error) {
	current := dir
	for steps := uint32(0); steps <= fs.table.maxCluster; steps++ {
		if current == ancestor {
			return true, nil
		}
		if current == 0 || (fs.bootSector.fatType == 32 && current == fs.bootSector.rootCluster) {
			return false, nil
		}
		d, err := fs.DirectoryAt(current)
		if err != nil {
			return false, err
		}
		if err := fs.loadRegion(d); err != nil {
			return false, err
		}
		b := make([]byte, slotSize)
		if err := fs.dirReadAt(d, b, slotSize); err != nil {
			return false, err
		}
		dotdot := shortEntryFromBytes(b)
		if dotdot.filenameShort != ".." {
			return false, fmt.Errorf("%w: directory cluster %d has no .. entry", ErrCorruptChain, current)
		}
		current = dotdot.clusterLocation
	}
	return false, fmt.Errorf("%w: parent walk does not terminate", ErrCorruptChain)
}

// takenShortNames builds the collision probe for short-name generation over
// the directory's current entries.
func (fs *FileSystem) takenShortNames(d *Directory) (func(base, ext string) bool, error) {
	entries, err := fs.readDirectory(d)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(entries))
	for _, de := range entries {
		used[de.filenameShort+"."+de.fileExtension] = true
	}
	return func(base, ext string) bool {
		return used[base+"."+ext]
	}, nil
}
