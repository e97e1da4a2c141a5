// Package fat reads and writes FAT12, FAT16 and FAT32 filesystems. The FAT
// type is derived from the boot sector geometry at mount time; all three
// variants share the directory, file and allocation machinery.
package fat

import (
	"fmt"
	"strings"
	"time"

	"github.com/diskimage/fatfs/backend"
)

const (
	// firstDataCluster is the lowest data cluster number; clusters 0 and 1
	// are reserved FAT entries.
	firstDataCluster = 2

	// maxFileSize is the largest file FAT can record, a 32-bit byte count.
	maxFileSize = int64(1)<<32 - 1
)

// MountOptions control how a volume is opened.
type MountOptions struct {
	// Start is the byte offset of the volume within the storage, non-zero
	// when mounting a partition without a SubStorage window.
	Start int64
	// ReadOnly opens the volume without requiring writable storage.
	ReadOnly bool
	// LazyFATWrite defers FAT sector write-back until Flush or Close
	// instead of writing through on every allocation change. Directory and
	// file data are always written through.
	LazyFATWrite bool
}

// FileSystem is a mounted FAT volume.
type FileSystem struct {
	storage    backend.Storage
	writable   backend.WritableFile
	start      int64
	size       int64
	bootSector *biosParameterBlock
	table      *table
	fsis       *fsInformationSector

	bytesPerCluster int
	dataStart       int64
	activeFAT       int
	mirrorFATs      bool

	freeHint  uint32
	freeCount uint32

	lazyFAT  bool
	readOnly bool
}

// Mount opens the FAT volume found at opts.Start within the storage. The
// active FAT copy is loaded into memory; on FAT32 the FS information sector
// seeds the free-cluster count and allocation hint when present.
func Mount(storage backend.Storage, opts MountOptions) (*FileSystem, error) {
	fs := &FileSystem{
		storage:  storage,
		start:    opts.Start,
		lazyFAT:  opts.LazyFATWrite,
		readOnly: opts.ReadOnly,
	}
	if !opts.ReadOnly {
		w, err := storage.Writable()
		if err != nil {
			return nil, fmt.Errorf("cannot mount read-write: %w", err)
		}
		fs.writable = w
	}

	boot := make([]byte, sectorSize512)
	if err := fs.readAt(boot, 0); err != nil {
		return nil, fmt.Errorf("could not read boot sector: %w", err)
	}
	bpb, err := bpbFromBytes(boot)
	if err != nil {
		return nil, err
	}
	fs.bootSector = bpb
	fs.size = int64(bpb.totalSectors) * int64(bpb.bytesPerSector)
	fs.bytesPerCluster = bpb.bytesPerCluster()
	fs.dataStart = bpb.dataStart()

	// FAT32 can disable mirroring and elect a single active copy
	fs.mirrorFATs = true
	if bpb.fatType == 32 && bpb.extFlags&0x80 != 0 {
		fs.mirrorFATs = false
		fs.activeFAT = int(bpb.extFlags & 0x0f)
		if fs.activeFAT >= bpb.fatCount {
			return nil, fmt.Errorf("active FAT copy %d out of range, volume has %d", fs.activeFAT, bpb.fatCount)
		}
	}

	raw := make([]byte, bpb.fatSizeBytes())
	if err := fs.readAt(raw, bpb.fatOffset(fs.activeFAT)); err != nil {
		return nil, fmt.Errorf("could not read FAT: %w", err)
	}
	fs.table = tableFromBytes(raw, bpb.fatType, bpb.maxCluster(), bpb.bytesPerSector)

	fs.freeHint = firstDataCluster
	if bpb.fatType == 32 && bpb.fsInfoSector != 0 && bpb.fsInfoSector != 0xffff {
		sector := make([]byte, sectorSize512)
		if err := fs.readAt(sector, int64(bpb.fsInfoSector)*int64(bpb.bytesPerSector)); err != nil {
			return nil, fmt.Errorf("could not read FS information sector: %w", err)
		}
		// a damaged FS information sector is rebuilt, not fatal
		if fsis, err := fsInfoFromBytes(sector); err == nil {
			fs.fsis = fsis
			if h := fsis.lastAllocatedCluster; h >= firstDataCluster && h < fs.table.maxCluster {
				fs.freeHint = h + 1
			}
		}
	}

	if fs.fsis != nil && fs.fsis.freeClusterCount != fsInfoUnknown &&
		fs.fsis.freeClusterCount <= fs.table.maxCluster {
		fs.freeCount = fs.fsis.freeClusterCount
	} else {
		fs.freeCount = fs.table.countFree()
	}
	return fs, nil
}

// Type returns 12, 16 or 32.
func (fs *FileSystem) Type() int { return fs.bootSector.fatType }

// ReadOnly reports whether the volume was mounted without write access.
func (fs *FileSystem) ReadOnly() bool { return fs.readOnly }

func (fs *FileSystem) String() string {
	return fmt.Sprintf("FAT%d volume %q, %d bytes", fs.bootSector.fatType, fs.Label(), fs.size)
}

func (fs *FileSystem) readAt(b []byte, off int64) error {
	if _, err := fs.storage.ReadAt(b, fs.start+off); err != nil {
		return fmt.Errorf("%w: read at %d: %v", ErrIO, off, err)
	}
	return nil
}

func (fs *FileSystem) writeAt(b []byte, off int64) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if _, err := fs.writable.WriteAt(b, fs.start+off); err != nil {
		return fmt.Errorf("%w: write at %d: %v", ErrIO, off, err)
	}
	return nil
}

// clusterOffset is the byte offset of a data cluster, relative to the
// volume start.
func (fs *FileSystem) clusterOffset(cluster uint32) int64 {
	return fs.dataStart + int64(cluster-firstDataCluster)*int64(fs.bytesPerCluster)
}

func (fs *FileSystem) zeroCluster(cluster uint32) error {
	return fs.writeAt(make([]byte, fs.bytesPerCluster), fs.clusterOffset(cluster))
}

// allocateClusters reserves count clusters, chained together and linked onto
// previous when it is non-zero. The free count is checked up front so a
// failed allocation never leaves a partial chain.
func (fs *FileSystem) allocateClusters(count int, previous uint32) ([]uint32, error) {
	if count <= 0 {
		return nil, nil
	}
	if uint32(count) > fs.freeCount {
		return nil, ErrNoSpace
	}
	allocated := make([]uint32, 0, count)
	for i := 0; i < count; i++ {
		c, err := fs.table.findFree(fs.freeHint)
		if err != nil {
			// free count and FAT disagree; trust the FAT
			fs.freeCount = fs.table.countFree()
			return nil, err
		}
		fs.table.putEntry(c, eocMarker(fs.bootSector.fatType))
		if previous != 0 {
			fs.table.putEntry(previous, c)
		}
		previous = c
		fs.freeHint = c + 1
		allocated = append(allocated, c)
	}
	fs.freeCount -= uint32(count)
	if fs.fsis != nil {
		fs.fsis.freeClusterCount = fs.freeCount
		fs.fsis.lastAllocatedCluster = allocated[len(allocated)-1]
	}
	return allocated, nil
}

// extendChain appends one cluster after last and returns it.
func (fs *FileSystem) extendChain(last uint32) (uint32, error) {
	allocated, err := fs.allocateClusters(1, last)
	if err != nil {
		return 0, err
	}
	return allocated[0], nil
}

// freeChain releases every cluster of the chain starting at start.
func (fs *FileSystem) freeChain(start uint32) error {
	chain, err := fs.table.chain(start)
	if err != nil {
		return err
	}
	for _, c := range chain {
		fs.table.putEntry(c, 0)
	}
	fs.addFreeClusters(len(chain))
	return nil
}

func (fs *FileSystem) addFreeClusters(n int) {
	fs.freeCount += uint32(n)
	if fs.fsis != nil {
		fs.fsis.freeClusterCount = fs.freeCount
	}
}

// flushFAT writes dirty FAT sectors through to the storage, or defers them
// when the volume is mounted with LazyFATWrite.
func (fs *FileSystem) flushFAT() error {
	if fs.readOnly || fs.lazyFAT {
		return nil
	}
	return fs.writeFATSectors()
}

// writeFATSectors writes every dirty FAT sector to all mirrored copies, or
// to the single active copy when FAT32 mirroring is disabled, then updates
// the FS information sector.
func (fs *FileSystem) writeFATSectors() error {
	bps := int64(fs.bootSector.bytesPerSector)
	for _, s := range fs.table.takeDirtySectors() {
		data := fs.table.sector(s)
		if fs.mirrorFATs {
			for copy := 0; copy < fs.bootSector.fatCount; copy++ {
				if err := fs.writeAt(data, fs.bootSector.fatOffset(copy)+int64(s)*bps); err != nil {
					return err
				}
			}
		} else {
			if err := fs.writeAt(data, fs.bootSector.fatOffset(fs.activeFAT)+int64(s)*bps); err != nil {
				return err
			}
		}
	}
	if fs.fsis != nil {
		off := int64(fs.bootSector.fsInfoSector) * bps
		if err := fs.writeAt(fs.fsis.toBytes(), off); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any deferred FAT state and syncs the underlying file when it
// is backed by the OS.
func (fs *FileSystem) Flush() error {
	if fs.readOnly {
		return nil
	}
	if err := fs.writeFATSectors(); err != nil {
		return err
	}
	if osFile, err := fs.storage.Sys(); err == nil && osFile != nil {
		if err := osFile.Sync(); err != nil {
			return fmt.Errorf("%w: sync: %v", ErrIO, err)
		}
	}
	return nil
}

// Unmount flushes the volume. The storage itself stays open; closing it is
// the caller's business.
func (fs *FileSystem) Unmount() error {
	return fs.Flush()
}

// Statfs describes volume capacity in clusters.
type Statfs struct {
	BlockSize     int64
	TotalBlocks   uint64
	FreeBlocks    uint64
	MaxNameLength int
}

func (fs *FileSystem) Statfs() Statfs {
	return Statfs{
		BlockSize:     int64(fs.bytesPerCluster),
		TotalBlocks:   uint64(fs.bootSector.clusterCount()),
		FreeBlocks:    uint64(fs.freeCount),
		MaxNameLength: maxNameLength,
	}
}

// Label returns the volume label, preferring the root directory label entry
// over the boot sector copy.
func (fs *FileSystem) Label() string {
	if de, err := fs.labelEntry(); err == nil && de != nil {
		label := de.filenameShort
		if de.fileExtension != "" {
			label += de.fileExtension
		}
		return label
	}
	return fs.bootSector.volumeLabel
}

func (fs *FileSystem) labelEntry() (*Entry, error) {
	it, err := fs.Iter(fs.Root())
	if err != nil {
		return nil, err
	}
	for {
		de, err := it.Next()
		if err != nil || de == nil {
			return nil, err
		}
		if de.isVolumeLabel {
			return de, nil
		}
	}
}

// SetLabel writes the volume label into the root directory, updating the
// label entry in place when one exists.
func (fs *FileSystem) SetLabel(label string) error {
	label = strings.ToUpper(strings.TrimSpace(label))
	if len(label) > 11 {
		return fmt.Errorf("%w: label %q longer than 11 bytes", ErrInvalidName, label)
	}
	// the label spans the name and extension fields as one 11-byte run
	base, ext := label, ""
	if len(label) > 8 {
		base, ext = label[:8], label[8:]
	}
	root := fs.Root()
	existing, err := fs.labelEntry()
	if err != nil {
		return err
	}
	if existing != nil {
		existing.filenameShort = base
		existing.fileExtension = ext
		existing.modifyTime = time.Now()
		return fs.writeEntrySlot(root, existing)
	}
	de := &Entry{
		filenameShort:  base,
		fileExtension:  ext,
		isVolumeLabel:  true,
		isArchiveDirty: true,
		modifyTime:     time.Now(),
	}
	return fs.insertEntry(root, de)
}

// newEntry builds an entry for name within d, generating the 8.3 name and
// deciding whether long-name slots are needed.
func (fs *FileSystem) newEntry(d *Directory, name string, isDir bool) (*Entry, error) {
	if !validLongName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	taken, err := fs.takenShortNames(d)
	if err != nil {
		return nil, err
	}
	base, ext, lowerBase, lowerExt, needsLFN, err := generateShortName(name, taken)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	de := &Entry{
		filenameShort:      base,
		fileExtension:      ext,
		lowercaseShortname: lowerBase,
		lowercaseExtension: lowerExt,
		isSubdirectory:     isDir,
		isArchiveDirty:     !isDir,
		createTime:         now,
		modifyTime:         now,
		accessTime:         now,
	}
	if needsLFN {
		de.filenameLong = name
	}
	return de, nil
}

// Create makes an empty file in d. The file starts with no clusters; the
// first write allocates them.
func (fs *FileSystem) Create(d *Directory, name string) (*Entry, error) {
	if fs.readOnly {
		return nil, ErrReadOnly
	}
	if _, err := fs.Lookup(d, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExist, name)
	}
	de, err := fs.newEntry(d, name, false)
	if err != nil {
		return nil, err
	}
	if err := fs.insertEntry(d, de); err != nil {
		return nil, err
	}
	return de, nil
}

// Mkdir makes a subdirectory in d with its . and .. entries.
func (fs *FileSystem) Mkdir(d *Directory, name string) (*Entry, error) {
	if fs.readOnly {
		return nil, ErrReadOnly
	}
	if _, err := fs.Lookup(d, name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExist, name)
	}
	de, err := fs.newEntry(d, name, true)
	if err != nil {
		return nil, err
	}

	allocated, err := fs.allocateClusters(1, 0)
	if err != nil {
		return nil, err
	}
	cluster := allocated[0]
	if err := fs.zeroCluster(cluster); err != nil {
		return nil, err
	}
	parentCluster := d.clusterLocation
	if d.fixedRoot || (fs.bootSector.fatType == 32 && parentCluster == fs.bootSector.rootCluster) {
		parentCluster = 0
	}
	if err := fs.writeAt(dotEntriesBytes(cluster, parentCluster, de.createTime), fs.clusterOffset(cluster)); err != nil {
		return nil, err
	}
	de.clusterLocation = cluster

	if err := fs.insertEntry(d, de); err != nil {
		fs.table.putEntry(cluster, 0)
		fs.addFreeClusters(1)
		return nil, err
	}
	if err := fs.flushFAT(); err != nil {
		return nil, err
	}
	return de, nil
}

// Remove deletes a file or an empty subdirectory from d, marking its slots
// deleted and freeing its cluster chain.
func (fs *FileSystem) Remove(d *Directory, de *Entry) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if de.isDot() {
		return fmt.Errorf("%w: %q", ErrInvalidName, de.filenameShort)
	}
	if de.isSubdirectory {
		empty, err := fs.directoryEmpty(de.clusterLocation)
		if err != nil {
			return err
		}
		if !empty {
			return fmt.Errorf("%w: %s", ErrNotEmpty, de.Name())
		}
	}
	// slots first, chain second: a failure in between leaves orphaned but
	// still-allocated clusters, never a live entry over freed ones
	if err := fs.removeEntrySlots(d, de); err != nil {
		return err
	}
	if de.clusterLocation != 0 {
		if err := fs.freeChain(de.clusterLocation); err != nil {
			return err
		}
	}
	return fs.flushFAT()
}

// directoryEmpty reports whether the directory holds nothing but its own
// dot entries.
func (fs *FileSystem) directoryEmpty(cluster uint32) (bool, error) {
	d, err := fs.DirectoryAt(cluster)
	if err != nil {
		return false, err
	}
	it, err := fs.Iter(d)
	if err != nil {
		return false, err
	}
	for {
		de, err := it.Next()
		if err != nil {
			return false, err
		}
		if de == nil {
			return true, nil
		}
		if !de.isDot() && !de.isVolumeLabel {
			return false, nil
		}
	}
}

// Rename moves the entry into dstDir under newName. The new slots are
// written before the old ones are released, so a crash mid-way leaves the
// entry reachable under at least one name. Moving a directory into its own
// subtree is refused.
func (fs *FileSystem) Rename(srcDir *Directory, de *Entry, dstDir *Directory, newName string) (*Entry, error) {
	if fs.readOnly {
		return nil, ErrReadOnly
	}
	if de.isDot() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, de.filenameShort)
	}
	sameDir := srcDir.clusterLocation == dstDir.clusterLocation && srcDir.fixedRoot == dstDir.fixedRoot
	if existing, err := fs.Lookup(dstDir, newName); err == nil {
		if !(sameDir && existing.slotEnd == de.slotEnd) {
			return nil, fmt.Errorf("%w: %s", ErrExist, newName)
		}
	}
	if de.isSubdirectory && !sameDir {
		descends, err := fs.isDescendant(dstDir.clusterLocation, de.clusterLocation)
		if err != nil {
			return nil, err
		}
		if descends {
			return nil, fmt.Errorf("%w: %s into its own subtree", ErrCyclicMove, de.Name())
		}
	}

	moved, err := fs.newEntry(dstDir, newName, de.isSubdirectory)
	if err != nil {
		return nil, err
	}
	moved.isReadOnly = de.isReadOnly
	moved.isHidden = de.isHidden
	moved.isSystem = de.isSystem
	moved.isArchiveDirty = de.isArchiveDirty
	moved.createTime = de.createTime
	moved.modifyTime = de.modifyTime
	moved.accessTime = de.accessTime
	moved.clusterLocation = de.clusterLocation
	moved.fileSize = de.fileSize

	if err := fs.insertEntry(dstDir, moved); err != nil {
		return nil, err
	}
	if err := fs.removeEntrySlots(srcDir, de); err != nil {
		return nil, err
	}

	// a moved directory's .. entry points at its new parent
	if de.isSubdirectory && !sameDir {
		parentCluster := dstDir.clusterLocation
		if dstDir.fixedRoot || (fs.bootSector.fatType == 32 && parentCluster == fs.bootSector.rootCluster) {
			parentCluster = 0
		}
		if err := fs.rewriteDotDot(moved.clusterLocation, parentCluster); err != nil {
			return nil, err
		}
	}
	return moved, nil
}

// rewriteDotDot updates the parent cluster stored in a directory's ..
// entry.
func (fs *FileSystem) rewriteDotDot(dir, parent uint32) error {
	d, err := fs.DirectoryAt(dir)
	if err != nil {
		return err
	}
	if err := fs.loadRegion(d); err != nil {
		return err
	}
	b := make([]byte, slotSize)
	if err := fs.dirReadAt(d, b, slotSize); err != nil {
		return err
	}
	dotdot := shortEntryFromBytes(b)
	if dotdot.filenameShort != ".." {
		return fmt.Errorf("%w: directory cluster %d has no .. entry", ErrCorruptChain, dir)
	}
	dotdot.clusterLocation = parent
	raw, err := dotdot.toBytes()
	if err != nil {
		return err
	}
	return fs.dirWriteAt(d, raw, slotSize)
}

// SetTimes updates the entry's timestamps; zero values leave the field
// unchanged. One slot write covers all updated fields.
func (fs *FileSystem) SetTimes(d *Directory, de *Entry, modify, access time.Time) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if !modify.IsZero() {
		de.modifyTime = modify
	}
	if !access.IsZero() {
		de.accessTime = access
	}
	return fs.writeEntrySlot(d, de)
}

// SetReadOnly toggles the read-only attribute of the entry.
func (fs *FileSystem) SetReadOnly(d *Directory, de *Entry, readOnly bool) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	de.isReadOnly = readOnly
	return fs.writeEntrySlot(d, de)
}

// Truncate resizes the entry's file without an open handle.
func (fs *FileSystem) Truncate(d *Directory, de *Entry, size int64) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if de.isSubdirectory {
		return fmt.Errorf("%w: %s", ErrIsDir, de.Name())
	}
	if size < 0 || size > maxFileSize {
		return fmt.Errorf("%w: invalid file size %d", ErrIO, size)
	}
	return fs.truncateEntry(d, de, size)
}

// RootCluster returns the root directory's start cluster, zero on FAT12/16
// where the root is a fixed region.
func (fs *FileSystem) RootCluster() uint32 {
	if fs.bootSector.fatType == 32 {
		return fs.bootSector.rootCluster
	}
	return 0
}
