// Package driver exposes a mounted FAT volume through a flat, handle-based
// operation set shaped like a userspace filesystem backend: stable numeric
// IDs for entries, open handles for I/O, and revalidation of cached
// positions against the on-disk state.
package driver

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/diskimage/fatfs/fat"
)

// RootID is the ID of the root directory.
const RootID uint64 = 1

// syntheticIDFlag marks IDs derived from a directory slot position rather
// than a start cluster. Files with no clusters yet have no cluster to name
// them by.
const syntheticIDFlag = uint64(1) << 63

// Attr is the metadata of one entry.
type Attr struct {
	ID         uint64
	Size       int64
	IsDir      bool
	ReadOnly   bool
	Hidden     bool
	System     bool
	ModTime    time.Time
	CreateTime time.Time
	AccessTime time.Time
}

// DirEntry is one name within a directory listing.
type DirEntry struct {
	Name  string
	ID    uint64
	IsDir bool
}

// SetattrRequest carries the fields Setattr should change; nil pointers
// leave a field alone.
type SetattrRequest struct {
	Size       *int64
	ReadOnly   *bool
	ModTime    *time.Time
	AccessTime *time.Time
}

// node is the cached location of an entry: which directory it lives in and
// at which slot offset. Locations are revalidated against the disk before
// use; a node whose slot no longer holds the same entry is stale.
type node struct {
	id            uint64
	parentCluster uint32
	slotOffset    int
	startCluster  uint32
	shortName     string
	isDir         bool
}

// handle is an open file. The entry position it was opened at is kept so
// I/O can follow the entry when a rename moves it to another slot.
type handle struct {
	mu            sync.Mutex
	id            uint64
	write         bool
	parentCluster uint32
	slotOffset    int
	file          *fat.File
}

// Driver serializes access to one mounted volume. Metadata reads share the
// read lock; anything that can touch the FAT or directory slots takes the
// write lock.
type Driver struct {
	mu sync.RWMutex

	fs      *fat.FileSystem
	log     *logrus.Entry
	nodes   map[uint64]*node
	gens    map[uint64]uint64
	handles map[uint64]*handle
	nextFh  uint64
}

// New wraps a mounted filesystem. The logger may be nil.
func New(fs *fat.FileSystem, log *logrus.Entry) *Driver {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Driver{
		fs:      fs,
		log:     log,
		nodes:   map[uint64]*node{},
		gens:    map[uint64]uint64{},
		handles: map[uint64]*handle{},
		nextFh:  1,
	}
}

// slotKey identifies a directory slot position, independent of who occupies
// it: the parent cluster in the high bits, the slot index in the low 16.
func slotKey(parentCluster uint32, slotOffset int) uint64 {
	return uint64(parentCluster)<<16 | uint64(slotOffset/32)&0xffff
}

// entryID derives the stable ID of an entry: its start cluster when it has
// one. An entry with no clusters yet is named by its directory slot plus
// the slot's reuse generation, so a freed and reused slot never revives a
// dead ID.
func (d *Driver) entryID(parentCluster uint32, de *fat.Entry) uint64 {
	if c := de.StartCluster(); c != 0 {
		return uint64(c)
	}
	key := slotKey(parentCluster, de.SlotOffset())
	return syntheticIDFlag | (d.gens[key]&0x7ffff)<<44 | key
}

// dropEntry forgets every ID the entry may be cached under, both the
// cluster-derived one and the slot-derived one, and bumps the slot's
// generation so the next occupant mints a fresh ID.
func (d *Driver) dropEntry(parentCluster uint32, de *fat.Entry) {
	if c := de.StartCluster(); c != 0 {
		delete(d.nodes, uint64(c))
	}
	key := slotKey(parentCluster, de.SlotOffset())
	delete(d.nodes, syntheticIDFlag|(d.gens[key]&0x7ffff)<<44|key)
	d.gens[key]++
}

// remember records the entry's location under its ID and returns the ID.
func (d *Driver) remember(parentCluster uint32, de *fat.Entry) uint64 {
	id := d.entryID(parentCluster, de)
	d.nodes[id] = &node{
		id:            id,
		parentCluster: parentCluster,
		slotOffset:    de.SlotOffset(),
		startCluster:  de.StartCluster(),
		shortName:     de.ShortName(),
		isDir:         de.IsDir(),
	}
	return id
}

// resolve turns an ID back into a live directory entry, revalidating the
// cached slot against the disk. The root has no entry of its own.
func (d *Driver) resolve(id uint64) (*fat.Directory, *fat.Entry, error) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: unknown ID %d", fat.ErrStale, id)
	}
	parent, err := d.fs.DirectoryAt(n.parentCluster)
	if err != nil {
		return nil, nil, err
	}
	de, err := d.fs.EntryAt(parent, n.slotOffset)
	if err != nil {
		return nil, nil, err
	}
	if de == nil || de.IsVolumeLabel() || de.IsDir() != n.isDir ||
		de.ShortName() != n.shortName ||
		(n.startCluster != 0 && de.StartCluster() != n.startCluster) {
		// resolve runs under the read lock; the dead node stays cached
		// until Forget or a write-locked path drops it
		return nil, nil, fmt.Errorf("%w: entry for ID %d moved or was removed", fat.ErrStale, id)
	}
	return parent, de, nil
}

// resolveDir resolves an ID that must name a directory, the root included.
func (d *Driver) resolveDir(id uint64) (*fat.Directory, error) {
	if id == RootID {
		return d.fs.Root(), nil
	}
	_, de, err := d.resolve(id)
	if err != nil {
		return nil, err
	}
	if !de.IsDir() {
		return nil, fmt.Errorf("%w: %s", fat.ErrNotDir, de.Name())
	}
	return d.fs.DirectoryAt(de.StartCluster())
}

func attrOf(id uint64, de *fat.Entry) Attr {
	return Attr{
		ID:         id,
		Size:       de.Size(),
		IsDir:      de.IsDir(),
		ReadOnly:   de.IsReadOnly(),
		Hidden:     de.IsHidden(),
		System:     de.IsSystem(),
		ModTime:    de.ModTime(),
		CreateTime: de.CreateTime(),
		AccessTime: de.AccessTime(),
	}
}

func (d *Driver) rootAttr() Attr {
	return Attr{ID: RootID, IsDir: true}
}

// Lookup resolves name within the directory identified by parentID.
func (d *Driver) Lookup(parentID uint64, name string) (Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, err := d.resolveDir(parentID)
	if err != nil {
		return Attr{}, err
	}
	de, err := d.fs.Lookup(dir, name)
	if err != nil {
		return Attr{}, err
	}
	id := d.remember(dir.StartCluster(), de)
	d.log.WithFields(logrus.Fields{"op": "lookup", "parent": parentID, "name": name, "id": id}).Debug("resolved")
	return attrOf(id, de), nil
}

// Getattr returns the entry's current metadata.
func (d *Driver) Getattr(id uint64) (Attr, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id == RootID {
		return d.rootAttr(), nil
	}
	_, de, err := d.resolve(id)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(id, de), nil
}

// Readdir lists the directory, dot entries and the volume label excluded.
func (d *Driver) Readdir(id uint64) ([]DirEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, err := d.resolveDir(id)
	if err != nil {
		return nil, err
	}
	it, err := d.fs.Iter(dir)
	if err != nil {
		return nil, err
	}
	var out []DirEntry
	for {
		de, err := it.Next()
		if err != nil {
			return nil, err
		}
		if de == nil {
			break
		}
		if de.IsVolumeLabel() || de.Name() == "." || de.Name() == ".." {
			continue
		}
		out = append(out, DirEntry{
			Name:  de.Name(),
			ID:    d.remember(dir.StartCluster(), de),
			IsDir: de.IsDir(),
		})
	}
	d.log.WithFields(logrus.Fields{"op": "readdir", "id": id, "entries": len(out)}).Debug("listed")
	return out, nil
}

// Open opens the file for I/O and returns a handle ID.
func (d *Driver) Open(id uint64, write bool) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == RootID {
		return 0, fmt.Errorf("%w: /", fat.ErrIsDir)
	}
	parent, de, err := d.resolve(id)
	if err != nil {
		return 0, err
	}
	f, err := d.fs.OpenFile(parent, de, write)
	if err != nil {
		return 0, err
	}
	fh := d.nextFh
	d.nextFh++
	n := d.nodes[id]
	d.handles[fh] = &handle{
		id:            id,
		write:         write,
		parentCluster: n.parentCluster,
		slotOffset:    n.slotOffset,
		file:          f,
	}
	d.log.WithFields(logrus.Fields{"op": "open", "id": id, "fh": fh, "write": write}).Debug("opened")
	return fh, nil
}

func (d *Driver) handleFor(fh uint64) (*handle, error) {
	h, ok := d.handles[fh]
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %d", fat.ErrStale, fh)
	}
	return h, nil
}

// refreshHandle revalidates the handle's entry before I/O. An entry renamed
// through the driver is followed to its new slot; an entry that is gone, or
// a slot that holds someone else, fails with a staleness error so the I/O
// never touches a stranger's slot.
func (d *Driver) refreshHandle(h *handle) error {
	parent, de, err := d.resolve(h.id)
	if err != nil {
		return err
	}
	n := d.nodes[h.id]
	if n.parentCluster == h.parentCluster && n.slotOffset == h.slotOffset {
		return nil
	}
	f, err := d.fs.OpenFile(parent, de, h.write)
	if err != nil {
		return err
	}
	h.file = f
	h.parentCluster = n.parentCluster
	h.slotOffset = n.slotOffset
	return nil
}

// Read reads up to size bytes at off through the handle.
func (d *Driver) Read(fh uint64, off int64, size int) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, err := d.handleFor(fh)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := d.refreshHandle(h); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	n, err := h.file.ReadAt(b, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return b[:n], nil
}

// Write writes b at off through the handle.
func (d *Driver) Write(fh uint64, off int64, b []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.handleFor(fh)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := d.refreshHandle(h); err != nil {
		return 0, err
	}
	return h.file.WriteAt(b, off)
}

// Create makes an empty file and returns its attributes.
func (d *Driver) Create(parentID uint64, name string) (Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, err := d.resolveDir(parentID)
	if err != nil {
		return Attr{}, err
	}
	de, err := d.fs.Create(dir, name)
	if err != nil {
		return Attr{}, err
	}
	id := d.remember(dir.StartCluster(), de)
	d.log.WithFields(logrus.Fields{"op": "create", "parent": parentID, "name": name, "id": id}).Debug("created")
	return attrOf(id, de), nil
}

// Mkdir makes a subdirectory and returns its attributes.
func (d *Driver) Mkdir(parentID uint64, name string) (Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, err := d.resolveDir(parentID)
	if err != nil {
		return Attr{}, err
	}
	de, err := d.fs.Mkdir(dir, name)
	if err != nil {
		return Attr{}, err
	}
	id := d.remember(dir.StartCluster(), de)
	d.log.WithFields(logrus.Fields{"op": "mkdir", "parent": parentID, "name": name, "id": id}).Debug("created")
	return attrOf(id, de), nil
}

// Unlink removes a file.
func (d *Driver) Unlink(parentID uint64, name string) error {
	return d.removeByName(parentID, name, false)
}

// Rmdir removes an empty directory.
func (d *Driver) Rmdir(parentID uint64, name string) error {
	return d.removeByName(parentID, name, true)
}

func (d *Driver) removeByName(parentID uint64, name string, wantDir bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dir, err := d.resolveDir(parentID)
	if err != nil {
		return err
	}
	de, err := d.fs.Lookup(dir, name)
	if err != nil {
		return err
	}
	if wantDir && !de.IsDir() {
		return fmt.Errorf("%w: %s", fat.ErrNotDir, name)
	}
	if !wantDir && de.IsDir() {
		return fmt.Errorf("%w: %s", fat.ErrIsDir, name)
	}
	if err := d.fs.Remove(dir, de); err != nil {
		return err
	}
	d.dropEntry(dir.StartCluster(), de)
	d.log.WithFields(logrus.Fields{"op": "remove", "parent": parentID, "name": name}).Debug("removed")
	return nil
}

// Rename moves oldName from one directory to newName in another. Moving a
// directory into its own subtree fails.
func (d *Driver) Rename(oldParentID uint64, oldName string, newParentID uint64, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	srcDir, err := d.resolveDir(oldParentID)
	if err != nil {
		return err
	}
	dstDir, err := d.resolveDir(newParentID)
	if err != nil {
		return err
	}
	de, err := d.fs.Lookup(srcDir, oldName)
	if err != nil {
		return err
	}
	moved, err := d.fs.Rename(srcDir, de, dstDir, newName)
	if err != nil {
		return err
	}
	d.dropEntry(srcDir.StartCluster(), de)
	d.remember(dstDir.StartCluster(), moved)
	d.log.WithFields(logrus.Fields{
		"op": "rename", "oldParent": oldParentID, "oldName": oldName,
		"newParent": newParentID, "newName": newName,
	}).Debug("renamed")
	return nil
}

// Setattr applies metadata changes: size via truncate, the read-only flag,
// and timestamps.
func (d *Driver) Setattr(id uint64, req SetattrRequest) (Attr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id == RootID {
		return Attr{}, fmt.Errorf("%w: /", fat.ErrIsDir)
	}
	parent, de, err := d.resolve(id)
	if err != nil {
		return Attr{}, err
	}
	if req.Size != nil {
		if err := d.fs.Truncate(parent, de, *req.Size); err != nil {
			return Attr{}, err
		}
		// truncate-to-zero drops the start cluster; keep the node current
		if n := d.nodes[id]; n != nil {
			n.startCluster = de.StartCluster()
		}
	}
	if req.ReadOnly != nil {
		if err := d.fs.SetReadOnly(parent, de, *req.ReadOnly); err != nil {
			return Attr{}, err
		}
	}
	if req.ModTime != nil || req.AccessTime != nil {
		var modify, access time.Time
		if req.ModTime != nil {
			modify = *req.ModTime
		}
		if req.AccessTime != nil {
			access = *req.AccessTime
		}
		if err := d.fs.SetTimes(parent, de, modify, access); err != nil {
			return Attr{}, err
		}
	}
	return attrOf(id, de), nil
}

// Statfs reports volume capacity.
func (d *Driver) Statfs() fat.Statfs {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.fs.Statfs()
}

// Release closes a handle and flushes deferred state.
func (d *Driver) Release(fh uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, err := d.handleFor(fh)
	if err != nil {
		return err
	}
	delete(d.handles, fh)
	return h.file.Close()
}

// Flush writes any deferred FAT state through to the storage.
func (d *Driver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fs.Flush()
}

// Forget drops the cached location for an ID. Later use of the ID fails
// with a staleness error until the entry is looked up again.
func (d *Driver) Forget(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}
