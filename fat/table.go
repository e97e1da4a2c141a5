package fat

import (
	"encoding/binary"
	"fmt"
)

// table is one File Allocation Table held in memory as raw bytes. Entries
// are decoded on access; mutations mark the containing sector dirty so only
// affected sectors are written back to the device.
type table struct {
	fatType        int
	raw            []byte
	maxCluster     uint32 // highest addressable data cluster
	bytesPerSector int
	dirty          map[int]bool // dirty sector indexes within one FAT copy
}

// Markers per FAT type, from the allocated-cluster ranges in the FAT
// specification. An entry is end-of-chain when it falls at or above the EOC
// floor for its type.
func eocFloor(fatType int) uint32 {
	switch fatType {
	case 12:
		return 0xff8
	case 16:
		return 0xfff8
	default:
		return 0x0ffffff8
	}
}

func eocMarker(fatType int) uint32 {
	switch fatType {
	case 12:
		return 0xfff
	case 16:
		return 0xffff
	default:
		return 0x0fffffff
	}
}

func badMarker(fatType int) uint32 {
	switch fatType {
	case 12:
		return 0xff7
	case 16:
		return 0xfff7
	default:
		return 0x0ffffff7
	}
}

// tableFromBytes wraps the raw bytes of one FAT copy. maxCluster bounds the
// addressable entries; FAT copies commonly have slack entries past the data
// area which are ignored.
func tableFromBytes(b []byte, fatType int, maxCluster uint32, bytesPerSector int) *table {
	entries := tableEntryCount(len(b), fatType)
	if entries > 0 && maxCluster > entries-1 {
		maxCluster = entries - 1
	}
	return &table{
		fatType:        fatType,
		raw:            b,
		maxCluster:     maxCluster,
		bytesPerSector: bytesPerSector,
		dirty:          map[int]bool{},
	}
}

// newTable builds an empty FAT of the given byte size with the two reserved
// entries initialized: entry 0 carries the media descriptor, entry 1 the EOC
// marker.
func newTable(sizeBytes int, fatType int, maxCluster uint32, bytesPerSector int, media byte) *table {
	t := tableFromBytes(make([]byte, sizeBytes), fatType, maxCluster, bytesPerSector)
	t.putEntry(0, (eocMarker(fatType)&^0xff)|uint32(media))
	t.putEntry(1, eocMarker(fatType))
	return t
}

func tableEntryCount(sizeBytes int, fatType int) uint32 {
	switch fatType {
	case 12:
		return uint32(sizeBytes * 2 / 3)
	case 16:
		return uint32(sizeBytes / 2)
	default:
		return uint32(sizeBytes / 4)
	}
}

// entry reads the raw FAT value for a cluster. FAT32 entries are 28 bits;
// the top nibble is reserved and masked off.
func (t *table) entry(cluster uint32) uint32 {
	switch t.fatType {
	case 12:
		pos := cluster * 3 / 2
		if int(pos)+1 >= len(t.raw) {
			return 0
		}
		if cluster%2 == 0 {
			return uint32(t.raw[pos]) | uint32(t.raw[pos+1]&0x0f)<<8
		}
		return uint32(t.raw[pos]>>4) | uint32(t.raw[pos+1])<<4
	case 16:
		return uint32(binary.LittleEndian.Uint16(t.raw[cluster*2:]))
	default:
		return binary.LittleEndian.Uint32(t.raw[cluster*4:]) & 0x0fffffff
	}
}

// putEntry writes a FAT value and marks the touched sector(s) dirty. A FAT12
// entry straddling a sector boundary dirties both sectors.
func (t *table) putEntry(cluster, value uint32) {
	var start, end int
	switch t.fatType {
	case 12:
		pos := int(cluster * 3 / 2)
		if pos+1 >= len(t.raw) {
			return
		}
		if cluster%2 == 0 {
			t.raw[pos] = byte(value)
			t.raw[pos+1] = t.raw[pos+1]&0xf0 | byte(value>>8)&0x0f
		} else {
			t.raw[pos] = t.raw[pos]&0x0f | byte(value&0x0f)<<4
			t.raw[pos+1] = byte(value >> 4)
		}
		start, end = pos, pos+1
	case 16:
		binary.LittleEndian.PutUint16(t.raw[cluster*2:], uint16(value))
		start, end = int(cluster*2), int(cluster*2)+1
	default:
		// preserve the reserved top nibble
		old := binary.LittleEndian.Uint32(t.raw[cluster*4:]) & 0xf0000000
		binary.LittleEndian.PutUint32(t.raw[cluster*4:], old|value&0x0fffffff)
		start, end = int(cluster*4), int(cluster*4)+3
	}
	t.dirty[start/t.bytesPerSector] = true
	t.dirty[end/t.bytesPerSector] = true
}

func (t *table) isEOC(value uint32) bool {
	return value >= eocFloor(t.fatType)
}

func (t *table) isFree(value uint32) bool {
	return value == 0
}

func (t *table) isBad(value uint32) bool {
	return value == badMarker(t.fatType)
}

// chain returns the cluster list starting at start by following FAT entries
// until end-of-chain. A walk that leaves the valid cluster range or exceeds
// the total cluster count is corrupt.
func (t *table) chain(start uint32) ([]uint32, error) {
	if start < 2 || start > t.maxCluster {
		return nil, fmt.Errorf("%w: invalid start cluster %d", ErrCorruptChain, start)
	}
	if t.isFree(t.entry(start)) {
		return nil, fmt.Errorf("%w: invalid start cluster %d is not allocated", ErrCorruptChain, start)
	}
	clusters := []uint32{start}
	current := start
	for {
		next := t.entry(current)
		if t.isEOC(next) {
			return clusters, nil
		}
		if next < 2 || next > t.maxCluster || t.isBad(next) {
			return nil, fmt.Errorf("%w: invalid cluster chain at %d", ErrCorruptChain, next)
		}
		// loop guard: a valid chain can never be longer than the volume
		if uint32(len(clusters)) > t.maxCluster {
			return nil, fmt.Errorf("%w: chain starting at %d does not terminate", ErrCorruptChain, start)
		}
		clusters = append(clusters, next)
		current = next
	}
}

// findFree scans for a free cluster starting at hint, wrapping around to
// cluster 2. A full scan with no hit means the volume is out of space.
func (t *table) findFree(hint uint32) (uint32, error) {
	if hint < 2 || hint > t.maxCluster {
		hint = 2
	}
	for c := hint; c <= t.maxCluster; c++ {
		if t.isFree(t.entry(c)) {
			return c, nil
		}
	}
	for c := uint32(2); c < hint; c++ {
		if t.isFree(t.entry(c)) {
			return c, nil
		}
	}
	return 0, ErrNoSpace
}

// countFree counts free data clusters. Used for statfs and to seed the FAT32
// FS information sector.
func (t *table) countFree() uint32 {
	var n uint32
	for c := uint32(2); c <= t.maxCluster; c++ {
		if t.isFree(t.entry(c)) {
			n++
		}
	}
	return n
}

// dirtySectors returns the sorted-ish set of dirty sector indexes and resets
// the tracking.
func (t *table) takeDirtySectors() []int {
	if len(t.dirty) == 0 {
		return nil
	}
	sectors := make([]int, 0, len(t.dirty))
	for s := range t.dirty {
		sectors = append(sectors, s)
	}
	t.dirty = map[int]bool{}
	return sectors
}

// sector returns the raw bytes of one FAT sector.
func (t *table) sector(index int) []byte {
	start := index * t.bytesPerSector
	end := start + t.bytesPerSector
	if end > len(t.raw) {
		end = len(t.raw)
	}
	return t.raw[start:end]
}
