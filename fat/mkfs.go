package fat

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/diskimage/fatfs/backend"
)

// FormatSpec controls volume creation. Zero values are filled in: the FAT
// type and cluster size are chosen from the volume size, the FAT count
// defaults to two, and the serial number is generated.
type FormatSpec struct {
	// Type is 12, 16 or 32; zero selects by volume size.
	Type int
	// SectorsPerCluster must be a power of two up to 128; zero selects the
	// smallest value whose cluster count fits the FAT type.
	SectorsPerCluster int
	// NumFATs is the number of FAT copies, default 2.
	NumFATs     int
	VolumeLabel string
	OEMName     string
}

const (
	formatReservedSectors      = 1
	formatReservedSectorsFAT32 = 32
	formatRootEntries          = 512
	formatBackupBootSector     = 6
	formatFSInfoSector         = 1
)

// Format writes a fresh FAT filesystem covering size bytes of the storage
// and mounts it. All previous content within the volume is lost.
func Format(storage backend.Storage, size int64, spec FormatSpec) (*FileSystem, error) {
	w, err := storage.Writable()
	if err != nil {
		return nil, fmt.Errorf("cannot format: %w", err)
	}

	totalSectors := size / sectorSize512
	if totalSectors < 64 {
		return nil, fmt.Errorf("volume of %d bytes is too small to format", size)
	}
	if totalSectors > 0xffffffff {
		totalSectors = 0xffffffff
	}

	fatType := spec.Type
	if fatType == 0 {
		switch {
		case size <= 4<<20:
			fatType = 12
		case size <= 512<<20:
			fatType = 16
		default:
			fatType = 32
		}
	}
	if fatType != 12 && fatType != 16 && fatType != 32 {
		return nil, fmt.Errorf("invalid FAT type %d", fatType)
	}

	fatCount := spec.NumFATs
	if fatCount == 0 {
		fatCount = 2
	}
	if fatCount < 1 || fatCount > 4 {
		return nil, fmt.Errorf("invalid FAT count %d", fatCount)
	}

	bpb := &biosParameterBlock{
		oemName:         spec.OEMName,
		bytesPerSector:  sectorSize512,
		fatCount:        fatCount,
		totalSectors:    uint32(totalSectors),
		media:           0xf8,
		sectorsPerTrack: 63,
		heads:           255,
		volumeLabel:     strings.ToUpper(strings.TrimSpace(spec.VolumeLabel)),
		fatType:         fatType,
	}
	serial, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("could not generate volume serial: %w", err)
	}
	bpb.volumeSerial = binary.LittleEndian.Uint32(serial[0:4])

	if fatType == 32 {
		bpb.reservedSectors = formatReservedSectorsFAT32
		bpb.rootCluster = 2
		bpb.fsInfoSector = formatFSInfoSector
		bpb.backupBootSector = formatBackupBootSector
	} else {
		bpb.reservedSectors = formatReservedSectors
		bpb.rootEntryCount = formatRootEntries
	}

	if err := chooseClusterSize(bpb, spec.SectorsPerCluster); err != nil {
		return nil, err
	}
	if err := sizeFAT(bpb); err != nil {
		return nil, err
	}

	// boot sector, padded to the logical sector size
	boot := bpb.toBytes()
	if _, err := w.WriteAt(boot, 0); err != nil {
		return nil, fmt.Errorf("%w: boot sector: %v", ErrIO, err)
	}
	if fatType == 32 {
		if _, err := w.WriteAt(boot, int64(bpb.backupBootSector)*sectorSize512); err != nil {
			return nil, fmt.Errorf("%w: backup boot sector: %v", ErrIO, err)
		}
	}

	t := newTable(bpb.fatSizeBytes(), fatType, bpb.maxCluster(), bpb.bytesPerSector, bpb.media)
	if fatType == 32 {
		t.putEntry(bpb.rootCluster, eocMarker(fatType))
	}
	for copy := 0; copy < fatCount; copy++ {
		if _, err := w.WriteAt(t.raw, bpb.fatOffset(copy)); err != nil {
			return nil, fmt.Errorf("%w: FAT copy %d: %v", ErrIO, copy, err)
		}
	}

	if fatType == 32 {
		fsis := &fsInformationSector{
			freeClusterCount:     bpb.clusterCount() - 1,
			lastAllocatedCluster: bpb.rootCluster,
		}
		if _, err := w.WriteAt(fsis.toBytes(), int64(bpb.fsInfoSector)*sectorSize512); err != nil {
			return nil, fmt.Errorf("%w: FS information sector: %v", ErrIO, err)
		}
		zero := make([]byte, bpb.bytesPerCluster())
		if _, err := w.WriteAt(zero, bpb.dataStart()); err != nil {
			return nil, fmt.Errorf("%w: root cluster: %v", ErrIO, err)
		}
	} else {
		zero := make([]byte, bpb.rootDirSizeBytes())
		if _, err := w.WriteAt(zero, bpb.rootDirOffset()); err != nil {
			return nil, fmt.Errorf("%w: root directory: %v", ErrIO, err)
		}
	}

	fs, err := Mount(storage, MountOptions{})
	if err != nil {
		return nil, err
	}
	if bpb.volumeLabel != "" {
		if err := fs.SetLabel(bpb.volumeLabel); err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// chooseClusterSize fixes sectorsPerCluster so the resulting cluster count
// fits the chosen FAT type's addressable range.
func chooseClusterSize(bpb *biosParameterBlock, requested int) error {
	if requested != 0 {
		if requested < 0 || requested > 128 || requested&(requested-1) != 0 {
			return fmt.Errorf("invalid sectors per cluster %d", requested)
		}
		bpb.sectorsPerCluster = requested
		return nil
	}
	var limit uint32
	switch bpb.fatType {
	case 12:
		limit = fat12ClusterLimit - 1
	case 16:
		limit = fat16ClusterLimit - 1
	default:
		limit = 0x0ffffff5
	}
	for spc := 1; spc <= 128; spc *= 2 {
		bpb.sectorsPerCluster = spc
		// overestimate the cluster count; the FAT region only shrinks it
		if bpb.totalSectors/uint32(spc) <= limit {
			return nil
		}
	}
	return fmt.Errorf("volume of %d sectors is too large for FAT%d", bpb.totalSectors, bpb.fatType)
}

// sizeFAT computes sectorsPerFAT. Cluster count and FAT size depend on each
// other, so the estimate is refined until it is self-consistent.
func sizeFAT(bpb *biosParameterBlock) error {
	entryBits := map[int]int{12: 12, 16: 16, 32: 32}[bpb.fatType]
	bpb.sectorsPerFAT = 1
	for i := 0; i < 8; i++ {
		clusters := bpb.clusterCount()
		needBytes := (int(clusters)+2)*entryBits/8 + 1
		needSectors := uint32((needBytes + bpb.bytesPerSector - 1) / bpb.bytesPerSector)
		if needSectors == bpb.sectorsPerFAT {
			break
		}
		bpb.sectorsPerFAT = needSectors
	}

	clusters := bpb.clusterCount()
	if clusters < 1 {
		return fmt.Errorf("volume has no data clusters after the FAT region")
	}
	// the mounted type is derived from the cluster count, so the count must
	// land inside the requested type's range or the volume would come back
	// as a different FAT width
	switch bpb.fatType {
	case 12:
		if clusters >= fat12ClusterLimit {
			return fmt.Errorf("%d clusters exceed FAT12", clusters)
		}
	case 16:
		if clusters < fat12ClusterLimit {
			return fmt.Errorf("%d clusters too few for FAT16; use FAT12 or a smaller cluster size", clusters)
		}
		if clusters >= fat16ClusterLimit {
			return fmt.Errorf("%d clusters exceed FAT16", clusters)
		}
	}
	return nil
}
