package fat

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// sectorSize512 is the boot sector size; the BPB always fits in the
	// first 512 bytes regardless of the logical sector size.
	sectorSize512 = 512

	// fat12ClusterLimit is the largest cluster count a FAT12 volume can
	// address; above it the volume is FAT16 (or FAT32).
	fat12ClusterLimit = 4085
	// fat16ClusterLimit is the largest cluster count for FAT16.
	fat16ClusterLimit = 65525
)

// biosParameterBlock is the decoded boot sector. The geometry it describes
// is immutable for the lifetime of a mount.
type biosParameterBlock struct {
	oemName           string
	bytesPerSector    int
	sectorsPerCluster int
	reservedSectors   int
	fatCount          int
	rootEntryCount    int
	totalSectors      uint32
	media             byte
	sectorsPerFAT     uint32
	sectorsPerTrack   uint16
	heads             uint16
	hiddenSectors     uint32

	// extended fields; rootCluster, extFlags, fsInfoSector and
	// backupBootSector are meaningful for FAT32 only
	extFlags         uint16
	rootCluster      uint32
	fsInfoSector     uint16
	backupBootSector uint16
	driveNumber      byte
	volumeSerial     uint32
	volumeLabel      string
	fsTypeLabel      string

	fatType int
}

// bpbFromBytes decodes and validates a boot sector. The FAT type is derived
// here: a zero root-entry count together with a zero 16-bit FAT size marks
// FAT32, otherwise the data-cluster count decides between FAT12 and FAT16.
func bpbFromBytes(b []byte) (*biosParameterBlock, error) {
	if len(b) < sectorSize512 {
		return nil, fmt.Errorf("boot sector was %d bytes, less than minimum %d", len(b), sectorSize512)
	}
	if b[510] != 0x55 || b[511] != 0xaa {
		return nil, fmt.Errorf("missing boot sector signature 0x55 0xaa")
	}
	// valid jump instructions per the FAT spec
	if !(b[0] == 0xeb && b[2] == 0x90) && b[0] != 0xe9 {
		return nil, fmt.Errorf("invalid boot sector jump instruction 0x%02x", b[0])
	}

	bpb := biosParameterBlock{
		oemName:           strings.TrimRight(string(b[3:11]), " "),
		bytesPerSector:    int(binary.LittleEndian.Uint16(b[11:13])),
		sectorsPerCluster: int(b[13]),
		reservedSectors:   int(binary.LittleEndian.Uint16(b[14:16])),
		fatCount:          int(b[16]),
		rootEntryCount:    int(binary.LittleEndian.Uint16(b[17:19])),
		media:             b[21],
		sectorsPerTrack:   binary.LittleEndian.Uint16(b[24:26]),
		heads:             binary.LittleEndian.Uint16(b[26:28]),
		hiddenSectors:     binary.LittleEndian.Uint32(b[28:32]),
	}

	switch bpb.bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("invalid bytes per sector %d", bpb.bytesPerSector)
	}
	spc := bpb.sectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 || spc > 128 {
		return nil, fmt.Errorf("invalid sectors per cluster %d", spc)
	}
	if bpb.reservedSectors == 0 {
		return nil, fmt.Errorf("invalid reserved sector count 0")
	}
	if bpb.fatCount < 1 {
		return nil, fmt.Errorf("invalid FAT count 0")
	}

	totalSectors16 := binary.LittleEndian.Uint16(b[19:21])
	totalSectors32 := binary.LittleEndian.Uint32(b[32:36])
	switch {
	case totalSectors16 != 0:
		bpb.totalSectors = uint32(totalSectors16)
	case totalSectors32 != 0:
		bpb.totalSectors = totalSectors32
	default:
		return nil, fmt.Errorf("boot sector reports zero total sectors")
	}

	fatSize16 := binary.LittleEndian.Uint16(b[22:24])

	if bpb.rootEntryCount == 0 && fatSize16 == 0 {
		// FAT32 layout: the extended BPB starts at offset 36
		bpb.fatType = 32
		bpb.sectorsPerFAT = binary.LittleEndian.Uint32(b[36:40])
		if bpb.sectorsPerFAT == 0 {
			return nil, fmt.Errorf("FAT32 boot sector reports zero sectors per FAT")
		}
		bpb.extFlags = binary.LittleEndian.Uint16(b[40:42])
		bpb.rootCluster = binary.LittleEndian.Uint32(b[44:48])
		if bpb.rootCluster < 2 {
			return nil, fmt.Errorf("invalid FAT32 root cluster %d", bpb.rootCluster)
		}
		bpb.fsInfoSector = binary.LittleEndian.Uint16(b[48:50])
		bpb.backupBootSector = binary.LittleEndian.Uint16(b[50:52])
		bpb.driveNumber = b[64]
		if b[66] == 0x29 {
			bpb.volumeSerial = binary.LittleEndian.Uint32(b[67:71])
			bpb.volumeLabel = strings.TrimRight(string(b[71:82]), " ")
			bpb.fsTypeLabel = strings.TrimRight(string(b[82:90]), " ")
		}
		return &bpb, nil
	}

	if fatSize16 == 0 {
		return nil, fmt.Errorf("non-FAT32 boot sector reports zero sectors per FAT")
	}
	bpb.sectorsPerFAT = uint32(fatSize16)
	bpb.driveNumber = b[36]
	if b[38] == 0x29 {
		bpb.volumeSerial = binary.LittleEndian.Uint32(b[39:43])
		bpb.volumeLabel = strings.TrimRight(string(b[43:54]), " ")
		bpb.fsTypeLabel = strings.TrimRight(string(b[54:62]), " ")
	}

	if bpb.clusterCount() < fat12ClusterLimit {
		bpb.fatType = 12
	} else {
		bpb.fatType = 16
	}
	return &bpb, nil
}

// toBytes serializes the boot sector, signature included. The result is
// always 512 bytes; callers pad to the logical sector size as needed.
func (bpb *biosParameterBlock) toBytes() []byte {
	b := make([]byte, sectorSize512)
	b[0], b[1], b[2] = 0xeb, 0x3c, 0x90
	if bpb.fatType == 32 {
		b[1] = 0x58
	}
	oem := bpb.oemName
	if oem == "" {
		oem = "FATFS"
	}
	copy(b[3:11], fmt.Sprintf("%-8.8s", oem))
	binary.LittleEndian.PutUint16(b[11:13], uint16(bpb.bytesPerSector))
	b[13] = byte(bpb.sectorsPerCluster)
	binary.LittleEndian.PutUint16(b[14:16], uint16(bpb.reservedSectors))
	b[16] = byte(bpb.fatCount)
	binary.LittleEndian.PutUint16(b[17:19], uint16(bpb.rootEntryCount))
	if bpb.totalSectors <= 0xffff && bpb.fatType != 32 {
		binary.LittleEndian.PutUint16(b[19:21], uint16(bpb.totalSectors))
	} else {
		binary.LittleEndian.PutUint32(b[32:36], bpb.totalSectors)
	}
	b[21] = bpb.media
	binary.LittleEndian.PutUint16(b[24:26], bpb.sectorsPerTrack)
	binary.LittleEndian.PutUint16(b[26:28], bpb.heads)
	binary.LittleEndian.PutUint32(b[28:32], bpb.hiddenSectors)

	if bpb.fatType == 32 {
		binary.LittleEndian.PutUint32(b[36:40], bpb.sectorsPerFAT)
		binary.LittleEndian.PutUint16(b[40:42], bpb.extFlags)
		binary.LittleEndian.PutUint32(b[44:48], bpb.rootCluster)
		binary.LittleEndian.PutUint16(b[48:50], bpb.fsInfoSector)
		binary.LittleEndian.PutUint16(b[50:52], bpb.backupBootSector)
		b[64] = bpb.driveNumber
		b[66] = 0x29
		binary.LittleEndian.PutUint32(b[67:71], bpb.volumeSerial)
		copy(b[71:82], fmt.Sprintf("%-11.11s", labelOrDefault(bpb.volumeLabel)))
		copy(b[82:90], "FAT32   ")
	} else {
		binary.LittleEndian.PutUint16(b[22:24], uint16(bpb.sectorsPerFAT))
		b[36] = bpb.driveNumber
		b[38] = 0x29
		binary.LittleEndian.PutUint32(b[39:43], bpb.volumeSerial)
		copy(b[43:54], fmt.Sprintf("%-11.11s", labelOrDefault(bpb.volumeLabel)))
		copy(b[54:62], fmt.Sprintf("FAT%d   ", bpb.fatType))
	}
	b[510], b[511] = 0x55, 0xaa
	return b
}

func labelOrDefault(label string) string {
	if label == "" {
		return "NO NAME"
	}
	return label
}

func (bpb *biosParameterBlock) bytesPerCluster() int {
	return bpb.bytesPerSector * bpb.sectorsPerCluster
}

// rootDirSectors is the size of the fixed root directory region, zero on
// FAT32.
func (bpb *biosParameterBlock) rootDirSectors() int {
	return (bpb.rootEntryCount*32 + bpb.bytesPerSector - 1) / bpb.bytesPerSector
}

// firstDataSector is the sector where cluster 2 starts.
func (bpb *biosParameterBlock) firstDataSector() uint32 {
	return uint32(bpb.reservedSectors) + uint32(bpb.fatCount)*bpb.sectorsPerFAT + uint32(bpb.rootDirSectors())
}

// dataStart is the byte offset of cluster 2, relative to the volume start.
func (bpb *biosParameterBlock) dataStart() int64 {
	return int64(bpb.firstDataSector()) * int64(bpb.bytesPerSector)
}

// fatOffset is the byte offset of the given FAT copy.
func (bpb *biosParameterBlock) fatOffset(copy int) int64 {
	return (int64(bpb.reservedSectors) + int64(copy)*int64(bpb.sectorsPerFAT)) * int64(bpb.bytesPerSector)
}

func (bpb *biosParameterBlock) fatSizeBytes() int {
	return int(bpb.sectorsPerFAT) * bpb.bytesPerSector
}

// rootDirOffset is the byte offset of the fixed FAT12/16 root directory
// region, relative to the volume start.
func (bpb *biosParameterBlock) rootDirOffset() int64 {
	return (int64(bpb.reservedSectors) + int64(bpb.fatCount)*int64(bpb.sectorsPerFAT)) * int64(bpb.bytesPerSector)
}

func (bpb *biosParameterBlock) rootDirSizeBytes() int {
	return bpb.rootEntryCount * 32
}

// clusterCount is the number of data clusters on the volume.
func (bpb *biosParameterBlock) clusterCount() uint32 {
	dataSectors := bpb.totalSectors - bpb.firstDataSector()
	return dataSectors / uint32(bpb.sectorsPerCluster)
}

// maxCluster is the highest valid data cluster number (clusters are numbered
// from 2).
func (bpb *biosParameterBlock) maxCluster() uint32 {
	return bpb.clusterCount() + 1
}
