package fat

import (
	"encoding/binary"
	"fmt"
)

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xaa550000

	// fsInfoUnknown marks a free count or hint the volume does not know.
	fsInfoUnknown = 0xffffffff
)

// fsInformationSector is the FAT32 FS Information Sector. It caches the
// free-cluster count and the most recently allocated cluster so mounts do
// not have to scan the whole FAT.
type fsInformationSector struct {
	freeClusterCount     uint32
	lastAllocatedCluster uint32
}

func fsInfoFromBytes(b []byte) (*fsInformationSector, error) {
	if len(b) < sectorSize512 {
		return nil, fmt.Errorf("FS information sector was %d bytes, less than minimum %d", len(b), sectorSize512)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(b[484:488]) != fsInfoStructSignature ||
		binary.LittleEndian.Uint32(b[508:512]) != fsInfoTrailSignature {
		return nil, fmt.Errorf("invalid FS information sector signatures")
	}
	return &fsInformationSector{
		freeClusterCount:     binary.LittleEndian.Uint32(b[488:492]),
		lastAllocatedCluster: binary.LittleEndian.Uint32(b[492:496]),
	}, nil
}

func (fsis *fsInformationSector) toBytes() []byte {
	b := make([]byte, sectorSize512)
	binary.LittleEndian.PutUint32(b[0:4], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(b[484:488], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(b[488:492], fsis.freeClusterCount)
	binary.LittleEndian.PutUint32(b[492:496], fsis.lastAllocatedCluster)
	binary.LittleEndian.PutUint32(b[508:512], fsInfoTrailSignature)
	return b
}
