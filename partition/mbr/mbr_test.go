package mbr_test

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/diskimage/fatfs/backend/mem"
	"github.com/diskimage/fatfs/partition/mbr"
)

// buildMBR assembles a sector with the given partition entries.
func buildMBR(entries ...[16]byte) []byte {
	b := make([]byte, 512)
	for i, e := range entries {
		copy(b[446+i*16:], e[:])
	}
	b[510], b[511] = 0x55, 0xaa
	return b
}

func entry(bootable bool, ptype mbr.Type, start, size uint32) [16]byte {
	var e [16]byte
	if bootable {
		e[0] = 0x80
	}
	e[4] = byte(ptype)
	binary.LittleEndian.PutUint32(e[8:12], start)
	binary.LittleEndian.PutUint32(e[12:16], size)
	return e
}

func TestReadTable(t *testing.T) {
	img := buildMBR(
		entry(true, mbr.TypeLinux, 2048, 4096),
		entry(false, mbr.TypeFat32LBA, 8192, 16384),
	)
	table, err := mbr.Read(mem.FromBytes(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(table.Partitions) != 4 {
		t.Fatalf("partitions = %d, want 4", len(table.Partitions))
	}

	p, err := table.Get(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Type != mbr.TypeFat32LBA || p.GetStart() != 8192*512 || p.GetSize() != 16384*512 {
		t.Errorf("partition 2 = %+v", p)
	}

	if _, err := table.Get(3); err == nil {
		t.Error("empty slot returned without error")
	}
	if _, err := table.Get(0); err == nil {
		t.Error("index 0 accepted; partitions are 1-based")
	}
}

func TestFirstFAT(t *testing.T) {
	img := buildMBR(
		entry(true, mbr.TypeLinux, 2048, 4096),
		entry(false, mbr.TypeFat16, 8192, 4096),
		entry(false, mbr.TypeFat32LBA, 16384, 4096),
	)
	table, err := mbr.Read(mem.FromBytes(img))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	index, p, err := table.FirstFAT()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if index != 2 || p.Type != mbr.TypeFat16 {
		t.Errorf("FirstFAT = %d, %+v, want partition 2", index, p)
	}

	linuxOnly := buildMBR(entry(true, mbr.TypeLinux, 2048, 4096))
	table, err = mbr.Read(mem.FromBytes(linuxOnly))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, err := table.FirstFAT(); err == nil || !strings.Contains(err.Error(), "no FAT partition") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadBadSignature(t *testing.T) {
	img := make([]byte, 512)
	if _, err := mbr.Read(mem.FromBytes(img)); err == nil || !strings.Contains(err.Error(), "missing MBR signature") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestTypeIsFAT(t *testing.T) {
	fatTypes := []mbr.Type{mbr.TypeFat12, mbr.TypeFat16Small, mbr.TypeFat16, mbr.TypeFat16LBA, mbr.TypeFat32CHS, mbr.TypeFat32LBA}
	for _, pt := range fatTypes {
		if !pt.IsFAT() {
			t.Errorf("Type 0x%02x should be FAT", byte(pt))
		}
	}
	for _, pt := range []mbr.Type{mbr.TypeEmpty, mbr.TypeNTFS, mbr.TypeLinux} {
		if pt.IsFAT() {
			t.Errorf("Type 0x%02x should not be FAT", byte(pt))
		}
	}
}
