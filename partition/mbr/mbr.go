// Package mbr reads classic MBR partition tables, enough to locate a FAT
// partition on a disk image and hand its byte window to the filesystem
// layer.
package mbr

import (
	"encoding/binary"
	"fmt"

	"github.com/diskimage/fatfs/backend"
)

const (
	// logicalSectorSize is the unit MBR start and size fields count in.
	logicalSectorSize = 512

	entriesStart   = 446
	entrySize      = 16
	partitionCount = 4
)

// Type is the MBR partition type byte.
type Type byte

// Partition types that carry a FAT filesystem, plus a few common others.
const (
	TypeEmpty      Type = 0x00
	TypeFat12      Type = 0x01
	TypeFat16Small Type = 0x04
	TypeFat16      Type = 0x06
	TypeNTFS       Type = 0x07
	TypeFat32CHS   Type = 0x0b
	TypeFat32LBA   Type = 0x0c
	TypeFat16LBA   Type = 0x0e
	TypeLinux      Type = 0x83
)

// IsFAT reports whether the partition type marks a FAT filesystem.
func (t Type) IsFAT() bool {
	switch t {
	case TypeFat12, TypeFat16Small, TypeFat16, TypeFat16LBA, TypeFat32CHS, TypeFat32LBA:
		return true
	}
	return false
}

// Partition is one entry of the table. Start and Size count 512-byte
// sectors regardless of the device's physical sector size.
type Partition struct {
	Bootable bool
	Type     Type
	Start    uint32
	Size     uint32
}

// GetStart is the partition's byte offset on the device.
func (p *Partition) GetStart() int64 {
	return int64(p.Start) * logicalSectorSize
}

// GetSize is the partition's byte length.
func (p *Partition) GetSize() int64 {
	return int64(p.Size) * logicalSectorSize
}

// Table is a decoded MBR.
type Table struct {
	Partitions []*Partition
}

// Read decodes the partition table from the first sector of the device.
func Read(f backend.File) (*Table, error) {
	b := make([]byte, logicalSectorSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("could not read MBR sector: %w", err)
	}
	if b[510] != 0x55 || b[511] != 0xaa {
		return nil, fmt.Errorf("missing MBR signature 0x55 0xaa")
	}
	t := &Table{}
	for i := 0; i < partitionCount; i++ {
		e := b[entriesStart+i*entrySize : entriesStart+(i+1)*entrySize]
		p := &Partition{
			Bootable: e[0] == 0x80,
			Type:     Type(e[4]),
			Start:    binary.LittleEndian.Uint32(e[8:12]),
			Size:     binary.LittleEndian.Uint32(e[12:16]),
		}
		t.Partitions = append(t.Partitions, p)
	}
	return t, nil
}

// Get returns the 1-based partition, or an error when the slot is empty.
func (t *Table) Get(index int) (*Partition, error) {
	if index < 1 || index > len(t.Partitions) {
		return nil, fmt.Errorf("partition index %d out of range 1-%d", index, len(t.Partitions))
	}
	p := t.Partitions[index-1]
	if p.Type == TypeEmpty || p.Size == 0 {
		return nil, fmt.Errorf("partition %d is empty", index)
	}
	return p, nil
}

// FirstFAT returns the first partition whose type byte marks FAT, with its
// 1-based index.
func (t *Table) FirstFAT() (int, *Partition, error) {
	for i, p := range t.Partitions {
		if p.Type.IsFAT() && p.Size > 0 {
			return i + 1, p, nil
		}
	}
	return 0, nil, fmt.Errorf("no FAT partition in table")
}
