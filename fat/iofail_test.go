package fat_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/diskimage/fatfs/backend/mem"
	"github.com/diskimage/fatfs/fat"
	"github.com/diskimage/fatfs/testhelper"
)

func TestMountReadFailure(t *testing.T) {
	stub := &testhelper.FileImpl{
		Reader: func(b []byte, offset int64) (int, error) {
			return 0, errors.New("short circuit")
		},
	}
	_, err := fat.Mount(stub, fat.MountOptions{ReadOnly: true})
	if err == nil {
		t.Fatal("mount on failing storage should error")
	}
	if !errors.Is(err, fat.ErrIO) {
		t.Errorf("error should wrap ErrIO, got %v", err)
	}
}

func TestWriteFailure(t *testing.T) {
	// a healthy formatted image behind a storage whose writes fail
	buf := mem.New(testVolumeSize)
	fs, err := fat.Format(buf, testVolumeSize, fat.FormatSpec{Type: 32, SectorsPerCluster: 4})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	if err := fs.Unmount(); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	stub := &testhelper.FileImpl{
		Reader: buf.ReadAt,
		Writer: func(b []byte, offset int64) (int, error) {
			return 0, errors.New("device gone")
		},
	}
	fs, err = fat.Mount(stub, fat.MountOptions{})
	if err != nil {
		t.Fatalf("mount only reads, should succeed: %v", err)
	}
	_, err = fs.Create(fs.Root(), "doomed.txt")
	if err == nil {
		t.Fatal("create on failing storage should error")
	}
	if !errors.Is(err, fat.ErrIO) {
		t.Errorf("error should wrap ErrIO, got %v", err)
	}
}

func TestRemoveFailureLeavesNoLiveEntry(t *testing.T) {
	buf := mem.New(testVolumeSize)
	fs, err := fat.Format(buf, testVolumeSize, fat.FormatSpec{Type: 32, SectorsPerCluster: 4})
	if err != nil {
		t.Fatalf("format: %v", err)
	}
	createFile(t, fs, fs.Root(), "a.txt", bytes.Repeat([]byte{7}, 3000))
	if err := fs.Unmount(); err != nil {
		t.Fatalf("unmount: %v", err)
	}

	// the first write, the entry slot marking, reaches the disk; the FAT
	// write-back behind it fails
	writes := 0
	stub := &testhelper.FileImpl{
		Reader: buf.ReadAt,
		Writer: func(b []byte, offset int64) (int, error) {
			writes++
			if writes > 1 {
				return 0, errors.New("device gone")
			}
			return buf.WriteAt(b, offset)
		},
	}
	fs, err = fat.Mount(stub, fat.MountOptions{})
	if err != nil {
		t.Fatalf("mount: %v", err)
	}
	de, err := fs.Lookup(fs.Root(), "a.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if err := fs.Remove(fs.Root(), de); err == nil {
		t.Fatal("remove with a failing FAT write should error")
	}

	// the interrupted volume may leak clusters but must not keep a live
	// entry over freed ones
	fs, err = fat.Mount(buf, fat.MountOptions{ReadOnly: true})
	if err != nil {
		t.Fatalf("remount: %v", err)
	}
	if _, err := fs.Lookup(fs.Root(), "a.txt"); !errors.Is(err, fat.ErrNotFound) {
		t.Errorf("lookup after interrupted remove = %v, want ErrNotFound", err)
	}
}
