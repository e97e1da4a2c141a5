package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/diskimage/fatfs/backend"
	backendfile "github.com/diskimage/fatfs/backend/file"
	"github.com/diskimage/fatfs/driver"
	"github.com/diskimage/fatfs/fat"
	"github.com/diskimage/fatfs/partition/mbr"
	"github.com/diskimage/fatfs/vfs"
)

// volume is an opened image plus the mounted filesystem inside it.
type volume struct {
	storage backend.Storage
	fs      *fat.FileSystem
	drv     *driver.Driver
	vfs     *vfs.Fs
}

// openVolume opens the image and mounts the FAT filesystem, inside the
// selected MBR partition when part is non-zero or the image is partitioned.
// part -1 picks the first FAT partition; 0 mounts the image as a bare
// volume.
func openVolume(image string, part int, readOnly bool) (*volume, error) {
	storage, err := backendfile.Open(image, readOnly)
	if err != nil {
		return nil, err
	}

	if part != 0 {
		table, err := mbr.Read(storage)
		if err != nil {
			_ = storage.Close()
			return nil, fmt.Errorf("reading partition table of %s: %w", image, err)
		}
		var p *mbr.Partition
		if part < 0 {
			var index int
			index, p, err = table.FirstFAT()
			if err == nil {
				log.Debugf("using partition %d of %s", index, image)
			}
		} else {
			p, err = table.Get(part)
		}
		if err != nil {
			_ = storage.Close()
			return nil, err
		}
		storage = backend.Sub(storage, p.GetStart(), p.GetSize())
	}

	fs, err := fat.Mount(storage, fat.MountOptions{ReadOnly: readOnly})
	if err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("mounting %s: %w", image, err)
	}
	drv := driver.New(fs, log.WithField("image", image))
	return &volume{
		storage: storage,
		fs:      fs,
		drv:     drv,
		vfs:     vfs.New(drv),
	}, nil
}

func (v *volume) close() error {
	if err := v.fs.Unmount(); err != nil {
		_ = v.storage.Close()
		return err
	}
	return v.storage.Close()
}
