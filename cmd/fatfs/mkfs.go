package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	backendfile "github.com/diskimage/fatfs/backend/file"
	"github.com/diskimage/fatfs/fat"
)

func mkfsCmd(args []string) error {
	fs := flag.NewFlagSet("mkfs", flag.ExitOnError)
	fatType := fs.Int("type", 0, "FAT type: 12, 16 or 32, 0 to select by size")
	spc := fs.Int("spc", 0, "Sectors per cluster, 0 to select by size")
	label := fs.String("label", "", "Volume label")
	sizeMB := fs.Int64("size", 0, "Create the image file with this size in MiB if it does not exist")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: mkfs [-type N] [-spc N] [-label NAME] [-size MiB] IMAGE")
	}
	image := fs.Arg(0)

	storage, err := backendfile.Open(image, false)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || *sizeMB <= 0 {
			return err
		}
		storage, err = backendfile.Create(image, *sizeMB<<20)
		if err != nil {
			return err
		}
	}
	defer storage.Close()

	size, err := backendfile.Size(storage)
	if err != nil {
		return err
	}

	vol, err := fat.Format(storage, size, fat.FormatSpec{
		Type:              *fatType,
		SectorsPerCluster: *spc,
		VolumeLabel:       *label,
	})
	if err != nil {
		return err
	}
	log.Infof("created %s", vol)
	return vol.Unmount()
}
