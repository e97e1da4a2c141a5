package main

import (
	"flag"
	"fmt"
)

func mvCmd(args []string) error {
	fs := flag.NewFlagSet("mv", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: mv [-part N] IMAGE OLDPATH NEWPATH")
	}

	v, err := openVolume(fs.Arg(0), *part, false)
	if err != nil {
		return err
	}
	defer v.close()

	return v.vfs.Rename(fs.Arg(1), fs.Arg(2))
}
