package main

import (
	"flag"
	"fmt"
)

func rmCmd(args []string) error {
	fs := flag.NewFlagSet("rm", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	recursive := fs.Bool("r", false, "Remove directories and their contents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: rm [-part N] [-r] IMAGE PATH")
	}

	v, err := openVolume(fs.Arg(0), *part, false)
	if err != nil {
		return err
	}
	defer v.close()

	if *recursive {
		return v.vfs.RemoveAll(fs.Arg(1))
	}
	return v.vfs.Remove(fs.Arg(1))
}
