package main

import (
	"flag"
	"fmt"
)

func mkdirCmd(args []string) error {
	fs := flag.NewFlagSet("mkdir", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	parents := fs.Bool("p", false, "Create parent directories as needed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: mkdir [-part N] [-p] IMAGE PATH")
	}

	v, err := openVolume(fs.Arg(0), *part, false)
	if err != nil {
		return err
	}
	defer v.close()

	if *parents {
		return v.vfs.MkdirAll(fs.Arg(1), 0o755)
	}
	return v.vfs.Mkdir(fs.Arg(1), 0o755)
}
