package main

import (
	"flag"
	"fmt"
	"io"
	"os"
)

func catCmd(args []string) error {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("usage: cat [-part N] IMAGE PATH")
	}

	v, err := openVolume(fs.Arg(0), *part, true)
	if err != nil {
		return err
	}
	defer v.close()

	f, err := v.vfs.Open(fs.Arg(1))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(os.Stdout, f)
	return err
}
