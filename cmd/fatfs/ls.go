package main

import (
	"flag"
	"fmt"
)

func lsCmd(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	long := fs.Bool("l", false, "Long listing with size and mtime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return fmt.Errorf("usage: ls [-part N] [-l] IMAGE [PATH]")
	}
	dir := "/"
	if fs.NArg() == 2 {
		dir = fs.Arg(1)
	}

	v, err := openVolume(fs.Arg(0), *part, true)
	if err != nil {
		return err
	}
	defer v.close()

	f, err := v.vfs.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	infos, err := f.Readdir(0)
	if err != nil {
		return err
	}
	for _, fi := range infos {
		if *long {
			kind := "-"
			if fi.IsDir() {
				kind = "d"
			}
			fmt.Printf("%s %10d %s %s\n", kind, fi.Size(), fi.ModTime().Format("2006-01-02 15:04:05"), fi.Name())
		} else {
			fmt.Println(fi.Name())
		}
	}
	return nil
}
