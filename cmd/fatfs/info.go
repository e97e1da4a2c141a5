package main

import (
	"flag"
	"fmt"
)

func infoCmd(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: info [-part N] IMAGE")
	}

	v, err := openVolume(fs.Arg(0), *part, true)
	if err != nil {
		return err
	}
	defer v.close()

	st := v.drv.Statfs()
	fmt.Printf("type:          FAT%d\n", v.fs.Type())
	fmt.Printf("label:         %s\n", v.fs.Label())
	fmt.Printf("cluster size:  %d bytes\n", st.BlockSize)
	fmt.Printf("clusters:      %d\n", st.TotalBlocks)
	fmt.Printf("free clusters: %d\n", st.FreeBlocks)
	fmt.Printf("free space:    %d bytes\n", int64(st.FreeBlocks)*st.BlockSize)
	return nil
}
