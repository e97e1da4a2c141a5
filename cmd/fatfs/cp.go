package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/djherbis/times.v1"
)

// Image-side paths are prefixed with a colon: cp IMAGE host.txt :/dir/a.txt
// copies in, cp IMAGE :/dir/a.txt host.txt copies out.
func cpCmd(args []string) error {
	fs := flag.NewFlagSet("cp", flag.ExitOnError)
	part := fs.Int("part", 0, "MBR partition to mount, -1 for first FAT, 0 for whole image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return fmt.Errorf("usage: cp [-part N] IMAGE SRC DST (prefix the image-side path with :)")
	}
	image, src, dst := fs.Arg(0), fs.Arg(1), fs.Arg(2)
	srcInImage := strings.HasPrefix(src, ":")
	dstInImage := strings.HasPrefix(dst, ":")
	if srcInImage == dstInImage {
		return fmt.Errorf("exactly one of SRC and DST must be inside the image")
	}

	v, err := openVolume(image, *part, srcInImage)
	if err != nil {
		return err
	}
	defer v.close()

	if srcInImage {
		return copyOut(v, strings.TrimPrefix(src, ":"), dst)
	}
	return copyIn(v, src, strings.TrimPrefix(dst, ":"))
}

func copyOut(v *volume, src, dst string) error {
	in, err := v.vfs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyIn(v *volume, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := v.vfs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// carry the source timestamps onto the copy
	ts, err := times.Stat(src)
	if err != nil {
		return nil // the copy itself succeeded
	}
	return v.vfs.Chtimes(dst, ts.AccessTime(), ts.ModTime())
}
