// fatfs is a small tool for working with FAT filesystem images: inspect,
// list, copy files in and out, and create fresh volumes.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
)

type command struct {
	name string
	help string
	run  func(args []string) error
}

var commands = []command{
	{"info", "print volume geometry and usage", infoCmd},
	{"ls", "list a directory inside the image", lsCmd},
	{"cat", "print a file inside the image", catCmd},
	{"cp", "copy a file into or out of the image", cpCmd},
	{"mkdir", "create a directory inside the image", mkdirCmd},
	{"rm", "remove a file or directory inside the image", rmCmd},
	{"mv", "move or rename inside the image", mvCmd},
	{"mkfs", "create a FAT filesystem on an image", mkfsCmd},
}

func usage() {
	fmt.Fprintf(os.Stderr, "USAGE: %s [options] COMMAND\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.help)
	}
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flagQuiet := flag.Bool("q", false, "Quiet execution")
	flagVerbose := flag.Bool("v", false, "Verbose execution")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	switch {
	case *flagQuiet:
		log.SetLevel(log.ErrorLevel)
	case *flagVerbose:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Please specify a command.")
		flag.Usage()
		os.Exit(1)
	}
	for _, c := range commands {
		if c.name == args[0] {
			if err := c.run(args[1:]); err != nil {
				log.Fatalf("%s: %v", c.name, err)
			}
			return
		}
	}
	fmt.Fprintf(os.Stderr, "%q is not a valid command.\n\n", args[0])
	flag.Usage()
	os.Exit(1)
}
