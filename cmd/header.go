// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/antonybholmes/libbam/sam"
)

// Header implements the header command, which prints the header
// section of a SAM or BAM file in SAM text form.
func Header() error {
	flags := flag.NewFlagSet("header", flag.ExitOnError)
	flags.Parse(os.Args[2:])
	name, err := input(flags)
	if err != nil {
		return err
	}

	in, err := sam.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	hdr, err := in.ParseHeader()
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(hdr.FormatSam(nil))
	return err
}

// Chrs implements the chrs command, which prints the canonical
// chromosome names of the reference dictionary, one per line.
func Chrs() error {
	flags := flag.NewFlagSet("chrs", flag.ExitOnError)
	flags.Parse(os.Args[2:])
	name, err := input(flags)
	if err != nil {
		return err
	}

	in, err := sam.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	hdr, err := in.ParseHeader()
	if err != nil {
		return err
	}
	for _, chr := range hdr.Chromosomes() {
		fmt.Println(chr)
	}
	return nil
}
