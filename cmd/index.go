// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package cmd

import (
	"errors"
	"flag"
	"os"

	"github.com/antonybholmes/libbam/sam"
)

// Index implements the index command, which creates a coordinate index
// next to a sorted BAM file.
func Index() error {
	flags := flag.NewFlagSet("index", flag.ExitOnError)
	flags.Parse(os.Args[2:])
	if flags.NArg() != 1 {
		return errors.New("the index command expects exactly one BAM file")
	}
	return sam.IndexFile(flags.Arg(0))
}
