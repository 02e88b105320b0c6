// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package cmd

import (
	"compress/gzip"
	"flag"
	"os"

	"github.com/antonybholmes/libbam/sam"
)

// View implements the view command, which converts between the SAM and
// BAM formats, optionally filtering records and restricting them to a
// region.
func View() error {
	flags := flag.NewFlagSet("view", flag.ExitOnError)
	var ff filterFlags
	ff.register(flags)
	output := flags.String("o", "-", "output file (- for standard output)")
	region := flags.String("r", "", "restrict output to a region, for example chr1:100-200")
	level := flags.Int("l", gzip.DefaultCompression, "BAM compression level")
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
	iter, err := iterate(in, *region, ff.filter())
	if err != nil {
		return err
	}

	out, err := sam.Create(*output, *level)
	if err != nil {
		return err
	}
	if err := out.FormatHeader(hdr); err != nil {
		out.Close()
		return err
	}
	for iter.Next() {
		if err := out.PutAlignment(iter.Alignment()); err != nil {
			out.Close()
			return err
		}
	}
	if err := iter.Err(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
