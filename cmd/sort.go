// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package cmd

import (
	"compress/gzip"
	"flag"
	"os"

	"github.com/antonybholmes/libbam/sam"
)

// Sort implements the sort command, which sorts alignment records by
// coordinate. Sorted BAM output written to a regular file is indexed
// as a side effect.
func Sort() error {
	flags := flag.NewFlagSet("sort", flag.ExitOnError)
	output := flags.String("o", "-", "output file (- for standard output)")
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
	iter, err := in.Alignments(sam.AddREFID(hdr))
	if err != nil {
		return err
	}
	var alns []*sam.Alignment
	for iter.Next() {
		alns = append(alns, iter.Alignment())
	}
	if err := iter.Err(); err != nil {
		return err
	}

	sam.By(sam.CoordinateLess).ParallelStableSort(alns)
	hdr.SetHDSO("coordinate")

	out, err := sam.Create(*output, *level)
	if err != nil {
		return err
	}
	if err := out.FormatHeader(hdr); err != nil {
		out.Close()
		return err
	}
	for _, aln := range alns {
		if err := out.PutAlignment(aln); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}
