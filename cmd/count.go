// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package cmd

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/antonybholmes/libbam/sam"
)

// Count implements the count command, which counts alignment records.
// For an unfiltered count over an indexed BAM file, the record counts
// stored in the index are used instead of scanning the file.
func Count() error {
	flags := flag.NewFlagSet("count", flag.ExitOnError)
	var ff filterFlags
	ff.register(flags)
	region := flags.String("r", "", "restrict the count to a region, for example chr1:100-200")
	flags.Parse(os.Args[2:])
	name, err := input(flags)
	if err != nil {
		return err
	}

	if (*region == "") && !ff.active() && (filepath.Ext(name) == ".bam") {
		if idx, err := sam.ReadIndexFile(name + ".bai"); err == nil {
			if count, ok := indexedCount(name, idx); ok {
				fmt.Println(count)
				return nil
			}
		}
	}

	in, err := sam.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	iter, err := iterate(in, *region, ff.filter())
	if err != nil {
		return err
	}
	count := uint64(0)
	for iter.Next() {
		count++
	}
	if err := iter.Err(); err != nil {
		return err
	}
	fmt.Println(count)
	return nil
}

func indexedCount(name string, idx *sam.Index) (uint64, bool) {
	in, err := sam.Open(name)
	if err != nil {
		return 0, false
	}
	defer in.Close()
	hdr, err := in.ParseHeader()
	if err != nil {
		return 0, false
	}
	count := idx.NoCoordinates()
	for refid := range hdr.SQ {
		mapped, unmapped, ok := idx.ReferenceCounts(int32(refid))
		if !ok {
			return 0, false
		}
		count += mapped + unmapped
	}
	return count, true
}
