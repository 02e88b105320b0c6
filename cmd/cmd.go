// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

// Package cmd implements the libbam command line tool.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"github.com/antonybholmes/libbam/sam"
)

// ProgramName is the name of the command line tool.
const ProgramName = "libbam"

// ProgramVersion is the version of the command line tool.
const ProgramVersion = "1.4.0"

// HelpMessage lists the available commands.
const HelpMessage = ProgramName + " version " + ProgramVersion + `

Available commands:

  view [-o output] [-r region] [-f flags] [-F flags] [-q mapq] [-l level] [input]
        convert and filter SAM/BAM files
  header [input]
        print the header section
  chrs [input]
        print the canonical chromosome names of the reference dictionary
  index input.bam
        create a coordinate index next to a sorted BAM file
  count [-r region] [-f flags] [-F flags] [-q mapq] [input]
        count alignment records
  sort [-o output] [-l level] [input]
        sort alignment records by coordinate
  help
        print this message
`

// PrintHelp prints the help message.
func PrintHelp() {
	fmt.Fprint(os.Stderr, HelpMessage)
}

// input returns the single positional input filename of a command, or
// "-" for standard input when there is none.
func input(flags *flag.FlagSet) (string, error) {
	switch flags.NArg() {
	case 0:
		return "-", nil
	case 1:
		return flags.Arg(0), nil
	default:
		return "", fmt.Errorf("unexpected arguments %v", flags.Args()[1:])
	}
}

// filterFlags collects the record filtering options shared by the view
// and count commands.
type filterFlags struct {
	requireFlags int
	excludeFlags int
	minMapQ      int
}

func (ff *filterFlags) register(flags *flag.FlagSet) {
	flags.IntVar(&ff.requireFlags, "f", 0, "only include records with all these FLAG bits set")
	flags.IntVar(&ff.excludeFlags, "F", 0, "exclude records with any of these FLAG bits set")
	flags.IntVar(&ff.minMapQ, "q", 0, "only include records with mapping quality at least this value")
}

func (ff *filterFlags) filter() sam.AlignmentFilter {
	var filters []sam.AlignmentFilter
	if ff.requireFlags != 0 {
		filters = append(filters, sam.FilterRequireFlags(uint16(ff.requireFlags)))
	}
	if ff.excludeFlags != 0 {
		filters = append(filters, sam.FilterExcludeFlags(uint16(ff.excludeFlags)))
	}
	if ff.minMapQ > 0 {
		filters = append(filters, sam.FilterMinimumMappingQuality(byte(ff.minMapQ)))
	}
	if len(filters) == 0 {
		return nil
	}
	return sam.ComposeFilters(filters...)
}

func (ff *filterFlags) active() bool {
	return (ff.requireFlags != 0) || (ff.excludeFlags != 0) || (ff.minMapQ > 0)
}

// iterate opens an iterator over the input, restricted to the given
// region when one is set.
func iterate(in *sam.InputFile, region string, filter sam.AlignmentFilter) (*sam.Iterator, error) {
	if region == "" {
		return in.Alignments(filter)
	}
	rname, beg, end, err := sam.ParseRegion(region)
	if err != nil {
		return nil, err
	}
	return in.Query(rname, beg, end, filter)
}
