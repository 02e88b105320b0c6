// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/antonybholmes/libbam/cmd"
)

func main() {
	if len(os.Args) < 2 {
		cmd.PrintHelp()
		os.Exit(2)
	}
	var err error
	switch command := os.Args[1]; command {
	case "view":
		err = cmd.View()
	case "header":
		err = cmd.Header()
	case "chrs":
		err = cmd.Chrs()
	case "index":
		err = cmd.Index()
	case "count":
		err = cmd.Count()
	case "sort":
		err = cmd.Sort()
	case "help":
		cmd.PrintHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %v\n\n", command)
		cmd.PrintHelp()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}
