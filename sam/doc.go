// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

// Package sam reads, writes, and indexes files in the SAM and BAM
// formats for storing sequence alignments.
//
// Open and Create give access to SAM text and BGZF-compressed BAM
// files behind one interface; the filename extension selects the
// format. Iteration goes through Iterator, optionally restricted by an
// AlignmentFilter, and Query serves coordinate range queries over
// sorted BAM files through a BAI-format index that IndexFile builds.
package sam
