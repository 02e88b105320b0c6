// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"fmt"

	"github.com/antonybholmes/libbam/utils/bgzf"
)

// A MalformedRecordError reports a SAM alignment line that cannot be
// parsed: fewer than the 11 mandatory fields, a field that is not a
// valid number, an invalid CIGAR string, or a sequence/quality length
// mismatch. Line is the 1-based line number within the file when
// known, 0 otherwise.
type MalformedRecordError struct {
	Line   int
	Reason string
}

func (e *MalformedRecordError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed SAM record at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed SAM record: %s", e.Reason)
}

// A TruncatedRecordError reports a BAM alignment record whose declared
// lengths exceed the bytes actually present. Offset is the virtual
// offset of the record when known.
type TruncatedRecordError struct {
	Offset bgzf.VirtualOffset
	Reason string
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("truncated BAM record at %v: %s", e.Offset, e.Reason)
}

// An OutOfOrderWriteError reports an alignment appended to a writer
// whose header declares coordinate sorting, at a (reference, position)
// smaller than the previously written alignment. The offending record
// is rejected before any of its bytes are written.
type OutOfOrderWriteError struct {
	QNAME string
	RNAME string
	POS   int32
}

func (e *OutOfOrderWriteError) Error() string {
	return fmt.Sprintf("alignment %v (%v:%v) violates the coordinate sorting order declared in the header", e.QNAME, e.RNAME, e.POS)
}
