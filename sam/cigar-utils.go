// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

// cigarConsumesReferenceBases maps the CIGAR operations that advance
// the position on the reference to 1, all others to 0.
var cigarConsumesReferenceBases = map[byte]int32{'M': 1, 'D': 1, 'N': 1, '=': 1, 'X': 1}

// cigarConsumesReadBases maps the CIGAR operations that consume bases
// of the read sequence to 1, all others to 0.
var cigarConsumesReadBases = map[byte]int32{'M': 1, 'I': 1, 'S': 1, '=': 1, 'X': 1}

// ReferenceLength returns the number of reference bases spanned by the
// given CIGAR.
func ReferenceLength(cigar []CigarOperation) (length int32) {
	for _, op := range cigar {
		length += cigarConsumesReferenceBases[op.Operation] * op.Length
	}
	return length
}

// ReadLength returns the number of read bases implied by the given
// CIGAR.
func ReadLength(cigar []CigarOperation) (length int32) {
	for _, op := range cigar {
		length += cigarConsumesReadBases[op.Operation] * op.Length
	}
	return length
}

// Start returns the 0-based start of the alignment on the reference.
func (aln *Alignment) Start() int32 {
	return aln.POS - 1
}

// End returns the 0-based exclusive end of the alignment on the
// reference. Alignments that span no reference bases (unmapped or
// fully clipped) are treated as spanning a single base, so that they
// still fall into a coordinate bin.
func (aln *Alignment) End() int32 {
	length := ReferenceLength(aln.CIGAR)
	if aln.IsUnmapped() || length == 0 {
		length = 1
	}
	return aln.POS - 1 + length
}

// Overlaps reports whether the alignment overlaps the 0-based
// half-open reference interval [beg, end).
func (aln *Alignment) Overlaps(beg, end int32) bool {
	return aln.Start() < end && aln.End() > beg
}
