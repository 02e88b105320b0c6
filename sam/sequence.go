// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"github.com/antonybholmes/libbam/utils/nibbles"
)

// A Sequence is a read segment stored as 4-bit base codes, the same
// packed representation the BAM format uses on disk. The zero Sequence
// represents the unavailable sequence "*".
type Sequence nibbles.Nibbles

// seqBases maps 4-bit base codes to base characters.
var seqBases = []byte("=ACMGRSVTWYHKDBN")

// seqCodes maps base characters to 4-bit base codes. Characters
// outside the IUPAC alphabet map to N.
var seqCodes [256]byte

func init() {
	for i := range seqCodes {
		seqCodes[i] = 15
	}
	for code, c := range seqBases {
		seqCodes[c] = byte(code)
		if 'A' <= c && c <= 'Z' {
			seqCodes[c+'a'-'A'] = byte(code)
		}
	}
}

// NewSequence packs the given base string into a Sequence.
func NewSequence(s string) Sequence {
	seq := nibbles.Make(len(s))
	for i := 0; i < len(s); i++ {
		seq.Set(i, seqCodes[s[i]])
	}
	return Sequence(seq)
}

// Len returns the number of bases in the sequence.
func (s Sequence) Len() int {
	return nibbles.Nibbles(s).Len()
}

// Base returns the base character at the given position.
func (s Sequence) Base(i int) byte {
	return seqBases[nibbles.Nibbles(s).Get(i)]
}

// String returns the base string, or "*" for the empty sequence.
func (s Sequence) String() string {
	length := s.Len()
	if length == 0 {
		return "*"
	}
	b := make([]byte, length)
	for i := 0; i < length; i++ {
		b[i] = s.Base(i)
	}
	return string(b)
}

// appendString appends the base string to out, or '*' for the empty
// sequence.
func (s Sequence) appendString(out []byte) []byte {
	length := s.Len()
	if length == 0 {
		return append(out, '*')
	}
	for i := 0; i < length; i++ {
		out = append(out, s.Base(i))
	}
	return out
}
