// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"unicode"

	psort "github.com/exascience/pargo/sort"

	"github.com/antonybholmes/libbam/utils"
)

const (
	// FileFormatVersion is the version of the SAM specification
	// implemented by this library.
	FileFormatVersion = "1.6"
)

// IsHeaderUserTag reports whether the given header record type code is
// a user-defined code, which by convention contains lowercase letters.
func IsHeaderUserTag(code string) bool {
	for _, c := range code {
		if ('a' <= c) && (c <= 'z') {
			return true
		}
	}
	return false
}

// A Header represents the header section of a SAM or BAM file: the @HD
// line, the reference sequence dictionary (@SQ), read groups (@RG),
// programs (@PG), free-text comments (@CO) in their original order, and
// any user-defined record types.
type Header struct {
	HD          utils.StringMap
	SQ, RG, PG  []utils.StringMap
	CO          []string
	UserRecords map[string][]utils.StringMap
}

// SQLN returns the LN (reference length) entry of an @SQ header line.
func SQLN(record utils.StringMap) (int32, error) {
	ln, found := record["LN"]
	if !found {
		return 0x7FFFFFFF, errors.New("LN entry in an SQ header line missing")
	}
	val, err := strconv.ParseInt(ln, 10, 32)
	return int32(val), err
}

// SetSQLN sets the LN (reference length) entry of an @SQ header line.
func SetSQLN(record utils.StringMap, value int32) {
	record["LN"] = strconv.FormatInt(int64(value), 10)
}

// NewHeader allocates and initializes an empty header.
func NewHeader() *Header { return &Header{} }

// EnsureHD returns the @HD line of this header, creating it with a
// default version number if it is absent.
func (hdr *Header) EnsureHD() utils.StringMap {
	if hdr.HD == nil {
		hdr.HD = utils.StringMap{"VN": FileFormatVersion}
	}
	return hdr.HD
}

// HDSO returns the sorting order (SO) stored in the @HD line.
func (hdr *Header) HDSO() string {
	hd := hdr.EnsureHD()
	if sortingOrder, found := hd["SO"]; found {
		return sortingOrder
	}
	return "unknown"
}

// SetHDSO sets the sorting order (SO) in the @HD line.
func (hdr *Header) SetHDSO(value string) {
	hd := hdr.EnsureHD()
	delete(hd, "GO")
	hd["SO"] = value
}

// EnsureUserRecords returns the user-defined records of this header,
// allocating the map if necessary.
func (hdr *Header) EnsureUserRecords() map[string][]utils.StringMap {
	if hdr.UserRecords == nil {
		hdr.UserRecords = make(map[string][]utils.StringMap)
	}
	return hdr.UserRecords
}

// AddUserRecord adds a header line for a user-defined record type code.
func (hdr *Header) AddUserRecord(code string, record utils.StringMap) {
	if records, found := hdr.UserRecords[code]; found {
		hdr.UserRecords[code] = append(records, record)
	} else {
		hdr.EnsureUserRecords()[code] = []utils.StringMap{record}
	}
}

// dictTable returns a map from reference sequence name to its index in
// the reference dictionary, with "*" mapped to -1.
func (hdr *Header) dictTable() map[string]int32 {
	table := make(map[string]int32, len(hdr.SQ)+1)
	table["*"] = -1
	for index, entry := range hdr.SQ {
		table[entry["SN"]] = int32(index)
	}
	return table
}

// canonicalChromosome matches the chromosome names commonly used for
// the primary assembly, with or without the "chr" prefix.
var canonicalChromosome = regexp.MustCompile(`^(chr)?(\d+|[XYxyMm])$`)

// Chromosomes returns the names of the canonical chromosomes in the
// reference sequence dictionary, in dictionary order.
func (hdr *Header) Chromosomes() []string {
	var chrs []string
	for _, sq := range hdr.SQ {
		if sn := sq["SN"]; canonicalChromosome.MatchString(sn) {
			chrs = append(chrs, sn)
		}
	}
	return chrs
}

// An Alignment represents a single alignment record. RNAME is the
// reference sequence name; the predecessor of this library also
// exposed it under the alias chr, which is folded into RNAME here.
// POS is 1-based, with 0 meaning unmapped. SEQ is the 4-bit packed
// read sequence, and QUAL holds raw phred scores (not ASCII), with nil
// meaning the quality string "*". Optional fields live in TAGS; Temps
// holds transient values that are never written to a file.
type Alignment struct {
	QNAME string
	FLAG  uint16
	RNAME string
	POS   int32
	MAPQ  byte
	CIGAR []CigarOperation
	RNEXT string
	PNEXT int32
	TLEN  int32
	SEQ   Sequence
	QUAL  []byte
	TAGS  utils.SmallMap
	Temps utils.SmallMap
}

// REFID is the key for the transient reference index entry in Temps.
var REFID = utils.Intern("REFID")

// REFID returns the reference index of this alignment as set by
// SetREFID or the AddREFID filter.
func (aln *Alignment) REFID() int32 {
	refid, ok := aln.Temps.Get(REFID)
	if !ok {
		log.Fatal("REFID in SAM alignment ", aln.QNAME, " not set (use the AddREFID filter to fix this)")
	}
	return refid.(int32)
}

// SetREFID stores the reference index of this alignment in Temps.
func (aln *Alignment) SetREFID(refid int32) {
	aln.Temps.Set(REFID, refid)
}

// NewAlignment allocates an alignment with room for a typical number
// of optional fields.
func NewAlignment() *Alignment {
	return &Alignment{
		TAGS: make(utils.SmallMap, 0, 16),
	}
}

// CoordinateLess compares two alignments by (reference, position),
// with unmapped alignments ordering after all mapped ones. Both
// alignments must have their REFID set.
func CoordinateLess(aln1, aln2 *Alignment) bool {
	refid1 := aln1.REFID()
	refid2 := aln2.REFID()
	switch {
	case refid1 < refid2:
		return refid1 >= 0
	case refid2 < refid1:
		return refid2 < 0
	default:
		return aln1.POS < aln2.POS
	}
}

// The FLAG bits defined by the SAM specification.
const (
	Multiple      = 0x1
	Proper        = 0x2
	Unmapped      = 0x4
	NextUnmapped  = 0x8
	Reversed      = 0x10
	NextReversed  = 0x20
	First         = 0x40
	Last          = 0x80
	Secondary     = 0x100
	QCFailed      = 0x200
	Duplicate     = 0x400
	Supplementary = 0x800
)

func (aln *Alignment) IsMultiple() bool      { return (aln.FLAG & Multiple) != 0 }
func (aln *Alignment) IsProper() bool        { return (aln.FLAG & Proper) != 0 }
func (aln *Alignment) IsUnmapped() bool      { return (aln.FLAG & Unmapped) != 0 }
func (aln *Alignment) IsNextUnmapped() bool  { return (aln.FLAG & NextUnmapped) != 0 }
func (aln *Alignment) IsReversed() bool      { return (aln.FLAG & Reversed) != 0 }
func (aln *Alignment) IsNextReversed() bool  { return (aln.FLAG & NextReversed) != 0 }
func (aln *Alignment) IsFirst() bool         { return (aln.FLAG & First) != 0 }
func (aln *Alignment) IsLast() bool          { return (aln.FLAG & Last) != 0 }
func (aln *Alignment) IsSecondary() bool     { return (aln.FLAG & Secondary) != 0 }
func (aln *Alignment) IsQCFailed() bool      { return (aln.FLAG & QCFailed) != 0 }
func (aln *Alignment) IsDuplicate() bool     { return (aln.FLAG & Duplicate) != 0 }
func (aln *Alignment) IsSupplementary() bool { return (aln.FLAG & Supplementary) != 0 }

func (aln *Alignment) FlagEvery(flag uint16) bool    { return (aln.FLAG & flag) == flag }
func (aln *Alignment) FlagSome(flag uint16) bool     { return (aln.FLAG & flag) != 0 }
func (aln *Alignment) FlagNotEvery(flag uint16) bool { return (aln.FLAG & flag) != flag }
func (aln *Alignment) FlagNotAny(flag uint16) bool   { return (aln.FLAG & flag) == 0 }

type (
	// By is an ordering predicate over alignments.
	By func(aln1, aln2 *Alignment) bool

	// AlignmentSorter sorts a slice of alignments by an ordering
	// predicate, using pargo's parallel stable sort.
	AlignmentSorter struct {
		alns []*Alignment
		by   By
	}
)

func (s AlignmentSorter) SequentialSort(i, j int) {
	alns, by := s.alns[i:j], s.by
	sort.Slice(alns, func(i, j int) bool {
		return by(alns[i], alns[j])
	})
}

func (s AlignmentSorter) NewTemp() psort.StableSorter {
	return AlignmentSorter{make([]*Alignment, len(s.alns)), s.by}
}

func (s AlignmentSorter) Len() int {
	return len(s.alns)
}

func (s AlignmentSorter) Less(i, j int) bool {
	return s.by(s.alns[i], s.alns[j])
}

func (s AlignmentSorter) Assign(p psort.StableSorter) func(i, j, len int) {
	dst, src := s.alns, p.(AlignmentSorter).alns
	return func(i, j, len int) {
		for k := 0; k < len; k++ {
			dst[i+k] = src[j+k]
		}
	}
}

// ParallelStableSort sorts alignments according to this ordering
// predicate.
func (by By) ParallelStableSort(alns []*Alignment) {
	psort.StableSort(AlignmentSorter{alns, by})
}

// A Sam is an in-memory representation of a complete SAM file.
type Sam struct {
	Header     *Header
	Alignments []*Alignment
}

// NewSam allocates a Sam with an empty header.
func NewSam() *Sam { return &Sam{Header: NewHeader()} }

// A ByteArray is the value of an optional field of type H.
type ByteArray []byte

// CigarOperations lists the CIGAR operation codes accepted by the
// codec, in both cases.
const CigarOperations = "MmIiDdNnSsHhPpXx="

var cigarOperationsTable = make(map[byte]byte, len(CigarOperations))

func init() {
	for _, c := range CigarOperations {
		cigarOperationsTable[byte(c)] = byte(unicode.ToUpper(rune(c)))
	}
}

func isDigit(char byte) bool { return ('0' <= char) && (char <= '9') }

// A CigarOperation is a single (length, operation) pair of a CIGAR.
type CigarOperation struct {
	Length    int32
	Operation byte // 'M', 'I', 'D', 'N', 'S', 'H', 'P', '=', or 'X'
}

func newCigarOperation(cigar string, i int) (op CigarOperation, j int, err error) {
	for j = i; ; j++ {
		if j >= len(cigar) {
			return op, j, errors.New("truncated CIGAR operation")
		}
		if char := cigar[j]; !isDigit(char) {
			length, nerr := strconv.ParseInt(cigar[i:j], 10, 32)
			if nerr != nil {
				err = nerr
				return
			}
			if operation := cigarOperationsTable[char]; operation != 0 {
				op = CigarOperation{int32(length), operation}
				j++
			} else {
				err = fmt.Errorf("invalid CIGAR operation %q", char)
			}
			return
		}
	}
}

var (
	cigarSliceCache      = map[string][]CigarOperation{"*": {}}
	cigarSliceCacheMutex = sync.RWMutex{}
)

func slowScanCigarString(cigar string) (slice []CigarOperation, err error) {
	for i := 0; i < len(cigar); {
		cigarOperation, j, err := newCigarOperation(cigar, i)
		if err != nil {
			return nil, fmt.Errorf("%v, while scanning CIGAR string %v", err, cigar)
		}
		slice = append(slice, cigarOperation)
		i = j
	}
	cigarSliceCacheMutex.Lock()
	if value, found := cigarSliceCache[cigar]; found {
		slice = value
	} else {
		cigarSliceCache[cigar] = slice
	}
	cigarSliceCacheMutex.Unlock()
	return slice, nil
}

// ScanCigarString parses a textual CIGAR string into its operations.
// The result is cached, so equal CIGAR strings share one slice; the
// caller must not modify it. "*" parses to the empty slice.
func ScanCigarString(cigar string) ([]CigarOperation, error) {
	cigarSliceCacheMutex.RLock()
	value, found := cigarSliceCache[cigar]
	cigarSliceCacheMutex.RUnlock()
	if found {
		return value, nil
	}
	return slowScanCigarString(cigar)
}

// appendCigarString appends the textual form of the given CIGAR to
// out, or '*' if it is empty.
func appendCigarString(out []byte, cigar []CigarOperation) []byte {
	if len(cigar) == 0 {
		return append(out, '*')
	}
	for _, op := range cigar {
		out = strconv.AppendInt(out, int64(op.Length), 10)
		out = append(out, op.Operation)
	}
	return out
}

// CigarString returns the textual form of the given CIGAR, or "*" if
// it is empty.
func CigarString(cigar []CigarOperation) string {
	return string(appendCigarString(nil, cigar))
}
