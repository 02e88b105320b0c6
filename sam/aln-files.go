// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antonybholmes/libbam/utils/bgzf"
)

// An alignmentReader reads the header section and the alignment
// records of a SAM or BAM input.
type alignmentReader interface {
	ParseHeader() (*Header, error)
	SkipHeader() error
	Read() (*Alignment, error)
	Restart() error
	Close() error
}

// An alignmentWriter writes the header section and the alignment
// records of a SAM or BAM output.
type alignmentWriter interface {
	FormatHeader(hdr *Header) error
	PutAlignment(aln *Alignment) error
	Close() error
}

// An InputFile represents a SAM or BAM file or stream open for
// reading. Its iterators share one underlying reader, so only one of
// them can be advanced at a time.
type InputFile struct {
	path   string
	reader alignmentReader
	hdr    *Header
	dict   map[string]int32
	index  *Index
	opened bool // an iterator has consumed records before
}

// Open opens a SAM or BAM file for reading. Filenames ending in .bam
// are opened as BAM, filenames ending in .sam as SAM; anything else is
// decided by sniffing for the gzip magic number. "-" and /dev/stdin
// read from standard input, with the same sniffing.
func Open(name string) (*InputFile, error) {
	if name == "-" {
		name = "/dev/stdin"
	}
	if name == "/dev/stdin" {
		buf := bufio.NewReader(os.Stdin)
		gz, err := bgzf.IsGzip(buf)
		if err != nil {
			return nil, err
		}
		if !gz {
			return &InputFile{path: name, reader: &samReader{rc: os.Stdin, buf: buf}}, nil
		}
		stream, err := bgzf.NewReader(buf)
		if err != nil {
			return nil, err
		}
		return &InputFile{path: name, reader: &bamReader{rc: os.Stdin, stream: stream}}, nil
	}
	file, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	bam := filepath.Ext(name) == ".bam"
	if !bam && (filepath.Ext(name) != ".sam") {
		var magic [2]byte
		if _, err := io.ReadFull(file, magic[:]); err == nil {
			bam = (magic[0] == 0x1F) && (magic[1] == 0x8B)
		}
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
	}
	if bam {
		return &InputFile{path: name, reader: &bamReader{rc: file, blocks: bgzf.NewBlockReader(file)}}, nil
	}
	return &InputFile{path: name, reader: &samReader{rc: file, file: file, buf: bufio.NewReader(file)}}, nil
}

// ParseHeader parses the header section. The parsed header is cached,
// so repeated calls are cheap.
func (in *InputFile) ParseHeader() (*Header, error) {
	if in.hdr != nil {
		return in.hdr, nil
	}
	hdr, err := in.reader.ParseHeader()
	if err != nil {
		return nil, err
	}
	in.hdr = hdr
	in.dict = hdr.dictTable()
	return hdr, nil
}

// Close closes the underlying file or stream.
func (in *InputFile) Close() error {
	return in.reader.Close()
}

// An Iterator steps through alignment records one at a time.
//
//	iter := in.Alignments(nil)
//	for iter.Next() {
//	    aln := iter.Alignment()
//	    ...
//	}
//	if err := iter.Err(); err != nil { ... }
type Iterator struct {
	next   func() (*Alignment, error)
	filter AlignmentFilter
	aln    *Alignment
	err    error
	done   bool
}

// Next advances the iterator to the next record that passes the
// filter. It returns false at the end of the input or on error.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	for {
		aln, err := it.next()
		if err != nil {
			if err != io.EOF {
				it.err = err
			}
			it.done = true
			return false
		}
		if (it.filter == nil) || it.filter(aln) {
			it.aln = aln
			return true
		}
	}
}

// Alignment returns the record the iterator is positioned at.
func (it *Iterator) Alignment() *Alignment {
	return it.aln
}

// Err returns the first error encountered while iterating, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Alignments returns an iterator over all alignment records, in file
// order, skipping records the filter rejects. A nil filter accepts
// everything. Calling Alignments again restarts iteration from the
// first record, which fails for non-seekable inputs.
func (in *InputFile) Alignments(filter AlignmentFilter) (*Iterator, error) {
	if _, err := in.ParseHeader(); err != nil {
		return nil, err
	}
	if in.opened {
		if err := in.reader.Restart(); err != nil {
			return nil, err
		}
	}
	in.opened = true
	return &Iterator{next: in.reader.Read, filter: filter}, nil
}

// Index returns the coordinate index of a BAM input. It loads the
// sidecar .bai file when one exists, and otherwise builds the index in
// memory from a second pass over the file.
func (in *InputFile) Index() (*Index, error) {
	if in.index != nil {
		return in.index, nil
	}
	reader, ok := in.reader.(*bamReader)
	if !ok || (reader.blocks == nil) {
		return nil, errors.New("only seekable BAM inputs can be indexed")
	}
	idx, err := ReadIndexFile(in.path + ".bai")
	if os.IsNotExist(err) {
		file, ferr := os.Open(in.path)
		if ferr != nil {
			return nil, ferr
		}
		defer file.Close()
		blocks := bgzf.NewBlockReader(file)
		refs, ferr := SkipBamHeader(blocks)
		if ferr != nil {
			return nil, ferr
		}
		idx, err = buildIndex(blocks, len(refs))
	}
	if err != nil {
		return nil, err
	}
	in.index = idx
	return idx, nil
}

// Query returns an iterator over the records overlapping the
// zero-based, half-open region [beg, end) of the given reference
// sequence, in file order. Seekable BAM inputs go through the
// coordinate index and only touch the file ranges that can contain
// matches; other inputs fall back to a scan over the whole file.
func (in *InputFile) Query(rname string, beg, end int32, filter AlignmentFilter) (*Iterator, error) {
	if _, err := in.ParseHeader(); err != nil {
		return nil, err
	}
	refid, found := in.dict[rname]
	if !found || (refid < 0) {
		return nil, fmt.Errorf("reference name %v not declared in the header", rname)
	}
	overlapping := func(aln *Alignment) bool {
		return aln.Overlaps(beg, end) && ((filter == nil) || filter(aln))
	}

	if reader, ok := in.reader.(*bamReader); ok && (reader.blocks != nil) {
		idx, err := in.Index()
		if err != nil {
			return nil, err
		}
		chunks := idx.Chunks(refid, beg, end)
		in.opened = true
		current := -1
		next := func() (*Alignment, error) {
			for {
				if current < 0 {
					current = 0
					if current >= len(chunks) {
						return nil, io.EOF
					}
					if err := reader.blocks.Seek(chunks[current].Beg); err != nil {
						return nil, err
					}
				}
				if current >= len(chunks) {
					return nil, io.EOF
				}
				if reader.blocks.Tell() >= chunks[current].End {
					if current++; current >= len(chunks) {
						return nil, io.EOF
					}
					if err := reader.blocks.Seek(chunks[current].Beg); err != nil {
						return nil, err
					}
					continue
				}
				aln, err := reader.Read()
				if err != nil {
					return nil, err
				}
				switch alnRefid := aln.REFID(); {
				case alnRefid != refid:
					if alnRefid > refid {
						return nil, io.EOF
					}
				case aln.Start() >= end:
					// Records are sorted by start, so nothing that
					// follows can still overlap.
					return nil, io.EOF
				case aln.Overlaps(beg, end) && ((filter == nil) || filter(aln)):
					return aln, nil
				}
			}
		}
		return &Iterator{next: next}, nil
	}

	iter, err := in.Alignments(func(aln *Alignment) bool {
		return aln.RNAME == rname && overlapping(aln)
	})
	if err != nil {
		return nil, err
	}
	return iter, nil
}

// ParseRegion parses a region string of the forms "chr1",
// "chr1:100", and "chr1:100-200", with 1-based inclusive positions,
// into a reference name and a zero-based, half-open interval.
func ParseRegion(region string) (rname string, beg, end int32, err error) {
	colon := strings.LastIndexByte(region, ':')
	if colon < 0 {
		if region == "" {
			return "", 0, 0, errors.New("empty region")
		}
		return region, 0, math.MaxInt32, nil
	}
	rname = region[:colon]
	if rname == "" {
		return "", 0, 0, fmt.Errorf("region %v without a reference name", region)
	}
	interval := region[colon+1:]
	var first, last int64
	if dash := strings.IndexByte(interval, '-'); dash < 0 {
		if first, err = strconv.ParseInt(interval, 10, 32); err != nil {
			return "", 0, 0, fmt.Errorf("invalid region %v: %v", region, err)
		}
		last = math.MaxInt32
	} else {
		if first, err = strconv.ParseInt(interval[:dash], 10, 32); err != nil {
			return "", 0, 0, fmt.Errorf("invalid region %v: %v", region, err)
		}
		if last, err = strconv.ParseInt(interval[dash+1:], 10, 32); err != nil {
			return "", 0, 0, fmt.Errorf("invalid region %v: %v", region, err)
		}
	}
	if (first < 1) || (last < first) {
		return "", 0, 0, fmt.Errorf("invalid interval in region %v", region)
	}
	return rname, int32(first - 1), int32(last), nil
}

// An OutputFile represents a SAM or BAM file or stream open for
// writing. Errors stick: once a write fails, all further writes and
// Close report that first error.
type OutputFile struct {
	path   string
	writer alignmentWriter
	dict   map[string]int32
	sorted bool
	bam    bool
	closed bool
	err    error

	prevSet   bool
	prevRefid int32
	prevPos   int32
}

// Create creates a SAM or BAM file for writing. Filenames ending in
// .bam produce BAM output with the given compression level; anything
// else produces SAM text. "-" and /dev/stdout write to standard
// output as SAM, or as BAM when the filename extension says so.
func Create(name string, level int) (*OutputFile, error) {
	if name == "-" {
		name = "/dev/stdout"
	}
	bam := filepath.Ext(name) == ".bam"
	var file *os.File
	if name == "/dev/stdout" {
		file = os.Stdout
	} else {
		var err error
		if file, err = os.Create(name); err != nil {
			return nil, err
		}
	}
	out := &OutputFile{path: name, bam: bam}
	if bam {
		out.writer = &bamWriter{wc: file, bgzf: bgzf.NewWriter(file, level)}
	} else {
		out.writer = &samWriter{wc: file, out: bufio.NewWriter(file)}
	}
	return out, nil
}

// FormatHeader writes the header section. It must be called exactly
// once, before any alignment records. When the header declares
// coordinate sort order, subsequent writes are checked against that
// order.
func (out *OutputFile) FormatHeader(hdr *Header) error {
	if out.err != nil {
		return out.err
	}
	if out.dict != nil {
		out.err = errors.New("header written twice")
		return out.err
	}
	if err := out.writer.FormatHeader(hdr); err != nil {
		out.err = err
		return err
	}
	out.dict = hdr.dictTable()
	out.sorted = hdr.HDSO() == "coordinate"
	return nil
}

func (out *OutputFile) checkOrder(aln *Alignment) error {
	refid, found := out.dict[aln.RNAME]
	if !found {
		return fmt.Errorf("reference name %v not declared in the header", aln.RNAME)
	}
	if out.prevSet {
		outOfOrder := false
		if refid == -1 {
			// Unplaced records sort after everything else.
		} else if out.prevRefid == -1 {
			outOfOrder = true
		} else if refid < out.prevRefid {
			outOfOrder = true
		} else if (refid == out.prevRefid) && (aln.POS < out.prevPos) {
			outOfOrder = true
		}
		if outOfOrder {
			return &OutOfOrderWriteError{QNAME: aln.QNAME, RNAME: aln.RNAME, POS: aln.POS}
		}
	}
	out.prevSet = true
	out.prevRefid = refid
	out.prevPos = aln.POS
	return nil
}

// PutAlignment writes one alignment record. When the header declares
// coordinate sort order, a record that violates that order is rejected
// with an *OutOfOrderWriteError before anything reaches the file.
func (out *OutputFile) PutAlignment(aln *Alignment) error {
	if out.err != nil {
		return out.err
	}
	if out.dict == nil {
		out.err = errors.New("alignment record written before the header")
		return out.err
	}
	if out.sorted {
		if err := out.checkOrder(aln); err != nil {
			out.err = err
			return err
		}
	}
	if err := out.writer.PutAlignment(aln); err != nil {
		out.err = err
		return err
	}
	return nil
}

// Close flushes and closes the output. Coordinate-sorted BAM files
// written to a regular file also get a sidecar .bai index. Close is
// idempotent: repeated calls return the same result as the first.
func (out *OutputFile) Close() error {
	if out.closed {
		return out.err
	}
	out.closed = true
	if err := out.writer.Close(); (err != nil) && (out.err == nil) {
		out.err = err
	}
	if (out.err == nil) && out.bam && out.sorted && (out.path != "/dev/stdout") {
		if err := IndexFile(out.path); err != nil {
			out.err = err
		}
	}
	return out.err
}

// ReadFile reads a complete SAM or BAM file into memory, skipping
// records the filter rejects.
func ReadFile(name string, filter AlignmentFilter) (*Sam, error) {
	in, err := Open(name)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	sam := NewSam()
	if sam.Header, err = in.ParseHeader(); err != nil {
		return nil, err
	}
	iter, err := in.Alignments(filter)
	if err != nil {
		return nil, err
	}
	for iter.Next() {
		sam.Alignments = append(sam.Alignments, iter.Alignment())
	}
	return sam, iter.Err()
}

// WriteFile writes a complete SAM or BAM file from memory.
func (sam *Sam) WriteFile(name string, level int) error {
	out, err := Create(name, level)
	if err != nil {
		return err
	}
	if err := out.FormatHeader(sam.Header); err != nil {
		out.Close()
		return err
	}
	for _, aln := range sam.Alignments {
		if err := out.PutAlignment(aln); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}
