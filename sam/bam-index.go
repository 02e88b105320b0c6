// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/antonybholmes/libbam/internal"
	"github.com/antonybholmes/libbam/utils/bgzf"
)

const baiMagic = "BAI\x01"

// linearShift is the log2 of the linear index window size of 16384
// base pairs.
const linearShift = 14

// metadataBin is the pseudo-bin number under which per-reference record
// counts and file extents are stored.
const metadataBin = 37450

// reg2bin returns the smallest bin containing the zero-based,
// half-open region [beg, end). Unplaced records, with beg -1, land in
// bin 4680.
func reg2bin(beg, end int32) uint16 {
	end--
	switch {
	case beg>>14 == end>>14:
		return uint16(((1<<15)-1)/7 + (beg >> 14))
	case beg>>17 == end>>17:
		return uint16(((1<<12)-1)/7 + (beg >> 17))
	case beg>>20 == end>>20:
		return uint16(((1<<9)-1)/7 + (beg >> 20))
	case beg>>23 == end>>23:
		return uint16(((1<<6)-1)/7 + (beg >> 23))
	case beg>>26 == end>>26:
		return uint16(((1<<3)-1)/7 + (beg >> 26))
	}
	return 0
}

// reg2bins returns the bins, from coarsest to finest, that can contain
// records overlapping the zero-based, half-open region [beg, end).
func reg2bins(beg, end int32) []uint16 {
	if beg < 0 {
		beg = 0
	}
	// Coordinates cap at 512Mb; clamping open-ended regions keeps the
	// bin numbers below within the 16-bit range.
	if end > 1<<29 {
		end = 1 << 29
	}
	end--
	bins := make([]uint16, 0, 16)
	bins = append(bins, 0)
	for _, level := range [...]struct {
		offset int
		shift  uint
	}{
		{1, 26}, {9, 23}, {73, 20}, {585, 17}, {4681, 14},
	} {
		for k := level.offset + int(beg>>level.shift); k <= level.offset+int(end>>level.shift); k++ {
			bins = append(bins, uint16(k))
		}
	}
	return bins
}

// A Chunk is a range of a BAM file between two virtual offsets.
type Chunk struct {
	Beg, End bgzf.VirtualOffset
}

// referenceCounts holds the record counts of the metadata pseudo-bin.
type referenceCounts struct {
	mapped, unmapped uint64
}

type referenceIndex struct {
	bins      map[uint16][]Chunk
	intervals []bgzf.VirtualOffset
	span      Chunk
	counts    referenceCounts
}

// An Index is a hierarchical binning index over a coordinate-sorted
// BAM file, with a 16kb linear index per reference sequence. It
// follows the BAI layout.
type Index struct {
	refs   []referenceIndex
	noCoor uint64
}

// NoCoordinates returns the number of records without a reference
// position.
func (idx *Index) NoCoordinates() uint64 {
	return idx.noCoor
}

// ReferenceCounts returns the number of mapped and placed-but-unmapped
// records of one reference sequence.
func (idx *Index) ReferenceCounts(refid int32) (mapped, unmapped uint64, ok bool) {
	if (refid < 0) || (int(refid) >= len(idx.refs)) {
		return 0, 0, false
	}
	counts := idx.refs[refid].counts
	return counts.mapped, counts.unmapped, true
}

// Chunks returns the merged, ascending file ranges that can contain
// records overlapping the zero-based, half-open region [beg, end) of
// the given reference sequence.
func (idx *Index) Chunks(refid int32, beg, end int32) []Chunk {
	if (refid < 0) || (int(refid) >= len(idx.refs)) || (end <= beg) {
		return nil
	}
	ref := idx.refs[refid]
	var minOffset bgzf.VirtualOffset
	if window := int(beg >> linearShift); window < len(ref.intervals) {
		if beg > 0 {
			minOffset = ref.intervals[window]
		}
	} else if len(ref.intervals) > 0 {
		minOffset = ref.intervals[len(ref.intervals)-1]
	}
	var chunks []Chunk
	for _, bin := range reg2bins(beg, end) {
		for _, chunk := range ref.bins[bin] {
			if chunk.End > minOffset {
				chunks = append(chunks, chunk)
			}
		}
	}
	if len(chunks) == 0 {
		return nil
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Beg < chunks[j].Beg })
	merged := chunks[:1]
	for _, chunk := range chunks[1:] {
		if last := &merged[len(merged)-1]; chunk.Beg <= last.End {
			if chunk.End > last.End {
				last.End = chunk.End
			}
		} else {
			merged = append(merged, chunk)
		}
	}
	return merged
}

// indexRecordInfo is the subset of an alignment record body that the
// index builder needs.
type indexRecordInfo struct {
	refID    int32
	beg, end int32
	unmapped bool
}

func parseIndexRecord(buf []byte, voffset bgzf.VirtualOffset) (info indexRecordInfo, err error) {
	p := bamRecordParser{buf: buf, voffset: voffset}
	info.refID = p.int32()
	pos := p.int32()
	lReadName := int(p.uint8())
	p.uint8()  // mapq
	p.uint16() // bin
	nCigarOp := int(p.uint16())
	flag := p.uint16()
	p.int32() // l_seq
	p.int32() // next_refID
	p.int32() // next_pos
	p.int32() // tlen
	p.take(lReadName)
	info.unmapped = (flag & Unmapped) != 0
	info.beg = pos
	span := int32(0)
	for i := 0; i < nCigarOp; i++ {
		v := p.uint32()
		if opcode := v & 0xF; opcode < uint32(len(bamCigarOperations)) {
			span += cigarConsumesReferenceBases[bamCigarOperations[opcode]] * int32(v>>4)
		}
	}
	if span <= 0 {
		span = 1
	}
	info.end = info.beg + span
	return info, p.err
}

// buildIndex scans the alignment section of a coordinate-sorted BAM
// file. The block reader must be positioned at the first alignment
// record.
func buildIndex(blocks *bgzf.BlockReader, nRef int) (*Index, error) {
	idx := &Index{refs: make([]referenceIndex, nRef)}
	for i := range idx.refs {
		idx.refs[i].bins = make(map[uint16][]Chunk)
	}
	windows := make([]*bitset.BitSet, nRef)

	prevRefID := int32(-1)
	prevBeg := int32(0)
	seen := bitset.New(uint(nRef))
	var sizeField [4]byte
	var body []byte

	for {
		beg := blocks.Tell()
		if _, err := io.ReadFull(blocks, sizeField[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, &TruncatedRecordError{Offset: beg, Reason: "record cut off mid-length"}
		}
		size := int32(binary.LittleEndian.Uint32(sizeField[:]))
		if size < 32 {
			return nil, &TruncatedRecordError{Offset: beg, Reason: fmt.Sprintf("implausible record length %v", size)}
		}
		if cap(body) < int(size) {
			body = make([]byte, size)
		}
		if _, err := io.ReadFull(blocks, body[:size]); err != nil {
			return nil, &TruncatedRecordError{Offset: beg, Reason: "record cut off mid-body"}
		}
		end := blocks.Tell()

		info, err := parseIndexRecord(body[:size], beg)
		if err != nil {
			return nil, err
		}
		if info.refID == -1 {
			idx.noCoor++
			prevRefID = -1
			continue
		}
		if int(info.refID) >= nRef {
			return nil, &TruncatedRecordError{Offset: beg, Reason: "reference id out of range"}
		}
		if info.refID != prevRefID {
			if seen.Test(uint(info.refID)) {
				return nil, fmt.Errorf("cannot index a BAM file that is not coordinate sorted (reference %v revisited)", info.refID)
			}
			seen.Set(uint(info.refID))
			prevRefID = info.refID
			prevBeg = info.beg
		} else if info.beg < prevBeg {
			return nil, fmt.Errorf("cannot index a BAM file that is not coordinate sorted (position %v after %v)", info.beg+1, prevBeg+1)
		} else {
			prevBeg = info.beg
		}

		ref := &idx.refs[info.refID]
		if ref.span == (Chunk{}) {
			ref.span = Chunk{Beg: beg, End: end}
		} else {
			ref.span.End = end
		}
		if info.unmapped {
			ref.counts.unmapped++
		} else {
			ref.counts.mapped++
		}
		if info.beg < 0 {
			continue
		}

		bin := reg2bin(info.beg, info.end)
		chunks := ref.bins[bin]
		if n := len(chunks); (n > 0) && (chunks[n-1].End.File() == beg.File()) {
			chunks[n-1].End = end
		} else {
			chunks = append(chunks, Chunk{Beg: beg, End: end})
		}
		ref.bins[bin] = chunks

		if windows[info.refID] == nil {
			windows[info.refID] = bitset.New(1 << 6)
		}
		set := windows[info.refID]
		from := uint(info.beg >> linearShift)
		to := uint((info.end - 1) >> linearShift)
		if int(to) >= len(ref.intervals) {
			grown := make([]bgzf.VirtualOffset, to+1)
			copy(grown, ref.intervals)
			ref.intervals = grown
		}
		for w := from; w <= to; w++ {
			if !set.Test(w) {
				set.Set(w)
				ref.intervals[w] = beg
			}
		}
	}

	// Windows the set never touched inherit the offset of the nearest
	// preceding record, so queries into gaps still prune correctly.
	for i := range idx.refs {
		ref := &idx.refs[i]
		set := windows[i]
		var last bgzf.VirtualOffset
		for w := range ref.intervals {
			if (set != nil) && set.Test(uint(w)) {
				last = ref.intervals[w]
			} else {
				ref.intervals[w] = last
			}
		}
	}

	return idx, nil
}

func appendIndex(out []byte, idx *Index) []byte {
	out = append(out, baiMagic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(idx.refs)))
	for i := range idx.refs {
		ref := &idx.refs[i]
		bins := make([]int, 0, len(ref.bins))
		for bin := range ref.bins {
			bins = append(bins, int(bin))
		}
		sort.Ints(bins)
		nBin := len(bins)
		if ref.span != (Chunk{}) {
			nBin++
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(nBin))
		for _, bin := range bins {
			chunks := ref.bins[uint16(bin)]
			out = binary.LittleEndian.AppendUint32(out, uint32(bin))
			out = binary.LittleEndian.AppendUint32(out, uint32(len(chunks)))
			for _, chunk := range chunks {
				out = binary.LittleEndian.AppendUint64(out, uint64(chunk.Beg))
				out = binary.LittleEndian.AppendUint64(out, uint64(chunk.End))
			}
		}
		if ref.span != (Chunk{}) {
			out = binary.LittleEndian.AppendUint32(out, metadataBin)
			out = binary.LittleEndian.AppendUint32(out, 2)
			out = binary.LittleEndian.AppendUint64(out, uint64(ref.span.Beg))
			out = binary.LittleEndian.AppendUint64(out, uint64(ref.span.End))
			out = binary.LittleEndian.AppendUint64(out, ref.counts.mapped)
			out = binary.LittleEndian.AppendUint64(out, ref.counts.unmapped)
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(ref.intervals)))
		for _, ioffset := range ref.intervals {
			out = binary.LittleEndian.AppendUint64(out, uint64(ioffset))
		}
	}
	return binary.LittleEndian.AppendUint64(out, idx.noCoor)
}

type indexParser struct {
	buf []byte
	pos int
	err error
}

func (p *indexParser) fail() {
	if p.err == nil {
		p.err = errors.New("truncated BAM index")
	}
}

func (p *indexParser) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if (n < 0) || (p.pos+n > len(p.buf)) {
		p.fail()
		return nil
	}
	data := p.buf[p.pos : p.pos+n]
	p.pos += n
	return data
}

func (p *indexParser) uint32() uint32 {
	if data := p.take(4); data != nil {
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

func (p *indexParser) uint64() uint64 {
	if data := p.take(8); data != nil {
		return binary.LittleEndian.Uint64(data)
	}
	return 0
}

// ParseIndex parses the contents of a BAI-format index.
func ParseIndex(buf []byte) (*Index, error) {
	p := indexParser{buf: buf}
	if magic := p.take(4); (magic == nil) || (string(magic) != baiMagic) {
		return nil, errors.New("invalid BAM index magic number")
	}
	nRef := int(int32(p.uint32()))
	if (p.err != nil) || (nRef < 0) {
		p.fail()
		return nil, p.err
	}
	idx := &Index{refs: make([]referenceIndex, nRef)}
	for i := 0; i < nRef; i++ {
		ref := &idx.refs[i]
		ref.bins = make(map[uint16][]Chunk)
		nBin := int(int32(p.uint32()))
		for j := 0; j < nBin; j++ {
			bin := p.uint32()
			nChunk := int(int32(p.uint32()))
			if p.err != nil {
				return nil, p.err
			}
			if bin == metadataBin {
				if nChunk != 2 {
					return nil, errors.New("malformed metadata pseudo-bin in a BAM index")
				}
				ref.span.Beg = bgzf.VirtualOffset(p.uint64())
				ref.span.End = bgzf.VirtualOffset(p.uint64())
				ref.counts.mapped = p.uint64()
				ref.counts.unmapped = p.uint64()
				continue
			}
			if bin > metadataBin {
				return nil, fmt.Errorf("invalid bin number %v in a BAM index", bin)
			}
			chunks := make([]Chunk, nChunk)
			for k := range chunks {
				chunks[k].Beg = bgzf.VirtualOffset(p.uint64())
				chunks[k].End = bgzf.VirtualOffset(p.uint64())
			}
			ref.bins[uint16(bin)] = chunks
		}
		nIntv := int(int32(p.uint32()))
		if p.err != nil {
			return nil, p.err
		}
		ref.intervals = make([]bgzf.VirtualOffset, nIntv)
		for j := range ref.intervals {
			ref.intervals[j] = bgzf.VirtualOffset(p.uint64())
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	// The record count trailer is optional.
	if p.pos+8 <= len(p.buf) {
		idx.noCoor = p.uint64()
	}
	return idx, nil
}

// WriteToFile atomically replaces the file at the given path with the
// serialized index, going through a uniquely named temporary file in
// the same directory.
func (idx *Index) WriteToFile(path string) error {
	buf := appendIndex(internal.ReserveByteBuffer(), idx)
	defer internal.ReleaseByteBuffer(buf)
	tmp := filepath.Join(filepath.Dir(path), uuid.New().String()+".bai.tmp")
	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := file.Write(buf); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// ReadIndexFile reads and parses a BAI-format index file. The file is
// memory mapped while parsing.
func ReadIndexFile(path string) (*Index, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	size := int(info.Size())
	if size == 0 {
		return nil, errors.New("invalid BAM index magic number")
	}
	buf, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	defer unix.Munmap(buf)
	return ParseIndex(buf)
}

// IndexFile creates a BAI-format index for a coordinate-sorted BAM
// file, next to it with an additional .bai extension.
func IndexFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	blocks := bgzf.NewBlockReader(file)
	refs, err := SkipBamHeader(blocks)
	if err != nil {
		return err
	}
	idx, err := buildIndex(blocks, len(refs))
	if err != nil {
		return err
	}
	return idx.WriteToFile(path + ".bai")
}
