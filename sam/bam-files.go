// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/antonybholmes/libbam/internal"
	"github.com/antonybholmes/libbam/utils"
	"github.com/antonybholmes/libbam/utils/bgzf"
	"github.com/antonybholmes/libbam/utils/nibbles"
)

const bamMagic = "BAM\x01"

// bamCigarOperations maps the binary CIGAR opcodes 0-8 to their
// textual operation characters.
const bamCigarOperations = "MIDNSHP=X"

// A BAMReference is one entry of the binary reference sequence
// dictionary of a BAM file. Alignment records refer to these entries
// by index.
type BAMReference struct {
	Name   string
	Length int32
}

func readLittleEndianInt32(r io.Reader, scratch []byte) (int32, error) {
	if _, err := io.ReadFull(r, scratch[:4]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(scratch[:4])), nil
}

func parseBamReferences(r io.Reader, scratch []byte) ([]BAMReference, error) {
	nRef, err := readLittleEndianInt32(r, scratch)
	if err != nil {
		return nil, err
	}
	if nRef < 0 {
		return nil, fmt.Errorf("negative reference sequence count %v in a BAM header", nRef)
	}
	refs := make([]BAMReference, nRef)
	for i := range refs {
		lName, err := readLittleEndianInt32(r, scratch)
		if err != nil {
			return nil, err
		}
		if lName <= 0 {
			return nil, fmt.Errorf("invalid reference name length %v in a BAM header", lName)
		}
		name := make([]byte, lName)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, err
		}
		lRef, err := readLittleEndianInt32(r, scratch)
		if err != nil {
			return nil, err
		}
		refs[i] = BAMReference{Name: string(name[:lName-1]), Length: lRef}
	}
	return refs, nil
}

// ParseBamHeader parses the header section of a BAM file, including
// the binary reference sequence dictionary. When the textual header
// carries no @SQ lines, they are reconstructed from the binary
// dictionary.
func ParseBamHeader(r io.Reader) (*Header, []BAMReference, error) {
	var scratch [4]byte
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, err
	}
	if string(magic) != bamMagic {
		return nil, nil, errors.New("invalid BAM magic number")
	}
	lText, err := readLittleEndianInt32(r, scratch[:])
	if err != nil {
		return nil, nil, err
	}
	if lText < 0 {
		return nil, nil, fmt.Errorf("negative text header length %v in a BAM header", lText)
	}
	text := make([]byte, lText)
	if _, err := io.ReadFull(r, text); err != nil {
		return nil, nil, err
	}
	hdr, _, err := ParseHeader(bufio.NewReader(bytes.NewReader(text)))
	if err != nil {
		return nil, nil, err
	}
	refs, err := parseBamReferences(r, scratch[:])
	if err != nil {
		return nil, nil, err
	}
	if len(hdr.SQ) == 0 {
		for _, ref := range refs {
			record := utils.StringMap{"SN": ref.Name}
			SetSQLN(record, ref.Length)
			hdr.SQ = append(hdr.SQ, record)
		}
	} else if len(hdr.SQ) != len(refs) {
		return nil, nil, fmt.Errorf(
			"the @SQ lines and the binary reference dictionary of a BAM header disagree: %v vs %v entries",
			len(hdr.SQ), len(refs),
		)
	}
	return hdr, refs, nil
}

// SkipBamHeader skips the textual header of a BAM file, but still
// parses the binary reference sequence dictionary, which is needed for
// decoding alignment records.
func SkipBamHeader(r io.Reader) ([]BAMReference, error) {
	var scratch [4]byte
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, err
	}
	if string(magic) != bamMagic {
		return nil, errors.New("invalid BAM magic number")
	}
	lText, err := readLittleEndianInt32(r, scratch[:])
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, int64(lText)); err != nil {
		return nil, err
	}
	return parseBamReferences(r, scratch[:])
}

// bamRecordParser decodes one alignment record body. All reads are
// bounds-checked so that corrupt inputs surface as errors instead of
// panics.
type bamRecordParser struct {
	buf     []byte
	pos     int
	voffset bgzf.VirtualOffset
	err     error
}

func (p *bamRecordParser) fail(reason string) {
	if p.err == nil {
		p.err = &TruncatedRecordError{Offset: p.voffset, Reason: reason}
	}
}

func (p *bamRecordParser) take(n int) []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+n > len(p.buf) {
		p.fail("record body too short")
		return nil
	}
	data := p.buf[p.pos : p.pos+n]
	p.pos += n
	return data
}

func (p *bamRecordParser) uint8() byte {
	if data := p.take(1); data != nil {
		return data[0]
	}
	return 0
}

func (p *bamRecordParser) uint16() uint16 {
	if data := p.take(2); data != nil {
		return binary.LittleEndian.Uint16(data)
	}
	return 0
}

func (p *bamRecordParser) uint32() uint32 {
	if data := p.take(4); data != nil {
		return binary.LittleEndian.Uint32(data)
	}
	return 0
}

func (p *bamRecordParser) int32() int32 {
	return int32(p.uint32())
}

func (p *bamRecordParser) cstring() string {
	if p.err != nil {
		return ""
	}
	end := bytes.IndexByte(p.buf[p.pos:], 0)
	if end < 0 {
		p.fail("unterminated string in record body")
		return ""
	}
	s := string(p.buf[p.pos : p.pos+end])
	p.pos += end + 1
	return s
}

var bamTagScalarSizes = map[byte]int{
	'A': 1, 'c': 1, 'C': 1, 's': 2, 'S': 2, 'i': 4, 'I': 4, 'f': 4,
}

func (p *bamRecordParser) tagValue(typebyte byte) interface{} {
	switch typebyte {
	case 'A':
		return p.uint8()
	case 'c':
		return int64(int8(p.uint8()))
	case 'C':
		return int64(p.uint8())
	case 's':
		return int64(int16(p.uint16()))
	case 'S':
		return int64(p.uint16())
	case 'i':
		return int64(p.int32())
	case 'I':
		return int64(p.uint32())
	case 'f':
		return math.Float32frombits(p.uint32())
	case 'Z':
		return p.cstring()
	case 'H':
		value := p.cstring()
		result := ByteArray(make([]byte, 0, len(value)>>1))
		for i := 0; i+1 < len(value); i += 2 {
			val, err := strconv.ParseUint(value[i:i+2], 16, 8)
			if err != nil {
				p.fail("invalid hexadecimal byte array in record body")
				return nil
			}
			result = append(result, byte(val))
		}
		return result
	case 'B':
		subtype := p.uint8()
		count := p.int32()
		if count < 0 {
			p.fail("negative numeric array length in record body")
			return nil
		}
		size, found := bamTagScalarSizes[subtype]
		if !found || (subtype == 'A') {
			p.fail(fmt.Sprintf("invalid numeric array type %c in record body", subtype))
			return nil
		}
		data := p.take(size * int(count))
		if p.err != nil {
			return nil
		}
		switch subtype {
		case 'c':
			result := make([]int8, count)
			for i := range result {
				result[i] = int8(data[i])
			}
			return result
		case 'C':
			result := make([]uint8, count)
			copy(result, data)
			return result
		case 's':
			result := make([]int16, count)
			for i := range result {
				result[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
			}
			return result
		case 'S':
			result := make([]uint16, count)
			for i := range result {
				result[i] = binary.LittleEndian.Uint16(data[2*i:])
			}
			return result
		case 'i':
			result := make([]int32, count)
			for i := range result {
				result[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
			}
			return result
		case 'I':
			result := make([]uint32, count)
			for i := range result {
				result[i] = binary.LittleEndian.Uint32(data[4*i:])
			}
			return result
		default:
			result := make([]float32, count)
			for i := range result {
				result[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
			}
			return result
		}
	default:
		p.fail(fmt.Sprintf("unknown optional field type %c in record body", typebyte))
		return nil
	}
}

var cgTag = utils.Intern("CG")

func bamReferenceName(refs []BAMReference, refid int32) (string, bool) {
	if refid == -1 {
		return "*", true
	}
	if (refid < 0) || (int(refid) >= len(refs)) {
		return "", false
	}
	return refs[refid].Name, true
}

// parseBamAlignment decodes one alignment record body, excluding its
// leading block_size field. voffset is the virtual file offset of the
// record and is recorded in any resulting *TruncatedRecordError.
func parseBamAlignment(refs []BAMReference, buf []byte, voffset bgzf.VirtualOffset) (*Alignment, error) {
	p := bamRecordParser{buf: buf, voffset: voffset}

	refID := p.int32()
	pos := p.int32()
	lReadName := int(p.uint8())
	mapq := p.uint8()
	p.uint16() // bin, recomputed when writing
	nCigarOp := int(p.uint16())
	flag := p.uint16()
	lSeq := int(p.int32())
	nextRefID := p.int32()
	nextPos := p.int32()
	tlen := p.int32()
	if p.err != nil {
		return nil, p.err
	}
	if (lReadName < 1) || (lSeq < 0) {
		p.fail("invalid field lengths in record body")
		return nil, p.err
	}

	aln := NewAlignment()
	aln.FLAG = flag
	aln.POS = pos + 1
	aln.MAPQ = mapq
	aln.PNEXT = nextPos + 1
	aln.TLEN = tlen
	aln.SetREFID(refID)

	name, ok := bamReferenceName(refs, refID)
	if !ok {
		p.fail("reference id out of range")
		return nil, p.err
	}
	aln.RNAME = name
	if (nextRefID == refID) && (refID != -1) {
		aln.RNEXT = "="
	} else if name, ok = bamReferenceName(refs, nextRefID); ok {
		aln.RNEXT = name
	} else {
		p.fail("mate reference id out of range")
		return nil, p.err
	}

	if data := p.take(lReadName); data != nil {
		aln.QNAME = string(data[:lReadName-1])
	}

	cigar := make([]CigarOperation, nCigarOp)
	for i := range cigar {
		v := p.uint32()
		opcode := v & 0xF
		if opcode >= uint32(len(bamCigarOperations)) {
			p.fail("invalid CIGAR opcode in record body")
			return nil, p.err
		}
		cigar[i] = CigarOperation{Length: int32(v >> 4), Operation: bamCigarOperations[opcode]}
	}
	aln.CIGAR = cigar

	if seq := p.take((lSeq + 1) >> 1); seq != nil {
		bases := make([]byte, len(seq))
		copy(bases, seq)
		aln.SEQ = Sequence(nibbles.ReflectMake(lSeq, 0, bases))
	}

	if qual := p.take(lSeq); qual != nil {
		missing := lSeq > 0
		for _, q := range qual {
			if q != 0xFF {
				missing = false
				break
			}
		}
		if !missing && (lSeq > 0) {
			aln.QUAL = make([]byte, lSeq)
			copy(aln.QUAL, qual)
		}
	}

	for (p.err == nil) && (p.pos < len(p.buf)) {
		tagdata := p.take(3)
		if p.err != nil {
			break
		}
		tag := utils.Intern(string(tagdata[:2]))
		aln.TAGS.Set(tag, p.tagValue(tagdata[2]))
	}
	if p.err != nil {
		return nil, p.err
	}

	// A two-operation kSmN CIGAR with k equal to the read length is the
	// placeholder for a real CIGAR too long for the 16-bit operation
	// count; the real one lives in the CG tag.
	if (len(cigar) == 2) && (cigar[0].Operation == 'S') && (int(cigar[0].Length) == lSeq) && (cigar[1].Operation == 'N') {
		if value, found := aln.TAGS.Get(cgTag); found {
			encoded, ok := value.([]uint32)
			if !ok {
				return nil, &TruncatedRecordError{Offset: voffset, Reason: "CG tag is not an array of 32-bit integers"}
			}
			real := make([]CigarOperation, len(encoded))
			for i, v := range encoded {
				opcode := v & 0xF
				if opcode >= uint32(len(bamCigarOperations)) {
					return nil, &TruncatedRecordError{Offset: voffset, Reason: "invalid CIGAR opcode in CG tag"}
				}
				real[i] = CigarOperation{Length: int32(v >> 4), Operation: bamCigarOperations[opcode]}
			}
			aln.CIGAR = real
			aln.TAGS, _ = aln.TAGS.Delete(cgTag)
		}
	}

	return aln, nil
}

// FormatBam appends the binary form of the header section to out,
// including the reference sequence dictionary derived from the @SQ
// lines.
func (hdr *Header) FormatBam(out []byte) ([]byte, error) {
	out = append(out, bamMagic...)
	text := hdr.FormatSam(internal.ReserveByteBuffer())
	out = binary.LittleEndian.AppendUint32(out, uint32(len(text)))
	out = append(out, text...)
	internal.ReleaseByteBuffer(text)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr.SQ)))
	for _, record := range hdr.SQ {
		sn, found := record["SN"]
		if !found {
			return nil, errors.New("@SQ line without SN field")
		}
		ln, err := SQLN(record)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint32(out, uint32(len(sn)+1))
		out = append(append(out, sn...), 0)
		out = binary.LittleEndian.AppendUint32(out, uint32(ln))
	}
	return out, nil
}

func formatBamInteger(out []byte, value int64) ([]byte, error) {
	switch {
	case (value >= math.MinInt8) && (value <= math.MaxInt8):
		return append(out, 'c', byte(int8(value))), nil
	case (value >= 0) && (value <= math.MaxUint8):
		return append(out, 'C', byte(value)), nil
	case (value >= math.MinInt16) && (value <= math.MaxInt16):
		return binary.LittleEndian.AppendUint16(append(out, 's'), uint16(int16(value))), nil
	case (value >= 0) && (value <= math.MaxUint16):
		return binary.LittleEndian.AppendUint16(append(out, 'S'), uint16(value)), nil
	case (value >= math.MinInt32) && (value <= math.MaxInt32):
		return binary.LittleEndian.AppendUint32(append(out, 'i'), uint32(int32(value))), nil
	case value <= math.MaxUint32:
		return binary.LittleEndian.AppendUint32(append(out, 'I'), uint32(value)), nil
	default:
		return nil, fmt.Errorf("integer value %v out of range for a BAM optional field", value)
	}
}

func formatBamTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(out, *tag...)

	switch val := value.(type) {
	case byte:
		out = append(out, 'A', val)
	case int64:
		var err error
		if out, err = formatBamInteger(out, val); err != nil {
			return nil, err
		}
	case float32:
		out = binary.LittleEndian.AppendUint32(append(out, 'f'), math.Float32bits(val))
	case string:
		out = append(append(append(out, 'Z'), val...), 0)
	case utils.Symbol:
		out = append(append(append(out, 'Z'), *val...), 0)
	case ByteArray:
		out = append(out, 'H')
		for _, b := range val {
			if b < 16 {
				out = append(out, '0')
			}
			out = strconv.AppendUint(out, uint64(b), 16)
		}
		out = append(out, 0)
	case []int8:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'c'), uint32(len(val)))
		for _, v := range val {
			out = append(out, byte(v))
		}
	case []uint8:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'C'), uint32(len(val)))
		out = append(out, val...)
	case []int16:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 's'), uint32(len(val)))
		for _, v := range val {
			out = binary.LittleEndian.AppendUint16(out, uint16(v))
		}
	case []uint16:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'S'), uint32(len(val)))
		for _, v := range val {
			out = binary.LittleEndian.AppendUint16(out, v)
		}
	case []int32:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'i'), uint32(len(val)))
		for _, v := range val {
			out = binary.LittleEndian.AppendUint32(out, uint32(v))
		}
	case []uint32:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'I'), uint32(len(val)))
		for _, v := range val {
			out = binary.LittleEndian.AppendUint32(out, v)
		}
	case []float32:
		out = binary.LittleEndian.AppendUint32(append(out, 'B', 'f'), uint32(len(val)))
		for _, v := range val {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	default:
		return nil, fmt.Errorf("unknown SAM alignment TAG type %v", value)
	}

	return out, nil
}

func encodeBamCigarOperation(op CigarOperation) (uint32, error) {
	opcode := strings.IndexByte(bamCigarOperations, op.Operation)
	if opcode < 0 {
		return 0, fmt.Errorf("invalid CIGAR operation %c", op.Operation)
	}
	if (op.Length < 0) || (op.Length > (1<<28)-1) {
		return 0, fmt.Errorf("CIGAR operation length %v out of range", op.Length)
	}
	return (uint32(op.Length) << 4) | uint32(opcode), nil
}

// formatBamAlignment appends the binary form of the alignment to out,
// including the leading block_size field. dict maps reference names to
// their indices in the reference dictionary.
func formatBamAlignment(out []byte, aln *Alignment, dict map[string]int32) ([]byte, error) {
	refID, found := dict[aln.RNAME]
	if !found {
		return nil, fmt.Errorf("reference name %v not declared in the header", aln.RNAME)
	}
	var nextRefID int32
	if aln.RNEXT == "=" {
		nextRefID = refID
	} else if nextRefID, found = dict[aln.RNEXT]; !found {
		return nil, fmt.Errorf("mate reference name %v not declared in the header", aln.RNEXT)
	}
	if len(aln.QNAME) > 254 {
		return nil, fmt.Errorf("read name %v longer than 254 characters", aln.QNAME)
	}

	lSeq := aln.SEQ.Len()
	cigar := aln.CIGAR
	longCigar := len(cigar) > math.MaxUint16
	if longCigar && (lSeq == 0) {
		return nil, errors.New("cannot encode a long CIGAR for a record without a sequence")
	}

	mark := len(out)
	out = append(out, 0, 0, 0, 0)
	out = binary.LittleEndian.AppendUint32(out, uint32(refID))
	out = binary.LittleEndian.AppendUint32(out, uint32(aln.POS-1))
	out = append(out, byte(len(aln.QNAME)+1), aln.MAPQ)
	out = binary.LittleEndian.AppendUint16(out, reg2bin(aln.Start(), aln.End()))
	if longCigar {
		out = binary.LittleEndian.AppendUint16(out, 2)
	} else {
		out = binary.LittleEndian.AppendUint16(out, uint16(len(cigar)))
	}
	out = binary.LittleEndian.AppendUint16(out, aln.FLAG)
	out = binary.LittleEndian.AppendUint32(out, uint32(lSeq))
	out = binary.LittleEndian.AppendUint32(out, uint32(nextRefID))
	out = binary.LittleEndian.AppendUint32(out, uint32(aln.PNEXT-1))
	out = binary.LittleEndian.AppendUint32(out, uint32(aln.TLEN))
	out = append(append(out, aln.QNAME...), 0)

	if longCigar {
		out = binary.LittleEndian.AppendUint32(out, (uint32(lSeq)<<4)|4)   // kS
		refLen := ReferenceLength(cigar)
		out = binary.LittleEndian.AppendUint32(out, (uint32(refLen)<<4)|3) // mN
	} else {
		for _, op := range cigar {
			v, err := encodeBamCigarOperation(op)
			if err != nil {
				return nil, err
			}
			out = binary.LittleEndian.AppendUint32(out, v)
		}
	}

	length, offset, bases := nibbles.Nibbles(aln.SEQ).ReflectValue()
	if offset == 0 {
		out = append(out, bases[:(length+1)>>1]...)
	} else {
		packed := nibbles.Make(length)
		nibbles.Copy(packed, nibbles.Nibbles(aln.SEQ))
		_, _, bases = packed.ReflectValue()
		out = append(out, bases...)
	}

	if aln.QUAL == nil {
		for i := 0; i < lSeq; i++ {
			out = append(out, 0xFF)
		}
	} else {
		if len(aln.QUAL) != lSeq {
			return nil, errors.New("sequence and quality lengths differ")
		}
		out = append(out, aln.QUAL...)
	}

	var err error
	for _, entry := range aln.TAGS {
		if out, err = formatBamTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}
	if longCigar {
		encoded := make([]uint32, len(cigar))
		for i, op := range cigar {
			if encoded[i], err = encodeBamCigarOperation(op); err != nil {
				return nil, err
			}
		}
		if out, err = formatBamTag(out, cgTag, encoded); err != nil {
			return nil, err
		}
	}

	binary.LittleEndian.PutUint32(out[mark:], uint32(len(out)-mark-4))
	return out, nil
}

// bamReader reads BAM files. Seekable inputs go through a
// bgzf.BlockReader, which supports record virtual offsets, restarts,
// and region queries; pipes go through the streaming parallel
// bgzf.Reader instead.
type bamReader struct {
	rc      io.Closer
	blocks  *bgzf.BlockReader
	stream  *bgzf.Reader
	refs    []BAMReference
	body    bgzf.VirtualOffset
	scratch []byte
}

func (reader *bamReader) src() io.Reader {
	if reader.blocks != nil {
		return reader.blocks
	}
	return reader.stream
}

func (reader *bamReader) ParseHeader() (*Header, error) {
	hdr, refs, err := ParseBamHeader(reader.src())
	if err != nil {
		return nil, err
	}
	reader.refs = refs
	if reader.blocks != nil {
		reader.body = reader.blocks.Tell()
	}
	return hdr, nil
}

func (reader *bamReader) SkipHeader() error {
	refs, err := SkipBamHeader(reader.src())
	if err != nil {
		return err
	}
	reader.refs = refs
	if reader.blocks != nil {
		reader.body = reader.blocks.Tell()
	}
	return nil
}

// Read decodes the next alignment record, or returns io.EOF at the end
// of the file.
func (reader *bamReader) Read() (*Alignment, error) {
	var voffset bgzf.VirtualOffset
	if reader.blocks != nil {
		voffset = reader.blocks.Tell()
	}
	var sizeField [4]byte
	if _, err := io.ReadFull(reader.src(), sizeField[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &TruncatedRecordError{Offset: voffset, Reason: "record cut off mid-length"}
	}
	size := int32(binary.LittleEndian.Uint32(sizeField[:]))
	if size < 32 {
		return nil, &TruncatedRecordError{Offset: voffset, Reason: fmt.Sprintf("implausible record length %v", size)}
	}
	if cap(reader.scratch) < int(size) {
		reader.scratch = make([]byte, size)
	}
	buf := reader.scratch[:size]
	if _, err := io.ReadFull(reader.src(), buf); err != nil {
		return nil, &TruncatedRecordError{Offset: voffset, Reason: "record cut off mid-body"}
	}
	return parseBamAlignment(reader.refs, buf, voffset)
}

// Restart repositions the reader at the first alignment record. It
// fails for non-seekable inputs such as pipes.
func (reader *bamReader) Restart() error {
	if reader.blocks == nil {
		return errors.New("cannot restart iteration over a non-seekable BAM input")
	}
	return reader.blocks.Seek(reader.body)
}

func (reader *bamReader) Close() error {
	var err error
	if reader.stream != nil {
		err = reader.stream.Close()
	}
	if reader.rc != os.Stdin {
		if cerr := reader.rc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// bamWriter writes BAM files through a parallel bgzf.Writer.
type bamWriter struct {
	wc   io.Closer
	bgzf *bgzf.Writer
	dict map[string]int32
}

func (writer *bamWriter) FormatHeader(hdr *Header) error {
	buf, err := hdr.FormatBam(internal.ReserveByteBuffer())
	if err != nil {
		return err
	}
	_, err = writer.bgzf.Write(buf)
	internal.ReleaseByteBuffer(buf)
	if err != nil {
		return err
	}
	writer.dict = hdr.dictTable()
	return nil
}

func (writer *bamWriter) PutAlignment(aln *Alignment) error {
	buf, err := formatBamAlignment(internal.ReserveByteBuffer(), aln, writer.dict)
	if err != nil {
		return err
	}
	_, err = writer.bgzf.Write(buf)
	internal.ReleaseByteBuffer(buf)
	return err
}

func (writer *bamWriter) Close() error {
	err := writer.bgzf.Close()
	if writer.wc != os.Stdout {
		if cerr := writer.wc.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
