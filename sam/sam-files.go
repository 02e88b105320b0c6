// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/antonybholmes/libbam/internal"
	"github.com/antonybholmes/libbam/utils"
)

// ParseHeaderField parses a single TAG:VALUE field of a header line.
func (sc *StringScanner) ParseHeaderField() (tag, value string) {
	if sc.err != nil {
		return
	}
	tag, ok := sc.readUntil(':')
	if !ok || (len(tag) != 2) {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field tag %v", tag)
		}
		return "", ""
	}
	value, _ = sc.readUntil('\t')
	return tag, value
}

// ParseHeaderLine parses the fields of a header line into a StringMap.
func (sc *StringScanner) ParseHeaderLine() utils.StringMap {
	if sc.err != nil {
		return nil
	}
	record := make(utils.StringMap)
	for sc.Len() > 0 {
		tag, value := sc.ParseHeaderField()
		if !record.SetUniqueEntry(tag, value) {
			if sc.err == nil {
				sc.err = fmt.Errorf("duplicate field tag %v in a SAM header line", tag)
			}
			break
		}
	}
	return record
}

// ParseHeader parses the complete header section of a SAM file. It
// returns a freshly allocated header and the number of header lines
// consumed.
func ParseHeader(reader *bufio.Reader) (hdr *Header, lines int, err error) {
	hdr = NewHeader()
	var sc StringScanner
	for first := true; ; first = false {
		switch data, err := reader.Peek(1); {
		case err == io.EOF:
			return hdr, lines, sc.err
		case err != nil:
			return hdr, lines, err
		case data[0] != '@':
			return hdr, lines, sc.err
		}
		bytes, err := reader.ReadSlice('\n')
		length := len(bytes)
		switch {
		case err == nil:
			length--
		case err != io.EOF:
			return hdr, lines, err
		}
		lines++
		line := string(bytes[4:length])
		sc.Reset(line)
		switch string(bytes[0:4]) {
		case "@HD\t":
			if !first {
				return hdr, lines, errors.New("@HD line not in first line when parsing a SAM header")
			}
			hdr.HD = sc.ParseHeaderLine()
		case "@SQ\t":
			hdr.SQ = append(hdr.SQ, sc.ParseHeaderLine())
		case "@RG\t":
			hdr.RG = append(hdr.RG, sc.ParseHeaderLine())
		case "@PG\t":
			hdr.PG = append(hdr.PG, sc.ParseHeaderLine())
		case "@CO\t":
			hdr.CO = append(hdr.CO, line)
		default:
			switch code := string(bytes[0:3]); {
			case code == "@CO":
				hdr.CO = append(hdr.CO, string(bytes[3:length]))
			case IsHeaderUserTag(code):
				if bytes[3] != '\t' {
					return hdr, lines, fmt.Errorf("header code %v not followed by a tab when parsing a SAM header", code)
				}
				hdr.AddUserRecord(code, sc.ParseHeaderLine())
			default:
				return hdr, lines, fmt.Errorf("unknown SAM record type code %v", code)
			}
		}
	}
}

// SkipHeader skips the complete header section of a SAM file. This is
// more efficient than calling ParseHeader and ignoring its result.
func SkipHeader(reader *bufio.Reader) (lines int, err error) {
	for {
		data, err := reader.Peek(1)
		if err != nil {
			if err == io.EOF {
				return lines, nil
			}
			return lines, err
		}
		if data[0] != '@' {
			break
		}
		for {
			b, err := reader.ReadByte()
			if err != nil {
				if err == io.EOF {
					return lines, nil
				}
				return lines, err
			}
			if b == '\n' {
				break
			}
		}
		lines++
	}
	return lines, nil
}

// A fieldParser parses the VALUE part of an optional TAG:TYPE:VALUE
// field for one TYPE.
type fieldParser func(*StringScanner) interface{}

func (sc *StringScanner) parseChar() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readByteUntil('\t')
	return value
}

func (sc *StringScanner) parseInteger() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	val, err := strconv.ParseInt(value, 10, 64)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return val
}

func (sc *StringScanner) parseFloat() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	val, err := strconv.ParseFloat(value, 32)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return float32(val)
}

func (sc *StringScanner) parseString() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	return value
}

func (sc *StringScanner) parseByteArray() interface{} {
	if sc.err != nil {
		return nil
	}
	value, _ := sc.readUntil('\t')
	result := ByteArray(make([]byte, 0, len(value)>>1))
	for i := 0; i+1 < len(value); i += 2 {
		val, err := strconv.ParseUint(value[i:i+2], 16, 8)
		if err != nil {
			if sc.err == nil {
				sc.err = err
			}
			return nil
		}
		result = append(result, byte(val))
	}
	return result
}

func (sc *StringScanner) parseNumericArray() interface{} {
	if sc.err != nil {
		return nil
	}
	ntype, ok := sc.readByteUntil(',')
	if !ok {
		if sc.err == nil {
			sc.err = errors.New("missing entry in numeric array")
		}
		return nil
	}
	parseSigned := func(bitSize int) ([]int64, bool) {
		var result []int64
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseInt(entry, 10, bitSize)
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil, false
			}
			result = append(result, val)
			if sep != ',' {
				return result, true
			}
		}
	}
	parseUnsigned := func(bitSize int) ([]uint64, bool) {
		var result []uint64
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseUint(entry, 10, bitSize)
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil, false
			}
			result = append(result, val)
			if sep != ',' {
				return result, true
			}
		}
	}
	switch ntype {
	case 'c':
		if vals, ok := parseSigned(8); ok {
			result := make([]int8, len(vals))
			for i, v := range vals {
				result[i] = int8(v)
			}
			return result
		}
	case 'C':
		if vals, ok := parseUnsigned(8); ok {
			result := make([]uint8, len(vals))
			for i, v := range vals {
				result[i] = uint8(v)
			}
			return result
		}
	case 's':
		if vals, ok := parseSigned(16); ok {
			result := make([]int16, len(vals))
			for i, v := range vals {
				result[i] = int16(v)
			}
			return result
		}
	case 'S':
		if vals, ok := parseUnsigned(16); ok {
			result := make([]uint16, len(vals))
			for i, v := range vals {
				result[i] = uint16(v)
			}
			return result
		}
	case 'i':
		if vals, ok := parseSigned(32); ok {
			result := make([]int32, len(vals))
			for i, v := range vals {
				result[i] = int32(v)
			}
			return result
		}
	case 'I':
		if vals, ok := parseUnsigned(32); ok {
			result := make([]uint32, len(vals))
			for i, v := range vals {
				result[i] = uint32(v)
			}
			return result
		}
	case 'f':
		var result []float32
		for {
			entry, sep := sc.readUntil2(',', '\t')
			val, err := strconv.ParseFloat(entry, 32)
			if err != nil {
				if sc.err == nil {
					sc.err = err
				}
				return nil
			}
			result = append(result, float32(val))
			if sep != ',' {
				break
			}
		}
		return result
	default:
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid numeric array type %c", ntype)
		}
	}
	return nil
}

var optionalFieldParseTable = map[byte]fieldParser{
	'A': (*StringScanner).parseChar,
	'i': (*StringScanner).parseInteger,
	'f': (*StringScanner).parseFloat,
	'Z': (*StringScanner).parseString,
	'H': (*StringScanner).parseByteArray,
	'B': (*StringScanner).parseNumericArray,
}

// ParseOptionalField parses one TAG:TYPE:VALUE field of an alignment
// line.
func (sc *StringScanner) ParseOptionalField() (tag utils.Symbol, value interface{}) {
	if sc.err != nil {
		return nil, nil
	}
	tagname, ok := sc.readUntil(':')
	if !ok || (len(tagname) != 2) {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field tag %v in SAM alignment line", tagname)
		}
		return nil, nil
	}
	tag = utils.Intern(tagname)
	typebyte, ok := sc.readByteUntil(':')
	if !ok {
		if sc.err == nil {
			sc.err = fmt.Errorf("invalid field type %c in SAM alignment line", typebyte)
		}
		return nil, nil
	}
	parser, found := optionalFieldParseTable[typebyte]
	if !found {
		sc.err = fmt.Errorf("unknown optional field type %c in SAM alignment line", typebyte)
		return nil, nil
	}
	return tag, parser(sc)
}

func (sc *StringScanner) doString() string {
	if sc.err != nil {
		return ""
	}
	value, ok := sc.readUntil('\t')
	if !ok {
		if sc.err == nil {
			sc.err = errors.New("missing tabulator in SAM alignment line")
		}
		return ""
	}
	return value
}

func (sc *StringScanner) doInt32() int32 {
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseInt(sc.doString(), 10, 32)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return int32(value)
}

func (sc *StringScanner) doUint(bitSize int) uint64 {
	if sc.err != nil {
		return 0
	}
	value, err := strconv.ParseUint(sc.doString(), 10, bitSize)
	if (err != nil) && (sc.err == nil) {
		sc.err = err
	}
	return value
}

// ParseAlignmentLine parses one line of the alignment section of a SAM
// file. lineno, if positive, is recorded in any resulting
// *MalformedRecordError.
func ParseAlignmentLine(line string, lineno int) (*Alignment, error) {
	var sc StringScanner
	sc.Reset(line)
	aln := NewAlignment()

	aln.QNAME = sc.doString()
	aln.FLAG = uint16(sc.doUint(16))
	aln.RNAME = sc.doString()
	aln.POS = sc.doInt32()
	aln.MAPQ = byte(sc.doUint(8))
	cigar := sc.doString()
	aln.RNEXT = sc.doString()
	aln.PNEXT = sc.doInt32()
	aln.TLEN = sc.doInt32()
	seq := sc.doString()
	qual, _ := sc.readUntil('\t')

	if sc.err != nil {
		return nil, &MalformedRecordError{Line: lineno, Reason: sc.err.Error()}
	}

	ops, err := ScanCigarString(cigar)
	if err != nil {
		return nil, &MalformedRecordError{Line: lineno, Reason: err.Error()}
	}
	aln.CIGAR = ops

	if seq != "*" {
		aln.SEQ = NewSequence(seq)
	}
	if qual == "" {
		return nil, &MalformedRecordError{Line: lineno, Reason: "missing quality field"}
	}
	if qual != "*" {
		if len(qual) != aln.SEQ.Len() {
			return nil, &MalformedRecordError{Line: lineno, Reason: "sequence and quality lengths differ"}
		}
		aln.QUAL = make([]byte, len(qual))
		for i := 0; i < len(qual); i++ {
			if qual[i] < '!' || qual[i] > '~' {
				return nil, &MalformedRecordError{Line: lineno, Reason: "invalid character in quality field"}
			}
			aln.QUAL[i] = qual[i] - '!'
		}
	}

	for sc.Len() > 0 {
		aln.TAGS.Set(sc.ParseOptionalField())
	}
	if sc.err != nil {
		return nil, &MalformedRecordError{Line: lineno, Reason: sc.err.Error()}
	}

	return aln, nil
}

// headerFieldOrder fixes the position of the leading fields of each
// header line; the remaining fields are emitted in sorted order.
var headerFieldOrder = map[string]string{
	"@HD": "VN",
	"@SQ": "SN",
}

func formatHeaderLine(out []byte, code string, record utils.StringMap) []byte {
	out = append(out, code...)
	first := headerFieldOrder[code]
	if value, found := record[first]; found {
		out = append(append(append(append(out, '\t'), first...), ':'), value...)
	}
	keys := make([]string, 0, len(record))
	for key := range record {
		if key != first {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		out = append(append(append(append(out, '\t'), key...), ':'), record[key]...)
	}
	return append(out, '\n')
}

// FormatSam appends the textual form of the header section to out,
// emitting @HD, @SQ, @RG, @PG, the @CO comments in their original
// order, and finally any user-defined records.
func (hdr *Header) FormatSam(out []byte) []byte {
	if hdr.HD != nil {
		out = formatHeaderLine(out, "@HD", hdr.HD)
	}
	for _, record := range hdr.SQ {
		out = formatHeaderLine(out, "@SQ", record)
	}
	for _, record := range hdr.RG {
		out = formatHeaderLine(out, "@RG", record)
	}
	for _, record := range hdr.PG {
		out = formatHeaderLine(out, "@PG", record)
	}
	for _, comment := range hdr.CO {
		out = append(append(append(out, "@CO\t"...), comment...), '\n')
	}
	for code, records := range hdr.UserRecords {
		for _, record := range records {
			out = formatHeaderLine(out, code, record)
		}
	}
	return out
}

// FormatTag appends the textual TAG:TYPE:VALUE form of an optional
// field to out.
func FormatTag(out []byte, tag utils.Symbol, value interface{}) ([]byte, error) {
	out = append(out, '\t')
	out = append(out, *tag...)

	switch val := value.(type) {
	case byte:
		out = append(append(out, ":A:"...), val)
	case int64:
		out = strconv.AppendInt(append(out, ":i:"...), val, 10)
	case float32:
		out = strconv.AppendFloat(append(out, ":f:"...), float64(val), 'g', -1, 32)
	case string:
		out = append(append(out, ":Z:"...), val...)
	case utils.Symbol:
		out = append(append(out, ":Z:"...), *val...)
	case ByteArray:
		out = append(out, ":H:"...)
		for _, b := range val {
			if b < 16 {
				out = append(out, '0')
			}
			out = strconv.AppendUint(out, uint64(b), 16)
		}
	case []int8:
		out = append(out, ":B:c"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint8:
		out = append(out, ":B:C"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []int16:
		out = append(out, ":B:s"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint16:
		out = append(out, ":B:S"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []int32:
		out = append(out, ":B:i"...)
		for _, v := range val {
			out = strconv.AppendInt(append(out, ','), int64(v), 10)
		}
	case []uint32:
		out = append(out, ":B:I"...)
		for _, v := range val {
			out = strconv.AppendUint(append(out, ','), uint64(v), 10)
		}
	case []float32:
		out = append(out, ":B:f"...)
		for _, v := range val {
			out = strconv.AppendFloat(append(out, ','), float64(v), 'g', -1, 32)
		}
	default:
		return nil, fmt.Errorf("unknown SAM alignment TAG type %v", value)
	}

	return out, nil
}

// Format appends the tab-separated, newline-terminated textual form of
// the alignment to out.
func (aln *Alignment) Format(out []byte) ([]byte, error) {
	out = append(append(out, aln.QNAME...), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.FLAG), 10), '\t')
	out = append(append(out, aln.RNAME...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.POS), 10), '\t')
	out = append(strconv.AppendUint(out, uint64(aln.MAPQ), 10), '\t')
	out = append(appendCigarString(out, aln.CIGAR), '\t')
	out = append(append(out, aln.RNEXT...), '\t')
	out = append(strconv.AppendInt(out, int64(aln.PNEXT), 10), '\t')
	out = append(strconv.AppendInt(out, int64(aln.TLEN), 10), '\t')
	out = append(aln.SEQ.appendString(out), '\t')
	if aln.QUAL == nil {
		out = append(out, '*')
	} else {
		for _, q := range aln.QUAL {
			out = append(out, q+'!')
		}
	}

	var err error
	for _, entry := range aln.TAGS {
		if out, err = FormatTag(out, entry.Key, entry.Value); err != nil {
			return nil, err
		}
	}

	return append(out, '\n'), nil
}

// samReader reads the text form of SAM files. When the underlying
// source is a regular file, iteration over the alignment section can
// be restarted.
type samReader struct {
	rc       io.Closer
	file     *os.File
	buf      *bufio.Reader
	line     int
	body     int64 // file offset of the first alignment line
	bodyLine int
}

func (reader *samReader) ParseHeader() (*Header, error) {
	hdr, lines, err := ParseHeader(reader.buf)
	if err != nil {
		return nil, err
	}
	reader.line = lines
	if err := reader.markBody(); err != nil {
		return nil, err
	}
	return hdr, nil
}

func (reader *samReader) SkipHeader() error {
	lines, err := SkipHeader(reader.buf)
	if err != nil {
		return err
	}
	reader.line = lines
	return reader.markBody()
}

func (reader *samReader) markBody() error {
	if reader.file == nil {
		return nil
	}
	offset, err := reader.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	reader.body = offset - int64(reader.buf.Buffered())
	reader.bodyLine = reader.line
	return nil
}

// Read parses the next alignment line, or returns io.EOF at the end of
// the file.
func (reader *samReader) Read() (*Alignment, error) {
	for {
		line, err := reader.buf.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF
		line = trimNewline(line)
		reader.line++
		if line != "" {
			return ParseAlignmentLine(line, reader.line)
		}
		if atEOF {
			return nil, io.EOF
		}
	}
}

// Restart repositions the reader at the first alignment line. It fails
// for non-seekable inputs such as pipes.
func (reader *samReader) Restart() error {
	if reader.file == nil {
		return errors.New("cannot restart iteration over a non-seekable SAM input")
	}
	if _, err := reader.file.Seek(reader.body, io.SeekStart); err != nil {
		return err
	}
	reader.buf.Reset(reader.file)
	reader.line = reader.bodyLine
	return nil
}

func (reader *samReader) Close() error {
	if reader.rc != os.Stdin {
		return reader.rc.Close()
	}
	return nil
}

func trimNewline(line string) string {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line
}

// samWriter writes the text form of SAM files.
type samWriter struct {
	wc  io.Closer
	out *bufio.Writer
}

func (writer *samWriter) FormatHeader(hdr *Header) error {
	buf := hdr.FormatSam(internal.ReserveByteBuffer())
	_, err := writer.out.Write(buf)
	internal.ReleaseByteBuffer(buf)
	return err
}

func (writer *samWriter) PutAlignment(aln *Alignment) error {
	buf, err := aln.Format(internal.ReserveByteBuffer())
	if err != nil {
		return err
	}
	_, err = writer.out.Write(buf)
	internal.ReleaseByteBuffer(buf)
	return err
}

func (writer *samWriter) Close() error {
	if err := writer.out.Flush(); err != nil {
		return err
	}
	if writer.wc != os.Stdout {
		return writer.wc.Close()
	}
	return nil
}
