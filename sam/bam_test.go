// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antonybholmes/libbam/utils/bgzf"
)

func testBamHeader(t *testing.T) *Header {
	t.Helper()
	hdr, _, err := ParseHeader(bufio.NewReader(strings.NewReader(testHeaderText)))
	if err != nil {
		t.Fatal(err)
	}
	return hdr
}

func mustParseAlignment(t *testing.T, line string) *Alignment {
	t.Helper()
	aln, err := ParseAlignmentLine(line, 0)
	if err != nil {
		t.Fatalf("%v: %v", line, err)
	}
	return aln
}

func writeBam(t *testing.T, path string, hdr *Header, alns []*Alignment) {
	t.Helper()
	out, err := Create(path, gzip.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.FormatHeader(hdr); err != nil {
		t.Fatal(err)
	}
	for _, aln := range alns {
		if err := out.PutAlignment(aln); err != nil {
			t.Fatal(err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
}

func readAllAlignments(t *testing.T, path string, filter AlignmentFilter) (*Header, []*Alignment) {
	t.Helper()
	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	hdr, err := in.ParseHeader()
	if err != nil {
		t.Fatal(err)
	}
	iter, err := in.Alignments(filter)
	if err != nil {
		t.Fatal(err)
	}
	var alns []*Alignment
	for iter.Next() {
		alns = append(alns, iter.Alignment())
	}
	if err := iter.Err(); err != nil {
		t.Fatal(err)
	}
	return hdr, alns
}

var testBamLines = []string{
	"r1\t99\tchr1\t100\t60\t50M\t=\t300\t250\t" +
		strings.Repeat("ACGTT", 10) + "\t" + strings.Repeat("I", 50) +
		"\tNM:i:2\tMD:Z:10A39\tXB:B:i,1,-2,3\tXF:f:1.5\tXT:A:U",
	"r2\t147\tchr1\t300\t60\t30M5I15M\t=\t100\t-250\t" +
		strings.Repeat("GATTA", 10) + "\t" + strings.Repeat("F", 50) +
		"\tNM:i:5",
	"r3\t0\tchr2\t100\t30\t20M\t*\t0\t0\t" + strings.Repeat("TTAG", 5) + "\t" + strings.Repeat("#", 20),
	"u1\t4\t*\t0\t0\t*\t*\t0\t0\tACGT\t*",
}

func TestBamRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	var alns []*Alignment
	for _, line := range testBamLines {
		alns = append(alns, mustParseAlignment(t, line))
	}
	writeBam(t, path, hdr, alns)

	got, gotAlns := readAllAlignments(t, path, nil)
	if gotText := string(got.FormatSam(nil)); gotText != testHeaderText {
		t.Errorf("header round trip produced\n%s\nwant\n%s", gotText, testHeaderText)
	}
	if len(gotAlns) != len(testBamLines) {
		t.Fatalf("%d records, want %d", len(gotAlns), len(testBamLines))
	}
	for i, aln := range gotAlns {
		formatted, err := aln.Format(nil)
		if err != nil {
			t.Fatal(err)
		}
		if gotLine := strings.TrimSuffix(string(formatted), "\n"); gotLine != testBamLines[i] {
			t.Errorf("record %d round trip produced\n%s\nwant\n%s", i, gotLine, testBamLines[i])
		}
	}

	// A coordinate-sorted BAM written to a file gets a sidecar index.
	if _, err := os.Stat(path + ".bai"); err != nil {
		t.Errorf("missing sidecar index: %v", err)
	}
}

func TestBamTruncatedRecord(t *testing.T) {
	hdr := testBamHeader(t)
	aln := mustParseAlignment(t, "r1\t0\tchr1\t100\t60\t20M\t*\t0\t0\t"+
		strings.Repeat("ACGT", 5)+"\t"+strings.Repeat("I", 20))
	headerBuf, err := hdr.FormatBam(nil)
	if err != nil {
		t.Fatal(err)
	}
	record, err := formatBamAlignment(nil, aln, hdr.dictTable())
	if err != nil {
		t.Fatal(err)
	}

	for _, check := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"block_size past the end of the file", func(record []byte) []byte {
			mangled := append([]byte(nil), record...)
			binary.LittleEndian.PutUint32(mangled, binary.LittleEndian.Uint32(mangled)+64)
			return mangled
		}},
		{"record body cut short", func(record []byte) []byte {
			return append([]byte(nil), record[:len(record)-10]...)
		}},
		{"read name length past the record end", func(record []byte) []byte {
			mangled := append([]byte(nil), record...)
			mangled[12] = 0xFF // l_read_name
			return mangled
		}},
	} {
		path := filepath.Join(t.TempDir(), "test.bam")
		file, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		writer := bgzf.NewWriter(file, gzip.DefaultCompression)
		if _, err := writer.Write(headerBuf); err != nil {
			t.Fatal(err)
		}
		if _, err := writer.Write(check.mangle(record)); err != nil {
			t.Fatal(err)
		}
		if err := writer.Close(); err != nil {
			t.Fatal(err)
		}
		if err := file.Close(); err != nil {
			t.Fatal(err)
		}

		in, err := Open(path)
		if err != nil {
			t.Fatal(err)
		}
		iter, err := in.Alignments(nil)
		if err != nil {
			t.Fatal(err)
		}
		for iter.Next() {
		}
		var truncated *TruncatedRecordError
		if !errors.As(iter.Err(), &truncated) {
			t.Errorf("%v: got %v, want a truncated record error", check.name, iter.Err())
		} else if want := bgzf.MakeVirtualOffset(0, len(headerBuf)); truncated.Offset != want {
			t.Errorf("%v: error reports offset %v, want %v", check.name, truncated.Offset, want)
		}
		in.Close()
	}
}

func queryNames(t *testing.T, in *InputFile, rname string, beg, end int32) []string {
	t.Helper()
	iter, err := in.Query(rname, beg, end, nil)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for iter.Next() {
		names = append(names, iter.Alignment().QNAME)
	}
	if err := iter.Err(); err != nil {
		t.Fatal(err)
	}
	return names
}

func TestBamQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	var alns []*Alignment
	for _, line := range testBamLines {
		alns = append(alns, mustParseAlignment(t, line))
	}
	writeBam(t, path, hdr, alns)

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	for _, check := range []struct {
		rname    string
		beg, end int32
		want     string
	}{
		{"chr1", 0, 200, "r1"},       // r1 covers [99, 149)
		{"chr1", 250, 400, "r2"},     // r2 covers [299, 344)
		{"chr1", 140, 310, "r1 r2"},  // overlaps both
		{"chr1", 500, 600, ""},       // past every record
		{"chr2", 0, 2000, "r3"},
	} {
		got := strings.Join(queryNames(t, in, check.rname, check.beg, check.end), " ")
		if got != check.want {
			t.Errorf("query %v:[%d,%d) returned %q, want %q", check.rname, check.beg, check.end, got, check.want)
		}
	}

	if _, err := in.Query("chrUn", 0, 100, nil); err == nil {
		t.Error("a query for an undeclared reference name should fail")
	}
}

func TestQueryBuildsIndexInMemory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	hdr.SetHDSO("unknown") // suppresses the sidecar index on Close
	var alns []*Alignment
	for _, line := range testBamLines {
		alns = append(alns, mustParseAlignment(t, line))
	}
	writeBam(t, path, hdr, alns)
	if _, err := os.Stat(path + ".bai"); !os.IsNotExist(err) {
		t.Fatalf("unexpected sidecar index: %v", err)
	}

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	if got := strings.Join(queryNames(t, in, "chr1", 0, 200), " "); got != "r1" {
		t.Errorf("query returned %q, want %q", got, "r1")
	}
}

func TestQueryOnSamInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.sam")
	hdr := testBamHeader(t)
	var alns []*Alignment
	for _, line := range testBamLines {
		alns = append(alns, mustParseAlignment(t, line))
	}
	contents := &Sam{Header: hdr, Alignments: alns}
	if err := contents.WriteFile(path, gzip.DefaultCompression); err != nil {
		t.Fatal(err)
	}

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	if got := strings.Join(queryNames(t, in, "chr1", 140, 310), " "); got != "r1 r2" {
		t.Errorf("query returned %q, want %q", got, "r1 r2")
	}
	// Queries on text inputs fall back to a scan, which restarts.
	if got := strings.Join(queryNames(t, in, "chr2", 0, 2000), " "); got != "r3" {
		t.Errorf("second query returned %q, want %q", got, "r3")
	}
}

func TestOutOfOrderWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	out, err := Create(path, gzip.DefaultCompression)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.FormatHeader(hdr); err != nil {
		t.Fatal(err)
	}
	if err := out.PutAlignment(mustParseAlignment(t, "r2\t0\tchr1\t300\t60\t20M\t*\t0\t0\t*\t*")); err != nil {
		t.Fatal(err)
	}
	err = out.PutAlignment(mustParseAlignment(t, "r1\t0\tchr1\t100\t60\t20M\t*\t0\t0\t*\t*"))
	var outOfOrder *OutOfOrderWriteError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("got %v, want an *OutOfOrderWriteError", err)
	}
	if outOfOrder.QNAME != "r1" || outOfOrder.RNAME != "chr1" || outOfOrder.POS != 100 {
		t.Errorf("unexpected error details %+v", outOfOrder)
	}
	// The error sticks.
	if err := out.PutAlignment(mustParseAlignment(t, "r3\t0\tchr1\t400\t60\t20M\t*\t0\t0\t*\t*")); !errors.As(err, &outOfOrder) {
		t.Errorf("write after a failed write returned %v, want the first error", err)
	}
	if err := out.Close(); !errors.As(err, &outOfOrder) {
		t.Errorf("Close returned %v, want the first error", err)
	}
	if err := out.Close(); !errors.As(err, &outOfOrder) {
		t.Errorf("second Close returned %v, want the first error", err)
	}
}

func TestBamManyRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	SetSQLN(hdr.SQ[0], 1<<20)
	const n = 3000
	seq := strings.Repeat("ACGTTGCAA", 11) + "A" // 100 bases
	qual := strings.Repeat("I", 100)
	var alns []*Alignment
	for i := 0; i < n; i++ {
		line := fmt.Sprintf("read%04d\t0\tchr1\t%d\t60\t100M\t*\t0\t0\t%s\t%s", i, 100+i*3, seq, qual)
		alns = append(alns, mustParseAlignment(t, line))
	}
	writeBam(t, path, hdr, alns)

	_, gotAlns := readAllAlignments(t, path, nil)
	if len(gotAlns) != n {
		t.Fatalf("%d records, want %d", len(gotAlns), n)
	}
	for i, aln := range gotAlns {
		if want := fmt.Sprintf("read%04d", i); aln.QNAME != want {
			t.Fatalf("record %d is %v, want %v", i, aln.QNAME, want)
		}
		if aln.POS != int32(100+i*3) {
			t.Fatalf("record %d at position %d, want %d", i, aln.POS, 100+i*3)
		}
	}

	// Record 1000 covers the zero-based interval [3099, 3199).
	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	names := queryNames(t, in, "chr1", 3150, 3151)
	var want []string
	for i := 0; i < n; i++ {
		beg := int32(99 + i*3)
		if beg < 3151 && beg+100 > 3150 {
			want = append(want, fmt.Sprintf("read%04d", i))
		}
	}
	if got, wanted := strings.Join(names, " "), strings.Join(want, " "); got != wanted {
		t.Errorf("query returned %q, want %q", got, wanted)
	}
}

func TestRestartAlignments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	var alns []*Alignment
	for _, line := range testBamLines {
		alns = append(alns, mustParseAlignment(t, line))
	}
	writeBam(t, path, hdr, alns)

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	for round := 0; round < 2; round++ {
		iter, err := in.Alignments(nil)
		if err != nil {
			t.Fatal(err)
		}
		count := 0
		for iter.Next() {
			count++
		}
		if err := iter.Err(); err != nil {
			t.Fatal(err)
		}
		if count != len(testBamLines) {
			t.Fatalf("round %d saw %d records, want %d", round, count, len(testBamLines))
		}
	}
}
