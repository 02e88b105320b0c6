// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"
)

func TestReg2Bin(t *testing.T) {
	for _, check := range []struct {
		beg, end int32
		want     uint16
	}{
		{0, 1, 4681},               // first 16kb window
		{1 << 14, 1<<14 + 1, 4682}, // second 16kb window
		{0, 1 << 15, 585},          // spans two 16kb windows
		{0, 1 << 18, 73},           // spans two 128kb windows
		{1 << 26, 1<<26 + 1, 8777},
		{0, 1 << 29, 0}, // only the root bin can hold this
		{-1, 0, 4680},   // unplaced records
	} {
		if got := reg2bin(check.beg, check.end); got != check.want {
			t.Errorf("reg2bin(%d, %d) = %d, want %d", check.beg, check.end, got, check.want)
		}
	}
}

func TestReg2BinsContainsReg2Bin(t *testing.T) {
	regions := [][2]int32{
		{0, 100}, {16000, 17000}, {0, 1 << 20}, {1 << 26, 1<<26 + 1<<15}, {12345, 678901},
		{0, math.MaxInt32}, // as produced by ParseRegion without an interval
	}
	records := [][2]int32{
		{0, 50}, {99, 199}, {16383, 16385}, {1 << 20, 1<<20 + 100}, {1 << 26, 1<<26 + 1}, {500000, 500100},
		{210000000, 210000050}, {1<<29 - 100, 1<<29 - 50},
	}
	for _, region := range regions {
		bins := make(map[uint16]bool)
		for _, bin := range reg2bins(region[0], region[1]) {
			bins[bin] = true
		}
		for _, record := range records {
			if record[0] >= region[1] || record[1] <= region[0] {
				continue
			}
			if bin := reg2bin(record[0], record[1]); !bins[bin] {
				t.Errorf("reg2bins(%d, %d) misses bin %d of the overlapping record [%d, %d)",
					region[0], region[1], bin, record[0], record[1])
			}
		}
	}
}

func TestQueryOpenEndedRegion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	SetSQLN(hdr.SQ[0], 1<<29-1)
	alns := []*Alignment{
		mustParseAlignment(t, "r1\t0\tchr1\t100\t60\t50M\t*\t0\t0\t*\t*"),
		mustParseAlignment(t, "r2\t0\tchr1\t210000001\t60\t50M\t*\t0\t0\t*\t*"),
	}
	writeBam(t, path, hdr, alns)

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	rname, beg, end, err := ParseRegion("chr1")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(queryNames(t, in, rname, beg, end), " "); got != "r1 r2" {
		t.Errorf("whole reference query returned %q, want %q", got, "r1 r2")
	}
	if got := strings.Join(queryNames(t, in, "chr1", 210000000, 210000100), " "); got != "r2" {
		t.Errorf("query past 201Mb returned %q, want %q", got, "r2")
	}
}

// randomSortedAlignments produces a coordinate-sorted record set over
// chr1 and chr2 with varying positions and lengths, plus a few
// unplaced records at the end.
func randomSortedAlignments(t *testing.T, n int, seed int64) []*Alignment {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var alns []*Alignment
	id := 0
	for _, rname := range []string{"chr1", "chr2"} {
		pos := int32(1)
		for i := 0; i < n/2; i++ {
			pos += rng.Int31n(2000)
			length := 1 + rng.Int31n(200)
			line := fmt.Sprintf("read%05d\t0\t%s\t%d\t60\t%dM\t*\t0\t0\t*\t*", id, rname, pos, length)
			alns = append(alns, mustParseAlignment(t, line))
			id++
		}
	}
	for i := 0; i < 5; i++ {
		line := fmt.Sprintf("read%05d\t4\t*\t0\t0\t*\t*\t0\t0\t*\t*", id)
		alns = append(alns, mustParseAlignment(t, line))
		id++
	}
	return alns
}

func TestIndexQueryMatchesScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	SetSQLN(hdr.SQ[0], 1<<26)
	SetSQLN(hdr.SQ[1], 1<<26)
	alns := randomSortedAlignments(t, 1200, 42)
	writeBam(t, path, hdr, alns)

	in, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	for _, check := range []struct {
		rname    string
		beg, end int32
	}{
		{"chr1", 0, 10000},
		{"chr1", 100000, 200000},
		{"chr2", 50000, 50001},
		{"chr2", 0, 1 << 26},
		{"chr1", 1 << 25, 1 << 26}, // past every record
	} {
		var want []string
		for _, aln := range alns {
			if aln.RNAME == check.rname && aln.Overlaps(check.beg, check.end) {
				want = append(want, aln.QNAME)
			}
		}
		got := queryNames(t, in, check.rname, check.beg, check.end)
		if strings.Join(got, " ") != strings.Join(want, " ") {
			t.Errorf("query %v:[%d,%d) returned %d records, want %d",
				check.rname, check.beg, check.end, len(got), len(want))
		}
	}
}

func TestIndexCounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	SetSQLN(hdr.SQ[0], 1<<26)
	SetSQLN(hdr.SQ[1], 1<<26)
	alns := randomSortedAlignments(t, 600, 7)
	writeBam(t, path, hdr, alns)

	idx, err := ReadIndexFile(path + ".bai")
	if err != nil {
		t.Fatal(err)
	}
	for refid, rname := range []string{"chr1", "chr2"} {
		var wantMapped uint64
		for _, aln := range alns {
			if aln.RNAME == rname && !aln.IsUnmapped() {
				wantMapped++
			}
		}
		mapped, unmapped, ok := idx.ReferenceCounts(int32(refid))
		if !ok {
			t.Fatalf("no counts for reference %v", rname)
		}
		if mapped != wantMapped || unmapped != 0 {
			t.Errorf("%v counts (%d, %d), want (%d, 0)", rname, mapped, unmapped, wantMapped)
		}
	}
	if got := idx.NoCoordinates(); got != 5 {
		t.Errorf("%d unplaced records, want 5", got)
	}
}

func TestIndexSerializationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.bam")
	hdr := testBamHeader(t)
	SetSQLN(hdr.SQ[0], 1<<26)
	SetSQLN(hdr.SQ[1], 1<<26)
	writeBam(t, path, hdr, randomSortedAlignments(t, 400, 11))

	idx, err := ReadIndexFile(path + ".bai")
	if err != nil {
		t.Fatal(err)
	}
	copyPath := filepath.Join(dir, "copy.bai")
	if err := idx.WriteToFile(copyPath); err != nil {
		t.Fatal(err)
	}
	reread, err := ReadIndexFile(copyPath)
	if err != nil {
		t.Fatal(err)
	}

	for refid := int32(0); refid < 2; refid++ {
		for _, region := range [][2]int32{{0, 1 << 14}, {100000, 300000}, {0, 1 << 26}} {
			got := reread.Chunks(refid, region[0], region[1])
			want := idx.Chunks(refid, region[0], region[1])
			if len(got) != len(want) {
				t.Fatalf("reference %d region %v: %d chunks, want %d", refid, region, len(got), len(want))
			}
			for i := range got {
				if got[i] != want[i] {
					t.Fatalf("reference %d region %v: chunk %d is %v, want %v", refid, region, i, got[i], want[i])
				}
			}
		}
	}
	if reread.NoCoordinates() != idx.NoCoordinates() {
		t.Errorf("unplaced count %d, want %d", reread.NoCoordinates(), idx.NoCoordinates())
	}
}

func TestIndexRejectsUnsortedInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bam")
	hdr := testBamHeader(t)
	hdr.SetHDSO("unknown")
	alns := []*Alignment{
		mustParseAlignment(t, "r1\t0\tchr1\t300\t60\t20M\t*\t0\t0\t*\t*"),
		mustParseAlignment(t, "r2\t0\tchr1\t100\t60\t20M\t*\t0\t0\t*\t*"),
	}
	writeBam(t, path, hdr, alns)
	if err := IndexFile(path); err == nil {
		t.Error("indexing a file that is not coordinate sorted should fail")
	}
}
