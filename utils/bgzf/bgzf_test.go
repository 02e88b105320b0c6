// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package bgzf

import (
	"bufio"
	"bytes"
	"compress/flate"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func testData(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(rng.Intn(256))
	}
	return data
}

func compress(t *testing.T, segments ...[]byte) ([]byte, []BlockDescriptor) {
	t.Helper()
	var buf bytes.Buffer
	writer := NewWriter(&buf, flate.DefaultCompression)
	for _, segment := range segments {
		if _, err := writer.Write(segment); err != nil {
			t.Fatal(err)
		}
		if err := writer.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes(), writer.Blocks()
}

func TestWriterCloseIdempotent(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf, flate.DefaultCompression)
	if _, err := writer.Write([]byte("some data")); err != nil {
		t.Fatal(err)
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	size := buf.Len()
	if err := writer.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if buf.Len() != size {
		t.Errorf("second Close grew the file from %d to %d bytes", size, buf.Len())
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	data := testData(300000, 1)
	var buf bytes.Buffer
	writer := NewWriter(&buf, flate.DefaultCompression)
	for chunk := data; len(chunk) > 0; {
		n := striding(len(chunk))
		if _, err := writer.Write(chunk[:n]); err != nil {
			t.Fatal(err)
		}
		chunk = chunk[n:]
	}
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	compressed := buf.Bytes()
	if !bytes.Equal(compressed[len(compressed)-len(eof):], eof) {
		t.Error("missing EOF marker at the end of the file")
	}
	blocks := writer.Blocks()
	offset := int64(0)
	usize := 0
	for _, block := range blocks {
		if block.Offset != offset {
			t.Fatalf("block offset %d, want %d", block.Offset, offset)
		}
		if block.UncompressedSize > MaxBlockSize {
			t.Fatalf("block of %d uncompressed bytes exceeds the maximum", block.UncompressedSize)
		}
		offset += int64(block.CompressedSize)
		usize += block.UncompressedSize
	}
	if usize != len(data) {
		t.Fatalf("blocks cover %d uncompressed bytes, want %d", usize, len(data))
	}

	reader, err := NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("decompressed contents differ from the original data")
	}
}

// striding yields uneven write sizes so that writes straddle block
// boundaries.
func striding(remaining int) int {
	n := remaining%8191 + 1
	if n > remaining {
		n = remaining
	}
	return n
}

func TestBlockReaderSequential(t *testing.T) {
	data := testData(200000, 2)
	compressed, _ := compress(t, data)
	reader := NewBlockReader(bytes.NewReader(compressed))
	decompressed, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decompressed, data) {
		t.Error("decompressed contents differ from the original data")
	}
}

func TestBlockReaderSeek(t *testing.T) {
	a := testData(1000, 3)
	b := testData(2000, 4)
	c := testData(1500, 5)
	compressed, blocks := compress(t, a, b, c)
	if len(blocks) != 3 {
		t.Fatalf("%d blocks, want 3", len(blocks))
	}

	reader := NewBlockReader(bytes.NewReader(compressed))
	if got := reader.Tell(); got != MakeVirtualOffset(0, 0) {
		t.Errorf("initial position %v, want 0:0", got)
	}
	if err := reader.Seek(MakeVirtualOffset(blocks[1].Offset, 10)); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(b)-10)
	if _, err := io.ReadFull(reader, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, b[10:]) {
		t.Error("contents after seek differ from the original data")
	}
	if pos := reader.Tell(); pos.File() != blocks[2].Offset {
		t.Errorf("position after block 1 is %v, want block offset %d", pos, blocks[2].Offset)
	}

	// Seeking backwards reloads the earlier block.
	if err := reader.Seek(MakeVirtualOffset(blocks[0].Offset, 0)); err != nil {
		t.Fatal(err)
	}
	got = make([]byte, len(a))
	if _, err := io.ReadFull(reader, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, a) {
		t.Error("contents after backward seek differ from the original data")
	}
}

func TestBlockAt(t *testing.T) {
	a := testData(4096, 6)
	b := testData(8192, 7)
	compressed, blocks := compress(t, a, b)
	reader := NewBlockReader(bytes.NewReader(compressed))
	contents, desc, err := reader.BlockAt(blocks[1].Offset)
	if err != nil {
		t.Fatal(err)
	}
	if desc != blocks[1] {
		t.Errorf("block descriptor %+v, want %+v", desc, blocks[1])
	}
	if !bytes.Equal(contents, b) {
		t.Error("block contents differ from the original data")
	}
}

func TestVirtualOffset(t *testing.T) {
	v := MakeVirtualOffset(0x123456789AB, 0xCDEF)
	if v.File() != 0x123456789AB {
		t.Errorf("file offset %#x, want 0x123456789ab", v.File())
	}
	if v.Block() != 0xCDEF {
		t.Errorf("block offset %#x, want 0xcdef", v.Block())
	}
	if MakeVirtualOffset(0, 0) != 0 {
		t.Error("zero virtual offset is not zero")
	}
}

func TestCorruptBlockIsIsolated(t *testing.T) {
	a := testData(4096, 8)
	b := testData(4096, 9)
	compressed, blocks := compress(t, a, b)
	corrupt := append([]byte(nil), compressed...)
	corrupt[20] ^= 0xFF // inside the DEFLATE payload of the first block

	reader := NewBlockReader(bytes.NewReader(corrupt))
	var one [1]byte
	_, err := reader.Read(one[:])
	var blockErr *CorruptBlockError
	if !errors.As(err, &blockErr) {
		t.Fatalf("got %v, want a *CorruptBlockError", err)
	}
	if blockErr.Offset != 0 {
		t.Errorf("corrupt block reported at offset %d, want 0", blockErr.Offset)
	}

	// The second block is unaffected.
	contents, _, err := reader.BlockAt(blocks[1].Offset)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(contents, b) {
		t.Error("contents of the intact block differ from the original data")
	}
}

func TestIsGzip(t *testing.T) {
	data := testData(100, 10)
	compressed, _ := compress(t, data)
	if gz, err := IsGzip(bufio.NewReader(bytes.NewReader(compressed))); err != nil || !gz {
		t.Errorf("IsGzip on a BGZF file: %v, %v", gz, err)
	}
	if gz, err := IsGzip(bufio.NewReader(strings.NewReader("@HD\tVN:1.6\n"))); err != nil || gz {
		t.Errorf("IsGzip on SAM text: %v, %v", gz, err)
	}
}

func TestEmptyFile(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf, flate.DefaultCompression)
	if err := writer.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), eof) {
		t.Error("an empty BGZF file should consist of the EOF marker only")
	}
	reader := NewBlockReader(bytes.NewReader(buf.Bytes()))
	if _, err := io.ReadAll(reader); err != nil {
		t.Fatal(err)
	}
}
