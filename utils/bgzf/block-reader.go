// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package bgzf

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
)

// A BlockReader reads a BGZF file through an io.ReadSeeker, one block
// at a time. Unlike Reader it supports random access through virtual
// offsets, at the cost of decompressing sequentially in the calling
// goroutine. Every block is verified against the CRC-32 checksum
// recorded when it was written; a mismatch surfaces as a
// *CorruptBlockError for that block only, and other blocks remain
// readable.
//
// A BlockReader is not safe for concurrent use; open one per goroutine
// for independent queries against the same file.
type BlockReader struct {
	r       io.ReadSeeker
	coffset int64 // file offset of the currently loaded block
	next    int64 // file offset of the block after it
	data    []byte
	index   int
	header  [12]byte
	scratch []byte
}

// NewBlockReader returns a BlockReader for the given io.ReadSeeker,
// positioned at the first block.
func NewBlockReader(r io.ReadSeeker) *BlockReader {
	return &BlockReader{r: r, coffset: -1, next: 0}
}

// loadBlockAt reads and decompresses the block starting at the given
// file offset into the reader's current block buffer.
func (bgzf *BlockReader) loadBlockAt(coffset int64) error {
	if _, err := bgzf.r.Seek(coffset, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(bgzf.r, bgzf.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return &CorruptBlockError{Offset: coffset, Reason: "truncated gzip header"}
		}
		return err
	}
	if bgzf.header[0] != 0x1f || bgzf.header[1] != 0x8b || bgzf.header[2] != 8 || bgzf.header[3]&0x04 == 0 {
		return &CorruptBlockError{Offset: coffset, Reason: "not a BGZF gzip member"}
	}
	xlen := int(binary.LittleEndian.Uint16(bgzf.header[10:12]))
	bgzf.scratch = grow(bgzf.scratch, xlen)
	if _, err := io.ReadFull(bgzf.r, bgzf.scratch); err != nil {
		return truncated(coffset, err)
	}
	bsize := parseBSize(bgzf.scratch)
	if bsize < 0 {
		return &CorruptBlockError{Offset: coffset, Reason: "missing BC extra subfield"}
	}
	payload := bsize - 12 - xlen - 8
	if payload < 0 {
		return &CorruptBlockError{Offset: coffset, Reason: "inconsistent block size"}
	}
	bgzf.scratch = grow(bgzf.scratch, payload)
	if _, err := io.ReadFull(bgzf.r, bgzf.scratch); err != nil {
		return truncated(coffset, err)
	}
	var tail [8]byte
	if _, err := io.ReadFull(bgzf.r, tail[:]); err != nil {
		return truncated(coffset, err)
	}
	sum := binary.LittleEndian.Uint32(tail[0:4])
	isize := int(binary.LittleEndian.Uint32(tail[4:8]))
	if isize > MaxBlockSize {
		return &CorruptBlockError{Offset: coffset, Reason: "uncompressed block size out of range"}
	}
	bgzf.data = grow(bgzf.data, isize)
	if err := inflate(bgzf.scratch, bgzf.data); err != nil {
		return &CorruptBlockError{Offset: coffset, Reason: fmt.Sprintf("inflate: %v", err)}
	}
	if crc32.ChecksumIEEE(bgzf.data) != sum {
		return &CorruptBlockError{Offset: coffset, Reason: "CRC-32 mismatch"}
	}
	bgzf.coffset = coffset
	bgzf.next = coffset + int64(bsize)
	bgzf.index = 0
	return nil
}

func truncated(coffset int64, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &CorruptBlockError{Offset: coffset, Reason: "truncated block"}
	}
	return err
}

func grow(buf []byte, n int) []byte {
	for cap(buf) < n {
		buf = append(buf[:cap(buf)], 0)
	}
	return buf[:n]
}

// BlockAt decompresses the single block starting at the given file
// offset and returns its contents together with its descriptor. The
// returned slice is valid until the next call on this BlockReader.
func (bgzf *BlockReader) BlockAt(coffset int64) ([]byte, BlockDescriptor, error) {
	if err := bgzf.loadBlockAt(coffset); err != nil {
		return nil, BlockDescriptor{}, err
	}
	return bgzf.data, BlockDescriptor{
		Offset:           coffset,
		CompressedSize:   int(bgzf.next - coffset),
		UncompressedSize: len(bgzf.data),
	}, nil
}

// Seek repositions the reader at the given virtual offset.
func (bgzf *BlockReader) Seek(v VirtualOffset) error {
	if v.File() != bgzf.coffset {
		if err := bgzf.loadBlockAt(v.File()); err != nil {
			return err
		}
	}
	if v.Block() > len(bgzf.data) {
		return &CorruptBlockError{Offset: v.File(), Reason: "virtual offset beyond block contents"}
	}
	bgzf.index = v.Block()
	return nil
}

// Tell returns the virtual offset of the next byte Read would deliver.
func (bgzf *BlockReader) Tell() VirtualOffset {
	if bgzf.coffset < 0 || bgzf.index == len(bgzf.data) {
		return MakeVirtualOffset(bgzf.next, 0)
	}
	return MakeVirtualOffset(bgzf.coffset, bgzf.index)
}

// Read implements the corresponding method of io.Reader. It returns
// io.EOF at the BGZF EOF marker or the physical end of the file.
func (bgzf *BlockReader) Read(p []byte) (n int, err error) {
	for bgzf.coffset < 0 || bgzf.index == len(bgzf.data) {
		if err := bgzf.advance(); err != nil {
			return 0, err
		}
	}
	n = copy(p, bgzf.data[bgzf.index:])
	bgzf.index += n
	return n, nil
}

// advance loads the next block, skipping nothing: empty blocks other
// than the terminal EOF marker simply yield another advance.
func (bgzf *BlockReader) advance() error {
	coffset := bgzf.next
	if _, err := bgzf.r.Seek(coffset, io.SeekStart); err != nil {
		return err
	}
	// Peek one byte to distinguish end of file from a further block.
	var one [1]byte
	if _, err := bgzf.r.Read(one[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		return err
	}
	if err := bgzf.loadBlockAt(coffset); err != nil {
		return err
	}
	if len(bgzf.data) == 0 && bgzf.isEOFMarker() {
		return io.EOF
	}
	return nil
}

// isEOFMarker reports whether the currently loaded block is the fixed
// BGZF EOF marker, i.e. an empty block at the physical end of the file.
func (bgzf *BlockReader) isEOFMarker() bool {
	if _, err := bgzf.r.Seek(bgzf.next, io.SeekStart); err != nil {
		return false
	}
	var one [1]byte
	_, err := bgzf.r.Read(one[:])
	return err == io.EOF
}
