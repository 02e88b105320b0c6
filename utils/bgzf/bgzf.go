// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

// Package bgzf implements the blocked gzip file format (BGZF) used by
// the BAM format. A BGZF file is a sequence of gzip members, each at
// most 64 KiB of uncompressed data, with the total compressed size of
// the member recorded in a BC extra subfield of its gzip header. Every
// block can be decompressed on its own, which makes random access into
// a compressed file possible.
package bgzf

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MaxBlockSize is the maximum uncompressed size of a BGZF block.
const MaxBlockSize = 0x10000

// eof is the fixed empty block that terminates every valid BGZF file.
var eof = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x1b, 0x00,
	0x03, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00,
}

// A VirtualOffset identifies a byte in a BGZF file: the upper 48 bits
// hold the file offset of the block it sits in, the lower 16 bits the
// offset within the uncompressed contents of that block.
type VirtualOffset uint64

// MakeVirtualOffset composes a virtual offset from a block file offset
// and an offset within the uncompressed block contents.
func MakeVirtualOffset(coffset int64, uoffset int) VirtualOffset {
	return VirtualOffset(coffset)<<16 | VirtualOffset(uoffset&0xFFFF)
}

// File returns the file offset of the block this virtual offset points into.
func (v VirtualOffset) File() int64 {
	return int64(v >> 16)
}

// Block returns the offset within the uncompressed block contents.
func (v VirtualOffset) Block() int {
	return int(v & 0xFFFF)
}

func (v VirtualOffset) String() string {
	return fmt.Sprintf("%d:%d", v.File(), v.Block())
}

// A BlockDescriptor records where a block ended up in the file and how
// big it is in both forms.
type BlockDescriptor struct {
	Offset           int64
	CompressedSize   int
	UncompressedSize int
}

// A CorruptBlockError reports a block whose contents do not match the
// checksum recorded when the block was written, or whose framing is
// inconsistent with the surrounding file. Offset is the file offset of
// the corrupt block.
type CorruptBlockError struct {
	Offset int64
	Reason string
}

func (e *CorruptBlockError) Error() string {
	return fmt.Sprintf("corrupt BGZF block at offset %d: %s", e.Offset, e.Reason)
}

// IsGzip determines if the given byte scanner produces a gzip file. It
// uses ReadByte and UnreadByte to check only the initial byte from the
// input.
func IsGzip(scanner io.ByteScanner) (bool, error) {
	b, err := scanner.ReadByte()
	if err != nil {
		return false, err
	}
	if err := scanner.UnreadByte(); err != nil {
		return false, err
	}
	return b == 0x1f, nil
}

var flateReaderPool sync.Pool

// inflate decompresses a raw DEFLATE payload into dst, which must have
// the exact uncompressed length.
func inflate(payload, dst []byte) error {
	blockReader := bytes.NewReader(payload)
	var flateReader io.ReadCloser
	if pooled := flateReaderPool.Get(); pooled == nil {
		flateReader = flate.NewReader(blockReader)
	} else {
		flateReader = pooled.(io.ReadCloser)
		if err := flateReader.(flate.Resetter).Reset(blockReader, nil); err != nil {
			flateReader = flate.NewReader(blockReader)
		}
	}
	_, err := io.ReadFull(flateReader, dst)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if cerr := flateReader.Close(); err == nil {
		err = cerr
	}
	flateReaderPool.Put(flateReader)
	return err
}

// parseBSize extracts the total block size from the BC subfield of a
// gzip extra field. It returns -1 if there is no BC subfield.
func parseBSize(extra []byte) int {
	var slen int
	for i := 0; i+4 <= len(extra); i += 4 + slen {
		slen = int(binary.LittleEndian.Uint16(extra[i+2 : i+4]))
		if extra[i] == 'B' && extra[i+1] == 'C' && slen == 2 {
			return int(binary.LittleEndian.Uint16(extra[i+4:i+6])) + 1
		}
	}
	return -1
}
