// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package bgzf

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

type (
	// block is a buffer of not yet compressed data.
	block struct {
		bytes []byte
	}

	// member is a fully framed gzip member ready to be written out.
	member struct {
		bytes []byte
		usize int
	}

	// Writer writes a BGZF file, compressing blocks in parallel while
	// emitting them in order. Records appended with Write are packed
	// into blocks of at most MaxBlockSize uncompressed bytes; a block
	// is handed to the compression pipeline when it fills up, or when
	// Flush or Close is called.
	Writer struct {
		w       io.Writer
		p       pipeline.Pipeline
		wait    sync.WaitGroup
		block   *block
		channel chan *block
		data    interface{}

		closed   bool
		closeErr error

		mutex  sync.Mutex
		offset int64
		blocks []BlockDescriptor
	}

	internalWriter Writer
)

func (*internalWriter) Err() error {
	return nil
}

func (writer *internalWriter) Prepare(_ context.Context) (size int) {
	return -1
}

func (writer *internalWriter) Fetch(size int) (fetched int) {
	if block, ok := <-writer.channel; ok {
		writer.data = block
		return 1
	}
	writer.data = nil
	return 0
}

func (writer *internalWriter) Data() interface{} {
	return writer.data
}

var (
	blockPool = sync.Pool{New: func() interface{} {
		return &block{bytes: make([]byte, 0, MaxBlockSize)}
	}}

	memberPool = sync.Pool{New: func() interface{} {
		return new(member)
	}}

	flateWriterPool sync.Pool
)

// gzipHeader is the fixed 18-byte gzip member header used for every
// BGZF block: FEXTRA set, one BC subfield whose value is patched in
// once the compressed size is known.
var gzipHeader = []byte{
	0x1f, 0x8b, 0x08, 0x04, 0x00, 0x00,
	0x00, 0x00, 0x00, 0xff, 0x06, 0x00,
	0x42, 0x43, 0x02, 0x00, 0x00, 0x00,
}

// NewWriter returns a Writer for the given io.Writer.
//
// Following zlib, levels range from 1 (BestSpeed) to 9 (BestCompression);
// higher levels typically run slower but compress more. Level 0
// (NoCompression) only adds the necessary DEFLATE framing. Level -1
// (DefaultCompression) uses the default compression level.
func NewWriter(w io.Writer, level int) *Writer {
	bgzf := &Writer{
		w:       w,
		block:   blockPool.Get().(*block),
		channel: make(chan *block, 1),
	}
	bgzf.p.Source((*internalWriter)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		raw := data.(*block)
		m := memberPool.Get().(*member)
		m.usize = len(raw.bytes)
		buf := bytes.NewBuffer(m.bytes[:0])
		buf.Write(gzipHeader)

		var flateWriter *flate.Writer
		if pooled := flateWriterPool.Get(); pooled != nil {
			flateWriter = pooled.(*flate.Writer)
			flateWriter.Reset(buf)
		} else {
			var err error
			flateWriter, err = flate.NewWriter(buf, level)
			if err != nil {
				bgzf.p.SetErr(err)
			}
		}
		if _, err := flateWriter.Write(raw.bytes); err != nil {
			bgzf.p.SetErr(err)
		} else if err := flateWriter.Close(); err != nil {
			bgzf.p.SetErr(err)
		}
		m.bytes = buf.Bytes()
		index := len(m.bytes)
		m.bytes = append(m.bytes, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.LittleEndian.PutUint32(m.bytes[index:index+4], crc32.ChecksumIEEE(raw.bytes))
		binary.LittleEndian.PutUint32(m.bytes[index+4:index+8], uint32(len(raw.bytes)))
		binary.LittleEndian.PutUint16(m.bytes[16:18], uint16(len(m.bytes)-1))
		raw.bytes = raw.bytes[:0]
		blockPool.Put(raw)
		flateWriterPool.Put(flateWriter)
		return m
	})), pipeline.StrictOrd(pipeline.Receive(func(_ int, data interface{}) interface{} {
		m := data.(*member)
		if _, err := bgzf.w.Write(m.bytes); err != nil {
			bgzf.p.SetErr(err)
		} else {
			bgzf.mutex.Lock()
			bgzf.blocks = append(bgzf.blocks, BlockDescriptor{
				Offset:           bgzf.offset,
				CompressedSize:   len(m.bytes),
				UncompressedSize: m.usize,
			})
			bgzf.offset += int64(len(m.bytes))
			bgzf.mutex.Unlock()
		}
		m.bytes = m.bytes[:0]
		memberPool.Put(m)
		return nil
	})))
	bgzf.wait.Add(1)
	go func() {
		defer bgzf.wait.Done()
		bgzf.p.Run()
	}()
	return bgzf
}

func (bgzf *Writer) sendBlock() (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = errors.New(fmt.Sprint(x))
		}
	}()
	bgzf.channel <- bgzf.block
	return nil
}

// Write implements the corresponding method of io.Writer.
func (bgzf *Writer) Write(p []byte) (n int, err error) {
	n = len(p)
	for {
		blockIndex := len(bgzf.block.bytes)
		newBlockLength := blockIndex + len(p)
		if newBlockLength >= MaxBlockSize {
			bgzf.block.bytes = bgzf.block.bytes[:MaxBlockSize]
			k := copy(bgzf.block.bytes[blockIndex:], p)
			p = p[k:]
			if err := bgzf.sendBlock(); err != nil {
				return n - len(p), err
			}
			bgzf.block = blockPool.Get().(*block)
		} else {
			bgzf.block.bytes = bgzf.block.bytes[:newBlockLength]
			copy(bgzf.block.bytes[blockIndex:], p)
			return
		}
	}
}

// Flush hands the current partial block to the compression pipeline so
// that the next byte written starts a fresh block. It does not wait for
// the block to reach the underlying writer.
func (bgzf *Writer) Flush() error {
	if len(bgzf.block.bytes) == 0 {
		return nil
	}
	if err := bgzf.sendBlock(); err != nil {
		return err
	}
	bgzf.block = blockPool.Get().(*block)
	return nil
}

// Close flushes the final partial block, waits for the compression
// pipeline to drain, and writes the BGZF EOF marker. Further calls
// return the result of the first one.
func (bgzf *Writer) Close() error {
	if bgzf.closed {
		return bgzf.closeErr
	}
	bgzf.closed = true
	if bgzf.block != nil && len(bgzf.block.bytes) > 0 {
		if err := bgzf.sendBlock(); err != nil {
			bgzf.closeErr = err
			return err
		}
		bgzf.block = nil
	}
	close(bgzf.channel)
	bgzf.wait.Wait()
	if err := bgzf.p.Err(); err != nil {
		bgzf.closeErr = err
		return err
	}
	_, err := bgzf.w.Write(eof)
	bgzf.closeErr = err
	return err
}

// Blocks returns the descriptors of all blocks written so far, in file
// order. The returned slice is only complete after Close.
func (bgzf *Writer) Blocks() []BlockDescriptor {
	bgzf.mutex.Lock()
	defer bgzf.mutex.Unlock()
	return append([]BlockDescriptor(nil), bgzf.blocks...)
}
