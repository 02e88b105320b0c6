// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package bgzf

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/exascience/pargo/pipeline"
)

// readerBlock is one block of a BGZF file in transit through the
// reader pipeline: first the compressed payload, after the inflate
// stage the uncompressed contents.
type readerBlock struct {
	data  []byte
	crc32 uint32
	size  uint32
}

var readerBlockPool = sync.Pool{New: func() interface{} {
	return &readerBlock{data: make([]byte, 0, MaxBlockSize)}
}}

type (
	// Reader reads a BGZF file from start to end, inflating blocks in
	// parallel while delivering their contents in order. It cannot
	// seek; use BlockReader for random access.
	Reader struct {
		err     error
		r       io.Reader
		gz      *gzip.Reader
		p       pipeline.Pipeline
		w       sync.WaitGroup
		channel chan *readerBlock
		ctx     context.Context
		cancel  func()
		data    interface{}
		index   int
		block   *readerBlock
	}

	internalReader Reader
)

func (bgzf *internalReader) readBlock() (block *readerBlock, err error) {
	bsize := parseBSize(bgzf.gz.Extra)
	if bsize < 0 {
		return nil, errors.New("missing BC extra subfield in BGZF header")
	}
	block = readerBlockPool.Get().(*readerBlock)
	block.data = block.data[:bsize-len(bgzf.gz.Extra)-20]
	if _, err = io.ReadFull(bgzf.r, block.data); err != nil {
		return
	}
	var tail [8]byte
	if _, err = io.ReadFull(bgzf.r, tail[:]); err != nil {
		return
	}
	block.crc32 = binary.LittleEndian.Uint32(tail[0:4])
	block.size = binary.LittleEndian.Uint32(tail[4:8])
	err = bgzf.gz.Reset(bgzf.r)
	if err == io.EOF {
		if len(block.data) != 2 || block.data[0] != 3 || block.data[1] != 0 || block.crc32 != 0 || block.size != 0 {
			err = errors.New("invalid BGZF file: does not end in proper EOF marker")
		}
	} else if err != nil {
		err = fmt.Errorf("%v in bgzf.readBlock", err)
	}
	return
}

// Err implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Err() error {
	if bgzf.err != io.EOF {
		return bgzf.err
	}
	return nil
}

// Prepare implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Prepare(_ context.Context) (size int) {
	return -1
}

// Fetch implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Fetch(size int) (fetched int) {
	if bgzf.err != nil {
		return 0
	}
	block, err := bgzf.readBlock()
	if err != nil {
		bgzf.err = err
		bgzf.data = nil
		return 0
	}
	bgzf.data = block
	return 1
}

// Data implements the corresponding method of pipeline.Source
func (bgzf *internalReader) Data() interface{} {
	return bgzf.data
}

// NewReader returns a Reader for the given flate.Reader.
func NewReader(r flate.Reader) (*Reader, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%v in bgzf.NewReader", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	bgzf := &Reader{
		r:       r,
		gz:      gz,
		channel: make(chan *readerBlock, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	bgzf.p.Source((*internalReader)(bgzf))
	bgzf.p.Add(pipeline.LimitedPar(0, pipeline.Receive(func(_ int, data interface{}) interface{} {
		block := data.(*readerBlock)
		uncompressed := readerBlockPool.Get().(*readerBlock)
		uncompressed.data = uncompressed.data[:int(block.size)]
		if err := inflate(block.data, uncompressed.data); err != nil {
			bgzf.p.SetErr(err)
		} else if crc32.ChecksumIEEE(uncompressed.data) != block.crc32 {
			bgzf.p.SetErr(errors.New("invalid CRC-32 value for a data block in a BGZF file"))
		}
		readerBlockPool.Put(block)
		return uncompressed
	})), pipeline.StrictOrd(pipeline.ReceiveAndFinalize(func(_ int, data interface{}) interface{} {
		select {
		case <-bgzf.ctx.Done():
		case bgzf.channel <- data.(*readerBlock):
		}
		return nil
	}, func() {
		close(bgzf.channel)
	})))
	bgzf.w.Add(1)
	go func() {
		defer bgzf.w.Done()
		bgzf.p.Run()
	}()
	return bgzf, nil
}

// Close implements the corresponding method of io.Closer
func (bgzf *Reader) Close() error {
	bgzf.cancel()
	bgzf.w.Wait()
	if err := bgzf.gz.Close(); err != nil {
		return err
	}
	return bgzf.p.Err()
}

func (bgzf *Reader) fetchBlock() (err error) {
	select {
	case <-bgzf.ctx.Done():
		if bgzf.err != nil {
			return bgzf.err
		}
		return bgzf.ctx.Err()
	case b, ok := <-bgzf.channel:
		if !ok {
			if bgzf.err != nil {
				return bgzf.err
			}
			if err := bgzf.p.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		bgzf.index = 0
		bgzf.block = b
		return nil
	}
}

// Read implements the corresponding method of io.Reader
func (bgzf *Reader) Read(p []byte) (n int, err error) {
	if bgzf.block == nil {
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	} else if bgzf.index == len(bgzf.block.data) {
		readerBlockPool.Put(bgzf.block)
		bgzf.block = nil
		if err = bgzf.fetchBlock(); err != nil {
			return
		}
	}
	n = copy(p, bgzf.block.data[bgzf.index:])
	bgzf.index += n
	return
}
