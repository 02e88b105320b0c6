// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

// Package nibbles provides a slice-like data structure for sequences of
// 4-bit values, as used for the packed bases of BAM alignment records.
package nibbles

import (
	"log"
	"strconv"
)

// Nibbles is a slice-like data structure for storing
// sequences of 4-bit values.
type Nibbles struct {
	info  int
	bytes []byte
}

// Len returns the number of 4-bit values stored in these nibbles.
func (n Nibbles) Len() int {
	return n.info >> 1
}

func (n Nibbles) offset() int {
	return n.info & 1
}

// Make creates nibbles of the given length.
func Make(n int) Nibbles {
	return Nibbles{
		info:  n << 1,
		bytes: make([]byte, (n+1)>>1),
	}
}

// ReflectMake creates nibbles of the given length, offset, and raw byte slice.
func ReflectMake(len, offset int, bytes []byte) Nibbles {
	return Nibbles{
		info:  (len << 1) | (offset & 1),
		bytes: bytes,
	}
}

// ReflectValue returns the underlying representation of the nibbles.
func (n Nibbles) ReflectValue() (len, offset int, bytes []byte) {
	return n.Len(), n.offset(), n.bytes
}

// Get returns the nibble at the given index.
func (n Nibbles) Get(index int) byte {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	return 0xF & (n.bytes[i] >> uint((1^bit)<<2))
}

// Set sets the nibble at the given index.
func (n Nibbles) Set(index int, value byte) {
	if index >= n.Len() {
		log.Panic("index out of range")
	}
	index += n.offset()
	i := index >> 1
	bit := index & 1
	n.bytes[i] = ((0xF << uint(bit<<2)) & n.bytes[i]) | ((0xF & value) << uint((1^bit)<<2))
}

// Expand returns a byte slice with the same contents, but where each
// entry is stored in a byte.
func (n Nibbles) Expand() []byte {
	length := n.Len()
	offset := n.offset()
	result := make([]byte, length)
	for k := 0; k < length; k++ {
		index := k + offset
		i := index >> 1
		bit := index & 1
		result[k] = 0xF & (n.bytes[i] >> uint((1^bit)<<2))
	}
	return result
}

// Copy copies nibbles from src to dst, analogous to the built-in copy.
// It returns the number of nibbles copied, which is the minimum of
// dst.Len() and src.Len().
func Copy(dst, src Nibbles) int {
	n := dst.Len()
	if s := src.Len(); s < n {
		n = s
	}
	if dst.offset() == 0 && src.offset() == 0 {
		copy(dst.bytes[:(n+1)>>1], src.bytes)
		return n
	}
	for i := 0; i < n; i++ {
		dst.Set(i, src.Get(i))
	}
	return n
}

// String returns a string representation of the given nibbles.
func (n Nibbles) String() string {
	if len := n.Len(); len > 0 {
		b := []byte("[")
		b = strconv.AppendInt(b, int64(n.Get(0)), 10)
		for i := 1; i < len; i++ {
			b = append(b, ' ')
			b = strconv.AppendInt(b, int64(n.Get(i)), 10)
		}
		return string(append(b, ']'))
	}
	return "[]"
}
