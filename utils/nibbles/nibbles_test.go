// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package nibbles

import (
	"reflect"
	"testing"
)

func TestSetGet(t *testing.T) {
	n := Make(7)
	for i := 0; i < 7; i++ {
		n.Set(i, byte(i+3))
	}
	for i := 0; i < 7; i++ {
		if got := n.Get(i); got != byte(i+3) {
			t.Errorf("Get(%d) = %d, want %d", i, got, i+3)
		}
	}
	if n.Len() != 7 {
		t.Errorf("Len() = %d, want 7", n.Len())
	}
}

func TestExpand(t *testing.T) {
	n := Make(4)
	for i, v := range []byte{0xA, 0, 0xF, 5} {
		n.Set(i, v)
	}
	if got := n.Expand(); !reflect.DeepEqual(got, []byte{0xA, 0, 0xF, 5}) {
		t.Errorf("Expand() = %v", got)
	}
}

func TestReflect(t *testing.T) {
	n := Make(5)
	for i := 0; i < 5; i++ {
		n.Set(i, byte(i))
	}
	length, offset, bytes := n.ReflectValue()
	m := ReflectMake(length, offset, bytes)
	for i := 0; i < 5; i++ {
		if m.Get(i) != n.Get(i) {
			t.Errorf("Get(%d) differs after ReflectMake", i)
		}
	}
}

func TestCopy(t *testing.T) {
	src := Make(6)
	for i := 0; i < 6; i++ {
		src.Set(i, byte(i+1))
	}
	dst := Make(4)
	if copied := Copy(dst, src); copied != 4 {
		t.Errorf("Copy returned %d, want 4", copied)
	}
	if got := dst.Expand(); !reflect.DeepEqual(got, []byte{1, 2, 3, 4}) {
		t.Errorf("copied contents %v", got)
	}
}
