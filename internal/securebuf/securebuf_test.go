package securebuf

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := Allocate(4)
	if err := b.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := make([]byte, 4)
	if err := b.Read(out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Fatalf("got %v", out)
	}
}

func TestWriteTooLarge(t *testing.T) {
	b := Allocate(2)
	if err := b.Write([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on oversized write")
	}
}

func TestReadTooSmall(t *testing.T) {
	b := Allocate(4)
	if err := b.Read(make([]byte, 2)); err == nil {
		t.Fatal("expected error on undersized read")
	}
}

func TestDropZeroes(t *testing.T) {
	b := FromBytes([]byte{9, 9, 9, 9})
	raw := b.data
	b.Drop()
	for i, v := range raw {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %v", i, raw)
		}
	}
	if err := b.Write([]byte{1}); err == nil {
		t.Fatal("expected write after drop to fail")
	}
}

func TestConstantTimeEq(t *testing.T) {
	a := FromBytes([]byte{1, 2, 3})
	b := FromBytes([]byte{1, 2, 3})
	c := FromBytes([]byte{1, 2, 4})
	d := FromBytes([]byte{1, 2})

	if !a.ConstantTimeEq(b) {
		t.Fatal("expected equal buffers to compare equal")
	}
	if a.ConstantTimeEq(c) {
		t.Fatal("expected differing buffers to compare unequal")
	}
	if a.ConstantTimeEq(d) {
		t.Fatal("expected differing lengths to compare unequal")
	}
}
