// Package securebuf provides a fixed-capacity byte container that is
// zeroed on every release path and compared in constant time. Every secret
// the protocol core ever holds (identity, ephemeral, chain, message, root,
// DH shared, OPRF output, PBKDF2 output, session key) lives inside one of
// these or inside a stack slot the caller clears on exit.
package securebuf

import (
	"crypto/subtle"
	"fmt"
	"runtime"

	"github.com/ecliptix-labs/ecliptix-crypto/errs"
)

// Buffer is a fixed-size, zero-on-drop byte container.
type Buffer struct {
	data     []byte
	released bool
}

// Allocate returns a zeroed Buffer of capacity n.
func Allocate(n int) *Buffer {
	return &Buffer{data: make([]byte, n)}
}

// FromBytes copies src into a new Buffer sized to len(src). The caller
// remains responsible for clearing src itself.
func FromBytes(src []byte) *Buffer {
	b := Allocate(len(src))
	copy(b.data, src)
	return b
}

// Len returns the buffer's fixed capacity.
func (b *Buffer) Len() int { return len(b.data) }

// Write copies src into the buffer. Fails if len(src) > capacity.
func (b *Buffer) Write(src []byte) error {
	if b.released {
		return errs.New(errs.ErrObjectDisposed, "Buffer.Write", nil)
	}
	if len(src) > len(b.data) {
		return errs.New(errs.ErrInvalidInput, "Buffer.Write",
			fmt.Errorf("source length %d exceeds capacity %d", len(src), len(b.data)))
	}
	copy(b.data, src)
	return nil
}

// Read copies the buffer's contents into dst. Fails if len(dst) < capacity.
func (b *Buffer) Read(dst []byte) error {
	if b.released {
		return errs.New(errs.ErrObjectDisposed, "Buffer.Read", nil)
	}
	if len(dst) < len(b.data) {
		return errs.New(errs.ErrInvalidInput, "Buffer.Read",
			fmt.Errorf("destination length %d smaller than capacity %d", len(dst), len(b.data)))
	}
	copy(dst, b.data)
	return nil
}

// ReadCopy returns a freshly-allocated copy of the buffer's contents.
func (b *Buffer) ReadCopy() ([]byte, error) {
	if b.released {
		return nil, errs.New(errs.ErrObjectDisposed, "Buffer.ReadCopy", nil)
	}
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out, nil
}

// ConstantTimeEq reports whether two buffers hold identical contents,
// without short-circuiting on length mismatch beyond returning false.
func (b *Buffer) ConstantTimeEq(other *Buffer) bool {
	if b.released || other.released {
		return false
	}
	if len(b.data) != len(other.data) {
		return false
	}
	return subtle.ConstantTimeCompare(b.data, other.data) == 1
}

// Drop zeroes the backing array and marks the buffer unusable. Safe to
// call more than once.
func (b *Buffer) Drop() {
	wipe(b.data)
	b.released = true
}

// wipe zeroes p and pins it past the zero loop so the compiler cannot
// prove the writes are dead and elide them.
func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}

// Wipe zeroes an arbitrary byte slice using the same discipline as Drop,
// for HKDF/DH scratch values that live on the stack rather than in a
// Buffer.
func Wipe(p []byte) { wipe(p) }
