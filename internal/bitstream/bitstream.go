// Package bitstream reads variable-width bit fields from a byte slice.
//
// Bits are consumed starting at the least significant bit of each byte,
// which is the order used by the PKWare DCL and the adaptive Huffman
// streams stored in MPQ sectors. A field wider than the bits remaining in
// the current byte continues into the low bits of the next byte, and the
// later bits occupy the higher positions of the returned value.
package bitstream

import (
	"fmt"
	"io"
)

// MaxBits is the widest field a single ReadBits or PeekBits call accepts.
const MaxBits = 32

// Reader is a bit cursor over an in-memory buffer.
// The zero value is an empty stream.
type Reader struct {
	data []byte
	pos  int // next byte of data to load into buf

	buf   uint64 // pending bits, least significant first
	nbits uint   // number of valid bits in buf
}

// NewReader returns a Reader positioned at the first bit of data.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// fill loads whole bytes into the accumulator until it holds at least n bits
// or the input is exhausted.
func (r *Reader) fill(n uint) {
	for r.nbits < n && r.pos < len(r.data) {
		r.buf |= uint64(r.data[r.pos]) << r.nbits
		r.pos++
		r.nbits += 8
	}
}

// ReadBits consumes n bits and returns them as an unsigned value.
// It returns io.ErrUnexpectedEOF, without consuming anything,
// when fewer than n bits remain.
func (r *Reader) ReadBits(n uint) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if n > MaxBits {
		return 0, fmt.Errorf("bit field too wide: %d", n)
	}
	r.fill(n)
	if r.nbits < n {
		return 0, io.ErrUnexpectedEOF
	}
	v := uint32(r.buf & (1<<n - 1))
	r.buf >>= n
	r.nbits -= n
	return v, nil
}

// PeekBits returns the next n bits without consuming them.
// Positions past the end of the stream read as zero.
func (r *Reader) PeekBits(n uint) uint32 {
	if n == 0 {
		return 0
	}
	if n > MaxBits {
		n = MaxBits
	}
	r.fill(n)
	return uint32(r.buf & (1<<n - 1))
}

// SkipBits discards n bits. Like ReadBits it fails without consuming
// anything when fewer than n bits remain.
func (r *Reader) SkipBits(n uint) error {
	for n > 0 {
		step := min(n, MaxBits)
		r.fill(step)
		if r.nbits < step {
			return io.ErrUnexpectedEOF
		}
		r.buf >>= step
		r.nbits -= step
		n -= step
	}
	return nil
}

// ReadBit consumes a single bit.
func (r *Reader) ReadBit() (uint32, error) {
	return r.ReadBits(1)
}
