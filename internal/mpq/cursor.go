package mpq

import (
	"encoding/binary"
	"fmt"
)

// cursor reads little-endian fields from a byte slice with bounds checks.
// The first short read is remembered in err; later reads return zero
// values so a caller can decode a whole structure and check err once.
type cursor struct {
	buf []byte
	off int
	err error
}

func newCursor(buf []byte) *cursor {
	return &cursor{buf: buf}
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if n < 0 || c.off+n > len(c.buf) {
		c.err = fmt.Errorf("%w: need %d bytes at offset %d of %d", ErrCorrupt, n, c.off, len(c.buf))
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) magic() (m [4]byte) {
	copy(m[:], c.take(4))
	return m
}

func (c *cursor) bytes(n int) []byte {
	return c.take(n)
}

func (c *cursor) remaining() int {
	return len(c.buf) - c.off
}

// words decodes every complete little-endian word of b.
func words(b []byte) []uint32 {
	w := make([]uint32, len(b)/4)
	for i := range w {
		w[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return w
}
