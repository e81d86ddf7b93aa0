package bzip2

import "io"

// bitReader reads bits most significant first. The first error is kept
// and every later read returns zero, so callers check err at the points
// where a bad stream would otherwise make them loop or index out of range.
type bitReader struct {
	data  []byte
	pos   int
	buf   uint64
	nbits uint
	err   error
}

func (br *bitReader) bits(n uint) uint32 {
	for br.nbits < n {
		if br.pos >= len(br.data) {
			if br.err == nil {
				br.err = io.ErrUnexpectedEOF
			}
			return 0
		}
		br.buf = br.buf<<8 | uint64(br.data[br.pos])
		br.pos++
		br.nbits += 8
	}
	br.nbits -= n
	return uint32(br.buf>>br.nbits) & (1<<n - 1)
}

func (br *bitReader) bit() bool {
	return br.bits(1) == 1
}
