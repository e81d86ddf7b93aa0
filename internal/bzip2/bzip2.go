// Package bzip2 decodes bzip2 streams found in MPQ sectors flagged 0x10.
//
// Unlike the lenient codecs used elsewhere in an archive, a stream that
// fails its per-block or combined CRC is rejected with ErrChecksum and no
// data is returned.
package bzip2

import (
	"errors"
	"fmt"
)

var (
	// ErrChecksum is returned when a block or stream CRC does not match.
	ErrChecksum = errors.New("bzip2: checksum mismatch")
	// ErrCorrupt is returned for structurally invalid streams.
	ErrCorrupt = errors.New("bzip2: corrupt stream")
)

const (
	blockMagic = 0x314159265359
	endMagic   = 0x177245385090

	baseBlockSize = 100000
	maxGroups     = 6
	minGroups     = 2
	groupSize     = 50
	maxAlphaSize  = 258
	maxCodeLen    = 20
	maxSelectors  = 2 + 900000/groupSize

	runA = 0
	runB = 1
)

type decoder struct {
	br        bitReader
	blockSize int
	tt        []uint32
	out       []byte
}

// Decompress decodes a single bzip2 stream. sizeHint, when positive,
// preallocates the output buffer.
func Decompress(data []byte, sizeHint int) ([]byte, error) {
	d := &decoder{br: bitReader{data: data}}
	if sizeHint > 0 {
		d.out = make([]byte, 0, sizeHint)
	}

	if err := d.readHeader(); err != nil {
		return nil, err
	}

	var combined uint32
	for {
		magic := uint64(d.br.bits(24))<<24 | uint64(d.br.bits(24))
		if d.br.err != nil {
			return nil, fmt.Errorf("%w: reading block magic: %v", ErrCorrupt, d.br.err)
		}

		switch magic {
		case blockMagic:
			crc, err := d.readBlock()
			if err != nil {
				return nil, err
			}
			combined = combineCRC(combined, crc)
		case endMagic:
			stored := d.br.bits(32)
			if d.br.err != nil {
				return nil, fmt.Errorf("%w: reading stream checksum: %v", ErrCorrupt, d.br.err)
			}
			if stored != combined {
				return nil, fmt.Errorf("%w: stream crc %08x, computed %08x", ErrChecksum, stored, combined)
			}
			if d.out == nil {
				d.out = []byte{}
			}
			return d.out, nil
		default:
			return nil, fmt.Errorf("%w: bad block magic %012x", ErrCorrupt, magic)
		}
	}
}

func (d *decoder) readHeader() error {
	if len(d.br.data) < 4 {
		return fmt.Errorf("%w: stream too short", ErrCorrupt)
	}
	if d.br.bits(8) != 'B' || d.br.bits(8) != 'Z' || d.br.bits(8) != 'h' {
		return fmt.Errorf("%w: invalid header", ErrCorrupt)
	}
	level := d.br.bits(8)
	if level < '1' || level > '9' {
		return fmt.Errorf("%w: invalid block size %q", ErrCorrupt, rune(level))
	}
	d.blockSize = baseBlockSize * int(level-'0')
	return nil
}

// huffmanGroup is one of a block's coding tables in limit/base/perm form.
type huffmanGroup struct {
	limit  [maxCodeLen + 2]int32
	base   [maxCodeLen + 2]int32
	perm   [maxAlphaSize]int32
	minLen uint
}

func (g *huffmanGroup) build(lengths []uint8) {
	minLen, maxLen := uint8(32), uint8(0)
	for _, l := range lengths {
		minLen = min(minLen, l)
		maxLen = max(maxLen, l)
	}

	pp := 0
	for l := minLen; l <= maxLen; l++ {
		for sym, sl := range lengths {
			if sl == l {
				g.perm[pp] = int32(sym)
				pp++
			}
		}
	}

	var count [maxCodeLen + 2]int32
	for _, l := range lengths {
		count[l+1]++
	}
	for i := 1; i < len(count); i++ {
		count[i] += count[i-1]
	}

	var vec int32
	for l := minLen; l <= maxLen; l++ {
		vec += count[l+1] - count[l]
		g.limit[l] = vec - 1
		vec <<= 1
	}
	for l := int(minLen) + 1; l <= int(maxLen); l++ {
		g.base[l] = (g.limit[l-1]+1)<<1 - count[l]
	}
	g.base[minLen] = count[minLen]
	g.minLen = uint(minLen)
}

func (g *huffmanGroup) decode(br *bitReader, alphaSize int) (int, error) {
	n := g.minLen
	v := int32(br.bits(n))
	for n <= maxCodeLen && v > g.limit[n] {
		n++
		v = v<<1 | int32(br.bits(1))
	}
	if br.err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, br.err)
	}
	if n > maxCodeLen {
		return 0, fmt.Errorf("%w: huffman code too long", ErrCorrupt)
	}
	idx := v - g.base[n]
	if idx < 0 || int(idx) >= alphaSize {
		return 0, fmt.Errorf("%w: invalid huffman code", ErrCorrupt)
	}
	return int(g.perm[idx]), nil
}

// readBlock decodes one block, appends it to d.out and returns its CRC.
func (d *decoder) readBlock() (uint32, error) {
	br := &d.br

	stored := br.bits(32)
	randomized := br.bit()
	origPtr := int(br.bits(24))

	// symbol map
	var inUse16 [16]bool
	for i := range inUse16 {
		inUse16[i] = br.bit()
	}
	var seqToUnseq [256]byte
	nInUse := 0
	for i := range inUse16 {
		if !inUse16[i] {
			continue
		}
		for j := 0; j < 16; j++ {
			if br.bit() {
				seqToUnseq[nInUse] = byte(i*16 + j)
				nInUse++
			}
		}
	}
	if br.err != nil {
		return 0, fmt.Errorf("%w: reading block header: %v", ErrCorrupt, br.err)
	}
	if nInUse == 0 {
		return 0, fmt.Errorf("%w: block uses no symbols", ErrCorrupt)
	}
	alphaSize := nInUse + 2

	// selectors
	nGroups := int(br.bits(3))
	nSelectors := int(br.bits(15))
	if nGroups < minGroups || nGroups > maxGroups {
		return 0, fmt.Errorf("%w: %d huffman groups", ErrCorrupt, nGroups)
	}
	if nSelectors == 0 {
		return 0, fmt.Errorf("%w: no selectors", ErrCorrupt)
	}

	var mtfGroups [maxGroups]byte
	for i := range mtfGroups {
		mtfGroups[i] = byte(i)
	}
	selectors := make([]byte, 0, min(nSelectors, maxSelectors))
	for i := 0; i < nSelectors; i++ {
		j := 0
		for br.bit() {
			j++
			if j >= nGroups {
				return 0, fmt.Errorf("%w: selector out of range", ErrCorrupt)
			}
		}
		if br.err != nil {
			return 0, fmt.Errorf("%w: reading selectors: %v", ErrCorrupt, br.err)
		}
		g := mtfGroups[j]
		copy(mtfGroups[1:j+1], mtfGroups[:j])
		mtfGroups[0] = g
		if i < maxSelectors {
			selectors = append(selectors, g)
		}
	}

	// coding tables
	groups := make([]huffmanGroup, nGroups)
	lengths := make([]uint8, alphaSize)
	for g := range groups {
		l := int(br.bits(5))
		for sym := range lengths {
			for {
				if l < 1 || l > maxCodeLen {
					return 0, fmt.Errorf("%w: code length %d", ErrCorrupt, l)
				}
				if !br.bit() {
					break
				}
				if br.bit() {
					l--
				} else {
					l++
				}
			}
			lengths[sym] = uint8(l)
		}
		if br.err != nil {
			return 0, fmt.Errorf("%w: reading code lengths: %v", ErrCorrupt, br.err)
		}
		groups[g].build(lengths)
	}

	// symbol stream: MTF, RUNA/RUNB and the end-of-block symbol
	if cap(d.tt) < d.blockSize {
		d.tt = make([]uint32, d.blockSize)
	}
	tt := d.tt[:d.blockSize]

	var counts [256]int
	var mtf [256]byte
	for i := range mtf {
		mtf[i] = byte(i)
	}

	eob := nInUse + 1
	n := 0
	run, runWeight := 0, 1
	selIdx, groupLeft := -1, 0
	var group *huffmanGroup

	for {
		if groupLeft == 0 {
			selIdx++
			if selIdx >= len(selectors) {
				return 0, fmt.Errorf("%w: ran out of selectors", ErrCorrupt)
			}
			group = &groups[selectors[selIdx]]
			groupLeft = groupSize
		}
		groupLeft--

		sym, err := group.decode(br, alphaSize)
		if err != nil {
			return 0, err
		}

		if sym == runA || sym == runB {
			run += (sym + 1) * runWeight
			runWeight <<= 1
			if run > d.blockSize {
				return 0, fmt.Errorf("%w: run exceeds block size", ErrCorrupt)
			}
			continue
		}

		if run > 0 {
			if n+run > d.blockSize {
				return 0, fmt.Errorf("%w: block overrun", ErrCorrupt)
			}
			b := seqToUnseq[mtf[0]]
			counts[b] += run
			for ; run > 0; run-- {
				tt[n] = uint32(b)
				n++
			}
			runWeight = 1
		}

		if sym == eob {
			break
		}

		if n >= d.blockSize {
			return 0, fmt.Errorf("%w: block overrun", ErrCorrupt)
		}
		idx := sym - 1
		v := mtf[idx]
		copy(mtf[1:idx+1], mtf[:idx])
		mtf[0] = v

		b := seqToUnseq[v]
		counts[b]++
		tt[n] = uint32(b)
		n++
	}

	if origPtr >= n {
		return 0, fmt.Errorf("%w: origin pointer %d outside block of %d", ErrCorrupt, origPtr, n)
	}

	tPos := inverseBWT(tt[:n], origPtr, counts)
	crc := d.emit(tt[:n], tPos, randomized)
	if crc != stored {
		return 0, fmt.Errorf("%w: block crc %08x, computed %08x", ErrChecksum, stored, crc)
	}
	return crc, nil
}

// inverseBWT links each entry of tt to its successor in the original
// order. The low byte of each entry keeps the symbol and the upper bits
// hold the index of the next entry. It returns the starting index.
func inverseBWT(tt []uint32, origPtr int, counts [256]int) uint32 {
	sum := 0
	for i := range counts {
		c := counts[i]
		counts[i] = sum
		sum += c
	}
	for i := range tt {
		b := tt[i] & 0xff
		tt[counts[b]] |= uint32(i) << 8
		counts[b]++
	}
	return tt[origPtr] >> 8
}

// emit walks the reconstructed block, undoing randomization and the
// initial run-length encoding, and returns the CRC of the bytes written.
func (d *decoder) emit(tt []uint32, tPos uint32, randomized bool) uint32 {
	var rnd randomizer
	crc := ^uint32(0)

	last, run := -1, 0
	for range tt {
		tPos = tt[tPos]
		b := byte(tPos)
		tPos >>= 8
		if randomized {
			b ^= rnd.next()
		}

		if run == 4 {
			for i := 0; i < int(b); i++ {
				d.out = append(d.out, byte(last))
				crc = updateCRC(crc, byte(last))
			}
			run = 0
			continue
		}

		if int(b) == last {
			run++
		} else {
			last, run = int(b), 1
		}
		d.out = append(d.out, b)
		crc = updateCRC(crc, b)
	}

	return ^crc
}
