// Package pkware implements the decompressor for the PKWare Data
// Compression Library "implode" format used by MPQ sectors flagged 0x08.
//
// Only binary mode streams are supported. Decoding is lenient: a stream
// that is truncated or carries a back-reference before the start of the
// output stops early and the bytes produced so far are returned.
package pkware

import (
	"errors"
	"fmt"

	"github.com/ossyrian/mpqkit/internal/bitstream"
)

// Compression types stored in the first header byte.
const (
	TypeBinary = 0
	TypeASCII  = 1
)

var (
	// ErrUnsupported is returned for ASCII mode streams.
	ErrUnsupported = errors.New("pkware: ascii compression mode is not supported")
	// ErrInvalidHeader is returned when the two byte stream header is malformed.
	ErrInvalidHeader = errors.New("pkware: invalid header")
)

// symbolEnd is the literal/length symbol that terminates a stream.
const symbolEnd = 0x305

// maxPrealloc caps the output capacity reserved from expectedSize.
const maxPrealloc = 64 << 20

var (
	lenBits = [16]uint8{
		3, 2, 3, 3, 4, 4, 4, 5,
		5, 5, 5, 6, 6, 6, 7, 7,
	}
	lenCode = [16]uint8{
		5, 3, 1, 6, 10, 2, 12, 20,
		4, 24, 8, 48, 16, 32, 64, 0,
	}
	exLenBits = [16]uint8{
		0, 0, 0, 0, 0, 0, 0, 0,
		1, 2, 3, 4, 5, 6, 7, 8,
	}
	lenBase = [16]uint16{
		0, 1, 2, 3, 4, 5, 6, 7,
		8, 10, 14, 22, 38, 70, 134, 262,
	}
	distBits = [64]uint8{
		2, 4, 4, 5, 5, 5, 5, 6, 6, 6, 6, 6, 6, 6, 6, 6,
		6, 6, 6, 6, 6, 6, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
		7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7,
		8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8,
	}
	distCode = [64]uint8{
		3, 13, 5, 25, 9, 17, 1, 62, 30, 46, 14, 54, 22, 38, 6, 58,
		26, 42, 10, 50, 18, 34, 66, 2, 124, 60, 92, 28, 108, 44, 76, 12,
		116, 52, 84, 20, 100, 36, 68, 4, 120, 56, 88, 24, 104, 40, 72, 8,
		240, 112, 176, 48, 208, 80, 144, 16, 224, 96, 160, 32, 192, 64, 128, 0,
	}

	// Indexed by the next 8 input bits; the codes above are stored
	// bit-reversed so a code of n bits fills every 1<<n'th slot.
	lenTable  = decodeTable(lenBits[:], lenCode[:])
	distTable = decodeTable(distBits[:], distCode[:])
)

func decodeTable(bits, codes []uint8) [256]uint8 {
	var table [256]uint8
	for i := len(bits) - 1; i >= 0; i-- {
		step := 1 << bits[i]
		for j := int(codes[i]); j < 256; j += step {
			table[j] = uint8(i)
		}
	}
	return table
}

type decoder struct {
	br       *bitstream.Reader
	dictBits uint
}

// Explode decompresses data into at most expectedSize bytes.
//
// The returned slice is shorter than expectedSize when the stream ends,
// is truncated or references data before the start of the output.
// Errors are only returned for an unusable header.
func Explode(data []byte, expectedSize int) ([]byte, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: input too short (%d bytes)", ErrInvalidHeader, len(data))
	}

	switch data[0] {
	case TypeBinary:
	case TypeASCII:
		return nil, ErrUnsupported
	default:
		return nil, fmt.Errorf("%w: compression type %d", ErrInvalidHeader, data[0])
	}

	if data[1] < 4 || data[1] > 6 {
		return nil, fmt.Errorf("%w: dictionary size %d", ErrInvalidHeader, data[1])
	}

	d := &decoder{
		br:       bitstream.NewReader(data[2:]),
		dictBits: uint(data[1]),
	}
	return d.explode(expectedSize), nil
}

func (d *decoder) explode(expectedSize int) []byte {
	out := make([]byte, 0, min(max(expectedSize, 0), maxPrealloc))

	for len(out) < expectedSize {
		sym, ok := d.literal()
		if !ok || sym == symbolEnd {
			break
		}

		if sym < 0x100 {
			out = append(out, byte(sym))
			continue
		}

		length := int(sym) - 0xFE
		dist, ok := d.distance(length)
		if !ok {
			break
		}

		src := len(out) - dist
		if src < 0 {
			break
		}

		// byte at a time so overlapping copies repeat the window
		n := min(length, expectedSize-len(out))
		for i := 0; i < n; i++ {
			out = append(out, out[src+i])
		}
	}

	return out
}

// literal decodes the next literal/length symbol. Values below 0x100 are
// literal bytes, larger values encode a match length.
func (d *decoder) literal() (uint32, bool) {
	flag, err := d.br.ReadBit()
	if err != nil {
		return 0, false
	}

	if flag == 0 {
		b, err := d.br.ReadBits(8)
		if err != nil {
			return 0, false
		}
		return b, true
	}

	index := lenTable[d.br.PeekBits(8)]
	if err := d.br.SkipBits(uint(lenBits[index])); err != nil {
		return 0, false
	}

	sym := uint32(index)
	if extra := exLenBits[index]; extra != 0 {
		v, err := d.br.ReadBits(uint(extra))
		if err != nil {
			return 0, false
		}
		sym = uint32(lenBase[index]) + v
	}

	return sym + 0x100, true
}

// distance decodes the back-reference distance that follows a length.
func (d *decoder) distance(length int) (int, bool) {
	index := distTable[d.br.PeekBits(8)]
	if err := d.br.SkipBits(uint(distBits[index])); err != nil {
		return 0, false
	}

	lowBits := d.dictBits
	if length == 2 {
		lowBits = 2
	}

	low, err := d.br.ReadBits(lowBits)
	if err != nil {
		return 0, false
	}

	return (int(index)<<lowBits | int(low)) + 1, true
}
