package mpq

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"github.com/ossyrian/mpqkit/internal/bzip2"
	"github.com/ossyrian/mpqkit/internal/huffman"
	"github.com/ossyrian/mpqkit/internal/pkware"
)

const knownCompression = CompressionHuffman | CompressionZlib | CompressionPKWare | CompressionBZip2

// decompress undoes the codecs named by the leading mask byte of a
// compressed sector. expected is the decoded size declared by the block
// table; preallocation is capped at maxPrealloc.
//
// Codecs are applied in a fixed order whatever the order of the bits:
// bzip2, PKWare, zlib, then Huffman.
//
// Reference: StormLib SCompression.cpp SCompDecompress
func decompress(data []byte, expected int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty compressed sector", ErrCorrupt)
	}

	mask := data[0]
	data = data[1:]

	if mask&(CompressionADPCMMono|CompressionADPCMStereo) != 0 {
		return nil, fmt.Errorf("%w: adpcm (mask 0x%02x)", ErrUnsupportedCompression, mask)
	}
	if mask&^knownCompression != 0 {
		return nil, fmt.Errorf("%w: mask 0x%02x", ErrUnsupportedCompression, mask)
	}

	hint := min(expected, maxPrealloc)

	var err error
	if mask&CompressionBZip2 != 0 {
		if data, err = bzip2.Decompress(data, hint); err != nil {
			return nil, codecError("bzip2", err)
		}
		mask &^= CompressionBZip2
	}
	if mask&CompressionPKWare != 0 {
		if data, err = pkware.Explode(data, expected); err != nil {
			return nil, codecError("pkware", err)
		}
		mask &^= CompressionPKWare
	}
	if mask&CompressionZlib != 0 {
		if data, err = inflate(data, hint); err != nil {
			return nil, codecError("zlib", err)
		}
		mask &^= CompressionZlib
	}
	if mask&CompressionHuffman != 0 {
		if data, err = huffman.Decompress(data); err != nil {
			return nil, codecError("huffman", err)
		}
	}

	return data, nil
}

func inflate(data []byte, sizeHint int) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var buf bytes.Buffer
	buf.Grow(sizeHint)
	if _, err := io.Copy(&buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func codecError(stage string, err error) error {
	if errors.Is(err, pkware.ErrUnsupported) || errors.Is(err, huffman.ErrUnsupported) {
		return fmt.Errorf("%w: %s: %w", ErrUnsupportedCompression, stage, err)
	}
	return fmt.Errorf("%s stage failed: %w", stage, err)
}
