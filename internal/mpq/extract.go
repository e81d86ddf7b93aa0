package mpq

import (
	"fmt"

	"github.com/ossyrian/mpqkit/internal/pkware"
)

// maxPrealloc bounds the output buffer reserved up front from a block's
// declared size.
const maxPrealloc = 64 << 20

// extract decodes block idx. name is the archive path used to derive the
// key of an encrypted file, or empty when it is not known.
func (a *Archive) extract(idx int, name string) ([]byte, error) {
	b := a.blockTable[idx]
	if !b.Exists() {
		return nil, nil
	}
	if b.ArchivedSize == 0 || b.Size == 0 {
		return []byte{}, nil
	}

	var key uint32
	var known bool
	if b.Flags&FlagEncrypted != 0 && name != "" {
		key, known = a.keys.FileKey(name, b), true
	}

	var (
		data []byte
		err  error
	)
	if b.Flags&FlagSingleUnit != 0 || (b.ArchivedSize == b.Size && b.Flags&FlagCompress == 0) {
		data, err = a.extractSingle(b, key, known)
	} else {
		data, err = a.extractSectors(b, key, known)
	}
	if err != nil {
		return nil, err
	}

	a.logger.Debug("extracted file",
		"name", name,
		"block", idx,
		"flags", fmt.Sprintf("0x%08x", b.Flags),
		"archived_size", b.ArchivedSize,
		"size", len(data),
	)
	return data, nil
}

func (a *Archive) extractSingle(b BlockEntry, key uint32, known bool) ([]byte, error) {
	data, err := a.readAt(a.header.Offset+b.pos(), int64(b.ArchivedSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read file data: %w", err)
	}

	if b.Flags&FlagEncrypted != 0 {
		if !known {
			return nil, ErrUnknownKey
		}
		if b.Flags&FlagSingleUnit != 0 {
			a.keys.Decrypt(data, key)
		} else {
			// Stored uncompressed but still laid out in sectors.
			ss := int(a.header.SectorSize())
			for i, off := 0, 0; off < len(data); i, off = i+1, off+ss {
				a.keys.Decrypt(data[off:min(off+ss, len(data))], key+uint32(i))
			}
		}
	}

	if b.Size <= b.ArchivedSize {
		return data, nil
	}
	switch {
	case b.Flags&FlagCompress != 0:
		return decompress(data, int(b.Size))
	case b.Flags&FlagImplode != 0:
		return pkware.Explode(data, int(b.Size))
	}
	return data, nil
}

func (a *Archive) extractSectors(b BlockEntry, key uint32, known bool) ([]byte, error) {
	ss := a.header.SectorSize()
	entries := (uint64(b.Size)+uint64(ss)-1)/uint64(ss) + 1
	if b.Flags&FlagSectorCRC != 0 {
		entries++
	}
	if entries*4 > uint64(b.ArchivedSize) {
		return nil, fmt.Errorf("%w: sector table of %d entries exceeds archived size %d", ErrCorrupt, entries, b.ArchivedSize)
	}
	// Both fit in uint32 now that the table fits in ArchivedSize.
	tableLen := uint32(entries * 4)
	sectors := (b.Size-1)/ss + 1

	pos := a.header.Offset + b.pos()
	raw, err := a.readAt(pos, int64(tableLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read sector table: %w", err)
	}
	offsets := words(raw)
	if len(offsets) < 2 {
		return nil, fmt.Errorf("%w: sector table has %d entries", ErrCorrupt, len(offsets))
	}

	tableEncrypted := offsets[0] != tableLen
	if tableEncrypted {
		tableKey, ok := a.sectorTableKey(offsets, tableLen, key, known)
		if !ok {
			return nil, ErrUnknownKey
		}
		a.keys.DecryptWords(offsets, tableKey)
		key, known = tableKey+1, true
	}

	encrypted := b.Flags&FlagEncrypted != 0 || tableEncrypted
	if encrypted && !known {
		return nil, ErrUnknownKey
	}

	end := offsets[sectors]
	if end > b.ArchivedSize {
		return nil, fmt.Errorf("%w: sectors end at %d past archived size %d", ErrCorrupt, end, b.ArchivedSize)
	}
	data, err := a.readAt(pos, int64(end))
	if err != nil {
		return nil, fmt.Errorf("failed to read sectors: %w", err)
	}

	out := make([]byte, 0, min(int(b.Size), maxPrealloc))
	for i := range sectors {
		start, stop := offsets[i], offsets[i+1]
		if start < tableLen || stop < start || stop > end {
			return nil, fmt.Errorf("%w: sector %d spans %d..%d", ErrCorrupt, i, start, stop)
		}

		sector := data[start:stop]
		expected := int(min(uint64(ss), uint64(b.Size)-uint64(i)*uint64(ss)))

		if encrypted {
			a.keys.Decrypt(sector, key+i)
		}

		switch {
		case b.Flags&FlagCompress != 0 && len(sector) != expected:
			sector, err = decompress(sector, expected)
		case b.Flags&FlagImplode != 0 && len(sector) < expected:
			sector, err = pkware.Explode(sector, expected)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode sector %d: %w", i, err)
		}

		out = append(out, sector...)
	}

	return out, nil
}

// sectorTableKey finds the key of an encrypted sector table. The key that
// follows from the file name is tried first; otherwise it is recovered
// from the first two entries, whose plaintext is constrained by the table
// length and the sector size.
func (a *Archive) sectorTableKey(offsets []uint32, tableLen, key uint32, known bool) (uint32, bool) {
	if known {
		probe := []uint32{offsets[0]}
		a.keys.DecryptWords(probe, key-1)
		if probe[0] == tableLen {
			return key - 1, true
		}
	}

	seed, ok := a.keys.DetectSeed(offsets[0], offsets[1], tableLen, a.header.SectorSize())
	if ok {
		a.logger.Debug("recovered sector table key", "key", fmt.Sprintf("0x%08x", seed))
	}
	return seed, ok
}
