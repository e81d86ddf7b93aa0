// Package mpqtest builds small MPQ archives in memory for tests.
package mpqtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	dsbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zlib"

	"github.com/ossyrian/mpqkit/internal/mpq"
)

// Codec encodes one sector, or a whole single unit file. For COMPRESS
// files the result starts with the compression mask byte; for IMPLODE
// files it is a bare PKWare stream. Output that is not smaller than the
// input is discarded and the data is stored as is.
type Codec func([]byte) ([]byte, error)

// File is one file to store in the archive.
type File struct {
	Name   string
	Data   []byte
	Flags  uint32 // FlagExists is always added
	Codec  Codec
	Locale uint16
	// Size, when non-zero, replaces the decoded size written to the
	// block table after the data is encoded.
	Size uint32
}

// Builder describes an archive. The zero value builds a format 0 archive
// with 512 byte sectors and a 16 slot hash table.
type Builder struct {
	// Prefix is the number of bytes before the first header. It should
	// be a multiple of 0x200.
	Prefix int
	// UserData, when non-nil, adds a user data header carrying it in
	// front of the archive header.
	UserData []byte

	FormatVersion uint16
	SectorShift   uint16 // sectors are 512 << SectorShift bytes
	HashTableSize int

	// Listfile adds a (listfile) naming every file.
	Listfile bool
	// Deleted adds deleted hash slots for these names before any file
	// is inserted, so lookups of the same names must probe past them.
	Deleted []string

	Files []File
}

// Build returns the encoded archive.
func (b *Builder) Build() ([]byte, error) {
	keys := mpq.DefaultKeys()

	files := b.Files
	if b.Listfile {
		names := make([]string, 0, len(files))
		for _, f := range files {
			names = append(names, f.Name)
		}
		files = append(files[:len(files):len(files)], File{
			Name:  mpq.ListfileName,
			Data:  []byte(strings.Join(names, "\r\n") + "\r\n"),
			Flags: mpq.FlagCompress,
			Codec: ZlibSector,
		})
	}

	shift := b.SectorShift
	sectorSize := 512 << shift

	headerSize := mpq.HeaderSizeV0
	if b.FormatVersion == 1 {
		headerSize = mpq.HeaderSizeV1
	}

	var body bytes.Buffer
	body.Write(make([]byte, headerSize))

	blocks := make([]mpq.BlockEntry, 0, len(files))
	for _, f := range files {
		block := mpq.BlockEntry{
			Offset: uint32(body.Len()),
			Size:   uint32(len(f.Data)),
			Flags:  f.Flags | mpq.FlagExists,
		}
		data, err := encodeFile(keys, f, block, sectorSize)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", f.Name, err)
		}
		block.ArchivedSize = uint32(len(data))
		if f.Size != 0 {
			block.Size = f.Size
		}
		body.Write(data)
		blocks = append(blocks, block)
	}

	hashTable, err := b.hashTable(keys, files)
	if err != nil {
		return nil, err
	}

	hashPos := body.Len()
	body.Write(encryptTable(keys, hashTable, "(hash table)"))

	blockPos := body.Len()
	blockTable := make([]byte, 0, len(blocks)*mpq.BlockEntrySize)
	for _, bl := range blocks {
		blockTable = binary.LittleEndian.AppendUint32(blockTable, bl.Offset)
		blockTable = binary.LittleEndian.AppendUint32(blockTable, bl.ArchivedSize)
		blockTable = binary.LittleEndian.AppendUint32(blockTable, bl.Size)
		blockTable = binary.LittleEndian.AppendUint32(blockTable, bl.Flags)
	}
	body.Write(encryptTable(keys, blockTable, "(block table)"))

	hiPos := body.Len()
	if b.FormatVersion == 1 {
		body.Write(make([]byte, len(blocks)*2))
	}

	out := body.Bytes()
	h := make([]byte, 0, headerSize)
	h = append(h, mpq.Magic[:]...)
	h = binary.LittleEndian.AppendUint32(h, uint32(headerSize))
	h = binary.LittleEndian.AppendUint32(h, uint32(len(out)))
	h = binary.LittleEndian.AppendUint16(h, b.FormatVersion)
	h = binary.LittleEndian.AppendUint16(h, shift)
	h = binary.LittleEndian.AppendUint32(h, uint32(hashPos))
	h = binary.LittleEndian.AppendUint32(h, uint32(blockPos))
	h = binary.LittleEndian.AppendUint32(h, uint32(len(hashTable)/mpq.HashEntrySize))
	h = binary.LittleEndian.AppendUint32(h, uint32(len(blocks)))
	if b.FormatVersion == 1 {
		// The high table offset words stay zero.
		h = binary.LittleEndian.AppendUint64(h, uint64(hiPos))
	}
	copy(out, h)

	return b.frame(out), nil
}

// frame places the archive behind the prefix and optional user data.
func (b *Builder) frame(archive []byte) []byte {
	out := make([]byte, b.Prefix, b.Prefix+len(archive)+0x200)
	if b.UserData != nil {
		headerOffset := (mpq.UserDataHeaderSize + len(b.UserData) + 0x1FF) &^ 0x1FF
		out = append(out, mpq.UserDataMagic[:]...)
		out = binary.LittleEndian.AppendUint32(out, uint32(mpq.UserDataHeaderSize+len(b.UserData)))
		out = binary.LittleEndian.AppendUint32(out, uint32(headerOffset))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(b.UserData)))
		out = append(out, b.UserData...)
		out = append(out, make([]byte, b.Prefix+headerOffset-len(out))...)
	}
	return append(out, archive...)
}

func (b *Builder) hashTable(keys *mpq.Keys, files []File) ([]byte, error) {
	n := b.HashTableSize
	if n == 0 {
		n = 16
	}

	slots := make([]mpq.HashEntry, n)
	for i := range slots {
		slots[i] = mpq.HashEntry{
			HashA:      0xFFFFFFFF,
			HashB:      0xFFFFFFFF,
			Locale:     0xFFFF,
			Platform:   0xFFFF,
			BlockIndex: mpq.HashEntryEmpty,
		}
	}

	insert := func(name string, e mpq.HashEntry) error {
		start := keys.Hash(name, mpq.HashTableOffset) % uint32(n)
		for i := range uint32(n) {
			slot := &slots[(start+i)%uint32(n)]
			if slot.BlockIndex == mpq.HashEntryEmpty {
				e.HashA = keys.Hash(name, mpq.HashNameA)
				e.HashB = keys.Hash(name, mpq.HashNameB)
				*slot = e
				return nil
			}
		}
		return errors.New("hash table full")
	}

	for _, name := range b.Deleted {
		if err := insert(name, mpq.HashEntry{BlockIndex: mpq.HashEntryDeleted}); err != nil {
			return nil, err
		}
	}
	for i, f := range files {
		if err := insert(f.Name, mpq.HashEntry{Locale: f.Locale, BlockIndex: uint32(i)}); err != nil {
			return nil, fmt.Errorf("failed to insert %s: %w", f.Name, err)
		}
	}

	out := make([]byte, 0, n*mpq.HashEntrySize)
	for _, e := range slots {
		out = binary.LittleEndian.AppendUint32(out, e.HashA)
		out = binary.LittleEndian.AppendUint32(out, e.HashB)
		out = binary.LittleEndian.AppendUint16(out, e.Locale)
		out = binary.LittleEndian.AppendUint16(out, e.Platform)
		out = binary.LittleEndian.AppendUint32(out, e.BlockIndex)
	}
	return out, nil
}

func encryptTable(keys *mpq.Keys, table []byte, name string) []byte {
	keys.Encrypt(table, keys.Hash(name, mpq.HashFileKey))
	return table
}

func encodeFile(keys *mpq.Keys, f File, block mpq.BlockEntry, sectorSize int) ([]byte, error) {
	if len(f.Data) == 0 {
		return nil, nil
	}

	encrypted := f.Flags&mpq.FlagEncrypted != 0
	key := keys.FileKey(f.Name, block)
	coded := f.Flags&(mpq.FlagCompress|mpq.FlagImplode) != 0

	if f.Flags&mpq.FlagSingleUnit != 0 {
		data := bytes.Clone(f.Data)
		if coded {
			var err error
			if data, err = shrink(f.Codec, data); err != nil {
				return nil, err
			}
		}
		if encrypted {
			keys.Encrypt(data, key)
		}
		return data, nil
	}

	if !coded {
		data := bytes.Clone(f.Data)
		if encrypted {
			for i, off := 0, 0; off < len(data); i, off = i+1, off+sectorSize {
				keys.Encrypt(data[off:min(off+sectorSize, len(data))], key+uint32(i))
			}
		}
		return data, nil
	}

	sectors := (len(f.Data) + sectorSize - 1) / sectorSize
	entries := sectors + 1
	if f.Flags&mpq.FlagSectorCRC != 0 {
		entries++
	}

	offsets := make([]uint32, 0, entries)
	var payload bytes.Buffer
	pos := uint32(entries * 4)
	for i := range sectors {
		chunk := f.Data[i*sectorSize : min((i+1)*sectorSize, len(f.Data))]
		data, err := shrink(f.Codec, bytes.Clone(chunk))
		if err != nil {
			return nil, fmt.Errorf("sector %d: %w", i, err)
		}
		if encrypted {
			keys.Encrypt(data, key+uint32(i))
		}
		offsets = append(offsets, pos)
		payload.Write(data)
		pos += uint32(len(data))
	}
	offsets = append(offsets, pos)
	if f.Flags&mpq.FlagSectorCRC != 0 {
		payload.Write(make([]byte, sectors*4))
		offsets = append(offsets, pos+uint32(sectors*4))
	}

	table := make([]byte, 0, entries*4)
	for _, off := range offsets {
		table = binary.LittleEndian.AppendUint32(table, off)
	}
	if encrypted {
		keys.Encrypt(table, key-1)
	}

	return append(table, payload.Bytes()...), nil
}

func shrink(c Codec, data []byte) ([]byte, error) {
	if c == nil {
		return data, nil
	}
	enc, err := c(data)
	if err != nil {
		return nil, err
	}
	if len(enc) < len(data) {
		return enc, nil
	}
	return data, nil
}

// ZlibSector compresses with zlib behind the 0x02 mask.
func ZlibSector(data []byte) ([]byte, error) {
	z, err := zlibCompress(data)
	if err != nil {
		return nil, err
	}
	return append([]byte{mpq.CompressionZlib}, z...), nil
}

// BZip2Sector compresses with bzip2 behind the 0x10 mask.
func BZip2Sector(data []byte) ([]byte, error) {
	bz, err := bzip2Compress(data)
	if err != nil {
		return nil, err
	}
	return append([]byte{mpq.CompressionBZip2}, bz...), nil
}

// BZip2ZlibSector applies zlib and then bzip2 behind the 0x12 mask, so a
// reader must undo bzip2 first.
func BZip2ZlibSector(data []byte) ([]byte, error) {
	z, err := zlibCompress(data)
	if err != nil {
		return nil, err
	}
	bz, err := bzip2Compress(z)
	if err != nil {
		return nil, err
	}
	return append([]byte{mpq.CompressionBZip2 | mpq.CompressionZlib}, bz...), nil
}

// Fixed returns a codec that always produces encoded, for streams made by
// encoders this package does not have.
func Fixed(encoded []byte) Codec {
	return func([]byte) ([]byte, error) {
		return bytes.Clone(encoded), nil
	}
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bzip2Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := dsbzip2.NewWriter(&buf, &dsbzip2.WriterConfig{Level: 9})
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
