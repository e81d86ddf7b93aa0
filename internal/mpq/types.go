package mpq

// Header is the archive header.
//
// Format version 0 headers are 32 bytes:
//
//	[magic(4)][header_size(u32)][archive_size(u32)][format_version(u16)]
//	[sector_size_shift(u16)][hash_table_offset(u32)][block_table_offset(u32)]
//	[hash_table_entries(u32)][block_table_entries(u32)]
//
// Version 1 appends 12 bytes:
//
//	[hi_block_table_offset(u64)][hash_table_offset_hi(u16)][block_table_offset_hi(u16)]
//
// All offsets are relative to Offset.
type Header struct {
	Magic             [4]byte
	HeaderSize        uint32
	ArchiveSize       uint32
	FormatVersion     uint16
	SectorSizeShift   uint16
	HashTableOffset   uint32
	BlockTableOffset  uint32
	HashTableEntries  uint32
	BlockTableEntries uint32

	HiBlockTableOffset   uint64
	HashTableOffsetHigh  uint16
	BlockTableOffsetHigh uint16

	// Offset is the absolute position of the header in the file.
	Offset int64
}

// SectorSize is the uncompressed size of a full sector.
func (h *Header) SectorSize() uint32 {
	return 512 << h.SectorSizeShift
}

func (h *Header) hashTablePos() int64 {
	return h.Offset + int64(h.HashTableOffsetHigh)<<32 + int64(h.HashTableOffset)
}

func (h *Header) blockTablePos() int64 {
	return h.Offset + int64(h.BlockTableOffsetHigh)<<32 + int64(h.BlockTableOffset)
}

// UserDataHeader precedes the archive header in some archives.
//
//	[magic(4)][user_data_size(u32)][header_offset(u32)][user_data_header_size(u32)][content]
type UserDataHeader struct {
	Magic          [4]byte
	UserDataSize   uint32
	HeaderOffset   uint32 // relative to the user data header
	UserHeaderSize uint32
	Content        []byte

	// Offset is the absolute position of the user data header.
	Offset int64
}

// HashEntry is one slot of the hash table. Names are not stored; a file
// is found by matching both name hashes.
type HashEntry struct {
	HashA      uint32
	HashB      uint32
	Locale     uint16
	Platform   uint16
	BlockIndex uint32 // HashEntryEmpty, HashEntryDeleted or an index into the block table
}

// BlockEntry describes where and how a file is stored.
type BlockEntry struct {
	Offset       uint32 // low 32 bits, relative to the header
	ArchivedSize uint32
	Size         uint32
	Flags        uint32

	// OffsetHigh holds bits 32..47 of the offset from the extended block table.
	OffsetHigh uint16
}

func (b BlockEntry) pos() int64 {
	return int64(b.OffsetHigh)<<32 | int64(b.Offset)
}

// Exists reports whether the entry holds a file that has not been
// replaced by a delete marker.
func (b BlockEntry) Exists() bool {
	return b.Flags&FlagExists != 0 && b.Flags&FlagDeleteMarker == 0
}

// Info summarizes an open archive.
type Info struct {
	FormatVersion     uint16
	ArchiveSize       uint32
	FileCount         int
	HashTableEntries  uint32
	BlockTableEntries uint32
}
