package mpq

// Magic values found at the start of an archive header.
var (
	// Magic identifies a standard MPQ header ("MPQ\x1a").
	Magic = [4]byte{'M', 'P', 'Q', 0x1A}
	// UserDataMagic identifies a user data header ("MPQ\x1b") that
	// points at the real header further into the file.
	UserDataMagic = [4]byte{'M', 'P', 'Q', 0x1B}
)

// HeaderOffsets are the positions probed for a header, so archives may be
// preceded by a stub or padding of up to 0xE00 bytes.
var HeaderOffsets = []int64{0x000, 0x200, 0x400, 0x600, 0x800, 0xA00, 0xC00, 0xE00}

// Structure sizes in bytes.
const (
	HeaderSizeV0       = 32
	HeaderSizeV1       = 44
	UserDataHeaderSize = 16
	HashEntrySize      = 16
	BlockEntrySize     = 16
)

// MaxSectorSizeShift is the largest accepted sector size shift, giving
// 16 MiB sectors.
const MaxSectorSizeShift = 15

// Block table flags.
//
// Reference: StormLib StormLib.h MPQ_FILE_*
const (
	FlagImplode      uint32 = 0x00000100 // sectors are raw PKWare DCL streams
	FlagCompress     uint32 = 0x00000200 // sectors start with a compression mask byte
	FlagEncrypted    uint32 = 0x00010000
	FlagFixKey       uint32 = 0x00020000 // file key is adjusted by block offset and size
	FlagSingleUnit   uint32 = 0x01000000 // stored as one unit rather than in sectors
	FlagDeleteMarker uint32 = 0x02000000 // patch archive tombstone
	FlagSectorCRC    uint32 = 0x04000000 // sector table carries an extra checksum entry
	FlagExists       uint32 = 0x80000000
)

// Hash table sentinels stored in HashEntry.BlockIndex.
const (
	// HashEntryEmpty marks a never-used slot and ends a lookup.
	HashEntryEmpty uint32 = 0xFFFFFFFF
	// HashEntryDeleted marks a removed slot; lookups probe past it.
	HashEntryDeleted uint32 = 0xFFFFFFFE
)

// Sector compression mask bits. A compressed sector starts with a byte
// combining one or more of these.
const (
	CompressionHuffman     byte = 0x01
	CompressionZlib        byte = 0x02
	CompressionPKWare      byte = 0x08
	CompressionBZip2       byte = 0x10
	CompressionADPCMMono   byte = 0x40
	CompressionADPCMStereo byte = 0x80
)

// HashType selects the variant of the name hash.
type HashType uint32

const (
	HashTableOffset HashType = iota // home slot in the hash table
	HashNameA                       // first name check
	HashNameB                       // second name check
	HashFileKey                     // encryption key
)

// Well-known names.
const (
	ListfileName   = "(listfile)"
	hashTableName  = "(hash table)"
	blockTableName = "(block table)"
)

// localeNeutral is the locale of entries that apply to every language.
const localeNeutral = 0
