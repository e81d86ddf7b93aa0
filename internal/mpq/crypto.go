package mpq

import (
	"encoding/binary"
	"strings"
	"sync"
)

const (
	cryptTableSize = 0x500
	cryptSeed      = 0x00100001

	hashSeed1 = 0x7FED7FED
	hashSeed2 = 0xEEEEEEEE
)

// Keys holds the table shared by name hashing and the MPQ stream cipher.
// A Keys value is immutable after construction and safe for concurrent use.
//
// The table is generated from a fixed linear congruential sequence:
// each of the 0x500 entries combines the low 16 bits of two successive
// values of seed = (seed*125 + 3) % 0x2AAAAB, starting at 0x00100001.
//
// Reference: StormLib SBaseCommon.cpp InitializeMpqCryptography
type Keys struct {
	table [cryptTableSize]uint32
}

// NewKeys builds the key table.
func NewKeys() *Keys {
	k := &Keys{}
	seed := uint32(cryptSeed)
	for i := 0; i < 0x100; i++ {
		for j := 0; j < 5; j++ {
			seed = (seed*125 + 3) % 0x2AAAAB
			hi := (seed & 0xFFFF) << 16
			seed = (seed*125 + 3) % 0x2AAAAB
			lo := seed & 0xFFFF
			k.table[i+j*0x100] = hi | lo
		}
	}
	return k
}

// DefaultKeys returns a lazily built Keys shared by every archive.
var DefaultKeys = sync.OnceValue(NewKeys)

// normalizeHashByte uppercases ASCII letters and treats '/' as '\'.
func normalizeHashByte(c byte) byte {
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 'A'
	case c == '/':
		return '\\'
	}
	return c
}

// Hash computes the ht variant of the MPQ hash of name.
// Hashing is case-insensitive.
func (k *Keys) Hash(name string, ht HashType) uint32 {
	seed1 := uint32(hashSeed1)
	seed2 := uint32(hashSeed2)
	for i := 0; i < len(name); i++ {
		ch := uint32(normalizeHashByte(name[i]))
		seed1 = k.table[uint32(ht)<<8+ch] ^ (seed1 + seed2)
		seed2 = ch + seed1 + seed2 + seed2<<5 + 3
	}
	return seed1
}

func nextKey(key uint32) uint32 {
	return (^key<<21 + 0x11111111) | key>>11
}

// DecryptWords decrypts words in place.
func (k *Keys) DecryptWords(words []uint32, key uint32) {
	seed2 := uint32(hashSeed2)
	for i, enc := range words {
		seed2 += k.table[0x400+key&0xFF]
		plain := enc ^ (key + seed2)
		key = nextKey(key)
		seed2 = plain + seed2 + seed2<<5 + 3
		words[i] = plain
	}
}

// Decrypt decrypts data in place as little-endian words. A trailing
// partial word is left unchanged.
func (k *Keys) Decrypt(data []byte, key uint32) {
	seed2 := uint32(hashSeed2)
	for off := 0; off+4 <= len(data); off += 4 {
		seed2 += k.table[0x400+key&0xFF]
		plain := binary.LittleEndian.Uint32(data[off:]) ^ (key + seed2)
		key = nextKey(key)
		seed2 = plain + seed2 + seed2<<5 + 3
		binary.LittleEndian.PutUint32(data[off:], plain)
	}
}

// Encrypt is the inverse of Decrypt.
func (k *Keys) Encrypt(data []byte, key uint32) {
	seed2 := uint32(hashSeed2)
	for off := 0; off+4 <= len(data); off += 4 {
		seed2 += k.table[0x400+key&0xFF]
		plain := binary.LittleEndian.Uint32(data[off:])
		binary.LittleEndian.PutUint32(data[off:], plain^(key+seed2))
		key = nextKey(key)
		seed2 = plain + seed2 + seed2<<5 + 3
	}
}

// baseName returns the part of an archive path after the last separator.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		return name[i+1:]
	}
	return name
}

// FileKey derives the encryption key of a file from its archive path.
// With FlagFixKey the key also depends on where the block is stored.
func (k *Keys) FileKey(name string, block BlockEntry) uint32 {
	key := k.Hash(baseName(name), HashFileKey)
	if block.Flags&FlagFixKey != 0 {
		key = (key + block.Offset) ^ block.Size
	}
	return key
}

// DetectSeed recovers the key that encrypted a pair of words whose first
// plaintext word is known to be first, and whose second word lies in
// (first, first+maxDelta]. This holds for a sector offset table, where
// first is the table length and the second entry ends sector 0.
//
// The key's low byte is brute forced; for each candidate the remaining
// bits follow from the first word. ok is false when no candidate fits.
//
// Reference: StormLib SBaseCommon.cpp DetectFileKeyBySectorSize
func (k *Keys) DetectSeed(enc0, enc1, first, maxDelta uint32) (key uint32, ok bool) {
	sum := (enc0 ^ first) - hashSeed2
	for low := uint32(0); low < 0x100; low++ {
		key1 := sum - k.table[0x400+low]

		seed2 := hashSeed2 + k.table[0x400+key1&0xFF]
		dec0 := enc0 ^ (key1 + seed2)
		if dec0 != first {
			continue
		}

		key2 := nextKey(key1)
		seed2 = dec0 + seed2 + seed2<<5 + 3
		seed2 += k.table[0x400+key2&0xFF]
		dec1 := enc1 ^ (key2 + seed2)

		if dec1 > dec0 && dec1-dec0 <= maxDelta {
			return key1, true
		}
	}
	return 0, false
}
