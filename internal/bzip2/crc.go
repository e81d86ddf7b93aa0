package bzip2

// bzip2 uses the CRC-32 polynomial fed most significant bit first,
// unlike the reflected form in hash/crc32.
var crcTable = func() (t [256]uint32) {
	for i := range t {
		c := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if c&0x80000000 != 0 {
				c = c<<1 ^ 0x04c11db7
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()

func updateCRC(crc uint32, b byte) uint32 {
	return crc<<8 ^ crcTable[byte(crc>>24)^b]
}

func blockCRC(data []byte) uint32 {
	crc := ^uint32(0)
	for _, b := range data {
		crc = updateCRC(crc, b)
	}
	return ^crc
}

func combineCRC(combined, block uint32) uint32 {
	return (combined<<1 | combined>>31) ^ block
}
