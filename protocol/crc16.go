package protocol

// CRC16 is the block checksum: CRC-16/MCRF4XX (CCITT polynomial, reflected,
// initial value 0xFFFF), computed over length, sequence and payload.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b ^= byte(crc)
		b ^= b << 4
		crc = (uint16(b)<<8 | crc>>8) ^ uint16(b>>4) ^ uint16(b)<<3
	}
	return crc
}

// appendTrailer appends the CRC of dst[start:] and the sync byte.
func appendTrailer(dst []byte, start int) []byte {
	crc := CRC16(dst[start:])
	return append(dst, byte(crc>>8), byte(crc), MessageValueSync)
}

// blockCRCValid checks the trailer CRC of a complete block.
func blockCRCValid(block []byte) bool {
	n := len(block)
	got := uint16(block[n-MessageTrailerCRC])<<8 | uint16(block[n-MessageTrailerCRC+1])
	return got == CRC16(block[:n-MessageTrailerSize])
}
