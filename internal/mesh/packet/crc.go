package packet

// CRC16 computes the reflected CRC-16 (poly 0xA001, init 0xFFFF) used by
// the firmware transfer framing.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, v := range data {
		for i := 0; i < 8; i++ {
			if (crc^uint16(v))&1 == 1 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
			v >>= 1
		}
	}
	return crc
}
