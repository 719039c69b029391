package codec

// CRC16 computes CRC-16/IBM (reflected polynomial 0xA001, initial value 0)
// over data, the checksum Teltonika places in the low half of the frame's
// trailing 4-byte CRC field.
func CRC16(data []byte) uint16 {
	var crc uint16
	for _, v := range data {
		crc ^= uint16(v)
		for i := 0; i < 8; i++ {
			if (crc & 1) == 1 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// CheckCRC reports whether the 4-byte CRC field matches data.
func CheckCRC(data []byte, field uint32) bool {
	return field>>16 == 0 && uint16(field) == CRC16(data)
}
