package pdu

// CFDP PDU CRC implementation
// CRC-16/CCITT-FALSE: polynomial 0x1021, initial value 0xFFFF, no reflection, no final XOR

var crcTable [256]uint16

func init() {
	const poly uint16 = 0x1021

	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CalculateCRC calculates the CFDP CRC-16 for the given data
func CalculateCRC(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// VerifyCRC verifies that data has correct CRC appended
// Data should include the 2-byte CRC at the end (big-endian)
func VerifyCRC(data []byte) bool {
	if len(data) < CRCSize {
		return false
	}

	calculated := CalculateCRC(data[:len(data)-CRCSize])
	received := uint16(data[len(data)-2])<<8 | uint16(data[len(data)-1])

	return calculated == received
}

// AppendCRC appends the CRC of data to data
func AppendCRC(data []byte) []byte {
	crc := CalculateCRC(data)
	return append(data, byte(crc>>8), byte(crc))
}
