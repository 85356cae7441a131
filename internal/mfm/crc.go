package mfm

import "github.com/sigurn/crc16"

// CRCInit is the CRC-CCITT preset used by IBM floppy formats.
const CRCInit uint16 = 0xFFFF

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// CRC16 continues a CRC-CCITT (polynomial 0x1021, MSB first) over data.
// The IBM formats use no final XOR, so the running value is the result.
func CRC16(crc uint16, data []byte) uint16 {
	return crc16.Update(crc, data, crcTable)
}
