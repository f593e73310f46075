package shared

import (
	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"
)

const (
	CRC16Bits = 16
	CRC8Bits  = 8
)

var (
	crc16Table = crc16.MakeTable(crc16.CRC16_ARC)
	crc8Table  = crc8.MakeTable(crc8.CRC8_MAXIM)
)

// CRC16 computes CRC-16/ARC over bits packed LSB-first into bytes.
func CRC16(bits Bits) uint16 {
	return crc16.Checksum(BitsToBytes(bits), crc16Table)
}

// AppendCRC16 returns bits followed by their CRC-16, LSB-first.
func AppendCRC16(bits Bits) Bits {
	return Concat(bits, IntToBits(int(CRC16(bits)), CRC16Bits))
}

// ValidateCRC16 reports whether the trailing 16 bits match the checksum of
// everything before them.
func ValidateCRC16(bits Bits) bool {
	if len(bits) < CRC16Bits {
		return false
	}
	body := bits[:len(bits)-CRC16Bits]
	return BitsToInt(bits[len(body):]) == int(CRC16(body))
}

func CRC8(data []byte) byte {
	return crc8.Checksum(data, crc8Table)
}

// AppendCRC8 returns a copy of data with its CRC-8 appended.
func AppendCRC8(data []byte) []byte {
	out := make([]byte, len(data), len(data)+1)
	copy(out, data)
	return append(out, CRC8(data))
}

// ValidateCRC8 checks the trailing CRC-8 byte and returns the payload without it.
func ValidateCRC8(data []byte) ([]byte, bool) {
	if len(data) < 1 {
		return nil, false
	}
	body := data[:len(data)-1]
	return body, CRC8(body) == data[len(data)-1]
}
