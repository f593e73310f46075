package shared

import (
	"fmt"
	"strings"
)

// Bits is a sequence of 0/1 values, one bit per element.
type Bits []uint8

// IntToBits writes the low n bits of v, least significant bit first.
func IntToBits(v int, n int) Bits {
	bits := make(Bits, n)
	for i := 0; i < n; i++ {
		bits[i] = uint8((v >> i) & 1)
	}
	return bits
}

// BitsToInt is the inverse of IntToBits.
func BitsToInt(bits Bits) int {
	v := 0
	for i, b := range bits {
		if b != 0 {
			v |= 1 << i
		}
	}
	return v
}

// BytesToBits unpacks data LSB-first: bit i lives in byte i/8 at position i%8.
func BytesToBits(data []byte) Bits {
	bits := make(Bits, 8*len(data))
	for i := range bits {
		bits[i] = (data[i/8] >> (i % 8)) & 1
	}
	return bits
}

// BitsToBytes packs bits LSB-first, zero-filling the last partial byte.
func BitsToBytes(bits Bits) []byte {
	data := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// PadBits appends zeros until len is a multiple of n.
func PadBits(bits Bits, n int) Bits {
	if n <= 1 || len(bits)%n == 0 {
		return bits
	}
	padded := make(Bits, len(bits), len(bits)+n-len(bits)%n)
	copy(padded, bits)
	for len(padded)%n != 0 {
		padded = append(padded, 0)
	}
	return padded
}

// Concat joins bit sequences into a new slice.
func Concat(parts ...Bits) Bits {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(Bits, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func (b Bits) Equal(other Bits) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}
	return true
}

func (b Bits) String() string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, v := range b {
		sb.WriteByte('0' + v)
	}
	return sb.String()
}

// ParseBits reads a string of '0' and '1' characters. Whitespace is ignored.
func ParseBits(s string) (Bits, error) {
	bits := make(Bits, 0, len(s))
	for i, c := range s {
		switch c {
		case '0':
			bits = append(bits, 0)
		case '1':
			bits = append(bits, 1)
		case ' ', '\t', '\n', '\r':
		default:
			return nil, fmt.Errorf("invalid bit %q at %d", c, i)
		}
	}
	return bits, nil
}
