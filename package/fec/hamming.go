package fec

import (
	"fmt"

	"acoustic_arq/package/shared"
)

// Hamming is the (7,4) code laid out as p1 p2 d0 p3 d1 d2 d3. It corrects
// one flipped bit per codeword.
type Hamming struct{}

func (Hamming) Name() string { return "hamming" }

func (Hamming) EncodedLen(n int) int { return (n + 3) / 4 * 7 }

func (Hamming) Encode(bits shared.Bits) shared.Bits {
	data := shared.PadBits(bits, 4)
	out := make(shared.Bits, 0, len(data)/4*7)
	for i := 0; i < len(data); i += 4 {
		d0, d1, d2, d3 := data[i], data[i+1], data[i+2], data[i+3]
		out = append(out,
			d0^d1^d3,
			d0^d2^d3,
			d0,
			d1^d2^d3,
			d1,
			d2,
			d3,
		)
	}
	return out
}

func (Hamming) Decode(bits shared.Bits) (shared.Bits, error) {
	if len(bits)%7 != 0 {
		return nil, fmt.Errorf("%w: %d bits, blocks of 7", ErrBlockSize, len(bits))
	}
	out := make(shared.Bits, 0, len(bits)/7*4)
	var r [7]uint8
	for i := 0; i < len(bits); i += 7 {
		copy(r[:], bits[i:i+7])
		s1 := r[0] ^ r[2] ^ r[4] ^ r[6]
		s2 := r[1] ^ r[2] ^ r[5] ^ r[6]
		s3 := r[3] ^ r[4] ^ r[5] ^ r[6]
		if pos := int(s1) + 2*int(s2) + 4*int(s3); pos != 0 {
			r[pos-1] ^= 1
		}
		out = append(out, r[2], r[4], r[5], r[6])
	}
	return out, nil
}
