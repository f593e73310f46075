package fec

import (
	"fmt"

	"acoustic_arq/package/shared"
)

// GF(2^8) with the 0x11d field polynomial.
var (
	gfExp [512]byte
	gfLog [256]int
)

func init() {
	x := 1
	for i := 0; i < 255; i++ {
		gfExp[i] = byte(x)
		gfLog[x] = i
		x <<= 1
		if x&0x100 != 0 {
			x ^= 0x11d
		}
	}
	for i := 255; i < len(gfExp); i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[gfLog[a]+gfLog[b]]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	return gfExp[gfLog[a]+255-gfLog[b]]
}

// gfPow returns α^e for any integer e.
func gfPow(e int) byte {
	e %= 255
	if e < 0 {
		e += 255
	}
	return gfExp[e]
}

// polyEval evaluates p (lowest degree first) at x.
func polyEval(p []byte, x byte) byte {
	var y byte
	for i := len(p) - 1; i >= 0; i-- {
		y = gfMul(y, x) ^ p[i]
	}
	return y
}

// ReedSolomon is a systematic RS(n, k) code over GF(2^8) whose generator
// has roots α^0 … α^(n-k-1). Codes with n < 255 are shortened.
type ReedSolomon struct {
	n, k   int
	nroots int
	gen    []byte // highest degree first, monic
}

func NewReedSolomon(n, k int) (*ReedSolomon, error) {
	if n > 255 || k < 1 || k >= n {
		return nil, fmt.Errorf("fec: invalid rs(%d, %d)", n, k)
	}
	if (n-k)%2 != 0 {
		return nil, fmt.Errorf("fec: rs(%d, %d) needs an even number of parity bytes", n, k)
	}
	rs := &ReedSolomon{n: n, k: k, nroots: n - k}

	// multiply out (x + α^i) for each root
	gen := []byte{1}
	for i := 0; i < rs.nroots; i++ {
		root := gfPow(i)
		next := make([]byte, len(gen)+1)
		for j, c := range gen {
			next[j] ^= c
			next[j+1] ^= gfMul(c, root)
		}
		gen = next
	}
	rs.gen = gen
	return rs, nil
}

func (rs *ReedSolomon) Name() string { return fmt.Sprintf("rs(%d,%d)", rs.n, rs.k) }

func (rs *ReedSolomon) blocks(nbits int) int {
	nbytes := (nbits + 7) / 8
	return (nbytes + rs.k - 1) / rs.k
}

func (rs *ReedSolomon) EncodedLen(n int) int { return rs.blocks(n) * rs.n * 8 }

// Encode packs bits LSB-first into bytes, zero-pads to whole k-byte blocks
// and appends n-k parity bytes to each block.
func (rs *ReedSolomon) Encode(bits shared.Bits) shared.Bits {
	blocks := rs.blocks(len(bits))
	data := make([]byte, blocks*rs.k)
	copy(data, shared.BitsToBytes(bits))

	out := make([]byte, 0, blocks*rs.n)
	for b := 0; b < blocks; b++ {
		out = append(out, rs.EncodeBlock(data[b*rs.k:(b+1)*rs.k])...)
	}
	return shared.BytesToBits(out)
}

// EncodeBlock returns msg followed by its parity bytes. len(msg) must be k.
func (rs *ReedSolomon) EncodeBlock(msg []byte) []byte {
	buf := make([]byte, rs.n)
	copy(buf, msg)
	for i := 0; i < rs.k; i++ {
		coef := buf[i]
		if coef == 0 {
			continue
		}
		for j := 1; j < len(rs.gen); j++ {
			buf[i+j] ^= gfMul(rs.gen[j], coef)
		}
	}
	copy(buf, msg)
	return buf
}

func (rs *ReedSolomon) Decode(bits shared.Bits) (shared.Bits, error) {
	if len(bits)%(rs.n*8) != 0 {
		return nil, fmt.Errorf("%w: %d bits, blocks of %d", ErrBlockSize, len(bits), rs.n*8)
	}
	raw := shared.BitsToBytes(bits)
	out := make([]byte, 0, len(raw)/rs.n*rs.k)
	for off := 0; off < len(raw); off += rs.n {
		msg, _, err := rs.DecodeBlock(raw[off : off+rs.n])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", off/rs.n, err)
		}
		out = append(out, msg...)
	}
	return shared.BytesToBits(out), nil
}

// DecodeBlock corrects up to (n-k)/2 byte errors in a codeword and returns
// the message and the number of corrected bytes.
func (rs *ReedSolomon) DecodeBlock(codeword []byte) ([]byte, int, error) {
	if len(codeword) != rs.n {
		return nil, 0, fmt.Errorf("%w: %d bytes, want %d", ErrBlockSize, len(codeword), rs.n)
	}
	r := append([]byte(nil), codeword...)

	synd, clean := rs.syndromes(r)
	if clean {
		return r[:rs.k], 0, nil
	}

	locator := berlekampMassey(synd)
	nerr := len(locator) - 1
	if nerr == 0 || 2*nerr > rs.nroots {
		return nil, 0, ErrUncorrectable
	}

	// Chien search: byte i carries power n-1-i, a root of the locator at α^-(n-1-i)
	var positions []int
	for i := 0; i < rs.n; i++ {
		if polyEval(locator, gfPow(-(rs.n-1-i))) == 0 {
			positions = append(positions, i)
		}
	}
	if len(positions) != nerr {
		return nil, 0, ErrUncorrectable
	}

	// Forney: Ω = S·Λ mod x^nroots, e = X·Ω(X⁻¹)/Λ'(X⁻¹)
	omega := make([]byte, rs.nroots)
	for i, s := range synd {
		for j, l := range locator {
			if i+j < rs.nroots {
				omega[i+j] ^= gfMul(s, l)
			}
		}
	}
	deriv := make([]byte, len(locator))
	for i := 1; i < len(locator); i += 2 {
		deriv[i-1] = locator[i]
	}
	for _, i := range positions {
		x := gfPow(rs.n - 1 - i)
		xinv := gfPow(-(rs.n - 1 - i))
		den := polyEval(deriv, xinv)
		if den == 0 {
			return nil, 0, ErrUncorrectable
		}
		r[i] ^= gfMul(x, gfDiv(polyEval(omega, xinv), den))
	}

	if _, ok := rs.syndromes(r); !ok {
		return nil, 0, ErrUncorrectable
	}
	return r[:rs.k], nerr, nil
}

// syndromes evaluates the received word at every generator root.
func (rs *ReedSolomon) syndromes(r []byte) ([]byte, bool) {
	synd := make([]byte, rs.nroots)
	clean := true
	for j := range synd {
		root := gfPow(j)
		var s byte
		for _, c := range r {
			s = gfMul(s, root) ^ c
		}
		synd[j] = s
		if s != 0 {
			clean = false
		}
	}
	return synd, clean
}

// berlekampMassey returns the error locator (lowest degree first), trimmed
// to its degree.
func berlekampMassey(synd []byte) []byte {
	c := []byte{1}
	b := []byte{1}
	l, m := 0, 1
	var bd byte = 1

	for n := range synd {
		d := synd[n]
		for i := 1; i <= l && i < len(c); i++ {
			d ^= gfMul(c[i], synd[n-i])
		}
		if d == 0 {
			m++
			continue
		}

		coef := gfDiv(d, bd)
		next := c
		if need := len(b) + m; need > len(next) {
			next = make([]byte, need)
			copy(next, c)
		} else {
			next = append([]byte(nil), c...)
		}
		for i, v := range b {
			next[i+m] ^= gfMul(coef, v)
		}

		if 2*l <= n {
			b = c
			l = n + 1 - l
			bd = d
			m = 1
		} else {
			m++
		}
		c = next
	}

	for len(c) > 1 && c[len(c)-1] == 0 {
		c = c[:len(c)-1]
	}
	// a degree below the register length means the locator has fewer roots
	// than errors; padding keeps the Chien count check honest
	if deg := len(c) - 1; deg < l {
		c = append(c, make([]byte, l-deg)...)
	}
	return c
}
