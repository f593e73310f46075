package modem

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"acoustic_arq/package/shared"
)

// BinaryKeyed maps each bit onto one of two short templates.
type BinaryKeyed struct {
	one  []float64
	zero []float64
}

func NewBinaryKeyed(one, zero []float64) (*BinaryKeyed, error) {
	if len(one) == 0 || len(one) != len(zero) {
		return nil, fmt.Errorf("modem: templates must be non-empty and equally long")
	}
	return &BinaryKeyed{
		one:  append([]float64(nil), one...),
		zero: append([]float64(nil), zero...),
	}, nil
}

// NewPSK uses opposite-phase square patterns.
func NewPSK() *BinaryKeyed {
	return &BinaryKeyed{
		one:  []float64{1, -1, 1, -1},
		zero: []float64{-1, 1, -1, 1},
	}
}

// NewASK keys a single pulse on or off, with polarity telling the bits apart.
func NewASK() *BinaryKeyed {
	return &BinaryKeyed{
		one:  []float64{0, 1},
		zero: []float64{0, -1},
	}
}

func (b *BinaryKeyed) Modulate(bits shared.Bits) ([]float64, error) {
	wave := make([]float64, 0, len(bits)*len(b.one))
	for _, bit := range bits {
		if bit != 0 {
			wave = append(wave, b.one...)
		} else {
			wave = append(wave, b.zero...)
		}
	}
	return wave, nil
}

func (b *BinaryKeyed) Demodulate(wave []float64) (shared.Bits, error) {
	n := len(b.one)
	if len(wave)%n != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d per symbol", ErrSampleCount, len(wave), n)
	}
	bits := make(shared.Bits, 0, len(wave)/n)
	for off := 0; off < len(wave); off += n {
		sym := wave[off : off+n]
		if floats.Dot(sym, b.one) > floats.Dot(sym, b.zero) {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}
	return bits, nil
}

func (b *BinaryKeyed) SymbolSamples() int { return len(b.one) }

func (b *BinaryKeyed) BitsPerSymbol() int { return 1 }

func (b *BinaryKeyed) PhyPayloadSize(n int) int { return n * len(b.one) }
