package modem

import (
	"fmt"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"acoustic_arq/package/shared"
)

// MultiTone sends one of 2^bps tones per symbol. Each tone sits on its own
// FFT bin of a real-length window, preceded by an optional cyclic prefix.
type MultiTone struct {
	real     int
	cp       int
	bps      int
	channels []int

	// precomputed symbol per channel index, prefix included
	symbols [][]float64

	mu     sync.Mutex
	fft    *fourier.FFT
	coeffs []complex128
}

func NewMultiTone(sampleRate int, symbolFreq float64, bps int, channels []int, cp int) (*MultiTone, error) {
	n, err := symbolLength(sampleRate, symbolFreq)
	if err != nil {
		return nil, err
	}
	if bps < 1 || bps > 3 {
		return nil, fmt.Errorf("modem: bits per symbol must be 1, 2 or 3, got %d", bps)
	}
	if len(channels) != 1<<bps {
		return nil, fmt.Errorf("modem: need %d channels for %d bits per symbol, got %d", 1<<bps, bps, len(channels))
	}
	for _, ch := range channels {
		if ch <= 0 || ch >= n/2 {
			return nil, fmt.Errorf("modem: channel %d outside (0, %d)", ch, n/2)
		}
	}
	if cp < 0 || cp > n {
		return nil, fmt.Errorf("modem: cyclic prefix %d outside [0, %d]", cp, n)
	}

	m := &MultiTone{
		real:     n,
		cp:       cp,
		bps:      bps,
		channels: append([]int(nil), channels...),
		fft:      fourier.NewFFT(n),
		coeffs:   make([]complex128, n/2+1),
	}
	for _, ch := range m.channels {
		m.symbols = append(m.symbols, m.synthesize(ch))
	}
	return m, nil
}

// synthesize places -0.5i at bin ch (and +0.5i at its mirror) and inverts,
// giving sin(2π·ch·t/real).
func (m *MultiTone) synthesize(ch int) []float64 {
	coeffs := make([]complex128, m.real/2+1)
	coeffs[ch] = complex(0, -0.5)
	core := m.fft.Sequence(nil, coeffs)

	sym := make([]float64, m.cp+m.real)
	copy(sym[:m.cp], core[m.real-m.cp:])
	copy(sym[m.cp:], core)
	return sym
}

func (m *MultiTone) Modulate(bits shared.Bits) ([]float64, error) {
	if len(bits)%m.bps != 0 {
		return nil, fmt.Errorf("%w: %d bits, %d per symbol", ErrBitCount, len(bits), m.bps)
	}
	wave := make([]float64, 0, len(bits)/m.bps*m.SymbolSamples())
	for i := 0; i < len(bits); i += m.bps {
		// first bit of the group is the most significant
		idx := 0
		for _, b := range bits[i : i+m.bps] {
			idx = idx<<1 | int(b&1)
		}
		wave = append(wave, m.symbols[idx]...)
	}
	return wave, nil
}

func (m *MultiTone) Demodulate(wave []float64) (shared.Bits, error) {
	size := m.SymbolSamples()
	if len(wave)%size != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d per symbol", ErrSampleCount, len(wave), size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bits := make(shared.Bits, 0, len(wave)/size*m.bps)
	for off := 0; off < len(wave); off += size {
		m.coeffs = m.fft.Coefficients(m.coeffs, wave[off+m.cp:off+size])

		best, bestMag := 0, -1.0
		for i, ch := range m.channels {
			if mag := cmplx.Abs(m.coeffs[ch]); mag > bestMag {
				best, bestMag = i, mag
			}
		}
		for j := m.bps - 1; j >= 0; j-- {
			bits = append(bits, uint8(best>>j&1))
		}
	}
	return bits, nil
}

func (m *MultiTone) SymbolSamples() int { return m.cp + m.real }

func (m *MultiTone) BitsPerSymbol() int { return m.bps }

func (m *MultiTone) PhyPayloadSize(n int) int {
	return phyPayloadSize(n, m.bps, m.SymbolSamples())
}
