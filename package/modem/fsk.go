package modem

import (
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"

	"acoustic_arq/package/shared"
)

// FrequencyKeyed sends a whole number of cycles of one of two tones per bit.
type FrequencyKeyed struct {
	n       int
	oneBin  int
	zeroBin int
	one     []float64
	zero    []float64

	mu     sync.Mutex
	fft    *fourier.FFT
	coeffs []complex128
}

func NewFrequencyKeyed(sampleRate int, symbolFreq float64, oneBin, zeroBin int) (*FrequencyKeyed, error) {
	n, err := symbolLength(sampleRate, symbolFreq)
	if err != nil {
		return nil, err
	}
	if oneBin == zeroBin || oneBin <= 0 || zeroBin <= 0 || oneBin >= n/2 || zeroBin >= n/2 {
		return nil, fmt.Errorf("modem: tone bins %d and %d must differ and lie in (0, %d)", oneBin, zeroBin, n/2)
	}
	f := &FrequencyKeyed{
		n:       n,
		oneBin:  oneBin,
		zeroBin: zeroBin,
		one:     make([]float64, n),
		zero:    make([]float64, n),
		fft:     fourier.NewFFT(n),
		coeffs:  make([]complex128, n/2+1),
	}
	for i := 0; i < n; i++ {
		f.one[i] = math.Sin(2 * math.Pi * float64(oneBin*i) / float64(n))
		f.zero[i] = math.Sin(2 * math.Pi * float64(zeroBin*i) / float64(n))
	}
	return f, nil
}

func (f *FrequencyKeyed) Modulate(bits shared.Bits) ([]float64, error) {
	wave := make([]float64, 0, len(bits)*f.n)
	for _, bit := range bits {
		if bit != 0 {
			wave = append(wave, f.one...)
		} else {
			wave = append(wave, f.zero...)
		}
	}
	return wave, nil
}

func (f *FrequencyKeyed) Demodulate(wave []float64) (shared.Bits, error) {
	if len(wave)%f.n != 0 {
		return nil, fmt.Errorf("%w: %d samples, %d per symbol", ErrSampleCount, len(wave), f.n)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	bits := make(shared.Bits, 0, len(wave)/f.n)
	for off := 0; off < len(wave); off += f.n {
		f.coeffs = f.fft.Coefficients(f.coeffs, wave[off:off+f.n])
		if cmplx.Abs(f.coeffs[f.oneBin]) > cmplx.Abs(f.coeffs[f.zeroBin]) {
			bits = append(bits, 1)
		} else {
			bits = append(bits, 0)
		}
	}
	return bits, nil
}

func (f *FrequencyKeyed) SymbolSamples() int { return f.n }

func (f *FrequencyKeyed) BitsPerSymbol() int { return 1 }

func (f *FrequencyKeyed) PhyPayloadSize(n int) int { return n * f.n }
