package modem

import (
	"errors"
	"fmt"

	"acoustic_arq/package/config"
	"acoustic_arq/package/shared"
)

// Modulator converts bits to waveforms and back.
type Modulator interface {
	Modulate(bits shared.Bits) ([]float64, error)
	Demodulate(wave []float64) (shared.Bits, error)
	SymbolSamples() int
	BitsPerSymbol() int
	// PhyPayloadSize is the number of samples that carry n bits.
	PhyPayloadSize(n int) int
}

var (
	ErrBitCount    = errors.New("modem: bit count is not a multiple of bits per symbol")
	ErrSampleCount = errors.New("modem: sample count is not a multiple of symbol samples")
)

// New builds the modulator selected by cfg.Scheme.
func New(cfg config.ModemConfig, sampleRate int) (Modulator, error) {
	switch cfg.Scheme {
	case "multitone":
		return NewMultiTone(sampleRate, cfg.SymbolFreq, cfg.BitsPerSymbol, cfg.Channels, cfg.CPSamples)
	case "psk":
		return NewPSK(), nil
	case "ask":
		return NewASK(), nil
	case "fsk":
		return NewFrequencyKeyed(sampleRate, cfg.SymbolFreq, cfg.OneBin, cfg.ZeroBin)
	default:
		return nil, fmt.Errorf("modem: unknown scheme %q", cfg.Scheme)
	}
}

func phyPayloadSize(n, bps, symbolSamples int) int {
	return (n + bps - 1) / bps * symbolSamples
}

func symbolLength(sampleRate int, symbolFreq float64) (int, error) {
	if symbolFreq <= 0 {
		return 0, fmt.Errorf("modem: symbol frequency must be positive, got %v", symbolFreq)
	}
	n := float64(sampleRate) / symbolFreq
	if n != float64(int(n)) || n < 2 {
		return 0, fmt.Errorf("modem: %d Hz is not a multiple of symbol frequency %v", sampleRate, symbolFreq)
	}
	return int(n), nil
}
