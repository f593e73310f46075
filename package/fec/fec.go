package fec

import (
	"errors"
	"fmt"

	"acoustic_arq/package/config"
	"acoustic_arq/package/shared"
)

// Codec adds redundancy to a bit sequence and removes it again. Decode may
// return trailing padding; callers truncate to the length they sent.
type Codec interface {
	Name() string
	Encode(bits shared.Bits) shared.Bits
	Decode(bits shared.Bits) (shared.Bits, error)
	// EncodedLen is len(Encode(b)) for any b with len(b) == n.
	EncodedLen(n int) int
}

var (
	ErrBlockSize     = errors.New("fec: input is not a whole number of blocks")
	ErrUncorrectable = errors.New("fec: too many errors to correct")
)

func New(cfg config.FECConfig) (Codec, error) {
	switch cfg.Codec {
	case "", "none":
		return None{}, nil
	case "hamming":
		return Hamming{}, nil
	case "rs":
		return NewReedSolomon(cfg.RSN, cfg.RSK)
	default:
		return nil, fmt.Errorf("fec: unknown codec %q", cfg.Codec)
	}
}

// None passes bits through unchanged.
type None struct{}

func (None) Name() string { return "none" }

func (None) Encode(bits shared.Bits) shared.Bits { return bits }

func (None) Decode(bits shared.Bits) (shared.Bits, error) { return bits, nil }

func (None) EncodedLen(n int) int { return n }
