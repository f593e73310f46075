package phy

import (
	"acoustic_arq/package/shared"
)

type rxState int

const (
	searchingPreamble rxState = iota
	readingLength
	readingPayload
)

// receiver is the sample-by-sample frame state machine. It is owned by the
// rx loop.
type receiver struct {
	p      *Phy
	state  rxState
	buf    []float64
	need   int
	length int
}

func newReceiver(p *Phy) *receiver {
	return &receiver{p: p}
}

// push consumes one sample. A completed frame returns its payload (nil when
// it was dropped) and the samples read past its end, which must be pushed
// again.
func (r *receiver) push(x float64) (shared.Bits, []float64) {
	p := r.p
	if r.state == searchingPreamble {
		if !p.detector.Push(x) {
			return nil, nil
		}
		p.logger.Debug("preamble detected", "score", p.detector.Score())
		r.buf = append(r.buf[:0], p.detector.Tail()...)
		r.state = readingLength
		r.need = p.lengthBits / p.mod.BitsPerSymbol() * p.mod.SymbolSamples()
	} else {
		r.buf = append(r.buf, x)
	}

	for len(r.buf) >= r.need {
		block, rest := r.buf[:r.need], r.buf[r.need:]
		switch r.state {
		case readingLength:
			r.length = r.readLength(block)
			r.need = p.mod.PhyPayloadSize(p.codec.EncodedLen(r.length))
			r.state = readingPayload
			r.buf = append(r.buf[:0], rest...)
		case readingPayload:
			bits := r.readPayload(block)
			leftover := append([]float64{}, rest...)
			r.reset()
			return bits, leftover
		}
	}
	return nil, nil
}

func (r *receiver) reset() {
	r.p.detector.Reset()
	r.state = searchingPreamble
	r.buf = r.buf[:0]
	r.need = 0
}

func (r *receiver) readLength(block []float64) int {
	p := r.p
	bits, err := p.mod.Demodulate(block)
	if err != nil {
		p.logger.Warn("length field demodulation failed", "err", err)
		return 1
	}
	length := shared.BitsToInt(bits)
	if length < 1 || length > p.cfg.MaxPayloadBits {
		p.metrics.PhyLengthErrors.Inc()
		p.logger.Warn("length field out of range, reading one bit", "length", length, "max", p.cfg.MaxPayloadBits)
		return 1
	}
	return length
}

func (r *receiver) readPayload(block []float64) shared.Bits {
	p := r.p
	bits, err := p.mod.Demodulate(block)
	if err != nil {
		p.logger.Warn("payload demodulation failed", "err", err)
		return nil
	}
	bits = bits[:p.codec.EncodedLen(r.length)]
	decoded, err := p.codec.Decode(bits)
	if err != nil {
		p.metrics.PhyFECErrors.Inc()
		p.logger.Warn("fec decode failed, dropping frame", "codec", p.codec.Name(), "err", err)
		return nil
	}
	p.logger.Debug("frame received", "bits", r.length)
	return decoded[:r.length]
}
