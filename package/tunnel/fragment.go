package tunnel

import (
	"errors"

	"acoustic_arq/package/mac"
	"acoustic_arq/package/shared"
)

// Fragment markers, first two bits of every link payload.
var (
	markerStart  = shared.Bits{0, 0}
	markerMiddle = shared.Bits{1, 0}
	markerEnd    = shared.Bits{1, 1}
	markerSingle = shared.Bits{0, 1}
)

var (
	ErrFragment = errors.New("tunnel: malformed fragment")
	ErrChecksum = errors.New("tunnel: packet checksum mismatch")
)

// Fragment appends a CRC-8 to packet and splits its bits into link payloads
// of at most size bits plus a marker.
func Fragment(packet []byte, size int) []shared.Bits {
	bits := shared.BytesToBits(shared.AppendCRC8(packet))
	if len(bits) <= size {
		return []shared.Bits{shared.Concat(markerSingle, bits)}
	}

	var out []shared.Bits
	for off := 0; off < len(bits); off += size {
		end := min(off+size, len(bits))
		marker := markerMiddle
		switch {
		case off == 0:
			marker = markerStart
		case end == len(bits):
			marker = markerEnd
		}
		out = append(out, shared.Concat(marker, bits[off:end]))
	}
	return out
}

// reassembler rebuilds packets from fragments, one stream per source.
type reassembler struct {
	partial map[mac.Address]shared.Bits
}

func newReassembler() *reassembler {
	return &reassembler{partial: make(map[mac.Address]shared.Bits)}
}

// add consumes one fragment. It returns the packet once the last fragment
// arrives, nil while more are expected.
func (r *reassembler) add(src mac.Address, frag shared.Bits) ([]byte, error) {
	if len(frag) < 2 {
		return nil, ErrFragment
	}
	marker, body := frag[:2], frag[2:]

	switch {
	case marker.Equal(markerSingle):
		delete(r.partial, src)
		return finish(body)
	case marker.Equal(markerStart):
		r.partial[src] = append(shared.Bits(nil), body...)
		return nil, nil
	}

	buf, ok := r.partial[src]
	if !ok {
		return nil, ErrFragment
	}
	buf = append(buf, body...)
	if marker.Equal(markerMiddle) {
		r.partial[src] = buf
		return nil, nil
	}
	delete(r.partial, src)
	return finish(buf)
}

func finish(bits shared.Bits) ([]byte, error) {
	if len(bits)%8 != 0 || len(bits) < 8 {
		return nil, ErrFragment
	}
	packet, ok := shared.ValidateCRC8(shared.BitsToBytes(bits))
	if !ok {
		return nil, ErrChecksum
	}
	return packet, nil
}
