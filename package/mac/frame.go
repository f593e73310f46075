package mac

import (
	"errors"
	"fmt"

	"acoustic_arq/package/shared"
)

// Address is a 2-bit node address.
type Address uint8

type FrameType uint8

const (
	Data FrameType = 0
	Ack  FrameType = 1
)

func (t FrameType) String() string {
	switch t {
	case Data:
		return "data"
	case Ack:
		return "ack"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	addrBits   = 2
	typeBits   = 2
	seqBits    = 4
	headerBits = 2*addrBits + typeBits + seqBits

	// SeqModulus is the size of the sequence number space.
	SeqModulus = 1 << seqBits
)

// OverheadBits is the header plus the CRC-16 trailer.
const OverheadBits = headerBits + shared.CRC16Bits

var (
	ErrFrameTooShort = errors.New("mac: frame too short")
	ErrBadCRC        = errors.New("mac: crc mismatch")
	ErrUnknownType   = errors.New("mac: unknown frame type")
)

// Frame is one link-layer frame. On the wire every field is LSB-first:
//
//	src(2) dest(2) type(2) seq(4) payload crc16(16)
type Frame struct {
	Src     Address
	Dest    Address
	Type    FrameType
	Seq     uint8
	Payload shared.Bits
}

func (f Frame) Marshal() shared.Bits {
	bits := shared.Concat(
		shared.IntToBits(int(f.Src), addrBits),
		shared.IntToBits(int(f.Dest), addrBits),
		shared.IntToBits(int(f.Type), typeBits),
		shared.IntToBits(int(f.Seq), seqBits),
		f.Payload,
	)
	return shared.AppendCRC16(bits)
}

func ParseFrame(bits shared.Bits) (Frame, error) {
	if len(bits) < OverheadBits {
		return Frame{}, fmt.Errorf("%w: %d bits", ErrFrameTooShort, len(bits))
	}
	if !shared.ValidateCRC16(bits) {
		return Frame{}, ErrBadCRC
	}
	f := Frame{
		Src:  Address(shared.BitsToInt(bits[0:2])),
		Dest: Address(shared.BitsToInt(bits[2:4])),
		Type: FrameType(shared.BitsToInt(bits[4:6])),
		Seq:  uint8(shared.BitsToInt(bits[6:10])),
	}
	if f.Type != Data && f.Type != Ack {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	f.Payload = append(shared.Bits(nil), bits[headerBits:len(bits)-shared.CRC16Bits]...)
	return f, nil
}

func (f Frame) String() string {
	return fmt.Sprintf("%s %d->%d seq=%d len=%d", f.Type, f.Src, f.Dest, f.Seq, len(f.Payload))
}
