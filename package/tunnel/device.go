package tunnel

import (
	"errors"
	"io"
	"sync"
)

// PacketDevice moves whole IP packets in and out of the host.
type PacketDevice interface {
	ReadPacket() ([]byte, error)
	WritePacket(packet []byte) error
	Close() error
}

var ErrClosed = errors.New("tunnel: device closed")

type pipeEnd struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   sync.Once
}

// NewPipe returns two connected in-memory devices: packets written to one
// are read from the other.
func NewPipe() (PacketDevice, PacketDevice) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeEnd{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeEnd{in: ab, out: ba, closed: make(chan struct{})}
	return a, b
}

func (p *pipeEnd) ReadPacket() ([]byte, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeEnd) WritePacket(packet []byte) error {
	select {
	case p.out <- append([]byte(nil), packet...):
		return nil
	case <-p.closed:
		return ErrClosed
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
