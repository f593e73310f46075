//go:build linux

package tunnel

import (
	"fmt"

	"github.com/songgao/water"
)

const mtu = 1500

type tunDevice struct {
	ifce *water.Interface
	buf  []byte
}

// OpenTUN creates or attaches to the named TUN interface. Addressing and
// link state are left to the host (ip addr add ..., ip link set up).
func OpenTUN(name string) (PacketDevice, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open %s: %w", name, err)
	}
	return &tunDevice{ifce: ifce, buf: make([]byte, mtu+64)}, nil
}

func (t *tunDevice) ReadPacket() ([]byte, error) {
	n, err := t.ifce.Read(t.buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), t.buf[:n]...), nil
}

func (t *tunDevice) WritePacket(packet []byte) error {
	_, err := t.ifce.Write(packet)
	return err
}

func (t *tunDevice) Close() error { return t.ifce.Close() }

func (t *tunDevice) Name() string { return t.ifce.Name() }
