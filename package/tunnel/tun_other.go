//go:build !linux

package tunnel

import "fmt"

// OpenTUN is only implemented on Linux.
func OpenTUN(name string) (PacketDevice, error) {
	return nil, fmt.Errorf("tunnel: TUN devices are not supported on this platform")
}
