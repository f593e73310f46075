package tunnel

import (
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// PacketInfo is what the bridge logs about each packet it carries.
type PacketInfo struct {
	Version  int
	Src, Dst net.IP
	Protocol string
	Length   int

	// set for ICMPv4 echo traffic
	EchoRequest bool
	EchoReply   bool
	EchoID      uint16
	EchoSeq     uint16
}

// Classify decodes the network and transport headers of an IP packet.
func Classify(packet []byte) (PacketInfo, error) {
	info := PacketInfo{Length: len(packet)}
	if len(packet) == 0 {
		return info, fmt.Errorf("empty packet")
	}

	var first gopacket.LayerType
	switch packet[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return info, fmt.Errorf("unknown IP version %d", packet[0]>>4)
	}
	pkt := gopacket.NewPacket(packet, first, gopacket.Default)

	if ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		info.Version = 4
		info.Src, info.Dst = ip.SrcIP, ip.DstIP
		info.Protocol = ip.Protocol.String()
	} else if ip, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6); ok {
		info.Version = 6
		info.Src, info.Dst = ip.SrcIP, ip.DstIP
		info.Protocol = ip.NextHeader.String()
	} else {
		return info, fmt.Errorf("no IP layer found")
	}

	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		switch icmp.TypeCode.Type() {
		case layers.ICMPv4TypeEchoRequest:
			info.EchoRequest = true
		case layers.ICMPv4TypeEchoReply:
			info.EchoReply = true
		}
		info.EchoID, info.EchoSeq = icmp.Id, icmp.Seq
	}
	return info, nil
}

// NewEchoRequest builds an IPv4 ICMP echo request.
func NewEchoRequest(srcIP, dstIP net.IP, id, seq uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       id,
		Flags:    layers.IPv4DontFragment,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    srcIP.To4(),
		DstIP:    dstIP.To4(),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, options, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// EchoReply turns an echo request into its reply by swapping the addresses
// and the ICMP type.
func EchoReply(request []byte) ([]byte, error) {
	pkt := gopacket.NewPacket(request, layers.LayerTypeIPv4, gopacket.Default)

	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, fmt.Errorf("no IPv4 layer found")
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		return nil, fmt.Errorf("no ICMP layer found")
	}
	if icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, fmt.Errorf("not an echo request: %s", icmp.TypeCode)
	}

	ip.SrcIP, ip.DstIP = ip.DstIP, ip.SrcIP
	icmp.TypeCode = layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0)

	buffer := gopacket.NewSerializeBuffer()
	options := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buffer, options, ip, icmp, gopacket.Payload(icmp.Payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize packet: %w", err)
	}
	return buffer.Bytes(), nil
}
