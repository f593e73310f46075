package tunnel

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"acoustic_arq/package/config"
	"acoustic_arq/package/mac"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/shared"
)

func reassembleAll(t *testing.T, r *reassembler, src mac.Address, frags []shared.Bits) []byte {
	t.Helper()
	var packet []byte
	for i, f := range frags {
		p, err := r.add(src, f)
		require.NoError(t, err)
		if i < len(frags)-1 {
			require.Nil(t, p, "packet completed early at fragment %d", i)
		}
		packet = p
	}
	return packet
}

func TestFragmentRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		packet := rapid.SliceOfN(rapid.Byte(), 1, 1500).Draw(rt, "packet")
		size := rapid.IntRange(8, 600).Draw(rt, "size")

		frags := Fragment(packet, size)
		for _, f := range frags {
			if len(f) > size+2 {
				rt.Fatalf("fragment of %d bits exceeds %d", len(f), size+2)
			}
		}
		r := newReassembler()
		var got []byte
		for _, f := range frags {
			p, err := r.add(1, f)
			if err != nil {
				rt.Fatalf("add: %v", err)
			}
			got = p
		}
		if string(got) != string(packet) {
			rt.Fatalf("reassembled %x, want %x", got, packet)
		}
	})
}

func TestFragmentMarkers(t *testing.T) {
	packet := make([]byte, 31) // 256 bits with the checksum
	frags := Fragment(packet, 100)
	require.Len(t, frags, 3)
	assert.Equal(t, "00", frags[0][:2].String())
	assert.Equal(t, "10", frags[1][:2].String())
	assert.Equal(t, "11", frags[2][:2].String())
	assert.Len(t, frags[2], 2+56)

	single := Fragment([]byte{0x45}, 100)
	require.Len(t, single, 1)
	assert.Equal(t, "01", single[0][:2].String())
}

func TestCorruptedPacketRejected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		packet := rapid.SliceOfN(rapid.Byte(), 1, 300).Draw(rt, "packet")
		frags := Fragment(packet, 64)
		fi := rapid.IntRange(0, len(frags)-1).Draw(rt, "fragment")
		bi := rapid.IntRange(2, len(frags[fi])-1).Draw(rt, "bit")
		frags[fi][bi] ^= 1

		r := newReassembler()
		var err error
		for _, f := range frags {
			_, err = r.add(0, f)
		}
		if err != ErrChecksum {
			rt.Fatalf("got %v, want checksum error", err)
		}
	})
}

func TestReassemblyPerSource(t *testing.T) {
	a := Fragment([]byte("packet from node zero, long enough to split"), 64)
	b := Fragment([]byte("node two says hello over several fragments"), 64)
	require.Greater(t, len(a), 2)

	r := newReassembler()
	var gotA, gotB []byte
	for i := 0; i < max(len(a), len(b)); i++ {
		if i < len(a) {
			p, err := r.add(0, a[i])
			require.NoError(t, err)
			if p != nil {
				gotA = p
			}
		}
		if i < len(b) {
			p, err := r.add(2, b[i])
			require.NoError(t, err)
			if p != nil {
				gotB = p
			}
		}
	}
	assert.Equal(t, "packet from node zero, long enough to split", string(gotA))
	assert.Equal(t, "node two says hello over several fragments", string(gotB))
}

func TestOrphanFragments(t *testing.T) {
	r := newReassembler()
	_, err := r.add(0, shared.Bits{1, 0, 1, 1})
	assert.ErrorIs(t, err, ErrFragment)
	_, err = r.add(0, shared.Bits{1})
	assert.ErrorIs(t, err, ErrFragment)

	// a restart discards the unfinished packet
	frags := Fragment(make([]byte, 20), 64)
	_, err = r.add(0, frags[0])
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 20), reassembleAll(t, r, 0, frags))
}

func TestEchoRequestAndReply(t *testing.T) {
	src, dst := net.ParseIP("172.172.8.233"), net.ParseIP("172.172.8.128")
	request, err := NewEchoRequest(src, dst, 1, 7, []byte("Hello!"))
	require.NoError(t, err)

	info, err := Classify(request)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Version)
	assert.True(t, info.EchoRequest)
	assert.Equal(t, "ICMPv4", info.Protocol)
	assert.True(t, info.Src.Equal(src))
	assert.Equal(t, uint16(7), info.EchoSeq)

	reply, err := EchoReply(request)
	require.NoError(t, err)
	info, err = Classify(reply)
	require.NoError(t, err)
	assert.True(t, info.EchoReply)
	assert.True(t, info.Src.Equal(dst))
	assert.True(t, info.Dst.Equal(src))
	assert.Equal(t, uint16(1), info.EchoID)

	pkt := gopacket.NewPacket(reply, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, pkt.ErrorLayer())
	icmp := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	assert.Equal(t, []byte("Hello!"), icmp.Payload)

	_, err = EchoReply(reply)
	assert.Error(t, err, "a reply is not answered")
}

func TestClassifyRejectsGarbage(t *testing.T) {
	_, err := Classify(nil)
	assert.Error(t, err)
	_, err = Classify([]byte{0x12, 0x34})
	assert.Error(t, err)
}

// chanLink is one side of an in-memory reliable link.
type chanLink struct {
	src mac.Address
	out chan<- mac.Delivery
	in  <-chan mac.Delivery
}

func newChanLinks() (*chanLink, *chanLink) {
	ab := make(chan mac.Delivery, 64)
	ba := make(chan mac.Delivery, 64)
	return &chanLink{src: 0, out: ab, in: ba}, &chanLink{src: 1, out: ba, in: ab}
}

func (l *chanLink) Send(ctx context.Context, payload shared.Bits) error {
	select {
	case l.out <- mac.Delivery{Src: l.src, Payload: append(shared.Bits(nil), payload...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *chanLink) Receive(ctx context.Context) (mac.Delivery, error) {
	select {
	case d := <-l.in:
		return d, nil
	case <-ctx.Done():
		return mac.Delivery{}, ctx.Err()
	}
}

// stalledLink accepts deliveries but never completes a Send, like a peer
// that stopped acknowledging.
type stalledLink struct {
	in chan mac.Delivery
}

func (l *stalledLink) Send(ctx context.Context, payload shared.Bits) error {
	<-ctx.Done()
	return ctx.Err()
}

func (l *stalledLink) Receive(ctx context.Context) (mac.Delivery, error) {
	select {
	case d := <-l.in:
		return d, nil
	case <-ctx.Done():
		return mac.Delivery{}, ctx.Err()
	}
}

type side struct {
	bridge  *Bridge
	host    PacketDevice
	link    Link
	metrics *metrics.Metrics
}

func startBridge(t *testing.T, ctx context.Context, addr string, link Link) *side {
	t.Helper()
	cfg := config.Default().Tunnel
	cfg.Enabled = true
	cfg.Address = addr
	cfg.FragmentBits = 120
	cfg.AnswerPing = true

	dev, host := NewPipe()
	m := metrics.New()
	b, err := NewBridge(cfg, link, dev, shared.Discard(), m)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() { assert.NoError(t, <-done) })
	return &side{bridge: b, host: host, link: link, metrics: m}
}

func readHost(t *testing.T, host PacketDevice) []byte {
	t.Helper()
	got := make(chan []byte, 1)
	go func() {
		p, _ := host.ReadPacket()
		got <- p
	}()
	select {
	case p := <-got:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no packet reached the host")
		return nil
	}
}

func TestBridgeCarriesPackets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	la, lb := newChanLinks()
	a := startBridge(t, ctx, "172.18.3.1", la)
	b := startBridge(t, ctx, "172.18.3.2", lb)
	t.Cleanup(cancel)

	rng := rand.New(rand.NewSource(5))
	packet := make([]byte, 600)
	rng.Read(packet)
	packet[0] = 0x45

	require.NoError(t, a.host.WritePacket(packet))
	assert.Equal(t, packet, readHost(t, b.host))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.TunnelPackets.WithLabelValues("out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.TunnelPackets.WithLabelValues("in")))
}

func TestBridgeAnswersPing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	la, lb := newChanLinks()
	a := startBridge(t, ctx, "172.18.3.1", la)
	startBridge(t, ctx, "172.18.3.2", lb)
	t.Cleanup(cancel)

	for seq := uint16(0); seq < 3; seq++ {
		rtt, err := a.bridge.Ping(ctx, net.ParseIP("172.18.3.2"), seq, 5*time.Second)
		require.NoError(t, err)
		assert.Greater(t, rtt, time.Duration(0))
	}

	_, err := a.bridge.Ping(ctx, net.ParseIP("172.18.3.9"), 9, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrPingTimeout)
}

func TestBridgeDropsCorruptPacket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	la, lb := newChanLinks()
	b := startBridge(t, ctx, "172.18.3.2", lb)
	t.Cleanup(cancel)

	bad := Fragment([]byte{0x45, 0, 0, 20}, 120)
	bad[0][5] ^= 1
	require.NoError(t, la.Send(ctx, bad[0]))

	good := []byte{0x45, 1, 2, 3}
	for _, f := range Fragment(good, 120) {
		require.NoError(t, la.Send(ctx, f))
	}
	assert.Equal(t, good, readHost(t, b.host))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.TunnelCRCErrors))
}

func TestBridgeKeepsReceivingWhileSendStalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	link := &stalledLink{in: make(chan mac.Delivery)}
	b := startBridge(t, ctx, "172.18.3.2", link)
	t.Cleanup(cancel)

	push := func(packet []byte) {
		t.Helper()
		for _, f := range Fragment(packet, 120) {
			select {
			case link.in <- mac.Delivery{Src: 0, Payload: f}:
			case <-time.After(5 * time.Second):
				t.Fatal("bridge stopped draining the link")
			}
		}
	}

	// more echo requests than the send queue holds
	for seq := uint16(0); seq < 40; seq++ {
		req, err := NewEchoRequest(net.ParseIP("172.18.3.1"), net.ParseIP("172.18.3.2"), 1, seq, []byte("flood"))
		require.NoError(t, err)
		push(req)
	}

	other := []byte{0x45, 9, 9, 9}
	push(other)
	assert.Equal(t, other, readHost(t, b.host))
}

func TestNewBridgeValidation(t *testing.T) {
	dev, _ := NewPipe()
	la, _ := newChanLinks()
	cfg := config.Default().Tunnel
	cfg.Address = "not-an-ip"
	_, err := NewBridge(cfg, la, dev, shared.Discard(), nil)
	assert.Error(t, err)
}
