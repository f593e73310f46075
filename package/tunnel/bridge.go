package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/config"
	"acoustic_arq/package/mac"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/shared"
)

// Link is the reliable payload service the bridge runs on. *mac.Mac
// satisfies it.
type Link interface {
	Send(ctx context.Context, payload shared.Bits) error
	Receive(ctx context.Context) (mac.Delivery, error)
}

var ErrPingTimeout = errors.New("tunnel: ping timed out")

type echoKey struct{ id, seq uint16 }

// Bridge carries IP packets between a PacketDevice and the link.
type Bridge struct {
	cfg     config.TunnelConfig
	addr    net.IP
	link    Link
	dev     PacketDevice
	outCh   chan []byte
	reasm   *reassembler
	mu      sync.Mutex
	waiters map[echoKey]chan struct{}
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewBridge(cfg config.TunnelConfig, link Link, dev PacketDevice, logger *log.Logger, m *metrics.Metrics) (*Bridge, error) {
	addr := net.ParseIP(cfg.Address)
	if addr == nil || addr.To4() == nil {
		return nil, fmt.Errorf("tunnel: invalid IPv4 address %q", cfg.Address)
	}
	if cfg.FragmentBits < 8 {
		return nil, fmt.Errorf("tunnel: fragment_bits must be at least 8, got %d", cfg.FragmentBits)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Bridge{
		cfg:     cfg,
		addr:    addr.To4(),
		link:    link,
		dev:     dev,
		outCh:   make(chan []byte, 16),
		reasm:   newReassembler(),
		waiters: make(map[echoKey]chan struct{}),
		logger:  logger.WithPrefix("tunnel"),
		metrics: m,
	}, nil
}

// Run moves packets in both directions until ctx is done. The device is
// closed on return.
func (b *Bridge) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return b.dev.Close()
	})
	g.Go(func() error { return b.readDevice(gctx) })
	g.Go(func() error { return b.send(gctx) })
	g.Go(func() error { return b.receive(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (b *Bridge) readDevice(ctx context.Context) error {
	for {
		packet, err := b.dev.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tunnel: read device: %w", err)
		}
		if err := b.enqueue(ctx, packet); err != nil {
			return err
		}
	}
}

func (b *Bridge) enqueue(ctx context.Context, packet []byte) error {
	select {
	case b.outCh <- packet:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send fragments one packet at a time so fragments of different packets
// never interleave on the link.
func (b *Bridge) send(ctx context.Context) error {
	for {
		var packet []byte
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packet = <-b.outCh:
		}

		b.logPacket("packet out", packet)
		frags := Fragment(packet, b.cfg.FragmentBits)
		for i, frag := range frags {
			if err := b.link.Send(ctx, frag); err != nil {
				return fmt.Errorf("tunnel: send fragment %d/%d: %w", i+1, len(frags), err)
			}
		}
		b.metrics.TunnelPackets.WithLabelValues("out").Inc()
	}
}

func (b *Bridge) receive(ctx context.Context) error {
	for {
		d, err := b.link.Receive(ctx)
		if err != nil {
			return err
		}
		packet, err := b.reasm.add(d.Src, d.Payload)
		switch {
		case errors.Is(err, ErrChecksum):
			b.metrics.TunnelCRCErrors.Inc()
			b.logger.Warn("dropping packet with bad checksum", "src", d.Src)
			continue
		case err != nil:
			b.logger.Warn("dropping fragment", "src", d.Src, "err", err)
			continue
		case packet == nil:
			continue
		}
		b.metrics.TunnelPackets.WithLabelValues("in").Inc()
		if err := b.deliver(ctx, packet); err != nil {
			return err
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, packet []byte) error {
	info := b.logPacket("packet in", packet)

	if info.EchoReply && b.complete(echoKey{info.EchoID, info.EchoSeq}) {
		return nil
	}
	if b.cfg.AnswerPing && info.EchoRequest && info.Dst.Equal(b.addr) {
		reply, err := EchoReply(packet)
		if err != nil {
			b.logger.Warn("failed to build echo reply", "err", err)
			return nil
		}
		// must not block: send may be waiting for an Ack that only arrives
		// while Receive is drained
		select {
		case b.outCh <- reply:
			b.logger.Info("answering ping", "from", info.Src, "seq", info.EchoSeq)
		default:
			b.logger.Warn("send queue full, dropping echo reply", "from", info.Src, "seq", info.EchoSeq)
		}
		return nil
	}

	if err := b.dev.WritePacket(packet); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("tunnel: write device: %w", err)
	}
	return nil
}

func (b *Bridge) logPacket(msg string, packet []byte) PacketInfo {
	info, err := Classify(packet)
	if err != nil {
		b.logger.Debug(msg, "bytes", len(packet), "err", err)
		return info
	}
	b.logger.Debug(msg, "src", info.Src, "dst", info.Dst, "proto", info.Protocol, "bytes", info.Length)
	return info
}

func (b *Bridge) complete(key echoKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.waiters[key]
	if ok {
		close(ch)
		delete(b.waiters, key)
	}
	return ok
}

// Ping sends one ICMP echo request to dst over the link and waits up to
// timeout for the reply.
func (b *Bridge) Ping(ctx context.Context, dst net.IP, seq uint16, timeout time.Duration) (time.Duration, error) {
	const id = 0xae7e
	request, err := NewEchoRequest(b.addr, dst, id, seq, []byte("Hello!"))
	if err != nil {
		return 0, err
	}

	key := echoKey{id, seq}
	reply := make(chan struct{})
	b.mu.Lock()
	b.waiters[key] = reply
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, key)
		b.mu.Unlock()
	}()

	start := time.Now()
	if err := b.enqueue(ctx, request); err != nil {
		return 0, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-reply:
		return time.Since(start), nil
	case <-timer.C:
		return 0, fmt.Errorf("%w: %s seq %d", ErrPingTimeout, dst, seq)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
