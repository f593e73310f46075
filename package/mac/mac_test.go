package mac

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"acoustic_arq/package/config"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/shared"
)

// fakeLink is one end of an in-memory link. Frames transmitted on it land on
// its peer unless drop says otherwise.
type fakeLink struct {
	in    chan shared.Bits
	peer  *fakeLink
	power atomic.Uint64
	drop  func(f Frame) bool

	// powerFn overrides power when set
	powerFn func() float64

	mu   sync.Mutex
	sent []Frame
}

func newLinkPair() (*fakeLink, *fakeLink) {
	a := &fakeLink{in: make(chan shared.Bits, 256)}
	b := &fakeLink{in: make(chan shared.Bits, 256)}
	a.peer, b.peer = b, a
	return a, b
}

func (l *fakeLink) Transmit(ctx context.Context, bits shared.Bits) error {
	f, err := ParseFrame(bits)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sent = append(l.sent, f)
	l.mu.Unlock()
	if l.drop != nil && l.drop(f) {
		return nil
	}
	select {
	case l.peer.in <- bits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Receive(ctx context.Context) (shared.Bits, error) {
	select {
	case bits := <-l.in:
		return bits, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Power() float64 {
	if l.powerFn != nil {
		return l.powerFn()
	}
	return math.Float64frombits(l.power.Load())
}

func (l *fakeLink) MaxPayloadBits() int { return 1024 }

func (l *fakeLink) setPower(p float64) { l.power.Store(math.Float64bits(p)) }

func (l *fakeLink) frames(typ FrameType) []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Frame
	for _, f := range l.sent {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

// everyNth drops every nth frame of the given type.
func everyNth(typ FrameType, n int) func(Frame) bool {
	var count int
	return func(f Frame) bool {
		if f.Type != typ {
			return false
		}
		count++
		return count%n == 0
	}
}

func testConfig(addr, peer int) config.MacConfig {
	cfg := config.Default().Mac
	cfg.Addr = addr
	cfg.Peer = peer
	cfg.AckTimeoutMs = 500
	cfg.BackoffMs = 5
	cfg.MaxRetries = 3
	cfg.Seed = 42
	return cfg
}

type node struct {
	mac     *Mac
	link    *fakeLink
	metrics *metrics.Metrics
	done    chan error
	cancel  context.CancelFunc
}

func startNode(t *testing.T, cfg config.MacConfig, link *fakeLink) *node {
	t.Helper()
	m := metrics.New()
	mac, err := New(cfg, link, shared.Discard(), m)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	n := &node{mac: mac, link: link, metrics: m, done: make(chan error, 1), cancel: cancel}
	go func() { n.done <- mac.Run(ctx) }()
	t.Cleanup(cancel)
	return n
}

func (n *node) stop(t *testing.T) {
	t.Helper()
	n.cancel()
	assert.NoError(t, <-n.done)
}

func payloadFor(i int) shared.Bits {
	return shared.IntToBits(i, 8)
}

// sendAll sends count payloads from a and collects them at b.
func sendAll(a, b *node, count int) ([]Delivery, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	got := make(chan []Delivery, 1)
	go func() {
		var out []Delivery
		for len(out) < count {
			d, err := b.mac.Receive(ctx)
			if err != nil {
				break
			}
			out = append(out, d)
		}
		got <- out
	}()

	for i := 0; i < count; i++ {
		if err := a.mac.Send(ctx, payloadFor(i)); err != nil {
			return nil, fmt.Errorf("send %d: %w", i, err)
		}
	}
	return <-got, nil
}

func assertInOrder(t *testing.T, deliveries []Delivery, count int, src Address) {
	t.Helper()
	require.Len(t, deliveries, count)
	for i, d := range deliveries {
		assert.Equal(t, src, d.Src)
		assert.Equal(t, payloadFor(i), d.Payload, "delivery %d", i)
	}
}

func TestEndToEndSingleExchange(t *testing.T) {
	la, lb := newLinkPair()
	a := startNode(t, testConfig(0, 1), la)
	b := startNode(t, testConfig(1, 0), lb)

	payload := shared.Bits{1, 0, 1, 1, 0, 0, 1, 0}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.mac.Send(ctx, payload))

	d, err := b.mac.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, Delivery{Src: 0, Payload: payload}, d)

	a.stop(t)
	b.stop(t)
	assert.Len(t, la.frames(Data), 1)
	assert.Len(t, la.frames(Ack), 0)
	acks := lb.frames(Ack)
	require.Len(t, acks, 1)
	assert.Equal(t, uint8(1), acks[0].Seq)
	assert.Equal(t, Address(0), acks[0].Dest)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.MacSendsCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.MacPayloadsDelivered))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.MacAcksSent))
}

func TestLivenessWhenAcksAreLost(t *testing.T) {
	la, lb := newLinkPair()
	lb.drop = everyNth(Ack, 3)
	cfg := testConfig(0, 1)
	cfg.AckTimeoutMs = 30
	a := startNode(t, cfg, la)
	b := startNode(t, testConfig(1, 0), lb)

	const count = 20
	got, err := sendAll(a, b, count)
	require.NoError(t, err)
	assertInOrder(t, got, count, 0)
	assert.Greater(t, testutil.ToFloat64(a.metrics.MacRetransmissions), 0.0)
	assert.Equal(t, float64(count), testutil.ToFloat64(b.metrics.MacPayloadsDelivered))
}

func TestNoDuplicatesWhenDataIsLost(t *testing.T) {
	la, lb := newLinkPair()
	la.drop = everyNth(Data, 2)
	cfg := testConfig(0, 1)
	cfg.AckTimeoutMs = 30
	a := startNode(t, cfg, la)
	b := startNode(t, testConfig(1, 0), lb)

	const count = 20
	got, err := sendAll(a, b, count)
	require.NoError(t, err)
	assertInOrder(t, got, count, 0)
	// every payload after the first loses its first attempt
	assert.GreaterOrEqual(t, testutil.ToFloat64(a.metrics.MacRetransmissions), float64(count-1))
}

func TestSequenceWrapsAround(t *testing.T) {
	la, lb := newLinkPair()
	a := startNode(t, testConfig(0, 1), la)
	b := startNode(t, testConfig(1, 0), lb)

	const count = SeqModulus + 1
	got, err := sendAll(a, b, count)
	require.NoError(t, err)
	assertInOrder(t, got, count, 0)

	data := la.frames(Data)
	require.Len(t, data, count)
	for i, f := range data {
		assert.Equal(t, uint8(i%SeqModulus), f.Seq)
	}
	acks := lb.frames(Ack)
	require.Len(t, acks, count)
	assert.Equal(t, uint8(0), acks[SeqModulus-1].Seq)
	assert.Equal(t, uint8(1), acks[SeqModulus].Seq)
}

func TestBothDirectionsAtOnce(t *testing.T) {
	la, lb := newLinkPair()
	a := startNode(t, testConfig(0, 1), la)
	b := startNode(t, testConfig(1, 0), lb)

	const count = 10
	var wg sync.WaitGroup
	var toB, toA []Delivery
	var errB, errA error
	wg.Add(2)
	go func() { defer wg.Done(); toB, errB = sendAll(a, b, count) }()
	go func() { defer wg.Done(); toA, errA = sendAll(b, a, count) }()
	wg.Wait()
	require.NoError(t, errB)
	require.NoError(t, errA)

	assertInOrder(t, toB, count, 0)
	assertInOrder(t, toA, count, 1)
}

func TestBusyChannelFails(t *testing.T) {
	la, _ := newLinkPair()
	la.setPower(1)
	a := startNode(t, testConfig(0, 1), la)

	err := a.mac.Send(context.Background(), shared.Bits{1})
	assert.ErrorIs(t, err, ErrLinkFailure)
	assert.ErrorIs(t, <-a.done, ErrLinkFailure)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.metrics.MacBackoffs))
	assert.Empty(t, la.frames(Data))

	// the failure is sticky
	assert.ErrorIs(t, a.mac.Send(context.Background(), shared.Bits{1}), ErrLinkFailure)
	_, err = a.mac.Receive(context.Background())
	assert.ErrorIs(t, err, ErrLinkFailure)
}

func TestBusyChannelBacksOffThenSends(t *testing.T) {
	la, lb := newLinkPair()
	// busy on two of every three samples, so each attempt backs off twice
	var calls atomic.Int64
	la.powerFn = func() float64 {
		if calls.Add(1)%3 == 0 {
			return 0
		}
		return 1
	}
	var data int
	la.drop = func(f Frame) bool {
		if f.Type != Data {
			return false
		}
		data++
		return data == 1
	}

	cfg := testConfig(0, 1)
	cfg.AckTimeoutMs = 30
	a := startNode(t, cfg, la)
	b := startNode(t, testConfig(1, 0), lb)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.mac.Send(ctx, payloadFor(7)))

	d, err := b.mac.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, payloadFor(7), d.Payload)

	// two backoffs per attempt; without a per-attempt budget the second
	// attempt would exhaust max_retries of 3
	assert.Len(t, la.frames(Data), 2)
	assert.Equal(t, 4.0, testutil.ToFloat64(a.metrics.MacBackoffs))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.MacRetransmissions))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.MacSendsCompleted))

	a.stop(t)
	b.stop(t)
}

func TestResendsExhausted(t *testing.T) {
	la, _ := newLinkPair()
	cfg := testConfig(0, 1)
	cfg.MaxResends = 2
	cfg.AckTimeoutMs = 30
	a := startNode(t, cfg, la)

	err := a.mac.Send(context.Background(), shared.Bits{1, 1})
	assert.ErrorIs(t, err, ErrLinkFailure)
	assert.ErrorIs(t, <-a.done, ErrLinkFailure)
	assert.Len(t, la.frames(Data), 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(a.metrics.MacRetransmissions))
}

func TestListenerDropsBadFrames(t *testing.T) {
	la, lb := newLinkPair()
	b := startNode(t, testConfig(1, 0), lb)

	corrupt := Frame{Src: 0, Dest: 1, Payload: shared.Bits{1}}.Marshal()
	corrupt[3] ^= 1
	badType := shared.AppendCRC16(shared.Concat(
		shared.IntToBits(0, 2), shared.IntToBits(1, 2), shared.IntToBits(3, 2), shared.IntToBits(0, 4)))

	lb.in <- shared.Bits{1, 0, 1}
	lb.in <- corrupt
	lb.in <- badType
	lb.in <- Frame{Src: 0, Dest: 2, Payload: shared.Bits{1}}.Marshal()
	require.NoError(t, la.Transmit(context.Background(), Frame{Src: 0, Dest: 1, Payload: shared.Bits{0, 1}}.Marshal()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d, err := b.mac.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, shared.Bits{0, 1}, d.Payload)

	for reason, want := range map[string]float64{"short": 1, "crc": 1, "type": 1, "dest": 1} {
		assert.Equal(t, want, testutil.ToFloat64(b.metrics.MacFramesDropped.WithLabelValues(reason)), reason)
	}
}

func TestSendValidation(t *testing.T) {
	la, _ := newLinkPair()
	a := startNode(t, testConfig(0, 1), la)

	assert.Equal(t, 1024-OverheadBits, a.mac.MaxPayloadBits())
	assert.ErrorIs(t, a.mac.Send(context.Background(), make(shared.Bits, 1024)), ErrPayloadSize)
	assert.ErrorIs(t, a.mac.SendTo(context.Background(), 0, shared.Bits{1}), ErrAddress)
	assert.ErrorIs(t, a.mac.SendTo(context.Background(), 4, shared.Bits{1}), ErrAddress)
	a.stop(t)
	assert.ErrorIs(t, a.mac.Send(context.Background(), shared.Bits{1}), ErrStopped)
}
