package mac

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/config"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/shared"
)

var (
	ErrLinkFailure = errors.New("mac: link failure")
	ErrStopped     = errors.New("mac: stopped")
	ErrPayloadSize = errors.New("mac: payload too large")
	ErrAddress     = errors.New("mac: invalid destination")
)

// Link is the frame service the ARQ engine runs on. *phy.Phy satisfies it.
type Link interface {
	Transmit(ctx context.Context, bits shared.Bits) error
	Receive(ctx context.Context) (shared.Bits, error)
	Power() float64
	MaxPayloadBits() int
}

// Delivery is a payload received in order from Src.
type Delivery struct {
	Src     Address
	Payload shared.Bits
}

type sendRequest struct {
	dest    Address
	payload shared.Bits
	start   time.Time
	done    chan error
}

type arqState int

const (
	idle arqState = iota
	sending
	waitingAck
)

// Mac is a stop-and-wait ARQ endpoint. One goroutine owns all protocol
// state; callers talk to it over channels.
type Mac struct {
	cfg  config.MacConfig
	addr Address
	peer Address
	link Link
	rng  *rand.Rand

	sendCh  chan *sendRequest
	frameCh chan Frame
	rxCh    chan Delivery

	txSeq map[Address]uint8
	rxSeq map[Address]uint8

	stopped  chan struct{}
	stopOnce sync.Once
	err      error

	logger  *log.Logger
	metrics *metrics.Metrics
}

func New(cfg config.MacConfig, link Link, logger *log.Logger, m *metrics.Metrics) (*Mac, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mac: %w", err)
	}
	if link.MaxPayloadBits() < OverheadBits {
		return nil, fmt.Errorf("mac: link carries %d bits, need at least %d", link.MaxPayloadBits(), OverheadBits)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(cfg.Addr)
	}
	if m == nil {
		m = metrics.New()
	}
	return &Mac{
		cfg:     cfg,
		addr:    Address(cfg.Addr),
		peer:    Address(cfg.Peer),
		link:    link,
		rng:     rand.New(rand.NewSource(seed)),
		sendCh:  make(chan *sendRequest),
		frameCh: make(chan Frame, 4),
		rxCh:    make(chan Delivery, cfg.RxQueue),
		txSeq:   make(map[Address]uint8),
		rxSeq:   make(map[Address]uint8),
		stopped: make(chan struct{}),
		logger:  logger.WithPrefix("mac").With("addr", cfg.Addr),
		metrics: m,
	}, nil
}

func (m *Mac) Addr() Address { return m.addr }

// MaxPayloadBits is the largest payload a single Send can carry.
func (m *Mac) MaxPayloadBits() int { return m.link.MaxPayloadBits() - OverheadBits }

// Run listens and drives the ARQ state machine until ctx is done or the
// link fails. It returns nil on cancellation.
func (m *Mac) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.listen(gctx) })
	g.Go(func() error { return m.arq(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		err = nil
	}
	m.stop(err)
	return err
}

func (m *Mac) stop(err error) {
	m.stopOnce.Do(func() {
		if err == nil {
			err = ErrStopped
		}
		m.err = err
		close(m.stopped)
	})
}

// Send delivers payload to the configured peer and blocks until it is
// acknowledged. Once handed to the ARQ loop the frame is sent even if ctx
// ends first.
func (m *Mac) Send(ctx context.Context, payload shared.Bits) error {
	return m.SendTo(ctx, m.peer, payload)
}

func (m *Mac) SendTo(ctx context.Context, dest Address, payload shared.Bits) error {
	if dest > 3 || dest == m.addr {
		return fmt.Errorf("%w: %d", ErrAddress, dest)
	}
	if len(payload) > m.MaxPayloadBits() {
		return fmt.Errorf("%w: %d bits, limit %d", ErrPayloadSize, len(payload), m.MaxPayloadBits())
	}
	req := &sendRequest{
		dest:    dest,
		payload: append(shared.Bits(nil), payload...),
		start:   time.Now(),
		done:    make(chan error, 1),
	}

	select {
	case m.sendCh <- req:
	case <-m.stopped:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-m.stopped:
		return m.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next in-order payload from any source.
func (m *Mac) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d := <-m.rxCh:
		return d, nil
	case <-m.stopped:
		return Delivery{}, m.err
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// listen parses link frames and forwards the ones addressed to us.
func (m *Mac) listen(ctx context.Context) error {
	for {
		bits, err := m.link.Receive(ctx)
		if err != nil {
			return err
		}
		f, err := ParseFrame(bits)
		if err != nil {
			reason := "crc"
			switch {
			case errors.Is(err, ErrFrameTooShort):
				reason = "short"
			case errors.Is(err, ErrUnknownType):
				reason = "type"
			}
			m.metrics.MacFramesDropped.WithLabelValues(reason).Inc()
			m.logger.Debug("dropping frame", "reason", reason, "bits", len(bits))
			continue
		}
		if f.Dest != m.addr {
			m.metrics.MacFramesDropped.WithLabelValues("dest").Inc()
			m.logger.Debug("dropping frame for another node", "frame", f)
			continue
		}
		m.logger.Debug("frame in", "frame", f)

		select {
		case m.frameCh <- f:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Mac) arq(ctx context.Context) error {
	var (
		state    = idle
		cur      *sendRequest
		seq      uint8
		deadline time.Time
		retries  int
		resends  int
	)

	resend := func(why string) error {
		resends++
		if resends > m.cfg.MaxResends {
			m.logger.Error("no ack, giving up", "dest", cur.dest, "seq", seq, "resends", resends-1)
			return fmt.Errorf("%w: no ack from %d after %d resends", ErrLinkFailure, cur.dest, m.cfg.MaxResends)
		}
		m.metrics.MacRetransmissions.Inc()
		m.logger.Warn("resending", "reason", why, "dest", cur.dest, "seq", seq, "resend", resends)
		state, deadline = sending, time.Now()
		return nil
	}

	for {
		switch state {
		case idle:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case req := <-m.sendCh:
				cur = req
				state, deadline = sending, time.Now()
				retries, resends = 0, 0
			case f := <-m.frameCh:
				if err := m.handle(ctx, f); err != nil {
					return err
				}
			}

		case sending:
			if wait := time.Until(deadline); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return ctx.Err()
				case f := <-m.frameCh:
					timer.Stop()
					if err := m.handle(ctx, f); err != nil {
						return err
					}
				case <-timer.C:
				}
				continue
			}

			if power := m.link.Power(); power > m.cfg.BusyThreshold {
				if retries >= m.cfg.MaxRetries {
					m.logger.Error("channel busy, giving up", "retries", retries, "power", power)
					return fmt.Errorf("%w: channel busy after %d retries", ErrLinkFailure, retries)
				}
				retries++
				backoff := time.Duration(m.rng.Int63n(int64(m.cfg.Backoff()) + 1))
				deadline = time.Now().Add(backoff)
				m.metrics.MacBackoffs.Inc()
				m.logger.Debug("channel busy, backing off", "power", power, "backoff", backoff, "retry", retries)
				continue
			}

			// the busy budget is per transmission attempt
			retries = 0
			seq = m.txSeq[cur.dest]
			f := Frame{Src: m.addr, Dest: cur.dest, Type: Data, Seq: seq, Payload: cur.payload}
			m.logger.Debug("frame out", "frame", f)
			if err := m.link.Transmit(ctx, f.Marshal()); err != nil {
				return err
			}
			state, deadline = waitingAck, time.Now().Add(m.cfg.AckTimeout())

		case waitingAck:
			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case f := <-m.frameCh:
				timer.Stop()
				if f.Type == Data {
					if err := m.handle(ctx, f); err != nil {
						return err
					}
					continue
				}
				if f.Src == cur.dest && f.Seq == (seq+1)%SeqModulus {
					m.txSeq[cur.dest] = (seq + 1) % SeqModulus
					m.metrics.MacSendsCompleted.Inc()
					m.metrics.MacSendDuration.Observe(time.Since(cur.start).Seconds())
					m.logger.Debug("send acknowledged", "dest", cur.dest, "seq", seq, "resends", resends)
					cur.done <- nil
					cur, state = nil, idle
					continue
				}
				if err := resend(fmt.Sprintf("unexpected ack %d", f.Seq)); err != nil {
					return err
				}
			case <-timer.C:
				if err := resend("timeout"); err != nil {
					return err
				}
			}
		}
	}
}

// handle processes a frame that arrived outside of a wait for our own ack.
func (m *Mac) handle(ctx context.Context, f Frame) error {
	if f.Type == Ack {
		m.logger.Debug("ignoring ack", "frame", f)
		return nil
	}

	expected := m.rxSeq[f.Src]
	if f.Seq == expected {
		select {
		case m.rxCh <- Delivery{Src: f.Src, Payload: f.Payload}:
		case <-ctx.Done():
			return ctx.Err()
		}
		expected = (expected + 1) % SeqModulus
		m.rxSeq[f.Src] = expected
		m.metrics.MacPayloadsDelivered.Inc()
	} else {
		m.logger.Debug("duplicate or out of order data", "src", f.Src, "seq", f.Seq, "expected", expected)
	}

	ack := Frame{Src: m.addr, Dest: f.Src, Type: Ack, Seq: expected}
	if err := m.link.Transmit(ctx, ack.Marshal()); err != nil {
		return err
	}
	m.metrics.MacAcksSent.Inc()
	return nil
}
