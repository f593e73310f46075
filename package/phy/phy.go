package phy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/audio"
	"acoustic_arq/package/chirp"
	"acoustic_arq/package/config"
	"acoustic_arq/package/fec"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/modem"
	"acoustic_arq/package/shared"
)

var (
	ErrOutputStalled = errors.New("phy: audio output stalled")
	ErrPayloadSize   = errors.New("phy: payload size out of range")
	ErrStopped       = errors.New("phy: stopped")
)

// Transport is the sample stream the physical layer runs on. *audio.Device
// satisfies it.
type Transport interface {
	Pop(ctx context.Context) (float32, error)
	TryPush(task *audio.TxTask) bool
	Power() float64
}

type txRequest struct {
	frame []float32
	done  chan error
}

// Phy frames bits as chirp ∥ length ∥ payload and finds such frames in the
// incoming sample stream.
type Phy struct {
	cfg        config.PhyConfig
	sampleRate int
	tr         Transport
	mod        modem.Modulator
	codec      fec.Codec
	ref        []float64
	detector   *chirp.Detector
	lengthBits int

	txCh chan *txRequest
	rxCh chan shared.Bits

	stopped  chan struct{}
	stopOnce sync.Once
	err      error

	logger  *log.Logger
	metrics *metrics.Metrics
}

func New(cfg config.Config, tr Transport, logger *log.Logger, m *metrics.Metrics) (*Phy, error) {
	if err := cfg.Phy.Validate(); err != nil {
		return nil, fmt.Errorf("phy: %w", err)
	}
	mod, err := modem.New(cfg.Modem, cfg.Audio.SampleRate)
	if err != nil {
		return nil, err
	}
	codec, err := fec.New(cfg.FEC)
	if err != nil {
		return nil, err
	}
	ref := chirp.Generate(float64(cfg.Audio.SampleRate), cfg.Chirp.StartFreq, cfg.Chirp.Rate, cfg.Chirp.Duration)
	detector, err := chirp.NewDetector(ref, cfg.Chirp.Window, cfg.Chirp.Threshold)
	if err != nil {
		return nil, err
	}

	lengthBits := cfg.Phy.LengthSymbols * mod.BitsPerSymbol()
	if lengthBits < 31 && cfg.Phy.MaxPayloadBits >= 1<<lengthBits {
		return nil, fmt.Errorf("%w: max_payload_bits %d does not fit in a %d-bit length field",
			ErrPayloadSize, cfg.Phy.MaxPayloadBits, lengthBits)
	}
	if m == nil {
		m = metrics.New()
	}

	return &Phy{
		cfg:        cfg.Phy,
		sampleRate: cfg.Audio.SampleRate,
		tr:         tr,
		mod:        mod,
		codec:      codec,
		ref:        ref,
		detector:   detector,
		lengthBits: lengthBits,
		txCh:       make(chan *txRequest, cfg.Phy.TxQueue),
		rxCh:       make(chan shared.Bits, cfg.Phy.RxQueue),
		stopped:    make(chan struct{}),
		logger:     logger.WithPrefix("phy"),
		metrics:    m,
	}, nil
}

// Run drives the transmit and receive loops until ctx is done or the output
// stalls. It returns nil on cancellation.
func (p *Phy) Run(ctx context.Context) error {
	p.logger.Info("physical layer started",
		"modem", fmt.Sprintf("%T", p.mod), "fec", p.codec.Name(),
		"symbol_samples", p.mod.SymbolSamples(), "length_bits", p.lengthBits)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.txLoop(ctx) })
	g.Go(func() error { return p.rxLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	p.stop(err)
	return err
}

func (p *Phy) stop(err error) {
	p.stopOnce.Do(func() {
		if err == nil {
			err = ErrStopped
		}
		p.err = err
		close(p.stopped)
	})
}

// Transmit queues bits as one frame and blocks until it has been played.
func (p *Phy) Transmit(ctx context.Context, bits shared.Bits) error {
	wave, err := p.BuildFrame(bits)
	if err != nil {
		return err
	}
	frame := make([]float32, len(wave))
	for i, x := range wave {
		frame[i] = float32(x)
	}
	req := &txRequest{frame: frame, done: make(chan error, 1)}

	select {
	case p.txCh <- req:
	case <-p.stopped:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-p.stopped:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next decoded payload.
func (p *Phy) Receive(ctx context.Context) (shared.Bits, error) {
	select {
	case bits := <-p.rxCh:
		return bits, nil
	case <-p.stopped:
		return nil, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Phy) Power() float64 { return p.tr.Power() }

// Reference returns a copy of the preamble waveform.
func (p *Phy) Reference() []float64 { return append([]float64(nil), p.ref...) }

func (p *Phy) MaxPayloadBits() int { return p.cfg.MaxPayloadBits }

// BuildFrame returns the full waveform for bits: preamble, length field,
// encoded payload and the trailing gap.
func (p *Phy) BuildFrame(bits shared.Bits) ([]float64, error) {
	if len(bits) < 1 || len(bits) > p.cfg.MaxPayloadBits {
		return nil, fmt.Errorf("%w: %d bits, limit %d", ErrPayloadSize, len(bits), p.cfg.MaxPayloadBits)
	}
	length, err := p.mod.Modulate(shared.IntToBits(len(bits), p.lengthBits))
	if err != nil {
		return nil, err
	}
	encoded := p.codec.Encode(bits)
	bps := p.mod.BitsPerSymbol()
	payload, err := p.mod.Modulate(shared.PadBits(encoded, (len(encoded)+bps-1)/bps*bps))
	if err != nil {
		return nil, err
	}

	frame := make([]float64, 0, len(p.ref)+len(length)+len(payload)+p.cfg.GapSamples)
	frame = append(frame, p.ref...)
	frame = append(frame, length...)
	frame = append(frame, payload...)
	frame = append(frame, make([]float64, p.cfg.GapSamples)...)
	return frame, nil
}

func (p *Phy) txLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.txCh:
			err := p.play(ctx, req.frame)
			req.done <- err
			if err != nil {
				return err
			}
		}
	}
}

// play offers the frame to the transport until it is accepted and waits
// for playback to finish.
func (p *Phy) play(ctx context.Context, frame []float32) error {
	task := audio.NewTxTask(frame)
	ticker := time.NewTicker(p.cfg.PushInterval())
	defer ticker.Stop()

	deadline := time.Now().Add(p.cfg.PushTimeout())
	for !p.tr.TryPush(task) {
		if time.Now().After(deadline) {
			p.logger.Error("audio output did not accept frame", "timeout", p.cfg.PushTimeout())
			return fmt.Errorf("%w: frame not accepted within %v", ErrOutputStalled, p.cfg.PushTimeout())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	duration := time.Duration(len(frame)) * time.Second / time.Duration(p.sampleRate)
	wait := time.NewTimer(duration + p.cfg.PushTimeout())
	defer wait.Stop()
	select {
	case <-task.Done:
	case <-ctx.Done():
		return ctx.Err()
	case <-wait.C:
		p.logger.Error("frame playback did not finish", "duration", duration)
		return fmt.Errorf("%w: playback of %v frame did not finish", ErrOutputStalled, duration)
	}

	p.metrics.PhyFramesSent.Inc()
	p.logger.Debug("frame sent", "samples", len(frame))
	return nil
}

func (p *Phy) rxLoop(ctx context.Context) error {
	r := newReceiver(p)
	var pending []float64
	for {
		var x float64
		if len(pending) > 0 {
			x, pending = pending[0], pending[1:]
		} else {
			s, err := p.tr.Pop(ctx)
			if err != nil {
				return err
			}
			x = float64(s) * p.cfg.InputGain
		}

		bits, leftover := r.push(x)
		if leftover != nil {
			pending = append(leftover, pending...)
		}
		if bits == nil {
			continue
		}
		select {
		case p.rxCh <- bits:
			p.metrics.PhyFramesReceived.Inc()
		default:
			p.logger.Warn("rx queue full, dropping frame", "bits", len(bits))
		}
	}
}
