package audio

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"acoustic_arq/package/config"
)

// TxTask is a waveform queued for playback. Done is closed once the last
// sample has been handed to the output buffer.
type TxTask struct {
	Samples []float32
	Done    chan struct{}
	played  int
}

func NewTxTask(samples []float32) *TxTask {
	return &TxTask{Samples: samples, Done: make(chan struct{})}
}

// Device sits between a realtime audio callback and the protocol code. The
// callback side only touches channels without blocking and atomics.
type Device struct {
	rx      chan float32
	tx      chan *TxTask
	current *TxTask

	power     float64 // owned by the callback
	powerBits atomic.Uint64

	overflows atomic.Uint64
	warned    atomic.Bool

	recorder *Recorder
	logger   *log.Logger
}

func NewDevice(cfg config.AudioConfig, logger *log.Logger) *Device {
	return &Device{
		rx:     make(chan float32, cfg.RxBuffer),
		tx:     make(chan *TxTask, cfg.TxQueue),
		logger: logger.WithPrefix("audio"),
	}
}

// SetRecorder taps every processed block into rec. Call before the backend starts.
func (d *Device) SetRecorder(rec *Recorder) { d.recorder = rec }

// Process is the realtime callback body: consume in, fill out.
func (d *Device) Process(in, out []float32) {
	for _, x := range in {
		d.power = d.power*(1-1.0/64) + float64(x)*float64(x)/64
		select {
		case d.rx <- x:
		default:
			d.overflow()
			d.rx <- x
		}
	}
	d.powerBits.Store(math.Float64bits(d.power))

	d.fill(out)

	if d.recorder != nil {
		d.recorder.tap(in, out)
	}
}

// overflow drops everything queued so the reader resynchronises on fresh samples.
func (d *Device) overflow() {
	d.overflows.Add(1)
	for len(d.rx) > 0 {
		select {
		case <-d.rx:
		default:
		}
	}
	if d.warned.CompareAndSwap(false, true) {
		d.logger.Warn("rx buffer full, dropping buffered samples")
	}
}

func (d *Device) fill(out []float32) {
	i := 0
	for i < len(out) {
		if d.current == nil {
			select {
			case t := <-d.tx:
				d.current = t
			default:
				clear(out[i:])
				return
			}
		}
		n := copy(out[i:], d.current.Samples[d.current.played:])
		d.current.played += n
		i += n
		if d.current.played == len(d.current.Samples) {
			close(d.current.Done)
			d.current = nil
		}
	}
}

// Pop blocks until the next input sample arrives.
func (d *Device) Pop(ctx context.Context) (float32, error) {
	select {
	case x := <-d.rx:
		return x, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TryPush queues a waveform without blocking and reports whether it fit.
func (d *Device) TryPush(task *TxTask) bool {
	select {
	case d.tx <- task:
		return true
	default:
		return false
	}
}

// Power is an exponential moving average of the squared input.
func (d *Device) Power() float64 {
	return math.Float64frombits(d.powerBits.Load())
}

func (d *Device) Overflows() uint64 { return d.overflows.Load() }

// Backlog is the number of input samples waiting to be popped.
func (d *Device) Backlog() int { return len(d.rx) }

func (d *Device) capacity() int { return cap(d.rx) }

// Feed pushes recorded samples through the input path, blocking instead of
// dropping when the reader falls behind. Used for offline decoding.
func (d *Device) Feed(ctx context.Context, samples []float32) error {
	for _, x := range samples {
		d.power = d.power*(1-1.0/64) + float64(x)*float64(x)/64
		d.powerBits.Store(math.Float64bits(d.power))
		select {
		case d.rx <- x:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
