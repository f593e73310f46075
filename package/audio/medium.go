package audio

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Medium simulates a shared acoustic channel. Every tick it runs Process on
// each attached device with the previous tick's mixed output as input, so
// everything played is heard one block later.
type Medium struct {
	BlockSize int
	// Interval paces ticks. Zero runs as fast as the readers keep up.
	Interval time.Duration
	Gain     float64
	NoiseStd float64
	// Echo lets a device hear its own output.
	Echo bool

	mu      sync.Mutex
	devices []*Device
	rng     *rand.Rand
}

func NewMedium(blockSize int, interval time.Duration) *Medium {
	return &Medium{
		BlockSize: blockSize,
		Interval:  interval,
		Gain:      1,
		Echo:      true,
		rng:       rand.New(rand.NewSource(1)),
	}
}

func (m *Medium) Attach(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, d)
}

// Run drives the devices until ctx is cancelled.
func (m *Medium) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if m.Interval > 0 {
		ticker := time.NewTicker(m.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var prev [][]float32
	mix := make([]float32, m.BlockSize)
	in := make([]float32, m.BlockSize)

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if !m.waitForReaders(ctx) {
			return nil
		}

		m.mu.Lock()
		devices := m.devices
		m.mu.Unlock()
		for len(prev) < len(devices) {
			prev = append(prev, make([]float32, m.BlockSize))
		}

		next := make([]float32, m.BlockSize)
		for i, d := range devices {
			for j := range in {
				x := mix[j]
				if !m.Echo {
					x -= prev[i][j]
				}
				in[j] = float32(m.Gain)*x + m.noise()
			}
			d.Process(in, prev[i])
			for j, y := range prev[i] {
				next[j] += y
			}
		}
		mix = next
	}
}

func (m *Medium) noise() float32 {
	if m.NoiseStd == 0 {
		return 0
	}
	return float32(m.rng.NormFloat64() * m.NoiseStd)
}

// waitForReaders holds the unpaced medium back while any device has more
// than half its input buffer queued.
func (m *Medium) waitForReaders(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		m.mu.Lock()
		busy := false
		for _, d := range m.devices {
			if b := d.Backlog(); b > 0 && b+m.BlockSize > d.capacity()/2 {
				busy = true
				break
			}
		}
		m.mu.Unlock()
		if !busy {
			return true
		}
		time.Sleep(100 * time.Microsecond)
	}
}
