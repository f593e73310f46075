package chirp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Generate builds the synchronization reference: an up-sweep
// sin(2π(rate/2·t² + f0·t)) over [0, duration), its time-reversed negation,
// and a trailing silence as long as the sweep.
func Generate(sampleRate, f0, rate, duration float64) []float64 {
	n := int(math.Round(duration * sampleRate))
	ref := make([]float64, 3*n)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		s := math.Sin(2 * math.Pi * (rate/2*t*t + f0*t))
		ref[i] = s
		ref[2*n-1-i] = -s
	}
	return ref
}

// Detector scores a sliding window of samples against the reference and
// reports a frame start when a correlation peak sits in the middle of the
// history window.
type Detector struct {
	ref       []float64
	threshold float64

	ring []float64 // last len(ref) samples, oldest at pos
	pos  int

	history []float64 // last window scores, oldest at hpos
	hpos    int

	score float64
}

var (
	ErrWindow    = errors.New("chirp: window must be odd and at least 3")
	ErrShortTail = errors.New("chirp: half the window exceeds the reference")
)

func NewDetector(ref []float64, window int, threshold float64) (*Detector, error) {
	if window < 3 || window%2 == 0 {
		return nil, ErrWindow
	}
	if len(ref) == 0 {
		return nil, errors.New("chirp: empty reference")
	}
	// Tail is served from the ring of len(ref) samples
	if window/2 > len(ref) {
		return nil, fmt.Errorf("%w: window %d, reference %d samples", ErrShortTail, window, len(ref))
	}
	d := &Detector{
		ref:       append([]float64(nil), ref...),
		threshold: threshold,
		ring:      make([]float64, len(ref)),
		history:   make([]float64, window),
	}
	return d, nil
}

// Push feeds one sample and reports whether a preamble was just detected.
func (d *Detector) Push(x float64) bool {
	d.ring[d.pos] = x
	d.pos = (d.pos + 1) % len(d.ring)

	d.score = d.correlate()
	d.history[d.hpos] = d.score
	d.hpos = (d.hpos + 1) % len(d.history)

	return d.peaked()
}

// correlate returns dot(ring/max|ring|, ref)/N without building the
// normalized copy.
func (d *Detector) correlate() float64 {
	peak := math.Max(floats.Max(d.ring), -floats.Min(d.ring))
	if peak < 1e-6 {
		return 0
	}
	n := len(d.ring)
	// ring[pos:] holds the oldest samples and lines up with ref[:n-pos]
	dot := floats.Dot(d.ring[d.pos:], d.ref[:n-d.pos]) + floats.Dot(d.ring[:d.pos], d.ref[n-d.pos:])
	return dot / peak / float64(n)
}

func (d *Detector) peaked() bool {
	w := len(d.history)
	center := w / 2
	best, bestIdx := math.Inf(-1), -1
	for i := 0; i < w; i++ {
		v := d.history[(d.hpos+i)%w]
		if v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx == center && best > d.threshold
}

// Tail returns the samples that arrived after the peak, oldest first.
func (d *Detector) Tail() []float64 {
	k := len(d.history) / 2
	tail := make([]float64, k)
	n := len(d.ring)
	for i := 0; i < k; i++ {
		tail[i] = d.ring[(d.pos+n-k+i)%n]
	}
	return tail
}

// Reset forgets all samples and scores.
func (d *Detector) Reset() {
	clear(d.ring)
	clear(d.history)
	d.pos, d.hpos, d.score = 0, 0, 0
}

func (d *Detector) Score() float64 { return d.score }

// Reference returns a copy of the reference waveform.
func (d *Detector) Reference() []float64 {
	return append([]float64(nil), d.ref...)
}

// SelfCorrelation is the score of a ring holding exactly the reference.
func SelfCorrelation(ref []float64) float64 {
	peak := math.Max(floats.Max(ref), -floats.Min(ref))
	if peak < 1e-6 {
		return 0
	}
	return floats.Dot(ref, ref) / peak / float64(len(ref))
}
