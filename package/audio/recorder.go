package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"

	"acoustic_arq/package/config"
)

type tapBlock struct {
	in, out []float32
}

// Recorder keeps raw input and output audio in memory and writes it to a
// pair of WAV files when closed.
type Recorder struct {
	blocks     chan tapBlock
	rx, tx     []float32
	dropped    atomic.Uint64
	done       chan struct{}
	closeOnce  sync.Once
	dir        string
	base       string
	sampleRate int
	logger     *log.Logger
}

func NewRecorder(cfg config.CaptureConfig, sampleRate int, logger *log.Logger) (*Recorder, error) {
	base, err := strftime.Format(cfg.Pattern, time.Now())
	if err != nil {
		return nil, fmt.Errorf("audio: capture pattern: %w", err)
	}
	r := &Recorder{
		blocks:     make(chan tapBlock, 1024),
		done:       make(chan struct{}),
		dir:        cfg.Dir,
		base:       base,
		sampleRate: sampleRate,
		logger:     logger.WithPrefix("capture"),
	}
	go r.collect()
	return r, nil
}

// tap runs on the realtime side; a full queue drops the block.
func (r *Recorder) tap(in, out []float32) {
	b := tapBlock{
		in:  append([]float32(nil), in...),
		out: append([]float32(nil), out...),
	}
	select {
	case r.blocks <- b:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) collect() {
	defer close(r.done)
	for b := range r.blocks {
		r.rx = append(r.rx, b.in...)
		r.tx = append(r.tx, b.out...)
	}
}

// Close stops recording and writes <base>-rx.wav and <base>-tx.wav. It must
// only be called once the audio callback has stopped.
func (r *Recorder) Close() ([]string, error) {
	r.closeOnce.Do(func() { close(r.blocks) })
	<-r.done

	if n := r.dropped.Load(); n > 0 {
		r.logger.Warn("capture dropped blocks", "count", n)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("audio: capture dir: %w", err)
	}

	var paths []string
	for _, f := range []struct {
		suffix  string
		samples []float32
	}{{"-rx.wav", r.rx}, {"-tx.wav", r.tx}} {
		path := filepath.Join(r.dir, r.base+f.suffix)
		if err := WriteWAV(path, f.samples, r.sampleRate); err != nil {
			return paths, fmt.Errorf("audio: write %s: %w", path, err)
		}
		r.logger.Info("capture written", "path", path, "samples", len(f.samples))
		paths = append(paths, path)
	}
	return paths, nil
}
