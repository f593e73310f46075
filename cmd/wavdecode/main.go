package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/audio"
	"acoustic_arq/package/config"
	"acoustic_arq/package/mac"
	"acoustic_arq/package/phy"
	"acoustic_arq/package/shared"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration the capture was made with.")
	inputGain := pflag.Float64P("input-gain", "g", 1, "Multiply every sample by this factor before decoding.")
	logLevel := pflag.StringP("log-level", "l", "warn", "Log level: debug, info, warn or error.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] capture.wav\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Decodes every physical frame in a recorded WAV file and prints it.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if pflag.CommandLine.Changed("input-gain") {
		cfg.Phy.InputGain = *inputGain
	}
	cfg.Log.Level = *logLevel

	logger, err := shared.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	samples, rate, err := audio.ReadWAV(pflag.Arg(0))
	if err != nil {
		logger.Fatal("failed to read capture", "path", pflag.Arg(0), "err", err)
	}
	if rate != cfg.Audio.SampleRate {
		logger.Fatal("sample rate mismatch", "file", rate, "config", cfg.Audio.SampleRate)
	}

	n, err := decode(context.Background(), cfg, samples, os.Stdout, logger)
	if err != nil {
		logger.Fatal("decode failed", "err", err)
	}
	fmt.Printf("%d frames in %.2fs of audio\n", n, float64(len(samples))/float64(rate))
}

// decode pushes samples through a receive-only phy and prints every frame.
// It returns the number of frames found.
func decode(ctx context.Context, cfg *config.Config, samples []float32, out io.Writer, logger *log.Logger) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dev := audio.NewDevice(cfg.Audio, logger)
	p, err := phy.New(*cfg, dev, logger, nil)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		// trailing silence flushes the detector window
		padded := make([]float32, len(samples)+cfg.Chirp.Window+len(p.Reference()))
		copy(padded, samples)
		if err := dev.Feed(gctx, padded); err != nil {
			return err
		}
		for dev.Backlog() > 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(50 * time.Millisecond)
		cancel()
		return nil
	})

	count := 0
	g.Go(func() error {
		for {
			bits, err := p.Receive(gctx)
			if err != nil {
				return nil
			}
			count++
			printFrame(out, count, bits)
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return count, err
	}
	return count, nil
}

func printFrame(out io.Writer, n int, bits shared.Bits) {
	fmt.Fprintf(out, "frame %d: %d bits %s\n", n, len(bits), bits)
	f, err := mac.ParseFrame(bits)
	if err != nil {
		fmt.Fprintf(out, "  not a link frame: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  %s\n", f)
	if f.Type == mac.Data && len(f.Payload)%8 == 0 && len(f.Payload) > 0 {
		fmt.Fprintf(out, "  payload %q\n", shared.BitsToBytes(f.Payload))
	}
}
