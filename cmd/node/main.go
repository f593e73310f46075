package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/audio"
	"acoustic_arq/package/config"
	"acoustic_arq/package/mac"
	"acoustic_arq/package/metrics"
	"acoustic_arq/package/phy"
	"acoustic_arq/package/shared"
	"acoustic_arq/package/tunnel"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML configuration file.")
	addr := pflag.IntP("addr", "a", 0, "Link address of this node (0-3).")
	peer := pflag.IntP("peer", "p", 1, "Default destination address (0-3).")
	backend := pflag.StringP("backend", "b", "jack", "Audio backend: jack, portaudio or sim.")
	tun := pflag.Bool("tun", false, "Bridge IP packets through a TUN device instead of chatting.")
	metricsAddr := pflag.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100.")
	capture := pflag.Bool("capture", false, "Record raw input and output to WAV files on exit.")
	logLevel := pflag.StringP("log-level", "l", "info", "Log level: debug, info, warn or error.")
	help := pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs one node of the acoustic link. Lines typed on stdin are sent to the\n")
		fmt.Fprintf(os.Stderr, "peer; received payloads are printed. With --tun, stdin takes ping commands.\n\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if *help {
		pflag.Usage()
		os.Exit(0)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	flags := pflag.CommandLine
	if flags.Changed("addr") {
		cfg.Mac.Addr = *addr
	}
	if flags.Changed("peer") {
		cfg.Mac.Peer = *peer
	}
	if flags.Changed("backend") {
		cfg.Audio.Backend = *backend
	}
	if flags.Changed("tun") {
		cfg.Tunnel.Enabled = *tun
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Listen = *metricsAddr
	}
	if flags.Changed("capture") {
		cfg.Capture.Enabled = *capture
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := shared.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format, cfg.Log.Timestamps)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		logger.Fatal("node stopped", "err", err)
	}
	logger.Info("Done.")
}

// run wires the audio backend, phy and mac together and serves the console
// until ctx ends, the console exits or a component fails.
func run(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *log.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	dev := audio.NewDevice(cfg.Audio, logger)

	var rec *audio.Recorder
	if cfg.Capture.Enabled {
		var err error
		if rec, err = audio.NewRecorder(cfg.Capture, cfg.Audio.SampleRate, logger); err != nil {
			return err
		}
		dev.SetRecorder(rec)
	}

	g, gctx := errgroup.WithContext(ctx)

	closeBackend, err := openBackend(gctx, g, cfg, dev, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Error("failed to close audio backend", "err", err)
		}
		if rec != nil {
			if _, err := rec.Close(); err != nil {
				logger.Error("failed to write capture", "err", err)
			}
		}
	}()

	p, err := phy.New(*cfg, dev, logger, m)
	if err != nil {
		return err
	}
	link, err := mac.New(cfg.Mac, p, logger, m)
	if err != nil {
		return err
	}
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error {
		m.PollPower(gctx, 100*time.Millisecond, dev.Power)
		return nil
	})
	if cfg.Metrics.Listen != "" {
		g.Go(func() error { return m.Serve(gctx, cfg.Metrics.Listen, logger) })
	}

	var c *console
	if cfg.Tunnel.Enabled {
		tunDev, err := tunnel.OpenTUN(cfg.Tunnel.Name)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		bridge, err := tunnel.NewBridge(cfg.Tunnel, link, tunDev, logger, m)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		name := cfg.Tunnel.Name
		if named, ok := tunDev.(interface{ Name() string }); ok {
			name = named.Name()
		}
		logger.Info("tunnel up", "device", name, "address", cfg.Tunnel.Address)
		g.Go(func() error { return bridge.Run(gctx) })
		c = newConsole(link, bridge, out, logger)
	} else {
		c = newConsole(link, nil, out, logger)
		g.Go(func() error { return c.printDeliveries(gctx) })
	}

	logger.Info("node running", "addr", cfg.Mac.Addr, "peer", cfg.Mac.Peer, "backend", cfg.Audio.Backend)
	go func() {
		c.serve(gctx, in)
		cancel()
	}()

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
