package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"acoustic_arq/package/audio"
	"acoustic_arq/package/config"
	"acoustic_arq/package/mac"
	"acoustic_arq/package/phy"
)

// openBackend starts the configured audio backend feeding dev and returns
// its close function.
func openBackend(ctx context.Context, g *errgroup.Group, cfg *config.Config, dev *audio.Device, logger *log.Logger) (func() error, error) {
	switch cfg.Audio.Backend {
	case "jack":
		b, err := audio.OpenJack(cfg.Audio, dev, logger)
		if err != nil {
			return nil, err
		}
		return b.Close, nil
	case "portaudio":
		b, err := audio.OpenPortAudio(cfg.Audio, dev, logger)
		if err != nil {
			return nil, err
		}
		return b.Close, nil
	case "sim":
		return startSim(ctx, g, cfg, dev, logger)
	}
	return nil, fmt.Errorf("unknown audio backend %q", cfg.Audio.Backend)
}

// startSim puts dev on a simulated medium together with an in-process peer
// that echoes every payload back to its sender.
func startSim(ctx context.Context, g *errgroup.Group, cfg *config.Config, dev *audio.Device, logger *log.Logger) (func() error, error) {
	interval := time.Duration(cfg.Audio.FramesPerBuffer) * time.Second / time.Duration(cfg.Audio.SampleRate)
	medium := audio.NewMedium(cfg.Audio.FramesPerBuffer, interval)
	medium.NoiseStd = 0.001
	medium.Attach(dev)

	peerCfg := *cfg
	peerCfg.Mac.Addr, peerCfg.Mac.Peer = cfg.Mac.Peer, cfg.Mac.Addr
	peerLogger := logger.With("node", "sim-peer")

	peerDev := audio.NewDevice(peerCfg.Audio, peerLogger)
	medium.Attach(peerDev)
	p, err := phy.New(peerCfg, peerDev, peerLogger, nil)
	if err != nil {
		return nil, err
	}
	peer, err := mac.New(peerCfg.Mac, p, peerLogger, nil)
	if err != nil {
		return nil, err
	}

	g.Go(func() error { return medium.Run(ctx) })
	g.Go(func() error { return p.Run(ctx) })
	g.Go(func() error { return peer.Run(ctx) })
	g.Go(func() error {
		for {
			d, err := peer.Receive(ctx)
			if err != nil {
				return nil
			}
			if err := peer.SendTo(ctx, d.Src, d.Payload); err != nil {
				return nil
			}
		}
	})

	logger.Info("simulated medium", "block", cfg.Audio.FramesPerBuffer, "interval", interval, "peer", peerCfg.Mac.Addr)
	return func() error { return nil }, nil
}
