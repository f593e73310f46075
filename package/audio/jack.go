package audio

import (
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/xthexder/go-jack"

	"acoustic_arq/package/config"
)

// JackBackend drives a Device from a JACK process callback.
type JackBackend struct {
	client  *jack.Client
	inPort  *jack.Port
	outPort *jack.Port
	dev     *Device
	inBuf   []float32
	outBuf  []float32
}

func OpenJack(cfg config.AudioConfig, dev *Device, logger *log.Logger) (*JackBackend, error) {
	logger = logger.WithPrefix("jack")

	client, status := jack.ClientOpen(cfg.ClientName, jack.NoStartServer)
	if client == nil {
		return nil, fmt.Errorf("audio: could not connect to jack server (status %d)", status)
	}

	b := &JackBackend{
		client: client,
		dev:    dev,
		inBuf:  make([]float32, cfg.FramesPerBuffer),
		outBuf: make([]float32, cfg.FramesPerBuffer),
	}
	b.inPort = client.PortRegister("input", jack.DEFAULT_AUDIO_TYPE, jack.PortIsInput, 0)
	b.outPort = client.PortRegister("output", jack.DEFAULT_AUDIO_TYPE, jack.PortIsOutput, 0)
	if b.inPort == nil || b.outPort == nil {
		client.Close()
		return nil, fmt.Errorf("audio: failed to register jack ports")
	}

	if rate := int(client.GetSampleRate()); rate != cfg.SampleRate {
		logger.Warn("jack sample rate differs from configuration", "jack", rate, "config", cfg.SampleRate)
	}

	if code := client.SetProcessCallback(b.process); code != 0 {
		client.Close()
		return nil, fmt.Errorf("audio: failed to set process callback (code %d)", code)
	}
	if code := client.Activate(); code != 0 {
		client.Close()
		return nil, fmt.Errorf("audio: failed to activate client (code %d)", code)
	}

	if cfg.ConnectPorts {
		systemIn := client.GetPortByName(cfg.InputPort)
		systemOut := client.GetPortByName(cfg.OutputPort)
		if systemIn == nil || systemOut == nil {
			client.Close()
			return nil, fmt.Errorf("audio: ports %s / %s not found", cfg.InputPort, cfg.OutputPort)
		}
		if code := client.ConnectPorts(systemIn, b.inPort); code != 0 {
			logger.Warn("connect input failed", "port", cfg.InputPort, "code", code)
		}
		if code := client.ConnectPorts(b.outPort, systemOut); code != 0 {
			logger.Warn("connect output failed", "port", cfg.OutputPort, "code", code)
		}
	}

	logger.Info("jack client active", "name", cfg.ClientName, "in", cfg.InputPort, "out", cfg.OutputPort)
	return b, nil
}

func (b *JackBackend) process(nframes uint32) int {
	in := b.inPort.GetBuffer(nframes)
	out := b.outPort.GetBuffer(nframes)

	// jack may hand out larger periods than configured
	if len(in) > len(b.inBuf) {
		b.inBuf = make([]float32, len(in))
		b.outBuf = make([]float32, len(in))
	}
	inBuf, outBuf := b.inBuf[:len(in)], b.outBuf[:len(out)]
	for i, s := range in {
		inBuf[i] = float32(s)
	}

	b.dev.Process(inBuf, outBuf)

	for i, s := range outBuf {
		out[i] = jack.AudioSample(s)
	}
	return 0
}

func (b *JackBackend) Close() error {
	if code := b.client.Close(); code != 0 {
		return fmt.Errorf("audio: jack close returned %d", code)
	}
	return nil
}
