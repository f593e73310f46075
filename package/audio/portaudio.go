package audio

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"acoustic_arq/package/config"
)

// PortAudioBackend drives a Device from a mono full-duplex PortAudio stream.
type PortAudioBackend struct {
	stream *portaudio.Stream
}

func OpenPortAudio(cfg config.AudioConfig, dev *Device, logger *log.Logger) (*PortAudioBackend, error) {
	logger = logger.WithPrefix("portaudio")

	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("audio: portaudio init: %w", err)
	}

	in, err := findDevice(cfg.InputDevice, true)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	out, err := findDevice(cfg.OutputDevice, false)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	params := portaudio.LowLatencyParameters(in, out)
	params.Input.Channels = 1
	params.Output.Channels = 1
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, dev.Process)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: open stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("audio: start stream: %w", err)
	}

	logger.Info("portaudio stream started", "in", in.Name, "out", out.Name, "rate", cfg.SampleRate)
	return &PortAudioBackend{stream: stream}, nil
}

// findDevice returns the default device for an empty name, otherwise the
// first device whose name contains it.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		if input {
			return portaudio.DefaultInputDevice()
		}
		return portaudio.DefaultOutputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	for _, d := range devices {
		if !strings.Contains(d.Name, name) {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio: no device matching %q", name)
}

func (b *PortAudioBackend) Close() error {
	err := b.stream.Stop()
	if cerr := b.stream.Close(); err == nil {
		err = cerr
	}
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}
