package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Link header (10 bits) plus CRC-16 trailer.
const LinkOverheadBits = 26

// Config is the complete node configuration.
type Config struct {
	Audio   AudioConfig   `yaml:"audio"`
	Chirp   ChirpConfig   `yaml:"chirp"`
	Modem   ModemConfig   `yaml:"modem"`
	FEC     FECConfig     `yaml:"fec"`
	Phy     PhyConfig     `yaml:"phy"`
	Mac     MacConfig     `yaml:"mac"`
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Capture CaptureConfig `yaml:"capture"`
}

// AudioConfig selects and tunes the audio backend
type AudioConfig struct {
	Backend         string `yaml:"backend"` // jack, portaudio or sim
	SampleRate      int    `yaml:"sample_rate"`
	ClientName      string `yaml:"client_name"`
	InputPort       string `yaml:"input_port"`
	OutputPort      string `yaml:"output_port"`
	ConnectPorts    bool   `yaml:"connect_ports"`
	InputDevice     string `yaml:"input_device"`  // portaudio device name substring
	OutputDevice    string `yaml:"output_device"` // portaudio device name substring
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	RxBuffer        int    `yaml:"rx_buffer"` // samples
	TxQueue         int    `yaml:"tx_queue"`  // waveforms
}

// ChirpConfig describes the preamble sweep and its detector.
type ChirpConfig struct {
	StartFreq float64 `yaml:"start_freq"` // Hz
	Rate      float64 `yaml:"rate"`       // Hz per second
	Duration  float64 `yaml:"duration"`   // seconds
	Window    int     `yaml:"window"`     // correlation history, odd
	Threshold float64 `yaml:"threshold"`
}

type ModemConfig struct {
	Scheme        string  `yaml:"scheme"` // multitone, psk, ask or fsk
	SymbolFreq    float64 `yaml:"symbol_freq"`
	BitsPerSymbol int     `yaml:"bits_per_symbol"`
	Channels      []int   `yaml:"channels"`
	CPSamples     int     `yaml:"cp_samples"`
	OneBin        int     `yaml:"one_bin"`
	ZeroBin       int     `yaml:"zero_bin"`
}

type FECConfig struct {
	Codec string `yaml:"codec"` // none, hamming or rs
	RSN   int    `yaml:"rs_n"`
	RSK   int    `yaml:"rs_k"`
}

// PhyConfig sizes the physical frame and its queues
type PhyConfig struct {
	MaxPayloadBits int     `yaml:"max_payload_bits"`
	LengthSymbols  int     `yaml:"length_symbols"`
	GapSamples     int     `yaml:"gap_samples"`
	InputGain      float64 `yaml:"input_gain"`
	TxQueue        int     `yaml:"tx_queue"`
	RxQueue        int     `yaml:"rx_queue"`
	PushIntervalMs int     `yaml:"push_interval_ms"`
	PushTimeoutMs  int     `yaml:"push_timeout_ms"`
}

// MacConfig holds the node address and the ARQ timers.
type MacConfig struct {
	Addr          int     `yaml:"addr"`
	Peer          int     `yaml:"peer"`
	AckTimeoutMs  int     `yaml:"ack_timeout_ms"`
	BackoffMs     int     `yaml:"backoff_ms"`
	MaxRetries    int     `yaml:"max_retries"`
	MaxResends    int     `yaml:"max_resends"`
	BusyThreshold float64 `yaml:"busy_threshold"`
	RxQueue       int     `yaml:"rx_queue"`
	Seed          int64   `yaml:"seed"` // 0 seeds from the address
}

type TunnelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Name         string `yaml:"name"`
	Address      string `yaml:"address"`
	FragmentBits int    `yaml:"fragment_bits"`
	AnswerPing   bool   `yaml:"answer_ping"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, logfmt or json
	Timestamps bool   `yaml:"timestamps"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the HTTP endpoint
}

// CaptureConfig enables raw rx/tx recording, flushed to WAV on shutdown.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"` // strftime
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Backend:         "jack",
			SampleRate:      48000,
			ClientName:      "acoustic_arq",
			InputPort:       "system:capture_1",
			OutputPort:      "system:playback_1",
			ConnectPorts:    true,
			FramesPerBuffer: 256,
			RxBuffer:        48000 * 5,
			TxQueue:         100,
		},
		Chirp: ChirpConfig{
			StartFreq: 5000,
			Rate:      5e6,
			Duration:  0.001,
			Window:    129,
			Threshold: 0.1,
		},
		Modem: ModemConfig{
			Scheme:        "multitone",
			SymbolFreq:    1000,
			BitsPerSymbol: 1,
			Channels:      []int{3, 7},
			OneBin:        1,
			ZeroBin:       2,
		},
		FEC: FECConfig{
			Codec: "none",
			RSN:   255,
			RSK:   223,
		},
		Phy: PhyConfig{
			MaxPayloadBits: 1024,
			LengthSymbols:  16,
			GapSamples:     48,
			InputGain:      1,
			TxQueue:        8,
			RxQueue:        16,
			PushIntervalMs: 1,
			PushTimeoutMs:  1000,
		},
		Mac: MacConfig{
			Addr:          0,
			Peer:          1,
			AckTimeoutMs:  200,
			BackoffMs:     100,
			MaxRetries:    20,
			MaxResends:    20,
			BusyThreshold: 1e-4,
			RxQueue:       16,
		},
		Tunnel: TunnelConfig{
			Name:         "aether0",
			Address:      "172.18.3.1",
			FragmentBits: 400,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Timestamps: true,
		},
		Capture: CaptureConfig{
			Dir:     ".",
			Pattern: "capture-%Y%m%d-%H%M%S",
		},
	}
}

// Load reads a YAML file on top of Default and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks every section and the constraints between them.
func (c *Config) Validate() error {
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Chirp.Validate(); err != nil {
		return fmt.Errorf("chirp config: %w", err)
	}
	if err := c.Modem.Validate(c.Audio.SampleRate); err != nil {
		return fmt.Errorf("modem config: %w", err)
	}
	if err := c.FEC.Validate(); err != nil {
		return fmt.Errorf("fec config: %w", err)
	}
	if err := c.Phy.Validate(); err != nil {
		return fmt.Errorf("phy config: %w", err)
	}
	if err := c.Mac.Validate(); err != nil {
		return fmt.Errorf("mac config: %w", err)
	}
	if err := c.Tunnel.Validate(); err != nil {
		return fmt.Errorf("tunnel config: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if refLen := 3 * int(math.Round(c.Chirp.Duration*float64(c.Audio.SampleRate))); c.Chirp.Window/2 > refLen {
		return fmt.Errorf("chirp config: window %d needs a reference of at least %d samples, duration gives %d",
			c.Chirp.Window, c.Chirp.Window/2, refLen)
	}

	lengthBits := c.Phy.LengthSymbols * c.Modem.EffectiveBitsPerSymbol()
	if lengthBits < 31 && c.Phy.MaxPayloadBits >= 1<<lengthBits {
		return fmt.Errorf("phy config: max_payload_bits %d does not fit in a %d-bit length field",
			c.Phy.MaxPayloadBits, lengthBits)
	}
	if c.Phy.MaxPayloadBits <= LinkOverheadBits {
		return fmt.Errorf("phy config: max_payload_bits must exceed the %d-bit link overhead, got %d",
			LinkOverheadBits, c.Phy.MaxPayloadBits)
	}
	if c.Tunnel.Enabled && c.Tunnel.FragmentBits+2 > c.Phy.MaxPayloadBits-LinkOverheadBits {
		return fmt.Errorf("tunnel config: fragment_bits %d plus marker exceeds link payload %d",
			c.Tunnel.FragmentBits, c.Phy.MaxPayloadBits-LinkOverheadBits)
	}
	return nil
}

func (a *AudioConfig) Validate() error {
	switch a.Backend {
	case "jack", "portaudio", "sim":
	default:
		return fmt.Errorf("backend must be one of [jack, portaudio, sim], got '%s'", a.Backend)
	}
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000, got %d", a.SampleRate)
	}
	if a.Backend == "jack" && (a.InputPort == "" || a.OutputPort == "") {
		return fmt.Errorf("input_port and output_port are required for jack")
	}
	if a.FramesPerBuffer < 1 {
		return fmt.Errorf("frames_per_buffer must be positive, got %d", a.FramesPerBuffer)
	}
	if a.RxBuffer < 1 {
		return fmt.Errorf("rx_buffer must be positive, got %d", a.RxBuffer)
	}
	if a.TxQueue < 1 {
		return fmt.Errorf("tx_queue must be positive, got %d", a.TxQueue)
	}
	return nil
}

func (c *ChirpConfig) Validate() error {
	if c.StartFreq <= 0 || c.Rate <= 0 || c.Duration <= 0 {
		return fmt.Errorf("start_freq, rate and duration must be positive")
	}
	if c.Window < 3 || c.Window%2 == 0 {
		return fmt.Errorf("window must be odd and at least 3, got %d", c.Window)
	}
	if c.Threshold <= 0 || c.Threshold >= 1 {
		return fmt.Errorf("threshold must be in (0, 1), got %f", c.Threshold)
	}
	return nil
}

// Validate checks the modulation option against the sample rate.
func (m *ModemConfig) Validate(sampleRate int) error {
	switch m.Scheme {
	case "psk", "ask":
		return nil
	case "multitone", "fsk":
	default:
		return fmt.Errorf("scheme must be one of [multitone, psk, ask, fsk], got '%s'", m.Scheme)
	}

	if m.SymbolFreq <= 0 {
		return fmt.Errorf("symbol_freq must be positive, got %f", m.SymbolFreq)
	}
	n := float64(sampleRate) / m.SymbolFreq
	if n != math.Trunc(n) {
		return fmt.Errorf("sample rate %d is not a multiple of symbol_freq %f", sampleRate, m.SymbolFreq)
	}
	half := int(n) / 2

	if m.Scheme == "fsk" {
		if m.OneBin == m.ZeroBin || m.OneBin <= 0 || m.ZeroBin <= 0 || m.OneBin >= half || m.ZeroBin >= half {
			return fmt.Errorf("one_bin and zero_bin must differ and lie in (0, %d)", half)
		}
		return nil
	}

	if m.BitsPerSymbol < 1 || m.BitsPerSymbol > 3 {
		return fmt.Errorf("bits_per_symbol must be 1, 2 or 3, got %d", m.BitsPerSymbol)
	}
	if len(m.Channels) != 1<<m.BitsPerSymbol {
		return fmt.Errorf("channels size must be 2^bits_per_symbol = %d, got %d", 1<<m.BitsPerSymbol, len(m.Channels))
	}
	seen := make(map[int]bool, len(m.Channels))
	for _, ch := range m.Channels {
		if ch <= 0 || ch >= half {
			return fmt.Errorf("channel %d outside (0, %d)", ch, half)
		}
		if seen[ch] {
			return fmt.Errorf("duplicate channel %d", ch)
		}
		seen[ch] = true
	}
	if m.CPSamples < 0 || m.CPSamples > int(n) {
		return fmt.Errorf("cp_samples must be in [0, %d], got %d", int(n), m.CPSamples)
	}
	return nil
}

// EffectiveBitsPerSymbol is 1 for the binary schemes.
func (m *ModemConfig) EffectiveBitsPerSymbol() int {
	if m.Scheme == "multitone" {
		return m.BitsPerSymbol
	}
	return 1
}

func (f *FECConfig) Validate() error {
	switch f.Codec {
	case "none", "hamming":
	case "rs":
		if f.RSN > 255 || f.RSK < 1 || f.RSK >= f.RSN {
			return fmt.Errorf("rs_n and rs_k must satisfy 0 < rs_k < rs_n <= 255")
		}
		if (f.RSN-f.RSK)%2 != 0 {
			return fmt.Errorf("rs_n - rs_k must be even, got %d", f.RSN-f.RSK)
		}
	default:
		return fmt.Errorf("codec must be one of [none, hamming, rs], got '%s'", f.Codec)
	}
	return nil
}

func (p *PhyConfig) Validate() error {
	if p.MaxPayloadBits < 1 {
		return fmt.Errorf("max_payload_bits must be positive, got %d", p.MaxPayloadBits)
	}
	if p.LengthSymbols < 1 {
		return fmt.Errorf("length_symbols must be positive, got %d", p.LengthSymbols)
	}
	if p.GapSamples < 0 {
		return fmt.Errorf("gap_samples cannot be negative, got %d", p.GapSamples)
	}
	if p.InputGain == 0 {
		return fmt.Errorf("input_gain cannot be zero")
	}
	if p.TxQueue < 0 || p.RxQueue < 0 {
		return fmt.Errorf("tx_queue and rx_queue cannot be negative")
	}
	if p.PushIntervalMs < 1 || p.PushTimeoutMs < p.PushIntervalMs {
		return fmt.Errorf("push_interval_ms must be positive and not exceed push_timeout_ms")
	}
	return nil
}

func (m *MacConfig) Validate() error {
	if m.Addr < 0 || m.Addr > 3 {
		return fmt.Errorf("addr must be in [0, 3], got %d", m.Addr)
	}
	if m.Peer < 0 || m.Peer > 3 {
		return fmt.Errorf("peer must be in [0, 3], got %d", m.Peer)
	}
	if m.Peer == m.Addr {
		return fmt.Errorf("peer must differ from addr %d", m.Addr)
	}
	if m.AckTimeoutMs < 1 {
		return fmt.Errorf("ack_timeout_ms must be positive, got %d", m.AckTimeoutMs)
	}
	if m.BackoffMs < 0 {
		return fmt.Errorf("backoff_ms cannot be negative, got %d", m.BackoffMs)
	}
	if m.MaxRetries < 0 || m.MaxResends < 0 {
		return fmt.Errorf("max_retries and max_resends cannot be negative")
	}
	if m.BusyThreshold <= 0 {
		return fmt.Errorf("busy_threshold must be positive, got %f", m.BusyThreshold)
	}
	if m.RxQueue < 0 {
		return fmt.Errorf("rx_queue cannot be negative, got %d", m.RxQueue)
	}
	return nil
}

func (t *TunnelConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.FragmentBits < 8 {
		return fmt.Errorf("fragment_bits must be at least 8, got %d", t.FragmentBits)
	}
	return nil
}

func (l *LogConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"text": true, "logfmt": true, "json": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be one of [text, logfmt, json], got '%s'", l.Format)
	}
	return nil
}

func (c *CaptureConfig) Validate() error {
	if c.Enabled && c.Pattern == "" {
		return fmt.Errorf("pattern cannot be empty when capture is enabled")
	}
	return nil
}

func (m *MacConfig) AckTimeout() time.Duration {
	return time.Duration(m.AckTimeoutMs) * time.Millisecond
}

func (m *MacConfig) Backoff() time.Duration {
	return time.Duration(m.BackoffMs) * time.Millisecond
}

func (p *PhyConfig) PushInterval() time.Duration {
	return time.Duration(p.PushIntervalMs) * time.Millisecond
}

func (p *PhyConfig) PushTimeout() time.Duration {
	return time.Duration(p.PushTimeoutMs) * time.Millisecond
}
