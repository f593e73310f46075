package modem

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"acoustic_arq/package/config"
	"acoustic_arq/package/shared"
)

const sampleRate = 48000

func variants(t *testing.T) map[string]Modulator {
	t.Helper()
	mt1, err := NewMultiTone(sampleRate, 1000, 1, []int{3, 7}, 0)
	require.NoError(t, err)
	mt2, err := NewMultiTone(sampleRate, 1000, 2, []int{2, 4, 6, 8}, 8)
	require.NoError(t, err)
	mt3, err := NewMultiTone(sampleRate, 2000, 3, []int{1, 2, 3, 4, 5, 6, 7, 8}, 4)
	require.NoError(t, err)
	fsk, err := NewFrequencyKeyed(sampleRate, 1000, 1, 2)
	require.NoError(t, err)
	return map[string]Modulator{
		"multitone-1": mt1,
		"multitone-2": mt2,
		"multitone-3": mt3,
		"psk":         NewPSK(),
		"ask":         NewASK(),
		"fsk":         fsk,
	}
}

func TestRoundTrip(t *testing.T) {
	for name, m := range variants(t) {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				symbols := rapid.IntRange(0, 64).Draw(rt, "symbols")
				raw := rapid.SliceOfN(rapid.IntRange(0, 1), symbols*m.BitsPerSymbol(), symbols*m.BitsPerSymbol()).Draw(rt, "bits")
				bits := make(shared.Bits, len(raw))
				for i, v := range raw {
					bits[i] = uint8(v)
				}

				wave, err := m.Modulate(bits)
				if err != nil {
					rt.Fatalf("modulate: %v", err)
				}
				if len(wave) != m.PhyPayloadSize(len(bits)) {
					rt.Fatalf("wave has %d samples, want %d", len(wave), m.PhyPayloadSize(len(bits)))
				}
				got, err := m.Demodulate(wave)
				if err != nil {
					rt.Fatalf("demodulate: %v", err)
				}
				if !got.Equal(bits) {
					rt.Fatalf("got %s, want %s", got, bits)
				}
			})
		})
	}
}

func TestRoundTripSurvivesGainAndNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	bits := make(shared.Bits, 240)
	for i := range bits {
		bits[i] = uint8(rng.Intn(2))
	}

	for name, m := range variants(t) {
		if name == "ask" || name == "psk" {
			continue
		}
		t.Run(name, func(t *testing.T) {
			wave, err := m.Modulate(bits)
			require.NoError(t, err)
			for i := range wave {
				wave[i] = 0.2*wave[i] + rng.NormFloat64()*0.02
			}
			got, err := m.Demodulate(wave)
			require.NoError(t, err)
			assert.Equal(t, bits.String(), got.String())
		})
	}
}

func TestMultiToneSymbolIsSine(t *testing.T) {
	m, err := NewMultiTone(sampleRate, 1000, 1, []int{3, 7}, 0)
	require.NoError(t, err)

	wave, err := m.Modulate(shared.Bits{0, 1})
	require.NoError(t, err)
	require.Len(t, wave, 96)
	for i := 0; i < 48; i++ {
		assert.InDelta(t, math.Sin(2*math.Pi*3*float64(i)/48), wave[i], 1e-9)
		assert.InDelta(t, math.Sin(2*math.Pi*7*float64(i)/48), wave[48+i], 1e-9)
	}
}

func TestMultiToneCyclicPrefix(t *testing.T) {
	m, err := NewMultiTone(sampleRate, 1000, 1, []int{3, 7}, 6)
	require.NoError(t, err)
	assert.Equal(t, 54, m.SymbolSamples())

	wave, err := m.Modulate(shared.Bits{1})
	require.NoError(t, err)
	require.Len(t, wave, 54)
	assert.Equal(t, wave[48:54], wave[0:6])
}

func TestMultiToneGroupOrder(t *testing.T) {
	m, err := NewMultiTone(sampleRate, 1000, 2, []int{2, 4, 6, 8}, 0)
	require.NoError(t, err)

	// "10" is group index 2, the third channel
	wave, err := m.Modulate(shared.Bits{1, 0})
	require.NoError(t, err)
	assert.InDelta(t, math.Sin(2*math.Pi*6/48), wave[1], 1e-9)
}

func TestPhyPayloadSize(t *testing.T) {
	mt, err := NewMultiTone(sampleRate, 1000, 3, []int{1, 2, 3, 4, 5, 6, 7, 8}, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, mt.PhyPayloadSize(0))
	assert.Equal(t, 50, mt.PhyPayloadSize(1))
	assert.Equal(t, 50, mt.PhyPayloadSize(3))
	assert.Equal(t, 100, mt.PhyPayloadSize(4))

	assert.Equal(t, 40, NewPSK().PhyPayloadSize(10))
	assert.Equal(t, 20, NewASK().PhyPayloadSize(10))
}

func TestSizeErrors(t *testing.T) {
	mt, err := NewMultiTone(sampleRate, 1000, 2, []int{2, 4, 6, 8}, 0)
	require.NoError(t, err)

	_, err = mt.Modulate(shared.Bits{1, 0, 1})
	assert.ErrorIs(t, err, ErrBitCount)
	_, err = mt.Demodulate(make([]float64, 47))
	assert.ErrorIs(t, err, ErrSampleCount)
	_, err = NewPSK().Demodulate(make([]float64, 5))
	assert.ErrorIs(t, err, ErrSampleCount)
}

func TestConstructorValidation(t *testing.T) {
	tests := []struct {
		name string
		err  func() error
	}{
		{"channel count", func() error { _, err := NewMultiTone(sampleRate, 1000, 2, []int{3, 7}, 0); return err }},
		{"bits per symbol", func() error { _, err := NewMultiTone(sampleRate, 1000, 4, make([]int, 16), 0); return err }},
		{"channel above nyquist", func() error { _, err := NewMultiTone(sampleRate, 1000, 1, []int{3, 30}, 0); return err }},
		{"odd symbol rate", func() error { _, err := NewMultiTone(sampleRate, 700, 1, []int{3, 7}, 0); return err }},
		{"cp too long", func() error { _, err := NewMultiTone(sampleRate, 1000, 1, []int{3, 7}, 49); return err }},
		{"fsk equal bins", func() error { _, err := NewFrequencyKeyed(sampleRate, 1000, 2, 2); return err }},
		{"templates differ", func() error { _, err := NewBinaryKeyed([]float64{1}, []float64{1, 2}); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.err())
		})
	}
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.Default().Modem
	for _, scheme := range []string{"multitone", "psk", "ask", "fsk"} {
		cfg.Scheme = scheme
		m, err := New(cfg, sampleRate)
		require.NoError(t, err, scheme)
		assert.Positive(t, m.SymbolSamples())
	}
	cfg.Scheme = "qam"
	_, err := New(cfg, sampleRate)
	assert.Error(t, err)
}
