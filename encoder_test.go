package cw

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextToPulsesSingleDit(t *testing.T) {
	cfg := DefaultEncoderConfig()
	cfg.WPM = 20
	enc := NewEncoder(cfg)

	pulses := enc.TextToPulses("E")
	require.Len(t, pulses, 1)
	assert.True(t, pulses[0].KeyDown)

	dot := cfg.dotSeconds()
	assert.InDelta(t, dot, pulses[0].DurationSec, 1e-9)
}

func TestTextToPulsesWordGap(t *testing.T) {
	cfg := DefaultEncoderConfig()
	enc := NewEncoder(cfg)

	pulses := enc.TextToPulses("E E")
	var gapDurations []float64
	for _, p := range pulses {
		if !p.KeyDown {
			gapDurations = append(gapDurations, p.DurationSec)
		}
	}
	require.Len(t, gapDurations, 1)
	assert.InDelta(t, 7*cfg.dotSeconds(), gapDurations[0], 1e-9)
}

func TestTextToPulsesProsignNoInterLetterGap(t *testing.T) {
	cfg := DefaultEncoderConfig()
	enc := NewEncoder(cfg)

	pulses := enc.TextToPulses("<AR>")
	dot := cfg.dotSeconds()
	for _, p := range pulses {
		if !p.KeyDown {
			assert.LessOrEqual(t, p.DurationSec, dot+1e-9, "prosign inter-letter gap should be a single dot, not a char gap")
		}
	}
}

func TestMergeSamePulses(t *testing.T) {
	in := []Pulse{
		{KeyDown: true, DurationSec: 1},
		{KeyDown: true, DurationSec: 2},
		{KeyDown: false, DurationSec: 1},
	}
	out := mergeSamePulses(in)
	require.Len(t, out, 2)
	assert.InDelta(t, 3, out[0].DurationSec, 1e-9)
}

func TestEncodeToSamplesNonEmpty(t *testing.T) {
	cfg := DefaultEncoderConfig()
	cfg.SampleRate = 8000
	enc := NewEncoder(cfg)

	samples := enc.EncodeToSamples("E")
	assert.NotEmpty(t, samples)

	var peak float32
	for _, s := range samples {
		if math.Abs(float64(s)) > math.Abs(float64(peak)) {
			peak = s
		}
	}
	assert.LessOrEqual(t, math.Abs(float64(peak)), cfg.Volume+1e-6)
}

func TestPlayTextCancellation(t *testing.T) {
	cfg := DefaultEncoderConfig()
	cfg.WPM = 5 // slow enough to guarantee multiple blocks
	enc := NewEncoder(cfg)

	sink := &recordingSink{rate: cfg.SampleRate}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := enc.PlayText(ctx, "PARIS PARIS PARIS", sink)
	assert.ErrorIs(t, err, context.Canceled)
}

type recordingSink struct {
	rate    int
	written int
}

func (s *recordingSink) Open() error                  { return nil }
func (s *recordingSink) Write(samples []float32) error { s.written += len(samples); return nil }
func (s *recordingSink) Stop() error                   { return nil }
func (s *recordingSink) Close() error                  { return nil }
func (s *recordingSink) SampleRate() int               { return s.rate }
