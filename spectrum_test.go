package cw

import (
	"math"
	"testing"
)

func sineWindow(freq, sampleRate float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sin(2 * math.Pi * freq * float64(i) / sampleRate)
	}
	return out
}

func TestToneCalibratorFindsKnownTone(t *testing.T) {
	const sampleRate = 8000.0
	const n = 320 // 40ms at 8kHz
	c := newToneCalibrator(sampleRate, n, 300, 1200)

	window := sineWindow(700, sampleRate, n)
	freq, ok := c.retune(window)
	if !ok {
		t.Fatal("expected a confident retune on a clean 700Hz tone")
	}
	if math.Abs(freq-700) > sampleRate/float64(n) {
		t.Errorf("retuned freq = %.1f, want close to 700", freq)
	}
}

func TestToneCalibratorRejectsShortWindow(t *testing.T) {
	c := newToneCalibrator(8000, 320, 300, 1200)
	_, ok := c.retune(make([]float64, 100))
	if ok {
		t.Error("a window shorter than the analyzer's window must be rejected")
	}
}

func TestToneCalibratorRejectsDropBelowBaseline(t *testing.T) {
	const sampleRate = 8000.0
	const n = 320
	c := newToneCalibrator(sampleRate, n, 300, 1200)

	loud := sineWindow(700, sampleRate, n)
	if _, ok := c.retune(loud); !ok {
		t.Fatal("first scan should establish the baseline and accept")
	}

	quiet := make([]float64, n)
	for i := range quiet {
		quiet[i] = loud[i] * 0.01
	}
	if _, ok := c.retune(quiet); ok {
		t.Error("a window far quieter than the running baseline should be rejected as a gap, not a new tone")
	}
}

func TestToneCalibratorResetClearsBaseline(t *testing.T) {
	const sampleRate = 8000.0
	const n = 320
	c := newToneCalibrator(sampleRate, n, 300, 1200)

	loud := sineWindow(700, sampleRate, n)
	c.retune(loud)

	c.reset()
	quiet := make([]float64, n)
	for i := range quiet {
		quiet[i] = loud[i] * 0.01
	}
	if _, ok := c.retune(quiet); !ok {
		t.Error("after reset the next scan should accept regardless of the prior baseline")
	}
}
