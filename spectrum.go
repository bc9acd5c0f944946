package cw

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// toneCalibrator retunes the decoder's Goertzel bin from a fixed-length
// calibration window (T_fft, default 40ms) rather than continuously
// scanning a live spectrum. It tracks its own running peak magnitude and
// gates each retune on the new peak being a real signal relative to that
// baseline, so a quiet or noise-dominated window can't pull the detector
// off the operator's tone.
type toneCalibrator struct {
	hann     []float64
	binWidth float64
	minBin   int
	maxBin   int

	peakBaseline float64
}

// newToneCalibrator builds a calibrator for windows of windowSamples
// frames at sampleRate, searching only [minFreq, maxFreq] for the peak.
func newToneCalibrator(sampleRate float64, windowSamples int, minFreq, maxFreq float64) *toneCalibrator {
	hann := make([]float64, windowSamples)
	for i := range hann {
		hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(windowSamples-1)))
	}
	binWidth := sampleRate / float64(windowSamples)
	minBin := int(minFreq / binWidth)
	if minBin < 0 {
		minBin = 0
	}
	maxBin := int(maxFreq / binWidth)
	if maxBin > windowSamples/2 {
		maxBin = windowSamples / 2
	}
	return &toneCalibrator{hann: hann, binWidth: binWidth, minBin: minBin, maxBin: maxBin}
}

// reset clears the running peak-magnitude baseline, so the next retune
// always accepts its result regardless of prior sessions.
func (c *toneCalibrator) reset() {
	c.peakBaseline = 0
}

// retune scans one calibration window and reports a new tone estimate via
// windowed FFT and parabolic peak interpolation. ok is false when the
// window is too short to fill the analyzer, or when the peak bin's
// magnitude falls under half the calibrator's running baseline — a sign
// the window caught a gap between elements rather than a keyed tone.
func (c *toneCalibrator) retune(window []float64) (freq float64, ok bool) {
	n := len(c.hann)
	if len(window) < n {
		return 0, false
	}

	spectrum := make([]complex128, n)
	for i := 0; i < n; i++ {
		spectrum[i] = complex(window[i]*c.hann[i], 0)
	}
	spectrum = fft.FFT(spectrum)

	mags := make([]float64, c.maxBin+1)
	peakBin, peakMag := c.minBin, 0.0
	for i := c.minBin; i < c.maxBin; i++ {
		mag := cmplx.Abs(spectrum[i])
		mags[i] = mag
		if mag > peakMag {
			peakMag = mag
			peakBin = i
		}
	}
	if peakMag <= 0 {
		return 0, false
	}

	if c.peakBaseline == 0 {
		c.peakBaseline = peakMag
	}
	confident := peakMag >= 0.5*c.peakBaseline
	c.peakBaseline = 0.8*c.peakBaseline + 0.2*peakMag
	if !confident {
		return 0, false
	}

	bin := float64(peakBin)
	if peakBin > c.minBin && peakBin < len(mags)-1 {
		alpha, beta, gamma := mags[peakBin-1], mags[peakBin], mags[peakBin+1]
		if denom := alpha - 2*beta + gamma; denom != 0 {
			bin += 0.5 * (alpha - gamma) / denom
		}
	}
	return bin * c.binWidth, true
}
