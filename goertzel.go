package cw

import "math"

// Goertzel computes single-bin DFT power at a target frequency, one block
// at a time. It is reset between blocks; the decoder re-seeds it with a
// new target frequency whenever the tone tracker retunes.
type Goertzel struct {
	coeff float64
	q1    float64
	q2    float64
}

// NewGoertzel builds a Goertzel detector for targetFreq at sampleRate.
func NewGoertzel(sampleRate, targetFreq float64) *Goertzel {
	normalizedFreq := targetFreq / sampleRate
	coeff := 2.0 * math.Cos(2.0*math.Pi*normalizedFreq)
	return &Goertzel{coeff: coeff}
}

// Reset clears the running state, ready for the next block.
func (g *Goertzel) Reset() {
	g.q1 = 0
	g.q2 = 0
}

func (g *Goertzel) processSample(sample float64) {
	q0 := g.coeff*g.q1 - g.q2 + sample
	g.q2 = g.q1
	g.q1 = q0
}

// Power processes the whole block and returns the Goertzel power estimate,
// normalized by the block length so power is comparable across differently
// sized blocks.
func (g *Goertzel) Power(samples []float64) float64 {
	g.Reset()
	for _, s := range samples {
		g.processSample(s)
	}
	n := float64(len(samples))
	if n == 0 {
		return 0
	}
	power := g.q1*g.q1 + g.q2*g.q2 - g.q1*g.q2*g.coeff
	if power < 0 {
		power = 0
	}
	return power / (n * n)
}
