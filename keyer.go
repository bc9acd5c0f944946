package cw

import "math"

// KeyerConfig holds the tunables for the iambic mode A paddle keyer.
type KeyerConfig struct {
	SampleRate int
	WPM        float64
	ToneHz     float64
	Volume     float64
	AttackMs   float64
	ReleaseMs  float64
}

// DefaultKeyerConfig returns the keyer synthesis defaults.
func DefaultKeyerConfig() KeyerConfig {
	return KeyerConfig{
		SampleRate: 44100,
		WPM:        20,
		ToneHz:     700,
		Volume:     0.3,
		AttackMs:   2,
		ReleaseMs:  3,
	}
}

func (c KeyerConfig) dotSeconds() float64 {
	wpm := c.WPM
	if wpm < 1 {
		wpm = 1
	}
	return 1.2 / wpm
}

type keyerPhase int

const (
	keyerIdle keyerPhase = iota
	keyerMark
	keyerSpace
)

// Keyer is a real-time iambic mode A paddle keyer. Hold the dit paddle
// alone and it repeats dots; hold the dah paddle alone and it repeats
// dashes; hold both and it alternates starting from the last element sent.
// Releasing both paddles stops after the element currently in progress.
type Keyer struct {
	cfg KeyerConfig

	ditPressed bool
	dahPressed bool

	phase             keyerPhase
	remainingSamples  int
	currentElement    byte // '.' or '-', 0 if none
	lastElementSent   byte
	iambicActive      bool
	tonePhase         float64
	startedElements   []byte
	markElapsedSamples int
	markTotalSamples   int
}

// NewKeyer builds a Keyer for cfg.
func NewKeyer(cfg KeyerConfig) *Keyer {
	return &Keyer{cfg: cfg, phase: keyerIdle}
}

// Reset clears all paddle and synthesis state.
func (k *Keyer) Reset() {
	k.ditPressed = false
	k.dahPressed = false
	k.phase = keyerIdle
	k.remainingSamples = 0
	k.currentElement = 0
	k.iambicActive = false
	k.tonePhase = 0
	k.startedElements = nil
	k.markElapsedSamples = 0
	k.markTotalSamples = 0
}

// KeyDown reports whether the keyer is currently generating tone.
func (k *Keyer) KeyDown() bool {
	return k.phase == keyerMark
}

// SetPaddles updates which paddles are currently held. It takes effect on
// the next element boundary, not mid-element, matching a real iambic
// keyer's debounce behavior.
func (k *Keyer) SetPaddles(dit, dah bool) {
	k.ditPressed = dit
	k.dahPressed = dah
}

// PopStartedElements drains and returns the elements ('.' or '-') started
// since the last call, e.g. so a caller can feed them to a local sidetone
// decoder loopback for self-monitoring.
func (k *Keyer) PopStartedElements() []byte {
	out := k.startedElements
	k.startedElements = nil
	return out
}

func (k *Keyer) dotSamples() int {
	n := int(math.Round(k.cfg.dotSeconds() * float64(k.cfg.SampleRate)))
	if n < 1 {
		n = 1
	}
	return n
}

func (k *Keyer) dashSamples() int {
	n := 3 * k.dotSamples()
	if n < 1 {
		n = 1
	}
	return n
}

// RenderSamples synthesizes exactly numSamples of keyer output, advancing
// the paddle state machine as needed. Call this from the audio output
// callback at whatever block size the sink wants.
func (k *Keyer) RenderSamples(numSamples int) []float32 {
	if numSamples <= 0 {
		return nil
	}
	out := make([]float32, numSamples)
	amp := clamp(k.cfg.Volume, 0, 1)
	sr := k.cfg.SampleRate
	if sr < 1 {
		sr = 1
	}
	toneHz := k.cfg.ToneHz
	if toneHz < 1 {
		toneHz = 1
	}
	toneStep := 2 * math.Pi * toneHz / float64(sr)

	pos := 0
	for pos < numSamples {
		if k.phase == keyerIdle {
			if !k.startNextElement() {
				break
			}
		}

		seg := k.remainingSamples
		if seg > numSamples-pos {
			seg = numSamples - pos
		}
		if seg <= 0 {
			k.advancePhase()
			continue
		}

		if k.phase == keyerMark {
			env := k.markEnvelope(seg)
			for i := 0; i < seg; i++ {
				wave := math.Sin(k.tonePhase + toneStep*float64(i))
				out[pos+i] = float32(wave * float64(env[i]) * amp)
			}
			k.tonePhase = math.Mod(k.tonePhase+toneStep*float64(seg), 2*math.Pi)
			k.markElapsedSamples += seg
		}

		pos += seg
		k.remainingSamples -= seg
		if k.remainingSamples <= 0 {
			k.advancePhase()
		}
	}

	return out
}

func (k *Keyer) startNextElement() bool {
	element := k.chooseNextElement()
	if element == 0 {
		k.phase = keyerIdle
		k.remainingSamples = 0
		k.currentElement = 0
		return false
	}

	k.currentElement = element
	k.phase = keyerMark
	if element == '.' {
		k.remainingSamples = k.dotSamples()
	} else {
		k.remainingSamples = k.dashSamples()
	}
	k.markElapsedSamples = 0
	k.markTotalSamples = k.remainingSamples
	k.startedElements = append(k.startedElements, element)
	return true
}

func (k *Keyer) advancePhase() {
	switch k.phase {
	case keyerMark:
		k.lastElementSent = k.currentElement
		k.phase = keyerSpace
		k.remainingSamples = k.dotSamples()
		k.markElapsedSamples = 0
		k.markTotalSamples = 0
	case keyerSpace:
		k.phase = keyerIdle
		k.remainingSamples = 0
		k.currentElement = 0
	}
}

// chooseNextElement implements mode A: a single held paddle repeats its
// element; both held alternate, starting with a repeat of the last element
// sent before toggling.
func (k *Keyer) chooseNextElement() byte {
	dit, dah := k.ditPressed, k.dahPressed

	switch {
	case dit && !dah:
		k.iambicActive = false
		return '.'
	case dah && !dit:
		k.iambicActive = false
		return '-'
	case dit && dah:
		if !k.iambicActive {
			k.iambicActive = true
			if k.lastElementSent == '.' || k.lastElementSent == '-' {
				return k.lastElementSent
			}
			return '.'
		}
		if k.lastElementSent == '.' {
			return '-'
		}
		if k.lastElementSent == '-' {
			return '.'
		}
		return '.'
	default:
		k.iambicActive = false
		return 0
	}
}

func (k *Keyer) markEnvelope(seg int) []float32 {
	env := make([]float32, seg)
	for i := range env {
		env[i] = 1
	}
	sr := k.cfg.SampleRate
	attackSamples := int(math.Round(float64(sr) * math.Max(k.cfg.AttackMs, 0) / 1000))
	releaseSamples := int(math.Round(float64(sr) * math.Max(k.cfg.ReleaseMs, 0) / 1000))
	if attackSamples <= 0 && releaseSamples <= 0 {
		return env
	}

	for i := 0; i < seg; i++ {
		idx := float64(i + k.markElapsedSamples)
		v := float32(1)
		if attackSamples > 0 {
			v *= float32(clamp((idx+1)/float64(attackSamples), 0, 1))
		}
		if releaseSamples > 0 && k.markTotalSamples > 0 {
			rem := float64(k.markTotalSamples) - idx
			v *= float32(clamp(rem/float64(releaseSamples), 0, 1))
		}
		env[i] = v
	}
	return env
}
