package cw

import (
	"context"
	"math"
	"regexp"
	"strings"
)

// EncoderConfig holds every tunable parameter of CW audio synthesis.
type EncoderConfig struct {
	SampleRate    int
	ToneHz        float64
	WPM           float64
	FarnsworthWPM float64 // 0 disables Farnsworth spacing
	Volume        float64 // 0..1
	AttackMs      float64
	ReleaseMs     float64
	// ProsignTokens names bare word tokens (no <...> delimiters) that are
	// still sent as a single continuous prosign with no inter-letter gap,
	// e.g. "KN" or "AR".
	ProsignTokens []string
}

// DefaultEncoderConfig returns the synthesis defaults.
func DefaultEncoderConfig() EncoderConfig {
	return EncoderConfig{
		SampleRate: 44100,
		ToneHz:     700,
		WPM:        20,
		Volume:     0.3,
		AttackMs:   4,
		ReleaseMs:  6,
	}
}

func (c EncoderConfig) dotSeconds() float64 {
	wpm := c.WPM
	if wpm < 1 {
		wpm = 1
	}
	return 1.2 / wpm
}

func (c EncoderConfig) spaceDotSeconds() float64 {
	if c.FarnsworthWPM >= 1 && c.FarnsworthWPM < c.WPM {
		return 1.2 / c.FarnsworthWPM
	}
	return c.dotSeconds()
}

// Pulse is one element of keyed audio: KeyDown true for a tone element,
// false for silence, each lasting DurationSec.
type Pulse struct {
	KeyDown     bool
	DurationSec float64
}

// Encoder turns text into keyed audio, following the same dit/dah pattern
// table the decoder uses so round-tripped text is always self-consistent.
type Encoder struct {
	cfg EncoderConfig
}

// NewEncoder builds an Encoder for cfg.
func NewEncoder(cfg EncoderConfig) *Encoder {
	return &Encoder{cfg: cfg}
}

var tokenPattern = regexp.MustCompile(`<[A-Z0-9]+>|[A-Z0-9/?=.,\-]+`)

// tokenizeText normalizes text to uppercase with collapsed whitespace and
// splits it into words, keeping <PROSIGN> tokens intact.
func tokenizeText(text string) []string {
	normalized := strings.ToUpper(strings.Join(strings.Fields(text), " "))
	return tokenPattern.FindAllString(normalized, -1)
}

func (e *Encoder) isProsignToken(tok string) bool {
	if _, ok := prosignChars(tok); ok {
		return true
	}
	for _, p := range e.cfg.ProsignTokens {
		if strings.EqualFold(tok, p) {
			return true
		}
	}
	return false
}

func tokenLetters(tok string) []byte {
	if inner, ok := prosignChars(tok); ok {
		return []byte(inner)
	}
	return []byte(tok)
}

// TextToPulses converts text into a pulse sequence: a run of (key-down,
// duration) pairs with adjacent same-state pulses merged. Unknown
// characters are skipped.
func (e *Encoder) TextToPulses(text string) []Pulse {
	tokens := tokenizeText(text)
	dot := e.cfg.dotSeconds()
	charGap := 3.0 * e.cfg.spaceDotSeconds()
	wordGap := 7.0 * e.cfg.spaceDotSeconds()

	var pulses []Pulse
	for ti, tok := range tokens {
		letters := tokenLetters(tok)
		var patterns []string
		for _, ch := range letters {
			if p := encodeChar(ch); p != "" {
				patterns = append(patterns, p)
			}
		}
		if len(patterns) == 0 {
			continue
		}

		letterGap := charGap
		if e.isProsignToken(tok) {
			letterGap = dot
		}

		for li, pattern := range patterns {
			for ei, elem := range pattern {
				dur := dot
				if elem == '-' {
					dur = 3.0 * dot
				}
				pulses = append(pulses, Pulse{KeyDown: true, DurationSec: dur})
				if ei < len(pattern)-1 {
					pulses = append(pulses, Pulse{KeyDown: false, DurationSec: dot})
				}
			}
			if li < len(patterns)-1 {
				pulses = append(pulses, Pulse{KeyDown: false, DurationSec: letterGap})
			}
		}

		if ti < len(tokens)-1 {
			pulses = append(pulses, Pulse{KeyDown: false, DurationSec: wordGap})
		}
	}
	return mergeSamePulses(pulses)
}

func mergeSamePulses(pulses []Pulse) []Pulse {
	if len(pulses) == 0 {
		return nil
	}
	merged := []Pulse{pulses[0]}
	for _, p := range pulses[1:] {
		last := &merged[len(merged)-1]
		if last.KeyDown == p.KeyDown {
			last.DurationSec += p.DurationSec
		} else {
			merged = append(merged, p)
		}
	}
	return merged
}

// EncodeToSamples renders text to a PCM float32 buffer with raised-cosine
// attack/release envelopes on every keyed element, followed by 300ms of
// trailing silence so a downstream decoder flushes its last character.
func (e *Encoder) EncodeToSamples(text string) []float32 {
	pulses := e.TextToPulses(text)
	if len(pulses) == 0 {
		return []float32{0}
	}

	sr := float64(e.cfg.SampleRate)
	volume := clamp(e.cfg.Volume, 0, 1)
	attackSamples := int(sr * e.cfg.AttackMs / 1000)
	releaseSamples := int(sr * e.cfg.ReleaseMs / 1000)

	var out []float32
	phase := 0.0
	phaseStep := 2 * math.Pi * e.cfg.ToneHz / sr

	for _, p := range pulses {
		n := int(math.Round(p.DurationSec * sr))
		if n < 1 {
			n = 1
		}
		if !p.KeyDown {
			out = append(out, make([]float32, n)...)
			continue
		}

		chunk := make([]float32, n)
		a := attackSamples
		if a > n {
			a = n
		}
		r := releaseSamples
		if r > n {
			r = n
		}
		if a+r > n && n > 1 {
			mid := n / 2
			a = mid
			r = n - mid
		}
		for i := 0; i < n; i++ {
			env := float32(1.0)
			switch {
			case i < a:
				env = raisedCosine(float64(i) / float64(a))
			case i >= n-r:
				env = raisedCosine(float64(n-1-i) / float64(r))
			}
			sample := math.Sin(phase+phaseStep*float64(i)) * float64(env) * float64(volume)
			chunk[i] = float32(sample)
		}
		phase = math.Mod(phase+phaseStep*float64(n), 2*math.Pi)
		out = append(out, chunk...)
	}

	tail := int(0.3 * sr)
	if tail < 1 {
		tail = 1
	}
	out = append(out, make([]float32, tail)...)
	return out
}

func raisedCosine(t float64) float32 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return float32(0.5 * (1 - math.Cos(math.Pi*t)))
}

// PlayText renders text and streams it to sink in blocks of SampleRate()/20
// samples (50ms), checking ctx between blocks so callers can implement a
// cancellable, non-preemptible-within-block TX queue.
func (e *Encoder) PlayText(ctx context.Context, text string, sink AudioSink) error {
	samples := e.EncodeToSamples(text)
	blockSize := sink.SampleRate() / 20
	if blockSize < 1 {
		blockSize = 256
	}
	for off := 0; off < len(samples); off += blockSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		end := off + blockSize
		if end > len(samples) {
			end = len(samples)
		}
		if err := sink.Write(samples[off:end]); err != nil {
			return err
		}
	}
	return nil
}
