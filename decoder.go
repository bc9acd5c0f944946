package cw

import (
	"sort"
)

// DecoderConfig holds every tunable parameter of the CW signal decoder
// pipeline. Defaults below match the reference tuning.
type DecoderConfig struct {
	SampleRate int // Fs, default 44100
	BlockSize  int // nominal 512 frames

	AutoTone        bool
	ToneHz          float64 // fixed RX tone when AutoTone is false
	ToneRetuneMs    int     // T_retune, default 500
	ToneFFTWindowMs float64 // FFT window for auto-tone scan, default 40
	ToneSearchMinHz float64
	ToneSearchMaxHz float64

	NoiseAlpha  float64 // alpha_noise, default 0.01
	PowerSmooth float64 // EMA factor smoothing raw Goertzel power, default 0.3

	ThresholdOn  float64 // default 3.0
	ThresholdOff float64 // default 1.8
	MinKeyDownMs float64 // debounce dwell, default 8

	AutoWPM   bool
	WPMTarget float64 // used when AutoWPM is false
	DotMsMin  float64
	DotMsMax  float64

	GapCharDots float64 // default 2.5
	GapWordDots float64 // default 5.0
	MinUpRatio  float64 // default 0 (disabled)

	MessageGapSeconds float64 // default 1.0
}

// DefaultDecoderConfig returns the default parameter set.
func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{
		SampleRate:      44100,
		BlockSize:       512,
		AutoTone:        true,
		ToneHz:          700,
		ToneRetuneMs:    500,
		ToneFFTWindowMs: 40,
		ToneSearchMinHz: 300,
		ToneSearchMaxHz: 1200,
		NoiseAlpha:      0.01,
		PowerSmooth:     0.3,
		ThresholdOn:     3.0,
		ThresholdOff:    1.8,
		MinKeyDownMs:    8,
		AutoWPM:         true,
		WPMTarget:       20,
		DotMsMin:        20,
		DotMsMax:        300,
		GapCharDots:     2.5,
		GapWordDots:     5.0,
		MinUpRatio:      0,

		MessageGapSeconds: 1.0,
	}
}

// DecodedToken is emitted when a character gap completes an accumulated
// dit/dah pattern.
type DecodedToken struct {
	Char       byte
	Confidence float64
	WPMEst     float64
}

// DecodedMessage is a contiguous run of tokens terminated by a silence of
// at least MessageGapSeconds. Downstream consumers act on whole messages
// only.
type DecodedMessage struct {
	Text string
}

// Decoder converts a continuous PCM stream into a sequence of
// DecodedMessages. It is long-lived and stateful across a session;
// Calibrate resets noise-floor state without resetting keying state.
type Decoder struct {
	cfg   DecoderConfig
	sink  EventSink
	clock Clock

	blockDurationMs float64

	goertzel  *Goertzel
	toneCal   *toneCalibrator
	toneHz    float64
	retuneDue int
	fftWindow []float64

	smoothedPower float64
	noiseFloor    float64

	keyDown        bool
	stateElapsedMs float64

	dotEstimateMs float64
	downDurations []float64

	currentSymbol string
	currentWord   string
	messageWords  []string

	symbolUpMs   float64
	symbolDownMs float64

	flushedChar    bool
	flushedWord    bool
	flushedMessage bool

	OnMessage func(DecodedMessage)
	OnToken   func(DecodedToken)
}

// NewDecoder builds a decoder with the given config, emitting soft errors
// to sink (pass NopEventSink{} to discard).
func NewDecoder(cfg DecoderConfig, sink EventSink, clock Clock) *Decoder {
	if sink == nil {
		sink = NopEventSink{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	d := &Decoder{
		cfg:   cfg,
		sink:  sink,
		clock: clock,
	}
	d.blockDurationMs = 1000 * float64(cfg.BlockSize) / float64(cfg.SampleRate)
	d.toneHz = cfg.ToneHz
	d.goertzel = NewGoertzel(float64(cfg.SampleRate), d.toneHz)
	fftWindowSamples := int(cfg.ToneFFTWindowMs * float64(cfg.SampleRate) / 1000)
	if fftWindowSamples < 16 {
		fftWindowSamples = 16
	}
	d.toneCal = newToneCalibrator(float64(cfg.SampleRate), fftWindowSamples, cfg.ToneSearchMinHz, cfg.ToneSearchMaxHz)
	d.fftWindow = make([]float64, 0, fftWindowSamples)
	d.noiseFloor = 1e-8
	d.dotEstimateMs = 1200 / cfg.WPMTarget
	return d
}

// Reset clears all keying and accumulator state, equivalent to starting a
// fresh decoder with the same config.
func (d *Decoder) Reset() {
	d.toneHz = d.cfg.ToneHz
	d.goertzel = NewGoertzel(float64(d.cfg.SampleRate), d.toneHz)
	d.toneCal.reset()
	d.retuneDue = 0
	d.fftWindow = d.fftWindow[:0]
	d.smoothedPower = 0
	d.noiseFloor = 1e-8
	d.keyDown = false
	d.stateElapsedMs = 0
	d.dotEstimateMs = 1200 / d.cfg.WPMTarget
	d.downDurations = nil
	d.currentSymbol = ""
	d.currentWord = ""
	d.messageWords = nil
	d.symbolUpMs = 0
	d.symbolDownMs = 0
	d.flushedChar = false
	d.flushedWord = false
	d.flushedMessage = false
}

// Calibrate snapshots the current smoothed tone power as the new noise
// floor anchor. It does not touch keying state or the character/word
// accumulator.
func (d *Decoder) Calibrate() {
	if d.smoothedPower > 0 {
		d.noiseFloor = d.smoothedPower
	}
}

// WPMEstimate returns 1200 / T_dit_ms, the live WPM estimate.
func (d *Decoder) WPMEstimate() float64 {
	if d.dotEstimateMs <= 0 {
		return d.cfg.WPMTarget
	}
	return 1200 / d.dotEstimateMs
}

// ProcessBlock consumes one fixed-size block of samples and advances the
// keying/timing state machine by exactly one block duration. It never
// blocks and never returns an error; soft errors go to the EventSink.
func (d *Decoder) ProcessBlock(samples []float32) {
	if d.cfg.AutoTone {
		d.feedAutoTone(samples)
	}

	block := make([]float64, len(samples))
	for i, s := range samples {
		block[i] = float64(s)
	}

	rawPower := d.goertzel.Power(block)
	alphaP := clamp(d.cfg.PowerSmooth, 0.001, 1.0)
	if d.smoothedPower <= 0 {
		d.smoothedPower = rawPower
	} else {
		d.smoothedPower = (1-alphaP)*d.smoothedPower + alphaP*rawPower
	}

	if !d.keyDown {
		alphaN := clamp(d.cfg.NoiseAlpha, 0.0001, 0.5)
		d.noiseFloor = (1-alphaN)*d.noiseFloor + alphaN*d.smoothedPower
	}
	if d.noiseFloor <= 0 {
		d.noiseFloor = 1e-12
	}

	ratio := rawPower / d.noiseFloor

	wantDown := d.keyDown
	if d.keyDown {
		if ratio <= d.cfg.ThresholdOff {
			wantDown = false
		}
	} else {
		if ratio >= d.cfg.ThresholdOn {
			wantDown = true
		}
	}

	if wantDown == d.keyDown {
		d.stateElapsedMs += d.blockDurationMs
		if !d.keyDown {
			d.handleGapProgress()
		}
		return
	}

	// A key-down state must last at least MinKeyDownMs before it is
	// allowed to flip back up.
	if d.keyDown && d.stateElapsedMs < d.cfg.MinKeyDownMs {
		d.stateElapsedMs += d.blockDurationMs
		return
	}

	finishedDown := d.keyDown
	duration := d.stateElapsedMs
	d.keyDown = wantDown
	d.stateElapsedMs = d.blockDurationMs

	if finishedDown {
		d.onKeyDownEnd(duration)
	} else {
		d.onKeyUpEnd(duration)
	}

	if d.keyDown {
		d.flushedChar = false
		d.flushedWord = false
		d.flushedMessage = false
	}
}

func (d *Decoder) feedAutoTone(samples []float32) {
	for _, s := range samples {
		if len(d.fftWindow) < cap(d.fftWindow) {
			d.fftWindow = append(d.fftWindow, float64(s))
		}
	}
	d.retuneDue--
	if d.retuneDue > 0 {
		return
	}
	if len(d.fftWindow) < cap(d.fftWindow) {
		return
	}
	freq, ok := d.toneCal.retune(d.fftWindow)
	d.fftWindow = d.fftWindow[:0]
	blocksPerRetune := int(float64(d.cfg.ToneRetuneMs) / d.blockDurationMs)
	if blocksPerRetune < 1 {
		blocksPerRetune = 1
	}
	d.retuneDue = blocksPerRetune
	if !ok || freq <= 0 {
		return
	}
	d.toneHz = freq
	d.goertzel = NewGoertzel(float64(d.cfg.SampleRate), d.toneHz)
}

func (d *Decoder) onKeyDownEnd(durationMs float64) {
	d.symbolDownMs += durationMs
	if d.cfg.AutoWPM {
		d.downDurations = append(d.downDurations, durationMs)
		if len(d.downDurations) > 32 {
			d.downDurations = d.downDurations[len(d.downDurations)-32:]
		}
		d.updateDotEstimate()
	}

	if durationMs < 2*d.dotEstimateMs {
		d.currentSymbol += "."
	} else {
		d.currentSymbol += "-"
	}
}

func (d *Decoder) onKeyUpEnd(durationMs float64) {
	d.symbolUpMs += durationMs
	d.classifyGap(durationMs)
}

func (d *Decoder) classifyGap(gapMs float64) {
	charThreshold := d.cfg.GapCharDots * d.dotEstimateMs
	wordThreshold := d.cfg.GapWordDots * d.dotEstimateMs

	if gapMs < charThreshold {
		return // intra-character gap: element continues within the symbol
	}
	d.flushSymbol()
	if gapMs >= wordThreshold {
		d.flushWord()
	}
}

// handleGapProgress fires the symbol/word/message flush points while the
// key stays up for an extended silence, since a block-based decoder cannot
// wait for the next key-down transition to know a message has ended.
func (d *Decoder) handleGapProgress() {
	charThreshold := d.cfg.GapCharDots * d.dotEstimateMs
	wordThreshold := d.cfg.GapWordDots * d.dotEstimateMs
	msgThresholdMs := d.cfg.MessageGapSeconds * 1000

	if d.stateElapsedMs >= charThreshold && !d.flushedChar {
		d.flushSymbol()
		d.flushedChar = true
	}
	if d.stateElapsedMs >= wordThreshold && !d.flushedWord {
		d.flushWord()
		d.flushedWord = true
	}
	if d.stateElapsedMs >= msgThresholdMs && !d.flushedMessage {
		d.flushMessage()
		d.flushedMessage = true
	}
}

func (d *Decoder) flushSymbol() {
	if d.currentSymbol == "" {
		d.symbolUpMs = 0
		d.symbolDownMs = 0
		return
	}

	if d.cfg.MinUpRatio > 0 {
		total := d.symbolUpMs + d.symbolDownMs
		if total > 0 && d.symbolUpMs/total < d.cfg.MinUpRatio {
			d.currentSymbol = ""
			d.symbolUpMs = 0
			d.symbolDownMs = 0
			return
		}
	}

	ch, known := decodePattern(d.currentSymbol)
	if !known {
		d.sink.Emit(Event{
			Kind:    EventDecoderUnknownPattern,
			Message: "unknown Morse pattern: " + d.currentSymbol,
			At:      d.clock.Now(),
			Data:    map[string]string{"pattern": d.currentSymbol},
		})
	}
	d.currentWord += string(ch)
	if d.OnToken != nil {
		d.OnToken(DecodedToken{Char: ch, Confidence: confidenceFor(known), WPMEst: d.WPMEstimate()})
	}
	d.currentSymbol = ""
	d.symbolUpMs = 0
	d.symbolDownMs = 0
}

func confidenceFor(known bool) float64 {
	if known {
		return 1.0
	}
	return 0.0
}

func (d *Decoder) flushWord() {
	if d.currentWord == "" {
		return
	}
	d.messageWords = append(d.messageWords, d.currentWord)
	d.currentWord = ""
}

func (d *Decoder) flushMessage() {
	d.flushSymbol()
	d.flushWord()
	if len(d.messageWords) == 0 {
		return
	}
	text := joinWords(d.messageWords)
	d.messageWords = nil
	if text == "" {
		return
	}
	if d.OnMessage != nil {
		d.OnMessage(DecodedMessage{Text: text})
	}
}

func joinWords(words []string) string {
	out := ""
	for i, w := range words {
		if i > 0 {
			out += " "
		}
		out += w
	}
	return out
}

// updateDotEstimate recomputes T_dit_ms from the low (~20th) percentile of
// recent key-down durations, EMA-smoothed into the running estimate.
func (d *Decoder) updateDotEstimate() {
	if len(d.downDurations) < 4 {
		return
	}
	sorted := append([]float64(nil), d.downDurations...)
	sort.Float64s(sorted)
	idx := int(0.2 * float64(len(sorted)-1))
	candidate := sorted[idx]
	candidate = clamp(candidate, d.cfg.DotMsMin, d.cfg.DotMsMax)
	d.dotEstimateMs = 0.85*d.dotEstimateMs + 0.15*candidate
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
