package cw

import (
	"context"
	"sync"
	"time"
)

// RuntimeState is the coarse lifecycle state of a Runtime.
type RuntimeState int

const (
	RuntimeStopped RuntimeState = iota
	RuntimeRunning
	RuntimePaused
)

// SessionLogEntry is one exported record of a completed QSO, per the
// session log export interface.
type SessionLogEntry struct {
	TimestampUTC string
	Call         string
	ParkRef      string
	P2P          bool
	WPMUsed      float64
	ToneUsed     float64
}

// Runtime wires the decoder, encoder, keyer, and state machine together
// with the worker/channel topology described by the concurrency model:
// a bounded SPSC audio queue into the decoder worker, a bounded MPSC
// channel from the decoder into the single-threaded state machine loop,
// and a serialized, cancellable TX queue out to the encoder worker.
type Runtime struct {
	cfg   *Config
	sink  EventSink
	clock Clock
	rng   RNG

	source AudioSource
	out    AudioSink

	decoder *Decoder
	encoder *Encoder
	keyer   *Keyer
	sm      *StateMachine

	audioQueue   chan []float32
	messageQueue chan DecodedMessage
	txQueue      chan string

	cancelTx chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	state RuntimeState

	currentWPM        float64
	currentTone       float64
	completionsLogged int
	SessionLog        []SessionLogEntry

	// OnReply is invoked with every string the state machine wants
	// transmitted, before it's queued. Useful for a --simulate UI.
	OnReply func(text string)
}

// NewRuntime builds a Runtime. source may be nil for keyboard-only
// (--input-mode keyboard / --simulate) sessions; out may be nil to run
// without sidetone/TX audio; keyer may be nil when paddle input isn't used.
func NewRuntime(cfg *Config, source AudioSource, out AudioSink, sm *StateMachine, decoder *Decoder, encoder *Encoder, keyer *Keyer, sink EventSink, clock Clock, rng RNG) *Runtime {
	if sink == nil {
		sink = NopEventSink{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if rng == nil {
		rng = NewMathRNG(1)
	}
	return &Runtime{
		cfg:          cfg,
		sink:         sink,
		clock:        clock,
		rng:          rng,
		source:       source,
		out:          out,
		decoder:      decoder,
		encoder:      encoder,
		keyer:        keyer,
		sm:           sm,
		audioQueue:   make(chan []float32, 8),
		messageQueue: make(chan DecodedMessage, 32),
		txQueue:      make(chan string, 16),
		currentWPM:   encoder.cfg.WPM,
		currentTone:  encoder.cfg.ToneHz,
	}
}

// KeyPaddleScript drives the iambic keyer through a textual paddle script:
// a run of '.' taps and holds the dit paddle, a run of '-' holds the dah
// paddle, a run of '=' holds both (squeeze, exercising mode A alternation),
// and anything else is a release. Samples the keyer renders are looped back
// into the decoder exactly like captured microphone audio, and written to
// the sidetone sink if one is configured, per the keyboard-input design
// note that the decoder path is unchanged by the input source.
func (r *Runtime) KeyPaddleScript(script string) {
	if r.keyer == nil {
		return
	}
	block := r.decoder.cfg.BlockSize
	if block < 1 {
		block = 512
	}
	render := func(n int) {
		for rendered := 0; rendered < n; {
			sz := block
			if rendered+sz > n {
				sz = n - rendered
			}
			samples := r.keyer.RenderSamples(sz)
			r.decoder.ProcessBlock(samples)
			if r.out != nil {
				_ = r.out.Write(samples)
			}
			rendered += sz
		}
	}

	runes := []rune(script)
	i := 0
	for i < len(runes) {
		var dit, dah, held bool
		switch runes[i] {
		case '.':
			dit, held = true, true
		case '-':
			dah, held = true, true
		case '=':
			dit, dah, held = true, true, true
		}
		if !held {
			i++
			continue
		}
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}

		r.keyer.SetPaddles(dit, dah)
		want := j - i
		started := 0
		for started < want {
			samples := r.keyer.RenderSamples(block)
			r.decoder.ProcessBlock(samples)
			if r.out != nil {
				_ = r.out.Write(samples)
			}
			started += len(r.keyer.PopStartedElements())
		}
		r.keyer.SetPaddles(false, false)
		render(r.keyer.dotSamples())
		for r.keyer.phase != keyerIdle {
			render(block)
		}
		i = j
	}
}

// Start opens the audio devices (if any) and launches the decoder worker,
// the state-machine loop, and the encoder worker.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RuntimeRunning {
		return nil
	}

	r.stopCh = make(chan struct{})
	r.cancelTx = make(chan struct{}, 1)

	if r.source != nil {
		if err := r.source.Open(); err != nil {
			return err
		}
		if err := r.source.Start(r.onAudioBlock); err != nil {
			return err
		}
	}
	if r.out != nil {
		if err := r.out.Open(); err != nil {
			return err
		}
	}

	r.wg.Add(3)
	go r.decoderWorker()
	go r.stateMachineLoop()
	go r.encoderWorker()

	r.state = RuntimeRunning
	return nil
}

// Stop terminates every worker and releases device handles. Safe to call
// more than once.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.state == RuntimeStopped {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.state = RuntimeStopped
	r.mu.Unlock()

	if r.source != nil {
		r.source.Stop()
		r.source.Close()
	}
	r.wg.Wait()
	if r.out != nil {
		r.out.Stop()
		r.out.Close()
	}
}

// Pause stops consuming the audio queue; the audio callback keeps pushing
// and will start dropping-oldest once the queue fills, which is expected.
func (r *Runtime) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RuntimeRunning {
		r.state = RuntimePaused
	}
}

// Resume undoes Pause.
func (r *Runtime) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RuntimePaused {
		r.state = RuntimeRunning
	}
}

// Reset drains all queues, cancels any in-flight TX, and returns the QSO
// state machine to S0. Worker threads keep running.
func (r *Runtime) Reset() {
	select {
	case r.cancelTx <- struct{}{}:
	default:
	}
drainAudio:
	for {
		select {
		case <-r.audioQueue:
		default:
			break drainAudio
		}
	}
drainMessages:
	for {
		select {
		case <-r.messageQueue:
		default:
			break drainMessages
		}
	}
drainTX:
	for {
		select {
		case <-r.txQueue:
		default:
			break drainTX
		}
	}
	r.decoder.Reset()
	r.sm.Reset()
	if r.keyer != nil {
		r.keyer.Reset()
	}
}

// FeedText injects a DecodedMessage directly, bypassing the audio decoder.
// Used by --simulate in audio input mode; keyboard input mode goes through
// KeyPaddleScript instead.
func (r *Runtime) FeedText(text string) {
	select {
	case r.messageQueue <- DecodedMessage{Text: text}:
	case <-r.stopCh:
	}
}

// ExportSession returns the state machine's session snapshot merged with
// the runtime's WPM/tone session log.
func (r *Runtime) ExportSession() map[string]interface{} {
	export := r.sm.ExportSession()
	export["session_log"] = r.SessionLog
	return export
}

func (r *Runtime) onAudioBlock(samples []float32) {
	r.mu.Lock()
	paused := r.state == RuntimePaused
	r.mu.Unlock()
	if paused {
		return
	}

	block := append([]float32(nil), samples...)
	select {
	case r.audioQueue <- block:
	default:
		// Drop oldest, then push the new block.
		select {
		case <-r.audioQueue:
		default:
		}
		select {
		case r.audioQueue <- block:
		default:
		}
		r.sink.Emit(Event{Kind: EventDecoderOverrun, Message: "audio input queue overrun", At: r.clock.Now()})
	}
}

func (r *Runtime) decoderWorker() {
	defer r.wg.Done()
	r.decoder.OnMessage = func(msg DecodedMessage) {
		select {
		case r.messageQueue <- msg:
		case <-r.stopCh:
		}
	}
	for {
		select {
		case <-r.stopCh:
			return
		case block := <-r.audioQueue:
			r.decoder.ProcessBlock(block)
		}
	}
}

func (r *Runtime) stateMachineLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case msg := <-r.messageQueue:
			r.handleMessage(msg)
		}
	}
}

func (r *Runtime) handleMessage(msg DecodedMessage) {
	wasIdle := r.sm.State() == StateS0Idle
	result := r.sm.ProcessText(msg.Text)
	if wasIdle && r.sm.State() != StateS0Idle {
		r.pickTXParams()
	}

	for _, reply := range result.Replies {
		if r.OnReply != nil {
			r.OnReply(reply)
		}
		select {
		case r.txQueue <- reply:
		case <-r.stopCh:
			return
		}
	}

	if len(r.sm.completions) > r.completionsLogged {
		for _, c := range r.sm.completions[r.completionsLogged:] {
			r.SessionLog = append(r.SessionLog, SessionLogEntry{
				TimestampUTC: c.TimestampUTC,
				Call:         c.OtherCall,
				ParkRef:      c.ParkRef,
				P2P:          c.IsP2P,
				WPMUsed:      r.currentWPM,
				ToneUsed:     r.currentTone,
			})
		}
		r.completionsLogged = len(r.sm.completions)
	}
}

// pickTXParams draws a fresh per-QSO TX speed/tone from the configured
// randomization range, falling back to the fixed encoder config values.
func (r *Runtime) pickTXParams() {
	wpm := r.cfg.Encoder.WPM
	if r.cfg.TXWPMStart > 0 && r.cfg.TXWPMEnd >= r.cfg.TXWPMStart {
		span := r.cfg.TXWPMEnd - r.cfg.TXWPMStart
		wpm = r.cfg.TXWPMStart + r.rng.Float64()*span
	}
	tone := r.cfg.Encoder.ToneHz
	if r.cfg.TXToneStartHz > 0 && r.cfg.TXToneEndHz >= r.cfg.TXToneStartHz {
		span := r.cfg.TXToneEndHz - r.cfg.TXToneStartHz
		tone = r.cfg.TXToneStartHz + r.rng.Float64()*span
	}
	r.currentWPM = wpm
	r.currentTone = tone
}

func (r *Runtime) encoderWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case text := <-r.txQueue:
			r.transmit(text)
		}
	}
}

func (r *Runtime) transmit(text string) {
	encCfg := r.encoder.cfg
	encCfg.WPM = r.currentWPM
	encCfg.ToneHz = r.currentTone
	enc := NewEncoder(encCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.cancelTx:
			cancel()
		case <-ctx.Done():
		case <-r.stopCh:
			cancel()
		}
	}()

	if r.out != nil {
		_ = enc.PlayText(ctx, text, r.out)
		return
	}
	// No playback sink configured: nothing is played. A no-op timer for the
	// transmission's duration is scheduled on the clock; nothing waits on it.
	pulses := enc.TextToPulses(text)
	var totalSec float64
	for _, p := range pulses {
		totalSec += p.DurationSec
	}
	r.clock.AfterFunc(time.Duration(totalSec*float64(time.Second)), func() {})
}
