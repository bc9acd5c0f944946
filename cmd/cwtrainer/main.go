// Command cwtrainer runs an interactive, offline CW QSO trainer: it
// decodes keyed audio (or typed text), drives a simulated exchange
// partner through S0-S6, and sends the reply back as sidetone.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"cwtrainer"
	"cwtrainer/audioio"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg := cw.DefaultConfig()

	fs := flag.NewFlagSet("cwtrainer", flag.ContinueOnError)

	myCall := fs.String("my-call", cfg.QSO.MyCall, "own callsign")
	otherCall := fs.String("other-call", cfg.QSO.OtherCall, "fallback remote call when pool is empty")
	cqMode := fs.String("cq-mode", cfg.QSO.CQMode, "SIMPLE|POTA|SOTA")
	otherCallsFile := fs.String("other-calls-file", "", "dynamic call pool file")
	parksFile := fs.String("parks-file", "", "POTA active park references CSV")
	myParkRef := fs.String("my-park-ref", cfg.QSO.MyParkRef, "own park reference (P2P)")

	wpmTarget := fs.Float64("wpm-target", cfg.Decoder.WPMTarget, "RX target WPM")
	wpmOut := fs.Float64("wpm-out", cfg.Encoder.WPM, "TX speed")
	wpmOutStart := fs.Float64("wpm-out-start", 0, "per-QSO random TX speed range start")
	wpmOutEnd := fs.Float64("wpm-out-end", 0, "per-QSO random TX speed range end")

	toneHz := fs.Float64("tone-hz", cfg.Decoder.ToneHz, "RX fixed tone")
	toneOutHz := fs.Float64("tone-out-hz", cfg.Encoder.ToneHz, "TX fixed tone")
	toneOutStartHz := fs.Float64("tone-out-start-hz", 0, "per-QSO random TX tone range start")
	toneOutEndHz := fs.Float64("tone-out-end-hz", 0, "per-QSO random TX tone range end")

	messageGapSec := fs.Float64("message-gap-sec", cfg.Decoder.MessageGapSeconds, "message boundary silence, seconds")

	autoWPM := fs.Bool("auto-wpm", cfg.Decoder.AutoWPM, "adaptive RX WPM")
	fixedWPM := fs.Bool("fixed-wpm", false, "fixed RX WPM")
	autoTone := fs.Bool("auto-tone", cfg.Decoder.AutoTone, "adaptive RX tone")
	fixedTone := fs.Bool("fixed-tone", false, "fixed RX tone")

	maxStations := fs.Int("max-stations", cfg.QSO.MaxStations, "queue cap per CQ")
	p2pPercent := fs.Float64("p2p-percent", cfg.QSO.P2PProbability*100, "P2P probability, percent (POTA only)")

	allow599 := fs.Bool("allow-599", cfg.QSO.Allow599, "use the *_allow_599 report patterns (the built-in ones accept 599 and 5NN either way)")
	allowTU := fs.Bool("allow-tu", cfg.QSO.AllowTU, "use the TU variants of the closing patterns (TU required before 73) and of the P2P reply")
	disableProsigns := fs.Bool("disable-prosigns", false, "no prosign framing")
	prosignLiteral := fs.String("prosign-literal", cfg.QSO.ProsignLiteral, "prosign text")
	s4Prefix := fs.String("s4-prefix", cfg.QSO.S4Prefix, "R|RR legacy-flow ack prefix")
	legacyFlow := fs.Bool("legacy-flow", false, "set the stored ack prefix to R, overriding --s4-prefix (the exchange flow itself is unchanged)")
	fs.Bool("direct-flow", true, "direct exchange flow (default)")

	inputMode := fs.String("input-mode", "audio", "audio|keyboard")
	inputDevice := fs.Int("input-device", -1, "capture device index")
	outputDevice := fs.Int("output-device", -1, "playback device index")
	listDevices := fs.Bool("list-devices", false, "enumerate audio devices and exit")
	patternsFile := fs.String("patterns-file", "", "YAML pattern override file")

	simulate := fs.Bool("simulate", false, "stdin-driven text input; /reset /export /quit")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *listDevices {
		return listAudioDevices()
	}

	cfg.QSO.MyCall = strings.ToUpper(*myCall)
	cfg.QSO.OtherCall = strings.ToUpper(*otherCall)
	cfg.QSO.CQMode = strings.ToUpper(*cqMode)
	cfg.QSO.MyParkRef = strings.ToUpper(*myParkRef)
	cfg.QSO.MaxStations = *maxStations
	cfg.QSO.P2PProbability = *p2pPercent / 100
	cfg.QSO.Allow599 = *allow599
	cfg.QSO.AllowTU = *allowTU
	cfg.QSO.UseProsigns = !*disableProsigns
	cfg.QSO.ProsignLiteral = *prosignLiteral
	cfg.QSO.S4Prefix = strings.ToUpper(*s4Prefix)
	if *legacyFlow {
		cfg.QSO.S4Prefix = "R"
	}

	cfg.Decoder.WPMTarget = *wpmTarget
	cfg.Decoder.AutoWPM = *autoWPM && !*fixedWPM
	cfg.Decoder.ToneHz = *toneHz
	cfg.Decoder.AutoTone = *autoTone && !*fixedTone
	cfg.Decoder.MessageGapSeconds = *messageGapSec

	cfg.Encoder.WPM = *wpmOut
	cfg.Encoder.ToneHz = *toneOutHz
	cfg.Keyer.WPM = *wpmOut
	cfg.Keyer.ToneHz = *toneOutHz

	cfg.TXWPMStart = *wpmOutStart
	cfg.TXWPMEnd = *wpmOutEnd
	cfg.TXToneStartHz = *toneOutStartHz
	cfg.TXToneEndHz = *toneOutEndHz

	cfg.PatternsFile = *patternsFile

	sink := cw.NewChannelEventSink(256)
	clock := cw.SystemClock{}
	rng := cw.NewMathRNG(int64(clock.Now().UnixNano()))

	patterns, warning := cw.LoadExchangePatterns(cfg.PatternsFile)
	if warning != "" {
		sink.Emit(cw.Event{Kind: cw.EventConfigPatternsInvalid, Message: warning, At: clock.Now()})
	}

	sm := cw.NewStateMachine(cfg.QSO, patterns, rng, clock, sink)
	if *otherCallsFile != "" {
		calls, err := loadCallsFile(*otherCallsFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cwtrainer: other-calls-file:", err)
			return 2
		}
		sm.SetOtherCallPool(calls, *otherCallsFile)
	}
	if *parksFile != "" {
		refs, err := loadParksFile(*parksFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "cwtrainer: parks-file:", err)
			return 2
		}
		sm.SetParkRefPool(refs, *parksFile)
	}

	decoder := cw.NewDecoder(cfg.Decoder, sink, clock)
	encoder := cw.NewEncoder(cfg.Encoder)

	keyboardInput := strings.EqualFold(*inputMode, "keyboard")
	var source cw.AudioSource
	var out cw.AudioSink
	var keyer *cw.Keyer
	if keyboardInput {
		keyer = cw.NewKeyer(cfg.Keyer)
	} else {
		source = audioio.NewCaptureSource(cfg.Audio.SampleRate, *inputDevice)
	}
	out = audioio.NewPlaybackSink(cfg.Audio.SampleRate, *outputDevice)

	rt := cw.NewRuntime(cfg, source, out, sm, decoder, encoder, keyer, sink, clock, rng)

	go drainEvents(sink)

	if err := rt.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "cwtrainer: audio device error:", err)
		return 3
	}
	defer rt.Stop()

	if *simulate || keyboardInput {
		return runSimulate(rt, keyboardInput)
	}
	return runUntilSignal(rt)
}

// runUntilSignal keeps an audio-input session alive until interrupted,
// for unattended --input-mode audio runs with no stdin driver.
func runUntilSignal(rt *cw.Runtime) int {
	rt.OnReply = func(text string) {
		fmt.Println("TX:", text)
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	return 0
}

func listAudioDevices() int {
	captures, err := audioio.ListCaptureDevices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cwtrainer:", err)
		return 3
	}
	playbacks, err := audioio.ListPlaybackDevices()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cwtrainer:", err)
		return 3
	}
	fmt.Println("capture devices:")
	for _, d := range captures {
		fmt.Printf("  [%d] %s\n", d.Index, d.Name)
	}
	fmt.Println("playback devices:")
	for _, d := range playbacks {
		fmt.Printf("  [%d] %s\n", d.Index, d.Name)
	}
	return 0
}

func loadCallsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return cw.ParseCallsignLines(f)
}

func loadParksFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return cw.ParseActiveParkRefsCSV(f)
}

func drainEvents(sink *cw.ChannelEventSink) {
	for e := range sink.C {
		fmt.Fprintf(os.Stderr, "[%s] %s\n", e.Kind, e.Message)
	}
}

// runSimulate drives the trainer from stdin lines. Recognizes /reset,
// /export, /quit; any other line is fed to the running Runtime, which
// dispatches it through the same decoder/state-machine pipeline a real
// audio or keyboard-paddle session would use. In keyboard-paddle mode each
// line is a dit/dah/squeeze script for the iambic keyer instead of literal
// exchange text.
func runSimulate(rt *cw.Runtime, keyboardInput bool) int {
	rt.OnReply = func(text string) {
		fmt.Println("TX:", text)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("cwtrainer ready. type exchange text, or /reset /export /quit")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch line {
		case "/quit":
			return 0
		case "/reset":
			rt.Reset()
			fmt.Println("reset to S0_IDLE")
			continue
		case "/export":
			data, err := json.MarshalIndent(rt.ExportSession(), "", "  ")
			if err != nil {
				fmt.Fprintln(os.Stderr, "cwtrainer: export:", err)
				continue
			}
			fmt.Println(string(data))
			continue
		}

		if keyboardInput {
			rt.KeyPaddleScript(line)
			continue
		}
		rt.FeedText(line)
	}
	return 0
}
