package cw

import "testing"

func decodeText(t *testing.T, text string, wpm float64) string {
	t.Helper()
	encCfg := DefaultEncoderConfig()
	encCfg.SampleRate = 8000
	encCfg.WPM = wpm
	enc := NewEncoder(encCfg)
	samples := enc.EncodeToSamples(text)

	decCfg := DefaultDecoderConfig()
	decCfg.SampleRate = 8000
	decCfg.BlockSize = 80
	decCfg.AutoTone = false
	decCfg.ToneHz = encCfg.ToneHz
	decCfg.AutoWPM = true
	decCfg.WPMTarget = wpm
	decCfg.MessageGapSeconds = 0.6

	var got string
	dec := NewDecoder(decCfg, NopEventSink{}, SystemClock{})
	dec.OnMessage = func(m DecodedMessage) { got += m.Text }

	for off := 0; off+decCfg.BlockSize <= len(samples); off += decCfg.BlockSize {
		dec.ProcessBlock(samples[off : off+decCfg.BlockSize])
	}
	// Extra silence to force the trailing message flush.
	silence := make([]float32, decCfg.BlockSize*50)
	for off := 0; off+decCfg.BlockSize <= len(silence); off += decCfg.BlockSize {
		dec.ProcessBlock(silence[off : off+decCfg.BlockSize])
	}
	return got
}

func TestDecoderRoundTripSimpleWord(t *testing.T) {
	got := decodeText(t, "PARIS", 20)
	if got != "PARIS" {
		t.Errorf("round trip: want PARIS, got %q", got)
	}
}

func TestDecoderRoundTripTwoWords(t *testing.T) {
	got := decodeText(t, "CQ POTA", 18)
	if got != "CQ POTA" {
		t.Errorf("round trip: want %q, got %q", "CQ POTA", got)
	}
}

func TestDecoderCalibrateDoesNotResetKeying(t *testing.T) {
	decCfg := DefaultDecoderConfig()
	decCfg.AutoTone = false
	dec := NewDecoder(decCfg, NopEventSink{}, SystemClock{})
	dec.keyDown = true
	dec.currentSymbol = ".-"
	dec.Calibrate()
	if !dec.keyDown || dec.currentSymbol != ".-" {
		t.Error("Calibrate must not touch keying state or the in-progress symbol")
	}
}

func TestDecoderResetClearsEverything(t *testing.T) {
	decCfg := DefaultDecoderConfig()
	dec := NewDecoder(decCfg, NopEventSink{}, SystemClock{})
	dec.keyDown = true
	dec.currentSymbol = ".-"
	dec.currentWord = "A"
	dec.Reset()
	if dec.keyDown || dec.currentSymbol != "" || dec.currentWord != "" {
		t.Error("Reset must clear keying and accumulator state")
	}
}
