package cw

import "testing"

func TestKeyerSingleDitRepeats(t *testing.T) {
	cfg := DefaultKeyerConfig()
	cfg.SampleRate = 8000
	cfg.WPM = 20
	k := NewKeyer(cfg)
	k.SetPaddles(true, false)

	dot := k.dotSamples()
	out := k.RenderSamples(dot*6 + 10)

	started := k.PopStartedElements()
	if len(started) < 3 {
		t.Fatalf("expected repeated dits, got %d elements: %v", len(started), started)
	}
	for _, e := range started {
		if e != '.' {
			t.Errorf("single dit-paddle held should only produce dots, got %q", string(e))
		}
	}
	if len(out) != dot*6+10 {
		t.Errorf("RenderSamples must return exactly the requested sample count")
	}
}

func TestKeyerSingleDahRepeats(t *testing.T) {
	cfg := DefaultKeyerConfig()
	cfg.SampleRate = 8000
	k := NewKeyer(cfg)
	k.SetPaddles(false, true)

	k.RenderSamples(k.dashSamples() * 4)
	started := k.PopStartedElements()
	for _, e := range started {
		if e != '-' {
			t.Errorf("single dah-paddle held should only produce dashes, got %q", string(e))
		}
	}
}

func TestKeyerIambicAlternatesFromLastSent(t *testing.T) {
	cfg := DefaultKeyerConfig()
	cfg.SampleRate = 8000
	k := NewKeyer(cfg)

	// Send one dit alone first, establishing lastElementSent = '.'.
	k.SetPaddles(true, false)
	k.RenderSamples(k.dotSamples() * 2)
	k.PopStartedElements()
	k.SetPaddles(false, false)
	k.RenderSamples(k.dotSamples())
	k.PopStartedElements()

	// Now squeeze both paddles: per the ported quirk, the first iambic
	// element repeats the last element sent before toggling.
	k.SetPaddles(true, true)
	total := (k.dotSamples() + k.dashSamples()) * 4
	k.RenderSamples(total)
	seq := k.PopStartedElements()

	if len(seq) < 2 {
		t.Fatalf("expected several iambic elements, got %v", seq)
	}
	if seq[0] != '.' {
		t.Errorf("first iambic element should repeat lastElementSent '.', got %q", string(seq[0]))
	}
	if seq[1] != '-' {
		t.Errorf("second iambic element should toggle to '-', got %q", string(seq[1]))
	}
}

func TestKeyerReleaseStopsAfterCurrentElement(t *testing.T) {
	cfg := DefaultKeyerConfig()
	cfg.SampleRate = 8000
	k := NewKeyer(cfg)
	k.SetPaddles(true, false)
	k.RenderSamples(k.dotSamples() / 2)
	k.SetPaddles(false, false)
	k.RenderSamples(k.dotSamples() * 5)

	if k.KeyDown() {
		t.Error("keyer should be idle after paddles released and in-flight element completes")
	}
}
