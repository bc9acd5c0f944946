package cw

// AudioSource is the abstract realtime PCM capture device the decoder reads
// from. Concrete implementations (microphone, line-in, WAV replay) live
// outside the core; see package audioio for the malgo-backed one.
//
// Callback is invoked from whatever thread the implementation drives audio
// on; it must never block for long, matching the realtime-isolation design
// note in spec section 9.
type AudioSource interface {
	Open() error
	Start(callback func(samples []float32)) error
	Stop() error
	Close() error
	SampleRate() int
}

// AudioSink is the abstract realtime PCM playback device the encoder and
// keyer write sidetone/TX audio to.
type AudioSink interface {
	Open() error
	Write(samples []float32) error
	Stop() error
	Close() error
	SampleRate() int
}
