package cw

// Config centralizes every tunable of a trainer session: the audio
// device, the decoder/encoder/keyer DSP parameters, and the simulated QSO
// exchange. It mirrors the nested-sections layout used elsewhere in this
// codebase for per-concern config blocks.
type Config struct {
	Audio struct {
		SampleRate       int
		BlockSize        int
		InputDeviceName  string
		OutputDeviceName string
	}

	Decoder DecoderConfig
	Encoder EncoderConfig
	Keyer   KeyerConfig
	QSO     QSOConfig

	PatternsFile string

	// TXWPMStart/TXWPMEnd and TXToneStartHz/TXToneEndHz, when set to a
	// positive range (End >= Start), draw a fresh simulated-station TX
	// speed and tone at the start of each QSO instead of using the fixed
	// Encoder.WPM/ToneHz for every contact.
	TXWPMStart    float64
	TXWPMEnd      float64
	TXToneStartHz float64
	TXToneEndHz   float64
}

// DefaultConfig returns a Config with every section at its documented
// default.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Audio.SampleRate = 44100
	cfg.Audio.BlockSize = 512

	cfg.Decoder = DefaultDecoderConfig()
	cfg.Encoder = DefaultEncoderConfig()
	cfg.Keyer = DefaultKeyerConfig()
	cfg.QSO = DefaultQSOConfig()
	return cfg
}
