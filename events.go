package cw

import "time"

// EventKind names the soft-error and informational events that cross
// component boundaries instead of errors, per the realtime propagation
// policy: the decode/encode/state-machine path never raises.
type EventKind string

const (
	EventDecoderUnknownPattern  EventKind = "decoder.unknown_pattern"
	EventDecoderOverrun         EventKind = "decoder.overrun"
	EventQSOUnexpectedInput     EventKind = "qso.unexpected_input"
	EventConfigTemplateMissing  EventKind = "config.template_unresolved"
	EventConfigPatternsInvalid  EventKind = "config.patterns_invalid"
	EventQSOComplete            EventKind = "qso_complete"
	EventAudioDeviceError       EventKind = "audio.device_error"
)

// Event is a single record crossing a component boundary. Fields beyond
// Kind/Message are carried in Data for consumers that care (e.g. the
// completion record for EventQSOComplete).
type Event struct {
	Kind    EventKind
	Message string
	At      time.Time
	Data    map[string]string
}

// EventSink receives events from the decoder, encoder, and state machine.
// Implementations must not block the realtime path; a typical sink buffers
// and forwards asynchronously (e.g. to a JSON log or a UI panel).
type EventSink interface {
	Emit(Event)
}

// NopEventSink discards all events. Useful as a zero-value default so core
// components never need a nil check before emitting.
type NopEventSink struct{}

func (NopEventSink) Emit(Event) {}

// ChannelEventSink forwards events onto a buffered channel. If the channel
// is full, the new event is dropped rather than blocking the caller; events
// already buffered are kept.
type ChannelEventSink struct {
	C chan Event
}

// NewChannelEventSink creates a sink with the given buffer size.
func NewChannelEventSink(buffer int) *ChannelEventSink {
	return &ChannelEventSink{C: make(chan Event, buffer)}
}

func (s *ChannelEventSink) Emit(e Event) {
	select {
	case s.C <- e:
	default:
	}
}
