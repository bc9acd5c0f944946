package cw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateMachine(cfg QSOConfig) *StateMachine {
	return NewStateMachine(cfg, DefaultExchangePatterns(), NewMathRNG(7), NewVirtualClock(time.Now()), NopEventSink{})
}

func TestStateMachineSimpleCQThroughClose(t *testing.T) {
	cfg := DefaultQSOConfig()
	cfg.CQMode = "SIMPLE"
	cfg.MyCall = "K1ABC"
	cfg.OtherCall = "W1AW"
	sm := newTestStateMachine(cfg)

	r := sm.ProcessText("CQ DE K1ABC K")
	require.True(t, r.Accepted, "valid SIMPLE CQ should be accepted: %v", r.Errors)
	assert.Equal(t, StateS2WaitMyAckCall, sm.State())
	require.Len(t, r.Replies, 1)
	assert.Contains(t, r.Replies[0], "W1AW")

	r = sm.ProcessText("W1AW?")
	require.True(t, r.Accepted, "full call query should select the lone pending station: %v", r.Errors)
	assert.Equal(t, "RR", r.Replies[0])
	assert.Equal(t, "W1AW", sm.ActiveOtherCall())

	r = sm.ProcessText("UR 599 599")
	require.True(t, r.Accepted, "valid signal report should be accepted: %v", r.Errors)
	assert.Equal(t, StateS5WaitFinal, sm.State())

	r = sm.ProcessText("CAVE 73 EE")
	require.True(t, r.Accepted, "valid sign-off should complete the QSO: %v", r.Errors)
	assert.Equal(t, StateS0Idle, sm.State())

	export := sm.ExportSession()
	completions, ok := export["completions"].([]QSOCompletion)
	require.True(t, ok)
	require.Len(t, completions, 1)
	assert.Equal(t, "W1AW", completions[0].OtherCall)
}

func TestStateMachineUnexpectedInputIgnoredInS0(t *testing.T) {
	cfg := DefaultQSOConfig()
	cfg.CQMode = "SIMPLE"
	cfg.MyCall = "K1ABC"
	sink := NewChannelEventSink(4)
	sm := NewStateMachine(cfg, DefaultExchangePatterns(), NewMathRNG(7), NewVirtualClock(time.Now()), sink)

	r := sm.ProcessText("HELLO THERE")
	assert.False(t, r.Accepted)
	assert.NotEmpty(t, r.Errors)
	assert.Equal(t, StateS0Idle, sm.State())

	select {
	case e := <-sink.C:
		assert.Equal(t, EventQSOUnexpectedInput, e.Kind)
	default:
		t.Fatal("expected qso.unexpected_input event on rejected input")
	}
}

func TestStateMachinePartialWildcardDisambiguation(t *testing.T) {
	cfg := DefaultQSOConfig()
	sm := newTestStateMachine(cfg)
	sm.state = StateS2WaitMyAckCall
	sm.pendingCallers = []string{"W1AW", "W1ABC", "K5XYZ"}

	r := sm.ProcessText("W1A?")
	require.True(t, r.Accepted)
	assert.Len(t, r.Replies, 2, "W1A? should match both W1AW and W1ABC, not K5XYZ")
	assert.Equal(t, StateS2WaitMyAckCall, sm.State(), "disambiguation re-announces candidates without selecting")
	assert.False(t, sm.activeCallSelected)
}

func TestStateMachineBareQuestionMarkRepeatsAllPending(t *testing.T) {
	cfg := DefaultQSOConfig()
	sm := newTestStateMachine(cfg)
	sm.state = StateS2WaitMyAckCall
	sm.pendingCallers = []string{"W1AW", "W1ABC", "K5XYZ"}

	r := sm.ProcessText("?")
	require.True(t, r.Accepted)
	assert.Len(t, r.Replies, 3)
}

func TestStateMachineFullCallQuerySelectsExactStation(t *testing.T) {
	cfg := DefaultQSOConfig()
	sm := newTestStateMachine(cfg)
	sm.state = StateS2WaitMyAckCall
	sm.pendingCallers = []string{"W1AW", "K5XYZ"}

	r := sm.ProcessText("K5XYZ?")
	require.True(t, r.Accepted)
	assert.Equal(t, "K5XYZ", sm.ActiveOtherCall())
	assert.True(t, sm.activeCallSelected)
	assert.Equal(t, []string{"W1AW"}, sm.pendingCallers)
}

func TestStateMachineP2PExchange(t *testing.T) {
	cfg := DefaultQSOConfig()
	cfg.CQMode = "POTA"
	cfg.MyCall = "K1ABC"
	cfg.MyParkRef = "EA-0001"
	cfg.AllowTU = false
	sm := newTestStateMachine(cfg)
	sm.SetParkRefPool([]string{"US-0001"}, "")

	sm.state = StateS2WaitMyAckCall
	sm.pendingCallers = []string{"W1AW"}
	sm.pendingP2PRealCall = "W1AW"
	sm.pendingP2PParkRef = "US-0001"

	r := sm.ProcessText("W1AW?")
	require.True(t, r.Accepted, "the real callsign, announced during the P2P calling phase, should select the station: %v", r.Errors)
	assert.True(t, sm.activeIsP2P)
	assert.Equal(t, "US-0001", sm.activeP2PParkRef)

	r = sm.ProcessText("P2P")
	require.True(t, r.Accepted, "bare P2P ack should be accepted: %v", r.Errors)
	assert.Equal(t, StateS5WaitFinal, sm.State())
	assert.Contains(t, r.Replies[0], "W1AW")
	assert.Contains(t, r.Replies[0], "US0001")

	r = sm.ProcessText("CAVE W1AW K1ABC MY REF EA0001 EA0001 73 CAVE")
	require.True(t, r.Accepted, "valid P2P sign-off should complete the QSO: %v", r.Errors)
	assert.Equal(t, StateS0Idle, sm.State())

	export := sm.ExportSession()
	completions, ok := export["completions"].([]QSOCompletion)
	require.True(t, ok)
	require.Len(t, completions, 1)
	assert.True(t, completions[0].IsP2P, "the completion record must preserve P2P status after the live state machine fields are reset")
	assert.Equal(t, "US-0001", completions[0].ParkRef)
}

func TestEmitCallersAnnouncesRealCallAndParkRefForP2PStation(t *testing.T) {
	cfg := DefaultQSOConfig()
	sm := newTestStateMachine(cfg)
	sm.pendingP2PRealCall = "US1234"
	sm.pendingP2PParkRef = "ES-0001"

	replies, ok := sm.emitCallers([]string{"US1234"})
	require.True(t, ok)
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], "US1234")
	assert.Contains(t, replies[0], "ES0001")
	assert.NotContains(t, replies[0], "P2P", "the initial calling-phase announcement must carry the real call/park ref, not a masked placeholder")
}

func TestStateMachineResetClearsActiveSelection(t *testing.T) {
	cfg := DefaultQSOConfig()
	sm := newTestStateMachine(cfg)
	sm.state = StateS5WaitFinal
	sm.activeCallSelected = true

	sm.Reset()
	assert.Equal(t, StateS0Idle, sm.State())
	assert.False(t, sm.activeCallSelected)
}
