package cw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := DefaultConfig()
	cfg.QSO.CQMode = "SIMPLE"
	cfg.QSO.MyCall = "K1ABC"
	cfg.QSO.OtherCall = "W1AW"
	sm := NewStateMachine(cfg.QSO, DefaultExchangePatterns(), NewMathRNG(3), SystemClock{}, NopEventSink{})
	dec := NewDecoder(cfg.Decoder, NopEventSink{}, SystemClock{})
	enc := NewEncoder(cfg.Encoder)
	keyer := NewKeyer(cfg.Keyer)
	return NewRuntime(cfg, nil, nil, sm, dec, enc, keyer, NopEventSink{}, SystemClock{}, NewMathRNG(3))
}

func TestRuntimeStartStopIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Start())
	require.NoError(t, rt.Start())
	rt.Stop()
	rt.Stop()
}

func TestRuntimeFeedTextDrivesStateMachine(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Start())
	defer rt.Stop()

	var replies []string
	done := make(chan struct{}, 1)
	rt.OnReply = func(text string) {
		replies = append(replies, text)
		select {
		case done <- struct{}{}:
		default:
		}
	}

	rt.FeedText("CQ DE K1ABC K")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a reply to the CQ call")
	}
	require.NotEmpty(t, replies)
	assert.Equal(t, StateS2WaitMyAckCall, rt.sm.State())
}

func TestRuntimePauseStopsDeliveringToStateMachine(t *testing.T) {
	rt := newTestRuntime(t)

	rt.state = RuntimeRunning
	rt.Pause()
	rt.onAudioBlock(make([]float32, 16))
	assert.Equal(t, 0, len(rt.audioQueue), "paused runtime must not enqueue audio blocks")

	rt.Resume()
	rt.onAudioBlock(make([]float32, 16))
	assert.Equal(t, 1, len(rt.audioQueue), "resumed runtime should enqueue audio blocks again")
}

func TestRuntimeAudioQueueOverrunEmitsEventAndDropsOldest(t *testing.T) {
	sink := NewChannelEventSink(4)
	rt := newTestRuntime(t)
	rt.sink = sink
	rt.state = RuntimeRunning

	capacity := cap(rt.audioQueue)
	for i := 0; i < capacity; i++ {
		rt.onAudioBlock([]float32{float32(i)})
	}
	rt.onAudioBlock([]float32{9999})

	var gotOverrun bool
	for {
		select {
		case e := <-sink.C:
			if e.Kind == EventDecoderOverrun {
				gotOverrun = true
			}
		default:
			goto done
		}
	}
done:
	assert.True(t, gotOverrun, "expected a decoder.overrun event once the audio queue filled")

	first := <-rt.audioQueue
	assert.NotEqual(t, float32(0), first[0], "oldest block should have been dropped")
}

func TestRuntimeResetDrainsQueuesAndClearsStateMachine(t *testing.T) {
	rt := newTestRuntime(t)
	rt.audioQueue <- []float32{1}
	rt.messageQueue <- DecodedMessage{Text: "HELLO"}
	rt.txQueue <- "RR"
	rt.sm.state = StateS5WaitFinal
	rt.sm.activeCallSelected = true

	rt.cancelTx = make(chan struct{}, 1)
	rt.Reset()

	assert.Equal(t, 0, len(rt.audioQueue))
	assert.Equal(t, 0, len(rt.messageQueue))
	assert.Equal(t, 0, len(rt.txQueue))
	assert.Equal(t, StateS0Idle, rt.sm.State())
	assert.False(t, rt.sm.activeCallSelected)
}

func TestRuntimePickTXParamsUsesFixedValuesWithoutRange(t *testing.T) {
	rt := newTestRuntime(t)
	rt.pickTXParams()
	assert.Equal(t, rt.cfg.Encoder.WPM, rt.currentWPM)
	assert.Equal(t, rt.cfg.Encoder.ToneHz, rt.currentTone)
}

func TestRuntimePickTXParamsDrawsWithinConfiguredRange(t *testing.T) {
	rt := newTestRuntime(t)
	rt.cfg.TXWPMStart = 15
	rt.cfg.TXWPMEnd = 25
	rt.cfg.TXToneStartHz = 500
	rt.cfg.TXToneEndHz = 700

	for i := 0; i < 20; i++ {
		rt.pickTXParams()
		assert.GreaterOrEqual(t, rt.currentWPM, 15.0)
		assert.LessOrEqual(t, rt.currentWPM, 25.0)
		assert.GreaterOrEqual(t, rt.currentTone, 500.0)
		assert.LessOrEqual(t, rt.currentTone, 700.0)
	}
}

func TestRuntimeKeyPaddleScriptLoopsBackIntoDecoder(t *testing.T) {
	rt := newTestRuntime(t)
	rt.decoder.cfg.MessageGapSeconds = 0.2
	rt.decoder.cfg.AutoTone = false
	rt.decoder.cfg.AutoWPM = false
	rt.decoder.cfg.WPMTarget = 20

	var got string
	rt.decoder.OnMessage = func(m DecodedMessage) { got += m.Text }

	rt.KeyPaddleScript(".")

	block := rt.decoder.cfg.BlockSize
	silence := make([]float32, block*80)
	for off := 0; off+block <= len(silence); off += block {
		rt.decoder.ProcessBlock(silence[off : off+block])
	}

	assert.Equal(t, "E", got)
}

func TestRuntimeKeyPaddleScriptAlternatesIambicElements(t *testing.T) {
	rt := newTestRuntime(t)
	rt.decoder.cfg.MessageGapSeconds = 0.2
	rt.decoder.cfg.AutoTone = false
	rt.decoder.cfg.AutoWPM = false
	rt.decoder.cfg.WPMTarget = 20
	rt.keyer.lastElementSent = '.'

	var got string
	rt.decoder.OnMessage = func(m DecodedMessage) { got += m.Text }

	// Squeezing both paddles for two elements repeats the last element sent
	// ('.') before toggling, per mode A: ".-" decodes to 'A'.
	rt.KeyPaddleScript("==")

	block := rt.decoder.cfg.BlockSize
	silence := make([]float32, block*80)
	for off := 0; off+block <= len(silence); off += block {
		rt.decoder.ProcessBlock(silence[off : off+block])
	}

	assert.Equal(t, "A", got)
}

func TestRuntimeExportSessionIncludesSessionLog(t *testing.T) {
	rt := newTestRuntime(t)
	rt.SessionLog = append(rt.SessionLog, SessionLogEntry{Call: "W1AW", WPMUsed: 20})
	export := rt.ExportSession()
	log, ok := export["session_log"].([]SessionLogEntry)
	require.True(t, ok)
	require.Len(t, log, 1)
	assert.Equal(t, "W1AW", log[0].Call)
}

func TestRuntimeSessionLogReadsP2PFromCompletionRecordNotLiveState(t *testing.T) {
	rt := newTestRuntime(t)
	rt.sm.completions = append(rt.sm.completions, QSOCompletion{
		TimestampUTC: "2026-01-01T00:00:00.000000+00:00",
		MyCall:       "K1ABC",
		OtherCall:    "US1234",
		IsP2P:        true,
		ParkRef:      "ES-0001",
	})
	// A completed QSO always leaves these live fields reset, same as
	// completeQSOWithReply does; the session log must not read them.
	rt.sm.activeIsP2P = false
	rt.sm.activeP2PParkRef = ""

	rt.handleMessage(DecodedMessage{Text: "NOISE"})

	require.Len(t, rt.SessionLog, 1)
	assert.True(t, rt.SessionLog[0].P2P)
	assert.Equal(t, "ES-0001", rt.SessionLog[0].ParkRef)
}
