package rx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

const ms = time.Millisecond

var hints = keyevent.Hints{DotMS: 100, DashMS: 300, LetterGapMS: 240, WordGapMS: 560}

type enqueued struct {
	offset     int
	press, gap time.Duration
	audible    bool
}

type fixture struct {
	s        *sched.Manual
	rx       *Reconstructor
	played   []enqueued
	symbols  strings.Builder
	text     strings.Builder
	activity int
	panicOn  string
}

func (f *fixture) Enqueue(offset int, press, gap time.Duration, audible bool) {
	f.played = append(f.played, enqueued{offset, press, gap, audible})
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{s: sched.NewManual()}
	cfg := DefaultConfig()
	cfg.MyCall = "ME1ABC"
	cfg.Channel = 7000
	f.rx = New(f.s, cfg, f, nil, Callbacks{
		OnSymbol: func(k SessionKey, sym classify.Symbol, _, _ time.Duration) {
			if k.Call == f.panicOn {
				panic("callback failure")
			}
			f.symbols.WriteString(sym.String())
		},
		OnLetter:         func(_ SessionKey, _ string, r rune) { f.text.WriteRune(r) },
		OnWord:           func(SessionKey) { f.text.WriteByte(' ') },
		OnRemoteActivity: func(SessionKey) { f.activity++ },
	})
	return f
}

type station struct {
	call, session string
	channel       int
	seq           uint64
}

func (st *station) ev(t keyevent.Type, at int64) keyevent.KeyEvent {
	st.seq++
	return keyevent.KeyEvent{
		Protocol: keyevent.ProtocolName, Version: keyevent.ProtocolVersion,
		SessionID: st.session, Seq: st.seq, Call: st.call, Channel: st.channel,
		Event: t, EventTimeMS: at, KeyerMode: "straight", Hints: hints,
	}
}

func (f *fixture) send(t *testing.T, st *station, typ keyevent.Type, at int64) {
	t.Helper()
	require.Equal(t, Accepted, f.rx.Handle(st.ev(typ, at)))
}

func TestGapClassification(t *testing.T) {
	cases := []struct {
		gap      int64
		wantText string
		pending  string
	}{
		{600, "E ", "."},
		{300, "E", "."},
		{100, "", ".."},
	}
	for _, c := range cases {
		f := newFixture(t)
		st := &station{call: "k2xyz", session: "S1", channel: 7000}
		f.send(t, st, keyevent.Down, 0)
		f.send(t, st, keyevent.Up, 80)
		f.send(t, st, keyevent.Down, 80+c.gap)
		f.send(t, st, keyevent.Up, 160+c.gap)

		assert.Equal(t, c.wantText, f.text.String(), "gap %d", c.gap)
		sessions := f.rx.Sessions()
		require.Len(t, sessions, 1)
		assert.Equal(t, c.pending, sessions[0].Pending, "gap %d", c.gap)
	}
}

func TestEndToEndBurstEmitsLetterBeforeNextDown(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)
	f.send(t, st, keyevent.Up, 80)
	f.send(t, st, keyevent.Down, 260)
	f.send(t, st, keyevent.Up, 340)
	assert.Empty(t, f.text.String())
	f.send(t, st, keyevent.Down, 800)

	assert.Equal(t, "I", f.text.String())
	assert.Equal(t, "..", f.symbols.String())
	s := f.rx.Sessions()[0]
	assert.True(t, s.IsDown)
	assert.Equal(t, "", s.Pending)
	assert.Equal(t, "K2XYZ", s.Call)
}

func TestEndToEndRealTimeUsesTimers(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	at := func(ms int64, typ keyevent.Type) {
		f.s.AdvanceTo(time.Duration(ms) * time.Millisecond)
		f.send(t, st, typ, ms)
	}
	at(0, keyevent.Down)
	at(80, keyevent.Up)
	at(260, keyevent.Down)
	at(340, keyevent.Up)
	f.s.AdvanceTo(580 * ms)
	assert.Equal(t, "I", f.text.String(), "letter timer at up+240")
	at(800, keyevent.Down)
	at(880, keyevent.Up)
	assert.Equal(t, "I", f.text.String(), "no second letter yet")

	f.s.AdvanceTo(3 * time.Second)
	assert.Equal(t, "IE ", f.text.String())
	assert.Equal(t, ".././/", f.rx.Transcript().Morse())
}

func TestReplayIsNoOp(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	down := st.ev(keyevent.Down, 0)
	require.Equal(t, Accepted, f.rx.Handle(down))
	up := st.ev(keyevent.Up, 90)
	require.Equal(t, Accepted, f.rx.Handle(up))

	before := f.rx.Sessions()
	assert.Equal(t, Replay, f.rx.Handle(up))
	assert.Equal(t, Replay, f.rx.Handle(down))
	assert.Equal(t, before, f.rx.Sessions())
	assert.Equal(t, ".", f.symbols.String())
}

func TestReplayKeepsIdleClock(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	down := st.ev(keyevent.Down, 0)
	require.Equal(t, Accepted, f.rx.Handle(down))
	up := st.ev(keyevent.Up, 90)
	require.Equal(t, Accepted, f.rx.Handle(up))

	f.s.AdvanceTo(5 * time.Minute)
	require.Equal(t, Replay, f.rx.Handle(up))
	require.Equal(t, Debounced, f.rx.Handle(st.ev(keyevent.Up, 100)))
	sessions := f.rx.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, time.Duration(0), sessions[0].LastSeen)

	if _, ok := f.rx.table.peek(sessions[0].SessionKey, 10*time.Minute+time.Second); ok {
		t.Fatalf("session still live 10m after its last accepted event")
	}
}

func TestDebounceDropsNearDuplicates(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)
	assert.Equal(t, Debounced, f.rx.Handle(st.ev(keyevent.Down, 30)))
	assert.Equal(t, Debounced, f.rx.Handle(st.ev(keyevent.Down, 60)))

	// a down 100ms later means the up was lost: synthesize it
	f.send(t, st, keyevent.Down, 100)
	assert.Equal(t, ".", f.symbols.String())
	assert.True(t, f.rx.Sessions()[0].IsDown)
}

func TestSynthesizedUpIsBoundedByMaxHold(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)
	f.send(t, st, keyevent.Down, 5000)
	require.Len(t, f.played, 1)
	assert.Equal(t, 1200*ms, f.played[0].press)
	assert.Equal(t, "-", f.symbols.String())
}

func TestForceUpAfterMaxHold(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)

	f.s.AdvanceTo(1199 * ms)
	assert.Empty(t, f.symbols.String())
	f.s.AdvanceTo(1200 * ms)
	assert.Equal(t, "-", f.symbols.String())
	assert.False(t, f.rx.Sessions()[0].IsDown)

	f.s.AdvanceTo(1200*ms + 240*ms)
	assert.Equal(t, "T", f.text.String())
	f.s.AdvanceTo(1200*ms + 560*ms)
	assert.Equal(t, "T ", f.text.String())

	// the late up is ignored
	f.send(t, st, keyevent.Up, 1500)
	assert.Equal(t, "-", f.symbols.String())
}

func TestNewSessionEvictsStale(t *testing.T) {
	f := newFixture(t)
	old := &station{call: "K2XYZ", session: "OLD", channel: 7000}
	f.send(t, old, keyevent.Down, 0)

	fresh := &station{call: "k2xyz", session: "NEW", channel: 7000}
	f.send(t, fresh, keyevent.Up, 10)

	sessions := f.rx.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "NEW", sessions[0].SessionID)

	// the evicted session's force-up timer must not fire
	f.s.Advance(5 * time.Second)
	assert.Empty(t, f.symbols.String())
}

func TestEchoAndRangeFiltering(t *testing.T) {
	f := newFixture(t)
	me := &station{call: "me1abc", session: "S", channel: 7000}
	assert.Equal(t, Echo, f.rx.Handle(me.ev(keyevent.Down, 0)))

	far := &station{call: "K2XYZ", session: "S", channel: 7010}
	assert.Equal(t, OutOfRange, f.rx.Handle(far.ev(keyevent.Down, 0)))
	assert.Empty(t, f.rx.Sessions())
	assert.Equal(t, 0, f.activity)
}

func TestSideChannelBleedsWithoutDecode(t *testing.T) {
	f := newFixture(t)
	side := &station{call: "K2XYZ", session: "S", channel: 7003}
	f.send(t, side, keyevent.Down, 0)
	f.send(t, side, keyevent.Up, 90)

	assert.Empty(t, f.symbols.String())
	assert.Equal(t, 0, f.activity)
	require.Len(t, f.played, 1)
	assert.Equal(t, enqueued{offset: 8, press: 90 * ms, gap: 0, audible: true}, f.played[0])

	same := &station{call: "K3AAA", session: "S", channel: 7000}
	f.send(t, same, keyevent.Down, 0)
	f.send(t, same, keyevent.Up, 250)
	assert.Equal(t, "-", f.symbols.String())
	assert.Equal(t, 2, f.activity)
	assert.Equal(t, 5, f.played[1].offset)
}

func TestPanicIsolatedToSession(t *testing.T) {
	f := newFixture(t)
	f.panicOn = "BAD"
	bad := &station{call: "bad", session: "S", channel: 7000}
	good := &station{call: "GOOD", session: "S", channel: 7000}

	f.send(t, good, keyevent.Down, 0)
	f.send(t, bad, keyevent.Down, 0)
	assert.Equal(t, Failed, f.rx.Handle(bad.ev(keyevent.Up, 80)))
	f.send(t, good, keyevent.Up, 80)

	sessions := f.rx.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "GOOD", sessions[0].Call)
	assert.Equal(t, ".", f.symbols.String())
}

func TestHandlePayloadRejects(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Malformed, f.rx.HandlePayload([]byte("{")))
	assert.Equal(t, Protocol, f.rx.HandlePayload([]byte(
		`{"protocol":"x","version":2,"session_id":"S","seq":1,"myCall":"K","myChannel":7000,"event":"down","event_time_ms":0}`)))
	assert.Equal(t, Invalid, f.rx.HandlePayload([]byte(
		`{"protocol":"morselink.keyevent","version":2,"session_id":"S","seq":1,"myCall":"K","myChannel":7000,"event":"hold","event_time_ms":0}`)))

	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	b, err := keyevent.Encode(st.ev(keyevent.Down, 0))
	require.NoError(t, err)
	assert.Equal(t, Accepted, f.rx.HandlePayload(b))
}

func TestSetChannelDropsPendingLetter(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)
	f.send(t, st, keyevent.Up, 80)
	f.rx.SetChannel(7002)
	f.s.Advance(2 * time.Second)
	assert.Empty(t, f.text.String())
	assert.Equal(t, 7002, f.rx.Channel())

	// the same session is now a side channel
	f.send(t, st, keyevent.Down, 500)
	f.send(t, st, keyevent.Up, 580)
	assert.Equal(t, ".", f.symbols.String())
	assert.Equal(t, 3, f.played[len(f.played)-1].offset)
}

func TestCloseCancelsTimers(t *testing.T) {
	f := newFixture(t)
	st := &station{call: "K2XYZ", session: "S1", channel: 7000}
	f.send(t, st, keyevent.Down, 0)
	f.rx.Close()
	assert.Empty(t, f.rx.Sessions())
	assert.Equal(t, 0, f.s.Pending())
}
