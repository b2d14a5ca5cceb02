package tx

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/audio"
	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyer"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/morse"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// Observer receives the locally keyed stream. Any field may be nil.
type Observer struct {
	OnSymbol func(sym classify.Symbol, press, gapBefore time.Duration)
	OnLetter func(r rune)
	OnWord   func()
	OnEvent  func(ev keyevent.KeyEvent)
}

// Runtime is the transmit side of a station.
type Runtime struct {
	sched sched.Scheduler
	log   *zap.Logger
	cfg   Config
	dev   audio.Device
	obs   Observer

	keyer      *keyer.Keyer
	classifier *classify.Classifier
	transcript *morse.Transcript
	queue      *sendQueue

	sessionID   string
	origin      time.Duration
	seq         uint64
	lastEventMS int64

	letterTimer sched.Handle
	wordTimer   sched.Handle
	pendingUp   sched.Handle
	pendingUpMS int64

	lockedUntil time.Duration
	lastRelease time.Duration
	released    bool
	pressGap    time.Duration
	toneOwned   bool
	held        map[string]bool
}

func New(s sched.Scheduler, cfg Config, dev audio.Device, pub Publisher, log *zap.Logger, obs Observer) (*Runtime, error) {
	if strings.TrimSpace(cfg.Call) == "" {
		return nil, fmt.Errorf("tx: call sign is required")
	}
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	if dev == nil {
		dev = audio.Null{}
	}
	r := &Runtime{
		sched:      s,
		log:        log.Named("tx"),
		cfg:        cfg,
		dev:        dev,
		obs:        obs,
		classifier: classify.NewFromHints(cfg.Timing.DotMS, cfg.Timing.DashMS, cfg.Classifier),
		transcript: morse.NewTranscript(),
		held:       make(map[string]bool),
	}
	r.queue = &sendQueue{sched: s, pub: pub, log: r.log, cfg: &r.cfg}
	r.keyer = keyer.New(s, cfg.Mode, ms(cfg.Timing.DotMS), ms(cfg.Timing.DashMS), keyer.Callbacks{
		OnManualDown: r.onManualDown,
		OnManualUp:   r.onManualUp,
		OnElement:    r.onElement,
		OnStopped:    r.onAutoStopped,
	})
	r.NewSession()
	return r, nil
}

// NewSession starts a fresh session identity: new id, seq from 1 and a new
// event clock origin. Receivers evict the previous session on first contact.
func (r *Runtime) NewSession() string {
	r.sessionID = fmt.Sprintf("%s-%d-%s", strings.ToUpper(r.cfg.Call), time.Now().UnixMilli(), uuid.NewString()[:8])
	r.origin = r.sched.Now()
	r.seq = 0
	r.lastEventMS = -1
	r.log.Info("tx session", zap.String("session", r.sessionID))
	return r.sessionID
}

func (r *Runtime) SessionID() string { return r.sessionID }
func (r *Runtime) Config() Config { return r.cfg }
func (r *Runtime) Transcript() *morse.Transcript { return r.transcript }
func (r *Runtime) Keyer() *keyer.Keyer { return r.keyer }
func (r *Runtime) QueueLen() int { return r.queue.len() }

func (r *Runtime) SetChannel(ch int) { r.cfg.Channel = ch }

// SetTiming applies new local timing to the keyer, the classifier and the hints.
func (r *Runtime) SetTiming(h keyevent.Hints) {
	r.cfg.Timing = h.Clamp()
	r.keyer.SetTiming(ms(r.cfg.Timing.DotMS), ms(r.cfg.Timing.DashMS))
	r.classifier.Rebase(r.cfg.Timing.DotMS, r.cfg.Timing.DashMS)
}

// SetMode switches discipline; any active keying is stopped first.
func (r *Runtime) SetMode(m keyer.Mode) {
	r.cfg.Mode = m
	r.keyer.SetMode(m)
	r.sendPendingUp()
}

// NoteRemoteActivity locks local transmission for the lock tail.
func (r *Runtime) NoteRemoteActivity() {
	r.lockedUntil = r.sched.Now() + max(r.cfg.LockTail, minLockTail)
}

func (r *Runtime) Locked() bool { return r.sched.Now() < r.lockedUntil }

func (r *Runtime) refuse(reason string) bool {
	telemetry.TxRefused.WithLabelValues(reason).Inc()
	r.log.Debug("press refused", zap.String("reason", reason))
	return false
}

// PressManual starts a straight-key hold. It returns false when the press was
// refused (locked, wrong mode, already held or the paddle keyer is running).
func (r *Runtime) PressManual() bool {
	switch {
	case r.cfg.Mode != keyer.Straight:
		return r.refuse("mode")
	case r.keyer.ManualPressed():
		return false
	case r.Locked():
		return r.refuse("locked")
	case r.keyer.AutoActive():
		return r.refuse("busy")
	}
	r.stopGapTimers()
	r.keyer.ManualPress()
	return true
}

func (r *Runtime) ReleaseManual() bool {
	_, ok := r.keyer.ManualRelease(true)
	return ok
}

// Press routes a paddle contact. dah selects the dah contact.
func (r *Runtime) Press(dah bool) bool {
	switch {
	case r.cfg.Mode == keyer.Straight:
		return r.refuse("mode")
	case r.Locked():
		return r.refuse("locked")
	case r.keyer.ManualPressed():
		return r.refuse("busy")
	}
	r.stopGapTimers()
	if dah {
		r.keyer.PressDah()
	} else {
		r.keyer.PressDit()
	}
	return true
}

func (r *Runtime) Release(dah bool) bool {
	if r.cfg.Mode == keyer.Straight {
		return false
	}
	if dah {
		r.keyer.ReleaseDah()
	} else {
		r.keyer.ReleaseDit()
	}
	return true
}

// KeyDown maps a logical key to the active discipline. Auto-repeat and
// unmapped keys are ignored.
func (r *Runtime) KeyDown(key string, autoRepeat bool) bool {
	if autoRepeat || r.held[key] {
		return false
	}
	var ok bool
	switch {
	case r.cfg.Mode == keyer.Straight && key == r.cfg.DitKey:
		ok = r.PressManual()
	case r.cfg.Mode != keyer.Straight && key == r.cfg.DitKey:
		ok = r.Press(false)
	case r.cfg.Mode != keyer.Straight && key == r.cfg.DahKey:
		ok = r.Press(true)
	}
	if ok {
		r.held[key] = true
	}
	return ok
}

func (r *Runtime) KeyUp(key string, autoRepeat bool) bool {
	if autoRepeat {
		return false
	}
	delete(r.held, key)
	switch {
	case r.cfg.Mode == keyer.Straight && key == r.cfg.DitKey:
		return r.ReleaseManual()
	case key == r.cfg.DitKey:
		return r.Release(false)
	case key == r.cfg.DahKey:
		return r.Release(true)
	}
	return false
}

// StopAll drops any hold or automatic keying. A scheduled up is sent now so
// receivers are not left holding a down.
func (r *Runtime) StopAll() {
	if r.keyer.ManualPressed() {
		r.ReleaseManual()
	}
	r.keyer.StopAll(true)
	r.sendPendingUp()
	clear(r.held)
}

// Close stops keying and drains the outbound queue synchronously.
func (r *Runtime) Close() {
	r.StopAll()
	r.stopGapTimers()
	r.queue.stop()
	r.queue.flush(0)
}

func (r *Runtime) nowMS() int64 { return (r.sched.Now() - r.origin).Milliseconds() }

func (r *Runtime) gapBefore() time.Duration {
	if !r.released {
		return 0
	}
	gap := r.sched.Now() - r.lastRelease
	if gap > maxPressSpace {
		return 0
	}
	return gap
}

func (r *Runtime) onManualDown() {
	r.pressGap = r.gapBefore()
	if !r.dev.IsPlaying() {
		r.dev.Start(r.cfg.SendAudio)
		r.toneOwned = true
	}
	r.emit(keyevent.Down, r.nowMS())
}

func (r *Runtime) onManualUp(held time.Duration) {
	if r.toneOwned {
		r.dev.Stop()
		r.toneOwned = false
	}
	gap := r.pressGap
	sym := classify.ClassifyOr(r.classifier, float64(held.Milliseconds()), r.cfg.Timing.DotMS, r.cfg.Timing.DashMS)
	r.log.Debug("manual up", zap.Duration("held", held), zap.Stringer("symbol", sym))
	r.appendSymbol(sym, held, gap)
	r.startLetterTimer()
	r.emit(keyevent.Up, r.nowMS())
	r.lastRelease, r.released = r.sched.Now(), true
}

func (r *Runtime) onElement(ev keyer.ElementEvent) {
	r.sendPendingUp()
	gap := r.gapBefore()
	downMS := r.nowMS()
	r.emit(keyevent.Down, downMS)
	r.pendingUpMS = downMS + ev.KeyDown.Milliseconds()
	r.pendingUp = r.sched.Schedule(max(ev.KeyDown, time.Millisecond), r.sendPendingUp)

	if !r.dev.IsPlaying() {
		r.dev.PlayForDuration(ev.KeyDown, r.cfg.SendAudio, ev.Gap)
	}
	sym := classify.Dot
	if ev.Element == keyer.Dah {
		sym = classify.Dash
	}
	r.appendSymbol(sym, ev.KeyDown, gap)
}

func (r *Runtime) sendPendingUp() {
	if r.pendingUp == 0 {
		return
	}
	r.sched.Cancel(r.pendingUp)
	r.pendingUp = 0
	r.emit(keyevent.Up, min(r.pendingUpMS, r.nowMS()))
	r.lastRelease, r.released = r.sched.Now(), true
}

func (r *Runtime) onAutoStopped() {
	r.dev.StopPlayForDuration()
	r.startLetterTimer()
}

func (r *Runtime) appendSymbol(sym classify.Symbol, press, gap time.Duration) {
	r.transcript.Symbol(sym.String())
	if r.obs.OnSymbol != nil {
		r.obs.OnSymbol(sym, press, gap)
	}
}

func (r *Runtime) stopGapTimers() {
	r.sched.Cancel(r.letterTimer)
	r.sched.Cancel(r.wordTimer)
	r.letterTimer, r.wordTimer = 0, 0
}

func (r *Runtime) startLetterTimer() {
	r.stopGapTimers()
	r.letterTimer = r.sched.Schedule(ms(r.cfg.Timing.LetterGapMS), r.onLetterTimer)
}

func (r *Runtime) onLetterTimer() {
	r.letterTimer = 0
	letter, ok := r.transcript.EndLetter()
	if !ok {
		return
	}
	telemetry.Letters.WithLabelValues("tx").Inc()
	if r.obs.OnLetter != nil {
		r.obs.OnLetter(letter)
	}
	tail := max(ms(r.cfg.Timing.WordGapMS-r.cfg.Timing.LetterGapMS), minWordTail)
	r.wordTimer = r.sched.Schedule(tail, r.onWordTimer)
}

func (r *Runtime) onWordTimer() {
	r.wordTimer = 0
	r.transcript.EndWord()
	if r.obs.OnWord != nil {
		r.obs.OnWord()
	}
}

// emit stamps and enqueues one event. Event times never repeat or decrease
// within a session.
func (r *Runtime) emit(t keyevent.Type, atMS int64) {
	at := max(atMS, 0)
	if at <= r.lastEventMS {
		at = r.lastEventMS + 1
	}
	r.lastEventMS = at
	r.seq++
	ev := keyevent.KeyEvent{
		Protocol:    keyevent.ProtocolName,
		Version:     keyevent.ProtocolVersion,
		SessionID:   r.sessionID,
		Seq:         r.seq,
		Call:        r.cfg.Call,
		Channel:     r.cfg.Channel,
		Event:       t,
		EventTimeMS: at,
		KeyerMode:   string(r.cfg.Mode),
		Hints:       r.cfg.Timing,
	}
	payload, err := keyevent.Encode(ev)
	if err != nil {
		r.log.Warn("encode key event", zap.Error(err))
		return
	}
	r.queue.push(outbound{topic: keyevent.Topic(r.cfg.TopicPrefix, ev.Channel), payload: payload, event: t})
	if r.obs.OnEvent != nil {
		r.obs.OnEvent(ev)
	}
}
