// Package rx rebuilds elements, letters and words from the key events of
// remote stations. State is kept per (call, session, channel); replayed,
// duplicated and stale events are dropped, and a lost up is recovered either
// from the next down or from a hold timeout.
package rx

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/internal/telemetry"
	"github.com/ryandielhenn/cwlink/pkg/classify"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/morse"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// Result is how an inbound event was handled. It doubles as a metrics label.
type Result string

const (
	Accepted   Result = "accepted"
	Malformed  Result = "malformed"
	Invalid    Result = "invalid"
	Protocol   Result = "protocol"
	Replay     Result = "replay"
	Debounced  Result = "debounce"
	Echo       Result = "echo"
	OutOfRange Result = "out_of_range"
	Failed     Result = "panic"
)

type Config struct {
	MyCall       string
	Channel      int
	SideRange    int
	Defaults     keyevent.Hints // local timing, used for absent hints
	Debounce     time.Duration
	MaxSessions  int
	SessionIdle  time.Duration
	ReceiveAudio bool
	Classifier   classify.Config
}

func DefaultConfig() Config {
	return Config{
		SideRange:    5,
		Defaults:     keyevent.Hints{DotMS: 100, DashMS: 300, LetterGapMS: 300, WordGapMS: 700},
		Debounce:     60 * time.Millisecond,
		MaxSessions:  256,
		SessionIdle:  10 * time.Minute,
		ReceiveAudio: true,
		Classifier:   classify.DefaultConfig(),
	}
}

// Callbacks are invoked from the dispatch context for same-channel traffic.
// Any may be nil.
type Callbacks struct {
	OnSymbol         func(key SessionKey, sym classify.Symbol, press, gapBefore time.Duration)
	OnLetter         func(key SessionKey, code string, r rune)
	OnWord           func(key SessionKey)
	OnRemoteActivity func(key SessionKey)
}

const (
	minLetterGapMS = 50
	minWordTailMS  = 50
	minForceUp     = 200 * time.Millisecond
)

// Reconstructor is not safe for concurrent use; feed it from the dispatch context.
type Reconstructor struct {
	sched      sched.Scheduler
	log        *zap.Logger
	cfg        Config
	cb         Callbacks
	dec        *keyevent.Decoder
	player     Player
	table      *sessionTable
	transcript *morse.Transcript
	sweepTimer sched.Handle
}

func New(s sched.Scheduler, cfg Config, player Player, log *zap.Logger, cb Callbacks) *Reconstructor {
	def := DefaultConfig()
	if cfg.Defaults == (keyevent.Hints{}) {
		cfg.Defaults = def.Defaults
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = def.MaxSessions
	}
	if cfg.SessionIdle <= 0 {
		cfg.SessionIdle = def.SessionIdle
	}
	if cfg.SideRange < 0 {
		cfg.SideRange = 0
	}
	if cfg.Classifier == (classify.Config{}) {
		cfg.Classifier = def.Classifier
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reconstructor{
		sched:      s,
		log:        log.Named("rx"),
		cfg:        cfg,
		cb:         cb,
		dec:        keyevent.NewDecoder(cfg.Defaults.Clamp()),
		player:     player,
		transcript: morse.NewTranscript(),
	}
	r.table = newSessionTable(cfg.MaxSessions, cfg.SessionIdle, r.onEvict)
	return r
}

func (r *Reconstructor) Transcript() *morse.Transcript { return r.transcript }
func (r *Reconstructor) Channel() int { return r.cfg.Channel }

// SetChannel retunes. Sessions that were on the old channel lose their
// pending letter and timers; they keep their sequence state.
func (r *Reconstructor) SetChannel(ch int) {
	if ch == r.cfg.Channel {
		return
	}
	r.table.each(func(s *session) {
		if s.key.Channel == r.cfg.Channel {
			s.cancelFinalize(r.sched)
			s.symbols, s.active = "", false
		}
	})
	r.cfg.Channel = ch
}

// SetDefaults changes the hints assumed for senders that omit them.
func (r *Reconstructor) SetDefaults(h keyevent.Hints) {
	r.cfg.Defaults = h.Clamp()
	r.dec.Defaults = r.cfg.Defaults
}

func (r *Reconstructor) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, r.table.len())
	r.table.each(func(s *session) { out = append(out, s.info()) })
	return out
}

// Close cancels every session timer and forgets all sessions.
func (r *Reconstructor) Close() {
	r.sched.Cancel(r.sweepTimer)
	r.sweepTimer = 0
	var keys []SessionKey
	r.table.each(func(s *session) { keys = append(keys, s.key) })
	for _, k := range keys {
		r.table.delete(k, evictClosed)
	}
}

// HandlePayload decodes and handles one transport message. Rejections are
// dropped here; the Result is informational.
func (r *Reconstructor) HandlePayload(payload []byte) Result {
	ev, err := r.dec.Decode(payload)
	if err != nil {
		res := Malformed
		switch {
		case errors.Is(err, keyevent.ErrProtocol):
			res = Protocol
		case errors.Is(err, keyevent.ErrInvalid):
			res = Invalid
		}
		r.log.Debug("drop payload", zap.String("result", string(res)), zap.Error(err))
		telemetry.EventsReceived.WithLabelValues(string(res)).Inc()
		return res
	}
	return r.Handle(ev)
}

// Handle applies one decoded event.
func (r *Reconstructor) Handle(ev keyevent.KeyEvent) Result {
	res := r.handle(ev)
	telemetry.EventsReceived.WithLabelValues(string(res)).Inc()
	return res
}

func (r *Reconstructor) handle(ev keyevent.KeyEvent) Result {
	if r.cfg.MyCall != "" && strings.EqualFold(strings.TrimSpace(ev.Call), r.cfg.MyCall) {
		return Echo
	}
	if in, _ := ProcessSideChannel(r.cfg.Channel, ev.Channel, r.cfg.SideRange); !in {
		return OutOfRange
	}

	now := r.sched.Now()
	key := keyOf(ev)
	s, ok := r.table.peek(key, now)
	if !ok {
		if n := r.table.evictStale(key); n > 0 {
			r.log.Debug("stale sessions evicted", zap.String("call", key.Call), zap.Int("channel", key.Channel), zap.Int("n", n))
		}
		s = r.newSession(key, ev.Hints)
		r.table.put(s, now)
		r.armSweep()
		telemetry.ActiveSessions.Set(float64(r.table.len()))
	}

	if s.hasSeq && ev.Seq <= s.lastSeq {
		return Replay
	}
	if s.lastEventType == ev.Event {
		if d := ev.EventTimeMS - s.lastEventMS; d >= 0 && d <= r.cfg.Debounce.Milliseconds() {
			return Debounced
		}
	}
	r.table.touch(s, now)
	s.lastSeq, s.hasSeq = ev.Seq, true
	s.lastEventType, s.lastEventMS = ev.Event, ev.EventTimeMS
	r.refreshHints(s, ev.Hints)

	same := key.Channel == r.cfg.Channel
	if same && r.cb.OnRemoteActivity != nil {
		r.cb.OnRemoteActivity(key)
	}

	return r.guard(s, func() {
		if ev.Event == keyevent.Down {
			r.onDown(s, ev.EventTimeMS)
		} else {
			r.onUp(s, ev.EventTimeMS)
		}
	})
}

func (r *Reconstructor) newSession(key SessionKey, h keyevent.Hints) *session {
	h = h.Clamp()
	return &session{
		key:        key,
		hints:      h,
		maxHoldMS:  h.MaxHoldMS(),
		classifier: classify.NewFromHints(h.DotMS, h.DashMS, r.cfg.Classifier),
	}
}

func (r *Reconstructor) refreshHints(s *session, h keyevent.Hints) {
	h = h.Clamp()
	if h == s.hints {
		return
	}
	if h.DotMS != s.hints.DotMS || h.DashMS != s.hints.DashMS {
		s.classifier.Rebase(h.DotMS, h.DashMS)
	}
	s.hints = h
	s.maxHoldMS = h.MaxHoldMS()
}

// guard isolates a panic to the session that raised it.
func (r *Reconstructor) guard(s *session, fn func()) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("session handler panic",
				zap.String("call", s.key.Call),
				zap.String("session", s.key.SessionID),
				zap.Int("channel", s.key.Channel),
				zap.Any("panic", p))
			r.table.delete(s.key, evictFailed)
			res = Failed
		}
	}()
	fn()
	return Accepted
}

func (r *Reconstructor) same(s *session) bool { return s.key.Channel == r.cfg.Channel }

func (r *Reconstructor) onDown(s *session, t int64) {
	same := r.same(s)
	if same {
		s.cancelFinalize(r.sched)
	}

	if s.isDown {
		// the previous up was lost; close it at this down
		prev := s.downMS
		var press int64
		if t > prev {
			press = min(s.maxHoldMS, max(1, t-prev))
		} else {
			press = max(1, min(s.maxHoldMS, s.hints.DashMS))
		}
		gap := s.gapBefore(prev)
		s.isDown = false
		s.lastUpMS, s.hasUp = prev+press, true
		telemetry.RecoveredUps.WithLabelValues("synthesized").Inc()
		r.consume(s, press, gap, false)
	}

	if same && s.hasUp {
		r.applyGap(s, max(0, t-s.lastUpMS))
	}

	s.isDown = true
	s.downMS = t
	r.sched.Cancel(s.forceTimer)
	s.forceTimer = r.sched.Schedule(max(time.Duration(s.maxHoldMS)*time.Millisecond, minForceUp), func() {
		r.guard(s, func() { r.forceUp(s) })
	})
}

func (r *Reconstructor) onUp(s *session, t int64) {
	if !s.isDown {
		return
	}
	press := max(1, t-s.downMS)
	gap := s.gapBefore(s.downMS)
	s.isDown = false
	s.lastUpMS, s.hasUp = t, true
	r.sched.Cancel(s.forceTimer)
	s.forceTimer = 0
	r.consume(s, press, gap, r.same(s))
}

func (r *Reconstructor) forceUp(s *session) {
	s.forceTimer = 0
	if !s.isDown {
		return
	}
	press := s.maxHoldMS
	gap := s.gapBefore(s.downMS)
	s.isDown = false
	s.lastUpMS, s.hasUp = s.downMS+press, true
	telemetry.RecoveredUps.WithLabelValues("forced").Inc()
	r.log.Debug("forced up", zap.String("call", s.key.Call), zap.Int64("press_ms", press))
	r.consume(s, press, gap, r.same(s))
}

func (s *session) gapBefore(downMS int64) int64 {
	if !s.hasUp {
		return 0
	}
	return max(0, downMS-s.lastUpMS)
}

// consume turns one press into a symbol on the tuned channel, or into a
// faint replay on a neighbouring one.
func (r *Reconstructor) consume(s *session, pressMS, gapMS int64, arm bool) {
	press, gap := time.Duration(pressMS)*time.Millisecond, time.Duration(gapMS)*time.Millisecond
	in, offset := ProcessSideChannel(r.cfg.Channel, s.key.Channel, r.cfg.SideRange)
	if !r.same(s) {
		if in && r.player != nil {
			r.player.Enqueue(offset, press, gap, true)
		}
		return
	}

	sym := classify.ClassifyOr(s.classifier, float64(pressMS), s.hints.DotMS, s.hints.DashMS)
	s.symbols += sym.String()
	s.active = true
	r.transcript.Raw(sym.String())
	if r.cb.OnSymbol != nil {
		r.cb.OnSymbol(s.key, sym, press, gap)
	}
	if r.player != nil {
		r.player.Enqueue(offset, press, gap, r.cfg.ReceiveAudio)
	}
	if arm {
		r.armFinalize(s)
	}
}

func (r *Reconstructor) applyGap(s *session, gapMS int64) {
	switch {
	case gapMS >= s.hints.WordGapMS:
		r.flushLetter(s)
		r.flushWord(s)
	case gapMS >= s.hints.LetterGapMS:
		r.flushLetter(s)
	}
}

func (r *Reconstructor) flushLetter(s *session) bool {
	if s.symbols == "" {
		return false
	}
	code := s.symbols
	s.symbols = ""
	letter := morse.Letter(code)
	r.transcript.CloseLetter(letter)
	telemetry.Letters.WithLabelValues("rx").Inc()
	if r.cb.OnLetter != nil {
		r.cb.OnLetter(s.key, code, letter)
	}
	return true
}

func (r *Reconstructor) flushWord(s *session) {
	if !s.active {
		return
	}
	s.active = false
	r.transcript.CloseWord()
	if r.cb.OnWord != nil {
		r.cb.OnWord(s.key)
	}
}

// armFinalize resolves letter and word boundaries locally, since a silent
// sender produces no events.
func (r *Reconstructor) armFinalize(s *session) {
	letter := max(minLetterGapMS, s.hints.LetterGapMS)
	word := max(letter+minWordTailMS, s.hints.WordGapMS)
	tail := max(minWordTailMS, word-letter)

	s.cancelFinalize(r.sched)
	s.letterTimer = r.sched.Schedule(time.Duration(letter)*time.Millisecond, func() {
		r.guard(s, func() {
			s.letterTimer = 0
			if r.flushLetter(s) {
				s.wordTimer = r.sched.Schedule(time.Duration(tail)*time.Millisecond, func() {
					r.guard(s, func() {
						s.wordTimer = 0
						r.flushWord(s)
					})
				})
			}
		})
	})
}

func (r *Reconstructor) onEvict(s *session, reason string) {
	s.cancelTimers(r.sched)
	telemetry.ActiveSessions.Set(float64(r.table.len()))
	r.log.Debug("session evicted",
		zap.String("call", s.key.Call),
		zap.String("session", s.key.SessionID),
		zap.Int("channel", s.key.Channel),
		zap.String("reason", reason))
}

func (r *Reconstructor) armSweep() {
	if r.sweepTimer != 0 {
		return
	}
	r.sweepTimer = r.sched.Schedule(r.cfg.SessionIdle/2, func() {
		r.sweepTimer = 0
		if n := r.table.sweep(r.sched.Now()); n > 0 {
			telemetry.ActiveSessions.Set(float64(r.table.len()))
		}
		if r.table.len() > 0 {
			r.armSweep()
		}
	})
}
