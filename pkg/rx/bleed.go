package rx

import (
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/pkg/audio"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// ProcessSideChannel reports whether side lies within current±span and, if
// so, its offset from the bottom of that window. current itself maps to span.
func ProcessSideChannel(current, side, span int) (inRange bool, offset int) {
	lo, hi := current-span, current+span
	if side < lo || side > hi {
		return false, 0
	}
	return true, side - lo
}

// Player replays received presses per channel offset.
type Player interface {
	Enqueue(offset int, press, gapBefore time.Duration, audible bool)
}

// DeviceFunc picks the sink for a channel offset.
type DeviceFunc func(offset int) audio.Device

// BleedRouter owns one gap-preserving player per offset. Presses queue in
// arrival order; each starts gapBefore after the previous one ended, or
// immediately when network delay already consumed the gap.
type BleedRouter struct {
	sched   sched.Scheduler
	log     *zap.Logger
	devices DeviceFunc
	players map[int]*channelPlayer
}

func NewBleedRouter(s sched.Scheduler, devices DeviceFunc, log *zap.Logger) *BleedRouter {
	if log == nil {
		log = zap.NewNop()
	}
	if devices == nil {
		devices = func(int) audio.Device { return audio.Null{} }
	}
	return &BleedRouter{sched: s, log: log.Named("bleed"), devices: devices, players: make(map[int]*channelPlayer)}
}

func (b *BleedRouter) Enqueue(offset int, press, gapBefore time.Duration, audible bool) {
	p, ok := b.players[offset]
	if !ok {
		p = &channelPlayer{sched: b.sched, dev: b.devices(offset), offset: offset, log: b.log}
		b.players[offset] = p
	}
	p.enqueue(playItem{press: max(press, time.Millisecond), gap: max(gapBefore, 0), audible: audible})
}

// Busy reports whether the offset has a press playing or queued.
func (b *BleedRouter) Busy(offset int) bool {
	p, ok := b.players[offset]
	return ok && (p.current != nil || len(p.pending) > 0)
}

// Reset drops every queued press, e.g. after a retune.
func (b *BleedRouter) Reset() {
	for off, p := range b.players {
		p.stop()
		delete(b.players, off)
	}
}

type playItem struct {
	press, gap time.Duration
	audible    bool
	start      time.Duration
}

type channelPlayer struct {
	sched  sched.Scheduler
	dev    audio.Device
	log    *zap.Logger
	offset int

	pending     []playItem
	current     *playItem
	lastRelease time.Duration
	released    bool
	timer       sched.Handle
}

func (p *channelPlayer) enqueue(it playItem) {
	p.pending = append(p.pending, it)
	p.next()
}

func (p *channelPlayer) next() {
	if p.current != nil || len(p.pending) == 0 {
		return
	}
	it := p.pending[0]
	p.pending = p.pending[1:]
	now := p.sched.Now()
	if p.released {
		it.start = max(now, p.lastRelease+it.gap)
	} else {
		it.start = now + it.gap
	}
	p.current = &it
	if it.start <= now {
		p.begin()
		return
	}
	p.timer = p.sched.Schedule(it.start-now, p.begin)
}

func (p *channelPlayer) begin() {
	it := p.current
	if it == nil {
		return
	}
	if it.audible {
		p.dev.PlayForDuration(it.press, true, 0)
	}
	p.log.Debug("press", zap.Int("offset", p.offset), zap.Duration("press", it.press), zap.Duration("gap", it.gap))
	p.timer = p.sched.Schedule(it.press, p.finish)
}

func (p *channelPlayer) finish() {
	it := p.current
	if it == nil {
		return
	}
	p.timer = 0
	p.lastRelease, p.released = it.start+it.press, true
	p.current = nil
	p.next()
}

func (p *channelPlayer) stop() {
	p.sched.Cancel(p.timer)
	p.timer = 0
	p.current = nil
	p.pending = nil
	p.dev.StopPlayForDuration()
}
