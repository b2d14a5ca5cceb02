// Package keyer converts physical key contact transitions into timed dit/dah
// elements under straight, single-paddle and iambic A/B disciplines.
package keyer

import (
	"time"

	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// ElementEvent is emitted when the keyer begins an automatic element.
type ElementEvent struct {
	Element Element
	KeyDown time.Duration
	Gap     time.Duration
}

// Callbacks are injected by the owner. Any may be nil.
type Callbacks struct {
	OnManualDown func()
	OnManualUp   func(held time.Duration)
	OnElement    func(ElementEvent)
	OnStopped    func()
}

// Keyer is not safe for concurrent use; drive it from the scheduler's context.
type Keyer struct {
	sched sched.Scheduler
	cb    Callbacks
	mode  Mode
	dot   time.Duration
	dash  time.Duration

	manualPressed bool
	manualStart   time.Duration

	state   State
	current Element // zero unless state == KeyDown
	last    Element

	ditPressed, dahPressed bool
	ditMemory, dahMemory   bool
	squeezeSeen            bool

	timer sched.Handle
}

func New(s sched.Scheduler, mode Mode, dot, dash time.Duration, cb Callbacks) *Keyer {
	k := &Keyer{sched: s, cb: cb, mode: mode}
	k.SetTiming(dot, dash)
	return k
}

func (k *Keyer) SetTiming(dot, dash time.Duration) {
	k.dot = max(dot, time.Millisecond)
	k.dash = max(dash, time.Millisecond)
}

// SetMode switches discipline and resets the automatic keyer to idle.
func (k *Keyer) SetMode(m Mode) {
	if m == k.mode {
		return
	}
	k.StopAll(true)
	k.mode = m
}

func (k *Keyer) Mode() Mode { return k.mode }
func (k *Keyer) State() State { return k.state }
func (k *Keyer) Current() Element { return k.current }
func (k *Keyer) AutoActive() bool { return k.state != Idle }
func (k *Keyer) ManualPressed() bool { return k.manualPressed }
func (k *Keyer) Timing() (dot, dash time.Duration) { return k.dot, k.dash }

// ManualPress starts a straight-key hold. Repeated presses are ignored.
func (k *Keyer) ManualPress() {
	if k.manualPressed {
		return
	}
	k.manualPressed = true
	k.manualStart = k.sched.Now()
	if k.cb.OnManualDown != nil {
		k.cb.OnManualDown()
	}
}

// ManualRelease ends a hold and returns its length. ok is false when nothing was held.
func (k *Keyer) ManualRelease(emit bool) (held time.Duration, ok bool) {
	if !k.manualPressed {
		return 0, false
	}
	held = k.sched.Now() - k.manualStart
	k.manualPressed = false
	if emit && k.cb.OnManualUp != nil {
		k.cb.OnManualUp(held)
	}
	return held, true
}

func (k *Keyer) PressDit() {
	if k.mode == Straight {
		return
	}
	k.ditPressed = true
	if k.state == KeyDown {
		k.ditMemory = true
	}
	k.updateSqueeze()
	k.startIfIdle()
}

func (k *Keyer) ReleaseDit() { k.ditPressed = false }

func (k *Keyer) PressDah() {
	if k.mode == Straight {
		return
	}
	k.dahPressed = true
	if k.state == KeyDown {
		k.dahMemory = true
	}
	k.updateSqueeze()
	k.startIfIdle()
}

func (k *Keyer) ReleaseDah() { k.dahPressed = false }

// StopAuto tears the automatic keyer down, notifying once if it was active.
func (k *Keyer) StopAuto(notify bool) {
	wasActive := k.state != Idle || k.timer != 0
	k.sched.Cancel(k.timer)
	k.timer = 0
	k.state = Idle
	k.current = 0
	k.ditPressed, k.dahPressed = false, false
	k.ditMemory, k.dahMemory = false, false
	k.squeezeSeen = false
	if notify && wasActive && k.cb.OnStopped != nil {
		k.cb.OnStopped()
	}
}

// StopAll drops any manual hold silently and stops the automatic keyer.
func (k *Keyer) StopAll(notify bool) {
	k.ManualRelease(false)
	k.StopAuto(notify)
}

func (k *Keyer) updateSqueeze() {
	if k.ditPressed && k.dahPressed {
		k.squeezeSeen = true
	}
}

func (k *Keyer) startIfIdle() {
	if k.state != Idle {
		return
	}
	if next := k.selectNext(); next != 0 {
		k.begin(next)
	}
}

func (k *Keyer) onTimer() {
	k.timer = 0
	switch k.state {
	case KeyDown:
		k.state = Gap
		k.current = 0
		k.timer = k.sched.Schedule(k.dot, k.onTimer)
	case Gap:
		if next := k.selectNext(); next != 0 {
			k.begin(next)
			return
		}
		k.enterIdle()
	}
}

func (k *Keyer) begin(e Element) {
	k.state = KeyDown
	k.current = e
	k.last = e
	if e == Dit {
		k.ditMemory = false
	} else {
		k.dahMemory = false
	}
	d := k.dot
	if e == Dah {
		d = k.dash
	}
	// arm the timer before the callback so slow consumers don't skew timing
	k.timer = k.sched.Schedule(d, k.onTimer)
	if k.cb.OnElement != nil {
		k.cb.OnElement(ElementEvent{Element: e, KeyDown: d, Gap: k.dot})
	}
}

func (k *Keyer) enterIdle() {
	wasActive := k.state != Idle || k.timer != 0
	k.sched.Cancel(k.timer)
	k.timer = 0
	k.state = Idle
	k.current = 0
	k.ditMemory, k.dahMemory = false, false
	k.squeezeSeen = false
	if wasActive && k.cb.OnStopped != nil {
		k.cb.OnStopped()
	}
}

func (k *Keyer) selectNext() Element {
	if k.mode == Straight {
		k.squeezeSeen = false
		return 0
	}
	dualPressed := k.ditPressed && k.dahPressed
	dualMemory := k.ditMemory && k.dahMemory
	dual := dualPressed || dualMemory

	if k.mode == IambicB && k.squeezeSeen && !dual && k.last != 0 {
		k.squeezeSeen = false
		return k.last.opposite()
	}

	if k.mode.Iambic() {
		if dual {
			if dualMemory {
				k.ditMemory, k.dahMemory = false, false
			}
			if k.last == 0 {
				return Dit
			}
			return k.last.opposite()
		}
	} else if dual {
		if dualMemory {
			k.ditMemory, k.dahMemory = false, false
		}
		return Dah
	}

	switch {
	case k.ditPressed && !k.dahPressed:
		return Dit
	case k.dahPressed && !k.ditPressed:
		return Dah
	case k.ditMemory && !k.dahMemory:
		k.ditMemory = false
		return Dit
	case k.dahMemory && !k.ditMemory:
		k.dahMemory = false
		return Dah
	}
	k.squeezeSeen = false
	return 0
}
