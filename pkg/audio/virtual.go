package audio

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/pkg/sched"
)

// Virtual is a headless Device. Tone on/off edges are logged and timed on the
// scheduler so status callbacks arrive exactly when a sound card would report them.
type Virtual struct {
	sched  sched.Scheduler
	log    *zap.Logger
	onStat func(Status)

	toneOn  bool
	timer   sched.Handle // at most one pending segment edge
	playing bool         // a PlaySequence is running

	// ToneCount counts tones sounded, for tests and metrics.
	ToneCount int
}

func NewVirtual(s sched.Scheduler, log *zap.Logger) *Virtual {
	if log == nil {
		log = zap.NewNop()
	}
	return &Virtual{sched: s, log: log}
}

func (v *Virtual) SetStatusCallback(fn func(Status)) { v.onStat = fn }

func (v *Virtual) IsPlaying() bool { return v.toneOn || v.playing }

func (v *Virtual) Start(enabled bool) {
	v.cancelTimers()
	v.playing = false
	v.tone(true, enabled)
	v.notify(Status{Kind: Started})
}

func (v *Virtual) Stop() {
	active := v.IsPlaying() || v.timer != 0
	v.cancelTimers()
	v.playing = false
	v.tone(false, true)
	if active {
		v.notify(Status{Kind: Stopped})
	}
}

// PlayForDuration keeps IsPlaying true only while the tone sounds; the gap is silent.
func (v *Virtual) PlayForDuration(d time.Duration, enabled bool, gap time.Duration) {
	v.cancelTimers()
	v.playing = false
	v.tone(true, enabled)
	v.notify(Status{Kind: Started})
	v.after(d, func() {
		v.tone(false, enabled)
		v.after(max(gap, 0), func() { v.notify(Status{Kind: Finished}) })
	})
}

func (v *Virtual) StopPlayForDuration() {
	if !v.toneOn && v.timer == 0 {
		return
	}
	v.cancelTimers()
	v.tone(false, true)
}

type segment struct {
	on bool
	d  time.Duration
}

func segments(code string, t Timing) (segs []segment, total time.Duration) {
	add := func(on bool, d time.Duration) {
		if d > 0 {
			segs = append(segs, segment{on, d})
			total += d
		}
	}
	for i := 0; i < len(code); i++ {
		switch {
		case code[i] == '.':
			add(true, t.Dot)
			add(false, t.Dot)
		case code[i] == '-':
			add(true, t.Dash)
			add(false, t.Dot)
		case strings.HasPrefix(code[i:], "//"):
			add(false, t.WordGap)
			for i+1 < len(code) && code[i+1] == '/' {
				i++
			}
		case code[i] == '/' || code[i] == ' ':
			add(false, t.LetterGap)
		}
	}
	return segs, total
}

// PlaySequence reports progress after every segment and Finished at the end.
func (v *Virtual) PlaySequence(code string, t Timing) {
	v.Stop()
	segs, total := segments(code, t)
	if len(segs) == 0 {
		return
	}
	v.playing = true
	v.notify(Status{Kind: Started})
	v.log.Debug("sequence", zap.String("code", code), zap.Duration("total", total))

	var elapsed time.Duration
	var step func(i int)
	step = func(i int) {
		if i == len(segs) {
			v.tone(false, true)
			v.playing = false
			v.notify(Status{Kind: Finished})
			return
		}
		s := segs[i]
		v.tone(s.on, true)
		v.after(s.d, func() {
			elapsed += s.d
			v.notify(Status{Kind: Progress, Percent: int(elapsed * 100 / total)})
			step(i + 1)
		})
	}
	step(0)
}

func (v *Virtual) tone(on, enabled bool) {
	if on == v.toneOn {
		return
	}
	v.toneOn = on
	if on {
		v.ToneCount++
	}
	if enabled {
		v.log.Debug("tone", zap.Bool("on", on), zap.Duration("at", v.sched.Now()))
	}
}

func (v *Virtual) after(d time.Duration, fn func()) {
	v.timer = v.sched.Schedule(d, func() {
		v.timer = 0
		fn()
	})
}

func (v *Virtual) cancelTimers() {
	v.sched.Cancel(v.timer)
	v.timer = 0
}

func (v *Virtual) notify(s Status) {
	if v.onStat != nil {
		v.onStat(s)
	}
}
