package station

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/cwlink/pkg/keyer"
	"github.com/ryandielhenn/cwlink/pkg/keyevent"
	"github.com/ryandielhenn/cwlink/pkg/morse"
	"github.com/ryandielhenn/cwlink/pkg/sched"
)

var (
	ErrSending     = errors.New("station: already sending")
	ErrNotStraight = errors.New("station: text sending needs straight mode")
	ErrNothing     = errors.New("station: nothing to send")
	ErrRefused     = errors.New("station: transmit refused")
)

type step struct {
	hold time.Duration
	gap  time.Duration // silence after release
}

// plan turns an encoded stream into key holds at the given timing.
func plan(code string, h keyevent.Hints) []step {
	dot := time.Duration(h.DotMS) * time.Millisecond
	dash := time.Duration(h.DashMS) * time.Millisecond
	var steps []step
	for i := 0; i < len(code); i++ {
		switch code[i] {
		case '.':
			steps = append(steps, step{hold: dot, gap: dot})
		case '-':
			steps = append(steps, step{hold: dash, gap: dot})
		case '/':
			if len(steps) == 0 {
				continue
			}
			gap := time.Duration(h.LetterGapMS) * time.Millisecond
			if i+1 < len(code) && code[i+1] == '/' {
				gap = time.Duration(h.WordGapMS) * time.Millisecond
				i++
			}
			steps[len(steps)-1].gap = gap
		}
	}
	return steps
}

// sender keys text through the straight-key path one element at a time.
// Each press is scheduled from the previous release and then yields once, so
// the runtime's letter and word timers due at the same instant fire first.
type sender struct {
	st    *Station
	steps []step
	timer sched.Handle
}

func (se *sender) active() bool { return len(se.steps) > 0 }

func (se *sender) start(steps []step) {
	se.steps = steps
	se.press()
}

func (se *sender) press() {
	se.timer = 0
	if len(se.steps) == 0 {
		return
	}
	if !se.st.tx.PressManual() {
		se.st.log.Info("text sending interrupted", zap.Int("remaining", len(se.steps)))
		se.steps = nil
		return
	}
	se.timer = se.st.disp.Schedule(se.steps[0].hold, se.release)
}

func (se *sender) release() {
	cur := se.steps[0]
	se.steps = se.steps[1:]
	se.st.tx.ReleaseManual()
	if len(se.steps) == 0 {
		se.timer = 0
		return
	}
	se.timer = se.st.disp.Schedule(cur.gap, func() {
		se.timer = se.st.disp.Schedule(0, se.press)
	})
}

func (se *sender) cancel() {
	se.st.disp.Cancel(se.timer)
	se.timer = 0
	se.steps = nil
}

// SendText keys text at the local timing and returns how long it will take.
// Must run on the dispatch context.
func (s *Station) SendText(text string) (time.Duration, error) {
	cfg := s.tx.Config()
	if cfg.Mode != keyer.Straight {
		return 0, ErrNotStraight
	}
	if s.send.active() {
		return 0, ErrSending
	}
	steps := plan(morse.Encode(text), cfg.Timing)
	if len(steps) == 0 {
		return 0, ErrNothing
	}
	var total time.Duration
	for i, st := range steps {
		total += st.hold
		if i < len(steps)-1 {
			total += st.gap
		}
	}
	s.send.start(steps)
	if !s.send.active() {
		return 0, ErrRefused
	}
	return total, nil
}
