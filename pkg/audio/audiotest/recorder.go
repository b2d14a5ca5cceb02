// Package audiotest provides a Device that records every call.
package audiotest

import (
	"fmt"
	"time"

	"github.com/ryandielhenn/cwlink/pkg/audio"
)

// Recorder implements audio.Device. Calls holds one line per call, e.g.
// "start", "stop", "play 100ms gap 100ms", "sequence .-".
type Recorder struct {
	Calls   []string
	Playing bool
	status  func(audio.Status)
}

func (r *Recorder) Start(enabled bool) {
	r.Calls = append(r.Calls, "start")
	r.Playing = true
}

func (r *Recorder) Stop() {
	r.Calls = append(r.Calls, "stop")
	r.Playing = false
}

func (r *Recorder) PlayForDuration(d time.Duration, enabled bool, gap time.Duration) {
	r.Calls = append(r.Calls, fmt.Sprintf("play %v gap %v", d, gap))
}

func (r *Recorder) StopPlayForDuration() {
	r.Calls = append(r.Calls, "stop_play")
}

func (r *Recorder) PlaySequence(code string, _ audio.Timing) {
	r.Calls = append(r.Calls, "sequence "+code)
}

func (r *Recorder) IsPlaying() bool { return r.Playing }

func (r *Recorder) SetStatusCallback(fn func(audio.Status)) { r.status = fn }

// Emit delivers s to the registered status callback.
func (r *Recorder) Emit(s audio.Status) {
	if r.status != nil {
		r.status(s)
	}
}

// Count returns how many recorded calls start with prefix.
func (r *Recorder) Count(prefix string) int {
	n := 0
	for _, c := range r.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

var _ audio.Device = (*Recorder)(nil)
