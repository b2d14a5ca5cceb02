package audio

import (
	"testing"
	"time"

	"github.com/ryandielhenn/cwlink/pkg/sched"
)

const ms = time.Millisecond

func newVirtual() (*Virtual, *sched.Manual, *[]string) {
	s := sched.NewManual()
	v := NewVirtual(s, nil)
	var got []string
	v.SetStatusCallback(func(st Status) { got = append(got, st.String()) })
	return v, s, &got
}

func TestPlayForDurationSilentGap(t *testing.T) {
	v, s, got := newVirtual()
	v.PlayForDuration(100*ms, true, 100*ms)
	if !v.IsPlaying() {
		t.Fatalf("IsPlaying = false during tone")
	}
	s.Advance(100 * ms)
	if v.IsPlaying() {
		t.Fatalf("IsPlaying = true during gap")
	}
	s.Advance(100 * ms)
	if len(*got) != 2 || (*got)[0] != "started" || (*got)[1] != "finished" {
		t.Fatalf("status = %v", *got)
	}
}

func TestPlaySequenceProgress(t *testing.T) {
	v, s, got := newVirtual()
	// ".-" is on 100, off 100, on 300, off 100
	v.PlaySequence(".-", Timing{Dot: 100 * ms, Dash: 300 * ms, LetterGap: 300 * ms, WordGap: 700 * ms})
	s.Advance(time.Second)

	want := []string{"started", "16", "33", "83", "100", "finished"}
	if len(*got) != len(want) {
		t.Fatalf("status = %v, want %v", *got, want)
	}
	for i := range want {
		if (*got)[i] != want[i] {
			t.Fatalf("status = %v, want %v", *got, want)
		}
	}
	if v.ToneCount != 2 || v.IsPlaying() {
		t.Fatalf("ToneCount = %d playing = %v", v.ToneCount, v.IsPlaying())
	}
}

func TestStopCancelsSequence(t *testing.T) {
	v, s, got := newVirtual()
	v.PlaySequence("...//...", Timing{Dot: 50 * ms, Dash: 150 * ms, LetterGap: 150 * ms, WordGap: 350 * ms})
	s.Advance(60 * ms)
	v.Stop()
	s.Advance(5 * time.Second)
	last := (*got)[len(*got)-1]
	if last != "stopped" || v.IsPlaying() || s.Pending() != 0 {
		t.Fatalf("after Stop status=%v playing=%v pending=%d", *got, v.IsPlaying(), s.Pending())
	}
}

func TestSegmentsWordGap(t *testing.T) {
	segs, total := segments("././/.", Timing{Dot: 10 * ms, Dash: 30 * ms, LetterGap: 30 * ms, WordGap: 70 * ms})
	// . gap / . gap // . gap
	if len(segs) != 8 || total != (10+10+30+10+10+70+10+10)*ms {
		t.Fatalf("segments = %v total = %v", segs, total)
	}
}
