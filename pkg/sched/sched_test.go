package sched

import (
	"context"
	"testing"
	"time"
)

func TestManualFiresInOrder(t *testing.T) {
	m := NewManual()
	var got []string
	m.Schedule(30*time.Millisecond, func() { got = append(got, "c") })
	m.Schedule(10*time.Millisecond, func() { got = append(got, "a") })
	m.Schedule(10*time.Millisecond, func() { got = append(got, "b") })

	m.Advance(20 * time.Millisecond)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("after 20ms got %v, want [a b]", got)
	}
	m.Advance(10 * time.Millisecond)
	if len(got) != 3 || got[2] != "c" {
		t.Fatalf("after 30ms got %v, want [a b c]", got)
	}
	if m.Now() != 30*time.Millisecond {
		t.Fatalf("Now = %v, want 30ms", m.Now())
	}
}

func TestManualCancel(t *testing.T) {
	m := NewManual()
	fired := false
	h := m.Schedule(5*time.Millisecond, func() { fired = true })
	m.Cancel(h)
	m.Cancel(0)
	m.Advance(time.Second)
	if fired {
		t.Fatalf("canceled callback fired")
	}
}

func TestManualChainedCallbacksInsideWindow(t *testing.T) {
	m := NewManual()
	var at []time.Duration
	var step func()
	step = func() {
		at = append(at, m.Now())
		if len(at) < 3 {
			m.Schedule(10*time.Millisecond, step)
		}
	}
	m.Schedule(10*time.Millisecond, step)
	m.Advance(100 * time.Millisecond)

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if len(at) != len(want) {
		t.Fatalf("fired %d times, want %d", len(at), len(want))
	}
	for i := range want {
		if at[i] != want[i] {
			t.Fatalf("fire %d at %v, want %v", i, at[i], want[i])
		}
	}
}

func TestLoopRunsTimersOnLoop(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan time.Duration, 1)
	if err := l.Do(ctx, func() {
		l.Schedule(5*time.Millisecond, func() { fired <- l.Now() })
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	select {
	case at := <-fired:
		if at < 5*time.Millisecond {
			t.Fatalf("fired at %v, want >= 5ms", at)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timer never fired")
	}
}

func TestLoopCancelBeatsQueuedTimer(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	fired := make(chan struct{}, 1)
	_ = l.Do(ctx, func() {
		h := l.Schedule(0, func() { fired <- struct{}{} })
		// give the timer goroutine time to queue its task behind us
		time.Sleep(20 * time.Millisecond)
		l.Cancel(h)
	})
	select {
	case <-fired:
		t.Fatalf("canceled timer fired")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopRecoversPanics(t *testing.T) {
	l := NewLoop(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	l.Post(func() { panic("boom") })
	ran := false
	if err := l.Do(ctx, func() { ran = true }); err != nil {
		t.Fatalf("Do after panic: %v", err)
	}
	if !ran {
		t.Fatalf("loop stopped after a panicking task")
	}
}

var (
	_ Dispatcher = (*Loop)(nil)
	_ Dispatcher = (*Manual)(nil)
)

func TestManualPostRunsOnNextAdvance(t *testing.T) {
	m := NewManual()
	ran := 0
	m.Post(func() { ran++ })
	if ran != 0 {
		t.Fatalf("Post ran synchronously")
	}
	m.Advance(0)
	if ran != 1 {
		t.Fatalf("ran = %d after Advance(0), want 1", ran)
	}
	if err := m.Do(context.Background(), func() { ran++ }); err != nil || ran != 2 {
		t.Fatalf("Do = %v, ran = %d", err, ran)
	}
}
