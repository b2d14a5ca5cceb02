package sched

import (
	"context"
	"sort"
	"time"
)

// Manual is a simulated-time Scheduler for tests. Nothing fires until Advance.
type Manual struct {
	now     time.Duration
	next    Handle
	pending map[Handle]*manualTimer
}

type manualTimer struct {
	h   Handle
	due time.Duration
	fn  func()
}

func NewManual() *Manual {
	return &Manual{pending: make(map[Handle]*manualTimer)}
}

func (m *Manual) Now() time.Duration { return m.now }

func (m *Manual) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	m.next++
	m.pending[m.next] = &manualTimer{h: m.next, due: m.now + delay, fn: fn}
	return m.next
}

func (m *Manual) Cancel(h Handle) {
	delete(m.pending, h)
}

// Post runs fn on the next Advance.
func (m *Manual) Post(fn func()) { m.Schedule(0, fn) }

// Do runs fn immediately; the caller is the dispatch context.
func (m *Manual) Do(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	return nil
}

// Pending reports how many callbacks are scheduled.
func (m *Manual) Pending() int { return len(m.pending) }

// Advance moves time forward by d, firing every callback that comes due in order.
// Callbacks scheduled while advancing fire too if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.AdvanceTo(m.now + d)
}

// AdvanceTo moves time to the absolute instant t (no-op if t is in the past).
func (m *Manual) AdvanceTo(t time.Duration) {
	for {
		nt := m.nextDue()
		if nt == nil || nt.due > t {
			break
		}
		delete(m.pending, nt.h)
		if nt.due > m.now {
			m.now = nt.due
		}
		nt.fn()
	}
	if t > m.now {
		m.now = t
	}
}

func (m *Manual) nextDue() *manualTimer {
	if len(m.pending) == 0 {
		return nil
	}
	ts := make([]*manualTimer, 0, len(m.pending))
	for _, t := range m.pending {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].due != ts[j].due {
			return ts[i].due < ts[j].due
		}
		return ts[i].h < ts[j].h
	})
	return ts[0]
}
