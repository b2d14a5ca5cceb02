// Package sched provides the single dispatch context every keyer, transmit and
// receive component runs on. All protocol state is mutated from one goroutine;
// the only asynchrony is single-shot, cancelable timers.
//
// Typical usage:
//
//	loop := sched.NewLoop(log)
//	go loop.Run(ctx)
//	loop.Post(func() { k.PressDit() })
//
// Tests use Manual, which advances simulated time deterministically.
package sched

import (
	"context"
	"time"
)

// Handle identifies a scheduled callback. The zero Handle is never issued.
type Handle uint64

// Scheduler schedules single-shot callbacks on the dispatch context.
type Scheduler interface {
	// Now returns monotonic time elapsed since the scheduler's origin.
	Now() time.Duration
	// Schedule runs fn once after delay. Negative delays run on the next turn.
	Schedule(delay time.Duration, fn func()) Handle
	// Cancel stops a pending callback. Canceling a fired or zero handle is a no-op.
	Cancel(h Handle)
}

// Millis returns s.Now() in whole milliseconds.
func Millis(s Scheduler) int64 {
	return s.Now().Milliseconds()
}

// Dispatcher is a Scheduler that also accepts work from other goroutines.
type Dispatcher interface {
	Scheduler
	// Post queues fn without waiting.
	Post(fn func())
	// Do runs fn on the dispatch context and waits for it.
	Do(ctx context.Context, fn func()) error
}
