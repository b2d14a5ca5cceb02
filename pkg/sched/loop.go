package sched

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned by Do when the loop is no longer running.
var ErrStopped = errors.New("sched: loop stopped")

// Loop is the production Scheduler. Tasks and fired timers run one at a time on
// the goroutine that called Run.
type Loop struct {
	origin time.Time
	tasks  chan func()
	done   chan struct{}
	log    *zap.Logger

	// owned by the loop goroutine
	next    Handle
	pending map[Handle]*time.Timer
}

func NewLoop(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		origin:  time.Now(),
		tasks:   make(chan func(), 1024),
		done:    make(chan struct{}),
		log:     log.Named("sched"),
		pending: make(map[Handle]*time.Timer),
	}
}

// Run executes tasks until ctx is canceled. Pending timers are stopped on exit.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		close(l.done)
		for h, t := range l.pending {
			t.Stop()
			delete(l.pending, h)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.tasks:
			l.run(fn)
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post enqueues fn for the loop. Safe from any goroutine; dropped after Run returns.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) Now() time.Duration {
	return time.Since(l.origin)
}

// Schedule must be called from the loop goroutine.
func (l *Loop) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	l.next++
	h := l.next
	l.pending[h] = time.AfterFunc(delay, func() {
		l.Post(func() {
			// a Cancel that raced the timer wins
			if _, ok := l.pending[h]; !ok {
				return
			}
			delete(l.pending, h)
			fn()
		})
	})
	return h
}

// Cancel must be called from the loop goroutine.
func (l *Loop) Cancel(h Handle) {
	if h == 0 {
		return
	}
	if t, ok := l.pending[h]; ok {
		t.Stop()
		delete(l.pending, h)
	}
}
