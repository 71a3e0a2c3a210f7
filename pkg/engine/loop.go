// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine runs the cooperative event loop that drives a worker. All
// pipeline state belonging to a worker is touched only from its loop
// goroutine; I/O goroutines hand completions to the loop with Post.
package engine

import (
	"container/heap"
	"context"
	"log/slog"
	"time"
)

// Loop is a single-goroutine run queue with a timer heap. One Loop drives
// one worker: I/O readiness, timer expirations and the accept path all
// execute as posted turns, so no pipeline state needs locking.
type Loop struct {
	posts   chan func()
	timers  timerHeap
	logger  *slog.Logger
	stopped chan struct{}
}

// New creates a loop. The logger may be nil, in which case slog.Default
// is used.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		posts:   make(chan func(), 1024),
		logger:  logger,
		stopped: make(chan struct{}),
	}
}

// Post schedules f to run on the loop goroutine. It is safe to call from
// any goroutine. Posting after the loop stopped drops f.
func (l *Loop) Post(f func()) {
	select {
	case l.posts <- f:
	case <-l.stopped:
	}
}

// Run processes posted turns and timers until ctx is cancelled. Pending
// turns already queued when ctx ends are drained before returning.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.stopped)
	for {
		var fire <-chan time.Time
		var tm *time.Timer
		if len(l.timers) > 0 {
			d := time.Until(l.timers[0].when)
			if d < 0 {
				d = 0
			}
			tm = time.NewTimer(d)
			fire = tm.C
		}

		select {
		case f := <-l.posts:
			f()
		case <-fire:
			l.expire(time.Now())
		case <-ctx.Done():
			if tm != nil {
				tm.Stop()
			}
			l.drain()
			return ctx.Err()
		}
		if tm != nil {
			tm.Stop()
		}
	}
}

func (l *Loop) drain() {
	for {
		select {
		case f := <-l.posts:
			f()
		default:
			return
		}
	}
}

func (l *Loop) expire(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].when.After(now) {
		t := heap.Pop(&l.timers).(*Timer)
		if t.fn != nil {
			fn := t.fn
			t.fn = nil
			fn()
		}
	}
}

// Logger returns the loop's logger.
func (l *Loop) Logger() *slog.Logger { return l.logger }

// Timer is a cancellable pending callback owned by the loop. Holding the
// token keeps the owning object reachable until the timer fires or is
// cancelled, so completions never land on a dead owner.
type Timer struct {
	when  time.Time
	fn    func()
	index int
	loop  *Loop
}

// After schedules fn to run on the loop after d. Must be called from the
// loop goroutine.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{when: time.Now().Add(d), fn: fn, loop: l}
	heap.Push(&l.timers, t)
	return t
}

// Cancel retracts the timer. Cancelling a fired or already-cancelled timer
// is a no-op. Must be called from the loop goroutine.
func (t *Timer) Cancel() {
	if t == nil || t.fn == nil {
		return
	}
	t.fn = nil
	if t.index >= 0 && t.index < len(t.loop.timers) && t.loop.timers[t.index] == t {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// Stopped reports whether the timer can no longer fire.
func (t *Timer) Stopped() bool { return t == nil || t.fn == nil }

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
