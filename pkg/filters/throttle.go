// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// pauser is satisfied by inbound identities supporting cooperative flow
// control of their read pump.
type pauser interface {
	Pause()
	Resume()
}

// throttleCore delays event delivery according to a shared token bucket,
// pausing the upstream read pump while backed up. Clones of one template
// share the limiter, so the rate is accounted across all invocations.
type throttleCore struct {
	loop    *engine.Loop
	limiter *rate.Limiter

	// perByte charges per payload byte; otherwise per message.
	perByte bool

	pending []event.Event
	timer   *engine.Timer
	paused  bool
}

func (t *throttleCore) enqueue(f *pipeline.Base, evt event.Event, tokens int) {
	if len(t.pending) > 0 {
		t.pending = append(t.pending, evt)
		return
	}
	res := t.limiter.ReserveN(time.Now(), tokens)
	if !res.OK() {
		// Burst smaller than the demand; let it through rather than stall
		// forever.
		f.Output(evt)
		return
	}
	d := res.Delay()
	if d == 0 {
		f.Output(evt)
		return
	}
	t.pending = append(t.pending, evt)
	t.pauseTap(f)
	t.timer = t.loop.After(d, func() { t.flush(f) })
}

func (t *throttleCore) flush(f *pipeline.Base) {
	for len(t.pending) > 0 {
		evt := t.pending[0]
		tokens := eventTokens(evt, t.perByte)
		res := t.limiter.ReserveN(time.Now(), tokens)
		if !res.OK() {
			t.pending = t.pending[1:]
			f.Output(evt)
			continue
		}
		if d := res.Delay(); d > 0 {
			t.timer = t.loop.After(d, func() { t.flush(f) })
			return
		}
		t.pending = t.pending[1:]
		f.Output(evt)
	}
	t.resumeTap(f)
}

func (t *throttleCore) pauseTap(f *pipeline.Base) {
	if t.paused {
		return
	}
	if p, ok := f.Context().Inbound.(pauser); ok {
		p.Pause()
		t.paused = true
	}
}

func (t *throttleCore) resumeTap(f *pipeline.Base) {
	if t.paused {
		if p, ok := f.Context().Inbound.(pauser); ok {
			p.Resume()
		}
		t.paused = false
	}
}

func (t *throttleCore) reset(f *pipeline.Base) {
	t.pending = nil
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
	t.resumeTap(f)
}

func eventTokens(evt event.Event, perByte bool) int {
	if perByte {
		if d, ok := evt.(*event.Data); ok {
			return d.Size()
		}
		return 0
	}
	if _, ok := evt.(*event.MessageStart); ok {
		return 1
	}
	return 0
}

// ThrottleDataRate limits payload throughput in bytes per second.
type ThrottleDataRate struct {
	pipeline.Base
	throttleCore
}

// NewThrottleDataRate creates a throttleDataRate filter template capping
// payload bytes per second. Clones share the bucket.
func NewThrottleDataRate(loop *engine.Loop, bytesPerSecond int) *ThrottleDataRate {
	t := &ThrottleDataRate{}
	t.loop = loop
	t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), maxInt(bytesPerSecond, event.ChunkSize))
	t.perByte = true
	return t
}

// Name implements pipeline.Filter.
func (t *ThrottleDataRate) Name() string { return "throttleDataRate" }

// Clone implements pipeline.Filter.
func (t *ThrottleDataRate) Clone() pipeline.Filter {
	out := &ThrottleDataRate{Base: t.CloneBase()}
	out.loop = t.loop
	out.limiter = t.limiter
	out.perByte = t.perByte
	return out
}

// Process implements pipeline.Filter.
func (t *ThrottleDataRate) Process(evt event.Event) {
	tokens := eventTokens(evt, true)
	if tokens == 0 && len(t.pending) == 0 {
		t.Output(evt)
		return
	}
	t.enqueue(&t.Base, evt, tokens)
}

// Reset implements pipeline.Filter.
func (t *ThrottleDataRate) Reset() { t.reset(&t.Base) }

// ThrottleMessageRate limits messages per second.
type ThrottleMessageRate struct {
	pipeline.Base
	throttleCore
}

// NewThrottleMessageRate creates a throttleMessageRate filter template
// capping messages per second. Clones share the bucket.
func NewThrottleMessageRate(loop *engine.Loop, messagesPerSecond int) *ThrottleMessageRate {
	t := &ThrottleMessageRate{}
	t.loop = loop
	t.limiter = rate.NewLimiter(rate.Limit(messagesPerSecond), maxInt(messagesPerSecond, 1))
	return t
}

// Name implements pipeline.Filter.
func (t *ThrottleMessageRate) Name() string { return "throttleMessageRate" }

// Clone implements pipeline.Filter.
func (t *ThrottleMessageRate) Clone() pipeline.Filter {
	out := &ThrottleMessageRate{Base: t.CloneBase()}
	out.loop = t.loop
	out.limiter = t.limiter
	return out
}

// Process implements pipeline.Filter.
func (t *ThrottleMessageRate) Process(evt event.Event) {
	tokens := eventTokens(evt, false)
	if tokens == 0 && len(t.pending) == 0 {
		t.Output(evt)
		return
	}
	t.enqueue(&t.Base, evt, tokens)
}

// Reset implements pipeline.Filter.
func (t *ThrottleMessageRate) Reset() { t.reset(&t.Base) }

// ThrottleConcurrency caps how many invocations run concurrently across
// all clones; excess streams buffer until a slot frees.
type ThrottleConcurrency struct {
	pipeline.Base
	gate *concurrencyGate

	admitted bool
	buffered []event.Event
}

type concurrencyGate struct {
	capacity int
	current  int
	waiters  []*ThrottleConcurrency
}

// NewThrottleConcurrency creates a throttleConcurrency filter template.
func NewThrottleConcurrency(capacity int) *ThrottleConcurrency {
	return &ThrottleConcurrency{gate: &concurrencyGate{capacity: capacity}}
}

// Name implements pipeline.Filter.
func (t *ThrottleConcurrency) Name() string { return "throttleConcurrency" }

// Clone implements pipeline.Filter.
func (t *ThrottleConcurrency) Clone() pipeline.Filter {
	return &ThrottleConcurrency{Base: t.CloneBase(), gate: t.gate}
}

// Process implements pipeline.Filter.
func (t *ThrottleConcurrency) Process(evt event.Event) {
	if !t.admitted {
		g := t.gate
		if g.capacity <= 0 || g.current < g.capacity {
			g.current++
			t.admitted = true
		} else {
			if len(t.buffered) == 0 {
				g.waiters = append(g.waiters, t)
			}
			t.buffered = append(t.buffered, evt)
			return
		}
	}
	t.Output(evt)
}

// Reset implements pipeline.Filter.
func (t *ThrottleConcurrency) Reset() {
	g := t.gate
	if t.admitted {
		t.admitted = false
		g.current--
		if len(g.waiters) > 0 {
			next := g.waiters[0]
			g.waiters = g.waiters[1:]
			g.current++
			next.admitted = true
			buffered := next.buffered
			next.buffered = nil
			for _, evt := range buffered {
				next.Output(evt)
			}
		}
	} else {
		for i, w := range g.waiters {
			if w == t {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		t.buffered = nil
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
