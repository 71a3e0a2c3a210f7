// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// waitPollInterval is how often a blocked wait filter re-evaluates its
// condition.
const waitPollInterval = 100 * time.Millisecond

// Wait gates the stream on a predicate: events buffer until the condition
// holds, then drain in order.
type Wait struct {
	pipeline.Base

	loop *engine.Loop
	cond func(ctx *pipeline.Context) bool

	open    bool
	buffer  []event.Event
	timer   *engine.Timer
	polling bool
}

// NewWait creates a wait filter template.
func NewWait(loop *engine.Loop, cond func(ctx *pipeline.Context) bool) *Wait {
	return &Wait{loop: loop, cond: cond}
}

// Name implements pipeline.Filter.
func (w *Wait) Name() string { return "wait" }

// Clone implements pipeline.Filter.
func (w *Wait) Clone() pipeline.Filter {
	return &Wait{Base: w.CloneBase(), loop: w.loop, cond: w.cond}
}

// Process implements pipeline.Filter.
func (w *Wait) Process(evt event.Event) {
	if w.open {
		w.Output(evt)
		return
	}
	if w.cond(w.Context()) {
		w.open = true
		w.Output(evt)
		return
	}
	w.buffer = append(w.buffer, evt)
	w.poll()
}

func (w *Wait) poll() {
	if w.polling {
		return
	}
	w.polling = true
	w.timer = w.loop.After(waitPollInterval, func() {
		w.polling = false
		if !w.cond(w.Context()) {
			w.poll()
			return
		}
		w.open = true
		ic := pipeline.NewInputContext()
		defer ic.Close()
		buffered := w.buffer
		w.buffer = nil
		for _, evt := range buffered {
			w.Output(evt)
		}
	})
}

// Reset implements pipeline.Filter.
func (w *Wait) Reset() {
	w.open = false
	w.buffer = nil
	if w.timer != nil {
		w.timer.Cancel()
		w.timer = nil
	}
	w.polling = false
}

// Pack batches consecutive messages into one: the first MessageStart opens
// the batch, inner boundaries are elided, and the batch closes after
// Count messages or when Timeout elapses since the batch opened.
type Pack struct {
	pipeline.Base

	loop    *engine.Loop
	count   int
	timeout time.Duration

	started bool
	seen    int
	timer   *engine.Timer
}

// NewPack creates a pack filter template batching count messages, flushed
// early after timeout when positive.
func NewPack(loop *engine.Loop, count int, timeout time.Duration) *Pack {
	if count <= 0 {
		count = 1
	}
	return &Pack{loop: loop, count: count, timeout: timeout}
}

// Name implements pipeline.Filter.
func (p *Pack) Name() string { return "pack" }

// Clone implements pipeline.Filter.
func (p *Pack) Clone() pipeline.Filter {
	return &Pack{Base: p.CloneBase(), loop: p.loop, count: p.count, timeout: p.timeout}
}

// Process implements pipeline.Filter.
func (p *Pack) Process(evt event.Event) {
	switch evt.(type) {
	case *event.MessageStart:
		if !p.started {
			p.started = true
			p.Output(evt)
			if p.timeout > 0 {
				p.timer = p.loop.After(p.timeout, p.flushTimeout)
			}
		}
	case *event.Data:
		if p.started {
			p.Output(evt)
		}
	case *event.MessageEnd:
		if p.started {
			p.seen++
			if p.seen >= p.count {
				p.closeBatch(evt)
			}
		}
	case *event.StreamEnd:
		if p.started {
			p.closeBatch(&event.MessageEnd{})
		}
		p.Output(evt)
	default:
		p.Output(evt)
	}
}

func (p *Pack) closeBatch(end event.Event) {
	p.started = false
	p.seen = 0
	if p.timer != nil {
		p.timer.Cancel()
		p.timer = nil
	}
	p.Output(end)
}

func (p *Pack) flushTimeout() {
	if p.started {
		ic := pipeline.NewInputContext()
		defer ic.Close()
		p.closeBatch(&event.MessageEnd{})
	}
}

// Reset implements pipeline.Filter.
func (p *Pack) Reset() {
	p.started = false
	p.seen = 0
	if p.timer != nil {
		p.timer.Cancel()
		p.timer = nil
	}
}
