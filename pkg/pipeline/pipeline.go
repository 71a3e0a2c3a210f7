// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/spurringworld/pipy/pkg/event"
)

// Pipeline is a runtime instance of a Layout: cloned filter instances
// linked head to tail plus a context. A pipeline is either attached to an
// event source and active, queued for deferred release, or pooled on its
// layout's free list.
type Pipeline struct {
	layout   *Layout
	filters  []Filter
	ctx      *Context
	chained  event.Input
	nextFree *Pipeline
}

func newPipeline(l *Layout) *Pipeline {
	p := &Pipeline{layout: l}
	p.filters = make([]Filter, len(l.filters))
	for i, tmpl := range l.filters {
		f := tmpl.Clone()
		b := f.base()
		b.pipe = p
		b.index = i
		p.filters[i] = f
	}
	return p
}

// Layout returns the template this pipeline was cloned from.
func (p *Pipeline) Layout() *Layout { return p.layout }

// Filters returns the pipeline's cloned filter instances in chain order.
func (p *Pipeline) Filters() []Filter { return p.filters }

// Context returns the pipeline's context.
func (p *Pipeline) Context() *Context { return p.ctx }

// Chain directs the tail filter's output to in.
func (p *Pipeline) Chain(in event.Input) {
	p.chained = in
}

// Input feeds evt to the head filter. Events emitted by filter i reach
// filter i+1 in emission order; the tail's output reaches the chained
// consumer.
func (p *Pipeline) Input(evt event.Event) {
	p.deliver(0, evt)
}

func (p *Pipeline) deliver(i int, evt event.Event) {
	if i < len(p.filters) {
		p.filters[i].Process(evt)
		return
	}
	if p.chained != nil {
		p.chained.Input(evt)
	}
}

// Shutdown propagates the cooperative drain signal to every filter.
func (p *Pipeline) Shutdown() {
	for _, f := range p.filters {
		f.Shutdown()
	}
}

// reset returns the pipeline to idle state before pooling.
func (p *Pipeline) reset() {
	for _, f := range p.filters {
		f.Reset()
	}
	p.chained = nil
	p.ctx = nil
}

// Release returns p to its layout's pool, deferred to the end of the
// current input turn when one is open. Releasing nil is a no-op.
func Release(p *Pipeline) {
	if p == nil {
		return
	}
	autoRelease(func() { p.layout.free(p) })
}
