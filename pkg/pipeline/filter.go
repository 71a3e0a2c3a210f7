// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/spurringworld/pipy/pkg/event"
)

// Filter is a node in a pipeline with a uniform event-processing contract.
//
// Process consumes one event and may produce events downstream via the
// embedded Base, or dispatch them into sub-pipelines. Process never blocks;
// long operations register an I/O or timer continuation and return.
//
// Reset is invoked before the owning pipeline returns to its pool and must
// release all per-invocation references. Shutdown is the cooperative drain
// signal. Clone produces a fresh instance from a template.
type Filter interface {
	Name() string
	Process(evt event.Event)
	Reset()
	Shutdown()
	Clone() Filter

	base() *Base
}

// Joint is satisfied by filters that own sub-pipeline slots. The
// configuration surface requires a To(layout) immediately after each joint
// filter; the binder rejects layouts with unbound slots.
type Joint interface {
	Filter
	To(*Layout)
	SubSlots() int
	BoundSubs() int
}

// Base carries the per-pipeline wiring shared by all filters. Embed it and
// the Filter contract's plumbing comes for free; only Process, Name and
// Clone remain to write for stateless filters.
type Base struct {
	pipe  *Pipeline
	index int
	subs  []*Layout
	slots int
}

// NewJointBase returns a Base declaring n sub-pipeline slots.
func NewJointBase(n int) Base {
	return Base{slots: n}
}

func (b *Base) base() *Base { return b }

// CloneBase returns a copy of the template wiring for use in Clone
// implementations. Sub-layout references are shared; instance wiring is
// cleared.
func (b *Base) CloneBase() Base {
	return Base{subs: b.subs, slots: b.slots}
}

// To binds a sub-pipeline layout to the next unfilled slot.
func (b *Base) To(l *Layout) {
	b.subs = append(b.subs, l)
}

// SubSlots returns the number of declared sub-pipeline slots.
func (b *Base) SubSlots() int { return b.slots }

// BoundSubs returns the number of slots bound so far.
func (b *Base) BoundSubs() int { return len(b.subs) }

// Reset is a no-op default.
func (b *Base) Reset() {}

// Shutdown is a no-op default.
func (b *Base) Shutdown() {}

// Output emits evt to the successor filter, or to the pipeline's chained
// consumer when called from the tail.
func (b *Base) Output(evt event.Event) {
	b.pipe.deliver(b.index+1, evt)
}

// OutputTo emits evt to an explicit input, typically a sub-pipeline.
func (b *Base) OutputTo(evt event.Event, in event.Input) {
	in.Input(evt)
}

// Context returns the owning pipeline's context.
func (b *Base) Context() *Context {
	return b.pipe.ctx
}

// Pipeline returns the owning pipeline instance.
func (b *Base) Pipeline() *Pipeline { return b.pipe }

// SubLayout returns the layout bound to slot i.
func (b *Base) SubLayout(i int) *Layout { return b.subs[i] }

// SubPipeline allocates a pipeline from the layout bound to slot i, chains
// its tail output to out and passes args through a derived context.
func (b *Base) SubPipeline(i int, out event.Input, args ...any) *Pipeline {
	l := b.subs[i]
	sub := l.Alloc(b.pipe.ctx.Derive(args...))
	sub.Chain(out)
	return sub
}
