// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tagFilter appends "<tag>:<event>" to a shared trace and forwards.
type tagFilter struct {
	Base
	tag   string
	trace *[]string
}

func (f *tagFilter) Name() string { return "tag" }

func (f *tagFilter) Clone() Filter {
	return &tagFilter{Base: f.CloneBase(), tag: f.tag, trace: f.trace}
}

func (f *tagFilter) Process(evt event.Event) {
	*f.trace = append(*f.trace, fmt.Sprintf("%s:%T", f.tag, evt))
	f.Output(evt)
}

type sink struct {
	events []event.Event
}

func (s *sink) Input(evt event.Event) { s.events = append(s.events, evt) }

func TestPipelineOrdering(t *testing.T) {
	var trace []string
	layout := NewLayout("order", testLogger(),
		&tagFilter{tag: "a", trace: &trace},
		&tagFilter{tag: "b", trace: &trace},
	)

	out := &sink{}
	p := layout.Alloc(NewContext(nil))
	p.Chain(out)

	p.Input(&event.MessageStart{})
	p.Input(event.NewData([]byte("x")))
	p.Input(&event.MessageEnd{})

	require.Equal(t, []string{
		"a:*event.MessageStart", "b:*event.MessageStart",
		"a:*event.Data", "b:*event.Data",
		"a:*event.MessageEnd", "b:*event.MessageEnd",
	}, trace, "filter i+1 must observe events in filter i's emission order")
	require.Len(t, out.events, 3)
}

func TestPoolConservation(t *testing.T) {
	var trace []string
	layout := NewLayout("pool", testLogger(), &tagFilter{tag: "f", trace: &trace})

	p1 := layout.Alloc(NewContext(nil))
	p2 := layout.Alloc(NewContext(nil))
	assert.Equal(t, 2, layout.Allocated())
	assert.Equal(t, 2, layout.InUse())
	assert.Equal(t, 0, layout.Pooled())

	Release(p1)
	assert.Equal(t, 2, layout.Allocated())
	assert.Equal(t, 1, layout.InUse())
	assert.Equal(t, 1, layout.Pooled())

	// The pooled instance is reused, not re-cloned.
	p3 := layout.Alloc(NewContext(nil))
	assert.Equal(t, 2, layout.Allocated())
	assert.Same(t, p1, p3)

	Release(p2)
	Release(p3)
	assert.Equal(t, 0, layout.InUse(), "after full drain nothing is in use")
	assert.Equal(t, layout.Allocated(), layout.InUse()+layout.Pooled())
}

func TestResetClearsChain(t *testing.T) {
	var trace []string
	layout := NewLayout("reset", testLogger(), &tagFilter{tag: "f", trace: &trace})

	out := &sink{}
	p := layout.Alloc(NewContext(nil))
	p.Chain(out)
	p.Input(&event.StreamStart{})
	require.Len(t, out.events, 1)

	Release(p)
	p2 := layout.Alloc(NewContext(nil))
	require.Same(t, p, p2)
	// The recycled pipeline must not still point at the old consumer.
	p2.Input(&event.StreamStart{})
	assert.Len(t, out.events, 1)
	Release(p2)
}

func TestInputContextDefersRelease(t *testing.T) {
	var trace []string
	layout := NewLayout("defer", testLogger(), &tagFilter{tag: "f", trace: &trace})
	p := layout.Alloc(NewContext(nil))

	ic := NewInputContext()
	Release(p)
	assert.Equal(t, 1, layout.InUse(), "release must defer to end of turn")
	ic.Close()
	assert.Equal(t, 0, layout.InUse())
}

func TestNestedInputContextsFlatten(t *testing.T) {
	var trace []string
	layout := NewLayout("nested", testLogger(), &tagFilter{tag: "f", trace: &trace})
	p := layout.Alloc(NewContext(nil))

	outer := NewInputContext()
	inner := NewInputContext()
	Release(p)
	inner.Close()
	assert.Equal(t, 1, layout.InUse(), "inner close must not release")
	outer.Close()
	assert.Equal(t, 0, layout.InUse())
}

func TestReleasesDuringDrainAreDrained(t *testing.T) {
	var trace []string
	layout := NewLayout("cascade", testLogger(), &tagFilter{tag: "f", trace: &trace})
	p1 := layout.Alloc(NewContext(nil))
	p2 := layout.Alloc(NewContext(nil))

	ic := NewInputContext()
	Defer(func() {
		// A release scheduled while draining still lands this turn.
		Release(p2)
	})
	Release(p1)
	ic.Close()
	assert.Equal(t, 0, layout.InUse())
}

// jointFilter exercises sub-pipeline dispatch.
type jointFilter struct {
	Base
	sub *Pipeline
}

func (f *jointFilter) Name() string { return "joint" }

func (f *jointFilter) Clone() Filter { return &jointFilter{Base: f.CloneBase()} }

func (f *jointFilter) Process(evt event.Event) {
	if f.sub == nil {
		f.sub = f.SubPipeline(0, event.InputFunc(f.Output), "arg0", 7)
	}
	f.sub.Input(evt)
}

func (f *jointFilter) Reset() {
	Release(f.sub)
	f.sub = nil
}

func TestSubPipelineArgsAndRouting(t *testing.T) {
	var trace []string
	sub := NewLayout("sub", testLogger(), &tagFilter{tag: "s", trace: &trace})

	joint := &jointFilter{Base: NewJointBase(1)}
	joint.To(sub)
	layout := NewLayout("main", testLogger(), joint)

	out := &sink{}
	p := layout.Alloc(NewContext(nil))
	p.Chain(out)
	p.Input(event.NewData([]byte("x")))

	require.Equal(t, []string{"s:*event.Data"}, trace)
	require.Len(t, out.events, 1, "sub-pipeline output must reach the joint's output")

	subPipe := p.filters[0].(*jointFilter).sub
	require.NotNil(t, subPipe)
	assert.Equal(t, "arg0", subPipe.Context().Arg(0))
	assert.Equal(t, 7, subPipe.Context().Arg(1))
	assert.Nil(t, subPipe.Context().Arg(5))
}

func TestContextDerive(t *testing.T) {
	inbound := struct{ name string }{"conn"}
	ctx := NewContext(&inbound)
	child := ctx.Derive(1, 2)
	assert.Equal(t, ctx.Inbound, child.Inbound)
	assert.NotEqual(t, ctx.ID(), child.ID())
	assert.Equal(t, 1, child.Arg(0))
}
