// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// upstream plays the shared transport: it records request bytes and
// answers each message in arrival order. One clone per session pipeline,
// so the number of live clones equals the number of upstream connections.
type upstream struct {
	pipeline.Base
	state *upstreamState
	body  *event.Buffer
}

type upstreamState struct {
	connections int
	requests    []string
}

func (f *upstream) Name() string { return "upstream" }

func (f *upstream) Clone() pipeline.Filter {
	f.state.connections++
	return &upstream{Base: f.CloneBase(), state: f.state, body: event.NewBuffer()}
}

func (f *upstream) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		f.body.PushBuffer(e.Buffer)
	case *event.MessageEnd:
		req := string(f.body.Bytes())
		f.body = event.NewBuffer()
		f.state.requests = append(f.state.requests, req)
		f.Output(&event.MessageStart{})
		f.Output(event.NewData([]byte("reply-to-" + req)))
		f.Output(&event.MessageEnd{})
	}
}

func (f *upstream) Reset() { f.body = event.NewBuffer() }

func muxQueueFixture(t *testing.T, opts Options) (*pipeline.Layout, *upstreamState) {
	t.Helper()
	state := &upstreamState{}
	shared := pipeline.NewLayout("shared", testLogger(), &upstream{state: state, body: event.NewBuffer()})

	pool := newTestPool()
	tmpl := &MuxQueue{Base: pipeline.NewJointBase(1)}
	tmpl.pool = pool
	tmpl.selector = func(*pipeline.Context) any { return "upstream-key" }
	tmpl.opts = opts
	tmpl.newImpl = func() SessionImpl { return newQueueSession(nil) }
	tmpl.To(shared)

	return pipeline.NewLayout("mux", testLogger(), tmpl), state
}

func TestMuxQueueSharesOneSession(t *testing.T) {
	layout, state := muxQueueFixture(t, Options{MaxIdle: time.Minute, MaxQueue: 8})

	out1, out2 := &sink{}, &sink{}
	p1 := layout.Alloc(pipeline.NewContext(nil))
	p1.Chain(out1)
	p2 := layout.Alloc(pipeline.NewContext(nil))
	p2.Chain(out2)

	writeMessage(p1, "r1")
	writeMessage(p2, "r2")

	assert.Equal(t, 1, state.connections,
		"two concurrent requests to one key share one upstream connection")
	assert.Equal(t, []string{"r1", "r2"}, state.requests,
		"the upstream sees both requests pipelined")

	require.Equal(t, []string{"start", "data:reply-to-r1", "end"}, out1.kinds())
	require.Equal(t, []string{"start", "data:reply-to-r2", "end"}, out2.kinds())

	pipeline.Release(p1)
	pipeline.Release(p2)
}

func TestMuxQueueMaxQueueOneSplitsSessions(t *testing.T) {
	layout, state := muxQueueFixture(t, Options{MaxIdle: time.Minute, MaxQueue: 1})

	p1 := layout.Alloc(pipeline.NewContext(nil))
	p1.Chain(&sink{})
	p2 := layout.Alloc(pipeline.NewContext(nil))
	p2.Chain(&sink{})

	writeMessage(p1, "a")
	writeMessage(p2, "b")
	assert.Equal(t, 2, state.connections,
		"maxQueue=1 forbids sharing while the first stream is open")

	pipeline.Release(p1)
	pipeline.Release(p2)
}

func TestMuxQueueSequentialReuse(t *testing.T) {
	layout, state := muxQueueFixture(t, Options{MaxIdle: time.Minute, MaxQueue: 1})

	p1 := layout.Alloc(pipeline.NewContext(nil))
	p1.Chain(&sink{})
	writeMessage(p1, "first")
	pipeline.Release(p1)

	p2 := layout.Alloc(pipeline.NewContext(nil))
	p2.Chain(&sink{})
	writeMessage(p2, "second")

	assert.Equal(t, 1, state.connections,
		"a completed stream's session is reused by the next")
	pipeline.Release(p2)
}

func TestMuxQueueDefaultKeyIsInbound(t *testing.T) {
	state := &upstreamState{}
	shared := pipeline.NewLayout("shared", testLogger(), &upstream{state: state, body: event.NewBuffer()})

	pool := newTestPool()
	tmpl := &MuxQueue{Base: pipeline.NewJointBase(1)}
	tmpl.pool = pool
	tmpl.opts = Options{MaxIdle: time.Minute, MaxQueue: 8}
	tmpl.newImpl = func() SessionImpl { return newQueueSession(nil) }
	tmpl.To(shared)
	layout := pipeline.NewLayout("mux", testLogger(), tmpl)

	in1 := &struct{ id int }{1}
	in2 := &struct{ id int }{2}
	p1 := layout.Alloc(pipeline.NewContext(in1))
	p1.Chain(&sink{})
	p2 := layout.Alloc(pipeline.NewContext(in2))
	p2.Chain(&sink{})

	writeMessage(p1, "x")
	writeMessage(p2, "y")
	assert.Equal(t, 2, state.connections,
		"different inbound identities must not share a session")

	pipeline.Release(p1)
	pipeline.Release(p2)
}

func TestPendingSessionBuffersInput(t *testing.T) {
	layout, state := muxQueueFixture(t, Options{MaxIdle: time.Minute, MaxQueue: 8})

	// The first invocation establishes the session.
	p1 := layout.Alloc(pipeline.NewContext(nil))
	p1.Chain(&sink{})
	p1.Input(&event.MessageStart{})
	mq := p1.Filters()[0].(*MuxQueue)
	session := mq.session
	require.NotNil(t, session)

	// A handshake is now in flight: later invocations must queue.
	session.SetPending(true)

	out2 := &sink{}
	p2 := layout.Alloc(pipeline.NewContext(nil))
	p2.Chain(out2)
	writeMessage(p2, "held")
	assert.Empty(t, state.requests, "input buffers while the session is pending")

	session.SetPending(false)
	assert.Equal(t, []string{"held"}, state.requests,
		"buffered events flush in order when the session opens")
	require.Equal(t, []string{"start", "data:reply-to-held", "end"}, out2.kinds())

	pipeline.Release(p1)
	pipeline.Release(p2)
}
