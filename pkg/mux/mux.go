// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Selector maps a pipeline context to a session key. Returning nil selects
// the default key, the request's inbound identity.
type Selector func(ctx *pipeline.Context) any

// muxCore is the per-invocation state shared by every mux filter flavor:
// select a key on the first event, allocate a session from its cluster,
// lazily instantiate the shared sub-pipeline, wait while the session is
// pending, then open a stream and feed it.
type muxCore struct {
	pool     *SessionPool
	selector Selector
	opts     Options
	newImpl  func() SessionImpl

	session *Session
	stream  Stream
	key     any

	waiting       bool
	waitingEvents []event.Event
	pendingOut    event.Input
}

// openStream runs once per invocation, on the first event.
func (c *muxCore) openStream(f *pipeline.Base, out event.Input) {
	if c.stream != nil {
		return
	}
	s := c.session
	if s == nil {
		key := c.selectKey(f.Context())
		s = c.pool.Alloc(key, c.opts, c.newImpl)
		c.session = s
		c.key = key
	}

	if s.pipe == nil {
		idx := c.pool.ClusterSize(c.key)
		p := f.SubPipeline(0, event.Discard, c.key, idx)
		s.link(p)
	}

	if s.IsPending() {
		c.startWaiting(out)
		return
	}

	c.stream = s.impl.OpenStream(out)
}

func (c *muxCore) selectKey(ctx *pipeline.Context) any {
	var key any
	if c.selector != nil {
		key = c.selector(ctx)
	}
	if key == nil {
		key = ctx.Inbound
	}
	return key
}

// writeStream feeds evt to the open stream, or buffers it while the
// session is pending.
func (c *muxCore) writeStream(evt event.Event) {
	if c.waiting {
		c.waitingEvents = append(c.waitingEvents, evt)
	} else if c.stream != nil {
		c.stream.Input(evt)
	}
}

func (c *muxCore) startWaiting(out event.Input) {
	if !c.waiting {
		c.waiting = true
		c.pendingOut = out
		c.session.waiting = append(c.session.waiting, c)
	}
}

// flushWaiting fires when the pending session signals ready: the stream
// opens and the locally buffered events drain into it in order.
func (c *muxCore) flushWaiting() {
	c.waiting = false
	if s := c.session; s != nil && c.stream == nil {
		c.stream = s.impl.OpenStream(c.pendingOut)
	}
	events := c.waitingEvents
	c.waitingEvents = nil
	for _, evt := range events {
		c.writeStream(evt)
	}
}

func (c *muxCore) stopWaiting() {
	if c.waiting {
		if s := c.session; s != nil {
			for i, m := range s.waiting {
				if m == c {
					s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
					break
				}
			}
		}
		c.waiting = false
	}
}

// reset closes the stream and drops the session share.
func (c *muxCore) reset() {
	if c.session != nil {
		c.stopWaiting()
		if c.stream != nil {
			c.session.impl.CloseStream(c.stream)
			c.stream = nil
		}
		c.session.free()
		c.session = nil
	}
	c.waitingEvents = nil
	c.key = nil
}

// MuxQueue is the muxQueue filter: logical streams share one upstream
// transport with strict request-to-response order.
type MuxQueue struct {
	pipeline.Base
	muxCore

	isOneWay func(*event.MessageStart) bool
	started  bool
}

// NewMuxQueue creates a muxQueue filter template. Clones share the session
// pool, so concurrent invocations coalesce onto the same sessions.
func NewMuxQueue(loop *engine.Loop, met *metrics.Metrics, selector Selector, opts Options, isOneWay func(*event.MessageStart) bool) *MuxQueue {
	m := &MuxQueue{
		Base:     pipeline.NewJointBase(1),
		isOneWay: isOneWay,
	}
	m.pool = NewSessionPool(loop, met)
	m.selector = selector
	m.opts = opts
	m.newImpl = func() SessionImpl { return newQueueSession(met) }
	return m
}

// Name implements pipeline.Filter.
func (m *MuxQueue) Name() string { return "muxQueue" }

// Clone implements pipeline.Filter.
func (m *MuxQueue) Clone() pipeline.Filter {
	out := &MuxQueue{
		Base:     m.CloneBase(),
		isOneWay: m.isOneWay,
	}
	out.pool = m.pool
	out.selector = m.selector
	out.opts = m.opts
	out.newImpl = m.newImpl
	return out
}

// Process implements pipeline.Filter.
func (m *MuxQueue) Process(evt event.Event) {
	m.openStream(&m.Base, event.InputFunc(m.Output))
	m.writeStream(evt)

	if m.isOneWay != nil && !m.started {
		if start, ok := evt.(*event.MessageStart); ok {
			if s, ok := m.stream.(*QueueStream); ok && m.isOneWay(start) {
				s.SetOneWay()
			}
			m.started = true
		}
	}
}

// Reset implements pipeline.Filter.
func (m *MuxQueue) Reset() {
	m.muxCore.reset()
	m.started = false
}

// Shutdown implements pipeline.Filter.
func (m *MuxQueue) Shutdown() {
	m.pool.Shutdown()
}

// queueSession adapts a QueueMuxer to the generic session contract.
type queueSession struct {
	muxer *QueueMuxer
}

func newQueueSession(met *metrics.Metrics) *queueSession {
	return &queueSession{muxer: NewQueueMuxer(event.Discard, met)}
}

func (q *queueSession) Open(s *Session) {
	q.muxer.SetOutput(event.InputFunc(s.Input))
}

func (q *queueSession) OpenStream(out event.Input) Stream {
	return q.muxer.OpenStream(out)
}

func (q *queueSession) CloseStream(st Stream) {
	q.muxer.CloseStream(st.(*QueueStream))
}

func (q *queueSession) OnReply(evt event.Event) {
	q.muxer.OnReply(evt)
}

func (q *queueSession) Close() {
	q.muxer.Reset()
}

// Mux is the plain mux filter: each message is merged into the shared
// transport while the original events pass through to the filter's own
// output. Replies on the shared transport stay with the session.
type Mux struct {
	pipeline.Base
	muxCore
}

// NewMux creates a mux filter template. Clones share the session pool.
func NewMux(loop *engine.Loop, met *metrics.Metrics, selector Selector, opts Options) *Mux {
	m := &Mux{Base: pipeline.NewJointBase(1)}
	m.pool = NewSessionPool(loop, met)
	m.selector = selector
	m.opts = opts
	m.newImpl = func() SessionImpl { return &mergeSession{} }
	return m
}

// Name implements pipeline.Filter.
func (m *Mux) Name() string { return "mux" }

// Clone implements pipeline.Filter.
func (m *Mux) Clone() pipeline.Filter {
	out := &Mux{Base: m.CloneBase()}
	out.pool = m.pool
	out.selector = m.selector
	out.opts = m.opts
	out.newImpl = m.newImpl
	return out
}

// Process implements pipeline.Filter.
func (m *Mux) Process(evt event.Event) {
	m.openStream(&m.Base, event.Discard)
	m.writeStream(evt)
	m.Output(evt)
}

// Reset implements pipeline.Filter.
func (m *Mux) Reset() {
	m.muxCore.reset()
}

// Shutdown implements pipeline.Filter.
func (m *Mux) Shutdown() {
	m.pool.Shutdown()
}

// mergeSession writes whole messages into the shared transport and leaves
// replies to the session.
type mergeSession struct {
	session *Session
}

func (m *mergeSession) Open(s *Session)              { m.session = s }
func (m *mergeSession) OnReply(evt event.Event)      {}
func (m *mergeSession) Close()                       { m.session = nil }
func (m *mergeSession) CloseStream(st Stream)        {}
func (m *mergeSession) OpenStream(out event.Input) Stream {
	return &mergeStream{session: m.session, buffer: event.NewBuffer()}
}

// mergeStream accumulates one message and emits it atomically into the
// shared transport on MessageEnd.
type mergeStream struct {
	session *Session
	start   *event.MessageStart
	buffer  *event.Buffer
}

func (s *mergeStream) Input(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if s.start == nil {
			s.start = e
		}
	case *event.Data:
		if s.start != nil {
			s.buffer.PushBuffer(e.Buffer)
		}
	case *event.MessageEnd, *event.StreamEnd:
		if s.start != nil {
			s.session.Input(s.start)
			if !s.buffer.Empty() {
				s.session.Input(event.NewDataFrom(s.buffer))
				s.buffer = event.NewBuffer()
			}
			if _, ok := evt.(*event.StreamEnd); ok {
				s.session.Input(&event.MessageEnd{})
			} else {
				s.session.Input(evt)
			}
			s.start = nil
		}
	}
}
