// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"github.com/eapache/queue"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
)

// QueueMuxer correlates requests and responses in order atop one shared
// transport. Streams buffer their message locally until MessageEnd, are
// enqueued on emit, and replies from the transport are routed to the
// head-of-queue stream.
type QueueMuxer struct {
	output    event.Input
	streams   *queue.Queue
	dedicated bool
	met       *metrics.Metrics
}

// NewQueueMuxer creates a muxer whose emitted requests go to output, which
// is typically the shared session transport.
func NewQueueMuxer(output event.Input, met *metrics.Metrics) *QueueMuxer {
	return &QueueMuxer{output: output, streams: queue.New(), met: met}
}

// SetOutput redirects emitted requests, used when the transport pipeline
// is linked after the muxer is built.
func (m *QueueMuxer) SetOutput(output event.Input) { m.output = output }

// Reset drops every queued stream and leaves dedicated mode.
func (m *QueueMuxer) Reset() {
	for m.streams.Length() > 0 {
		m.streams.Remove()
	}
	m.dedicated = false
}

// OpenStream opens a logical stream replying to out.
func (m *QueueMuxer) OpenStream(out event.Input) *QueueStream {
	if m.met != nil {
		m.met.MuxStreams.Inc()
	}
	return &QueueStream{muxer: m, out: out, buffer: event.NewBuffer()}
}

// CloseStream releases a stream. A queued stream stays referenced by the
// queue until its reply completes.
func (m *QueueMuxer) CloseStream(s *QueueStream) {
	if m.met != nil {
		m.met.MuxStreams.Dec()
	}
	s.closed = true
}

// IncreaseQueueCount lets protocols that pipeline several replies per
// request hold the head stream queued for one more MessageEnd.
func (m *QueueMuxer) IncreaseQueueCount() {
	if m.streams.Length() > 0 {
		m.streams.Peek().(*QueueStream).queuedCount++
	}
}

// Dedicate claims the transport exclusively for the head stream for the
// remainder of the session, e.g. after a protocol upgrade.
func (m *QueueMuxer) Dedicate() {
	m.dedicated = true
}

// OnReply routes transport events to queued streams. Replies are delivered
// in the order the requests' MessageEnd reached the transport. A StreamEnd
// fans out to every queued stream, opening unstarted replies with a
// synthetic MessageStart first.
func (m *QueueMuxer) OnReply(evt event.Event) {
	if m.dedicated {
		if m.streams.Length() > 0 {
			s := m.streams.Peek().(*QueueStream)
			s.dedicated = true
			s.out.Input(evt)
		}
		return
	}

	switch e := evt.(type) {
	case *event.MessageStart:
		if m.streams.Length() > 0 {
			s := m.streams.Peek().(*QueueStream)
			if !s.started {
				s.started = true
				s.out.Input(evt)
			}
		}

	case *event.Data:
		if m.streams.Length() > 0 {
			s := m.streams.Peek().(*QueueStream)
			if s.started {
				s.out.Input(evt)
			}
		}

	case *event.MessageEnd:
		if m.streams.Length() > 0 {
			s := m.streams.Peek().(*QueueStream)
			if s.started {
				if s.queuedCount--; s.queuedCount == 0 {
					m.streams.Remove()
					s.out.Input(evt)
				} else {
					s.started = false
					s.out.Input(evt)
				}
			}
		}

	case *event.StreamEnd:
		for m.streams.Length() > 0 {
			s := m.streams.Remove().(*QueueStream)
			if !s.started {
				s.out.Input(&event.MessageStart{})
			}
			s.out.Input(&event.StreamEnd{Err: e.Err})
		}
	}
}

// QueueStream is one logical request/response over a queue-muxed session.
// It is retained while the user has not closed it and while it waits for
// its reply.
type QueueStream struct {
	muxer  *QueueMuxer
	out    event.Input
	start  *event.MessageStart
	buffer *event.Buffer

	queuedCount int
	oneWay      bool
	started     bool
	dedicated   bool
	closed      bool
}

// SetOneWay marks the stream as expecting no reply: it is emitted without
// being enqueued and released immediately.
func (s *QueueStream) SetOneWay() { s.oneWay = true }

// Input accumulates MessageStart and Data locally; MessageEnd enqueues the
// stream (unless one-way) and emits the whole message to the transport.
func (s *QueueStream) Input(evt event.Event) {
	m := s.muxer

	if s.dedicated {
		m.output.Input(evt)
		return
	}

	switch e := evt.(type) {
	case *event.MessageStart:
		if s.start == nil {
			s.start = e
		}

	case *event.Data:
		if s.start != nil && s.queuedCount == 0 {
			s.buffer.PushBuffer(e.Buffer)
		}

	case *event.MessageEnd, *event.StreamEnd:
		if s.start != nil && s.queuedCount == 0 {
			s.queuedCount = 1
			if !s.oneWay {
				m.streams.Add(s)
			}
			m.output.Input(s.start)
			if !s.buffer.Empty() {
				m.output.Input(event.NewDataFrom(s.buffer))
				s.buffer = event.NewBuffer()
			}
			if end, ok := evt.(*event.MessageEnd); ok {
				m.output.Input(end)
			} else {
				m.output.Input(&event.MessageEnd{})
			}
		}
	}
}
