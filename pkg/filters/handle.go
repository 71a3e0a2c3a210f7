// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Message is a complete buffered message handed to handleMessage
// callbacks.
type Message struct {
	Head map[string]any
	Body *event.Buffer
	Tail map[string]any
}

// handleKind selects which events a Handle filter intercepts.
type handleKind int

const (
	handleStreamStart handleKind = iota
	handleData
	handleMessageStart
	handleMessageEnd
	handleStreamEnd
	handleMessage
)

// Handle invokes a user callback on matching events and passes everything
// through. The handleMessage flavor buffers a whole message and delivers
// it at MessageEnd.
type Handle struct {
	pipeline.Base
	kind handleKind

	onEvent   func(event.Event)
	onMessage func(*Message)

	start  *event.MessageStart
	buffer *event.Buffer
}

// NewHandleStreamStart calls fn on the first event of the stream.
func NewHandleStreamStart(fn func(event.Event)) *Handle {
	return &Handle{kind: handleStreamStart, onEvent: fn}
}

// NewHandleData calls fn for every Data event.
func NewHandleData(fn func(event.Event)) *Handle {
	return &Handle{kind: handleData, onEvent: fn}
}

// NewHandleMessageStart calls fn for every MessageStart.
func NewHandleMessageStart(fn func(event.Event)) *Handle {
	return &Handle{kind: handleMessageStart, onEvent: fn}
}

// NewHandleMessageEnd calls fn for every MessageEnd.
func NewHandleMessageEnd(fn func(event.Event)) *Handle {
	return &Handle{kind: handleMessageEnd, onEvent: fn}
}

// NewHandleStreamEnd calls fn for the terminal StreamEnd.
func NewHandleStreamEnd(fn func(event.Event)) *Handle {
	return &Handle{kind: handleStreamEnd, onEvent: fn}
}

// NewHandleMessage buffers each message and calls fn with it complete.
func NewHandleMessage(fn func(*Message)) *Handle {
	return &Handle{kind: handleMessage, onMessage: fn}
}

// Name implements pipeline.Filter.
func (h *Handle) Name() string {
	switch h.kind {
	case handleStreamStart:
		return "handleStreamStart"
	case handleData:
		return "handleData"
	case handleMessageStart:
		return "handleMessageStart"
	case handleMessageEnd:
		return "handleMessageEnd"
	case handleStreamEnd:
		return "handleStreamEnd"
	default:
		return "handleMessage"
	}
}

// Clone implements pipeline.Filter.
func (h *Handle) Clone() pipeline.Filter {
	return &Handle{
		Base:      h.CloneBase(),
		kind:      h.kind,
		onEvent:   h.onEvent,
		onMessage: h.onMessage,
	}
}

// Process implements pipeline.Filter.
func (h *Handle) Process(evt event.Event) {
	switch h.kind {
	case handleMessage:
		h.processMessage(evt)
		return
	case handleStreamStart:
		if _, ok := evt.(*event.StreamStart); ok {
			h.onEvent(evt)
		}
	case handleData:
		if _, ok := evt.(*event.Data); ok {
			h.onEvent(evt)
		}
	case handleMessageStart:
		if _, ok := evt.(*event.MessageStart); ok {
			h.onEvent(evt)
		}
	case handleMessageEnd:
		if _, ok := evt.(*event.MessageEnd); ok {
			h.onEvent(evt)
		}
	case handleStreamEnd:
		if _, ok := evt.(*event.StreamEnd); ok {
			h.onEvent(evt)
		}
	}
	h.Output(evt)
}

func (h *Handle) processMessage(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if h.start == nil {
			h.start = e
			h.buffer = event.NewBuffer()
			return
		}
	case *event.Data:
		if h.start != nil {
			h.buffer.PushBuffer(e.Buffer)
			return
		}
	case *event.MessageEnd:
		if h.start != nil {
			msg := &Message{Head: h.start.Head, Body: h.buffer, Tail: e.Tail}
			h.start = nil
			h.buffer = nil
			h.onMessage(msg)
			h.Output(&event.MessageStart{Head: msg.Head})
			if msg.Body != nil && !msg.Body.Empty() {
				h.Output(event.NewDataFrom(msg.Body))
			}
			h.Output(&event.MessageEnd{Tail: msg.Tail})
			return
		}
	}
	h.Output(evt)
}

// Reset implements pipeline.Filter.
func (h *Handle) Reset() {
	h.start = nil
	h.buffer = nil
}
