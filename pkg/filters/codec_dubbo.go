// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"encoding/binary"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Dubbo frame layout: 2-byte magic 0xdabb, 1 byte flags, 1 byte status,
// 8-byte request id, 4-byte body length, then the body. The body is
// opaque to the engine.
const (
	dubboHeaderSize = 16
	dubboMagic      = 0xdabb

	dubboFlagRequest = 0x80
	dubboFlagTwoWay  = 0x40
	dubboFlagEvent   = 0x20
)

// DecodeDubbo splits the byte stream into Dubbo frames: one message per
// frame with id, status and flag metadata in the head and the raw body as
// payload.
type DecodeDubbo struct {
	pipeline.Base
	buffer *event.Buffer
}

// NewDecodeDubbo creates a decodeDubbo filter template.
func NewDecodeDubbo() *DecodeDubbo {
	return &DecodeDubbo{buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (d *DecodeDubbo) Name() string { return "decodeDubbo" }

// Clone implements pipeline.Filter.
func (d *DecodeDubbo) Clone() pipeline.Filter {
	return &DecodeDubbo{Base: d.CloneBase(), buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (d *DecodeDubbo) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		d.buffer.PushBuffer(e.Buffer)
		d.drain()
	case *event.StreamEnd:
		d.buffer.Release()
		d.Output(evt)
	}
}

func (d *DecodeDubbo) drain() {
	for d.buffer.Size() >= dubboHeaderSize {
		header := make([]byte, dubboHeaderSize)
		for i := range header {
			header[i] = d.buffer.ByteAt(i)
		}
		if binary.BigEndian.Uint16(header[0:2]) != dubboMagic {
			d.Output(&event.StreamEnd{Err: event.KindProtocolError})
			return
		}
		bodyLen := int(binary.BigEndian.Uint32(header[12:16]))
		if d.buffer.Size() < dubboHeaderSize+bodyLen {
			return
		}
		d.buffer.Shift(dubboHeaderSize).Release()
		body := d.buffer.Shift(bodyLen)

		flags := header[2]
		head := map[string]any{
			"protocol":      "dubbo",
			"id":            int64(binary.BigEndian.Uint64(header[4:12])),
			"status":        int(header[3]),
			"isRequest":     flags&dubboFlagRequest != 0,
			"isTwoWay":      flags&dubboFlagTwoWay != 0,
			"isEvent":       flags&dubboFlagEvent != 0,
			"serialization": int(flags & 0x1f),
		}
		d.Output(&event.MessageStart{Head: head})
		if !body.Empty() {
			d.Output(event.NewDataFrom(body))
		}
		d.Output(&event.MessageEnd{})
	}
}

// Reset implements pipeline.Filter.
func (d *DecodeDubbo) Reset() {
	d.buffer.Release()
}

// EncodeDubboOptions override head fields on every frame encoded.
type EncodeDubboOptions struct {
	// IsRequest forces the request flag when set.
	IsRequest *bool
}

// EncodeDubbo frames each message back into a Dubbo frame using the head
// fields produced by DecodeDubbo.
type EncodeDubbo struct {
	pipeline.Base
	opts EncodeDubboOptions

	head   map[string]any
	buffer *event.Buffer
}

// NewEncodeDubbo creates an encodeDubbo filter template.
func NewEncodeDubbo(opts EncodeDubboOptions) *EncodeDubbo {
	return &EncodeDubbo{opts: opts, buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (e *EncodeDubbo) Name() string { return "encodeDubbo" }

// Clone implements pipeline.Filter.
func (e *EncodeDubbo) Clone() pipeline.Filter {
	return &EncodeDubbo{Base: e.CloneBase(), opts: e.opts, buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (e *EncodeDubbo) Process(evt event.Event) {
	switch ev := evt.(type) {
	case *event.MessageStart:
		if e.head == nil {
			e.head = ev.Head
		}
	case *event.Data:
		if e.head != nil {
			e.buffer.PushBuffer(ev.Buffer)
		}
	case *event.MessageEnd:
		if e.head != nil {
			e.emit()
		}
	case *event.StreamEnd:
		e.head = nil
		e.buffer.Release()
		e.Output(evt)
	}
}

func (e *EncodeDubbo) emit() {
	head := e.head
	e.head = nil
	body := e.buffer.Bytes()
	e.buffer.Release()

	var id int64
	if v, ok := head["id"].(int64); ok {
		id = v
	}
	status := 0
	if v, ok := head["status"].(int); ok {
		status = v
	}
	isRequest := false
	if v, ok := head["isRequest"].(bool); ok {
		isRequest = v
	}
	if e.opts.IsRequest != nil {
		isRequest = *e.opts.IsRequest
	}
	isTwoWay := true
	if v, ok := head["isTwoWay"].(bool); ok {
		isTwoWay = v
	}
	serialization := 2
	if v, ok := head["serialization"].(int); ok {
		serialization = v
	}

	var flags byte
	if isRequest {
		flags |= dubboFlagRequest
	}
	if isTwoWay {
		flags |= dubboFlagTwoWay
	}
	if v, ok := head["isEvent"].(bool); ok && v {
		flags |= dubboFlagEvent
	}
	flags |= byte(serialization & 0x1f)

	header := make([]byte, dubboHeaderSize)
	binary.BigEndian.PutUint16(header[0:2], dubboMagic)
	header[2] = flags
	header[3] = byte(status)
	binary.BigEndian.PutUint64(header[4:12], uint64(id))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(body)))

	out := event.NewBuffer()
	out.Push(header)
	out.Push(body)
	e.Output(event.NewDataFrom(out))
}

// Reset implements pipeline.Filter.
func (e *EncodeDubbo) Reset() {
	e.head = nil
	e.buffer.Release()
}
