// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"encoding/binary"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// WebSocket opcodes carried in message heads.
const (
	WSOpcodeContinuation = 0x0
	WSOpcodeText         = 0x1
	WSOpcodeBinary       = 0x2
	WSOpcodeClose        = 0x8
	WSOpcodePing         = 0x9
	WSOpcodePong         = 0xa
)

// DecodeWebSocket splits the byte stream into WebSocket frames: one
// message per frame with fin/opcode/masked metadata in the head and the
// unmasked payload as body.
type DecodeWebSocket struct {
	pipeline.Base
	buffer *event.Buffer
}

// NewDecodeWebSocket creates a decodeWebSocket filter template.
func NewDecodeWebSocket() *DecodeWebSocket {
	return &DecodeWebSocket{buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (d *DecodeWebSocket) Name() string { return "decodeWebSocket" }

// Clone implements pipeline.Filter.
func (d *DecodeWebSocket) Clone() pipeline.Filter {
	return &DecodeWebSocket{Base: d.CloneBase(), buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (d *DecodeWebSocket) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		d.buffer.PushBuffer(e.Buffer)
		d.drain()
	case *event.StreamEnd:
		d.buffer.Release()
		d.Output(evt)
	}
}

func (d *DecodeWebSocket) drain() {
	for {
		size := d.buffer.Size()
		if size < 2 {
			return
		}
		b0 := d.buffer.ByteAt(0)
		b1 := d.buffer.ByteAt(1)
		masked := b1&0x80 != 0
		payloadLen := int(b1 & 0x7f)
		headerLen := 2
		switch payloadLen {
		case 126:
			headerLen += 2
		case 127:
			headerLen += 8
		}
		if masked {
			headerLen += 4
		}
		if size < headerLen {
			return
		}
		switch {
		case payloadLen == 126:
			payloadLen = int(binary.BigEndian.Uint16([]byte{d.buffer.ByteAt(2), d.buffer.ByteAt(3)}))
		case payloadLen == 127:
			raw := make([]byte, 8)
			for i := range raw {
				raw[i] = d.buffer.ByteAt(2 + i)
			}
			payloadLen = int(binary.BigEndian.Uint64(raw))
		}
		if size < headerLen+payloadLen {
			return
		}

		header := d.buffer.Shift(headerLen).Bytes()
		payload := d.buffer.Shift(payloadLen).Bytes()
		if masked {
			key := header[headerLen-4:]
			for i := range payload {
				payload[i] ^= key[i%4]
			}
		}

		head := map[string]any{
			"protocol": "websocket",
			"fin":      b0&0x80 != 0,
			"opcode":   int(b0 & 0x0f),
			"masked":   masked,
		}
		d.Output(&event.MessageStart{Head: head})
		if len(payload) > 0 {
			d.Output(event.NewData(payload))
		}
		d.Output(&event.MessageEnd{})
	}
}

// Reset implements pipeline.Filter.
func (d *DecodeWebSocket) Reset() {
	d.buffer.Release()
}

// EncodeWebSocket frames each message as a WebSocket frame using the
// fin/opcode/masked head fields. Masked frames use the mask key from the
// head or zeros.
type EncodeWebSocket struct {
	pipeline.Base

	head   map[string]any
	buffer *event.Buffer
}

// NewEncodeWebSocket creates an encodeWebSocket filter template.
func NewEncodeWebSocket() *EncodeWebSocket {
	return &EncodeWebSocket{buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (e *EncodeWebSocket) Name() string { return "encodeWebSocket" }

// Clone implements pipeline.Filter.
func (e *EncodeWebSocket) Clone() pipeline.Filter {
	return &EncodeWebSocket{Base: e.CloneBase(), buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (e *EncodeWebSocket) Process(evt event.Event) {
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

func (e *EncodeWebSocket) emit() {
	head := e.head
	e.head = nil
	payload := e.buffer.Bytes()
	e.buffer.Release()

	opcode := WSOpcodeBinary
	if v, ok := head["opcode"].(int); ok {
		opcode = v
	}
	fin := true
	if v, ok := head["fin"].(bool); ok {
		fin = v
	}
	masked := false
	if v, ok := head["masked"].(bool); ok {
		masked = v
	}

	out := event.NewBuffer()
	b0 := byte(opcode & 0x0f)
	if fin {
		b0 |= 0x80
	}
	out.PushByte(b0)

	maskBit := byte(0)
	if masked {
		maskBit = 0x80
	}
	n := len(payload)
	switch {
	case n < 126:
		out.PushByte(maskBit | byte(n))
	case n <= 0xffff:
		out.PushByte(maskBit | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		out.Push(ext[:])
	default:
		out.PushByte(maskBit | 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		out.Push(ext[:])
	}

	if masked {
		var key [4]byte
		if v, ok := head["maskKey"].([]byte); ok && len(v) == 4 {
			copy(key[:], v)
		}
		out.Push(key[:])
		maskedPayload := make([]byte, n)
		for i, b := range payload {
			maskedPayload[i] = b ^ key[i%4]
		}
		out.Push(maskedPayload)
	} else {
		out.Push(payload)
	}

	e.Output(event.NewDataFrom(out))
}

// Reset implements pipeline.Filter.
func (e *EncodeWebSocket) Reset() {
	e.head = nil
	e.buffer.Release()
}
