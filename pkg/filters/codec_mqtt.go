// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"bytes"

	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// DecodeMQTT splits the byte stream into MQTT control packets. Each packet
// becomes one message whose head carries the parsed packet; PUBLISH
// payloads travel as the message body.
type DecodeMQTT struct {
	pipeline.Base
	buffer *event.Buffer
}

// NewDecodeMQTT creates a decodeMQTT filter template.
func NewDecodeMQTT() *DecodeMQTT {
	return &DecodeMQTT{buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (d *DecodeMQTT) Name() string { return "decodeMQTT" }

// Clone implements pipeline.Filter.
func (d *DecodeMQTT) Clone() pipeline.Filter {
	return &DecodeMQTT{Base: d.CloneBase(), buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (d *DecodeMQTT) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		d.buffer.PushBuffer(e.Buffer)
		d.drain()
	case *event.StreamEnd:
		d.buffer.Release()
		d.Output(evt)
	}
}

// drain emits every complete packet buffered so far.
func (d *DecodeMQTT) drain() {
	for {
		n := mqttPacketLength(d.buffer)
		if n <= 0 || d.buffer.Size() < n {
			return
		}
		frame := d.buffer.Shift(n)
		pkt, err := packets.ReadPacket(bytes.NewReader(frame.Bytes()))
		frame.Release()
		if err != nil {
			d.Output(&event.StreamEnd{Err: event.KindProtocolError})
			return
		}
		head := map[string]any{
			"protocol": "mqtt",
			"packet":   pkt,
			"type":     pkt.String(),
		}
		d.Output(&event.MessageStart{Head: head})
		if pub, ok := pkt.(*packets.PublishPacket); ok && len(pub.Payload) > 0 {
			d.Output(event.NewData(pub.Payload))
		}
		d.Output(&event.MessageEnd{})
	}
}

// mqttPacketLength returns the total size of the packet at the head of
// buf, or 0 while the fixed header is incomplete, or -1 when the
// remaining-length encoding is malformed.
func mqttPacketLength(buf *event.Buffer) int {
	size := buf.Size()
	if size < 2 {
		return 0
	}
	length := 0
	shift := uint(0)
	for i := 1; ; i++ {
		if i >= size {
			return 0
		}
		if i > 4 {
			return -1
		}
		b := buf.ByteAt(i)
		length |= int(b&0x7f) << shift
		if b&0x80 == 0 {
			return 1 + i + length
		}
		shift += 7
	}
}

// Reset implements pipeline.Filter.
func (d *DecodeMQTT) Reset() {
	d.buffer.Release()
}

// EncodeMQTT serializes messages carrying MQTT packets back to bytes. The
// body of a PUBLISH message overrides the packet payload.
type EncodeMQTT struct {
	pipeline.Base

	head   map[string]any
	buffer *event.Buffer
}

// NewEncodeMQTT creates an encodeMQTT filter template.
func NewEncodeMQTT() *EncodeMQTT {
	return &EncodeMQTT{buffer: event.NewBuffer()}
}

// Name implements pipeline.Filter.
func (e *EncodeMQTT) Name() string { return "encodeMQTT" }

// Clone implements pipeline.Filter.
func (e *EncodeMQTT) Clone() pipeline.Filter {
	return &EncodeMQTT{Base: e.CloneBase(), buffer: event.NewBuffer()}
}

// Process implements pipeline.Filter.
func (e *EncodeMQTT) Process(evt event.Event) {
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

func (e *EncodeMQTT) emit() {
	head := e.head
	e.head = nil
	pkt, _ := head["packet"].(packets.ControlPacket)
	if pkt == nil {
		e.buffer.Release()
		e.Output(&event.StreamEnd{Err: event.KindProtocolError})
		return
	}
	if pub, ok := pkt.(*packets.PublishPacket); ok && !e.buffer.Empty() {
		pub.Payload = e.buffer.Bytes()
	}
	e.buffer.Release()
	var out bytes.Buffer
	if err := pkt.Write(&out); err != nil {
		e.Output(&event.StreamEnd{Err: event.KindProtocolError})
		return
	}
	e.Output(event.NewData(out.Bytes()))
}

// Reset implements pipeline.Filter.
func (e *EncodeMQTT) Reset() {
	e.head = nil
	e.buffer.Release()
}
