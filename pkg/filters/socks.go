// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"encoding/binary"
	"fmt"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// AcceptSOCKS terminates a SOCKS 4/5 handshake on the inbound side. Once
// the CONNECT target is known it is handed to the callback; accepting
// routes the remaining stream into the sub-pipeline, whose output flows
// back to the client after the success reply.
type AcceptSOCKS struct {
	pipeline.Base
	onConnect func(host string, port int) bool

	buffer  *event.Buffer
	sub     *pipeline.Pipeline
	greeted bool
	done    bool
}

// NewAcceptSOCKS creates an acceptSOCKS filter template.
func NewAcceptSOCKS(onConnect func(host string, port int) bool) *AcceptSOCKS {
	return &AcceptSOCKS{
		Base:      pipeline.NewJointBase(1),
		onConnect: onConnect,
		buffer:    event.NewBuffer(),
	}
}

// Name implements pipeline.Filter.
func (a *AcceptSOCKS) Name() string { return "acceptSOCKS" }

// Clone implements pipeline.Filter.
func (a *AcceptSOCKS) Clone() pipeline.Filter {
	return &AcceptSOCKS{
		Base:      a.CloneBase(),
		onConnect: a.onConnect,
		buffer:    event.NewBuffer(),
	}
}

// Process implements pipeline.Filter.
func (a *AcceptSOCKS) Process(evt event.Event) {
	if a.done {
		if a.sub != nil {
			a.sub.Input(evt)
		}
		return
	}
	switch e := evt.(type) {
	case *event.Data:
		a.buffer.PushBuffer(e.Buffer)
		a.advance()
	case *event.StreamEnd:
		a.Output(evt)
	}
}

func (a *AcceptSOCKS) advance() {
	raw := a.buffer.Bytes()
	if len(raw) == 0 {
		return
	}
	switch raw[0] {
	case 4:
		a.advanceV4(raw)
	case 5:
		a.advanceV5(raw)
	default:
		a.refuse()
	}
}

func (a *AcceptSOCKS) advanceV4(raw []byte) {
	// VER CMD PORT(2) IP(4) USERID... NUL
	if len(raw) < 9 {
		return
	}
	nul := -1
	for i := 8; i < len(raw); i++ {
		if raw[i] == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		return
	}
	port := int(binary.BigEndian.Uint16(raw[2:4]))
	host := fmt.Sprintf("%d.%d.%d.%d", raw[4], raw[5], raw[6], raw[7])
	a.buffer.Shift(nul + 1).Release()
	if raw[1] != 1 || !a.onConnect(host, port) {
		a.Output(event.NewData([]byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0}))
		a.Output(&event.StreamEnd{})
		a.done = true
		return
	}
	a.open(event.NewData([]byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}), host, port)
}

func (a *AcceptSOCKS) advanceV5(raw []byte) {
	if !a.greeted {
		// VER NMETHODS METHODS...
		if len(raw) < 2 || len(raw) < 2+int(raw[1]) {
			return
		}
		a.buffer.Shift(2 + int(raw[1])).Release()
		a.greeted = true
		a.Output(event.NewData([]byte{0x05, 0x00}))
		return
	}
	// VER CMD RSV ATYP ...
	if len(raw) < 4 {
		return
	}
	var host string
	var portOff int
	switch raw[3] {
	case 1: // IPv4
		if len(raw) < 10 {
			return
		}
		host = fmt.Sprintf("%d.%d.%d.%d", raw[4], raw[5], raw[6], raw[7])
		portOff = 8
	case 3: // domain
		if len(raw) < 5 || len(raw) < 5+int(raw[4])+2 {
			return
		}
		host = string(raw[5 : 5+int(raw[4])])
		portOff = 5 + int(raw[4])
	default:
		a.refuse()
		return
	}
	port := int(binary.BigEndian.Uint16(raw[portOff : portOff+2]))
	a.buffer.Shift(portOff + 2).Release()
	if raw[1] != 1 || !a.onConnect(host, port) {
		a.Output(event.NewData([]byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}))
		a.Output(&event.StreamEnd{})
		a.done = true
		return
	}
	a.open(event.NewData([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}), host, port)
}

func (a *AcceptSOCKS) refuse() {
	a.done = true
	a.Output(&event.StreamEnd{Err: event.KindProtocolError})
}

// open replies success and routes the rest of the stream into the
// sub-pipeline with (host, port) as its arguments.
func (a *AcceptSOCKS) open(reply *event.Data, host string, port int) {
	a.done = true
	a.Output(reply)
	a.sub = a.SubPipeline(0, event.InputFunc(a.Output), host, port)
	if !a.buffer.Empty() {
		leftover := a.buffer
		a.buffer = event.NewBuffer()
		a.sub.Input(event.NewDataFrom(leftover))
	}
}

// Reset implements pipeline.Filter.
func (a *AcceptSOCKS) Reset() {
	a.buffer.Release()
	pipeline.Release(a.sub)
	a.sub = nil
	a.greeted = false
	a.done = false
}
