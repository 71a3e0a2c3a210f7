// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fcgi

import (
	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/mux"
)

// clientSession speaks the client side of FastCGI over one shared
// transport. Request ids are allocated client-side starting at 1 with
// linear probing over the sparse request table.
type clientSession struct {
	output   event.Input
	def      *deframer
	requests map[int]*clientRequest
	nextID   int
}

func newClientSession() *clientSession {
	return &clientSession{
		def:      newDeframer(),
		requests: make(map[int]*clientRequest),
		nextID:   1,
	}
}

// NewMux creates the muxFCGI filter template: logical request/response
// streams multiplexed over a shared FastCGI connection by request id.
func NewMux(loop *engine.Loop, met *metrics.Metrics, selector mux.Selector, opts mux.Options) *mux.Custom {
	return mux.NewCustom("muxFCGI", loop, met, selector, opts, func() mux.SessionImpl {
		return newClientSession()
	})
}

func (c *clientSession) Open(s *mux.Session) {
	c.output = event.InputFunc(s.Input)
}

func (c *clientSession) allocID() int {
	id := c.nextID
	for {
		if _, taken := c.requests[id]; !taken {
			break
		}
		id++
		if id > 0xffff {
			id = 1
		}
	}
	c.nextID = id + 1
	if c.nextID > 0xffff {
		c.nextID = 1
	}
	return id
}

func (c *clientSession) OpenStream(out event.Input) mux.Stream {
	id := c.allocID()
	req := &clientRequest{session: c, id: id, out: out, stdin: event.NewBuffer()}
	c.requests[id] = req
	return req
}

func (c *clientSession) CloseStream(st mux.Stream) {
	req := st.(*clientRequest)
	delete(c.requests, req.id)
}

// OnReply deframes transport bytes and routes records to their requests.
func (c *clientSession) OnReply(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		c.def.push(e.Buffer)
		for {
			h, body, ok := c.def.next()
			if !ok {
				return
			}
			if req := c.requests[h.requestID]; req != nil {
				req.receive(h, body)
			}
		}
	case *event.StreamEnd:
		for id, req := range c.requests {
			req.terminate(e)
			delete(c.requests, id)
		}
	}
}

func (c *clientSession) Close() {
	c.def.reset()
	c.requests = make(map[int]*clientRequest)
	c.nextID = 1
}

// clientRequest is one multiplexed request: the message head carries the
// PARAMS pairs and the body streams as STDIN.
type clientRequest struct {
	session *clientSession
	id      int
	out     event.Input

	head    map[string]any
	stdin   *event.Buffer
	sent    bool
	started bool
	stderr  *event.Buffer
}

// Input accumulates the request message and emits the framed records on
// MessageEnd.
func (r *clientRequest) Input(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if r.head == nil {
			r.head = e.Head
		}
	case *event.Data:
		if r.head != nil && !r.sent {
			r.stdin.PushBuffer(e.Buffer)
		}
	case *event.MessageEnd, *event.StreamEnd:
		if r.head != nil && !r.sent {
			r.sent = true
			r.emit()
		}
	}
}

func (r *clientRequest) emit() {
	out := event.NewBuffer()

	var begin [8]byte
	role := RoleResponder
	if v, ok := r.head["role"].(int); ok && v != 0 {
		role = v
	}
	begin[1] = byte(role)
	if keep, ok := r.head["keepConn"].(bool); !ok || keep {
		begin[2] = 1
	}
	writeRecord(out, TypeBeginRequest, r.id, begin[:])

	params, _ := r.head["params"].(map[string]string)
	if len(params) > 0 {
		pbuf := event.NewBuffer()
		encodeNameValues(pbuf, params)
		writeRecord(out, TypeParams, r.id, pbuf.Bytes())
		pbuf.Release()
	}
	writeRecord(out, TypeParams, r.id, nil)

	if !r.stdin.Empty() {
		writeRecord(out, TypeStdin, r.id, r.stdin.Bytes())
		r.stdin.Release()
	}
	writeRecord(out, TypeStdin, r.id, nil)

	r.session.output.Input(event.NewDataFrom(out))
}

// receive handles one record addressed to this request.
func (r *clientRequest) receive(h header, body *event.Buffer) {
	switch h.recType {
	case TypeStdout:
		if body.Size() > 0 {
			if !r.started {
				r.started = true
				r.out.Input(&event.MessageStart{Head: map[string]any{"protocol": "fcgi"}})
			}
			r.out.Input(event.NewDataFrom(body))
		}
	case TypeStderr:
		if body.Size() > 0 {
			if r.stderr == nil {
				r.stderr = event.NewBuffer()
			}
			r.stderr.PushBuffer(body)
		}
	case TypeEndRequest:
		raw := body.Bytes()
		tail := map[string]any{}
		if len(raw) >= 5 {
			tail["appStatus"] = int(uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3]))
			tail["protocolStatus"] = int(raw[4])
		}
		if r.stderr != nil {
			tail["stderr"] = r.stderr.Bytes()
			r.stderr = nil
		}
		if !r.started {
			r.started = true
			r.out.Input(&event.MessageStart{Head: map[string]any{"protocol": "fcgi"}})
		}
		r.out.Input(&event.MessageEnd{Tail: tail})
		delete(r.session.requests, r.id)
	}
}

// terminate ends the reply when the shared transport dies.
func (r *clientRequest) terminate(end *event.StreamEnd) {
	if !r.started {
		r.out.Input(&event.MessageStart{})
	}
	r.out.Input(&event.StreamEnd{Err: end.Err})
}
