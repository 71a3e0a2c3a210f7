// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fcgi

import (
	"encoding/binary"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Server is the demuxFCGI filter: the server side of a FastCGI connection.
// Each multiplexed request becomes one sub-pipeline invocation; the
// sub-pipeline's reply is framed back as STDOUT records followed by
// END_REQUEST. Request ids are allocated by the peer (server-side
// semantics: whatever arrives in BEGIN_REQUEST).
type Server struct {
	pipeline.Base

	def      *deframer
	requests map[int]*serverRequest
	shut     bool
}

// NewServer creates a demuxFCGI filter template.
func NewServer() *Server {
	return &Server{
		Base:     pipeline.NewJointBase(1),
		def:      newDeframer(),
		requests: make(map[int]*serverRequest),
	}
}

// Name implements pipeline.Filter.
func (s *Server) Name() string { return "demuxFCGI" }

// Clone implements pipeline.Filter.
func (s *Server) Clone() pipeline.Filter {
	return &Server{
		Base:     s.CloneBase(),
		def:      newDeframer(),
		requests: make(map[int]*serverRequest),
	}
}

// Process implements pipeline.Filter.
func (s *Server) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		s.def.push(e.Buffer)
		for {
			h, body, ok := s.def.next()
			if !ok {
				return
			}
			s.record(h, body)
		}
	case *event.StreamEnd:
		for id, req := range s.requests {
			req.release()
			delete(s.requests, id)
		}
		s.Output(evt)
	}
}

func (s *Server) record(h header, body *event.Buffer) {
	switch h.recType {
	case TypeBeginRequest:
		if s.shut {
			return
		}
		raw := body.Bytes()
		req := &serverRequest{
			server: s,
			id:     h.requestID,
			params: event.NewBuffer(),
			stdin:  event.NewBuffer(),
		}
		if len(raw) >= 3 {
			req.role = int(binary.BigEndian.Uint16(raw[0:2]))
			req.keepConn = raw[2]&1 != 0
		}
		s.requests[h.requestID] = req

	case TypeAbortRequest:
		if req := s.requests[h.requestID]; req != nil {
			req.abort()
			delete(s.requests, h.requestID)
		}

	case TypeParams:
		if req := s.requests[h.requestID]; req != nil {
			req.receiveParams(body)
		}

	case TypeStdin, TypeData:
		if req := s.requests[h.requestID]; req != nil {
			req.receiveStdin(body)
		}
	}
}

// Reset implements pipeline.Filter.
func (s *Server) Reset() {
	s.def.reset()
	for _, req := range s.requests {
		req.release()
	}
	s.requests = make(map[int]*serverRequest)
	s.shut = false
}

// Shutdown implements pipeline.Filter.
func (s *Server) Shutdown() {
	s.shut = true
}

// serverRequest tracks one request in the sparse table: PARAMS and STDIN
// substreams accumulate until their empty end-of-stream records, then the
// sub-pipeline runs the request.
type serverRequest struct {
	server   *Server
	id       int
	role     int
	keepConn bool

	params     *event.Buffer
	paramsDone bool
	stdin      *event.Buffer

	sub     *pipeline.Pipeline
	started bool
	replied bool
}

func (r *serverRequest) receiveParams(body *event.Buffer) {
	if body.Size() == 0 {
		r.paramsDone = true
		return
	}
	r.params.PushBuffer(body)
}

func (r *serverRequest) receiveStdin(body *event.Buffer) {
	if body.Size() > 0 {
		r.stdin.PushBuffer(body)
		return
	}
	// Empty STDIN marks end of the request input; run it.
	r.run()
}

func (r *serverRequest) run() {
	if r.sub != nil {
		return
	}
	head := map[string]any{
		"protocol": "fcgi",
		"id":       r.id,
		"role":     r.role,
		"keepConn": r.keepConn,
		"params":   decodeNameValues(r.params.Bytes()),
	}
	r.params.Release()
	r.sub = r.server.SubPipeline(0, event.InputFunc(r.receiveReply), r.id)
	r.sub.Input(&event.MessageStart{Head: head})
	if !r.stdin.Empty() {
		body := r.stdin
		r.stdin = event.NewBuffer()
		r.sub.Input(event.NewDataFrom(body))
	}
	r.sub.Input(&event.MessageEnd{})
}

// receiveReply frames the sub-pipeline's reply back onto the transport.
func (r *serverRequest) receiveReply(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		r.started = true
	case *event.Data:
		if r.started && !e.Empty() {
			out := event.NewBuffer()
			writeRecord(out, TypeStdout, r.id, e.Bytes())
			r.server.Output(event.NewDataFrom(out))
		}
	case *event.MessageEnd:
		if r.started && !r.replied {
			r.replied = true
			appStatus := 0
			if v, ok := e.Tail["appStatus"].(int); ok {
				appStatus = v
			}
			r.end(appStatus, StatusRequestComplete)
		}
	case *event.StreamEnd:
		if !r.replied {
			r.replied = true
			r.end(1, StatusRequestComplete)
		}
	}
}

// end emits the closing empty STDOUT and END_REQUEST records and releases
// the request.
func (r *serverRequest) end(appStatus, protocolStatus int) {
	out := event.NewBuffer()
	writeRecord(out, TypeStdout, r.id, nil)
	var body [8]byte
	binary.BigEndian.PutUint32(body[0:4], uint32(appStatus))
	body[4] = byte(protocolStatus)
	writeRecord(out, TypeEndRequest, r.id, body[:])
	r.server.Output(event.NewDataFrom(out))
	delete(r.server.requests, r.id)
	r.release()
}

func (r *serverRequest) abort() {
	if !r.replied {
		r.replied = true
		r.end(1, StatusRequestComplete)
	}
}

func (r *serverRequest) release() {
	pipeline.Release(r.sub)
	r.sub = nil
}
