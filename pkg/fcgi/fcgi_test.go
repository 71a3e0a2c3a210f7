// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package fcgi

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sink struct {
	events []event.Event
}

func (s *sink) Input(evt event.Event) { s.events = append(s.events, evt) }

func (s *sink) bytes() []byte {
	buf := event.NewBuffer()
	for _, evt := range s.events {
		if d, ok := evt.(*event.Data); ok {
			buf.PushBuffer(d.Buffer)
		}
	}
	return buf.Bytes()
}

func TestNameValueRoundTrip(t *testing.T) {
	pairs := map[string]string{
		"SCRIPT_FILENAME": "/var/www/index.php",
		"REQUEST_METHOD":  "GET",
		"LONG":            string(make([]byte, 300)),
	}
	buf := event.NewBuffer()
	encodeNameValues(buf, pairs)
	got := decodeNameValues(buf.Bytes())
	require.Equal(t, pairs, got)
}

func TestRecordRoundTrip(t *testing.T) {
	out := event.NewBuffer()
	writeRecord(out, TypeStdout, 9, []byte("hello"))
	writeRecord(out, TypeStdout, 9, nil)

	d := newDeframer()
	d.push(out)

	h, body, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, TypeStdout, int(h.recType))
	assert.Equal(t, 9, h.requestID)
	assert.Equal(t, "hello", string(body.Bytes()))

	h, body, ok = d.next()
	require.True(t, ok)
	assert.Equal(t, 0, body.Size(), "end-of-stream record is empty")

	_, _, ok = d.next()
	assert.False(t, ok)
}

func TestDeframerPartialRecords(t *testing.T) {
	out := event.NewBuffer()
	writeRecord(out, TypeStdin, 3, []byte("abcdef"))
	raw := out.Bytes()

	d := newDeframer()
	half := event.NewBuffer()
	half.Push(raw[:7])
	d.push(half)
	_, _, ok := d.next()
	require.False(t, ok, "header incomplete")

	rest := event.NewBuffer()
	rest.Push(raw[7:])
	d.push(rest)
	h, body, ok := d.next()
	require.True(t, ok)
	assert.Equal(t, 3, h.requestID)
	assert.Equal(t, "abcdef", string(body.Bytes()))
}

// echoApp replies to each request message with its body.
type echoApp struct {
	pipeline.Base
	body *event.Buffer
}

func (f *echoApp) Name() string { return "app" }

func (f *echoApp) Clone() pipeline.Filter {
	return &echoApp{Base: f.CloneBase(), body: event.NewBuffer()}
}

func (f *echoApp) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		f.body.PushBuffer(e.Buffer)
	case *event.MessageEnd:
		body := f.body
		f.body = event.NewBuffer()
		f.Output(&event.MessageStart{Head: map[string]any{}})
		f.Output(event.NewDataFrom(body))
		f.Output(&event.MessageEnd{Tail: map[string]any{"appStatus": 0}})
	}
}

func (f *echoApp) Reset() { f.body = event.NewBuffer() }

// TestClientServerRoundTrip drives a client request through the server
// endpoint and the server's reply back through the client.
func TestClientServerRoundTrip(t *testing.T) {
	// Server side: demuxFCGI into an echo app.
	app := pipeline.NewLayout("app", testLogger(), &echoApp{body: event.NewBuffer()})
	srv := NewServer()
	srv.To(app)
	serverLayout := pipeline.NewLayout("fcgi-server", testLogger(), srv)
	serverOut := &sink{}
	serverPipe := serverLayout.Alloc(pipeline.NewContext(nil))
	serverPipe.Chain(serverOut)

	// Client side: a session writing into the server pipeline.
	client := newClientSession()
	transport := &sink{}
	client.output = transport

	replyOut := &sink{}
	req := client.OpenStream(replyOut).(*clientRequest)
	assert.Equal(t, 1, req.id, "client ids start at 1")

	req.Input(&event.MessageStart{Head: map[string]any{
		"params": map[string]string{"REQUEST_METHOD": "POST"},
	}})
	req.Input(event.NewData([]byte("payload")))
	req.Input(&event.MessageEnd{})

	// Ship the framed request into the server.
	require.NotEmpty(t, transport.bytes())
	serverPipe.Input(event.NewData(transport.bytes()))

	// The server framed STDOUT + END_REQUEST back; feed them to the
	// client as the transport reply.
	reply := serverOut.bytes()
	require.NotEmpty(t, reply)
	client.OnReply(event.NewData(reply))

	// The originating stream observed a complete reply message.
	require.GreaterOrEqual(t, len(replyOut.events), 3)
	_, ok := replyOut.events[0].(*event.MessageStart)
	require.True(t, ok)
	var body []byte
	for _, evt := range replyOut.events {
		if d, ok := evt.(*event.Data); ok {
			body = append(body, d.Bytes()...)
		}
	}
	assert.Equal(t, "payload", string(body), "echo app reply survives both framings")
	end, ok := replyOut.events[len(replyOut.events)-1].(*event.MessageEnd)
	require.True(t, ok)
	assert.Equal(t, StatusRequestComplete, end.Tail["protocolStatus"])

	// The request table slot is free again.
	assert.Empty(t, client.requests)
}

func TestClientIDProbing(t *testing.T) {
	client := newClientSession()
	client.output = &sink{}

	r1 := client.OpenStream(&sink{}).(*clientRequest)
	r2 := client.OpenStream(&sink{}).(*clientRequest)
	r3 := client.OpenStream(&sink{}).(*clientRequest)
	assert.Equal(t, []int{1, 2, 3}, []int{r1.id, r2.id, r3.id})

	// Freeing a low id and wrapping the counter probes past taken slots.
	client.CloseStream(r2)
	client.nextID = 1
	r4 := client.OpenStream(&sink{}).(*clientRequest)
	assert.Equal(t, 2, r4.id, "probing skips ids still in the table")
}

func TestServerAbortEndsRequest(t *testing.T) {
	app := pipeline.NewLayout("app", testLogger(), &echoApp{body: event.NewBuffer()})
	srv := NewServer()
	srv.To(app)
	layout := pipeline.NewLayout("fcgi-server", testLogger(), srv)
	out := &sink{}
	p := layout.Alloc(pipeline.NewContext(nil))
	p.Chain(out)

	frames := event.NewBuffer()
	begin := make([]byte, 8)
	begin[1] = RoleResponder
	writeRecord(frames, TypeBeginRequest, 5, begin)
	writeRecord(frames, TypeAbortRequest, 5, nil)
	p.Input(event.NewDataFrom(frames))

	d := newDeframer()
	replies := event.NewBuffer()
	replies.Push(out.bytes())
	d.push(replies)

	var types []int
	for {
		h, _, ok := d.next()
		if !ok {
			break
		}
		types = append(types, int(h.recType))
	}
	assert.Contains(t, types, TypeEndRequest, "abort must be answered with END_REQUEST")
}
