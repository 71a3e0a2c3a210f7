// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// startLoop runs an engine loop for the duration of the test. The
// returned do() executes a closure on the loop goroutine and waits.
func startLoop(t *testing.T) (*engine.Loop, func(func())) {
	t.Helper()
	loop := engine.New(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	do := func(f func()) {
		ch := make(chan struct{})
		loop.Post(func() {
			f()
			close(ch)
		})
		<-ch
	}
	return loop, do
}

func TestForkClonesIntoSubPipeline(t *testing.T) {
	var captured []byte
	sub := pipeline.NewLayout("side", testLogger(),
		NewHandleData(func(evt event.Event) {
			captured = append(captured, evt.(*event.Data).Bytes()...)
		}))

	fork := NewFork()
	fork.To(sub)
	out := runFilter(t, fork,
		&event.MessageStart{},
		event.NewData([]byte("copy-me")),
		&event.MessageEnd{},
	)

	assert.Equal(t, "copy-me", string(out.bytes()), "original passes through")
	assert.Equal(t, "copy-me", string(captured), "clone reaches the sub-pipeline")
}

func TestLinkRoutesThroughSubPipeline(t *testing.T) {
	sub := pipeline.NewLayout("hop", testLogger(),
		NewHandleMessage(func(m *Message) {
			buf := event.NewBuffer()
			buf.PushString("via-sub:")
			buf.PushBuffer(m.Body)
			m.Body = buf
		}))

	link := NewLink()
	link.To(sub)
	out := runFilter(t, link,
		&event.MessageStart{},
		event.NewData([]byte("x")),
		&event.MessageEnd{},
	)
	assert.Equal(t, "via-sub:x", string(out.bytes()))
}

func TestHandleMessageReplacesBody(t *testing.T) {
	f := NewHandleMessage(func(m *Message) {
		buf := event.NewBuffer()
		buf.PushString("replaced")
		m.Body = buf
	})
	out := runFilter(t, f,
		&event.MessageStart{Head: map[string]any{"k": "v"}},
		event.NewData([]byte("original")),
		&event.MessageEnd{},
	)
	assert.Equal(t, "replaced", string(out.bytes()))
	msgs := out.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "v", msgs[0].Head["k"], "head survives")
}

func TestHandleCallbacksFire(t *testing.T) {
	var fired []string
	fs := []pipeline.Filter{
		NewHandleStreamStart(func(event.Event) { fired = append(fired, "ss") }),
		NewHandleMessageStart(func(event.Event) { fired = append(fired, "ms") }),
		NewHandleData(func(event.Event) { fired = append(fired, "d") }),
		NewHandleMessageEnd(func(event.Event) { fired = append(fired, "me") }),
		NewHandleStreamEnd(func(event.Event) { fired = append(fired, "se") }),
	}
	chainFilters(t, fs,
		&event.StreamStart{},
		&event.MessageStart{},
		event.NewData([]byte("x")),
		&event.MessageEnd{},
		&event.StreamEnd{},
	)
	assert.Equal(t, []string{"ss", "ms", "d", "me", "se"}, fired)
}

// flakyFilter signals replay once, then echoes.
type flakyFilter struct {
	pipeline.Base
	attempts *int
}

func (f *flakyFilter) Name() string { return "flaky" }

func (f *flakyFilter) Clone() pipeline.Filter {
	return &flakyFilter{Base: f.CloneBase(), attempts: f.attempts}
}

func (f *flakyFilter) Process(evt event.Event) {
	if _, ok := evt.(*event.MessageEnd); !ok {
		return
	}
	*f.attempts++
	if *f.attempts == 1 {
		f.Output(&event.StreamEnd{Err: event.KindReplay})
		return
	}
	f.Output(&event.MessageStart{})
	f.Output(event.NewData([]byte("second-attempt")))
	f.Output(&event.MessageEnd{})
}

func TestReplayRerunsBufferedEvents(t *testing.T) {
	loop, do := startLoop(t)

	attempts := 0
	var out *sink
	do(func() {
		sub := pipeline.NewLayout("work", testLogger(), &flakyFilter{attempts: &attempts})
		replay := NewReplay(loop)
		replay.To(sub)
		layout := pipeline.NewLayout("replay", testLogger(), replay)
		out = &sink{}
		p := layout.Alloc(pipeline.NewContext(nil))
		p.Chain(out)
		p.Input(&event.MessageStart{})
		p.Input(event.NewData([]byte("payload")))
		p.Input(&event.MessageEnd{})
	})

	var body string
	require.Eventually(t, func() bool {
		ok := false
		do(func() {
			body = string(out.bytes())
			ok = attempts >= 2 && body != ""
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond, "replay must rerun the buffered sequence")
	assert.Equal(t, "second-attempt", body, "output is the second attempt's output")
}

func TestPackBatchesMessages(t *testing.T) {
	loop, do := startLoop(t)
	var out *sink
	do(func() {
		layout := pipeline.NewLayout("pack", testLogger(), NewPack(loop, 3, 0))
		out = &sink{}
		p := layout.Alloc(pipeline.NewContext(nil))
		p.Chain(out)
		for i := 0; i < 3; i++ {
			p.Input(&event.MessageStart{})
			p.Input(event.NewData([]byte{byte('a' + i)}))
			p.Input(&event.MessageEnd{})
		}
	})
	do(func() {
		msgs := out.messages()
		assert.Len(t, msgs, 1, "three messages packed into one")
		assert.Equal(t, "abc", string(out.bytes()))
		ends := 0
		for _, evt := range out.events {
			if _, ok := evt.(*event.MessageEnd); ok {
				ends++
			}
		}
		assert.Equal(t, 1, ends)
	})
}

func TestWaitGatesOnCondition(t *testing.T) {
	loop, do := startLoop(t)
	var out *sink
	open := false
	do(func() {
		layout := pipeline.NewLayout("wait", testLogger(),
			NewWait(loop, func(*pipeline.Context) bool { return open }))
		out = &sink{}
		p := layout.Alloc(pipeline.NewContext(nil))
		p.Chain(out)
		p.Input(event.NewData([]byte("held")))
	})
	do(func() {
		assert.Empty(t, out.events, "events buffer while the condition is false")
		open = true
	})
	var n int
	require.Eventually(t, func() bool {
		do(func() { n = len(out.events) })
		return n == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestThrottleConcurrencyGate(t *testing.T) {
	tmpl := NewThrottleConcurrency(1)
	layout := pipeline.NewLayout("gate", testLogger(), tmpl)

	out1, out2 := &sink{}, &sink{}
	p1 := layout.Alloc(pipeline.NewContext(nil))
	p1.Chain(out1)
	p2 := layout.Alloc(pipeline.NewContext(nil))
	p2.Chain(out2)

	p1.Input(event.NewData([]byte("a")))
	p2.Input(event.NewData([]byte("b")))
	assert.Len(t, out1.events, 1)
	assert.Empty(t, out2.events, "second stream waits for a slot")

	// Releasing the first pipeline admits the waiter.
	pipeline.Release(p1)
	assert.Len(t, out2.events, 1)
}

func TestSOCKS5Handshake(t *testing.T) {
	var gotHost string
	var gotPort int
	sub := pipeline.NewLayout("tunnel", testLogger(),
		NewHandleData(func(event.Event) {}))

	f := NewAcceptSOCKS(func(host string, port int) bool {
		gotHost, gotPort = host, port
		return true
	})
	f.To(sub)
	out := runFilter(t, f,
		event.NewData([]byte{0x05, 0x01, 0x00}),
		event.NewData([]byte{0x05, 0x01, 0x00, 0x03, 6, 'u', 'p', '.', 'l', 'a', 'n', 0x1f, 0x90}),
	)

	assert.Equal(t, "up.lan", gotHost)
	assert.Equal(t, 8080, gotPort)
	require.Len(t, out.events, 2, "method selection plus success reply")
	first := out.events[0].(*event.Data)
	assert.Equal(t, []byte{0x05, 0x00}, first.Bytes())
}

func TestSOCKS4Refused(t *testing.T) {
	f := NewAcceptSOCKS(func(string, int) bool { return false })
	f.To(pipeline.NewLayout("tunnel", testLogger(), NewDummy()))
	out := runFilter(t, f,
		event.NewData([]byte{0x04, 0x01, 0x00, 0x50, 10, 0, 0, 1, 0}),
	)
	require.NotEmpty(t, out.events)
	reply := out.events[0].(*event.Data)
	assert.Equal(t, byte(0x5b), reply.Bytes()[1], "request rejected code")
}
