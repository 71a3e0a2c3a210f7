// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netio

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
)

func startLoop(t *testing.T) (*engine.Loop, func(func())) {
	t.Helper()
	loop := engine.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
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

type sink struct {
	events []event.Event
}

func (s *sink) Input(evt event.Event) { s.events = append(s.events, evt) }

func buf(s string) *event.Buffer {
	b := event.NewBuffer()
	b.PushString(s)
	return b
}

func TestOutboundOverflowAccounting(t *testing.T) {
	loop, do := startLoop(t)

	out := &sink{}
	var ob *Outbound
	do(func() {
		// Never connected: everything stays in the write buffer, so the
		// limit logic is exercised without a peer.
		ob = NewOutbound(loop, out, OutboundOptions{BufferLimit: 1024}, nil)

		ob.Send(buf(string(make([]byte, 1024))))
		assert.Equal(t, 1024, ob.Buffered())
		assert.False(t, ob.Overflowed())

		// One turn producing 4096 bytes against a 1024 limit.
		for i := 0; i < 3; i++ {
			ob.Send(buf(string(make([]byte, 1024))))
		}
	})

	do(func() {
		assert.True(t, ob.Overflowed())
		assert.GreaterOrEqual(t, ob.DiscardedDataSize(), int64(3072),
			"discarded bytes must cover everything offered beyond the limit")

		require.Len(t, out.events, 1)
		end, ok := out.events[0].(*event.StreamEnd)
		require.True(t, ok)
		assert.Equal(t, event.KindBufferOverflow, end.Err)
	})
}

func TestOutboundRefusedRetriesThenFails(t *testing.T) {
	// A listener that is immediately closed leaves a port that refuses.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	loop, do := startLoop(t)
	out := &sink{}
	var ob *Outbound
	do(func() {
		ob = NewOutbound(loop, out, OutboundOptions{
			RetryCount: 2,
			RetryDelay: 10 * time.Millisecond,
		}, nil)
		ob.Connect("127.0.0.1", addr.Port)
	})

	require.Eventually(t, func() bool {
		var closed bool
		do(func() { closed = ob.State() == StateClosed })
		return closed
	}, 5*time.Second, 20*time.Millisecond)

	do(func() {
		assert.Equal(t, 2, ob.Retries(), "connection-level failures retry up to retryCount")
		require.NotEmpty(t, out.events)
		end, ok := out.events[len(out.events)-1].(*event.StreamEnd)
		require.True(t, ok)
		assert.Contains(t,
			[]event.Kind{event.KindConnectionRefused, event.KindConnectionReset},
			end.Err)
	})
}

func TestOutboundEchoRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	addr := ln.Addr().(*net.TCPAddr)

	// Echo peer: read everything until EOF, write it back, close.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		data, _ := io.ReadAll(conn)
		conn.Write(data)
		conn.Close()
	}()

	loop, do := startLoop(t)
	out := &sink{}
	var ob *Outbound
	do(func() {
		ob = NewOutbound(loop, out, OutboundOptions{ConnectTimeout: 2 * time.Second}, nil)
		ob.Connect("127.0.0.1", addr.Port)
		ob.Send(buf("ping"))
		ob.End()
	})

	require.Eventually(t, func() bool {
		var done bool
		do(func() { done = ob.State() == StateClosed })
		return done
	}, 5*time.Second, 20*time.Millisecond)

	do(func() {
		var body []byte
		sawEnd := false
		for _, evt := range out.events {
			switch e := evt.(type) {
			case *event.Data:
				body = append(body, e.Bytes()...)
			case *event.StreamEnd:
				sawEnd = true
				assert.Equal(t, event.KindOK, e.Err)
			}
		}
		assert.Equal(t, "ping", string(body), "reply stream injected as Data events")
		assert.True(t, sawEnd, "remote close injects StreamEnd{ok}")
		assert.Greater(t, ob.ConnectionTime(), time.Duration(0))
	})
}

func TestDialKindMapping(t *testing.T) {
	assert.Equal(t, event.KindConnectionTimeout, dialKind(context.DeadlineExceeded))
}
