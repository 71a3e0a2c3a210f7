// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netio

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// swallow accepts everything and emits nothing, keeping the connection
// open until the peer closes.
type swallow struct {
	pipeline.Base
}

func (f *swallow) Name() string            { return "swallow" }
func (f *swallow) Clone() pipeline.Filter  { return &swallow{Base: f.CloneBase()} }
func (f *swallow) Process(evt event.Event) {}

// freePort reserves an OS-assigned port and releases it for the listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestListenerMaxConnectionsGate(t *testing.T) {
	loop, do := startLoop(t)
	port := freePort(t)

	layout := pipeline.NewLayout("swallow", loop.Logger(), &swallow{})
	opts := DefaultListenerOptions()
	opts.MaxConnections = 2
	opts.CloseEOF = true
	l := NewListener(loop, "127.0.0.1", port, layout, opts, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	started := make(chan error, 1)
	go func() { started <- l.Start(ctx) }()

	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port))
	dial := func() net.Conn {
		var conn net.Conn
		require.Eventually(t, func() bool {
			var err error
			conn, err = net.DialTimeout("tcp", addr, time.Second)
			return err == nil
		}, 3*time.Second, 20*time.Millisecond)
		return conn
	}

	c1 := dial()
	c2 := dial()
	defer c2.Close()

	require.Eventually(t, func() bool {
		cur, _ := l.Connections()
		return cur == 2
	}, 3*time.Second, 20*time.Millisecond)

	// The third connection completes the TCP handshake in the backlog but
	// is not accepted while the cap holds; it is never reset.
	c3 := dial()
	defer c3.Close()
	time.Sleep(100 * time.Millisecond)
	cur, peak := l.Connections()
	assert.Equal(t, 2, cur, "accept must be parked at maxConnections")
	assert.Equal(t, 2, peak)

	// Freeing a slot lets the parked accept resume and pick up the third.
	c1.Close()
	require.Eventually(t, func() bool {
		cur, _ := l.Connections()
		return cur == 2
	}, 3*time.Second, 20*time.Millisecond)

	// The third connection is healthy: a write does not hit a reset.
	_, err := c3.Write([]byte("hello"))
	assert.NoError(t, err)

	do(func() {})
	l.Close()
	<-started
}

func TestListenerFind(t *testing.T) {
	loop, _ := startLoop(t)
	layout := pipeline.NewLayout("find", loop.Logger(), &swallow{})
	port := freePort(t)
	l := NewListener(loop, "127.0.0.1", port, layout, DefaultListenerOptions(), nil)
	assert.Same(t, l, Find("127.0.0.1", port))
	assert.Nil(t, Find("127.0.0.1", port+1))
}

func TestListenerBindFailureIsFatal(t *testing.T) {
	loop, _ := startLoop(t)
	layout := pipeline.NewLayout("bind", loop.Logger(), &swallow{})

	hold, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer hold.Close()
	port := hold.Addr().(*net.TCPAddr).Port

	l := NewListener(loop, "127.0.0.1", port, layout, DefaultListenerOptions(), nil)
	err = l.Start(context.Background())
	require.Error(t, err, "bind conflicts surface as an explanatory error")
	assert.Contains(t, err.Error(), "cannot start listening")
}
