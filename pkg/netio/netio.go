// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package netio binds sockets to pipelines: the Listener accept loop with
// connection gating, the Inbound endpoint for accepted connections and the
// Outbound endpoint used by connect filters.
package netio

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/spurringworld/pipy/pkg/event"
)

var reusePort atomic.Bool

// SetReusePort toggles the process-wide reuse-port behavior. When enabled,
// the platform socket option is applied at bind time on every listener
// started afterwards.
func SetReusePort(enabled bool) { reusePort.Store(enabled) }

// ReusePort reports the process-wide toggle.
func ReusePort() bool { return reusePort.Load() }

// endKind classifies a socket-level error into a stream end kind.
func endKind(err error) event.Kind {
	switch {
	case err == nil || errors.Is(err, io.EOF):
		return event.KindOK
	case errors.Is(err, syscall.ECONNREFUSED):
		return event.KindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return event.KindConnectionReset
	case os.IsTimeout(err):
		return event.KindConnectionTimeout
	default:
		return event.KindUnknown
	}
}

// retryable reports whether a connection-level failure may be retried:
// refused, timed out, or reset before any byte was exchanged.
func retryable(k event.Kind) bool {
	switch k {
	case event.KindConnectionRefused, event.KindConnectionTimeout, event.KindConnectionReset:
		return true
	}
	return false
}

// tap is the pause/resume gate on a read pump, used for cooperative flow
// control by throttling filters and overflow handling.
type tap struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
	closed bool
}

func newTap() *tap {
	t := &tap{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Pause stops the read pump before its next read.
func (t *tap) Pause() {
	t.mu.Lock()
	t.paused = true
	t.mu.Unlock()
}

// Resume lets a paused read pump continue.
func (t *tap) Resume() {
	t.mu.Lock()
	t.paused = false
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *tap) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
}

// wait blocks while paused; it reports false once the tap is closed.
func (t *tap) wait() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.paused && !t.closed {
		t.cond.Wait()
	}
	return !t.closed
}

// halfCloser is implemented by connections supporting write shutdown.
type halfCloser interface {
	CloseWrite() error
}

func closeWrite(conn net.Conn) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	conn.Close()
}
