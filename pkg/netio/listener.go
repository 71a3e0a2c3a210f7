// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// ListenerOptions configure an accept loop.
type ListenerOptions struct {
	// MaxConnections caps concurrent inbound connections; negative means
	// unlimited. When the cap is reached the pending accept is parked and
	// resumed as soon as a slot frees.
	MaxConnections int

	// ReadTimeout bounds the gap between reads on accepted connections.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write on accepted connections.
	WriteTimeout time.Duration

	// IdleTimeout closes a connection with no traffic in either direction.
	IdleTimeout time.Duration

	// Transparent sets IP_TRANSPARENT at bind time (Linux only).
	Transparent bool

	// CloseEOF closes the connection as soon as the peer half-closes.
	CloseEOF bool
}

// DefaultListenerOptions returns the option set applied when none is given.
func DefaultListenerOptions() ListenerOptions {
	return ListenerOptions{MaxConnections: -1}
}

var (
	listenersMu  sync.Mutex
	allListeners []*Listener
)

// Listener accepts TCP connections on a bound address and instantiates an
// Inbound bound to a pipeline cloned from the configured layout for each.
type Listener struct {
	loop   *engine.Loop
	logger *slog.Logger
	met    *metrics.Metrics

	ip   string
	port int

	layout *Layout
	opts   ListenerOptions

	ln net.Listener

	mu       sync.Mutex
	cond     *sync.Cond
	inbounds map[*Inbound]struct{}
	peak     int
	closed   bool
}

// Layout aliases the pipeline layout type for readability of constructor
// signatures in this package.
type Layout = pipeline.Layout

// NewListener creates a listener for ip:port feeding pipelines cloned from
// layout. Bind and listen errors are fatal for the listener and returned
// from Start.
func NewListener(loop *engine.Loop, ip string, port int, layout *Layout, opts ListenerOptions, met *metrics.Metrics) *Listener {
	l := &Listener{
		loop:     loop,
		logger:   loop.Logger(),
		met:      met,
		ip:       ip,
		port:     port,
		layout:   layout,
		opts:     opts,
		inbounds: make(map[*Inbound]struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	listenersMu.Lock()
	allListeners = append(allListeners, l)
	listenersMu.Unlock()
	return l
}

// Find returns an existing listener bound to ip:port, or nil. It supports
// rebinding semantics at configuration apply.
func Find(ip string, port int) *Listener {
	listenersMu.Lock()
	defer listenersMu.Unlock()
	for _, l := range allListeners {
		if l.port == port && l.ip == ip {
			return l
		}
	}
	return nil
}

func (l *Listener) control(network, address string, c syscall.RawConn) error {
	var ctlErr error
	err := c.Control(func(fd uintptr) {
		if l.opts.Transparent {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
				ctlErr = fmt.Errorf("setting IP_TRANSPARENT: %w", err)
				return
			}
		}
		if ReusePort() {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
				ctlErr = fmt.Errorf("setting SO_REUSEPORT: %w", err)
			}
		}
	})
	if err != nil {
		return err
	}
	return ctlErr
}

// Start binds the socket and runs the accept loop until ctx is cancelled.
// A connection arriving while MaxConnections are open is neither accepted
// nor reset; it waits in the backlog until a slot frees.
func (l *Listener) Start(ctx context.Context) error {
	lc := net.ListenConfig{Control: l.control}
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(l.ip, fmt.Sprintf("%d", l.port)))
	if err != nil {
		return fmt.Errorf("cannot start listening on port %d at %s: %w", l.port, l.ip, err)
	}
	l.ln = ln
	l.logger.Info("listening",
		slog.String("component", "listener"),
		slog.String("ip", l.ip),
		slog.Int("port", l.port))

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		if !l.acquireSlot() {
			return nil
		}
		conn, err := ln.Accept()
		if err != nil {
			if l.isClosed() {
				return nil
			}
			l.logger.Error("accept failed",
				slog.String("component", "listener"),
				slog.Int("port", l.port),
				slog.String("error", err.Error()))
			continue
		}
		in := newInbound(l, conn)
		l.open(in)
		l.loop.Post(in.start)
	}
}

// acquireSlot blocks while the inbound count is at MaxConnections. It
// reports false when the listener closed.
func (l *Listener) acquireSlot() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if l.closed {
			return false
		}
		n := l.opts.MaxConnections
		if n < 0 || len(l.inbounds) < n {
			return true
		}
		l.cond.Wait()
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Listener) open(in *Inbound) {
	l.mu.Lock()
	l.inbounds[in] = struct{}{}
	if n := len(l.inbounds); n > l.peak {
		l.peak = n
	}
	l.mu.Unlock()
	if l.met != nil {
		l.met.InboundOpened(l.port)
	}
}

func (l *Listener) closeInbound(in *Inbound) {
	l.mu.Lock()
	delete(l.inbounds, in)
	l.mu.Unlock()
	l.cond.Broadcast()
	if l.met != nil {
		l.met.InboundClosed(l.port)
	}
}

// SetOptions applies new options to a running listener and re-evaluates the
// accept gate.
func (l *Listener) SetOptions(opts ListenerOptions) {
	l.mu.Lock()
	l.opts = opts
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Options returns the current option set.
func (l *Listener) Options() ListenerOptions {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opts
}

// Connections returns the current and peak inbound connection counts.
func (l *Listener) Connections() (current, peak int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbounds), l.peak
}

// Addr returns the bound ip and port.
func (l *Listener) Addr() (string, int) { return l.ip, l.port }

// Close stops accepting and unparks the accept loop. Established
// connections are not touched; shutdown drains them cooperatively.
func (l *Listener) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
	if l.ln != nil {
		l.ln.Close()
	}
	l.logger.Info("stopped listening",
		slog.String("component", "listener"),
		slog.String("ip", l.ip),
		slog.Int("port", l.port))
}

// Shutdown stops accepting and signals every open inbound pipeline to
// drain.
func (l *Listener) Shutdown() {
	l.Close()
	l.mu.Lock()
	ins := make([]*Inbound, 0, len(l.inbounds))
	for in := range l.inbounds {
		ins = append(ins, in)
	}
	l.mu.Unlock()
	for _, in := range ins {
		in := in
		l.loop.Post(in.shutdown)
	}
}
