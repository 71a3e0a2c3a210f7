// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netio

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// OutboundOptions configure an outgoing connection.
type OutboundOptions struct {
	// BufferLimit caps the write buffer in bytes; 0 means unlimited. Writes
	// beyond the limit are dropped and tallied until the connection resets.
	BufferLimit int

	// RetryCount is how many reconnection attempts are made for
	// connection-level failures. Post-handshake failures are never retried.
	RetryCount int

	// RetryDelay spaces reconnection attempts.
	RetryDelay time.Duration

	// ConnectTimeout bounds name resolution plus TCP connect.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the gap between reads; zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds each write; zero disables it.
	WriteTimeout time.Duration

	// IdleTimeout closes a connection with no traffic in either direction.
	IdleTimeout time.Duration

	// TLS upgrades the connection during dial when non-nil.
	TLS *tls.Config
}

// State is the outbound connection lifecycle stage.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateConnecting
	StateConnected
	StateHalfClosed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateHalfClosed:
		return "half-closed"
	default:
		return "closed"
	}
}

// Outbound is an outgoing connection endpoint constructed by a connect
// filter. Data handed to Send is serialized by the write pump; bytes read
// from the peer are injected into the configured output as Data events,
// terminated by a StreamEnd.
type Outbound struct {
	loop   *engine.Loop
	logger *slog.Logger
	met    *metrics.Metrics

	output event.Input
	opts   OutboundOptions

	host string
	port int

	state     State
	conn      net.Conn
	wbuf      *event.Buffer
	discarded int64

	overflowed bool
	pumping    bool
	ended      bool

	retries   int
	startTime time.Time
	connTime  time.Duration

	retryTimer *engine.Timer
	idleTimer  *engine.Timer
	cancel     context.CancelFunc
}

// NewOutbound creates an idle outbound endpoint that will inject its reply
// stream into output.
func NewOutbound(loop *engine.Loop, output event.Input, opts OutboundOptions, met *metrics.Metrics) *Outbound {
	return &Outbound{
		loop:   loop,
		logger: loop.Logger(),
		met:    met,
		output: output,
		opts:   opts,
		wbuf:   event.NewBuffer(),
	}
}

// State returns the current lifecycle stage.
func (o *Outbound) State() State { return o.state }

// Address returns the configured host:port.
func (o *Outbound) Address() string {
	return net.JoinHostPort(o.host, strconv.Itoa(o.port))
}

// Buffered returns the number of bytes waiting in the write buffer.
func (o *Outbound) Buffered() int { return o.wbuf.Size() }

// Overflowed reports whether the write buffer limit was exceeded.
func (o *Outbound) Overflowed() bool { return o.overflowed }

// DiscardedDataSize returns the total bytes dropped after overflow.
func (o *Outbound) DiscardedDataSize() int64 { return o.discarded }

// Retries returns how many reconnect attempts have been made.
func (o *Outbound) Retries() int { return o.retries }

// ConnectionTime returns how long establishing the connection took.
func (o *Outbound) ConnectionTime() time.Duration { return o.connTime }

// Connect starts resolving and connecting to host:port. Must run on the
// loop goroutine; it returns immediately.
func (o *Outbound) Connect(host string, port int) {
	if o.state != StateIdle {
		return
	}
	o.host = host
	o.port = port
	o.startTime = time.Now()
	o.dial()
}

func (o *Outbound) dial() {
	o.state = StateResolving
	ctx := context.Background()
	var cancel context.CancelFunc
	if o.opts.ConnectTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.opts.ConnectTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	o.cancel = cancel
	addr := o.Address()
	o.state = StateConnecting
	tlsConf := o.opts.TLS
	go func() {
		defer cancel()
		var conn net.Conn
		var err error
		if tlsConf != nil {
			d := tls.Dialer{Config: tlsConf}
			conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			var d net.Dialer
			conn, err = d.DialContext(ctx, "tcp", addr)
		}
		o.loop.Post(func() { o.connected(conn, err) })
	}()
}

func (o *Outbound) connected(conn net.Conn, err error) {
	if o.state == StateClosed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		kind := dialKind(err)
		if retryable(kind) && o.retries < o.opts.RetryCount {
			o.retries++
			o.logger.Debug("outbound retrying",
				slog.String("component", "outbound"),
				slog.String("address", o.Address()),
				slog.Int("attempt", o.retries))
			o.retryTimer = o.loop.After(o.opts.RetryDelay, o.dial)
			return
		}
		o.close(kind)
		return
	}
	o.conn = conn
	o.state = StateConnected
	o.connTime = time.Since(o.startTime)
	o.logger.Debug("outbound connected",
		slog.String("component", "outbound"),
		slog.String("address", o.Address()))
	if o.met != nil {
		o.met.OutboundConnected(o.connTime)
	}
	o.armIdle()
	go o.readPump()
	o.pump()
}

func dialKind(err error) event.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return event.KindConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return event.KindConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return event.KindConnectionReset
	default:
		return event.KindUnknown
	}
}

// Send enqueues data for the write pump. Beyond BufferLimit the connection
// enters overflow: the excess is dropped and tallied, and a terminal
// StreamEnd{buffer-overflow} is emitted at the first excess write.
func (o *Outbound) Send(buf *event.Buffer) {
	if o.state == StateClosed || o.state == StateHalfClosed || o.ended {
		return
	}
	if limit := o.opts.BufferLimit; limit > 0 && o.wbuf.Size()+buf.Size() > limit {
		o.discarded += int64(buf.Size())
		if o.met != nil {
			o.met.DiscardedBytes(buf.Size())
		}
		if !o.overflowed {
			o.overflowed = true
			o.emit(&event.StreamEnd{Err: event.KindBufferOverflow})
		}
		return
	}
	if o.overflowed {
		o.discarded += int64(buf.Size())
		if o.met != nil {
			o.met.DiscardedBytes(buf.Size())
		}
		return
	}
	o.wbuf.PushBuffer(buf)
	if o.state == StateConnected {
		o.pump()
	}
}

// End flushes the write buffer and then shuts down the write side.
func (o *Outbound) End() {
	if o.ended || o.state == StateClosed {
		return
	}
	o.ended = true
	if o.state == StateConnected {
		o.pump()
	}
}

func (o *Outbound) pump() {
	if o.pumping || o.state != StateConnected {
		return
	}
	if o.wbuf.Empty() {
		if o.ended {
			o.state = StateHalfClosed
			closeWrite(o.conn)
		}
		return
	}
	out := o.wbuf
	o.wbuf = event.NewBuffer()
	o.pumping = true
	o.armIdle()
	conn := o.conn
	wt := o.opts.WriteTimeout
	go func() {
		var err error
		out.Chunks(func(p []byte) bool {
			if wt > 0 {
				conn.SetWriteDeadline(time.Now().Add(wt))
			}
			_, err = conn.Write(p)
			return err == nil
		})
		out.Release()
		o.loop.Post(func() {
			o.pumping = false
			if err != nil {
				kind := event.KindConnectionReset
				if isTimeout(err) {
					kind = event.KindWriteTimeout
				}
				o.close(kind)
				return
			}
			o.pump()
		})
	}()
}

// readPump reads chunk-unit sized slices and injects each as a Data event;
// remote close injects StreamEnd{ok}.
func (o *Outbound) readPump() {
	conn := o.conn
	buf := make([]byte, event.ChunkSize)
	for {
		if o.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(o.opts.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			data := event.NewData(buf[:n])
			o.loop.Post(func() {
				if o.state == StateConnected || o.state == StateHalfClosed {
					o.armIdle()
					o.emit(data)
				}
			})
		}
		if err != nil {
			kind := event.KindOK
			switch {
			case errors.Is(err, io.EOF):
				kind = event.KindOK
			case isTimeout(err):
				kind = event.KindReadTimeout
			default:
				kind = event.KindConnectionReset
			}
			o.loop.Post(func() { o.close(kind) })
			return
		}
	}
}

func (o *Outbound) armIdle() {
	if d := o.opts.IdleTimeout; d > 0 {
		if o.idleTimer != nil {
			o.idleTimer.Cancel()
		}
		o.idleTimer = o.loop.After(d, func() {
			o.close(event.KindReadTimeout)
		})
	}
}

func (o *Outbound) emit(evt event.Event) {
	ic := pipeline.NewInputContext()
	o.output.Input(evt)
	ic.Close()
}

// Close tears the connection down without emitting further events.
func (o *Outbound) Close() {
	o.teardown()
}

func (o *Outbound) close(kind event.Kind) {
	if o.state == StateClosed {
		return
	}
	o.teardown()
	o.emit(&event.StreamEnd{Err: kind})
}

func (o *Outbound) teardown() {
	if o.state == StateClosed {
		return
	}
	o.state = StateClosed
	if o.cancel != nil {
		o.cancel()
	}
	if o.retryTimer != nil {
		o.retryTimer.Cancel()
	}
	if o.idleTimer != nil {
		o.idleTimer.Cancel()
	}
	if o.conn != nil {
		o.conn.Close()
		o.conn = nil
	}
	o.wbuf.Release()
	o.logger.Debug("outbound closed",
		slog.String("component", "outbound"),
		slog.String("address", o.Address()))
}
