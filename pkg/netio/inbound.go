// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package netio

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Inbound is an accepted connection bound to one pipeline. Read bytes are
// forwarded as Data events after an implicit StreamStart; the pipeline's
// tail output is written back to the peer.
type Inbound struct {
	id       uuid.UUID
	listener *Listener
	conn     net.Conn
	loop     *engine.Loop
	logger   *slog.Logger

	pipe *pipeline.Pipeline
	tap  *tap

	wbuf      *event.Buffer
	pumping   bool
	ended     bool
	closed    bool
	idleTimer *engine.Timer
}

func newInbound(l *Listener, conn net.Conn) *Inbound {
	return &Inbound{
		id:       uuid.New(),
		listener: l,
		conn:     conn,
		loop:     l.loop,
		logger:   l.logger,
		tap:      newTap(),
		wbuf:     event.NewBuffer(),
	}
}

// ID returns the connection's unique identifier.
func (in *Inbound) ID() uuid.UUID { return in.id }

// RemoteAddr returns the peer address.
func (in *Inbound) RemoteAddr() net.Addr { return in.conn.RemoteAddr() }

// LocalAddr returns the accepted socket's local address.
func (in *Inbound) LocalAddr() net.Addr { return in.conn.LocalAddr() }

// Pause suspends the read pump for cooperative flow control.
func (in *Inbound) Pause() { in.tap.Pause() }

// Resume releases a paused read pump.
func (in *Inbound) Resume() { in.tap.Resume() }

// start runs on the loop goroutine once the listener registered the
// connection.
func (in *Inbound) start() {
	ctx := pipeline.NewContext(in)
	in.pipe = in.listener.layout.Alloc(ctx)
	in.pipe.Chain(event.InputFunc(in.write))

	in.logger.Debug("inbound accepted",
		slog.String("component", "inbound"),
		slog.String("id", in.id.String()),
		slog.String("remote", in.conn.RemoteAddr().String()))

	ic := pipeline.NewInputContext()
	in.pipe.Input(&event.StreamStart{})
	ic.Close()

	in.armIdle()
	go in.readPump()
}

func (in *Inbound) armIdle() {
	if d := in.listener.opts.IdleTimeout; d > 0 {
		if in.idleTimer != nil {
			in.idleTimer.Cancel()
		}
		in.idleTimer = in.loop.After(d, func() {
			in.terminate(event.KindReadTimeout)
		})
	}
}

// readPump runs on its own goroutine; every completion is posted back to
// the loop.
func (in *Inbound) readPump() {
	opts := in.listener.Options()
	buf := make([]byte, event.ChunkSize)
	for {
		if !in.tap.wait() {
			return
		}
		if opts.ReadTimeout > 0 {
			in.conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		}
		n, err := in.conn.Read(buf)
		if n > 0 {
			data := event.NewData(buf[:n])
			in.loop.Post(func() { in.receive(data) })
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
			in.loop.Post(func() { in.endOfInput(kind) })
			return
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (in *Inbound) receive(data *event.Data) {
	if in.closed {
		return
	}
	in.armIdle()
	ic := pipeline.NewInputContext()
	in.pipe.Input(data)
	ic.Close()
}

// endOfInput injects the final StreamEnd. With CloseEOF set, a clean peer
// half-close tears the connection down immediately; otherwise the write
// side stays open until the pipeline ends it.
func (in *Inbound) endOfInput(kind event.Kind) {
	if in.closed {
		return
	}
	ic := pipeline.NewInputContext()
	in.pipe.Input(&event.StreamEnd{Err: kind})
	ic.Close()
	if kind != event.KindOK || in.listener.opts.CloseEOF {
		in.terminate(kind)
	}
}

// write is the pipeline tail consumer: Data is buffered for the write pump
// and StreamEnd flushes then closes.
func (in *Inbound) write(evt event.Event) {
	if in.closed {
		return
	}
	switch e := evt.(type) {
	case *event.Data:
		in.wbuf.PushBuffer(e.Buffer)
		in.pump()
	case *event.StreamEnd:
		in.ended = true
		in.pump()
	}
}

func (in *Inbound) pump() {
	if in.pumping {
		return
	}
	if in.wbuf.Empty() {
		if in.ended {
			in.terminate(event.KindOK)
		}
		return
	}
	out := in.wbuf
	in.wbuf = event.NewBuffer()
	in.pumping = true
	in.armIdle()
	opts := in.listener.Options()
	go func() {
		var err error
		out.Chunks(func(p []byte) bool {
			if opts.WriteTimeout > 0 {
				in.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			}
			_, err = in.conn.Write(p)
			return err == nil
		})
		out.Release()
		in.loop.Post(func() {
			in.pumping = false
			if err != nil {
				kind := event.KindConnectionReset
				if isTimeout(err) {
					kind = event.KindWriteTimeout
				}
				in.terminate(kind)
				return
			}
			in.pump()
		})
	}()
}

// terminate closes the socket and recycles the pipeline. Runs on the loop.
func (in *Inbound) terminate(kind event.Kind) {
	if in.closed {
		return
	}
	in.closed = true
	if in.idleTimer != nil {
		in.idleTimer.Cancel()
	}
	in.tap.close()
	in.conn.Close()
	in.logger.Debug("inbound closed",
		slog.String("component", "inbound"),
		slog.String("id", in.id.String()),
		slog.String("end", kind.String()))
	pipeline.Release(in.pipe)
	in.pipe = nil
	in.listener.closeInbound(in)
}

// shutdown propagates the drain signal to the pipeline. Runs on the loop.
func (in *Inbound) shutdown() {
	if in.pipe != nil {
		in.pipe.Shutdown()
	}
}
