// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package filters provides the built-in filter set: connection terminals,
// plumbing joints, throttling, message transforms and wire codecs.
package filters

import (
	"net"
	"strconv"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/netio"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Target resolves the upstream address for a connect filter, once per
// pipeline invocation.
type Target func(ctx *pipeline.Context) string

// StaticTarget always connects to addr.
func StaticTarget(addr string) Target {
	return func(*pipeline.Context) string { return addr }
}

// Connect is the terminal filter that attaches an Outbound, writes the
// stream to the remote peer and injects the reply stream back as its own
// output.
type Connect struct {
	pipeline.Base

	loop   *engine.Loop
	met    *metrics.Metrics
	target Target
	opts   netio.OutboundOptions

	ob *netio.Outbound
}

// NewConnect creates a connect filter template.
func NewConnect(loop *engine.Loop, met *metrics.Metrics, target Target, opts netio.OutboundOptions) *Connect {
	return &Connect{loop: loop, met: met, target: target, opts: opts}
}

// Name implements pipeline.Filter.
func (c *Connect) Name() string { return "connect" }

// Clone implements pipeline.Filter.
func (c *Connect) Clone() pipeline.Filter {
	return &Connect{
		Base:   c.CloneBase(),
		loop:   c.loop,
		met:    c.met,
		target: c.target,
		opts:   c.opts,
	}
}

// Process implements pipeline.Filter. The first event resolves the target
// and starts connecting; Data is enqueued for the write pump and a
// StreamEnd flushes then half-closes.
func (c *Connect) Process(evt event.Event) {
	if c.ob == nil {
		addr := c.target(c.Context())
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			c.loop.Logger().Error("invalid connect target",
				"component", "connect", "target", addr, "error", err.Error())
			c.Output(&event.StreamEnd{Err: event.KindUnknown})
			return
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			c.loop.Logger().Error("invalid connect port",
				"component", "connect", "target", addr, "error", err.Error())
			c.Output(&event.StreamEnd{Err: event.KindUnknown})
			return
		}
		c.ob = netio.NewOutbound(c.loop, event.InputFunc(c.Output), c.opts, c.met)
		c.ob.Connect(host, port)
	}

	switch e := evt.(type) {
	case *event.Data:
		c.ob.Send(e.Buffer)
	case *event.StreamEnd:
		c.ob.End()
	}
}

// Reset implements pipeline.Filter.
func (c *Connect) Reset() {
	if c.ob != nil {
		c.ob.Close()
		c.ob = nil
	}
}
