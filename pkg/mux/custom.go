// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Custom is a mux filter whose session behavior is supplied by a protocol
// endpoint, e.g. the FastCGI client. It shares the session pool machinery
// with the built-in mux flavors.
type Custom struct {
	pipeline.Base
	muxCore
	name string
}

// NewCustom creates a mux filter template around a protocol-specific
// session implementation.
func NewCustom(name string, loop *engine.Loop, met *metrics.Metrics, selector Selector, opts Options, impl func() SessionImpl) *Custom {
	c := &Custom{Base: pipeline.NewJointBase(1), name: name}
	c.pool = NewSessionPool(loop, met)
	c.selector = selector
	c.opts = opts
	c.newImpl = impl
	return c
}

// Name implements pipeline.Filter.
func (c *Custom) Name() string { return c.name }

// Clone implements pipeline.Filter.
func (c *Custom) Clone() pipeline.Filter {
	out := &Custom{Base: c.CloneBase(), name: c.name}
	out.pool = c.pool
	out.selector = c.selector
	out.opts = c.opts
	out.newImpl = c.newImpl
	return out
}

// Process implements pipeline.Filter.
func (c *Custom) Process(evt event.Event) {
	c.openStream(&c.Base, event.InputFunc(c.Output))
	c.writeStream(evt)
}

// Reset implements pipeline.Filter.
func (c *Custom) Reset() {
	c.muxCore.reset()
}

// Shutdown implements pipeline.Filter.
func (c *Custom) Shutdown() {
	c.pool.Shutdown()
}
