// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import "sync/atomic"

var contextSeq atomic.Uint64

// Context travels with a pipeline instance. It identifies the originating
// inbound connection (if any) and carries arguments handed to sub-pipelines
// by joint filters.
type Context struct {
	id      uint64
	Inbound any
	Args    []any
}

// NewContext returns a context bound to the given inbound identity, which
// may be nil for tasks and readers.
func NewContext(inbound any) *Context {
	return &Context{id: contextSeq.Add(1), Inbound: inbound}
}

// ID returns the numeric context identifier used in log tags.
func (c *Context) ID() uint64 { return c.id }

// Derive returns a child context sharing the inbound identity and carrying
// args for a sub-pipeline.
func (c *Context) Derive(args ...any) *Context {
	return &Context{id: contextSeq.Add(1), Inbound: c.Inbound, Args: args}
}

// Arg returns the i-th argument, or nil when absent.
func (c *Context) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}
