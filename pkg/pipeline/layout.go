// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the event-pipeline runtime: immutable layout
// templates, pooled runtime pipelines, the filter contract and the
// turn-scoped input context that defers releases.
package pipeline

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	layoutSeq atomic.Uint64

	layoutsMu  sync.Mutex
	allLayouts []*Layout
)

// Layout is an immutable pipeline template: a name, an ordered list of
// filter templates and references to sub-pipeline layouts held by its joint
// filters. Runtime pipelines are cloned from it and recycled through a
// per-layout free list.
type Layout struct {
	name    string
	index   uint64
	filters []Filter
	logger  *slog.Logger

	pool      *Pipeline // free list, linked by nextFree
	allocated int
	inUse     int
}

// NewLayout creates a layout from the given filter templates. The name may
// be empty for anonymous (indexed) sub-pipelines.
func NewLayout(name string, logger *slog.Logger, filters ...Filter) *Layout {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Layout{
		name:    name,
		index:   layoutSeq.Add(1),
		filters: filters,
		logger:  logger,
	}
	layoutsMu.Lock()
	allLayouts = append(allLayouts, l)
	layoutsMu.Unlock()
	l.logger.Debug("pipeline layout created",
		slog.String("component", "pipe-def"),
		slog.Uint64("layout", l.index),
		slog.String("name", l.name))
	return l
}

// Append adds a filter template to the layout. Layouts must not be appended
// to after the first Alloc.
func (l *Layout) Append(f Filter) *Layout {
	l.filters = append(l.filters, f)
	return l
}

// Name returns the layout name.
func (l *Layout) Name() string { return l.name }

// Index returns the process-unique layout index.
func (l *Layout) Index() uint64 { return l.index }

// Filters returns the filter templates.
func (l *Layout) Filters() []Filter { return l.filters }

// Alloc returns a pipeline bound to ctx, reusing a pooled instance when one
// is available.
func (l *Layout) Alloc(ctx *Context) *Pipeline {
	var p *Pipeline
	if l.pool != nil {
		p = l.pool
		l.pool = p.nextFree
		p.nextFree = nil
	} else {
		p = newPipeline(l)
		l.allocated++
	}
	l.inUse++
	p.ctx = ctx
	l.logger.Debug("pipeline allocated",
		slog.String("component", "pipeline"),
		slog.Uint64("layout", l.index),
		slog.String("name", l.name),
		slog.Uint64("context", ctx.ID()))
	return p
}

// free resets p and returns it to the pool.
func (l *Layout) free(p *Pipeline) {
	p.reset()
	p.nextFree = l.pool
	l.pool = p
	l.inUse--
	l.logger.Debug("pipeline recycled",
		slog.String("component", "pipeline"),
		slog.Uint64("layout", l.index),
		slog.String("name", l.name))
}

// Allocated returns how many pipelines have ever been cloned from the
// layout. The pool invariant is Allocated == InUse + Pooled.
func (l *Layout) Allocated() int { return l.allocated }

// InUse returns how many pipelines are currently attached to event sources.
func (l *Layout) InUse() int { return l.inUse }

// Pooled returns how many pipelines are idle on the free list.
func (l *Layout) Pooled() int { return l.allocated - l.inUse }

// Shutdown signals every filter template to drain. In-flight pipelines keep
// their own clones; their shutdown is propagated by the owning endpoints.
func (l *Layout) Shutdown() {
	for _, f := range l.filters {
		f.Shutdown()
	}
}

// Layouts returns a snapshot of every layout created so far, for stats
// collection and drain checks.
func Layouts() []*Layout {
	layoutsMu.Lock()
	defer layoutsMu.Unlock()
	out := make([]*Layout, len(allLayouts))
	copy(out, allLayouts)
	return out
}
