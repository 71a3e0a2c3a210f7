// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mux coalesces many logical streams onto shared upstream
// transports: session pooling and clustering, in-order request/response
// correlation and the reverse demux side.
package mux

import (
	"container/list"
	"reflect"
	"runtime"
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/metrics"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Options bound a session cluster.
type Options struct {
	// MaxIdle is how long a session may sit with no sharers before it is
	// recycled.
	MaxIdle time.Duration

	// MaxQueue caps concurrent sharers per session; 0 or negative lifts
	// the cap.
	MaxQueue int

	// MaxMessages retires a session after it carried this many messages;
	// 0 or negative lifts the cap.
	MaxMessages int
}

// DefaultOptions returns the option set applied when none is given.
func DefaultOptions() Options {
	return Options{MaxIdle: 60 * time.Second}
}

// SessionImpl supplies the protocol-specific half of a session: how the
// muxer side is wired to the shared transport and how logical streams are
// opened on it.
type SessionImpl interface {
	// Open wires the impl to the generic session once the shared pipeline
	// is linked.
	Open(s *Session)

	// OpenStream opens a logical stream whose reply is delivered to out.
	OpenStream(out event.Input) Stream

	// CloseStream releases a stream obtained from OpenStream.
	CloseStream(st Stream)

	// OnReply receives events coming back from the shared transport.
	OnReply(evt event.Event)

	// Close drops all impl state when the session unlinks.
	Close()
}

// Stream is the logical request/response channel multiplexed through a
// session. Request events are written via Input.
type Stream interface {
	event.Input
}

// Session is a shared back-channel to a single upstream. While its share
// count is positive it cannot be recycled; at zero it enters the timed
// idle window governed by MaxIdle.
type Session struct {
	cluster *cluster
	impl    SessionImpl
	pipe    *pipeline.Pipeline

	shareCount   int
	messageCount int
	freeTime     time.Time
	closed       bool
	pending      bool

	waiting []*muxCore

	elem *list.Element
}

// IsFree reports whether no muxer currently shares the session.
func (s *Session) IsFree() bool { return s.shareCount == 0 }

// IsClosed reports whether the shared transport ended.
func (s *Session) IsClosed() bool { return s.closed }

// IsPending reports whether the session is not yet ready for streams,
// e.g. while a TLS handshake is in flight.
func (s *Session) IsPending() bool { return s.pending }

// SetPending flips the pending state; leaving it flushes every waiting
// muxer in arrival order.
func (s *Session) SetPending(pending bool) {
	if pending == s.pending {
		return
	}
	if !pending {
		waiters := s.waiting
		s.waiting = nil
		for _, m := range waiters {
			m.flushWaiting()
		}
	}
	s.pending = pending
}

// Input forwards evt into the shared transport pipeline.
func (s *Session) Input(evt event.Event) {
	if s.pipe != nil {
		s.pipe.Input(evt)
	}
}

// CountMessage tallies one more message carried by the session.
func (s *Session) CountMessage() { s.messageCount++ }

// link attaches the shared pipeline and opens the impl wiring.
func (s *Session) link(p *pipeline.Pipeline) {
	s.pipe = p
	p.Chain(event.InputFunc(s.onReply))
	s.impl.Open(s)
}

func (s *Session) onReply(evt event.Event) {
	s.impl.OnReply(evt)
	if _, ok := evt.(*event.StreamEnd); ok {
		s.closed = true
	}
}

// unlink sends a final StreamEnd through the shared pipeline and releases
// it.
func (s *Session) unlink() {
	if p := s.pipe; p != nil {
		s.impl.Close()
		p.Input(&event.StreamEnd{})
		pipeline.Release(p)
		s.pipe = nil
	}
}

// detach removes the session from its cluster.
func (s *Session) detach() {
	if c := s.cluster; c != nil {
		s.cluster = nil
		c.discard(s)
	}
}

// free drops one sharer.
func (s *Session) free() {
	if s.cluster != nil {
		s.cluster.free(s)
	} else {
		s.unlink()
	}
}

// cluster is the set of sessions for one session key, ordered by ascending
// share count so the least-loaded reusable session sits at the head.
type cluster struct {
	pool     *SessionPool
	key      any
	weakID   uintptr
	weak     bool
	weakGone bool

	opts Options

	sessions *list.List

	recycleScheduled bool
	relem            *list.Element
}

// alloc picks the first session satisfying the share and message gates, or
// starts a fresh one at the head.
func (c *cluster) alloc(impl func() SessionImpl) *Session {
	maxShare := c.opts.MaxQueue
	maxMsg := c.opts.MaxMessages
	for e := c.sessions.Front(); e != nil; e = e.Next() {
		s := e.Value.(*Session)
		if s.closed {
			continue
		}
		if (maxShare <= 0 || s.shareCount < maxShare) &&
			(maxMsg <= 0 || s.messageCount < maxMsg) {
			s.shareCount++
			s.messageCount++
			c.sort(s)
			return s
		}
	}
	s := &Session{cluster: c, impl: impl()}
	s.elem = c.sessions.PushFront(s)
	if m := c.pool.met; m != nil {
		m.MuxSessions.Inc()
	}
	s.shareCount++
	s.messageCount++
	c.sort(s)
	return s
}

// free drops one sharer and stamps the free time at zero.
func (c *cluster) free(s *Session) {
	s.shareCount--
	if s.IsFree() {
		s.freeTime = time.Now()
	}
	c.sort(s)
}

// discard removes the session from the cluster list at once; the recycle
// sweep takes the next element before dropping a session, so the removal
// does not disturb its iteration.
func (c *cluster) discard(s *Session) {
	if s.elem != nil {
		c.sessions.Remove(s.elem)
		s.elem = nil
	}
	if m := c.pool.met; m != nil {
		m.MuxSessions.Dec()
	}
	c.sort(nil)
}

// sort bubbles s to its position in the ascending share-count order, then
// re-evaluates recycling and cluster teardown. Amortized O(cluster size);
// clusters are typically short.
func (c *cluster) sort(s *Session) {
	if s != nil && s.elem != nil {
		for prev := s.elem.Prev(); prev != nil; prev = s.elem.Prev() {
			if prev.Value.(*Session).shareCount <= s.shareCount {
				break
			}
			c.sessions.MoveBefore(s.elem, prev)
		}
		for next := s.elem.Next(); next != nil; next = s.elem.Next() {
			if next.Value.(*Session).shareCount >= s.shareCount {
				break
			}
			c.sessions.MoveAfter(s.elem, next)
		}
	}

	c.scheduleRecycling()

	if c.sessions.Len() == 0 {
		if c.weak {
			delete(c.pool.weakClusters, c.weakID)
		} else {
			delete(c.pool.clusters, c.key)
		}
	}
}

func (c *cluster) scheduleRecycling() {
	head := c.sessions.Front()
	idle := head != nil && head.Value.(*Session).IsFree()
	if !idle {
		if c.recycleScheduled {
			c.pool.recycleClusters.Remove(c.relem)
			c.relem = nil
			c.recycleScheduled = false
		}
		return
	}
	if !c.recycleScheduled {
		c.relem = c.pool.recycleClusters.PushBack(c)
		c.recycleScheduled = true
		c.pool.recycle()
	}
}

// recycle drops idle sessions from the head whose key vanished, transport
// closed, message budget ran out, or idle window expired. now is +inf
// during shutdown so every idle session drains immediately.
func (c *cluster) recycle(now time.Time, infinite bool) {
	maxIdle := c.opts.MaxIdle
	for e := c.sessions.Front(); e != nil; {
		s := e.Value.(*Session)
		e = e.Next()
		if s.shareCount > 0 {
			break
		}
		expired := infinite || (maxIdle > 0 && now.Sub(s.freeTime) >= maxIdle)
		if s.closed || c.weakGone ||
			(c.opts.MaxMessages > 0 && s.messageCount >= c.opts.MaxMessages) ||
			expired {
			s.unlink()
			s.detach()
		}
	}
}

// onWeakKeyGone runs when the key object was collected: the cluster leaves
// the weak map and its remaining sessions are torn down at the next tick.
func (c *cluster) onWeakKeyGone() {
	c.weakGone = true
	delete(c.pool.weakClusters, c.weakID)
	c.scheduleRecycling()
}

// SessionPool owns the clusters for one mux filter template. Clones of the
// template share the pool; access is confined to the engine loop.
type SessionPool struct {
	loop *engine.Loop
	met  *metrics.Metrics

	clusters     map[any]*cluster
	weakClusters map[uintptr]*cluster

	recycleClusters *list.List
	recycling       bool
	hasShutdown     bool
}

// NewSessionPool creates an empty pool driven by loop.
func NewSessionPool(loop *engine.Loop, met *metrics.Metrics) *SessionPool {
	return &SessionPool{
		loop:            loop,
		met:             met,
		clusters:        make(map[any]*cluster),
		weakClusters:    make(map[uintptr]*cluster),
		recycleClusters: list.New(),
	}
}

// weakKey reports whether key is object-like: pointers are tracked by
// identity in the weak map and evicted when collected.
func weakKey(key any) (uintptr, bool) {
	v := reflect.ValueOf(key)
	if v.Kind() == reflect.Pointer {
		return v.Pointer(), true
	}
	return 0, false
}

// Alloc returns a session for key, creating the cluster on first use with
// the given options. impl supplies the protocol behavior for new sessions.
func (p *SessionPool) Alloc(key any, opts Options, impl func() SessionImpl) *Session {
	id, weak := weakKey(key)

	var c *cluster
	if weak {
		c = p.weakClusters[id]
	} else {
		c = p.clusters[key]
	}
	if c != nil {
		return c.alloc(impl)
	}

	c = &cluster{
		pool:     p,
		key:      key,
		weakID:   id,
		weak:     weak,
		opts:     opts,
		sessions: list.New(),
	}
	if weak {
		p.weakClusters[id] = c
		runtime.SetFinalizer(key, func(any) {
			p.loop.Post(func() {
				ic := pipeline.NewInputContext()
				c.onWeakKeyGone()
				ic.Close()
			})
		})
	} else {
		p.clusters[key] = c
	}
	return c.alloc(impl)
}

// ClusterSize returns the number of sessions under key.
func (p *SessionPool) ClusterSize(key any) int {
	if id, weak := weakKey(key); weak {
		if c := p.weakClusters[id]; c != nil {
			return c.sessions.Len()
		}
		return 0
	}
	if c := p.clusters[key]; c != nil {
		return c.sessions.Len()
	}
	return 0
}

// Shutdown treats every idle deadline as expired immediately.
func (p *SessionPool) Shutdown() {
	p.hasShutdown = true
	p.recycle()
}

// recycle arms the pool-wide one-second recycling tick.
func (p *SessionPool) recycle() {
	if p.recycling || p.recycleClusters.Len() == 0 {
		return
	}
	p.recycling = true
	p.loop.After(time.Second, func() {
		ic := pipeline.NewInputContext()
		defer ic.Close()
		p.recycling = false
		now := time.Now()
		infinite := p.hasShutdown
		for e := p.recycleClusters.Front(); e != nil; {
			c := e.Value.(*cluster)
			e = e.Next()
			c.recycle(now, infinite)
		}
		p.recycle()
	})
}
