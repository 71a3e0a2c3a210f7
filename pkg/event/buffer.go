// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import "sync"

// ChunkSize is the allocation unit for buffer storage. Socket reads are
// issued at this granularity as well.
const ChunkSize = 16 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{data: make([]byte, 0, ChunkSize)}
	},
}

// chunk is a reference-counted unit of byte storage. Chunks are written
// once while at the tail of their owning buffer and are immutable after
// the span over them is shared or a new chunk is started.
type chunk struct {
	data []byte
	refs int32
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.data = c.data[:0]
	c.refs = 1
	return c
}

func (c *chunk) retain() { c.refs++ }

func (c *chunk) release() {
	if c.refs--; c.refs == 0 {
		chunkPool.Put(c)
	}
}

// span is a view over a chunk region.
type span struct {
	c        *chunk
	off, end int
}

func (s span) bytes() []byte { return s.c.data[s.off:s.end] }
func (s span) size() int     { return s.end - s.off }

// Buffer is an ordered sequence of immutable byte chunks. It grows by
// appending and shrinks by consuming a prefix; consumed storage returns to
// the chunk arena once the last reference drops.
//
// Buffers are confined to the engine goroutine that owns them; the
// reference counts are not synchronized.
type Buffer struct {
	spans []span
	size  int
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Size returns the total number of buffered bytes.
func (b *Buffer) Size() int { return b.size }

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool { return b.size == 0 }

// Push appends a copy of p.
func (b *Buffer) Push(p []byte) {
	for len(p) > 0 {
		tail := b.writableTail()
		room := ChunkSize - tail.end
		n := len(p)
		if n > room {
			n = room
		}
		tail.c.data = append(tail.c.data, p[:n]...)
		tail.end += n
		b.size += n
		p = p[n:]
	}
}

// PushString appends a copy of s.
func (b *Buffer) PushString(s string) {
	b.Push([]byte(s))
}

// PushByte appends a single byte.
func (b *Buffer) PushByte(c byte) {
	tail := b.writableTail()
	tail.c.data = append(tail.c.data, c)
	tail.end++
	b.size++
}

// writableTail returns the tail span if it still owns unshared room at the
// end of its chunk, or starts a fresh chunk.
func (b *Buffer) writableTail() *span {
	if n := len(b.spans); n > 0 {
		s := &b.spans[n-1]
		if s.c.refs == 1 && s.end == len(s.c.data) && s.end < ChunkSize {
			return s
		}
	}
	b.spans = append(b.spans, span{c: newChunk()})
	return &b.spans[len(b.spans)-1]
}

// PushBuffer appends all of src by sharing its chunk storage. src is left
// unchanged.
func (b *Buffer) PushBuffer(src *Buffer) {
	if src == nil {
		return
	}
	for _, s := range src.spans {
		s.c.retain()
		b.spans = append(b.spans, s)
		b.size += s.size()
	}
}

// Shift consumes and returns up to n bytes from the front. The returned
// buffer shares storage with the consumed prefix.
func (b *Buffer) Shift(n int) *Buffer {
	out := NewBuffer()
	for n > 0 && len(b.spans) > 0 {
		s := &b.spans[0]
		take := s.size()
		if take > n {
			take = n
		}
		s.c.retain()
		out.spans = append(out.spans, span{c: s.c, off: s.off, end: s.off + take})
		out.size += take
		s.off += take
		b.size -= take
		n -= take
		if s.off == s.end {
			s.c.release()
			b.spans = b.spans[1:]
		}
	}
	return out
}

// Clone returns a shallow copy sharing all chunk storage.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{spans: make([]span, len(b.spans)), size: b.size}
	copy(out.spans, b.spans)
	for _, s := range out.spans {
		s.c.retain()
	}
	return out
}

// Release drops all chunk references and empties the buffer.
func (b *Buffer) Release() {
	for _, s := range b.spans {
		s.c.release()
	}
	b.spans = b.spans[:0]
	b.size = 0
}

// Chunks calls fn for each chunk in order until fn returns false.
func (b *Buffer) Chunks(fn func(p []byte) bool) {
	for _, s := range b.spans {
		if !fn(s.bytes()) {
			return
		}
	}
}

// Bytes flattens the buffer into a single contiguous slice. The buffer is
// left unchanged.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, s := range b.spans {
		out = append(out, s.bytes()...)
	}
	return out
}

// ByteAt returns the byte at offset i. It panics if i is out of range.
func (b *Buffer) ByteAt(i int) byte {
	for _, s := range b.spans {
		if i < s.size() {
			return s.c.data[s.off+i]
		}
		i -= s.size()
	}
	panic("event: buffer index out of range")
}
