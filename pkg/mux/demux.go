// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"github.com/eapache/queue"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Demux is the reverse of mux: each inbound message on the shared
// transport is written into a fresh sub-pipeline instance and the
// sub-pipeline's reply is forwarded back out. With Ordered set
// (demuxQueue), replies are delivered in request order, buffering any that
// complete early; unordered forwards each reply as it completes.
type Demux struct {
	pipeline.Base

	// Ordered preserves reply order (the demuxQueue behavior).
	Ordered bool

	current *demuxStream
	queue   *queue.Queue
	eos     *event.StreamEnd
	shut    bool
}

// NewDemux creates a demux filter template. ordered selects the
// strict-queue variant.
func NewDemux(ordered bool) *Demux {
	return &Demux{Base: pipeline.NewJointBase(1), Ordered: ordered}
}

// Name implements pipeline.Filter.
func (d *Demux) Name() string {
	if d.Ordered {
		return "demuxQueue"
	}
	return "demux"
}

// Clone implements pipeline.Filter.
func (d *Demux) Clone() pipeline.Filter {
	return &Demux{Base: d.CloneBase(), Ordered: d.Ordered}
}

// Process implements pipeline.Filter.
func (d *Demux) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.MessageStart:
		if d.current == nil && !d.shut {
			st := &demuxStream{demux: d}
			st.pipe = d.SubPipeline(0, event.InputFunc(st.receive))
			if d.queue == nil {
				d.queue = queue.New()
			}
			d.queue.Add(st)
			d.current = st
			st.pipe.Input(evt)
		}

	case *event.Data:
		if d.current != nil {
			d.current.pipe.Input(evt)
		}

	case *event.MessageEnd:
		if st := d.current; st != nil {
			d.current = nil
			st.inputDone = true
			st.pipe.Input(evt)
		}

	case *event.StreamEnd:
		d.eos = e
		if st := d.current; st != nil {
			d.current = nil
			st.inputDone = true
			st.pipe.Input(&event.MessageEnd{})
		}
		d.flush()
	}
}

// Reset implements pipeline.Filter.
func (d *Demux) Reset() {
	if d.queue != nil {
		for d.queue.Length() > 0 {
			st := d.queue.Remove().(*demuxStream)
			st.release()
		}
	}
	d.current = nil
	d.eos = nil
	d.shut = false
}

// Shutdown implements pipeline.Filter.
func (d *Demux) Shutdown() {
	d.shut = true
}

// onStreamDone fires when a sub-pipeline finished its reply.
func (d *Demux) onStreamDone(st *demuxStream) {
	d.flush()
}

// flush emits completed replies. Ordered mode drains strictly from the
// head; unordered emits every completed reply immediately.
func (d *Demux) flush() {
	if d.queue == nil {
		return
	}
	if d.Ordered {
		for d.queue.Length() > 0 {
			st := d.queue.Peek().(*demuxStream)
			if !st.done {
				break
			}
			d.queue.Remove()
			st.emit()
		}
	} else {
		for i := d.queue.Length(); i > 0; i-- {
			st := d.queue.Remove().(*demuxStream)
			if st.done {
				st.emit()
			} else {
				d.queue.Add(st)
			}
		}
	}
	if d.eos != nil && d.queue.Length() == 0 {
		eos := d.eos
		d.eos = nil
		d.Output(eos)
	}
}

// demuxStream is one message's sub-pipeline and its buffered reply.
type demuxStream struct {
	demux     *Demux
	pipe      *pipeline.Pipeline
	reply     []event.Event
	inputDone bool
	done      bool
	emitted   bool
}

// receive buffers the sub-pipeline's output until the reply message is
// complete, then reports back for flushing.
func (st *demuxStream) receive(evt event.Event) {
	switch evt.(type) {
	case *event.MessageStart, *event.Data:
		st.reply = append(st.reply, evt)
	case *event.MessageEnd:
		st.reply = append(st.reply, evt)
		st.done = true
		st.demux.onStreamDone(st)
	case *event.StreamEnd:
		if !st.done {
			st.done = true
			st.demux.onStreamDone(st)
		}
	}
}

// emit forwards the buffered reply downstream and releases the
// sub-pipeline.
func (st *demuxStream) emit() {
	if st.emitted {
		return
	}
	st.emitted = true
	for _, evt := range st.reply {
		st.demux.Output(evt)
	}
	st.reply = nil
	st.release()
}

func (st *demuxStream) release() {
	if st.pipe != nil {
		pipeline.Release(st.pipe)
		st.pipe = nil
	}
}
