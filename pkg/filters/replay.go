// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Replay records the event sequence it forwards into its sub-pipeline.
// When the sub-pipeline ends with StreamEnd{replay}, the buffered sequence
// is re-delivered to a fresh sub-pipeline instance and the filter's output
// is the newest attempt's output.
type Replay struct {
	pipeline.Base

	loop *engine.Loop

	buffer    []event.Event
	sub       *pipeline.Pipeline
	timer     *engine.Timer
	scheduled bool
}

// NewReplay creates a replay filter template.
func NewReplay(loop *engine.Loop) *Replay {
	return &Replay{Base: pipeline.NewJointBase(1), loop: loop}
}

// Name implements pipeline.Filter.
func (r *Replay) Name() string { return "replay" }

// Clone implements pipeline.Filter.
func (r *Replay) Clone() pipeline.Filter {
	return &Replay{Base: r.CloneBase(), loop: r.loop}
}

// Process implements pipeline.Filter.
func (r *Replay) Process(evt event.Event) {
	if r.sub == nil {
		r.sub = r.SubPipeline(0, event.InputFunc(r.receive))
	}
	r.buffer = append(r.buffer, evt)
	r.sub.Input(evt)
}

// receive watches the sub-pipeline output for the replay signal; anything
// else flows through.
func (r *Replay) receive(evt event.Event) {
	if end, ok := evt.(*event.StreamEnd); ok && end.Err == event.KindReplay {
		r.scheduleReplay()
		return
	}
	r.Output(evt)
}

func (r *Replay) scheduleReplay() {
	if r.scheduled {
		return
	}
	r.scheduled = true
	r.timer = r.loop.After(0, func() {
		r.scheduled = false
		r.replay()
	})
}

func (r *Replay) replay() {
	ic := pipeline.NewInputContext()
	defer ic.Close()
	pipeline.Release(r.sub)
	r.sub = r.SubPipeline(0, event.InputFunc(r.receive))
	for _, evt := range r.buffer {
		r.sub.Input(event.CloneEvent(evt))
	}
}

// Reset implements pipeline.Filter.
func (r *Replay) Reset() {
	r.buffer = nil
	pipeline.Release(r.sub)
	r.sub = nil
	if r.timer != nil {
		r.timer.Cancel()
		r.timer = nil
	}
	r.scheduled = false
}
