// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package filters

import (
	"log/slog"

	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Fork clones every event into a sub-pipeline while passing the original
// through unchanged. The sub-pipeline's output is discarded.
type Fork struct {
	pipeline.Base
	sub *pipeline.Pipeline
}

// NewFork creates a fork filter template.
func NewFork() *Fork {
	return &Fork{Base: pipeline.NewJointBase(1)}
}

// Name implements pipeline.Filter.
func (f *Fork) Name() string { return "fork" }

// Clone implements pipeline.Filter.
func (f *Fork) Clone() pipeline.Filter {
	return &Fork{Base: f.CloneBase()}
}

// Process implements pipeline.Filter.
func (f *Fork) Process(evt event.Event) {
	if f.sub == nil {
		f.sub = f.SubPipeline(0, event.Discard)
	}
	f.sub.Input(event.CloneEvent(evt))
	f.Output(evt)
}

// Reset implements pipeline.Filter.
func (f *Fork) Reset() {
	pipeline.Release(f.sub)
	f.sub = nil
}

// Link redirects the stream into a sub-pipeline whose output becomes this
// filter's output.
type Link struct {
	pipeline.Base
	sub *pipeline.Pipeline
}

// NewLink creates a link filter template.
func NewLink() *Link {
	return &Link{Base: pipeline.NewJointBase(1)}
}

// Name implements pipeline.Filter.
func (l *Link) Name() string { return "link" }

// Clone implements pipeline.Filter.
func (l *Link) Clone() pipeline.Filter {
	return &Link{Base: l.CloneBase()}
}

// Process implements pipeline.Filter.
func (l *Link) Process(evt event.Event) {
	if l.sub == nil {
		l.sub = l.SubPipeline(0, event.InputFunc(l.Output))
	}
	l.sub.Input(evt)
}

// Reset implements pipeline.Filter.
func (l *Link) Reset() {
	pipeline.Release(l.sub)
	l.sub = nil
}

// Dummy swallows every event.
type Dummy struct {
	pipeline.Base
}

// NewDummy creates a dummy filter template.
func NewDummy() *Dummy { return &Dummy{} }

// Name implements pipeline.Filter.
func (d *Dummy) Name() string { return "dummy" }

// Clone implements pipeline.Filter.
func (d *Dummy) Clone() pipeline.Filter { return &Dummy{Base: d.CloneBase()} }

// Process implements pipeline.Filter.
func (d *Dummy) Process(event.Event) {}

// Dump logs every event with an optional tag and passes it through.
type Dump struct {
	pipeline.Base
	logger *slog.Logger
	tag    string
}

// NewDump creates a dump filter template.
func NewDump(logger *slog.Logger, tag string) *Dump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dump{logger: logger, tag: tag}
}

// Name implements pipeline.Filter.
func (d *Dump) Name() string { return "dump" }

// Clone implements pipeline.Filter.
func (d *Dump) Clone() pipeline.Filter {
	return &Dump{Base: d.CloneBase(), logger: d.logger, tag: d.tag}
}

// Process implements pipeline.Filter.
func (d *Dump) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.StreamStart:
		d.logger.Info("StreamStart", slog.String("tag", d.tag))
	case *event.MessageStart:
		d.logger.Info("MessageStart", slog.String("tag", d.tag), slog.Any("head", e.Head))
	case *event.Data:
		d.logger.Info("Data", slog.String("tag", d.tag), slog.Int("size", e.Size()))
	case *event.MessageEnd:
		d.logger.Info("MessageEnd", slog.String("tag", d.tag), slog.Any("tail", e.Tail))
	case *event.StreamEnd:
		d.logger.Info("StreamEnd", slog.String("tag", d.tag), slog.String("error", e.Err.String()))
	}
	d.Output(evt)
}

// Tee copies payload bytes to an io.Writer sink while passing events
// through.
type Tee struct {
	pipeline.Base
	sink func() WriteSink
	w    WriteSink
}

// WriteSink receives copied payload bytes.
type WriteSink interface {
	Write(p []byte) (int, error)
	Close() error
}

// NewTee creates a tee filter template; sink opens the destination once
// per invocation.
func NewTee(sink func() WriteSink) *Tee {
	return &Tee{sink: sink}
}

// Name implements pipeline.Filter.
func (t *Tee) Name() string { return "tee" }

// Clone implements pipeline.Filter.
func (t *Tee) Clone() pipeline.Filter {
	return &Tee{Base: t.CloneBase(), sink: t.sink}
}

// Process implements pipeline.Filter.
func (t *Tee) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.Data:
		if t.w == nil {
			t.w = t.sink()
		}
		if t.w != nil {
			e.Chunks(func(p []byte) bool {
				_, err := t.w.Write(p)
				return err == nil
			})
		}
	case *event.StreamEnd:
		t.closeSink()
	}
	t.Output(evt)
}

// Reset implements pipeline.Filter.
func (t *Tee) Reset() {
	t.closeSink()
}

func (t *Tee) closeSink() {
	if t.w != nil {
		t.w.Close()
		t.w = nil
	}
}
