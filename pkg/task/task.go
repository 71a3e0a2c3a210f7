// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package task provides the non-socket pipeline entry points: scheduled
// tasks and file readers.
package task

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

// Task runs a pipeline on a schedule. A zero interval runs it once at
// startup.
type Task struct {
	loop     *engine.Loop
	logger   *slog.Logger
	layout   *pipeline.Layout
	interval time.Duration

	timer   *engine.Timer
	stopped bool
}

// New creates a scheduled task.
func New(loop *engine.Loop, layout *pipeline.Layout, interval time.Duration) *Task {
	return &Task{
		loop:     loop,
		logger:   loop.Logger(),
		layout:   layout,
		interval: interval,
	}
}

// Start arms the schedule. Must run on the loop goroutine; use
// loop.Post(t.Start) from elsewhere.
func (t *Task) Start() {
	t.run()
}

func (t *Task) run() {
	if t.stopped {
		return
	}
	ic := pipeline.NewInputContext()
	p := t.layout.Alloc(pipeline.NewContext(nil))
	p.Chain(event.Discard)
	p.Input(&event.StreamStart{})
	p.Input(&event.StreamEnd{})
	pipeline.Release(p)
	ic.Close()

	if t.interval > 0 {
		t.timer = t.loop.After(t.interval, t.run)
	}
}

// Stop cancels the schedule. Must run on the loop goroutine.
func (t *Task) Stop() {
	t.stopped = true
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}

// Reader feeds a file's bytes through a pipeline as a chunked Data stream
// terminated by StreamEnd at EOF.
type Reader struct {
	loop   *engine.Loop
	logger *slog.Logger
	layout *pipeline.Layout
	path   string

	pipe *pipeline.Pipeline
}

// NewReader creates a file reader entry point.
func NewReader(loop *engine.Loop, layout *pipeline.Layout, path string) *Reader {
	return &Reader{
		loop:   loop,
		logger: loop.Logger(),
		layout: layout,
		path:   path,
	}
}

// Start opens the file and begins streaming. The read runs on its own
// goroutine; events are posted to the loop.
func (r *Reader) Start() error {
	f, err := os.Open(r.path)
	if err != nil {
		return err
	}

	r.loop.Post(func() {
		ic := pipeline.NewInputContext()
		defer ic.Close()
		r.pipe = r.layout.Alloc(pipeline.NewContext(nil))
		r.pipe.Chain(event.Discard)
		r.pipe.Input(&event.StreamStart{})
	})

	go func() {
		defer f.Close()
		buf := make([]byte, event.ChunkSize)
		for {
			n, err := f.Read(buf)
			if n > 0 {
				data := event.NewData(buf[:n])
				r.loop.Post(func() { r.input(data) })
			}
			if err != nil {
				kind := event.KindOK
				if err != io.EOF {
					kind = event.KindUnknown
					r.logger.Error("file read failed",
						slog.String("component", "reader"),
						slog.String("path", r.path),
						slog.String("error", err.Error()))
				}
				r.loop.Post(func() { r.end(kind) })
				return
			}
		}
	}()
	return nil
}

func (r *Reader) input(data *event.Data) {
	if r.pipe == nil {
		return
	}
	ic := pipeline.NewInputContext()
	defer ic.Close()
	r.pipe.Input(data)
}

func (r *Reader) end(kind event.Kind) {
	if r.pipe == nil {
		return
	}
	ic := pipeline.NewInputContext()
	defer ic.Close()
	r.pipe.Input(&event.StreamEnd{Err: kind})
	pipeline.Release(r.pipe)
	r.pipe = nil
}
