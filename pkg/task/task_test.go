// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package task

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spurringworld/pipy/pkg/engine"
	"github.com/spurringworld/pipy/pkg/event"
	"github.com/spurringworld/pipy/pkg/pipeline"
)

func startLoop(t *testing.T) (*engine.Loop, func(func())) {
	t.Helper()
	loop := engine.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	do := func(f func()) {
		ch := make(chan struct{})
		loop.Post(func() {
			f()
			close(ch)
		})
		<-ch
	}
	return loop, do
}

// recorder counts stream starts and collects payload bytes.
type recorder struct {
	pipeline.Base
	runs *int
	data *[]byte
}

func (f *recorder) Name() string { return "recorder" }

func (f *recorder) Clone() pipeline.Filter {
	return &recorder{Base: f.CloneBase(), runs: f.runs, data: f.data}
}

func (f *recorder) Process(evt event.Event) {
	switch e := evt.(type) {
	case *event.StreamStart:
		*f.runs++
	case *event.Data:
		*f.data = append(*f.data, e.Bytes()...)
	}
}

func TestTaskRunsOnSchedule(t *testing.T) {
	loop, do := startLoop(t)

	runs := 0
	var data []byte
	var tk *Task
	do(func() {
		layout := pipeline.NewLayout("tick", loop.Logger(), &recorder{runs: &runs, data: &data})
		tk = New(loop, layout, 20*time.Millisecond)
		tk.Start()
	})

	var seen int
	require.Eventually(t, func() bool {
		do(func() { seen = runs })
		return seen >= 3
	}, 2*time.Second, 10*time.Millisecond, "interval task must keep firing")

	do(tk.Stop)
	do(func() { seen = runs })
	time.Sleep(80 * time.Millisecond)
	var after int
	do(func() { after = runs })
	assert.LessOrEqual(t, after, seen+1, "stopped task must not keep firing")
}

func TestReaderStreamsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.bin")
	payload := []byte("file contents flowing through a pipeline")
	require.NoError(t, os.WriteFile(path, payload, 0o644))

	loop, do := startLoop(t)
	runs := 0
	var data []byte
	var layout *pipeline.Layout
	do(func() {
		layout = pipeline.NewLayout("tap", loop.Logger(), &recorder{runs: &runs, data: &data})
	})

	r := NewReader(loop, layout, path)
	require.NoError(t, r.Start())

	require.Eventually(t, func() bool {
		var done bool
		do(func() { done = r.pipe == nil && len(data) > 0 })
		return done
	}, 2*time.Second, 10*time.Millisecond)

	do(func() {
		assert.Equal(t, payload, data)
		assert.Equal(t, 1, runs)
		assert.Equal(t, 0, layout.InUse(), "reader releases its pipeline at EOF")
	})
}

func TestReaderMissingFile(t *testing.T) {
	loop, do := startLoop(t)
	var layout *pipeline.Layout
	do(func() {
		runs := 0
		var data []byte
		layout = pipeline.NewLayout("gone", loop.Logger(), &recorder{runs: &runs, data: &data})
	})
	r := NewReader(loop, layout, "/nonexistent/path")
	assert.Error(t, r.Start())
}
